package repository

import (
	"fmt"
	"strings"
	"time"

	applogger "FeatPull/pkg/logger"
)

// Tables are ReplacingMergeTree keyed by the record key, so re-inserting a
// row replaces it after merge; reads use FINAL to see the latest version.
const (
	barsTable     = "bars"
	paramsTable   = "normalizer_params"
	featuresTable = "features"
	insertChunk   = 2000
)

// SchemaStatements returns idempotent DDL for every pipeline table.
func SchemaStatements(database string) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
            inst_id LowCardinality(String),
            bar LowCardinality(String),
            ts DateTime64(3, 'UTC'),
            open Float64,
            high Float64,
            low Float64,
            close Float64,
            volume Float64,
            vol_ccy Float64,
            vol_ccy_quote Float64,
            confirm UInt8,
            updated_at DateTime64(3, 'UTC')
        ) ENGINE = ReplacingMergeTree(updated_at)
        PARTITION BY (bar, toYYYYMM(ts))
        ORDER BY (inst_id, bar, ts)`, database, barsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
            inst_id LowCardinality(String),
            bar LowCardinality(String),
            col String,
            mean Float64,
            std Float64,
            n UInt64,
            fitted_at DateTime64(3, 'UTC'),
            updated_at DateTime64(3, 'UTC')
        ) ENGINE = ReplacingMergeTree(updated_at)
        ORDER BY (inst_id, bar, col)`, database, paramsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
            inst_id LowCardinality(String),
            bar LowCardinality(String),
            ts DateTime64(3, 'UTC'),
            names Array(String),
            features Array(Float64),
            label Nullable(Int32),
            future_return Nullable(Float64),
            config_hash String,
            created_at DateTime64(3, 'UTC'),
            updated_at DateTime64(3, 'UTC')
        ) ENGINE = ReplacingMergeTree(updated_at)
        PARTITION BY toYYYYMM(ts)
        ORDER BY (inst_id, bar, ts)`, database, featuresTable),
	}
}

// valuesClause returns "(?, ?, ...), (...)" for rows of width cols.
func valuesClause(rows, cols int) string {
	one := "(" + strings.TrimSuffix(strings.Repeat("?, ", cols), ", ") + ")"
	parts := make([]string, rows)
	for i := range parts {
		parts[i] = one
	}
	return strings.Join(parts, ", ")
}

func msTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// chLog is the shared query/scan error logging used by the ClickHouse stores.
func chLog(l *applogger.Logger, op string, start time.Time, err error, fields ...applogger.Field) {
	if l == nil {
		return
	}
	fields = append(fields, applogger.String("op", op), applogger.Duration("duration_ms", time.Since(start)))
	if err != nil {
		l.Error("clickhouse "+op+" error", append(fields, applogger.Error(err))...)
		return
	}
	l.Debug("clickhouse "+op+" ok", fields...)
}
