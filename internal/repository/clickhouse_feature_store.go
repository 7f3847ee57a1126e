package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"FeatPull/internal/domain/models"
	domrepo "FeatPull/internal/domain/repository"
	pkgch "FeatPull/pkg/clickhouse"
	applogger "FeatPull/pkg/logger"
)

// CHFeatureStore implements FeatureStore backed by ClickHouse.
type CHFeatureStore struct {
	db    *sql.DB
	table string
	l     *applogger.Logger
}

func NewCHFeatureStore(ch *pkgch.Client, database string) *CHFeatureStore {
	return &CHFeatureStore{db: ch.DB(), table: database + "." + featuresTable}
}

// SetLogger injects a structured logger.
func (s *CHFeatureStore) SetLogger(l *applogger.Logger) { s.l = l }

func (s *CHFeatureStore) UpsertFeatures(ctx context.Context, records []models.FeatureRecord) error {
	if len(records) == 0 {
		return nil
	}
	start := time.Now()
	now := time.Now().UTC()
	for lo := 0; lo < len(records); lo += insertChunk {
		hi := lo + insertChunk
		if hi > len(records) {
			hi = len(records)
		}
		chunk := records[lo:hi]
		args := make([]interface{}, 0, len(chunk)*10)
		for _, r := range chunk {
			var label, ret interface{}
			if r.Label != nil {
				label = int32(*r.Label)
			}
			if r.FutureReturn != nil {
				ret = *r.FutureReturn
			}
			created := r.CreatedAt
			if created.IsZero() {
				created = now
			}
			args = append(args, r.InstID, r.Bar, msTime(r.Timestamp), r.Names, r.Features,
				label, ret, r.ConfigHash, created.UTC(), now)
		}
		q := fmt.Sprintf(`INSERT INTO %s (inst_id, bar, ts, names, features, label, future_return, config_hash, created_at, updated_at) VALUES %s`,
			s.table, valuesClause(len(chunk), 10))
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			chLog(s.l, "upsert_features", start, err, applogger.Int("rows", len(chunk)))
			return fmt.Errorf("upsert features: %w", err)
		}
	}
	chLog(s.l, "upsert_features", start, nil, applogger.Int("rows", len(records)))
	return nil
}

func (s *CHFeatureStore) RangeFeatures(ctx context.Context, instID string, tf domrepo.Timeframe, from, to int64, limit int) ([]models.FeatureRecord, error) {
	start := time.Now()
	if limit <= 0 {
		limit = 10000
	}
	q := fmt.Sprintf(`SELECT inst_id, bar, ts, names, features, label, future_return, config_hash, created_at
        FROM %s FINAL
        WHERE inst_id = ? AND bar = ? AND ts >= ? AND ts <= ?
        ORDER BY ts ASC
        LIMIT ?`, s.table)
	rows, err := s.db.QueryContext(ctx, q, instID, string(tf), msTime(from), msTime(to), limit)
	if err != nil {
		chLog(s.l, "range_features", start, err, applogger.String("inst_id", instID), applogger.String("tf", string(tf)))
		return nil, fmt.Errorf("range features: %w", err)
	}
	defer rows.Close()

	out := make([]models.FeatureRecord, 0, 256)
	for rows.Next() {
		var (
			r     models.FeatureRecord
			ts    time.Time
			label sql.NullInt64
			ret   sql.NullFloat64
		)
		if err := rows.Scan(&r.InstID, &r.Bar, &ts, &r.Names, &r.Features, &label, &ret, &r.ConfigHash, &r.CreatedAt); err != nil {
			chLog(s.l, "range_features", start, err, applogger.String("inst_id", instID))
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		r.Timestamp = ts.UnixMilli()
		if label.Valid {
			v := int(label.Int64)
			r.Label = &v
		}
		if ret.Valid {
			v := ret.Float64
			r.FutureReturn = &v
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		chLog(s.l, "range_features", start, err, applogger.String("inst_id", instID))
		return nil, fmt.Errorf("rows: %w", err)
	}
	chLog(s.l, "range_features", start, nil,
		applogger.String("inst_id", instID),
		applogger.String("tf", string(tf)),
		applogger.Int("rows", len(out)),
	)
	return out, nil
}

var _ domrepo.FeatureStore = (*CHFeatureStore)(nil)
