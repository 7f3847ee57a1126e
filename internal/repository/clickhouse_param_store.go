package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"FeatPull/internal/domain/models"
	domrepo "FeatPull/internal/domain/repository"
	pkgch "FeatPull/pkg/clickhouse"
	applogger "FeatPull/pkg/logger"
)

// CHNormalizerStore implements NormalizerStore backed by ClickHouse.
// A fit inserts all its rows in one statement, so a reader never sees
// part of a fit.
type CHNormalizerStore struct {
	db    *sql.DB
	table string
	l     *applogger.Logger
}

func NewCHNormalizerStore(ch *pkgch.Client, database string) *CHNormalizerStore {
	return &CHNormalizerStore{db: ch.DB(), table: database + "." + paramsTable}
}

func (s *CHNormalizerStore) SetLogger(l *applogger.Logger) { s.l = l }

func (s *CHNormalizerStore) UpsertParams(ctx context.Context, params []models.NormalizationParam) error {
	if len(params) == 0 {
		return nil
	}
	start := time.Now()
	args := make([]interface{}, 0, len(params)*8)
	for _, p := range params {
		args = append(args, p.InstID, p.Bar, p.Column, p.Mean, p.Std, uint64(p.Count), p.FittedAt.UTC(), p.UpdatedAt.UTC())
	}
	q := fmt.Sprintf("INSERT INTO %s (inst_id, bar, col, mean, std, n, fitted_at, updated_at) VALUES %s",
		s.table, valuesClause(len(params), 8))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		chLog(s.l, "upsert_params", start, err, applogger.Int("rows", len(params)))
		return fmt.Errorf("upsert params: %w", err)
	}
	chLog(s.l, "upsert_params", start, nil, applogger.Int("rows", len(params)))
	return nil
}

func (s *CHNormalizerStore) GetParam(ctx context.Context, key models.ParamKey) (models.NormalizationParam, bool, error) {
	q := fmt.Sprintf(`SELECT inst_id, bar, col, mean, std, n, fitted_at, updated_at
        FROM %s FINAL WHERE inst_id = ? AND bar = ? AND col = ?`, s.table)
	p, err := scanParam(s.db.QueryRowContext(ctx, q, key.InstID, key.Bar, key.Column))
	if errors.Is(err, sql.ErrNoRows) {
		return models.NormalizationParam{}, false, nil
	}
	if err != nil {
		return models.NormalizationParam{}, false, fmt.Errorf("get param %s: %w", key, err)
	}
	return p, true, nil
}

func (s *CHNormalizerStore) ListParams(ctx context.Context, instID string) ([]models.NormalizationParam, error) {
	start := time.Now()
	q := fmt.Sprintf(`SELECT inst_id, bar, col, mean, std, n, fitted_at, updated_at
        FROM %s FINAL WHERE inst_id = ? ORDER BY bar, col`, s.table)
	rows, err := s.db.QueryContext(ctx, q, instID)
	if err != nil {
		chLog(s.l, "list_params", start, err, applogger.String("inst_id", instID))
		return nil, fmt.Errorf("list params: %w", err)
	}
	defer rows.Close()
	out := make([]models.NormalizationParam, 0, 64)
	for rows.Next() {
		p, err := scanParam(rows)
		if err != nil {
			return nil, fmt.Errorf("list params scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanParam(r rowScanner) (models.NormalizationParam, error) {
	var (
		p models.NormalizationParam
		n uint64
	)
	if err := r.Scan(&p.InstID, &p.Bar, &p.Column, &p.Mean, &p.Std, &n, &p.FittedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	p.Count = int(n)
	return p, nil
}

var _ domrepo.NormalizerStore = (*CHNormalizerStore)(nil)
