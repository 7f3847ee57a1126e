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

const barColumns = "inst_id, bar, ts, open, high, low, close, volume, vol_ccy, vol_ccy_quote, confirm"

// CHBarStore implements BarStore backed by ClickHouse.
type CHBarStore struct {
	db    *sql.DB
	table string
	l     *applogger.Logger
}

func NewCHBarStore(ch *pkgch.Client, database string) *CHBarStore {
	return &CHBarStore{db: ch.DB(), table: database + "." + barsTable}
}

// SetLogger injects a structured logger.
func (s *CHBarStore) SetLogger(l *applogger.Logger) { s.l = l }

// UpsertBars inserts in chunks; duplicates collapse on the table key.
func (s *CHBarStore) UpsertBars(ctx context.Context, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	start := time.Now()
	now := time.Now().UTC()
	for lo := 0; lo < len(bars); lo += insertChunk {
		hi := lo + insertChunk
		if hi > len(bars) {
			hi = len(bars)
		}
		chunk := bars[lo:hi]
		args := make([]interface{}, 0, len(chunk)*12)
		for _, b := range chunk {
			confirm := uint8(0)
			if b.Confirm {
				confirm = 1
			}
			args = append(args, b.InstID, b.Bar, msTime(b.Timestamp),
				b.Open, b.High, b.Low, b.Close, b.Volume, b.VolCcy, b.VolCcyQuote, confirm, now)
		}
		q := fmt.Sprintf("INSERT INTO %s (%s, updated_at) VALUES %s", s.table, barColumns, valuesClause(len(chunk), 12))
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			chLog(s.l, "upsert_bars", start, err, applogger.Int("rows", len(chunk)))
			return fmt.Errorf("upsert bars: %w", err)
		}
	}
	chLog(s.l, "upsert_bars", start, nil, applogger.Int("rows", len(bars)))
	return nil
}

func (s *CHBarStore) RangeBars(ctx context.Context, instID string, tf domrepo.Timeframe, from, to int64) ([]models.Bar, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s FINAL
        WHERE inst_id = ? AND bar = ? AND ts >= ? AND ts <= ?
        ORDER BY ts ASC`, barColumns, s.table)
	return s.query(ctx, "range_bars", q, instID, string(tf), msTime(from), msTime(to))
}

// LatestBars returns the newest n bars in ascending order.
func (s *CHBarStore) LatestBars(ctx context.Context, instID string, tf domrepo.Timeframe, n int) ([]models.Bar, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s FINAL
        WHERE inst_id = ? AND bar = ?
        ORDER BY ts DESC
        LIMIT ?`, barColumns, s.table)
	out, err := s.query(ctx, "latest_bars", q, instID, string(tf), n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ExistingTimestamps scans the [min, max] span of ts and filters in memory.
func (s *CHBarStore) ExistingTimestamps(ctx context.Context, instID string, tf domrepo.Timeframe, ts []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(ts))
	if len(ts) == 0 {
		return out, nil
	}
	want := make(map[int64]struct{}, len(ts))
	lo, hi := ts[0], ts[0]
	for _, t := range ts {
		want[t] = struct{}{}
		if t < lo {
			lo = t
		}
		if t > hi {
			hi = t
		}
	}

	start := time.Now()
	q := fmt.Sprintf(`SELECT DISTINCT ts FROM %s WHERE inst_id = ? AND bar = ? AND ts >= ? AND ts <= ?`, s.table)
	rows, err := s.db.QueryContext(ctx, q, instID, string(tf), msTime(lo), msTime(hi))
	if err != nil {
		chLog(s.l, "existing_ts", start, err, applogger.String("inst_id", instID))
		return nil, fmt.Errorf("existing timestamps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan ts: %w", err)
		}
		if _, ok := want[t.UnixMilli()]; ok {
			out[t.UnixMilli()] = true
		}
	}
	return out, rows.Err()
}

func (s *CHBarStore) CountBars(ctx context.Context, instID string, tf domrepo.Timeframe) (int64, error) {
	var n uint64
	q := fmt.Sprintf("SELECT count() FROM %s FINAL WHERE inst_id = ? AND bar = ?", s.table)
	if err := s.db.QueryRowContext(ctx, q, instID, string(tf)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count bars: %w", err)
	}
	return int64(n), nil
}

func (s *CHBarStore) query(ctx context.Context, op, q string, args ...interface{}) ([]models.Bar, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		chLog(s.l, op, start, err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]models.Bar, 0, 512)
	for rows.Next() {
		var (
			b       models.Bar
			ts      time.Time
			confirm uint8
		)
		if err := rows.Scan(&b.InstID, &b.Bar, &ts, &b.Open, &b.High, &b.Low, &b.Close,
			&b.Volume, &b.VolCcy, &b.VolCcyQuote, &confirm); err != nil {
			chLog(s.l, op, start, err)
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		b.Timestamp = ts.UnixMilli()
		b.Confirm = confirm == 1
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		chLog(s.l, op, start, err)
		return nil, fmt.Errorf("%s rows: %w", op, err)
	}
	chLog(s.l, op, start, nil, applogger.Int("rows", len(out)))
	return out, nil
}

var _ domrepo.BarStore = (*CHBarStore)(nil)
