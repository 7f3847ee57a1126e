package usecase

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"FeatPull/internal/domain/errs"
	drepo "FeatPull/internal/domain/repository"
	"FeatPull/internal/repository"
	"FeatPull/internal/service/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

func hourTS(i int) int64 { return t0 + int64(i)*time.Hour.Milliseconds() }

func candleRow(ts int64, px float64) []string {
	c := strconv.FormatFloat(px, 'f', -1, 64)
	return []string{strconv.FormatInt(ts, 10), c, c, c, c, "10", "", "", "1"}
}

// fakeSource serves rows newest first with exchange "after" semantics.
type fakeSource struct {
	mu    sync.Mutex
	rows  map[int64][]string
	calls int
	fail  func(call int, after int64) error
}

func newFakeSource(n int) *fakeSource {
	s := &fakeSource{rows: make(map[int64][]string)}
	for i := 1; i <= n; i++ {
		s.rows[hourTS(i)] = candleRow(hourTS(i), 100+float64(i))
	}
	return s
}

func (s *fakeSource) HistoryCandles(_ context.Context, _ string, _ drepo.Timeframe, after int64, limit int) ([][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != nil {
		if err := s.fail(s.calls, after); err != nil {
			return nil, err
		}
	}
	ts := make([]int64, 0, len(s.rows))
	for k := range s.rows {
		if after == 0 || k < after {
			ts = append(ts, k)
		}
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] > ts[j] })
	if len(ts) > limit {
		ts = ts[:limit]
	}
	out := make([][]string, 0, len(ts))
	for _, k := range ts {
		out = append(out, s.rows[k])
	}
	return out, nil
}

func testBudget(t *testing.T) *ratelimit.Budget {
	t.Helper()
	b, err := ratelimit.NewBudget("test", ratelimit.Config{Capacity: 1000, Refill: 1000, Interval: time.Second})
	require.NoError(t, err)
	return b
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestFetcher(t *testing.T, src drepo.CandleSource, store drepo.BarStore, dedup bool) *Fetcher {
	cfg := FetcherConfig{PageLimit: 3, RetryAttempts: 3, DedupStop: dedup}
	return NewFetcher(src, store, testBudget(t), cfg, WithFetcherSleep(noSleep))
}

func TestPullOverlappingCursorsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(10)
	store := repository.NewMemoryStore()
	f := newTestFetcher(t, src, store, false)

	res, err := f.Pull(ctx, PullRequest{InstID: "BTC-USDT", Bar: drepo.TF1H, MaxRecords: 4})
	require.NoError(t, err)
	assert.Equal(t, StopMaxRecords, res.Stop)
	assert.Equal(t, 4, res.Fetched)
	assert.Equal(t, hourTS(7), res.NextCursor)

	res, err = f.Pull(ctx, PullRequest{InstID: "BTC-USDT", Bar: drepo.TF1H})
	require.NoError(t, err)
	assert.Equal(t, StopEndOfHistory, res.Stop)
	assert.Equal(t, 6, res.Stored)
	assert.Equal(t, 4, res.Duplicates)

	// a third pass over the same history changes nothing
	_, err = f.Pull(ctx, PullRequest{InstID: "BTC-USDT", Bar: drepo.TF1H, After: hourTS(6)})
	require.NoError(t, err)

	n, err := store.CountBars(ctx, "BTC-USDT", drepo.TF1H)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	bars, err := store.RangeBars(ctx, "BTC-USDT", drepo.TF1H, 0, hourTS(100))
	require.NoError(t, err)
	for i, b := range bars {
		assert.Equal(t, hourTS(i+1), b.Timestamp)
	}
}

func TestPullStopsOnDuplicatePage(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(10)
	store := repository.NewMemoryStore()
	f := newTestFetcher(t, src, store, true)

	_, err := f.Pull(ctx, PullRequest{InstID: "BTC-USDT", Bar: drepo.TF1H})
	require.NoError(t, err)
	calls := src.calls

	res, err := f.Pull(ctx, PullRequest{InstID: "BTC-USDT", Bar: drepo.TF1H})
	require.NoError(t, err)
	assert.Equal(t, StopDedup, res.Stop)
	assert.Equal(t, 1, res.Pages)
	assert.Equal(t, 0, res.Stored)
	assert.Equal(t, 3, res.Duplicates)
	assert.Equal(t, calls+1, src.calls)
}

func TestPullEmptyHistory(t *testing.T) {
	f := newTestFetcher(t, newFakeSource(0), repository.NewMemoryStore(), true)
	res, err := f.Pull(context.Background(), PullRequest{InstID: "BTC-USDT", Bar: drepo.TF1H})
	require.NoError(t, err)
	assert.Equal(t, StopEmptyPage, res.Stop)
	assert.Equal(t, 0, res.Fetched)
}

func TestPullDropsMalformedRows(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(3)
	src.rows[hourTS(2)] = []string{strconv.FormatInt(hourTS(2), 10), "x", "1", "1", "1", "1"}
	store := repository.NewMemoryStore()
	f := newTestFetcher(t, src, store, true)

	res, err := f.Pull(ctx, PullRequest{InstID: "BTC-USDT", Bar: drepo.TF1H})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Malformed)
	assert.Equal(t, 2, res.Stored)

	n, err := store.CountBars(ctx, "BTC-USDT", drepo.TF1H)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestPullAllMalformedPage(t *testing.T) {
	src := &fakeSource{rows: map[int64][]string{
		hourTS(1): {"bad", "1", "1", "1", "1", "1"},
		hourTS(2): {strconv.FormatInt(hourTS(2), 10), "1"},
	}}
	f := newTestFetcher(t, src, repository.NewMemoryStore(), true)
	res, err := f.Pull(context.Background(), PullRequest{InstID: "BTC-USDT", Bar: drepo.TF1H})
	require.NoError(t, err)
	assert.Equal(t, StopMalformed, res.Stop)
	assert.Equal(t, 2, res.Malformed)
}

func TestPullRetriesTransientErrors(t *testing.T) {
	src := newFakeSource(2)
	src.fail = func(call int, _ int64) error {
		if call <= 2 {
			return errs.Transient(errors.New("503 service unavailable"))
		}
		return nil
	}
	store := repository.NewMemoryStore()
	f := newTestFetcher(t, src, store, true)

	res, err := f.Pull(context.Background(), PullRequest{InstID: "BTC-USDT", Bar: drepo.TF1H})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stored)
	assert.Equal(t, 3, src.calls)
}

func TestPullExhaustedRetriesKeepsProgress(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(10)
	src.fail = func(_ int, after int64) error {
		if after != 0 {
			return errs.Transient(errors.New("connection reset"))
		}
		return nil
	}
	store := repository.NewMemoryStore()
	f := newTestFetcher(t, src, store, true)

	res, err := f.Pull(ctx, PullRequest{InstID: "BTC-USDT", Bar: drepo.TF1H})
	var ti *errs.TransientIngestionError
	require.True(t, errors.As(err, &ti))
	assert.Equal(t, hourTS(8), ti.Cursor)
	assert.Equal(t, 3, ti.Attempts)
	assert.True(t, errs.IsRetryable(err))
	assert.Equal(t, 3, res.Stored)
	assert.Equal(t, 4, src.calls)

	n, err := store.CountBars(ctx, "BTC-USDT", drepo.TF1H)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// resuming from the cursor completes the history
	src.fail = nil
	res, err = f.Pull(ctx, PullRequest{InstID: "BTC-USDT", Bar: drepo.TF1H, After: ti.Cursor})
	require.NoError(t, err)
	assert.Equal(t, 7, res.Stored)
}

func TestPullTerminalErrorIsNotRetried(t *testing.T) {
	src := newFakeSource(5)
	src.fail = func(int, int64) error { return errors.New("400 bad request") }
	f := newTestFetcher(t, src, repository.NewMemoryStore(), true)

	_, err := f.Pull(context.Background(), PullRequest{InstID: "BTC-USDT", Bar: drepo.TF1H})
	require.Error(t, err)
	var ti *errs.TransientIngestionError
	assert.False(t, errors.As(err, &ti))
	assert.Equal(t, 1, src.calls)
}

func TestPullRejectsBadRequest(t *testing.T) {
	f := newTestFetcher(t, newFakeSource(1), repository.NewMemoryStore(), true)
	_, err := f.Pull(context.Background(), PullRequest{InstID: "BTC-USDT", Bar: "7m"})
	assert.Error(t, err)
	_, err = f.Pull(context.Background(), PullRequest{Bar: drepo.TF1H})
	assert.Error(t, err)
}

func TestPullUntilIgnoresDedupStop(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource(10)
	store := repository.NewMemoryStore()
	f := newTestFetcher(t, src, store, true)

	_, err := f.Pull(ctx, PullRequest{InstID: "BTC-USDT", Bar: drepo.TF1H})
	require.NoError(t, err)

	res, err := f.Pull(ctx, PullRequest{InstID: "BTC-USDT", Bar: drepo.TF1H, Until: hourTS(5)})
	require.NoError(t, err)
	assert.Equal(t, StopReachedUntil, res.Stop)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, 6, res.Duplicates)
	assert.Equal(t, hourTS(5), res.NextCursor)
}

// cappedSource serves at most max rows per page regardless of the requested limit.
type cappedSource struct {
	*fakeSource
	max       int
	requested []int
}

func (s *cappedSource) HistoryCandles(ctx context.Context, instID string, tf drepo.Timeframe, after int64, limit int) ([][]string, error) {
	s.requested = append(s.requested, limit)
	if limit > s.max {
		limit = s.max
	}
	return s.fakeSource.HistoryCandles(ctx, instID, tf, after, limit)
}

func TestPullPagesPastExchangePageCap(t *testing.T) {
	ctx := context.Background()
	src := &cappedSource{fakeSource: newFakeSource(500), max: 100}
	store := repository.NewMemoryStore()

	cfg := DefaultFetcherConfig()
	cfg.PageLimit = 300
	f := NewFetcher(src, store, testBudget(t), cfg, WithFetcherSleep(noSleep))

	res, err := f.Pull(ctx, PullRequest{InstID: "BTC-USDT", Bar: drepo.TF1H})
	require.NoError(t, err)
	assert.Equal(t, 500, res.Fetched)
	assert.Equal(t, 500, res.Stored)
	assert.Equal(t, hourTS(1), res.NextCursor)
	assert.Equal(t, StopEmptyPage, res.Stop)
	assert.Equal(t, 6, res.Pages)
	for _, l := range src.requested {
		assert.Equal(t, 100, l)
	}

	n, err := store.CountBars(ctx, "BTC-USDT", drepo.TF1H)
	require.NoError(t, err)
	assert.Equal(t, int64(500), n)
}
