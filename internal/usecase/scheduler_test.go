package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRefresher struct {
	mu    sync.Mutex
	calls map[string]int
	fail  string
}

func (r *countingRefresher) Refresh(_ context.Context, instID string, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[instID]++
	if instID == r.fail {
		return errors.New("boom")
	}
	return nil
}

func (r *countingRefresher) count(instID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[instID]
}

func TestSchedulerRunNowVisitsEveryInstrument(t *testing.T) {
	r := &countingRefresher{fail: "ETH-USDT"}
	s := NewScheduler(r, []string{"BTC-USDT", "ETH-USDT", "SOL-USDT"}, time.Hour, nil)
	s.RunNow()
	assert.Equal(t, 1, r.count("BTC-USDT"))
	assert.Equal(t, 1, r.count("ETH-USDT"))
	assert.Equal(t, 1, r.count("SOL-USDT"))
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := NewScheduler(&countingRefresher{}, nil, time.Hour, nil)
	assert.Error(t, s.Register("every minute"))
	// five fields are not enough once seconds are enabled
	assert.Error(t, s.Register("*/5 * * * *"))
	assert.NoError(t, s.Register("0 */5 * * * *"))
}

func TestSchedulerTicks(t *testing.T) {
	r := &countingRefresher{}
	s := NewScheduler(r, []string{"BTC-USDT"}, time.Hour, nil)
	require.NoError(t, s.Register("* * * * * *"))
	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool { return r.count("BTC-USDT") >= 1 }, 3*time.Second, 50*time.Millisecond)
}
