package okx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"FeatPull/internal/domain/errs"
	drepo "FeatPull/internal/domain/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryCandlesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, historyPath, r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "BTC-USDT", q.Get("instId"))
		assert.Equal(t, "1H", q.Get("bar"))
		assert.Equal(t, "100", q.Get("limit"))
		assert.Equal(t, "1700003600000", q.Get("after"))
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[
			["1700000000000","1","2","0.5","1.5","10","15","15","1"]
		]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0)
	rows, err := c.HistoryCandles(context.Background(), "BTC-USDT", drepo.TF1H, 1700003600000, 100)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "1700000000000", rows[0][0])
}

func TestHistoryCandlesFirstPageOmitsCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, has := r.URL.Query()["after"]
		assert.False(t, has)
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"code":"0","data":[]}`))
	}))
	defer srv.Close()

	rows, err := NewClient(srv.URL, 0).HistoryCandles(context.Background(), "ETH-USDT", drepo.TF4H, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestHistoryCandlesErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{"server error", http.StatusBadGateway, `bad gateway`, true},
		{"throttled status", http.StatusTooManyRequests, `{}`, true},
		{"throttled code", http.StatusOK, `{"code":"50011","msg":"Too Many Requests"}`, true},
		{"bad instrument", http.StatusOK, `{"code":"51001","msg":"Instrument ID does not exist"}`, false},
		{"bad request", http.StatusBadRequest, `{}`, false},
		{"garbage", http.StatusOK, `not json`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, 0).HistoryCandles(context.Background(), "BTC-USDT", drepo.TF1H, 0, 10)
			require.Error(t, err)
			assert.Equal(t, tc.transient, errs.IsTransient(err))
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		})
	}
}

func TestHistoryCandlesAPIErrorExposed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"51001","msg":"Instrument ID does not exist"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, 0).HistoryCandles(context.Background(), "NOPE", drepo.TF1H, 0, 10)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "51001", apiErr.Code)
}

func TestHistoryCandlesNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, 0).HistoryCandles(context.Background(), "BTC-USDT", drepo.TF1H, 0, 10)
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
}
