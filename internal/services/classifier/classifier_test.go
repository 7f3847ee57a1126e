package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, predictPath, r.URL.Path)
		var req predictRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "BTC-USDT", req.InstID)
		assert.Equal(t, []string{"rsi_1H", "adx_4H"}, req.Names)
		_, _ = w.Write([]byte(`{"probabilities":{"1":0.2,"2":0.5,"3":0.3}}`))
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL, 0, 1)
	probs, err := c.Predict(context.Background(), "BTC-USDT", []string{"rsi_1H", "adx_4H"}, []float64{0.1, -0.3})
	require.NoError(t, err)
	assert.Equal(t, map[int]float64{1: 0.2, 2: 0.5, 3: 0.3}, probs)
}

func TestPredictRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"probabilities":{"2":1}}`))
	}))
	defer srv.Close()

	probs, err := NewHTTPClassifier(srv.URL, 0, 3).Predict(context.Background(), "X", []string{"a"}, []float64{1})
	require.NoError(t, err)
	assert.Equal(t, 1.0, probs[2])
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestPredictClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := NewHTTPClassifier(srv.URL, 0, 3).Predict(context.Background(), "X", []string{"a"}, []float64{1})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPredictLengthMismatch(t *testing.T) {
	_, err := NewHTTPClassifier("http://unused", 0, 1).Predict(context.Background(), "X", []string{"a", "b"}, []float64{1})
	assert.Error(t, err)
}
