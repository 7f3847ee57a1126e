package okx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	drepo "FeatPull/internal/domain/repository"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamSubscribeAndRead(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan wsRequest, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var req wsRequest
		require.NoError(t, conn.ReadJSON(&req))
		subscribed <- req

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"subscribe","arg":{"channel":"candle1H","instId":"BTC-USDT"}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"arg":{"channel":"candle1H","instId":"BTC-USDT"},"data":[["1700000000000","1","2","0.5","1.5","10","15","15","1"],["bad"]]}`))
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	s := NewStream(url, []Subscription{{InstID: "BTC-USDT", Bar: drepo.TF1H}}, 10*time.Millisecond, time.Hour, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	defer s.Close()
	require.NoError(t, s.Subscribe(ctx))

	req := <-subscribed
	assert.Equal(t, "subscribe", req.Op)
	assert.Equal(t, []wsArg{{Channel: "candle1H", InstID: "BTC-USDT"}}, req.Args)

	bars, _ := s.Read(ctx)
	select {
	case b := <-bars:
		require.NotNil(t, b)
		assert.Equal(t, "BTC-USDT", b.InstID)
		assert.Equal(t, "1H", b.Bar)
		assert.Equal(t, 1.5, b.Close)
		assert.True(t, b.Confirm)
	case <-ctx.Done():
		t.Fatal("no bar received")
	}
}
