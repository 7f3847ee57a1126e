package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"FeatPull/internal/domain/models"
	drepo "FeatPull/internal/domain/repository"
	applogger "FeatPull/pkg/logger"

	"github.com/gorilla/websocket"
)

const DefaultWSURL = "wss://ws.okx.com:8443/ws/v5/business"

// Subscription is one (instrument, timeframe) candle channel.
type Subscription struct {
	InstID string
	Bar    drepo.Timeframe
}

func (s Subscription) channel() string { return "candle" + s.Bar.String() }

// Stream implements BarStream over the OKX business websocket.
type Stream struct {
	url            string
	subs           []Subscription
	reconnectDelay time.Duration
	pingInterval   time.Duration
	dialer         *websocket.Dialer
	l              *applogger.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

func NewStream(url string, subs []Subscription, reconnectDelay, pingInterval time.Duration, l *applogger.Logger) *Stream {
	if url == "" {
		url = DefaultWSURL
	}
	if pingInterval <= 0 {
		pingInterval = 25 * time.Second
	}
	return &Stream{
		url:            url,
		subs:           subs,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		dialer:         websocket.DefaultDialer,
		l:              l,
	}
}

func (s *Stream) Connect(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("okx ws connect: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()
	if s.l != nil {
		s.l.Info("okx ws connected", applogger.String("url", s.url))
	}
	return nil
}

type wsArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type wsRequest struct {
	Op   string  `json:"op"`
	Args []wsArg `json:"args"`
}

type wsPush struct {
	Event string     `json:"event"`
	Code  string     `json:"code"`
	Msg   string     `json:"msg"`
	Arg   wsArg      `json:"arg"`
	Data  [][]string `json:"data"`
}

// Subscribe sends a single subscribe request for every configured channel.
func (s *Stream) Subscribe(ctx context.Context) error {
	req := wsRequest{Op: "subscribe", Args: make([]wsArg, 0, len(s.subs))}
	for _, sub := range s.subs {
		req.Args = append(req.Args, wsArg{Channel: sub.channel(), InstID: sub.InstID})
	}
	if err := s.writeJSON(req); err != nil {
		return fmt.Errorf("okx ws subscribe: %w", err)
	}
	if s.l != nil {
		s.l.Info("okx ws subscribed", applogger.Int("channels", len(req.Args)))
	}
	return nil
}

// Read streams candle pushes. Frames that are not candle data are ignored;
// bars are dropped when the consumer falls behind.
func (s *Stream) Read(ctx context.Context) (<-chan *models.Bar, <-chan error) {
	bars := make(chan *models.Bar, 1024)
	errc := make(chan error, 1)

	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// OKX expects a literal "ping" text frame
				_ = s.writeMessage(websocket.TextMessage, []byte("ping"))
			}
		}
	}()

	go func() {
		defer close(bars)
		defer close(errc)
		for {
			if ctx.Err() != nil {
				return
			}
			conn := s.current()
			if conn == nil {
				errc <- fmt.Errorf("okx ws not connected")
				return
			}
			_, b, err := conn.ReadMessage()
			if err != nil {
				errc <- fmt.Errorf("okx ws read: %w", err)
				return
			}
			for _, bar := range s.decode(b) {
				select {
				case bars <- bar:
				default:
					if s.l != nil {
						s.l.Warn("okx ws backpressure, bar dropped", applogger.String("key", bar.Key().String()))
					}
				}
			}
		}
	}()

	return bars, errc
}

func (s *Stream) decode(b []byte) []*models.Bar {
	if string(b) == "pong" {
		return nil
	}
	var m wsPush
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	if m.Event == "error" {
		if s.l != nil {
			s.l.Error("okx ws error event", applogger.String("code", m.Code), applogger.String("msg", m.Msg))
		}
		return nil
	}
	if len(m.Data) == 0 || len(m.Arg.Channel) <= len("candle") {
		return nil
	}
	tf := m.Arg.Channel[len("candle"):]
	out := make([]*models.Bar, 0, len(m.Data))
	for i, row := range m.Data {
		bar, err := ParseRow(i, m.Arg.InstID, tf, row)
		if err != nil {
			if s.l != nil {
				s.l.Warn("okx ws malformed candle", applogger.Error(err))
			}
			continue
		}
		out = append(out, &bar)
	}
	return out
}

func (s *Stream) Reconnect(ctx context.Context) error {
	_ = s.Close()
	select {
	case <-time.After(s.reconnectDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := s.Connect(ctx); err != nil {
		return err
	}
	return s.Subscribe(ctx)
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

func (s *Stream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Stream) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Stream) writeJSON(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.writeMessage(websocket.TextMessage, b)
}

// writeMessage serializes writers; gorilla allows one concurrent writer.
func (s *Stream) writeMessage(kind int, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || !s.connected {
		return fmt.Errorf("okx ws not connected")
	}
	return s.conn.WriteMessage(kind, b)
}

var _ drepo.BarStream = (*Stream)(nil)
