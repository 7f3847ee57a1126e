package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// HandlerFunc handles one fetched record.
type HandlerFunc func(ctx context.Context, km kafka.Message) error

// Middleware decorates a HandlerFunc. Consumer.Use applies them outermost
// first.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that mws[0] runs first.
func Chain(h HandlerFunc, mws ...Middleware) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}

// ErrPanic marks an error recovered from a panicking handler.
var ErrPanic = errors.New("kafka handler panic")

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the consumer sends the record
// straight to the DLQ.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, came from Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Recover turns a panic into a permanent ErrPanic.
func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, km kafka.Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = Permanent(fmt.Errorf("%w: %v", ErrPanic, r))
				}
			}()
			return next(ctx, km)
		}
	}
}

// MaxBytes rejects records whose value is larger than n.
func MaxBytes(n int) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, km kafka.Message) error {
			if n > 0 && len(km.Value) > n {
				return Permanent(fmt.Errorf("record of %d bytes exceeds %d", len(km.Value), n))
			}
			return next(ctx, km)
		}
	}
}

type traceKey struct{}

// Trace copies a trace_id header into the handler context.
func Trace() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, km kafka.Message) error {
			if id := Header(km, "trace_id"); id != "" {
				ctx = context.WithValue(ctx, traceKey{}, id)
			}
			return next(ctx, km)
		}
	}
}

// TraceID returns the id stored by Trace.
func TraceID(ctx context.Context) string {
	s, _ := ctx.Value(traceKey{}).(string)
	return s
}

// Header returns the first header value named key.
func Header(km kafka.Message, key string) string {
	for _, h := range km.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
