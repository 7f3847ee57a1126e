package usecase

import (
	"context"

	"FeatPull/internal/domain/models"
	drepo "FeatPull/internal/domain/repository"
	mid "FeatPull/internal/middleware"
	applogger "FeatPull/pkg/logger"
)

// BarCollector reads live candles from a stream and hands them to the
// realtime pipeline, or straight to the processor when no pipeline is set.
type BarCollector struct {
	stream  drepo.BarStream
	proc    *BarProcessor
	metrics drepo.Metrics
	pipe    *mid.RealtimePipeline
	l       *applogger.Logger
}

func NewBarCollector(stream drepo.BarStream, proc *BarProcessor, metrics drepo.Metrics, pipe *mid.RealtimePipeline, l *applogger.Logger) *BarCollector {
	return &BarCollector{stream: stream, proc: proc, metrics: metrics, pipe: pipe, l: l}
}

// IsConnected returns true if the stream is connected.
func (c *BarCollector) IsConnected() bool {
	return c.stream.IsConnected()
}

func (c *BarCollector) Start(ctx context.Context) error {
	if err := c.stream.Connect(ctx); err != nil {
		return err
	}
	if err := c.stream.Subscribe(ctx); err != nil {
		return err
	}
	if c.pipe != nil {
		c.pipe.Start(ctx)
	}
	barCh, errCh := c.stream.Read(ctx)
	go c.consume(ctx, barCh, errCh)
	return nil
}

func (c *BarCollector) consume(ctx context.Context, barCh <-chan *models.Bar, errCh <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err == nil {
				continue
			}
			c.metrics.RecordError("stream")
			if c.l != nil {
				c.l.Warn("candle stream error, reconnecting", applogger.Error(err))
			}
			if err := c.stream.Reconnect(ctx); err != nil && c.l != nil {
				c.l.Error("candle stream reconnect failed", applogger.Error(err))
			}
		case b, ok := <-barCh:
			if !ok {
				return
			}
			if b == nil {
				continue
			}
			var err error
			if c.pipe != nil {
				err = c.pipe.Process(ctx, b)
			} else {
				err = c.proc.Process(ctx, b)
			}
			if err != nil && c.l != nil {
				c.l.Debug("live bar not delivered",
					applogger.String("key", b.Key().String()),
					applogger.Error(err),
				)
			}
		}
	}
}

// Shutdown stops the pipeline and closes the stream.
func (c *BarCollector) Shutdown(ctx context.Context) error {
	if c.pipe != nil {
		c.pipe.Stop()
	}
	return c.stream.Close()
}
