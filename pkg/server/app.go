package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"FeatPull/internal/usecase"
	"FeatPull/pkg/config"
	xhttp "FeatPull/pkg/http"
	pkgkafka "FeatPull/pkg/kafka"
	applogger "FeatPull/pkg/logger"
	"FeatPull/pkg/queue"
)

// App encapsulates the entire application lifecycle. Scheduler, collector,
// consumer and job queue are optional and may be nil.
type App struct {
	cfg         *config.Config
	l           *applogger.Logger
	httpServer  *xhttp.Server
	scheduler   *usecase.Scheduler
	collector   *usecase.BarCollector
	consumer    *pkgkafka.Consumer
	barsHandler *usecase.KafkaBarsHandler
	jobs        *queue.RedisQueue
}

// New creates a new App instance with all dependencies.
func New(
	cfg *config.Config,
	l *applogger.Logger,
	httpServer *xhttp.Server,
	scheduler *usecase.Scheduler,
	collector *usecase.BarCollector,
	consumer *pkgkafka.Consumer,
	barsHandler *usecase.KafkaBarsHandler,
	jobs *queue.RedisQueue,
) *App {
	return &App{
		cfg:         cfg,
		l:           l,
		httpServer:  httpServer,
		scheduler:   scheduler,
		collector:   collector,
		consumer:    consumer,
		barsHandler: barsHandler,
		jobs:        jobs,
	}
}

// Run starts the application and blocks until interrupted.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.start(ctx); err != nil {
		a.shutdown(context.WithoutCancel(ctx))
		return err
	}

	<-ctx.Done()
	a.l.Info("shutdown signal received")
	a.shutdown(context.WithoutCancel(ctx))
	return nil
}

func (a *App) start(ctx context.Context) error {
	if a.consumer != nil && a.barsHandler != nil {
		a.consumer.RegisterHandler(a.barsHandler)
		if err := a.consumer.Start(); err != nil {
			return err
		}
	}

	if a.jobs != nil {
		if err := a.jobs.Start(ctx); err != nil {
			return err
		}
	}

	if a.collector != nil {
		if err := a.collector.Start(ctx); err != nil {
			return err
		}
		a.l.Info("bar collector started", applogger.Strings("instruments", a.cfg.Instruments))
	}

	if a.scheduler != nil {
		if err := a.scheduler.Register(a.cfg.Scheduler.Cron); err != nil {
			return err
		}
		a.scheduler.Start(ctx)
	}

	return a.httpServer.Start()
}

// shutdown stops producers of work before the things they write to.
func (a *App) shutdown(ctx context.Context) {
	a.l.Info("shutting down")

	if err := a.httpServer.Stop(ctx); err != nil {
		a.l.Error("http shutdown error", applogger.Error(err))
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.jobs != nil {
		jctx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
		err := a.jobs.Stop(jctx)
		cancel()
		if err != nil {
			a.l.Warn("job queue stop error", applogger.Error(err))
		}
	}
	if a.collector != nil {
		if err := a.collector.Shutdown(ctx); err != nil {
			a.l.Warn("collector stop error", applogger.Error(err))
		}
	}
	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			a.l.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}

	a.l.Info("shutdown complete")
}
