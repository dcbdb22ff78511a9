package server

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	domrepo "CandlePull/internal/domain/repository"
	"CandlePull/internal/usecase"
	"CandlePull/pkg/config"
	xhttp "CandlePull/pkg/http"
	pkgkafka "CandlePull/pkg/kafka"
	applogger "CandlePull/pkg/logger"
)

type closer struct {
	name string
	fn   func() error
}

// App encapsulates the entire application lifecycle.
type App struct {
	cfg        *config.Config
	l          *applogger.Logger
	scheduler  *usecase.Scheduler
	notifier   *usecase.Notifier
	httpServer *xhttp.Server
	store      domrepo.CandleStore
	sinks      []domrepo.EventSink
	consumer   *pkgkafka.Consumer
	kh         pkgkafka.MessageHandler
	closers    []closer
}

// New creates a new App instance with all dependencies.
func New(
	cfg *config.Config,
	l *applogger.Logger,
	scheduler *usecase.Scheduler,
	notifier *usecase.Notifier,
	httpServer *xhttp.Server,
	store domrepo.CandleStore,
) *App {
	if l == nil {
		l = applogger.Nop()
	}
	return &App{
		cfg:        cfg,
		l:          l,
		scheduler:  scheduler,
		notifier:   notifier,
		httpServer: httpServer,
		store:      store,
	}
}

// AttachSink registers a notifier sink started with Run.
func (a *App) AttachSink(s domrepo.EventSink) { a.sinks = append(a.sinks, s) }

// SetConsumer enables the Kafka command consumer.
func (a *App) SetConsumer(c *pkgkafka.Consumer, h pkgkafka.MessageHandler) {
	a.consumer = c
	a.kh = h
}

// OnClose registers a resource closed after everything else has stopped.
func (a *App) OnClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Run starts the application and blocks until interrupted or the HTTP server
// fails to listen.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, s := range a.sinks {
		a.notifier.Attach(ctx, s, a.cfg.Kafka.Producer.WriteTimeout)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.scheduler.Run(ctx); err != nil {
			a.l.Error("scheduler error", applogger.Error(err))
		}
	}()

	if a.consumer != nil && a.kh != nil {
		a.consumer.RegisterHandler(a.kh)
		if err := a.consumer.Start(); err != nil {
			a.l.Error("kafka consumer error", applogger.Error(err))
		} else {
			a.l.Info("kafka consumer started", applogger.String("topic", a.kh.Topic()))
		}
	}

	if err := a.httpServer.Start(); err != nil {
		a.l.Error("http server start error", applogger.Error(err))
		cancel()
		wg.Wait()
		return err
	}

	a.l.Info("pipeline started",
		applogger.Int("port", a.cfg.Server.Port),
		applogger.Int("sinks", len(a.sinks)),
		applogger.Bool("kafka_commands", a.consumer != nil),
		applogger.Bool("websocket", a.cfg.Notifier.WebSocket),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		a.l.Info("shutdown signal received", applogger.String("signal", sig.String()))
	case runErr = <-a.httpServer.Errors():
	}

	cancel()
	wg.Wait()
	a.shutdown()
	return runErr
}

// shutdown gracefully stops all services. The scheduler has already returned.
func (a *App) shutdown() {
	a.l.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.httpServer.Stop(shutdownCtx); err != nil {
		a.l.Error("http shutdown error", applogger.Error(err))
	}

	if a.consumer != nil {
		if err := a.consumer.Stop(shutdownCtx); err != nil {
			a.l.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}

	// Closing the notifier ends stream and sink subscriptions.
	a.notifier.Close()

	for _, c := range a.closers {
		if err := c.fn(); err != nil {
			a.l.Warn("close error", applogger.String("resource", c.name), applogger.Error(err))
		}
	}

	if err := a.store.Close(); err != nil {
		a.l.Warn("store close error", applogger.Error(err))
	}

	a.l.Info("shutdown complete")
}
