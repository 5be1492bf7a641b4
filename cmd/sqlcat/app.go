package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/basket/sqlcat/internal/bus"
	"github.com/basket/sqlcat/internal/command"
	"github.com/basket/sqlcat/internal/config"
	otelPkg "github.com/basket/sqlcat/internal/otel"
	"github.com/basket/sqlcat/internal/registry"
	"github.com/basket/sqlcat/internal/state"
	"github.com/basket/sqlcat/internal/telemetry"
	"github.com/basket/sqlcat/internal/worker"
)

// app is one wired sqlcat process: registry, worker client and the actions
// over them.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	bus      *bus.Bus
	provider *otelPkg.Provider
	store    *state.SQLiteStore
	registry *registry.Registry
	worker   *worker.Client
	cmds     *command.Commands
	host     *terminalHost

	logCloser io.Closer
	syncStop  context.CancelFunc
	syncDone  chan struct{}
	closeOnce sync.Once
}

type appOptions struct {
	// quiet keeps logs off stderr so the shell output stays clean.
	quiet bool
	host  *terminalHost
}

func newApp(ctx context.Context, cfg config.Config, opts appOptions) (*app, error) {
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, opts.quiet)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(logger)
	a := &app{cfg: cfg, logger: logger, logCloser: closer, host: opts.host}

	a.bus = bus.New()

	a.provider, err = otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.OTel.Enabled,
		Exporter:       cfg.OTel.Exporter,
		Endpoint:       cfg.OTel.Endpoint,
		ServiceName:    cfg.OTel.ServiceName,
		ServiceVersion: Version,
		SampleRate:     cfg.OTel.SampleRate,
	})
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("init otel: %w", err)
	}
	metrics, err := otelPkg.NewMetrics(a.provider.Meter)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	a.store, err = state.OpenSQLite(ctx, cfg.StatePath())
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("open state: %w", err)
	}

	a.registry, err = registry.Open(ctx, registry.Options{
		Path:    cfg.ConnectionsPath(),
		State:   a.store,
		Bus:     a.bus,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("open registry: %w", err)
	}

	a.worker = worker.New(worker.Options{
		Launcher: worker.StdioLauncher{
			Process: worker.ProcessConfig{
				Command:         cfg.Worker.Command,
				Args:            cfg.Worker.Args,
				Env:             cfg.Worker.Env,
				ShutdownTimeout: cfg.Worker.ShutdownTimeout(),
			},
			Logger: logger,
		},
		Bus:             a.bus,
		Logger:          logger,
		Tracer:          a.provider.Tracer,
		Metrics:         metrics,
		Version:         Version,
		ShutdownTimeout: cfg.Worker.ShutdownTimeout(),
	})

	if a.host == nil {
		a.host = newTerminalHost(nil, nil)
	}
	a.cmds = command.New(command.Deps{
		Registry: a.registry,
		Worker:   a.worker,
		Host:     a.host,
		Logger:   logger,
	})
	logger.Info("startup phase", "phase", "wired",
		"connections", a.registry.Path(), "worker", cfg.Worker.Command)
	return a, nil
}

// startWorker launches the worker and pushes the registry to it. Failures
// are reported but leave the app usable for profile management.
func (a *app) startWorker(ctx context.Context) error {
	if err := a.worker.Start(ctx); err != nil {
		a.logger.Error("worker start failed", "command", a.cfg.Worker.Command, "error", err)
		return err
	}
	return a.cmds.SyncConnections(ctx)
}

// runSync keeps the worker's connection set current: it re-registers all
// profiles whenever the registry changes or the worker comes up.
func (a *app) runSync(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.syncStop = cancel
	a.syncDone = make(chan struct{})

	regSub := a.bus.Subscribe(bus.TopicRegistryConnectionsChanged)
	workerSub := a.bus.Subscribe(bus.TopicWorkerStateChanged)
	logSub := a.bus.Subscribe(bus.TopicWorkerLog)

	go func() {
		defer close(a.syncDone)
		defer func() {
			if n := regSub.Dropped() + workerSub.Dropped(); n > 0 {
				a.logger.Warn("sync loop missed events", "dropped", n)
			}
			a.bus.Unsubscribe(regSub)
			a.bus.Unsubscribe(workerSub)
			a.bus.Unsubscribe(logSub)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-regSub.Ch():
				if !ok {
					return
				}
				_ = a.cmds.SyncConnections(ctx)
			case ev, ok := <-workerSub.Ch():
				if !ok {
					return
				}
				change, _ := ev.Payload.(worker.StateChangedEvent)
				switch {
				case change.New == worker.Running:
					_ = a.cmds.SyncConnections(ctx)
				case change.New == worker.Stopped && change.Old == worker.Running:
					a.host.Warn("Worker stopped unexpectedly. Use :restart to start it again.")
				}
			case ev, ok := <-logSub.Ch():
				if !ok {
					return
				}
				if le, isLog := ev.Payload.(worker.LogEvent); isLog && le.Level >= slog.LevelWarn {
					a.host.Warn("worker: " + le.Message)
				}
			}
		}
	}()
}

// Close stops the worker and releases everything newApp opened. Calls after
// the first do nothing.
func (a *app) Close(ctx context.Context) {
	a.closeOnce.Do(func() { a.close(ctx) })
}

func (a *app) close(ctx context.Context) {
	if a.syncStop != nil {
		a.syncStop()
		<-a.syncDone
	}
	var errs []error
	if a.worker != nil {
		errs = append(errs, a.worker.Stop(ctx))
	}
	if a.registry != nil {
		errs = append(errs, a.registry.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.provider != nil {
		errs = append(errs, a.provider.Shutdown(ctx))
	}
	a.bus.Close()
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown incomplete", "error", err)
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}
