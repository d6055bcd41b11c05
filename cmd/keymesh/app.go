package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/keymesh-go/internal/httpapi"
	"github.com/rmacdonaldsmith/keymesh-go/internal/logging"
	"github.com/rmacdonaldsmith/keymesh-go/internal/meshnode"
	"github.com/rmacdonaldsmith/keymesh-go/internal/metrics"
	"github.com/rmacdonaldsmith/keymesh-go/internal/transport"
)

// run starts the daemon and blocks until a signal or ctx ends it.
func run(ctx context.Context, opts *options, config *meshnode.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := fx.New(appOptions(opts, config)...)
	if err := app.Err(); err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancel()
	return app.Stop(stopCtx)
}

// appOptions composes the daemon. Tests validate and start the same graph.
func appOptions(opts *options, config *meshnode.Config) []fx.Option {
	return []fx.Option{
		fx.Supply(opts, config),
		fx.Provide(
			newLogger,
			newRegistry,
			newMetrics,
			newRuntime,
			newAdmin,
		),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: logger.Named("fx")}
			l.UseLogLevel(zap.DebugLevel)
			return l
		}),
		fx.Invoke(registerRuntime, registerAdmin),
	}
}

func newLogger(lc fx.Lifecycle, opts *options) (*zap.Logger, error) {
	logger, err := logging.New(opts.logLevel, logging.Format(opts.logFormat))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func() { _ = logger.Sync() }))
	return logger, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newMetrics(reg *prometheus.Registry) (*metrics.Metrics, error) {
	return metrics.New(reg)
}

func newRuntime(config *meshnode.Config, logger *zap.Logger, m *metrics.Metrics) (*meshnode.Runtime, error) {
	config.WithLogger(logger).
		WithMetrics(m).
		WithRegistry(transport.DefaultRegistry(logger))
	return meshnode.New(config)
}

func registerRuntime(lc fx.Lifecycle, rt *meshnode.Runtime, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := rt.Start(ctx); err != nil {
				return err
			}
			logger.Info("keymesh started",
				zap.String("version", appVersion),
				zap.Stringer("id", rt.ID()),
				zap.Stringer("mode", rt.Mode()),
				zap.Strings("endpoints", rt.Endpoints()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("keymesh stopping")
			return rt.Close()
		},
	})
}

// newAdmin returns nil when the admin endpoint is disabled.
func newAdmin(opts *options, rt *meshnode.Runtime, reg *prometheus.Registry, logger *zap.Logger) (*httpapi.Server, error) {
	if opts.adminAddr == "" {
		return nil, nil
	}
	return httpapi.NewServer(rt, httpapi.Config{
		Addr:     opts.adminAddr,
		Secret:   opts.adminSecret,
		Gatherer: reg,
		Logger:   logger,
	})
}

func registerAdmin(lc fx.Lifecycle, server *httpapi.Server, opts *options, logger *zap.Logger) {
	if server == nil {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			var listenCfg net.ListenConfig
			l, err := listenCfg.Listen(ctx, "tcp", opts.adminAddr)
			if err != nil {
				return err
			}
			// Record the bound address for ":0".
			opts.adminAddr = l.Addr().String()
			go func() {
				if err := server.Serve(l); err != nil && !errors.Is(err, net.ErrClosed) {
					logger.Error("admin endpoint failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Stop(ctx)
		},
	})
}
