// Package main implements the rules daemon: it connects to NATS, loads
// rulesets from the KV store, deploys them into the engine hierarchy and
// feeds the engines from bus subscriptions until shut down.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openremote/openremote-sub002/compiler"
	"github.com/openremote/openremote-sub002/compiler/flowrules"
	"github.com/openremote/openremote-sub002/compiler/jsonrules"
	"github.com/openremote/openremote-sub002/config"
	"github.com/openremote/openremote-sub002/dispatch"
	"github.com/openremote/openremote-sub002/facade"
	"github.com/openremote/openremote-sub002/geofence"
	"github.com/openremote/openremote-sub002/health"
	"github.com/openremote/openremote-sub002/metric"
	"github.com/openremote/openremote-sub002/natsclient"
	"github.com/openremote/openremote-sub002/notify"
	"github.com/openremote/openremote-sub002/storage"
)

const (
	Version = "0.1.0"
	appName = "rulesd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\n%s\n", r, buf[:n])
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cli := parseFlags()
	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := config.Load(cli.ConfigPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Log.Format = cli.LogFormat
	}
	slog.SetDefault(setupLogger(cfg.Log.Level, cfg.Log.Format))

	if cli.Validate {
		slog.Info("configuration is valid", "config_path", cli.ConfigPath)
		return nil
	}

	slog.Info("starting rules daemon", "version", Version, "config_path", cli.ConfigPath)

	client := natsclient.New(cfg.NATS.URL, natsclient.Options{
		Name:          cfg.NATS.Name,
		MaxReconnects: -1,
		ReconnectWait: cfg.NATS.ReconnectWait,
		Timeout:       cfg.NATS.Timeout,
	})
	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(ctx, client)
	if err != nil {
		return err
	}

	registry := metric.NewRegistry()
	metrics := metric.NewRulesMetrics(registry)

	facades := facade.NewNATSFacades(client.Conn(), cfg.Engine.DispatchRate)
	chain := geofence.NewChain(
		geofence.NewConsoleAdapter(facades.Notifications, http.MethodPut, "/asset/location/%s"),
	)

	compilers := compiler.NewRegistry()
	compilers.Register(jsonrules.New())
	compilers.Register(flowrules.New())

	env := &compiler.Environment{
		Facades: facades,
		Logger:  slog.Default().With("component", "Rules"),
		Schedule: func(delay time.Duration, f func()) {
			time.AfterFunc(delay, f)
		},
	}

	dispatcher := dispatch.New(compilers, env, store, dispatch.Options{
		QuickFireDelay:      cfg.Engine.QuickFireDelay,
		TempFactExpiration:  cfg.Engine.TempFactExpiration,
		DefaultEventExpires: cfg.Engine.DefaultEventExpires,
		Metrics:             metrics,
		Geofences:           chain,
	})

	intake := notify.NewIntake(client, dispatcher)
	if err := intake.Start(); err != nil {
		return err
	}
	defer intake.Stop()

	if err := dispatcher.Start(ctx); err != nil {
		return err
	}
	defer dispatcher.Stop()

	monitor := health.NewMonitor(appName)
	monitor.Register("nats", func() health.Status {
		if client.Connected() {
			return health.Healthy("nats", "connected")
		}
		return health.Unhealthy("nats", "disconnected")
	})
	monitor.Register("engines", func() health.Status {
		stats := dispatcher.Stats()
		if stats.Errored > 0 {
			return health.Degraded("engines", fmt.Sprintf("%d of %d engines in error", stats.Errored, stats.Engines))
		}
		return health.Healthy("engines", fmt.Sprintf("%d engines running", stats.Running))
	})

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", registry.Handler())
		mux.Handle("/health", monitor.Handler())
		srv := &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("metrics endpoint listening", "address", cfg.Metrics.Address)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cli.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	slog.Info("rules daemon stopped")
	return nil
}
