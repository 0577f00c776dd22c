package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/coachpo/paywatch/internal/infra/adapters/fake"
	"github.com/coachpo/paywatch/internal/infra/adapters/httpprovider"
	"github.com/coachpo/paywatch/internal/infra/config"
	httpserver "github.com/coachpo/paywatch/internal/infra/server/http"
	"github.com/coachpo/paywatch/internal/monitor"
	"github.com/coachpo/paywatch/internal/observability"
	"github.com/coachpo/paywatch/internal/provider"
	"github.com/coachpo/paywatch/internal/telemetry"
)

const (
	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout     = 10 * time.Second
	monitorShutdownTimeout       = 10 * time.Second
	storeShutdownTimeout         = 5 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
	meterName                    = "github.com/coachpo/paywatch"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Recover unfinished sessions and serve the control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(resolveConfigPath(*configPath))
		},
	}
}

func runServe(configPath string) error {
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newPaywatchLogger(os.Stdout)

	appCfg, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	installLogger(os.Stderr, appCfg.Logging)
	logger.Printf("configuration initialised: env=%s, provider=%s, store=%s",
		appCfg.Environment, appCfg.Provider.Kind, appCfg.Store.Backend)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	metrics, err := telemetry.NewMetrics(telemetryProvider.Meter(meterName))
	if err != nil {
		return fmt.Errorf("register instruments: %w", err)
	}

	client, err := initProvider(ctx, appCfg.Provider)
	if err != nil {
		return fmt.Errorf("initialise provider: %w", err)
	}
	logger.Printf("provider ready: kind=%s, strategies=%v", appCfg.Provider.Kind, client.Variants())

	store, err := openSnapshotStore(ctx, appCfg, logger, metrics)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}

	svc := monitor.New(client, store.Store, appCfg, monitor.WithMetrics(metrics))
	if appCfg.Recovery.SkipOnStartup {
		logger.Print("startup recovery skipped")
	} else {
		resumed, err := svc.RecoverAll(ctx)
		if err != nil {
			logger.Printf("startup recovery: %v", err)
		}
		logger.Printf("startup recovery resumed %d sessions", resumed)
	}

	var lifecycle conc.WaitGroup
	startSweeper(ctx, &lifecycle, logger, store, appCfg.Store.SweepInterval)

	apiServer := buildAPIServer(appCfg.APIServer, appCfg.Environment, svc)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("control API listening on %s", apiServer.Addr)

	logger.Print("paywatch started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	err = performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		monitor:    svc,
		store:      store,
		telemetry:  telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
	return err
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	tp, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled && telemetryCfg.EnableMetrics {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return tp, nil
}

func newProviderRegistry() *provider.Registry {
	registry := provider.NewRegistry()
	fake.RegisterFactory(registry)
	httpprovider.RegisterFactory(registry)
	return registry
}

func initProvider(ctx context.Context, cfg config.ProviderConfig) (provider.Client, error) {
	return newProviderRegistry().Create(ctx, cfg)
}

// startSweeper drops expired snapshots on a fixed cadence in addition to the sweep writes trigger.
func startSweeper(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, store *snapshotStore, interval time.Duration) {
	if interval <= 0 {
		return
	}
	lifecycle.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := store.Sweep(ctx)
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.Printf("snapshot sweep: %v", err)
					continue
				}
				if removed > 0 {
					logger.Printf("snapshot sweep removed %d expired sessions", removed)
				}
			}
		}
	})
}

func buildAPIServer(cfg config.APIServerConfig, env config.Environment, svc httpserver.Service) *http.Server {
	handler := httpserver.NewHandler(env, svc, cfg, observability.Log())

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("control server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	monitor    *monitor.Service
	store      *snapshotStore
	telemetry  *telemetry.Provider
}

// performGracefulShutdown stops components in dependency order and returns every step failure joined.
func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) error {
	var failures []error
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", controlServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitDone(stepCtx, cfg.lifecycle.Wait)
		})
	}

	if cfg.monitor != nil {
		shutdownStep("stopping pollers", monitorShutdownTimeout, func(stepCtx context.Context) error {
			return waitDone(stepCtx, cfg.monitor.Close)
		})
	}

	if cfg.store != nil {
		shutdownStep("closing snapshot store", storeShutdownTimeout, func(context.Context) error {
			return cfg.store.Close()
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}

	return observability.AggregateErrors("shutdown", failures)
}

func waitDone(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for goroutines: %w", ctx.Err())
	}
}
