// Command forgeflowd is the long-running daemon that owns the durable
// filesystem state and resilience core: it runs WAL recovery at startup,
// serves the operator health/metrics/DLQ HTTP surface, and ticks the
// health-check mesh. Grounded on the teacher's cmd/api/main.go (load
// config -> build container -> start server in a goroutine -> wait for
// SIGINT/SIGTERM -> graceful shutdown with a bounded context).
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	ebsdk "github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"go.uber.org/zap"

	"github.com/forgeflow/core/internal/config"
	"github.com/forgeflow/core/internal/durable/ledger/eventbridge"
	"github.com/forgeflow/core/internal/resilience/healthcheck"
	"github.com/forgeflow/core/internal/resilience/wrapper"
	"github.com/forgeflow/core/pkg/forgeflow"

	"github.com/forgeflow/core/examples/providers/dynamodb"
	"github.com/forgeflow/core/examples/providers/supabase"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("forgeflowd: load configuration: %v", err)
	}

	core, err := forgeflow.New(cfg)
	if err != nil {
		log.Fatalf("forgeflowd: initialize core: %v", err)
	}

	if err := wireProvider(ctx, cfg, core); err != nil {
		core.Logger.Fatal("failed to wire external provider", zap.Error(err))
	}
	if err := wireEventBus(ctx, cfg, core); err != nil {
		core.Logger.Fatal("failed to wire event bus publisher", zap.Error(err))
	}

	go core.Probes.StartTicking(ctx, cfg.HealthCheckInterval)

	srv := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      newRouter(core),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		core.Logger.Info("starting forgeflowd",
			zap.String("address", cfg.MetricsAddr),
			zap.String("environment", cfg.Environment),
			zap.String("root", cfg.RootDir),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			core.Logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	core.Logger.Info("shutting down forgeflowd")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		core.Logger.Error("http server shutdown error", zap.Error(err))
	}
	if err := core.Close(shutdownCtx); err != nil {
		core.Logger.Error("core shutdown error", zap.Error(err))
	}
	if err := core.Logger.Sync(); err != nil {
		log.Printf("forgeflowd: failed to sync logger: %v", err)
	}

	log.Println("forgeflowd stopped")
}

// wireProvider constructs the external data provider named by
// cfg.ProviderKind (if any), wraps it in a ResilientWrapper bound to
// core's breaker registry/retry policy/WAL, runs its Init through the
// wrapper so the capability snapshot gets written, and registers its
// Ping as a health-check target on core.Probes. A forgeflowd started
// with no ProviderKind configured runs with no external provider at all.
func wireProvider(ctx context.Context, cfg *config.Config, core *forgeflow.Core) error {
	if cfg.ProviderKind == "" {
		return nil
	}

	var provider wrapper.Provider
	switch cfg.ProviderKind {
	case "dynamodb":
		p, err := dynamodb.NewFromEnv(ctx, cfg.ProviderTable, core.Logger)
		if err != nil {
			return err
		}
		provider = p
	case "supabase":
		p, err := supabase.New(cfg.ProviderURL, cfg.ProviderKey, core.Logger)
		if err != nil {
			return err
		}
		provider = p
	default:
		return nil
	}

	wrapped := core.NewWrapper(cfg.ProviderKind, provider)
	if _, err := wrapped.Call(ctx, "Init", func(ctx context.Context) (any, error) {
		return nil, provider.Init(ctx)
	}); err != nil {
		return err
	}

	target := healthcheck.NewTarget(healthcheck.DefaultConfig(), func(ctx context.Context) error {
		_, err := wrapped.Call(ctx, "Ping", func(ctx context.Context) (any, error) {
			return nil, provider.Ping(ctx)
		})
		return err
	}, nil, core.Logger)
	core.Probes.Register(cfg.ProviderKind, target)

	core.Logger.Info("wired external provider", zap.String("kind", cfg.ProviderKind))
	return nil
}

// wireEventBus attaches an EventBridge ledger.Publisher to core.Events
// when cfg.EventBusName is configured, so every committed ledger entry
// is also mirrored onto that bus. Left unset, the ledger runs exactly as
// it does without this function ever having been called.
func wireEventBus(ctx context.Context, cfg *config.Config, core *forgeflow.Core) error {
	if cfg.EventBusName == "" {
		return nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	publisher := eventbridge.New(ebsdk.NewFromConfig(awsCfg), cfg.EventBusName, "forgeflow-core", core.Logger)
	core.Events.WithPublisher(publisher)

	core.Logger.Info("wired ledger event bus publisher", zap.String("event_bus_name", cfg.EventBusName))
	return nil
}
