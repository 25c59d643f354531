// Package forgeflow exposes Core, the single constructed value an
// embedding application hangs every durable-core subsystem off of. There
// are no package-level globals anywhere in this module; every subsystem
// is a field reachable only through a *Core a caller explicitly built,
// mirroring the teacher's dependency-injection container
// (internal/di.Container) but sized to this module's much smaller
// subsystem set and built by hand rather than through a reflective
// wire-style generator.
package forgeflow

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/forgeflow/core/internal/clockid"
	"github.com/forgeflow/core/internal/config"
	maprepo "github.com/forgeflow/core/internal/context"
	"github.com/forgeflow/core/internal/durable/audit"
	"github.com/forgeflow/core/internal/durable/ledger"
	"github.com/forgeflow/core/internal/durable/lock"
	"github.com/forgeflow/core/internal/durable/schema"
	"github.com/forgeflow/core/internal/durable/wal"
	"github.com/forgeflow/core/internal/health"
	"github.com/forgeflow/core/internal/observability"
	"github.com/forgeflow/core/internal/resilience/breaker"
	"github.com/forgeflow/core/internal/resilience/degrade"
	"github.com/forgeflow/core/internal/resilience/dlq"
	"github.com/forgeflow/core/internal/resilience/healthcheck"
	"github.com/forgeflow/core/internal/resilience/retry"
	"github.com/forgeflow/core/internal/resilience/wrapper"
	"github.com/forgeflow/core/internal/runlog"
)

// Core is every durable-core subsystem, constructed once per process.
type Core struct {
	Config  *config.Config
	Clock   clockid.Clock
	Logger  *zap.Logger
	Tracer  *observability.TracerProvider
	Metrics *observability.Metrics

	Lock        *lock.Lock
	Journal     *wal.Journal
	Audit       *audit.Chain
	Events      *ledger.Ledger
	Schemas     *schema.Validator
	Maps        *maprepo.Repository
	Runs        *runlog.Manager
	HealthMesh  *health.Mesh
	HealthGuard *health.Guard
	Breakers    *breaker.Registry
	RetryCfg    retry.Config
	DLQ         *dlq.Queue
	Degradation *degrade.Degradation
	Probes      *healthcheck.Mesh

	settingsWatcher *config.Watcher
}

// Option customizes Core construction.
type Option func(*buildOptions)

type buildOptions struct {
	registry prometheus.Registerer
	clock    clockid.Clock
}

// WithRegistry overrides the Prometheus registerer (tests should pass
// prometheus.NewRegistry() to avoid global-registry collisions).
func WithRegistry(reg prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registry = reg }
}

// WithClock overrides the clock (tests should pass a clockid.FixedClock).
func WithClock(c clockid.Clock) Option {
	return func(o *buildOptions) { o.clock = c }
}

// New wires every subsystem from cfg: the durability primitives first
// (lock, WAL, audit, ledger, schema validator), then the domain
// repository, run/incident lifecycle and health mesh, then the resilience
// layer (retry config, breaker registry, DLQ, degradation), then the
// safe-mode guard, and finally the per-target health-check mesh.
func New(cfg *config.Config, opts ...Option) (*Core, error) {
	options := buildOptions{registry: prometheus.DefaultRegisterer, clock: clockid.RealClock{}}
	for _, opt := range opts {
		opt(&options)
	}

	logger, err := observability.NewLogger(cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("forgeflow: build logger: %w", err)
	}

	tracer, err := observability.InitTracing(observability.TracingConfig{
		ServiceName: "forgeflow-core",
		Environment: cfg.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("forgeflow: init tracing: %w", err)
	}

	metrics := observability.NewMetrics(options.registry)

	clock := options.clock

	theLock := lock.New(cfg.RootDir, clock, logger).WithPollInterval(cfg.LockPollInterval)
	journal := wal.New(cfg.RootDir, clock, logger)
	auditLog := audit.New(cfg.RootDir, clock, logger).WithRotation(cfg.AuditMaxBytes, cfg.AuditMaxBackups)
	events := ledger.New(cfg.RootDir, clock, logger)
	validator := schema.New(cfg.SchemaOverlayDir)

	if _, err := journal.Recover(true); err != nil {
		return nil, fmt.Errorf("forgeflow: WAL recovery: %w", err)
	}
	metrics.WALRecoveries.Inc()

	maps := maprepo.New(cfg.RootDir, clock, logger, validator, journal, auditLog)
	runs := runlog.New(cfg.RootDir, clock, logger, theLock, journal, auditLog, events)

	healthMesh := health.New(cfg.RootDir, clock, logger)

	retryCfg := retry.Config{
		MaxRetries: cfg.RetryMaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
		Jitter:     true,
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: uint32(cfg.BreakerFailureThreshold),
		SuccessThreshold: uint32(cfg.BreakerSuccessThreshold),
		Timeout:          cfg.BreakerTimeout,
	}, logger).WithHooks(
		func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("target", name), zap.String("from", from.String()), zap.String("to", to.String()))
			metrics.BreakerState.WithLabelValues(name).Set(observability.BreakerStateValue(to.String()))
		},
		func(name string) {
			metrics.BreakerRejections.WithLabelValues(name).Inc()
		},
	)

	dlqQueue := dlq.New(cfg.RootDir, clock, logger)

	degradation := degrade.New(clock, logger)

	settingsWatcher, err := config.NewWatcher(cfg.FeatureFlagsPath, logger)
	if err != nil {
		return nil, fmt.Errorf("forgeflow: start settings watcher: %w", err)
	}
	degradation.LoadFlags(settingsWatcher.FeatureFlags())
	settingsWatcher.OnChange(func(s config.DynamicSettings) {
		degradation.LoadFlags(s.Features)
	})
	settingsWatcher.Start()

	healthGuard := health.NewGuard(healthMesh, settingsWatcher.Current().Enforcement, logger)

	probes := healthcheck.NewMesh(logger)

	runs.OnRunFinish(func(run runlog.Run) {
		metrics.ObserveRunDuration(time.Duration(run.DurationMs) * time.Millisecond)
	})

	return &Core{
		Config:          cfg,
		Clock:           clock,
		Logger:          logger,
		Tracer:          tracer,
		Metrics:         metrics,
		Lock:            theLock,
		Journal:         journal,
		Audit:           auditLog,
		Events:          events,
		Schemas:         validator,
		Maps:            maps,
		Runs:            runs,
		HealthMesh:      healthMesh,
		HealthGuard:     healthGuard,
		Breakers:        breakers,
		RetryCfg:        retryCfg,
		DLQ:             dlqQueue,
		Degradation:     degradation,
		Probes:          probes,
		settingsWatcher: settingsWatcher,
	}, nil
}

// NewWrapper builds a ResilientWrapper around provider, named name (the
// breaker registry key and the capability snapshot's provider field),
// reusing this Core's breaker registry, retry policy, root directory, and
// WAL-backed AtomicWriter so every provider an embedding application
// registers gets the same retry+breaker+capability-snapshot discipline
// as the durable primitives themselves.
func (c *Core) NewWrapper(name string, provider wrapper.Provider) *wrapper.Wrapper {
	return wrapper.New(name, provider, c.Breakers, c.RetryCfg, c.Config.RootDir, c.Clock, c.Journal, c.Logger)
}

// Close tears down background watchers and flushes tracing.
func (c *Core) Close(ctx context.Context) error {
	if c.settingsWatcher != nil {
		c.settingsWatcher.Stop()
	}
	if c.Degradation != nil {
		_ = c.Degradation.Close()
	}
	if c.Tracer != nil {
		return c.Tracer.Shutdown(ctx)
	}
	return nil
}
