package forgeflow

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeflow/core/internal/clockid"
	"github.com/forgeflow/core/internal/config"
)

func newTestConfig(t *testing.T) *config.Config {
	root := t.TempDir()
	return &config.Config{
		RootDir:                 root,
		Environment:             "development",
		LogLevel:                "info",
		LockStaleThreshold:      5 * time.Minute,
		LockPollInterval:        10 * time.Millisecond,
		RetryMaxRetries:         2,
		RetryBaseDelay:          time.Millisecond,
		RetryMaxDelay:           5 * time.Millisecond,
		BreakerFailureThreshold: 3,
		BreakerSuccessThreshold: 2,
		BreakerTimeout:          time.Minute,
		HealthCheckInterval:     time.Minute,
		AuditMaxBytes:           1024 * 1024,
		AuditMaxBackups:         3,
		FeatureFlagsPath:        filepath.Join(root, "_config", "feature_flags.json"),
		EnforcementPath:         filepath.Join(root, "_config", "enforcement.json"),
		MetricsAddr:             ":0",
	}
}

func TestNewWiresEverySubsystem(t *testing.T) {
	cfg := newTestConfig(t)
	core, err := New(cfg, WithRegistry(prometheus.NewRegistry()), WithClock(clockid.FixedClock{At: time.Now()}))
	require.NoError(t, err)
	defer core.Close(context.Background())

	assert.NotNil(t, core.Lock)
	assert.NotNil(t, core.Journal)
	assert.NotNil(t, core.Audit)
	assert.NotNil(t, core.Events)
	assert.NotNil(t, core.Schemas)
	assert.NotNil(t, core.Maps)
	assert.NotNil(t, core.Runs)
	assert.NotNil(t, core.HealthMesh)
	assert.NotNil(t, core.HealthGuard)
	assert.NotNil(t, core.Breakers)
	assert.NotNil(t, core.DLQ)
	assert.NotNil(t, core.Degradation)
	assert.NotNil(t, core.Probes)
}

func TestNewIsIdempotentAcrossRepeatedStartup(t *testing.T) {
	cfg := newTestConfig(t)

	core1, err := New(cfg, WithRegistry(prometheus.NewRegistry()), WithClock(clockid.FixedClock{At: time.Now()}))
	require.NoError(t, err)
	require.NoError(t, core1.Close(context.Background()))

	core2, err := New(cfg, WithRegistry(prometheus.NewRegistry()), WithClock(clockid.FixedClock{At: time.Now()}))
	require.NoError(t, err)
	defer core2.Close(context.Background())
	assert.NotNil(t, core2.Maps)
}

func TestCloseOnUnstartedCoreIsSafe(t *testing.T) {
	core := &Core{}
	assert.NoError(t, core.Close(context.Background()))
}

func TestRunLifecycleObservesDurationMetric(t *testing.T) {
	cfg := newTestConfig(t)
	core, err := New(cfg, WithRegistry(prometheus.NewRegistry()), WithClock(clockid.FixedClock{At: time.Now()}))
	require.NoError(t, err)
	defer core.Close(context.Background())

	run, err := core.Runs.StartRun(map[string]any{"goal": "smoke"}, time.Second)
	require.NoError(t, err)

	_, err = core.Runs.FinishRun(run.ID, "succeeded")
	require.NoError(t, err)
}
