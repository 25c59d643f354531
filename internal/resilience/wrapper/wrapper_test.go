package wrapper

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgeflow/core/internal/clockid"
	"github.com/forgeflow/core/internal/durable/wal"
	"github.com/forgeflow/core/internal/ferrors"
	"github.com/forgeflow/core/internal/resilience/breaker"
	"github.com/forgeflow/core/internal/resilience/retry"
)

func fastRetryConfig() retry.Config {
	return retry.Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Jitter: false}
}

func TestCallBypassesWrappingForCapabilityMethods(t *testing.T) {
	w := New("target", nil, breaker.NewRegistry(breaker.DefaultConfig(), zap.NewNop()), fastRetryConfig(), "", clockid.RealClock{}, nil, zap.NewNop())
	calls := 0
	val, err := w.Call(context.Background(), "Supports", func(ctx context.Context) (any, error) {
		calls++
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, true, val)
	assert.Equal(t, 1, calls)
}

func TestCallRetriesMonitoredNonDestructiveOnRetryableError(t *testing.T) {
	w := New("target", nil, breaker.NewRegistry(breaker.DefaultConfig(), zap.NewNop()), fastRetryConfig(), "", clockid.RealClock{}, nil, zap.NewNop())
	attempts := 0
	val, err := w.Call(context.Background(), "Query", func(ctx context.Context) (any, error) {
		attempts++
		if attempts < 2 {
			return nil, ferrors.New(ferrors.KindNetworkTimeout, "slow")
		}
		return "rows", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "rows", val)
	assert.Equal(t, 2, attempts)
}

func TestCallDoesNotRetryDestructiveMethod(t *testing.T) {
	w := New("target", nil, breaker.NewRegistry(breaker.DefaultConfig(), zap.NewNop()), fastRetryConfig(), "", clockid.RealClock{}, nil, zap.NewNop())
	attempts := 0
	_, err := w.Call(context.Background(), "Delete", func(ctx context.Context) (any, error) {
		attempts++
		return nil, ferrors.New(ferrors.KindNetworkTimeout, "slow")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestCallClassifiesUnknownErrorByMessage(t *testing.T) {
	w := New("target", nil, breaker.NewRegistry(breaker.DefaultConfig(), zap.NewNop()), fastRetryConfig(), "", clockid.RealClock{}, nil, zap.NewNop())
	// Delete is destructive and not retried, so the classified kind is
	// returned as-is rather than wrapped by retry exhaustion.
	_, err := w.Call(context.Background(), "Delete", func(ctx context.Context) (any, error) {
		return nil, errors.New("request hit rate limit")
	})
	require.Error(t, err)
	kind, ok := ferrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ferrors.KindProviderRateLimit, kind)
}

func TestCallPreservesExistingKind(t *testing.T) {
	w := New("target", nil, breaker.NewRegistry(breaker.DefaultConfig(), zap.NewNop()), fastRetryConfig(), "", clockid.RealClock{}, nil, zap.NewNop())
	_, err := w.Call(context.Background(), "Insert", func(ctx context.Context) (any, error) {
		return nil, ferrors.New(ferrors.KindInvalidCredentials, "nope")
	})
	require.Error(t, err)
	kind, ok := ferrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ferrors.KindInvalidCredentials, kind)
}

func TestCallRoutesMonitoredMethodThroughBreaker(t *testing.T) {
	cfg := breaker.Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute}
	breakers := breaker.NewRegistry(cfg, zap.NewNop())
	w := New("target", nil, breakers, retry.Config{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, "", clockid.RealClock{}, nil, zap.NewNop())

	_, err := w.Call(context.Background(), "Ping", func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)

	calls := 0
	_, err = w.Call(context.Background(), "Ping", func(ctx context.Context) (any, error) {
		calls++
		return "up", nil
	})
	require.Error(t, err)
	assert.Equal(t, 0, calls)
}

// fakeProvider satisfies Provider for capability-snapshot tests; only
// GetCapabilities is exercised, the rest are unused stubs.
type fakeProvider struct {
	capabilities []string
}

func (p *fakeProvider) Init(ctx context.Context) error  { return nil }
func (p *fakeProvider) Ping(ctx context.Context) error  { return nil }
func (p *fakeProvider) Close(ctx context.Context) error { return nil }
func (p *fakeProvider) Query(ctx context.Context, table string, filter map[string]any, opts map[string]any) (any, error) {
	return nil, nil
}
func (p *fakeProvider) Insert(ctx context.Context, table string, doc map[string]any) (any, error) {
	return nil, nil
}
func (p *fakeProvider) Update(ctx context.Context, table string, filter map[string]any, doc map[string]any) (any, error) {
	return nil, nil
}
func (p *fakeProvider) Delete(ctx context.Context, table string, filter map[string]any) (any, error) {
	return nil, nil
}
func (p *fakeProvider) CreateTable(ctx context.Context, table string, schema map[string]any) error {
	return nil
}
func (p *fakeProvider) DropTable(ctx context.Context, table string) error            { return nil }
func (p *fakeProvider) ApplySecurityRules(ctx context.Context, rules map[string]any) error { return nil }
func (p *fakeProvider) RunMigrations(ctx context.Context) error                     { return nil }
func (p *fakeProvider) GetAppliedMigrations(ctx context.Context) ([]string, error)   { return nil, nil }
func (p *fakeProvider) Supports(feature string) bool                                { return true }
func (p *fakeProvider) GetCapabilities() []string                                   { return p.capabilities }

func TestCallRefreshesCapabilitySnapshotOnSuccessfulInit(t *testing.T) {
	root := t.TempDir()
	provider := &fakeProvider{capabilities: []string{"query", "insert"}}
	journal := wal.New(root, clockid.RealClock{}, zap.NewNop())
	w := New("maps-store", provider, breaker.NewRegistry(breaker.DefaultConfig(), zap.NewNop()), fastRetryConfig(), root, clockid.RealClock{}, journal, zap.NewNop())

	_, err := w.Call(context.Background(), "Init", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, "status", "capabilities.json"))
	require.NoError(t, err)

	var snap CapabilitySnapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, "maps-store", snap.Provider)
	assert.Equal(t, []string{"query", "insert"}, snap.Capabilities)
	assert.NotEmpty(t, snap.CheckedAt)
}

func TestCallDoesNotPersistSnapshotWhenInitFails(t *testing.T) {
	root := t.TempDir()
	provider := &fakeProvider{capabilities: []string{"query"}}
	journal := wal.New(root, clockid.RealClock{}, zap.NewNop())
	w := New("maps-store", provider, breaker.NewRegistry(breaker.DefaultConfig(), zap.NewNop()), fastRetryConfig(), root, clockid.RealClock{}, journal, zap.NewNop())

	_, err := w.Call(context.Background(), "Init", func(ctx context.Context) (any, error) {
		return nil, ferrors.New(ferrors.KindInvalidCredentials, "bad creds")
	})
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(root, "status", "capabilities.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCapabilitiesReturnsCachedSnapshotWithinTTL(t *testing.T) {
	root := t.TempDir()
	clock := clockid.FixedClock{At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	provider := &fakeProvider{capabilities: []string{"query"}}
	journal := wal.New(root, clock, zap.NewNop())
	w := New("maps-store", provider, breaker.NewRegistry(breaker.DefaultConfig(), zap.NewNop()), fastRetryConfig(), root, clock, journal, zap.NewNop())

	first, err := w.Capabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"query"}, first.Capabilities)

	provider.capabilities = []string{"query", "insert", "delete"}
	second, err := w.Capabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"query"}, second.Capabilities, "cached snapshot within TTL must not reflect the live change")
}

func TestCapabilitiesRefreshesWhenStale(t *testing.T) {
	root := t.TempDir()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &mutableClock{now: start}
	provider := &fakeProvider{capabilities: []string{"query"}}
	journal := wal.New(root, clock, zap.NewNop())
	w := New("maps-store", provider, breaker.NewRegistry(breaker.DefaultConfig(), zap.NewNop()), fastRetryConfig(), root, clock, journal, zap.NewNop())

	_, err := w.Capabilities(context.Background())
	require.NoError(t, err)

	provider.capabilities = []string{"query", "insert"}
	clock.now = start.Add(CapabilityTTL + time.Second)

	refreshed, err := w.Capabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"query", "insert"}, refreshed.Capabilities)
}

// mutableClock lets a test advance "now" between calls, unlike
// clockid.FixedClock's immutable At.
type mutableClock struct {
	now time.Time
}

func (c *mutableClock) Now() time.Time { return c.now }
