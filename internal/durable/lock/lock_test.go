package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgeflow/core/internal/clockid"
	"github.com/forgeflow/core/internal/ferrors"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	root := t.TempDir()
	clock := clockid.FixedClock{At: time.Now()}
	l := New(root, clock, zap.NewNop()).WithPollInterval(5 * time.Millisecond)

	require.NoError(t, l.Acquire(context.Background(), "owner-a", time.Second))
	assert.Equal(t, "owner-a", l.CurrentOwner())

	require.NoError(t, l.Release(context.Background()))
	assert.Empty(t, l.CurrentOwner())
}

func TestAcquireTimesOutWhenHeld(t *testing.T) {
	root := t.TempDir()
	clock := &steppableClock{at: time.Now()}

	holder := New(root, clock, zap.NewNop()).WithPollInterval(5 * time.Millisecond)
	require.NoError(t, holder.Acquire(context.Background(), "owner-a", time.Second))

	waiter := New(root, clock, zap.NewNop()).WithPollInterval(5 * time.Millisecond)
	err := waiter.Acquire(context.Background(), "owner-b", 20*time.Millisecond)
	require.Error(t, err)
	kind, ok := ferrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ferrors.KindLockTimeout, kind)
}

func TestAcquireStealsStaleLock(t *testing.T) {
	root := t.TempDir()
	start := time.Now()
	clock := &steppableClock{at: start}

	holder := New(root, clock, zap.NewNop()).WithPollInterval(5 * time.Millisecond)
	require.NoError(t, holder.Acquire(context.Background(), "owner-a", time.Second))

	clock.advance(StaleLockThreshold + time.Second)

	stealer := New(root, clock, zap.NewNop()).WithPollInterval(5 * time.Millisecond)
	require.NoError(t, stealer.Acquire(context.Background(), "owner-b", time.Second))
	assert.Equal(t, "owner-b", stealer.CurrentOwner())
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	root := t.TempDir()
	clock := clockid.FixedClock{At: time.Now()}

	holder := New(root, clock, zap.NewNop()).WithPollInterval(5 * time.Millisecond)
	require.NoError(t, holder.Acquire(context.Background(), "owner-a", time.Second))

	waiter := New(root, clock, zap.NewNop()).WithPollInterval(5 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := waiter.Acquire(ctx, "owner-b", time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewNamedLocksAreIndependent(t *testing.T) {
	root := t.TempDir()
	clock := clockid.FixedClock{At: time.Now()}

	txn := New(root, clock, zap.NewNop()).WithPollInterval(5 * time.Millisecond)
	archive := NewNamed(root, "archive.lock", clock, zap.NewNop()).WithPollInterval(5 * time.Millisecond)

	require.NoError(t, txn.Acquire(context.Background(), "run-1", time.Second))
	require.NoError(t, archive.Acquire(context.Background(), "archive-sweep", time.Second))

	assert.Equal(t, "run-1", txn.CurrentOwner())
	assert.Equal(t, "archive-sweep", archive.CurrentOwner())

	require.NoError(t, txn.Release(context.Background()))
	require.NoError(t, archive.Release(context.Background()))
}

// steppableClock lets tests advance wall-clock time deterministically
// without sleeping, mirroring the durable-core's FixedClock contract
// but mutable across calls.
type steppableClock struct {
	at time.Time
}

func (c *steppableClock) Now() time.Time { return c.at }
func (c *steppableClock) advance(d time.Duration) {
	c.at = c.at.Add(d)
}
