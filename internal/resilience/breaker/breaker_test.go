package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgeflow/core/internal/ferrors"
)

func TestExecuteSucceedsThroughClosedBreaker(t *testing.T) {
	r := NewRegistry(DefaultConfig(), zap.NewNop())
	val, err := r.Execute(context.Background(), "target-a", func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Equal(t, gobreaker.StateClosed, r.State("target-a"))
}

func TestExecuteTripsAfterFailureThreshold(t *testing.T) {
	cfg := Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute}
	r := NewRegistry(cfg, zap.NewNop())

	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		_, err := r.Execute(context.Background(), "target-a", func() (any, error) { return nil, boom })
		require.Error(t, err)
	}

	assert.Equal(t, gobreaker.StateOpen, r.State("target-a"))

	_, err := r.Execute(context.Background(), "target-a", func() (any, error) { return "never runs", nil })
	require.Error(t, err)
	kind, ok := ferrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ferrors.KindServiceUnavailable, kind)
}

func TestStateDefaultsClosedForUnknownTarget(t *testing.T) {
	r := NewRegistry(DefaultConfig(), zap.NewNop())
	assert.Equal(t, gobreaker.StateClosed, r.State("never-used"))
}

func TestResetDropsBreakerState(t *testing.T) {
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute}
	r := NewRegistry(cfg, zap.NewNop())

	boom := errors.New("boom")
	_, err := r.Execute(context.Background(), "target-a", func() (any, error) { return nil, boom })
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, r.State("target-a"))

	r.Reset("target-a")
	assert.Equal(t, gobreaker.StateClosed, r.State("target-a"))
}

func TestWithHooksFiresOnStateChangeAndRejected(t *testing.T) {
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute}
	r := NewRegistry(cfg, zap.NewNop())

	var transitions []string
	var rejections []string
	r.WithHooks(
		func(name string, from, to gobreaker.State) {
			transitions = append(transitions, name+":"+to.String())
		},
		func(name string) {
			rejections = append(rejections, name)
		},
	)

	boom := errors.New("boom")
	_, err := r.Execute(context.Background(), "target-a", func() (any, error) { return nil, boom })
	require.Error(t, err)
	require.NotEmpty(t, transitions)

	_, err = r.Execute(context.Background(), "target-a", func() (any, error) { return "unreached", nil })
	require.Error(t, err)
	assert.Equal(t, []string{"target-a"}, rejections)
}
