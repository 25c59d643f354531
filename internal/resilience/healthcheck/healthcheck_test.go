package healthcheck

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestCheckBecomesHealthyOnFirstSuccessFromUnknown(t *testing.T) {
	cfg := Config{Timeout: time.Second, HealthyThreshold: 2, UnhealthyThreshold: 3}
	target := NewTarget(cfg, func(ctx context.Context) error { return nil }, nil, zap.NewNop())

	assert.Equal(t, StatusHealthy, target.Check(context.Background(), "t"))
	assert.Equal(t, StatusHealthy, target.Status())
}

func TestCheckBecomesUnhealthyAfterConsecutiveFailures(t *testing.T) {
	cfg := Config{Timeout: time.Second, HealthyThreshold: 2, UnhealthyThreshold: 2}
	boom := errors.New("down")
	target := NewTarget(cfg, func(ctx context.Context) error { return boom }, nil, zap.NewNop())

	target.Check(context.Background(), "t")
	status := target.Check(context.Background(), "t")
	assert.Equal(t, StatusUnhealthy, status)
}

func TestCheckDegradesFromHealthyOnSingleFailure(t *testing.T) {
	cfg := Config{Timeout: time.Second, HealthyThreshold: 1, UnhealthyThreshold: 3}
	fail := false
	target := NewTarget(cfg, func(ctx context.Context) error {
		if fail {
			return errors.New("down")
		}
		return nil
	}, nil, zap.NewNop())

	assert.Equal(t, StatusHealthy, target.Check(context.Background(), "t"))
	fail = true
	assert.Equal(t, StatusDegraded, target.Check(context.Background(), "t"))
}

func TestCheckAutoRestartRecoversToUnknown(t *testing.T) {
	cfg := Config{Timeout: time.Second, HealthyThreshold: 2, UnhealthyThreshold: 1, AutoRestart: true, RestartCooldown: 0}
	restarted := false
	target := NewTarget(cfg, func(ctx context.Context) error { return errors.New("down") }, func(name string) error {
		restarted = true
		return nil
	}, zap.NewNop())

	status := target.Check(context.Background(), "t")
	assert.True(t, restarted)
	assert.Equal(t, StatusUnknown, status)
}

func TestMeshAggregateStatusIsWorstOfTargets(t *testing.T) {
	mesh := NewMesh(zap.NewNop())
	healthyCfg := Config{Timeout: time.Second, HealthyThreshold: 1, UnhealthyThreshold: 3}
	unhealthyCfg := Config{Timeout: time.Second, HealthyThreshold: 1, UnhealthyThreshold: 1}

	good := NewTarget(healthyCfg, func(ctx context.Context) error { return nil }, nil, zap.NewNop())
	bad := NewTarget(unhealthyCfg, func(ctx context.Context) error { return errors.New("down") }, nil, zap.NewNop())
	mesh.Register("good", good)
	mesh.Register("bad", bad)

	mesh.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, mesh.AggregateStatus())
}

func TestMeshAggregateStatusUnknownWhenEmpty(t *testing.T) {
	mesh := NewMesh(zap.NewNop())
	assert.Equal(t, StatusUnknown, mesh.AggregateStatus())
}

func TestMeshAggregateStatusHealthyWhenAllHealthy(t *testing.T) {
	mesh := NewMesh(zap.NewNop())
	cfg := Config{Timeout: time.Second, HealthyThreshold: 1, UnhealthyThreshold: 3}
	mesh.Register("a", NewTarget(cfg, func(ctx context.Context) error { return nil }, nil, zap.NewNop()))
	mesh.Register("b", NewTarget(cfg, func(ctx context.Context) error { return nil }, nil, zap.NewNop()))

	mesh.CheckAll(context.Background())
	assert.Equal(t, StatusHealthy, mesh.AggregateStatus())
}
