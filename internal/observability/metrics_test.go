package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NotNil(t, m)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestObserveLockWaitRecordsIntoHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ObserveLockWait(250 * time.Millisecond)

	assert.Equal(t, 1, testutil.CollectAndCount(m.LockWaitSeconds))
}

func TestObserveLockWaitNilReceiverIsNoOp(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() { m.ObserveLockWait(time.Second) })
}

func TestObserveRunDurationNilReceiverIsNoOp(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() { m.ObserveRunDuration(time.Second) })
}

func TestBreakerStateValueMapsKnownStates(t *testing.T) {
	assert.Equal(t, 0.0, BreakerStateValue("closed"))
	assert.Equal(t, 1.0, BreakerStateValue("half-open"))
	assert.Equal(t, 2.0, BreakerStateValue("open"))
	assert.Equal(t, -1.0, BreakerStateValue("unknown-state"))
}

func TestHealthStatusValueMapsKnownStatuses(t *testing.T) {
	assert.Equal(t, 0.0, HealthStatusValue("UNKNOWN"))
	assert.Equal(t, 1.0, HealthStatusValue("HEALTHY"))
	assert.Equal(t, 2.0, HealthStatusValue("DEGRADED"))
	assert.Equal(t, 3.0, HealthStatusValue("UNHEALTHY"))
}
