package runlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgeflow/core/internal/clockid"
	"github.com/forgeflow/core/internal/durable/audit"
	"github.com/forgeflow/core/internal/durable/ledger"
	"github.com/forgeflow/core/internal/durable/lock"
	"github.com/forgeflow/core/internal/durable/wal"
	"github.com/forgeflow/core/internal/ferrors"
)

func newTestManager(t *testing.T) *Manager {
	root := t.TempDir()
	clock := clockid.FixedClock{At: time.Now()}
	return New(root, clock,
		zap.NewNop(),
		lock.New(root, clock, zap.NewNop()),
		wal.New(root, clock, zap.NewNop()),
		audit.New(root, clock, zap.NewNop()),
		ledger.New(root, clock, zap.NewNop()),
	)
}

func TestStartRunAcquiresLockAndWritesDocument(t *testing.T) {
	m := newTestManager(t)
	run, err := m.StartRun(map[string]any{"goal": "test"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, RunExecuting, run.State)
	assert.NotEmpty(t, run.ID)
}

func TestStartRunFailsWhenLockAlreadyHeld(t *testing.T) {
	m := newTestManager(t)
	_, err := m.StartRun(nil, time.Second)
	require.NoError(t, err)

	_, err = m.StartRun(nil, 10*time.Millisecond)
	require.Error(t, err)
}

func TestFinishRunStampsDurationAndReleasesLock(t *testing.T) {
	m := newTestManager(t)
	run, err := m.StartRun(nil, time.Second)
	require.NoError(t, err)

	finished, err := m.FinishRun(run.ID, RunSucceeded)
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, finished.State)
	assert.NotEmpty(t, finished.FinishedAt)

	second, err := m.StartRun(nil, time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, second.ID)
}

func TestFinishRunFiresOnRunFinishHook(t *testing.T) {
	m := newTestManager(t)
	var captured Run
	m.OnRunFinish(func(run Run) { captured = run })

	run, err := m.StartRun(nil, time.Second)
	require.NoError(t, err)
	_, err = m.FinishRun(run.ID, RunFailed)
	require.NoError(t, err)

	assert.Equal(t, run.ID, captured.ID)
	assert.Equal(t, RunFailed, captured.State)
}

func TestNoteAppendsToRunNotes(t *testing.T) {
	m := newTestManager(t)
	run, err := m.StartRun(nil, time.Second)
	require.NoError(t, err)

	updated, err := m.Note(run.ID, "checkpoint reached")
	require.NoError(t, err)
	assert.Equal(t, []string{"checkpoint reached"}, updated.Notes)
}

func TestNoteUnknownRunReturnsNotFound(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Note("run-missing", "x")
	require.Error(t, err)
	kind, ok := ferrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ferrors.KindNotFound, kind)
}

func TestIncidentLifecycle(t *testing.T) {
	m := newTestManager(t)
	inc, err := m.StartIncident("high", "provider degraded")
	require.NoError(t, err)
	assert.Equal(t, IncidentOpen, inc.Status)

	noted, err := m.NoteIncident(inc.ID, "investigating")
	require.NoError(t, err)
	assert.Equal(t, []string{"investigating"}, noted.Notes)

	resolved, err := m.ResolveIncident(inc.ID, "provider recovered", []string{"map-1"})
	require.NoError(t, err)
	assert.Equal(t, IncidentResolved, resolved.Status)
	assert.Equal(t, "provider recovered", resolved.RCA)
}

func TestArchiveCompletedMovesOldTerminalRunsOnly(t *testing.T) {
	m := newTestManager(t)

	run, err := m.StartRun(nil, time.Second)
	require.NoError(t, err)
	_, err = m.FinishRun(run.ID, RunSucceeded)
	require.NoError(t, err)

	stillRunning, err := m.StartRun(nil, time.Second)
	require.NoError(t, err)

	count, err := m.ArchiveCompleted(0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = m.readRun(run.ID)
	assert.Error(t, err)

	_, err = m.readRun(stillRunning.ID)
	assert.NoError(t, err)
}

func TestArchiveCompletedSkipsRunsYoungerThanThreshold(t *testing.T) {
	m := newTestManager(t)
	run, err := m.StartRun(nil, time.Second)
	require.NoError(t, err)
	_, err = m.FinishRun(run.ID, RunSucceeded)
	require.NoError(t, err)

	count, err := m.ArchiveCompleted(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
