package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgeflow/core/internal/clockid"
)

func TestAtomicWriteJSONWritesTargetAndJournals(t *testing.T) {
	root := t.TempDir()
	clock := clockid.FixedClock{At: time.Now()}
	j := New(root, clock, zap.NewNop())

	payload := map[string]any{"id": "doc-1", "version": 1}
	require.NoError(t, j.AtomicWriteJSON("maps/doc-1.json", payload, "run-1"))

	data, err := os.ReadFile(filepath.Join(root, "maps/doc-1.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"doc-1"`)

	equal, err := j.Equal()
	require.NoError(t, err)
	assert.True(t, equal)
}

func TestRecoverNoOpWhenTargetComplete(t *testing.T) {
	root := t.TempDir()
	clock := clockid.FixedClock{At: time.Now()}
	j := New(root, clock, zap.NewNop())

	require.NoError(t, j.AtomicWriteJSON("maps/doc-1.json", map[string]any{"id": "doc-1"}, "run-1"))

	result, err := j.Recover(true)
	require.NoError(t, err)
	assert.Empty(t, result.Pending)
}

func TestRecoverRedoesPendingWriteFromShadow(t *testing.T) {
	root := t.TempDir()
	clock := clockid.FixedClock{At: time.Now()}
	j := New(root, clock, zap.NewNop())

	require.NoError(t, j.AtomicWriteJSON("maps/doc-1.json", map[string]any{"id": "doc-1"}, "run-1"))

	// Simulate a crash between journal append and target write: delete the
	// target but leave both journals intact.
	require.NoError(t, os.Remove(filepath.Join(root, "maps/doc-1.json")))

	result, err := j.Recover(true)
	require.NoError(t, err)
	require.Len(t, result.Pending, 1)
	assert.Equal(t, "maps/doc-1.json", result.Pending[0].Target)

	data, err := os.ReadFile(filepath.Join(root, "maps/doc-1.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"doc-1"`)

	// Journals are truncated after recovery.
	again, err := j.Recover(true)
	require.NoError(t, err)
	assert.Empty(t, again.Pending)
}

func TestRecoverReportsWithoutRedoWhenDisabled(t *testing.T) {
	root := t.TempDir()
	clock := clockid.FixedClock{At: time.Now()}
	j := New(root, clock, zap.NewNop())

	require.NoError(t, j.AtomicWriteJSON("maps/doc-1.json", map[string]any{"id": "doc-1"}, "run-1"))
	require.NoError(t, os.Remove(filepath.Join(root, "maps/doc-1.json")))

	result, err := j.Recover(false)
	require.NoError(t, err)
	require.Len(t, result.Pending, 1)

	_, err = os.Stat(filepath.Join(root, "maps/doc-1.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestRecoverDetectsShadowDivergenceAsFatal(t *testing.T) {
	root := t.TempDir()
	clock := clockid.FixedClock{At: time.Now()}
	j := New(root, clock, zap.NewNop())

	require.NoError(t, j.AtomicWriteJSON("maps/doc-1.json", map[string]any{"id": "doc-1"}, "run-1"))

	// Corrupt the shadow journal so it has an extra entry the primary lacks.
	shadowPath := j.shadowPath()
	f, err := os.OpenFile(shadowPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"timestamp":"x","run_id":"run-2","target":"maps/doc-2.json","operation":"write","checksum":"abc"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = j.Recover(true)
	require.Error(t, err)
}
