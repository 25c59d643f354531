package audit

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgeflow/core/internal/clockid"
)

func TestAppendChainsHashes(t *testing.T) {
	root := t.TempDir()
	clock := clockid.FixedClock{At: time.Now()}
	c := New(root, clock, zap.NewNop())

	e1, err := c.Append(map[string]any{"action": "lock_acquired"})
	require.NoError(t, err)
	assert.Equal(t, genesis, e1.PreviousHash)

	e2, err := c.Append(map[string]any{"action": "map_written"})
	require.NoError(t, err)
	assert.Equal(t, e1.Hash, e2.PreviousHash)
	assert.NotEqual(t, e1.Hash, e2.Hash)
}

func TestVerifyDetectsIntactChain(t *testing.T) {
	root := t.TempDir()
	clock := clockid.FixedClock{At: time.Now()}
	c := New(root, clock, zap.NewNop())

	for i := 0; i < 5; i++ {
		_, err := c.Append(map[string]any{"n": i})
		require.NoError(t, err)
	}

	divergedAt, err := c.Verify()
	require.NoError(t, err)
	assert.Equal(t, -1, divergedAt)
}

func TestVerifyDetectsTamperedEntry(t *testing.T) {
	root := t.TempDir()
	clock := clockid.FixedClock{At: time.Now()}
	c := New(root, clock, zap.NewNop())

	_, err := c.Append(map[string]any{"action": "one"})
	require.NoError(t, err)
	_, err = c.Append(map[string]any{"action": "two"})
	require.NoError(t, err)

	entries, err := c.All()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Tamper with the second entry's event without recomputing its hash.
	entries[1].Event = map[string]any{"action": "tampered"}
	rewriteEntries(t, c.path, entries)

	divergedAt, err := c.Verify()
	require.NoError(t, err)
	assert.Equal(t, 1, divergedAt)
}

func TestAppendRotatesWhenOverMaxBytes(t *testing.T) {
	root := t.TempDir()
	clock := clockid.FixedClock{At: time.Now()}
	c := New(root, clock, zap.NewNop()).WithRotation(1, 2)

	_, err := c.Append(map[string]any{"action": "one"})
	require.NoError(t, err)
	_, err = c.Append(map[string]any{"action": "two"})
	require.NoError(t, err)

	_, statErr := os.Stat(c.path + ".1")
	assert.NoError(t, statErr)
}

func rewriteEntries(t *testing.T, path string, entries []Entry) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	for _, e := range entries {
		line, err := json.Marshal(e)
		require.NoError(t, err)
		_, err = f.Write(append(line, '\n'))
		require.NoError(t, err)
	}
}
