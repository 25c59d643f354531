package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWatcherCreatesDefaultFileWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "features.json")

	w, err := NewWatcher(path, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()

	assert.FileExists(t, path)
	assert.Equal(t, "v0", w.Current().Metadata.Version)
	assert.Empty(t, w.Current().Features)
}

func TestNewWatcherLoadsExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "features.json")

	seed := DefaultDynamicSettings()
	seed.Features["risky_feature"] = true
	seed.Metadata.Version = "v5"
	require.NoError(t, writeSettingsFile(path, seed))

	w, err := NewWatcher(path, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()

	assert.True(t, w.Current().Features["risky_feature"])
	assert.Equal(t, "v5", w.Current().Metadata.Version)
}

func TestWatcherReloadsOnFileWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "features.json")

	w, err := NewWatcher(path, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()
	w.Start()

	updated := DefaultDynamicSettings()
	updated.Features["risky_feature"] = true
	updated.Metadata.Version = "v2"
	require.NoError(t, writeSettingsFile(path, updated))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.Current().Metadata.Version == "v2" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	assert.Equal(t, "v2", w.Current().Metadata.Version)
	assert.True(t, w.FeatureFlags()["risky_feature"])
}

func TestValidateSettingsRejectsInvertedThresholds(t *testing.T) {
	s := DefaultDynamicSettings()
	s.Enforcement.SoftBlockAt = 5
	s.Enforcement.HardBlockAt = 2
	err := validateSettings(s)
	assert.Error(t, err)
}

func TestValidateSettingsAcceptsOrderedThresholds(t *testing.T) {
	s := DefaultDynamicSettings()
	s.Enforcement.SoftBlockAt = 2
	s.Enforcement.HardBlockAt = 5
	err := validateSettings(s)
	assert.NoError(t, err)
}
