package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_MatchesConfigurationTable(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 1, cfg.Workers)
	assert.Equal(t, 60*time.Second, cfg.PeriodicInterval)
	assert.Equal(t, 60*time.Second, cfg.ServiceDownTime)
	assert.Equal(t, 3600*time.Second, cfg.DefaultActionTimeout)
	assert.Equal(t, 3, cfg.LockRetryTimes)
	assert.Equal(t, 10*time.Second, cfg.LockRetryInterval)
	assert.Equal(t, 1000, cfg.MaxNodesPerCluster)
	assert.Equal(t, 0, cfg.MaxActionsPerBatch)
	assert.Equal(t, 3*time.Second, cfg.BatchInterval)
	assert.Equal(t, "node-$3I", cfg.NodeNameFormat)
	assert.Equal(t, time.Duration(0), cfg.ActionRetention)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverlaysYAMLOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 8\nnode_name_format: \"host-$4I\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "host-$4I", cfg.NodeNameFormat)
	// Untouched fields keep their defaults.
	assert.Equal(t, 3, cfg.LockRetryTimes)
}

func TestLoad_MalformedYAMLReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: [this is not an int\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
