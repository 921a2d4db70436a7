package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultValidatesWithNodeID(t *testing.T) {
	cfg := Default()
	cfg.NodeID = "node-a"
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadElectionWindow(t *testing.T) {
	cfg := Default()
	cfg.NodeID = "node-a"
	cfg.ElectionTimeoutMin = 300 * time.Millisecond
	cfg.ElectionTimeoutMax = 150 * time.Millisecond
	require.Error(t, cfg.Validate())
}

func TestLoadOverlaysYAMLOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodeId: node-a\nshardCount: 32\npeers: [\"10.0.0.2:9000\", \"10.0.0.3:9000\"]\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "node-a", cfg.NodeID)
	require.Equal(t, 32, cfg.ShardCount)
	require.Len(t, cfg.Peers, 2)
	// untouched defaults survive the overlay
	require.Equal(t, 150*time.Millisecond, cfg.ElectionTimeoutMin)
}
