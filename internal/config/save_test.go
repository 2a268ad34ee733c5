package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveRoundTripsThroughLoad(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Revision.MaxIterations = 4
	cfg.VCS.Kind = "github"
	cfg.VCS.Owner = "acme"
	cfg.VCS.Repo = "widgets"
	writer := cfg.Agents["code-writer"]
	writer.Model = "sonnet"
	cfg.Agents["code-writer"] = writer

	path := filepath.Join(t.TempDir(), "nested", "dir", "config.yaml")
	require.NoError(t, Save(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.False(t, info.IsDir())

	loaded, err := Load("", path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestSaveWritesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, Save(DefaultConfig(), path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "max_iterations: 3")
	assert.Contains(t, string(data), "code-reviewer:")
}
