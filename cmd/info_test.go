package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfo_PrintsMergedTopics(t *testing.T) {
	// GIVEN a jsonl and a db3 log covering the same topics
	dir := t.TempDir()
	a := filepath.Join(dir, "a.jsonl")
	b := filepath.Join(dir, "b.db3")
	_, err := runCLI(t, "gen", a, "--duration", "1", "--rate", "2", "--start", "0")
	require.NoError(t, err)
	_, err = runCLI(t, "gen", b, "--duration", "1", "--rate", "2", "--start", "10")
	require.NoError(t, err)

	// WHEN printing info for both
	out, err := runCLI(t, "info", a, b)

	// THEN the merged range and per-topic counts are shown
	require.NoError(t, err)
	assert.Contains(t, out, "sources:")
	assert.Contains(t, out, "/vehicle/status")
	assert.Contains(t, out, "4 msgs")
	assert.Contains(t, out, "start:")
	assert.Contains(t, out, "0.000000000s")
}

func TestInfo_RequiresSources(t *testing.T) {
	_, err := runCLI(t, "info")

	assert.ErrorContains(t, err, "no log files given")
}

func TestLoadConfig_ArgsOverrideConfigSources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "player.yaml")
	require.NoError(t, os.WriteFile(path, []byte("read_ahead: 10s\nsources: [from-config.jsonl]\n"), 0644))
	configPath = path
	t.Cleanup(func() { configPath = "" })

	cfg, err := loadConfig([]string{"from-args.jsonl"})

	require.NoError(t, err)
	assert.Equal(t, []string{"from-args.jsonl"}, cfg.Sources)
	assert.Equal(t, "10s", cfg.ReadAhead.String())
}
