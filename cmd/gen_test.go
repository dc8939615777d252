package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logscope/logscope/player"
)

// runCLI executes the root command with args and returns its output.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		configPath = ""
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestGenerateSample_ThreeTopicsPerStep(t *testing.T) {
	// GIVEN two seconds at 5 Hz
	msgs, err := generateSample(100, 2, 5)

	// THEN each step has one message per topic at the same time
	require.NoError(t, err)
	require.Len(t, msgs, 2*5*len(sampleTopics))
	for i, m := range msgs {
		step := i / len(sampleTopics)
		assert.Equal(t, sampleTopics[i%len(sampleTopics)].name, m.Topic)
		assert.InDelta(t, 100+float64(step)/5, m.Seconds, 1e-9)
		assert.NotEmpty(t, m.Payload)
	}
}

func TestGen_WritesEveryFormat(t *testing.T) {
	for _, ext := range []string{".jsonl", ".csv", ".db3"} {
		t.Run(ext, func(t *testing.T) {
			// GIVEN an output path with a supported extension
			path := filepath.Join(t.TempDir(), "sample"+ext)

			// WHEN generating two seconds at 5 Hz
			_, err := runCLI(t, "gen", path, "--duration", "2", "--rate", "5", "--start", "1000")
			require.NoError(t, err)

			// THEN the log opens with the registered decoder and holds every message
			src, err := player.OpenSource(context.Background(), path)
			require.NoError(t, err)
			defer func() { _ = src.Close() }()
			ini, err := src.Initialize(context.Background())
			require.NoError(t, err)
			assert.Equal(t, []string{"/perception/obstacles", "/perception/traffic_lights", "/vehicle/status"}, ini.TopicNames())
			assert.InDelta(t, 1000.0, ini.Start.Seconds(), 1e-6)
			assert.InDelta(t, 1.8, ini.End.Sub(ini.Start).Seconds(), 1e-6)
			var total int64
			for _, s := range ini.TopicStats {
				total += s.NumMessages
			}
			assert.Equal(t, int64(30), total)
		})
	}
}

func TestGen_RejectsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.bag")

	_, err := runCLI(t, "gen", path, "--duration", "1", "--rate", "1")

	assert.ErrorContains(t, err, "unsupported output extension")
}

func TestGen_RejectsNonPositiveRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.jsonl")

	_, err := runCLI(t, "gen", path, "--rate", "0")

	assert.Error(t, err)
	genRate = 10
}
