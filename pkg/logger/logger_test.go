package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagestore.log")
	log, err := New(Config{Level: "debug", Format: "json", OutputFile: path})
	require.NoError(t, err)

	log.Debug("page flushed")
	require.NoError(t, log.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(raw))

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	require.Equal(t, "DEBUG", entry["level"])
	require.Equal(t, "page flushed", entry["msg"])
	require.Equal(t, ServiceName, entry["service"])
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagestore.log")
	log, err := New(Config{Level: "chatty", OutputFile: path})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("shown")
	require.NoError(t, log.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "hidden")
	require.Contains(t, string(raw), "shown")
}

func TestNew_BadOutputFile(t *testing.T) {
	_, err := New(Config{OutputFile: filepath.Join(t.TempDir(), "no", "such", "dir.log")})
	require.Error(t, err)
}

func TestNewWithLevel_ChangesAtRuntime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagestore.log")
	log, level, err := NewWithLevel(Config{Level: "warn", OutputFile: path})
	require.NoError(t, err)

	log.Info("before")
	level.SetLevel(ParseLevel("debug"))
	log.Debug("after")
	require.NoError(t, log.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "before")
	require.Contains(t, string(raw), "after")
}

func TestNew_SamplingDropsRepeats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagestore.log")
	log, err := New(Config{Level: "info", OutputFile: path, Sampling: true})
	require.NoError(t, err)
	for i := 0; i < 500; i++ {
		log.Info("buffer hit")
	}
	require.NoError(t, log.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Count(string(raw), "\n")
	require.GreaterOrEqual(t, lines, 100)
	require.Less(t, lines, 500)
}

func TestNew_Discard(t *testing.T) {
	log, err := New(Config{OutputFile: "discard"})
	require.NoError(t, err)
	log.Info("nowhere")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, "debug", ParseLevel(" DEBUG ").String())
	require.Equal(t, "info", ParseLevel("").String())
	require.Equal(t, "error", ParseLevel("error").String())
}
