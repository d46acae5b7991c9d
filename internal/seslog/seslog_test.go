package seslog

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wholehead/axon/internal/sessionfs"
)

type logLine struct {
	TS      string         `json:"ts"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Extra   map[string]any `json:"extra"`
}

func readLines(t *testing.T, path string) []logLine {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var lines []logLine
	for _, l := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var line logLine
		require.NoError(t, json.Unmarshal([]byte(l), &line), "line: %s", l)
		lines = append(lines, line)
	}
	return lines
}

func TestLineShape(t *testing.T) {
	fs, err := sessionfs.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fs.Create("s1"))
	l := New(fs, zap.NewNop())
	defer l.CloseAll()

	// 1. One line per call, three levels.
	l.Info("s1", "session created", nil)
	l.Error("s1", "resample failed", map[string]any{"kind": "subprocess"})
	l.Event("s1", "model_complete", map[string]any{"event": "model_complete", "progress": 100, "model": "grace"})
	l.Close("s1")

	lines := readLines(t, fs.LogPath("s1"))
	require.Len(t, lines, 3)

	// 2. Levels and messages are what the API layer reads back.
	assert.Equal(t, "INFO", lines[0].Level)
	assert.Equal(t, "session created", lines[0].Message)
	assert.Nil(t, lines[0].Extra)

	assert.Equal(t, "ERROR", lines[1].Level)
	assert.Equal(t, "subprocess", lines[1].Extra["kind"])

	assert.Equal(t, "EVENT", lines[2].Level)
	assert.Equal(t, "model_complete", lines[2].Message)
	assert.Equal(t, float64(100), lines[2].Extra["progress"])

	// 3. Timestamps are ISO-8601 UTC.
	ts, err := time.Parse("2006-01-02T15:04:05.000Z07:00", lines[0].TS)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, ts.Location())
}

func TestAppendsAcrossReopen(t *testing.T) {
	fs, err := sessionfs.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fs.Create("s1"))

	l := New(fs, zap.NewNop())
	l.Info("s1", "first", nil)
	l.Close("s1")

	l2 := New(fs, zap.NewNop())
	l2.Info("s1", "second", nil)
	l2.CloseAll()

	lines := readLines(t, fs.LogPath("s1"))
	require.Len(t, lines, 2)
	assert.Equal(t, "first", lines[0].Message)
	assert.Equal(t, "second", lines[1].Message)
}

func TestMissingSessionDirIsNotFatal(t *testing.T) {
	fs, err := sessionfs.New(t.TempDir())
	require.NoError(t, err)
	l := New(fs, zap.NewNop())

	// No Create call: the open fails and the write is dropped.
	l.Info("ghost", "nobody home", nil)
}
