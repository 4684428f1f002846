package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerFiltersBelowMinLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Out: &buf, MinLevel: WARN, NoColor: true})
	require.NoError(t, err)

	l.Info("ledger", "dropped")
	l.Warn("ledger", "kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "[LEDGER    ]")
	assert.Contains(t, out, "kept")
	assert.Contains(t, out, "logger_test.go")
}

func TestLoggerWritesJSONFile(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	l, err := New(Options{Dir: dir, Service: "capacity-test", Out: &buf, NoColor: true})
	require.NoError(t, err)

	l.LogReservation("RESERVE", "res-1", "2 x sched-1/adult")
	l.Close()

	files, err := filepath.Glob(filepath.Join(dir, "capacity-test-*.log"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)

	var found bool
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var entry LogEntry
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry.Category == "RESERVATION" {
			found = true
			assert.Equal(t, "INFO", entry.Level)
			assert.Equal(t, "[RESERVE] res-1 - 2 x sched-1/adult", entry.Message)
		}
	}
	assert.True(t, found, "reservation entry missing from log file")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel(" warning "))
	assert.Equal(t, ERROR, ParseLevel("ERROR"))
	assert.Equal(t, INFO, ParseLevel("nonsense"))
}

func TestDiscardWritesNothing(t *testing.T) {
	l := Discard()
	l.Error("sweeper", "ignored")
	l.Close()
}
