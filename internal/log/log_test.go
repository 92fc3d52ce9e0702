package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"DEBUG":   LevelDebug,
		" warn ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"info":    LevelInfo,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(LevelWarn)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(LevelInfo)
	})

	Info("dropped")
	Debug("dropped too")
	Warn("kept", "tz", "UTC")
	Error("failed", errors.New("boom"), "id", "work", "dangling")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var warn map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &warn))
	assert.Equal(t, "warn", warn["level"])
	assert.Equal(t, "kept", warn["message"])
	assert.Equal(t, "UTC", warn["tz"])

	var errLine map[string]any
	require.NoError(t, json.Unmarshal(lines[1], &errLine))
	assert.Equal(t, "error", errLine["level"])
	assert.Equal(t, "boom", errLine["error"])
	assert.Equal(t, "work", errLine["id"])
	assert.NotContains(t, errLine, "dangling")
}
