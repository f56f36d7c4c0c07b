package logging

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, WarnLevel, ParseLevel("warning"))
	assert.Equal(t, ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, InfoLevel, ParseLevel("nonsense"))
}

func TestLoggerWritesComponentAsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&LogConfig{Level: DebugLevel, Output: &buf})

	logger.WithComponent("HTTP2Transport").WithField("stream", "abc").Debug("opened")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "HTTP2Transport", entry["component"])
	assert.Equal(t, "abc", entry["stream"])
	assert.Equal(t, "opened", entry["message"])
	assert.Equal(t, "debug", entry["level"])
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&LogConfig{Level: WarnLevel, Output: &buf})

	logger.Info("dropped")
	assert.Zero(t, buf.Len())

	logger.Warnf("kept %d", 1)
	assert.Contains(t, buf.String(), "kept 1")
}

func TestLoggerWritesRotatedFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "acl.log")
	logger := NewLogger(&LogConfig{Level: InfoLevel, Output: &buf, File: &FileConfig{Path: path}})

	logger.LogConnectionEvent("status_changed", "CONNECTED", "SUCCESS", nil)

	assert.Contains(t, buf.String(), "CONNECTED")
	assert.FileExists(t, path)
}

func TestOrFallsBackToGlobal(t *testing.T) {
	assert.Same(t, Global(), Or(nil))
	l := Nop()
	assert.Same(t, l, Or(l))
}
