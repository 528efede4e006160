package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	original := logger.Out
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(original) })
	return &buf
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"":        InfoLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		" fatal ": FatalLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestSetLevel(t *testing.T) {
	buf := captureOutput(t)
	SetLevel(InfoLevel)
	defer SetLevel(InfoLevel)

	Debugf("flow %d created", 1)
	assert.Empty(t, buf.String())
	assert.False(t, IsDebug())

	Infof("Connected %s", "10.0.0.1:5000")
	assert.Contains(t, buf.String(), "Connected 10.0.0.1:5000")

	SetLevel(DebugLevel)
	assert.True(t, IsDebug())
}

func TestComponentEntry(t *testing.T) {
	buf := captureOutput(t)

	Component("transproxy").WithField("flow", "10.0.0.1:5000->10.128.0.1:443").Info("Disconnected")

	out := buf.String()
	assert.Contains(t, out, "component=transproxy")
	assert.Contains(t, out, "Disconnected")
	assert.Contains(t, out, "flow=")
}

func TestFileLogging(t *testing.T) {
	dir := t.TempDir()
	original := logger.Out
	defer logger.SetOutput(original)

	require.NoError(t, EnableFileLogging(dir, "transproxy.log", 10, 3, 7))
	Infof("file log test message")

	content, err := os.ReadFile(filepath.Join(dir, "transproxy.log"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "file log test message")
}

func TestSetFormat(t *testing.T) {
	buf := captureOutput(t)
	SetFormat(JSONFormat)
	defer SetFormat(TextFormat)

	Infof("json formatted")

	assert.Contains(t, buf.String(), `"level":"info"`)
	assert.Contains(t, buf.String(), `"msg":"json formatted"`)

	f, err := ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, JSONFormat, f)
	_, err = ParseFormat("xml")
	assert.Error(t, err)
}
