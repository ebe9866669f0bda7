package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesConsoleAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "bot.log")
	var console bytes.Buffer
	require.NoError(t, InitWithOutput(Config{Level: "debug", OutputFile: path, JSON: true}, &console))
	t.Cleanup(func() {
		_ = Close()
		logrus.SetOutput(os.Stderr)
	})

	logrus.WithField("component", "test").Debug("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(console.Bytes()), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "test", line["component"])
	assert.Equal(t, path, GetCurrentLogFile())

	require.NoError(t, Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}

func TestInitFallsBackToInfo(t *testing.T) {
	var console bytes.Buffer
	require.NoError(t, InitWithOutput(Config{Level: "nonsense"}, &console))
	t.Cleanup(func() { logrus.SetOutput(os.Stderr) })

	assert.Equal(t, logrus.InfoLevel, Logger.GetLevel())
	logrus.Debug("hidden")
	assert.Empty(t, console.String())
	assert.NoError(t, Rotate())
}
