package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/taskward/config"
)

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskward.log")
	logger, closer, err := newLogger(&config.Config{LogLevel: "warn", LogFormat: "json", LogFileName: path})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", "k", "v")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"kept"`)
	assert.NotContains(t, string(data), "dropped")
}

func TestNewLoggerRejectsLevel(t *testing.T) {
	_, _, err := newLogger(&config.Config{LogLevel: "loud", LogFormat: "text"})
	assert.Error(t, err)
}
