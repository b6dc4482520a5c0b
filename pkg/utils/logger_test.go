package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/HKUDS/wxdify/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRotatableLogger_Rotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	l := NewRotatableLogger(path, 16, 2)
	defer l.Close()

	for i := 0; i < 5; i++ {
		_, err := l.Write([]byte("0123456789\n"))
		require.NoError(t, err)
	}

	_, err := os.Stat(path + ".1")
	assert.NoError(t, err)
	_, err = os.Stat(path + ".2")
	assert.NoError(t, err)
	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err), "only MaxBackups files are kept")
}

func TestNewLogger_WritesFile(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(config.LoggingConfig{Level: "debug", Format: "json", Dir: dir})
	require.NoError(t, err)

	logger.Debug("hello", zap.String("chat", "wxid_a"))
	_ = logger.Sync()

	data, err := os.ReadFile(filepath.Join(dir, "wxdify.log"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"chat":"wxid_a"`), string(data))
}

func TestNewLogger_BadLevel(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = NewLogger(config.LoggingConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
