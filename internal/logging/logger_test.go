package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	t.Parallel()

	dev, err := New(true)
	require.NoError(t, err)
	require.True(t, dev.Core().Enabled(zapcore.DebugLevel))

	prod, err := New(false)
	require.NoError(t, err)
	require.False(t, prod.Core().Enabled(zapcore.DebugLevel))
	require.True(t, prod.Core().Enabled(zapcore.InfoLevel))
}

func TestConsoleConfigKeepsRepeatedLines(t *testing.T) {
	t.Parallel()

	require.Nil(t, consoleConfig(false).Sampling)
	require.Equal(t, "ts", consoleConfig(true).EncoderConfig.TimeKey)
	require.Equal(t, "json", consoleConfig(false).Encoding)
}

func TestSanitizeRunName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "http:$(-)$(-)www.meizitu.com$(-)a$(-)list_1_1.html",
		SanitizeRunName("http://www.meizitu.com/a/list_1_1.html"))
	require.Equal(t, "run", SanitizeRunName("  "))
	require.NotContains(t, SanitizeRunName("a/b/c"), "/")
}

func TestNewRunWritesLogFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	url := "http://site.test/a/list_1_1.html"
	logger, closeFn, err := NewRun(dir, url, false)
	require.NoError(t, err)

	logger.With(zap.String("url", url)).Info("page extracted", zap.Int("images", 3))
	logger.Debug("hidden in production")
	require.NoError(t, closeFn())

	path := RunLogPath(dir, url)
	require.Equal(t, filepath.Join(dir, SanitizeRunName(url), LogFileName), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "page extracted", entry["msg"])
	require.Equal(t, url, entry["url"])
	require.EqualValues(t, 3, entry["images"])
}

func TestNewRunAppends(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		logger, closeFn, err := NewRun(dir, "http://site.test/", true)
		require.NoError(t, err)
		logger.Info("run started")
		require.NoError(t, closeFn())
	}
	data, err := os.ReadFile(RunLogPath(dir, "http://site.test/"))
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(string(data), "run started"))
}
