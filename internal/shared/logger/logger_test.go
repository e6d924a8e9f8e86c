package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"

	"liuproxy_checker/internal/shared/types"
)

func initTestLogger(t *testing.T, cfg types.LogConf) *lumberjack.Logger {
	t.Helper()
	saved := log.Logger
	closer, err := Init(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		log.Logger = saved
		closer.Close()
	})

	file, ok := closer.(*lumberjack.Logger)
	require.True(t, ok, "file sink should be a rotating writer")
	return file
}

func TestInit_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "checker.log")
	initTestLogger(t, types.LogConf{File: path, Level: "debug", MaxSizeMB: 10, MaxBackups: 5})

	l := WithComponent("Test")
	l.Info().Str("proxy", "1.2.3.4:8080").Msg("hello file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"hello file"`)
	assert.Contains(t, string(data), `"component":"Test"`)
}

func TestInit_RotatesAtMaxSize(t *testing.T) {
	dir := t.TempDir()
	file := initTestLogger(t, types.LogConf{File: filepath.Join(dir, "checker.log"), MaxSizeMB: 1, MaxBackups: 2})
	assert.Equal(t, 1, file.MaxSize)
	assert.Equal(t, 2, file.MaxBackups)

	line := append(bytes.Repeat([]byte("x"), 1023), '\n')
	for i := 0; i < 3*1024+10; i++ {
		_, err := file.Write(line)
		require.NoError(t, err)
	}

	// 旧文件的清理是异步的，这里只要求至少发生过一次轮转。
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(entries), 2)
}

func TestInit_ConsoleOnly(t *testing.T) {
	saved := log.Logger
	t.Cleanup(func() { log.Logger = saved })

	closer, err := Init(types.LogConf{Level: "nonsense"})
	require.NoError(t, err)
	require.NotNil(t, closer)
	assert.NoError(t, closer.Close())
}
