package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"
)

func TestAsyncLoggerWriteAndClose(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "edenfs.log")
	lj := &lumberjack.Logger{Filename: logPath}
	async := NewAsyncLogger(lj, 10)

	fmt.Fprintln(async, "mount started")
	fmt.Fprintln(async, "checkout complete")
	fmt.Fprintln(async, "journal flushed")
	require.NoError(t, async.Close())

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Equal(t, "mount started\ncheckout complete\njournal flushed\n", string(content))
}

func TestAsyncLoggerCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	lj := &lumberjack.Logger{Filename: filepath.Join(dir, "edenfs.log")}
	async := NewAsyncLogger(lj, 1)

	require.NoError(t, async.Close())
	require.NoError(t, async.Close())
}
