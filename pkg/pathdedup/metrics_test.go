package pathdedup

import (
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-vault/pkg/plog"
)

// slowWriter counts writes and takes a while for each of them.
type slowWriter struct {
	writes  atomic.Int64
	started chan struct{}
	delay   time.Duration
}

func (w *slowWriter) Write(p []byte) (int, error) {
	if w.writes.Add(1) == 1 {
		close(w.started)
	}
	time.Sleep(w.delay)
	return len(p), nil
}

func TestStopProgressWhileLogging(t *testing.T) {
	w := &slowWriter{started: make(chan struct{}), delay: 30 * time.Millisecond}
	plog.SetOutput(w)
	t.Cleanup(func() { plog.SetOutput(os.Stderr) })

	m := &VaultMetrics{}
	m.StartProgress("progress", time.Millisecond)

	select {
	case <-w.started:
	case <-time.After(5 * time.Second):
		t.Fatal("progress ticker never logged")
	}
	// The first line is still being written at this point.
	m.StopProgress()
	stopped := w.writes.Load()

	time.Sleep(100 * time.Millisecond)
	if got := w.writes.Load(); got != stopped {
		t.Errorf("progress kept logging after StopProgress: %d writes, then %d", stopped, got)
	}

	// Stopping twice is harmless.
	m.StopProgress()
}

func TestStopProgressWithoutTicker(t *testing.T) {
	m := &VaultMetrics{}
	m.StartProgress("progress", 0)
	m.StopProgress()
	if m.startTime.IsZero() {
		t.Error("StartProgress did not record the start time")
	}
}
