package orchestrator

import (
	"strings"
	"sync"
)

const stderrTailBytes = 4096

// tailWriter keeps the last few KiB of a process's stderr so startup
// failures can surface actionable output without buffering everything.
type tailWriter struct {
	mu  sync.Mutex
	buf []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf = append(w.buf, p...)
	if over := len(w.buf) - stderrTailBytes; over > 0 {
		w.buf = w.buf[over:]
	}
	w.mu.Unlock()
	return len(p), nil
}

// Tail returns the captured output, trimmed.
func (w *tailWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.TrimSpace(string(w.buf))
}
