package log

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultAccidentCapacity is the number of entries kept in memory.
const DefaultAccidentCapacity = 9999

// AccidentLog keeps recent log entries in memory and writes them to disk only
// when Flush is called. A clean run leaves no file behind; a failed one leaves
// the full debug trail.
type AccidentLog struct {
	path     string
	capacity int

	mu      sync.Mutex
	entries []string
}

// NewAccidentLog creates an accident log that flushes to path.
// A capacity <= 0 uses DefaultAccidentCapacity.
func NewAccidentLog(path string, capacity int) *AccidentLog {
	if capacity <= 0 {
		capacity = DefaultAccidentCapacity
	}
	return &AccidentLog{path: path, capacity: capacity}
}

// Attach starts collecting entries from the global logger until ctx ends.
// Returns false when the global logger is not initialized.
func (a *AccidentLog) Attach(ctx context.Context) bool {
	l := NewListener(ctx)
	if l == nil {
		return false
	}
	go func() {
		for {
			event, ok := l.Next()
			if !ok {
				return
			}
			a.Record(event.Payload)
		}
	}()
	return true
}

// Record appends an entry, evicting the oldest once capacity is reached.
func (a *AccidentLog) Record(entry string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.entries) >= a.capacity {
		a.entries = a.entries[1:]
	}
	a.entries = append(a.entries, strings.TrimRight(entry, "\n"))
}

// Len returns the number of buffered entries.
func (a *AccidentLog) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Path returns the file the log flushes to.
func (a *AccidentLog) Path() string {
	return a.path
}

// Flush writes every buffered entry to the accident file, replacing any
// previous content, and clears the buffer.
func (a *AccidentLog) Flush() error {
	a.mu.Lock()
	entries := a.entries
	a.entries = nil
	a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(a.path), 0750); err != nil {
		return fmt.Errorf("create accident log directory: %w", err)
	}

	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(a.path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("write accident log: %w", err)
	}
	return nil
}
