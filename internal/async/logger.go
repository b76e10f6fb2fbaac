package async

import (
	"bytes"
	"strings"
	"sync"

	"github.com/mobilipia/build-tools/internal/log"
)

// Logger forwards log records from a running task to its controller as log
// events. Run attaches it to the task context, so log.Ctx(ctx) inside a task
// reaches the controller while other goroutines keep the global logger.
type Logger struct {
	call *Call
}

// Logger returns the log bridge for c.
func (c *Call) Logger() *Logger {
	return &Logger{call: c}
}

// Log implements log.Sink. Once the call is interrupted or closed the record
// falls back to the global logger instead of being lost.
func (l *Logger) Log(level log.Level, cat log.Category, msg string, fields ...any) {
	_, err := l.call.Emit(EventLog, Fields{
		"level":    level.String(),
		"category": string(cat),
		"message":  log.FormatFields(msg, fields...),
	})
	if err != nil {
		log.Log(level, cat, msg, append(fields, "call", l.call.id)...)
	}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, fields ...any) { l.Log(log.LevelDebug, log.CatTask, msg, fields...) }

// Info logs at info level.
func (l *Logger) Info(msg string, fields ...any) { l.Log(log.LevelInfo, log.CatTask, msg, fields...) }

// Warn logs at warning level.
func (l *Logger) Warn(msg string, fields ...any) { l.Log(log.LevelWarn, log.CatTask, msg, fields...) }

// Error logs at error level.
func (l *Logger) Error(msg string, fields ...any) { l.Log(log.LevelError, log.CatTask, msg, fields...) }

// Writer returns an io.Writer that emits one log event per complete line at
// level. Useful for capturing subprocess output.
func (l *Logger) Writer(level log.Level) *LineWriter {
	return &LineWriter{logger: l, level: level}
}

// LineWriter splits written bytes into lines and logs each one.
type LineWriter struct {
	logger *Logger
	level  log.Level

	mu  sync.Mutex
	buf bytes.Buffer
}

// Write buffers p and logs every complete line.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Incomplete line; keep it for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.emit(line)
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *LineWriter) emit(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}
	w.logger.Log(w.level, log.CatTask, line)
}
