package log

import "context"

// Sink receives log records in place of the global logger.
type Sink interface {
	Log(level Level, cat Category, msg string, fields ...any)
}

type sinkKey struct{}

// WithSink returns a context whose Ctx logger sends records to sink.
// Only code holding the returned context is affected; other goroutines keep
// logging to the global logger.
func WithSink(ctx context.Context, sink Sink) context.Context {
	return context.WithValue(ctx, sinkKey{}, sink)
}

// SinkFrom returns the sink attached to ctx, if any.
func SinkFrom(ctx context.Context) (Sink, bool) {
	if ctx == nil {
		return nil, false
	}
	s, ok := ctx.Value(sinkKey{}).(Sink)
	return s, ok && s != nil
}

// Scoped logs to the sink carried by a context, or to the global logger.
type Scoped struct {
	sink Sink
}

// Ctx returns a logger bound to ctx.
func Ctx(ctx context.Context) Scoped {
	s, _ := SinkFrom(ctx)
	return Scoped{sink: s}
}

func (s Scoped) log(level Level, cat Category, msg string, fields ...any) {
	if s.sink != nil {
		s.sink.Log(level, cat, msg, fields...)
		return
	}
	Log(level, cat, msg, fields...)
}

// Debug logs at debug level.
func (s Scoped) Debug(cat Category, msg string, fields ...any) {
	s.log(LevelDebug, cat, msg, fields...)
}

// Info logs at info level.
func (s Scoped) Info(cat Category, msg string, fields ...any) {
	s.log(LevelInfo, cat, msg, fields...)
}

// Warn logs at warning level.
func (s Scoped) Warn(cat Category, msg string, fields ...any) {
	s.log(LevelWarn, cat, msg, fields...)
}

// Error logs at error level.
func (s Scoped) Error(cat Category, msg string, fields ...any) {
	s.log(LevelError, cat, msg, fields...)
}

// ErrorErr logs an error with the error value.
func (s Scoped) ErrorErr(cat Category, msg string, err error, fields ...any) {
	s.log(LevelError, cat, msg, withErr(fields, err)...)
}
