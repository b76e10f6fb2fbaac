package async

import "context"

type callKey struct{}

// WithCall returns a context carrying call. Run installs the call into the
// task's context; it is valid for the lifetime of that task.
func WithCall(ctx context.Context, call *Call) context.Context {
	return context.WithValue(ctx, callKey{}, call)
}

// FromContext returns the Call running the current task, if any.
func FromContext(ctx context.Context) (*Call, bool) {
	if ctx == nil {
		return nil, false
	}
	c, ok := ctx.Value(callKey{}).(*Call)
	return c, ok && c != nil
}
