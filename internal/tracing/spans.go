package tracing

// Span attribute keys.
const (
	// Call attributes
	AttrCallID     = "call.id"
	AttrCallName   = "call.name"
	AttrCallStatus = "call.status"

	// Event attributes
	AttrEventType  = "event.type"
	AttrEventID    = "event.id"
	AttrEventLevel = "event.level"
	AttrFraction   = "progress.fraction"

	// Remote attributes
	AttrHTTPMethod = "http.method"
	AttrHTTPPath   = "http.path"
	AttrHTTPStatus = "http.status_code"

	// Error attributes
	AttrErrorMessage  = "error.message"
	AttrErrorType     = "error.type"
	AttrErrorExpected = "error.expected"
)

// Span name prefixes.
const (
	SpanPrefixCall   = "call."
	SpanPrefixRemote = "remote."
)
