package remote

import "fmt"

// RequestError is a failed call to the build API. Server-side rejections are
// expected failures; their body is kept for the error event.
type RequestError struct {
	Method  string
	URL     string
	Status  int // 0 when no response arrived
	Message string
	Errors  any // field errors reported by the server, if any
	Content string
}

func (e *RequestError) Error() string { return e.Message }

// Expected reports true: the user can act on what the server said.
func (e *RequestError) Expected() bool { return true }

// Extra adds the server response to the error event.
func (e *RequestError) Extra() map[string]any {
	extra := map[string]any{"content": e.Content}
	if e.Errors != nil {
		extra["errors"] = e.Errors
	}
	if e.Status != 0 {
		extra["status"] = e.Status
	}
	return extra
}

// UpdateRequiredError is returned by CheckVersion when the server no longer
// accepts this version of the tools.
type UpdateRequiredError struct {
	Version string
	Message string
}

func (e *UpdateRequiredError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("forge %s must be updated: %s", e.Version, e.Message)
	}
	return fmt.Sprintf("forge %s must be updated before it can be used", e.Version)
}

// Expected reports true.
func (e *UpdateRequiredError) Expected() bool { return true }
