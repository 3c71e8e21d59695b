package relay

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUpstreamTransport marks a failure before any upstream response was
// received. The caller may retry on a different account.
var ErrUpstreamTransport = errors.New("relay: upstream transport failure")

// ErrStreamIdle marks a streaming relay that saw no upstream bytes for
// longer than the idle timeout.
var ErrStreamIdle = errors.New("relay: stream idle timeout")

// UpstreamError carries a non-2xx upstream response for pass-through.
type UpstreamError struct {
	Status int
	Body   []byte
	Header http.Header
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("relay: upstream status %d", e.Status)
}

// StatusCode returns the upstream HTTP status.
func (e *UpstreamError) StatusCode() int {
	return e.Status
}

// Headers returns the upstream response headers worth forwarding.
func (e *UpstreamError) Headers() http.Header {
	headers := make(http.Header)
	if e.Header != nil {
		if ct := e.Header.Get("Content-Type"); ct != "" {
			headers.Set("Content-Type", ct)
		}
		if ra := e.Header.Get("Retry-After"); ra != "" {
			headers.Set("Retry-After", ra)
		}
	}
	return headers
}
