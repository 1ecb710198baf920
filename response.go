package httppool

import (
	"net/http"
)

// Response is the fully-buffered result of a SendRequest call. The
// connection that produced it is already back under pool ownership by the
// time the caller sees it, so the body is captured as bytes rather than
// exposed as a stream.
type Response struct {
	// StatusCode is the numeric HTTP status (200, 404, ...)
	StatusCode int

	// Status is the full status line text ("200 OK")
	Status string

	// Headers are the response headers
	Headers http.Header

	// Body is the complete response body
	Body []byte
}

// OK reports whether the status code is in the 2xx range.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
