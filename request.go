package httppool

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/samber/oops"
)

// RequestSpec describes one outbound request. Method and path are
// required; everything else is optional. It follows the builder pattern
// for optional configuration and validation.
type RequestSpec struct {
	// Method is the HTTP method (GET, POST, ...)
	Method string

	// Path is the request path relative to the destination, starting
	// with "/". Query strings are allowed.
	Path string

	// Headers are merged over the manager's default headers;
	// per-request values take precedence.
	Headers http.Header

	// Body is the optional request body.
	Body []byte

	// Timeout overrides the manager's request timeout when positive.
	Timeout time.Duration
}

// NewRequestSpec creates a RequestSpec for the given method and path.
func NewRequestSpec(method, path string) *RequestSpec {
	return &RequestSpec{
		Method:  method,
		Path:    path,
		Headers: make(http.Header),
	}
}

// WithHeader sets a per-request header.
func (r *RequestSpec) WithHeader(name, value string) *RequestSpec {
	if r.Headers == nil {
		r.Headers = make(http.Header)
	}
	r.Headers.Set(name, value)
	return r
}

// WithBody sets the request body.
func (r *RequestSpec) WithBody(body []byte) *RequestSpec {
	r.Body = make([]byte, len(body))
	copy(r.Body, body)
	return r
}

// WithTimeout overrides the manager's request timeout for this request.
func (r *RequestSpec) WithTimeout(timeout time.Duration) *RequestSpec {
	r.Timeout = timeout
	return r
}

// Validate checks if the request spec is well-formed.
// Returns an error with context if validation fails.
func (r *RequestSpec) Validate() error {
	if r.Method == "" {
		return oops.
			Code(CodeInvalidRequest).
			In("httppool").
			Errorf("request method is required")
	}

	if strings.ContainsAny(r.Method, " \t\r\n") {
		return oops.
			Code(CodeInvalidRequest).
			In("httppool").
			With("method", r.Method).
			Errorf("request method contains whitespace")
	}

	if r.Path == "" || !strings.HasPrefix(r.Path, "/") {
		return oops.
			Code(CodeInvalidRequest).
			In("httppool").
			With("path", r.Path).
			Errorf("request path must start with /")
	}

	if r.Timeout < 0 {
		return oops.
			Code(CodeInvalidRequest).
			In("httppool").
			With("timeout", r.Timeout).
			Errorf("request timeout must be non-negative")
	}

	return nil
}

// buildHTTPRequest assembles the wire-level request for a destination,
// merging spec headers over the manager defaults.
func (r *RequestSpec) buildHTTPRequest(dest *Destination, defaults http.Header) (*http.Request, error) {
	u, err := url.Parse(r.Path)
	if err != nil {
		return nil, oops.
			Code(CodeInvalidRequest).
			In("httppool").
			With("path", r.Path).
			Wrapf(err, "failed to parse request path")
	}
	u.Scheme = dest.Scheme()
	u.Host = dest.hostPort()

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequest(r.Method, u.String(), body)
	if err != nil {
		return nil, oops.
			Code(CodeInvalidRequest).
			In("httppool").
			With("method", r.Method).
			With("path", r.Path).
			Wrapf(err, "failed to build request")
	}

	for name, values := range defaults {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	for name, values := range r.Headers {
		req.Header.Del(name)
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	return req, nil
}
