package httppool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestSpec(t *testing.T) {
	spec := NewRequestSpec("GET", "/things")

	assert.Equal(t, "GET", spec.Method)
	assert.Equal(t, "/things", spec.Path)
	assert.NotNil(t, spec.Headers)
	assert.Nil(t, spec.Body)
	assert.Zero(t, spec.Timeout)
}

func TestRequestSpecBuilder(t *testing.T) {
	body := []byte("payload")
	spec := NewRequestSpec("POST", "/ingest").
		WithHeader("Content-Type", "text/plain").
		WithBody(body).
		WithTimeout(2 * time.Second)

	assert.Equal(t, "text/plain", spec.Headers.Get("Content-Type"))
	assert.Equal(t, "payload", string(spec.Body))
	assert.Equal(t, 2*time.Second, spec.Timeout)

	// WithBody copies; mutating the original must not leak into the spec
	body[0] = 'X'
	assert.Equal(t, "payload", string(spec.Body))
}

func TestRequestSpecValidate(t *testing.T) {
	tests := []struct {
		name        string
		spec        *RequestSpec
		shouldError bool
	}{
		{
			name: "valid GET",
			spec: NewRequestSpec("GET", "/"),
		},
		{
			name: "valid with query",
			spec: NewRequestSpec("GET", "/search?q=x"),
		},
		{
			name:        "empty method",
			spec:        NewRequestSpec("", "/"),
			shouldError: true,
		},
		{
			name:        "method with whitespace",
			spec:        NewRequestSpec("GET X", "/"),
			shouldError: true,
		},
		{
			name:        "empty path",
			spec:        NewRequestSpec("GET", ""),
			shouldError: true,
		},
		{
			name:        "relative path",
			spec:        NewRequestSpec("GET", "things"),
			shouldError: true,
		},
		{
			name:        "negative timeout",
			spec:        NewRequestSpec("GET", "/").WithTimeout(-time.Second),
			shouldError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()

			if tt.shouldError {
				require.Error(t, err)
				assert.True(t, IsInvalidRequestError(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestBuildHTTPRequest(t *testing.T) {
	dest, err := NewDestination("http", "api.example.com", 8080)
	require.NoError(t, err)

	defaults := NewManagerConfig(dest).
		WithDefaultHeader("Accept", "application/json").
		WithDefaultHeader("User-Agent", "default").
		DefaultHeaders

	spec := NewRequestSpec("PUT", "/v1/items?dry=1").
		WithHeader("User-Agent", "special").
		WithBody([]byte("data"))

	req, err := spec.buildHTTPRequest(dest, defaults)
	require.NoError(t, err)

	assert.Equal(t, "PUT", req.Method)
	assert.Equal(t, "api.example.com:8080", req.URL.Host)
	assert.Equal(t, "/v1/items", req.URL.Path)
	assert.Equal(t, "dry=1", req.URL.RawQuery)
	assert.Equal(t, int64(4), req.ContentLength)

	assert.Equal(t, "application/json", req.Header.Get("Accept"), "defaults are carried")
	assert.Equal(t, "special", req.Header.Get("User-Agent"), "spec headers take precedence")
	assert.Len(t, req.Header.Values("User-Agent"), 1, "override replaces, not appends")
}
