package httppool

import (
	"github.com/samber/oops"
)

// Error codes carried on every error the manager surfaces. Callers match
// on the code rather than the message.
const (
	// CodeConnectionError marks a failure to establish transport
	// (resolution failure, refused connection).
	CodeConnectionError = "CONNECTION_ERROR"

	// CodeTimeoutError marks establishment or a full request exceeding
	// its configured bound.
	CodeTimeoutError = "TIMEOUT_ERROR"

	// CodeTransportError marks a connection severed after it was
	// established, including caller cancellation mid-transfer.
	CodeTransportError = "TRANSPORT_ERROR"

	// CodeInvalidRequest marks a malformed request spec or destination
	// supplied by the caller.
	CodeInvalidRequest = "INVALID_REQUEST"
)

// errCode extracts the structured code from an error, or "" if the error
// carries none.
func errCode(err error) string {
	if err == nil {
		return ""
	}
	if oopsErr, ok := oops.AsOops(err); ok {
		return oopsErr.Code()
	}
	return ""
}

// IsConnectionError reports whether err is a transport establishment failure.
func IsConnectionError(err error) bool {
	return errCode(err) == CodeConnectionError
}

// IsTimeoutError reports whether err is a timeout.
func IsTimeoutError(err error) bool {
	return errCode(err) == CodeTimeoutError
}

// IsTransportError reports whether err is a mid-transfer failure.
func IsTransportError(err error) bool {
	return errCode(err) == CodeTransportError
}

// IsInvalidRequestError reports whether err is caller-supplied malformed input.
func IsInvalidRequestError(err error) bool {
	return errCode(err) == CodeInvalidRequest
}
