package domain

import "errors"

var (
	// ErrAuthentication means the nonce was missing or rejected.
	ErrAuthentication = errors.New("authentication failed")
	// ErrTransport means an outbound call failed or returned an unusable response.
	ErrTransport = errors.New("transport failure")
	// ErrMalformedPayload means a required field was missing or unparseable.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrNotFound means a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
)

// ErrorKind returns the wire name for the error's kind.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthentication):
		return "authentication_error"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, ErrTransport):
		return "transport_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal_error"
	}
}
