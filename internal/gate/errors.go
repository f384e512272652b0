package gate

import "errors"

// The three conditions a caller can distinguish. Everything the device or
// broker throws at us collapses into one of these before leaving the package.
var (
	// ErrDuplicateRequest means the request id was already registered within
	// the replay window. Caller error, never retried.
	ErrDuplicateRequest = errors.New("duplicate gate request")

	// ErrTransport covers broker unreachable, rejected publishes, device-reported
	// errors and exhausted retries. Maps to 502.
	ErrTransport = errors.New("gate device transport failure")

	// ErrTimeout means no ack arrived within the call budget. Never retried:
	// the command may still reach the device, and a retry risks a double open.
	// Maps to 504.
	ErrTimeout = errors.New("gate device timed out")
)
