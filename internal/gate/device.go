package gate

import (
	"context"
	"errors"
	"time"
)

// CallMetadata describes how a single OpenGate call went. It is attached to
// every audit row and is purely observational.
type CallMetadata struct {
	Attempted bool `json:"attempted"`
	TimedOut  bool `json:"timeout"`
	Retries   int  `json:"retries"`
}

// Device is the gate actuator contract. Exactly one implementation is picked
// at startup: StubDevice when no physical transport is configured, MQTTDevice
// otherwise.
type Device interface {
	OpenGate(ctx context.Context, requestID, userID string) (CallMetadata, error)
}

// RetryPolicy is the shared attempt budget for both device variants.
type RetryPolicy struct {
	Timeout    time.Duration
	RetryCount int
	RetryDelay time.Duration
}

// runAttempts drives the retry loop both device variants share: up to
// RetryCount+1 attempts, a RetryDelay sleep before each retry, timeout as a
// terminal outcome. attempt performs one call and returns nil, ErrTimeout, or
// a retryable error.
func runAttempts(ctx context.Context, policy RetryPolicy, meta *CallMetadata, attempt func(context.Context) error) error {
	meta.Attempted = true

	var lastErr error
	for n := 0; n <= policy.RetryCount; n++ {
		if n > 0 {
			meta.Retries = n
			select {
			case <-time.After(policy.RetryDelay):
			case <-ctx.Done():
				return errors.Join(ErrTransport, ctx.Err())
			}
		}

		err := attempt(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, ErrTimeout) {
			meta.TimedOut = true
			return err
		}
		// Retryable failure; loop if attempts remain.
	}

	if lastErr != nil && !errors.Is(lastErr, ErrTransport) {
		return errors.Join(ErrTransport, lastErr)
	}
	if lastErr != nil {
		return lastErr
	}
	return ErrTransport
}
