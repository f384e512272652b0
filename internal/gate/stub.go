package gate

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// StubDevice simulates the MCU for environments without real hardware: a
// random 100-500ms call latency and an occasional communication failure.
// It runs the same retry loop as the MQTT-backed device so configuration
// behaves identically in both modes.
type StubDevice struct {
	Policy      RetryPolicy
	FailureRate float64
	MinLatency  time.Duration
	MaxLatency  time.Duration
}

func NewStubDevice(policy RetryPolicy, failureRate float64) *StubDevice {
	return &StubDevice{
		Policy:      policy,
		FailureRate: failureRate,
		MinLatency:  100 * time.Millisecond,
		MaxLatency:  500 * time.Millisecond,
	}
}

func (d *StubDevice) OpenGate(ctx context.Context, requestID, userID string) (CallMetadata, error) {
	meta := CallMetadata{}
	err := runAttempts(ctx, d.Policy, &meta, d.simulateCall)
	if err != nil {
		slog.Warn("stub gate call failed", "request_id", requestID, "user_id", userID, "retries", meta.Retries, "error", err)
		return meta, err
	}
	slog.Info("stub gate opened", "request_id", requestID, "user_id", userID, "retries", meta.Retries)
	return meta, nil
}

func (d *StubDevice) simulateCall(ctx context.Context) error {
	latency := d.MinLatency
	if d.MaxLatency > d.MinLatency {
		latency += time.Duration(rand.Int63n(int64(d.MaxLatency - d.MinLatency)))
	}
	if latency > d.Policy.Timeout {
		// The simulated device took longer than the call budget allows.
		select {
		case <-time.After(d.Policy.Timeout):
			return ErrTimeout
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrTransport, ctx.Err())
		}
	}
	select {
	case <-time.After(latency):
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTransport, ctx.Err())
	}
	if d.FailureRate > 0 && rand.Float64() < d.FailureRate {
		return fmt.Errorf("%w: simulated mcu failure", ErrTransport)
	}
	return nil
}
