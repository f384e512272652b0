package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avivais/parking-gate-remote/internal/observability"
	"github.com/avivais/parking-gate-remote/internal/store"
)

// AuditStore is the persistence the dispatch path needs: the replay-guard
// insert and the audit-log write.
type AuditStore interface {
	RegisterRequest(ctx context.Context, requestID, userID string) error
	InsertGateLog(ctx context.Context, l *store.GateLog) error
}

// OpenParams carries everything one open attempt knows about its caller.
type OpenParams struct {
	RequestID string
	UserID    string
	Email     string
	DeviceID  string
	SessionID string
	IP        string
	UserAgent string
	OpenedBy  string
}

// Service is the gate dispatch entry point: replay guard, device call,
// audit logging. One instance serves all concurrent open requests.
type Service struct {
	store  AuditStore
	device Device
}

func NewService(auditStore AuditStore, device Device) *Service {
	return &Service{store: auditStore, device: device}
}

// Open performs one logical gate-open attempt. It returns nil on success or
// one of ErrDuplicateRequest, ErrTransport, ErrTimeout. Exactly one audit row
// is written per call, on every exit path.
func (s *Service) Open(ctx context.Context, p OpenParams) error {
	start := time.Now()
	status := store.StatusFailed
	failureReason := ""
	var meta CallMetadata
	defer func() {
		s.writeLog(p, status, failureReason, meta, time.Since(start))
	}()

	if err := s.store.RegisterRequest(ctx, p.RequestID, p.UserID); err != nil {
		if errors.Is(err, store.ErrRequestExists) {
			status = store.StatusBlockedReplay
			failureReason = "duplicate request id"
			slog.Warn("gate open blocked by replay guard", "request_id", p.RequestID, "user_id", p.UserID)
			return fmt.Errorf("%w: %s", ErrDuplicateRequest, p.RequestID)
		}
		failureReason = "replay guard unavailable"
		slog.Error("replay guard insert failed", "request_id", p.RequestID, "error", err)
		return fmt.Errorf("%w: replay guard: %w", ErrTransport, err)
	}

	var err error
	meta, err = s.device.OpenGate(ctx, p.RequestID, p.UserID)
	if err != nil {
		failureReason = err.Error()
		return err
	}

	status = store.StatusSuccess
	return nil
}

// LogBlocked records an attempt that was rejected before dispatch, e.g. by
// the rate limiter. The device is never touched, so metadata stays zeroed.
func (s *Service) LogBlocked(p OpenParams, status, reason string) {
	s.writeLog(p, status, reason, CallMetadata{}, 0)
}

// writeLog is best-effort telemetry: a failed write is logged and discarded,
// never surfaced to the caller.
func (s *Service) writeLog(p OpenParams, status, failureReason string, meta CallMetadata, elapsed time.Duration) {
	observability.RecordGateOpen(status, elapsed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entry := &store.GateLog{
		RequestID:     p.RequestID,
		UserID:        p.UserID,
		Email:         p.Email,
		DeviceID:      p.DeviceID,
		SessionID:     p.SessionID,
		IP:            p.IP,
		UserAgent:     p.UserAgent,
		OpenedBy:      p.OpenedBy,
		Status:        status,
		FailureReason: failureReason,
		DurationMs:    elapsed.Milliseconds(),
		McuAttempted:  meta.Attempted,
		McuTimedOut:   meta.TimedOut,
		McuRetries:    meta.Retries,
	}
	if err := s.store.InsertGateLog(ctx, entry); err != nil {
		slog.Warn("gate log write failed", "request_id", p.RequestID, "status", status, "error", err)
	}
}
