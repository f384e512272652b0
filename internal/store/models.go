package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GateRequest is the replay-guard record: one row per accepted request id.
// Rows are short-lived; the reaper deletes anything older than the TTL.
type GateRequest struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	RequestID string    `gorm:"uniqueIndex;not null" json:"request_id"`
	UserID    string    `gorm:"not null" json:"user_id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (r *GateRequest) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

const (
	OpenedByUser          = "user"
	OpenedByAdminBackdoor = "admin-backdoor"

	StatusSuccess          = "success"
	StatusFailed           = "failed"
	StatusBlockedRateLimit = "blocked_rate_limit"
	StatusBlockedReplay    = "blocked_replay"
)

// GateLog is the immutable audit record, one per dispatch attempt.
type GateLog struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	RequestID     string    `gorm:"index" json:"request_id"`
	UserID        string    `json:"user_id,omitempty"`
	Email         string    `json:"email,omitempty"`
	DeviceID      string    `json:"device_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	IP            string    `json:"ip,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
	OpenedBy      string    `gorm:"not null" json:"opened_by"`
	Status        string    `gorm:"index;not null" json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
	McuAttempted  bool      `json:"mcu_attempted"`
	McuTimedOut   bool      `json:"mcu_timeout"`
	McuRetries    int       `json:"mcu_retries"`
	CreatedAt     time.Time `gorm:"index:idx_gate_logs_created_id,priority:1" json:"created_at"`
}

func (l *GateLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

// DeviceStatus is the last liveness report per device. ReportedAt is the
// device's own clock (epoch ms); LastSeenAt is when the server received the
// message. Display-level "online" derives from both at read time.
type DeviceStatus struct {
	DeviceID   string         `gorm:"primaryKey" json:"device_id"`
	Online     bool           `json:"online"`
	ReportedAt int64          `json:"updated_at"`
	LastSeenAt time.Time      `gorm:"index" json:"last_seen_at"`
	RSSI       *int           `json:"rssi,omitempty"`
	FwVersion  string         `json:"fw_version,omitempty"`
	Raw        datatypes.JSON `gorm:"type:jsonb" json:"raw,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"-"`
}

// DeviceDiagnosticLog is one diagnostics batch as received from a device,
// entries already filtered and capped by the ingest path.
type DeviceDiagnosticLog struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	DeviceID   string         `gorm:"index:idx_diag_device_received,priority:1" json:"device_id"`
	ReceivedAt time.Time      `gorm:"index:idx_diag_device_received,priority:2" json:"received_at"`
	SessionID  string         `json:"session_id,omitempty"`
	FwVersion  string         `json:"fw_version,omitempty"`
	Entries    datatypes.JSON `gorm:"type:jsonb" json:"entries"`
}

func (l *DeviceDiagnosticLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
