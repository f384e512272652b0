package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"gorm.io/datatypes"

	"github.com/avivais/parking-gate-remote/internal/mqtt"
	"github.com/avivais/parking-gate-remote/internal/store"
)

// onlineWindow is the staleness rule: a device counts as online only if its
// last report was both online and received within this window.
const onlineWindow = 60 * time.Second

const (
	maxDiagEntries = 100
	maxLevelLen    = 16
	maxEventLen    = 64
	maxMessageLen  = 256
)

// Store is the persistence the tracker writes through.
type Store interface {
	UpsertDeviceStatus(ctx context.Context, s *store.DeviceStatus) error
	InsertDiagnosticLog(ctx context.Context, l *store.DeviceDiagnosticLog) error
	ListDeviceStatuses(ctx context.Context) ([]store.DeviceStatus, error)
}

// Cache mirrors store.StatusCache; nil disables caching.
type Cache interface {
	Set(ctx context.Context, deviceID string, payload []byte) error
}

// Tracker ingests asynchronous liveness and diagnostics messages and answers
// "is this device online" with the staleness rule applied at read time.
type Tracker struct {
	store Store
	cache Cache
	now   func() time.Time
}

func NewTracker(s Store, cache Cache) *Tracker {
	return &Tracker{store: s, cache: cache, now: func() time.Time { return time.Now().UTC() }}
}

// Start subscribes the tracker to the device's status and diagnostics topics.
func (t *Tracker) Start(broker mqtt.Broker, statusTopic, diagTopic string) error {
	if err := broker.Subscribe(statusTopic, func(m mqtt.Message) {
		t.IngestStatus(context.Background(), m.Payload())
	}); err != nil {
		return err
	}
	return broker.Subscribe(diagTopic, func(m mqtt.Message) {
		t.IngestDiagnostics(context.Background(), m.Payload())
	})
}

type statusPayload struct {
	DeviceID  string   `json:"deviceId"`
	Online    *bool    `json:"online"`
	UpdatedAt *float64 `json:"updatedAt"`
	RSSI      *float64 `json:"rssi"`
	FwVersion string   `json:"fwVersion"`
}

// IngestStatus validates and upserts one liveness report. Malformed payloads
// are dropped with a warning, never escalated.
func (t *Tracker) IngestStatus(ctx context.Context, payload []byte) {
	var p statusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		slog.Warn("status payload unmarshal failed", "error", err)
		return
	}
	if p.DeviceID == "" || p.Online == nil || p.UpdatedAt == nil {
		slog.Warn("status payload missing required fields", "device_id", p.DeviceID)
		return
	}

	s := &store.DeviceStatus{
		DeviceID:   p.DeviceID,
		Online:     *p.Online,
		ReportedAt: int64(*p.UpdatedAt),
		LastSeenAt: t.now(),
		FwVersion:  p.FwVersion,
		Raw:        datatypes.JSON(append([]byte(nil), payload...)),
	}
	if p.RSSI != nil {
		rssi := int(*p.RSSI)
		s.RSSI = &rssi
	}
	if err := t.store.UpsertDeviceStatus(ctx, s); err != nil {
		slog.Error("device status upsert failed", "device_id", p.DeviceID, "error", err)
		return
	}
	if t.cache != nil {
		if err := t.cache.Set(ctx, p.DeviceID, payload); err != nil {
			slog.Debug("status cache set failed", "device_id", p.DeviceID, "error", err)
		}
	}
	slog.Debug("device status stored", "device_id", p.DeviceID, "online", *p.Online)
}

type diagEntry struct {
	TS      *float64 `json:"ts"`
	Level   string   `json:"level"`
	Event   string   `json:"event"`
	Message string   `json:"message,omitempty"`
}

type diagPayload struct {
	DeviceID  string      `json:"deviceId"`
	FwVersion string      `json:"fwVersion"`
	SessionID string      `json:"sessionId"`
	Entries   []diagEntry `json:"entries"`
}

// IngestDiagnostics validates, filters and caps one diagnostics batch.
// Entries beyond 100 are discarded, oversized fields truncated, and the whole
// message dropped when nothing valid remains.
func (t *Tracker) IngestDiagnostics(ctx context.Context, payload []byte) {
	var p diagPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		slog.Warn("diagnostics payload unmarshal failed", "error", err)
		return
	}
	if p.DeviceID == "" || p.Entries == nil {
		slog.Warn("diagnostics payload missing required fields", "device_id", p.DeviceID)
		return
	}

	kept := make([]diagEntry, 0, min(len(p.Entries), maxDiagEntries))
	for _, e := range p.Entries {
		if len(kept) == maxDiagEntries {
			break
		}
		if e.TS == nil || e.Level == "" || e.Event == "" {
			continue
		}
		e.Level = truncate(e.Level, maxLevelLen)
		e.Event = truncate(e.Event, maxEventLen)
		e.Message = truncate(e.Message, maxMessageLen)
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		slog.Warn("diagnostics payload had no valid entries", "device_id", p.DeviceID)
		return
	}

	entriesJSON, err := json.Marshal(kept)
	if err != nil {
		slog.Warn("diagnostics entries marshal failed", "device_id", p.DeviceID, "error", err)
		return
	}
	l := &store.DeviceDiagnosticLog{
		DeviceID:   p.DeviceID,
		ReceivedAt: t.now(),
		SessionID:  p.SessionID,
		FwVersion:  p.FwVersion,
		Entries:    datatypes.JSON(entriesJSON),
	}
	if err := t.store.InsertDiagnosticLog(ctx, l); err != nil {
		slog.Error("diagnostics insert failed", "device_id", p.DeviceID, "error", err)
		return
	}
	slog.Debug("diagnostics stored", "device_id", p.DeviceID, "entries", len(kept))
}

// StatusView is a DeviceStatus with display-level online derived.
type StatusView struct {
	DeviceID   string    `json:"device_id"`
	Online     bool      `json:"online"`
	ReportedAt int64     `json:"updated_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	RSSI       *int      `json:"rssi,omitempty"`
	FwVersion  string    `json:"fw_version,omitempty"`
}

// ListStatuses applies the staleness rule at read time so a device that goes
// silent reports offline without an active timer.
func (t *Tracker) ListStatuses(ctx context.Context) ([]StatusView, error) {
	statuses, err := t.store.ListDeviceStatuses(ctx)
	if err != nil {
		return nil, err
	}
	now := t.now()
	views := make([]StatusView, 0, len(statuses))
	for _, s := range statuses {
		views = append(views, StatusView{
			DeviceID:   s.DeviceID,
			Online:     s.Online && now.Sub(s.LastSeenAt) < onlineWindow,
			ReportedAt: s.ReportedAt,
			LastSeenAt: s.LastSeenAt,
			RSSI:       s.RSSI,
			FwVersion:  s.FwVersion,
		})
	}
	return views, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
