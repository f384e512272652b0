package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/avivais/parking-gate-remote/internal/config"
)

// ErrRequestExists signals the replay guard's uniqueness violation: the
// request id was already registered within the TTL window.
var ErrRequestExists = errors.New("gate request already registered")

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(cfg config.DBConfig) (*gorm.DB, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		cfg.Host, cfg.User, cfg.Password, cfg.DBName, cfg.Port, sslMode)
	return gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
}

// New migrates the schema. The db must be opened with TranslateError so
// unique violations surface as gorm.ErrDuplicatedKey.
func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(&GateRequest{}, &GateLog{}, &DeviceStatus{}, &DeviceDiagnosticLog{}); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

// RegisterRequest inserts the replay-guard row for requestID. Duplicate
// detection rides on the unique index, not a read-then-write, so two
// concurrent calls for the same id cannot both pass.
func (r *Repo) RegisterRequest(ctx context.Context, requestID, userID string) error {
	req := &GateRequest{RequestID: requestID, UserID: userID, CreatedAt: time.Now().UTC()}
	err := r.db.WithContext(ctx).Create(req).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s", ErrRequestExists, requestID)
	}
	return err
}

// DeleteExpiredRequests removes replay-guard rows older than ttl.
func (r *Repo) DeleteExpiredRequests(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	res := r.db.WithContext(ctx).
		Where(clause.Lt{Column: clause.Column{Name: "created_at"}, Value: cutoff}).
		Delete(&GateRequest{})
	return res.RowsAffected, res.Error
}

// RunRequestReaper periodically expires replay-guard rows until ctx is done.
// The guard itself never needs an explicit cleanup call.
func (r *Repo) RunRequestReaper(ctx context.Context, ttl time.Duration) {
	interval := ttl / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.DeleteExpiredRequests(ctx, ttl)
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("request reaper delete failed", "error", err)
				}
				continue
			}
			if n > 0 {
				slog.Debug("expired gate requests reaped", "count", n)
			}
		}
	}
}

func (r *Repo) InsertGateLog(ctx context.Context, l *GateLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(l).Error
}

type LogPage struct {
	Logs       []GateLog `json:"logs"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

// ListGateLogs returns audit rows newest first with keyset pagination.
func (r *Repo) ListGateLogs(ctx context.Context, limit int, cursor *Cursor) (LogPage, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	q := r.db.WithContext(ctx).Model(&GateLog{})
	if cursor != nil {
		q = q.Clauses(clause.Where{Exprs: []clause.Expression{clause.Or(
			clause.Lt{Column: clause.Column{Name: "created_at"}, Value: cursor.TS},
			clause.And(
				clause.Eq{Column: clause.Column{Name: "created_at"}, Value: cursor.TS},
				clause.Lt{Column: clause.Column{Name: "id"}, Value: cursor.ID},
			),
		)}})
	}
	q = q.Clauses(clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: "created_at"}, Desc: true},
		{Column: clause.Column{Name: "id"}, Desc: true},
	}}).Limit(limit + 1)

	var rows []GateLog
	if err := q.Find(&rows).Error; err != nil {
		return LogPage{}, err
	}

	page := LogPage{}
	if len(rows) > limit {
		last := rows[limit-1]
		page.NextCursor = EncodeCursor(Cursor{TS: last.CreatedAt, ID: last.ID})
		rows = rows[:limit]
	}
	page.Logs = rows
	return page, nil
}

// UpsertDeviceStatus inserts or refreshes the status row keyed by device id.
func (r *Repo) UpsertDeviceStatus(ctx context.Context, s *DeviceStatus) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"online", "reported_at", "last_seen_at", "rssi", "fw_version", "raw", "updated_at"}),
	}).Create(s).Error
}

func (r *Repo) ListDeviceStatuses(ctx context.Context) ([]DeviceStatus, error) {
	var statuses []DeviceStatus
	err := r.db.WithContext(ctx).
		Clauses(clause.OrderBy{Columns: []clause.OrderByColumn{{Column: clause.Column{Name: "last_seen_at"}, Desc: true}}}).
		Find(&statuses).Error
	return statuses, err
}

func (r *Repo) InsertDiagnosticLog(ctx context.Context, l *DeviceDiagnosticLog) error {
	if l.ReceivedAt.IsZero() {
		l.ReceivedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(l).Error
}

type DiagnosticPage struct {
	Diagnostics []DeviceDiagnosticLog `json:"diagnostics"`
	NextCursor  string                `json:"next_cursor,omitempty"`
}

// ListDiagnosticLogs returns diagnostics batches for one device, newest first.
func (r *Repo) ListDiagnosticLogs(ctx context.Context, deviceID string, limit int, cursor *Cursor) (DiagnosticPage, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	exprs := []clause.Expression{
		clause.Eq{Column: clause.Column{Name: "device_id"}, Value: deviceID},
	}
	if cursor != nil {
		exprs = append(exprs, clause.Or(
			clause.Lt{Column: clause.Column{Name: "received_at"}, Value: cursor.TS},
			clause.And(
				clause.Eq{Column: clause.Column{Name: "received_at"}, Value: cursor.TS},
				clause.Lt{Column: clause.Column{Name: "id"}, Value: cursor.ID},
			),
		))
	}

	q := r.db.WithContext(ctx).Model(&DeviceDiagnosticLog{}).
		Clauses(clause.Where{Exprs: exprs}, clause.OrderBy{Columns: []clause.OrderByColumn{
			{Column: clause.Column{Name: "received_at"}, Desc: true},
			{Column: clause.Column{Name: "id"}, Desc: true},
		}}).
		Limit(limit + 1)

	var rows []DeviceDiagnosticLog
	if err := q.Find(&rows).Error; err != nil {
		return DiagnosticPage{}, err
	}

	page := DiagnosticPage{}
	if len(rows) > limit {
		last := rows[limit-1]
		page.NextCursor = EncodeCursor(Cursor{TS: last.ReceivedAt, ID: last.ID})
		rows = rows[:limit]
	}
	page.Diagnostics = rows
	return page, nil
}
