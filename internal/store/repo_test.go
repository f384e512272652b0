package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openTestRepo(t *testing.T) *Repo {
	t.Helper()
	// Use a unique in-memory DB per test to avoid cross-test contamination.
	dsn := "file:store_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func TestRegisterRequestDuplicate(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	if err := repo.RegisterRequest(ctx, "req-1", "user-1"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := repo.RegisterRequest(ctx, "req-1", "user-2")
	if !errors.Is(err, ErrRequestExists) {
		t.Fatalf("expected ErrRequestExists, got %v", err)
	}
	// A different id still goes through.
	if err := repo.RegisterRequest(ctx, "req-2", "user-1"); err != nil {
		t.Fatalf("second id register: %v", err)
	}
}

func TestDeleteExpiredRequests(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	old := &GateRequest{RequestID: "req-old", UserID: "user-1", CreatedAt: time.Now().UTC().Add(-time.Minute)}
	if err := repo.db.Create(old).Error; err != nil {
		t.Fatalf("insert old: %v", err)
	}
	if err := repo.RegisterRequest(ctx, "req-fresh", "user-1"); err != nil {
		t.Fatalf("register fresh: %v", err)
	}

	n, err := repo.DeleteExpiredRequests(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reaped row, got %d", n)
	}

	// The expired id is usable again, the fresh one still blocked.
	if err := repo.RegisterRequest(ctx, "req-old", "user-1"); err != nil {
		t.Fatalf("re-register reaped id: %v", err)
	}
	if err := repo.RegisterRequest(ctx, "req-fresh", "user-1"); !errors.Is(err, ErrRequestExists) {
		t.Fatalf("expected ErrRequestExists for fresh id, got %v", err)
	}
}

func TestListGateLogsCursorDesc(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	// Two rows share a timestamp to exercise (ts,id) ordering.
	l1 := &GateLog{ID: uuid.New(), RequestID: "r1", UserID: "u", Status: StatusSuccess, CreatedAt: base.Add(1 * time.Second)}
	l2 := &GateLog{ID: uuid.New(), RequestID: "r2", UserID: "u", Status: StatusSuccess, CreatedAt: base.Add(2 * time.Second)}
	l3 := &GateLog{ID: uuid.New(), RequestID: "r3", UserID: "u", Status: StatusFailed, CreatedAt: base.Add(2 * time.Second)}
	if l3.ID.String() < l2.ID.String() {
		l2, l3 = l3, l2
	}
	for _, l := range []*GateLog{l1, l2, l3} {
		if err := repo.InsertGateLog(ctx, l); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	page1, err := repo.ListGateLogs(ctx, 2, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page1.Logs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(page1.Logs))
	}
	if page1.Logs[0].RequestID != l3.RequestID {
		t.Fatalf("expected newest first, got %s", page1.Logs[0].RequestID)
	}
	if page1.NextCursor == "" {
		t.Fatalf("expected next_cursor")
	}

	cur, err := DecodeCursor(page1.NextCursor)
	if err != nil {
		t.Fatalf("decode cursor: %v", err)
	}
	page2, err := repo.ListGateLogs(ctx, 2, cur)
	if err != nil {
		t.Fatalf("list page2: %v", err)
	}
	if len(page2.Logs) != 1 {
		t.Fatalf("expected 1 log, got %d", len(page2.Logs))
	}
	if page2.Logs[0].RequestID != "r1" {
		t.Fatalf("expected r1 last, got %s", page2.Logs[0].RequestID)
	}
	if page2.NextCursor != "" {
		t.Fatalf("did not expect next_cursor")
	}
}

func TestUpsertDeviceStatus(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	seen := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	first := &DeviceStatus{DeviceID: "gate-mcu-1", Online: true, ReportedAt: 1000, LastSeenAt: seen, FwVersion: "1.0.0"}
	if err := repo.UpsertDeviceStatus(ctx, first); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rssi := -61
	second := &DeviceStatus{DeviceID: "gate-mcu-1", Online: false, ReportedAt: 2000, LastSeenAt: seen.Add(time.Minute), RSSI: &rssi, FwVersion: "1.0.1"}
	if err := repo.UpsertDeviceStatus(ctx, second); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	statuses, err := repo.ListDeviceStatuses(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("expected 1 status row, got %d", len(statuses))
	}
	got := statuses[0]
	if got.Online || got.ReportedAt != 2000 || got.FwVersion != "1.0.1" {
		t.Fatalf("row not refreshed: %+v", got)
	}
	if got.RSSI == nil || *got.RSSI != -61 {
		t.Fatalf("rssi not refreshed: %+v", got.RSSI)
	}
}

func TestListDiagnosticLogsFiltersByDevice(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, deviceID := range []string{"gate-mcu-1", "gate-mcu-1", "gate-mcu-2"} {
		l := &DeviceDiagnosticLog{
			DeviceID:   deviceID,
			Entries:    datatypes.JSON(`[{"level":"info","event":"boot"}]`),
			ReceivedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := repo.InsertDiagnosticLog(ctx, l); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	page, err := repo.ListDiagnosticLogs(ctx, "gate-mcu-1", 10, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Diagnostics) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(page.Diagnostics))
	}
	for _, d := range page.Diagnostics {
		if d.DeviceID != "gate-mcu-1" {
			t.Fatalf("foreign device row leaked: %s", d.DeviceID)
		}
	}
}
