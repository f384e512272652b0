package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/avivais/parking-gate-remote/internal/gate"
	"github.com/avivais/parking-gate-remote/internal/status"
	"github.com/avivais/parking-gate-remote/internal/store"
)

const (
	testSecret   = "test-secret"
	testAdminKey = "backdoor-key"
)

type scriptedDevice struct {
	meta gate.CallMetadata
	err  error
}

func (d *scriptedDevice) OpenGate(context.Context, string, string) (gate.CallMetadata, error) {
	return d.meta, d.err
}

func newTestServer(t *testing.T, device gate.Device) (*Server, *store.Repo) {
	t.Helper()
	// Use a unique in-memory DB per test to avoid cross-test contamination.
	dsn := "file:httpapi_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if device == nil {
		device = &scriptedDevice{meta: gate.CallMetadata{Attempted: true}}
	}
	svc := gate.NewService(repo, device)
	tracker := status.NewTracker(repo, nil)
	return NewServer(svc, repo, tracker, nil, testSecret, testAdminKey), repo
}

func makeToken(t *testing.T, role string) string {
	t.Helper()
	claims := &Claims{
		Role:      role,
		SessionID: "sess-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doOpen(s *Server, token, requestID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/gate/open", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if requestID != "" {
		req.Header.Set("X-Request-Id", requestID)
	}
	rw := httptest.NewRecorder()
	s.Routes().ServeHTTP(rw, req)
	return rw
}

func TestOpenRequiresToken(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rw := doOpen(s, "", uuid.NewString())
	if rw.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rw.Code)
	}
}

func TestOpenRejectsBadToken(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rw := doOpen(s, "not-a-token", uuid.NewString())
	if rw.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rw.Code)
	}
}

func TestOpenRequiresRequestID(t *testing.T) {
	s, _ := newTestServer(t, nil)
	token := makeToken(t, "resident")

	for _, requestID := range []string{"", "not-a-uuid"} {
		rw := doOpen(s, token, requestID)
		if rw.Code != http.StatusBadRequest {
			t.Fatalf("request id %q: expected 400, got %d", requestID, rw.Code)
		}
	}
}

func TestOpenSuccess(t *testing.T) {
	s, repo := newTestServer(t, nil)
	token := makeToken(t, "resident")
	requestID := uuid.NewString()

	rw := doOpen(s, token, requestID)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rw.Code, rw.Body.String())
	}
	var resp map[string]any
	_ = json.Unmarshal(rw.Body.Bytes(), &resp)
	if resp["success"] != true {
		t.Fatalf("expected success=true, got %v", resp)
	}

	page, err := repo.ListGateLogs(context.Background(), 10, nil)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(page.Logs) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(page.Logs))
	}
	row := page.Logs[0]
	if row.RequestID != requestID || row.UserID != "user-1" || row.OpenedBy != store.OpenedByUser {
		t.Fatalf("audit row wrong: %+v", row)
	}
	if row.Status != store.StatusSuccess {
		t.Fatalf("expected status success, got %s", row.Status)
	}
}

func TestOpenDuplicateConflicts(t *testing.T) {
	s, _ := newTestServer(t, nil)
	token := makeToken(t, "resident")
	requestID := uuid.NewString()

	if rw := doOpen(s, token, requestID); rw.Code != http.StatusOK {
		t.Fatalf("first open: expected 200, got %d", rw.Code)
	}
	rw := doOpen(s, token, requestID)
	if rw.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rw.Code)
	}
}

func TestOpenTimeoutMapsTo504(t *testing.T) {
	device := &scriptedDevice{meta: gate.CallMetadata{Attempted: true, TimedOut: true}, err: gate.ErrTimeout}
	s, _ := newTestServer(t, device)

	rw := doOpen(s, makeToken(t, "resident"), uuid.NewString())
	if rw.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rw.Code)
	}
}

func TestOpenTransportFailureMapsTo502(t *testing.T) {
	device := &scriptedDevice{meta: gate.CallMetadata{Attempted: true}, err: errors.Join(gate.ErrTransport, errors.New("broker down"))}
	s, _ := newTestServer(t, device)

	rw := doOpen(s, makeToken(t, "resident"), uuid.NewString())
	if rw.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rw.Code)
	}
}

func TestAdminOpenKey(t *testing.T) {
	s, repo := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/gate/admin-open?key=wrong", nil)
	rw := httptest.NewRecorder()
	s.Routes().ServeHTTP(rw, req)
	if rw.Code != http.StatusForbidden {
		t.Fatalf("wrong key: expected 403, got %d", rw.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/gate/admin-open?key="+testAdminKey, nil)
	rw = httptest.NewRecorder()
	s.Routes().ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rw.Code, rw.Body.String())
	}

	page, err := repo.ListGateLogs(context.Background(), 10, nil)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(page.Logs) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(page.Logs))
	}
	if page.Logs[0].OpenedBy != store.OpenedByAdminBackdoor {
		t.Fatalf("expected admin-backdoor row, got %+v", page.Logs[0])
	}
}

func TestAdminOpenGeneratesFreshRequestIDs(t *testing.T) {
	s, _ := newTestServer(t, nil)

	// Two back-to-back backdoor calls must both succeed; the replay guard
	// only applies to caller-supplied ids.
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/gate/admin-open?key="+testAdminKey, nil)
		rw := httptest.NewRecorder()
		s.Routes().ServeHTTP(rw, req)
		if rw.Code != http.StatusOK {
			t.Fatalf("call %d: expected 200, got %d", i, rw.Code)
		}
	}
}

func TestListLogsRequiresAdmin(t *testing.T) {
	s, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/gate/logs", nil)
	req.Header.Set("Authorization", "Bearer "+makeToken(t, "resident"))
	rw := httptest.NewRecorder()
	s.Routes().ServeHTTP(rw, req)
	if rw.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rw.Code)
	}
}

func TestListLogsReturnsRows(t *testing.T) {
	s, repo := newTestServer(t, nil)
	if err := repo.InsertGateLog(context.Background(), &store.GateLog{
		RequestID: uuid.NewString(), UserID: "user-1", OpenedBy: store.OpenedByUser, Status: store.StatusSuccess,
	}); err != nil {
		t.Fatalf("insert log: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/gate/logs?limit=10", nil)
	req.Header.Set("Authorization", "Bearer "+makeToken(t, "admin"))
	rw := httptest.NewRecorder()
	s.Routes().ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rw.Code, rw.Body.String())
	}
	var page store.LogPage
	if err := json.Unmarshal(rw.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Logs) != 1 {
		t.Fatalf("expected 1 log, got %d", len(page.Logs))
	}
}

func TestListDevices(t *testing.T) {
	s, repo := newTestServer(t, nil)
	if err := repo.UpsertDeviceStatus(context.Background(), &store.DeviceStatus{
		DeviceID: "gate-mcu-1", Online: true, LastSeenAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("upsert status: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/gate/devices", nil)
	req.Header.Set("Authorization", "Bearer "+makeToken(t, "admin"))
	rw := httptest.NewRecorder()
	s.Routes().ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rw.Code, rw.Body.String())
	}
	var resp struct {
		Devices []status.StatusView `json:"devices"`
	}
	if err := json.Unmarshal(rw.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Devices) != 1 || !resp.Devices[0].Online {
		t.Fatalf("expected one online device, got %+v", resp.Devices)
	}
}

func TestListDiagnostics(t *testing.T) {
	s, repo := newTestServer(t, nil)
	if err := repo.InsertDiagnosticLog(context.Background(), &store.DeviceDiagnosticLog{
		DeviceID: "gate-mcu-1", Entries: datatypes.JSON(`[{"ts":1,"level":"info","event":"boot"}]`),
	}); err != nil {
		t.Fatalf("insert diagnostics: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/gate/devices/gate-mcu-1/diagnostics", nil)
	req.Header.Set("Authorization", "Bearer "+makeToken(t, "admin"))
	rw := httptest.NewRecorder()
	s.Routes().ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rw.Code, rw.Body.String())
	}
	var page store.DiagnosticPage
	if err := json.Unmarshal(rw.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Diagnostics) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(page.Diagnostics))
	}
}

func TestBadCursorRejected(t *testing.T) {
	s, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/gate/logs?cursor=@@@", nil)
	req.Header.Set("Authorization", "Bearer "+makeToken(t, "admin"))
	rw := httptest.NewRecorder()
	s.Routes().ServeHTTP(rw, req)
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rw.Code)
	}
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rw := httptest.NewRecorder()
	s.Routes().ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
}
