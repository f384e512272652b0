package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/avivais/parking-gate-remote/internal/gate"
	"github.com/avivais/parking-gate-remote/internal/observability"
	"github.com/avivais/parking-gate-remote/internal/ratelimit"
	"github.com/avivais/parking-gate-remote/internal/status"
	"github.com/avivais/parking-gate-remote/internal/store"
)

// Server exposes the gate service REST surface.
type Server struct {
	svc          *gate.Service
	repo         *store.Repo
	tracker      *status.Tracker
	limiter      *ratelimit.RateLimiter
	jwtSecret    string
	adminOpenKey string
}

func NewServer(svc *gate.Service, repo *store.Repo, tracker *status.Tracker, limiter *ratelimit.RateLimiter, jwtSecret, adminOpenKey string) *Server {
	return &Server{
		svc:          svc,
		repo:         repo,
		tracker:      tracker,
		limiter:      limiter,
		jwtSecret:    jwtSecret,
		adminOpenKey: adminOpenKey,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observability.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	// The backdoor is keyed, not token-authenticated, so intercoms and
	// similar dumb callers can trigger it.
	r.Get("/api/gate/admin-open", s.handleAdminOpen)

	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(s.jwtSecret))
		r.Post("/api/gate/open", s.handleOpen)

		r.Group(func(r chi.Router) {
			r.Use(RequireRoleMiddleware("admin"))
			r.Get("/api/gate/logs", s.handleListLogs)
			r.Get("/api/gate/devices", s.handleListDevices)
			r.Get("/api/gate/devices/{deviceId}/diagnostics", s.handleListDiagnostics)
		})
	})

	return r
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	claims := GetClaims(r)
	requestID := r.Header.Get("X-Request-Id")
	if _, err := uuid.Parse(requestID); err != nil {
		writeError(w, http.StatusBadRequest, "missing or malformed X-Request-Id")
		return
	}

	p := gate.OpenParams{
		RequestID: requestID,
		UserID:    claims.Subject,
		DeviceID:  claims.DeviceID,
		SessionID: claims.SessionID,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		OpenedBy:  store.OpenedByUser,
	}

	if s.limiter != nil && !s.limiter.Allow(r.Context(), claims.Subject) {
		s.svc.LogBlocked(p, store.StatusBlockedRateLimit, "rate_limited")
		writeError(w, http.StatusTooManyRequests, "too many open requests")
		return
	}

	s.finishOpen(w, r, p)
}

// handleAdminOpen serves the shared-key backdoor. Every invocation gets a
// fresh request id so the replay guard never blocks it.
func (s *Server) handleAdminOpen(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if s.adminOpenKey == "" || key != s.adminOpenKey {
		writeError(w, http.StatusForbidden, "invalid key")
		return
	}

	p := gate.OpenParams{
		RequestID: uuid.NewString(),
		UserID:    store.OpenedByAdminBackdoor,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		OpenedBy:  store.OpenedByAdminBackdoor,
	}
	s.finishOpen(w, r, p)
}

func (s *Server) finishOpen(w http.ResponseWriter, r *http.Request, p gate.OpenParams) {
	err := s.svc.Open(r.Context(), p)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "requestId": p.RequestID})
	case errors.Is(err, gate.ErrDuplicateRequest):
		writeError(w, http.StatusConflict, "duplicate request")
	case errors.Is(err, gate.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "gate controller did not acknowledge")
	case errors.Is(err, gate.ErrTransport):
		writeError(w, http.StatusBadGateway, "gate controller unreachable")
	default:
		slog.Error("gate open failed", "requestId", p.RequestID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r)
	cursor, err := parseCursor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cursor")
		return
	}
	page, err := s.repo.ListGateLogs(r.Context(), limit, cursor)
	if err != nil {
		slog.Error("list gate logs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	views, err := s.tracker.ListStatuses(r.Context())
	if err != nil {
		slog.Error("list device statuses failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": views})
}

func (s *Server) handleListDiagnostics(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	limit := parseLimit(r)
	cursor, err := parseCursor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cursor")
		return
	}
	page, err := s.repo.ListDiagnosticLogs(r.Context(), deviceID, limit, cursor)
	if err != nil {
		slog.Error("list diagnostics failed", "deviceId", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func parseLimit(r *http.Request) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return limit
}

func parseCursor(r *http.Request) (*store.Cursor, error) {
	return store.DecodeCursor(r.URL.Query().Get("cursor"))
}

// clientIP relies on the RealIP middleware having rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
