package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"admission-gateway/internal/admission"
	"admission-gateway/internal/janitor"
	"admission-gateway/internal/logging"
	"admission-gateway/internal/monitoring"
	"admission-gateway/internal/tracing"

	"github.com/gorilla/mux"
)

// Options carries the optional collaborators of RESTHandler.
type Options struct {
	AdminToken  string
	StatsTopN   int
	MaxBodySize int64

	Metrics *monitoring.AdmissionMetrics
	Tracer  *tracing.TracingService
}

// RESTHandler serves the operator API and wraps forwarded traffic in
// admission control.
type RESTHandler struct {
	scheduler *admission.Scheduler
	janitor   *janitor.Janitor
	logger    *logging.Logger
	opts      Options
}

// NewRESTHandler creates a new REST API handler. jan may be nil.
func NewRESTHandler(scheduler *admission.Scheduler, jan *janitor.Janitor, logger *logging.Logger, opts Options) *RESTHandler {
	if opts.StatsTopN <= 0 {
		opts.StatsTopN = 10
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 1 << 20
	}
	return &RESTHandler{
		scheduler: scheduler,
		janitor:   jan,
		logger:    logger,
		opts:      opts,
	}
}

// BotScoreRequest is an externally computed suspicion report.
type BotScoreRequest struct {
	Identity string   `json:"identity"`
	Score    *float64 `json:"score"`
	Flags    []string `json:"flags,omitempty"`
}

// AutoDisableRequest blacklists an identity directly.
type AutoDisableRequest struct {
	Identity string `json:"identity"`
	Reason   string `json:"reason,omitempty"`
}

// SignalResponse acknowledges a bot-score report or auto-disable command.
type SignalResponse struct {
	Success  bool   `json:"success"`
	Identity string `json:"identity"`
}

// UnblockResponse represents a DELETE on the blacklist
type UnblockResponse struct {
	Success bool   `json:"success"`
	Existed bool   `json:"existed"`
	Error   string `json:"error,omitempty"`
}

// StatsResponse is the admission snapshot plus the janitor's view of memory.
type StatsResponse struct {
	admission.Stats
	Memory  janitor.MemoryStats `json:"memory"`
	Janitor *janitor.Status     `json:"janitor,omitempty"`
}

// ErrorResponse represents a generic error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /admin/stats
func (h *RESTHandler) Stats(w http.ResponseWriter, r *http.Request) {
	topN := h.opts.StatsTopN
	if v := r.URL.Query().Get("top"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 1000 {
			h.writeErrorResponse(w, http.StatusBadRequest, "top must be an integer between 0 and 1000")
			return
		}
		topN = n
	}

	h.logger.DebugContext(r.Context(), "Processing stats request", "top", topN)

	response := StatsResponse{Stats: h.scheduler.Stats(topN)}
	if h.janitor != nil {
		status := h.janitor.Status()
		response.Janitor = &status
		response.Memory = status.Memory
	} else {
		response.Memory = janitor.RuntimeProbe{}.Read()
	}

	h.writeJSONResponse(w, http.StatusOK, response)
}

// GET /admin/limits/{identity}
func (h *RESTHandler) LimitInfo(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["identity"]

	info, err := h.scheduler.LimitInfo(id)
	if err != nil {
		h.writeSignalError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, info)
}

// POST /admin/bot-score
func (h *RESTHandler) ReportBotScore(w http.ResponseWriter, r *http.Request) {
	var req BotScoreRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Score == nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "score is required")
		return
	}

	if err := h.scheduler.ReportBotScore(r.Context(), req.Identity, *req.Score, req.Flags); err != nil {
		h.writeSignalError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, SignalResponse{Success: true, Identity: req.Identity})
}

// POST /admin/auto-disable
func (h *RESTHandler) AutoDisable(w http.ResponseWriter, r *http.Request) {
	var req AutoDisableRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.scheduler.AutoDisable(r.Context(), req.Identity, req.Reason); err != nil {
		h.writeSignalError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, SignalResponse{Success: true, Identity: req.Identity})
}

// DELETE /admin/blacklist/{identity}
func (h *RESTHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["identity"]

	existed, err := h.scheduler.Unblock(r.Context(), id)
	if err != nil {
		h.writeSignalError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, UnblockResponse{Success: true, Existed: existed})
}

// AdminAuthMiddleware requires "Authorization: Bearer <token>". Without a
// configured token only loopback callers are served.
func (h *RESTHandler) AdminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.opts.AdminToken == "" {
			if isLoopbackRemote(r.RemoteAddr) {
				next.ServeHTTP(w, r)
				return
			}
			h.logger.SecurityEvent(r.Context(), "admin_auth_rejected", r.RemoteAddr, "medium", map[string]interface{}{
				"path":   r.URL.Path,
				"reason": "no admin token configured for non-loopback caller",
			})
			h.writeErrorResponse(w, http.StatusForbidden, "admin API is only available from loopback without an admin token")
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.opts.AdminToken)) != 1 {
			h.logger.SecurityEvent(r.Context(), "admin_auth_failed", r.RemoteAddr, "medium", map[string]interface{}{
				"path": r.URL.Path,
			})
			w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
			h.writeErrorResponse(w, http.StatusUnauthorized, "missing or invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Helper methods

// isLoopbackRemote looks at the socket address only. Forwarded headers are ignored.
func isLoopbackRemote(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	return err == nil && addr.IsLoopback()
}

func (h *RESTHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.WarnContext(r.Context(), "Request with invalid JSON", "path", r.URL.Path, "error", err.Error())
		h.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON request")
		return false
	}
	return true
}

func (h *RESTHandler) writeSignalError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, admission.ErrInvalidIdentity), errors.Is(err, admission.ErrInvalidScore):
		h.writeErrorResponse(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.WithContext(r.Context()).WithError(err).Error("Signal handling failed")
		h.writeErrorResponse(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *RESTHandler) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

func (h *RESTHandler) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSONResponse(w, statusCode, ErrorResponse{
		Error:   message,
		Code:    statusCode,
		Message: http.StatusText(statusCode),
	})
}
