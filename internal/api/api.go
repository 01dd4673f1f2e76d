// Package api provides HTTP handlers for the proxy fleet monitor.
//
// # Endpoints
//
// Fleet status:
//   - GET  /api/v1/proxy/status - Cached or freshly scanned fleet snapshot
//   - POST /api/v1/proxy/check-async - Launch background full-fleet scan
//   - GET  /api/v1/proxy/check-status/{taskId} - Poll scan task
//
// Replacement:
//   - POST /api/v1/proxy/find-replacement - Find reachable candidate
//   - POST /api/v1/proxy/replace - Rebind devices to a new proxy
//
// Auto-replace worker:
//   - POST /api/v1/proxy/auto-replace/start
//   - POST /api/v1/proxy/auto-replace/stop
//   - GET  /api/v1/proxy/auto-replace/status
//
// Replacement log:
//   - GET  /api/v1/proxy/replace-log - Query by date range
//   - GET  /api/v1/proxy/replace-log/stats - Success/failure counts
//   - GET  /api/v1/proxy/replace-log/download - JSON file attachment
//   - POST /api/v1/proxy/replace-log/cleanup - Delete old partitions
//
// Health:
//   - GET /api/v1/health - Health check (unauthenticated)
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/HsiaoL1/monitor-sub000/internal/auditlog"
	"github.com/HsiaoL1/monitor-sub000/internal/cache"
	"github.com/HsiaoL1/monitor-sub000/internal/config"
	"github.com/HsiaoL1/monitor-sub000/internal/replacer"
	"github.com/HsiaoL1/monitor-sub000/internal/scanner"
	"github.com/HsiaoL1/monitor-sub000/internal/status"
	"github.com/HsiaoL1/monitor-sub000/internal/worker"
	"github.com/HsiaoL1/monitor-sub000/pkg/types"
)

const dateLayout = "2006-01-02"

// Store is the relational-store dependency of the API.
type Store interface {
	GetProxy(ctx context.Context, id int64) (*types.ProxyRecord, error)
	InUseFleet(ctx context.Context) ([]types.ProxyRecord, map[int64][]types.DeviceRef, error)
}

// Scanner runs synchronous fleet scans.
type Scanner interface {
	Scan(ctx context.Context, proxies []types.ProxyRecord, devicesByProxy map[int64][]types.DeviceRef, limit int64, onProgress scanner.ProgressFunc) scanner.Summary
}

// Tasks manages asynchronous scans.
type Tasks interface {
	Start() string
	Get(id string) (types.ScanTask, error)
}

// Selector finds replacement candidates.
type Selector interface {
	FindReplacement(ctx context.Context, failed types.ProxyRecord) (replacer.Selection, error)
}

// ManualReplacer performs validated replacements.
type ManualReplacer interface {
	Replace(ctx context.Context, oldProxy, newProxy types.ProxyRecord, operator string, kind types.OperatorKind, reason string) (replacer.Result, error)
}

// Worker controls the auto-replace loop.
type Worker interface {
	Start() (bool, string)
	Stop() (bool, string)
	GetStatus() worker.Status
}

// AuditStore reads and maintains the replacement log.
type AuditStore interface {
	Query(start, end time.Time) ([]types.ReplacementLogEntry, error)
	GetStats(start, end time.Time) (auditlog.Stats, error)
	BuildExport(start, end time.Time) (*auditlog.Export, error)
	Cleanup(retentionDays int) (int, error)
}

// Deps bundles the server's collaborators.
type Deps struct {
	Store    Store
	Status   *status.Cache
	Scanner  Scanner
	Tasks    Tasks
	Selector Selector
	Replacer ManualReplacer
	Worker   Worker
	Audit    AuditStore

	// ResponseCache is optional; nil disables response caching.
	ResponseCache *cache.Cache

	// APITokenHash is the bcrypt hash of the API bearer token. Empty
	// runs authentication in grace period mode.
	APITokenHash string
}

// Server is the HTTP API server.
type Server struct {
	deps   Deps
	cache  *cache.Cache
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer creates a new API server.
func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		deps:   deps,
		cache:  deps.ResponseCache,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	auth := s.AuthMiddleware(AuthConfig{
		TokenHash: s.deps.APITokenHash,
		Logger:    s.logger,
	})

	// Health (open)
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	// Fleet status
	s.mux.HandleFunc("GET /api/v1/proxy/status", wrapHandler(s.handleProxyStatus, auth))
	s.mux.HandleFunc("POST /api/v1/proxy/check-async", wrapHandler(s.handleCheckAsync, auth))
	s.mux.HandleFunc("GET /api/v1/proxy/check-status/{taskId}", wrapHandler(s.handleCheckStatus, auth))

	// Replacement
	s.mux.HandleFunc("POST /api/v1/proxy/find-replacement", wrapHandler(s.handleFindReplacement, auth))
	s.mux.HandleFunc("POST /api/v1/proxy/replace", wrapHandler(s.handleReplace, auth))

	// Auto-replace worker
	s.mux.HandleFunc("POST /api/v1/proxy/auto-replace/start", wrapHandler(s.handleAutoReplaceStart, auth))
	s.mux.HandleFunc("POST /api/v1/proxy/auto-replace/stop", wrapHandler(s.handleAutoReplaceStop, auth))
	s.mux.HandleFunc("GET /api/v1/proxy/auto-replace/status", wrapHandler(s.handleAutoReplaceStatus, auth))

	// Replacement log - static routes before the wildcard-free group
	s.mux.HandleFunc("GET /api/v1/proxy/replace-log", wrapHandler(s.handleReplaceLog, auth))
	s.mux.HandleFunc("GET /api/v1/proxy/replace-log/stats", wrapHandler(s.handleReplaceLogStats, auth))
	s.mux.HandleFunc("GET /api/v1/proxy/replace-log/download", wrapHandler(s.handleReplaceLogDownload, auth))
	s.mux.HandleFunc("POST /api/v1/proxy/replace-log/cleanup", wrapHandler(s.handleReplaceLogCleanup, auth))
}

// =============================================================================
// HEALTH
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// =============================================================================
// FLEET STATUS
// =============================================================================

func (s *Server) handleProxyStatus(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	wantFresh := query.Get("refresh") == "true" || query.Get("use_cache") == "false"
	allowDirect := query.Get("allow_direct") == "true"

	snap, fresh := s.deps.Status.Read()

	if snap != nil && fresh && !wantFresh {
		s.writeSnapshot(w, snap, true)
		return
	}

	// A direct scan probes the whole fleet inline and is expensive.
	// Refuse it while a snapshot exists unless explicitly allowed,
	// steering callers to the async path; the stale snapshot is still
	// servable.
	if snap != nil && !allowDirect {
		if wantFresh {
			s.writeError(w, http.StatusConflict, "direct scan refused; use the async endpoint or pass allow_direct=true")
			return
		}
		s.writeSnapshot(w, snap, fresh)
		return
	}

	proxies, devicesByProxy, err := s.deps.Store.InUseFleet(r.Context())
	if err != nil {
		s.logger.Error("fleet enumeration failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to enumerate fleet")
		return
	}

	summary := s.deps.Scanner.Scan(r.Context(), proxies, devicesByProxy, config.ScanConcurrency, nil)

	// The scan just replaced the snapshot; serve that snapshot so the
	// reported taken_at is the snapshot's own timestamp.
	if snap, fresh := s.deps.Status.Read(); snap != nil {
		s.writeSnapshot(w, snap, fresh)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"cache_fresh": true,
		"taken_at":    time.Now().UTC(),
		"total":       summary.Total,
		"unavailable": summary.Unavailable,
		"results":     summary.Results,
	})
}

func (s *Server) writeSnapshot(w http.ResponseWriter, snap *types.FleetSnapshot, fresh bool) {
	results := make([]types.ProbeResult, 0, len(snap.Results))
	for _, r := range snap.Results {
		results = append(results, r)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"cache_fresh": fresh,
		"taken_at":    snap.TakenAt,
		"total":       len(results),
		"unavailable": snap.Unavailable(),
		"results":     results,
	})
}

func (s *Server) handleCheckAsync(w http.ResponseWriter, r *http.Request) {
	taskID := s.deps.Tasks.Start()
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": taskID,
	})
}

func (s *Server) handleCheckStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")
	if taskID == "" {
		s.writeError(w, http.StatusBadRequest, "task ID required")
		return
	}

	task, err := s.deps.Tasks.Get(taskID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}

	s.writeJSON(w, http.StatusOK, task)
}

// =============================================================================
// REPLACEMENT
// =============================================================================

type findReplacementRequest struct {
	ProxyID int64 `json:"proxy_id"`
}

func (s *Server) handleFindReplacement(w http.ResponseWriter, r *http.Request) {
	var req findReplacementRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProxyID == 0 {
		s.writeError(w, http.StatusBadRequest, "proxy_id is required")
		return
	}

	proxy, err := s.deps.Store.GetProxy(r.Context(), req.ProxyID)
	if err != nil {
		s.logger.Error("get proxy failed", "proxy_id", req.ProxyID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get proxy")
		return
	}
	if proxy == nil {
		s.writeError(w, http.StatusNotFound, "proxy not found")
		return
	}

	selection, err := s.deps.Selector.FindReplacement(r.Context(), *proxy)
	if err != nil {
		s.logger.Error("find replacement failed", "proxy_id", req.ProxyID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to find replacement")
		return
	}

	if !selection.Found {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"found":   false,
			"checked": selection.Checked,
			"message": selection.Reason,
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"found":     true,
		"checked":   selection.Checked,
		"candidate": selection.Proxy.Summary(),
	})
}

type replaceRequest struct {
	OldProxyID int64  `json:"old_proxy_id"`
	NewProxyID int64  `json:"new_proxy_id"`
	Operator   string `json:"operator,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request) {
	var req replaceRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OldProxyID == 0 || req.NewProxyID == 0 {
		s.writeError(w, http.StatusBadRequest, "old_proxy_id and new_proxy_id are required")
		return
	}
	if req.OldProxyID == req.NewProxyID {
		s.writeError(w, http.StatusBadRequest, "old and new proxy must differ")
		return
	}

	oldProxy, err := s.deps.Store.GetProxy(r.Context(), req.OldProxyID)
	if err != nil {
		s.logger.Error("get proxy failed", "proxy_id", req.OldProxyID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get old proxy")
		return
	}
	if oldProxy == nil {
		s.writeError(w, http.StatusNotFound, "old proxy not found")
		return
	}

	newProxy, err := s.deps.Store.GetProxy(r.Context(), req.NewProxyID)
	if err != nil {
		s.logger.Error("get proxy failed", "proxy_id", req.NewProxyID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get new proxy")
		return
	}
	if newProxy == nil {
		s.writeError(w, http.StatusNotFound, "new proxy not found")
		return
	}

	operator := req.Operator
	if operator == "" {
		operator = "api"
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual replacement"
	}

	result, err := s.deps.Replacer.Replace(r.Context(), *oldProxy, *newProxy, operator, types.OperatorManual, reason)
	if err != nil {
		// The replacement itself may have happened; the log write failed.
		s.logger.Error("replace log write failed",
			"old_proxy_id", req.OldProxyID,
			"new_proxy_id", req.NewProxyID,
			"error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to record replacement log")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":          result.Success,
		"devices_affected": result.DevicesAffected,
		"message":          result.Message,
	})
}

// =============================================================================
// AUTO-REPLACE WORKER
// =============================================================================

func (s *Server) handleAutoReplaceStart(w http.ResponseWriter, r *http.Request) {
	started, msg := s.deps.Worker.Start()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"started": started,
		"message": msg,
	})
}

func (s *Server) handleAutoReplaceStop(w http.ResponseWriter, r *http.Request) {
	stopped, msg := s.deps.Worker.Stop()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"stopped": stopped,
		"message": msg,
	})
}

func (s *Server) handleAutoReplaceStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Worker.GetStatus())
}

// =============================================================================
// REPLACEMENT LOG
// =============================================================================

// parseDateRange reads startDate/endDate query parameters, defaulting to
// the last seven days. The end bound covers the whole end day.
func parseDateRange(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now()
	start := now.AddDate(0, 0, -7)
	end := now

	if v := r.URL.Query().Get("startDate"); v != "" {
		parsed, err := time.ParseInLocation(dateLayout, v, time.Local)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid startDate %q", v)
		}
		start = parsed
	}
	if v := r.URL.Query().Get("endDate"); v != "" {
		parsed, err := time.ParseInLocation(dateLayout, v, time.Local)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid endDate %q", v)
		}
		end = parsed.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("endDate before startDate")
	}
	return start, end, nil
}

func (s *Server) handleReplaceLog(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseDateRange(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := s.deps.Audit.Query(start, end)
	if err != nil {
		s.logger.Error("replace log query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to query replacement log")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleReplaceLogStats(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseDateRange(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cacheKey := fmt.Sprintf("replace_log_stats_%s_%s", start.Format(dateLayout), end.Format(dateLayout))

	// Try cache first
	if s.cache != nil {
		if data, err := s.cache.Get(r.Context(), cacheKey); err == nil && data != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(data)
			return
		}
	}

	stats, err := s.deps.Audit.GetStats(start, end)
	if err != nil {
		s.logger.Error("replace log stats failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get replacement log stats")
		return
	}

	response := map[string]any{
		"start_date": start.Format(dateLayout),
		"end_date":   end.Format(dateLayout),
		"stats":      stats,
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(r.Context(), cacheKey, response, config.CacheTTLReplaceLogStats); err != nil {
			s.logger.Warn("failed to cache replace log stats", "error", err)
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleReplaceLogDownload(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseDateRange(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	export, err := s.deps.Audit.BuildExport(start, end)
	if err != nil {
		s.logger.Error("replace log export failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to export replacement log")
		return
	}

	filename := fmt.Sprintf("replace-log-%s.json", time.Now().Format(dateLayout))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(export)
}

type cleanupRequest struct {
	RetentionDays int `json:"retention_days"`
}

func (s *Server) handleReplaceLogCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := s.readJSON(r, &req); err != nil {
		req.RetentionDays = config.DefaultLogRetentionDays
	}
	if req.RetentionDays <= 0 {
		req.RetentionDays = config.DefaultLogRetentionDays
	}

	removed, err := s.deps.Audit.Cleanup(req.RetentionDays)
	if err != nil {
		s.logger.Error("replace log cleanup failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to clean up replacement log")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"removed":        removed,
		"retention_days": req.RetentionDays,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}
