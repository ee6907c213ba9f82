package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"slotsync/internal/config"
	"slotsync/internal/domain"
	"slotsync/internal/export"
	"slotsync/internal/metrics"
	"slotsync/internal/models"
	"slotsync/internal/netmon"
	"slotsync/internal/queue"
	"slotsync/internal/recurrence"
	"slotsync/internal/session"
)

// SyncRunner triggers sync passes and reports the last completed one.
type SyncRunner interface {
	Sync(ctx context.Context) (*models.SyncResult, error)
	LastSyncAt() *time.Time
}

// HTTPServer exposes the agent's local control API: queue inspection and
// remediation, the booking session flow, series management, and exports.
type HTTPServer struct {
	cfg      config.APIConfig
	queue    *queue.Manager
	syncer   SyncRunner
	sessions *session.Engine
	series   *recurrence.Generator
	exporter *export.Exporter
	monitor  *netmon.Monitor
	degraded func() bool
	logger   zerolog.Logger
	server   *http.Server
	auth     *HTTPAuth
}

func NewHTTPServer(
	cfg config.APIConfig,
	q *queue.Manager,
	syncer SyncRunner,
	sessions *session.Engine,
	series *recurrence.Generator,
	exporter *export.Exporter,
	monitor *netmon.Monitor,
	degraded func() bool,
	logger zerolog.Logger,
) *HTTPServer {
	mux := http.NewServeMux()
	srv := &HTTPServer{
		cfg:      cfg,
		queue:    q,
		syncer:   syncer,
		sessions: sessions,
		series:   series,
		exporter: exporter,
		monitor:  monitor,
		degraded: degraded,
		logger:   logger.With().Str("component", "api").Logger(),
	}
	srv.auth = NewHTTPAuth(cfg)

	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/v1/queue/stats", srv.handleQueueStats)
	mux.HandleFunc("/api/v1/queue/actions", srv.handleQueueActions)
	mux.HandleFunc("/api/v1/sync", srv.handleSync)
	mux.HandleFunc("/api/v1/actions/", srv.handleActionRemediation)
	mux.HandleFunc("/api/v1/session/start", srv.handleSessionStart)
	mux.HandleFunc("/api/v1/session/step", srv.handleSessionStep)
	mux.HandleFunc("/api/v1/session/next", srv.handleSessionNext)
	mux.HandleFunc("/api/v1/session/back", srv.handleSessionBack)
	mux.HandleFunc("/api/v1/session/submit", srv.handleSessionSubmit)
	mux.HandleFunc("/api/v1/session/cancel", srv.handleSessionCancel)
	mux.HandleFunc("/api/v1/series/preview", srv.handleSeriesPreview)
	mux.HandleFunc("/api/v1/series/materialize", srv.handleSeriesMaterialize)
	mux.HandleFunc("/api/v1/series/cancel", srv.handleSeriesCancel)
	mux.HandleFunc("/api/v1/series/detach", srv.handleSeriesDetach)
	mux.HandleFunc("/api/v1/export/audit", srv.handleExportAudit)

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	return srv
}

// Handler returns the composed handler, mostly for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("local API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	metrics.IncHTTP("healthz")

	resp := map[string]any{
		"status":  "ok",
		"network": s.monitor.State().String(),
	}
	if s.degraded != nil {
		resp["degraded"] = s.degraded()
	}
	if last := s.syncer.LastSyncAt(); last != nil {
		resp["last_sync"] = last.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	metrics.IncHTTP("queue_stats")

	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *HTTPServer) handleQueueActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	metrics.IncHTTP("queue_actions")

	var statuses []models.ActionStatus
	for _, raw := range splitCSV(r.URL.Query().Get("status")) {
		statuses = append(statuses, models.ActionStatus(raw))
	}

	actions, err := s.queue.List(r.Context(), statuses...)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	metrics.IncHTTP("sync")

	result, err := s.syncer.Sync(r.Context())
	if err != nil {
		if errors.Is(err, domain.ErrAuthRequired) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleActionRemediation serves POST /api/v1/actions/{id}/retry and
// POST /api/v1/actions/{id}/discard.
func (s *HTTPServer) handleActionRemediation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/actions/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid action id")
		return
	}

	switch parts[1] {
	case "retry":
		metrics.IncHTTP("action_retry")
		err = s.queue.Retry(r.Context(), id)
	case "discard":
		metrics.IncHTTP("action_discard")
		err = s.queue.Discard(r.Context(), id)
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	action, err := s.queue.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

type sessionRequest struct {
	DeviceID string             `json:"device_id"`
	Step     models.SessionStep `json:"step,omitempty"`
	Fields   map[string]string  `json:"fields,omitempty"`
}

func (s *HTTPServer) decodeSession(w http.ResponseWriter, r *http.Request) (*sessionRequest, bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return nil, false
	}
	var body sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	if strings.TrimSpace(body.DeviceID) == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return nil, false
	}
	return &body, true
}

func (s *HTTPServer) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeSession(w, r)
	if !ok {
		return
	}
	metrics.IncHTTP("session_start")

	sess, err := s.sessions.Start(r.Context(), body.DeviceID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *HTTPServer) handleSessionStep(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeSession(w, r)
	if !ok {
		return
	}
	metrics.IncHTTP("session_step")

	sess, err := s.sessions.UpdateStep(r.Context(), body.DeviceID, body.Step, body.Fields)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *HTTPServer) handleSessionNext(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeSession(w, r)
	if !ok {
		return
	}
	metrics.IncHTTP("session_next")

	sess, err := s.sessions.Next(r.Context(), body.DeviceID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *HTTPServer) handleSessionBack(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeSession(w, r)
	if !ok {
		return
	}
	metrics.IncHTTP("session_back")

	sess, err := s.sessions.Back(r.Context(), body.DeviceID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *HTTPServer) handleSessionSubmit(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeSession(w, r)
	if !ok {
		return
	}
	metrics.IncHTTP("session_submit")

	outcome, err := s.sessions.Submit(r.Context(), body.DeviceID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *HTTPServer) handleSessionCancel(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeSession(w, r)
	if !ok {
		return
	}
	metrics.IncHTTP("session_cancel")

	if err := s.sessions.Cancel(r.Context(), body.DeviceID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type seriesRequest struct {
	Pattern models.RecurringPattern `json:"pattern"`
	Window  models.OccurrenceWindow `json:"window"`
}

func (s *HTTPServer) decodeSeries(w http.ResponseWriter, r *http.Request) (*seriesRequest, bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return nil, false
	}
	var body seriesRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	return &body, true
}

func (s *HTTPServer) handleSeriesPreview(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeSeries(w, r)
	if !ok {
		return
	}
	metrics.IncHTTP("series_preview")

	occurrences, err := s.series.GenerateOccurrences(r.Context(), &body.Pattern, body.Window)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"occurrences": occurrences})
}

func (s *HTTPServer) handleSeriesMaterialize(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeSeries(w, r)
	if !ok {
		return
	}
	metrics.IncHTTP("series_materialize")

	report, occurrences, err := s.series.Materialize(r.Context(), &body.Pattern, body.Window)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"report":      report,
		"occurrences": occurrences,
	})
}

func (s *HTTPServer) handleSeriesCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	metrics.IncHTTP("series_cancel")

	var body struct {
		PatternID  string `json:"pattern_id"`
		FutureOnly bool   `json:"future_only"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.PatternID == "" {
		writeError(w, http.StatusBadRequest, "pattern_id is required")
		return
	}

	cancelled, err := s.series.CancelSeries(r.Context(), body.PatternID, body.FutureOnly)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}

func (s *HTTPServer) handleSeriesDetach(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	metrics.IncHTTP("series_detach")

	var body struct {
		PatternID string     `json:"pattern_id"`
		BookingID string     `json:"booking_id"`
		NewStart  *time.Time `json:"new_start,omitempty"`
		NewEnd    *time.Time `json:"new_end,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.PatternID == "" || body.BookingID == "" {
		writeError(w, http.StatusBadRequest, "pattern_id and booking_id are required")
		return
	}

	if err := s.series.ModifyOccurrence(r.Context(), body.PatternID, body.BookingID, body.NewStart, body.NewEnd); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "detached"})
}

func (s *HTTPServer) handleExportAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	metrics.IncHTTP("export_audit")

	path, err := s.exporter.AuditReport(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"file_path": path})
}

func (s *HTTPServer) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrActionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case domain.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case domain.IsConflict(err):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
