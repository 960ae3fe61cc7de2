package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"rhinoguard/internal/alerts"
	"rhinoguard/internal/config"
	"rhinoguard/internal/gateway"
	"rhinoguard/internal/ingest"
	"rhinoguard/internal/logging"
	"rhinoguard/internal/metrics"
	"rhinoguard/internal/model"
	"rhinoguard/internal/normalize"
	"rhinoguard/internal/rules"
	"rhinoguard/internal/storage"
)

type SyncControl interface {
	Start(ctx context.Context)
	Stop()
	Running() bool
}

type Server struct {
	cfg     *config.Manager
	alerts  *alerts.Store
	metrics *metrics.Store
	journal storage.Store
	sync    SyncControl
	logger  *slog.Logger
	version string
	now     func() time.Time

	// ctx outlives requests; the sync loop started from /admin/sync runs on it.
	ctx context.Context
}

type Options struct {
	Metrics *metrics.Store
	Journal storage.Store
	Sync    SyncControl
	Logger  *slog.Logger
	Version string
}

func NewServer(ctx context.Context, cfg *config.Manager, store *alerts.Store, opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewStore(0)
	}
	return &Server{
		cfg:     cfg,
		alerts:  store,
		metrics: opts.Metrics,
		journal: opts.Journal,
		sync:    opts.Sync,
		logger:  logging.OrDiscard(opts.Logger).With("component", "api"),
		version: opts.Version,
		now:     time.Now,
		ctx:     ctx,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/alerts", s.handleAlerts)
	mux.HandleFunc("/alerts/", s.handleAlert)
	mux.HandleFunc("/detections/", s.handleDetectionAlerts)
	mux.HandleFunc("/rangers", s.handleRangers)
	mux.HandleFunc("/refresh", s.handleRefresh)
	mux.HandleFunc("/selection", s.handleSelection)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/admin/features", s.handleFeatures)
	mux.HandleFunc("/admin/sync", s.handleSync)
	return mux
}

func Start(ctx context.Context, cfg *config.Manager, store *alerts.Store, opts Options) *http.Server {
	if cfg == nil {
		return nil
	}
	logger := opts.Logger
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewServer(ctx, cfg, store, opts).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

type statusResponse struct {
	Status      string                `json:"status"`
	Time        string                `json:"time"`
	Version     string                `json:"version"`
	ConfigPath  string                `json:"config_path,omitempty"`
	BackendURL  string                `json:"backend_url"`
	Features    config.FeaturesConfig `json:"features"`
	SyncRunning bool                  `json:"sync_running"`
	Loading     bool                  `json:"loading"`
	LastError   string                `json:"last_error,omitempty"`
	Ingest      ingestStatus          `json:"ingest"`
	Journal     bool                  `json:"journal"`
	Counts      alertCounts           `json:"counts"`
}

type ingestStatus struct {
	REST         bool `json:"rest"`
	Kafka        bool `json:"kafka"`
	FileTail     bool `json:"file_tail"`
	AutoDispatch bool `json:"auto_dispatch"`
}

type alertCounts struct {
	Total            int `json:"total"`
	Active           int `json:"active"`
	RecentlyResolved int `json:"recently_resolved"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       s.now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		BackendURL: cfg.Backend.BaseURL,
		Features:   cfg.Features,
		Loading:    s.alerts.IsLoading(),
		Ingest: ingestStatus{
			REST:         cfg.Ingest.REST.Enabled,
			Kafka:        cfg.Ingest.Kafka.Enabled,
			FileTail:     cfg.Ingest.FileTail.Enabled,
			AutoDispatch: cfg.Ingest.AutoDispatch,
		},
		Journal: s.journal != nil,
		Counts: alertCounts{
			Total:            len(s.alerts.Alerts()),
			Active:           len(s.alerts.ActiveAlerts()),
			RecentlyResolved: len(s.alerts.RecentlyResolvedAlerts()),
		},
	}
	if s.sync != nil {
		resp.SyncRunning = s.sync.Running()
	}
	if err := s.alerts.Err(); err != nil {
		resp.Status = "degraded"
		resp.LastError = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list := s.alerts.Alerts()
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 && n < len(list) {
				list = list[:n]
			}
		}
		s.writeAlertList(w, list)
	case http.MethodPost:
		s.createAlert(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type createRequest struct {
	Detection map[string]any  `json:"detection"`
	Overrides model.Overrides `json:"overrides"`
}

func (s *Server) createAlert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "request body too large")
		return
	}
	var req createRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Detection == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"detection\": {...}, \"overrides\": {...}}")
		return
	}
	det, err := normalize.Detection(*ingest.ParseJSONMap(req.Detection), s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	alert, err := s.alerts.CreateAlertFromDetection(r.Context(), det, req.Overrides)
	if err != nil {
		s.writeCreateError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newAlertView(alert))
}

func (s *Server) writeCreateError(w http.ResponseWriter, err error) {
	var dup *alerts.DuplicateAlertError
	var httpErr *gateway.HTTPError
	switch {
	case errors.As(err, &dup):
		retry := int(dup.RetryAfter().Seconds() + 0.999)
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":               err.Error(),
			"existing_alert_id":   dup.ExistingID,
			"retry_after_seconds": retry,
		})
	case errors.Is(err, alerts.ErrFeatureDisabled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, alerts.ErrInvalidDetection):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		s.logger.Debug("create alert cancelled by client", "err", err)
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	case errors.As(err, &httpErr) && httpErr.IsValidation():
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("create alert failed", "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

// handleAlert serves /alerts/active, /alerts/resolved, /alerts/{id} and
// /alerts/{id}/history.
func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/alerts/"), "/")
	switch rest {
	case "":
		s.handleAlerts(w, r)
		return
	case "active", "resolved":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if rest == "active" {
			s.writeAlertList(w, s.alerts.ActiveAlerts())
		} else {
			s.writeAlertList(w, s.alerts.RecentlyResolvedAlerts())
		}
		return
	}
	if id, ok := strings.CutSuffix(rest, "/history"); ok {
		s.alertHistory(w, r, id)
		return
	}
	switch r.Method {
	case http.MethodGet:
		alert, ok := s.alerts.GetAlertByID(rest)
		if !ok {
			writeError(w, http.StatusNotFound, alerts.ErrAlertNotFound.Error())
			return
		}
		writeJSON(w, http.StatusOK, newAlertView(alert))
	case http.MethodPatch:
		s.patchAlert(w, r, rest)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) patchAlert(w http.ResponseWriter, r *http.Request, id string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "request body too large")
		return
	}
	var patch alerts.Patch
	if err := json.Unmarshal(body, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	alert, err := s.alerts.UpdateAlertStatus(id, patch)
	if err != nil {
		var terr *alerts.TransitionError
		switch {
		case errors.Is(err, alerts.ErrAlertNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.As(err, &terr):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, newAlertView(alert))
}

func (s *Server) alertHistory(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal disabled")
		return
	}
	changes, err := s.journal.StatusHistory(r.Context(), id)
	if err != nil {
		s.logger.Error("read status history failed", "alert_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "journal read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alert_id": id,
		"history":  changes,
	})
}

func (s *Server) handleDetectionAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/detections/")
	id, ok := strings.CutSuffix(strings.Trim(rest, "/"), "/alerts")
	if !ok || id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	list := s.alerts.GetAlertsForDetection(id)
	views := make([]alertView, 0, len(list))
	for _, a := range list {
		views = append(views, newAlertView(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"detection_id":     id,
		"has_active_alert": s.alerts.HasActiveAlert(id),
		"alerts":           views,
	})
}

func (s *Server) handleRangers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	positions := s.alerts.RangerPositions()
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": s.cfg.Get().Features.RangerPositions,
		"rangers": positions,
		"count":   len(positions),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	err := s.alerts.RefreshAlerts(r.Context())
	s.metrics.RecordSync(err)
	s.alerts.RefreshRangerPositions(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeAlertList(w, s.alerts.Alerts())
}

func (s *Server) handleSelection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req struct {
			AlertID string `json:"alert_id"`
		}
		body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<16))
		if err := json.Unmarshal(body, &req); err != nil || strings.TrimSpace(req.AlertID) == "" {
			writeError(w, http.StatusBadRequest, "alert_id is required")
			return
		}
		s.alerts.SelectAlert(strings.TrimSpace(req.AlertID))
	case http.MethodDelete:
		s.alerts.CloseDetailPanel()
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sel := s.alerts.Selection()
	resp := map[string]any{"selection": sel}
	if sel.SelectedAlertID != "" {
		if alert, ok := s.alerts.GetAlertByID(sel.SelectedAlertID); ok {
			resp["alert"] = newAlertView(alert)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal disabled")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	list, err := s.journal.RecentAlerts(r.Context(), limit)
	if err != nil {
		s.logger.Error("read journal failed", "err", err)
		writeError(w, http.StatusInternalServerError, "journal read failed")
		return
	}
	s.writeAlertList(w, list)
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req struct {
			Name    string `json:"name"`
			Enabled *bool  `json:"enabled"`
			Persist bool   `json:"persist"`
		}
		body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<16))
		if err := json.Unmarshal(body, &req); err != nil || req.Enabled == nil {
			writeError(w, http.StatusBadRequest, "name and enabled are required")
			return
		}
		set := s.cfg.SetFeature
		if req.Persist {
			set = s.cfg.PersistFeature
		}
		if err := set(req.Name, *req.Enabled); err != nil {
			switch {
			case errors.Is(err, config.ErrUnknownFeature):
				writeError(w, http.StatusBadRequest, err.Error())
			case errors.Is(err, config.ErrNoFile):
				writeError(w, http.StatusConflict, "no config file to persist to")
			default:
				s.logger.Error("persist feature flag failed", "feature", req.Name, "err", err)
				writeError(w, http.StatusInternalServerError, "config write failed")
			}
			return
		}
		s.logger.Info("feature flag changed", "feature", req.Name, "enabled", *req.Enabled, "persisted", req.Persist)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"features": s.cfg.Get().Features})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		writeError(w, http.StatusServiceUnavailable, "sync not configured")
		return
	}
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req struct {
			Running bool `json:"running"`
		}
		body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<16))
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Running {
			s.sync.Start(s.ctx)
		} else {
			s.sync.Stop()
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": s.sync.Running()})
}

// alertView adds display-only fields to an alert.
type alertView struct {
	model.Alert
	DisplayID string `json:"display_id"`
}

func newAlertView(a model.Alert) alertView {
	return alertView{Alert: a, DisplayID: rules.FormatAlertID(a.ID)}
}

func (s *Server) writeAlertList(w http.ResponseWriter, list []model.Alert) {
	views := make([]alertView, 0, len(list))
	for _, a := range list {
		views = append(views, newAlertView(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": views,
		"count":  len(views),
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
