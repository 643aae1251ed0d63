// Package server exposes the access engine, device records, warnings,
// incidents and lease status over an HTTP JSON API.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"accessguard/internal/devicestate"
	"accessguard/internal/errs"
	"accessguard/internal/logger"
	"accessguard/internal/metrics"
	"accessguard/internal/reconcile"
	"accessguard/internal/status"
	"accessguard/internal/store/sqlite"
	"accessguard/internal/warning"
	"accessguard/pkg/models"
)

// AccessEngine runs access transitions.
type AccessEngine interface {
	GrantAccess(ctx context.Context, device models.Device) (*reconcile.Result, error)
	RevokeAccess(ctx context.Context, device models.Device, reason, actor string) (*reconcile.Result, error)
	ValidateReason(reason string) (string, error)
	Sync(ctx context.Context) (*reconcile.SyncReport, error)
	Heal(ctx context.Context) (*reconcile.SyncReport, error)
}

// DeviceRegistry reads and registers device records.
type DeviceRegistry interface {
	Register(ctx context.Context, device models.Device) error
	Get(ctx context.Context, deviceID string) (*models.DeviceAccessRecord, error)
	List(ctx context.Context) ([]*models.DeviceAccessRecord, error)
}

// IncidentQuerier reads persisted incidents and block history.
type IncidentQuerier interface {
	GetIncident(ctx context.Context, id string) (*models.Incident, error)
	ListIncidents(ctx context.Context, f sqlite.IncidentFilter) ([]*models.Incident, error)
	Stats(ctx context.Context, since time.Time, top int) (*models.IncidentStats, error)
	BlockHistory(ctx context.Context, deviceID string) ([]models.BlockHistoryEntry, error)
}

// StatusView exposes the last lease snapshot.
type StatusView interface {
	Snapshot() status.Snapshot
}

// Config wires a Server. Incidents, Status and Metrics are optional.
type Config struct {
	Addr         string
	Engine       AccessEngine
	Devices      DeviceRegistry
	Incidents    IncidentQuerier
	Status       StatusView
	Metrics      *metrics.Metrics
	StrikeBudget int
}

// Server is the HTTP API.
type Server struct {
	cfg     Config
	handler http.Handler
}

// New builds the router.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.StrikeBudget <= 0 {
		cfg.StrikeBudget = warning.DefaultBudget
	}
	s := &Server{cfg: cfg}

	r := chi.NewRouter()
	r.Use(s.metricsMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "accessguard"})
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/devices", s.listDevices)
		r.Post("/devices", s.registerDevice)
		r.Get("/devices/{id}", s.getDevice)
		r.Post("/devices/{id}/grant", s.grant)
		r.Post("/devices/{id}/revoke", s.revoke)
		r.Get("/devices/{id}/warnings", s.warnings)
		r.Post("/sync", s.sync)
		r.Get("/incidents", s.listIncidents)
		r.Get("/incidents/stats", s.incidentStats)
		r.Get("/incidents/{id}", s.getIncident)
		r.Get("/status", s.status)
	})
	s.handler = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("HTTP API listening on %s", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.cfg.Metrics.ObserveRequest(r.Method+" "+route, rec.code, time.Since(start))
	})
}

type deviceRequest struct {
	Address  string `json:"address"`
	MAC      string `json:"mac"`
	Hostname string `json:"hostname"`
}

type revokeRequest struct {
	deviceRequest
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	recs, err := s.cfg.Devices.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []*models.DeviceAccessRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) registerDevice(w http.ResponseWriter, r *http.Request) {
	var d models.Device
	if !decodeBody(w, r, &d) {
		return
	}
	if d.ID == "" {
		writeError(w, errs.Validation("id", "device ID is empty"))
		return
	}
	if err := s.cfg.Devices.Register(r.Context(), d); err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.cfg.Devices.Get(r.Context(), d.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	rec, err := s.cfg.Devices.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// device resolves the identity to transition: the stored record overlaid
// with any fields given in the request body.
func (s *Server) device(ctx context.Context, id string, req deviceRequest) (models.Device, error) {
	d := models.Device{ID: id}
	rec, err := s.cfg.Devices.Get(ctx, id)
	switch {
	case err == nil:
		d = rec.Device()
	case !errors.Is(err, devicestate.ErrNotFound):
		return d, err
	case req.Address == "":
		return d, err
	}
	if req.Address != "" {
		d.Address = req.Address
	}
	if req.MAC != "" {
		d.MAC = req.MAC
	}
	if req.Hostname != "" {
		d.Hostname = req.Hostname
	}
	return d, nil
}

func (s *Server) grant(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	d, err := s.device(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.cfg.Engine.GrantAccess(r.Context(), d)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) revoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, err := s.cfg.Engine.ValidateReason(req.Reason); err != nil {
		writeError(w, err)
		return
	}
	d, err := s.device(r.Context(), chi.URLParam(r, "id"), req.deviceRequest)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.cfg.Engine.RevokeAccess(r.Context(), d, req.Reason, req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type warningResponse struct {
	DeviceID string                     `json:"device_id"`
	Warning  *warning.State             `json:"warning"`
	History  []models.BlockHistoryEntry `json:"history"`
}

func (s *Server) warnings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.cfg.Devices.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	var history []models.BlockHistoryEntry
	if s.cfg.Incidents != nil {
		if history, err = s.cfg.Incidents.BlockHistory(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
	}
	resp := warningResponse{DeviceID: id, History: history}
	if resp.History == nil {
		resp.History = []models.BlockHistoryEntry{}
	}
	if st, ok := warning.ForDevice(rec, history, s.cfg.StrikeBudget); ok {
		resp.Warning = st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	run := s.cfg.Engine.Sync
	if heal, _ := strconv.ParseBool(r.URL.Query().Get("heal")); heal {
		run = s.cfg.Engine.Heal
	}
	report, err := run(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) listIncidents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Incidents == nil {
		writeJSON(w, http.StatusOK, []*models.Incident{})
		return
	}
	q := r.URL.Query()
	f := sqlite.IncidentFilter{Address: q.Get("address")}
	if raw := q.Get("severity"); raw != "" {
		sev, ok := models.ParseSeverity(raw)
		if !ok {
			writeError(w, errs.Validation("severity", "unknown severity %q", raw))
			return
		}
		f.Severity = sev
	}
	if raw := q.Get("since"); raw != "" {
		since, err := parseSince(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		f.Since = since
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, errs.Validation("limit", "must be a non-negative integer"))
			return
		}
		f.Limit = n
	}
	list, err := s.cfg.Incidents.ListIncidents(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*models.Incident{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getIncident(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Incidents == nil {
		writeError(w, sqlite.ErrNotFound)
		return
	}
	inc, err := s.cfg.Incidents.GetIncident(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) incidentStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Incidents == nil {
		writeError(w, sqlite.ErrNotFound)
		return
	}
	since := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		var err error
		if since, err = parseSince(raw); err != nil {
			writeError(w, err)
			return
		}
	}
	top, _ := strconv.Atoi(r.URL.Query().Get("top"))
	stats, err := s.cfg.Incidents.Stats(r.Context(), since, top)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Status == nil {
		writeJSON(w, http.StatusOK, status.Snapshot{Leases: map[string]models.Lease{}})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Status.Snapshot())
}

// parseSince accepts an RFC 3339 time or a duration back from now.
func parseSince(raw string) (time.Time, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errs.Validation("since", "expected a duration or RFC 3339 time")
	}
	return t, nil
}
