package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tafor/himawari-scheduler/pkg/config"
	"github.com/tafor/himawari-scheduler/pkg/logger"
	"github.com/tafor/himawari-scheduler/pkg/scheduler"
	"github.com/tafor/himawari-scheduler/pkg/tasks"
)

// productStore is the slice of the object store the backfill endpoint
// needs.
type productStore interface {
	Exists(ctx context.Context, composite string, ts time.Time) (bool, error)
	PresignedURL(ctx context.Context, composite string, ts time.Time, expiry time.Duration) (string, error)
}

type server struct {
	mgr        *scheduler.Manager
	store      productStore
	cfg        *config.Server
	composites map[string]struct{}
}

// setupRouter wires the API routes. store may be nil, in which case the
// product backfill endpoint is not registered.
func setupRouter(mgr *scheduler.Manager, store productStore, cfg *config.Server) *mux.Router {
	set := make(map[string]struct{}, len(cfg.Composites))
	for _, c := range cfg.Composites {
		set[c] = struct{}{}
	}
	s := &server{mgr: mgr, store: store, cfg: cfg, composites: set}

	r := mux.NewRouter()
	r.Use(corsMiddleware)

	// /api/tasks/next must register before the {task_id} route; mux
	// matches in registration order.
	r.HandleFunc("/api/tasks/next", s.handleNextTask).Methods(http.MethodGet)
	r.HandleFunc("/api/tasks", s.handleCreateTask).Methods(http.MethodPost)
	r.HandleFunc("/api/tasks", s.handleListTasks).Methods(http.MethodGet)
	r.HandleFunc("/api/tasks/{task_id}", s.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/api/tasks/{task_id}/status", s.handleUpdateStatus).Methods(http.MethodPut)
	if store != nil {
		r.HandleFunc("/api/products/{composite}", s.handleProduct).Methods(http.MethodGet)
	}
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, title, message string) {
	writeJSON(w, status, map[string]string{
		"error":   title,
		"message": message,
	})
}

// writeManagerError maps scheduler errors onto HTTP statuses. Internal
// coordination failures surface as generic 500s so store internals never
// leak to callers.
func writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrUnknownComposite):
		writeError(w, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, scheduler.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		logger.Log.Error().Err(err).Msg("Task manager operation failed")
		writeError(w, http.StatusInternalServerError, "Internal Server Error", "task store unavailable")
	}
}

// parseTimestamp accepts ISO-8601 with or without a zone; zoneless
// values are taken as UTC.
func parseTimestamp(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	return time.Parse("2006-01-02T15:04:05", s)
}

func (s *server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Composite string `json:"composite"`
		Timestamp string `json:"timestamp"`
		Priority  string `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	ts, err := parseTimestamp(req.Timestamp)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid Time Format",
			"timestamp must be ISO 8601 (e.g. 2025-04-20T04:00:00Z)")
		return
	}
	slot := tasks.TruncateToSlot(ts, s.cfg.Cadence)

	task, err := s.mgr.Create(r.Context(), req.Composite, slot, tasks.ParsePriority(req.Priority))
	if err != nil {
		writeManagerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"task_id": task.ID,
		"status":  task.Status,
		"created": task.Created,
	})
}

func (s *server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.mgr.Get(r.Context(), mux.Vars(r)["task_id"])
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := scheduler.ListFilter{Composite: q.Get("composite")}
	if raw := q.Get("status"); raw != "" {
		status, ok := tasks.ParseStatus(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "Bad Request", "invalid status value: "+raw)
			return
		}
		filter.Status = status
	}

	page := 1
	if raw := q.Get("page"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			page = n
		}
	}
	perPage := 20
	if raw := q.Get("per_page"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			perPage = n
		}
	}
	filter.Limit = perPage
	filter.Offset = (page - 1) * perPage

	list, total, err := s.mgr.List(r.Context(), filter)
	if err != nil {
		writeManagerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks":    list,
		"total":    total,
		"page":     page,
		"per_page": perPage,
		"pages":    (total + perPage - 1) / perPage,
	})
}

func (s *server) handleNextTask(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		writeError(w, http.StatusBadRequest, "Bad Request", "missing worker_id parameter")
		return
	}

	task, err := s.mgr.LeaseNext(r.Context(), workerID)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task_id":   task.ID,
		"composite": task.Composite,
		"timestamp": task.Timestamp,
	})
}

func (s *server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status       string `json:"status"`
		WorkerID     string `json:"worker_id"`
		ErrorMessage string `json:"error_message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	status, ok := tasks.ParseStatus(req.Status)
	if !ok {
		writeError(w, http.StatusBadRequest, "Bad Request", "invalid status value: "+req.Status)
		return
	}

	task, err := s.mgr.UpdateStatus(r.Context(), mux.Vars(r)["task_id"], status, req.WorkerID, req.ErrorMessage)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleProduct serves the on-demand backfill path: an existing product
// gets a presigned download URL, a missing one gets a low-priority task
// instead of a failed request.
func (s *server) handleProduct(w http.ResponseWriter, r *http.Request) {
	composite := mux.Vars(r)["composite"]
	if _, ok := s.composites[composite]; !ok {
		writeError(w, http.StatusNotFound, "Not Found", "composite "+composite+" not available")
		return
	}

	raw := r.URL.Query().Get("time")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "Bad Request", "missing time parameter")
		return
	}
	ts, err := parseTimestamp(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid Time Format",
			"time must be ISO 8601 (e.g. 2025-04-20T04:00:00Z)")
		return
	}
	slot := tasks.TruncateToSlot(ts, s.cfg.Cadence)

	exists, err := s.store.Exists(r.Context(), composite, slot)
	if err != nil {
		logger.Log.Error().Err(err).Str("composite", composite).Msg("Object store check failed")
		writeError(w, http.StatusInternalServerError, "Internal Server Error", "object store unavailable")
		return
	}

	if exists {
		url, err := s.store.PresignedURL(r.Context(), composite, slot, s.cfg.PresignExpiry)
		if err != nil {
			logger.Log.Error().Err(err).Str("composite", composite).Msg("Presign failed")
			writeError(w, http.StatusInternalServerError, "Internal Server Error", "object store unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
		return
	}

	task, err := s.mgr.Create(r.Context(), composite, slot, tasks.PriorityLow)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"task_id": task.ID,
		"status":  task.Status,
	})
}
