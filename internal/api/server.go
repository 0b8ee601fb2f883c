package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"marketplace-sync-orchestrator/internal/pipeline"
	"marketplace-sync-orchestrator/internal/ratelimit"
	"marketplace-sync-orchestrator/internal/syncmgr"
	"marketplace-sync-orchestrator/internal/telemetry"
)

// DLQReader exposes dead-letter contents for operational inspection.
type DLQReader interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Server wires HTTP handlers for the sync management API.
type Server struct {
	manager *syncmgr.Manager
	limiter *ratelimit.TokenBucket
	dlq     DLQReader
}

// New constructs the API server.
func New(manager *syncmgr.Manager, limiter *ratelimit.TokenBucket, dlq DLQReader) *Server {
	return &Server{
		manager: manager,
		limiter: limiter,
		dlq:     dlq,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/syncs", s.handleStart)
	r.Get("/syncs", s.handleHistory)
	r.Get("/syncs/{runID}", s.handleStatus)
	r.Post("/syncs/{runID}/cancel", s.handleCancel)
	r.Get("/syncs/{runID}/results", s.handleResults)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type startRequest struct {
	Cursor string `json:"cursor"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)

	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowTenant(r.Context(), tenant)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	var req startRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}

	handle, err := s.manager.Start(r.Context(), tenant, syncmgr.StartOptions{Cursor: req.Cursor})
	if err != nil {
		var conflict *pipeline.ConflictError
		if errors.As(err, &conflict) {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":         "sync already active for tenant",
				"active_run_id": conflict.ActiveRunID,
			})
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": handle.Run.ID,
		"status": handle.Run.Status,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.manager.Status(r.Context(), runID)
	if err != nil {
		if errors.Is(err, pipeline.ErrRunNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.manager.Cancel(r.Context(), runID); err != nil {
		if errors.Is(err, pipeline.ErrRunNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	summary, err := s.manager.Results(r.Context(), runID)
	if err != nil {
		if errors.Is(err, pipeline.ErrRunNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		tenant = tenantFromRequest(r)
	}
	page := queryInt(r, "page", 1)
	perPage := queryInt(r, "per_page", 20)

	runs, err := s.manager.History(r.Context(), tenant, page, perPage)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant": tenant,
		"page":   page,
		"runs":   runs,
	})
}

// handleDLQ returns dead-lettered task keys.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.dlq.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return i
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}
