package orchestrator

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"marketplace-sync-orchestrator/internal/models"
	"marketplace-sync-orchestrator/internal/pipeline"
	"marketplace-sync-orchestrator/internal/telemetry"
)

// Server exposes the webhook endpoints consumed by this orchestrator plus
// the aggregate status endpoint for dashboards.
type Server struct {
	orch *Orchestrator
}

func NewServer(orch *Orchestrator) *Server {
	return &Server{orch: orch}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/events/{eventType}", s.handleEvent)
	r.Get("/status", s.handleAggregateStatus)
	return r
}

type eventRequest struct {
	TenantID string           `json:"tenant_id"`
	RunID    string           `json:"run_id"`
	Payload  map[string]int64 `json:"payload"`
}

// handleEvent accepts an at-least-once webhook delivery. A duplicate gets
// the same 202 as the first delivery; idempotency is the orchestrator's job,
// not the sender's.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	eventType := chi.URLParam(r, "eventType")
	if !models.KnownEventType(eventType) {
		http.Error(w, "unknown event type", http.StatusBadRequest)
		return
	}

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.TenantID == "" || req.RunID == "" {
		http.Error(w, "tenant_id and run_id are required", http.StatusBadRequest)
		return
	}

	err := s.orch.HandleEvent(r.Context(), models.WorkflowEvent{
		EventType:  eventType,
		TenantID:   req.TenantID,
		RunID:      req.RunID,
		Payload:    req.Payload,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrRunNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleAggregateStatus(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		http.Error(w, "tenant is required", http.StatusBadRequest)
		return
	}
	snapshot, err := s.orch.GetAggregateStatus(r.Context(), tenant)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
