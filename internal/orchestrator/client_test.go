package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"marketplace-sync-orchestrator/internal/models"
)

func TestWebhookClientDeliversEvent(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := NewWebhookClient(srv.URL, time.Second)
	err := client.Notify(context.Background(), models.WorkflowEvent{
		EventType: models.EventSyncComplete,
		TenantID:  "acme",
		RunID:     "run-1",
		Payload:   map[string]int64{models.CounterRecordsPersisted: 9},
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if gotPath != "/events/sync.complete" {
		t.Fatalf("posted to %q", gotPath)
	}
	if gotBody["run_id"] != "run-1" || gotBody["tenant_id"] != "acme" {
		t.Fatalf("body lost ids: %v", gotBody)
	}
}

func TestWebhookClientSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewWebhookClient(srv.URL, time.Second)
	err := client.Notify(context.Background(), models.WorkflowEvent{
		EventType: models.EventSyncComplete, TenantID: "acme", RunID: "run-1",
	})
	if err == nil {
		t.Fatalf("expected delivery error")
	}
}
