package orchestrator

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"marketplace-sync-orchestrator/internal/models"
)

func TestEventEndpoint(t *testing.T) {
	run := runningRun("run-1")
	srv := httptest.NewServer(NewServer(New(newEventStore(run), &captureQueue{})).Router())
	defer srv.Close()

	post := func(path, body string) *http.Response {
		t.Helper()
		resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post %s: %v", path, err)
		}
		resp.Body.Close()
		return resp
	}

	if resp := post("/events/order.shipped", `{"tenant_id":"acme","run_id":"run-1"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown event type: status %d", resp.StatusCode)
	}
	if resp := post("/events/"+models.EventSyncComplete, `{"tenant_id":"acme"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing run id: status %d", resp.StatusCode)
	}
	if resp := post("/events/"+models.EventSyncComplete, `not json`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid json: status %d", resp.StatusCode)
	}
	if resp := post("/events/"+models.EventSyncComplete, `{"tenant_id":"acme","run_id":"run-404"}`); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown run: status %d", resp.StatusCode)
	}

	ok := post("/events/"+models.EventSyncComplete, `{"tenant_id":"acme","run_id":"run-1"}`)
	if ok.StatusCode != http.StatusAccepted {
		t.Fatalf("valid event: status %d", ok.StatusCode)
	}
	// Redelivery gets the same answer as the first delivery.
	dup := post("/events/"+models.EventSyncComplete, `{"tenant_id":"acme","run_id":"run-1"}`)
	if dup.StatusCode != http.StatusAccepted {
		t.Fatalf("duplicate event: status %d", dup.StatusCode)
	}
}

func TestStatusEndpointRequiresTenant(t *testing.T) {
	srv := httptest.NewServer(NewServer(New(newEventStore(), &captureQueue{})).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing tenant: status %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/status?tenant=acme")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}
