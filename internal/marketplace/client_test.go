package marketplace

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"marketplace-sync-orchestrator/internal/config"
	"marketplace-sync-orchestrator/internal/models"
)

func TestFetchPagePagesThroughCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/acme/orders" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("missing auth header, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("cursor") == "" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"orders":      []map[string]any{{"order_id": "o-1"}},
				"next_cursor": "p2",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"orders": []map[string]any{{"order_id": "o-2"}},
		})
	}))
	defer srv.Close()

	client := NewClient(config.Config{MarketplaceURL: srv.URL, MarketplaceToken: "sekrit", MarketplacePageSize: 50})

	page, err := client.FetchPage(context.Background(), "acme", "")
	if err != nil {
		t.Fatalf("fetch first page: %v", err)
	}
	if len(page.Records) != 1 || page.NextCursor != "p2" {
		t.Fatalf("unexpected first page: %+v", page)
	}

	page, err = client.FetchPage(context.Background(), "acme", page.NextCursor)
	if err != nil {
		t.Fatalf("fetch second page: %v", err)
	}
	if len(page.Records) != 1 || page.NextCursor != "" {
		t.Fatalf("unexpected second page: %+v", page)
	}
}

func TestFetchPageSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(config.Config{MarketplaceURL: srv.URL})
	if _, err := client.FetchPage(context.Background(), "acme", ""); err == nil {
		t.Fatalf("expected error from 429")
	}
}

func TestSubmitClaimReportsAcceptance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		accepted := body["order_id"] == "o-good"
		_ = json.NewEncoder(w).Encode(map[string]any{"accepted": accepted})
	}))
	defer srv.Close()

	client := NewClient(config.Config{MarketplaceURL: srv.URL})

	ok, err := client.SubmitClaim(context.Background(), models.Claim{TenantID: "acme", OrderID: "o-good"})
	if err != nil || !ok {
		t.Fatalf("expected acceptance, got ok=%v err=%v", ok, err)
	}
	ok, err = client.SubmitClaim(context.Background(), models.Claim{TenantID: "acme", OrderID: "o-bad"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ok {
		t.Fatalf("rejected claim reported as accepted")
	}
}
