package marketplace

import (
	"context"
	"log"
	"strings"

	"marketplace-sync-orchestrator/internal/models"
	"marketplace-sync-orchestrator/internal/pipeline"
	"marketplace-sync-orchestrator/internal/store"
)

// Collaborators builds the full pipeline collaborator set backed by the
// marketplace API and the relational store.
func Collaborators(client *Client, st *store.Store) pipeline.Collaborators {
	return pipeline.Collaborators{
		Source:    client,
		Normalize: Normalizer{},
		Persist:   &Persister{store: st},
		Detect:    &Detector{store: st},
		Match:     &Matcher{store: st},
		Submit:    &Submitter{store: st, client: client},
	}
}

// Normalizer canonicalizes raw marketplace rows: one order id field, lower
// snake_case keys, rows without an order id dropped.
type Normalizer struct{}

func (Normalizer) Normalize(_ context.Context, tenantID string, records []pipeline.Record) ([]pipeline.Record, error) {
	out := make([]pipeline.Record, 0, len(records))
	for _, rec := range records {
		norm := pipeline.Record{}
		for k, v := range rec {
			norm[normalizeKey(k)] = v
		}
		if id := orderID(norm); id != "" {
			norm["order_id"] = id
			norm["tenant_id"] = tenantID
			out = append(out, norm)
		}
	}
	return out, nil
}

func normalizeKey(k string) string {
	var b strings.Builder
	for i, r := range k {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		if r == '-' || r == ' ' {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func orderID(rec pipeline.Record) string {
	for _, key := range []string{"order_id", "id"} {
		if v, ok := rec[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Persister writes normalized records to the orders table.
type Persister struct {
	store *store.Store
}

func (p *Persister) Persist(ctx context.Context, tenantID string, records []pipeline.Record) (int64, error) {
	return p.store.UpsertOrders(ctx, tenantID, records)
}

// Detector runs the SQL discrepancy scan over the tenant's orders.
type Detector struct {
	store *store.Store
}

func (d *Detector) Detect(ctx context.Context, tenantID, runID string) (int64, error) {
	return d.store.DetectClaims(ctx, tenantID, runID)
}

// Matcher attaches order-snapshot evidence to this run's detections.
type Matcher struct {
	store *store.Store
}

func (m *Matcher) Match(ctx context.Context, tenantID, runID string) (int64, error) {
	return m.store.MatchEvidence(ctx, tenantID, runID)
}

// Submitter files each matched claim with the marketplace and records the
// outcome per detection. A claim the marketplace rejects is recorded and
// skipped; only transport errors fail the step.
type Submitter struct {
	store  *store.Store
	client *Client
}

func (s *Submitter) Submit(ctx context.Context, tenantID, runID string) (int64, error) {
	claims, err := s.store.ListSubmittableClaims(ctx, tenantID, runID)
	if err != nil {
		return 0, err
	}

	var submitted int64
	for _, claim := range claims {
		accepted, err := s.client.SubmitClaim(ctx, claim)
		if err != nil {
			return submitted, err
		}
		state := models.ClaimSubmitted
		if !accepted {
			state = models.ClaimRejected
		}
		if err := s.store.SetClaimState(ctx, claim.ID, state); err != nil {
			log.Printf("marketplace: record claim %d state %s: %v", claim.ID, state, err)
		}
		if accepted {
			submitted++
		}
	}
	return submitted, nil
}
