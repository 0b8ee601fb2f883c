package store

import (
	"context"
	"encoding/json"
	"fmt"

	"marketplace-sync-orchestrator/internal/models"
	"marketplace-sync-orchestrator/internal/pipeline"
)

// UpsertOrders writes normalized marketplace records, replacing any earlier
// snapshot of the same order. Re-persisting a batch after a retry lands on
// the same rows, which keeps the persist step safe to repeat.
func (s *Store) UpsertOrders(ctx context.Context, tenantID string, records []pipeline.Record) (int64, error) {
	var written int64
	for _, rec := range records {
		orderID, _ := rec["order_id"].(string)
		if orderID == "" {
			continue
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return written, fmt.Errorf("marshal order %s: %w", orderID, err)
		}
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO marketplace_orders
				(tenant_id, order_id, order_status, units_shipped, units_received, amount_cents, payload, synced_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
			ON CONFLICT (tenant_id, order_id) DO UPDATE SET
				order_status = EXCLUDED.order_status,
				units_shipped = EXCLUDED.units_shipped,
				units_received = EXCLUDED.units_received,
				amount_cents = EXCLUDED.amount_cents,
				payload = EXCLUDED.payload,
				synced_at = NOW()
		`, tenantID, orderID, recString(rec, "status"),
			recInt(rec, "units_shipped"), recInt(rec, "units_received"),
			recInt(rec, "amount_cents"), payload)
		if err != nil {
			return written, fmt.Errorf("upsert order %s: %w", orderID, err)
		}
		written += tag.RowsAffected()
	}
	return written, nil
}

// DetectClaims scans the tenant's orders for reimbursable discrepancies and
// records one detection per order and claim type. The unique index on
// (tenant_id, order_id, claim_type) makes a rerun insert nothing new.
func (s *Store) DetectClaims(ctx context.Context, tenantID, runID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO detections (tenant_id, run_id, order_id, claim_type, amount_cents, state)
		SELECT o.tenant_id, $2, o.order_id, 'lost_units',
		       CASE WHEN o.units_shipped > 0
		            THEN o.amount_cents * (o.units_shipped - o.units_received) / o.units_shipped
		            ELSE 0 END,
		       'detected'
		FROM marketplace_orders o
		WHERE o.tenant_id = $1 AND o.units_received < o.units_shipped
		ON CONFLICT (tenant_id, order_id, claim_type) DO NOTHING
	`, tenantID, runID)
	if err != nil {
		return 0, fmt.Errorf("detect claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MatchEvidence attaches the order snapshot as evidence to every detection of
// this run that still lacks it. Detections whose order carries no recorded
// value stay unmatched and never reach submission.
func (s *Store) MatchEvidence(ctx context.Context, tenantID, runID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE detections d
		SET state = 'matched', evidence_ref = 'order-snapshot:' || d.order_id
		FROM marketplace_orders o
		WHERE d.tenant_id = $1 AND d.run_id = $2 AND d.state = 'detected'
		  AND o.tenant_id = d.tenant_id AND o.order_id = d.order_id
		  AND d.amount_cents > 0
	`, tenantID, runID)
	if err != nil {
		return 0, fmt.Errorf("match evidence: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListSubmittableClaims returns this run's matched detections, oldest first.
func (s *Store) ListSubmittableClaims(ctx context.Context, tenantID, runID string) ([]models.Claim, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, run_id, order_id, claim_type, amount_cents, state, evidence_ref, created_at
		FROM detections
		WHERE tenant_id = $1 AND run_id = $2 AND state = 'matched'
		ORDER BY created_at
	`, tenantID, runID)
	if err != nil {
		return nil, fmt.Errorf("list submittable claims: %w", err)
	}
	defer rows.Close()

	var out []models.Claim
	for rows.Next() {
		var c models.Claim
		if err := rows.Scan(&c.ID, &c.TenantID, &c.RunID, &c.OrderID,
			&c.ClaimType, &c.AmountCents, &c.State, &c.EvidenceRef, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetClaimState records the submission outcome for one detection.
func (s *Store) SetClaimState(ctx context.Context, claimID int64, state string) error {
	_, err := s.pool.Exec(ctx, `UPDATE detections SET state = $2 WHERE id = $1`, claimID, state)
	return err
}

func recString(rec pipeline.Record, key string) string {
	v, _ := rec[key].(string)
	return v
}

// recInt reads a numeric field that may arrive as int64 in-process or as
// float64 after a JSON round trip.
func recInt(rec pipeline.Record, key string) int64 {
	switch v := rec[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
	}
	return 0
}
