package models

import "time"

// Claim lifecycle states within the detections table.
const (
	ClaimDetected  = "detected"
	ClaimMatched   = "matched"
	ClaimSubmitted = "submitted"
	ClaimRejected  = "rejected"
)

// Claim is a detected reimbursement opportunity moving toward submission.
type Claim struct {
	ID          int64     `json:"id"`
	TenantID    string    `json:"tenant_id"`
	RunID       string    `json:"run_id"`
	OrderID     string    `json:"order_id"`
	ClaimType   string    `json:"claim_type"`
	AmountCents int64     `json:"amount_cents"`
	State       string    `json:"state"`
	EvidenceRef string    `json:"evidence_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
