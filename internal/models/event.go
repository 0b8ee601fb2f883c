package models

import (
	"time"
)

// Workflow event types delivered between the sync and detection services.
const (
	EventSyncComplete      = "sync.complete"
	EventDetectionComplete = "detection.complete"
	EventEvidenceComplete  = "evidence.complete"
	EventClaimSubmitted    = "claim.submitted"
	EventClaimRejected     = "claim.rejected"
	EventPayoutReceived    = "payout.received"
)

// EventTypes lists every accepted workflow event type.
var EventTypes = []string{
	EventSyncComplete,
	EventDetectionComplete,
	EventEvidenceComplete,
	EventClaimSubmitted,
	EventClaimRejected,
	EventPayoutReceived,
}

// KnownEventType reports whether t names a workflow event type.
func KnownEventType(t string) bool {
	for _, e := range EventTypes {
		if e == t {
			return true
		}
	}
	return false
}

// WorkflowEvent is a cross-service notification. Delivery is at-least-once,
// so (RunID, EventType) is the idempotency key; the first delivery wins and
// duplicates are absorbed.
type WorkflowEvent struct {
	EventType  string           `json:"event_type"`
	TenantID   string           `json:"tenant_id"`
	RunID      string           `json:"run_id"`
	Payload    map[string]int64 `json:"payload,omitempty"`
	ReceivedAt time.Time        `json:"received_at"`
}
