package models

import (
	"time"
)

// Canonical run statuses. This is the only vocabulary ever written to the
// store; anything else seen on a read boundary goes through status.Normalize.
const (
	StatusIdle      = "idle"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Pipeline steps, in execution order.
const (
	StepFetch     = "fetch"
	StepNormalize = "normalize"
	StepPersist   = "persist"
	StepDetect    = "detect"
	StepMatch     = "match"
	StepSubmit    = "submit"
)

// Steps lists the pipeline stages in order.
var Steps = []string{StepFetch, StepNormalize, StepPersist, StepDetect, StepMatch, StepSubmit}

// IsTerminal reports whether a canonical status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// NextStep returns the stage after step, or "" when step is the last one.
func NextStep(step string) string {
	for i, s := range Steps {
		if s == step && i+1 < len(Steps) {
			return Steps[i+1]
		}
	}
	return ""
}

// KnownStep reports whether step names a pipeline stage.
func KnownStep(step string) bool {
	for _, s := range Steps {
		if s == step {
			return true
		}
	}
	return false
}

// Metadata counter keys written by step handlers and event bookkeeping.
const (
	CounterOrdersFetched     = "orders_fetched"
	CounterRecordsNormalized = "records_normalized"
	CounterRecordsPersisted  = "records_persisted"
	CounterClaimsDetected    = "claims_detected"
	CounterEvidenceMatched   = "evidence_matched"
	CounterClaimsSubmitted   = "claims_submitted"
	CounterClaimsRejected    = "claims_rejected"
	CounterPayoutsReceived   = "payouts_received"
)

// SyncRun is one execution of the ingest-and-detect pipeline for one tenant,
// persisted in Postgres as the source of truth across restarts.
type SyncRun struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenant_id"`
	Status      string           `json:"status"`
	CurrentStep string           `json:"current_step"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
	Metadata    map[string]int64 `json:"metadata"`
	RetryCount  int              `json:"retry_count"`
	LastError   *string          `json:"last_error,omitempty"`
	Version     int64            `json:"version"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Counter returns the named metadata counter, nil when it was never recorded.
// Callers must not substitute zero for nil; absence means unknown.
func (r SyncRun) Counter(key string) *int64 {
	if r.Metadata == nil {
		return nil
	}
	v, ok := r.Metadata[key]
	if !ok {
		return nil
	}
	return &v
}

// ResultSummary aggregates a run's persisted counters. Nil fields mean the
// value is unknown, never zero.
type ResultSummary struct {
	RunID           string `json:"run_id"`
	TenantID        string `json:"tenant_id"`
	Status          string `json:"status"`
	OrdersProcessed *int64 `json:"orders_processed"`
	ClaimsDetected  *int64 `json:"claims_detected"`
	EvidenceMatched *int64 `json:"evidence_matched"`
	ClaimsSubmitted *int64 `json:"claims_submitted"`
}

// RunEvent is an audit row recording a lifecycle transition.
type RunEvent struct {
	RunID    string    `json:"run_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
