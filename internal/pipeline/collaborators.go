package pipeline

import (
	"context"
)

// Record is one normalized marketplace row moving through the pipeline.
type Record map[string]any

// Page is a single fetch result from the marketplace API.
type Page struct {
	Records    []Record
	NextCursor string
}

// SourceClient is the rate-limited marketplace fetch layer. Implementations
// live outside this repository; workers call it one page at a time behind
// the shared rate gate.
type SourceClient interface {
	FetchPage(ctx context.Context, tenantID, cursor string) (Page, error)
}

// Normalizer maps raw marketplace records into the canonical record shape.
type Normalizer interface {
	Normalize(ctx context.Context, tenantID string, records []Record) ([]Record, error)
}

// Persister writes normalized records to the relational store and reports
// how many rows it wrote.
type Persister interface {
	Persist(ctx context.Context, tenantID string, records []Record) (int64, error)
}

// Detector scores persisted records for reimbursable claims and reports how
// many detections it produced.
type Detector interface {
	Detect(ctx context.Context, tenantID, runID string) (int64, error)
}

// EvidenceMatcher pairs detections with supporting evidence documents.
type EvidenceMatcher interface {
	Match(ctx context.Context, tenantID, runID string) (int64, error)
}

// ClaimSubmitter files matched claims with the marketplace and reports how
// many were submitted.
type ClaimSubmitter interface {
	Submit(ctx context.Context, tenantID, runID string) (int64, error)
}

// Collaborators bundles the external implementations a worker executes steps
// against. The core never implements any of these.
type Collaborators struct {
	Source    SourceClient
	Normalize Normalizer
	Persist   Persister
	Detect    Detector
	Match     EvidenceMatcher
	Submit    ClaimSubmitter
}
