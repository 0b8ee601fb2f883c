package worker

import (
	"context"
	"errors"
	"fmt"

	"marketplace-sync-orchestrator/internal/models"
	"marketplace-sync-orchestrator/internal/pipeline"
	"marketplace-sync-orchestrator/internal/queue"
)

// defaultMaxFetchPages applies when config leaves the bound unset.
const defaultMaxFetchPages = 500

// RegisterSteps binds the external collaborators to their pipeline steps.
// The gate paces every marketplace call inside the fetch loop; single-call
// marketplace steps are paced by the processor itself.
func RegisterSteps(p *Processor, collab pipeline.Collaborators, gate Gate) {
	h := &stepHandlers{collab: collab, gate: gate, maxPages: p.cfg.MaxFetchPages}
	p.RegisterHandler(models.StepFetch, h.fetch)
	p.RegisterHandler(models.StepNormalize, h.normalize)
	p.RegisterHandler(models.StepPersist, h.persist)
	p.RegisterHandler(models.StepDetect, h.detect)
	p.RegisterHandler(models.StepMatch, h.match)
	p.RegisterHandler(models.StepSubmit, h.submit)
}

type stepHandlers struct {
	collab   pipeline.Collaborators
	gate     Gate
	maxPages int
}

// fetch pulls marketplace pages until the cursor is exhausted or the page
// bound is hit, one call per rate-gate slot, and hands the raw records to
// the normalize step.
func (h *stepHandlers) fetch(ctx context.Context, t queue.Task, _ models.SyncRun) (StepResult, error) {
	cursor, _ := t.Payload["cursor"].(string)

	limit := h.maxPages
	if limit <= 0 {
		limit = defaultMaxFetchPages
	}
	var records []pipeline.Record
	for page := 0; page < limit; page++ {
		if h.gate != nil {
			if err := h.gate.Wait(ctx); err != nil {
				return StepResult{}, err
			}
		}
		pg, err := h.collab.Source.FetchPage(ctx, t.TenantID, cursor)
		if err != nil {
			return StepResult{}, pipeline.Transient(t.Step, pipeline.ReasonSourceUnavailable, err)
		}
		records = append(records, pg.Records...)
		if pg.NextCursor == "" {
			break
		}
		cursor = pg.NextCursor
	}

	return StepResult{
		Counters:    map[string]int64{models.CounterOrdersFetched: int64(len(records))},
		NextPayload: map[string]any{"records": records},
	}, nil
}

func (h *stepHandlers) normalize(ctx context.Context, t queue.Task, _ models.SyncRun) (StepResult, error) {
	records, err := recordsFromPayload(t)
	if err != nil {
		return StepResult{}, err
	}
	normalized, err := h.collab.Normalize.Normalize(ctx, t.TenantID, records)
	if err != nil {
		return StepResult{}, pipeline.Transient(t.Step, pipeline.ReasonStepFatal, err)
	}
	return StepResult{
		Counters:    map[string]int64{models.CounterRecordsNormalized: int64(len(normalized))},
		NextPayload: map[string]any{"records": normalized},
	}, nil
}

func (h *stepHandlers) persist(ctx context.Context, t queue.Task, _ models.SyncRun) (StepResult, error) {
	records, err := recordsFromPayload(t)
	if err != nil {
		return StepResult{}, err
	}
	n, err := h.collab.Persist.Persist(ctx, t.TenantID, records)
	if err != nil {
		return StepResult{}, pipeline.Transient(t.Step, pipeline.ReasonStepFatal, err)
	}
	return StepResult{
		Counters: map[string]int64{models.CounterRecordsPersisted: n},
	}, nil
}

func (h *stepHandlers) detect(ctx context.Context, t queue.Task, _ models.SyncRun) (StepResult, error) {
	n, err := h.collab.Detect.Detect(ctx, t.TenantID, t.RunID)
	if err != nil {
		return StepResult{}, pipeline.Transient(t.Step, pipeline.ReasonStepFatal, err)
	}
	return StepResult{
		Counters: map[string]int64{models.CounterClaimsDetected: n},
	}, nil
}

func (h *stepHandlers) match(ctx context.Context, t queue.Task, _ models.SyncRun) (StepResult, error) {
	n, err := h.collab.Match.Match(ctx, t.TenantID, t.RunID)
	if err != nil {
		return StepResult{}, pipeline.Transient(t.Step, pipeline.ReasonStepFatal, err)
	}
	return StepResult{
		Counters: map[string]int64{models.CounterEvidenceMatched: n},
	}, nil
}

func (h *stepHandlers) submit(ctx context.Context, t queue.Task, _ models.SyncRun) (StepResult, error) {
	n, err := h.collab.Submit.Submit(ctx, t.TenantID, t.RunID)
	if err != nil {
		return StepResult{}, pipeline.Transient(t.Step, pipeline.ReasonStepFatal, err)
	}
	return StepResult{
		Counters: map[string]int64{models.CounterClaimsSubmitted: n},
	}, nil
}

// recordsFromPayload decodes the record batch carried between sync-side
// steps. A batch that cannot be decoded is malformed and never retried.
func recordsFromPayload(t queue.Task) ([]pipeline.Record, error) {
	raw, ok := t.Payload["records"]
	if !ok {
		return nil, pipeline.Fatal(t.Step, pipeline.ReasonMalformedPayload,
			errors.New("payload carries no records"))
	}
	switch v := raw.(type) {
	case []pipeline.Record:
		return v, nil
	case []any:
		out := make([]pipeline.Record, 0, len(v))
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, pipeline.Fatal(t.Step, pipeline.ReasonMalformedPayload,
					fmt.Errorf("record %d is %T, not an object", i, item))
			}
			out = append(out, pipeline.Record(m))
		}
		return out, nil
	default:
		return nil, pipeline.Fatal(t.Step, pipeline.ReasonMalformedPayload,
			fmt.Errorf("records field is %T", raw))
	}
}
