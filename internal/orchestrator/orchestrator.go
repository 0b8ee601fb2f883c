package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"marketplace-sync-orchestrator/internal/models"
	"marketplace-sync-orchestrator/internal/pipeline"
	"marketplace-sync-orchestrator/internal/queue"
	"marketplace-sync-orchestrator/internal/status"
	"marketplace-sync-orchestrator/internal/telemetry"
)

// EventStore is the store surface the orchestrator needs.
type EventStore interface {
	InsertWorkflowEvent(ctx context.Context, evt models.WorkflowEvent) (bool, error)
	DeleteWorkflowEvent(ctx context.Context, runID, eventType string) error
	GetRun(ctx context.Context, id string) (models.SyncRun, error)
	SetCurrentStep(ctx context.Context, runID, step string, expectedVersion int64) (bool, error)
	MarkRunCompleted(ctx context.Context, runID string) (bool, error)
	MergeCounters(ctx context.Context, runID string, counters map[string]int64) error
	LatestRunForTenant(ctx context.Context, tenantID string) (models.SyncRun, bool, error)
	AppendRunEvent(ctx context.Context, runID, event, detail string) error
}

// TaskQueue is the queue surface the orchestrator needs.
type TaskQueue interface {
	Enqueue(ctx context.Context, t queue.Task) (bool, error)
}

// Orchestrator routes cross-service workflow events. Every handler is
// idempotent on (runID, eventType): the workflow_events insert is the only
// admission gate, so a redelivered event changes nothing.
type Orchestrator struct {
	store    EventStore
	queue    TaskQueue
	archiver RunArchiver
}

// RunArchiver stores a report when a run reaches completed.
type RunArchiver interface {
	PutRunReport(ctx context.Context, run models.SyncRun, summary models.ResultSummary) error
}

func New(store EventStore, q TaskQueue) *Orchestrator {
	return &Orchestrator{store: store, queue: q}
}

// SetArchiver installs the optional completed-run report archiver.
func (o *Orchestrator) SetArchiver(a RunArchiver) { o.archiver = a }

// Notify lets a same-process worker hand events over without HTTP.
func (o *Orchestrator) Notify(ctx context.Context, evt models.WorkflowEvent) error {
	return o.HandleEvent(ctx, evt)
}

// HandleEvent consumes one workflow event. Duplicates are absorbed silently:
// they bump a counter and succeed without reaching any handler.
func (o *Orchestrator) HandleEvent(ctx context.Context, evt models.WorkflowEvent) error {
	err := o.consume(ctx, evt)
	if errors.Is(err, pipeline.ErrDuplicateEvent) {
		telemetry.DuplicateEvents.Inc()
		return nil
	}
	return err
}

// consume admits and routes a single event. The workflow_events row is the
// admission gate; when routing an admitted event fails, the row is unwound so
// the sender's redelivery is admitted again instead of absorbed as a
// duplicate, otherwise a transient failure would strand the run mid-pipeline.
func (o *Orchestrator) consume(ctx context.Context, evt models.WorkflowEvent) error {
	if !models.KnownEventType(evt.EventType) {
		return fmt.Errorf("unknown event type %q", evt.EventType)
	}
	if evt.RunID == "" || evt.TenantID == "" {
		return fmt.Errorf("event %s missing run or tenant id", evt.EventType)
	}
	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = time.Now().UTC()
	}

	inserted, err := o.store.InsertWorkflowEvent(ctx, evt)
	if err != nil {
		return fmt.Errorf("record event %s for run %s: %w", evt.EventType, evt.RunID, err)
	}
	if !inserted {
		return pipeline.ErrDuplicateEvent
	}

	if err := o.route(ctx, evt); err != nil {
		if delErr := o.store.DeleteWorkflowEvent(ctx, evt.RunID, evt.EventType); delErr != nil {
			log.Printf("orchestrator: unwind event %s for run %s: %v", evt.EventType, evt.RunID, delErr)
		}
		return err
	}
	return nil
}

// route dispatches an admitted event to its stage handler. Every branch is
// safe to re-run: step advances and enqueues are idempotent, terminal
// transitions are guarded, counter merges overwrite by key.
func (o *Orchestrator) route(ctx context.Context, evt models.WorkflowEvent) error {
	run, err := o.store.GetRun(ctx, evt.RunID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", evt.RunID, err)
	}
	run = status.NormalizeRun(run)

	switch evt.EventType {
	case models.EventSyncComplete:
		return o.advance(ctx, run, evt, models.StepDetect)
	case models.EventDetectionComplete:
		return o.advance(ctx, run, evt, models.StepMatch)
	case models.EventEvidenceComplete:
		if err := o.advance(ctx, run, evt, models.StepSubmit); err != nil {
			return err
		}
		if run.Status == models.StatusCancelled || run.Status == models.StatusFailed {
			return nil
		}
		if transitioned, err := o.store.MarkRunCompleted(ctx, run.ID); err != nil {
			return fmt.Errorf("complete run %s: %w", run.ID, err)
		} else if transitioned {
			telemetry.RunsCompleted.Inc()
			_ = o.store.AppendRunEvent(ctx, run.ID, "completed", "evidence matched, submission queued")
			o.archiveReport(ctx, run.ID)
		}
		return nil
	case models.EventClaimSubmitted, models.EventClaimRejected, models.EventPayoutReceived:
		// Terminal bookkeeping only; these never re-enter the pipeline.
		if err := o.store.MergeCounters(ctx, run.ID, evt.Payload); err != nil {
			return fmt.Errorf("bookkeep %s for run %s: %w", evt.EventType, run.ID, err)
		}
		_ = o.store.AppendRunEvent(ctx, run.ID, "bookkeeping", "event="+evt.EventType)
		return nil
	}
	return nil
}

// advance moves the run's step pointer and enqueues the next stage. Events
// landing on a cancelled or failed run are absorbed without side effects.
func (o *Orchestrator) advance(ctx context.Context, run models.SyncRun, evt models.WorkflowEvent, next string) error {
	if run.Status == models.StatusCancelled || run.Status == models.StatusFailed {
		_ = o.store.AppendRunEvent(ctx, run.ID, "event_ignored",
			fmt.Sprintf("event=%s run_status=%s", evt.EventType, run.Status))
		return nil
	}

	// Counter merges bump the version concurrently, so the pointer write
	// re-reads and retries a few times before giving up.
	advanced := false
	version := run.Version
	for attempt := 0; attempt < 4; attempt++ {
		ok, err := o.store.SetCurrentStep(ctx, run.ID, next, version)
		if err != nil {
			return fmt.Errorf("advance run %s to %s: %w", run.ID, next, err)
		}
		if ok {
			advanced = true
			break
		}
		fresh, err := o.store.GetRun(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("reload run %s: %w", run.ID, err)
		}
		version = fresh.Version
	}
	if !advanced {
		log.Printf("orchestrator: step pointer for run %s still contended after retries, status may lag %s", run.ID, next)
	}

	if _, err := o.queue.Enqueue(ctx, queue.Task{
		RunID:    run.ID,
		TenantID: run.TenantID,
		Step:     next,
		Attempt:  0,
		Payload:  map[string]any{},
	}); err != nil {
		return fmt.Errorf("enqueue %s for run %s: %w", next, run.ID, err)
	}
	log.Printf("orchestrator: run %s advanced to %s on %s", run.ID, next, evt.EventType)
	return nil
}

// archiveReport uploads the completed run and its counter summary. Archival
// is best effort; a failed upload never fails the event.
func (o *Orchestrator) archiveReport(ctx context.Context, runID string) {
	if o.archiver == nil {
		return
	}
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		log.Printf("orchestrator: load run %s for report: %v", runID, err)
		return
	}
	run = status.NormalizeRun(run)
	summary := models.ResultSummary{
		RunID:           run.ID,
		TenantID:        run.TenantID,
		Status:          run.Status,
		OrdersProcessed: run.Counter(models.CounterRecordsPersisted),
		ClaimsDetected:  run.Counter(models.CounterClaimsDetected),
		EvidenceMatched: run.Counter(models.CounterEvidenceMatched),
		ClaimsSubmitted: run.Counter(models.CounterClaimsSubmitted),
	}
	if err := o.archiver.PutRunReport(ctx, run, summary); err != nil {
		log.Printf("orchestrator: archive report for run %s: %v", runID, err)
	}
}

// Stage states reported by AggregateStatus.
const (
	StagePending   = "pending"
	StageActive    = "active"
	StageCompleted = "completed"
	StageFailed    = "failed"
	StageCancelled = "cancelled"
)

// StageStatus is one pipeline stage in a dashboard snapshot.
type StageStatus struct {
	Step  string `json:"step"`
	State string `json:"state"`
}

// AggregateStatus is the per-stage snapshot dashboards consume.
type AggregateStatus struct {
	TenantID    string           `json:"tenant_id"`
	RunID       string           `json:"run_id,omitempty"`
	RunStatus   string           `json:"run_status"`
	CurrentStep string           `json:"current_step,omitempty"`
	Stages      []StageStatus    `json:"stages"`
	Counters    map[string]int64 `json:"counters,omitempty"`
}

// GetAggregateStatus reports the tenant's latest run broken down by stage.
func (o *Orchestrator) GetAggregateStatus(ctx context.Context, tenantID string) (AggregateStatus, error) {
	run, found, err := o.store.LatestRunForTenant(ctx, tenantID)
	if err != nil {
		return AggregateStatus{}, fmt.Errorf("latest run for %s: %w", tenantID, err)
	}
	if !found {
		return AggregateStatus{TenantID: tenantID, RunStatus: models.StatusIdle, Stages: pendingStages()}, nil
	}
	run = status.NormalizeRun(run)

	current := -1
	for i, s := range models.Steps {
		if s == run.CurrentStep {
			current = i
		}
	}

	stages := make([]StageStatus, len(models.Steps))
	for i, s := range models.Steps {
		state := StagePending
		switch {
		case run.Status == models.StatusCompleted:
			state = StageCompleted
		case i < current:
			state = StageCompleted
		case i == current:
			switch run.Status {
			case models.StatusRunning:
				state = StageActive
			case models.StatusFailed:
				state = StageFailed
			case models.StatusCancelled:
				state = StageCancelled
			}
		}
		stages[i] = StageStatus{Step: s, State: state}
	}

	return AggregateStatus{
		TenantID:    tenantID,
		RunID:       run.ID,
		RunStatus:   run.Status,
		CurrentStep: run.CurrentStep,
		Stages:      stages,
		Counters:    run.Metadata,
	}, nil
}

func pendingStages() []StageStatus {
	stages := make([]StageStatus, len(models.Steps))
	for i, s := range models.Steps {
		stages[i] = StageStatus{Step: s, State: StagePending}
	}
	return stages
}
