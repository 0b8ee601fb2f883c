package syncmgr

import (
	"context"
	"fmt"
	"log"
	"time"

	"marketplace-sync-orchestrator/internal/models"
	"marketplace-sync-orchestrator/internal/pipeline"
	"marketplace-sync-orchestrator/internal/queue"
	"marketplace-sync-orchestrator/internal/registry"
	"marketplace-sync-orchestrator/internal/status"
	"marketplace-sync-orchestrator/internal/telemetry"
)

// RunStore is the slice of the persistent store the manager needs.
type RunStore interface {
	CreateRun(ctx context.Context, tenantID string) (models.SyncRun, error)
	GetRun(ctx context.Context, id string) (models.SyncRun, error)
	ActiveRunForTenant(ctx context.Context, tenantID string) (models.SyncRun, bool, error)
	ListRuns(ctx context.Context, tenantID string, page, perPage int) ([]models.SyncRun, error)
	MarkRunCancelled(ctx context.Context, runID string) (bool, error)
	AppendRunEvent(ctx context.Context, runID, event, detail string) error
	CountDetectionsSince(ctx context.Context, tenantID string, since time.Time) (int64, error)
}

// TaskQueue is the queue surface the manager needs: it only enqueues the
// first step and purges on cancel, never executes pipeline logic inline.
type TaskQueue interface {
	Enqueue(ctx context.Context, t queue.Task) (bool, error)
	PurgeRun(ctx context.Context, runID string) (int, error)
}

// StartOptions carries caller-supplied knobs for a run.
type StartOptions struct {
	Cursor string
}

// RunHandle is returned from Start: the created run plus its in-memory
// handle for fast cancel checks within this process.
type RunHandle struct {
	Run    models.SyncRun
	Handle *registry.Handle
}

// Manager is the public-facing coordinator for sync runs. Its operations
// are synchronous store/queue calls; pipeline work happens only in workers.
type Manager struct {
	store    RunStore
	queue    TaskQueue
	registry *registry.Registry
}

func New(store RunStore, q TaskQueue, reg *registry.Registry) *Manager {
	return &Manager{store: store, queue: q, registry: reg}
}

// Start creates a run for the tenant and enqueues the fetch step. It fails
// with ConflictError when an active non-terminal run already exists, checked
// against the registry first and then the store; the store is authoritative
// since a run can be active there with no handle after a restart.
func (m *Manager) Start(ctx context.Context, tenantID string, opts StartOptions) (RunHandle, error) {
	if h, ok := m.registry.ActiveForTenant(tenantID); ok {
		// The handle may be stale if another process finished the run;
		// trust it only while the store agrees.
		run, found, err := m.store.ActiveRunForTenant(ctx, tenantID)
		if err != nil {
			return RunHandle{}, fmt.Errorf("check active run: %w", err)
		}
		if found {
			telemetry.RunConflicts.Inc()
			return RunHandle{}, &pipeline.ConflictError{TenantID: tenantID, ActiveRunID: run.ID}
		}
		m.registry.Deregister(h.RunID)
	}

	if run, found, err := m.store.ActiveRunForTenant(ctx, tenantID); err != nil {
		return RunHandle{}, fmt.Errorf("check active run: %w", err)
	} else if found {
		telemetry.RunConflicts.Inc()
		return RunHandle{}, &pipeline.ConflictError{TenantID: tenantID, ActiveRunID: run.ID}
	}

	run, err := m.store.CreateRun(ctx, tenantID)
	if err != nil {
		if pipeline.IsConflict(err) {
			telemetry.RunConflicts.Inc()
		}
		return RunHandle{}, err
	}

	handle, _ := m.registry.Register(run.ID, tenantID)

	payload := map[string]any{}
	if opts.Cursor != "" {
		payload["cursor"] = opts.Cursor
	}
	if _, err := m.queue.Enqueue(ctx, queue.Task{
		RunID:    run.ID,
		TenantID: tenantID,
		Step:     models.StepFetch,
		Attempt:  0,
		Payload:  payload,
	}); err != nil {
		// The run exists but its first task does not; the reconciler will
		// fail it if nothing retries. Surface the enqueue error.
		return RunHandle{}, fmt.Errorf("enqueue fetch step: %w", err)
	}

	_ = m.store.AppendRunEvent(ctx, run.ID, "started", fmt.Sprintf("tenant=%s", tenantID))
	telemetry.RunsStarted.Inc()
	return RunHandle{Run: run, Handle: handle}, nil
}

// Status returns the run with its status normalized.
func (m *Manager) Status(ctx context.Context, runID string) (models.SyncRun, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return models.SyncRun{}, err
	}
	return status.NormalizeRun(run), nil
}

// Cancel marks the run cancelled in the store, signals the in-memory handle
// if this process holds one, and purges waiting/delayed tasks for the run.
// A run with no handle (the orchestrating process restarted) still cancels
// via the store alone, and cancelling an already-terminal run is a no-op.
func (m *Manager) Cancel(ctx context.Context, runID string) error {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	transitioned, err := m.store.MarkRunCancelled(ctx, runID)
	if err != nil {
		return fmt.Errorf("cancel run %s: %w", runID, err)
	}

	if m.registry.Cancel(runID) {
		m.registry.Deregister(runID)
	}

	// A completed run keeps its queued submit bookkeeping; purging applies
	// only to runs whose tasks will never execute.
	if status.NormalizeRun(run).Status != models.StatusCompleted {
		if purged, err := m.queue.PurgeRun(ctx, runID); err != nil {
			log.Printf("syncmgr: purge tasks for run %s: %v", runID, err)
		} else if purged > 0 {
			_ = m.store.AppendRunEvent(ctx, runID, "tasks_purged", fmt.Sprintf("count=%d", purged))
		}
	}

	if transitioned {
		_ = m.store.AppendRunEvent(ctx, runID, "cancelled", "cancel requested")
		telemetry.RunsCancelled.Inc()
	}
	return nil
}

// Results computes a run summary from persisted counters. Where metadata
// never recorded a counter, detection output created after the run started
// is aggregated instead — but only once the run actually reached that stage.
// Absent data stays nil; the manager never fabricates zeros.
func (m *Manager) Results(ctx context.Context, runID string) (models.ResultSummary, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return models.ResultSummary{}, err
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
	if summary.OrdersProcessed == nil {
		summary.OrdersProcessed = run.Counter(models.CounterOrdersFetched)
	}
	if summary.ClaimsDetected == nil && stepReached(run, models.StepDetect) {
		if n, err := m.store.CountDetectionsSince(ctx, run.TenantID, run.StartedAt); err == nil {
			summary.ClaimsDetected = &n
		} else {
			log.Printf("syncmgr: aggregate detections for run %s: %v", runID, err)
		}
	}
	return summary, nil
}

// History lists a tenant's runs, most recent first.
func (m *Manager) History(ctx context.Context, tenantID string, page, perPage int) ([]models.SyncRun, error) {
	runs, err := m.store.ListRuns(ctx, tenantID, page, perPage)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		runs[i] = status.NormalizeRun(runs[i])
	}
	return runs, nil
}

// stepReached reports whether the run's pipeline pointer is at or past step.
func stepReached(run models.SyncRun, step string) bool {
	if run.Status == models.StatusCompleted {
		return true
	}
	current, target := -1, -1
	for i, s := range models.Steps {
		if s == run.CurrentStep {
			current = i
		}
		if s == step {
			target = i
		}
	}
	return current >= target && target >= 0
}
