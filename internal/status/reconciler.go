package status

import (
	"context"
	"fmt"
	"log"

	"marketplace-sync-orchestrator/internal/models"
	"marketplace-sync-orchestrator/internal/pipeline"
)

// RunStore is the slice of the persistent store the reconciler needs.
type RunStore interface {
	ListNonTerminalRuns(ctx context.Context) ([]models.SyncRun, error)
	MarkRunFailed(ctx context.Context, runID, reason string) error
	AppendRunEvent(ctx context.Context, runID, event, detail string) error
}

// HandleIndex answers whether a live in-memory handle exists for a run.
type HandleIndex interface {
	Has(runID string) bool
}

// TaskProbe answers whether the queue still references a run.
type TaskProbe interface {
	HasLiveTasks(ctx context.Context, runID string) (bool, error)
}

// Reconciler resolves stale runs on process start. A run marked non-terminal
// in the store with no in-memory handle and no live queue task has lost its
// execution context (the owning process died) and is failed rather than left
// dangling.
type Reconciler struct {
	store    RunStore
	registry HandleIndex
	queue    TaskProbe
}

func NewReconciler(store RunStore, registry HandleIndex, queue TaskProbe) *Reconciler {
	return &Reconciler{store: store, registry: registry, queue: queue}
}

// Pass scans once and fails every orphaned run it finds. It returns the
// orphan errors for logging; individual failures do not abort the scan, so
// one tenant's broken run never blocks reconciling another's.
func (r *Reconciler) Pass(ctx context.Context) ([]pipeline.OrphanedRunError, error) {
	runs, err := r.store.ListNonTerminalRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal runs: %w", err)
	}

	var orphans []pipeline.OrphanedRunError
	for _, run := range runs {
		if r.registry != nil && r.registry.Has(run.ID) {
			continue
		}
		live, err := r.queue.HasLiveTasks(ctx, run.ID)
		if err != nil {
			log.Printf("reconciler: probe tasks for run %s: %v", run.ID, err)
			continue
		}
		if live {
			continue
		}

		if err := r.store.MarkRunFailed(ctx, run.ID, pipeline.ReasonOrphanedRun); err != nil {
			log.Printf("reconciler: fail orphaned run %s: %v", run.ID, err)
			continue
		}
		_ = r.store.AppendRunEvent(ctx, run.ID, "orphan_failed", "no handle or live task found at startup")
		orphans = append(orphans, pipeline.OrphanedRunError{RunID: run.ID, TenantID: run.TenantID})
	}
	return orphans, nil
}
