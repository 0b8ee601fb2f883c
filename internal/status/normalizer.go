package status

import (
	"log"

	"marketplace-sync-orchestrator/internal/models"
)

// aliases maps every status vocabulary the store has historically carried to
// the canonical five-state enum. Two generations of writers existed before
// the enum was unified: an in-memory vocabulary ("in_progress", "complete")
// and an early store vocabulary ("queued", "succeeded"). Both are translated
// on ingress and never written back.
var aliases = map[string]string{
	models.StatusIdle:      models.StatusIdle,
	models.StatusRunning:   models.StatusRunning,
	models.StatusCompleted: models.StatusCompleted,
	models.StatusFailed:    models.StatusFailed,
	models.StatusCancelled: models.StatusCancelled,

	"pending":       models.StatusIdle,
	"created":       models.StatusIdle,
	"queued":        models.StatusRunning,
	"leased":        models.StatusRunning,
	"started":       models.StatusRunning,
	"in_progress":   models.StatusRunning,
	"syncing":       models.StatusRunning,
	"processing":    models.StatusRunning,
	"complete":      models.StatusCompleted,
	"succeeded":     models.StatusCompleted,
	"success":       models.StatusCompleted,
	"done":          models.StatusCompleted,
	"error":         models.StatusFailed,
	"errored":       models.StatusFailed,
	"dead_lettered": models.StatusFailed,
	"canceled":      models.StatusCancelled,
	"aborted":       models.StatusCancelled,
}

// Normalize maps a stored status string to the canonical enum. The second
// return is false when the input was not recognized; such values fail closed
// to failed so a corrupt row can never masquerade as an active run.
func Normalize(raw string) (string, bool) {
	if canonical, ok := aliases[raw]; ok {
		return canonical, true
	}
	return models.StatusFailed, false
}

// NormalizeRun returns the run with its status forced canonical, logging an
// anomaly instead of crashing when the stored value is unrecognized.
func NormalizeRun(run models.SyncRun) models.SyncRun {
	canonical, ok := Normalize(run.Status)
	if !ok {
		log.Printf("status: run %s has unrecognized status %q, failing closed", run.ID, run.Status)
	}
	run.Status = canonical
	return run
}
