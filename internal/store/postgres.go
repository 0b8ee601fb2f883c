package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketplace-sync-orchestrator/internal/models"
	"marketplace-sync-orchestrator/internal/pipeline"
	"marketplace-sync-orchestrator/internal/status"
)

// Store wraps pgxpool for Postgres persistence. It is the single source of
// truth for run status; every read passes through the status normalizer.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const runColumns = `id, tenant_id, status, current_step, started_at, finished_at, metadata, retry_count, last_error, version, created_at, updated_at`

// CreateRun inserts a new running SyncRun for the tenant. The partial unique
// index on active runs backs the one-active-run invariant at the row level;
// a violation is translated into the ConflictError callers expect.
func (s *Store) CreateRun(ctx context.Context, tenantID string) (models.SyncRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_runs (id, tenant_id, status, current_step, started_at, metadata, retry_count, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, '{}'::jsonb, 0, 1, $5, $5)
	`, id, tenantID, models.StatusRunning, models.StepFetch, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			active, found, lookupErr := s.ActiveRunForTenant(ctx, tenantID)
			if lookupErr == nil && found {
				return models.SyncRun{}, &pipeline.ConflictError{TenantID: tenantID, ActiveRunID: active.ID}
			}
			return models.SyncRun{}, &pipeline.ConflictError{TenantID: tenantID}
		}
		return models.SyncRun{}, fmt.Errorf("insert sync run: %w", err)
	}

	return models.SyncRun{
		ID:          id,
		TenantID:    tenantID,
		Status:      models.StatusRunning,
		CurrentStep: models.StepFetch,
		StartedAt:   now,
		Metadata:    map[string]int64{},
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetRun fetches a run by id with its status normalized.
func (s *Store) GetRun(ctx context.Context, id string) (models.SyncRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM sync_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.SyncRun{}, pipeline.ErrRunNotFound
		}
		return models.SyncRun{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

// ActiveRunForTenant returns the tenant's non-terminal run, if one exists.
func (s *Store) ActiveRunForTenant(ctx context.Context, tenantID string) (models.SyncRun, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM sync_runs
		WHERE tenant_id = $1 AND status NOT IN ($2, $3, $4)
		ORDER BY started_at DESC LIMIT 1
	`, tenantID, models.StatusCompleted, models.StatusFailed, models.StatusCancelled)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SyncRun{}, false, nil
	}
	if err != nil {
		return models.SyncRun{}, false, fmt.Errorf("active run for tenant %s: %w", tenantID, err)
	}
	return run, true, nil
}

// LatestRunForTenant returns the most recent run regardless of status.
func (s *Store) LatestRunForTenant(ctx context.Context, tenantID string) (models.SyncRun, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM sync_runs
		WHERE tenant_id = $1 ORDER BY started_at DESC LIMIT 1
	`, tenantID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SyncRun{}, false, nil
	}
	if err != nil {
		return models.SyncRun{}, false, fmt.Errorf("latest run for tenant %s: %w", tenantID, err)
	}
	return run, true, nil
}

// ListRuns pages through a tenant's run history, most recent first.
func (s *Store) ListRuns(ctx context.Context, tenantID string, page, perPage int) ([]models.SyncRun, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM sync_runs
		WHERE tenant_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	`, tenantID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []models.SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// ListNonTerminalRuns returns every run still marked active, for the
// reconciler's startup scan.
func (s *Store) ListNonTerminalRuns(ctx context.Context) ([]models.SyncRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM sync_runs
		WHERE status NOT IN ($1, $2, $3)
	`, models.StatusCompleted, models.StatusFailed, models.StatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal runs: %w", err)
	}
	defer rows.Close()

	var out []models.SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// SetCurrentStep advances a run's step pointer under an optimistic version
// check so two workers cannot race the pointer past each other. Returns
// false when the version moved underneath the caller.
func (s *Store) SetCurrentStep(ctx context.Context, runID, step string, expectedVersion int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_runs
		SET current_step = $2, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $3
	`, runID, step, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("set current step: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MergeCounters folds step counters into the run metadata atomically.
func (s *Store) MergeCounters(ctx context.Context, runID string, counters map[string]int64) error {
	if len(counters) == 0 {
		return nil
	}
	payload, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE sync_runs
		SET metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1
	`, runID, payload)
	return err
}

// IncrementRetryCount records another retry and the stable reason code.
func (s *Store) IncrementRetryCount(ctx context.Context, runID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_runs
		SET retry_count = retry_count + 1, last_error = $2,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1
	`, runID, reason)
	return err
}

// MarkRunCompleted transitions the run to completed. The status guard makes
// the terminal transition exactly-once: a run already terminal is untouched.
func (s *Store) MarkRunCompleted(ctx context.Context, runID string) (bool, error) {
	return s.markTerminal(ctx, runID, models.StatusCompleted, nil)
}

// MarkRunFailed transitions the run to failed with a stable reason code.
func (s *Store) MarkRunFailed(ctx context.Context, runID, reason string) error {
	_, err := s.markTerminal(ctx, runID, models.StatusFailed, &reason)
	return err
}

// MarkRunCancelled transitions the run to cancelled. Returns false when the
// run was already terminal, which callers treat as idempotent success.
func (s *Store) MarkRunCancelled(ctx context.Context, runID string) (bool, error) {
	return s.markTerminal(ctx, runID, models.StatusCancelled, nil)
}

func (s *Store) markTerminal(ctx context.Context, runID, terminalStatus string, reason *string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_runs
		SET status = $2, last_error = $3, finished_at = NOW(),
		    version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($4, $5, $6)
	`, runID, terminalStatus, reason,
		models.StatusCompleted, models.StatusFailed, models.StatusCancelled)
	if err != nil {
		return false, fmt.Errorf("mark run %s %s: %w", runID, terminalStatus, err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertWorkflowEvent records a cross-service event. The unique index on
// (run_id, event_type) is the idempotency key: a redelivery inserts nothing
// and the method returns false.
func (s *Store) InsertWorkflowEvent(ctx context.Context, evt models.WorkflowEvent) (bool, error) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return false, fmt.Errorf("marshal event payload: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_events (run_id, event_type, tenant_id, payload, received_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (run_id, event_type) DO NOTHING
	`, evt.RunID, evt.EventType, evt.TenantID, payload)
	if err != nil {
		return false, fmt.Errorf("insert workflow event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteWorkflowEvent removes an admitted event row. The orchestrator unwinds
// the row when routing fails after admission; left in place it would absorb
// every redelivery of the event as a duplicate.
func (s *Store) DeleteWorkflowEvent(ctx context.Context, runID, eventType string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM workflow_events WHERE run_id = $1 AND event_type = $2
	`, runID, eventType)
	if err != nil {
		return fmt.Errorf("delete workflow event: %w", err)
	}
	return nil
}

// AppendRunEvent adds an audit row.
func (s *Store) AppendRunEvent(ctx context.Context, runID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO run_events (run_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, runID, event, detail)
	return err
}

// CountDetectionsSince counts detection rows for a tenant created after the
// given instant. The results endpoint uses this when run metadata never
// recorded a detection counter.
func (s *Store) CountDetectionsSince(ctx context.Context, tenantID string, since time.Time) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM detections WHERE tenant_id = $1 AND created_at >= $2
	`, tenantID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count detections: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (models.SyncRun, error) {
	var run models.SyncRun
	var metadataJSON []byte
	var finished pgtype.Timestamptz
	var lastErr pgtype.Text

	if err := row.Scan(
		&run.ID, &run.TenantID, &run.Status, &run.CurrentStep,
		&run.StartedAt, &finished, &metadataJSON, &run.RetryCount,
		&lastErr, &run.Version, &run.CreatedAt, &run.UpdatedAt,
	); err != nil {
		return models.SyncRun{}, err
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &run.Metadata); err != nil {
			return models.SyncRun{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	if lastErr.Valid {
		run.LastError = &lastErr.String
	}
	return status.NormalizeRun(run), nil
}
