package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"marketplace-sync-orchestrator/internal/config"
	"marketplace-sync-orchestrator/internal/models"
	"marketplace-sync-orchestrator/internal/pipeline"
	"marketplace-sync-orchestrator/internal/queue"
	"marketplace-sync-orchestrator/internal/telemetry"
)

// RunStore is the store surface a worker needs.
type RunStore interface {
	GetRun(ctx context.Context, id string) (models.SyncRun, error)
	MergeCounters(ctx context.Context, runID string, counters map[string]int64) error
	SetCurrentStep(ctx context.Context, runID, step string, expectedVersion int64) (bool, error)
	IncrementRetryCount(ctx context.Context, runID, reason string) error
	MarkRunFailed(ctx context.Context, runID, reason string) error
	AppendRunEvent(ctx context.Context, runID, event, detail string) error
}

// StepQueue is the queue surface a worker needs.
type StepQueue interface {
	Enqueue(ctx context.Context, t queue.Task) (bool, error)
	Schedule(ctx context.Context, t queue.Task, runAt time.Time) error
	PromoteDelayed(ctx context.Context, now time.Time, limit int64) (int, error)
	DequeueWithLease(ctx context.Context) (*queue.Task, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Requeue(ctx context.Context, t queue.Task) error
	Ack(ctx context.Context, t queue.Task) error
	DeadLetter(ctx context.Context, t queue.Task, reason string) error
	WaitingDepth(ctx context.Context) (int64, error)
}

// Notifier delivers step-completion events to the workflow orchestrator,
// either in-process or over a webhook.
type Notifier interface {
	Notify(ctx context.Context, evt models.WorkflowEvent) error
}

// Gate blocks until the shared marketplace rate gate admits a call.
type Gate interface {
	Wait(ctx context.Context) error
}

// DeadLetterArchiver stores dead-lettered task payloads for inspection.
type DeadLetterArchiver interface {
	PutDeadLetter(ctx context.Context, t queue.Task, reason string) error
}

// StepResult is what a handler produced: counters to fold into run metadata
// and, for sync-side steps, the payload handed to the chained step.
type StepResult struct {
	Counters    map[string]int64
	NextPayload map[string]any
}

// Handler executes one pipeline step against external collaborators.
type Handler func(ctx context.Context, t queue.Task, run models.SyncRun) (StepResult, error)

// Processor drives the worker execution loop: lease a task, run the step's
// collaborator, chain or report completion, retry with backoff on transient
// failure, dead-letter on fatal failure or exhausted attempts.
type Processor struct {
	cfg      config.Config
	queue    StepQueue
	store    RunStore
	notifier Notifier
	gate     Gate
	archiver DeadLetterArchiver
	handlers map[string]Handler
}

func NewProcessor(cfg config.Config, q StepQueue, st RunStore, n Notifier) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		notifier: n,
		handlers: make(map[string]Handler),
	}
}

// SetGate installs the shared marketplace rate gate. Only marketplace-facing
// steps pass through it.
func (p *Processor) SetGate(g Gate) { p.gate = g }

// SetArchiver installs the optional dead-letter payload archiver.
func (p *Processor) SetArchiver(a DeadLetterArchiver) { p.archiver = a }

// RegisterHandler binds a handler to a pipeline step.
func (p *Processor) RegisterHandler(step string, handler Handler) {
	if step == "" || handler == nil {
		return
	}
	p.handlers[step] = handler
}

// RunPool starts n concurrent executor loops and blocks until all exit.
func (p *Processor) RunPool(ctx context.Context, n int) {
	if n < 1 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Run(ctx)
		}()
	}
	wg.Wait()
}

// Run is a single executor loop; it returns when ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = p.queue.PromoteDelayed(ctx, time.Now(), int64(p.cfg.PromoteBatchSize))
		if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			log.Printf("worker: reclaimed %d expired leases", len(reclaimed))
		}
		if depth, err := p.queue.WaitingDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		task, err := p.queue.DequeueWithLease(ctx)
		if err != nil || task == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		telemetry.InFlightGauge.Inc()
		p.processTask(ctx, *task)
		telemetry.InFlightGauge.Dec()
	}
}

func (p *Processor) processTask(ctx context.Context, t queue.Task) {
	run, err := p.store.GetRun(ctx, t.RunID)
	if err != nil {
		// Task references a run we cannot load; without a run there is
		// nothing to advance.
		log.Printf("worker: load run %s for step %s: %v", t.RunID, t.Step, err)
		_ = p.queue.Ack(ctx, t)
		return
	}
	if discardable(run.Status) {
		_ = p.queue.Ack(ctx, t)
		telemetry.DiscardedResults.Inc()
		return
	}

	if p.gate != nil && gatedStep(t.Step) {
		telemetry.RateGateWaits.Inc()
		if err := p.gate.Wait(ctx); err != nil {
			p.requeueOnShutdown(t)
			return
		}
	}

	handler, ok := p.handlers[t.Step]
	if !ok {
		p.deadLetter(ctx, t, pipeline.ReasonMalformedPayload,
			fmt.Sprintf("no handler registered for step %q", t.Step))
		return
	}

	result, err := handler(ctx, t, run)
	if err != nil {
		if ctx.Err() != nil {
			p.requeueOnShutdown(t)
			return
		}
		p.handleFailure(ctx, t, err)
		return
	}

	// A cancel can land while the step runs; check the store again before
	// any side effect with lasting consequence.
	fresh, err := p.store.GetRun(ctx, t.RunID)
	if err == nil && discardable(fresh.Status) {
		_ = p.queue.Ack(ctx, t)
		_ = p.store.AppendRunEvent(ctx, t.RunID, "result_discarded",
			fmt.Sprintf("step=%s run_status=%s", t.Step, fresh.Status))
		telemetry.DiscardedResults.Inc()
		return
	}
	if err != nil {
		p.handleFailure(ctx, t, pipeline.Transient(t.Step, pipeline.ReasonStepFatal, err))
		return
	}

	if err := p.completeStep(ctx, t, fresh, result); err != nil {
		// Completion (counter merge, chaining, event delivery) failed; the
		// step reruns under at-least-once semantics rather than losing the
		// handoff.
		p.handleFailure(ctx, t, pipeline.Transient(t.Step, pipeline.ReasonStepFatal, err))
		return
	}

	_ = p.queue.Ack(ctx, t)
	_ = p.store.AppendRunEvent(ctx, t.RunID, "step_completed", "step="+t.Step)
	telemetry.StepsCompleted.Inc()
}

// completeStep merges counters and either chains the next sync-side step or
// reports completion to the orchestrator for cross-service steps.
func (p *Processor) completeStep(ctx context.Context, t queue.Task, run models.SyncRun, result StepResult) error {
	if err := p.store.MergeCounters(ctx, t.RunID, result.Counters); err != nil {
		return fmt.Errorf("merge counters: %w", err)
	}

	if evtType := eventForStep(t.Step); evtType != "" {
		if err := p.notifier.Notify(ctx, models.WorkflowEvent{
			EventType: evtType,
			TenantID:  t.TenantID,
			RunID:     t.RunID,
			Payload:   result.Counters,
		}); err != nil {
			telemetry.WebhookFailures.Inc()
			return fmt.Errorf("notify %s: %w", evtType, err)
		}
		return nil
	}

	next := models.NextStep(t.Step)
	if next == "" {
		return nil
	}
	// The counter merge above bumped the version, and another writer can
	// bump it again in between; re-read and retry a few times.
	advanced := false
	version := run.Version
	for attempt := 0; attempt < 4; attempt++ {
		ok, err := p.store.SetCurrentStep(ctx, t.RunID, next, version)
		if err != nil {
			return fmt.Errorf("advance step pointer: %w", err)
		}
		if ok {
			advanced = true
			break
		}
		fresh, err := p.store.GetRun(ctx, t.RunID)
		if err != nil {
			return fmt.Errorf("reload run %s: %w", t.RunID, err)
		}
		version = fresh.Version
	}
	if !advanced {
		log.Printf("worker: step pointer for run %s still contended after retries, status may lag %s", t.RunID, next)
	}
	payload := result.NextPayload
	if payload == nil {
		payload = t.Payload
	}
	if _, err := p.queue.Enqueue(ctx, queue.Task{
		RunID:    t.RunID,
		TenantID: t.TenantID,
		Step:     next,
		Attempt:  0,
		Payload:  payload,
	}); err != nil {
		return fmt.Errorf("enqueue %s: %w", next, err)
	}
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, t queue.Task, err error) {
	reason := pipeline.FailureReason(err)

	if pipeline.IsFatal(err) {
		p.deadLetter(ctx, t, reason, err.Error())
		return
	}

	attempt := t.Attempt + 1
	if attempt >= p.cfg.MaxAttempts {
		p.deadLetter(ctx, t, pipeline.ReasonRetriesExhausted, err.Error())
		return
	}

	retry := t
	retry.Attempt = attempt
	nextRun := time.Now().Add(Backoff(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempt))
	if schedErr := p.queue.Schedule(ctx, retry, nextRun); schedErr != nil {
		log.Printf("worker: schedule retry for %s: %v", t.Key(), schedErr)
		p.deadLetter(ctx, t, reason, err.Error())
		return
	}
	_ = p.store.IncrementRetryCount(ctx, t.RunID, reason)
	_ = p.store.AppendRunEvent(ctx, t.RunID, "retry_scheduled",
		fmt.Sprintf("step=%s attempt=%d next_run=%s", t.Step, attempt, nextRun.UTC().Format(time.RFC3339)))
	telemetry.StepRetries.Inc()
}

func (p *Processor) deadLetter(ctx context.Context, t queue.Task, reason, detail string) {
	if err := p.queue.DeadLetter(ctx, t, reason); err != nil {
		log.Printf("worker: dead-letter %s: %v", t.Key(), err)
	}
	if err := p.store.MarkRunFailed(ctx, t.RunID, reason); err != nil {
		log.Printf("worker: mark run %s failed: %v", t.RunID, err)
	}
	_ = p.store.AppendRunEvent(ctx, t.RunID, "dead_letter",
		fmt.Sprintf("step=%s reason=%s detail=%s", t.Step, reason, detail))
	if p.archiver != nil {
		if err := p.archiver.PutDeadLetter(ctx, t, reason); err != nil {
			log.Printf("worker: archive dead letter %s: %v", t.Key(), err)
		}
	}
	telemetry.StepsDeadLetter.Inc()
	telemetry.RunsFailed.Inc()
}

// requeueOnShutdown puts an in-flight task back to waiting so shutdown never
// drops it. A background context is used because the loop's is already done.
func (p *Processor) requeueOnShutdown(t queue.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.queue.Requeue(ctx, t); err != nil {
		log.Printf("worker: requeue %s on shutdown: %v", t.Key(), err)
	}
}

// discardable reports whether a run status means task results must be
// dropped instead of advancing the pipeline. Completed is not discardable:
// post-completion bookkeeping steps (claim submission) still run.
func discardable(runStatus string) bool {
	return runStatus == models.StatusCancelled || runStatus == models.StatusFailed
}

// gatedStep reports whether the processor itself must pass the shared rate
// gate before running the step. Fetch is absent: its handler paces every
// marketplace page individually.
func gatedStep(step string) bool {
	return step == models.StepSubmit
}

// eventForStep maps steps whose completion is a cross-service workflow event.
// Earlier sync-side steps chain in-process and report nothing.
func eventForStep(step string) string {
	switch step {
	case models.StepPersist:
		return models.EventSyncComplete
	case models.StepDetect:
		return models.EventDetectionComplete
	case models.StepMatch:
		return models.EventEvidenceComplete
	case models.StepSubmit:
		return models.EventClaimSubmitted
	}
	return ""
}

// Backoff computes the retry delay for an attempt: base doubled per attempt,
// capped at max. Deliberately deterministic so delays never shrink between
// consecutive attempts.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	return d
}
