package orchestrator

import (
	"context"
	"errors"
	"testing"

	"marketplace-sync-orchestrator/internal/models"
	"marketplace-sync-orchestrator/internal/pipeline"
	"marketplace-sync-orchestrator/internal/queue"
)

type eventStore struct {
	runs      map[string]*models.SyncRun
	seen      map[string]bool
	completed []string
	stepRaces int
}

func newEventStore(runs ...*models.SyncRun) *eventStore {
	s := &eventStore{runs: map[string]*models.SyncRun{}, seen: map[string]bool{}}
	for _, r := range runs {
		s.runs[r.ID] = r
	}
	return s
}

func (s *eventStore) InsertWorkflowEvent(_ context.Context, evt models.WorkflowEvent) (bool, error) {
	key := evt.RunID + "|" + evt.EventType
	if s.seen[key] {
		return false, nil
	}
	s.seen[key] = true
	return true, nil
}

func (s *eventStore) DeleteWorkflowEvent(_ context.Context, runID, eventType string) error {
	delete(s.seen, runID+"|"+eventType)
	return nil
}

func (s *eventStore) GetRun(_ context.Context, id string) (models.SyncRun, error) {
	r, ok := s.runs[id]
	if !ok {
		return models.SyncRun{}, pipeline.ErrRunNotFound
	}
	return *r, nil
}

func (s *eventStore) SetCurrentStep(_ context.Context, runID, step string, expectedVersion int64) (bool, error) {
	r := s.runs[runID]
	if s.stepRaces > 0 {
		// A concurrent counter merge lands between the read and the write.
		s.stepRaces--
		r.Version++
		return false, nil
	}
	if r.Version != expectedVersion {
		return false, nil
	}
	r.CurrentStep = step
	r.Version++
	return true, nil
}

func (s *eventStore) MarkRunCompleted(_ context.Context, runID string) (bool, error) {
	r := s.runs[runID]
	if models.IsTerminal(r.Status) {
		return false, nil
	}
	r.Status = models.StatusCompleted
	s.completed = append(s.completed, runID)
	return true, nil
}

func (s *eventStore) MergeCounters(_ context.Context, runID string, counters map[string]int64) error {
	r := s.runs[runID]
	if r.Metadata == nil {
		r.Metadata = map[string]int64{}
	}
	for k, v := range counters {
		r.Metadata[k] = v
	}
	r.Version++
	return nil
}

func (s *eventStore) LatestRunForTenant(_ context.Context, tenantID string) (models.SyncRun, bool, error) {
	for _, r := range s.runs {
		if r.TenantID == tenantID {
			return *r, true, nil
		}
	}
	return models.SyncRun{}, false, nil
}

func (s *eventStore) AppendRunEvent(context.Context, string, string, string) error { return nil }

type captureQueue struct {
	tasks    []queue.Task
	failures int
}

func (q *captureQueue) Enqueue(_ context.Context, t queue.Task) (bool, error) {
	if q.failures > 0 {
		q.failures--
		return false, errors.New("redis: connection refused")
	}
	q.tasks = append(q.tasks, t)
	return true, nil
}

func runningRun(id string) *models.SyncRun {
	return &models.SyncRun{ID: id, TenantID: "acme",
		Status: models.StatusRunning, CurrentStep: models.StepPersist, Version: 1}
}

func TestSyncCompleteAdvancesToDetect(t *testing.T) {
	ctx := context.Background()
	run := runningRun("run-1")
	st := newEventStore(run)
	q := &captureQueue{}
	o := New(st, q)

	err := o.HandleEvent(ctx, models.WorkflowEvent{
		EventType: models.EventSyncComplete, TenantID: "acme", RunID: "run-1",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if run.CurrentStep != models.StepDetect {
		t.Fatalf("step pointer %q", run.CurrentStep)
	}
	if len(q.tasks) != 1 || q.tasks[0].Step != models.StepDetect {
		t.Fatalf("detect not enqueued: %+v", q.tasks)
	}
}

func TestDuplicateEventIsAbsorbed(t *testing.T) {
	ctx := context.Background()
	run := runningRun("run-1")
	st := newEventStore(run)
	q := &captureQueue{}
	o := New(st, q)

	evt := models.WorkflowEvent{EventType: models.EventSyncComplete, TenantID: "acme", RunID: "run-1"}
	if err := o.HandleEvent(ctx, evt); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := o.HandleEvent(ctx, evt); err != nil {
		t.Fatalf("redelivery surfaced an error: %v", err)
	}
	if len(q.tasks) != 1 {
		t.Fatalf("redelivery enqueued again: %d tasks", len(q.tasks))
	}
}

func TestFailedHandoffIsRetriable(t *testing.T) {
	// An event whose routing fails after admission must not absorb the
	// sender's redelivery, or the next stage is never enqueued.
	ctx := context.Background()
	run := runningRun("run-1")
	st := newEventStore(run)
	q := &captureQueue{failures: 1}
	o := New(st, q)

	evt := models.WorkflowEvent{EventType: models.EventSyncComplete, TenantID: "acme", RunID: "run-1"}
	if err := o.HandleEvent(ctx, evt); err == nil {
		t.Fatalf("enqueue failure swallowed")
	}
	if len(q.tasks) != 0 {
		t.Fatalf("failed delivery enqueued: %+v", q.tasks)
	}

	if err := o.HandleEvent(ctx, evt); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(q.tasks) != 1 || q.tasks[0].Step != models.StepDetect {
		t.Fatalf("detect not enqueued on redelivery: %+v", q.tasks)
	}
	if run.CurrentStep != models.StepDetect {
		t.Fatalf("step pointer %q", run.CurrentStep)
	}
}

func TestAdvanceSurvivesVersionRaces(t *testing.T) {
	ctx := context.Background()
	run := runningRun("run-1")
	st := newEventStore(run)
	st.stepRaces = 2
	q := &captureQueue{}
	o := New(st, q)

	err := o.HandleEvent(ctx, models.WorkflowEvent{
		EventType: models.EventSyncComplete, TenantID: "acme", RunID: "run-1",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if run.CurrentStep != models.StepDetect {
		t.Fatalf("step pointer %q after contended writes", run.CurrentStep)
	}
	if len(q.tasks) != 1 {
		t.Fatalf("detect not enqueued: %+v", q.tasks)
	}
}

type captureArchiver struct {
	runs      []models.SyncRun
	summaries []models.ResultSummary
}

func (a *captureArchiver) PutRunReport(_ context.Context, run models.SyncRun, summary models.ResultSummary) error {
	a.runs = append(a.runs, run)
	a.summaries = append(a.summaries, summary)
	return nil
}

func TestCompletedRunReportIsArchived(t *testing.T) {
	ctx := context.Background()
	run := runningRun("run-1")
	run.CurrentStep = models.StepMatch
	run.Metadata = map[string]int64{models.CounterRecordsPersisted: 120}
	st := newEventStore(run)
	q := &captureQueue{}
	o := New(st, q)
	archiver := &captureArchiver{}
	o.SetArchiver(archiver)

	err := o.HandleEvent(ctx, models.WorkflowEvent{
		EventType: models.EventEvidenceComplete, TenantID: "acme", RunID: "run-1",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(archiver.runs) != 1 {
		t.Fatalf("run report not archived")
	}
	if archiver.runs[0].Status != models.StatusCompleted {
		t.Fatalf("archived run status %q", archiver.runs[0].Status)
	}
	s := archiver.summaries[0]
	if s.OrdersProcessed == nil || *s.OrdersProcessed != 120 {
		t.Fatalf("summary orders: %v", s.OrdersProcessed)
	}
	if s.ClaimsDetected != nil {
		t.Fatalf("unrecorded counter fabricated: %v", *s.ClaimsDetected)
	}
}

func TestEvidenceCompleteQueuesSubmitAndCompletesRun(t *testing.T) {
	ctx := context.Background()
	run := runningRun("run-1")
	run.CurrentStep = models.StepMatch
	st := newEventStore(run)
	q := &captureQueue{}
	o := New(st, q)

	err := o.HandleEvent(ctx, models.WorkflowEvent{
		EventType: models.EventEvidenceComplete, TenantID: "acme", RunID: "run-1",
		Payload: map[string]int64{models.CounterEvidenceMatched: 4},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	if run.Status != models.StatusCompleted {
		t.Fatalf("run status %q", run.Status)
	}
	if run.CurrentStep != models.StepSubmit {
		t.Fatalf("step pointer %q", run.CurrentStep)
	}
	if len(q.tasks) != 1 || q.tasks[0].Step != models.StepSubmit {
		t.Fatalf("submit not enqueued: %+v", q.tasks)
	}
}

func TestWorkflowAdvancesThroughAllEvents(t *testing.T) {
	ctx := context.Background()
	run := runningRun("run-1")
	st := newEventStore(run)
	q := &captureQueue{}
	o := New(st, q)

	deliver := func(eventType string, payload map[string]int64) {
		t.Helper()
		err := o.HandleEvent(ctx, models.WorkflowEvent{
			EventType: eventType, TenantID: "acme", RunID: "run-1", Payload: payload,
		})
		if err != nil {
			t.Fatalf("deliver %s: %v", eventType, err)
		}
	}

	deliver(models.EventSyncComplete, map[string]int64{models.CounterRecordsPersisted: 100})
	deliver(models.EventDetectionComplete, map[string]int64{models.CounterClaimsDetected: 8})
	deliver(models.EventEvidenceComplete, map[string]int64{models.CounterEvidenceMatched: 6})

	if run.Status != models.StatusCompleted {
		t.Fatalf("run status %q", run.Status)
	}
	if run.CurrentStep != models.StepSubmit {
		t.Fatalf("step pointer %q", run.CurrentStep)
	}

	var steps []string
	for _, task := range q.tasks {
		steps = append(steps, task.Step)
	}
	want := []string{models.StepDetect, models.StepMatch, models.StepSubmit}
	if len(steps) != len(want) {
		t.Fatalf("enqueued %v, want %v", steps, want)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Fatalf("enqueued %v, want %v", steps, want)
		}
	}
}

func TestEventsOnCancelledRunAreIgnored(t *testing.T) {
	ctx := context.Background()
	run := runningRun("run-1")
	run.Status = models.StatusCancelled
	st := newEventStore(run)
	q := &captureQueue{}
	o := New(st, q)

	err := o.HandleEvent(ctx, models.WorkflowEvent{
		EventType: models.EventSyncComplete, TenantID: "acme", RunID: "run-1",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(q.tasks) != 0 {
		t.Fatalf("cancelled run advanced: %+v", q.tasks)
	}
	if run.CurrentStep != models.StepPersist {
		t.Fatalf("step pointer moved on cancelled run: %q", run.CurrentStep)
	}

	// evidence.complete on a cancelled run must not resurrect it either.
	err = o.HandleEvent(ctx, models.WorkflowEvent{
		EventType: models.EventEvidenceComplete, TenantID: "acme", RunID: "run-1",
	})
	if err != nil {
		t.Fatalf("handle evidence: %v", err)
	}
	if run.Status != models.StatusCancelled {
		t.Fatalf("cancelled run became %q", run.Status)
	}
}

func TestBookkeepingEventsMergeCountersOnly(t *testing.T) {
	ctx := context.Background()
	run := runningRun("run-1")
	run.Status = models.StatusCompleted
	st := newEventStore(run)
	q := &captureQueue{}
	o := New(st, q)

	err := o.HandleEvent(ctx, models.WorkflowEvent{
		EventType: models.EventClaimSubmitted, TenantID: "acme", RunID: "run-1",
		Payload: map[string]int64{models.CounterClaimsSubmitted: 3},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if run.Metadata[models.CounterClaimsSubmitted] != 3 {
		t.Fatalf("counters not merged: %v", run.Metadata)
	}
	if len(q.tasks) != 0 {
		t.Fatalf("bookkeeping event enqueued work: %+v", q.tasks)
	}
}

func TestUnknownEventTypeRejected(t *testing.T) {
	o := New(newEventStore(), &captureQueue{})
	err := o.HandleEvent(context.Background(), models.WorkflowEvent{
		EventType: "order.shipped", TenantID: "acme", RunID: "run-1",
	})
	if err == nil {
		t.Fatalf("unknown event type accepted")
	}
}

func TestAggregateStatusForIdleTenant(t *testing.T) {
	o := New(newEventStore(), &captureQueue{})
	snap, err := o.GetAggregateStatus(context.Background(), "acme")
	if err != nil {
		t.Fatalf("aggregate status: %v", err)
	}
	if snap.RunStatus != models.StatusIdle {
		t.Fatalf("run status %q for tenant with no runs", snap.RunStatus)
	}
	if len(snap.Stages) != len(models.Steps) {
		t.Fatalf("expected %d stages, got %d", len(models.Steps), len(snap.Stages))
	}
	for _, s := range snap.Stages {
		if s.State != StagePending {
			t.Fatalf("stage %s is %q, want pending", s.Step, s.State)
		}
	}
}

func TestAggregateStatusMarksEarlierStagesCompleted(t *testing.T) {
	run := runningRun("run-1")
	run.CurrentStep = models.StepDetect
	o := New(newEventStore(run), &captureQueue{})

	snap, err := o.GetAggregateStatus(context.Background(), "acme")
	if err != nil {
		t.Fatalf("aggregate status: %v", err)
	}
	states := map[string]string{}
	for _, s := range snap.Stages {
		states[s.Step] = s.State
	}
	if states[models.StepFetch] != StageCompleted || states[models.StepPersist] != StageCompleted {
		t.Fatalf("earlier stages not completed: %v", states)
	}
	if states[models.StepDetect] != StageActive {
		t.Fatalf("current stage is %q", states[models.StepDetect])
	}
	if states[models.StepSubmit] != StagePending {
		t.Fatalf("later stage is %q", states[models.StepSubmit])
	}
}
