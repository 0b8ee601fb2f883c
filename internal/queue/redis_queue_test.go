package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisQueueWithClient(client, 30*time.Second), mr
}

func TestEnqueueIsIdempotentPerSlot(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	task := Task{RunID: "run-1", TenantID: "acme", Step: "fetch"}
	ok, err := q.Enqueue(ctx, task)
	if err != nil || !ok {
		t.Fatalf("first enqueue: ok=%v err=%v", ok, err)
	}
	ok, err = q.Enqueue(ctx, task)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if ok {
		t.Fatalf("expected duplicate enqueue to be a no-op")
	}

	depth, err := q.WaitingDepth(ctx)
	if err != nil {
		t.Fatalf("waiting depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected 1 waiting task, got %d", depth)
	}
}

func TestDequeueLeasesAndAckReleases(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	in := Task{RunID: "run-1", TenantID: "acme", Step: "fetch", Attempt: 2,
		Payload: map[string]any{"cursor": "abc"}}
	if _, err := q.Enqueue(ctx, in); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	out, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if out == nil {
		t.Fatalf("expected a task")
	}
	if out.RunID != "run-1" || out.Step != "fetch" || out.Attempt != 2 {
		t.Fatalf("task fields lost: %+v", out)
	}
	if out.Payload["cursor"] != "abc" {
		t.Fatalf("payload lost: %+v", out.Payload)
	}

	if again, _ := q.DequeueWithLease(ctx); again != nil {
		t.Fatalf("leased task dequeued twice")
	}

	if err := q.Ack(ctx, *out); err != nil {
		t.Fatalf("ack: %v", err)
	}
	live, err := q.HasLiveTasks(ctx, "run-1")
	if err != nil {
		t.Fatalf("has live tasks: %v", err)
	}
	if live {
		t.Fatalf("acked run still reports live tasks")
	}
}

func TestScheduleAndPromoteDelayed(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	task := Task{RunID: "run-1", TenantID: "acme", Step: "detect"}
	runAt := time.Now().Add(time.Minute)
	if err := q.Schedule(ctx, task, runAt); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if n, _ := q.PromoteDelayed(ctx, time.Now(), 10); n != 0 {
		t.Fatalf("promoted %d tasks before due time", n)
	}
	if out, _ := q.DequeueWithLease(ctx); out != nil {
		t.Fatalf("delayed task should not be dequeueable")
	}

	n, err := q.PromoteDelayed(ctx, runAt.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 promotion, got %d", n)
	}
	out, err := q.DequeueWithLease(ctx)
	if err != nil || out == nil {
		t.Fatalf("dequeue after promote: task=%v err=%v", out, err)
	}
}

func TestRequeueExpiredReclaimsDeadLeases(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if _, err := q.Enqueue(ctx, Task{RunID: "run-1", TenantID: "acme", Step: "fetch"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if out, _ := q.DequeueWithLease(ctx); out == nil {
		t.Fatalf("expected a task")
	}

	// Before the visibility deadline nothing is reclaimed.
	members, err := q.RequeueExpired(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("reclaimed live lease: %v", members)
	}

	members, err = q.RequeueExpired(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("expected 1 reclaimed lease, got %d", len(members))
	}
	out, err := q.DequeueWithLease(ctx)
	if err != nil || out == nil {
		t.Fatalf("reclaimed task not dequeueable: task=%v err=%v", out, err)
	}
}

func TestPurgeRunLeavesActiveTasks(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if _, err := q.Enqueue(ctx, Task{RunID: "run-1", TenantID: "acme", Step: "fetch"}); err != nil {
		t.Fatalf("enqueue fetch: %v", err)
	}
	active, err := q.DequeueWithLease(ctx)
	if err != nil || active == nil {
		t.Fatalf("dequeue: task=%v err=%v", active, err)
	}

	if _, err := q.Enqueue(ctx, Task{RunID: "run-1", TenantID: "acme", Step: "detect"}); err != nil {
		t.Fatalf("enqueue detect: %v", err)
	}
	if err := q.Schedule(ctx, Task{RunID: "run-1", TenantID: "acme", Step: "match"}, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("schedule match: %v", err)
	}

	purged, err := q.PurgeRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 2 {
		t.Fatalf("expected 2 purged tasks, got %d", purged)
	}

	// The active lease survives; the worker discards its result against the
	// store instead.
	live, err := q.HasLiveTasks(ctx, "run-1")
	if err != nil {
		t.Fatalf("has live tasks: %v", err)
	}
	if !live {
		t.Fatalf("active task should survive a purge")
	}
}

func TestDeadLetterKeepsMetaForInspection(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if _, err := q.Enqueue(ctx, Task{RunID: "run-1", TenantID: "acme", Step: "fetch"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	out, err := q.DequeueWithLease(ctx)
	if err != nil || out == nil {
		t.Fatalf("dequeue: task=%v err=%v", out, err)
	}

	if err := q.DeadLetter(ctx, *out, "retries_exhausted"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	items, err := q.DLQPeek(ctx, 10)
	if err != nil {
		t.Fatalf("dlq peek: %v", err)
	}
	if len(items) != 1 || items[0] != "run-1|fetch" {
		t.Fatalf("unexpected dlq contents: %v", items)
	}

	live, err := q.HasLiveTasks(ctx, "run-1")
	if err != nil {
		t.Fatalf("has live tasks: %v", err)
	}
	if live {
		t.Fatalf("dead-lettered task counted as live")
	}
}
