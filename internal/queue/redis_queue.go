package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"marketplace-sync-orchestrator/internal/config"
)

// Task states tracked in the per-task meta hash.
const (
	StateWaiting    = "waiting"
	StateActive     = "active"
	StateDelayed    = "delayed"
	StateDeadLetter = "dead_lettered"
)

// Task is one pipeline step enqueued for a run. The run reference is weak; a
// task never owns its run and the run outlives every task.
type Task struct {
	RunID       string         `json:"run_id"`
	TenantID    string         `json:"tenant_id"`
	Step        string         `json:"step"`
	Attempt     int            `json:"attempt"`
	Payload     map[string]any `json:"payload,omitempty"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
	ScheduledAt time.Time      `json:"scheduled_at,omitempty"`
}

// Key identifies a task on the queue: one slot per (run, step).
func (t Task) Key() string {
	return t.RunID + "|" + t.Step
}

func splitKey(member string) (runID, step string) {
	parts := strings.SplitN(member, "|", 2)
	if len(parts) != 2 {
		return member, ""
	}
	return parts[0], parts[1]
}

// RedisQueue coordinates waiting, active, delayed, and dead-letter task sets
// in Redis. Waiting is a list, delayed and active are zsets scored by due
// time and lease deadline respectively, and every task carries a meta hash
// that makes enqueue idempotent per (runID, step, attempt).
type RedisQueue struct {
	client        *redis.Client
	waitingKey    string
	activeKey     string
	delayedKey    string
	dlqKey        string
	metaPrefix    string
	runPrefix     string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg.VisibilityTimeout)
}

// NewRedisQueueWithClient wires an existing client, used by tests.
func NewRedisQueueWithClient(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		waitingKey:    "sync:waiting",
		activeKey:     "sync:active",
		delayedKey:    "sync:delayed",
		dlqKey:        "sync:dlq",
		metaPrefix:    "sync:task:",
		runPrefix:     "sync:run:",
		visibilityTTL: visibility,
	}
}

func (q *RedisQueue) metaKey(member string) string { return q.metaPrefix + member }
func (q *RedisQueue) runKey(runID string) string   { return q.runPrefix + runID }

// Enqueue inserts a task into the waiting queue. It is idempotent with
// respect to (runID, step, attempt): if the slot is already waiting, active,
// or delayed the call is a no-op and returns false.
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) (bool, error) {
	payloadJSON, err := json.Marshal(t.Payload)
	if err != nil {
		return false, fmt.Errorf("marshal task payload: %w", err)
	}
	member := t.Key()
	now := time.Now()
	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.metaKey(member), q.waitingKey, q.runKey(t.RunID)},
		member, t.RunID, t.TenantID, t.Step, t.Attempt, payloadJSON, now.UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", member, err)
	}
	return res == 1, nil
}

// Schedule parks a task in the delayed set until runAt, used for backoff
// retries. The waiting transition happens later via PromoteDelayed.
func (q *RedisQueue) Schedule(ctx context.Context, t Task, runAt time.Time) error {
	payloadJSON, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("marshal task payload: %w", err)
	}
	member := t.Key()
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.activeKey, member)
	pipe.HSet(ctx, q.metaKey(member),
		"run_id", t.RunID,
		"tenant_id", t.TenantID,
		"step", t.Step,
		"attempt", t.Attempt,
		"payload", payloadJSON,
		"state", StateDelayed,
		"scheduled_at", runAt.UnixMilli(),
	)
	pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: member})
	pipe.SAdd(ctx, q.runKey(t.RunID), member)
	_, err = pipe.Exec(ctx)
	return err
}

// PromoteDelayed moves due delayed tasks back to waiting. It returns how
// many were promoted.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, now time.Time, limit int64) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, m := range members {
		pipe.ZRem(ctx, q.delayedKey, m)
		pipe.RPush(ctx, q.waitingKey, m)
		pipe.HSet(ctx, q.metaKey(m), "state", StateWaiting)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(members), nil
}

// DequeueWithLease pops a waiting task and places it into the active set
// with a visibility deadline. It returns nil when the queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (*Task, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.waitingKey, q.activeKey},
		time.Now().Add(q.visibilityTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	member, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	meta, err := q.client.HGetAll(ctx, q.metaKey(member)).Result()
	if err != nil {
		return nil, err
	}
	if len(meta) == 0 {
		// Meta purged while the member sat in the list; drop the stray entry.
		_ = q.client.ZRem(ctx, q.activeKey, member).Err()
		return nil, nil
	}
	if err := q.client.HSet(ctx, q.metaKey(member), "state", StateActive).Err(); err != nil {
		return nil, err
	}
	return taskFromMeta(member, meta)
}

func taskFromMeta(member string, meta map[string]string) (*Task, error) {
	runID, step := splitKey(member)
	t := &Task{
		RunID:    runID,
		TenantID: meta["tenant_id"],
		Step:     step,
	}
	if v := meta["attempt"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse attempt for %s: %w", member, err)
		}
		t.Attempt = n
	}
	if v := meta["payload"]; v != "" && v != "null" {
		if err := json.Unmarshal([]byte(v), &t.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload for %s: %w", member, err)
		}
	}
	if v := meta["enqueued_at"]; v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			t.EnqueuedAt = time.UnixMilli(ms)
		}
	}
	if v := meta["scheduled_at"]; v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			t.ScheduledAt = time.UnixMilli(ms)
		}
	}
	return t, nil
}

// ExtendLease pushes the visibility deadline forward for an active task.
func (q *RedisQueue) ExtendLease(ctx context.Context, t Task, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.activeKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: t.Key(),
	}).Err()
}

// Ack marks a task completed: it leaves the active set and its meta and run
// index entries are removed.
func (q *RedisQueue) Ack(ctx context.Context, t Task) error {
	member := t.Key()
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.activeKey, member)
	pipe.Del(ctx, q.metaKey(member))
	pipe.SRem(ctx, q.runKey(t.RunID), member)
	_, err := pipe.Exec(ctx)
	return err
}

// Requeue returns an active task to waiting, used on graceful shutdown so an
// in-flight task is never silently dropped.
func (q *RedisQueue) Requeue(ctx context.Context, t Task) error {
	member := t.Key()
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.activeKey, member)
	pipe.RPush(ctx, q.waitingKey, member)
	pipe.HSet(ctx, q.metaKey(member), "state", StateWaiting)
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims active tasks whose lease deadline passed, covering
// workers that died mid-step. Returns the reclaimed members.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	members, err := q.client.ZRangeByScore(ctx, q.activeKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, m := range members {
		pipe.ZRem(ctx, q.activeKey, m)
		pipe.RPush(ctx, q.waitingKey, m)
		pipe.HSet(ctx, q.metaKey(m), "state", StateWaiting)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return members, nil
}

// DeadLetter parks a task for manual inspection after retries are exhausted
// or a fatal error. The meta hash is kept so operators can read the payload.
func (q *RedisQueue) DeadLetter(ctx context.Context, t Task, reason string) error {
	member := t.Key()
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.activeKey, member)
	pipe.HSet(ctx, q.metaKey(member), "state", StateDeadLetter, "last_error", reason)
	pipe.RPush(ctx, q.dlqKey, member)
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPeek reads the oldest dead-lettered task keys.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// PurgeRun removes every waiting and delayed task for a cancelled run.
// Active tasks are left alone; the worker discards their results against the
// store status cooperatively.
func (q *RedisQueue) PurgeRun(ctx context.Context, runID string) (int, error) {
	members, err := q.client.SMembers(ctx, q.runKey(runID)).Result()
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, m := range members {
		state, err := q.client.HGet(ctx, q.metaKey(m), "state").Result()
		if err == redis.Nil {
			_ = q.client.SRem(ctx, q.runKey(runID), m).Err()
			continue
		}
		if err != nil {
			return purged, err
		}
		if state != StateWaiting && state != StateDelayed {
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.waitingKey, 0, m)
		pipe.ZRem(ctx, q.delayedKey, m)
		pipe.Del(ctx, q.metaKey(m))
		pipe.SRem(ctx, q.runKey(runID), m)
		if _, err := pipe.Exec(ctx); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// HasLiveTasks reports whether any waiting, active, or delayed task still
// references the run. Dead-lettered tasks do not count as live.
func (q *RedisQueue) HasLiveTasks(ctx context.Context, runID string) (bool, error) {
	members, err := q.client.SMembers(ctx, q.runKey(runID)).Result()
	if err != nil {
		return false, err
	}
	for _, m := range members {
		state, err := q.client.HGet(ctx, q.metaKey(m), "state").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return false, err
		}
		switch state {
		case StateWaiting, StateActive, StateDelayed:
			return true, nil
		}
	}
	return false, nil
}

// WaitingDepth returns the waiting queue length.
func (q *RedisQueue) WaitingDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.waitingKey).Result()
}

var enqueueScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'waiting' or state == 'active' or state == 'delayed' then
  return 0
end
redis.call('HSET', KEYS[1],
  'run_id', ARGV[2],
  'tenant_id', ARGV[3],
  'step', ARGV[4],
  'attempt', ARGV[5],
  'payload', ARGV[6],
  'state', 'waiting',
  'enqueued_at', ARGV[7])
redis.call('HDEL', KEYS[1], 'scheduled_at', 'last_error')
redis.call('RPUSH', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
return 1
`)

var dequeueScript = redis.NewScript(`
local member = redis.call('LPOP', KEYS[1])
if member then
  redis.call('ZADD', KEYS[2], ARGV[1], member)
  return member
end
return nil
`)
