package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"job-orchestrator/internal/config"
	"job-orchestrator/internal/models"
)

var (
	// ErrDuplicate is returned by Enqueue when an entry with the same dedup key already exists.
	ErrDuplicate = errors.New("queue entry already exists")
	// ErrLeaseLost means the entry is no longer held by the caller's lease token.
	ErrLeaseLost = errors.New("queue lease lost")
)

// Entry states stored in the entry hash.
const (
	StateWaiting = "waiting"
	StateActive  = "active"
	StateDelayed = "delayed"
	StateDead    = "dead"
)

// Entry is the dispatch record of one job.
type Entry struct {
	DedupKey   string          `json:"dedup_key"`
	JobType    models.JobType  `json:"job_type"`
	JobID      string          `json:"job_id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
	State      string          `json:"state"`
	LastError  string          `json:"last_error,omitempty"`
}

// Delivery is an entry leased to one worker.
type Delivery struct {
	Entry
	LeaseToken string
	Deadline   time.Time
}

// FailOutcome says what Fail did with the entry.
type FailOutcome struct {
	DeadLettered bool
	NextRunAt    time.Time
}

// Counts is a snapshot of queue depth.
type Counts struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Dead    int64 `json:"dead"`
}

// ReclaimResult lists expired leases handled by ReclaimExpired.
type ReclaimResult struct {
	Requeued     []string
	DeadLettered []Entry
}

// RedisQueue coordinates ready, in-flight, delayed and dead entries in Redis.
// Every entry lives in a hash keyed by its dedup key; the lists and sets only hold dedup keys.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	delayedKey    string
	dlqKey        string
	entryPrefix   string
	visibilityTTL time.Duration
	policy        RetryPolicy
	now           func() time.Time
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	name := cfg.QueueName
	if name == "" {
		name = "orchestrator"
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		readyKey:      name + ":ready",
		inflightKey:   name + ":inflight",
		delayedKey:    name + ":delayed",
		dlqKey:        name + ":dlq",
		entryPrefix:   name + ":entry:",
		visibilityTTL: visibility,
		policy:        PolicyFromConfig(cfg),
		now:           time.Now,
	}
}

// Client exposes the underlying connection so other Redis users can share it.
func (q *RedisQueue) Client() *redis.Client { return q.client }

// Policy returns the retry policy applied by Fail and ReclaimExpired.
func (q *RedisQueue) Policy() RetryPolicy { return q.policy }

// VisibilityTimeout is the lease length granted by Dequeue.
func (q *RedisQueue) VisibilityTimeout() time.Duration { return q.visibilityTTL }

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) entryKey(dedupKey string) string {
	return q.entryPrefix + dedupKey
}

// Enqueue adds a waiting entry for the job. A second call with the same (type, id) returns the
// existing entry together with ErrDuplicate and never creates another delivery.
func (q *RedisQueue) Enqueue(ctx context.Context, t models.JobType, jobID string, payload json.RawMessage) (Entry, error) {
	key := models.DedupKey(t, jobID)
	now := q.now()
	created, err := enqueueScript.Run(ctx, q.client,
		[]string{q.entryKey(key), q.readyKey},
		string(t), jobID, string(payload), now.UnixMilli(), key,
	).Int()
	if err != nil {
		return Entry{}, fmt.Errorf("enqueue %s: %w", key, err)
	}
	if created == 0 {
		existing, err := q.entry(ctx, key)
		if err != nil {
			return Entry{}, err
		}
		return existing, fmt.Errorf("enqueue %s: %w", key, ErrDuplicate)
	}
	return Entry{
		DedupKey:   key,
		JobType:    t,
		JobID:      jobID,
		Payload:    payload,
		EnqueuedAt: time.UnixMilli(now.UnixMilli()).UTC(),
		State:      StateWaiting,
	}, nil
}

// Dequeue leases the oldest waiting entry to leaseToken. It returns nil when nothing is waiting.
func (q *RedisQueue) Dequeue(ctx context.Context, leaseToken string) (*Delivery, error) {
	if leaseToken == "" {
		return nil, errors.New("dequeue: empty lease token")
	}
	deadline := q.now().Add(q.visibilityTTL)
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		deadline.UnixMilli(), leaseToken, q.entryPrefix,
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	key, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	entry, err := q.entry(ctx, key)
	if err != nil {
		return nil, err
	}
	return &Delivery{Entry: entry, LeaseToken: leaseToken, Deadline: deadline}, nil
}

// ExtendLease pushes the visibility deadline forward while the lease is still held.
func (q *RedisQueue) ExtendLease(ctx context.Context, d *Delivery) error {
	deadline := q.now().Add(q.visibilityTTL)
	ok, err := extendScript.Run(ctx, q.client,
		[]string{q.entryKey(d.DedupKey), q.inflightKey},
		d.LeaseToken, deadline.UnixMilli(), d.DedupKey,
	).Int()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", d.DedupKey, err)
	}
	if ok == 0 {
		return fmt.Errorf("extend lease %s: %w", d.DedupKey, ErrLeaseLost)
	}
	d.Deadline = deadline
	return nil
}

// Complete acknowledges a delivery and destroys the entry.
func (q *RedisQueue) Complete(ctx context.Context, d *Delivery) error {
	ok, err := completeScript.Run(ctx, q.client,
		[]string{q.entryKey(d.DedupKey), q.inflightKey},
		d.LeaseToken, d.DedupKey,
	).Int()
	if err != nil {
		return fmt.Errorf("complete %s: %w", d.DedupKey, err)
	}
	if ok == 0 {
		return fmt.Errorf("complete %s: %w", d.DedupKey, ErrLeaseLost)
	}
	return nil
}

// Fail acknowledges a failed delivery. The entry is rescheduled with backoff, or dead-lettered once
// the retry policy is exhausted.
func (q *RedisQueue) Fail(ctx context.Context, d *Delivery, cause error) (FailOutcome, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	out := FailOutcome{DeadLettered: q.policy.Exhausted(d.Attempts)}
	mode := "retry"
	if out.DeadLettered {
		mode = "dead"
	} else {
		out.NextRunAt = q.now().Add(q.policy.Delay(d.Attempts))
	}
	ok, err := failScript.Run(ctx, q.client,
		[]string{q.entryKey(d.DedupKey), q.inflightKey, q.delayedKey, q.dlqKey},
		d.LeaseToken, mode, out.NextRunAt.UnixMilli(), d.DedupKey, msg,
	).Int()
	if err != nil {
		return FailOutcome{}, fmt.Errorf("fail %s: %w", d.DedupKey, err)
	}
	if ok == 0 {
		return FailOutcome{}, fmt.Errorf("fail %s: %w", d.DedupKey, ErrLeaseLost)
	}
	return out, nil
}

// PromoteDue moves delayed entries whose retry time has come back to the ready list.
func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time, limit int64) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey, q.readyKey},
		now.UnixMilli(), limit, q.entryPrefix,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed: %w", err)
	}
	return n, nil
}

// ReclaimExpired returns entries whose lease ran out to the ready list. Entries that already used
// every attempt are dead-lettered instead.
func (q *RedisQueue) ReclaimExpired(ctx context.Context, now time.Time, limit int64) (ReclaimResult, error) {
	res, err := reclaimScript.Run(ctx, q.client,
		[]string{q.inflightKey, q.readyKey, q.dlqKey},
		now.UnixMilli(), limit, q.entryPrefix, q.policy.MaxAttempts,
	).StringSlice()
	if err != nil {
		return ReclaimResult{}, fmt.Errorf("reclaim expired: %w", err)
	}
	var out ReclaimResult
	for i := 0; i+1 < len(res); i += 2 {
		key, outcome := res[i], res[i+1]
		if outcome != StateDead {
			out.Requeued = append(out.Requeued, key)
			continue
		}
		entry, err := q.entry(ctx, key)
		if err != nil {
			return out, err
		}
		out.DeadLettered = append(out.DeadLettered, entry)
	}
	return out, nil
}

// Counts reports waiting, active, delayed and dead totals.
func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.readyKey)
	active := pipe.ZCard(ctx, q.inflightKey)
	delayed := pipe.ZCard(ctx, q.delayedKey)
	dead := pipe.LLen(ctx, q.dlqKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("queue counts: %w", err)
	}
	return Counts{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
		Dead:    dead.Val(),
	}, nil
}

// DeadLetters reads the most recent dead-lettered entries.
func (q *RedisQueue) DeadLetters(ctx context.Context, count int64) ([]Entry, error) {
	if count <= 0 {
		count = 50
	}
	keys, err := q.client.LRange(ctx, q.dlqKey, -count, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dlq: %w", err)
	}
	out := make([]Entry, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		entry, err := q.entry(ctx, keys[i])
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (q *RedisQueue) entry(ctx context.Context, key string) (Entry, error) {
	fields, err := q.client.HGetAll(ctx, q.entryKey(key)).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("read entry %s: %w", key, err)
	}
	if len(fields) == 0 {
		return Entry{}, fmt.Errorf("read entry %s: %w", key, redis.Nil)
	}
	attempts, _ := strconv.Atoi(fields["attempts"])
	enqueuedMs, _ := strconv.ParseInt(fields["enqueued_at"], 10, 64)
	return Entry{
		DedupKey:   key,
		JobType:    models.JobType(fields["type"]),
		JobID:      fields["job_id"],
		Payload:    json.RawMessage(fields["payload"]),
		EnqueuedAt: time.UnixMilli(enqueuedMs).UTC(),
		Attempts:   attempts,
		State:      fields["state"],
		LastError:  fields["last_error"],
	}, nil
}

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HMSET', KEYS[1], 'type', ARGV[1], 'job_id', ARGV[2], 'payload', ARGV[3],
  'enqueued_at', ARGV[4], 'attempts', 0, 'state', 'waiting', 'lease', '', 'last_error', '')
redis.call('RPUSH', KEYS[2], ARGV[5])
return 1
`)

var dequeueScript = redis.NewScript(`
while true do
  local key = redis.call('LPOP', KEYS[1])
  if not key then
    return nil
  end
  local entry = ARGV[3] .. key
  if redis.call('EXISTS', entry) == 1 then
    redis.call('HMSET', entry, 'lease', ARGV[2], 'state', 'active')
    redis.call('HINCRBY', entry, 'attempts', 1)
    redis.call('ZADD', KEYS[2], ARGV[1], key)
    return key
  end
end
`)

var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lease') ~= ARGV[1] then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lease') ~= ARGV[1] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('DEL', KEYS[1])
return 1
`)

var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lease') ~= ARGV[1] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[4])
redis.call('HMSET', KEYS[1], 'lease', '', 'last_error', ARGV[5])
if ARGV[2] == 'dead' then
  redis.call('HMSET', KEYS[1], 'state', 'dead')
  redis.call('RPUSH', KEYS[4], ARGV[4])
else
  redis.call('HMSET', KEYS[1], 'state', 'delayed')
  redis.call('ZADD', KEYS[3], ARGV[3], ARGV[4])
end
return 1
`)

var promoteScript = redis.NewScript(`
local keys = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, key in ipairs(keys) do
  redis.call('ZREM', KEYS[1], key)
  redis.call('HMSET', ARGV[3] .. key, 'state', 'waiting')
  redis.call('RPUSH', KEYS[2], key)
end
return #keys
`)

var reclaimScript = redis.NewScript(`
local keys = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local out = {}
for _, key in ipairs(keys) do
  local entry = ARGV[3] .. key
  redis.call('ZREM', KEYS[1], key)
  if redis.call('EXISTS', entry) == 1 then
    local attempts = tonumber(redis.call('HGET', entry, 'attempts')) or 0
    if attempts >= tonumber(ARGV[4]) then
      redis.call('HMSET', entry, 'state', 'dead', 'lease', '', 'last_error', 'lease expired')
      redis.call('RPUSH', KEYS[3], key)
      table.insert(out, key)
      table.insert(out, 'dead')
    else
      redis.call('HMSET', entry, 'state', 'waiting', 'lease', '')
      redis.call('RPUSH', KEYS[2], key)
      table.insert(out, key)
      table.insert(out, 'waiting')
    end
  end
end
return out
`)
