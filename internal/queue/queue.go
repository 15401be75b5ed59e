package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "iiifimport:queue:"

	waitKey        = "wait"
	activeKey      = "active"
	delayedKey     = "delayed"
	failedKey      = "failed"
	stalledKey     = "stalled-check"
	eventsChannel  = "events"
	jobKeyPrefix   = "job:"
	lockKeyPrefix  = "lock:"
	jobTTL         = 7 * 24 * time.Hour
	finishedJobTTL = 24 * time.Hour

	DefaultLockDuration = 30 * time.Second
	DefaultMaxAttempts  = 5
)

// Job names a piece of work for a task: Name is either "created" or a
// subtask completion event.
type Job struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Data        JobData    `json:"data"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessAt   time.Time  `json:"process_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

type JobData struct {
	TaskID string `json:"taskId"`
	Type   string `json:"type"`
}

type Counts struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Failed  int64 `json:"failed"`
}

type Queue struct {
	client       *redis.Client
	name         string
	lockDuration time.Duration
	maxAttempts  int
}

type Option func(*Queue)

func WithLockDuration(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.lockDuration = d
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

func New(addr, password string, db int, name string, opts ...Option) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewFromClient(client, name, opts...), nil
}

// NewFromClient builds a queue on an existing connection, so the task store
// and the queue can share one client.
func NewFromClient(client *redis.Client, name string, opts ...Option) *Queue {
	q := &Queue{
		client:       client,
		name:         name,
		lockDuration: DefaultLockDuration,
		maxAttempts:  DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Client() *redis.Client {
	return q.client
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) LockDuration() time.Duration {
	return q.lockDuration
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) key(parts ...string) string {
	return keyPrefix + q.name + ":" + strings.Join(parts, ":")
}

func (q *Queue) jobKey(id string) string  { return q.key(jobKeyPrefix + id) }
func (q *Queue) lockKey(id string) string { return q.key(lockKeyPrefix + id) }

// Add enqueues a job for immediate processing.
func (q *Queue) Add(ctx context.Context, name string, data JobData) (*Job, error) {
	now := time.Now()
	j := &Job{
		ID:          uuid.New().String(),
		Name:        name,
		Data:        data,
		MaxAttempts: q.maxAttempts,
		CreatedAt:   now,
		ProcessAt:   now,
	}

	raw, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobKey(j.ID), raw, jobTTL)
	pipe.LPush(ctx, q.key(waitKey), j.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("add job: %w", err)
	}

	q.publish(ctx, EventWaiting, j, "")
	return j, nil
}

// Pop blocks up to timeout for the next waiting job and moves it to the
// active list under a lock. It returns nil, nil when nothing arrived.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*Job, error) {
	id, err := q.client.BRPopLPush(ctx, q.key(waitKey), q.key(activeKey), timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("pop job: %w", err)
	}

	if err := q.client.Set(ctx, q.lockKey(id), "1", q.lockDuration).Err(); err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}

	j, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		// the job blob expired while waiting
		q.client.LRem(ctx, q.key(activeKey), 1, id)
		q.client.Del(ctx, q.lockKey(id))
		return nil, nil
	}

	q.publish(ctx, EventActive, j, "")
	return j, nil
}

// Extend renews the lock of an active job.
func (q *Queue) Extend(ctx context.Context, id string) error {
	if err := q.client.Set(ctx, q.lockKey(id), "1", q.lockDuration).Err(); err != nil {
		return fmt.Errorf("extend lock: %w", err)
	}
	return nil
}

func (q *Queue) Complete(ctx context.Context, j *Job) error {
	now := time.Now()
	j.FinishedAt = &now

	raw, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobKey(j.ID), raw, finishedJobTTL)
	pipe.LRem(ctx, q.key(activeKey), 1, j.ID)
	pipe.Del(ctx, q.lockKey(j.ID))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}

	q.publish(ctx, EventCompleted, j, "")
	return nil
}

// Retry moves an active job to the delayed set; the scheduler promotes it
// back to waiting once delay has passed.
func (q *Queue) Retry(ctx context.Context, j *Job, delay time.Duration, cause error) error {
	j.Attempts++
	j.ProcessAt = time.Now().Add(delay)
	if cause != nil {
		j.LastError = cause.Error()
	}

	raw, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobKey(j.ID), raw, jobTTL)
	pipe.LRem(ctx, q.key(activeKey), 1, j.ID)
	pipe.Del(ctx, q.lockKey(j.ID))
	pipe.ZAdd(ctx, q.key(delayedKey), redis.Z{
		Score:  float64(j.ProcessAt.UnixMilli()),
		Member: j.ID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retry job: %w", err)
	}

	q.publish(ctx, EventRetrying, j, j.LastError)
	return nil
}

// Fail parks an active job in the failed set for good.
func (q *Queue) Fail(ctx context.Context, j *Job, cause error) error {
	now := time.Now()
	j.Attempts++
	j.FinishedAt = &now
	if cause != nil {
		j.LastError = cause.Error()
	}

	raw, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobKey(j.ID), raw, jobTTL)
	pipe.LRem(ctx, q.key(activeKey), 1, j.ID)
	pipe.Del(ctx, q.lockKey(j.ID))
	pipe.ZAdd(ctx, q.key(failedKey), redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: j.ID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}

	q.publish(ctx, EventFailed, j, j.LastError)
	return nil
}

func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	data, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}

	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}

	return &j, nil
}

// PromoteDelayed moves every delayed job due at or before now to the wait
// list in one transaction and returns how many moved.
func (q *Queue) PromoteDelayed(ctx context.Context, now time.Time) (int, error) {
	delayed := q.key(delayedKey)
	var promoted []string

	err := q.client.Watch(ctx, func(tx *redis.Tx) error {
		ids, err := tx.ZRangeByScore(ctx, delayed, &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(now.UnixMilli(), 10),
		}).Result()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			promoted = nil
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, id := range ids {
				pipe.ZRem(ctx, delayed, id)
				pipe.LPush(ctx, q.key(waitKey), id)
			}
			return nil
		})
		promoted = ids
		return err
	}, delayed)

	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return 0, nil
		}
		return 0, fmt.Errorf("promote delayed: %w", err)
	}

	for _, id := range promoted {
		q.publish(ctx, EventWaiting, &Job{ID: id}, "")
	}
	return len(promoted), nil
}

// RecoverStalled puts back on the wait list every active job whose lock was
// missing on two consecutive checks. The two-pass check leaves room for a
// worker that has popped a job but not yet written its lock.
func (q *Queue) RecoverStalled(ctx context.Context) (int, error) {
	active, err := q.client.LRange(ctx, q.key(activeKey), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list active: %w", err)
	}

	previous, err := q.client.SMembers(ctx, q.key(stalledKey)).Result()
	if err != nil {
		return 0, fmt.Errorf("list stalled candidates: %w", err)
	}
	seen := make(map[string]bool, len(previous))
	for _, id := range previous {
		seen[id] = true
	}

	pipe := q.client.Pipeline()
	exists := make([]*redis.IntCmd, len(active))
	for i, id := range active {
		exists[i] = pipe.Exists(ctx, q.lockKey(id))
	}
	if len(active) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("check locks: %w", err)
		}
	}

	var recovered, candidates []string
	for i, id := range active {
		if exists[i].Val() > 0 {
			continue
		}
		if seen[id] {
			recovered = append(recovered, id)
		} else {
			candidates = append(candidates, id)
		}
	}

	tx := q.client.TxPipeline()
	tx.Del(ctx, q.key(stalledKey))
	if len(candidates) > 0 {
		members := make([]interface{}, len(candidates))
		for i, id := range candidates {
			members[i] = id
		}
		tx.SAdd(ctx, q.key(stalledKey), members...)
	}
	for _, id := range recovered {
		tx.LRem(ctx, q.key(activeKey), 1, id)
		tx.LPush(ctx, q.key(waitKey), id)
	}
	if _, err := tx.Exec(ctx); err != nil {
		return 0, fmt.Errorf("recover stalled: %w", err)
	}

	for _, id := range recovered {
		q.publish(ctx, EventStalled, &Job{ID: id}, "")
	}
	return len(recovered), nil
}

func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.key(waitKey))
	active := pipe.LLen(ctx, q.key(activeKey))
	delayed := pipe.ZCard(ctx, q.key(delayedKey))
	failed := pipe.ZCard(ctx, q.key(failedKey))

	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("count jobs: %w", err)
	}

	return Counts{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
		Failed:  failed.Val(),
	}, nil
}

func (q *Queue) publish(ctx context.Context, event string, j *Job, errText string) {
	ev := Event{
		Event:  event,
		JobID:  j.ID,
		Name:   j.Name,
		TaskID: j.Data.TaskID,
		Type:   j.Data.Type,
		Error:  errText,
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := q.client.Publish(ctx, q.key(eventsChannel), raw).Err(); err != nil {
		log.Printf("queue %s: publish %s event: %v", q.name, event, err)
	}
}
