package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/podushkina/iiifimport/internal/queue"
	"github.com/podushkina/iiifimport/internal/task"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix      = "iiifimport:tasks:"
	taskKeyPrefix  = "task:"
	subtasksSuffix = ":subtasks"
	indexKey       = "index"
	watchingKey    = "watching"
	firedKeyPrefix = "fired:"

	maxTxRetries = 10
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidTask       = errors.New("invalid task")
)

// Dispatcher enqueues a job addressed to a task.
type Dispatcher interface {
	Add(ctx context.Context, name string, data queue.JobData) (*queue.Job, error)
}

// Store persists tasks in Redis and turns task lifecycle changes into
// queue jobs: "created" for new tasks, and subtask completion events for
// parents that watch them.
type Store struct {
	client     *redis.Client
	dispatcher Dispatcher
}

func New(client *redis.Client, d Dispatcher) *Store {
	return &Store{client: client, dispatcher: d}
}

type Filter struct {
	Type   string
	Status *int
	Limit  int
}

func taskKey(id string) string     { return keyPrefix + taskKeyPrefix + id }
func subtasksKey(id string) string { return keyPrefix + taskKeyPrefix + id + subtasksSuffix }

func firedKey(id, event string) string {
	return keyPrefix + firedKeyPrefix + id + ":" + event
}

// Create stores a root task and announces it with a "created" job.
func (s *Store) Create(ctx context.Context, t *task.Task) (*task.Task, error) {
	if err := prepare(t, ""); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, taskKey(t.ID), raw, 0)
	pipe.ZAdd(ctx, keyPrefix+indexKey, redis.Z{Score: float64(t.CreatedAt.UnixMilli()), Member: t.ID})

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	if err := s.dispatch(ctx, task.EventCreated, t); err != nil {
		return nil, err
	}
	return t, nil
}

// AddSubtasks stores a batch of children under parentID in one transaction,
// keeping their submission order.
func (s *Store) AddSubtasks(ctx context.Context, parentID string, subtasks []*task.Task) ([]*task.Task, error) {
	if len(subtasks) == 0 {
		return nil, fmt.Errorf("%w: empty subtask batch", ErrInvalidTask)
	}

	parent, err := s.load(ctx, s.client, parentID)
	if err != nil {
		return nil, err
	}

	pipe := s.client.TxPipeline()
	ids := make([]interface{}, 0, len(subtasks))
	for _, t := range subtasks {
		if err := prepare(t, parentID); err != nil {
			return nil, err
		}
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("marshal task: %w", err)
		}
		pipe.Set(ctx, taskKey(t.ID), raw, 0)
		pipe.ZAdd(ctx, keyPrefix+indexKey, redis.Z{Score: float64(t.CreatedAt.UnixMilli()), Member: t.ID})
		ids = append(ids, t.ID)
	}
	pipe.RPush(ctx, subtasksKey(parentID), ids...)
	if watches(parent) {
		pipe.SAdd(ctx, keyPrefix+watchingKey, parentID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("add subtasks: %w", err)
	}

	for _, t := range subtasks {
		if err := s.dispatch(ctx, task.EventCreated, t); err != nil {
			return nil, err
		}
	}
	return subtasks, nil
}

// Accept claims a pending task. Accepting a task that has moved on already
// is a no-op; either way the full record is returned.
func (s *Store) Accept(ctx context.Context, id string) (*task.Task, error) {
	err := s.mutate(ctx, id, func(t *task.Task) (bool, error) {
		if t.Status != task.StatusPending {
			return false, nil
		}
		t.Status = task.StatusAccepted
		t.StatusText = "accepted"
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Update merges p into the stored task. Status must stay monotonic and an
// errored task cannot change status again.
func (s *Store) Update(ctx context.Context, id string, p task.Patch) (*task.Task, error) {
	var (
		updated       *task.Task
		statusChanged bool
	)

	err := s.mutate(ctx, id, func(t *task.Task) (bool, error) {
		statusChanged = false
		if p.Status != nil {
			if !task.CanTransition(t.Status, *p.Status) {
				return false, fmt.Errorf("%w: task %s from %d to %d", ErrInvalidTransition, id, t.Status, *p.Status)
			}
			statusChanged = *p.Status != t.Status
			t.Status = *p.Status
		}
		if p.StatusText != nil {
			t.StatusText = *p.StatusText
		}
		if p.Name != nil {
			t.Name = *p.Name
		}
		if p.Description != nil {
			t.Description = *p.Description
		}
		state, err := mergeState(t.State, p.State)
		if err != nil {
			return false, err
		}
		t.State = state
		updated = t
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	// The update is committed at this point. A lost notification is
	// dispatched again by the reconciler.
	if statusChanged && updated.ParentID != "" {
		if err := s.notifyParent(ctx, updated); err != nil {
			log.Printf("taskstore: notify parent %s of task %s: %v", updated.ParentID, id, err)
		}
	}
	return updated, nil
}

// Get returns the task with its direct subtasks populated.
func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.load(ctx, s.client, id)
	if err != nil {
		return nil, err
	}

	ids, err := s.client.LRange(ctx, subtasksKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	if len(ids) == 0 {
		return t, nil
	}

	children, err := s.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	t.Subtasks = children
	return t, nil
}

// List returns tasks newest first, without subtasks.
func (s *Store) List(ctx context.Context, f Filter) ([]*task.Task, error) {
	ids, err := s.client.ZRevRange(ctx, keyPrefix+indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if len(ids) == 0 {
		return []*task.Task{}, nil
	}

	all, err := s.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}

	tasks := make([]*task.Task, 0, len(all))
	for _, t := range all {
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		if f.Status != nil && t.Status != *f.Status {
			continue
		}
		tasks = append(tasks, t)
		if f.Limit > 0 && len(tasks) == f.Limit {
			break
		}
	}
	return tasks, nil
}

// Watching lists parents that wait on subtask completion events.
func (s *Store) Watching(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, keyPrefix+watchingKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list watching: %w", err)
	}
	return ids, nil
}

func (s *Store) Unwatch(ctx context.Context, id string) error {
	if err := s.client.SRem(ctx, keyPrefix+watchingKey, id).Err(); err != nil {
		return fmt.Errorf("unwatch task: %w", err)
	}
	return nil
}

// notifyParent fires every completion watch of the parent that the child's
// new status just satisfied. Each watch fires at most once per parent.
func (s *Store) notifyParent(ctx context.Context, child *task.Task) error {
	parent, err := s.Get(ctx, child.ParentID)
	if err != nil {
		return fmt.Errorf("load parent of %s: %w", child.ID, err)
	}

	for _, ev := range parent.Events {
		typ, code, ok := task.ParseSubtaskEvent(ev)
		if !ok || typ != child.Type || child.Status != code {
			continue
		}
		if !allAt(parent.SubtasksOfType(typ), code) {
			continue
		}

		first, err := s.client.SetNX(ctx, firedKey(parent.ID, ev), time.Now().UnixMilli(), 0).Result()
		if err != nil {
			return fmt.Errorf("mark event fired: %w", err)
		}
		if !first {
			continue
		}
		if err := s.dispatch(ctx, ev, parent); err != nil {
			if derr := s.client.Del(ctx, firedKey(parent.ID, ev)).Err(); derr != nil {
				log.Printf("taskstore: release fired marker %s of task %s: %v", ev, parent.ID, derr)
			}
			return err
		}
	}
	return nil
}

func allAt(tasks []*task.Task, code int) bool {
	if len(tasks) == 0 {
		return false
	}
	for _, t := range tasks {
		if t.Status != code {
			return false
		}
	}
	return true
}

func (s *Store) dispatch(ctx context.Context, event string, t *task.Task) error {
	if !t.HasEvent(event) {
		return nil
	}
	if _, err := s.dispatcher.Add(ctx, event, queue.JobData{TaskID: t.ID, Type: t.Type}); err != nil {
		return fmt.Errorf("dispatch %s for task %s: %w", event, t.ID, err)
	}
	return nil
}

// mutate runs a read-modify-write of one task under WATCH, retrying when a
// concurrent writer wins. fn reports whether anything needs saving.
func (s *Store) mutate(ctx context.Context, id string, fn func(t *task.Task) (bool, error)) error {
	key := taskKey(id)

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			t, err := s.load(ctx, tx, id)
			if err != nil {
				return err
			}

			changed, err := fn(t)
			if err != nil || !changed {
				return err
			}

			t.UpdatedAt = time.Now()
			raw, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("marshal task: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, raw, 0)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update task %s: too much contention", id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) load(ctx context.Context, c getter, id string) (*task.Task, error) {
	data, err := c.Get(ctx, taskKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}

	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}

func (s *Store) fetch(ctx context.Context, ids []string) ([]*task.Task, error) {
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, taskKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("fetch tasks: %w", err)
	}

	tasks := make([]*task.Task, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}

		var t task.Task
		if err := json.Unmarshal(data, &t); err != nil {
			log.Printf("taskstore: skipping unreadable task: %v", err)
			continue
		}
		tasks = append(tasks, &t)
	}
	return tasks, nil
}

func prepare(t *task.Task, parentID string) error {
	if t.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidTask)
	}
	if !t.HasEvent(task.EventCreated) {
		return fmt.Errorf("%w: events must include %q", ErrInvalidTask, task.EventCreated)
	}

	now := time.Now()
	t.ID = uuid.New().String()
	t.ParentID = parentID
	t.Status = task.StatusPending
	if t.StatusText == "" {
		t.StatusText = "pending"
	}
	t.Subtasks = nil
	t.CreatedAt = now
	t.UpdatedAt = now
	return nil
}

func watches(t *task.Task) bool {
	for _, ev := range t.Events {
		if _, _, ok := task.ParseSubtaskEvent(ev); ok {
			return true
		}
	}
	return false
}

func mergeState(current json.RawMessage, patch any) (json.RawMessage, error) {
	if patch == nil {
		return current, nil
	}

	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}

	var add map[string]json.RawMessage
	if err := json.Unmarshal(raw, &add); err != nil {
		return nil, fmt.Errorf("%w: state must be an object", ErrInvalidTask)
	}

	base := map[string]json.RawMessage{}
	if len(current) > 0 && string(current) != "null" {
		if err := json.Unmarshal(current, &base); err != nil {
			return nil, fmt.Errorf("unmarshal state: %w", err)
		}
	}
	for k, v := range add {
		base[k] = v
	}

	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return merged, nil
}
