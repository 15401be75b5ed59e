package taskstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/podushkina/iiifimport/internal/queue"
	"github.com/podushkina/iiifimport/internal/task"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dispatched struct {
	name string
	data queue.JobData
}

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []dispatched
	// failures makes the next Add calls for a job name fail.
	failures map[string]int
}

func (d *recordingDispatcher) Add(ctx context.Context, name string, data queue.JobData) (*queue.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures[name] > 0 {
		d.failures[name]--
		return nil, errors.New("redis: connection reset")
	}
	d.jobs = append(d.jobs, dispatched{name: name, data: data})
	return &queue.Job{Name: name, Data: data}, nil
}

func (d *recordingDispatcher) named(name string) []dispatched {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []dispatched
	for _, j := range d.jobs {
		if j.name == name {
			out = append(out, j)
		}
	}
	return out
}

func setupTest(t *testing.T) (*Store, *recordingDispatcher, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	d := &recordingDispatcher{}
	return New(client, d), d, mr
}

const childDone = "subtask_type_status.canvas-import.3"

func parentTask() *task.Task {
	return &task.Task{
		Type:    "manifest-import",
		Name:    "Importing manifest",
		Subject: "https://example.org/manifest.json",
		Events:  []string{task.EventCreated, childDone},
	}
}

func childTask(subject string) *task.Task {
	return &task.Task{
		Type:    "canvas-import",
		Subject: subject,
		Events:  []string{task.EventCreated},
	}
}

func TestStore_CreateDispatchesCreated(t *testing.T) {
	s, d, mr := setupTest(t)
	defer mr.Close()
	ctx := context.Background()

	created, err := s.Create(ctx, parentTask())
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, task.StatusPending, created.Status)
	assert.Equal(t, "pending", created.StatusText)

	jobs := d.named(task.EventCreated)
	require.Len(t, jobs, 1)
	assert.Equal(t, created.ID, jobs[0].data.TaskID)
	assert.Equal(t, "manifest-import", jobs[0].data.Type)
}

func TestStore_CreateRequiresCreatedEvent(t *testing.T) {
	s, _, mr := setupTest(t)
	defer mr.Close()

	_, err := s.Create(context.Background(), &task.Task{Type: "manifest-import"})
	assert.True(t, errors.Is(err, ErrInvalidTask))
}

func TestStore_AcceptIsIdempotent(t *testing.T) {
	s, _, mr := setupTest(t)
	defer mr.Close()
	ctx := context.Background()

	created, err := s.Create(ctx, parentTask())
	require.NoError(t, err)

	accepted, err := s.Accept(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusAccepted, accepted.Status)
	assert.Equal(t, "accepted", accepted.StatusText)

	_, err = s.Update(ctx, created.ID, task.Patch{Status: task.Int(2), StatusText: task.String("waiting for canvases")})
	require.NoError(t, err)

	again, err := s.Accept(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Status)
}

func TestStore_AcceptNotFound(t *testing.T) {
	s, _, mr := setupTest(t)
	defer mr.Close()

	_, err := s.Accept(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_UpdateMonotonicStatus(t *testing.T) {
	s, _, mr := setupTest(t)
	defer mr.Close()
	ctx := context.Background()

	created, err := s.Create(ctx, parentTask())
	require.NoError(t, err)

	_, err = s.Update(ctx, created.ID, task.Patch{Status: task.Int(3)})
	require.NoError(t, err)

	_, err = s.Update(ctx, created.ID, task.Patch{Status: task.Int(2)})
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = s.Update(ctx, created.ID, task.Patch{Status: task.Int(task.StatusError)})
	require.NoError(t, err)

	_, err = s.Update(ctx, created.ID, task.Patch{Status: task.Int(3)})
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestStore_UpdateMergesState(t *testing.T) {
	s, _, mr := setupTest(t)
	defer mr.Close()
	ctx := context.Background()

	created, err := s.Create(ctx, parentTask())
	require.NoError(t, err)

	_, err = s.Update(ctx, created.ID, task.Patch{State: map[string]any{"omekaId": 7}})
	require.NoError(t, err)
	updated, err := s.Update(ctx, created.ID, task.Patch{
		Name:  task.String("A manifest"),
		State: map[string]any{"isDuplicate": true},
	})
	require.NoError(t, err)

	assert.Equal(t, "A manifest", updated.Name)
	assert.JSONEq(t, `{"omekaId": 7, "isDuplicate": true}`, string(updated.State))

	_, err = s.Update(ctx, created.ID, task.Patch{State: []int{1}})
	assert.True(t, errors.Is(err, ErrInvalidTask))
}

func TestStore_AddSubtasksKeepsOrder(t *testing.T) {
	s, d, mr := setupTest(t)
	defer mr.Close()
	ctx := context.Background()

	parent, err := s.Create(ctx, parentTask())
	require.NoError(t, err)

	_, err = s.AddSubtasks(ctx, parent.ID, []*task.Task{childTask("c0"), childTask("c1"), childTask("c2")})
	require.NoError(t, err)

	full, err := s.Get(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, full.Subtasks, 3)
	for i, sub := range full.Subtasks {
		assert.Equal(t, []string{"c0", "c1", "c2"}[i], sub.Subject)
		assert.Equal(t, parent.ID, sub.ParentID)
	}

	assert.Len(t, d.named(task.EventCreated), 4)

	watching, err := s.Watching(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{parent.ID}, watching)
}

func TestStore_AddSubtasksUnknownParent(t *testing.T) {
	s, _, mr := setupTest(t)
	defer mr.Close()

	_, err := s.AddSubtasks(context.Background(), "missing", []*task.Task{childTask("c0")})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_CompletionEventFiresOnceAllChildrenDone(t *testing.T) {
	s, d, mr := setupTest(t)
	defer mr.Close()
	ctx := context.Background()

	parent, err := s.Create(ctx, parentTask())
	require.NoError(t, err)
	children, err := s.AddSubtasks(ctx, parent.ID, []*task.Task{childTask("c0"), childTask("c1")})
	require.NoError(t, err)

	_, err = s.Update(ctx, children[0].ID, task.Patch{Status: task.Int(3)})
	require.NoError(t, err)
	assert.Empty(t, d.named(childDone), "one child still pending")

	_, err = s.Update(ctx, children[1].ID, task.Patch{Status: task.Int(2)})
	require.NoError(t, err)
	assert.Empty(t, d.named(childDone))

	_, err = s.Update(ctx, children[1].ID, task.Patch{Status: task.Int(3)})
	require.NoError(t, err)

	fired := d.named(childDone)
	require.Len(t, fired, 1)
	assert.Equal(t, parent.ID, fired[0].data.TaskID)
	assert.Equal(t, "manifest-import", fired[0].data.Type)

	// a repeated status write does not fire again
	_, err = s.Update(ctx, children[1].ID, task.Patch{Status: task.Int(3)})
	require.NoError(t, err)
	assert.Len(t, d.named(childDone), 1)
}

func TestStore_UpdateSurvivesFailedParentNotification(t *testing.T) {
	s, d, mr := setupTest(t)
	defer mr.Close()
	ctx := context.Background()

	parent, err := s.Create(ctx, parentTask())
	require.NoError(t, err)
	children, err := s.AddSubtasks(ctx, parent.ID, []*task.Task{childTask("c0")})
	require.NoError(t, err)

	d.failures = map[string]int{childDone: 1}
	updated, err := s.Update(ctx, children[0].ID, task.Patch{Status: task.Int(3), State: map[string]any{"omekaId": 2}})
	require.NoError(t, err, "the child update is committed")
	assert.Equal(t, 3, updated.Status)
	assert.Empty(t, d.named(childDone))

	got, err := s.Get(ctx, children[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Status)
	assert.JSONEq(t, `{"omekaId": 2}`, string(got.State))

	assert.False(t, mr.Exists(firedKey(parent.ID, childDone)), "fired marker is released")
}

func TestStore_ErroredChildBlocksCompletion(t *testing.T) {
	s, d, mr := setupTest(t)
	defer mr.Close()
	ctx := context.Background()

	parent, err := s.Create(ctx, parentTask())
	require.NoError(t, err)
	children, err := s.AddSubtasks(ctx, parent.ID, []*task.Task{childTask("c0"), childTask("c1")})
	require.NoError(t, err)

	_, err = s.Update(ctx, children[0].ID, task.Patch{Status: task.Int(task.StatusError)})
	require.NoError(t, err)
	_, err = s.Update(ctx, children[1].ID, task.Patch{Status: task.Int(3)})
	require.NoError(t, err)

	assert.Empty(t, d.named(childDone))
}

func TestStore_ListFilters(t *testing.T) {
	s, _, mr := setupTest(t)
	defer mr.Close()
	ctx := context.Background()

	parent, err := s.Create(ctx, parentTask())
	require.NoError(t, err)
	_, err = s.AddSubtasks(ctx, parent.ID, []*task.Task{childTask("c0"), childTask("c1")})
	require.NoError(t, err)

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	canvases, err := s.List(ctx, Filter{Type: "canvas-import"})
	require.NoError(t, err)
	assert.Len(t, canvases, 2)

	limited, err := s.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_Unwatch(t *testing.T) {
	s, _, mr := setupTest(t)
	defer mr.Close()
	ctx := context.Background()

	parent, err := s.Create(ctx, parentTask())
	require.NoError(t, err)
	_, err = s.AddSubtasks(ctx, parent.ID, []*task.Task{childTask("c0")})
	require.NoError(t, err)

	require.NoError(t, s.Unwatch(ctx, parent.ID))

	watching, err := s.Watching(ctx)
	require.NoError(t, err)
	assert.Empty(t, watching)
}
