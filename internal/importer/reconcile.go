package importer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/podushkina/iiifimport/internal/queue"
	"github.com/podushkina/iiifimport/internal/task"
	"github.com/podushkina/iiifimport/internal/taskstore"
)

// Reconciler looks for parents whose completion event was lost: every
// watched child is done but the parent has not moved for a while. Those get
// the event job again. Finished parents are dropped from the watch list.
type Reconciler struct {
	tasks      TaskAPI
	dispatcher taskstore.Dispatcher
	stallAfter time.Duration
	now        func() time.Time
}

func NewReconciler(tasks TaskAPI, d taskstore.Dispatcher, stallAfter time.Duration) *Reconciler {
	return &Reconciler{
		tasks:      tasks,
		dispatcher: d,
		stallAfter: stallAfter,
		now:        time.Now,
	}
}

func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Reconciler stopped")
			return
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				log.Printf("reconcile: %v", err)
			}
			if n > 0 {
				log.Printf("reconcile: requeued %d events", n)
			}
		}
	}
}

// Sweep checks every watching parent once and returns how many event jobs
// it enqueued.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	ids, err := r.tasks.Watching(ctx)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, id := range ids {
		n, err := r.check(ctx, id)
		if err != nil {
			return requeued, err
		}
		requeued += n
	}
	return requeued, nil
}

func (r *Reconciler) check(ctx context.Context, id string) (int, error) {
	t, err := r.tasks.Get(ctx, id)
	if errors.Is(err, taskstore.ErrNotFound) {
		return 0, r.tasks.Unwatch(ctx, id)
	}
	if err != nil {
		return 0, fmt.Errorf("get task %s: %w", id, err)
	}

	vocab, ok := Vocabulary(t.Type)
	if !ok {
		log.Printf("reconcile: task %s has unknown type %s", t.ID, t.Type)
		return 0, nil
	}
	if finished(t, vocab) {
		return 0, r.tasks.Unwatch(ctx, id)
	}
	if r.now().Sub(t.UpdatedAt) < r.stallAfter {
		return 0, nil
	}

	requeued := 0
	for _, ev := range t.Events {
		childType, code, ok := task.ParseSubtaskEvent(ev)
		if !ok || !allAt(t.SubtasksOfType(childType), code) {
			continue
		}

		log.Printf("WARN task %s type=%s status=%d: every %s subtask is at %d but the parent is stalled since %s, requeueing %s",
			t.ID, t.Type, t.Status, childType, code, t.UpdatedAt.Format(time.RFC3339), ev)
		if _, err := r.dispatcher.Add(ctx, ev, queue.JobData{TaskID: t.ID, Type: t.Type}); err != nil {
			return requeued, fmt.Errorf("requeue %s for task %s: %w", ev, t.ID, err)
		}
		requeued++
	}
	return requeued, nil
}
