package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/podushkina/iiifimport/internal/queue"
)

const countsEvery = time.Minute

// Scheduler keeps a queue's delayed and stalled jobs moving and logs its
// lifecycle events. It knows nothing about what the jobs do.
type Scheduler struct {
	queue    *queue.Queue
	interval time.Duration
}

func New(q *queue.Queue, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{queue: q, interval: interval}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("Scheduler %s started (interval=%s)", s.queue.Name(), s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	lastCounts := time.Now()

	for {
		select {
		case <-ctx.Done():
			log.Printf("Scheduler %s stopped", s.queue.Name())
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)

			if now.Sub(lastCounts) >= countsEvery {
				lastCounts = now
				if c, err := s.queue.Counts(ctx); err == nil {
					log.Printf("queue %s waiting=%d active=%d delayed=%d failed=%d",
						s.queue.Name(), c.Waiting, c.Active, c.Delayed, c.Failed)
				}
			}
		}
	}
}

// Tick promotes due delayed jobs and recovers stalled ones.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	if n, err := s.queue.PromoteDelayed(ctx, now); err != nil {
		if ctx.Err() == nil {
			log.Printf("scheduler: promote delayed: %v", err)
		}
	} else if n > 0 {
		log.Printf("scheduler: promoted %d delayed jobs", n)
	}

	if n, err := s.queue.RecoverStalled(ctx); err != nil {
		if ctx.Err() == nil {
			log.Printf("scheduler: recover stalled: %v", err)
		}
	} else if n > 0 {
		log.Printf("scheduler: recovered %d stalled jobs", n)
	}
}

// Monitor logs queue lifecycle events until ctx is cancelled.
func (s *Scheduler) Monitor(ctx context.Context) error {
	events, err := s.queue.Subscribe(ctx)
	if err != nil {
		return err
	}

	for ev := range events {
		logEvent(ev)
	}
	return nil
}

func logEvent(ev queue.Event) {
	switch ev.Event {
	case queue.EventWaiting:
		log.Printf("A job with ID %s is waiting", ev.JobID)
	case queue.EventCompleted:
		log.Printf("done %s name=%s task=%s", ev.JobID, ev.Name, ev.TaskID)
	case queue.EventFailed:
		log.Printf("error %s name=%s task=%s: %s", ev.JobID, ev.Name, ev.TaskID, ev.Error)
	case queue.EventRetrying:
		log.Printf("retry %s name=%s task=%s: %s", ev.JobID, ev.Name, ev.TaskID, ev.Error)
	case queue.EventStalled:
		log.Printf("stalled %s moved back to wait", ev.JobID)
	}
}
