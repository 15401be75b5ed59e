package worker

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/podushkina/iiifimport/internal/queue"
)

const popTimeout = 2 * time.Second

// Handler processes one job for a task type.
type Handler func(ctx context.Context, j *queue.Job) error

// Pool consumes one queue with a fixed number of workers and dispatches each
// job to the handler registered for the job's task type.
type Pool struct {
	queue    *queue.Queue
	handlers map[string]Handler
	count    int
	policy   RetryPolicy
	wg       sync.WaitGroup
	mu       sync.RWMutex
}

func NewPool(q *queue.Queue, count int, policy RetryPolicy) *Pool {
	if count < 1 {
		count = 1
	}
	return &Pool{
		queue:    q,
		handlers: make(map[string]Handler),
		count:    count,
		policy:   policy,
	}
}

func (p *Pool) Register(taskType string, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[taskType] = handler
}

func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.count; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	log.Printf("Started %d workers on queue %s", p.count, p.queue.Name())
}

func (p *Pool) Stop() {
	p.wg.Wait()
	log.Println("All workers stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log.Printf("Worker %d started", id)

	for {
		select {
		case <-ctx.Done():
			log.Printf("Worker %d shutting down", id)
			return
		default:
			j, err := p.queue.Pop(ctx, popTimeout)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("Worker %d: pop error: %v", id, err)
				continue
			}

			if j == nil {
				continue
			}

			p.process(ctx, id, j)
		}
	}
}

func (p *Pool) process(ctx context.Context, workerID int, j *queue.Job) {
	log.Printf("Worker %d processing job %s name=%s task=%s type=%s attempt=%d",
		workerID, j.ID, j.Name, j.Data.TaskID, j.Data.Type, j.Attempts+1)

	p.mu.RLock()
	handler, ok := p.handlers[j.Data.Type]
	p.mu.RUnlock()

	if !ok {
		if err := p.queue.Fail(ctx, j, fmt.Errorf("unknown task type: %s", j.Data.Type)); err != nil {
			log.Printf("Worker %d: fail job error: %v", workerID, err)
		}
		return
	}

	err := p.run(ctx, handler, j)
	if err == nil {
		if err := p.queue.Complete(ctx, j); err != nil {
			log.Printf("Worker %d: complete job error: %v", workerID, err)
		}
		log.Printf("Worker %d: job %s completed", workerID, j.ID)
		return
	}

	if IsFatal(err) || j.Attempts+1 >= j.MaxAttempts {
		log.Printf("Worker %d: job %s failed permanently: %v", workerID, j.ID, err)
		if err := p.queue.Fail(ctx, j, err); err != nil {
			log.Printf("Worker %d: fail job error: %v", workerID, err)
		}
		return
	}

	delay := p.policy.Backoff(j.Attempts + 1)
	log.Printf("Worker %d: job %s failed attempt=%d delay=%s error=%v", workerID, j.ID, j.Attempts+1, delay, err)
	if err := p.queue.Retry(ctx, j, delay, err); err != nil {
		log.Printf("Worker %d: retry job error: %v", workerID, err)
	}
}

// run calls the handler while keeping the job lock alive. A panic is turned
// into a fatal error.
func (p *Pool) run(ctx context.Context, handler Handler, j *queue.Job) (err error) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(p.queue.LockDuration() / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.Extend(ctx, j.ID); err != nil {
					log.Printf("job %s: extend lock: %v", j.ID, err)
				}
			}
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("job %s: handler panic: %v\n%s", j.ID, r, debug.Stack())
			err = Fatal(fmt.Errorf("handler panic: %v", r))
		}
	}()

	return handler(ctx, j)
}
