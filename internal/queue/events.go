package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
)

const (
	EventWaiting   = "waiting"
	EventActive    = "active"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventRetrying  = "retrying"
	EventStalled   = "stalled"
)

// Event is a job lifecycle notification published on the queue's channel.
type Event struct {
	Event  string `json:"event"`
	JobID  string `json:"jobId"`
	Name   string `json:"name,omitempty"`
	TaskID string `json:"taskId,omitempty"`
	Type   string `json:"type,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Subscribe streams lifecycle events until ctx is cancelled. The channel is
// closed when the subscription ends.
func (q *Queue) Subscribe(ctx context.Context) (<-chan Event, error) {
	sub := q.client.Subscribe(ctx, q.key(eventsChannel))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe events: %w", err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Printf("queue %s: bad event payload: %v", q.name, err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
