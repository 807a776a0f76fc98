package service

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is one entry of a job's ordered log. Seq starts at 1 per job.
type Event struct {
	Seq      int       `json:"seq"`
	JobID    string    `json:"job_id"`
	Type     EventType `json:"type"`
	Progress int       `json:"progress"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time"`
}

func (e Event) Final() bool {
	return e.Type == EventCompleted || e.Type == EventFailed
}

type EventPublisher interface {
	Publish(jobID string, event Event)
}

type jobLog struct {
	events  []Event
	changed chan struct{}
	closed  bool
}

// EventBus keeps every event of a job until Forget is called. Subscribers
// replay the log from the first event and then follow new ones, so a late or
// slow subscriber still sees every event in order.
type EventBus struct {
	mu   sync.Mutex
	logs map[string]*jobLog
	now  func() time.Time
}

func NewEventBus() *EventBus {
	return &EventBus{
		logs: make(map[string]*jobLog),
		now:  time.Now,
	}
}

func (eb *EventBus) logFor(jobID string) *jobLog {
	l, ok := eb.logs[jobID]
	if !ok {
		l = &jobLog{changed: make(chan struct{})}
		eb.logs[jobID] = l
	}
	return l
}

func (eb *EventBus) Publish(jobID string, event Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	l := eb.logFor(jobID)
	if l.closed {
		return
	}
	event.JobID = jobID
	event.Seq = len(l.events) + 1
	if event.Time.IsZero() {
		event.Time = eb.now()
	}
	l.events = append(l.events, event)

	close(l.changed)
	l.changed = make(chan struct{})
}

// Subscribe streams the job's events. The channel is closed after a final
// event has been delivered, when the log is forgotten, or when ctx ends.
func (eb *EventBus) Subscribe(ctx context.Context, jobID string) <-chan Event {
	out := make(chan Event)

	eb.mu.Lock()
	l := eb.logFor(jobID)
	eb.mu.Unlock()

	go func() {
		defer close(out)
		next := 0
		for {
			eb.mu.Lock()
			pending := append([]Event(nil), l.events[next:]...)
			changed := l.changed
			closed := l.closed
			eb.mu.Unlock()

			for _, ev := range pending {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				next++
				if ev.Final() {
					return
				}
			}
			if closed {
				return
			}
			if len(pending) > 0 {
				continue
			}

			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Events returns a copy of the job's log.
func (eb *EventBus) Events(jobID string) []Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	l, ok := eb.logs[jobID]
	if !ok {
		return nil
	}
	return append([]Event(nil), l.events...)
}

// Forget drops the job's log and ends its subscriptions.
func (eb *EventBus) Forget(jobID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	l, ok := eb.logs[jobID]
	if !ok {
		return
	}
	delete(eb.logs, jobID)
	l.closed = true
	close(l.changed)
	l.changed = make(chan struct{})
}

func (eb *EventBus) Len() int {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	return len(eb.logs)
}
