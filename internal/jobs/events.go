package jobs

import (
	"fmt"
	"sync"
	"time"
)

// EventType names a progress event.
type EventType string

const (
	EventJobStarted     EventType = "job_started"
	EventTaskStarted    EventType = "task_started"
	EventTaskCompleted  EventType = "task_completed"
	EventTaskError      EventType = "task_error"
	EventAutoFixApplied EventType = "auto_fix_applied"
	EventNeedsCredits   EventType = "needs_credits"
	EventJobCompleted   EventType = "job_completed"
	EventJobFailed      EventType = "job_failed"
	EventJobCancelled   EventType = "job_cancelled"
)

// ProgressEvent is one ordered state-change notification for a job. Seq is
// assigned by the orchestrator and increases per job.
type ProgressEvent struct {
	JobID     string         `json:"job_id"`
	Seq       int64          `json:"seq"`
	Type      EventType      `json:"type"`
	TaskID    string         `json:"task_id,omitempty"`
	TaskIndex int            `json:"task_index"`
	Status    string         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Key is the deduplication key consumers use for at-least-once delivery.
func (e ProgressEvent) Key() string {
	return fmt.Sprintf("%s/%s/%s", e.JobID, e.TaskID, e.Status)
}

// IsFinal reports whether no more events follow for this execution run.
func (e ProgressEvent) IsFinal() bool {
	switch e.Type {
	case EventJobCompleted, EventJobFailed, EventJobCancelled, EventNeedsCredits:
		return true
	}
	return false
}

// Broadcaster fans progress events out to live subscribers of a job.
// Delivery to a slow subscriber is dropped rather than blocking the
// publisher; consumers recover missed events by replaying from the event log.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan ProgressEvent]struct{}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[string]map[chan ProgressEvent]struct{})}
}

// Subscribe returns a channel of live events for jobID and a function that
// unsubscribes and closes the channel.
func (b *Broadcaster) Subscribe(jobID string, bufferSize int) (<-chan ProgressEvent, func()) {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	ch := make(chan ProgressEvent, bufferSize)

	b.mu.Lock()
	subs, ok := b.subscribers[jobID]
	if !ok {
		subs = make(map[chan ProgressEvent]struct{})
		b.subscribers[jobID] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.subscribers[jobID]; ok {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subscribers, jobID)
				}
			}
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber of its job without blocking.
func (b *Broadcaster) Publish(ev ProgressEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers[ev.JobID] {
		select {
		case ch <- ev:
		default:
			// Drop if subscriber is slow; they can replay from the event log
		}
	}
}

// SubscriberCount returns the number of live subscribers for jobID.
func (b *Broadcaster) SubscriberCount(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[jobID])
}
