package orchestrator

import (
	"sync"
	"time"

	"github.com/MeKo-Tech/docsort/internal/metrics"
)

// EventType names an orchestrator event.
type EventType string

const (
	EventStageStarted  EventType = "stage_started"
	EventStageFinished EventType = "stage_finished"
	EventStageFailed   EventType = "stage_failed"
	EventReviewFlag    EventType = "review_flag"
	EventStored        EventType = "document_stored"
	EventCorrected     EventType = "document_corrected"
	EventDeleted       EventType = "document_deleted"
)

// Event describes progress of one document.
type Event struct {
	Type       EventType     `json:"type"`
	DocumentID string        `json:"document_id"`
	Stage      string        `json:"stage,omitempty"`
	Kind       string        `json:"kind,omitempty"`
	Flag       string        `json:"flag,omitempty"`
	Message    string        `json:"message,omitempty"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
	At         time.Time     `json:"at"`
}

// Observer receives events synchronously from the goroutine running the
// stage. Implementations must not block.
type Observer interface {
	Observe(e Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// MetricsObserver feeds events into the Prometheus collectors.
func MetricsObserver() Observer {
	return ObserverFunc(func(e Event) {
		switch e.Type {
		case EventStageFinished:
			metrics.StageDuration(e.Stage, e.Duration)
		case EventStageFailed:
			metrics.StageDuration(e.Stage, e.Duration)
			metrics.StageFailure(e.Stage, e.Kind)
			metrics.Document("Failed")
		case EventReviewFlag:
			metrics.ReviewFlag(e.Flag)
		case EventStored:
			metrics.Document("Stored")
		case EventDeleted:
			metrics.Document("Deleted")
		}
	})
}

// Broadcaster fans events out to subscribers. A subscriber that falls
// behind loses events rather than stalling the pipeline.
type Broadcaster struct {
	buffer int

	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

// NewBroadcaster creates a broadcaster whose subscriber channels hold
// buffer events.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{buffer: buffer, subs: map[int]chan Event{}}
}

func (b *Broadcaster) Observe(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of events and a function ending the
// subscription and closing the channel.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Len returns the number of subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
