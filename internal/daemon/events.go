package daemon

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/coworkos/cowork/internal/store"
)

// Event is the broadcast envelope for one task event.
type Event struct {
	TaskID    string          `json:"taskId"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// Subscription is one subscriber's bounded event queue. When the queue
// overflows, events are dropped and a gap marker is inserted so the consumer
// can reconcile via GetTaskEvents. The bus never back-pressures the executor.
type Subscription struct {
	C chan Event

	mu         sync.Mutex
	gapPending bool
	closed     bool
}

func (s *Subscription) publish(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if s.gapPending {
		// Need room for the gap marker plus the event; otherwise keep dropping.
		if cap(s.C)-len(s.C) < 2 {
			return
		}
		s.C <- Event{
			TaskID:    evt.TaskID,
			Type:      store.EventGapMarker,
			Timestamp: time.Now(),
		}
		s.gapPending = false
	}

	select {
	case s.C <- evt:
	default:
		s.gapPending = true
	}
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.C)
	}
}

type eventBus struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[*Subscription]struct{})}
}

func (b *eventBus) subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 256
	}
	sub := &Subscription{C: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *eventBus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.Close()
}

func (b *eventBus) broadcast(evt Event) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		sub.publish(evt)
	}
}
