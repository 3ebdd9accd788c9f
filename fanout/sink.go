package fanout

import (
	"sync"

	"scribe.town/metrics"
)

// DefaultBuffer is how many undelivered events a sink holds before new
// ones are dropped. The stream is best-effort: a slow client loses
// events rather than stalling the session that produces them.
const DefaultBuffer = 64

// Sink is the one-way push channel toward a single client. Producers
// call TrySend and never block; the HTTP layer drains Events until the
// sink closes.
type Sink struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func NewSink() *Sink {
	return &Sink{ch: make(chan Event, DefaultBuffer)}
}

// TrySend queues an event for delivery. It reports false when the event
// was dropped, either because the sink is closed or its buffer is full.
func (s *Sink) TrySend(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.ch <- ev:
		metrics.EventsEmitted.WithLabelValues(ev.Type).Inc()
		return true
	default:
		metrics.EventsDropped.Inc()
		return false
	}
}

// Events yields queued events in production order. The channel closes
// when the sink closes.
func (s *Sink) Events() <-chan Event {
	return s.ch
}

// Close is idempotent and safe to call concurrently with TrySend.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
