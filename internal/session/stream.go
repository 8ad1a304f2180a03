package session

import (
	"log/slog"
	"sync"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind is disconnected rather than allowed to stall or
// observe a gapped sequence.
const subscriberBuffer = 32

// Stream is a typed fan-out of immutable status values. Each subscriber
// gets its own buffered channel and an independent cancel function.
// Publishes preserve order per subscriber: a subscriber either observes the
// full gap-free sequence from its subscription point, or its channel is
// closed.
type Stream[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	closed bool
	name   string
	logger *slog.Logger
}

// NewStream creates a named stream. The name is only used for logging.
func NewStream[T any](name string, logger *slog.Logger) *Stream[T] {
	return &Stream[T]{
		subs:   make(map[int]chan T),
		name:   name,
		logger: logger,
	}
}

// Subscribe returns a receive channel and a cancel function. The channel is
// closed on cancel or when the stream closes. Cancel is idempotent.
func (s *Stream[T]) Subscribe() (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan T, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// SubscribeCurrent is Subscribe with the current value seeded as the first
// delivery, so a late subscriber still observes the full sequence from the
// state it joined at.
func (s *Stream[T]) SubscribeCurrent(current T) (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan T, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	ch <- current

	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// Publish delivers v to every subscriber. A subscriber whose buffer is full
// is dropped and its channel closed, so the remaining subscribers never
// block the publishing session.
func (s *Stream[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	for id, ch := range s.subs {
		select {
		case ch <- v:
		default:
			delete(s.subs, id)
			close(ch)
			if s.logger != nil {
				s.logger.Warn("slow subscriber dropped from stream", "stream", s.name)
			}
		}
	}
}

// Close terminates the stream and closes all subscriber channels.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

// SubscriberCount returns the number of live subscribers.
func (s *Stream[T]) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
