package events

import (
	"sync"
	"sync/atomic"
)

// subscriber receives deliveries for a fixed set of topics. A nil topic
// set matches everything. Exactly one of raw and env is set.
type subscriber struct {
	topics map[Event]struct{}
	raw    chan any
	env    chan Envelope
}

func (s *subscriber) matches(e Event) bool {
	if s.topics == nil {
		return true
	}
	_, ok := s.topics[e]
	return ok
}

// offer hands the envelope over without blocking.
func (s *subscriber) offer(env Envelope) bool {
	if s.raw != nil {
		select {
		case s.raw <- env.Payload:
			return true
		default:
			return false
		}
	}
	select {
	case s.env <- env:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	if s.raw != nil {
		close(s.raw)
		return
	}
	close(s.env)
}

// Bus fans engine events out to dashboard streams, the monitor and tests.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a listener for one topic and returns the payload
// channel and an unsubscribe function that closes it.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	s := &subscriber{topics: map[Event]struct{}{e: {}}, raw: make(chan any, buffer)}
	return s.raw, b.add(s)
}

// SubscribeTopics registers one listener for several topics. Every payload
// arrives wrapped in an Envelope carrying its topic. An empty topic list
// subscribes to everything.
func (b *Bus) SubscribeTopics(topics []Event, buffer int) (<-chan Envelope, func()) {
	s := &subscriber{env: make(chan Envelope, buffer)}
	if len(topics) > 0 {
		s.topics = make(map[Event]struct{}, len(topics))
		for _, t := range topics {
			s.topics[t] = struct{}{}
		}
	}
	return s.env, b.add(s)
}

func (b *Bus) add(s *subscriber) func() {
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			s.close()
			b.mu.Unlock()
		})
	}
}

// Publish delivers payload to every subscriber of e without blocking.
func (b *Bus) Publish(e Event, payload any) {
	env := Envelope{Type: e, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.matches(e) && !s.offer(env) {
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were discarded because a subscriber
// fell behind.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
