// Package notify is a small observer registry used for local change feeds.
//
// Publishers announce the ids touched by a write; each subscriber accumulates them in
// publish order and is woken through a one-slot signal channel, so a slow subscriber
// coalesces bursts instead of blocking the writer.
package notify

import "sync"

// Broadcaster fans out id notifications to subscribers.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates an empty broadcaster.
func New() *Broadcaster {
	return &Broadcaster{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscription. Subscribing to a closed broadcaster returns an
// already closed subscription.
func (b *Broadcaster) Subscribe() *Subscription {
	s := &Subscription{
		b:      b,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(s.done) })
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish records ids on every subscription and wakes it.
func (b *Broadcaster) Publish(ids ...string) {
	if len(ids) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.push(ids)
	}
}

// Len returns the number of live subscriptions.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close terminates every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()

	for s := range subs {
		s.once.Do(func() { close(s.done) })
	}
}

// Subscription receives change notifications.
type Subscription struct {
	b      *Broadcaster
	mu     sync.Mutex
	ids    []string
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *Subscription) push(ids []string) {
	s.mu.Lock()
	s.ids = append(s.ids, ids...)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// C is signalled whenever new ids are available.
func (s *Subscription) C() <-chan struct{} {
	return s.signal
}

// Done is closed once the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Drain returns the ids received since the last call, in publish order.
func (s *Subscription) Drain() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.ids
	s.ids = nil
	return ids
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	delete(s.b.subs, s)
	s.b.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}
