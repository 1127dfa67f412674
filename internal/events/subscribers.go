// Package events holds small typed pub/sub primitives. Listeners are called
// in the order they registered.
package events

import "sync"

type entry[L any] struct {
	id       uint64
	listener L
}

// subscribers is the listener table behind CallbackEvent and ChannelEvent.
// It optionally remembers the last notified value for replay to late
// listeners.
type subscribers[T, L any] struct {
	mu      sync.RWMutex
	entries []entry[L]
	nextID  uint64
	replay  bool
	last    T
	hasLast bool
	closed  bool
}

// add registers l. When replay applies, the remembered value is returned
// with ok set, for the caller to deliver outside the lock.
func (s *subscribers[T, L]) add(l L) (unregister func(), last T, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return func() {}, last, false
	}

	id := s.nextID
	s.nextID++
	s.entries = append(s.entries, entry[L]{id: id, listener: l})

	var once sync.Once
	unregister = func() {
		once.Do(func() { s.remove(id) })
	}
	if s.replay && s.hasLast {
		return unregister, s.last, true
	}
	return unregister, last, false
}

func (s *subscribers[T, L]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.id == id {
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			return
		}
	}
}

// record stores value for replay and returns the listeners to deliver it to.
func (s *subscribers[T, L]) record(value T) []L {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if s.replay {
		s.last = value
		s.hasLast = true
	}
	listeners := make([]L, len(s.entries))
	for i, e := range s.entries {
		listeners[i] = e.listener
	}
	return listeners
}

func (s *subscribers[T, L]) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *subscribers[T, L]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = nil
}
