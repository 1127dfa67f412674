package hrm

import (
	"sync"

	"github.com/lowaak/hrmonitor/internal/radio"
)

// Registry holds discovered sessions in discovery order, at most one per
// peripheral.
type Registry struct {
	mu       sync.RWMutex
	sessions []*Session
	byID     map[radio.PeripheralID]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[radio.PeripheralID]*Session),
	}
}

// Add appends s unless a session for the same peripheral is already known.
// Returns false when s was not added.
func (r *Registry) Add(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[s.ID()]; ok {
		return false
	}
	r.byID[s.ID()] = s
	r.sessions = append(r.sessions, s)
	return true
}

func (r *Registry) Get(id radio.PeripheralID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// All returns a copy of the sessions in discovery order.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Session, len(r.sessions))
	copy(result, r.sessions)
	return result
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
