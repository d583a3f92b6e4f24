package v16

import "sync"

// Registry tracks the live session per charge point id. One station gets one
// session; a reconnect replaces the previous one.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register installs the session and returns the one it displaced, if any.
func (r *Registry) Register(s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.sessions[s.ChargePointID()]
	r.sessions[s.ChargePointID()] = s
	return old
}

// Unregister removes the session only when it is still the registered one.
// A replaced session unregistering late must not evict its successor.
func (r *Registry) Unregister(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.ChargePointID()] != s {
		return false
	}
	delete(r.sessions, s.ChargePointID())
	return true
}

// Get returns the live session for the station, or nil.
func (r *Registry) Get(cpID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[cpID]
}

// Count reports how many stations are connected.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All snapshots the live sessions.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
