package session

import (
	"sync"

	"github.com/google/uuid"
)

// Registry owns every live session. Creating a session under an id that is
// already registered tears the old one down first, so stale listeners from a
// previous connection can never act on the new session's state.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*State
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*State)}
}

// Create registers and returns a fresh session. An empty id is replaced with
// a generated one.
func (r *Registry) Create(id string) *State {
	if id == "" {
		id = uuid.NewString()
	}
	r.mu.Lock()
	old := r.sessions[id]
	st := NewState(id)
	r.sessions[id] = st
	r.mu.Unlock()

	// Old hooks run outside the lock; they may call back into the registry.
	if old != nil {
		old.teardown()
	}
	return st
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[id]
	return st, ok
}

// Destroy flips the session's disconnected flag, runs its teardown hooks,
// and forgets it. Destroying an unknown or already-destroyed id is a no-op.
func (r *Registry) Destroy(id string) {
	r.mu.Lock()
	st, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		st.teardown()
	}
}

// DestroyAll tears down every registered session.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	all := make([]*State, 0, len(r.sessions))
	for _, st := range r.sessions {
		all = append(all, st)
	}
	r.sessions = make(map[string]*State)
	r.mu.Unlock()
	for _, st := range all {
		st.teardown()
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
