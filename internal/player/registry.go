package player

import (
	"sort"
	"sync"
)

// Registry tracks sessions for inspection and remote control. It is safe
// for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

// Remove forgets a session without closing it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Get returns the session with the given ID.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// List returns snapshots of all sessions, oldest first.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		snaps = append(snaps, s.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].ID < snaps[j].ID
		}
		return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
	})
	return snaps
}

// Count returns the number of registered sessions and how many are open.
func (r *Registry) Count() (total, open int) {
	for _, snap := range r.List() {
		total++
		if snap.State == StateOpen {
			open++
		}
	}
	return total, open
}

// Close closes the session with the given ID.
func (r *Registry) Close(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.Close()
}

// CloseAll closes every registered session.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		_ = s.Close()
	}
}
