package transfer

import (
	"sync"
)

// Registry maps session ids to live sessions. It is shared by the
// connection path and the HTTP path.
type Registry struct {
	sessions map[string]*Session
	mu       sync.RWMutex
}

// Counts summarises active sessions.
type Counts struct {
	ActiveUploads   int `json:"active_uploads"`
	ActiveDownloads int `json:"active_downloads"`
	TotalActive     int `json:"total_active"`
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Create registers s. It fails with ErrSessionExists if the id is taken.
func (r *Registry) Create(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return ErrSessionExists
	}
	r.sessions[s.ID] = s
	return nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	return s, ok
}

// Remove unregisters whatever session holds id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, id)
}

// release unregisters id only while it still maps to s, so tearing down an
// old session never evicts a newer one that reused the id.
func (r *Registry) release(id string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[id]; ok && cur == s {
		delete(r.sessions, id)
		return true
	}
	return false
}

// Sessions returns a snapshot of the live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var c Counts
	for _, s := range r.sessions {
		switch s.Direction {
		case DirectionUpload:
			c.ActiveUploads++
		case DirectionDownload:
			c.ActiveDownloads++
		}
	}
	c.TotalActive = len(r.sessions)
	return c
}
