package Common

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry is shared by the servers and the API. Servers open and close
// sessions; the API only reads snapshots.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

func (r *Registry) Open(kind SessionKind, remote string) *Session {
	s := &Session{
		Id:       uuid.Must(uuid.NewV7()).String(),
		Kind:     kind,
		Remote:   remote,
		OpenedAt: r.now().UTC(),
	}
	r.mu.Lock()
	r.sessions[s.Id] = s
	r.mu.Unlock()
	return s
}

func (r *Registry) Close(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the stats of every open session, oldest first.
func (r *Registry) Snapshot() []SessionStats {
	r.mu.RLock()
	out := make([]SessionStats, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Stats())
	}
	r.mu.RUnlock()

	// v7 ids sort by creation time
	slices.SortFunc(out, func(a, b SessionStats) int {
		return cmp.Compare(a.Id, b.Id)
	})
	return out
}
