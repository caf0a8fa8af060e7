package session

import (
	"sort"
	"sync"
)

// Registry is the map from plugin identity to its live Session. A
// Session exists in the Registry iff its handshake completed with status
// "ok"; identity is unique across all live Sessions at any moment.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Put installs session, replacing and closing any prior live session with
// the same identity — a new handshake for an identity always wins.
// Returns the replaced session, or nil if there was none.
func (r *Registry) Put(s *Session) *Session {
	r.mu.Lock()
	old := r.sessions[s.Identity]
	r.sessions[s.Identity] = s
	r.mu.Unlock()

	if old != nil {
		old.Close("replaced")
	}
	return old
}

// Remove deletes the session for identity iff it is still s (so a session
// that already lost a replace-on-collision race doesn't clobber the entry
// that replaced it), reporting whether it actually deleted the entry.
// A false return means identity was already reassigned to a newer
// session by the time this one tore down — that newer session, not this
// departure, owns identity's state now.
func (r *Registry) Remove(identity string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[identity]; ok && cur == s {
		delete(r.sessions, identity)
		return true
	}
	return false
}

// Get returns the live session for identity, if any.
func (r *Registry) Get(identity string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[identity]
	return s, ok
}

// ByCapability returns the live sessions declaring capability, sorted by
// descending priority with identity lexicographic order as the tiebreak.
func (r *Registry) ByCapability(capability string) []*Session {
	r.mu.RLock()
	matches := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.Closed() {
			continue
		}
		if capability == "" || s.HasCapability(capability) {
			matches = append(matches, s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Priority != matches[j].Priority {
			return matches[i].Priority > matches[j].Priority
		}
		return matches[i].Identity < matches[j].Identity
	})
	return matches
}

// All returns every live session (used by publish/broadcast enumeration),
// in the same priority/identity order as ByCapability.
func (r *Registry) All() []*Session {
	return r.ByCapability("")
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
