package mcp

import (
	"sync"

	"github.com/rendis/casework/internal/identity"
)

// SessionRegistry remembers the MCP session each resolved user last called
// a tool from. Anonymous callers and system principals are never tracked:
// nobody is there to read a notice.
type SessionRegistry struct {
	mu    sync.RWMutex
	users map[string]string // principal id → session id
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{users: make(map[string]string)}
}

// Track records that p is reachable on sessionID. It reports whether p was
// tracked. The latest session wins.
func (r *SessionRegistry) Track(p *identity.Principal, sessionID string) bool {
	if identity.IsAnonymous(p) || p.IsSystem() || sessionID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[p.ID] = sessionID
	return true
}

// SessionFor returns the session the user is reachable on.
func (r *SessionRegistry) SessionFor(principalID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.users[principalID]
	return sid, ok
}

// Forget drops every user reachable on sessionID and returns how many were dropped.
func (r *SessionRegistry) Forget(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, sid := range r.users {
		if sid == sessionID {
			delete(r.users, id)
			n++
		}
	}
	return n
}
