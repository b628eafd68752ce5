package handlers

import (
	"sync"
	"time"
)

// Conn is one client connection as the relay sees it.
type Conn interface {
	ID() string
	Send(data []byte) error
	Close() error
}

type connEntry struct {
	conn     Conn
	userId   string
	lastSeen time.Time
}

// Registry maps connections to the users they speak for. A user has at most one live
// connection; binding a second one supersedes the first.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*connEntry // connection id -> entry
	users map[string]string     // user id -> connection id
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*connEntry),
		users: make(map[string]string),
	}
}

// Add registers an unbound connection, last seen at now.
func (r *Registry) Add(c Conn, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID()] = &connEntry{conn: c, lastSeen: now}
}

// Bind associates a connection with a user and returns the connection it superseded.
// ok is false when the connection is no longer registered; nothing is bound then.
func (r *Registry) Bind(connId, userId string) (superseded Conn, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, found := r.conns[connId]
	if !found {
		return nil, false
	}
	if e.userId != "" && e.userId != userId && r.users[e.userId] == connId {
		delete(r.users, e.userId)
	}
	e.userId = userId

	if prev, ok := r.users[userId]; ok && prev != connId {
		if old, ok := r.conns[prev]; ok {
			old.userId = ""
			superseded = old.conn
		}
	}
	r.users[userId] = connId
	return superseded, true
}

// UserOf returns the user bound to a connection, or "".
func (r *Registry) UserOf(connId string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[connId]; ok {
		return e.userId
	}
	return ""
}

// Remove forgets a connection. It reports the user the connection still spoke for;
// "" if it was unbound, superseded or already removed.
func (r *Registry) Remove(connId string) (userId string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, found := r.conns[connId]
	if !found {
		return "", false
	}
	delete(r.conns, connId)
	if e.userId != "" && r.users[e.userId] == connId {
		delete(r.users, e.userId)
		return e.userId, true
	}
	return "", true
}

// ConnFor returns the connection currently speaking for a user.
func (r *Registry) ConnFor(userId string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.users[userId]
	if !ok {
		return nil, false
	}
	e, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Touch records activity on a connection. It reports false for a connection that was
// removed.
func (r *Registry) Touch(connId string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connId]
	if ok {
		e.lastSeen = now
	}
	return ok
}

// Stale lists connections silent since before cutoff.
func (r *Registry) Stale(cutoff time.Time) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Conn
	for _, e := range r.conns {
		if e.lastSeen.Before(cutoff) {
			out = append(out, e.conn)
		}
	}
	return out
}

// Stats reports open connections and how many are bound to a user.
func (r *Registry) Stats() (conns, bound int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns), len(r.users)
}
