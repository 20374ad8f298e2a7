package syncjob

import (
	"fmt"
	"sort"
	"sync"
)

// ConnectionRegistry holds the configured provider connections. Seeded
// at startup from configuration; safe for concurrent use.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{conns: make(map[string]*Connection)}
}

// Register adds or replaces a connection.
func (r *ConnectionRegistry) Register(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.conns[c.ID] = &cp
}

// Get returns the connection or ErrUnknownConnection.
func (r *ConnectionRegistry) Get(id string) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	cp := *c
	return &cp, nil
}

// SetActive toggles a connection without re-registering it.
func (r *ConnectionRegistry) SetActive(id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	c.Active = active
	return nil
}

// List returns all connections ordered by id.
func (r *ConnectionRegistry) List() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
