package server

import (
	"sync"
)

// Manager tracks live connections so shutdown can close them cleanly
type Manager struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

// NewManager creates an empty connection registry
func NewManager() *Manager {
	return &Manager{conns: make(map[string]*Conn)}
}

// Add registers a connection
func (m *Manager) Add(c *Conn) {
	m.mu.Lock()
	m.conns[c.ID()] = c
	m.mu.Unlock()
}

// Remove drops a connection from the registry
func (m *Manager) Remove(c *Conn) {
	m.mu.Lock()
	delete(m.conns, c.ID())
	m.mu.Unlock()
}

// Len returns the number of live connections
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// CloseAll tears down every live connection
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.teardown("server shutting down")
	}
}
