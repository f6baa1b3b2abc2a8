package server

import (
	"sync"

	"github.com/coder/websocket"
)

// ConnectionRegistry tracks the live sockets owned by this instance and
// the session token each one authenticated as. Which room a connection
// belongs to lives in the store so other instances can see it; sockets
// themselves cannot be shared and stay here.
type ConnectionRegistry struct {
	mu      sync.RWMutex
	sockets map[string]*websocket.Conn // connectionID -> socket
	tokens  map[string]string          // connectionID -> session token
	conns   map[string]string          // session token -> connectionID
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		sockets: make(map[string]*websocket.Conn),
		tokens:  make(map[string]string),
		conns:   make(map[string]string),
	}
}

func (cr *ConnectionRegistry) AddConnection(connectionID string, socket *websocket.Conn) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.sockets[connectionID] = socket
}

// BindToken associates a connection with a session token and returns
// the connection previously holding that token, if any. The caller is
// responsible for closing a superseded socket.
func (cr *ConnectionRegistry) BindToken(connectionID, token string) (previousConnectionID string) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	previous := cr.conns[token]
	if previous == connectionID {
		previous = ""
	}
	if previous != "" {
		delete(cr.tokens, previous)
	}

	cr.tokens[connectionID] = token
	cr.conns[token] = connectionID
	return previous
}

func (cr *ConnectionRegistry) RemoveConnection(connectionID string) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	if token, ok := cr.tokens[connectionID]; ok {
		if cr.conns[token] == connectionID {
			delete(cr.conns, token)
		}
		delete(cr.tokens, connectionID)
	}
	delete(cr.sockets, connectionID)
}

func (cr *ConnectionRegistry) GetConnection(connectionID string) *websocket.Conn {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return cr.sockets[connectionID]
}

func (cr *ConnectionRegistry) GetTokenByConnection(connectionID string) string {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return cr.tokens[connectionID]
}

func (cr *ConnectionRegistry) GetConnectionByToken(token string) string {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return cr.conns[token]
}

// Connections returns a snapshot of every live connection id.
func (cr *ConnectionRegistry) Connections() []string {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	ids := make([]string, 0, len(cr.sockets))
	for id := range cr.sockets {
		ids = append(ids, id)
	}
	return ids
}
