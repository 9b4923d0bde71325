// Package notify routes async push messages to client connections. Each
// connection registers a buffered write channel; targeted sends cancel the
// connection when the buffer is full (a slow consumer holding a backoff
// notification is worse than a reconnect), broadcasts drop instead.
package notify

import "sync"

type subscriber struct {
	ch     chan []byte
	cancel func()
}

// Manager tracks one push channel per connection.
type Manager struct {
	mu    sync.RWMutex
	conns map[uint64]*subscriber
}

func NewManager() *Manager {
	return &Manager{conns: make(map[uint64]*subscriber)}
}

// Register adds a connection's push channel. cancel is invoked (once per
// failed send) when the channel is full; it should close the connection.
func (m *Manager) Register(connID uint64, ch chan []byte, cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[connID] = &subscriber{ch: ch, cancel: cancel}
}

// Unregister drops a connection's push channel.
func (m *Manager) Unregister(connID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, connID)
}

// Send delivers msg to one connection. Never blocks: a full buffer cancels
// the connection and the message is dropped. Returns false if the
// connection is unknown or the send failed.
func (m *Manager) Send(connID uint64, msg []byte) bool {
	m.mu.RLock()
	sub := m.conns[connID]
	m.mu.RUnlock()
	if sub == nil {
		return false
	}
	select {
	case sub.ch <- msg:
		return true
	default:
		if sub.cancel != nil {
			sub.cancel()
		}
		return false
	}
}

// Broadcast delivers msg to every connection, dropping on full buffers.
// Returns the number of connections that received it.
func (m *Manager) Broadcast(msg []byte) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sub := range m.conns {
		select {
		case sub.ch <- msg:
			n++
		default:
		}
	}
	return n
}

// Len returns the number of registered connections.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}
