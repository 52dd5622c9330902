package transport

import (
	"maps"
	"net"
	"slices"
	"sync"
	"time"
)

// peerConn is a persistent outbound stream. Writes are serialized so frames
// from concurrent senders never interleave.
type peerConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func (p *peerConn) write(frame []byte, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if timeout > 0 {
		if err := p.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	_, err := p.conn.Write(frame)
	return err
}

// ConnMap is the internally synchronized peer -> connection table. Callers
// never lock it themselves.
type ConnMap struct {
	conns map[string]*peerConn
	mu    sync.RWMutex
}

func NewConnMap() *ConnMap {
	return &ConnMap{
		conns: make(map[string]*peerConn),
	}
}

// Add stores conn for peer, closing and replacing any previous entry.
func (m *ConnMap) Add(peer string, conn net.Conn) {
	m.mu.Lock()
	prev := m.conns[peer]
	m.conns[peer] = &peerConn{conn: conn}
	m.mu.Unlock()
	if prev != nil {
		prev.conn.Close()
	}
}

func (m *ConnMap) get(peer string) (*peerConn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pc, ok := m.conns[peer]
	return pc, ok
}

// Has reports whether a live connection to peer is registered.
func (m *ConnMap) Has(peer string) bool {
	_, ok := m.get(peer)
	return ok
}

// evict removes pc only if it is still the registered entry for peer, so a
// late failure on an old stream cannot drop a newer one.
func (m *ConnMap) evict(peer string, pc *peerConn) bool {
	m.mu.Lock()
	cur, ok := m.conns[peer]
	if ok && cur == pc {
		delete(m.conns, peer)
	}
	m.mu.Unlock()
	if ok && cur == pc {
		pc.conn.Close()
		return true
	}
	return false
}

// Peers lists the identities with a registered connection, sorted.
func (m *ConnMap) Peers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.conns))
}

// CloseAll closes every connection and empties the map.
func (m *ConnMap) CloseAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*peerConn)
	m.mu.Unlock()
	for _, pc := range conns {
		pc.conn.Close()
	}
}
