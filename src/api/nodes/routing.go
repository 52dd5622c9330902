package nodes

import (
	"errors"
	"slices"
	"sync"

	"github.com/danmuck/dps_jitter/src/api/transport"
)

var (
	ErrPeerExists   = errors.New("peer already exists")
	ErrPeerNotFound = errors.New("peer not found")
)

// All Routing tables should implement this interface
// Resolve feeds the transport when dialling peers
type RoutingTable interface {
	InsertPeer(id, address string) error // insert a new peer into the routing table
	RemovePeer(id string) error          // remove a peer from routing table
	Lookup(id string) (string, error)    // lookup peer address by its identity
	Resolve(id string) string            // address to dial, falling back to the hostname rule
	Peers() []string                     // known identities, sorted
}

////////////////////////////////////////////////////////////////////////////////////////////
////////////////////////////////////////////////////////////////////////////////////////////

type DefaultRouter struct {
	self     string
	nodes    map[string]string
	fallback transport.Resolver
	mu       sync.Mutex
}

// NewDefaultRouter builds a table for self. Peers without an explicit
// address resolve through fallback, which defaults to "<id>:8888".
func NewDefaultRouter(self string, fallback transport.Resolver) *DefaultRouter {
	if fallback == nil {
		fallback = transport.HostResolver(transport.DefaultPort)
	}
	return &DefaultRouter{
		self:     self,
		nodes:    make(map[string]string),
		fallback: fallback,
	}
}

func (r *DefaultRouter) InsertPeer(id, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[id]; exists {
		return ErrPeerExists
	}
	r.nodes[id] = address
	return nil
}

func (r *DefaultRouter) RemovePeer(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[id]; !exists {
		return ErrPeerNotFound
	}
	delete(r.nodes, id)
	return nil
}

func (r *DefaultRouter) Lookup(id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if addr, ok := r.nodes[id]; ok && addr != "" {
		return addr, nil
	}
	return "", ErrPeerNotFound
}

func (r *DefaultRouter) Resolve(id string) string {
	if addr, err := r.Lookup(id); err == nil {
		return addr
	}
	return r.fallback(id)
}

func (r *DefaultRouter) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		if id != r.self {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}
