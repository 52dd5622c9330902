package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/danmuck/dps_jitter/src/operations"
)

var (
	// ErrConnectionEstablishment wraps the last dial error once every retry
	// to a peer has been exhausted.
	ErrConnectionEstablishment = errors.New("connection establishment failed")
	// ErrClosed is returned by operations on a closed handler.
	ErrClosed = errors.New("transport closed")
)

type TransportHandler interface {
	operations.MessageSender
	operations.MessageReceiver
	ListenAndAccept() error                                         // bind the listener and start the accept loop
	EstablishConnections(ctx context.Context, peers []string) error // dial every peer with retry
	ReceiveNext(ctx context.Context) (operations.Message, error)    // block without a deadline
	Addr() net.Addr                                                 // bound listener address
	Close() error                                                   // stop accepting and close every socket
}

// Observer is told about every frame actually written and every message
// handed to the program. Implementations must not block.
type Observer interface {
	Sent(to string, payload []byte)
	Received(from string, payload []byte)
}

// Resolver maps a node identity to a dialable address.
type Resolver func(nodeID string) string

// HostResolver dials a peer at its identity used as a hostname, on port.
func HostResolver(port string) Resolver {
	return func(nodeID string) string {
		return net.JoinHostPort(nodeID, port)
	}
}

// StaticResolver looks identities up in addrs and falls back when absent.
func StaticResolver(addrs map[string]string, fallback Resolver) Resolver {
	return func(nodeID string) string {
		if addr, ok := addrs[nodeID]; ok {
			return addr
		}
		return fallback(nodeID)
	}
}

// Backoff is the retry policy for outbound connection establishment.
type Backoff struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultBackoff is 10 attempts starting at 500ms, doubling up to 4s.
func DefaultBackoff() Backoff {
	return Backoff{
		Attempts: 10,
		Initial:  500 * time.Millisecond,
		Max:      4 * time.Second,
	}
}

// Next returns the wait that follows cur.
func (b Backoff) Next(cur time.Duration) time.Duration {
	if cur >= b.Max {
		return b.Max
	}
	return min(cur*2, b.Max)
}
