package nodes

import (
	"context"

	"github.com/danmuck/dps_jitter/src/operations"
)

type NodeState string

// Election node states
const (
	Idle     NodeState = "IDLE"
	Electing NodeState = "ELECTING"
	Leader   NodeState = "LEADER"
	Follower NodeState = "FOLLOWER"
)

// Generic Node interface
// This interface is the base Node for a participant in a simulation run
// DefaultNode implements it over a JitterHandler
type Node interface {
	ID() string                      // node identity, unique among participants
	Address() string                 // listener address for node
	Start(ctx context.Context) error // listen and connect to every peer
	Shutdown() error                 // close the transport and stop the program
	Peers() []string                 // fixed peer list
}

// Program is a distributed algorithm that runs on top of the node contracts.
// Execute owns the calling goroutine until ctx is cancelled or the program
// finishes. Decode renders a payload for logs and reports only.
type Program interface {
	Name() string
	Execute(ctx context.Context, peers []string, self string,
		sender operations.MessageSender, receiver operations.MessageReceiver,
		storage operations.Storage) error
	Decode(payload []byte) string
}

// StatefulProgram is implemented by programs that track a NodeState.
type StatefulProgram interface {
	Program
	State() NodeState
}
