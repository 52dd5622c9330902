package programs

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/dps_jitter/src/api/nodes"
	"github.com/danmuck/dps_jitter/src/operations"
	"github.com/danmuck/dps_jitter/src/storage"
)

// fakeNet is a lossless in-memory network with one FIFO inbox per node.
type fakeNet struct {
	mu     sync.Mutex
	boxes  map[string]chan operations.Message
	halted map[string]bool
	sent   []sentRecord
}

type sentRecord struct {
	from, to string
	payload  []byte
}

func newFakeNet(ids ...string) *fakeNet {
	n := &fakeNet{
		boxes:  make(map[string]chan operations.Message),
		halted: make(map[string]bool),
	}
	for _, id := range ids {
		n.boxes[id] = make(chan operations.Message, 4096)
	}
	return n
}

func (n *fakeNet) endpoint(id string) *fakeEndpoint {
	return &fakeEndpoint{net: n, id: id}
}

// halt silences every send from id, simulating a crashed node.
func (n *fakeNet) halt(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.halted[id] = true
}

// inject delivers payload to "to" as if "from" had sent it.
func (n *fakeNet) inject(from, to string, payload []byte) {
	n.boxes[to] <- operations.Message{From: from, Payload: payload}
}

func (n *fakeNet) sentFrom(id string) []sentRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentRecord
	for _, r := range n.sent {
		if r.from == id {
			out = append(out, r)
		}
	}
	return out
}

type fakeEndpoint struct {
	net *fakeNet
	id  string
}

func (e *fakeEndpoint) Send(payload []byte, recipient string) {
	n := e.net
	n.mu.Lock()
	if n.halted[e.id] {
		n.mu.Unlock()
		return
	}
	box, ok := n.boxes[recipient]
	p := slices.Clone(payload)
	n.sent = append(n.sent, sentRecord{from: e.id, to: recipient, payload: p})
	n.mu.Unlock()
	if !ok {
		return
	}
	select {
	case box <- operations.Message{From: e.id, Payload: p}:
	default:
	}
}

func (e *fakeEndpoint) Receive(ctx context.Context, timeout time.Duration) (operations.Message, operations.ReceiveResult) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	select {
	case msg := <-e.net.boxes[e.id]:
		return msg, operations.Received
	case <-deadline:
		return operations.Message{}, operations.TimedOut
	case <-ctx.Done():
		return operations.Message{}, operations.Cancelled
	}
}

// runProgram executes p for id on the fake network until the test ends.
func runProgram(t *testing.T, n *fakeNet, p nodes.Program, id string, peers []string) *storage.MemoryStorage {
	t.Helper()
	st := storage.NewMemoryStorage()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	ep := n.endpoint(id)
	go func() { done <- p.Execute(ctx, peers, id, ep, ep, st) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("%s: %s did not stop after cancel", id, p.Name())
		}
	})
	return st
}

// others returns every id except self.
func others(ids []string, self string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != self {
			out = append(out, id)
		}
	}
	return out
}
