package transport

import (
	"sync"

	"github.com/danmuck/dps_jitter/src/operations"
)

// inboundQueue is an unbounded FIFO shared by every reader goroutine and
// drained by the single program goroutine.
type inboundQueue struct {
	items []operations.Message
	mu    sync.Mutex
	ready chan struct{} // holds at most one wake-up token
}

func newInboundQueue() *inboundQueue {
	return &inboundQueue{
		ready: make(chan struct{}, 1),
	}
}

func (q *inboundQueue) push(msg operations.Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.signal()
}

func (q *inboundQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// peek reports whether a message is waiting without removing it.
func (q *inboundQueue) peek() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) > 0
}

func (q *inboundQueue) pop() (operations.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return operations.Message{}, false
	}
	msg := q.items[0]
	q.items[0] = operations.Message{}
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	}
	return msg, true
}

func (q *inboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
