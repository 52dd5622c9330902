package operations

import (
	"context"
	"time"
)

// Message is a single delivered payload along with the identity of the
// peer it arrived from.
type Message struct {
	From    string
	Payload []byte
}

// ReceiveResult tags the outcome of a bounded receive.
type ReceiveResult int

const (
	Received  ReceiveResult = iota // a message was returned
	TimedOut                       // the wait window elapsed with nothing queued
	Cancelled                      // the context was cancelled or the transport closed
)

func (r ReceiveResult) String() string {
	switch r {
	case Received:
		return "received"
	case TimedOut:
		return "timed-out"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MessageSender is fire-and-forget: there is no delivery acknowledgment and
// a lost message is indistinguishable from one that was never sent.
type MessageSender interface {
	Send(payload []byte, recipient string)
}

// MessageReceiver blocks until a message is available, the timeout elapses,
// or ctx is done. A timeout <= 0 waits without a deadline. A timed-out call
// never consumes a message; the next call observes it.
type MessageReceiver interface {
	Receive(ctx context.Context, timeout time.Duration) (Message, ReceiveResult)
}
