package programs

import (
	"context"
	"sync/atomic"

	"github.com/danmuck/dps_jitter/src/api/messages"
	"github.com/danmuck/dps_jitter/src/operations"
	logs "github.com/danmuck/smplog"
)

const (
	DefaultFloodOrigin  = "central"
	DefaultFloodContent = "FLOODING_MESSAGE"
)

// Flooding is a single-shot broadcast. The origin sends one envelope to all
// of its peers; every other node relays the first valid envelope it receives
// to all peers except the one it came from and ignores everything after.
type Flooding struct {
	name     string
	codec    *messages.Codec
	origin   string
	received atomic.Bool
	relays   atomic.Int64
}

func NewFlooding(origin string) *Flooding {
	return newFlooding(FloodingName, origin)
}

// newFlooding lets the same algorithm register under more than one name.
func newFlooding(name, origin string) *Flooding {
	if origin == "" {
		origin = DefaultFloodOrigin
	}
	return &Flooding{name: name, codec: messages.NewCodec(), origin: origin}
}

func (f *Flooding) Name() string { return f.name }

func (f *Flooding) Decode(payload []byte) string { return f.codec.Render(payload) }

// HasReceived reports whether this node has seen (or originated) the flood.
func (f *Flooding) HasReceived() bool { return f.received.Load() }

// Relays is the number of times this node forwarded the flood.
func (f *Flooding) Relays() int64 { return f.relays.Load() }

func LastMessageFromKey(sender string) string { return "last_message_from_" + sender }

func (f *Flooding) Execute(ctx context.Context, peers []string, self string,
	sender operations.MessageSender, receiver operations.MessageReceiver,
	storage operations.Storage) error {
	logs.Infof("%s: starting flooding (origin %s)", self, f.origin)

	if self == f.origin {
		f.received.Store(true)
		broadcast(f.codec, sender, peers, "", messages.Envelope{
			Content:        DefaultFloodContent,
			Sequence:       0,
			OriginalSender: self,
		})
		logs.Infof("%s: sent initial message to %d peers", self, len(peers))
	}

	for {
		msg, res := receiver.Receive(ctx, 0)
		switch res {
		case operations.Received:
			f.handle(self, peers, msg, sender, storage)
		case operations.Cancelled:
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

func (f *Flooding) handle(self string, peers []string, msg operations.Message, sender operations.MessageSender, storage operations.Storage) {
	if f.received.Load() {
		return
	}
	env, err := f.codec.Decode(msg.Payload)
	if err != nil {
		logs.Warnf("%s: skipping message from %s: %v", self, msg.From, err)
		return
	}
	f.received.Store(true)

	origin := env.OriginalSender
	if origin == "" {
		origin = msg.From
	}
	logs.Infof("%s: received new message from %s, flooding to all neighbors except sender", self, msg.From)
	broadcast(f.codec, sender, peers, msg.From, messages.Envelope{
		Content:        env.Content,
		Sequence:       env.Sequence,
		OriginalSender: origin,
	})
	f.relays.Add(1)
	storage.Put(LastMessageFromKey(msg.From), env.Content)
}
