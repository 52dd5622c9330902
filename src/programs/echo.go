package programs

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/dps_jitter/src/api/messages"
	"github.com/danmuck/dps_jitter/src/operations"
	logs "github.com/danmuck/smplog"
)

const DefaultEchoInterval = 5 * time.Second

// Echo replies to every message with the same content and the sequence
// bumped by one, and stores the last content seen from each sender. It also
// greets every peer with a HEARTBEAT on a fixed interval.
type Echo struct {
	codec    *messages.Codec
	interval time.Duration // 0 disables heartbeats
}

func NewEcho(interval time.Duration) *Echo {
	return &Echo{codec: messages.NewCodec(), interval: interval}
}

func (e *Echo) Name() string { return EchoName }

func (e *Echo) Decode(payload []byte) string { return e.codec.Render(payload) }

func LastFromKey(sender string) string { return "last_from_" + sender }

func (e *Echo) Execute(ctx context.Context, peers []string, self string,
	sender operations.MessageSender, receiver operations.MessageReceiver,
	storage operations.Storage) error {
	logs.Infof("%s: starting echo", self)

	var beats int64
	next := time.Now()
	for {
		var wait time.Duration
		if e.interval > 0 {
			wait = time.Until(next)
			if wait <= 0 {
				broadcast(e.codec, sender, peers, "", messages.Envelope{
					Type:     messages.TypeHeartbeat,
					Content:  fmt.Sprintf("HEARTBEAT-%d from %s", beats, self),
					Sequence: beats,
				})
				beats++
				next = time.Now().Add(e.interval)
				continue
			}
		}

		msg, res := receiver.Receive(ctx, wait)
		switch res {
		case operations.Received:
			e.handle(self, msg, sender, storage)
		case operations.Cancelled:
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

func (e *Echo) handle(self string, msg operations.Message, sender operations.MessageSender, storage operations.Storage) {
	env, err := e.codec.Decode(msg.Payload)
	if err != nil {
		logs.Warnf("%s: skipping message from %s: %v", self, msg.From, err)
		return
	}
	storage.Put(LastFromKey(msg.From), env.Content)
	if env.Type == messages.TypeEcho {
		return
	}
	send(e.codec, sender, msg.From, messages.Envelope{
		Type:     messages.TypeEcho,
		Content:  env.Content,
		Sequence: env.Sequence + 1,
	})
	logs.Debugf("%s: echoed sequence %d back to %s", self, env.Sequence+1, msg.From)
}
