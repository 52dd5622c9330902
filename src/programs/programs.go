// Package programs holds the distributed algorithms a node can run.
package programs

import (
	"context"
	"time"

	"github.com/danmuck/dps_jitter/src/api/messages"
	"github.com/danmuck/dps_jitter/src/api/nodes"
	"github.com/danmuck/dps_jitter/src/operations"
	logs "github.com/danmuck/smplog"
)

// Registered program names.
const (
	EchoName      = "echo_algorithm"
	BroadcastName = "broadcast_algorithm"
	FloodingName  = "flooding_algorithm"
	ElectionName  = "leader_election"
)

// Registry returns a registry holding every program with default timings.
func Registry() *nodes.Registry {
	r := nodes.NewRegistry()
	r.Register(EchoName, func() nodes.Program { return NewEcho(DefaultEchoInterval) })
	r.Register(BroadcastName, func() nodes.Program { return newFlooding(BroadcastName, DefaultFloodOrigin) })
	r.Register(FloodingName, func() nodes.Program { return NewFlooding(DefaultFloodOrigin) })
	r.Register(ElectionName, func() nodes.Program { return NewLeaderElection(DefaultElectionTimings()) })
	return r
}

// broadcast encodes env once and sends it to every peer except skip.
func broadcast(codec *messages.Codec, sender operations.MessageSender, peers []string, skip string, env messages.Envelope) {
	payload, err := codec.Encode(env.Stamp(time.Now()))
	if err != nil {
		logs.Warnf("failed to encode %s envelope: %v", env.Type, err)
		return
	}
	for _, peer := range peers {
		if peer != skip {
			sender.Send(payload, peer)
		}
	}
}

func send(codec *messages.Codec, sender operations.MessageSender, to string, env messages.Envelope) {
	payload, err := codec.Encode(env.Stamp(time.Now()))
	if err != nil {
		logs.Warnf("failed to encode %s envelope: %v", env.Type, err)
		return
	}
	sender.Send(payload, to)
}

// sleep waits for d or until ctx is done, reporting which came first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
