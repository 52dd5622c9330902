package programs

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/dps_jitter/src/api/messages"
	"github.com/danmuck/dps_jitter/src/api/nodes"
	"github.com/danmuck/dps_jitter/src/operations"
	logs "github.com/danmuck/smplog"
)

// ElectionTimings controls failure detection and heartbeating.
type ElectionTimings struct {
	ReceiveTimeout    time.Duration // silence from everyone before re-electing
	LeaderTimeout     time.Duration // silence from the leader before re-electing
	HeartbeatInterval time.Duration // leader re-announcement period
	BullyPause        time.Duration // wait before answering a lower node's election with our own
}

func DefaultElectionTimings() ElectionTimings {
	return ElectionTimings{
		ReceiveTimeout:    20 * time.Second,
		LeaderTimeout:     10 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		BullyPause:        time.Second,
	}
}

// LeaderElection is the Bully protocol. The node that outranks every peer it
// still believes alive declares itself leader and heartbeats LEADER until a
// higher node claims leadership.
type LeaderElection struct {
	timings ElectionTimings
	codec   *messages.Codec

	// owned by the Execute goroutine
	self     string
	priority int64
	peers    []string
	sender   operations.MessageSender
	storage  operations.Storage
	failed   map[string]bool
	lastSeen time.Time

	mu        sync.Mutex // guards state, leader and the heartbeat lifecycle
	state     nodes.NodeState
	leader    string
	heartbeat *heartbeat
}

type heartbeat struct {
	cancel context.CancelFunc
	done   chan struct{}
}

var _ nodes.StatefulProgram = (*LeaderElection)(nil)

// NewLeaderElection fills any zero timing from DefaultElectionTimings.
func NewLeaderElection(t ElectionTimings) *LeaderElection {
	def := DefaultElectionTimings()
	if t.ReceiveTimeout <= 0 {
		t.ReceiveTimeout = def.ReceiveTimeout
	}
	if t.LeaderTimeout <= 0 {
		t.LeaderTimeout = def.LeaderTimeout
	}
	if t.HeartbeatInterval <= 0 {
		t.HeartbeatInterval = def.HeartbeatInterval
	}
	if t.BullyPause < 0 {
		t.BullyPause = 0
	}
	return &LeaderElection{
		timings: t,
		codec:   messages.NewCodec(),
		failed:  make(map[string]bool),
		state:   nodes.Idle,
	}
}

func (e *LeaderElection) Name() string { return ElectionName }

func (e *LeaderElection) Decode(payload []byte) string { return e.codec.Render(payload) }

func (e *LeaderElection) State() nodes.NodeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Leader is the node currently believed to lead, "" when unknown.
func (e *LeaderElection) Leader() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

func (e *LeaderElection) Execute(ctx context.Context, peers []string, self string,
	sender operations.MessageSender, receiver operations.MessageReceiver,
	storage operations.Storage) error {
	e.self = self
	e.priority = nodes.ParsePriority(self)
	e.peers = peers
	e.sender = sender
	e.storage = storage
	e.lastSeen = time.Now()
	logs.Infof("%s: starting leader election (priority %d)", self, e.priority)
	defer e.demote()

	e.startElection(ctx)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		leader := e.Leader()
		following := leader != "" && leader != e.self
		if following && time.Since(e.lastSeen) >= e.timings.LeaderTimeout {
			logs.Warnf("%s: no word from leader %s for %s, assuming it is dead", self, leader, e.timings.LeaderTimeout)
			e.leaderFailed(ctx, leader)
			continue
		}

		wait := e.timings.ReceiveTimeout
		if following {
			if rem := e.timings.LeaderTimeout - time.Since(e.lastSeen) + time.Millisecond; rem < wait {
				wait = rem
			}
		}

		msg, res := receiver.Receive(ctx, wait)
		switch res {
		case operations.Received:
			e.handle(ctx, msg)
		case operations.TimedOut:
			if following && time.Since(e.lastSeen) >= e.timings.LeaderTimeout {
				continue
			}
			logs.Warnf("%s: no messages for %s, restarting election", self, wait)
			e.leaderFailed(ctx, leader)
		case operations.Cancelled:
			// spurious wake-ups loop; a done ctx exits at the top
		}
	}
}

func (e *LeaderElection) handle(ctx context.Context, msg operations.Message) {
	from := msg.From
	if leader := e.Leader(); leader != "" && from == leader {
		e.lastSeen = time.Now()
	}
	if e.failed[from] {
		delete(e.failed, from)
		logs.Infof("%s: %s is back", e.self, from)
	}

	env, err := e.codec.Decode(msg.Payload)
	if err != nil {
		logs.Warnf("%s: skipping message from %s: %v", e.self, from, err)
		return
	}

	switch env.Type {
	case messages.TypeElection:
		challenger := env.SenderNid
		if challenger == "" {
			challenger = from
		}
		send(e.codec, e.sender, from, messages.Envelope{Type: messages.TypeOK, SenderID: e.priority})
		if nodes.Outranks(e.self, challenger) {
			logs.Infof("%s: bullying %s", e.self, challenger)
			if !sleep(ctx, e.timings.BullyPause) {
				return
			}
			e.startElection(ctx)
		}

	case messages.TypeOK:
		logs.Debugf("%s: received OK from %s, waiting for higher node to complete election", e.self, from)

	case messages.TypeLeader:
		if env.LeaderID == "" {
			logs.Warnf("%s: LEADER from %s without a leader id", e.self, from)
			return
		}
		e.storage.Put(LeaderKey, e.leaderAnnounced(ctx, env.LeaderID))

	default:
		logs.Debugf("%s: ignoring %q message from %s", e.self, env.Type, from)
	}
}

const LeaderKey = "current_leader"

// leaderAnnounced applies a LEADER claim and returns the leader this node
// now recognizes.
func (e *LeaderElection) leaderAnnounced(ctx context.Context, leader string) string {
	e.lastSeen = time.Now()
	if leader == e.self {
		return e.self
	}

	e.mu.Lock()
	isLeader := e.state == nodes.Leader
	e.mu.Unlock()

	if isLeader && nodes.Outranks(e.self, leader) {
		// a lower node claimed leadership; remind it who leads
		logs.Infof("%s: rejecting leadership claim from %s", e.self, leader)
		e.announceLeadership(ctx)
		return e.self
	}

	e.mu.Lock()
	e.leader = leader
	e.stopHeartbeatLocked()
	e.state = nodes.Follower
	e.mu.Unlock()
	logs.Infof("%s: %s is the new leader", e.self, leader)
	return leader
}

// leaderFailed marks a silent leader failed and runs a fresh election.
func (e *LeaderElection) leaderFailed(ctx context.Context, leader string) {
	if leader != "" && leader != e.self {
		e.failed[leader] = true
	}
	e.mu.Lock()
	if e.leader != e.self {
		e.leader = ""
	}
	e.mu.Unlock()
	e.startElection(ctx)
}

// startElection challenges every live peer that outranks this node. With
// none left, this node leads.
func (e *LeaderElection) startElection(ctx context.Context) bool {
	e.mu.Lock()
	if e.state != nodes.Leader {
		e.state = nodes.Electing
	}
	e.mu.Unlock()

	env := messages.Envelope{
		Type:      messages.TypeElection,
		SenderID:  e.priority,
		SenderNid: e.self,
	}
	challenged := 0
	for _, peer := range e.peers {
		if nodes.Outranks(peer, e.self) && !e.failed[peer] {
			send(e.codec, e.sender, peer, env)
			logs.Debugf("%s: sent ELECTION to %s", e.self, peer)
			challenged++
		}
	}

	if challenged == 0 {
		logs.Infof("%s: no live higher nodes, assuming leadership", e.self)
		e.announceLeadership(ctx)
		e.storage.Put(LeaderKey, e.self)
		return true
	}
	e.demote()
	return false
}

// announceLeadership broadcasts LEADER and makes sure exactly one heartbeat
// task is running.
func (e *LeaderElection) announceLeadership(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = nodes.Leader
	e.leader = e.self
	broadcast(e.codec, e.sender, e.peers, "", e.leaderEnvelope())
	if e.heartbeat == nil {
		hctx, cancel := context.WithCancel(ctx)
		hb := &heartbeat{cancel: cancel, done: make(chan struct{})}
		e.heartbeat = hb
		go e.runHeartbeat(hctx, hb.done)
		logs.Debugf("%s: heartbeat started", e.self)
	}
}

// demote leaves the leader role, if held, and stops the heartbeat.
func (e *LeaderElection) demote() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopHeartbeatLocked()
	if e.leader == e.self {
		e.leader = ""
	}
	e.state = nodes.Follower
}

// stopHeartbeatLocked cancels the heartbeat and waits for it to exit, so a
// new one can never overlap it. Caller holds e.mu.
func (e *LeaderElection) stopHeartbeatLocked() {
	if e.heartbeat == nil {
		return
	}
	e.heartbeat.cancel()
	<-e.heartbeat.done
	e.heartbeat = nil
	logs.Debugf("%s: heartbeat stopped", e.self)
}

func (e *LeaderElection) runHeartbeat(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(e.timings.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			broadcast(e.codec, e.sender, e.peers, "", e.leaderEnvelope())
		}
	}
}

func (e *LeaderElection) leaderEnvelope() messages.Envelope {
	return messages.Envelope{Type: messages.TypeLeader, LeaderID: e.self}
}
