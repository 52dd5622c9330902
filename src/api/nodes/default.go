package nodes

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/danmuck/dps_jitter/src/api/transport"
	"github.com/danmuck/dps_jitter/src/operations"
	"github.com/danmuck/dps_jitter/src/report"
	"github.com/danmuck/dps_jitter/src/storage"
	logs "github.com/danmuck/smplog"
	"golang.org/x/sync/errgroup"
)

// Config describes one node of a simulation run.
type Config struct {
	ID        string
	Program   string
	Peers     []string
	Addresses map[string]string // optional identity -> host:port overrides
	Transport transport.Config  // NodeID and Resolver are filled in by NewDefaultNode
	Registry  *Registry
	Reporter  report.Reporter // nil disables reporting
	Storage   operations.Storage
}

type DefaultNode struct {
	id       string
	peers    []string
	Router   RoutingTable
	handler  *transport.JitterHandler
	program  Program
	storage  operations.Storage
	reporter report.Reporter
}

var _ Node = (*DefaultNode)(nil)

func NewDefaultNode(cfg Config) (*DefaultNode, error) {
	if cfg.ID == "" {
		return nil, errors.New("node: empty id")
	}
	if cfg.Registry == nil {
		return nil, errors.New("node: no program registry")
	}
	program, err := cfg.Registry.New(cfg.Program)
	if err != nil {
		return nil, err
	}

	router := NewDefaultRouter(cfg.ID, cfg.Transport.Resolver)
	for id, addr := range cfg.Addresses {
		router.InsertPeer(id, addr)
	}
	peers := make([]string, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		if p == "" || p == cfg.ID || slices.Contains(peers, p) {
			continue
		}
		peers = append(peers, p)
		if _, err := router.Lookup(p); err != nil {
			router.InsertPeer(p, "")
		}
	}

	tcfg := cfg.Transport
	tcfg.NodeID = cfg.ID
	tcfg.Resolver = router.Resolve
	if tcfg.Address == "" {
		tcfg.Address = ":" + transport.DefaultPort
		if addr, err := router.Lookup(cfg.ID); err == nil {
			tcfg.Address = addr
		}
	}
	handler, err := transport.NewJitterHandler(tcfg)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", cfg.ID, err)
	}

	st := cfg.Storage
	if st == nil {
		st = storage.NewMemoryStorage()
	}
	rep := cfg.Reporter
	if rep == nil {
		rep = report.NopReporter{}
	}

	n := &DefaultNode{
		id:       cfg.ID,
		peers:    peers,
		Router:   router,
		handler:  handler,
		program:  program,
		storage:  st,
		reporter: rep,
	}
	handler.SetObserver(n)
	return n, nil
}

func (n *DefaultNode) ID() string {
	return n.id
}

func (n *DefaultNode) Address() string {
	if addr := n.handler.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (n *DefaultNode) Peers() []string {
	return slices.Clone(n.peers)
}

func (n *DefaultNode) Program() Program {
	return n.program
}

func (n *DefaultNode) Storage() operations.Storage {
	return n.storage
}

func (n *DefaultNode) Handler() *transport.JitterHandler {
	return n.handler
}

// Listen starts accepting inbound streams. It is split from Start so a
// launcher can bind every node before any of them dials.
func (n *DefaultNode) Listen() error {
	if n.handler.Addr() != nil {
		return nil
	}
	return n.handler.ListenAndAccept()
}

// Start listens and establishes an outbound stream to every peer. Any peer
// that cannot be reached after all retries fails the start.
func (n *DefaultNode) Start(ctx context.Context) error {
	if err := n.Listen(); err != nil {
		return fmt.Errorf("node %s: %w", n.id, err)
	}
	if err := n.handler.EstablishConnections(ctx, n.peers); err != nil {
		return fmt.Errorf("node %s: %w", n.id, err)
	}
	return nil
}

// Run starts the node and executes its program until the program returns or
// ctx is cancelled. The transport is closed on the way out.
func (n *DefaultNode) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		n.Shutdown()
		return err
	}
	logs.Infof("%s: running %s with peers %v", n.id, n.program.Name(), n.peers)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		err := n.program.Execute(gctx, n.peers, n.id, n.handler, n.handler, n.storage)
		if cause := gctx.Err(); cause != nil && errors.Is(err, cause) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		return n.Shutdown()
	})
	return g.Wait()
}

func (n *DefaultNode) Shutdown() error {
	logs.Debugf("%s: shutdown", n.id)
	return n.handler.Close()
}

// Observer hooks, called by the transport on every send and delivery.

func (n *DefaultNode) Sent(to string, payload []byte) {
	msg := n.program.Decode(payload)
	logs.Infof("%s: sent message to %s: %s", n.id, to, msg)
	n.reporter.Report(report.NewEvent(report.Sent, n.id, to, msg))
}

func (n *DefaultNode) Received(from string, payload []byte) {
	msg := n.program.Decode(payload)
	logs.Infof("%s: received message from %s: %s", n.id, from, msg)
	n.reporter.Report(report.NewEvent(report.Received, from, n.id, msg))
}
