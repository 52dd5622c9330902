package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/dps_jitter/src/operations"
	logs "github.com/danmuck/smplog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPort = "8888"

	pollInterval     = 500 * time.Millisecond
	handshakeTimeout = 10 * time.Second
	frameTimeout     = 10 * time.Second
)

// Config parameterizes a JitterHandler.
type Config struct {
	NodeID       string        // identity announced to every dialled peer
	Address      string        // listen address
	DropRate     float64       // loss probability applied on send and again on receive
	Delay        time.Duration // nominal consumer-side delay
	Spread       time.Duration // delay standard deviation, 0 means Delay/10
	Seed         uint64        // random seed, 0 picks one from the clock
	Resolver     Resolver      // identity -> dial address
	Backoff      Backoff       // outbound retry policy
	DialTimeout  time.Duration // per attempt
	WriteTimeout time.Duration // bound on socket write backpressure
	Observer     Observer      // optional
}

// DefaultConfig listens on DefaultPort and dials peers by hostname.
func DefaultConfig(nodeID string) Config {
	return Config{
		NodeID:       nodeID,
		Address:      ":" + DefaultPort,
		Resolver:     HostResolver(DefaultPort),
		Backoff:      DefaultBackoff(),
		DialTimeout:  2 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Stats counts what the jitter layer did to traffic.
type Stats struct {
	Sent             uint64 // frames written to a socket
	DroppedOnSend    uint64
	DroppedOnReceive uint64
	Delivered        uint64 // messages handed to the program
}

// JitterHandler turns a set of reliable TCP streams into a lossy, delayed
// message channel. One persistent outbound stream per peer and one reader
// per inbound stream preserve FIFO order per directed pair.
type JitterHandler struct {
	id       string
	address  string
	listener net.Listener
	inbound  *inboundQueue
	coder    Coder
	model    *JitterModel
	conns    *ConnMap
	resolve  Resolver
	backoff  Backoff
	observer Observer

	dialTimeout  time.Duration
	writeTimeout time.Duration

	sent, droppedSend, droppedRecv, delivered atomic.Uint64

	exit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ TransportHandler = (*JitterHandler)(nil)

// JitterHandler generator function
func NewJitterHandler(cfg Config) (*JitterHandler, error) {
	logs.Debugf("NewJitterHandler(%s, %s)", cfg.NodeID, cfg.Address)
	if cfg.NodeID == "" {
		return nil, errors.New("transport: empty node id")
	}
	model, err := NewJitterModel(cfg.DropRate, cfg.Delay, cfg.Spread, cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	if cfg.Resolver == nil {
		cfg.Resolver = HostResolver(DefaultPort)
	}
	if cfg.Backoff.Attempts <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}

	return &JitterHandler{
		id:           cfg.NodeID,
		address:      cfg.Address,
		inbound:      newInboundQueue(),
		coder:        FrameCoder{},
		model:        model,
		conns:        NewConnMap(),
		resolve:      cfg.Resolver,
		backoff:      cfg.Backoff,
		observer:     cfg.Observer,
		dialTimeout:  cfg.DialTimeout,
		writeTimeout: cfg.WriteTimeout,
		exit:         make(chan struct{}),
	}, nil
}

// interface

// SetObserver must be called before traffic starts flowing.
func (h *JitterHandler) SetObserver(o Observer) {
	h.observer = o
}

func (h *JitterHandler) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

func (h *JitterHandler) Model() *JitterModel {
	return h.model
}

// Connected reports whether a live outbound stream to peer exists.
func (h *JitterHandler) Connected(peer string) bool {
	return h.conns.Has(peer)
}

// ConnectedPeers lists every peer with a live outbound stream.
func (h *JitterHandler) ConnectedPeers() []string {
	return h.conns.Peers()
}

func (h *JitterHandler) Stats() Stats {
	return Stats{
		Sent:             h.sent.Load(),
		DroppedOnSend:    h.droppedSend.Load(),
		DroppedOnReceive: h.droppedRecv.Load(),
		Delivered:        h.delivered.Load(),
	}
}

// Pending is the number of messages queued but not yet delivered.
func (h *JitterHandler) Pending() int {
	return h.inbound.len()
}

// Listen and accept connections via JitterHandler.listener
func (h *JitterHandler) ListenAndAccept() error {
	logs.Debugf("ListenAndAccept(%s)", h.address)
	if h.closed() {
		return ErrClosed
	}
	var err error
	h.listener, err = net.Listen("tcp", h.address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.address, err)
	}

	h.wg.Add(1)
	go h.acceptConnections()

	return nil
}

// EstablishConnections opens one persistent stream per peer, dialling peers
// concurrently. Self-loops and duplicates are skipped. Any peer exhausting
// its retries fails the whole call.
func (h *JitterHandler) EstablishConnections(ctx context.Context, peers []string) error {
	logs.Infof("%s: [TCP] establishing connections to %d peers", h.id, len(peers))
	g, gctx := errgroup.WithContext(ctx)
	seen := make(map[string]bool, len(peers))
	for _, peer := range peers {
		if peer == "" || peer == h.id || seen[peer] {
			continue
		}
		seen[peer] = true
		g.Go(func() error {
			return h.connectWithRetry(gctx, peer)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logs.Infof("%s: [TCP] all connections established %v", h.id, h.conns.Peers())
	return nil
}

// Send frames payload onto the persistent stream for recipient. Simulated
// loss and a missing stream are silent; a write failure evicts the stream.
func (h *JitterHandler) Send(payload []byte, recipient string) {
	if h.closed() {
		return
	}
	if h.model.ShouldDrop() {
		h.droppedSend.Add(1)
		logs.Infof("%s: [JITTER] dropping message to %s", h.id, recipient)
		return
	}

	pc, ok := h.conns.get(recipient)
	if !ok {
		logs.Debugf("%s: no live connection to %s, send skipped", h.id, recipient)
		return
	}
	frame, err := h.coder.Encode(payload)
	if err != nil {
		logs.Warnf("%s: failed to encode message to %s: %v", h.id, recipient, err)
		return
	}
	if err := pc.write(frame, h.writeTimeout); err != nil {
		logs.Warnf("%s: error sending message to %s, dropping connection: %v", h.id, recipient, err)
		h.conns.evict(recipient, pc)
		return
	}
	h.sent.Add(1)
	if h.observer != nil {
		h.observer.Sent(recipient, payload)
	}
}

// Receive waits for the next queued message, then holds it for a sampled
// delay before returning it. The message stays queued until it is actually
// returned, so a timeout or cancellation never loses it.
func (h *JitterHandler) Receive(ctx context.Context, timeout time.Duration) (operations.Message, operations.ReceiveResult) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		for !h.inbound.peek() {
			select {
			case <-h.inbound.ready:
			case <-deadline:
				return operations.Message{}, operations.TimedOut
			case <-ctx.Done():
				return operations.Message{}, operations.Cancelled
			case <-h.exit:
				return operations.Message{}, operations.Cancelled
			}
		}

		if d := h.model.SampleDelay(); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-deadline:
				t.Stop()
				return operations.Message{}, operations.TimedOut
			case <-ctx.Done():
				t.Stop()
				return operations.Message{}, operations.Cancelled
			case <-h.exit:
				t.Stop()
				return operations.Message{}, operations.Cancelled
			}
		}

		msg, ok := h.inbound.pop()
		if !ok {
			continue
		}
		h.delivered.Add(1)
		if h.observer != nil {
			h.observer.Received(msg.From, msg.Payload)
		}
		return msg, operations.Received
	}
}

// ReceiveNext blocks until a message is delivered, ctx is done, or the
// handler is closed.
func (h *JitterHandler) ReceiveNext(ctx context.Context) (operations.Message, error) {
	msg, res := h.Receive(ctx, 0)
	if res == operations.Received {
		return msg, nil
	}
	if h.closed() {
		return operations.Message{}, ErrClosed
	}
	return operations.Message{}, ctx.Err()
}

// Close stops the accept loop, closes every socket, and waits for readers
// to exit. It is safe to call more than once.
func (h *JitterHandler) Close() error {
	h.closeOnce.Do(func() {
		logs.Debugf("Close(start)")
		close(h.exit)
		if h.listener != nil {
			h.listener.Close()
		}
		h.conns.CloseAll()
		h.wg.Wait()
		logs.Debugf("Close(done)")
	})
	return nil
}

// private

func (h *JitterHandler) closed() bool {
	select {
	case <-h.exit:
		return true
	default:
		return false
	}
}

func (h *JitterHandler) connectWithRetry(ctx context.Context, peer string) error {
	addr := h.resolve(peer)
	wait := h.backoff.Initial
	var lastErr error

	for attempt := 1; attempt <= h.backoff.Attempts; attempt++ {
		conn, err := h.dial(ctx, addr)
		if err == nil {
			h.conns.Add(peer, conn)
			logs.Infof("%s: [TCP] connected to %s at %s (attempt %d)", h.id, peer, addr, attempt)
			return nil
		}
		lastErr = err
		logs.Warnf("%s: failed to connect to %s (attempt %d/%d): %v", h.id, peer, attempt, h.backoff.Attempts, err)

		if attempt == h.backoff.Attempts {
			break
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %s: %w", ErrConnectionEstablishment, peer, ctx.Err())
		case <-h.exit:
			t.Stop()
			return ErrClosed
		}
		wait = h.backoff.Next(wait)
	}
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrConnectionEstablishment, peer, h.backoff.Attempts, lastErr)
}

// dial opens a stream and announces this node's identity as its first frame.
func (h *JitterHandler) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: h.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	hello, err := h.coder.Encode([]byte(h.id))
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
		_, err = conn.Write(hello)
		conn.SetWriteDeadline(time.Time{})
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake with %s: %w", addr, err)
	}
	return conn, nil
}

// listener accept loop
func (h *JitterHandler) acceptConnections() {
	logs.Debugf("acceptConnections(): start")
	defer h.wg.Done()
	defer h.listener.Close()
	for {
		select {
		case <-h.exit:
			logs.Debugf("acceptConnections(): exit")
			return
		default:
			if tl, ok := h.listener.(*net.TCPListener); ok {
				tl.SetDeadline(time.Now().Add(pollInterval)) // Non-blocking
			}
			conn, err := h.listener.Accept()
			if err != nil {
				if isTimeout(err) {
					// Timeout, continue to check exit
					continue
				}
				if h.closed() {
					return
				}
				logs.Warnf("%s: acceptConnections error: %s", h.id, err)
				return
			}
			h.wg.Add(1)
			go h.handleConnection(conn)
		}
	}
}

// listener connection handler
func (h *JitterHandler) handleConnection(conn net.Conn) {
	defer h.wg.Done()
	defer conn.Close()
	clientAddr := conn.RemoteAddr().String()
	logs.Debugf("handleConnection(%s): start", clientAddr)

	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	hello, err := h.coder.Decode(reader)
	if err != nil || len(hello) == 0 {
		logs.Warnf("%s: handshake from %s failed: %v", h.id, clientAddr, err)
		return
	}
	sender := string(hello)

Process:
	for {
		select {
		case <-h.exit:
			logs.Debugf("handleConnection(): exit")
			return
		default:
			conn.SetReadDeadline(time.Now().Add(pollInterval)) // Non-blocking

			if _, err := reader.Peek(headerSize); err != nil {
				if isTimeout(err) {
					// Timeout, continue to check exit
					continue
				}
				if errors.Is(err, io.EOF) {
					logs.Debugf("%s: connection from %s closed by peer", h.id, sender)
					return
				}
				if !h.closed() {
					logs.Warnf("%s: read from %s failed: %v", h.id, sender, err)
				}
				return
			}

			conn.SetReadDeadline(time.Now().Add(frameTimeout))
			payload, err := h.coder.Decode(reader)
			if err != nil {
				logs.Warnf("%s: read from %s failed: %v", h.id, sender, err)
				break Process
			}

			if h.model.ShouldDrop() {
				h.droppedRecv.Add(1)
				logs.Infof("%s: [JITTER] dropping received message from %s", h.id, sender)
				continue
			}
			h.inbound.push(operations.Message{From: sender, Payload: payload})
		}
	}
	logs.Debugf("handleConnection(%s): connection released", clientAddr)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
