package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/dps_jitter/src/operations"
)

func newTestHandler(t *testing.T, id string, drop float64, delay time.Duration) *JitterHandler {
	t.Helper()
	cfg := DefaultConfig(id)
	cfg.Address = "127.0.0.1:0"
	cfg.DropRate = drop
	cfg.Delay = delay
	cfg.Seed = 11
	cfg.Backoff = Backoff{Attempts: 3, Initial: 20 * time.Millisecond, Max: 80 * time.Millisecond}
	h, err := NewJitterHandler(cfg)
	if err != nil {
		t.Fatalf("NewJitterHandler(%s) failed: %v", id, err)
	}
	if err := h.ListenAndAccept(); err != nil {
		t.Fatalf("ListenAndAccept(%s) failed: %v", id, err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

// mesh wires every handler to every other over loopback.
func mesh(t *testing.T, handlers ...*JitterHandler) {
	t.Helper()
	addrs := make(map[string]string, len(handlers))
	ids := make([]string, 0, len(handlers))
	for _, h := range handlers {
		addrs[h.id] = h.Addr().String()
		ids = append(ids, h.id)
	}
	for _, h := range handlers {
		h.resolve = StaticResolver(addrs, HostResolver(DefaultPort))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, h := range handlers {
		if err := h.EstablishConnections(ctx, ids); err != nil {
			t.Fatalf("EstablishConnections(%s) failed: %v", h.id, err)
		}
	}
}

func receiveOrFail(t *testing.T, h *JitterHandler, timeout time.Duration) operations.Message {
	t.Helper()
	msg, res := h.Receive(context.Background(), timeout)
	if res != operations.Received {
		t.Fatalf("%s: Receive = %s, want received", h.id, res)
	}
	return msg
}

type recordingObserver struct {
	mu       sync.Mutex
	sent     []string
	received []string
}

func (o *recordingObserver) Sent(to string, payload []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, to+":"+string(payload))
}

func (o *recordingObserver) Received(from string, payload []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.received = append(o.received, from+":"+string(payload))
}

func TestJitterHandlerListenAndAccept(t *testing.T) {
	h := newTestHandler(t, "node-1", 0, 0)

	conn, err := net.DialTimeout("tcp", h.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("Failed to connect to handler: %v", err)
	}
	defer conn.Close()

	coder := FrameCoder{}
	for _, p := range []string{"node-9", `{"content":"hello"}`} {
		framed, err := coder.Encode([]byte(p))
		if err != nil {
			t.Fatalf("Failed to encode frame: %v", err)
		}
		if _, err := conn.Write(framed); err != nil {
			t.Fatalf("Failed to write frame: %v", err)
		}
	}

	msg := receiveOrFail(t, h, 3*time.Second)
	if msg.From != "node-9" {
		t.Errorf("Expected sender node-9 from handshake, got %q", msg.From)
	}
	if string(msg.Payload) != `{"content":"hello"}` {
		t.Errorf("Expected payload to survive framing, got %q", msg.Payload)
	}
}

func TestJitterHandlerSendReceive(t *testing.T) {
	a := newTestHandler(t, "node-1", 0, 0)
	b := newTestHandler(t, "node-2", 0, 0)
	obs := &recordingObserver{}
	b.SetObserver(obs)
	mesh(t, a, b)

	a.Send([]byte("ping"), "node-2")
	msg := receiveOrFail(t, b, 3*time.Second)
	if msg.From != "node-1" || string(msg.Payload) != "ping" {
		t.Fatalf("got %+v, want ping from node-1", msg)
	}

	b.Send([]byte("pong"), "node-1")
	msg = receiveOrFail(t, a, 3*time.Second)
	if msg.From != "node-2" || string(msg.Payload) != "pong" {
		t.Fatalf("got %+v, want pong from node-2", msg)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.received) != 1 || obs.received[0] != "node-1:ping" {
		t.Errorf("observer received = %v", obs.received)
	}
	if len(obs.sent) != 1 || obs.sent[0] != "node-1:pong" {
		t.Errorf("observer sent = %v", obs.sent)
	}
}

func TestJitterHandlerFIFOPerPair(t *testing.T) {
	a := newTestHandler(t, "node-1", 0, 0)
	b := newTestHandler(t, "node-2", 0, 0)
	mesh(t, a, b)

	const n = 200
	for i := 0; i < n; i++ {
		a.Send([]byte(strconv.Itoa(i)), "node-2")
	}
	for i := 0; i < n; i++ {
		msg := receiveOrFail(t, b, 3*time.Second)
		if got := string(msg.Payload); got != strconv.Itoa(i) {
			t.Fatalf("message %d arrived as %s", i, got)
		}
	}
}

func TestJitterHandlerConcurrentSendersDoNotInterleave(t *testing.T) {
	a := newTestHandler(t, "node-1", 0, 0)
	b := newTestHandler(t, "node-2", 0, 0)
	mesh(t, a, b)

	const writers, each = 4, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				a.Send([]byte(fmt.Sprintf("w%d-%03d", w, i)), "node-2")
			}
		}(w)
	}
	wg.Wait()

	last := make(map[byte]string)
	for i := 0; i < writers*each; i++ {
		msg := receiveOrFail(t, b, 3*time.Second)
		p := string(msg.Payload)
		if len(p) != 6 {
			t.Fatalf("corrupted frame %q", p)
		}
		if prev, ok := last[p[1]]; ok && prev >= p {
			t.Fatalf("writer %c out of order: %s after %s", p[1], p, prev)
		}
		last[p[1]] = p
	}
}

func TestJitterHandlerSkipsSelfAndDuplicates(t *testing.T) {
	a := newTestHandler(t, "node-1", 0, 0)
	b := newTestHandler(t, "node-2", 0, 0)
	a.resolve = StaticResolver(map[string]string{"node-2": b.Addr().String()}, HostResolver(DefaultPort))

	err := a.EstablishConnections(context.Background(), []string{"node-1", "node-2", "node-2", ""})
	if err != nil {
		t.Fatalf("EstablishConnections failed: %v", err)
	}
	if a.Connected("node-1") {
		t.Errorf("self-loop should not be dialled")
	}
	if !a.Connected("node-2") {
		t.Errorf("expected a live connection to node-2")
	}
	if got := a.ConnectedPeers(); !slices.Equal(got, []string{"node-2"}) {
		t.Errorf("ConnectedPeers = %v, want [node-2]", got)
	}
}

func TestJitterHandlerEstablishFailure(t *testing.T) {
	a := newTestHandler(t, "node-1", 0, 0)

	// reserve a port and release it so nothing is listening there
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	dead := l.Addr().String()
	l.Close()
	a.resolve = StaticResolver(map[string]string{"node-9": dead}, HostResolver(DefaultPort))

	start := time.Now()
	err = a.EstablishConnections(context.Background(), []string{"node-9"})
	if !errors.Is(err, ErrConnectionEstablishment) {
		t.Fatalf("EstablishConnections = %v, want ErrConnectionEstablishment", err)
	}
	// 3 attempts: waits of 20ms then 40ms between them
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("retries finished after %s, backoff was not applied", elapsed)
	}
}

func TestJitterHandlerReceiveTimeoutKeepsLateMessage(t *testing.T) {
	a := newTestHandler(t, "node-1", 0, 0)
	b := newTestHandler(t, "node-2", 0, 0)
	mesh(t, a, b)

	if _, res := b.Receive(context.Background(), 50*time.Millisecond); res != operations.TimedOut {
		t.Fatalf("Receive on empty queue = %s, want timed-out", res)
	}

	a.Send([]byte("late"), "node-2")
	msg := receiveOrFail(t, b, 3*time.Second)
	if string(msg.Payload) != "late" {
		t.Fatalf("got %q, want late", msg.Payload)
	}
}

func TestJitterHandlerReceiveCancelled(t *testing.T) {
	b := newTestHandler(t, "node-2", 0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	if _, res := b.Receive(ctx, 0); res != operations.Cancelled {
		t.Fatalf("Receive = %s, want cancelled", res)
	}
}

func TestJitterHandlerDelayWithinBounds(t *testing.T) {
	delay := 150 * time.Millisecond
	a := newTestHandler(t, "node-1", 0, 0)
	b := newTestHandler(t, "node-2", 0, delay)
	mesh(t, a, b)
	lo, hi := DelayBounds(delay)

	for i := 0; i < 5; i++ {
		a.Send([]byte("tick"), "node-2")
		waitFor(t, func() bool { return b.Pending() > 0 })

		start := time.Now()
		receiveOrFail(t, b, 3*time.Second)
		elapsed := time.Since(start)
		if elapsed < lo || elapsed > hi+100*time.Millisecond {
			t.Fatalf("delivery delay %s outside [%s, %s]", elapsed, lo, hi)
		}
	}
}

func TestJitterHandlerFullLoss(t *testing.T) {
	a := newTestHandler(t, "node-1", 1, 0)
	b := newTestHandler(t, "node-2", 0, 0)
	mesh(t, a, b)

	for i := 0; i < 10; i++ {
		a.Send([]byte("lost"), "node-2")
	}
	if _, res := b.Receive(context.Background(), 200*time.Millisecond); res != operations.TimedOut {
		t.Fatalf("Receive = %s, want timed-out under full loss", res)
	}
	if got := a.Stats().DroppedOnSend; got != 10 {
		t.Fatalf("DroppedOnSend = %d, want 10", got)
	}
}

func TestJitterHandlerReceiveSideLoss(t *testing.T) {
	a := newTestHandler(t, "node-1", 0, 0)
	b := newTestHandler(t, "node-2", 1, 0)
	mesh(t, a, b)

	for i := 0; i < 10; i++ {
		a.Send([]byte("lost"), "node-2")
	}
	if got := a.Stats().Sent; got != 10 {
		t.Fatalf("Sent = %d, want 10 frames on the wire", got)
	}
	waitFor(t, func() bool { return b.Stats().DroppedOnReceive == 10 })
	if _, res := b.Receive(context.Background(), 200*time.Millisecond); res != operations.TimedOut {
		t.Fatalf("Receive = %s, want timed-out under receive-side loss", res)
	}
	if got := b.Pending(); got != 0 {
		t.Fatalf("Pending = %d, want nothing queued", got)
	}
	if got := a.Stats().DroppedOnSend; got != 0 {
		t.Fatalf("DroppedOnSend = %d, want 0", got)
	}
}

func TestJitterHandlerEvictsBrokenConnection(t *testing.T) {
	a := newTestHandler(t, "node-1", 0, 0)
	b := newTestHandler(t, "node-2", 0, 0)
	mesh(t, a, b)

	b.Close()
	waitFor(t, func() bool {
		a.Send([]byte("anyone?"), "node-2")
		return !a.Connected("node-2")
	})

	if got := a.ConnectedPeers(); len(got) != 0 {
		t.Fatalf("ConnectedPeers after eviction = %v, want none", got)
	}

	// further sends are silent no-ops
	a.Send([]byte("still there?"), "node-2")
	if a.Connected("node-2") {
		t.Fatalf("connection should not be re-established automatically")
	}
}

func TestJitterHandlerCloseIsIdempotent(t *testing.T) {
	h := newTestHandler(t, "node-1", 0, 0)
	if err := h.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if _, err := h.ReceiveNext(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("ReceiveNext after Close = %v, want ErrClosed", err)
	}
	h.Send([]byte("nowhere"), "node-2")
}

func TestBackoffSchedule(t *testing.T) {
	b := DefaultBackoff()
	want := []time.Duration{
		500 * time.Millisecond,
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		4000 * time.Millisecond,
	}
	got := b.Initial
	for i, w := range want {
		if got != w {
			t.Fatalf("wait %d = %s, want %s", i, got, w)
		}
		got = b.Next(got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
