package relay

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cipherwire/cipherwire/internal/metrics"
	"github.com/cipherwire/cipherwire/internal/proto"
	"github.com/cipherwire/cipherwire/internal/queue"
)

const (
	addrA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	addrB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	addrC = "0xcccccccccccccccccccccccccccccccccccccccc"
)

// fakeConn is an in-memory FrameConn scripted by the test.
type fakeConn struct {
	in   chan proto.Frame
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	sent []proto.Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan proto.Frame, 16), done: make(chan struct{})}
}

func (c *fakeConn) RecvFrame(f *proto.Frame) error {
	select {
	case fr := <-c.in:
		*f = fr
		return nil
	case <-c.done:
		return io.EOF
	}
}

func (c *fakeConn) SendFrame(f *proto.Frame) error {
	select {
	case <-c.done:
		return io.EOF
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, *f)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "fake" }

func (c *fakeConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *fakeConn) frames() []proto.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]proto.Frame, len(c.sent))
	copy(out, c.sent)
	return out
}

// waitFrames blocks until the connection has received n frames.
func (c *fakeConn) waitFrames(t *testing.T, n int) []proto.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.frames(); len(got) >= n {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames, have %d: %+v", n, len(c.frames()), c.frames())
	return nil
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestManager(now func() time.Time) (*Manager, *queue.Queue) {
	q := queue.New(queue.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	m := NewManager(Config{
		Queue:   q,
		Metrics: metrics.New(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:     now,
	})
	return m, q
}

// connect runs the connection loop and authenticates as addr.
func connect(t *testing.T, m *Manager, addr string) *fakeConn {
	t.Helper()
	fc := newFakeConn()
	go m.HandleConn(fc)
	fc.in <- proto.Frame{Type: proto.TypeAuth, Address: addr}
	frames := fc.waitFrames(t, 1)
	if frames[0].Type != proto.TypeAuthSuccess {
		t.Fatalf("first frame = %q, want auth_success", frames[0].Type)
	}
	return fc
}

func TestAuthNormalizesAndAcknowledges(t *testing.T) {
	m, _ := newTestManager(nil)
	fc := connect(t, m, "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	ack := fc.frames()[0]
	if ack.Address != addrA {
		t.Errorf("auth_success address = %q, want normalized %q", ack.Address, addrA)
	}
	if ack.Timestamp == 0 {
		t.Error("auth_success missing server timestamp")
	}
	if !m.IsOnline(addrA) {
		t.Error("address not registered after auth")
	}
}

func TestFirstFrameMustBeAuth(t *testing.T) {
	m, _ := newTestManager(nil)
	fc := newFakeConn()
	go m.HandleConn(fc)
	fc.in <- proto.Frame{Type: proto.TypePing}

	frames := fc.waitFrames(t, 1)
	if frames[0].Type != proto.TypeError {
		t.Fatalf("got %q, want error frame", frames[0].Type)
	}
	waitUntil(t, fc.closed, "socket not closed after pre-auth violation")
}

func TestAuthRejectsInvalidAddress(t *testing.T) {
	m, _ := newTestManager(nil)
	fc := newFakeConn()
	go m.HandleConn(fc)
	fc.in <- proto.Frame{Type: proto.TypeAuth, Address: "not-an-address"}

	frames := fc.waitFrames(t, 1)
	if frames[0].Type != proto.TypeError {
		t.Fatalf("got %q, want error frame", frames[0].Type)
	}
	waitUntil(t, fc.closed, "socket not closed after bad auth")
	if m.ConnectionCount() != 0 {
		t.Errorf("ConnectionCount = %d, want 0", m.ConnectionCount())
	}
}

// Scenario A: sender online, recipient offline; the message is queued and
// the sender told so.
func TestMessageToOfflineRecipientIsQueued(t *testing.T) {
	m, q := newTestManager(nil)
	a := connect(t, m, addrA)

	a.in <- proto.Frame{Type: proto.TypeMessage, To: "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB", Content: "hi", MessageID: "m1"}
	frames := a.waitFrames(t, 2)

	ack := frames[1]
	if ack.Type != proto.TypeQueued || ack.MessageID != "m1" || ack.To != addrB {
		t.Fatalf("ack = %+v, want queued ack for m1 to %s", ack, addrB)
	}
	if got := q.Size(addrB); got != 1 {
		t.Fatalf("recipient queue size = %d, want 1", got)
	}
	entry := q.Peek(addrB, 1)[0]
	if entry.From != addrA || entry.Content != "hi" || entry.MessageID != "m1" {
		t.Errorf("queued entry = %+v, want from=%s content=hi messageId=m1", entry, addrA)
	}
}

// Scenario B: both online; direct delivery, no queue growth.
func TestMessageToOnlineRecipientIsDelivered(t *testing.T) {
	m, q := newTestManager(nil)
	a := connect(t, m, addrA)
	b := connect(t, m, addrB)

	a.in <- proto.Frame{Type: proto.TypeMessage, To: addrB, Content: "hi", MessageID: "m1"}

	bFrames := b.waitFrames(t, 2)
	msg := bFrames[1]
	if msg.Type != proto.TypeMessage || msg.From != addrA || msg.Content != "hi" || msg.MessageID != "m1" {
		t.Fatalf("recipient frame = %+v, want live message from %s", msg, addrA)
	}
	if msg.Queued {
		t.Error("live delivery flagged queued")
	}

	aFrames := a.waitFrames(t, 2)
	if aFrames[1].Type != proto.TypeDelivered || aFrames[1].MessageID != "m1" {
		t.Fatalf("sender ack = %+v, want delivered for m1", aFrames[1])
	}
	if got := q.Size(addrB); got != 0 {
		t.Errorf("recipient queue size = %d, want 0", got)
	}
}

// Scenario C: backlog is drained in FIFO order right after auth_success,
// flagged queued:true, and removed from the store.
func TestBacklogDrainedOnAuth(t *testing.T) {
	m, q := newTestManager(nil)
	q.Enqueue(addrC, addrA, "first", "m1")
	q.Enqueue(addrC, addrA, "second", "m2")

	fc := newFakeConn()
	go m.HandleConn(fc)
	fc.in <- proto.Frame{Type: proto.TypeAuth, Address: addrC}

	frames := fc.waitFrames(t, 3)
	if frames[0].Type != proto.TypeAuthSuccess {
		t.Fatalf("frames[0] = %q, want auth_success", frames[0].Type)
	}
	for i, wantContent := range []string{"first", "second"} {
		f := frames[i+1]
		if f.Type != proto.TypeMessage || !f.Queued {
			t.Fatalf("frames[%d] = %+v, want message with queued:true", i+1, f)
		}
		if f.Content != wantContent || f.From != addrA {
			t.Errorf("frames[%d] content = %q from %q, want %q from %q", i+1, f.Content, f.From, wantContent, addrA)
		}
	}
	if got := q.Size(addrC); got != 0 {
		t.Errorf("queue size after drain = %d, want 0", got)
	}
}

// Scenario D: idle sessions are force-closed by the heartbeat sweep.
func TestHeartbeatEvictsIdleConnections(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	m, _ := newTestManager(now)
	fc := connect(t, m, addrA)

	mu.Lock()
	clock = clock.Add(DefaultIdleTimeout + time.Second)
	mu.Unlock()

	if evicted := m.SweepIdle(now()); evicted != 1 {
		t.Fatalf("SweepIdle = %d, want 1", evicted)
	}
	if m.ConnectionCount() != 0 {
		t.Errorf("ConnectionCount after sweep = %d, want 0", m.ConnectionCount())
	}
	waitUntil(t, fc.closed, "idle socket not closed by sweep")
}

func TestHeartbeatSparesActiveConnections(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	m, _ := newTestManager(now)
	fc := connect(t, m, addrA)

	mu.Lock()
	clock = clock.Add(30 * time.Second)
	mu.Unlock()

	// Any inbound frame refreshes lastActivity.
	fc.in <- proto.Frame{Type: proto.TypePing}
	fc.waitFrames(t, 2)

	mu.Lock()
	clock = clock.Add(45 * time.Second)
	mu.Unlock()

	if evicted := m.SweepIdle(now()); evicted != 0 {
		t.Fatalf("SweepIdle = %d, want 0 (connection was active 45s ago)", evicted)
	}
	if !m.IsOnline(addrA) {
		t.Error("active connection evicted")
	}
}

func TestMessageMissingFieldsYieldsErrorWithoutSideEffects(t *testing.T) {
	m, q := newTestManager(nil)
	a := connect(t, m, addrA)

	a.in <- proto.Frame{Type: proto.TypeMessage, To: addrB, MessageID: "m9"}
	frames := a.waitFrames(t, 2)
	if frames[1].Type != proto.TypeError || frames[1].MessageID != "m9" {
		t.Fatalf("got %+v, want error frame referencing m9", frames[1])
	}
	if got := q.Size(addrB); got != 0 {
		t.Errorf("queue grew on invalid message: size = %d", got)
	}

	// Protocol errors after auth do not terminate the connection.
	a.in <- proto.Frame{Type: proto.TypePing}
	frames = a.waitFrames(t, 3)
	if frames[2].Type != proto.TypePong {
		t.Errorf("connection unusable after protocol error: got %q", frames[2].Type)
	}
}

func TestTypingForwardedOnlyWhenOnline(t *testing.T) {
	m, _ := newTestManager(nil)
	a := connect(t, m, addrA)
	b := connect(t, m, addrB)

	typing := true
	a.in <- proto.Frame{Type: proto.TypeTyping, To: addrB, IsTyping: &typing}
	bFrames := b.waitFrames(t, 2)
	if bFrames[1].Type != proto.TypeTyping || bFrames[1].From != addrA {
		t.Fatalf("got %+v, want typing notice from %s", bFrames[1], addrA)
	}
	if bFrames[1].IsTyping == nil || !*bFrames[1].IsTyping {
		t.Error("isTyping not forwarded")
	}

	// Offline recipient: dropped silently, never queued, no ack.
	a.in <- proto.Frame{Type: proto.TypeTyping, To: addrC, IsTyping: &typing}
	a.in <- proto.Frame{Type: proto.TypePing}
	aFrames := a.waitFrames(t, 2)
	if aFrames[1].Type != proto.TypePong {
		t.Errorf("unexpected frame after dropped typing: %q", aFrames[1].Type)
	}
}

func TestReadReceiptForwardedAsRead(t *testing.T) {
	m, _ := newTestManager(nil)
	a := connect(t, m, addrA)
	b := connect(t, m, addrB)

	a.in <- proto.Frame{Type: proto.TypeReadReceipt, To: addrB, MessageID: "m1"}
	bFrames := b.waitFrames(t, 2)
	read := bFrames[1]
	if read.Type != proto.TypeRead || read.From != addrA || read.MessageID != "m1" {
		t.Fatalf("got %+v, want read frame for m1 from %s", read, addrA)
	}
	if read.Timestamp == 0 {
		t.Error("read frame missing server timestamp")
	}
}

func TestUnknownFrameTypeIgnored(t *testing.T) {
	m, _ := newTestManager(nil)
	a := connect(t, m, addrA)

	a.in <- proto.Frame{Type: "mystery"}
	a.in <- proto.Frame{Type: proto.TypePing}
	frames := a.waitFrames(t, 2)
	if frames[1].Type != proto.TypePong {
		t.Errorf("frame after unknown type = %q, want pong (unknown ignored, no frame sent)", frames[1].Type)
	}
}

// A later auth for the same address replaces the mapping; the displaced
// socket is left open and its eventual close must not evict the newcomer.
func TestReRegistrationIsLastWriteWins(t *testing.T) {
	m, _ := newTestManager(nil)
	first := connect(t, m, addrA)
	second := connect(t, m, addrB) // placeholder to assert counting below
	_ = second

	replacement := connect(t, m, addrA)
	if got := m.ConnectionCount(); got != 2 {
		t.Fatalf("ConnectionCount = %d, want 2 (one per address)", got)
	}
	if first.closed() {
		t.Error("displaced socket was closed; replacement must be silent")
	}

	// Displaced socket goes away; the new registration survives.
	first.Close()
	time.Sleep(20 * time.Millisecond)
	if !m.IsOnline(addrA) {
		t.Fatal("replacement registration evicted by displaced socket's close")
	}

	// Messages route to the replacement.
	b := connect(t, m, addrC)
	b.in <- proto.Frame{Type: proto.TypeMessage, To: addrA, Content: "hi", MessageID: "m1"}
	frames := replacement.waitFrames(t, 2)
	if frames[1].Type != proto.TypeMessage || frames[1].Content != "hi" {
		t.Errorf("replacement did not receive routed message: %+v", frames[1])
	}
}

// garbledConn turns a scripted "garbled" frame into a decode failure, the
// way transport.Conn surfaces JSON that framed correctly but did not parse.
type garbledConn struct {
	*fakeConn
}

func (c *garbledConn) RecvFrame(f *proto.Frame) error {
	if err := c.fakeConn.RecvFrame(f); err != nil {
		return err
	}
	if f.Type == "garbled" {
		return fmt.Errorf("%w: invalid character", proto.ErrMalformedFrame)
	}
	return nil
}

func TestMalformedFrameAfterAuthKeepsConnectionOpen(t *testing.T) {
	m, _ := newTestManager(nil)
	gc := &garbledConn{newFakeConn()}
	go m.HandleConn(gc)

	gc.in <- proto.Frame{Type: proto.TypeAuth, Address: addrA}
	frames := gc.waitFrames(t, 1)
	if frames[0].Type != proto.TypeAuthSuccess {
		t.Fatalf("first frame = %q, want auth_success", frames[0].Type)
	}

	gc.in <- proto.Frame{Type: "garbled"}
	frames = gc.waitFrames(t, 2)
	if frames[1].Type != proto.TypeError {
		t.Fatalf("got %q, want error frame for undecodable input", frames[1].Type)
	}
	if gc.closed() {
		t.Fatal("authenticated socket closed on undecodable input")
	}

	gc.in <- proto.Frame{Type: proto.TypePing}
	frames = gc.waitFrames(t, 3)
	if frames[2].Type != proto.TypePong {
		t.Errorf("connection unusable after undecodable input: got %q", frames[2].Type)
	}
	if !m.IsOnline(addrA) {
		t.Error("registration lost after undecodable input")
	}
}

func TestMalformedFrameBeforeAuthCloses(t *testing.T) {
	m, _ := newTestManager(nil)
	gc := &garbledConn{newFakeConn()}
	go m.HandleConn(gc)

	gc.in <- proto.Frame{Type: "garbled"}
	frames := gc.waitFrames(t, 1)
	if frames[0].Type != proto.TypeError {
		t.Fatalf("got %q, want error frame", frames[0].Type)
	}
	waitUntil(t, gc.closed, "socket not closed after pre-auth undecodable input")
	if m.ConnectionCount() != 0 {
		t.Errorf("ConnectionCount = %d, want 0", m.ConnectionCount())
	}
}

func TestCloseRemovesRegistryEntry(t *testing.T) {
	m, _ := newTestManager(nil)
	fc := connect(t, m, addrA)
	fc.Close()
	waitUntil(t, func() bool { return !m.IsOnline(addrA) }, "registry entry not removed on close")
	if m.ConnectionCount() != 0 {
		t.Errorf("ConnectionCount = %d, want 0", m.ConnectionCount())
	}
}
