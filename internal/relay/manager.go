// Package relay owns the live connections: it authenticates clients,
// tracks presence, routes message frames, and composes the offline queue.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cipherwire/cipherwire/internal/metrics"
	"github.com/cipherwire/cipherwire/internal/proto"
	"github.com/cipherwire/cipherwire/internal/queue"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
)

// FrameConn is the transport surface the manager needs from a socket.
// transport.Conn implements it; tests substitute in-memory fakes.
type FrameConn interface {
	SendFrame(*proto.Frame) error
	RecvFrame(*proto.Frame) error
	Close() error
	RemoteAddr() string
}

// State is the lifecycle of one socket. Closed is terminal.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type session struct {
	conn         FrameConn
	state        State
	addr         string
	lastActivity time.Time
}

// Config wires a Manager; zero values take defaults.
type Config struct {
	Queue             *queue.Queue
	Metrics           *metrics.Metrics
	Logger            *slog.Logger
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	Now               func() time.Time
}

// Manager is the connection registry and relay. At most one session is
// registered per address; a later auth for the same address replaces the
// mapping without closing or notifying the earlier socket.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session

	queue     *queue.Queue
	metrics   *metrics.Metrics
	log       *slog.Logger
	heartbeat time.Duration
	idle      time.Duration
	now       func() time.Time
}

func NewManager(cfg Config) *Manager {
	if cfg.Queue == nil {
		cfg.Queue = queue.New(queue.Options{})
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		sessions:  make(map[string]*session),
		queue:     cfg.Queue,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
		heartbeat: cfg.HeartbeatInterval,
		idle:      cfg.IdleTimeout,
		now:       cfg.Now,
	}
}

// HandleConn runs the per-connection loop: frames are processed strictly
// in arrival order for a given socket. It returns when the socket closes.
func (m *Manager) HandleConn(c FrameConn) {
	s := &session{conn: c, state: StateUnauthenticated, lastActivity: m.now()}
	m.metrics.ConnOpened()
	defer m.teardown(s)

	var f proto.Frame
	for {
		if err := c.RecvFrame(&f); err != nil {
			if errors.Is(err, proto.ErrMalformedFrame) {
				m.metrics.IncProtocolErrors()
				_ = c.SendFrame(proto.ErrorFrame("invalid message format", ""))
				// Garbage before auth terminates; afterwards the
				// connection stays open.
				if m.stateOf(s) == StateAuthenticated {
					continue
				}
			}
			return
		}
		if !m.dispatch(s, &f) {
			return
		}
	}
}

// dispatch routes one frame through the per-state handler table.
// Returning false terminates the connection.
func (m *Manager) dispatch(s *session, f *proto.Frame) bool {
	state := m.stateOf(s)
	if state == StateClosed {
		return false
	}
	if state == StateAuthenticated {
		m.touch(s)
	}
	if h, ok := handlers[state][f.Type]; ok {
		return h(m, s, f)
	}
	return defaults[state](m, s, f)
}

func (m *Manager) stateOf(s *session) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.state
}

func (m *Manager) touch(s *session) {
	m.mu.Lock()
	s.lastActivity = m.now()
	m.mu.Unlock()
}

// register binds addr to s, silently replacing any previous mapping.
// The displaced socket is neither closed nor notified.
func (m *Manager) register(addr string, s *session) {
	m.mu.Lock()
	prev, replaced := m.sessions[addr]
	m.sessions[addr] = s
	s.addr = addr
	s.state = StateAuthenticated
	s.lastActivity = m.now()
	m.mu.Unlock()

	m.metrics.IncAuthTotal()
	if replaced && prev != s {
		m.metrics.IncReplaced()
		m.log.Warn("address re-registered, previous socket displaced", "addr", addr)
	}
}

// lookup returns the open connection for addr, or nil. Callers must call
// it immediately before sending: presence can change between frames.
func (m *Manager) lookup(addr string) FrameConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[addr]
	if !ok || s.state != StateAuthenticated {
		return nil
	}
	return s.conn
}

// teardown closes the socket and removes the registry entry, but only if
// the entry still maps to this session: a displaced socket must not evict
// its replacement.
func (m *Manager) teardown(s *session) {
	m.mu.Lock()
	alreadyClosed := s.state == StateClosed
	s.state = StateClosed
	if s.addr != "" && m.sessions[s.addr] == s {
		delete(m.sessions, s.addr)
	}
	addr := s.addr
	m.mu.Unlock()

	if alreadyClosed {
		return
	}
	_ = s.conn.Close()
	m.metrics.ConnClosed()
	if addr != "" {
		m.log.Info("connection closed", "addr", addr)
	}
}

// ConnectionCount returns the number of registered connections.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// IsOnline reports whether addr has an open, authenticated connection.
func (m *Manager) IsOnline(addr string) bool {
	return m.lookup(addr) != nil
}

// Run drives the heartbeat sweep until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case tickAt := <-ticker.C:
			m.SweepIdle(tickAt)
		}
	}
}

// SweepIdle force-closes sessions idle past the timeout and removes their
// registry entries. This is liveness eviction, not a graceful handshake.
func (m *Manager) SweepIdle(now time.Time) int {
	cutoff := now.Add(-m.idle)

	m.mu.Lock()
	var stale []*session
	for addr, s := range m.sessions {
		if s.lastActivity.Before(cutoff) {
			stale = append(stale, s)
			s.state = StateClosed
			delete(m.sessions, addr)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		_ = s.conn.Close()
		m.metrics.ConnClosed()
		m.metrics.IncHeartbeatEvictions()
		m.log.Info("idle connection evicted", "addr", s.addr)
	}
	return len(stale)
}
