package relay

import (
	"github.com/cipherwire/cipherwire/internal/identity"
	"github.com/cipherwire/cipherwire/internal/proto"
)

// handler processes one inbound frame. Returning false closes the socket.
type handler func(m *Manager, s *session, f *proto.Frame) bool

// handlers is the per-state dispatch table. Frame types absent from a
// state's table fall through to defaults.
var handlers = map[State]map[string]handler{
	StateUnauthenticated: {
		proto.TypeAuth: handleAuth,
	},
	StateAuthenticated: {
		proto.TypeMessage:     handleMessage,
		proto.TypeTyping:      handleTyping,
		proto.TypeReadReceipt: handleReadReceipt,
		proto.TypePing:        handlePing,
	},
}

var defaults = map[State]handler{
	// Anything but auth on a fresh socket is a protocol violation.
	StateUnauthenticated: func(m *Manager, s *session, f *proto.Frame) bool {
		m.metrics.IncProtocolErrors()
		_ = s.conn.SendFrame(proto.ErrorFrame("authentication required", ""))
		return false
	},
	// Unknown post-auth types are logged and ignored, no frame sent.
	StateAuthenticated: func(m *Manager, s *session, f *proto.Frame) bool {
		m.log.Debug("ignoring unknown frame type", "type", f.Type, "addr", s.addr)
		return true
	},
	StateClosed: func(m *Manager, s *session, f *proto.Frame) bool {
		return false
	},
}

func handleAuth(m *Manager, s *session, f *proto.Frame) bool {
	auth := f.Payload().(proto.Auth)
	addr, err := identity.Normalize(auth.Address)
	if err != nil {
		m.metrics.IncProtocolErrors()
		_ = s.conn.SendFrame(proto.ErrorFrame("invalid address", ""))
		return false
	}

	m.register(addr, s)
	m.log.Info("client authenticated", "addr", addr)
	if err := s.conn.SendFrame(proto.AuthSuccess(addr, m.now())); err != nil {
		return false
	}

	// Drain is destructive: entries removed here and not written to the
	// socket are lost. Preserved behavior, see the queue package docs.
	backlog := m.queue.Dequeue(addr)
	for _, qm := range backlog {
		if err := s.conn.SendFrame(proto.QueuedMessage(qm.From, qm.Content, qm.MessageID, qm.QueuedAt)); err != nil {
			m.metrics.IncPushFail()
			m.log.Error("backlog push failed, messages lost", "addr", addr, "err", err)
			return false
		}
	}
	if len(backlog) > 0 {
		m.metrics.AddDrained(len(backlog))
		m.log.Info("backlog drained", "addr", addr, "count", len(backlog))
	}
	return true
}

func handleMessage(m *Manager, s *session, f *proto.Frame) bool {
	msg := f.Payload().(proto.Message)
	if msg.To == "" || msg.Content == "" || msg.MessageID == "" {
		m.metrics.IncProtocolErrors()
		_ = s.conn.SendFrame(proto.ErrorFrame("message requires to, content and messageId", msg.MessageID))
		return true
	}
	to, err := identity.Normalize(msg.To)
	if err != nil {
		m.metrics.IncProtocolErrors()
		_ = s.conn.SendFrame(proto.ErrorFrame("invalid recipient address", msg.MessageID))
		return true
	}

	ts := msg.Timestamp
	if ts == 0 {
		ts = m.now().UnixMilli()
	}

	// Presence is checked immediately before the send; the decision is
	// made once per inbound frame and never retried.
	if rc := m.lookup(to); rc != nil {
		if err := rc.SendFrame(proto.DeliveredMessage(s.addr, to, msg.Content, msg.MessageID, ts)); err != nil {
			m.metrics.IncPushFail()
			m.log.Error("live delivery failed", "to", to, "messageId", msg.MessageID, "err", err)
		}
		m.metrics.IncDelivered()
		_ = s.conn.SendFrame(proto.DeliveredAck(msg.MessageID, to, m.now()))
		return true
	}

	m.queue.Enqueue(to, s.addr, msg.Content, msg.MessageID)
	m.metrics.IncQueued()
	_ = s.conn.SendFrame(proto.QueuedAck(msg.MessageID, to, m.now()))
	return true
}

// handleTyping forwards the presence signal when the recipient is online
// and drops it silently otherwise; typing is never queued.
func handleTyping(m *Manager, s *session, f *proto.Frame) bool {
	typing := f.Payload().(proto.Typing)
	to, err := identity.Normalize(typing.To)
	if err != nil {
		return true
	}
	if rc := m.lookup(to); rc != nil {
		_ = rc.SendFrame(proto.TypingNotice(s.addr, typing.IsTyping))
	}
	return true
}

// handleReadReceipt forwards as a read frame with a server timestamp, or
// drops it when the recipient is offline.
func handleReadReceipt(m *Manager, s *session, f *proto.Frame) bool {
	rr := f.Payload().(proto.ReadReceipt)
	to, err := identity.Normalize(rr.To)
	if err != nil {
		return true
	}
	if rc := m.lookup(to); rc != nil {
		_ = rc.SendFrame(proto.Read(s.addr, rr.MessageID, m.now()))
	}
	return true
}

func handlePing(m *Manager, s *session, f *proto.Frame) bool {
	_ = s.conn.SendFrame(proto.Pong(m.now()))
	return true
}
