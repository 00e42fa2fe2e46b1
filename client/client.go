// Package client is the developer SDK for the relay socket protocol:
// authenticate once, send messages, and read incoming traffic from
// channels with context.Context on the blocking calls.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/cipherwire/cipherwire/internal/identity"
	"github.com/cipherwire/cipherwire/internal/proto"
	"github.com/cipherwire/cipherwire/internal/transport"
)

// DefaultMessageBuffer is the buffer size for the Messages channel.
const DefaultMessageBuffer = 64

// ErrClosed is returned when using a client after Close.
var ErrClosed = errors.New("client closed")

// IncomingMessage is a message frame delivered to this client. Queued
// marks backlog pushed right after authentication.
type IncomingMessage struct {
	From      string
	Content   string
	MessageID string
	Timestamp int64
	Queued    bool
}

// Event is a non-message frame: delivery/queue acks, typing notices, read
// frames, pongs, and relay errors.
type Event struct {
	Type      string
	From      string
	To        string
	MessageID string
	Timestamp int64
	IsTyping  bool
	Message   string
}

// Config configures the relay client.
type Config struct {
	// RelayAddr is the relay QUIC address, e.g. "localhost:6121".
	RelayAddr string
	// Address is this client's identity address (0x + 40 hex digits).
	Address string
	// MessageBuffer caps the Messages channel; 0 uses DefaultMessageBuffer.
	MessageBuffer int
	// HTTP is used for the REST helpers; nil uses http.DefaultClient.
	HTTP *http.Client
}

// Client is a connected, authenticated relay client.
type Client struct {
	conn    *transport.Conn
	address string
	http    *http.Client

	msgs   chan IncomingMessage
	events chan Event
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// Dial connects to the relay and authenticates. It returns after the
// relay acknowledges the address; queued backlog then arrives on
// Messages with Queued set.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	addr, err := identity.Normalize(cfg.Address)
	if err != nil {
		return nil, err
	}
	buf := cfg.MessageBuffer
	if buf <= 0 {
		buf = DefaultMessageBuffer
	}
	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	conn, err := transport.DialQUIC(ctx, cfg.RelayAddr)
	if err != nil {
		return nil, err
	}
	if err := conn.SendFrame(&proto.Frame{Type: proto.TypeAuth, Address: addr}); err != nil {
		conn.Close()
		return nil, err
	}
	var ack proto.Frame
	if err := conn.RecvFrame(&ack); err != nil {
		conn.Close()
		return nil, err
	}
	switch ack.Type {
	case proto.TypeAuthSuccess:
	case proto.TypeError:
		conn.Close()
		return nil, fmt.Errorf("auth rejected: %s", ack.Message)
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected frame %q during auth", ack.Type)
	}

	c := &Client{
		conn:    conn,
		address: addr,
		http:    httpClient,
		msgs:    make(chan IncomingMessage, buf),
		events:  make(chan Event, buf),
		done:    make(chan struct{}),
	}
	go c.recvLoop()
	return c, nil
}

func (c *Client) recvLoop() {
	defer close(c.done)
	var f proto.Frame
	for {
		if err := c.conn.RecvFrame(&f); err != nil {
			return
		}
		if f.Type == proto.TypeMessage {
			msg := IncomingMessage{
				From:      f.From,
				Content:   f.Content,
				MessageID: f.MessageID,
				Timestamp: f.Timestamp,
				Queued:    f.Queued,
			}
			select {
			case c.msgs <- msg:
			default:
				// channel full; message dropped
			}
			continue
		}
		ev := Event{
			Type:      f.Type,
			From:      f.From,
			To:        f.To,
			MessageID: f.MessageID,
			Timestamp: f.Timestamp,
			Message:   f.Message,
		}
		if f.IsTyping != nil {
			ev.IsTyping = *f.IsTyping
		}
		select {
		case c.events <- ev:
		default:
		}
	}
}

// Send relays content to another address. The generated message id is
// returned; the delivered/queued ack arrives on Events.
func (c *Client) Send(to, content string) (string, error) {
	norm, err := identity.Normalize(to)
	if err != nil {
		return "", err
	}
	messageID := uuid.NewString()
	err = c.send(&proto.Frame{
		Type:      proto.TypeMessage,
		To:        norm,
		Content:   content,
		MessageID: messageID,
	})
	if err != nil {
		return "", err
	}
	return messageID, nil
}

// SendTyping signals typing state to another address.
func (c *Client) SendTyping(to string, isTyping bool) error {
	norm, err := identity.Normalize(to)
	if err != nil {
		return err
	}
	t := isTyping
	return c.send(&proto.Frame{Type: proto.TypeTyping, To: norm, IsTyping: &t})
}

// SendReadReceipt reports a message as read to its sender.
func (c *Client) SendReadReceipt(to, messageID string) error {
	norm, err := identity.Normalize(to)
	if err != nil {
		return err
	}
	return c.send(&proto.Frame{Type: proto.TypeReadReceipt, To: norm, MessageID: messageID})
}

// Ping probes relay liveness; the pong arrives on Events.
func (c *Client) Ping() error {
	return c.send(&proto.Frame{Type: proto.TypePing})
}

func (c *Client) send(f *proto.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.conn.SendFrame(f)
}

// Messages returns the channel of incoming message frames.
func (c *Client) Messages() <-chan IncomingMessage {
	return c.msgs
}

// Events returns the channel of acks, receipts, typing notices and errors.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Address returns the authenticated identity address.
func (c *Client) Address() string {
	return c.address
}

// Close shuts the socket down and stops the receive loop.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	err := c.conn.Close()
	<-c.done
	close(c.msgs)
	close(c.events)
	return err
}

// QueuedEntry is one backlog message returned by the REST backfill path.
type QueuedEntry struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
	From      string `json:"from"`
	Content   string `json:"content"`
	QueuedAt  string `json:"queuedAt"`
}

// FetchQueued drains this client's queue over REST: the backup path for
// backfilling after a reconnect. apiBase is e.g. "http://127.0.0.1:8080".
func (c *Client) FetchQueued(ctx context.Context, apiBase string) ([]QueuedEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+"/api/messages/"+c.address, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch queued: status %d", resp.StatusCode)
	}
	var body struct {
		Messages []QueuedEntry `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Messages, nil
}

// LookupKey fetches another participant's public key from the directory.
// The second return is false when no key is registered for the address.
func (c *Client) LookupKey(ctx context.Context, apiBase, addr string) (string, bool, error) {
	norm, err := identity.Normalize(addr)
	if err != nil {
		return "", false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+"/api/keys/"+norm, nil)
	if err != nil {
		return "", false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("lookup key: status %d", resp.StatusCode)
	}
	var body struct {
		PublicKey string `json:"publicKey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", false, err
	}
	return body.PublicKey, true, nil
}

// RegisterKey publishes this client's public key to the directory so
// other participants can look it up for end-to-end encryption.
func (c *Client) RegisterKey(ctx context.Context, apiBase, publicKey string) error {
	payload, err := json.Marshal(map[string]string{
		"address":   c.address,
		"publicKey": publicKey,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/api/keys", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("register key: status %d", resp.StatusCode)
	}
	return nil
}
