package proto

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Frame types carried in the "type" field of every wire frame.
const (
	TypeAuth        = "auth"
	TypeAuthSuccess = "auth_success"
	TypeMessage     = "message"
	TypeDelivered   = "delivered"
	TypeQueued      = "queued"
	TypeTyping      = "typing"
	TypeReadReceipt = "read_receipt"
	TypeRead        = "read"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"
)

// MaxFrameSize bounds a single wire frame.
const MaxFrameSize = 1024 * 1024

// ErrMalformedFrame marks a frame that framed correctly but did not parse
// as a JSON object. The relay keeps authenticated connections open on it.
var ErrMalformedFrame = errors.New("malformed frame")

// ErrFrameTooLarge is returned when the length prefix exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// Frame is the wire envelope: one flat JSON object per frame, the union of
// all per-type fields. Which fields are meaningful depends on Type; use
// Payload for a typed view of inbound frames.
type Frame struct {
	Type      string `json:"type"`
	Address   string `json:"address,omitempty"`
	To        string `json:"to,omitempty"`
	From      string `json:"from,omitempty"`
	Content   string `json:"content,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Queued    bool   `json:"queued,omitempty"`
	IsTyping  *bool  `json:"isTyping,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Encode writes the frame as length-prefixed JSON (4-byte big-endian).
func (f *Frame) Encode(w io.Writer) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Decode reads one length-prefixed frame from r. A transport failure comes
// back as-is; JSON that does not parse comes back as ErrMalformedFrame so
// the caller can answer with an error frame instead of dropping the socket.
func (f *Frame) Decode(r io.Reader) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}
	*f = Frame{}
	if err := json.Unmarshal(data, f); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}

// Outbound frame constructors. Timestamps are server-side unix millis.

func AuthSuccess(address string, now time.Time) *Frame {
	return &Frame{Type: TypeAuthSuccess, Address: address, Timestamp: now.UnixMilli()}
}

func DeliveredAck(messageID, to string, now time.Time) *Frame {
	return &Frame{Type: TypeDelivered, MessageID: messageID, To: to, Timestamp: now.UnixMilli()}
}

func QueuedAck(messageID, to string, now time.Time) *Frame {
	return &Frame{Type: TypeQueued, MessageID: messageID, To: to, Timestamp: now.UnixMilli()}
}

// DeliveredMessage is a live message frame pushed to a connected recipient.
func DeliveredMessage(from, to, content, messageID string, ts int64) *Frame {
	return &Frame{Type: TypeMessage, From: from, To: to, Content: content, MessageID: messageID, Timestamp: ts}
}

// QueuedMessage is a backlog entry pushed after auth, flagged queued:true.
func QueuedMessage(from, content, messageID string, queuedAt time.Time) *Frame {
	return &Frame{
		Type:      TypeMessage,
		From:      from,
		Content:   content,
		MessageID: messageID,
		Timestamp: queuedAt.UnixMilli(),
		Queued:    true,
	}
}

func TypingNotice(from string, isTyping bool) *Frame {
	t := isTyping
	return &Frame{Type: TypeTyping, From: from, IsTyping: &t}
}

func Read(from, messageID string, now time.Time) *Frame {
	return &Frame{Type: TypeRead, From: from, MessageID: messageID, Timestamp: now.UnixMilli()}
}

func Pong(now time.Time) *Frame {
	return &Frame{Type: TypePong, Timestamp: now.UnixMilli()}
}

// ErrorFrame reports a protocol error; messageID may be empty.
func ErrorFrame(message, messageID string) *Frame {
	return &Frame{Type: TypeError, Message: message, MessageID: messageID}
}
