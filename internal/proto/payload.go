package proto

// Payload is the typed view of an inbound frame. Handlers switch on the
// concrete variant rather than on the raw type string.
type Payload interface {
	frameType() string
}

// Auth is the first frame a client must send.
type Auth struct {
	Address string
}

// Message asks the relay to deliver content to another address.
type Message struct {
	To        string
	Content   string
	MessageID string
	Timestamp int64
}

// Typing is a presence-only signal, never queued.
type Typing struct {
	To       string
	IsTyping bool
}

// ReadReceipt reports that a message was read; forwarded as a read frame.
type ReadReceipt struct {
	To        string
	MessageID string
}

// Ping is a liveness probe.
type Ping struct{}

// Unknown carries any type the relay does not handle.
type Unknown struct {
	Type string
}

func (Auth) frameType() string        { return TypeAuth }
func (Message) frameType() string     { return TypeMessage }
func (Typing) frameType() string      { return TypeTyping }
func (ReadReceipt) frameType() string { return TypeReadReceipt }
func (Ping) frameType() string        { return TypePing }
func (u Unknown) frameType() string   { return u.Type }

// Payload projects the flat envelope into its typed variant.
func (f *Frame) Payload() Payload {
	switch f.Type {
	case TypeAuth:
		return Auth{Address: f.Address}
	case TypeMessage:
		return Message{To: f.To, Content: f.Content, MessageID: f.MessageID, Timestamp: f.Timestamp}
	case TypeTyping:
		isTyping := false
		if f.IsTyping != nil {
			isTyping = *f.IsTyping
		}
		return Typing{To: f.To, IsTyping: isTyping}
	case TypeReadReceipt:
		return ReadReceipt{To: f.To, MessageID: f.MessageID}
	case TypePing:
		return Ping{}
	default:
		return Unknown{Type: f.Type}
	}
}
