package messaging

// ReadStatus is the derived delivery/read state of a message as seen by the
// local user. It is recomputed from persisted data, never stored directly.
type ReadStatus string

const (
	ReadStatusUndelivered ReadStatus = "undelivered"
	ReadStatusDelivered   ReadStatus = "delivered"
	ReadStatusRead        ReadStatus = "read"
)

// UndecryptableContent is substituted for message content when decryption
// fails, so the surrounding conversation stays usable.
const UndecryptableContent = "[undecryptable message]"

// DecryptedMessage is the in-memory plaintext form of a message. It is
// derived and ephemeral; only the ciphertext form is ever persisted.
type DecryptedMessage struct {
	MessageID   string
	SenderID    string
	Scope       Scope
	Content     string
	MessageType string
	CreatedAt   int64
	ReadStatus  ReadStatus
}

// EventKind is the closed set of channel events.
type EventKind int

const (
	// EventNewMessage fires when an inbound message arrives on a scope.
	EventNewMessage EventKind = iota + 1
	// EventMessageDelivered fires after an inbound message decrypts and is
	// marked delivered locally.
	EventMessageDelivered
	// EventMessageRead fires when another user reads a message the local
	// user sent.
	EventMessageRead
)

// String implements fmt.Stringer for log output.
func (k EventKind) String() string {
	switch k {
	case EventNewMessage:
		return "new_message"
	case EventMessageDelivered:
		return "message_delivered"
	case EventMessageRead:
		return "message_read"
	default:
		return "unknown"
	}
}

// Event is one channel notification delivered to listeners.
type Event struct {
	Kind    EventKind
	Message DecryptedMessage
}

// Listener receives channel events in stream order for one scope.
type Listener func(Event)
