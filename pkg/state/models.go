package state

import (
	"time"

	"github.com/google/uuid"
)

// Transport is the outbound side of a live client connection. Satisfied by
// *transport.Connection; tests substitute a capture implementation.
type Transport interface {
	ID() uuid.UUID
	Send(message []byte)
	Close(err error)
}

// representation of a single transport-layer connection and the identity it
// picked at join time. Username and Room stay empty until the client joins.
type Connection struct {
	ID        uuid.UUID
	IPAddress string
	Transport Transport
	Username  string
	Room      string
	CreatedAt time.Time
}

// Joined reports whether the connection has joined a room.
func (c *Connection) Joined() bool {
	return c.Room != ""
}

// canonical representation of a chat room: its current members and its
// append-only message log.
type Room struct {
	ID      string
	Members map[uuid.UUID]*Connection
	Log     []*Message

	// EmptiedAt is the time the last member left; zero while occupied. The
	// janitor reclaims rooms whose EmptiedAt is older than the grace period.
	EmptiedAt time.Time
}

// Status is the delivery status of a message. It only moves forward.
type Status string

const (
	StatusSent Status = "sent"
	StatusSeen Status = "seen"
)

// RecalledPlaceholder replaces the text of a recalled message.
const RecalledPlaceholder = "This message has been recalled"

type Message struct {
	ID       string    `json:"id"`
	User     string    `json:"user"`
	AuthorID uuid.UUID `json:"authorId"`
	Text     string    `json:"text"`
	Image    string    `json:"image,omitempty"`
	Status   Status    `json:"status"`
	Recalled bool      `json:"recalled"`
	Time     time.Time `json:"time"`
}

// Outcome is the result of a message state transition. Invalid requests are
// reported as explicit non-mutating outcomes instead of errors so callers can
// drop them silently and tests can assert on the exact variant.
type Outcome int

const (
	// OutcomeApplied means state changed and the caller should broadcast.
	OutcomeApplied Outcome = iota
	// OutcomeNoOp means the transition had already happened (idempotent).
	OutcomeNoOp
	// OutcomeNotFound means the referenced room or message does not exist.
	OutcomeNotFound
	// OutcomeDenied means the requester may not perform the transition.
	OutcomeDenied
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeNoOp:
		return "noop"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeDenied:
		return "denied"
	default:
		return "unknown"
	}
}
