package state

import (
	"github.com/google/uuid"
)

type Manager interface {
	// --- Connection Lifecycle ---
	RegisterConnection(conn Transport, ipAddr string) (*Connection, error)
	// DeregisterConnection removes the record and returns it (nil if unknown)
	// so callers can clean up room membership.
	DeregisterConnection(connID uuid.UUID) *Connection
	GetConnection(connID uuid.UUID) (*Connection, bool)
	// SetIdentity records the display name chosen at join time.
	SetIdentity(connID uuid.UUID, username string) error

	// --- Room & Membership Management ---
	// Join adds the connection to a room, creating the room if it doesn't
	// exist. A connection is in at most one room: joining a new room vacates
	// the previous one, returned as previous ("" if none). Re-joining the
	// current room is a no-op.
	Join(roomID string, connID uuid.UUID) (previous string, err error)
	Leave(roomID string, connID uuid.UUID) error
	RoomMembers(roomID string) []*Connection
	// RoomUsernames returns the display names of current members, in no
	// particular order. Presence broadcasts are built from this.
	RoomUsernames(roomID string) []string
	History(roomID string) []*Message
	FindRoom(roomID string) (*Room, bool)

	// --- Message Log ---
	AppendMessage(roomID string, authorID uuid.UUID, authorName, text, image string) (*Message, error)
	// MarkSeen moves a message from sent to seen. Seen is terminal: a second
	// call is a no-op, never a regression.
	MarkSeen(roomID, messageID string) Outcome
	// RecallMessage retracts a message's content. Only the author may recall;
	// recall is terminal and independent of delivery status.
	RecallMessage(roomID, messageID string, requesterID uuid.UUID) Outcome
}
