package statemanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/anhhoan/roomchat/pkg/state"
	"github.com/google/uuid"
)

var (
	ErrUnknownConnection = errors.New("connection is not registered")
	ErrRoomNotFound      = errors.New("room not found")
)

// InMemoryManager keeps all coordination state in process memory. Lock order
// is always connMu before roomMu; all mutations of a room's member set and
// message log happen under roomMu, which linearizes them.
type InMemoryManager struct {
	conns map[uuid.UUID]*state.Connection
	rooms map[string]*state.Room

	connMu sync.RWMutex
	roomMu sync.RWMutex

	// lastStamp is the millisecond stamp of the most recent append. Bumping it
	// when the clock hasn't moved keeps message ids unique under bursts.
	lastStamp int64

	// maxHistory caps the retained log per room; 0 keeps everything.
	maxHistory int

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger, maxHistory int) *InMemoryManager {
	return &InMemoryManager{
		conns:      make(map[uuid.UUID]*state.Connection),
		rooms:      make(map[string]*state.Room),
		maxHistory: maxHistory,
		logger:     logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

// --- Connection Lifecycle ---

func (m *InMemoryManager) RegisterConnection(conn state.Transport, ipAddr string) (*state.Connection, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	connID := conn.ID()
	if existing, ok := m.conns[connID]; ok {
		return existing, nil
	}
	newConn := &state.Connection{
		ID:        connID,
		IPAddress: ipAddr,
		Transport: conn,
		CreatedAt: time.Now(),
	}
	m.conns[connID] = newConn
	m.logger.Debug("Connection registered", slog.String("connID", connID.String()))
	return newConn, nil
}

func (m *InMemoryManager) DeregisterConnection(connID uuid.UUID) *state.Connection {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil
	}
	delete(m.conns, connID)

	if conn.Room != "" {
		m.roomMu.Lock()
		m.removeMemberLocked(conn.Room, connID)
		m.roomMu.Unlock()
	}

	m.logger.Debug("Connection deregistered", slog.String("connID", connID.String()))
	// Hand back a snapshot so in-flight handlers never observe cleared fields.
	prior := *conn
	return &prior
}

func (m *InMemoryManager) GetConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemoryManager) SetIdentity(connID uuid.UUID, username string) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	// roomMu serializes the write against presence reads of the same record.
	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		m.logger.Warn("failed to set identity: connection is not registered",
			slog.String("connID", connID.String()),
			slog.String("username", username),
		)
		return ErrUnknownConnection
	}
	conn.Username = username
	return nil
}

// --- Room & Membership Management ---

func (m *InMemoryManager) Join(roomID string, connID uuid.UUID) (string, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return "", ErrUnknownConnection
	}

	previous := conn.Room
	if previous == roomID {
		// Re-joining the current room is a no-op, but make sure the member
		// link exists in case it was lost.
		if room, ok := m.rooms[roomID]; ok {
			room.Members[connID] = conn
		}
		return "", nil
	}
	if previous != "" {
		m.removeMemberLocked(previous, connID)
	}

	room, ok := m.rooms[roomID]
	if !ok {
		room = &state.Room{
			ID:      roomID,
			Members: make(map[uuid.UUID]*state.Connection),
		}
		m.rooms[roomID] = room
		m.logger.Debug("Created room", slog.String("roomID", roomID))
	}
	room.Members[connID] = conn
	room.EmptiedAt = time.Time{}
	conn.Room = roomID

	m.logger.Debug("Connection joined room",
		slog.String("connID", connID.String()),
		slog.String("roomID", roomID),
	)
	return previous, nil
}

func (m *InMemoryManager) Leave(roomID string, connID uuid.UUID) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		m.logger.Warn("failed to leave room: connection is not registered",
			slog.String("connID", connID.String()),
			slog.String("roomID", roomID),
		)
		return nil
	}
	if conn.Room == roomID {
		conn.Room = ""
	}
	m.removeMemberLocked(roomID, connID)
	m.logger.Debug("Connection left room",
		slog.String("connID", connID.String()),
		slog.String("roomID", roomID),
	)
	return nil
}

// removeMemberLocked drops connID from the room's member set and stamps the
// room when it becomes empty. Caller must hold roomMu.
func (m *InMemoryManager) removeMemberLocked(roomID string, connID uuid.UUID) {
	room, ok := m.rooms[roomID]
	if !ok {
		return
	}
	delete(room.Members, connID)
	if len(room.Members) == 0 && room.EmptiedAt.IsZero() {
		room.EmptiedAt = time.Now()
	}
}

func (m *InMemoryManager) RoomMembers(roomID string) []*state.Connection {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	members := make([]*state.Connection, 0, len(room.Members))
	for _, c := range room.Members {
		members = append(members, c)
	}
	return members
}

func (m *InMemoryManager) RoomUsernames(roomID string) []string {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(room.Members))
	for _, c := range room.Members {
		names = append(names, c.Username)
	}
	return names
}

// History returns a copy of the room's log. Messages are copied by value so
// later status transitions never race with a broadcast in progress.
func (m *InMemoryManager) History(roomID string) []*state.Message {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return []*state.Message{}
	}
	history := make([]*state.Message, len(room.Log))
	for i, msg := range room.Log {
		c := *msg
		history[i] = &c
	}
	return history
}

func (m *InMemoryManager) FindRoom(roomID string) (*state.Room, bool) {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()
	room, ok := m.rooms[roomID]
	return room, ok
}

// --- Message Log ---

func (m *InMemoryManager) AppendMessage(roomID string, authorID uuid.UUID, authorName, text, image string) (*state.Message, error) {
	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}

	stamp := time.Now().UnixMilli()
	if stamp <= m.lastStamp {
		stamp = m.lastStamp + 1
	}
	m.lastStamp = stamp

	msg := &state.Message{
		ID:       fmt.Sprintf("%d-%s", stamp, authorID),
		User:     authorName,
		AuthorID: authorID,
		Text:     text,
		Image:    image,
		Status:   state.StatusSent,
		Time:     time.UnixMilli(stamp),
	}
	room.Log = append(room.Log, msg)
	if m.maxHistory > 0 && len(room.Log) > m.maxHistory {
		room.Log = room.Log[len(room.Log)-m.maxHistory:]
	}

	stored := *msg
	return &stored, nil
}

func (m *InMemoryManager) MarkSeen(roomID, messageID string) state.Outcome {
	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	msg, ok := m.findMessageLocked(roomID, messageID)
	if !ok {
		return state.OutcomeNotFound
	}
	if msg.Status == state.StatusSeen {
		return state.OutcomeNoOp
	}
	msg.Status = state.StatusSeen
	return state.OutcomeApplied
}

func (m *InMemoryManager) RecallMessage(roomID, messageID string, requesterID uuid.UUID) state.Outcome {
	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	msg, ok := m.findMessageLocked(roomID, messageID)
	if !ok {
		return state.OutcomeNotFound
	}
	if msg.AuthorID != requesterID {
		m.logger.Warn("recall denied: requester is not the author",
			slog.String("roomID", roomID),
			slog.String("messageID", messageID),
			slog.String("requesterID", requesterID.String()),
		)
		return state.OutcomeDenied
	}
	if msg.Recalled {
		return state.OutcomeNoOp
	}
	msg.Text = state.RecalledPlaceholder
	msg.Image = ""
	msg.Recalled = true
	return state.OutcomeApplied
}

// findMessageLocked scans the room log from the tail, since transitions
// usually target recent messages. Caller must hold roomMu.
func (m *InMemoryManager) findMessageLocked(roomID, messageID string) (*state.Message, bool) {
	room, ok := m.rooms[roomID]
	if !ok {
		return nil, false
	}
	for i := len(room.Log) - 1; i >= 0; i-- {
		if room.Log[i].ID == messageID {
			return room.Log[i], true
		}
	}
	return nil, false
}

// --- Maintenance ---

// Connections returns all live connection records, used during shutdown.
func (m *InMemoryManager) Connections() []*state.Connection {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	conns := make([]*state.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

// ConnectionCountForIP counts live connections from one address, used by the
// connection limiter before an upgrade is accepted.
func (m *InMemoryManager) ConnectionCountForIP(ipAddr string) (int, error) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	count := 0
	for _, c := range m.conns {
		if c.IPAddress == ipAddr {
			count++
		}
	}
	return count, nil
}

// ReclaimEmptyRooms deletes rooms that have had no members for at least grace
// and returns how many were removed. Their logs are dropped with them.
func (m *InMemoryManager) ReclaimEmptyRooms(grace time.Duration) int {
	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	now := time.Now()
	reclaimed := 0
	for id, room := range m.rooms {
		if len(room.Members) > 0 || room.EmptiedAt.IsZero() {
			continue
		}
		if now.Sub(room.EmptiedAt) < grace {
			continue
		}
		delete(m.rooms, id)
		reclaimed++
		m.logger.Debug("Reclaimed empty room",
			slog.String("roomID", id),
			slog.Int("droppedMessages", len(room.Log)),
		)
	}
	return reclaimed
}

// RunJanitor sweeps for reclaimable rooms until ctx is cancelled. A grace or
// interval of zero disables reclaim and rooms are retained forever.
func (m *InMemoryManager) RunJanitor(ctx context.Context, interval, grace time.Duration) {
	if interval <= 0 || grace <= 0 {
		m.logger.Info("Room janitor disabled; empty rooms are retained")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := m.ReclaimEmptyRooms(grace); n > 0 {
				m.logger.Info("Room janitor sweep", slog.Int("reclaimed", n))
			}
		case <-ctx.Done():
			return
		}
	}
}
