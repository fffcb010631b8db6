package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/anhhoan/roomchat/pkg/state"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// EventRouter dispatches each inbound event to its handler and drives the
// outbound broadcasts. All failures degrade to a logged no-op: a malformed
// client event never disturbs room state for other members.
type EventRouter struct {
	logger   *slog.Logger
	state    state.Manager
	registry *Registry

	// roomLocks serializes mutation+broadcast per room so every member
	// observes messages, status changes and recalls in apply order. Different
	// rooms proceed in parallel.
	roomLocks sync.Map // roomID -> *sync.Mutex
}

// HandlerContext carries everything one handler invocation needs.
type HandlerContext struct {
	Context context.Context
	Conn    *state.Connection
	Payload gjson.Result
}

func NewEventRouter(logger *slog.Logger, manager state.Manager) *EventRouter {
	r := &EventRouter{
		logger:   logger.With(slog.String("component", "event_router")),
		state:    manager,
		registry: NewRegistry(),
	}
	r.registerCoreHandlers()
	return r
}

func (r *EventRouter) registerCoreHandlers() {
	r.registry.Register("join", r.handleJoin)
	r.registry.Register("sendMessage", r.handleSendMessage)
	r.registry.Register("typing", r.handleTyping)
	r.registry.Register("stopTyping", r.handleStopTyping)
	r.registry.Register("seen", r.handleSeen)
	r.registry.Register("recallMessage", r.handleRecall)
	r.registry.Register("leaveRoom", r.handleLeaveRoom)
}

// HandleMessage is the transport's inbound callback.
func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	if !gjson.ValidBytes(msg) {
		r.logger.Warn("Dropping malformed frame", slog.String("connID", connID.String()))
		return
	}
	event := gjson.GetBytes(msg, "event").String()
	if event == "" {
		r.logger.Warn("Dropping frame without event name", slog.String("connID", connID.String()))
		return
	}

	handler, ok := r.registry.Get(event)
	if !ok {
		r.logger.Warn("Received unknown event", slog.String("event", event), slog.String("connID", connID.String()))
		return
	}

	conn, ok := r.state.GetConnection(connID)
	if !ok {
		r.logger.Warn("Dropping event for unregistered connection",
			slog.String("event", event),
			slog.String("connID", connID.String()),
		)
		return
	}

	r.logger.Debug("Dispatching event", slog.String("event", event), slog.String("connID", connID.String()))
	handler(&HandlerContext{Context: ctx, Conn: conn, Payload: gjson.GetBytes(msg, "payload")})
}

// HandleDisconnect is the transport's close callback. Cleanup is identical to
// an explicit leaveRoom, with an "offline" notice instead.
func (r *EventRouter) HandleDisconnect(connID uuid.UUID, err error) {
	prior := r.state.DeregisterConnection(connID)
	if prior == nil || !prior.Joined() {
		return
	}

	unlock := r.lockRoom(prior.Room)
	defer unlock()

	r.broadcast(prior.Room, "message", SystemNotice{System: true, Text: prior.Username + " went offline"})
	r.broadcastPresence(prior.Room)
	r.logger.Info("Connection disconnected from room",
		slog.String("connID", connID.String()),
		slog.String("roomID", prior.Room),
	)
}

// lockRoom acquires the per-room ordering lock and returns its release func.
func (r *EventRouter) lockRoom(roomID string) func() {
	mu, _ := r.roomLocks.LoadOrStore(roomID, &sync.Mutex{})
	lock := mu.(*sync.Mutex)
	lock.Lock()
	return lock.Unlock
}

// emit sends one event to a single connection.
func (r *EventRouter) emit(target state.Transport, event string, payload any) {
	data, err := json.Marshal(ServerMessage{Event: event, Payload: payload})
	if err != nil {
		r.logger.Error("Failed to marshal outbound event", slog.String("event", event), slog.Any("error", err))
		return
	}
	target.Send(data)
}

// broadcast sends one event to every current member of a room. Delivery is
// best-effort: each member's transport buffers or drops on its own.
func (r *EventRouter) broadcast(roomID, event string, payload any) {
	r.broadcastExcept(roomID, uuid.Nil, event, payload)
}

// broadcastExcept sends to every member whose connection id differs from
// except. Pass uuid.Nil to reach everyone.
func (r *EventRouter) broadcastExcept(roomID string, except uuid.UUID, event string, payload any) {
	data, err := json.Marshal(ServerMessage{Event: event, Payload: payload})
	if err != nil {
		r.logger.Error("Failed to marshal outbound event", slog.String("event", event), slog.Any("error", err))
		return
	}
	for _, member := range r.state.RoomMembers(roomID) {
		if member.ID == except {
			continue
		}
		member.Transport.Send(data)
	}
}

// broadcastPresence recomputes and emits the online member list for a room.
func (r *EventRouter) broadcastPresence(roomID string) {
	names := r.state.RoomUsernames(roomID)
	if names == nil {
		names = []string{}
	}
	r.broadcast(roomID, "onlineUsers", names)
}
