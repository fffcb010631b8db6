package router

import (
	"log/slog"

	"github.com/anhhoan/roomchat/pkg/state"
)

// handleJoin registers the connection's identity, adds it to the room, replays
// the room history to the joining connection only, and announces the arrival.
func (r *EventRouter) handleJoin(hctx *HandlerContext) {
	username := hctx.Payload.Get("username").String()
	roomID := hctx.Payload.Get("room").String()
	if username == "" || roomID == "" {
		r.logger.Warn("Dropping join with missing username or room",
			slog.String("connID", hctx.Conn.ID.String()),
		)
		return
	}

	if err := r.state.SetIdentity(hctx.Conn.ID, username); err != nil {
		return
	}

	// Joining a new room implicitly vacates the previous one, with the same
	// notices an explicit leave would produce.
	if previous := hctx.Conn.Room; previous != "" && previous != roomID {
		unlock := r.lockRoom(previous)
		if err := r.state.Leave(previous, hctx.Conn.ID); err == nil {
			r.broadcast(previous, "message", SystemNotice{System: true, Text: username + " left the room"})
			r.broadcastPresence(previous)
		}
		unlock()
	}

	unlock := r.lockRoom(roomID)
	defer unlock()

	if _, err := r.state.Join(roomID, hctx.Conn.ID); err != nil {
		r.logger.Warn("Join failed", slog.String("roomID", roomID), slog.Any("error", err))
		return
	}

	// History goes to the joining connection only, inside the room lock, so it
	// is an exact snapshot of the log at the moment of join.
	r.emit(hctx.Conn.Transport, "chatHistory", r.state.History(roomID))

	r.broadcast(roomID, "message", SystemNotice{System: true, Text: username + " joined the room"})
	r.broadcastPresence(roomID)

	r.logger.Info("Connection joined room",
		slog.String("connID", hctx.Conn.ID.String()),
		slog.String("username", username),
		slog.String("roomID", roomID),
	)
}

// handleSendMessage appends a message to the room log and fans it out.
func (r *EventRouter) handleSendMessage(hctx *HandlerContext) {
	if !hctx.Conn.Joined() {
		r.logger.Warn("Dropping sendMessage from connection without a room",
			slog.String("connID", hctx.Conn.ID.String()),
		)
		return
	}

	text := hctx.Payload.Get("text").String()
	image := hctx.Payload.Get("image").String()
	if text == "" && image == "" {
		r.logger.Warn("Dropping empty sendMessage", slog.String("connID", hctx.Conn.ID.String()))
		return
	}

	roomID := hctx.Conn.Room
	unlock := r.lockRoom(roomID)
	defer unlock()

	msg, err := r.state.AppendMessage(roomID, hctx.Conn.ID, hctx.Conn.Username, text, image)
	if err != nil {
		r.logger.Warn("Failed to append message", slog.String("roomID", roomID), slog.Any("error", err))
		return
	}
	r.broadcast(roomID, "message", msg)
}

// handleTyping relays a typing indicator to everyone else in the room. Nothing
// is persisted; expiry is the client's concern.
func (r *EventRouter) handleTyping(hctx *HandlerContext) {
	if !hctx.Conn.Joined() {
		return
	}
	r.broadcastExcept(hctx.Conn.Room, hctx.Conn.ID, "typing", TypingPayload{Username: hctx.Conn.Username})
}

func (r *EventRouter) handleStopTyping(hctx *HandlerContext) {
	if !hctx.Conn.Joined() {
		return
	}
	r.broadcastExcept(hctx.Conn.Room, hctx.Conn.ID, "stopTyping", nil)
}

// handleSeen moves a message to seen and broadcasts the new status. Repeated
// seen events are idempotent and produce no second broadcast.
func (r *EventRouter) handleSeen(hctx *HandlerContext) {
	if !hctx.Conn.Joined() {
		return
	}
	messageID := stringField(hctx.Payload, "messageId")
	if messageID == "" {
		return
	}

	roomID := hctx.Conn.Room
	unlock := r.lockRoom(roomID)
	defer unlock()

	outcome := r.state.MarkSeen(roomID, messageID)
	if outcome != state.OutcomeApplied {
		r.logger.Debug("Seen event dropped",
			slog.String("messageID", messageID),
			slog.String("outcome", outcome.String()),
		)
		return
	}
	r.broadcast(roomID, "messageStatus", StatusPayload{ID: messageID, Status: "seen"})
}

// handleRecall retracts a message. Only the author's recall mutates state and
// triggers a broadcast; anything else is dropped.
func (r *EventRouter) handleRecall(hctx *HandlerContext) {
	if !hctx.Conn.Joined() {
		return
	}
	messageID := stringField(hctx.Payload, "messageId")
	if messageID == "" {
		return
	}

	roomID := hctx.Conn.Room
	unlock := r.lockRoom(roomID)
	defer unlock()

	outcome := r.state.RecallMessage(roomID, messageID, hctx.Conn.ID)
	if outcome != state.OutcomeApplied {
		r.logger.Debug("Recall dropped",
			slog.String("messageID", messageID),
			slog.String("connID", hctx.Conn.ID.String()),
			slog.String("outcome", outcome.String()),
		)
		return
	}
	r.broadcast(roomID, "recall", RecallPayload{MessageID: messageID})
}

// handleLeaveRoom clears the connection's identity and membership and
// announces the departure.
func (r *EventRouter) handleLeaveRoom(hctx *HandlerContext) {
	if !hctx.Conn.Joined() {
		return
	}
	roomID := hctx.Conn.Room
	username := hctx.Conn.Username

	unlock := r.lockRoom(roomID)
	defer unlock()

	if err := r.state.Leave(roomID, hctx.Conn.ID); err != nil {
		return
	}
	// The join-time identity record is gone once the room is left; the
	// transport connection itself stays open for a future join.
	_ = r.state.SetIdentity(hctx.Conn.ID, "")

	r.broadcast(roomID, "message", SystemNotice{System: true, Text: username + " left the room"})
	r.broadcastPresence(roomID)

	r.logger.Info("Connection left room",
		slog.String("connID", hctx.Conn.ID.String()),
		slog.String("roomID", roomID),
	)
}
