package router_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/anhhoan/roomchat/internal/router"
	"github.com/anhhoan/roomchat/pkg/state"
	"github.com/anhhoan/roomchat/pkg/state/statemanager"
	"github.com/google/uuid"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// fakeTransport captures every frame the router emits to one connection.
type fakeTransport struct {
	id uuid.UUID

	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{id: uuid.New()}
}

func (f *fakeTransport) ID() uuid.UUID { return f.id }

func (f *fakeTransport) Send(message []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message)
}

func (f *fakeTransport) Close(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// frames decodes everything sent so far.
func (f *fakeTransport) frames(t *testing.T) []router.ServerMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]router.ServerMessage, 0, len(f.sent))
	for _, raw := range f.sent {
		var env struct {
			Event   string          `json:"event"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("Failed to decode outbound frame %q: %v", raw, err)
		}
		out = append(out, router.ServerMessage{Event: env.Event, Payload: env.Payload})
	}
	return out
}

// countEvent counts frames carrying the named event.
func (f *fakeTransport) countEvent(t *testing.T, event string) int {
	t.Helper()
	n := 0
	for _, fr := range f.frames(t) {
		if fr.Event == event {
			n++
		}
	}
	return n
}

// lastPayload returns the payload of the most recent frame for event, failing
// the test when none exists.
func (f *fakeTransport) lastPayload(t *testing.T, event string) json.RawMessage {
	t.Helper()
	frames := f.frames(t)
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Event == event {
			return frames[i].Payload.(json.RawMessage)
		}
	}
	t.Fatalf("No %q frame was sent; got %v", event, frames)
	return nil
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

type fixture struct {
	router  *router.EventRouter
	manager *statemanager.InMemoryManager
}

func newFixture() *fixture {
	logger := newTestLogger()
	manager := statemanager.NewInMemoryManager(logger, 0)
	return &fixture{
		router:  router.NewEventRouter(logger, manager),
		manager: manager,
	}
}

// connect registers a fresh fake connection with the state manager.
func (fx *fixture) connect(t *testing.T) *fakeTransport {
	t.Helper()
	ft := newFakeTransport()
	if _, err := fx.manager.RegisterConnection(ft, "127.0.0.1"); err != nil {
		t.Fatalf("RegisterConnection failed: %v", err)
	}
	return ft
}

// send feeds one inbound event through the router as the transport would.
func (fx *fixture) send(ft *fakeTransport, event string, payload any) {
	env := map[string]any{"event": event}
	if payload != nil {
		env["payload"] = payload
	}
	raw, _ := json.Marshal(env)
	fx.router.HandleMessage(context.Background(), ft.ID(), raw)
}

func (fx *fixture) join(t *testing.T, ft *fakeTransport, username, room string) {
	t.Helper()
	fx.send(ft, "join", map[string]string{"username": username, "room": room})
}

func decodeInto(t *testing.T, raw json.RawMessage, v any) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("Failed to decode payload %q: %v", raw, err)
	}
}

// lastMessageID extracts the id of the most recent chat message a connection
// received on the "message" event.
func lastMessageID(t *testing.T, ft *fakeTransport) string {
	t.Helper()
	var msg state.Message
	decodeInto(t, ft.lastPayload(t, "message"), &msg)
	if msg.ID == "" {
		t.Fatal("Last message frame had no id (system notice?)")
	}
	return msg.ID
}

// --- Join Flow Tests ---

func TestJoinDeliversHistoryNoticeAndPresence(t *testing.T) {
	fx := newFixture()
	alice := fx.connect(t)

	fx.join(t, alice, "Alice", "lobby")

	var history []state.Message
	decodeInto(t, alice.lastPayload(t, "chatHistory"), &history)
	if len(history) != 0 {
		t.Errorf("Expected empty history for a new room, got %d messages", len(history))
	}

	var notice router.SystemNotice
	decodeInto(t, alice.lastPayload(t, "message"), &notice)
	if !notice.System || notice.Text != "Alice joined the room" {
		t.Errorf("Unexpected join notice: %+v", notice)
	}

	var online []string
	decodeInto(t, alice.lastPayload(t, "onlineUsers"), &online)
	if len(online) != 1 || online[0] != "Alice" {
		t.Errorf("Expected onlineUsers [Alice], got %v", online)
	}
}

func TestJoinWithMissingFieldsIsDropped(t *testing.T) {
	fx := newFixture()
	alice := fx.connect(t)

	fx.send(alice, "join", map[string]string{"username": "Alice"})
	fx.send(alice, "join", map[string]string{"room": "lobby"})

	if len(alice.frames(t)) != 0 {
		t.Errorf("Expected no frames for malformed joins, got %v", alice.frames(t))
	}
}

func TestJoinSecondRoomVacatesFirst(t *testing.T) {
	fx := newFixture()
	alice := fx.connect(t)
	bob := fx.connect(t)
	fx.join(t, alice, "Alice", "lobby")
	fx.join(t, bob, "Bob", "lobby")
	bob.reset()

	fx.join(t, alice, "Alice", "games")

	var notice router.SystemNotice
	decodeInto(t, bob.lastPayload(t, "message"), &notice)
	if notice.Text != "Alice left the room" {
		t.Errorf("Expected leave notice in old room, got %+v", notice)
	}
	var online []string
	decodeInto(t, bob.lastPayload(t, "onlineUsers"), &online)
	if len(online) != 1 || online[0] != "Bob" {
		t.Errorf("Expected lobby presence [Bob], got %v", online)
	}
}

func TestHistoryIncludesPriorMutations(t *testing.T) {
	fx := newFixture()
	alice := fx.connect(t)
	fx.join(t, alice, "Alice", "lobby")
	fx.send(alice, "sendMessage", map[string]string{"text": "hi"})
	msgID := lastMessageID(t, alice)
	fx.send(alice, "seen", map[string]string{"messageId": msgID})
	fx.send(alice, "sendMessage", map[string]string{"text": "oops"})
	oopsID := lastMessageID(t, alice)
	fx.send(alice, "recallMessage", map[string]string{"messageId": oopsID})

	bob := fx.connect(t)
	fx.join(t, bob, "Bob", "lobby")

	var history []state.Message
	decodeInto(t, bob.lastPayload(t, "chatHistory"), &history)
	if len(history) != 2 {
		t.Fatalf("Expected 2 messages in history, got %d", len(history))
	}
	if history[0].Status != state.StatusSeen {
		t.Errorf("Expected first message seen in history, got %q", history[0].Status)
	}
	if !history[1].Recalled || history[1].Text != state.RecalledPlaceholder {
		t.Errorf("Expected second message recalled in history, got %+v", history[1])
	}
}

// --- Messaging Tests ---

func TestSendMessageBroadcastsToRoom(t *testing.T) {
	fx := newFixture()
	alice := fx.connect(t)
	bob := fx.connect(t)
	fx.join(t, alice, "Alice", "lobby")
	fx.join(t, bob, "Bob", "lobby")

	fx.send(alice, "sendMessage", map[string]string{"text": "hi"})

	for _, ft := range []*fakeTransport{alice, bob} {
		var msg state.Message
		decodeInto(t, ft.lastPayload(t, "message"), &msg)
		if msg.Text != "hi" || msg.User != "Alice" || msg.Status != state.StatusSent {
			t.Errorf("Unexpected broadcast message: %+v", msg)
		}
	}
}

func TestSendMessageWithoutRoomIsDropped(t *testing.T) {
	fx := newFixture()
	alice := fx.connect(t)

	fx.send(alice, "sendMessage", map[string]string{"text": "hi"})

	if len(alice.frames(t)) != 0 {
		t.Errorf("Expected no frames before join, got %v", alice.frames(t))
	}
}

func TestSendMessageWithNoContentIsDropped(t *testing.T) {
	fx := newFixture()
	alice := fx.connect(t)
	fx.join(t, alice, "Alice", "lobby")
	alice.reset()

	fx.send(alice, "sendMessage", map[string]string{})

	if n := alice.countEvent(t, "message"); n != 0 {
		t.Errorf("Expected no message broadcast for empty payload, got %d", n)
	}
}

func TestSendMessageWithImageOnly(t *testing.T) {
	fx := newFixture()
	alice := fx.connect(t)
	fx.join(t, alice, "Alice", "lobby")

	fx.send(alice, "sendMessage", map[string]string{"image": "/uploads/cat.png"})

	var msg state.Message
	decodeInto(t, alice.lastPayload(t, "message"), &msg)
	if msg.Image != "/uploads/cat.png" || msg.Text != "" {
		t.Errorf("Unexpected image message: %+v", msg)
	}
}

// --- Delivery Status Tests ---

func TestSeenBroadcastsOnceAndIsIdempotent(t *testing.T) {
	fx := newFixture()
	alice := fx.connect(t)
	bob := fx.connect(t)
	fx.join(t, alice, "Alice", "lobby")
	fx.join(t, bob, "Bob", "lobby")

	fx.send(alice, "sendMessage", map[string]string{"text": "hi"})
	msgID := lastMessageID(t, bob)

	fx.send(bob, "seen", map[string]string{"messageId": msgID})

	var status router.StatusPayload
	decodeInto(t, alice.lastPayload(t, "messageStatus"), &status)
	if status.ID != msgID || status.Status != "seen" {
		t.Errorf("Unexpected status payload: %+v", status)
	}

	// A second identical seen event changes nothing and emits nothing.
	fx.send(bob, "seen", map[string]string{"messageId": msgID})
	if n := alice.countEvent(t, "messageStatus"); n != 1 {
		t.Errorf("Expected exactly 1 messageStatus broadcast, got %d", n)
	}
}

func TestSeenAcceptsBareStringPayload(t *testing.T) {
	fx := newFixture()
	alice := fx.connect(t)
	fx.join(t, alice, "Alice", "lobby")
	fx.send(alice, "sendMessage", map[string]string{"text": "hi"})
	msgID := lastMessageID(t, alice)

	fx.send(alice, "seen", msgID)

	if n := alice.countEvent(t, "messageStatus"); n != 1 {
		t.Errorf("Expected messageStatus broadcast for bare-string payload, got %d", n)
	}
}

func TestSeenUnknownMessageIsDropped(t *testing.T) {
	fx := newFixture()
	alice := fx.connect(t)
	fx.join(t, alice, "Alice", "lobby")
	alice.reset()

	fx.send(alice, "seen", map[string]string{"messageId": "no-such-id"})

	if n := alice.countEvent(t, "messageStatus"); n != 0 {
		t.Errorf("Expected no broadcast for unknown message id, got %d", n)
	}
}

// --- Recall Tests ---

func TestRecallByAuthorBroadcasts(t *testing.T) {
	fx := newFixture()
	alice := fx.connect(t)
	bob := fx.connect(t)
	fx.join(t, alice, "Alice", "lobby")
	fx.join(t, bob, "Bob", "lobby")

	fx.send(alice, "sendMessage", map[string]string{"text": "oops"})
	msgID := lastMessageID(t, alice)

	fx.send(alice, "recallMessage", map[string]string{"messageId": msgID})

	var recall router.RecallPayload
	decodeInto(t, bob.lastPayload(t, "recall"), &recall)
	if recall.MessageID != msgID {
		t.Errorf("Expected recall of %q, got %+v", msgID, recall)
	}
}

func TestRecallByNonAuthorIsSilentlyDropped(t *testing.T) {
	fx := newFixture()
	alice := fx.connect(t)
	bob := fx.connect(t)
	fx.join(t, alice, "Alice", "lobby")
	fx.join(t, bob, "Bob", "lobby")

	fx.send(alice, "sendMessage", map[string]string{"text": "mine"})
	msgID := lastMessageID(t, bob)

	fx.send(bob, "recallMessage", map[string]string{"messageId": msgID})

	for _, ft := range []*fakeTransport{alice, bob} {
		if n := ft.countEvent(t, "recall"); n != 0 {
			t.Errorf("Expected no recall broadcast after denied recall, got %d", n)
		}
	}
	history := fx.manager.History("lobby")
	if history[0].Text != "mine" || history[0].Recalled {
		t.Error("Denied recall mutated the message")
	}
}

// --- Typing Tests ---

func TestTypingExcludesSender(t *testing.T) {
	fx := newFixture()
	alice := fx.connect(t)
	bob := fx.connect(t)
	fx.join(t, alice, "Alice", "lobby")
	fx.join(t, bob, "Bob", "lobby")
	alice.reset()
	bob.reset()

	fx.send(alice, "typing", nil)

	var typing router.TypingPayload
	decodeInto(t, bob.lastPayload(t, "typing"), &typing)
	if typing.Username != "Alice" {
		t.Errorf("Expected typing payload from Alice, got %+v", typing)
	}
	if n := alice.countEvent(t, "typing"); n != 0 {
		t.Errorf("Expected sender to receive no typing echo, got %d", n)
	}

	fx.send(alice, "stopTyping", nil)
	if n := bob.countEvent(t, "stopTyping"); n != 1 {
		t.Errorf("Expected 1 stopTyping frame, got %d", n)
	}
	if n := alice.countEvent(t, "stopTyping"); n != 0 {
		t.Errorf("Expected sender to receive no stopTyping echo, got %d", n)
	}
}

// --- Leave & Disconnect Tests ---

func TestLeaveRoomAnnouncesAndRecomputesPresence(t *testing.T) {
	fx := newFixture()
	alice := fx.connect(t)
	bob := fx.connect(t)
	fx.join(t, alice, "Alice", "lobby")
	fx.join(t, bob, "Bob", "lobby")
	bob.reset()

	fx.send(alice, "leaveRoom", nil)

	var notice router.SystemNotice
	decodeInto(t, bob.lastPayload(t, "message"), &notice)
	if !notice.System || notice.Text != "Alice left the room" {
		t.Errorf("Unexpected leave notice: %+v", notice)
	}
	var online []string
	decodeInto(t, bob.lastPayload(t, "onlineUsers"), &online)
	if len(online) != 1 || online[0] != "Bob" {
		t.Errorf("Expected onlineUsers [Bob], got %v", online)
	}

	// The connection stays registered but has no identity or room.
	conn, found := fx.manager.GetConnection(alice.ID())
	if !found {
		t.Fatal("Expected connection to remain registered after leaveRoom")
	}
	if conn.Joined() || conn.Username != "" {
		t.Errorf("Expected cleared identity after leaveRoom, got %+v", conn)
	}
}

func TestDisconnectCleansUpLikeLeave(t *testing.T) {
	fx := newFixture()
	alice := fx.connect(t)
	bob := fx.connect(t)
	fx.join(t, alice, "Alice", "lobby")
	fx.join(t, bob, "Bob", "lobby")
	bob.reset()

	fx.router.HandleDisconnect(alice.ID(), nil)

	var notice router.SystemNotice
	decodeInto(t, bob.lastPayload(t, "message"), &notice)
	if notice.Text != "Alice went offline" {
		t.Errorf("Unexpected disconnect notice: %+v", notice)
	}
	var online []string
	decodeInto(t, bob.lastPayload(t, "onlineUsers"), &online)
	if len(online) != 1 || online[0] != "Bob" {
		t.Errorf("Expected onlineUsers [Bob], got %v", online)
	}
	if _, found := fx.manager.GetConnection(alice.ID()); found {
		t.Error("Expected connection record removed after disconnect")
	}

	// Events arriving after the disconnect cleanup are dropped.
	fx.send(alice, "sendMessage", map[string]string{"text": "zombie"})
	if n := bob.countEvent(t, "message"); n != 1 {
		t.Errorf("Expected no broadcast from a disconnected sender, got %d message frames", n)
	}
}

func TestDisconnectBeforeJoinIsQuiet(t *testing.T) {
	fx := newFixture()
	alice := fx.connect(t)
	fx.router.HandleDisconnect(alice.ID(), nil)
	if len(alice.frames(t)) != 0 {
		t.Errorf("Expected no frames for disconnect before join, got %v", alice.frames(t))
	}
}

// --- Robustness Tests ---

func TestMalformedFramesAreDropped(t *testing.T) {
	fx := newFixture()
	alice := fx.connect(t)
	fx.join(t, alice, "Alice", "lobby")
	alice.reset()

	fx.router.HandleMessage(context.Background(), alice.ID(), []byte("{not json"))
	fx.router.HandleMessage(context.Background(), alice.ID(), []byte(`{"payload":{}}`))
	fx.send(alice, "noSuchEvent", map[string]string{})

	if len(alice.frames(t)) != 0 {
		t.Errorf("Expected malformed frames to be dropped, got %v", alice.frames(t))
	}
}

func TestEventFromUnregisteredConnectionIsDropped(t *testing.T) {
	fx := newFixture()
	raw, _ := json.Marshal(map[string]any{"event": "join", "payload": map[string]string{"username": "Ghost", "room": "lobby"}})
	// Must not panic or create state.
	fx.router.HandleMessage(context.Background(), uuid.New(), raw)
	if _, found := fx.manager.FindRoom("lobby"); found {
		t.Error("Expected no room created by an unregistered connection")
	}
}

func TestPresenceTracksMembershipSequences(t *testing.T) {
	fx := newFixture()

	transports := make([]*fakeTransport, 3)
	names := []string{"Alice", "Bob", "Cara"}
	for i := range transports {
		transports[i] = fx.connect(t)
		fx.join(t, transports[i], names[i], "lobby")
	}

	fx.send(transports[1], "leaveRoom", nil)
	fx.router.HandleDisconnect(transports[2].ID(), nil)

	var online []string
	decodeInto(t, transports[0].lastPayload(t, "onlineUsers"), &online)
	if len(online) != 1 || online[0] != "Alice" {
		t.Errorf("Expected onlineUsers [Alice] after leave+disconnect, got %v", online)
	}
}

func TestMessageIDsUniqueAcrossRooms(t *testing.T) {
	fx := newFixture()
	ids := make(map[string]bool)

	for i := 0; i < 3; i++ {
		ft := fx.connect(t)
		fx.join(t, ft, fmt.Sprintf("user-%d", i), fmt.Sprintf("room-%d", i))
		for j := 0; j < 10; j++ {
			fx.send(ft, "sendMessage", map[string]string{"text": fmt.Sprintf("m%d", j)})
			id := lastMessageID(t, ft)
			if ids[id] {
				t.Fatalf("Duplicate message id %q", id)
			}
			ids[id] = true
		}
	}
}
