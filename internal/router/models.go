package router

// ServerMessage is the outbound event envelope. Inbound envelopes are not
// unmarshalled into a struct; the router picks fields out with gjson.
type ServerMessage struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// SystemNotice is broadcast on the "message" event for join/leave/offline
// transitions.
type SystemNotice struct {
	System bool   `json:"system"`
	Text   string `json:"text"`
}

type StatusPayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type RecallPayload struct {
	MessageID string `json:"messageId"`
}

type TypingPayload struct {
	Username string `json:"username"`
}
