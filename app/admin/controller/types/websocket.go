package types

// WSClientMessage represents a message from WebSocket client
type WSClientMessage struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	Kind   string `json:"kind"`   // run kind, or "*" for all
}

// WSServerMessage represents a message to WebSocket client
type WSServerMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}
