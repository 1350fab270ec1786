package realtime

import (
	"encoding/json"
	"time"
)

// MessageType tags the wire envelope. Types outside the reserved set are
// application data and are forwarded to registered handlers.
type MessageType string

const (
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"

	TypeAuth        MessageType = "auth"
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"

	TypeCreate      MessageType = "create"
	TypeUpdate      MessageType = "update"
	TypeDelete      MessageType = "delete"
	TypeBatchUpdate MessageType = "batch_update"

	TypeConflictDetected MessageType = "conflict_detected"
	TypeVersionMismatch  MessageType = "version_mismatch"

	TypeUserJoined MessageType = "user_joined"
	TypeUserLeft   MessageType = "user_left"
	TypeUserTyping MessageType = "user_typing"

	TypeError     MessageType = "error"
	TypeRateLimit MessageType = "rate_limit"
)

// Reserved reports whether t belongs to the protocol's own taxonomy.
func (t MessageType) Reserved() bool {
	switch t {
	case TypePing, TypePong, TypeAuth, TypeSubscribe, TypeUnsubscribe,
		TypeCreate, TypeUpdate, TypeDelete, TypeBatchUpdate,
		TypeConflictDetected, TypeVersionMismatch,
		TypeUserJoined, TypeUserLeft, TypeUserTyping,
		TypeError, TypeRateLimit:
		return true
	}
	return false
}

// Message is the wire envelope: every frame in both directions carries
// exactly this shape, JSON-encoded.
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	ID        string          `json:"id"`
}

// AuthPayload carries the bearer token sent right after (re)connecting.
type AuthPayload struct {
	Token string `json:"token"`
}

// TopicPayload is the body of subscribe and unsubscribe messages.
type TopicPayload struct {
	Topic string `json:"topic"`
}

// DataChange is the body of create, update and delete messages.
type DataChange struct {
	Entity   string          `json:"entity"`
	RecordID string          `json:"record_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Version  int64           `json:"version,omitempty"`
	ActorID  string          `json:"actor_id,omitempty"`
}

// BatchUpdatePayload is the body of batch_update messages.
type BatchUpdatePayload struct {
	Changes []DataChange `json:"changes"`
}

// ConflictPayload is the body of conflict_detected messages.
type ConflictPayload struct {
	Entity        string          `json:"entity"`
	RecordID      string          `json:"record_id"`
	LocalVersion  int64           `json:"local_version"`
	ServerVersion int64           `json:"server_version"`
	ServerPayload json.RawMessage `json:"server_payload,omitempty"`
	ActorID       string          `json:"actor_id,omitempty"`
	Timestamp     int64           `json:"timestamp,omitempty"`
}

// VersionMismatchPayload is the body of version_mismatch messages.
type VersionMismatchPayload struct {
	Entity          string `json:"entity"`
	RecordID        string `json:"record_id"`
	ExpectedVersion int64  `json:"expected_version"`
	ActualVersion   int64  `json:"actual_version"`
}

// PresencePayload is the body of user_joined, user_left and user_typing
// messages.
type PresencePayload struct {
	UserID string `json:"user_id"`
	Topic  string `json:"topic,omitempty"`
}

// ErrorPayload is the body of error messages.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// RateLimitPayload is the body of rate_limit notices.
type RateLimitPayload struct {
	RetryAfterMs int64 `json:"retry_after_ms"`
}

func newMessage(t MessageType, payload json.RawMessage, id string, now time.Time) *Message {
	return &Message{
		Type:      t,
		Payload:   payload,
		Timestamp: now.UnixMilli(),
		ID:        id,
	}
}
