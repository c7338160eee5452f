package roomchat

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Messages
// ============================================================================

// Author identifies who wrote a message.
type Author struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// DeliveryState is the delivery lifecycle tag of a message.
//
// The zero value is treated as confirmed: messages decoded from history or
// from the realtime channel carry no state on the wire.
type DeliveryState string

const (
	DeliveryConfirmed  DeliveryState = "confirmed"
	DeliveryOptimistic DeliveryState = "optimistic"
	DeliveryQueued     DeliveryState = "queued"
	DeliveryRetrying   DeliveryState = "retrying"
	DeliveryFailed     DeliveryState = "failed"
	DeliveryStreaming  DeliveryState = "streaming"
)

// Confirmed reports whether the state is authoritative server state.
func (s DeliveryState) Confirmed() bool {
	return s == "" || s == DeliveryConfirmed
}

// CanTransition reports whether moving from s to next is a forward move.
func (s DeliveryState) CanTransition(next DeliveryState) bool {
	if s == "" {
		s = DeliveryConfirmed
	}
	switch s {
	case DeliveryOptimistic:
		return next == DeliveryConfirmed || next == DeliveryFailed
	case DeliveryQueued:
		return next == DeliveryRetrying || next == DeliveryFailed
	case DeliveryRetrying:
		// optimistic: delivered, waiting for the broadcast echo
		return next == DeliveryConfirmed || next == DeliveryOptimistic || next == DeliveryQueued || next == DeliveryFailed
	case DeliveryFailed:
		// explicit user retries only
		return next == DeliveryOptimistic || next == DeliveryRetrying
	case DeliveryStreaming:
		return next == DeliveryOptimistic || next == DeliveryConfirmed || next == DeliveryFailed
	}
	return false
}

// Message is one entry of a room timeline.
type Message struct {
	ID          string        `json:"id"`
	ClientMsgID string        `json:"clientMsgId,omitempty"`
	ServerID    string        `json:"serverId,omitempty"`
	RoomID      string        `json:"roomId"`
	Content     string        `json:"content"`
	Author      Author        `json:"author"`
	CreatedAt   time.Time     `json:"createdAt"`
	IsAI        bool          `json:"isAI,omitempty"`
	IsPrivate   bool          `json:"isPrivate,omitempty"`
	RequesterID string        `json:"requesterId,omitempty"`
	IsDeleted   bool          `json:"isDeleted,omitempty"`
	DeletedAt   *time.Time    `json:"deletedAt,omitempty"`
	DeletedBy   string        `json:"deletedBy,omitempty"`
	IsError     bool          `json:"isError,omitempty"`
	State       DeliveryState `json:"state,omitempty"`
}

// Provisional reports whether the message is a local copy still waiting for
// an authoritative counterpart.
func (m *Message) Provisional() bool {
	return !m.State.Confirmed()
}

// Transition moves the message to next, refusing backward moves.
func (m *Message) Transition(next DeliveryState) error {
	if !m.State.CanTransition(next) {
		return &TransitionError{ID: m.ID, From: m.State, To: next}
	}
	m.State = next
	return nil
}

// VisibleTo reports whether userID may see the message.
// Private messages are visible to the requester and to their author only.
func (m *Message) VisibleTo(userID string) bool {
	if !m.IsPrivate {
		return true
	}
	return userID == m.RequesterID || userID == m.Author.ID
}

// matchesID reports whether id names this message under any of its ids.
func (m *Message) matchesID(id string) bool {
	return id != "" && (m.ID == id || m.ClientMsgID == id || m.ServerID == id)
}

// ============================================================================
// Collaborator payloads
// ============================================================================

// HistoryKind describes what a history fetch returned.
type HistoryKind string

const (
	HistoryMissed   HistoryKind = "missed"
	HistoryCaughtUp HistoryKind = "caught_up"
	HistoryRecent   HistoryKind = "recent"
)

// HistoryResult is the payload of a missed-messages fetch.
type HistoryResult struct {
	Kind     HistoryKind `json:"kind"`
	Messages []Message   `json:"messages"`
}

// SendRequest is a message send.
type SendRequest struct {
	RoomID      string `json:"roomId" validate:"required"`
	UserID      string `json:"userId" validate:"required"`
	Content     string `json:"content" validate:"required,max=8000"`
	IsPrivate   bool   `json:"isPrivate,omitempty"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

// SendResult is the server acknowledgement of a send.
type SendResult struct {
	Success   bool      `json:"success"`
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// AIRequest asks the server to generate an AI reply.
type AIRequest struct {
	RoomID      string `json:"roomId" validate:"required"`
	UserID      string `json:"userId" validate:"required"`
	Prompt      string `json:"prompt" validate:"required"`
	IsPrivate   bool   `json:"isPrivate,omitempty"`
	DraftOnly   bool   `json:"draftOnly,omitempty"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

// StreamEventType is the type of an AI stream event.
type StreamEventType string

const (
	StreamStart    StreamEventType = "start"
	StreamContent  StreamEventType = "content"
	StreamComplete StreamEventType = "complete"
	StreamError    StreamEventType = "error"
)

// StreamEvent is one frame of an AI response stream. Content events carry
// the full text so far, not a delta.
type StreamEvent struct {
	Type        StreamEventType `json:"type"`
	MessageID   string          `json:"messageId,omitempty"`
	Author      *Author         `json:"author,omitempty"`
	FullContent string          `json:"fullContent,omitempty"`
	CreatedAt   time.Time       `json:"createdAt,omitempty"`
	Message     string          `json:"message,omitempty"`
	IsPrivate   bool            `json:"isPrivate,omitempty"`
	RequesterID string          `json:"requesterId,omitempty"`
}

// ============================================================================
// Presence
// ============================================================================

// PresenceRecord is one connection's presence announcement.
type PresenceRecord struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	Online      bool      `json:"online"`
	OnlineAt    time.Time `json:"onlineAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}
