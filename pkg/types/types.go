package types

import (
	"time"
)

// Event type constants shared by the server session and the client controller.
// Inbound (client → server): join, message, typing, stop_typing.
const (
	EventJoin       = "join"
	EventMessage    = "message"
	EventTyping     = "typing"
	EventStopTyping = "stop_typing"
	EventConnected  = "connected"
	EventJoined     = "joined"
	EventHistory    = "history"
	EventUserJoined = "user_joined"
	EventUserLeft   = "user_left"
	EventError      = "error"
)

// Identity is the caller as resolved by the session collaborator.
// The numeric UserID is the only identifier used for room key computation.
type Identity struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

// RoomRequest names the room an upgrade request wants to join.
// Exactly one of ArticleID or a peer (PeerID or PeerUsername) must be set.
type RoomRequest struct {
	ArticleID    string
	PeerID       int64
	PeerUsername string
}

// IsDirect reports whether the request targets a direct conversation.
func (r RoomRequest) IsDirect() bool {
	return r.ArticleID == "" && (r.PeerID != 0 || r.PeerUsername != "")
}

// Room is the resolved identity of a room.
type Room struct {
	Key       string `json:"roomKey"`
	ArticleID string `json:"articleId,omitempty"`
	Direct    bool   `json:"isDirectChat"`
}

// ChatMessage is the persisted record for article-scoped rooms.
// FUNCTIONAL: ID is assigned by the store; zero means not persisted (direct rooms).
type ChatMessage struct {
	ID        int64     `json:"id"`
	ArticleID string    `json:"articleId"`
	UserID    int64     `json:"userId"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation summarizes an article room for the conversations list view.
type Conversation struct {
	ArticleID    string      `json:"articleId"`
	MessageCount int         `json:"messageCount"`
	LastMessage  ChatMessage `json:"lastMessage"`
}

// InboundEvent is a frame sent by a client.
type InboundEvent struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// ConnectedEvent confirms the session reached the joined state. It is also
// used as the reply to an inbound join announcement (Type "joined").
type ConnectedEvent struct {
	Type         string `json:"type"`
	RoomKey      string `json:"roomKey"`
	IsDirectChat bool   `json:"isDirectChat"`
}

// MessageEvent is the broadcast form of a chat message.
type MessageEvent struct {
	Type      string    `json:"type"`
	ID        int64     `json:"id,omitempty"`
	UserID    int64     `json:"userId"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	ArticleID string    `json:"articleId,omitempty"`
}

// HistoryEvent carries persisted messages, oldest first.
type HistoryEvent struct {
	Type     string        `json:"type"`
	Messages []ChatMessage `json:"messages"`
}

// PresenceEvent announces user_joined / user_left.
type PresenceEvent struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	UserID   int64  `json:"userId"`
}

// TypingEvent relays typing / stop_typing.
type TypingEvent struct {
	Type     string `json:"type"`
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

// ErrorEvent is sent to a single connection only.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ServerEvent is the union of every server → client frame, used for decoding
// on the client side where the type is not known in advance.
type ServerEvent struct {
	Type         string        `json:"type"`
	RoomKey      string        `json:"roomKey,omitempty"`
	IsDirectChat bool          `json:"isDirectChat,omitempty"`
	ID           int64         `json:"id,omitempty"`
	UserID       int64         `json:"userId,omitempty"`
	Username     string        `json:"username,omitempty"`
	Message      string        `json:"message,omitempty"`
	Timestamp    time.Time     `json:"timestamp,omitzero"`
	ArticleID    string        `json:"articleId,omitempty"`
	Messages     []ChatMessage `json:"messages,omitempty"`
}

// NewMessageEvent builds the broadcast frame for a message.
func NewMessageEvent(msg *ChatMessage) MessageEvent {
	return MessageEvent{
		Type:      EventMessage,
		ID:        msg.ID,
		UserID:    msg.UserID,
		Username:  msg.Username,
		Message:   msg.Message,
		Timestamp: msg.Timestamp,
		ArticleID: msg.ArticleID,
	}
}

// NewErrorEvent builds an error frame.
func NewErrorEvent(message string) ErrorEvent {
	return ErrorEvent{Type: EventError, Message: message}
}
