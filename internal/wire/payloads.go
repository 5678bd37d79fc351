package wire

import (
	"time"

	"github.com/google/uuid"
)

// Client -> server payloads.

type SendMessagePayload struct {
	ChatID      uuid.UUID  `json:"chat_id"`
	Content     string     `json:"content"`
	MessageType string     `json:"message_type,omitempty"`
	MediaURL    string     `json:"media_url,omitempty"`
	ReplyToID   *uuid.UUID `json:"reply_to_id,omitempty"`
}

type ReadMessagePayload struct {
	MessageID uuid.UUID `json:"message_id"`
}

type ReadChatPayload struct {
	ChatID uuid.UUID `json:"chat_id"`
}

type TypingPayload struct {
	ChatID uuid.UUID `json:"chat_id"`
}

type SubscribeChatPayload struct {
	ChatID uuid.UUID `json:"chat_id"`
}

// Server -> client payloads.

type MessagePayload struct {
	ID          uuid.UUID  `json:"id"`
	ChatID      uuid.UUID  `json:"chat_id"`
	SenderID    uuid.UUID  `json:"sender_id"`
	SenderName  string     `json:"sender_name"`
	SenderAvatar string    `json:"sender_avatar,omitempty"`
	Content     string     `json:"content"`
	MessageType string     `json:"message_type"`
	MediaURL    string     `json:"media_url,omitempty"`
	ReplyToID   *uuid.UUID `json:"reply_to_id,omitempty"`
	IsEdited    bool       `json:"is_edited"`
	IsDeleted   bool       `json:"is_deleted"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
}

type MessageStatusPayload struct {
	MessageID uuid.UUID `json:"message_id"`
	Status    string    `json:"status"`
}

type MessageReadPayload struct {
	MessageID uuid.UUID `json:"message_id"`
	UserID    uuid.UUID `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

type TypingEventPayload struct {
	ChatID   uuid.UUID `json:"chat_id"`
	UserID   uuid.UUID `json:"user_id"`
	UserName string    `json:"user_name"`
	IsTyping bool      `json:"is_typing"`
}

type PresencePayload struct {
	UserID   uuid.UUID  `json:"user_id"`
	Username string     `json:"username"`
	IsOnline bool       `json:"is_online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error envelope codes (spec §7): input errors, then the authorization
// codes subscribe_failed/not_member and the persistence code send_failed.
const (
	CodeInvalidJSON      = "invalid_json"
	CodeInvalidPayload   = "invalid_payload"
	CodeInvalidChatID    = "invalid_chat_id"
	CodeInvalidMessageID = "invalid_message_id"
	CodeUnknownType      = "unknown_type"
	CodeSubscribeFailed  = "subscribe_failed"
	CodeNotMember        = "not_member"
	CodeSendFailed       = "send_failed"
)
