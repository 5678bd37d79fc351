// Package store defines the persistence collaborator: the narrow set of
// capabilities the hub needs from storage, and the entities it reads and
// writes. The hub treats an implementation of Store as opaque.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by single-record lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// TopicKind distinguishes a private (1:1) chat from a group chat.
type TopicKind string

const (
	KindPrivate TopicKind = "private"
	KindGroup   TopicKind = "group"
)

// MemberRole is a member's standing within a chat.
type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleMember MemberRole = "member"
)

// MessageType distinguishes payload kinds carried by a Message.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

// MessageStatus tracks a message's delivery lifecycle.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
)

// User is the identity record behind a session. Immutable for the life of
// a connection once loaded.
type User struct {
	ID          uuid.UUID
	Username    string
	AvatarURL   string
	IsOnline    bool
	LastSeen    time.Time
	DeviceToken string
}

// Chat is read-only from the hub's perspective; it never mutates chat rows.
type Chat struct {
	ID        uuid.UUID
	Kind      TopicKind
	OwnerID   uuid.UUID
	CreatedAt time.Time
}

// Member is one row of a chat's membership set.
type Member struct {
	ChatID   uuid.UUID
	UserID   uuid.UUID
	Username string
	Role     MemberRole
	JoinedAt time.Time
	LeftAt   *time.Time
}

// Message is a persisted chat message.
type Message struct {
	ID          uuid.UUID
	ChatID      uuid.UUID
	SenderID    uuid.UUID
	SenderName  string
	Content     string
	Type        MessageType
	MediaURL    string
	ReplyToID   *uuid.UUID
	IsEdited    bool
	IsDeleted   bool
	Status      MessageStatus
	CreatedAt   time.Time
}

// ReadMark records that a user has read a specific message.
type ReadMark struct {
	MessageID uuid.UUID
	UserID    uuid.UUID
	ReadAt    time.Time
}

// Store is the capability set the hub and its intent handlers rely on.
// Every call is context-cancellable; implementations must honor ctx.
type Store interface {
	// IsMember reports whether user is a current (non-left) member of chat.
	IsMember(ctx context.Context, chatID, userID uuid.UUID) (bool, error)
	// MembersOf returns every current member of a chat.
	MembersOf(ctx context.Context, chatID uuid.UUID) ([]Member, error)
	// GetUser loads a user by id. Returns ErrNotFound if absent.
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)

	// CreateMessage persists a new message and returns the stored record,
	// including server-assigned ID, status and timestamp.
	CreateMessage(ctx context.Context, chatID, senderID uuid.UUID, content string, typ MessageType, mediaURL string, replyTo *uuid.UUID) (*Message, error)
	// GetMessage loads a single message by id. Returns ErrNotFound if absent.
	GetMessage(ctx context.Context, id uuid.UUID) (*Message, error)
	// RecentMessages returns up to limit non-deleted messages for chatID,
	// oldest first within the returned window, skipping offset newest
	// messages.
	RecentMessages(ctx context.Context, chatID uuid.UUID, limit, offset int) ([]Message, error)

	// MarkRead creates or refreshes a single-message read mark.
	MarkRead(ctx context.Context, messageID, userID uuid.UUID) (*ReadMark, error)
	// MarkChatRead advances the caller's high-water read mark for chatID.
	// Does not create per-message read marks and triggers no broadcast.
	MarkChatRead(ctx context.Context, chatID, userID uuid.UUID) error

	// SetOnline records a user's online/offline transition.
	SetOnline(ctx context.Context, userID uuid.UUID, online bool) error
	// IsOnline reports the last known online state for a user.
	IsOnline(ctx context.Context, userID uuid.UUID) (bool, error)

	// DeviceToken returns the FCM registration token on file for userID, or
	// "" if none is registered.
	DeviceToken(ctx context.Context, userID uuid.UUID) (string, error)
	// SetDeviceToken replaces the FCM registration token on file for userID.
	SetDeviceToken(ctx context.Context, userID uuid.UUID, token string) error
}
