// Package sqlstore is the durable store.Store implementation backed by
// MySQL via sqlx. It owns users, chats, memberships, messages and read
// marks. Presence (SetOnline/IsOnline) is delegated to an optional
// OnlineCache so hot connect/disconnect churn never has to round-trip
// through MySQL.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql"

	"github.com/chatline/hub/internal/store"
)

// OnlineCache is the narrow presence cache contract sqlstore delegates to.
// rediscache.Cache satisfies this; a nil OnlineCache falls back to the
// users table's is_online column.
type OnlineCache interface {
	SetOnline(ctx context.Context, userID uuid.UUID, online bool) error
	IsOnline(ctx context.Context, userID uuid.UUID) (bool, error)
}

// SQLStore implements store.Store against a MySQL schema.
type SQLStore struct {
	db    *sqlx.DB
	cache OnlineCache
}

var _ store.Store = (*SQLStore)(nil)

// Open connects to dsn and verifies it with a ping.
func Open(ctx context.Context, dsn string, cache OnlineCache) (*SQLStore, error) {
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	db.SetMaxOpenConns(32)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}
	return &SQLStore{db: db, cache: cache}, nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) IsMember(ctx context.Context, chatID, userID uuid.UUID) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM memberships WHERE chat_id = ? AND user_id = ? AND left_at IS NULL`,
		chatID.String(), userID.String())
	if err != nil {
		return false, fmt.Errorf("sqlstore: is_member: %w", err)
	}
	return n > 0, nil
}

type memberRow struct {
	ChatID   string     `db:"chat_id"`
	UserID   string     `db:"user_id"`
	Username string     `db:"username"`
	Role     string     `db:"role"`
	JoinedAt time.Time  `db:"joined_at"`
	LeftAt   *time.Time `db:"left_at"`
}

func (r memberRow) toMember() (store.Member, error) {
	chatID, err := uuid.Parse(r.ChatID)
	if err != nil {
		return store.Member{}, err
	}
	userID, err := uuid.Parse(r.UserID)
	if err != nil {
		return store.Member{}, err
	}
	return store.Member{
		ChatID:   chatID,
		UserID:   userID,
		Username: r.Username,
		Role:     store.MemberRole(r.Role),
		JoinedAt: r.JoinedAt,
		LeftAt:   r.LeftAt,
	}, nil
}

func (s *SQLStore) MembersOf(ctx context.Context, chatID uuid.UUID) ([]store.Member, error) {
	var rows []memberRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT m.chat_id, m.user_id, u.username, m.role, m.joined_at, m.left_at
		 FROM memberships m JOIN users u ON u.id = m.user_id
		 WHERE m.chat_id = ? AND m.left_at IS NULL`,
		chatID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlstore: members_of: %w", err)
	}

	members := make([]store.Member, 0, len(rows))
	for _, r := range rows {
		mem, err := r.toMember()
		if err != nil {
			log.Printf("sqlstore: skipping malformed membership row for chat %s: %v", chatID, err)
			continue
		}
		members = append(members, mem)
	}
	return members, nil
}

type userRow struct {
	ID        string    `db:"id"`
	Username  string    `db:"username"`
	AvatarURL string    `db:"avatar_url"`
	IsOnline  bool      `db:"is_online"`
	LastSeen  time.Time `db:"last_seen"`
}

func (s *SQLStore) GetUser(ctx context.Context, id uuid.UUID) (*store.User, error) {
	var r userRow
	err := s.db.GetContext(ctx, &r,
		`SELECT id, username, avatar_url, is_online, last_seen FROM users WHERE id = ?`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("sqlstore: get_user: %w", err)
	}

	uid, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get_user: corrupt id: %w", err)
	}

	u := &store.User{ID: uid, Username: r.Username, AvatarURL: r.AvatarURL, IsOnline: r.IsOnline, LastSeen: r.LastSeen}
	if s.cache != nil {
		if online, err := s.cache.IsOnline(ctx, uid); err == nil {
			u.IsOnline = online
		}
	}
	return u, nil
}

func (s *SQLStore) CreateMessage(ctx context.Context, chatID, senderID uuid.UUID, content string, typ store.MessageType, mediaURL string, replyTo *uuid.UUID) (*store.Message, error) {
	msg := &store.Message{
		ID:        uuid.New(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		Type:      typ,
		MediaURL:  mediaURL,
		ReplyToID: replyTo,
		Status:    store.StatusSent,
		CreatedAt: time.Now().UTC(),
	}

	var replyStr interface{}
	if replyTo != nil {
		replyStr = replyTo.String()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, content, type, media_url, reply_to_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID.String(), chatID.String(), senderID.String(), content, string(typ), mediaURL, replyStr, string(store.StatusSent), msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: create_message: %w", err)
	}

	if err := s.db.GetContext(ctx, &msg.SenderName,
		`SELECT username FROM users WHERE id = ?`, senderID.String()); err != nil {
		log.Printf("sqlstore: create_message: could not resolve sender name for %s: %v", senderID, err)
	}

	return msg, nil
}

type messageRow struct {
	ID         string     `db:"id"`
	ChatID     string     `db:"chat_id"`
	SenderID   string     `db:"sender_id"`
	SenderName string     `db:"sender_name"`
	Content    string     `db:"content"`
	Type       string     `db:"type"`
	MediaURL   string     `db:"media_url"`
	ReplyToID  *string    `db:"reply_to_id"`
	IsEdited   bool       `db:"is_edited"`
	IsDeleted  bool       `db:"is_deleted"`
	Status     string     `db:"status"`
	CreatedAt  time.Time  `db:"created_at"`
}

func (r messageRow) toMessage() (store.Message, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return store.Message{}, err
	}
	chatID, err := uuid.Parse(r.ChatID)
	if err != nil {
		return store.Message{}, err
	}
	senderID, err := uuid.Parse(r.SenderID)
	if err != nil {
		return store.Message{}, err
	}
	var replyTo *uuid.UUID
	if r.ReplyToID != nil {
		id, err := uuid.Parse(*r.ReplyToID)
		if err != nil {
			return store.Message{}, err
		}
		replyTo = &id
	}
	return store.Message{
		ID:         id,
		ChatID:     chatID,
		SenderID:   senderID,
		SenderName: r.SenderName,
		Content:    r.Content,
		Type:       store.MessageType(r.Type),
		MediaURL:   r.MediaURL,
		ReplyToID:  replyTo,
		IsEdited:   r.IsEdited,
		IsDeleted:  r.IsDeleted,
		Status:     store.MessageStatus(r.Status),
		CreatedAt:  r.CreatedAt,
	}, nil
}

func (s *SQLStore) GetMessage(ctx context.Context, id uuid.UUID) (*store.Message, error) {
	var r messageRow
	err := s.db.GetContext(ctx, &r,
		`SELECT m.id, m.chat_id, m.sender_id, u.username AS sender_name, m.content, m.type,
			m.media_url, m.reply_to_id, m.is_edited, m.is_deleted, m.status, m.created_at
		 FROM messages m JOIN users u ON u.id = m.sender_id
		 WHERE m.id = ?`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("sqlstore: get_message: %w", err)
	}
	msg, err := r.toMessage()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get_message: %w", err)
	}
	return &msg, nil
}

func (s *SQLStore) RecentMessages(ctx context.Context, chatID uuid.UUID, limit, offset int) ([]store.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT m.id, m.chat_id, m.sender_id, u.username AS sender_name, m.content, m.type,
			m.media_url, m.reply_to_id, m.is_edited, m.is_deleted, m.status, m.created_at
		 FROM messages m JOIN users u ON u.id = m.sender_id
		 WHERE m.chat_id = ? AND m.is_deleted = FALSE
		 ORDER BY m.created_at DESC
		 LIMIT ? OFFSET ?`, chatID.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: recent_messages: %w", err)
	}

	// Query returns newest-first for the LIMIT/OFFSET window to work; the
	// caller (hub replay) wants oldest-first within that window.
	out := make([]store.Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		msg, err := rows[i].toMessage()
		if err != nil {
			log.Printf("sqlstore: skipping malformed message row: %v", err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *SQLStore) MarkRead(ctx context.Context, messageID, userID uuid.UUID) (*store.ReadMark, error) {
	mark := &store.ReadMark{MessageID: messageID, UserID: userID, ReadAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO read_marks (message_id, user_id, read_at) VALUES (?, ?, ?)
		 ON DUPLICATE KEY UPDATE read_at = VALUES(read_at)`,
		messageID.String(), userID.String(), mark.ReadAt)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: mark_read: %w", err)
	}
	return mark, nil
}

func (s *SQLStore) MarkChatRead(ctx context.Context, chatID, userID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE memberships SET read_at = ? WHERE chat_id = ? AND user_id = ?`,
		time.Now().UTC(), chatID.String(), userID.String())
	if err != nil {
		return fmt.Errorf("sqlstore: mark_chat_read: %w", err)
	}
	return nil
}

func (s *SQLStore) SetOnline(ctx context.Context, userID uuid.UUID, online bool) error {
	if s.cache != nil {
		if err := s.cache.SetOnline(ctx, userID, online); err != nil {
			log.Printf("sqlstore: online cache write failed for %s: %v", userID, err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_online = ?, last_seen = ? WHERE id = ?`,
		online, time.Now().UTC(), userID.String())
	if err != nil {
		return fmt.Errorf("sqlstore: set_online: %w", err)
	}
	return nil
}

func (s *SQLStore) IsOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	if s.cache != nil {
		if online, err := s.cache.IsOnline(ctx, userID); err == nil {
			return online, nil
		}
	}
	var online bool
	err := s.db.GetContext(ctx, &online, `SELECT is_online FROM users WHERE id = ?`, userID.String())
	if errors.Is(err, sql.ErrNoRows) {
		return false, store.ErrNotFound
	} else if err != nil {
		return false, fmt.Errorf("sqlstore: is_online: %w", err)
	}
	return online, nil
}

func (s *SQLStore) DeviceToken(ctx context.Context, userID uuid.UUID) (string, error) {
	var token sql.NullString
	err := s.db.GetContext(ctx, &token, `SELECT device_token FROM users WHERE id = ?`, userID.String())
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("sqlstore: device_token: %w", err)
	}
	return token.String, nil
}

func (s *SQLStore) SetDeviceToken(ctx context.Context, userID uuid.UUID, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET device_token = ? WHERE id = ?`, token, userID.String())
	if err != nil {
		return fmt.Errorf("sqlstore: set_device_token: %w", err)
	}
	return nil
}
