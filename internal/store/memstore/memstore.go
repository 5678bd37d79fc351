// Package memstore is an in-memory store.Store used by tests and local
// development. It has no persistence across restarts.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatline/hub/internal/store"
)

// Memstore is a process-memory implementation of store.Store, safe for
// concurrent use by multiple hub/session goroutines.
type Memstore struct {
	mu sync.RWMutex

	users    map[uuid.UUID]*store.User
	chats    map[uuid.UUID]*store.Chat
	members  map[uuid.UUID][]store.Member // chatID -> members
	messages map[uuid.UUID]*store.Message
	order    []uuid.UUID // message insertion order
	reads    map[uuid.UUID][]store.ReadMark
	online   map[uuid.UUID]bool
}

var _ store.Store = (*Memstore)(nil)

// New returns an empty Memstore.
func New() *Memstore {
	return &Memstore{
		users:    make(map[uuid.UUID]*store.User),
		chats:    make(map[uuid.UUID]*store.Chat),
		members:  make(map[uuid.UUID][]store.Member),
		messages: make(map[uuid.UUID]*store.Message),
		reads:    make(map[uuid.UUID][]store.ReadMark),
		online:   make(map[uuid.UUID]bool),
	}
}

// PutUser seeds a user record. Test helper, not part of store.Store.
func (m *Memstore) PutUser(u store.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := u
	m.users[u.ID] = &cp
}

// PutChat seeds a chat and its membership set. Test helper.
func (m *Memstore) PutChat(c store.Chat, members []store.Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := c
	m.chats[c.ID] = &cp
	m.members[c.ID] = append([]store.Member(nil), members...)
}

func (m *Memstore) IsMember(_ context.Context, chatID, userID uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mem := range m.members[chatID] {
		if mem.UserID == userID && mem.LeftAt == nil {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memstore) MembersOf(_ context.Context, chatID uuid.UUID) ([]store.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []store.Member
	for _, mem := range m.members[chatID] {
		if mem.LeftAt == nil {
			out = append(out, mem)
		}
	}
	return out, nil
}

func (m *Memstore) GetUser(_ context.Context, id uuid.UUID) (*store.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memstore) CreateMessage(_ context.Context, chatID, senderID uuid.UUID, content string, typ store.MessageType, mediaURL string, replyTo *uuid.UUID) (*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sender := m.users[senderID]
	senderName := ""
	if sender != nil {
		senderName = sender.Username
	}

	msg := &store.Message{
		ID:         uuid.New(),
		ChatID:     chatID,
		SenderID:   senderID,
		SenderName: senderName,
		Content:    content,
		Type:       typ,
		MediaURL:   mediaURL,
		ReplyToID:  replyTo,
		Status:     store.StatusSent,
		CreatedAt:  time.Now().UTC(),
	}
	m.messages[msg.ID] = msg
	m.order = append(m.order, msg.ID)

	cp := *msg
	return &cp, nil
}

func (m *Memstore) GetMessage(_ context.Context, id uuid.UUID) (*store.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (m *Memstore) RecentMessages(_ context.Context, chatID uuid.UUID, limit, offset int) ([]store.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []store.Message
	for _, id := range m.order {
		msg := m.messages[id]
		if msg.ChatID == chatID && !msg.IsDeleted {
			all = append(all, *msg)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	n := len(all)
	end := n - offset
	if end < 0 {
		end = 0
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return append([]store.Message(nil), all[start:end]...), nil
}

func (m *Memstore) MarkRead(_ context.Context, messageID, userID uuid.UUID) (*store.ReadMark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.messages[messageID]; !ok {
		return nil, store.ErrNotFound
	}

	mark := store.ReadMark{MessageID: messageID, UserID: userID, ReadAt: time.Now().UTC()}
	marks := m.reads[messageID]
	for i, existing := range marks {
		if existing.UserID == userID {
			marks[i] = mark
			m.reads[messageID] = marks
			return &mark, nil
		}
	}
	m.reads[messageID] = append(marks, mark)
	return &mark, nil
}

// MarkChatRead keeps no read mark: store.Member has no read-mark field, so
// the caller's membership row is left as it was and nothing is recorded.
func (m *Memstore) MarkChatRead(_ context.Context, chatID, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	members := m.members[chatID]
	for i, mem := range members {
		if mem.UserID == userID {
			members[i] = mem
			m.members[chatID] = members
			return nil
		}
	}
	return nil
}

func (m *Memstore) SetOnline(_ context.Context, userID uuid.UUID, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online[userID] = online
	if u, ok := m.users[userID]; ok {
		u.IsOnline = online
		u.LastSeen = time.Now().UTC()
	}
	return nil
}

func (m *Memstore) IsOnline(_ context.Context, userID uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online[userID], nil
}

func (m *Memstore) DeviceToken(_ context.Context, userID uuid.UUID) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return "", nil
	}
	return u.DeviceToken, nil
}

func (m *Memstore) SetDeviceToken(_ context.Context, userID uuid.UUID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.DeviceToken = token
	}
	return nil
}
