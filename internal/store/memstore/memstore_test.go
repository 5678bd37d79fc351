package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chatline/hub/internal/store"
)

func TestIsMemberExcludesLeftMembers(t *testing.T) {
	m := New()
	chatID := uuid.New()
	current, left := uuid.New(), uuid.New()
	leftAt := time.Now().UTC()

	m.PutChat(store.Chat{ID: chatID}, []store.Member{
		{ChatID: chatID, UserID: current, Role: store.RoleMember},
		{ChatID: chatID, UserID: left, Role: store.RoleMember, LeftAt: &leftAt},
	})

	ok, err := m.IsMember(context.Background(), chatID, current)
	if err != nil || !ok {
		t.Fatalf("expected current member, got ok=%v err=%v", ok, err)
	}
	ok, err = m.IsMember(context.Background(), chatID, left)
	if err != nil || ok {
		t.Fatalf("expected left member to be excluded, got ok=%v err=%v", ok, err)
	}

	members, err := m.MembersOf(context.Background(), chatID)
	if err != nil {
		t.Fatalf("MembersOf: %v", err)
	}
	if len(members) != 1 || members[0].UserID != current {
		t.Fatalf("expected only the current member, got %+v", members)
	}
}

func TestCreateMessageAndRecentMessagesOrdering(t *testing.T) {
	m := New()
	chatID := uuid.New()
	sender := uuid.New()
	m.PutUser(store.User{ID: sender, Username: "alice"})

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		msg, err := m.CreateMessage(context.Background(), chatID, sender, "hello", store.MessageText, "", nil)
		if err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
		ids = append(ids, msg.ID)
	}

	recent, err := m.RecentMessages(context.Background(), chatID, 3, 0)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(recent))
	}
	// Oldest-first within the returned (newest-3) window.
	if recent[0].ID != ids[2] || recent[2].ID != ids[4] {
		t.Fatalf("unexpected message ordering: %+v", recent)
	}
}

func TestMarkReadIsIdempotentPerUser(t *testing.T) {
	m := New()
	chatID, sender := uuid.New(), uuid.New()
	msg, _ := m.CreateMessage(context.Background(), chatID, sender, "hi", store.MessageText, "", nil)

	reader := uuid.New()
	first, err := m.MarkRead(context.Background(), msg.ID, reader)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	second, err := m.MarkRead(context.Background(), msg.ID, reader)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if first.UserID != second.UserID || first.MessageID != second.MessageID {
		t.Fatalf("expected stable read mark identity across repeat calls")
	}
}

func TestSetOnlineIsOnline(t *testing.T) {
	m := New()
	userID := uuid.New()

	online, err := m.IsOnline(context.Background(), userID)
	if err != nil || online {
		t.Fatalf("expected unknown user to be offline, got online=%v err=%v", online, err)
	}

	if err := m.SetOnline(context.Background(), userID, true); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	online, err = m.IsOnline(context.Background(), userID)
	if err != nil || !online {
		t.Fatalf("expected online=true, got online=%v err=%v", online, err)
	}
}

func TestGetUserNotFound(t *testing.T) {
	m := New()
	if _, err := m.GetUser(context.Background(), uuid.New()); err != store.ErrNotFound {
		t.Fatalf("expected store.ErrNotFound, got %v", err)
	}
}
