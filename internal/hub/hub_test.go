package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chatline/hub/internal/auth"
	"github.com/chatline/hub/internal/store"
	"github.com/chatline/hub/internal/store/memstore"
	"github.com/chatline/hub/internal/wire"
)

const testTimeout = 2 * time.Second

type testFixture struct {
	t      *testing.T
	srv    *httptest.Server
	hub    *Hub
	store  *memstore.Memstore
	tokens *auth.TokenAuth
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	st := memstore.New()
	tokens, err := auth.NewTokenAuth([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewTokenAuth: %v", err)
	}
	metrics := NewMetrics(prometheus.NewRegistry())
	h := New(st, nil, metrics, DefaultTuning())

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/ws", h.UpgradeHandler(tokens, st))
	srv := httptest.NewServer(mux)

	f := &testFixture{t: t, srv: srv, hub: h, store: st, tokens: tokens}
	t.Cleanup(func() {
		h.Shutdown()
		srv.Close()
	})
	return f
}

func (f *testFixture) addUser(username string) store.User {
	u := store.User{ID: uuid.New(), Username: username}
	f.store.PutUser(u)
	return u
}

func (f *testFixture) addChat(members ...store.User) store.Chat {
	chatID := uuid.New()
	mems := make([]store.Member, len(members))
	for i, m := range members {
		mems[i] = store.Member{ChatID: chatID, UserID: m.ID, Username: m.Username, Role: store.RoleMember}
	}
	c := store.Chat{ID: chatID, Kind: store.KindGroup}
	f.store.PutChat(c, mems)
	return c
}

func (f *testFixture) dial(u store.User) *websocket.Conn {
	f.t.Helper()
	token, _, err := f.tokens.Issue(u.ID, time.Hour)
	if err != nil {
		f.t.Fatalf("Issue: %v", err)
	}
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/v1/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		f.t.Fatalf("Dial: %v", err)
	}
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, typ string, payload interface{}) {
	t.Helper()
	body, err := wire.Encode(typ, payload, "")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

// nextEnvelopeOfType reads frames from conn until one of the wanted types
// arrives or the deadline elapses. A transport frame may carry several
// '\n'-separated envelopes (spec §6); each is considered in order.
func nextEnvelopeOfType(t *testing.T, conn *websocket.Conn, wanted ...string) wire.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage (waiting for %v): %v", wanted, err)
		}
		envelopes, err := wire.Decode(raw)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		for _, env := range envelopes {
			for _, w := range wanted {
				if env.Type == w {
					return env
				}
			}
		}
	}
}

func TestSubscribeAndSendMessageFansOutToOtherSubscriber(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser("alice")
	bob := f.addUser("bob")
	chat := f.addChat(alice, bob)

	// Seed one message so bob's subscribe_chat triggers a replay frame; that
	// frame is this test's signal that his subscription has landed on the
	// hub loop before alice's send_message is allowed to race it.
	if _, err := f.store.CreateMessage(context.Background(), chat.ID, alice.ID, "prior", store.MessageText, "", nil); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	aliceConn := f.dial(alice)
	defer aliceConn.Close()
	bobConn := f.dial(bob)
	defer bobConn.Close()

	// Alice observes bob's connect-time presence broadcast before anything
	// chat-related happens.
	nextEnvelopeOfType(t, aliceConn, wire.TypeUserOnline)

	sendEnvelope(t, aliceConn, wire.TypeSubscribeChat, wire.SubscribeChatPayload{ChatID: chat.ID})
	sendEnvelope(t, bobConn, wire.TypeSubscribeChat, wire.SubscribeChatPayload{ChatID: chat.ID})

	nextEnvelopeOfType(t, bobConn, wire.TypeMessage) // replay of the seeded message

	sendEnvelope(t, aliceConn, wire.TypeSendMessage, wire.SendMessagePayload{
		ChatID:  chat.ID,
		Content: "hello bob",
	})

	ack := nextEnvelopeOfType(t, aliceConn, wire.TypeMessageStatus)
	var status wire.MessageStatusPayload
	if err := json.Unmarshal(ack.Payload, &status); err != nil {
		t.Fatalf("unmarshal message_status: %v", err)
	}
	if status.Status != string(store.StatusSent) {
		t.Fatalf("expected status %q, got %q", store.StatusSent, status.Status)
	}

	msgEnv := nextEnvelopeOfType(t, bobConn, wire.TypeMessage)
	var msg wire.MessagePayload
	if err := json.Unmarshal(msgEnv.Payload, &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if msg.Content != "hello bob" || msg.ChatID != chat.ID || msg.SenderID != alice.ID {
		t.Fatalf("unexpected message payload: %+v", msg)
	}
}

func TestSendMessageRejectedForNonMember(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser("alice")
	outsider := f.addUser("outsider")
	chat := f.addChat(alice)

	conn := f.dial(outsider)
	defer conn.Close()

	sendEnvelope(t, conn, wire.TypeSendMessage, wire.SendMessagePayload{ChatID: chat.ID, Content: "hi"})

	errEnv := nextEnvelopeOfType(t, conn, wire.TypeError)
	var errPayload wire.ErrorPayload
	if err := json.Unmarshal(errEnv.Payload, &errPayload); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if errPayload.Code != wire.CodeNotMember {
		t.Fatalf("expected code %q, got %q", wire.CodeNotMember, errPayload.Code)
	}
}

func TestReplayOnSubscribeDeliversPriorMessages(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser("alice")
	bob := f.addUser("bob")
	chat := f.addChat(alice, bob)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := f.store.CreateMessage(ctx, chat.ID, alice.ID, "msg", store.MessageText, "", nil); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}

	bobConn := f.dial(bob)
	defer bobConn.Close()

	sendEnvelope(t, bobConn, wire.TypeSubscribeChat, wire.SubscribeChatPayload{ChatID: chat.ID})

	for i := 0; i < 3; i++ {
		nextEnvelopeOfType(t, bobConn, wire.TypeMessage)
	}
}

func TestTypingFanOutExcludesSender(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser("alice")
	bob := f.addUser("bob")
	chat := f.addChat(alice, bob)

	if _, err := f.store.CreateMessage(context.Background(), chat.ID, alice.ID, "prior", store.MessageText, "", nil); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	aliceConn := f.dial(alice)
	defer aliceConn.Close()
	bobConn := f.dial(bob)
	defer bobConn.Close()
	nextEnvelopeOfType(t, aliceConn, wire.TypeUserOnline)

	sendEnvelope(t, aliceConn, wire.TypeSubscribeChat, wire.SubscribeChatPayload{ChatID: chat.ID})
	sendEnvelope(t, bobConn, wire.TypeSubscribeChat, wire.SubscribeChatPayload{ChatID: chat.ID})

	nextEnvelopeOfType(t, bobConn, wire.TypeMessage) // replay of the seeded message confirms bob is subscribed

	sendEnvelope(t, aliceConn, wire.TypeTypingStart, wire.TypingPayload{ChatID: chat.ID})

	typingEnv := nextEnvelopeOfType(t, bobConn, wire.TypeTyping)
	var typing wire.TypingEventPayload
	if err := json.Unmarshal(typingEnv.Payload, &typing); err != nil {
		t.Fatalf("unmarshal typing: %v", err)
	}
	if typing.UserID != alice.ID || !typing.IsTyping {
		t.Fatalf("unexpected typing payload: %+v", typing)
	}

	// Bob's typing_start is fanned out after alice's, so if alice had been
	// sent her own event it would be the first typing envelope she reads.
	sendEnvelope(t, bobConn, wire.TypeTypingStart, wire.TypingPayload{ChatID: chat.ID})

	firstEnv := nextEnvelopeOfType(t, aliceConn, wire.TypeTyping)
	var first wire.TypingEventPayload
	if err := json.Unmarshal(firstEnv.Payload, &first); err != nil {
		t.Fatalf("unmarshal typing: %v", err)
	}
	if first.UserID != bob.ID {
		t.Fatalf("expected alice's first typing event to be bob's, got %+v", first)
	}
}

func TestDuplicateLoginEvictsPriorSession(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser("alice")

	first := f.dial(alice)
	defer first.Close()

	second := f.dial(alice)
	defer second.Close()

	first.SetReadDeadline(time.Now().Add(testTimeout))
	_, _, err := first.ReadMessage()
	if err == nil {
		t.Fatal("expected the first session's connection to be closed by the hub")
	}
}

func TestPresenceBroadcastOnConnectAndDisconnect(t *testing.T) {
	f := newFixture(t)
	alice := f.addUser("alice")
	bob := f.addUser("bob")
	f.addChat(alice, bob)

	aliceConn := f.dial(alice)
	defer aliceConn.Close()

	bobConn := f.dial(bob)

	onlineEnv := nextEnvelopeOfType(t, aliceConn, wire.TypeUserOnline)
	var presence wire.PresencePayload
	if err := json.Unmarshal(onlineEnv.Payload, &presence); err != nil {
		t.Fatalf("unmarshal presence: %v", err)
	}
	if presence.UserID != bob.ID || !presence.IsOnline {
		t.Fatalf("unexpected presence payload: %+v", presence)
	}

	bobConn.Close()

	offlineEnv := nextEnvelopeOfType(t, aliceConn, wire.TypeUserOffline)
	if err := json.Unmarshal(offlineEnv.Payload, &presence); err != nil {
		t.Fatalf("unmarshal presence: %v", err)
	}
	if presence.UserID != bob.ID || presence.IsOnline {
		t.Fatalf("unexpected presence payload: %+v", presence)
	}
}
