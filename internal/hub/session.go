package hub

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// sessionState is the lifecycle spec §4.1 documents: a Session begins
// CONNECTING, moves to ACTIVE once Hub.Register has installed it, and
// moves through CLOSING to CLOSED as closeOut/writePump tear it down.
type sessionState int32

const (
	stateConnecting sessionState = iota
	stateActive
	stateClosing
	stateClosed
)

// Session is one live client connection and its server-side state.
type Session struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	Username string

	hub *Hub
	ws  *websocket.Conn

	out chan []byte

	mu          sync.Mutex
	subscribed  map[uuid.UUID]struct{}
	typing      map[uuid.UUID]*time.Timer
	lastSeen    time.Time
	state       sessionState
	closeCode   int
	closeReason string

	closeOnce sync.Once
}

func newSession(h *Hub, ws *websocket.Conn, userID uuid.UUID, username string) *Session {
	return &Session{
		ID:         uuid.New(),
		UserID:     userID,
		Username:   username,
		hub:        h,
		ws:         ws,
		out:        make(chan []byte, h.tuning.OutQueueCap),
		subscribed: make(map[uuid.UUID]struct{}),
		typing:     make(map[uuid.UUID]*time.Timer),
		lastSeen:   time.Now().UTC(),
		state:      stateConnecting,
	}
}

// setState advances the session's lifecycle state (spec §4.1).
func (s *Session) setState(st sessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// send attempts a non-blocking enqueue onto out. A full queue is fatal for
// the session per spec §3/§4.1: the caller must evict it. Once the session
// has entered CLOSING/CLOSED, out is closed or about to be, so send bails
// out under the same lock that guards closeOut instead of racing a send
// against a close of the channel.
func (s *Session) send(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state >= stateClosing {
		return false
	}
	select {
	case s.out <- data:
		return true
	default:
		return false
	}
}

// subscribe records chatID in the session's local subscription set. Only
// called from the hub loop (Hub.doSubscribe, reached via Hub.Subscribe).
func (s *Session) subscribe(chatID uuid.UUID) {
	s.mu.Lock()
	s.subscribed[chatID] = struct{}{}
	s.mu.Unlock()
}

// unsubscribe removes chatID from the session's local subscription set.
func (s *Session) unsubscribe(chatID uuid.UUID) {
	s.mu.Lock()
	delete(s.subscribed, chatID)
	if t, ok := s.typing[chatID]; ok {
		t.Stop()
		delete(s.typing, chatID)
	}
	s.mu.Unlock()
}

// isSubscribed reports whether chatID is in the session's local set.
func (s *Session) isSubscribed(chatID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscribed[chatID]
	return ok
}

// subscribedChats snapshots the session's current subscription set.
func (s *Session) subscribedChats() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uuid.UUID, 0, len(s.subscribed))
	for c := range s.subscribed {
		out = append(out, c)
	}
	return out
}

// setTyping toggles the per-chat typing flag and arms an auto-expiry timer
// per spec §9 ("auto-emit typing_stop ... after 3s of no typing frames").
// It also updates lastSeen, whether typing starts or stops.
func (s *Session) setTyping(chatID uuid.UUID, typing bool, onExpire func()) {
	s.mu.Lock()
	s.lastSeen = time.Now().UTC()
	if existing, ok := s.typing[chatID]; ok {
		existing.Stop()
		delete(s.typing, chatID)
	}
	if typing {
		s.typing[chatID] = time.AfterFunc(s.hub.tuning.TypingTimeout, onExpire)
	}
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now().UTC()
	s.mu.Unlock()
}

// closeOut records the close frame writePump should send, moves the
// session into CLOSING, and closes the outbound queue exactly once, which
// is what causes the writer pump to exit and close the transport.
// Idempotent per §3. code 0 produces a reason-less close frame.
func (s *Session) closeOut(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeCode = code
		s.closeReason = reason
		s.state = stateClosing
		close(s.out)
		s.mu.Unlock()
	})
}

// closeFrame returns the close code/reason closeOut recorded.
func (s *Session) closeFrame() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeReason
}

// closeClientDisconnect tears the session down at the client's own
// initiative: a clean EOF/error on the reader task (spec §6: 1000/"Client
// disconnect").
func (s *Session) closeClientDisconnect() {
	s.closeOut(websocket.CloseNormalClosure, "Client disconnect")
}

// closeServerShutdown tears the session down because the process is
// shutting down (spec §6: 1000/"Server shutdown").
func (s *Session) closeServerShutdown() {
	s.closeOut(websocket.CloseNormalClosure, "Server shutdown")
}

// closeEvicted tears the session down because the hub forcibly displaced
// it (duplicate login or outbound queue overflow). Spec §6 calls for a
// reason-less close frame here, distinguishing eviction on the wire from
// both graceful paths above.
func (s *Session) closeEvicted() {
	s.closeOut(0, "")
}

// readPump is the reader task: blocks on transport reads, dispatches
// decoded frames to the hub, and on exit deregisters the session. Modeled
// on server/session.go's dispatch loop and the pong/deadline handling in
// the pack's gorilla/websocket client read pumps.
func (s *Session) readPump() {
	defer func() {
		s.hub.Deregister(s)
		s.ws.Close()
	}()

	s.ws.SetReadLimit(s.hub.tuning.MaxFrameBytes)
	s.ws.SetReadDeadline(time.Now().Add(s.hub.tuning.PongWait))
	s.ws.SetPongHandler(func(string) error {
		s.touch()
		s.ws.SetReadDeadline(time.Now().Add(s.hub.tuning.PongWait))
		return nil
	})

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		s.touch()
		s.ws.SetReadDeadline(time.Now().Add(s.hub.tuning.PongWait))

		s.hub.dispatchRaw(s, raw)
	}
}

// writePump is the writer task: flushes out and emits protocol pings.
// Coalesces any further already-queued envelopes into the same transport
// frame, separated by '\n', per spec §4.1. On exit it sends the close
// frame closeOut recorded, so the three paths that call closeOut (client
// disconnect, server shutdown, eviction) are distinguishable on the wire.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.hub.tuning.PingPeriod)
	defer func() {
		ticker.Stop()
		s.ws.Close()
	}()

	for {
		select {
		case data, ok := <-s.out:
			if !ok {
				code, reason := s.closeFrame()
				s.ws.SetWriteDeadline(time.Now().Add(s.hub.tuning.WriteWait))
				if code != 0 {
					s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
				} else {
					s.ws.WriteMessage(websocket.CloseMessage, []byte{})
				}
				s.setState(stateClosed)
				return
			}

			s.ws.SetWriteDeadline(time.Now().Add(s.hub.tuning.WriteWait))
			w, err := s.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(data)

			n := len(s.out)
			for i := 0; i < n; i++ {
				w.Write([]byte("\n"))
				w.Write(<-s.out)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			s.ws.SetWriteDeadline(time.Now().Add(s.hub.tuning.WriteWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) logf(format string, args ...interface{}) {
	log.Printf("session[%s]: "+format, append([]interface{}{s.ID}, args...)...)
}
