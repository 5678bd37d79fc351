// Package hub implements the connection hub: the process-wide coordinator
// that owns all sessions and routes client- and server-originated events
// between them (spec §4.2). It is grounded on the teacher's hub.go
// (single long-running event loop fed by channels) generalized from
// per-topic actors to the flatter sessions/subscribers model this spec
// describes, and on the pack's gorilla/websocket hub implementations
// (e.g. dvrd-chattorumu's register/unregister/broadcast channel loop).
package hub

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/chatline/hub/internal/store"
	"github.com/chatline/hub/internal/wire"
)

const (
	replayWindow       = 50
	globalBroadcastCap = 256
	chatBroadcastCap   = 256
)

// Pusher delivers a best-effort offline push notification. Implemented by
// internal/push for FCM; nil in configurations without push configured.
type Pusher interface {
	Notify(ctx context.Context, userID, chatID uuid.UUID, senderName, preview string)
}

type registerReq struct {
	sess *Session
	done chan struct{}
}

type deregisterReq struct {
	sess *Session
	done chan struct{}
}

type subscribeReq struct {
	sess   *Session
	chatID uuid.UUID
	done   chan struct{}
}

type unsubscribeReq struct {
	sess   *Session
	chatID uuid.UUID
	done   chan struct{}
}

type broadcastReq struct {
	envelope    []byte
	excludeUser uuid.UUID
	skipExclude bool
	essential   bool
}

type chatBroadcastReq struct {
	chatID      uuid.UUID
	envelope    []byte
	excludeUser uuid.UUID
	skipExclude bool
	essential   bool
}

type onlineQuery struct {
	userID uuid.UUID
	reply  chan bool
}

// Hub is the process-wide coordinator described in spec §4.2. All
// mutations to sessionsByUser and subscribersByChat happen on the single
// goroutine running Hub.run.
type Hub struct {
	store   store.Store
	pusher  Pusher
	metrics *Metrics
	tuning  Tuning

	sessionsByUser    map[uuid.UUID]*Session
	subscribersByChat map[uuid.UUID]map[uuid.UUID]*Session // chatID -> sessionID -> Session

	register        chan registerReq
	deregister      chan deregisterReq
	subscribeCh     chan subscribeReq
	unsubscribeCh   chan unsubscribeReq
	broadcastCh     chan broadcastReq
	chatBroadcastCh chan chatBroadcastReq
	queryOnline     chan onlineQuery
	shutdownCh      chan chan struct{}

	closed chan struct{}
}

// New constructs a Hub and starts its event loop goroutine. tuning carries
// the websocket connection parameters (internal/config.Config.WebSocket);
// callers without a loaded Config can pass DefaultTuning().
func New(st store.Store, pusher Pusher, metrics *Metrics, tuning Tuning) *Hub {
	h := &Hub{
		store:             st,
		pusher:            pusher,
		metrics:           metrics,
		tuning:            tuning,
		sessionsByUser:    make(map[uuid.UUID]*Session),
		subscribersByChat: make(map[uuid.UUID]map[uuid.UUID]*Session),
		register:          make(chan registerReq),
		deregister:        make(chan deregisterReq),
		subscribeCh:       make(chan subscribeReq),
		unsubscribeCh:     make(chan unsubscribeReq),
		broadcastCh:       make(chan broadcastReq, globalBroadcastCap),
		chatBroadcastCh:   make(chan chatBroadcastReq, chatBroadcastCap),
		queryOnline:       make(chan onlineQuery),
		shutdownCh:        make(chan chan struct{}),
		closed:            make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) logf(format string, args ...interface{}) {
	log.Printf("hub: "+format, args...)
}

// run is the single hub loop. It is the only goroutine that ever reads or
// writes sessionsByUser / subscribersByChat, satisfying spec §5's shared
// state discipline.
func (h *Hub) run() {
	for {
		select {
		case req := <-h.register:
			h.doRegister(req.sess)
			close(req.done)

		case req := <-h.deregister:
			h.doDeregister(req.sess)
			close(req.done)

		case req := <-h.subscribeCh:
			h.doSubscribe(req.sess, req.chatID)
			close(req.done)

		case req := <-h.unsubscribeCh:
			h.doUnsubscribe(req.sess, req.chatID)
			close(req.done)

		case req := <-h.broadcastCh:
			h.doBroadcast(req)

		case req := <-h.chatBroadcastCh:
			h.doBroadcastToChat(req)

		case q := <-h.queryOnline:
			_, ok := h.sessionsByUser[q.userID]
			q.reply <- ok

		case done := <-h.shutdownCh:
			h.doShutdown()
			close(done)
			close(h.closed)
			return
		}
	}
}

// doRegister installs session, evicting any prior session for the same
// user (spec §3 invariant: at most one Session per user id).
func (h *Hub) doRegister(sess *Session) {
	if prior, ok := h.sessionsByUser[sess.UserID]; ok {
		h.logf("evicting prior session %s for user %s (duplicate login)", prior.ID, sess.UserID)
		h.evictLocked(prior, "duplicate_login")
	}

	h.sessionsByUser[sess.UserID] = sess
	sess.setState(stateActive)
	h.metrics.liveSessions.Set(float64(len(h.sessionsByUser)))

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.store.SetOnline(ctx, sess.UserID, true); err != nil {
			h.logf("set_online(%s, true) failed: %v", sess.UserID, err)
		}
	}()

	if env := h.presenceEnvelope(wire.TypeUserOnline, sess.UserID, sess.Username, true); env != nil {
		h.fanOutGlobal(env, sess.UserID, false)
	}
}

// doDeregister removes session iff it is still the one on file for its
// user (a stale deregister from an already-evicted session must not
// disturb its successor).
func (h *Hub) doDeregister(sess *Session) {
	current, ok := h.sessionsByUser[sess.UserID]
	if !ok || current != sess {
		return
	}

	delete(h.sessionsByUser, sess.UserID)
	sess.closeClientDisconnect()
	for _, chatID := range sess.subscribedChats() {
		h.removeSubscriberLocked(chatID, sess)
	}
	h.metrics.liveSessions.Set(float64(len(h.sessionsByUser)))

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.store.SetOnline(ctx, sess.UserID, false); err != nil {
			h.logf("set_online(%s, false) failed: %v", sess.UserID, err)
		}
	}()

	if env := h.presenceEnvelope(wire.TypeUserOffline, sess.UserID, sess.Username, false); env != nil {
		h.fanOutGlobal(env, sess.UserID, false)
	}
}

// doSubscribe performs the map bookkeeping half of subscription.
// Authorization (persistence.is_member) already happened on the caller's
// goroutine before this request was sent; see Hub.Subscribe.
func (h *Hub) doSubscribe(sess *Session, chatID uuid.UUID) {
	set, ok := h.subscribersByChat[chatID]
	if !ok {
		set = make(map[uuid.UUID]*Session)
		h.subscribersByChat[chatID] = set
		h.metrics.liveChats.Set(float64(len(h.subscribersByChat)))
	}
	set[sess.ID] = sess
	sess.subscribe(chatID)
}

func (h *Hub) doUnsubscribe(sess *Session, chatID uuid.UUID) {
	h.removeSubscriberLocked(chatID, sess)
	sess.unsubscribe(chatID)
}

// removeSubscriberLocked removes sess from subscribersByChat[chatID],
// deleting the key once the set is empty (spec §3 invariant).
func (h *Hub) removeSubscriberLocked(chatID uuid.UUID, sess *Session) {
	set, ok := h.subscribersByChat[chatID]
	if !ok {
		return
	}
	delete(set, sess.ID)
	if len(set) == 0 {
		delete(h.subscribersByChat, chatID)
		h.metrics.liveChats.Set(float64(len(h.subscribersByChat)))
	}
}

// evictLocked forcibly deregisters sess: closes its outbound queue (which
// terminates its writer deterministically) and removes it from both maps.
// Must only be called from the hub loop.
func (h *Hub) evictLocked(sess *Session, reason string) {
	if current, ok := h.sessionsByUser[sess.UserID]; ok && current == sess {
		delete(h.sessionsByUser, sess.UserID)
	}
	for _, chatID := range sess.subscribedChats() {
		h.removeSubscriberLocked(chatID, sess)
	}
	sess.closeEvicted()
	h.metrics.evictions.WithLabelValues(reason).Inc()
}

// fanOutGlobal enqueues env to every registered session, optionally
// excluding one user. Overflowing sessions are evicted (spec §4.2 fan-out
// enqueue policy).
func (h *Hub) fanOutGlobal(env []byte, excludeUser uuid.UUID, skipExclude bool) {
	for uid, sess := range h.sessionsByUser {
		if !skipExclude && uid == excludeUser {
			continue
		}
		if !sess.send(env) {
			h.logf("evicting session %s for user %s: outbound queue full", sess.ID, uid)
			h.evictLocked(sess, "queue_overflow")
		}
	}
}

// fanOutChat enqueues env to every subscriber of chatID, optionally
// excluding one user.
func (h *Hub) fanOutChat(chatID uuid.UUID, env []byte, excludeUser uuid.UUID, skipExclude bool) {
	set, ok := h.subscribersByChat[chatID]
	if !ok {
		return
	}
	for _, sess := range set {
		if !skipExclude && sess.UserID == excludeUser {
			continue
		}
		if !sess.send(env) {
			h.logf("evicting session %s for user %s: outbound queue full", sess.ID, sess.UserID)
			h.evictLocked(sess, "queue_overflow")
		}
	}
}

func (h *Hub) doBroadcast(req broadcastReq) {
	h.fanOutGlobal(req.envelope, req.excludeUser, req.skipExclude)
}

func (h *Hub) doBroadcastToChat(req chatBroadcastReq) {
	h.fanOutChat(req.chatID, req.envelope, req.excludeUser, req.skipExclude)
}

// doShutdown closes every session's outbound queue. Writers drain what
// they can within write_wait, then close, per spec §5.
func (h *Hub) doShutdown() {
	for _, sess := range h.sessionsByUser {
		sess.closeServerShutdown()
	}
	h.sessionsByUser = make(map[uuid.UUID]*Session)
	h.subscribersByChat = make(map[uuid.UUID]map[uuid.UUID]*Session)
}

// Register installs sess with the hub, blocking until the hub loop has
// processed it (including any duplicate-login eviction).
func (h *Hub) Register(sess *Session) {
	done := make(chan struct{})
	h.register <- registerReq{sess: sess, done: done}
	<-done
}

// Deregister removes sess from the hub, blocking until processed.
func (h *Hub) Deregister(sess *Session) {
	done := make(chan struct{})
	select {
	case h.deregister <- deregisterReq{sess: sess, done: done}:
		<-done
	case <-h.closed:
	}
}

// Subscribe authorizes and registers sess as a subscriber of chatID, then
// replays the most recent messages to sess only (spec §4.2). Runs on the
// caller's goroutine (the reader task) for the I/O-bound authorization
// and replay steps; only the map mutation is handed to the hub loop.
func (h *Hub) Subscribe(ctx context.Context, sess *Session, chatID uuid.UUID) error {
	ok, err := h.store.IsMember(ctx, chatID, sess.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return errNotMember
	}

	if sess.isSubscribed(chatID) {
		return nil // idempotent: already subscribed
	}

	done := make(chan struct{})
	select {
	case h.subscribeCh <- subscribeReq{sess: sess, chatID: chatID, done: done}:
		<-done
	case <-h.closed:
		return errHubClosed
	}

	msgs, err := h.store.RecentMessages(ctx, chatID, replayWindow, 0)
	if err != nil {
		h.logf("replay fetch failed for chat %s: %v", chatID, err)
		return nil
	}
	for _, m := range msgs {
		env := messageEnvelope(&m)
		if env != nil {
			sess.send(env)
		}
	}
	return nil
}

// Unsubscribe removes sess as a subscriber of chatID. Idempotent.
func (h *Hub) Unsubscribe(sess *Session, chatID uuid.UUID) {
	if !sess.isSubscribed(chatID) {
		return
	}
	done := make(chan struct{})
	select {
	case h.unsubscribeCh <- unsubscribeReq{sess: sess, chatID: chatID, done: done}:
		<-done
	case <-h.closed:
	}
}

// Broadcast fans an envelope out to every session. essential controls
// backpressure policy: essential sends block (briefly) for channel room;
// non-essential sends drop immediately when the channel buffer is full
// (spec §5 resource bounds).
func (h *Hub) Broadcast(envelope []byte, excludeUser uuid.UUID, skipExclude, essential bool) error {
	req := broadcastReq{envelope: envelope, excludeUser: excludeUser, skipExclude: skipExclude, essential: essential}
	return h.enqueueBroadcast(h.broadcastCh, req, essential, "global")
}

// BroadcastToChat fans an envelope out to chatID's subscribers.
func (h *Hub) BroadcastToChat(chatID uuid.UUID, envelope []byte, excludeUser uuid.UUID, skipExclude, essential bool) error {
	req := chatBroadcastReq{chatID: chatID, envelope: envelope, excludeUser: excludeUser, skipExclude: skipExclude, essential: essential}
	return h.enqueueChatBroadcast(req, essential)
}

func (h *Hub) enqueueBroadcast(ch chan broadcastReq, req broadcastReq, essential bool, kind string) error {
	if essential {
		select {
		case ch <- req:
			return nil
		case <-time.After(h.tuning.WriteWait):
			return errBroadcastFull
		case <-h.closed:
			return errHubClosed
		}
	}
	select {
	case ch <- req:
		return nil
	default:
		h.metrics.broadcastDropped.WithLabelValues(kind).Inc()
		return errBroadcastFull
	}
}

func (h *Hub) enqueueChatBroadcast(req chatBroadcastReq, essential bool) error {
	if essential {
		select {
		case h.chatBroadcastCh <- req:
			return nil
		case <-time.After(h.tuning.WriteWait):
			return errBroadcastFull
		case <-h.closed:
			return errHubClosed
		}
	}
	select {
	case h.chatBroadcastCh <- req:
		return nil
	default:
		h.metrics.broadcastDropped.WithLabelValues("typing").Inc()
		return errBroadcastFull
	}
}

// Shutdown closes every session and stops the hub loop, blocking until
// done (spec §5 hub shutdown).
func (h *Hub) Shutdown() {
	done := make(chan struct{})
	select {
	case h.shutdownCh <- done:
		<-done
	case <-h.closed:
	}
}
