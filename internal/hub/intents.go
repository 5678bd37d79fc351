package hub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/chatline/hub/internal/store"
	"github.com/chatline/hub/internal/wire"
)

var (
	errNotMember     = errors.New("hub: caller is not a member of this chat")
	errHubClosed     = errors.New("hub: hub is shutting down")
	errBroadcastFull = errors.New("hub: broadcast channel full")
)

const storeCallTimeout = 5 * time.Second

// dispatchRaw decodes one transport frame (possibly several concatenated
// envelopes, spec §6) and dispatches each to its intent handler in order.
// Runs on the session's reader goroutine so that persistence I/O never
// blocks the hub loop (spec §4.2/§5).
func (h *Hub) dispatchRaw(sess *Session, raw []byte) {
	envelopes, err := wire.Decode(raw)
	if err != nil {
		h.sendError(sess, "", wire.CodeInvalidJSON, err.Error())
		return
	}
	for _, env := range envelopes {
		h.dispatch(sess, env)
	}
}

func (h *Hub) dispatch(sess *Session, env wire.Envelope) {
	h.metrics.framesDispatched.WithLabelValues(env.Type).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), storeCallTimeout)
	defer cancel()

	switch env.Type {
	case wire.TypeSendMessage:
		h.handleSendMessage(ctx, sess, env)
	case wire.TypeReadMessage:
		h.handleReadMessage(ctx, sess, env)
	case wire.TypeReadChat:
		h.handleReadChat(ctx, sess, env)
	case wire.TypeTypingStart:
		h.handleTyping(sess, env, true)
	case wire.TypeTypingStop:
		h.handleTyping(sess, env, false)
	case wire.TypeSubscribeChat:
		h.handleSubscribeChat(ctx, sess, env)
	case wire.TypeUnsubscribeChat:
		h.handleUnsubscribeChat(sess, env)
	case wire.TypePing:
		// Protocol-level pings are handled by the websocket ping/pong
		// machinery in session.go; an application-level ping is a no-op ack.
	default:
		h.sendError(sess, env.RequestID, wire.CodeUnknownType, "unknown frame type: "+env.Type)
	}
}

// handleSendMessage persists the message, acks the originator with
// message_status{sent}, broadcasts it to the chat's subscribers, and fires
// an offline push to non-live members (spec §4.2, §9 scenario: send).
func (h *Hub) handleSendMessage(ctx context.Context, sess *Session, env wire.Envelope) {
	var payload wire.SendMessagePayload
	if err := unmarshalPayload(env.Payload, &payload); err != nil {
		h.sendError(sess, env.RequestID, wire.CodeInvalidPayload, err.Error())
		return
	}
	if payload.ChatID == uuid.Nil {
		h.sendError(sess, env.RequestID, wire.CodeInvalidChatID, "chat_id is required")
		return
	}
	if payload.Content == "" {
		h.sendError(sess, env.RequestID, wire.CodeInvalidPayload, "content must not be empty")
		return
	}

	isMember, err := h.store.IsMember(ctx, payload.ChatID, sess.UserID)
	if err != nil || !isMember {
		h.sendError(sess, env.RequestID, wire.CodeNotMember, "not a member of this chat")
		return
	}

	typ := store.MessageText
	if payload.MessageType != "" {
		typ = store.MessageType(payload.MessageType)
	}

	msg, err := h.store.CreateMessage(ctx, payload.ChatID, sess.UserID, payload.Content, typ, payload.MediaURL, payload.ReplyToID)
	if err != nil {
		h.sendError(sess, env.RequestID, wire.CodeSendFailed, "failed to persist message")
		return
	}

	if ack, err := wire.Encode(wire.TypeMessageStatus, wire.MessageStatusPayload{
		MessageID: msg.ID,
		Status:    string(store.StatusSent),
	}, env.RequestID); err == nil {
		sess.send(ack)
	}

	if body := messageEnvelope(msg); body != nil {
		if err := h.BroadcastToChat(payload.ChatID, body, sess.UserID, true, true); err != nil {
			h.logf("broadcast message %s to chat %s failed: %v", msg.ID, payload.ChatID, err)
		}
	}

	h.notifyOfflineMembers(payload.ChatID, sess, msg)
}

// notifyOfflineMembers best-effort-pushes to every current member who does
// not have a live session, per the supplemented offline-push feature. Never
// blocks or delays the live broadcast above.
func (h *Hub) notifyOfflineMembers(chatID uuid.UUID, sender *Session, msg *store.Message) {
	if h.pusher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeCallTimeout)
		defer cancel()
		members, err := h.store.MembersOf(ctx, chatID)
		if err != nil {
			h.logf("notifyOfflineMembers: MembersOf(%s) failed: %v", chatID, err)
			return
		}
		for _, m := range members {
			if m.UserID == sender.UserID {
				continue
			}
			if h.IsUserOnline(m.UserID) {
				continue
			}
			h.pusher.Notify(ctx, m.UserID, chatID, sender.Username, msg.Content)
		}
	}()
}

// handleReadMessage creates a per-message read mark and broadcasts
// message_read to the chat (spec §4.2, open question resolution: per
// SPEC_FULL.md §D.2).
func (h *Hub) handleReadMessage(ctx context.Context, sess *Session, env wire.Envelope) {
	var payload wire.ReadMessagePayload
	if err := unmarshalPayload(env.Payload, &payload); err != nil {
		h.sendError(sess, env.RequestID, wire.CodeInvalidPayload, err.Error())
		return
	}
	if payload.MessageID == uuid.Nil {
		h.sendError(sess, env.RequestID, wire.CodeInvalidMessageID, "message_id is required")
		return
	}

	msg, err := h.store.GetMessage(ctx, payload.MessageID)
	if err != nil {
		h.sendError(sess, env.RequestID, wire.CodeInvalidMessageID, "unknown message")
		return
	}

	mark, err := h.store.MarkRead(ctx, payload.MessageID, sess.UserID)
	if err != nil {
		h.sendError(sess, env.RequestID, wire.CodeSendFailed, "failed to record read mark")
		return
	}

	body, err := wire.Encode(wire.TypeMessageRead, wire.MessageReadPayload{
		MessageID: mark.MessageID,
		UserID:    mark.UserID,
		ReadAt:    mark.ReadAt,
	}, "")
	if err != nil {
		h.logf("encode message_read failed: %v", err)
		return
	}
	if err := h.BroadcastToChat(msg.ChatID, body, sess.UserID, true, true); err != nil {
		h.logf("broadcast message_read failed: %v", err)
	}
}

// handleReadChat advances the caller's high-water read mark with no
// broadcast (spec §D.2).
func (h *Hub) handleReadChat(ctx context.Context, sess *Session, env wire.Envelope) {
	var payload wire.ReadChatPayload
	if err := unmarshalPayload(env.Payload, &payload); err != nil {
		h.sendError(sess, env.RequestID, wire.CodeInvalidPayload, err.Error())
		return
	}
	if payload.ChatID == uuid.Nil {
		h.sendError(sess, env.RequestID, wire.CodeInvalidChatID, "chat_id is required")
		return
	}
	if err := h.store.MarkChatRead(ctx, payload.ChatID, sess.UserID); err != nil {
		h.sendError(sess, env.RequestID, wire.CodeSendFailed, "failed to mark chat read")
	}
}

// handleTyping toggles the session's local typing state and fans out a
// typing event. Non-essential: dropped under backpressure rather than
// blocking (spec §5).
func (h *Hub) handleTyping(sess *Session, env wire.Envelope, typing bool) {
	var payload wire.TypingPayload
	if err := unmarshalPayload(env.Payload, &payload); err != nil {
		h.sendError(sess, env.RequestID, wire.CodeInvalidPayload, err.Error())
		return
	}
	if payload.ChatID == uuid.Nil {
		h.sendError(sess, env.RequestID, wire.CodeInvalidChatID, "chat_id is required")
		return
	}

	chatID := payload.ChatID
	sess.setTyping(chatID, typing, func() {
		h.emitTyping(chatID, sess, false)
	})
	h.emitTyping(chatID, sess, typing)
}

func (h *Hub) emitTyping(chatID uuid.UUID, sess *Session, typing bool) {
	body, err := wire.Encode(wire.TypeTyping, wire.TypingEventPayload{
		ChatID:   chatID,
		UserID:   sess.UserID,
		UserName: sess.Username,
		IsTyping: typing,
	}, "")
	if err != nil {
		h.logf("encode typing failed: %v", err)
		return
	}
	_ = h.BroadcastToChat(chatID, body, sess.UserID, false, false)
}

func (h *Hub) handleSubscribeChat(ctx context.Context, sess *Session, env wire.Envelope) {
	var payload wire.SubscribeChatPayload
	if err := unmarshalPayload(env.Payload, &payload); err != nil {
		h.sendError(sess, env.RequestID, wire.CodeInvalidPayload, err.Error())
		return
	}
	if payload.ChatID == uuid.Nil {
		h.sendError(sess, env.RequestID, wire.CodeInvalidChatID, "chat_id is required")
		return
	}
	if err := h.Subscribe(ctx, sess, payload.ChatID); err != nil {
		if errors.Is(err, errNotMember) {
			h.sendError(sess, env.RequestID, wire.CodeNotMember, "not a member of this chat")
			return
		}
		h.sendError(sess, env.RequestID, wire.CodeSubscribeFailed, "failed to subscribe")
	}
}

func (h *Hub) handleUnsubscribeChat(sess *Session, env wire.Envelope) {
	var payload wire.SubscribeChatPayload
	if err := unmarshalPayload(env.Payload, &payload); err != nil {
		h.sendError(sess, env.RequestID, wire.CodeInvalidPayload, err.Error())
		return
	}
	if payload.ChatID == uuid.Nil {
		h.sendError(sess, env.RequestID, wire.CodeInvalidChatID, "chat_id is required")
		return
	}
	h.Unsubscribe(sess, payload.ChatID)
}

func (h *Hub) sendError(sess *Session, requestID, code, message string) {
	body, err := wire.Encode(wire.TypeError, wire.ErrorPayload{Code: code, Message: message}, requestID)
	if err != nil {
		h.logf("encode error envelope failed: %v", err)
		return
	}
	sess.send(body)
}

func unmarshalPayload(raw []byte, v interface{}) error {
	return json.Unmarshal(raw, v)
}

// messageEnvelope builds the wire representation of a persisted message.
func messageEnvelope(m *store.Message) []byte {
	var replyTo *uuid.UUID
	if m.ReplyToID != nil {
		replyTo = m.ReplyToID
	}
	body, err := wire.Encode(wire.TypeMessage, wire.MessagePayload{
		ID:          m.ID,
		ChatID:      m.ChatID,
		SenderID:    m.SenderID,
		SenderName:  m.SenderName,
		Content:     m.Content,
		MessageType: string(m.Type),
		MediaURL:    m.MediaURL,
		ReplyToID:   replyTo,
		IsEdited:    m.IsEdited,
		IsDeleted:   m.IsDeleted,
		Status:      string(m.Status),
		CreatedAt:   m.CreatedAt,
	}, "")
	if err != nil {
		return nil
	}
	return body
}
