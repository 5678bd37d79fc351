package hub

import (
	"time"

	"github.com/google/uuid"

	"github.com/chatline/hub/internal/wire"
)

// Presence is not a separate loop; it is a policy expressed by the hub
// (spec §4.4). A user is online iff a live Session exists for their user
// id in sessionsByUser. These helpers build the envelopes the hub loop
// emits on register/deregister.

func (h *Hub) presenceEnvelope(typ string, userID uuid.UUID, username string, online bool) []byte {
	payload := wire.PresencePayload{
		UserID:   userID,
		Username: username,
		IsOnline: online,
	}
	if !online {
		now := time.Now().UTC()
		payload.LastSeen = &now
	}
	data, err := wire.Encode(typ, payload, "")
	if err != nil {
		h.logf("presence: encode failed: %v", err)
		return nil
	}
	return data
}

// IsUserOnline reports whether userID has a live session registered with
// the hub right now. Safe to call from any goroutine.
func (h *Hub) IsUserOnline(userID uuid.UUID) bool {
	reply := make(chan bool, 1)
	select {
	case h.queryOnline <- onlineQuery{userID: userID, reply: reply}:
		return <-reply
	case <-h.closed:
		return false
	}
}
