package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/chatline/hub/internal/auth"
	"github.com/chatline/hub/internal/store"
	"github.com/chatline/hub/internal/wire"
)

// tokenIdentity composes a bare token validator with a user lookup to
// produce full auth.Identity values, since TokenAuth only carries a user
// id in the signed payload.
type tokenIdentity struct {
	tokens *auth.TokenAuth
	users  store.Store
}

func newTokenIdentity(tokens *auth.TokenAuth, users store.Store) auth.Authenticator {
	return &tokenIdentity{tokens: tokens, users: users}
}

func (t *tokenIdentity) Authenticate(ctx context.Context, token string) (auth.Identity, error) {
	uid, err := t.tokens.Validate(token)
	if err != nil {
		return auth.Identity{}, err
	}
	u, err := t.users.GetUser(ctx, uid)
	if err != nil {
		return auth.Identity{}, err
	}
	return auth.Identity{UserID: u.ID, Username: u.Username}, nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin checking is left to a reverse proxy in front of the hub, the
	// teacher's own deployment shape (server/session.go serves behind nginx).
	CheckOrigin: func(r *http.Request) bool { return true },
}

// UpgradeHandler returns an http.HandlerFunc that validates the bearer
// token query parameter, loads the caller's identity, and upgrades the
// connection to a websocket session registered with h (spec §4.1 "A
// Session begins life at a successful protocol upgrade").
func (h *Hub) UpgradeHandler(tokens *auth.TokenAuth, users store.Store) http.HandlerFunc {
	authenticator := newTokenIdentity(tokens, users)

	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			writeAuthError(w, http.StatusUnauthorized, "missing token")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), storeCallTimeout)
		identity, err := authenticator.Authenticate(ctx, token)
		cancel()
		if err != nil {
			status := http.StatusUnauthorized
			msg := "invalid token"
			switch {
			case errors.Is(err, auth.ErrExpired):
				msg = "token expired"
			case errors.Is(err, store.ErrNotFound):
				msg = "unknown user"
			}
			writeAuthError(w, status, msg)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logf("upgrade failed for user %s: %v", identity.UserID, err)
			return
		}

		sess := newSession(h, ws, identity.UserID, identity.Username)
		h.Register(sess)

		go sess.writePump()
		sess.readPump()
	}
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(wire.ErrorPayload{Code: "unauthorized", Message: message})
}
