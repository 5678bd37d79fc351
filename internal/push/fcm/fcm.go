// Package fcm sends offline push notifications through Firebase Cloud
// Messaging. It is grounded on the teacher's server/push/fcm/payload.go
// (device-token fan-out, data-only payload with a title/body pair per
// platform) simplified to this spec's single-chat-message notification
// shape and its single Store-backed identity model instead of the
// teacher's multi-device registry.
package fcm

import (
	"context"
	"log"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	"google.golang.org/api/option"

	"github.com/google/uuid"
)

const maxPreviewRunes = 80

// TokenSource resolves a user's registered device token. Returns "" if the
// user has no token on file (push is then skipped for that user).
type TokenSource interface {
	DeviceToken(ctx context.Context, userID uuid.UUID) (string, error)
}

// Client wraps a Firebase messaging client and is the concrete Pusher the
// hub uses for its offline-notification hook.
type Client struct {
	tokens TokenSource
	msg    *messaging.Client
}

// New builds a Client from a Firebase service account credentials file.
func New(ctx context.Context, credentialsPath string, tokens TokenSource) (*Client, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsPath))
	if err != nil {
		return nil, err
	}
	msgClient, err := app.Messaging(ctx)
	if err != nil {
		return nil, err
	}
	return &Client{tokens: tokens, msg: msgClient}, nil
}

// Notify sends a best-effort data+notification push to userID's registered
// device for a new message in chatID. Errors are logged, never returned:
// push delivery must never affect the live broadcast path (spec's
// supplemented offline-push feature).
func (c *Client) Notify(ctx context.Context, userID, chatID uuid.UUID, senderName, preview string) {
	token, err := c.tokens.DeviceToken(ctx, userID)
	if err != nil {
		log.Printf("fcm: device token lookup failed for %s: %v", userID, err)
		return
	}
	if token == "" {
		return
	}

	body := truncate(preview, maxPreviewRunes)

	msg := &messaging.Message{
		Token: token,
		Data: map[string]string{
			"chat_id": chatID.String(),
			"from":    senderName,
		},
		Notification: &messaging.Notification{
			Title: senderName,
			Body:  body,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Tag:      chatID.String(),
				Priority: messaging.PriorityHigh,
			},
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					ContentAvailable: true,
					MutableContent:   true,
					Sound:            "default",
				},
			},
		},
	}

	if _, err := c.msg.Send(ctx, msg); err != nil {
		log.Printf("fcm: send to user %s failed: %v", userID, err)
	}
}

func truncate(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "…"
}
