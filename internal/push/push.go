package push

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"
)

const subscriber = "mailto:push@hamkar.local"

// Notifier sends Web Push notifications to subscribed users.
type Notifier struct {
	db              *sql.DB
	vapidPublicKey  string
	vapidPrivateKey string
	log             *zap.Logger
	send            func(message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// Subscription is a browser push subscription as produced by
// PushManager.subscribe().
type Subscription struct {
	Endpoint string `json:"endpoint" binding:"required,url"`
	Keys     Keys   `json:"keys" binding:"required"`
}

type Keys struct {
	P256dh string `json:"p256dh" binding:"required"`
	Auth   string `json:"auth" binding:"required"`
}

// NewNotifier creates a push Notifier. Returns nil if VAPID keys are empty.
func NewNotifier(db *sql.DB, vapidPublicKey, vapidPrivateKey string, log *zap.Logger) *Notifier {
	if vapidPublicKey == "" || vapidPrivateKey == "" {
		return nil
	}
	return &Notifier{
		db:              db,
		vapidPublicKey:  vapidPublicKey,
		vapidPrivateKey: vapidPrivateKey,
		log:             log.Named("push"),
		send:            webpush.SendNotification,
	}
}

// VAPIDPublicKey returns the public VAPID key for the frontend.
func (n *Notifier) VAPIDPublicKey() string {
	return n.vapidPublicKey
}

// Save stores sub for userID. Re-subscribing an endpoint moves it to the
// new user and refreshes its keys.
func (n *Notifier) Save(ctx context.Context, userID int, sub Subscription) error {
	_, err := n.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			user_id = excluded.user_id,
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			revoked_at = NULL
	`, userID, sub.Endpoint, sub.Keys.P256dh, sub.Keys.Auth, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// Delete revokes the user's subscription for endpoint.
func (n *Notifier) Delete(ctx context.Context, userID int, endpoint string) error {
	_, err := n.db.ExecContext(ctx, `
		UPDATE push_subscriptions SET revoked_at = ?
		WHERE user_id = ? AND endpoint = ? AND revoked_at IS NULL
	`, time.Now().UTC(), userID, endpoint)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// payload is the JSON structure sent inside the push notification.
type payload struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	URL      string `json:"url"`
	SenderID int    `json:"sender_id"`
}

// SendNewMessageNotification sends a push notification to all subscriptions of recipientID.
func (n *Notifier) SendNewMessageNotification(recipientID, senderID int, preview string) {
	if n == nil {
		return
	}

	rows, err := n.db.Query(
		"SELECT endpoint, p256dh, auth FROM push_subscriptions WHERE user_id = ? AND revoked_at IS NULL",
		recipientID,
	)
	if err != nil {
		n.log.Error("failed to query subscriptions", zap.Int("user_id", recipientID), zap.Error(err))
		return
	}
	defer rows.Close()

	body := preview
	if body == "" {
		body = "پیوست جدید"
	}
	data, _ := json.Marshal(payload{
		Title:    "پیام جدید",
		Body:     body,
		URL:      "/",
		SenderID: senderID,
	})

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.Endpoint, &sub.Keys.P256dh, &sub.Keys.Auth); err != nil {
			continue
		}
		subs = append(subs, sub)
	}
	rows.Close()

	if len(subs) == 0 {
		n.log.Debug("no active subscriptions", zap.Int("user_id", recipientID))
		return
	}

	n.log.Debug("sending notification", zap.Int("user_id", recipientID), zap.Int("subscriptions", len(subs)))
	for _, sub := range subs {
		go n.sendToSubscription(sub, data)
	}
}

func (n *Notifier) sendToSubscription(sub Subscription, data []byte) {
	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}

	resp, err := n.send(data, s, &webpush.Options{
		VAPIDPublicKey:  n.vapidPublicKey,
		VAPIDPrivateKey: n.vapidPrivateKey,
		Subscriber:      subscriber,
		TTL:             86400,
	})
	if err != nil {
		n.log.Warn("failed to send notification", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	n.log.Debug("notification sent", zap.String("endpoint", sub.Endpoint), zap.Int("status", resp.StatusCode))

	// 410 Gone or 404 means the subscription is expired
	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		if _, err := n.db.Exec("DELETE FROM push_subscriptions WHERE endpoint = ?", sub.Endpoint); err != nil {
			n.log.Warn("failed to remove expired subscription", zap.String("endpoint", sub.Endpoint), zap.Error(err))
			return
		}
		n.log.Info("removed expired subscription", zap.String("endpoint", sub.Endpoint), zap.Int("status", resp.StatusCode))
	}
}
