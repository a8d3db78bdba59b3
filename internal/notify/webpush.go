package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/ashureev/agentquest/internal/domain"
	"github.com/ashureev/agentquest/internal/store"
)

// WebPushConfig holds VAPID credentials.
type WebPushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	TTL             int
	HTTPClient      webpush.HTTPClient
}

// WebPush sends notifications to a user's registered browser endpoint.
type WebPush struct {
	subs   store.SubscriptionStore
	cfg    WebPushConfig
	logger *slog.Logger
}

var _ Notifier = (*WebPush)(nil)

// NewWebPush creates a Web Push notifier.
func NewWebPush(subs store.SubscriptionStore, cfg WebPushConfig, logger *slog.Logger) *WebPush {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebPush{subs: subs, cfg: cfg, logger: logger}
}

// PublicKey returns the VAPID application server key for browser clients.
func (p *WebPush) PublicKey() string {
	return p.cfg.VAPIDPublicKey
}

// Notify implements Notifier. Users without a subscription are skipped.
func (p *WebPush) Notify(ctx context.Context, userID string, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode push payload: %w", err)
	}
	err = p.Send(ctx, userID, payload)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

// Send delivers a raw payload to the user's subscription. A user without one
// yields an error wrapping domain.ErrNotFound.
func (p *WebPush) Send(ctx context.Context, userID string, payload []byte) error {
	sub, err := p.subs.GetSubscription(ctx, userID)
	if err != nil {
		return fmt.Errorf("load push subscription: %w", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}, &webpush.Options{
		HTTPClient:      p.cfg.HTTPClient,
		Subscriber:      p.cfg.Subscriber,
		VAPIDPublicKey:  p.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: p.cfg.VAPIDPrivateKey,
		TTL:             p.cfg.TTL,
	})
	if err != nil {
		return fmt.Errorf("send web push: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("web push endpoint returned %d: %s", resp.StatusCode, body)
	}
	p.logger.Debug("Web push delivered", "user_id", userID, "status", resp.StatusCode)
	return nil
}
