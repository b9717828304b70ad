package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"github.com/tripbell/tripbell/internal/registry"
)

// WebPushConfig holds the VAPID credentials for the standard Web Push
// transport.
type WebPushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string // mailto: contact, required by push services
	TTL             int    // seconds the push service may hold the message
}

// WebPushTransport delivers via the Web Push protocol, one encrypted HTTP
// call per subscription endpoint (the protocol has no batch send).
type WebPushTransport struct {
	cfg    WebPushConfig
	logger *zap.Logger
}

func NewWebPushTransport(cfg WebPushConfig, logger *zap.Logger) *WebPushTransport {
	if cfg.TTL == 0 {
		cfg.TTL = 60
	}
	return &WebPushTransport{
		cfg:    cfg,
		logger: logger,
	}
}

func (t *WebPushTransport) Provider() string {
	return registry.ProviderWebPush
}

func (t *WebPushTransport) Deliver(ctx context.Context, targets []Target, payload Payload) ([]Outcome, error) {
	if t.cfg.VAPIDPublicKey == "" || t.cfg.VAPIDPrivateKey == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode webpush payload: %w", err)
	}

	outcomes := make([]Outcome, 0, len(targets))
	for _, target := range targets {
		outcomes = append(outcomes, t.sendOne(ctx, target, body))
	}
	return outcomes, nil
}

func (t *WebPushTransport) sendOne(ctx context.Context, target Target, body []byte) Outcome {
	sub := &webpush.Subscription{
		Endpoint: target.Addr.Endpoint,
		Keys: webpush.Keys{
			P256dh: target.Addr.Keys.P256dh,
			Auth:   target.Addr.Keys.Auth,
		},
	}

	resp, err := webpush.SendNotificationWithContext(ctx, body, sub, &webpush.Options{
		Subscriber:      t.cfg.Subscriber,
		VAPIDPublicKey:  t.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: t.cfg.VAPIDPrivateKey,
		TTL:             t.cfg.TTL,
	})
	if err != nil {
		return Outcome{Raw: target.Raw, Reason: fmt.Sprintf("send: %v", err)}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Outcome{Raw: target.Raw, Delivered: true}
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		// The push service no longer knows this subscription.
		t.logger.Info("webpush subscription expired",
			zap.Int("status", resp.StatusCode),
		)
		return Outcome{
			Raw:       target.Raw,
			Permanent: true,
			Reason:    fmt.Sprintf("subscription gone (status %d)", resp.StatusCode),
		}
	default:
		return Outcome{
			Raw:    target.Raw,
			Reason: fmt.Sprintf("push service returned status %d", resp.StatusCode),
		}
	}
}
