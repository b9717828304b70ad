package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tripbell/tripbell/internal/registry"
)

// OneSignalConfig holds credentials for the aggregator provider. One
// external user ID is tracked per user, so its partition is always a single
// batched call.
type OneSignalConfig struct {
	AppID  string
	APIKey string
	APIURL string
	// AllowBroadcast enables the fallback of notifying every subscribed user
	// of the app when no external ID in the partition is resolvable. A
	// targeted send silently becoming a broadcast surprised everyone once
	// already, so this is opt-in and off by default.
	AllowBroadcast bool
	Timeout        time.Duration
}

type OneSignalTransport struct {
	cfg    OneSignalConfig
	client *http.Client
	logger *zap.Logger
}

func NewOneSignalTransport(cfg OneSignalConfig, logger *zap.Logger) *OneSignalTransport {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://onesignal.com/api/v1/notifications"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &OneSignalTransport{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (t *OneSignalTransport) Provider() string {
	return registry.ProviderOneSignal
}

// createRequest is the OneSignal notification create body, reduced to the
// fields this service uses.
type createRequest struct {
	AppID            string            `json:"app_id"`
	ExternalUserIDs  []string          `json:"include_external_user_ids,omitempty"`
	IncludedSegments []string          `json:"included_segments,omitempty"`
	Headings         map[string]string `json:"headings"`
	Contents         map[string]string `json:"contents"`
	Data             map[string]string `json:"data,omitempty"`
}

type createResponse struct {
	ID     string `json:"id"`
	Errors struct {
		InvalidExternalUserIDs []string `json:"invalid_external_user_ids"`
	} `json:"errors"`
}

func (t *OneSignalTransport) Deliver(ctx context.Context, targets []Target, payload Payload) ([]Outcome, error) {
	if t.cfg.AppID == "" || t.cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}

	byExternalID := make(map[string]Target, len(targets))
	ids := make([]string, 0, len(targets))
	var unresolvable []Target
	for _, target := range targets {
		if target.Addr.ExternalID == "" {
			unresolvable = append(unresolvable, target)
			continue
		}
		byExternalID[target.Addr.ExternalID] = target
		ids = append(ids, target.Addr.ExternalID)
	}

	req := createRequest{
		AppID:    t.cfg.AppID,
		Headings: map[string]string{"en": payload.Title},
		Contents: map[string]string{"en": payload.Body},
		Data:     payload.Data,
	}

	switch {
	case len(ids) > 0:
		req.ExternalUserIDs = ids
	case t.cfg.AllowBroadcast:
		t.logger.Warn("no resolvable onesignal targets, broadcasting to all subscribed users",
			zap.Int("registrations", len(targets)),
		)
		req.IncludedSegments = []string{"Subscribed Users"}
	default:
		outcomes := make([]Outcome, 0, len(unresolvable))
		for _, target := range unresolvable {
			outcomes = append(outcomes, Outcome{Raw: target.Raw, Reason: "no resolvable targets"})
		}
		return outcomes, nil
	}

	resp, err := t.create(ctx, req)
	if err != nil {
		return nil, err
	}

	invalid := make(map[string]bool, len(resp.Errors.InvalidExternalUserIDs))
	for _, id := range resp.Errors.InvalidExternalUserIDs {
		invalid[id] = true
	}

	outcomes := make([]Outcome, 0, len(targets))
	for _, id := range ids {
		target := byExternalID[id]
		if invalid[id] {
			outcomes = append(outcomes, Outcome{
				Raw:       target.Raw,
				Permanent: true,
				Reason:    "external user id unknown to provider",
			})
			continue
		}
		outcomes = append(outcomes, Outcome{Raw: target.Raw, Delivered: true})
	}
	for _, target := range unresolvable {
		outcomes = append(outcomes, Outcome{Raw: target.Raw, Reason: "no resolvable targets"})
	}

	return outcomes, nil
}

func (t *OneSignalTransport) create(ctx context.Context, body createRequest) (*createResponse, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode onesignal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.APIURL, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create onesignal request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Basic "+t.cfg.APIKey)

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("onesignal request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 64*1024))
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("onesignal returned status %d: %s", httpResp.StatusCode, respBody)
	}

	var parsed createResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode onesignal response: %w", err)
	}

	t.logger.Info("onesignal notification created",
		zap.String("notification_id", parsed.ID),
		zap.Int("invalid_external_ids", len(parsed.Errors.InvalidExternalUserIDs)),
	)

	return &parsed, nil
}
