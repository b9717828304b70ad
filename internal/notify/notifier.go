package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tripbell/tripbell/internal/bus"
	"github.com/tripbell/tripbell/internal/metrics"
	"github.com/tripbell/tripbell/internal/push"
)

// Sender dispatches a push notification to the users' registered devices.
type Sender interface {
	Send(ctx context.Context, userIDs []string, payload push.Payload) (*push.Report, error)
}

// Notification is what domain code hands to the notifier. Event names the
// occurrence for live stream clients; Title and Body are what lands on a
// device.
type Notification struct {
	Event string
	Title string
	Body  string
	Data  map[string]string
}

func (n Notification) validate() error {
	if n.Event == "" {
		return fmt.Errorf("notification event is required")
	}
	if n.Title == "" || n.Body == "" {
		return fmt.Errorf("notification title and body are required")
	}
	return nil
}

// Notifier is the single entry point for raising a user-facing notification.
// The live event reaches open streams synchronously; push delivery runs in
// the background so callers never wait on provider round trips.
type Notifier struct {
	bus             *bus.Bus
	sender          Sender
	dispatchTimeout time.Duration
	logger          *zap.Logger
}

func New(b *bus.Bus, sender Sender, dispatchTimeout time.Duration, logger *zap.Logger) *Notifier {
	if dispatchTimeout <= 0 {
		dispatchTimeout = 30 * time.Second
	}
	return &Notifier{
		bus:             b,
		sender:          sender,
		dispatchTimeout: dispatchTimeout,
		logger:          logger,
	}
}

// Notify fans the notification out to live streams and registered devices.
// The returned error covers input validation only; delivery failures are
// logged from the background dispatch.
func (n *Notifier) Notify(ctx context.Context, userIDs []string, notification Notification) error {
	if err := notification.validate(); err != nil {
		return err
	}
	if len(userIDs) == 0 {
		return fmt.Errorf("at least one user id is required")
	}

	n.bus.Emit(userIDs, bus.Event{Type: notification.Event, Data: notification.Data})
	metrics.RecordEventEmitted(notification.Event)

	payload := push.Payload{
		Title: notification.Title,
		Body:  notification.Body,
		Data:  notification.Data,
	}

	// Detached from the caller's ctx so the push outlives the request that
	// triggered it.
	go n.dispatch(userIDs, notification.Event, payload)

	return nil
}

// NotifySync behaves like Notify but waits for push dispatch and returns the
// report. Meant for callers that need the outcome, like the trigger endpoint.
func (n *Notifier) NotifySync(ctx context.Context, userIDs []string, notification Notification) (*push.Report, error) {
	if err := notification.validate(); err != nil {
		return nil, err
	}
	if len(userIDs) == 0 {
		return nil, fmt.Errorf("at least one user id is required")
	}

	n.bus.Emit(userIDs, bus.Event{Type: notification.Event, Data: notification.Data})
	metrics.RecordEventEmitted(notification.Event)

	report, err := n.sender.Send(ctx, userIDs, push.Payload{
		Title: notification.Title,
		Body:  notification.Body,
		Data:  notification.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch push: %w", err)
	}
	return report, nil
}

func (n *Notifier) dispatch(userIDs []string, event string, payload push.Payload) {
	ctx, cancel := context.WithTimeout(context.Background(), n.dispatchTimeout)
	defer cancel()

	report, err := n.sender.Send(ctx, userIDs, payload)
	if err != nil {
		n.logger.Error("push dispatch failed",
			zap.String("event", event),
			zap.Int("users", len(userIDs)),
			zap.Error(err),
		)
		return
	}

	fields := []zap.Field{
		zap.String("event", event),
		zap.Int("users", len(userIDs)),
		zap.Int("delivered", report.Delivered()),
		zap.Int("providers", len(report.Providers)),
	}
	if report.NoChannel() {
		n.logger.Info("no push channel for any recipient", fields...)
		return
	}
	if len(report.StaleAddresses) > 0 {
		// Cleanup stays a recommendation; nothing is deleted here.
		fields = append(fields, zap.Strings("stale_addresses", report.StaleAddresses))
	}
	for _, provider := range report.Providers {
		if err := provider.Err(); err != nil {
			n.logger.Warn("provider partition failed",
				zap.String("event", event),
				zap.String("provider", provider.Provider),
				zap.Error(err),
			)
		}
	}
	n.logger.Info("push dispatched", fields...)
}
