package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tripbell/tripbell/internal/bus"
	"github.com/tripbell/tripbell/internal/metrics"
)

// IdentityFunc resolves the authenticated user for a request. The second
// return is false when the request carries no usable identity.
type IdentityFunc func(*http.Request) (string, bool)

// Config tunes per-connection behavior of the live stream.
type Config struct {
	// QueueSize bounds the per-connection event buffer. When a slow client
	// falls behind, the oldest buffered event is dropped to make room.
	QueueSize int
	// Keepalive is the interval between comment frames that keep
	// intermediaries from closing an idle connection.
	Keepalive time.Duration
}

// Handler serves Server-Sent Events for one user's live notifications.
type Handler struct {
	bus      *bus.Bus
	identify IdentityFunc
	cfg      Config
	logger   *zap.Logger
}

func NewHandler(b *bus.Bus, identify IdentityFunc, cfg Config, logger *zap.Logger) *Handler {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = 25 * time.Second
	}
	return &Handler{
		bus:      b,
		identify: identify,
		cfg:      cfg,
		logger:   logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("response writer does not support streaming")
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	queue := make(chan bus.Event, h.cfg.QueueSize)
	unsubscribe := h.bus.Subscribe(userID, func(ev bus.Event) {
		h.enqueue(queue, ev)
	})
	defer unsubscribe()

	metrics.StreamOpened()
	defer metrics.StreamClosed()

	h.logger.Debug("stream opened", zap.String("user_id", userID))

	// The connected frame confirms the subscription is live before any
	// event arrives.
	if err := writeFrame(w, bus.Event{Type: "connected"}); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.cfg.Keepalive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("stream closed", zap.String("user_id", userID))
			return
		case ev := <-queue:
			if err := writeFrame(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// enqueue buffers an event for the connection, dropping the oldest buffered
// event instead of blocking the emitter when the client is slow.
func (h *Handler) enqueue(queue chan bus.Event, ev bus.Event) {
	select {
	case queue <- ev:
		return
	default:
	}

	select {
	case <-queue:
		metrics.RecordFrameDropped()
	default:
	}

	select {
	case queue <- ev:
	default:
		metrics.RecordFrameDropped()
	}
}

func writeFrame(w http.ResponseWriter, ev bus.Event) error {
	data := []byte("{}")
	if ev.Data != nil {
		encoded, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("encode event data: %w", err)
		}
		data = encoded
	}

	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
