package stream

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tripbell/tripbell/internal/bus"
)

// streamRecorder is a flushable response writer safe to read while the
// handler is still writing. Each Flush is signalled so tests can wait for
// frames deterministically.
type streamRecorder struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	header  http.Header
	status  int
	flushed chan struct{}
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{
		header:  make(http.Header),
		flushed: make(chan struct{}, 32),
	}
}

func (r *streamRecorder) Header() http.Header { return r.header }

func (r *streamRecorder) WriteHeader(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = code
}

func (r *streamRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *streamRecorder) Flush() {
	select {
	case r.flushed <- struct{}{}:
	default:
	}
}

func (r *streamRecorder) body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func (r *streamRecorder) waitFlush(t *testing.T) {
	t.Helper()
	select {
	case <-r.flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a flushed frame")
	}
}

func identifyAs(userID string) IdentityFunc {
	return func(*http.Request) (string, bool) { return userID, true }
}

func anonymous(*http.Request) (string, bool) { return "", false }

func startStream(t *testing.T, h *Handler) (*streamRecorder, context.CancelFunc, chan struct{}) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/stream", nil).WithContext(ctx)
	rec := newStreamRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("handler did not return after disconnect")
		}
	})

	return rec, cancel, done
}

func TestStreamRejectsUnauthenticated(t *testing.T) {
	b := bus.New(zap.NewNop())
	h := NewHandler(b, anonymous, Config{}, zap.NewNop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stream", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	if b.SubscriberCount() != 0 {
		t.Error("rejected request must not leave a subscription behind")
	}
}

func TestStreamConnectedFrameThenEvents(t *testing.T) {
	b := bus.New(zap.NewNop())
	h := NewHandler(b, identifyAs("u1"), Config{Keepalive: time.Hour}, zap.NewNop())

	rec, cancel, done := startStream(t, h)
	rec.waitFlush(t) // connected frame; the subscription is live from here

	b.Emit([]string{"u1"}, bus.Event{Type: "trip_updated", Data: map[string]string{"trip_id": "42"}})
	rec.waitFlush(t)

	cancel()
	<-done

	body := rec.body()
	connectedAt := strings.Index(body, "event: connected")
	eventAt := strings.Index(body, "event: trip_updated")
	if connectedAt == -1 {
		t.Fatalf("missing connected frame in %q", body)
	}
	if eventAt == -1 {
		t.Fatalf("missing event frame in %q", body)
	}
	if eventAt < connectedAt {
		t.Error("connected frame must precede events")
	}
	if !strings.Contains(body, `"trip_id":"42"`) {
		t.Errorf("event data missing from %q", body)
	}
	if rec.header.Get("Content-Type") != "text/event-stream" {
		t.Errorf("Content-Type = %q", rec.header.Get("Content-Type"))
	}
}

func TestStreamOnlyReceivesOwnEvents(t *testing.T) {
	b := bus.New(zap.NewNop())
	h := NewHandler(b, identifyAs("u1"), Config{Keepalive: time.Hour}, zap.NewNop())

	rec, cancel, done := startStream(t, h)
	rec.waitFlush(t)

	b.Emit([]string{"u2"}, bus.Event{Type: "not_for_u1"})
	b.Emit([]string{"u1"}, bus.Event{Type: "for_u1"})
	rec.waitFlush(t)

	cancel()
	<-done

	body := rec.body()
	if strings.Contains(body, "not_for_u1") {
		t.Errorf("received another user's event: %q", body)
	}
	if !strings.Contains(body, "event: for_u1") {
		t.Errorf("missing own event in %q", body)
	}
}

func TestStreamUnsubscribesOnDisconnect(t *testing.T) {
	b := bus.New(zap.NewNop())
	h := NewHandler(b, identifyAs("u1"), Config{Keepalive: time.Hour}, zap.NewNop())

	rec, cancel, done := startStream(t, h)
	rec.waitFlush(t)

	if b.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.SubscriberCount())
	}

	cancel()
	<-done

	if b.SubscriberCount() != 0 {
		t.Errorf("subscription leaked after disconnect, count %d", b.SubscriberCount())
	}
}

func TestStreamKeepaliveFrames(t *testing.T) {
	b := bus.New(zap.NewNop())
	h := NewHandler(b, identifyAs("u1"), Config{Keepalive: 10 * time.Millisecond}, zap.NewNop())

	rec, cancel, done := startStream(t, h)
	rec.waitFlush(t) // connected
	rec.waitFlush(t) // first keepalive

	cancel()
	<-done

	if !strings.Contains(rec.body(), ": keepalive") {
		t.Errorf("missing keepalive comment in %q", rec.body())
	}
}

func TestEnqueueDropsOldestWhenFull(t *testing.T) {
	h := NewHandler(bus.New(zap.NewNop()), identifyAs("u1"), Config{}, zap.NewNop())

	queue := make(chan bus.Event, 2)
	h.enqueue(queue, bus.Event{Type: "first"})
	h.enqueue(queue, bus.Event{Type: "second"})
	h.enqueue(queue, bus.Event{Type: "third"})

	if got := (<-queue).Type; got != "second" {
		t.Errorf("oldest event should have been dropped, head is %q", got)
	}
	if got := (<-queue).Type; got != "third" {
		t.Errorf("newest event missing, got %q", got)
	}
}
