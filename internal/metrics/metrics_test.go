package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddlewareRecordsAndPassesThrough(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/notify", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Errorf("middleware altered status: got %d", rec.Code)
	}
}

func TestMiddlewarePreservesFlusher(t *testing.T) {
	var sawFlusher bool
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawFlusher = w.(http.Flusher)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/stream", nil))

	if !sawFlusher {
		t.Error("wrapped writer must stay flushable for the SSE stream")
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	RecordPushDispatch("webpush", 2, 1)
	RecordEventEmitted("item_purchased")
	RecordFrameDropped()
	StreamOpened()
	defer StreamClosed()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("metrics endpoint returned %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("metrics endpoint returned empty body")
	}
}
