package api

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/tripbell/tripbell/internal/redis"
)

func TestAuthMiddlewareResolvesIdentity(t *testing.T) {
	var gotUserID string
	handler := AuthMiddleware(HeaderAuthenticator{Header: "X-Auth-User"}, zap.NewNop())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotUserID, _ = UserID(r)
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/v1/push/vapid-key", nil)
	req.Header.Set("X-Auth-User", "u1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if gotUserID != "u1" {
		t.Errorf("handler saw user %q", gotUserID)
	}
}

func TestAuthMiddlewareRejectsAnonymous(t *testing.T) {
	var reached bool
	handler := AuthMiddleware(HeaderAuthenticator{Header: "X-Auth-User"}, zap.NewNop())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { reached = true }),
	)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/push/vapid-key", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	if reached {
		t.Error("handler must not run without identity")
	}
}

func TestAuthMiddlewareTrimsHeader(t *testing.T) {
	handler := AuthMiddleware(HeaderAuthenticator{Header: "X-Auth-User"}, zap.NewNop())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}),
	)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Auth-User", "   ")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("whitespace-only identity should be rejected, got %d", rec.Code)
	}
}

func newTestLimiter(t *testing.T, limit int) *redis.RateLimiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	host, portStr, err := net.SplitHostPort(mr.Addr())
	if err != nil {
		t.Fatalf("split miniredis addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	client, err := redis.New(context.Background(), redis.Config{Host: host, Port: port}, zap.NewNop())
	if err != nil {
		t.Fatalf("connect to miniredis: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return redis.NewRateLimiter(client, zap.NewNop(), redis.RateLimitConfig{
		Limit:  limit,
		Window: time.Minute,
	})
}

func limitedHandler(limiter *redis.RateLimiter) http.Handler {
	return RateLimitMiddleware(limiter, zap.NewNop())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}),
	)
}

func TestRateLimitMiddlewareBlocksOverLimit(t *testing.T) {
	handler := limitedHandler(newTestLimiter(t, 2))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/push/webpush", "", "u1"))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("request %d should pass, got %d", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/push/webpush", "", "u1"))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestRateLimitMiddlewareIsPerUser(t *testing.T) {
	handler := limitedHandler(newTestLimiter(t, 1))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/push/webpush", "", "u1"))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first request should pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/push/webpush", "", "u2"))
	if rec.Code != http.StatusNoContent {
		t.Errorf("u2 has its own window, got %d", rec.Code)
	}
}

func TestRateLimitMiddlewareDisabledWithoutRedis(t *testing.T) {
	handler := limitedHandler(nil)

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/push/webpush", "", "u1"))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("nil limiter must pass everything through, got %d", rec.Code)
		}
	}
}
