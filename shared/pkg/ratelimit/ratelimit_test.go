package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLimiter(t *testing.T) {
	// Burst of 2 at 10 req/s: two immediate requests pass, the third waits ~100ms.
	limiter := NewLimiter(10, 2)

	if !limiter.Allow("10.0.0.1") || !limiter.Allow("10.0.0.1") {
		t.Fatal("burst requests should be allowed")
	}
	if limiter.Allow("10.0.0.1") {
		t.Error("third request should be rate limited")
	}
	if !limiter.Allow("10.0.0.2") {
		t.Error("other clients have their own bucket")
	}

	time.Sleep(150 * time.Millisecond)
	if !limiter.Allow("10.0.0.1") {
		t.Error("request after refill should be allowed")
	}
}

func TestMiddleware(t *testing.T) {
	limiter := NewLimiter(10, 1)
	handler := limiter.Middleware(IPKeyFunc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/runs", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	if rr := send(); rr.Code != http.StatusOK {
		t.Errorf("first request: got %d", rr.Code)
	}
	rr := send()
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("second request: got %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
}

func TestForget(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewLimiter(1, 1)
	limiter.now = func() time.Time { return now }

	limiter.Allow("old")
	now = now.Add(time.Hour)
	limiter.Allow("new")

	if dropped := limiter.Forget(30 * time.Minute); dropped != 1 {
		t.Errorf("dropped %d, want 1", dropped)
	}
	if limiter.Len() != 1 {
		t.Errorf("Len = %d, want 1", limiter.Len())
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name          string
		remoteAddr    string
		xForwardedFor string
		expectedKey   string
	}{
		{name: "Direct connection", remoteAddr: "192.168.1.1:12345", expectedKey: "192.168.1.1"},
		{name: "Behind proxy", remoteAddr: "127.0.0.1:12345", xForwardedFor: "203.0.113.1, 10.0.0.1", expectedKey: "203.0.113.1"},
		{name: "No port", remoteAddr: "pipe", expectedKey: "pipe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if got := IPKeyFunc(req); got != tt.expectedKey {
				t.Errorf("got %q, want %q", got, tt.expectedKey)
			}
		})
	}
}
