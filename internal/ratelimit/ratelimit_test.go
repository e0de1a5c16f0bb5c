package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newLimiter(t *testing.T, cfg Config) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)}
	l := New(cfg)
	l.now = clock.now
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	l, clock := newLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 5})

	for i := 0; i < 5; i++ {
		if ok, _ := l.Allow("gw-1"); !ok {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}

	ok, wait := l.Allow("gw-1")
	if ok {
		t.Error("Request after burst should be denied")
	}
	if wait <= 0 || wait > time.Second {
		t.Errorf("Expected a wait of at most one token interval, got %v", wait)
	}

	clock.advance(time.Second)
	if ok, _ := l.Allow("gw-1"); !ok {
		t.Error("Request after waiting should be allowed")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	l, _ := newLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		l.Allow("client-a")
	}
	if ok, _ := l.Allow("client-a"); ok {
		t.Error("Client A should be rate limited")
	}
	if ok, _ := l.Allow("client-b"); !ok {
		t.Error("Client B should not be rate limited")
	}
}

func TestLimiterDisabled(t *testing.T) {
	l, _ := newLimiter(t, Config{})
	for i := 0; i < 1000; i++ {
		if ok, _ := l.Allow("k"); !ok {
			t.Fatal("Disabled limiter should allow everything")
		}
	}
}

func TestLimiterForgetsRefilledClients(t *testing.T) {
	l, clock := newLimiter(t, Config{RequestsPerMinute: 600, BurstSize: 2})

	l.Allow("a")
	l.Allow("b")
	l.Allow("b")

	clock.advance(150 * time.Millisecond)
	if n := l.forgetIdle(); n != 1 {
		t.Errorf("Expected only the refilled client to be forgotten, got %d", n)
	}
	clock.advance(time.Second)
	if n := l.forgetIdle(); n != 1 {
		t.Errorf("Expected the second client to be forgotten, got %d", n)
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1, ClientHeader: "X-Client-ID"})

	router := gin.New()
	router.Use(l.Middleware())
	router.GET("/v1/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(client string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/test", nil)
		if client != "" {
			req.Header.Set("X-Client-ID", client)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	if w := do("gw-1"); w.Code != http.StatusOK {
		t.Fatalf("first request: %d", w.Code)
	}
	w := do("gw-1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", w.Header().Get("Retry-After"))
	}
	if w := do("gw-2"); w.Code != http.StatusOK {
		t.Errorf("other client header should have its own bucket, got %d", w.Code)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.RequestsPerMinute != 6000 {
		t.Errorf("Expected 6000 requests/min, got %d", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 200 {
		t.Errorf("Expected burst size 200, got %d", cfg.BurstSize)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("Expected 1 minute cleanup interval, got %v", cfg.CleanupInterval)
	}
}
