package account

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLoginRateLimiterAllow(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	t.Run("denies past the limit and recovers after the window", func(t *testing.T) {
		limiter := NewLoginRateLimiter(3, time.Minute)

		for i := 0; i < 3; i++ {
			if ok, _ := limiter.allow("198.51.100.1", base.Add(time.Duration(i)*time.Second)); !ok {
				t.Fatalf("hit %d should be allowed", i+1)
			}
		}

		ok, retryAfter := limiter.allow("198.51.100.1", base.Add(3*time.Second))
		if ok {
			t.Fatal("fourth hit inside the window must be denied")
		}
		if retryAfter <= 0 {
			t.Errorf("retryAfter = %v, want positive", retryAfter)
		}

		if ok, _ := limiter.allow("198.51.100.1", base.Add(2*time.Minute)); !ok {
			t.Error("hits should be allowed again once the window passes")
		}
	})

	t.Run("tracks addresses independently", func(t *testing.T) {
		limiter := NewLoginRateLimiter(1, time.Minute)

		if ok, _ := limiter.allow("198.51.100.1", base); !ok {
			t.Fatal("first address should be allowed")
		}
		if ok, _ := limiter.allow("198.51.100.2", base); !ok {
			t.Error("a different address must not inherit the first one's hits")
		}
		if ok, _ := limiter.allow("198.51.100.1", base.Add(time.Second)); ok {
			t.Error("the exhausted address must stay denied")
		}
	})
}

func TestLoginRateLimiterMiddleware(t *testing.T) {
	limiter := NewLoginRateLimiter(2, time.Minute)
	var served int
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served++
		w.WriteHeader(http.StatusOK)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.RemoteAddr = "198.51.100.9:51234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := do(); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want %d", i+1, rec.Code, http.StatusOK)
		}
	}

	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("throttled status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("throttled response must carry Retry-After")
	}
	if served != 2 {
		t.Errorf("handler served %d requests, want 2", served)
	}
}
