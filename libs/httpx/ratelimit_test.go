package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func limitedHandler(limit int) http.Handler {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return NewRateLimiter(limit, time.Minute).Middleware()(next)
}

func get(t *testing.T, h http.Handler, path, forwardedFor string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimiterBlocksOverLimit(t *testing.T) {
	h := limitedHandler(2)

	for i := 0; i < 2; i++ {
		if code := get(t, h, "/api/v1/public/slots", "10.0.0.1"); code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, code)
		}
	}
	if code := get(t, h, "/api/v1/public/slots", "10.0.0.1"); code != http.StatusTooManyRequests {
		t.Fatalf("over-limit status = %d, want 429", code)
	}
}

func TestRateLimiterKeysByClient(t *testing.T) {
	h := limitedHandler(1)

	if code := get(t, h, "/", "10.0.0.1"); code != http.StatusOK {
		t.Fatalf("first client: status = %d, want 200", code)
	}
	if code := get(t, h, "/", "10.0.0.2"); code != http.StatusOK {
		t.Fatalf("second client: status = %d, want 200", code)
	}
	if code := get(t, h, "/", "10.0.0.1"); code != http.StatusTooManyRequests {
		t.Fatalf("first client again: status = %d, want 429", code)
	}
}

func TestRateLimiterSkipsHealthEndpoints(t *testing.T) {
	h := limitedHandler(1)

	if code := get(t, h, "/", "10.0.0.1"); code != http.StatusOK {
		t.Fatalf("warm-up status = %d, want 200", code)
	}
	for i := 0; i < 5; i++ {
		if code := get(t, h, "/healthz", "10.0.0.1"); code != http.StatusOK {
			t.Fatalf("healthz %d: status = %d, want 200", i+1, code)
		}
		if code := get(t, h, "/readyz", "10.0.0.1"); code != http.StatusOK {
			t.Fatalf("readyz %d: status = %d, want 200", i+1, code)
		}
	}
}
