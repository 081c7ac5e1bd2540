package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAllowLocalBucketConsumesAndRefills(t *testing.T) {
	l := New(nil)
	now := time.Now()
	l.clock = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !l.Allow(nil, "client-a", 1, 3) {
			t.Fatalf("expected token %d to be allowed within burst", i)
		}
	}
	if l.Allow(nil, "client-a", 1, 3) {
		t.Fatal("expected bucket to be exhausted after burst tokens consumed")
	}

	now = now.Add(2 * time.Second)
	if !l.Allow(nil, "client-a", 1, 3) {
		t.Fatal("expected refill after elapsed time to allow another request")
	}
}

func TestAllowZeroBudgetAlwaysAllows(t *testing.T) {
	l := New(nil)
	if !l.Allow(nil, "anyone", 0, 0) {
		t.Fatal("zero rps/burst means rate limiting is disabled, should always allow")
	}
}

func TestAllowBucketsAreIndependentPerKey(t *testing.T) {
	l := New(nil)
	now := time.Now()
	l.clock = func() time.Time { return now }

	if !l.Allow(nil, "client-a", 1, 1) {
		t.Fatal("client-a should get its first token")
	}
	if l.Allow(nil, "client-a", 1, 1) {
		t.Fatal("client-a should be exhausted")
	}
	if !l.Allow(nil, "client-b", 1, 1) {
		t.Fatal("client-b has its own bucket and should not be affected by client-a")
	}
}

func TestIsAllowlistedExactStarAndPrefix(t *testing.T) {
	l := New(nil)
	l.Allowlist = []string{"panel-internal-key", "health-*"}

	cases := []struct {
		key  string
		want bool
	}{
		{"panel-internal-key", true},
		{"health-check-1", true},
		{"health-", true},
		{"untrusted-caller", false},
		{"", false},
	}
	for _, c := range cases {
		if got := l.isAllowlisted(c.key); got != c.want {
			t.Errorf("isAllowlisted(%q) = %v, want %v", c.key, got, c.want)
		}
	}
}

func TestIsAllowlistedWildcardMatchesEverything(t *testing.T) {
	l := New(nil)
	l.Allowlist = []string{"*"}
	if !l.isAllowlisted("anything-at-all") {
		t.Fatal("a bare * entry should allowlist every key")
	}
}

func TestAllowAllowlistedKeyBypassesBudget(t *testing.T) {
	l := New(nil)
	l.Allowlist = []string{"trusted-*"}
	now := time.Now()
	l.clock = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		if !l.Allow(nil, "trusted-node", 1, 1) {
			t.Fatalf("allowlisted key should never be rate limited, failed on request %d", i)
		}
	}
}

func TestMiddlewareRejectsOverBudgetWith429(t *testing.T) {
	l := New(nil)
	handler := l.Middleware("test-surface", 1, 1, func(r *http.Request) string {
		return r.Header.Get("X-Key")
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Key", "same-client")

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req)
	if rec1.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rec1.Code)
	}

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request should be rate limited, got %d", rec2.Code)
	}
	if rec2.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on 429 response")
	}
}

func TestMiddlewareAllowlistedKeyNeverLimited(t *testing.T) {
	l := New(nil)
	l.Allowlist = []string{"internal-*"}
	handler := l.Middleware("test-surface", 1, 1, func(r *http.Request) string {
		return r.Header.Get("X-Key")
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Key", "internal-health-check")

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: allowlisted key should never see 429, got %d", i, rec.Code)
		}
	}
}
