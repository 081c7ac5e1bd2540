package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestBannedFalseForUnknownIP(t *testing.T) {
	g := New()
	if g.Banned("1.2.3.4") {
		t.Error("expected unknown IP to not be banned")
	}
}

func TestRecordFailureBansAfterThreshold(t *testing.T) {
	g := New()
	g.SetLimits(3, time.Hour)

	for i := 0; i < 2; i++ {
		g.RecordFailure("1.2.3.4")
		if g.Banned("1.2.3.4") {
			t.Fatalf("expected not banned before reaching threshold, failed at attempt %d", i+1)
		}
	}
	g.RecordFailure("1.2.3.4")
	if !g.Banned("1.2.3.4") {
		t.Error("expected IP to be banned after reaching the failure threshold")
	}
}

func TestRecordFailureIsPerIP(t *testing.T) {
	g := New()
	g.SetLimits(1, time.Hour)

	g.RecordFailure("1.1.1.1")
	if !g.Banned("1.1.1.1") {
		t.Fatal("expected 1.1.1.1 to be banned")
	}
	if g.Banned("2.2.2.2") {
		t.Error("expected 2.2.2.2 to remain unaffected by 1.1.1.1's failures")
	}
}

func TestClientIPStripsPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.5:54321"
	if got := clientIP(req); got != "203.0.113.5" {
		t.Errorf("got %q, want %q", got, "203.0.113.5")
	}
}

func TestClientIPFallsBackToRawRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "not-a-host-port"
	if got := clientIP(req); got != "not-a-host-port" {
		t.Errorf("got %q, want raw fallback %q", got, "not-a-host-port")
	}
}

func TestMiddlewareRecordsFailureOn401(t *testing.T) {
	g := New()
	g.SetLimits(1, time.Hour)
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.1:1111"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !g.Banned("198.51.100.1") {
		t.Error("expected a single 401 to ban the IP given maxFailedAttempts=1")
	}
}

func TestMiddlewareDoesNotRecordFailureOnSuccess(t *testing.T) {
	g := New()
	g.SetLimits(1, time.Hour)
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.2:1111"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if g.Banned("198.51.100.2") {
		t.Error("expected a 200 response to not count as a failure")
	}
}

func TestMiddlewareBareClosesBannedIP(t *testing.T) {
	g := New()
	g.SetLimits(1, time.Hour)
	g.RecordFailure("198.51.100.3")

	called := false
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.3:1111"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if called {
		t.Error("expected the downstream handler to never run for a banned IP")
	}
	if rec.Code != 444 {
		t.Errorf("expected status 444 for a banned IP (httptest.Recorder isn't a Hijacker), got %d", rec.Code)
	}
}
