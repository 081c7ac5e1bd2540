// Package security implements the node's IP-drop middleware: an inbound
// request that fails authentication gets tracked by source IP, and past
// a failure threshold the IP is banned and served a bare TCP close
// instead of a normal HTTP response (spec §4.15). Grounded on the
// teacher's internal/middleware/ratelimit.go — the per-IP state map with
// a background expiry sweep is the same shape, generalized from a token
// bucket to a failure counter.
package security

import (
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	defaultMaxFailedAttempts = 10
	defaultBanDuration       = 3600 * time.Second
	cleanupInterval          = 300 * time.Second
)

type record struct {
	failedAttempts int
	lastAttempt    time.Time
	bannedUntil    time.Time
}

// Guard tracks per-IP failure state and exposes a middleware that bare-
// closes requests from banned IPs with status 444. A 401/403 from the
// downstream handler is passed through unchanged and only counted toward
// the ban.
type Guard struct {
	mu                sync.Mutex
	records           map[string]*record
	maxFailedAttempts int
	banDuration       time.Duration
}

func New() *Guard {
	g := &Guard{
		records:           make(map[string]*record),
		maxFailedAttempts: defaultMaxFailedAttempts,
		banDuration:       defaultBanDuration,
	}
	return g
}

func (g *Guard) SetLimits(maxFailedAttempts int, banDuration time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maxFailedAttempts = maxFailedAttempts
	g.banDuration = banDuration
}

// RunCleanup expires stale records every 300s until stop is closed; call
// in its own goroutine.
func (g *Guard) RunCleanup(stop <-chan struct{}) {
	t := time.NewTicker(cleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			g.cleanup()
		}
	}
}

func (g *Guard) cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	for ip, r := range g.records {
		if now.After(r.bannedUntil) && now.Sub(r.lastAttempt) > g.banDuration {
			delete(g.records, ip)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Banned reports whether ip is currently within its ban window.
func (g *Guard) Banned(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.records[ip]
	if !ok {
		return false
	}
	return time.Now().Before(r.bannedUntil)
}

// RecordFailure increments the failure counter for ip and bans it once
// the threshold is crossed.
func (g *Guard) RecordFailure(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.records[ip]
	if !ok {
		r = &record{}
		g.records[ip] = r
	}
	r.failedAttempts++
	r.lastAttempt = time.Now()
	if r.failedAttempts >= g.maxFailedAttempts {
		r.bannedUntil = time.Now().Add(g.banDuration)
	}
}

// bareClose hijacks the connection and closes it without writing any HTTP
// response, matching the spec's "bare TCP close with status code 444 and
// empty body" requirement that net/http cannot express as a normal
// response (444 is an nginx-only status with no standard meaning).
func bareClose(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(444)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		w.WriteHeader(444)
		return
	}
	_ = conn.Close()
}

// statusInterceptor captures the downstream handler's status so
// Middleware can tell whether to record a failure.
type statusInterceptor struct {
	http.ResponseWriter
	status int
}

func (s *statusInterceptor) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Middleware drops banned IPs with a bare close before the handler runs,
// and records a failure (possibly triggering a ban) when the handler
// responds 401/403.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if g.Banned(ip) {
			bareClose(w)
			return
		}

		si := &statusInterceptor{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(si, r)

		if si.status == http.StatusUnauthorized || si.status == http.StatusForbidden {
			g.RecordFailure(ip)
		}
	})
}
