package torrent

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodewatch/fleetctl/internal/node/hostexec"
	"github.com/nodewatch/fleetctl/internal/node/ipset"
)

// newTestBlocker builds a Blocker by struct literal rather than New(), so
// tests never touch the real /var/lib/monitoring persistence path.
func newTestBlocker(t *testing.T, enabled bool, threshold int, whitelistCIDRs []string) *Blocker {
	t.Helper()
	exec := hostexec.New(zerolog.Nop())
	var nets []*net.IPNet
	for _, c := range whitelistCIDRs {
		if _, n, err := net.ParseCIDR(c); err == nil {
			nets = append(nets, n)
		}
	}
	return &Blocker{
		exec:      exec,
		ipset:     ipset.New(exec),
		log:       zerolog.Nop(),
		enabled:   enabled,
		threshold: threshold,
		whitelist: nets,
		buckets:   make(map[string]*minuteBucket),
		lastBan:   make(map[string]time.Time),
	}
}

func TestTagRegexMatchesTorrentTaggedLine(t *testing.T) {
	line := "2024/01/01 accepted from tcp:203.0.113.7:54321 accepted udp:1.2.3.4:80 -> torrent"
	m := tagRe.FindStringSubmatch(line)
	if m == nil {
		t.Fatal("expected tagRe to match a line tagged -> torrent")
	}
	if m[1] != "203.0.113.7" {
		t.Errorf("got source IP %q, want %q", m[1], "203.0.113.7")
	}
}

func TestTagRegexNoMatchWithoutTag(t *testing.T) {
	line := "2024/01/01 accepted from tcp:203.0.113.7:54321 accepted udp:1.2.3.4:80"
	if tagRe.FindStringSubmatch(line) != nil {
		t.Error("expected no match without the torrent tag")
	}
}

func TestDestRegexParsesSourceAndDestination(t *testing.T) {
	line := "2024/01/01 from tcp:203.0.113.7:54321 accepted udp:8.8.8.8:443"
	m := destRe.FindStringSubmatch(line)
	if m == nil {
		t.Fatal("expected destRe to match")
	}
	if m[1] != "203.0.113.7" || m[2] != "8.8.8.8" {
		t.Errorf("got src=%q dst=%q", m[1], m[2])
	}
}

func TestIsWhitelistedMatchesPrivateRanges(t *testing.T) {
	var nets []*net.IPNet
	for _, c := range defaultWhitelist {
		_, n, _ := net.ParseCIDR(c)
		nets = append(nets, n)
	}
	cases := []struct {
		ip   string
		want bool
	}{
		{"192.168.1.5", true},
		{"10.1.2.3", true},
		{"172.16.0.1", true},
		{"8.8.8.8", false},
		{"203.0.113.1", false},
	}
	for _, c := range cases {
		if got := isWhitelisted(c.ip, nets); got != c.want {
			t.Errorf("isWhitelisted(%q) = %v, want %v", c.ip, got, c.want)
		}
	}
}

func TestIsWhitelistedHandlesCIDRSuffixInInput(t *testing.T) {
	_, n, _ := net.ParseCIDR("192.168.0.0/16")
	if !isWhitelisted("192.168.5.5/32", []*net.IPNet{n}) {
		t.Error("expected a /32-suffixed address to still be matched against the containing net")
	}
}

func TestIsWhitelistedInvalidIPIsFalse(t *testing.T) {
	_, n, _ := net.ParseCIDR("10.0.0.0/8")
	if isWhitelisted("not-an-ip", []*net.IPNet{n}) {
		t.Error("expected an unparseable address to never be whitelisted")
	}
}

func TestProcessLineSkipsWhenDisabled(t *testing.T) {
	b := newTestBlocker(t, false, 5, nil)
	b.ProcessLine(context.Background(), "from tcp:1.2.3.4:1 accepted udp:5.6.7.8:80")
	if len(b.buckets) != 0 {
		t.Error("expected no bucket activity while the blocker is disabled")
	}
}

func TestProcessLineAccumulatesDistinctDestinationsBelowThreshold(t *testing.T) {
	b := newTestBlocker(t, true, 50, nil)
	for i := 0; i < 10; i++ {
		b.ProcessLine(context.Background(), "from tcp:9.9.9.9:1 accepted udp:10.0."+string(rune('0'+i))+".1:80")
	}
	b.mu.Lock()
	bucket, ok := b.buckets["9.9.9.9"]
	count := 0
	if ok {
		count = len(bucket.dests)
	}
	b.mu.Unlock()
	if !ok {
		t.Fatal("expected a bucket for source 9.9.9.9")
	}
	if count == 0 {
		t.Error("expected at least one distinct destination recorded")
	}
}

func TestProcessLineIgnoresNonMatchingLines(t *testing.T) {
	b := newTestBlocker(t, true, 50, nil)
	b.ProcessLine(context.Background(), "this line matches neither regex")
	if len(b.buckets) != 0 {
		t.Error("expected no bucket created for a non-matching line")
	}
}

func TestSetThresholdRejectsOutOfRange(t *testing.T) {
	b := newTestBlocker(t, false, defaultThreshold, nil)
	if err := b.SetThreshold(minThreshold - 1); err == nil {
		t.Error("expected an error for a threshold below the minimum")
	}
	if err := b.SetThreshold(maxThreshold + 1); err == nil {
		t.Error("expected an error for a threshold above the maximum")
	}
}
