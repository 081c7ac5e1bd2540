package haproxy

import (
	"strings"
	"testing"
	"time"
)

func TestRulesRegionSplitsBeforeRegionAfter(t *testing.T) {
	d := &Driver{}
	cfg := "global\n    daemon\n\n# === RULES START ===\n# rule:a\nfrontend a\n# === RULES END ===\n\nfrontend catchall\n"

	before, region, after, ok := d.rulesRegion(cfg)
	if !ok {
		t.Fatal("expected rulesRegion to find both sentinels")
	}
	if before != "global\n    daemon\n\n# === RULES START ===\n" {
		t.Errorf("unexpected before region: %q", before)
	}
	if region != "\n# rule:a\nfrontend a\n" {
		t.Errorf("unexpected rules region: %q", region)
	}
	if after != "# === RULES END ===\n\nfrontend catchall\n" {
		t.Errorf("unexpected after region: %q", after)
	}
}

func TestRulesRegionMissingSentinelsIsNotOK(t *testing.T) {
	d := &Driver{}
	_, _, _, ok := d.rulesRegion("global\n    daemon\n")
	if ok {
		t.Error("expected rulesRegion to report not-ok when sentinels are absent")
	}
}

func TestRulesRegionRejectsReversedSentinels(t *testing.T) {
	d := &Driver{}
	cfg := "# === RULES END ===\n# === RULES START ===\n"
	_, _, _, ok := d.rulesRegion(cfg)
	if ok {
		t.Error("expected rulesRegion to reject an END before START")
	}
}

func TestStatusReturnsCachedValueWithinTTL(t *testing.T) {
	d := &Driver{statusCache: "running", statusCacheAt: time.Now()}
	if got := d.Status(nil); got != "running" {
		t.Errorf("got %q, want cached value %q", got, "running")
	}
}

func TestInvalidateStatusCacheClearsTimestamp(t *testing.T) {
	d := &Driver{statusCache: "running", statusCacheAt: time.Now()}
	d.invalidateStatusCache()
	if !d.statusCacheAt.IsZero() {
		t.Error("expected invalidateStatusCache to zero statusCacheAt")
	}
}

func TestRuleValidateRejectsBadName(t *testing.T) {
	r := Rule{Name: "bad name!", Kind: "tcp", ListenPort: 22, TargetIP: "10.0.0.1", TargetPort: 22}
	if err := r.validate(); err == nil {
		t.Error("expected validate to reject a name with spaces/punctuation")
	}
}

func TestRuleValidateRejectsBadKind(t *testing.T) {
	r := Rule{Name: "ssh", Kind: "udp", ListenPort: 22, TargetIP: "10.0.0.1", TargetPort: 22}
	if err := r.validate(); err == nil {
		t.Error("expected validate to reject a non tcp/https rule_type")
	}
}

func TestRuleRenderTCPRoundTripsThroughParseRules(t *testing.T) {
	r := Rule{Name: "ssh", Kind: "tcp", ListenPort: 2222, TargetIP: "10.0.0.1", TargetPort: 22}
	region := "\n" + r.render()

	if !strings.Contains(region, "bind *:2222") {
		t.Errorf("expected rendered stanza to contain bind *:2222, got %q", region)
	}
	if !strings.Contains(region, "server srv1 10.0.0.1:22 check inter 5s fall 3 rise 2") {
		t.Errorf("expected rendered stanza to contain the server line, got %q", region)
	}

	parsed := parseRules(region)
	if len(parsed) != 1 {
		t.Fatalf("expected 1 parsed rule, got %d", len(parsed))
	}
	if parsed[0] != r {
		t.Errorf("got %+v, want %+v", parsed[0], r)
	}
}

func TestRuleRenderHTTPSRoundTripsThroughParseRules(t *testing.T) {
	r := Rule{
		Name: "web", Kind: "https", ListenPort: 443,
		TargetIP: "10.0.0.2", TargetPort: 8443,
		CertDomain: "example.com", TargetSSL: true, SendProxy: true,
	}
	region := "\n" + r.render()

	parsed := parseRules(region)
	if len(parsed) != 1 {
		t.Fatalf("expected 1 parsed rule, got %d", len(parsed))
	}
	if parsed[0] != r {
		t.Errorf("got %+v, want %+v", parsed[0], r)
	}
}

func TestParseRulesHandlesMultipleStanzas(t *testing.T) {
	a := Rule{Name: "a", Kind: "tcp", ListenPort: 1, TargetIP: "1.1.1.1", TargetPort: 1}
	b := Rule{Name: "b", Kind: "tcp", ListenPort: 2, TargetIP: "2.2.2.2", TargetPort: 2}
	region := "\n" + a.render() + "\n" + b.render()

	parsed := parseRules(region)
	if len(parsed) != 2 || parsed[0].Name != "a" || parsed[1].Name != "b" {
		t.Errorf("got %+v", parsed)
	}
}
