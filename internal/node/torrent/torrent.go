// Package torrent runs two independent detectors over the same Xray
// access-log stream — a tag detector and a per-minute unique-destination
// behavior detector — sharing the node's ipset driver as a ban sink
// (spec §4.7). Grounded on stormgate's internal/anom.Detector bucketed
// sliding-window counters, generalized from a single EWMA metric to a
// per-source-IP set-of-destinations-per-minute-bucket structure.
package torrent

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodewatch/fleetctl/internal/node/hostexec"
	"github.com/nodewatch/fleetctl/internal/node/ipset"
)

const (
	dedupWindow      = 60 * time.Second
	defaultThreshold = 50
	minThreshold     = 5
	maxThreshold     = 1000
	bucketMaxAge     = 2 * time.Minute
	cleanupEvery     = 500
	tempBanTimeout   = 3600

	statePath = "/var/lib/monitoring/torrent_blocker.json"
)

// persistedState is the on-disk shape for enabled/threshold/whitelist, so
// the detector resumes its prior configuration across a restart.
type persistedState struct {
	Enabled   bool     `json:"enabled"`
	Threshold int      `json:"threshold"`
	Whitelist []string `json:"whitelist"`
}

var tagRe = regexp.MustCompile(`from\s+(?:tcp:)?([0-9.]+):\d+.*->\s*torrent`)
var destRe = regexp.MustCompile(`from\s+(?:tcp:)?([0-9.]+):\d+\s+accepted\s+\S+:([0-9.]+):\d+`)

var defaultWhitelist = []string{
	"127.0.0.0/8", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
}

type minuteBucket struct {
	minute time.Time
	dests  map[string]struct{}
}

// Blocker holds detector state for one node.
type Blocker struct {
	exec  *hostexec.Executor
	ipset *ipset.Driver
	log   zerolog.Logger

	mu        sync.Mutex
	enabled   bool
	threshold int
	whitelist []*net.IPNet
	whitelistRaw []string

	buckets     map[string]*minuteBucket // sourceIP -> current minute bucket
	lastBan     map[string]time.Time     // sourceIP -> last ban time, dedup window
	processed   int
}

func New(exec *hostexec.Executor, ipsetDriver *ipset.Driver, log zerolog.Logger) *Blocker {
	b := &Blocker{
		exec:      exec,
		ipset:     ipsetDriver,
		log:       log,
		threshold: defaultThreshold,
		buckets:   make(map[string]*minuteBucket),
		lastBan:   make(map[string]time.Time),
	}
	if !b.loadState() {
		b.SetWhitelist(defaultWhitelist)
	}
	return b
}

// loadState restores enabled/threshold/whitelist from disk, reports
// whether a prior state was found.
func (b *Blocker) loadState() bool {
	data, err := os.ReadFile(statePath)
	if err != nil {
		return false
	}
	var s persistedState
	if err := json.Unmarshal(data, &s); err != nil {
		return false
	}
	b.mu.Lock()
	b.enabled = s.Enabled
	if s.Threshold >= minThreshold && s.Threshold <= maxThreshold {
		b.threshold = s.Threshold
	}
	b.mu.Unlock()
	if len(s.Whitelist) > 0 {
		b.SetWhitelist(s.Whitelist)
	}
	return true
}

func (b *Blocker) persist() {
	b.mu.Lock()
	s := persistedState{Enabled: b.enabled, Threshold: b.threshold, Whitelist: b.whitelistRaw}
	b.mu.Unlock()
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	_ = os.MkdirAll("/var/lib/monitoring", 0o755)
	_ = os.WriteFile(statePath, data, 0o644)
}

func (b *Blocker) SetEnabled(v bool) {
	b.mu.Lock()
	b.enabled = v
	b.mu.Unlock()
	b.persist()
}

func (b *Blocker) Enabled() bool { b.mu.Lock(); defer b.mu.Unlock(); return b.enabled }

func (b *Blocker) SetThreshold(n int) error {
	if n < minThreshold || n > maxThreshold {
		return errOutOfRange
	}
	b.mu.Lock()
	b.threshold = n
	b.mu.Unlock()
	b.persist()
	return nil
}

var errOutOfRange = &rangeErr{}

type rangeErr struct{}

func (*rangeErr) Error() string { return "behavior_threshold out of range [5,1000]" }

// SetWhitelist parses CIDRs; previously temp-banned IPs that now match the
// new whitelist are unbanned (spec §4.7).
func (b *Blocker) SetWhitelist(cidrs []string) {
	var nets []*net.IPNet
	for _, c := range cidrs {
		if !strings.Contains(c, "/") {
			c += "/32"
		}
		if _, n, err := net.ParseCIDR(c); err == nil {
			nets = append(nets, n)
		}
	}
	b.mu.Lock()
	b.whitelist = nets
	b.whitelistRaw = cidrs
	b.mu.Unlock()
	b.persist()

	go b.unbanWhitelisted(context.Background(), nets)
}

func (b *Blocker) unbanWhitelisted(ctx context.Context, nets []*net.IPNet) {
	ips, err := b.ipset.List(ctx, false, ipset.DirectionIn)
	if err != nil {
		return
	}
	for _, ip := range ips {
		if isWhitelisted(ip, nets) {
			_ = b.ipset.Remove(ctx, ip, false, ipset.DirectionIn)
		}
	}
}

func isWhitelisted(ipStr string, nets []*net.IPNet) bool {
	ip := net.ParseIP(strings.SplitN(ipStr, "/", 2)[0])
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ProcessLine is the shared sink both detectors read from — wired as
// xraylog.Ingester.RawLineSink.
func (b *Blocker) ProcessLine(ctx context.Context, line string) {
	if !b.Enabled() {
		return
	}

	if strings.Contains(line, "-> torrent") {
		if m := tagRe.FindStringSubmatch(line); m != nil {
			b.ban(ctx, m[1], "tag")
		}
		return
	}

	m := destRe.FindStringSubmatch(line)
	if m == nil {
		return
	}
	src, dst := m[1], m[2]
	if net.ParseIP(dst) == nil {
		return // only raw IPv4 destinations count, per spec §4.7
	}

	b.mu.Lock()
	now := time.Now()
	minute := now.Truncate(time.Minute)
	bucket, ok := b.buckets[src]
	if !ok || bucket.minute != minute {
		bucket = &minuteBucket{minute: minute, dests: make(map[string]struct{})}
		b.buckets[src] = bucket
	}
	bucket.dests[dst] = struct{}{}
	count := len(bucket.dests)
	threshold := b.threshold
	b.processed++
	doCleanup := b.processed%cleanupEvery == 0
	b.mu.Unlock()

	if doCleanup {
		b.cleanupBuckets()
	}

	if count >= threshold {
		b.ban(ctx, src, "behavior")
	}
}

func (b *Blocker) cleanupBuckets() {
	cutoff := time.Now().Add(-bucketMaxAge)
	b.mu.Lock()
	defer b.mu.Unlock()
	for ip, bucket := range b.buckets {
		if bucket.minute.Before(cutoff) {
			delete(b.buckets, ip)
		}
	}
}

func (b *Blocker) ban(ctx context.Context, ip, reason string) {
	b.mu.Lock()
	if isWhitelisted(ip, b.whitelist) {
		b.mu.Unlock()
		return
	}
	if last, ok := b.lastBan[ip]; ok && time.Since(last) < dedupWindow {
		b.mu.Unlock()
		return
	}
	b.lastBan[ip] = time.Now()
	b.mu.Unlock()

	if err := b.ipset.Add(ctx, ip, false, ipset.DirectionIn); err != nil {
		b.log.Warn().Err(err).Str("ip", ip).Msg("torrent temp-ban failed")
		return
	}
	b.exec.Execute(ctx, "conntrack -D -s "+ip, 5*time.Second, "sh")
	b.log.Info().Str("ip", ip).Str("reason", reason).Msg("torrent temp-ban applied")
}
