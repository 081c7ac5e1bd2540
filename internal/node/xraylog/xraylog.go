// Package xraylog tails the Xray access.log from the remnanode container
// and aggregates (email, source_ip, host) visit counts in memory for the
// panel to pull periodically (spec §4.6). The tail-and-parse loop is
// grounded on hostexec.Executor's streaming exec (docker exec tail -f);
// the bounded-map-with-watchdog shape generalizes
// skywalker-88-stormgate/internal/anom.Detector's bucketed counters into
// a single aggregate map with a size/age eviction policy instead of a
// sliding time window.
package xraylog

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodewatch/fleetctl/internal/node/hostexec"
)

const (
	maxLines     = 200_000
	maxBytes     = 100 * 1024 * 1024
	maxEntries   = 1_000_000
	maxAggBytes  = 256 * 1024 * 1024
	staleAfter   = 10 * time.Minute
	drainPeriod  = 5 * time.Second
	watchdogTick = 30 * time.Second
	nearLimitPct = 0.9
)

var lineRe = regexp.MustCompile(
	`^(?:\S+\s+)+?from\s+(?:tcp:)?([0-9.]+):\d+\s+accepted\s+(tcp|udp):([^:\s]+):\d+\s+\[.+?\]\s+email:\s*(\d+)`)

// Key identifies one (email, source_ip, host) accumulator cell.
type Key struct {
	Email    int64  `json:"email"`
	SourceIP string `json:"source_ip"`
	Host     string `json:"host"`
}

// Snapshot is the result of collect_and_clear().
type Snapshot struct {
	CollectedAt time.Time  `json:"collected_at"`
	Stats       []StatLine `json:"stats"`
}

type StatLine struct {
	Key
	Count int64 `json:"count"`
}

// Ingester owns the bounded line buffer and the aggregate map.
type Ingester struct {
	exec      *hostexec.Executor
	log       zerolog.Logger
	container string

	lineMu sync.Mutex
	lines  []string

	mu           sync.Mutex
	agg          map[Key]int64
	lastDrain    time.Time
	autoFlushes  int64
	skipNextDrain bool

	// RawLineSink, when set, receives every tailed line in addition to the
	// aggregate accounting above — internal/node/torrent subscribes here so
	// both detectors read the single docker-exec tail stream.
	RawLineSink func(line string)
}

func New(exec *hostexec.Executor, log zerolog.Logger, container string) *Ingester {
	return &Ingester{
		exec:      exec,
		log:       log,
		container: container,
		agg:       make(map[Key]int64),
		lastDrain: time.Now(),
	}
}

// Active reports whether the remnanode container is present and running,
// backing the /api/remnawave/status probe the panel uses to decide
// whether a server carries an Xray workload.
func (ing *Ingester) Active(ctx context.Context) bool {
	res := ing.exec.Execute(ctx, "docker inspect -f {{.State.Running}} "+ing.container, 5*time.Second, "sh")
	return res.Success && strings.TrimSpace(res.Stdout) == "true"
}

// Run starts the tail reader, the 5s batch processor, and the 30s memory
// watchdog. Blocks until ctx is cancelled. On failed container lookup it
// sleeps and retries, per spec §4.6.
func (ing *Ingester) Run(ctx context.Context) {
	go ing.watchdogLoop(ctx)
	go ing.drainLoop(ctx)
	ing.tailLoop(ctx)
}

func (ing *Ingester) tailLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		cmd := "docker exec " + ing.container + " tail -f -n 0 /var/log/xray/access.log"
		events := ing.exec.ExecuteStream(ctx, cmd, 600*time.Second, "sh")
		for ev := range events {
			if ev.Kind == "stdout" {
				ing.pushLine(ev.Line)
			}
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (ing *Ingester) pushLine(line string) {
	if ing.RawLineSink != nil {
		ing.RawLineSink(line)
	}
	ing.lineMu.Lock()
	defer ing.lineMu.Unlock()
	if len(ing.lines) >= maxLines {
		ing.lines = ing.lines[1:]
	}
	ing.lines = append(ing.lines, line)
}

func (ing *Ingester) drainLoop(ctx context.Context) {
	t := time.NewTicker(drainPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ing.drainOnce()
		}
	}
}

func (ing *Ingester) drainOnce() {
	ing.mu.Lock()
	skip := ing.skipNextDrain
	ing.skipNextDrain = false
	ing.mu.Unlock()
	if skip {
		return
	}

	ing.lineMu.Lock()
	batch := ing.lines
	ing.lines = nil
	ing.lineMu.Unlock()

	if len(batch) == 0 {
		return
	}

	ing.mu.Lock()
	defer ing.mu.Unlock()
	for _, line := range batch {
		if strings.Contains(line, "-> BLOCK") || strings.Contains(line, ">> BLOCK") || strings.Contains(line, "-> torrent") {
			continue
		}
		m := lineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		host := strings.SplitN(m[3], ":", 2)[0]
		var email int64
		for _, c := range m[4] {
			email = email*10 + int64(c-'0')
		}
		key := Key{Email: email, SourceIP: m[1], Host: host}
		ing.agg[key]++
	}
	ing.lastDrain = time.Now()
}

func (ing *Ingester) watchdogLoop(ctx context.Context) {
	t := time.NewTicker(watchdogTick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ing.watchdogTick()
		}
	}
}

func (ing *Ingester) watchdogTick() {
	ing.mu.Lock()
	defer ing.mu.Unlock()

	entries := len(ing.agg)
	approxBytes := entries * 96 // rough per-entry cost estimate

	stale := time.Since(ing.lastDrain) > staleAfter
	over := entries >= maxEntries || approxBytes >= maxAggBytes

	if over || stale {
		ing.agg = make(map[Key]int64)
		ing.autoFlushes++
		ing.log.Warn().Bool("stale", stale).Int("entries", entries).Msg("xray aggregate map flushed by watchdog")
		ing.skipNextDrain = false
		return
	}

	if float64(entries) >= nearLimitPct*float64(maxEntries) || float64(approxBytes) >= nearLimitPct*float64(maxAggBytes) {
		ing.skipNextDrain = true
	}
}

// CollectAndClear drains any pending batch, snapshots, and resets state
// atomically — the sole read path for the panel's aggregator.
func (ing *Ingester) CollectAndClear() Snapshot {
	ing.drainOnce()

	ing.mu.Lock()
	defer ing.mu.Unlock()

	snap := Snapshot{CollectedAt: time.Now()}
	for k, c := range ing.agg {
		snap.Stats = append(snap.Stats, StatLine{Key: k, Count: c})
	}
	ing.agg = make(map[Key]int64)
	return snap
}

func (ing *Ingester) AutoFlushCount() int64 {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	return ing.autoFlushes
}
