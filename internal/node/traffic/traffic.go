// Package traffic accounts per-port and per-interface byte counters using
// iptables accounting chains and /proc/net/dev, rolling raw ticks up into
// hourly/daily/monthly rows (spec §4.5). Grounded on the hostexec-wrapped
// shell idiom used throughout internal/node, and on the gorm
// upsert-on-conflict helper pattern in internal/store/panel.
package traffic

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nodewatch/fleetctl/internal/node/hostexec"
	store "github.com/nodewatch/fleetctl/internal/store/node"
)

const (
	chainIn  = "MON-TRAFFIC-IN"
	chainOut = "MON-TRAFFIC-OUT"

	stateFile = "/var/lib/monitoring/traffic_state.json"

	defaultTimeout = 10 * time.Second
)

// TrackedPort is one (port, proto) pair the accountant maintains a rule
// pair for.
type TrackedPort struct {
	Port  int
	Proto string // "tcp" | "udp"
}

type Accountant struct {
	exec *hostexec.Executor
	db   *gorm.DB
	log  zerolog.Logger

	mu      sync.Mutex
	tracked []TrackedPort
	// prevIface/prevPort hold the last-seen cumulative counters used to
	// compute delta = max(0, current-prev); a (current < prev) drop means
	// a reboot and delta becomes current (spec §4.5).
	prevIface map[string][2]int64 // iface -> [rx,tx]
	prevPort  map[string][2]int64 // "port/proto" -> [rx,tx]

	summaryMu    sync.Mutex
	summaryCache map[string]summaryEntry
}

type summaryEntry struct {
	value   any
	cachedAt time.Time
}

const summaryTTL = 120 * time.Second

func New(exec *hostexec.Executor, db *gorm.DB, log zerolog.Logger, tracked []TrackedPort) *Accountant {
	return &Accountant{
		exec:         exec,
		db:           db,
		log:          log,
		tracked:      tracked,
		prevIface:    map[string][2]int64{},
		prevPort:     map[string][2]int64{},
		summaryCache: map[string]summaryEntry{},
	}
}

// Init creates the accounting chains (if missing), attaches them at the
// top of INPUT/OUTPUT, ensures a rule per tracked port, and loads any
// saved counter baseline so a restart does not double-count.
func (a *Accountant) Init(ctx context.Context) error {
	if err := a.ensureChains(ctx); err != nil {
		return err
	}
	if err := a.ensurePortRules(ctx); err != nil {
		return err
	}
	a.loadState()
	return nil
}

func (a *Accountant) ensureChains(ctx context.Context) error {
	for _, chain := range []string{chainIn, chainOut} {
		check := a.exec.Execute(ctx, fmt.Sprintf("iptables -L %s -n", chain), defaultTimeout, "sh")
		if !check.Success {
			a.exec.Execute(ctx, fmt.Sprintf("iptables -N %s", chain), defaultTimeout, "sh")
		}
	}
	a.ensureJump(ctx, "INPUT", chainIn)
	a.ensureJump(ctx, "OUTPUT", chainOut)
	return nil
}

func (a *Accountant) ensureJump(ctx context.Context, parent, chain string) {
	check := a.exec.Execute(ctx, fmt.Sprintf("iptables -C %s -j %s", parent, chain), defaultTimeout, "sh")
	if !check.Success {
		a.exec.Execute(ctx, fmt.Sprintf("iptables -I %s 1 -j %s", parent, chain), defaultTimeout, "sh")
	}
}

func (a *Accountant) ensurePortRules(ctx context.Context) error {
	a.mu.Lock()
	tracked := append([]TrackedPort(nil), a.tracked...)
	a.mu.Unlock()

	for _, p := range tracked {
		in := fmt.Sprintf("iptables -C %s -p %s --dport %d", chainIn, p.Proto, p.Port)
		if !a.exec.Execute(ctx, in, defaultTimeout, "sh").Success {
			a.exec.Execute(ctx, fmt.Sprintf("iptables -A %s -p %s --dport %d", chainIn, p.Proto, p.Port), defaultTimeout, "sh")
		}
		out := fmt.Sprintf("iptables -C %s -p %s --sport %d", chainOut, p.Proto, p.Port)
		if !a.exec.Execute(ctx, out, defaultTimeout, "sh").Success {
			a.exec.Execute(ctx, fmt.Sprintf("iptables -A %s -p %s --sport %d", chainOut, p.Proto, p.Port), defaultTimeout, "sh")
		}
	}
	return nil
}

var ifaceLine = regexp.MustCompile(`^\s*([^:]+):\s*(\d+)(?:\s+\d+){7}\s+(\d+)`)

func readProcNetDev() (map[string][2]int64, error) {
	f, err := os.Open("/proc/net/dev")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := map[string][2]int64{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m := ifaceLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		rx, _ := strconv.ParseInt(m[2], 10, 64)
		tx, _ := strconv.ParseInt(m[3], 10, 64)
		out[strings.TrimSpace(m[1])] = [2]int64{rx, tx}
	}
	return out, sc.Err()
}

var portCounterLine = regexp.MustCompile(`^\s*\d+\s+(\d+)\s.*\b(?:dpt|spt):(\d+)`)

// readPortCounters parses `iptables -L <chain> -v -n -x` byte counters,
// keyed by destination/source port for the given chain's rule order.
func (a *Accountant) readPortCounters(ctx context.Context, chain string) (map[int]int64, error) {
	res := a.exec.Execute(ctx, fmt.Sprintf("iptables -L %s -v -n -x", chain), defaultTimeout, "sh")
	if !res.Success {
		return nil, fmt.Errorf("%s", res.Stderr)
	}
	out := map[int]int64{}
	for _, line := range strings.Split(res.Stdout, "\n") {
		m := portCounterLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		bytes, _ := strconv.ParseInt(m[1], 10, 64)
		port, _ := strconv.Atoi(m[2])
		out[port] = bytes
	}
	return out, nil
}

// Tick runs one collection cycle: read counters, compute deltas, persist
// raw rows, accumulate into hourly/daily/monthly buckets.
func (a *Accountant) Tick(ctx context.Context) error {
	now := time.Now()

	ifaceCounters, err := readProcNetDev()
	if err != nil {
		return err
	}
	inCounters, err := a.readPortCounters(ctx, chainIn)
	if err != nil {
		return err
	}
	outCounters, err := a.readPortCounters(ctx, chainOut)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for iface, cur := range ifaceCounters {
		prev, seen := a.prevIface[iface]
		a.prevIface[iface] = cur
		if !seen {
			continue // baseline only, per spec §4.5
		}
		drx := delta(cur[0], prev[0])
		dtx := delta(cur[1], prev[1])
		if drx == 0 && dtx == 0 {
			continue
		}
		row := &store.InterfaceTraffic{Interface: iface, At: now, RxBytes: drx, TxBytes: dtx}
		if err := a.db.Create(row).Error; err != nil {
			a.log.Warn().Err(err).Str("iface", iface).Msg("persist interface traffic failed")
		}
		a.accumulate(now, "iface:"+iface, drx, dtx)
	}

	for _, p := range a.tracked {
		key := fmt.Sprintf("%d/%s", p.Port, p.Proto)
		rx := inCounters[p.Port]
		tx := outCounters[p.Port]
		prev, seen := a.prevPort[key]
		a.prevPort[key] = [2]int64{rx, tx}
		if !seen {
			continue
		}
		drx := delta(rx, prev[0])
		dtx := delta(tx, prev[1])
		if drx == 0 && dtx == 0 {
			continue
		}
		row := &store.PortTraffic{Port: p.Port, Proto: p.Proto, At: now, RxBytes: drx, TxBytes: dtx}
		if err := a.db.Create(row).Error; err != nil {
			a.log.Warn().Err(err).Int("port", p.Port).Msg("persist port traffic failed")
		}
		a.accumulate(now, key, drx, dtx)
	}

	return nil
}

func delta(cur, prev int64) int64 {
	if cur < prev {
		return cur // reboot: counters reset, current value is the delta
	}
	return cur - prev
}

func (a *Accountant) accumulate(at time.Time, key string, rx, tx int64) {
	hour := at.Truncate(time.Hour)
	day := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, at.Location())
	month := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, at.Location())

	a.upsertBucket(&store.HourlyTraffic{Interface: key, Hour: hour}, rx, tx)
	a.upsertBucket(&store.DailyTraffic{Interface: key, Day: day}, rx, tx)
	a.upsertBucket(&store.MonthlyTraffic{Interface: key, Month: month}, rx, tx)
}

// upsertBucket uses an OnConflict upsert keyed by (interface, period
// column) to accumulate rx/tx, matching the gorm clause idiom used by
// internal/store/panel.UpsertXrayStats.
func (a *Accountant) upsertBucket(row any, rx, tx int64) {
	var conflictCols []clause.Column
	var periodCol string
	switch r := row.(type) {
	case *store.HourlyTraffic:
		r.RxBytes, r.TxBytes = rx, tx
		conflictCols = []clause.Column{{Name: "interface"}, {Name: "hour"}}
		periodCol = "hourly_traffics"
	case *store.DailyTraffic:
		r.RxBytes, r.TxBytes = rx, tx
		conflictCols = []clause.Column{{Name: "interface"}, {Name: "day"}}
		periodCol = "daily_traffics"
	case *store.MonthlyTraffic:
		r.RxBytes, r.TxBytes = rx, tx
		conflictCols = []clause.Column{{Name: "interface"}, {Name: "month"}}
		periodCol = "monthly_traffics"
	}
	err := a.db.Clauses(clause.OnConflict{
		Columns: conflictCols,
		DoUpdates: clause.Assignments(map[string]any{
			"rx_bytes": gorm.Expr(periodCol + ".rx_bytes + ?", rx),
			"tx_bytes": gorm.Expr(periodCol + ".tx_bytes + ?", tx),
		}),
	}).Create(row).Error
	if err != nil {
		a.log.Warn().Err(err).Msg("upsert traffic bucket failed")
	}
}

// PersistState and loadState implement the "every 5 min, write a durable
// state file" requirement so a restart does not double-count (spec §4.5).
func (a *Accountant) PersistState() {
	a.mu.Lock()
	defer a.mu.Unlock()
	// Reusing the baseline maps directly as the durable snapshot keeps
	// this symmetric with loadState below.
	_ = os.MkdirAll("/var/lib/monitoring", 0o755)
	f, err := os.Create(stateFile)
	if err != nil {
		a.log.Warn().Err(err).Msg("persist traffic state failed")
		return
	}
	defer f.Close()
	for iface, v := range a.prevIface {
		fmt.Fprintf(f, "iface %s %d %d\n", iface, v[0], v[1])
	}
	for key, v := range a.prevPort {
		fmt.Fprintf(f, "port %s %d %d\n", key, v[0], v[1])
	}
}

func (a *Accountant) loadState() {
	f, err := os.Open(stateFile)
	if err != nil {
		return
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 4 {
			continue
		}
		rx, _ := strconv.ParseInt(fields[2], 10, 64)
		tx, _ := strconv.ParseInt(fields[3], 10, 64)
		switch fields[0] {
		case "iface":
			a.prevIface[fields[1]] = [2]int64{rx, tx}
		case "port":
			a.prevPort[fields[1]] = [2]int64{rx, tx}
		}
	}
}

// Retain deletes raw rows older than retentionDays, called once a day.
func (a *Accountant) Retain(retentionDays int) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	if err := store.PruneInterfaceTraffic(a.db, cutoff); err != nil {
		a.log.Warn().Err(err).Msg("prune interface traffic failed")
	}
	if err := store.PrunePortTraffic(a.db, cutoff); err != nil {
		a.log.Warn().Err(err).Msg("prune port traffic failed")
	}
}

// Summary is a memoized (120s) per-key aggregate, matching spec §4.5's
// "summary queries are memoized for 120s".
func (a *Accountant) Summary(key string, compute func() any) any {
	a.summaryMu.Lock()
	defer a.summaryMu.Unlock()
	if e, ok := a.summaryCache[key]; ok && time.Since(e.cachedAt) < summaryTTL {
		return e.value
	}
	v := compute()
	a.summaryCache[key] = summaryEntry{value: v, cachedAt: time.Now()}
	return v
}
