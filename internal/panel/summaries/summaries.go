// Package summaries rebuilds the projection tables (global, per-
// destination, per-user) over the xray_stats fact table after every
// aggregation cycle, and resolves which client IPs are actually shared
// infrastructure rather than distinct end users (spec §4.12). Grounded
// on store/panel's upsert idiom and the asn package's ASN-threshold
// classification.
package summaries

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/nodewatch/fleetctl/internal/panel/asn"
	store "github.com/nodewatch/fleetctl/internal/store/panel"
)

const (
	infraCacheTTL   = time.Hour
	defaultInterval = 5 * time.Minute
)

// Builder rebuilds the summary tables from xray_stats.
type Builder struct {
	db       *gorm.DB
	log      zerolog.Logger
	resolver *asn.Resolver

	InfraHostnames []string // known-infra domains resolved to an IP set

	infraMu      sync.RWMutex
	infraIPs     map[string]bool
	infraAt      time.Time
}

func New(db *gorm.DB, log zerolog.Logger, resolver *asn.Resolver) *Builder {
	return &Builder{db: db, log: log, resolver: resolver, infraIPs: map[string]bool{}}
}

// Run periodically rebuilds every summary table; also invoked directly
// by xrayagg after each collection cycle via RebuildSummaries.
func (b *Builder) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.RebuildAll(ctx)
		}
	}
}

// minActiveIPVisits is the literal per-(email, source_ip) visit threshold
// below which an IP doesn't count as an active client IP at all (ground
// truth: xray_stats_collector.py's rebuild_summary_tables, "ip_total >=
// 1000"). This is a fixed constant there, distinct from the
// TrafficAnalyzerSettings.MinASNVisitCount the anomaly pass's ASN
// clustering uses.
const minActiveIPVisits = 1000

func (b *Builder) RebuildAll(ctx context.Context) {
	b.refreshInfraIPs(ctx)

	if err := b.rebuildGlobal(ctx); err != nil {
		b.log.Warn().Err(err).Msg("global summary rebuild failed")
	}
	if err := b.rebuildDestinations(ctx); err != nil {
		b.log.Warn().Err(err).Msg("destination summary rebuild failed")
	}
	if err := b.rebuildUsers(ctx); err != nil {
		b.log.Warn().Err(err).Msg("user summary rebuild failed")
	}
}

func (b *Builder) rebuildGlobal(ctx context.Context) error {
	var row struct {
		TotalVisits  int64
		UniqueEmails int64
		UniqueHosts  int64
	}
	if err := b.db.WithContext(ctx).Model(&store.XrayStats{}).
		Select("COALESCE(SUM(count),0) as total_visits, COUNT(DISTINCT email) as unique_emails, COUNT(DISTINCT host) as unique_hosts").
		Scan(&row).Error; err != nil {
		return err
	}
	return b.db.WithContext(ctx).Save(&store.XrayGlobalSummary{
		ID: 1, TotalVisits: row.TotalVisits, UniqueEmails: row.UniqueEmails,
		UniqueHosts: row.UniqueHosts, RebuiltAt: time.Now(),
	}).Error
}

func (b *Builder) rebuildDestinations(ctx context.Context) error {
	var rows []struct {
		Host         string
		TotalVisits  int64
		UniqueEmails int64
		LastSeen     time.Time
	}
	if err := b.db.WithContext(ctx).Model(&store.XrayStats{}).
		Select("host, SUM(count) as total_visits, COUNT(DISTINCT email) as unique_emails, MAX(last_seen) as last_seen").
		Group("host").Scan(&rows).Error; err != nil {
		return err
	}
	for _, r := range rows {
		b.db.WithContext(ctx).Save(&store.XrayDestinationSummary{
			Host: r.Host, TotalVisits: r.TotalVisits, UniqueEmails: r.UniqueEmails, LastSeen: r.LastSeen,
		})
	}
	return nil
}

// rebuildUsers computes, per email: total visits, unique destination
// hosts, and a client-IP count split into genuine-client vs
// infrastructure. Ground truth: xray_stats_collector.py's
// rebuild_summary_tables — an (email, source_ip) pair only counts as an
// active client IP once its own visit total clears minActiveIPVisits, and
// any IP in the literal known-infrastructure set counts as infrastructure
// instead, regardless of its visit total. No ASN clustering is involved
// here; that belongs to the anomaly pass's per-user 24h device-count
// check instead.
func (b *Builder) rebuildUsers(ctx context.Context) error {
	var facts []store.XrayStats
	if err := b.db.WithContext(ctx).Find(&facts).Error; err != nil {
		return err
	}

	type ipKey struct {
		email int64
		ip    string
	}
	type agg struct {
		totalVisits         int64
		hosts               map[string]bool
		clientIPs, infraIPs int64
		first, last         time.Time
	}
	byEmail := map[int64]*agg{}
	ipTotals := map[ipKey]int64{}

	for _, f := range facts {
		a, ok := byEmail[f.Email]
		if !ok {
			a = &agg{hosts: map[string]bool{}, first: f.FirstSeen, last: f.LastSeen}
			byEmail[f.Email] = a
		}
		a.totalVisits += f.Count
		a.hosts[f.Host] = true
		if f.FirstSeen.Before(a.first) {
			a.first = f.FirstSeen
		}
		if f.LastSeen.After(a.last) {
			a.last = f.LastSeen
		}
		ipTotals[ipKey{f.Email, f.SourceIP}] += f.Count
	}

	for k, total := range ipTotals {
		a := byEmail[k.email]
		if b.IsInfraIP(k.ip) {
			a.infraIPs++
		} else if total >= minActiveIPVisits {
			a.clientIPs++
		}
	}

	for email, a := range byEmail {
		row := store.XrayUserSummary{
			Email: email, TotalVisits: a.totalVisits, UniqueSites: int64(len(a.hosts)),
			UniqueClientIPs: a.clientIPs, InfrastructureIPs: a.infraIPs,
			FirstSeen: a.first, LastSeen: a.last,
		}
		b.db.WithContext(ctx).Save(&row)
	}
	return nil
}

// IsInfraIP reports whether ip is one of the A/AAAA addresses that the
// InfraHostnames entries resolved to, re-resolved at most hourly by
// refreshInfraIPs. No other address source (server base URLs, manually
// declared addresses) is consulted. Shared with the anomaly pass so both
// agree on what counts as a distinct client.
func (b *Builder) IsInfraIP(ip string) bool {
	b.infraMu.RLock()
	defer b.infraMu.RUnlock()
	return b.infraIPs[ip]
}

func (b *Builder) refreshInfraIPs(ctx context.Context) {
	b.infraMu.RLock()
	fresh := time.Since(b.infraAt) < infraCacheTTL
	b.infraMu.RUnlock()
	if fresh || b.resolver == nil || len(b.InfraHostnames) == 0 {
		return
	}

	next := map[string]bool{}
	for _, host := range b.InfraHostnames {
		addrs, err := b.resolver.ResolveHostAddrs(ctx, host)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			next[a] = true
		}
	}

	b.infraMu.Lock()
	b.infraIPs = next
	b.infraAt = time.Now()
	b.infraMu.Unlock()
}

// TopUsers/TopDestinations serve period-scoped rankings directly from
// the fact table, bypassing the (unbounded-period) projections above.
func (b *Builder) TopUsers(ctx context.Context, since time.Time, limit int) ([]store.XrayUserSummary, error) {
	var rows []store.XrayUserSummary
	err := b.db.WithContext(ctx).Model(&store.XrayStats{}).
		Select("email, SUM(count) as total_visits, COUNT(DISTINCT host) as unique_sites, COUNT(DISTINCT source_ip) as unique_client_ips, MAX(last_seen) as last_seen").
		Where("last_seen >= ?", since).
		Group("email").Order("total_visits DESC").Limit(limit).Scan(&rows).Error
	return rows, err
}

func (b *Builder) TopDestinations(ctx context.Context, since time.Time, limit int) ([]store.XrayDestinationSummary, error) {
	var rows []store.XrayDestinationSummary
	err := b.db.WithContext(ctx).Model(&store.XrayStats{}).
		Select("host, SUM(count) as total_visits, COUNT(DISTINCT email) as unique_emails, MAX(last_seen) as last_seen").
		Where("last_seen >= ?", since).
		Group("host").Order("total_visits DESC").Limit(limit).Scan(&rows).Error
	return rows, err
}
