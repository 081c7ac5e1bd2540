// Package xrayagg is the XrayAggregator: pulls stats from every enabled
// Remnawave node and merges them into the XrayStats fact table behind a
// single process-wide write lock, avoiding the inter-node deadlocks naive
// parallel upserts would cause (spec §4.10). Grounded on the
// clause.OnConflict chunked-upsert idiom in internal/store/panel and the
// bounded fan-out shape in internal/panel/fleet.
package xrayagg

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/nodewatch/fleetctl/internal/platform/cache"
	"github.com/nodewatch/fleetctl/internal/platform/httpclient"
	"github.com/nodewatch/fleetctl/internal/platform/metrics"
	store "github.com/nodewatch/fleetctl/internal/store/panel"
)

const (
	defaultInterval = 60 * time.Second
	minInterval     = 60 * time.Second
	maxInterval     = 900 * time.Second

	chunkSize      = 500
	deadlockRetries = 3

	userCacheInterval = 30 * time.Minute
	userCachePageSize = 200
	userCacheConc     = 5

	cleanupCronSchedule = "15 3 * * *" // daily at 03:15, off peak collection hours
	defaultVisitRetain  = 365 * 24 * time.Hour
	defaultHourlyRetain = 90 * 24 * time.Hour
	staleUserCacheAfter = 7 * 24 * time.Hour
)

type statLine struct {
	Email    int64  `json:"email"`
	SourceIP string `json:"source_ip"`
	Host     string `json:"host"`
	Count    int64  `json:"count"`
}

type collectResponse struct {
	Stats []statLine `json:"stats"`
}

// Aggregator owns the process-wide write lock used by every merge.
type Aggregator struct {
	db     *gorm.DB
	log    zerolog.Logger
	client *httpclient.Client

	writeLock sync.Mutex

	IgnoredUsers        map[int64]bool
	ExcludedDestinations map[string]bool

	// Cache, when set, guards collectCycle with a short-TTL marker so two
	// panel replicas pointed at the same Remnawave fleet never overlap a
	// collection cycle. Defaults to an in-process MemoryStore, which still
	// protects a single replica against overlap from a slow prior cycle.
	Cache cache.Store

	RebuildSummaries func()
}

const collectLockTTL = 45 * time.Second

func New(db *gorm.DB, log zerolog.Logger, client *httpclient.Client) *Aggregator {
	return &Aggregator{
		db: db, log: log, client: client,
		IgnoredUsers:         map[int64]bool{},
		ExcludedDestinations: map[string]bool{},
		Cache:                cache.NewMemoryStore(),
	}
}

type Node struct {
	BaseURL string
	APIKey  string
}

// Run drives the collection loop plus the user-cache and cleanup loops.
func (a *Aggregator) Run(ctx context.Context, nodes func() []Node, interval time.Duration) {
	if interval < minInterval {
		interval = minInterval
	}
	if interval > maxInterval {
		interval = maxInterval
	}

	go a.userCacheLoop(ctx, nodes)
	go a.cleanupLoop(ctx)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.collectCycle(ctx, nodes())
		}
	}
}

func (a *Aggregator) collectCycle(ctx context.Context, nodes []Node) {
	if a.Cache != nil {
		var marker string
		if found, _ := a.Cache.Get(ctx, "xray:collect:lock", &marker); found {
			a.log.Debug().Msg("xray collect cycle already in flight, skipping")
			metrics.XrayCollectCycles.WithLabelValues("skipped").Inc()
			return
		}
		_ = a.Cache.Set(ctx, "xray:collect:lock", "1", collectLockTTL)
		defer a.Cache.Delete(ctx, "xray:collect:lock")
	}

	var wg sync.WaitGroup
	results := make(chan []statLine, len(nodes))
	for _, n := range nodes {
		wg.Add(1)
		go func(n Node) {
			defer wg.Done()
			stats, err := a.collectOne(ctx, n)
			if err != nil {
				a.log.Warn().Err(err).Str("node", n.BaseURL).Msg("xray stats collect failed")
				return
			}
			results <- stats
		}(n)
	}
	go func() { wg.Wait(); close(results) }()

	var all []statLine
	for r := range results {
		all = append(all, r...)
	}
	if len(all) == 0 {
		metrics.XrayCollectCycles.WithLabelValues("empty").Inc()
		return
	}
	a.merge(all)
	metrics.XrayCollectCycles.WithLabelValues("ok").Inc()

	if a.RebuildSummaries != nil {
		a.RebuildSummaries()
	}
}

func (a *Aggregator) collectOne(ctx context.Context, n Node) ([]statLine, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.BaseURL+"/api/remnawave/stats/collect", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", n.APIKey)
	resp, err := a.client.Do(ctx, httpclient.KindXrayCollect, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body collectResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Stats, nil
}

// merge implements the critical-path contract from spec §4.10: filter,
// lock, chunked upsert, hourly bucket, with deadlock retry.
func (a *Aggregator) merge(lines []statLine) {
	type key struct {
		email int64
		ip    string
		host  string
	}
	updates := map[key]int64{}
	var totalVisits int64
	uniqueUsers := map[int64]bool{}
	uniqueHosts := map[string]bool{}

	for _, l := range lines {
		if a.IgnoredUsers[l.Email] || a.ExcludedDestinations[l.Host] {
			continue
		}
		k := key{l.Email, l.SourceIP, l.Host}
		updates[k] += l.Count
		totalVisits += l.Count
		uniqueUsers[l.Email] = true
		uniqueHosts[l.Host] = true
	}
	if len(updates) == 0 {
		return
	}

	a.writeLock.Lock()
	defer a.writeLock.Unlock()

	rows := make([]store.XrayStats, 0, len(updates))
	now := time.Now()
	for k, count := range updates {
		rows = append(rows, store.XrayStats{Email: k.email, SourceIP: k.ip, Host: k.host, Count: count, FirstSeen: now, LastSeen: now})
	}

	for i := 0; i < len(rows); i += chunkSize {
		end := i + chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		a.withRetry(func() error {
			for _, row := range rows[i:end] {
				if err := store.UpsertXrayStats(a.db, &row); err != nil {
					return err
				}
			}
			return nil
		})
	}

	hour := now.Truncate(time.Hour)
	a.withRetry(func() error {
		var existing store.XrayHourlyStats
		err := a.db.Where("server_id = 0 AND hour = ?", hour).First(&existing).Error
		if err != nil {
			return a.db.Create(&store.XrayHourlyStats{
				ServerID: 0, Hour: hour, Visits: totalVisits,
				UniqueUsers: int64(len(uniqueUsers)), UniqueHosts: int64(len(uniqueHosts)),
			}).Error
		}
		return a.db.Model(&existing).Updates(map[string]any{
			"visits":       existing.Visits + totalVisits,
			"unique_users": len(uniqueUsers),
			"unique_hosts": len(uniqueHosts),
		}).Error
	})
}

func (a *Aggregator) withRetry(fn func() error) {
	for attempt := 1; attempt <= deadlockRetries; attempt++ {
		if err := fn(); err == nil {
			return
		} else if attempt == deadlockRetries {
			a.log.Warn().Err(err).Msg("xray merge write failed after retries")
		} else {
			time.Sleep(time.Duration(float64(attempt)*0.3) * time.Second)
		}
	}
}

// userCacheLoop paginates the upstream VPN panel's /api/users every 30min.
func (a *Aggregator) userCacheLoop(ctx context.Context, nodes func() []Node) {
	t := time.NewTicker(userCacheInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.refreshUserCache(ctx, nodes())
		}
	}
}

// refreshUserCache pages the upstream panel's /api/users at concurrency 5
// (spec §4.10): each round fetches userCacheConc pages in flight and keeps
// going while any page in the round reports more, retrying a failed page
// once before giving up on the whole refresh.
func (a *Aggregator) refreshUserCache(ctx context.Context, nodes []Node) {
	if len(nodes) == 0 {
		return
	}
	upstream := nodes[0]

	seen := map[int64]bool{}
	failed := false

	type pageResult struct {
		users []store.RemnawaveUserCache
		more  bool
		err   error
	}

	const maxPages = 1000
	for base := 1; base <= maxPages; base += userCacheConc {
		results := make([]pageResult, userCacheConc)
		var wg sync.WaitGroup
		for i := 0; i < userCacheConc; i++ {
			page := base + i
			wg.Add(1)
			go func(i, page int) {
				defer wg.Done()
				users, more, err := a.fetchUserPageWithRetry(ctx, upstream, page)
				results[i] = pageResult{users: users, more: more, err: err}
			}(i, page)
		}
		wg.Wait()

		anyMore := false
		for _, r := range results {
			if r.err != nil {
				failed = true
				break
			}
			for _, u := range r.users {
				seen[u.Email] = true
				a.db.Save(&u)
			}
			if r.more {
				anyMore = true
			}
		}
		if failed || !anyMore {
			break
		}
	}

	if failed {
		a.log.Warn().Msg("remnawave user cache refresh failed, retaining old cache")
		return
	}

	var toDelete []int64
	var existing []store.RemnawaveUserCache
	a.db.Find(&existing)
	for _, e := range existing {
		if !seen[e.Email] {
			toDelete = append(toDelete, e.Email)
		}
	}
	if len(toDelete) > 0 {
		a.db.Where("email IN ?", toDelete).Delete(&store.RemnawaveUserCache{})
	}
}

// fetchUserPageWithRetry retries a page fetch once on failure, per spec §4.10.
func (a *Aggregator) fetchUserPageWithRetry(ctx context.Context, node Node, page int) ([]store.RemnawaveUserCache, bool, error) {
	users, more, err := a.fetchUserPage(ctx, node, page)
	if err != nil {
		users, more, err = a.fetchUserPage(ctx, node, page)
	}
	return users, more, err
}

func (a *Aggregator) fetchUserPage(ctx context.Context, node Node, page int) ([]store.RemnawaveUserCache, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, node.BaseURL+"/api/users", nil)
	if err != nil {
		return nil, false, err
	}
	q := req.URL.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(userCachePageSize))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("X-API-Key", node.APIKey)

	resp, err := a.client.Do(ctx, httpclient.KindXrayCollect, req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	var body struct {
		Users []store.RemnawaveUserCache `json:"users"`
		More  bool                       `json:"more"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, false, err
	}
	return body.Users, body.More, nil
}

// cleanupLoop prunes stale fact/hourly/user-cache rows on a fixed daily
// wallclock schedule, rather than a from-process-start ticker, so retention
// sweeps land at the same off-peak time regardless of restarts.
func (a *Aggregator) cleanupLoop(ctx context.Context) {
	c := cron.New()
	if _, err := c.AddFunc(cleanupCronSchedule, func() {
		a.cleanup(defaultVisitRetain, defaultHourlyRetain)
	}); err != nil {
		a.log.Error().Err(err).Msg("invalid cleanup cron schedule, retention sweep disabled")
		return
	}
	c.Start()
	defer c.Stop()
	<-ctx.Done()
}

func (a *Aggregator) cleanup(visitRetain, hourlyRetain time.Duration) {
	res := a.db.Where("last_seen < ?", time.Now().Add(-visitRetain)).Delete(&store.XrayStats{})
	if res.RowsAffected > 0 {
		a.db.Exec("VACUUM xray_stats")
	}
	res = a.db.Where("hour < ?", time.Now().Add(-hourlyRetain)).Delete(&store.XrayHourlyStats{})
	if res.RowsAffected > 0 {
		a.db.Exec("VACUUM xray_hourly_stats")
	}
	a.db.Where("updated_at < ?", time.Now().Add(-staleUserCacheAfter)).Delete(&store.RemnawaveUserCache{})
}
