// Package fleet is the FleetCollector: a bounded-concurrency fan-out
// poller over every active server's /api/metrics, with sibling
// aggregation, HAProxy-cache, and xray-probe loops (spec §4.9). Grounded
// on stormgate's internal/rl rate-limited fan-out shape and the
// clause.OnConflict upsert idiom already used in internal/store/panel.
package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/nodewatch/fleetctl/internal/platform/httpclient"
	store "github.com/nodewatch/fleetctl/internal/store/panel"
)

const (
	defaultTickInterval = 10 * time.Second
	minTickInterval     = 5 * time.Second
	maxTickInterval     = 300 * time.Second

	maxConcurrency = 16

	snapshotRetention = 24 * time.Hour
	hourlyRetention   = 30 * 24 * time.Hour
	dailyRetention    = 365 * 24 * time.Hour

	deadlockMaxRetries = 3
)

// ErrorClass buckets the node polling failure modes from spec §4.9.
type ErrorClass string

const (
	ClassTimeout     ErrorClass = "timeout"
	ClassConnRefused ErrorClass = "connection_refused"
	ClassSSL         ErrorClass = "ssl"
	ClassAuth        ErrorClass = "auth"
	ClassServer      ErrorClass = "server"
	ClassUnknown     ErrorClass = "unknown"
)

func classify(err error, statusCode int) (ErrorClass, int) {
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		return ClassAuth, statusCode
	}
	if statusCode >= 500 {
		return ClassServer, statusCode
	}
	if err != nil {
		switch {
		case isTimeout(err):
			return ClassTimeout, 0
		case isConnRefused(err):
			return ClassConnRefused, 0
		case isTLS(err):
			return ClassSSL, 0
		}
	}
	return ClassUnknown, statusCode
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if t, ok := err.(timeouter); ok {
		return t.Timeout()
	}
	return containsAny(err, "context deadline exceeded", "Client.Timeout")
}
func isConnRefused(err error) bool { return containsAny(err, "connection refused") }
func isTLS(err error) bool         { return containsAny(err, "x509", "tls:") }

func containsAny(err error, needles ...string) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for _, n := range needles {
		if len(s) >= len(n) && indexOf(s, n) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// Collector runs the fleet poll loop and its sibling loops.
type Collector struct {
	db     *gorm.DB
	log    zerolog.Logger
	client *httpclient.Client

	tickInterval time.Duration
}

func New(db *gorm.DB, log zerolog.Logger, client *httpclient.Client) *Collector {
	return &Collector{db: db, log: log, client: client, tickInterval: defaultTickInterval}
}

// SetTickInterval clamps to [5,300]s per spec §4.9.
func (c *Collector) SetTickInterval(d time.Duration) {
	if d < minTickInterval {
		d = minTickInterval
	}
	if d > maxTickInterval {
		d = maxTickInterval
	}
	c.tickInterval = d
}

// Run drives the main tick loop plus aggregation/cache/xray-probe loops,
// each independently scheduled, until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	go c.aggregationLoop(ctx)
	go c.cacheLoop(ctx, 300*time.Second)
	go c.xrayProbeLoop(ctx, 2*time.Minute)

	t := time.NewTicker(c.tickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.tick(ctx)
		}
	}
}

func (c *Collector) activeServers() []store.Server {
	var servers []store.Server
	c.db.Where("active = ?", true).Find(&servers)
	return servers
}

func (c *Collector) tick(ctx context.Context) {
	servers := c.activeServers()
	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		sem <- struct{}{}
		go func(s store.Server) {
			defer wg.Done()
			defer func() { <-sem }()
			c.poll(ctx, s)
		}(s)
	}
	wg.Wait()
	c.cleanup()
}

type metricsBody struct {
	CPU struct {
		PercentTotal float64 `json:"percent_total"`
	} `json:"cpu"`
	Memory struct {
		UsedPercent float64 `json:"used_percent"`
		SwapPercent float64 `json:"swap_percent"`
	} `json:"memory"`
	Network struct {
		RxBytes int64 `json:"rx_bytes"`
		TxBytes int64 `json:"tx_bytes"`
	} `json:"network"`
	Raw json.RawMessage `json:"-"`
}

func (c *Collector) poll(ctx context.Context, s store.Server) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/api/metrics", nil)
	if err != nil {
		c.recordError(s.ID, ClassUnknown, 0, err.Error())
		return
	}
	req.Header.Set("X-API-Key", s.APIKey)

	resp, err := c.client.Do(ctx, httpclient.KindMetrics, req)
	if err != nil {
		class, code := classify(err, 0)
		c.recordError(s.ID, class, code, err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		class, code := classify(nil, resp.StatusCode)
		c.recordError(s.ID, class, code, fmt.Sprintf("unexpected status %d", resp.StatusCode))
		return
	}

	raw, err := decodeBody(resp)
	if err != nil {
		c.recordError(s.ID, ClassUnknown, 0, err.Error())
		return
	}

	var body metricsBody
	_ = json.Unmarshal(raw, &body)

	var prev store.MetricsSnapshot
	hasPrev := c.db.Where("server_id = ?", s.ID).Order("at DESC").First(&prev).Error == nil

	elapsed := time.Since(prev.At).Seconds()
	var rxRate, txRate float64
	if hasPrev && elapsed > 0 {
		rxRate = maxFloat(0, float64(body.Network.RxBytes-prev.RxBytes)) / elapsed
		txRate = maxFloat(0, float64(body.Network.TxBytes-prev.TxBytes)) / elapsed
		if body.Network.RxBytes < prev.RxBytes {
			rxRate = float64(body.Network.RxBytes) / elapsed
		}
		if body.Network.TxBytes < prev.TxBytes {
			txRate = float64(body.Network.TxBytes) / elapsed
		}
	}

	snap := store.MetricsSnapshot{
		ServerID:    s.ID,
		At:          time.Now(),
		CPUPercent:  body.CPU.PercentTotal,
		RAMPercent:  body.Memory.UsedPercent,
		SwapPercent: body.Memory.SwapPercent,
		RxBytes:     body.Network.RxBytes,
		TxBytes:     body.Network.TxBytes,
		RxBytesRate: rxRate,
		TxBytesRate: txRate,
		RawJSON:     string(raw),
	}
	c.withRetry(func() error { return c.db.Create(&snap).Error })

	now := time.Now()
	c.db.Model(&store.Server{}).Where("id = ?", s.ID).Updates(map[string]any{
		"last_seen": &now, "last_error": "", "error_code": 0,
	})
}

func decodeBody(resp *http.Response) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if err != nil {
			break
		}
	}
	return buf, nil
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func (c *Collector) recordError(serverID uint, class ErrorClass, code int, msg string) {
	c.db.Model(&store.Server{}).Where("id = ?", serverID).Updates(map[string]any{
		"last_error": string(class) + ": " + msg, "error_code": code,
	})
}

// withRetry retries a deadlock-prone write up to 3x with linear back-off
// (0.3 x attempt), per spec §4.9.
func (c *Collector) withRetry(fn func() error) error {
	var err error
	for attempt := 1; attempt <= deadlockMaxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !isDeadlock(err) {
			return err
		}
		time.Sleep(time.Duration(float64(attempt) * 0.3 * float64(time.Second)))
	}
	return err
}

func isDeadlock(err error) bool {
	return containsAny(err, "database is locked", "deadlock")
}

func (c *Collector) cleanup() {
	c.db.Where("at < ?", time.Now().Add(-snapshotRetention)).Delete(&store.MetricsSnapshot{})
	c.db.Where("period = ? AND at < ?", "hour", time.Now().Add(-hourlyRetention)).Delete(&store.AggregatedMetrics{})
	c.db.Where("period = ? AND at < ?", "day", time.Now().Add(-dailyRetention)).Delete(&store.AggregatedMetrics{})
}

// aggregationLoop closes out the previous hour/day into AggregatedMetrics
// rows once the boundary has passed.
func (c *Collector) aggregationLoop(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	var lastHour, lastDay time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := time.Now()
			hour := now.Truncate(time.Hour)
			if hour.After(lastHour) {
				c.rollup("hour", hour.Add(-time.Hour), hour)
				lastHour = hour
			}
			day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
			if day.After(lastDay) {
				c.rollup("day", day.AddDate(0, 0, -1), day)
				lastDay = day
			}
		}
	}
}

func (c *Collector) rollup(period string, from, to time.Time) {
	servers := c.activeServers()
	for _, s := range servers {
		var rows []store.MetricsSnapshot
		c.db.Where("server_id = ? AND at >= ? AND at < ?", s.ID, from, to).Find(&rows)
		if len(rows) == 0 {
			continue
		}
		agg := store.AggregatedMetrics{ServerID: s.ID, Period: period, At: from}
		for _, r := range rows {
			agg.CPUAvg += r.CPUPercent
			agg.RAMAvg += r.RAMPercent
			agg.RxBytesAvg += r.RxBytesRate
			agg.TxBytesAvg += r.TxBytesRate
			agg.RxBytesTotal += float64(r.RxBytes)
			agg.TxBytesTotal += float64(r.TxBytes)
			if r.CPUPercent > agg.CPUMax {
				agg.CPUMax = r.CPUPercent
			}
			if r.RAMPercent > agg.RAMMax {
				agg.RAMMax = r.RAMPercent
			}
			if r.RxBytesRate > agg.RxBytesMax {
				agg.RxBytesMax = r.RxBytesRate
			}
			if r.TxBytesRate > agg.TxBytesMax {
				agg.TxBytesMax = r.TxBytesRate
			}
		}
		n := float64(len(rows))
		agg.CPUAvg /= n
		agg.RAMAvg /= n
		agg.RxBytesAvg /= n
		agg.TxBytesAvg /= n
		c.db.Create(&agg)
	}
}

// cacheLoop fetches HAProxy + traffic summaries on a slower cadence.
func (c *Collector) cacheLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, s := range c.activeServers() {
				c.refreshCache(ctx, s)
			}
		}
	}
}

func (c *Collector) refreshCache(ctx context.Context, s store.Server) {
	haproxy, err := c.fetchJSON(ctx, s, "/api/haproxy/status", httpclient.KindHAProxy)
	if err == nil {
		c.db.Model(&store.Server{}).Where("id = ?", s.ID).Update("last_haproxy_data", string(haproxy))
	}
	traffic, err := c.fetchJSON(ctx, s, "/api/traffic/hourly", httpclient.KindHAProxy)
	if err == nil {
		c.db.Model(&store.Server{}).Where("id = ?", s.ID).Update("last_traffic_data", string(traffic))
	}
}

func (c *Collector) fetchJSON(ctx context.Context, s store.Server, path string, kind httpclient.Kind) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", s.APIKey)
	resp, err := c.client.Do(ctx, kind, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeBody(resp)
}

// xrayProbeLoop detects whether each node carries an Xray container.
func (c *Collector) xrayProbeLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, s := range c.activeServers() {
				req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/api/remnawave/status", nil)
				if err != nil {
					continue
				}
				req.Header.Set("X-API-Key", s.APIKey)
				resp, err := c.client.Do(ctx, httpclient.KindXrayCollect, req)
				has := err == nil && resp != nil && resp.StatusCode == http.StatusOK
				if resp != nil {
					resp.Body.Close()
				}
				c.db.Model(&store.Server{}).Where("id = ?", s.ID).Update("has_xray_node", has)
			}
		}
	}
}
