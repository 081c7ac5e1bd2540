// Package anomaly runs the periodic traffic/IP-count/HWID analysis pass
// that flags likely account sharing or credential leakage (spec §4.14).
// Grounded on summaries' ASN-threshold IP classification and
// store/panel's upsert idiom; HWID data is pre-fetched in paginated
// batches the same way xrayagg paginates the upstream user cache.
package anomaly

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/nodewatch/fleetctl/internal/panel/asn"
	"github.com/nodewatch/fleetctl/internal/platform/httpclient"
	"github.com/nodewatch/fleetctl/internal/platform/metrics"
	store "github.com/nodewatch/fleetctl/internal/store/panel"
)

func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}

const (
	defaultInterval = 30 * time.Minute
	minInterval     = 15 * time.Minute
	maxInterval     = 120 * time.Minute

	hwidBatchSize = 100
	dedupWindow   = 24 * time.Hour
	ipCountWindow = 24 * time.Hour
)

// knownGoodUAPatterns and denyListSubstrings classify the user-agent
// strings carried in HWID records; a denylisted substring always wins
// over a known-good pattern match.
var knownGoodUAPatterns = []string{
	"v2rayNG", "NekoBox", "Shadowrocket", "Streisand", "Hiddify", "FoXray",
}

var denyListSubstrings = []string{
	"curl/", "python-requests", "Go-http-client", "okhttp", "PostmanRuntime",
}

type hwidRecord struct {
	Email int64  `json:"email"`
	HWID  string `json:"hwid"`
	UA    string `json:"user_agent"`
}

// Analyzer runs traffic/IP/HWID anomaly passes against a single upstream
// VPN panel (the first configured server carrying Xray, per xrayagg).
// infraClassifier reports whether an IP is known shared infrastructure
// (for summaries.Builder: an address resolved from its InfraHostnames),
// never a distinct client — the same source of truth summaries.Builder rebuilds users from.
type infraClassifier interface {
	IsInfraIP(ip string) bool
}

type Analyzer struct {
	db       *gorm.DB
	log      zerolog.Logger
	client   *httpclient.Client
	resolver *asn.Resolver
	infra    infraClassifier
}

func New(db *gorm.DB, log zerolog.Logger, client *httpclient.Client, resolver *asn.Resolver, infra infraClassifier) *Analyzer {
	return &Analyzer{db: db, log: log, client: client, resolver: resolver, infra: infra}
}

func (a *Analyzer) settings() store.TrafficAnalyzerSettings {
	var s store.TrafficAnalyzerSettings
	if err := a.db.First(&s, 1).Error; err != nil {
		return store.TrafficAnalyzerSettings{
			Enabled: true, IntervalMinutes: 30, HWIDDeviceLimit: 3,
			IPLimitMultiplier: 2.0, MinASNVisitCount: 1000,
		}
	}
	return s
}

// Run drives the periodic pass at the configured interval, re-read on
// every tick so operators can adjust it without a restart.
func (a *Analyzer) Run(ctx context.Context, upstreamBase, upstreamKey string) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	lastRun := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cfg := a.settings()
			if !cfg.Enabled {
				continue
			}
			interval := time.Duration(cfg.IntervalMinutes) * time.Minute
			if interval < minInterval {
				interval = minInterval
			}
			if interval > maxInterval {
				interval = maxInterval
			}
			if time.Since(lastRun) < interval {
				continue
			}
			lastRun = time.Now()
			a.runPass(ctx, cfg, upstreamBase, upstreamKey)
		}
	}
}

func (a *Analyzer) runPass(ctx context.Context, cfg store.TrafficAnalyzerSettings, upstreamBase, upstreamKey string) {
	ignored := parseIgnoredUsers(cfg.IgnoredUsersJSON)

	hwids, err := a.fetchAllHWIDs(ctx, upstreamBase, upstreamKey)
	if err != nil {
		a.log.Warn().Err(err).Msg("hwid pre-fetch failed, skipping hwid anomaly pass")
	}

	a.trafficPass(ctx, ignored)
	a.ipCountPass(ctx, cfg, ignored)
	if err == nil {
		a.hwidPass(ctx, cfg, hwids, ignored)
	}
}

func parseIgnoredUsers(raw string) map[int64]bool {
	out := map[int64]bool{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var n int64
		for _, c := range part {
			if c < '0' || c > '9' {
				n = -1
				break
			}
			n = n*10 + int64(c-'0')
		}
		if n > 0 {
			out[n] = true
		}
	}
	return out
}

// trafficPass implements spec §4.14.a's literal contract: consumed is the
// delta since the last snapshot (or the raw current value when the
// counter went backwards, i.e. a billing-period reset), flagged warning
// past traffic_limit_gb and critical past 2x that limit (spec §8 scenario
// 6). A user with no prior snapshot is skipped — there is no baseline yet.
func (a *Analyzer) trafficPass(ctx context.Context, ignored map[int64]bool) {
	var users []store.RemnawaveUserCache
	if err := a.db.WithContext(ctx).Find(&users).Error; err != nil {
		return
	}
	for _, u := range users {
		if ignored[u.Email] {
			continue
		}
		var prev store.UserTrafficSnapshot
		hadSnapshot := a.db.WithContext(ctx).First(&prev, "email = ?", u.Email).Error == nil
		now := store.UserTrafficSnapshot{Email: u.Email, UsedBytes: u.UsedTrafficByte, ObservedAt: time.Now()}

		if hadSnapshot && u.TrafficLimitGB > 0 {
			var consumed int64
			if u.UsedTrafficByte < prev.UsedBytes {
				consumed = u.UsedTrafficByte
			} else {
				consumed = u.UsedTrafficByte - prev.UsedBytes
			}
			limitBytes := int64(u.TrafficLimitGB * (1 << 30))
			if consumed > limitBytes {
				consumedGB := float64(consumed) / (1 << 30)
				severity := "warning"
				if consumed > 2*limitBytes {
					severity = "critical"
				}
				a.logAnomaly(ctx, u.Email, "traffic", severity,
					"traffic consumed since last check exceeds the configured limit",
					map[string]any{
						"consumed_gb":    round2(consumedGB),
						"limit_gb":       u.TrafficLimitGB,
						"exceeded_by_gb": round2(consumedGB - u.TrafficLimitGB),
					})
			}
		}
		a.db.WithContext(ctx).Save(&now)
	}
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}

// asnGroup is one cluster of source IPs that share a resolved ASN.
type asnGroup struct {
	asn    string
	ips    []string
	visits int64
}

// effectiveIPCount implements spec §4.14.b / traffic_analyzer.py's
// group_ips_by_asn_with_visits + effective_ip_count: IPs sharing an ASN
// whose combined visits clear minASNVisits collapse into a single
// "effective" entry (shared NAT/VPN egress, not a distinct device); every
// other IP — unresolved ASN, or an ASN whose total visits stayed below the
// threshold — counts individually.
func effectiveIPCount(ipVisits map[string]int64, ipToASN map[string]string, minASNVisits int64) (int, []asnGroup) {
	asnVisits := map[string]int64{}
	asnIPs := map[string][]string{}
	for ip := range ipVisits {
		asnID, ok := ipToASN[ip]
		if !ok || asnID == "" {
			continue
		}
		asnVisits[asnID] += ipVisits[ip]
		asnIPs[asnID] = append(asnIPs[asnID], ip)
	}

	count := 0
	var groups []asnGroup
	counted := map[string]bool{}
	for asnID, total := range asnVisits {
		if total >= minASNVisits {
			count++
			groups = append(groups, asnGroup{asn: asnID, ips: asnIPs[asnID], visits: total})
			for _, ip := range asnIPs[asnID] {
				counted[ip] = true
			}
		}
	}
	for ip := range ipVisits {
		if !counted[ip] {
			count++
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].asn < groups[j].asn })
	return count, groups
}

// ipCountPass implements spec §4.14.b: per user, pull 24h (source_ip,
// visits) excluding infrastructure IPs, resolve ASN per IP, cluster, and
// compare the effective group count against HWIDDeviceLimit *
// IPLimitMultiplier (ground truth: traffic_analyzer.py's
// _check_ip_anomaly).
func (a *Analyzer) ipCountPass(ctx context.Context, cfg store.TrafficAnalyzerSettings, ignored map[int64]bool) {
	if a.resolver == nil {
		return
	}
	var users []store.RemnawaveUserCache
	if err := a.db.WithContext(ctx).Find(&users).Error; err != nil {
		return
	}
	cutoff := time.Now().Add(-ipCountWindow)
	limit := int(float64(cfg.HWIDDeviceLimit) * cfg.IPLimitMultiplier)

	for _, u := range users {
		if ignored[u.Email] {
			continue
		}
		var rows []struct {
			SourceIP string
			Visits   int64
		}
		err := a.db.WithContext(ctx).Model(&store.XrayStats{}).
			Select("source_ip, SUM(count) as visits").
			Where("email = ? AND last_seen >= ?", u.Email, cutoff).
			Group("source_ip").Scan(&rows).Error
		if err != nil || len(rows) == 0 {
			continue
		}
		ipVisits := make(map[string]int64, len(rows))
		for _, r := range rows {
			if a.infra != nil && a.infra.IsInfraIP(r.SourceIP) {
				continue
			}
			ipVisits[r.SourceIP] = r.Visits
		}
		if len(ipVisits) == 0 {
			continue
		}

		ipToASN := map[string]string{}
		for ip := range ipVisits {
			asnID, _, err := a.resolver.Lookup(ctx, ip)
			if err == nil && asnID != "" {
				ipToASN[ip] = asnID
			}
		}

		effCount, groups := effectiveIPCount(ipVisits, ipToASN, cfg.MinASNVisitCount)
		if effCount <= limit {
			continue
		}
		severity := "warning"
		if float64(effCount) > float64(limit)*1.5 {
			severity = "critical"
		}
		a.logAnomaly(ctx, u.Email, "ip_count", severity,
			"effective client IP group count exceeds device-limit threshold",
			map[string]any{
				"unique_ips":          len(ipVisits),
				"effective_count":     effCount,
				"limit":               limit,
				"exceeded_by":         effCount - limit,
				"min_visit_threshold": cfg.MinASNVisitCount,
				"asn_groups":          len(groups),
			})
	}
}

// hwidPass flags users reporting more distinct hardware IDs than allowed,
// or any HWID record carrying a denylisted user-agent.
func (a *Analyzer) hwidPass(ctx context.Context, cfg store.TrafficAnalyzerSettings, records []hwidRecord, ignored map[int64]bool) {
	byEmail := map[int64]map[string]bool{}
	suspiciousUA := map[int64]bool{}
	for _, r := range records {
		if ignored[r.Email] {
			continue
		}
		if byEmail[r.Email] == nil {
			byEmail[r.Email] = map[string]bool{}
		}
		byEmail[r.Email][r.HWID] = true
		if isDenylistedUA(r.UA) {
			suspiciousUA[r.Email] = true
		}
	}
	for email, hwids := range byEmail {
		if len(hwids) > cfg.HWIDDeviceLimit {
			a.logAnomaly(ctx, email, "hwid", "warning",
				"distinct HWID count exceeds device limit", map[string]any{"hwid_count": len(hwids), "limit": cfg.HWIDDeviceLimit})
		}
		if suspiciousUA[email] {
			a.logAnomaly(ctx, email, "hwid", "critical", "client reported a denylisted user-agent", nil)
		}
	}
}

func isDenylistedUA(ua string) bool {
	for _, bad := range denyListSubstrings {
		if strings.Contains(ua, bad) {
			return true
		}
	}
	for _, good := range knownGoodUAPatterns {
		if strings.Contains(ua, good) {
			return false
		}
	}
	return false
}

// logAnomaly writes a TrafficAnomalyLog row unless an identical (email,
// kind) entry was already logged within the dedup window.
func (a *Analyzer) logAnomaly(ctx context.Context, email int64, kind, severity, detail string, extra map[string]any) {
	var existing store.TrafficAnomalyLog
	cutoff := time.Now().Add(-dedupWindow)
	if err := a.db.WithContext(ctx).
		Where("email = ? AND kind = ? AND created_at >= ?", email, kind, cutoff).
		First(&existing).Error; err == nil {
		return
	}
	details := detail
	if len(extra) > 0 {
		if b, err := json.Marshal(extra); err == nil {
			details = detail + " " + string(b)
		}
	}
	a.db.WithContext(ctx).Create(&store.TrafficAnomalyLog{
		Email: email, Kind: kind, Severity: severity, DetailsRaw: details, CreatedAt: time.Now(),
	})
	metrics.AnomaliesDetected.WithLabelValues(kind).Inc()
}

func (a *Analyzer) fetchAllHWIDs(ctx context.Context, base, apiKey string) ([]hwidRecord, error) {
	var all []hwidRecord
	for page := 1; page <= 1000; page++ {
		batch, more, err := a.fetchHWIDPage(ctx, base, apiKey, page)
		if err != nil {
			return all, err
		}
		all = append(all, batch...)
		if !more {
			break
		}
	}
	return all, nil
}

func (a *Analyzer) fetchHWIDPage(ctx context.Context, base, apiKey string, page int) ([]hwidRecord, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/hwid", nil)
	if err != nil {
		return nil, false, err
	}
	q := req.URL.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(hwidBatchSize))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("X-API-Key", apiKey)

	resp, err := a.client.Do(ctx, httpclient.KindXrayCollect, req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	var body struct {
		Records []hwidRecord `json:"records"`
		More    bool         `json:"more"`
	}
	if err := decodeJSON(resp.Body, &body); err != nil {
		return nil, false, err
	}
	return body.Records, body.More, nil
}
