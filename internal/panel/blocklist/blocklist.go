// Package blocklist computes the effective IP/CIDR block set (global
// manual rules ∪ per-server manual rules ∪ enabled auto-list sources)
// and pushes it to every active node agent's /api/ipset/sync (spec
// §4.11). Grounded on internal/node/ipset.Sync's diff-based contract on
// the receiving end, and on platform/httpclient's per-call-kind
// deadlines for the outbound leg.
package blocklist

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/nodewatch/fleetctl/internal/platform/httpclient"
	store "github.com/nodewatch/fleetctl/internal/store/panel"
)

const (
	defaultRefreshInterval = 24 * time.Hour
	minRefreshInterval     = time.Hour
	maxRefreshInterval     = 7 * 24 * time.Hour
	sourceFetchCacheTTL    = 5 * time.Minute

	perServerSyncDeadline = 30 * time.Second
)

// Syncer owns the in-progress flag and drives both the source-refresh
// loop and the node-push loop.
type Syncer struct {
	db     *gorm.DB
	log    zerolog.Logger
	client *httpclient.Client

	inProgress int32

	fetchMu    sync.Mutex
	fetchCache map[uint]fetchCacheEntry
}

type fetchCacheEntry struct {
	body     []byte
	fetchedAt time.Time
}

func New(db *gorm.DB, log zerolog.Logger, client *httpclient.Client) *Syncer {
	return &Syncer{db: db, log: log, client: client, fetchCache: map[uint]fetchCacheEntry{}}
}

// Run drives the periodic source-refresh loop; per-server pushes are
// triggered by SyncAll, called after a refresh that changed at least one
// source and on demand via the API (manual rule add/remove).
func (s *Syncer) Run(ctx context.Context) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.refreshDueSources(ctx)
		}
	}
}

// refreshDueSources re-fetches any enabled source whose refresh interval
// has elapsed, comparing a SHA-256 hash to detect real content changes.
func (s *Syncer) refreshDueSources(ctx context.Context) {
	var sources []store.BlocklistSource
	if err := s.db.WithContext(ctx).Where("enabled = ?", true).Find(&sources).Error; err != nil {
		return
	}
	changed := false
	for _, src := range sources {
		interval := defaultRefreshInterval
		if time.Since(src.UpdatedAt) < interval {
			continue
		}
		if s.refreshOne(ctx, &src) {
			changed = true
		}
	}
	if changed {
		s.SyncAll(ctx)
	}
}

func (s *Syncer) refreshOne(ctx context.Context, src *store.BlocklistSource) bool {
	body, err := s.fetch(ctx, src)
	if err != nil {
		s.log.Warn().Err(err).Str("source", src.Name).Msg("blocklist source fetch failed")
		return false
	}

	sum := sha256.Sum256(body)
	hash := hex.EncodeToString(sum[:])
	if hash == src.LastHash {
		s.db.WithContext(ctx).Model(src).Update("updated_at", time.Now())
		return false
	}

	entries := parseList(body)
	s.db.WithContext(ctx).Where("source_id = ?", src.ID).Delete(&store.BlocklistRule{})
	for _, e := range entries {
		s.db.WithContext(ctx).Create(&store.BlocklistRule{
			IPCIDR: e, ServerID: nil, Direction: src.Direction, Permanent: true,
			Source: "auto_list", SourceID: &src.ID,
		})
	}

	src.LastHash = hash
	src.IPCount = len(entries)
	src.UpdatedAt = time.Now()
	s.db.WithContext(ctx).Save(src)
	return true
}

func (s *Syncer) fetch(ctx context.Context, src *store.BlocklistSource) ([]byte, error) {
	s.fetchMu.Lock()
	if e, ok := s.fetchCache[src.ID]; ok && time.Since(e.fetchedAt) < sourceFetchCacheTTL {
		s.fetchMu.Unlock()
		return e.body, nil
	}
	s.fetchMu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(ctx, httpclient.KindIpsetSync, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var buf strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		buf.WriteString(scanner.Text())
		buf.WriteByte('\n')
	}
	body := []byte(buf.String())

	s.fetchMu.Lock()
	s.fetchCache[src.ID] = fetchCacheEntry{body: body, fetchedAt: time.Now()}
	s.fetchMu.Unlock()
	return body, nil
}

func parseList(body []byte) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(string(body)))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexAny(line, " \t#"); i >= 0 {
			line = line[:i]
		}
		out = append(out, line)
	}
	return out
}

// Effective returns the merged global ∪ per-server ∪ source rule set for
// a direction, deduplicated.
func (s *Syncer) Effective(ctx context.Context, serverID uint, direction string) ([]string, error) {
	var rules []store.BlocklistRule
	if err := s.db.WithContext(ctx).
		Where("direction = ? AND (server_id IS NULL OR server_id = ?)", direction, serverID).
		Find(&rules).Error; err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, r := range rules {
		if !seen[r.IPCIDR] {
			seen[r.IPCIDR] = true
			out = append(out, r.IPCIDR)
		}
	}
	return out, nil
}

type syncRequest struct {
	In  []string `json:"in"`
	Out []string `json:"out"`
}

type syncResponse struct {
	Success bool     `json:"success"`
	Added   int      `json:"added"`
	Removed int      `json:"removed"`
	Invalid []string `json:"invalid"`
	Total   int      `json:"total"`
	Message string   `json:"message"`
}

// SyncAll pushes the effective set to every active server concurrently,
// each over its own DB session so one server's failure can't roll back
// another's bookkeeping. The in_progress flag prevents overlapping runs.
func (s *Syncer) SyncAll(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&s.inProgress, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&s.inProgress, 0)

	var servers []store.Server
	if err := s.db.WithContext(ctx).Where("active = ?", true).Find(&servers).Error; err != nil {
		return
	}

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(srv store.Server) {
			defer wg.Done()
			s.syncOne(ctx, srv)
		}(srv)
	}
	wg.Wait()
}

func (s *Syncer) syncOne(parent context.Context, srv store.Server) {
	ctx, cancel := context.WithTimeout(parent, perServerSyncDeadline)
	defer cancel()

	sessionDB := s.db.Session(&gorm.Session{})

	in, err := s.effectiveWith(sessionDB, ctx, srv.ID, "in")
	if err != nil {
		s.log.Warn().Err(err).Uint("server_id", srv.ID).Msg("blocklist effective-set query failed")
		return
	}
	out, err := s.effectiveWith(sessionDB, ctx, srv.ID, "out")
	if err != nil {
		s.log.Warn().Err(err).Uint("server_id", srv.ID).Msg("blocklist effective-set query failed")
		return
	}

	body, _ := json.Marshal(syncRequest{In: in, Out: out})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.BaseURL+"/api/ipset/sync", strings.NewReader(string(body)))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", srv.APIKey)

	resp, err := s.client.Do(ctx, httpclient.KindIpsetSync, req)
	if err != nil {
		s.log.Warn().Err(err).Str("server", srv.Name).Msg("blocklist push failed")
		return
	}
	defer resp.Body.Close()

	var result syncResponse
	_ = json.NewDecoder(resp.Body).Decode(&result)
	if !result.Success {
		s.log.Warn().Str("server", srv.Name).Str("message", result.Message).Msg("blocklist sync reported failure")
	}
}

func (s *Syncer) effectiveWith(db *gorm.DB, ctx context.Context, serverID uint, direction string) ([]string, error) {
	var rules []store.BlocklistRule
	if err := db.WithContext(ctx).
		Where("direction = ? AND (server_id IS NULL OR server_id = ?)", direction, serverID).
		Find(&rules).Error; err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, r := range rules {
		if !seen[r.IPCIDR] {
			seen[r.IPCIDR] = true
			out = append(out, r.IPCIDR)
		}
	}
	return out, nil
}
