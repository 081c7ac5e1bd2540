// Package api wires the panel's HTTP surface: native fleet-management
// routes (/api/servers, /api/blocklist, /api/alerts, /api/remnawave,
// /api/bulk) plus
// a transparent per-server proxy under /api/proxy/{server_id}/... that
// forwards to the matching node agent route (spec §4.16). Grounded on
// platform/httpserver's chi scaffold and the request-forwarding idiom
// already used by platform/httpclient's per-kind deadlines.
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/nodewatch/fleetctl/internal/panel/alerter"
	"github.com/nodewatch/fleetctl/internal/panel/anomaly"
	"github.com/nodewatch/fleetctl/internal/panel/blocklist"
	"github.com/nodewatch/fleetctl/internal/panel/fleet"
	"github.com/nodewatch/fleetctl/internal/panel/summaries"
	"github.com/nodewatch/fleetctl/internal/panel/xrayagg"
	"github.com/nodewatch/fleetctl/internal/platform/errs"
	"github.com/nodewatch/fleetctl/internal/platform/httpclient"
	"github.com/nodewatch/fleetctl/internal/platform/httpserver"
	"github.com/nodewatch/fleetctl/internal/platform/ratelimit"
	store "github.com/nodewatch/fleetctl/internal/store/panel"
)

// Deps bundles every component the panel's HTTP surface calls into.
type Deps struct {
	Logger    zerolog.Logger
	APIKey    string
	DB        *gorm.DB
	Client    *httpclient.Client
	Fleet     *fleet.Collector
	XrayAgg   *xrayagg.Aggregator
	Summaries *summaries.Builder
	Blocklist *blocklist.Syncer
	Alerter   *alerter.Engine
	Anomaly   *anomaly.Analyzer
	Limiter   *ratelimit.Limiter
}

const (
	limiterRPS   = 10
	limiterBurst = 30
)

func Mount(d Deps) chi.Router {
	r := httpserver.New(d.Logger)
	r.Use(authMiddleware(d.APIKey))
	if d.Limiter != nil {
		r.Use(d.Limiter.Middleware("panel", limiterRPS, limiterBurst, func(r *http.Request) string {
			return r.Header.Get("X-API-Key")
		}))
	}

	r.Route("/api/servers", func(r chi.Router) {
		r.Get("/", listServersHandler(d))
		r.Post("/", createServerHandler(d))
		r.Delete("/{id}", deleteServerHandler(d))
	})
	r.Route("/api/blocklist", func(r chi.Router) {
		r.Get("/rules", listBlocklistRulesHandler(d))
		r.Post("/rules", addBlocklistRuleHandler(d))
		r.Delete("/rules/{id}", removeBlocklistRuleHandler(d))
		r.Get("/sources", listBlocklistSourcesHandler(d))
		r.Post("/sources", addBlocklistSourceHandler(d))
		r.Post("/sync", triggerBlocklistSyncHandler(d))
	})
	r.Route("/api/remnawave", func(r chi.Router) {
		r.Get("/stats/batch", xrayStatsBatchHandler(d))
		r.Get("/summary", xraySummaryHandler(d))
		r.Get("/top-users", topUsersHandler(d))
		r.Get("/top-destinations", topDestinationsHandler(d))
	})
	r.Route("/api/alerts", func(r chi.Router) {
		r.Get("/history", alertHistoryHandler(d))
		r.Get("/settings", getAlertSettingsHandler(d))
		r.Put("/settings", putAlertSettingsHandler(d))
	})
	r.Route("/api/bulk", func(r chi.Router) {
		r.Post("/ipset/add", bulkIpsetHandler(d, "add"))
		r.Post("/ipset/remove", bulkIpsetHandler(d, "remove"))
		r.Post("/haproxy/reload", bulkHAProxyReloadHandler(d))
	})
	r.Route("/api/proxy/{server_id}", func(r chi.Router) {
		r.HandleFunc("/*", proxyHandler(d))
	})

	return r
}

func authMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get("X-API-Key") != apiKey {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if e, ok := errs.As(err); ok {
		status = errs.HTTPStatus(e.Kind)
	}
	b, _ := json.Marshal(map[string]string{"error": errs.Message(err)})
	httpserver.WriteJSON(w, status, b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpserver.WriteJSON(w, status, b)
}

func listServersHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var servers []store.Server
		d.DB.WithContext(r.Context()).Order("position").Find(&servers)
		writeJSON(w, http.StatusOK, servers)
	}
}

func createServerHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req store.Server
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, errs.New(errs.KindValidation, "invalid request body", err))
			return
		}
		req.Active = true
		if err := d.DB.WithContext(r.Context()).Create(&req).Error; err != nil {
			writeErr(w, errs.New(errs.KindConflict, "server create failed", err))
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

func deleteServerHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		d.DB.WithContext(r.Context()).Delete(&store.Server{}, id)
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func listBlocklistRulesHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rules []store.BlocklistRule
		d.DB.WithContext(r.Context()).Find(&rules)
		writeJSON(w, http.StatusOK, rules)
	}
}

func addBlocklistRuleHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req store.BlocklistRule
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, errs.New(errs.KindValidation, "invalid request body", err))
			return
		}
		req.Source = "manual"
		if err := d.DB.WithContext(r.Context()).Create(&req).Error; err != nil {
			writeErr(w, errs.New(errs.KindConflict, "rule create failed", err))
			return
		}
		go d.Blocklist.SyncAll(r.Context())
		writeJSON(w, http.StatusOK, req)
	}
}

func removeBlocklistRuleHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		d.DB.WithContext(r.Context()).Delete(&store.BlocklistRule{}, id)
		go d.Blocklist.SyncAll(r.Context())
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func listBlocklistSourcesHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sources []store.BlocklistSource
		d.DB.WithContext(r.Context()).Find(&sources)
		writeJSON(w, http.StatusOK, sources)
	}
}

func addBlocklistSourceHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req store.BlocklistSource
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, errs.New(errs.KindValidation, "invalid request body", err))
			return
		}
		req.Enabled = true
		if err := d.DB.WithContext(r.Context()).Create(&req).Error; err != nil {
			writeErr(w, errs.New(errs.KindConflict, "source create failed", err))
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

func triggerBlocklistSyncHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		go d.Blocklist.SyncAll(r.Context())
		writeJSON(w, http.StatusOK, map[string]bool{"success": true, "in_progress": true})
	}
}

// xrayStatsBatchHandler collapses a batch of common Xray queries into one
// round trip, per spec §4.16's "GET /api/remnawave/stats/batch".
func xrayStatsBatchHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var global store.XrayGlobalSummary
		d.DB.WithContext(r.Context()).First(&global, 1)

		top, _ := d.Summaries.TopUsers(r.Context(), time.Now().Add(-24*time.Hour), 10)
		dests, _ := d.Summaries.TopDestinations(r.Context(), time.Now().Add(-24*time.Hour), 10)

		writeJSON(w, http.StatusOK, map[string]any{
			"global": global, "top_users_24h": top, "top_destinations_24h": dests,
		})
	}
}

func xraySummaryHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var global store.XrayGlobalSummary
		d.DB.WithContext(r.Context()).First(&global, 1)
		writeJSON(w, http.StatusOK, global)
	}
}

func topUsersHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		since := parseSince(r, 24*time.Hour)
		limit := parseLimit(r, 20)
		rows, err := d.Summaries.TopUsers(r.Context(), since, limit)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rows)
	}
}

func topDestinationsHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		since := parseSince(r, 24*time.Hour)
		limit := parseLimit(r, 20)
		rows, err := d.Summaries.TopDestinations(r.Context(), since, limit)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rows)
	}
}

func parseSince(r *http.Request, def time.Duration) time.Time {
	if h := r.URL.Query().Get("hours"); h != "" {
		if n, err := strconv.Atoi(h); err == nil && n > 0 {
			return time.Now().Add(-time.Duration(n) * time.Hour)
		}
	}
	return time.Now().Add(-def)
}

func parseLimit(r *http.Request, def int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func alertHistoryHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rows []store.AlertHistory
		d.DB.WithContext(r.Context()).Order("created_at DESC").Limit(parseLimit(r, 100)).Find(&rows)
		writeJSON(w, http.StatusOK, rows)
	}
}

func getAlertSettingsHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var s store.AlertSettings
		d.DB.WithContext(r.Context()).First(&s, 1)
		writeJSON(w, http.StatusOK, s)
	}
}

func putAlertSettingsHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req store.AlertSettings
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, errs.New(errs.KindValidation, "invalid request body", err))
			return
		}
		req.ID = 1
		if err := d.DB.WithContext(r.Context()).Save(&req).Error; err != nil {
			writeErr(w, errs.New(errs.KindConflict, "settings save failed", err))
			return
		}
		if err := d.Alerter.SetBot(req.TelegramBotToken); err != nil {
			writeErr(w, errs.New(errs.KindValidation, "invalid telegram bot token", err))
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

type bulkIpsetRequest struct {
	IP        string `json:"ip"`
	Permanent bool   `json:"permanent"`
	Direction string `json:"direction"`
}

// bulkIpsetHandler fans the same ip/add-remove call out to every active
// server, tolerating individual server failures.
func bulkIpsetHandler(d Deps, action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req bulkIpsetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, errs.New(errs.KindValidation, "invalid request body", err))
			return
		}
		var servers []store.Server
		d.DB.WithContext(r.Context()).Where("active = ?", true).Find(&servers)

		results := map[string]string{}
		for _, s := range servers {
			body, _ := json.Marshal(req)
			path := "/api/ipset/add"
			if action == "remove" {
				path = "/api/ipset/remove"
			}
			req2, err := http.NewRequestWithContext(r.Context(), http.MethodPost, s.BaseURL+path, bytes.NewReader(body))
			if err != nil {
				results[s.Name] = err.Error()
				continue
			}
			req2.Header.Set("Content-Type", "application/json")
			req2.Header.Set("X-API-Key", s.APIKey)
			resp, err := d.Client.Do(r.Context(), httpclient.KindIpsetSync, req2)
			if err != nil {
				results[s.Name] = err.Error()
				continue
			}
			resp.Body.Close()
			results[s.Name] = "ok"
		}
		writeJSON(w, http.StatusOK, results)
	}
}

func bulkHAProxyReloadHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var servers []store.Server
		d.DB.WithContext(r.Context()).Where("active = ?", true).Find(&servers)
		results := map[string]string{}
		for _, s := range servers {
			req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, s.BaseURL+"/api/haproxy/reload", nil)
			if err != nil {
				results[s.Name] = err.Error()
				continue
			}
			req.Header.Set("X-API-Key", s.APIKey)
			resp, err := d.Client.Do(r.Context(), httpclient.KindHAProxy, req)
			if err != nil {
				results[s.Name] = err.Error()
				continue
			}
			resp.Body.Close()
			results[s.Name] = "ok"
		}
		writeJSON(w, http.StatusOK, results)
	}
}

// proxyHandler forwards /api/proxy/{server_id}/<rest> to the matching
// node agent's /<rest>, carrying the server's own API key instead of the
// panel's, so operators can drive any node surface through one panel URL.
func proxyHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serverID := chi.URLParam(r, "server_id")
		var s store.Server
		if err := d.DB.WithContext(r.Context()).First(&s, serverID).Error; err != nil {
			writeErr(w, errs.New(errs.KindNotFound, "server not found", err))
			return
		}

		rest := chi.URLParam(r, "*")
		target := s.BaseURL + "/" + rest
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}

		req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
		if err != nil {
			writeErr(w, errs.New(errs.KindValidation, "bad proxy target", err))
			return
		}
		req.Header = r.Header.Clone()
		req.Header.Set("X-API-Key", s.APIKey)

		resp, err := d.Client.Do(r.Context(), httpclient.KindMetrics, req)
		if err != nil {
			writeErr(w, errs.New(errs.KindConnectionRefused, "proxy request failed", err))
			return
		}
		defer resp.Body.Close()

		for k, v := range resp.Header {
			w.Header()[k] = v
		}
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
	}
}
