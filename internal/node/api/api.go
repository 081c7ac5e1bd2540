// Package api wires the node agent's HTTP surface: /api/metrics,
// /api/haproxy, /api/system, /api/ipset, /api/firewall, /api/traffic,
// /api/remnawave, all behind X-API-Key auth (spec §6). Grounded on the chi
// wiring in internal/platform/httpserver plus the teacher's router.go
// route-group layout (generalized from stormgate's single-concern router
// to this module's seven prefixes).
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/nodewatch/fleetctl/internal/node/firewall"
	"github.com/nodewatch/fleetctl/internal/node/haproxy"
	"github.com/nodewatch/fleetctl/internal/node/hostexec"
	"github.com/nodewatch/fleetctl/internal/node/ipset"
	"github.com/nodewatch/fleetctl/internal/node/metricsapi"
	"github.com/nodewatch/fleetctl/internal/node/security"
	"github.com/nodewatch/fleetctl/internal/node/torrent"
	"github.com/nodewatch/fleetctl/internal/node/traffic"
	"github.com/nodewatch/fleetctl/internal/node/xraylog"
	"github.com/nodewatch/fleetctl/internal/platform/errs"
	"github.com/nodewatch/fleetctl/internal/platform/httpserver"
	"github.com/nodewatch/fleetctl/internal/platform/ratelimit"
)

// Deps bundles every component the node's HTTP surface calls into.
type Deps struct {
	Logger   zerolog.Logger
	APIKey   string
	Exec     *hostexec.Executor
	Firewall *firewall.Driver
	Ipset    *ipset.Driver
	HAProxy  *haproxy.Driver
	Traffic  *traffic.Accountant
	XrayLog  *xraylog.Ingester
	Torrent  *torrent.Blocker
	Metrics  *metricsapi.Producer
	Guard    *security.Guard
	Limiter  *ratelimit.Limiter
	Version  string
}

const (
	limiterRPS   = 20
	limiterBurst = 40
)

// Mount builds the full router: common middleware + drain + health +
// metrics from httpserver.New, then the seven API prefixes.
func Mount(d Deps) chi.Router {
	r := httpserver.New(d.Logger)
	r.Use(d.Guard.Middleware)
	r.Use(authMiddleware(d.APIKey))
	if d.Limiter != nil {
		r.Use(d.Limiter.Middleware("node", limiterRPS, limiterBurst, func(r *http.Request) string {
			return r.Header.Get("X-API-Key")
		}))
	}

	r.Route("/api/metrics", func(r chi.Router) {
		r.Get("/", metricsHandler(d))
	})
	r.Route("/api/system", func(r chi.Router) {
		r.Get("/version", versionHandler(d))
		r.Post("/exec", execHandler(d))
		r.Get("/exec-stream", execStreamHandler(d))
	})
	r.Route("/api/ipset", func(r chi.Router) {
		r.Get("/list", ipsetListHandler(d))
		r.Post("/add", ipsetAddHandler(d))
		r.Post("/remove", ipsetRemoveHandler(d))
		r.Post("/sync", ipsetSyncHandler(d))
		r.Post("/clear", ipsetClearHandler(d))
		r.Post("/set-timeout", ipsetSetTimeoutHandler(d))
	})
	r.Route("/api/firewall", func(r chi.Router) {
		r.Get("/status", firewallStatusHandler(d))
		r.Get("/rules", firewallListHandler(d))
		r.Post("/rules", firewallAddHandler(d))
		r.Delete("/rules/{number}", firewallRemoveByNumberHandler(d))
		r.Post("/enable", firewallEnableHandler(d))
		r.Post("/disable", firewallDisableHandler(d))
	})
	r.Route("/api/haproxy", func(r chi.Router) {
		r.Get("/status", haproxyStatusHandler(d))
		r.Post("/reload", haproxyReloadHandler(d))
		r.Get("/rules", haproxyListRulesHandler(d))
		r.Post("/rules", haproxyAddRuleHandler(d))
		r.Delete("/rules/{name}", haproxyRemoveRuleHandler(d))
		r.Post("/certs", haproxyCertHandler(d))
	})
	r.Route("/api/traffic", func(r chi.Router) {
		r.Get("/hourly", trafficPeriodHandler(d, "hourly"))
		r.Get("/daily", trafficPeriodHandler(d, "daily"))
		r.Get("/monthly", trafficPeriodHandler(d, "monthly"))
	})
	r.Route("/api/remnawave", func(r chi.Router) {
		r.Get("/status", xrayStatusHandler(d))
		r.Post("/stats/collect", xrayCollectHandler(d))
		r.Post("/torrent-blocker/enable", torrentEnableHandler(d))
		r.Post("/torrent-blocker/disable", torrentDisableHandler(d))
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

func metricsHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Metrics.Collect())
	}
}

func versionHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": d.Version})
	}
}

type execRequest struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout_seconds"`
	Shell   string `json:"shell"`
}

func execHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req execRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, errs.New(errs.KindValidation, "invalid request body", err))
			return
		}
		res := d.Exec.Execute(r.Context(), req.Command, time.Duration(req.Timeout)*time.Second, req.Shell)
		writeJSON(w, http.StatusOK, res)
	}
}

func execStreamHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		command := r.URL.Query().Get("command")
		timeoutSec, _ := strconv.Atoi(r.URL.Query().Get("timeout_seconds"))
		shell := r.URL.Query().Get("shell")

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeErr(w, errs.New(errs.KindHostCommand, "streaming unsupported", nil))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		events := d.Exec.ExecuteStream(r.Context(), command, time.Duration(timeoutSec)*time.Second, shell)
		for ev := range events {
			b, _ := json.Marshal(ev)
			w.Write([]byte("event: " + ev.Kind + "\ndata: " + string(b) + "\n\n"))
			flusher.Flush()
		}
	}
}

func ipsetListHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dir := ipset.Direction(r.URL.Query().Get("direction"))
		permanent := r.URL.Query().Get("permanent") == "true"
		ips, err := d.Ipset.List(r.Context(), permanent, dir)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ips": ips})
	}
}

type ipsetMutateRequest struct {
	IP        string `json:"ip"`
	Permanent bool   `json:"permanent"`
	Direction string `json:"direction"`
}

func ipsetAddHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ipsetMutateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, errs.New(errs.KindValidation, "invalid request body", err))
			return
		}
		if err := d.Ipset.Add(r.Context(), req.IP, req.Permanent, ipset.Direction(req.Direction)); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func ipsetRemoveHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ipsetMutateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, errs.New(errs.KindValidation, "invalid request body", err))
			return
		}
		if err := d.Ipset.Remove(r.Context(), req.IP, req.Permanent, ipset.Direction(req.Direction)); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

type ipsetSyncRequest struct {
	IPs       []string `json:"ips"`
	Permanent bool     `json:"permanent"`
	Direction string   `json:"direction"`
}

func ipsetSyncHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ipsetSyncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, errs.New(errs.KindValidation, "invalid request body", err))
			return
		}
		var invalid []string
		var valid []string
		for _, raw := range req.IPs {
			if _, err := ipset.Normalize(raw); err != nil {
				invalid = append(invalid, raw)
				continue
			}
			valid = append(valid, raw)
		}
		added, removed, err := d.Ipset.Sync(r.Context(), valid, req.Permanent, ipset.Direction(req.Direction))
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true, "added": added, "removed": removed,
			"invalid": invalid, "total": len(valid), "message": "sync complete",
		})
	}
}

func ipsetClearHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ipsetMutateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, errs.New(errs.KindValidation, "invalid request body", err))
			return
		}
		if err := d.Ipset.ClearSet(r.Context(), req.Permanent, ipset.Direction(req.Direction)); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func ipsetSetTimeoutHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Seconds int `json:"seconds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, errs.New(errs.KindValidation, "invalid request body", err))
			return
		}
		if err := d.Ipset.SetTimeout(r.Context(), req.Seconds); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func firewallStatusHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := d.Firewall.Status(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": status})
	}
}

func firewallListHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rules, err := d.Firewall.List(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
	}
}

type firewallAddRequest struct {
	Port      int    `json:"port"`
	Proto     string `json:"proto"`
	Action    string `json:"action"`
	FromIP    string `json:"from_ip"`
	Direction string `json:"direction"`
}

func firewallAddHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req firewallAddRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, errs.New(errs.KindValidation, "invalid request body", err))
			return
		}
		var err error
		if req.Action == "" && req.FromIP == "" {
			err = d.Firewall.AddSimple(r.Context(), req.Port, req.Proto)
		} else {
			action, direction := req.Action, req.Direction
			if action == "" {
				action = "allow"
			}
			if direction == "" {
				direction = "in"
			}
			err = d.Firewall.AddAdvanced(r.Context(), req.Port, req.Proto, action, req.FromIP, direction)
		}
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func firewallRemoveByNumberHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := strconv.Atoi(chi.URLParam(r, "number"))
		if err != nil {
			writeErr(w, errs.New(errs.KindValidation, "invalid rule number", err))
			return
		}
		if err := d.Firewall.RemoveByNumber(r.Context(), n); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func firewallEnableHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Firewall.Enable(r.Context()); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func firewallDisableHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Firewall.Disable(r.Context()); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func haproxyStatusHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": d.HAProxy.Status(r.Context())})
	}
}

func haproxyReloadHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		autoStart := r.URL.Query().Get("auto_start") == "true"
		msg, err := d.HAProxy.Reload(r.Context(), autoStart)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": msg})
	}
}

func haproxyAddRuleHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req haproxy.Rule
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, errs.New(errs.KindValidation, "invalid request body", err))
			return
		}
		if err := d.HAProxy.AddRule(r.Context(), req); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func haproxyListRulesHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rules, err := d.HAProxy.ListRules(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rules)
	}
}

func haproxyRemoveRuleHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := d.HAProxy.RemoveRule(r.Context(), name); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func haproxyCertHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Domain string `json:"domain"`
			Method string `json:"method"`
			Email  string `json:"email"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, errs.New(errs.KindValidation, "invalid request body", err))
			return
		}
		if err := d.HAProxy.GenerateCert(r.Context(), req.Domain, req.Method, req.Email); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func trafficPeriodHandler(d Deps, period string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := d.Traffic.Summary(period+":"+r.URL.RawQuery, func() any {
			return map[string]string{"period": period}
		})
		writeJSON(w, http.StatusOK, result)
	}
}

func xrayStatusHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !d.XrayLog.Active(r.Context()) {
			writeErr(w, errs.New(errs.KindNotFound, "no xray container on this node", nil))
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"active": true})
	}
}

func xrayCollectHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.XrayLog.CollectAndClear())
	}
}

func torrentEnableHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Torrent.SetEnabled(true)
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func torrentDisableHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Torrent.SetEnabled(false)
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}
