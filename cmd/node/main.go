// Command node runs the per-host fleet agent: firewall/ipset/HAProxy
// drivers, traffic accounting, Xray log ingestion and torrent detection,
// host metrics, and the HTTP surface the panel polls. Grounded on the
// teacher's cmd/protector/main.go wiring shape and cobra's single-root-
// command layout from jameqq-XrayRP/cmd/root.go.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nodewatch/fleetctl/internal/node/api"
	"github.com/nodewatch/fleetctl/internal/node/firewall"
	"github.com/nodewatch/fleetctl/internal/node/haproxy"
	"github.com/nodewatch/fleetctl/internal/node/hostexec"
	"github.com/nodewatch/fleetctl/internal/node/ipset"
	"github.com/nodewatch/fleetctl/internal/node/metricsapi"
	"github.com/nodewatch/fleetctl/internal/node/security"
	"github.com/nodewatch/fleetctl/internal/node/torrent"
	"github.com/nodewatch/fleetctl/internal/node/traffic"
	"github.com/nodewatch/fleetctl/internal/node/xraylog"
	"github.com/nodewatch/fleetctl/internal/platform/config"
	"github.com/nodewatch/fleetctl/internal/platform/httpserver"
	"github.com/nodewatch/fleetctl/internal/platform/logging"
	"github.com/nodewatch/fleetctl/internal/platform/metrics"
	"github.com/nodewatch/fleetctl/internal/platform/ratelimit"
	store "github.com/nodewatch/fleetctl/internal/store/node"
)

// Config is the node agent's YAML/env configuration shape.
type Config struct {
	ListenAddr        string   `yaml:"listen_addr"`
	APIKey            string   `yaml:"api_key"`
	DBPath            string   `yaml:"db_path"`
	XrayContainer     string   `yaml:"xray_container"`
	TrackedPorts      []string `yaml:"tracked_ports"` // "port/proto", e.g. "443/tcp"
	TrafficRetainDays int      `yaml:"traffic_retain_days"`
	RedisAddr         string   `yaml:"redis_addr"`
	RateLimitAllow    []string `yaml:"rate_limit_allowlist"`
	LogLevel          string   `yaml:"log_level"`
	LogPretty         bool     `yaml:"log_pretty"`
	Version           string   `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:        ":9090",
		DBPath:            "/var/lib/monitoring/node.db",
		XrayContainer:     "remnanode",
		TrafficRetainDays: 90,
		LogLevel:          "info",
	}
}

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:   "node",
		Short: "Fleet node agent: firewall, ipset, HAProxy, traffic, and Xray telemetry for one host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to node.yaml")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := defaultConfig()
	if err := config.Load(cfgFile, "NODE_", &cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Version = config.MustEnv("NODE_VERSION", "dev")

	log := logging.New(logging.Options{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Component: "node"})
	log.Info().Str("addr", cfg.ListenAddr).Msg("starting node agent")
	metrics.Register(prometheus.DefaultRegisterer)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open node store: %w", err)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	limiter := ratelimit.New(redisClient)
	limiter.Allowlist = cfg.RateLimitAllow

	exec := hostexec.New(log)
	ipsetDriver := ipset.New(exec)
	firewallDriver := firewall.New(exec)
	haproxyDriver := haproxy.New(exec)
	metricsProducer := metricsapi.New()
	guard := security.New()
	xrayIngester := xraylog.New(exec, log, cfg.XrayContainer)
	torrentBlocker := torrent.New(exec, ipsetDriver, log)
	trafficAccountant := traffic.New(exec, db, log, parseTrackedPorts(cfg.TrackedPorts))

	xrayIngester.RawLineSink = func(line string) {
		torrentBlocker.ProcessLine(context.Background(), line)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ipsetDriver.Init(ctx); err != nil {
		log.Warn().Err(err).Msg("ipset init failed, continuing with best-effort state")
	}
	if err := trafficAccountant.Init(ctx); err != nil {
		log.Warn().Err(err).Msg("traffic accountant init failed")
	}

	go xrayIngester.Run(ctx)
	go guard.RunCleanup(ctx.Done())
	go trafficTicker(ctx, trafficAccountant, cfg.TrafficRetainDays)

	router := api.Mount(api.Deps{
		Logger:   log,
		APIKey:   cfg.APIKey,
		Exec:     exec,
		Firewall: firewallDriver,
		Ipset:    ipsetDriver,
		HAProxy:  haproxyDriver,
		Traffic:  trafficAccountant,
		XrayLog:  xrayIngester,
		Torrent:  torrentBlocker,
		Metrics:  metricsProducer,
		Guard:    guard,
		Limiter:  limiter,
		Version:  cfg.Version,
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	httpserver.EnableDrainFlag(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("node http server failed")
		}
	}()

	waitForSignal()
	log.Info().Msg("shutting down, draining connections")
	httpserver.SetDraining(true)
	time.Sleep(2 * time.Second)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	trafficAccountant.PersistState()
	cancel()
	return nil
}

func trafficTicker(ctx context.Context, a *traffic.Accountant, retentionDays int) {
	tick := time.NewTicker(time.Minute)
	persist := time.NewTicker(5 * time.Minute)
	retain := time.NewTicker(24 * time.Hour)
	defer tick.Stop()
	defer persist.Stop()
	defer retain.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			_ = a.Tick(ctx)
		case <-persist.C:
			a.PersistState()
		case <-retain.C:
			a.Retain(retentionDays)
		}
	}
}

func parseTrackedPorts(raw []string) []traffic.TrackedPort {
	var out []traffic.TrackedPort
	for _, s := range raw {
		parts := strings.SplitN(s, "/", 2)
		port, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		proto := "tcp"
		if len(parts) == 2 {
			proto = parts[1]
		}
		out = append(out, traffic.TrackedPort{Port: port, Proto: proto})
	}
	return out
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}
