// Command panel runs the central fleet controller: polls every node
// agent, aggregates Xray visit stats, rebuilds rollup summaries,
// syncs the shared blocklist, watches for metric anomalies and traffic
// abuse, and serves the management HTTP API. Grounded on the teacher's
// cmd/protector/main.go wiring shape, adapted to the panel's wider set
// of background loops.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/nodewatch/fleetctl/internal/panel/alerter"
	"github.com/nodewatch/fleetctl/internal/panel/anomaly"
	"github.com/nodewatch/fleetctl/internal/panel/api"
	"github.com/nodewatch/fleetctl/internal/panel/asn"
	"github.com/nodewatch/fleetctl/internal/panel/blocklist"
	"github.com/nodewatch/fleetctl/internal/panel/fleet"
	"github.com/nodewatch/fleetctl/internal/panel/summaries"
	"github.com/nodewatch/fleetctl/internal/panel/xrayagg"
	"github.com/nodewatch/fleetctl/internal/platform/cache"
	"github.com/nodewatch/fleetctl/internal/platform/config"
	"github.com/nodewatch/fleetctl/internal/platform/httpclient"
	"github.com/nodewatch/fleetctl/internal/platform/httpserver"
	"github.com/nodewatch/fleetctl/internal/platform/logging"
	"github.com/nodewatch/fleetctl/internal/platform/metrics"
	"github.com/nodewatch/fleetctl/internal/platform/ratelimit"
	store "github.com/nodewatch/fleetctl/internal/store/panel"
)

// Config is the panel's YAML/env configuration shape.
type Config struct {
	ListenAddr       string `yaml:"listen_addr"`
	APIKey           string `yaml:"api_key"`
	DBPath           string `yaml:"db_path"`
	DNSResolver      string `yaml:"dns_resolver"`
	RedisAddr        string   `yaml:"redis_addr"`
	RateLimitAllow   []string `yaml:"rate_limit_allowlist"`
	SummaryInterval  string `yaml:"summary_interval"`
	XrayCollectSecs  int    `yaml:"xray_collect_interval_seconds"`
	UpstreamBaseURL  string `yaml:"upstream_base_url"`
	UpstreamAPIKey   string `yaml:"upstream_api_key"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
	LogLevel         string `yaml:"log_level"`
	LogPretty        bool   `yaml:"log_pretty"`
	Version          string `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:      ":9091",
		DBPath:          "/var/lib/monitoring/panel.db",
		DNSResolver:     "8.8.8.8:53",
		XrayCollectSecs: 60,
		LogLevel:        "info",
	}
}

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:   "panel",
		Short: "Fleet panel: polls every node, aggregates telemetry, alerts, and serves the management API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to panel.yaml")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := defaultConfig()
	if err := config.Load(cfgFile, "PANEL_", &cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Version = config.MustEnv("PANEL_VERSION", "dev")

	log := logging.New(logging.Options{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Component: "panel"})
	log.Info().Str("addr", cfg.ListenAddr).Msg("starting panel")
	metrics.Register(prometheus.DefaultRegisterer)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open panel store: %w", err)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	limiter := ratelimit.New(redisClient)
	limiter.Allowlist = cfg.RateLimitAllow

	client := httpclient.New()
	resolver := asn.New(db, cfg.DNSResolver)

	fleetCollector := fleet.New(db, log, client)
	xrayAgg := xrayagg.New(db, log, client)
	if redisClient != nil {
		xrayAgg.Cache = cache.NewRedisStore(redisClient, "fleetctl")
	}
	summaryBuilder := summaries.New(db, log, resolver)
	blocklistSyncer := blocklist.New(db, log, client)
	alertEngine := alerter.New(db, log)
	anomalyAnalyzer := anomaly.New(db, log, client, resolver, summaryBuilder)

	xrayAgg.RebuildSummaries = func() {
		summaryBuilder.RebuildAll(context.Background())
	}

	if cfg.TelegramBotToken != "" {
		if err := alertEngine.SetBot(cfg.TelegramBotToken); err != nil {
			log.Warn().Err(err).Msg("telegram bot init failed, alerts will only be recorded, not delivered")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go fleetCollector.Run(ctx)
	go xrayAgg.Run(ctx, activeXrayNodes(db), time.Duration(cfg.XrayCollectSecs)*time.Second)
	go summaryBuilder.Run(ctx, summaryInterval(cfg.SummaryInterval))
	go blocklistSyncer.Run(ctx)
	go alertEngine.Run(ctx)
	go anomalyAnalyzer.Run(ctx, cfg.UpstreamBaseURL, cfg.UpstreamAPIKey)

	router := api.Mount(api.Deps{
		Logger:    log,
		APIKey:    cfg.APIKey,
		DB:        db,
		Client:    client,
		Fleet:     fleetCollector,
		XrayAgg:   xrayAgg,
		Summaries: summaryBuilder,
		Blocklist: blocklistSyncer,
		Alerter:   alertEngine,
		Anomaly:   anomalyAnalyzer,
		Limiter:   limiter,
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	httpserver.EnableDrainFlag(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("panel http server failed")
		}
	}()

	waitForSignal()
	log.Info().Msg("shutting down, draining connections")
	httpserver.SetDraining(true)
	time.Sleep(2 * time.Second)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	cancel()
	return nil
}

// activeXrayNodes returns a closure xrayagg.Run polls before each
// collection cycle, so servers added or disabled at runtime take effect
// without a restart.
func activeXrayNodes(db *gorm.DB) func() []xrayagg.Node {
	return func() []xrayagg.Node {
		var servers []store.Server
		db.Where("active = ? AND has_xray_node = ?", true, true).Find(&servers)
		nodes := make([]xrayagg.Node, 0, len(servers))
		for _, s := range servers {
			nodes = append(nodes, xrayagg.Node{BaseURL: s.BaseURL, APIKey: s.APIKey})
		}
		return nodes
	}
}

func summaryInterval(raw string) time.Duration {
	if raw == "" {
		return 5 * time.Minute
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}
