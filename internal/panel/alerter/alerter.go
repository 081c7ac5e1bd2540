// Package alerter watches each server's metrics stream for sustained
// absolute thresholds and EMA-relative spikes/drops, plus offline
// detection, and delivers Telegram notifications with EN/RU
// localization (spec §4.13). Grounded on the EMA warm-up/smoothing shape
// and delivers through mymmrac/telego, the pack's Telegram bot library
// (cofedish-3x-UI-agents).
package alerter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/nodewatch/fleetctl/internal/platform/metrics"
	store "github.com/nodewatch/fleetctl/internal/store/panel"
)

const (
	emaWindow       = 30
	emaAlpha        = 2.0 / 31.0
	emaWarmupCount  = 5
	pollInterval    = 15 * time.Second
	defaultSustainedSeconds = 300
	defaultCooldownSeconds  = 1800
	defaultOfflineFailThreshold = 3
)

type AlertClass string

const (
	ClassAbsolute      AlertClass = "absolute"
	ClassRelativeSpike AlertClass = "relative_spike"
	ClassRelativeDrop  AlertClass = "relative_drop"
	ClassOffline       AlertClass = "offline"
	ClassRecovered     AlertClass = "recovered"
)

// ema tracks a single exponential moving average plus warm-up state.
type ema struct {
	value   float64
	samples int
}

func (e *ema) update(x float64) {
	if e.samples == 0 {
		e.value = x
	} else {
		e.value = emaAlpha*x + (1-emaAlpha)*e.value
	}
	e.samples++
}

func (e *ema) warm() bool { return e.samples >= emaWarmupCount }

// serverState tracks per-server EMA engines and sustained/cooldown windows.
// One EMA per tracked metric: CPU%, RAM%, net rx/tx bytes/sec, and each of
// the seven TCP connection states (spec §4.13).
type serverState struct {
	cpuEMA, ramEMA             ema
	netRxEMA, netTxEMA         ema
	tcpEstabEMA, tcpListenEMA  ema
	tcpTimeWaitEMA             ema
	tcpCloseWaitEMA            ema
	tcpSynSentEMA, tcpSynRecvEMA ema
	tcpFinWaitEMA              ema

	sustainedSince map[AlertClass]time.Time
	lastAlertAt    map[AlertClass]time.Time
	consecutiveFail int
	wasOffline      bool
}

func newServerState() *serverState {
	return &serverState{
		sustainedSince: map[AlertClass]time.Time{},
		lastAlertAt:    map[AlertClass]time.Time{},
	}
}

// Engine evaluates metrics snapshots and dispatches alerts.
type Engine struct {
	db  *gorm.DB
	log zerolog.Logger
	bot *telego.Bot

	mu     sync.Mutex
	states map[uint]*serverState
}

func New(db *gorm.DB, log zerolog.Logger) *Engine {
	return &Engine{db: db, log: log, states: map[uint]*serverState{}}
}

// SetBot wires (or rewires) the Telegram bot once settings provide a
// token; nil disables delivery but alerts still persist to AlertHistory.
func (e *Engine) SetBot(token string) error {
	if token == "" {
		e.bot = nil
		return nil
	}
	bot, err := telego.NewBot(token)
	if err != nil {
		return err
	}
	e.bot = bot
	return nil
}

func (e *Engine) settings() store.AlertSettings {
	var s store.AlertSettings
	if err := e.db.First(&s, 1).Error; err != nil {
		return store.AlertSettings{
			SustainedSeconds: defaultSustainedSeconds, CooldownSeconds: defaultCooldownSeconds,
			OfflineFailThreshold: defaultOfflineFailThreshold, CPUCritical: 90, RAMCritical: 90, SpikePercent: 2.0,
			Language: "en",
		}
	}
	return s
}

// Run polls the latest snapshot per active server on a fixed cadence.
func (e *Engine) Run(ctx context.Context) {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.evaluateAll(ctx)
		}
	}
}

func (e *Engine) evaluateAll(ctx context.Context) {
	cfg := e.settings()
	var servers []store.Server
	if err := e.db.WithContext(ctx).Find(&servers).Error; err != nil {
		return
	}
	for _, s := range servers {
		e.evaluateServer(ctx, s, cfg)
	}
}

func (e *Engine) stateFor(serverID uint) *serverState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[serverID]
	if !ok {
		st = newServerState()
		e.states[serverID] = st
	}
	return st
}

func (e *Engine) evaluateServer(ctx context.Context, s store.Server, cfg store.AlertSettings) {
	st := e.stateFor(s.ID)

	offline := s.LastSeen == nil || time.Since(*s.LastSeen) > 2*pollInterval
	if offline {
		st.consecutiveFail++
		if st.consecutiveFail >= cfg.OfflineFailThreshold && !st.wasOffline {
			st.wasOffline = true
			e.fire(ctx, s, ClassOffline, "critical", fmt.Sprintf("server %s has not reported in %d checks", s.Name, st.consecutiveFail), cfg)
		}
		return
	}
	if st.wasOffline {
		st.wasOffline = false
		st.consecutiveFail = 0
		e.fire(ctx, s, ClassRecovered, "info", fmt.Sprintf("server %s is back online", s.Name), cfg)
	}

	var snap store.MetricsSnapshot
	if err := e.db.WithContext(ctx).Where("server_id = ?", s.ID).Order("at DESC").First(&snap).Error; err != nil {
		return
	}

	e.checkAbsolute(ctx, s, "cpu", snap.CPUPercent, cfg.CPUCritical, st, cfg)
	e.checkAbsolute(ctx, s, "ram", snap.RAMPercent, cfg.RAMCritical, st, cfg)

	e.checkRelative(ctx, s, "cpu", snap.CPUPercent, &st.cpuEMA, st, cfg)
	e.checkRelative(ctx, s, "ram", snap.RAMPercent, &st.ramEMA, st, cfg)
	e.checkRelative(ctx, s, "net_rx", snap.RxBytesRate, &st.netRxEMA, st, cfg)
	e.checkRelative(ctx, s, "net_tx", snap.TxBytesRate, &st.netTxEMA, st, cfg)
	e.checkRelative(ctx, s, "tcp_established", float64(snap.TCPEstab), &st.tcpEstabEMA, st, cfg)
	e.checkRelative(ctx, s, "tcp_listen", float64(snap.TCPListen), &st.tcpListenEMA, st, cfg)
	e.checkRelative(ctx, s, "tcp_time_wait", float64(snap.TCPTimeWait), &st.tcpTimeWaitEMA, st, cfg)
	e.checkRelative(ctx, s, "tcp_close_wait", float64(snap.TCPCloseWait), &st.tcpCloseWaitEMA, st, cfg)
	e.checkRelative(ctx, s, "tcp_syn_sent", float64(snap.TCPSynSent), &st.tcpSynSentEMA, st, cfg)
	e.checkRelative(ctx, s, "tcp_syn_recv", float64(snap.TCPSynRecv), &st.tcpSynRecvEMA, st, cfg)
	e.checkRelative(ctx, s, "tcp_fin_wait", float64(snap.TCPFinWait), &st.tcpFinWaitEMA, st, cfg)
}

// checkAbsolute fires ClassAbsolute once value has breached threshold for
// sustained_seconds continuously, honoring the cooldown. Only CPU/RAM carry
// a configured absolute threshold (spec §4.13).
func (e *Engine) checkAbsolute(ctx context.Context, s store.Server, name string, value, threshold float64, st *serverState, cfg store.AlertSettings) {
	now := time.Now()
	sustained := time.Duration(cfg.SustainedSeconds) * time.Second
	cooldown := time.Duration(cfg.CooldownSeconds) * time.Second

	absKey := AlertClass(name + "_absolute")
	if value >= threshold {
		if st.sustainedSince[absKey].IsZero() {
			st.sustainedSince[absKey] = now
		}
		if now.Sub(st.sustainedSince[absKey]) >= sustained && now.Sub(st.lastAlertAt[absKey]) >= cooldown {
			st.lastAlertAt[absKey] = now
			e.fire(ctx, s, ClassAbsolute, "critical", fmt.Sprintf("%s at %.1f%% on %s (threshold %.1f%%)", name, value, s.Name, threshold), cfg)
		}
	} else {
		delete(st.sustainedSince, absKey)
	}
}

// checkRelative implements spec §4.13's literal EMA-relative contract:
// fire a spike when (current-ema)/ema >= spike_percent and a drop when
// (ema-current)/ema >= spike_percent, gated on ema having warmed up and
// baseline having cleared min_value, each requiring sustained_seconds of
// continuous breach before firing and a cooldown between repeats.
func (e *Engine) checkRelative(ctx context.Context, s store.Server, name string, value float64, avg *ema, st *serverState, cfg store.AlertSettings) {
	wasWarm := avg.warm()
	baseline := avg.value
	avg.update(value)

	now := time.Now()
	sustained := time.Duration(cfg.SustainedSeconds) * time.Second
	cooldown := time.Duration(cfg.CooldownSeconds) * time.Second

	spikeKey := AlertClass(name + "_spike")
	dropKey := AlertClass(name + "_drop")

	if !wasWarm || baseline < cfg.MinValue || baseline <= 0 {
		delete(st.sustainedSince, spikeKey)
		delete(st.sustainedSince, dropKey)
		return
	}

	delta := (value - baseline) / baseline
	if delta >= cfg.SpikePercent {
		if st.sustainedSince[spikeKey].IsZero() {
			st.sustainedSince[spikeKey] = now
		}
		if now.Sub(st.sustainedSince[spikeKey]) >= sustained && now.Sub(st.lastAlertAt[spikeKey]) >= cooldown {
			st.lastAlertAt[spikeKey] = now
			e.fire(ctx, s, ClassRelativeSpike, "warning", fmt.Sprintf("%s spiked to %.2f vs baseline %.2f on %s", name, value, baseline, s.Name), cfg)
		}
	} else {
		delete(st.sustainedSince, spikeKey)
	}

	if -delta >= cfg.SpikePercent {
		if st.sustainedSince[dropKey].IsZero() {
			st.sustainedSince[dropKey] = now
		}
		if now.Sub(st.sustainedSince[dropKey]) >= sustained && now.Sub(st.lastAlertAt[dropKey]) >= cooldown {
			st.lastAlertAt[dropKey] = now
			e.fire(ctx, s, ClassRelativeDrop, "warning", fmt.Sprintf("%s dropped to %.2f vs baseline %.2f on %s", name, value, baseline, s.Name), cfg)
		}
	} else {
		delete(st.sustainedSince, dropKey)
	}
}

// fire persists the alert unconditionally, then attempts delivery —
// delivery failure must never lose the audit row (spec §4.13).
func (e *Engine) fire(ctx context.Context, s store.Server, class AlertClass, severity, message string, cfg store.AlertSettings) {
	text := localize(cfg.Language, class, message)

	row := store.AlertHistory{
		ServerID: s.ID, AlertType: string(class), Severity: severity, Message: text,
	}

	sent := e.deliver(ctx, cfg, text)
	row.SentOK = sent
	e.db.WithContext(ctx).Create(&row)
	metrics.AlertsFired.WithLabelValues(string(class), severity).Inc()

	if !sent {
		metrics.AlertDeliveryFailures.Inc()
		e.log.Warn().Str("server", s.Name).Str("class", string(class)).Msg("alert delivery failed, recorded to history only")
	}
}

func (e *Engine) deliver(ctx context.Context, cfg store.AlertSettings, text string) bool {
	if e.bot == nil || cfg.TelegramChatID == "" {
		return false
	}
	chatID := telego.ChatID{ID: chatIDInt(cfg.TelegramChatID)}
	_, err := e.bot.SendMessage(&telego.SendMessageParams{ChatID: chatID, Text: text})
	return err == nil
}

func chatIDInt(s string) int64 {
	var n int64
	neg := false
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n
}

// localize renders the alert text in the configured language; Russian
// falls back to the English message body with a localized prefix since
// the underlying metric names are not translated.
func localize(lang string, class AlertClass, message string) string {
	prefix := map[AlertClass]map[string]string{
		ClassAbsolute:      {"en": "Threshold alert", "ru": "Превышен порог"},
		ClassRelativeSpike: {"en": "Spike detected", "ru": "Обнаружен всплеск"},
		ClassRelativeDrop:  {"en": "Drop detected", "ru": "Обнаружено падение"},
		ClassOffline:       {"en": "Server offline", "ru": "Сервер недоступен"},
		ClassRecovered:     {"en": "Server recovered", "ru": "Сервер восстановлен"},
	}
	p := prefix[class][lang]
	if p == "" {
		p = prefix[class]["en"]
	}
	return fmt.Sprintf("%s: %s", p, message)
}
