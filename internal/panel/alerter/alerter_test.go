package alerter

import (
	"context"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	store "github.com/nodewatch/fleetctl/internal/store/panel"
)

func zerologNop() zerolog.Logger { return zerolog.Nop() }

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestEMAFirstSampleSeedsValue(t *testing.T) {
	var e ema
	e.update(50)
	if !almostEqual(e.value, 50) {
		t.Errorf("expected first sample to seed value directly, got %v", e.value)
	}
	if e.samples != 1 {
		t.Errorf("expected samples=1, got %d", e.samples)
	}
}

func TestEMASmoothsSubsequentSamples(t *testing.T) {
	var e ema
	e.update(50)
	e.update(100)
	if e.value <= 50 || e.value >= 100 {
		t.Errorf("expected smoothed value strictly between 50 and 100, got %v", e.value)
	}
	want := emaAlpha*100 + (1-emaAlpha)*50
	if !almostEqual(e.value, want) {
		t.Errorf("got %v, want %v", e.value, want)
	}
}

func TestEMAWarmRequiresWarmupCount(t *testing.T) {
	var e ema
	for i := 0; i < emaWarmupCount-1; i++ {
		e.update(10)
		if e.warm() {
			t.Fatalf("expected not warm before %d samples, warm after %d", emaWarmupCount, i+1)
		}
	}
	e.update(10)
	if !e.warm() {
		t.Errorf("expected warm after %d samples", emaWarmupCount)
	}
}

func TestLocalizeEnglishDefault(t *testing.T) {
	got := localize("en", ClassAbsolute, "cpu at 95%")
	want := "Threshold alert: cpu at 95%"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestLocalizeRussianPrefix(t *testing.T) {
	got := localize("ru", ClassOffline, "server down")
	want := "Сервер недоступен: server down"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestLocalizeUnknownLanguageFallsBackToEnglish(t *testing.T) {
	got := localize("fr", ClassRecovered, "back up")
	want := "Server recovered: back up"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestChatIDIntParsesPositiveAndNegative(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"12345", 12345},
		{"-100987654321", -100987654321},
		{"0", 0},
		{"", 0},
		{"abc", 0},
	}
	for _, c := range cases {
		if got := chatIDInt(c.in); got != c.want {
			t.Errorf("chatIDInt(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func warmedState(baseline float64) *serverState {
	st := newServerState()
	var e ema
	for i := 0; i < emaWarmupCount; i++ {
		e.update(baseline)
	}
	st.netRxEMA = e
	return st
}

func TestCheckRelativeFiresSpikeOnDeltaOverSpikePercent(t *testing.T) {
	db := newTestDB(t)
	e := New(db, zerologNop())
	s := store.Server{Name: "srv"}
	db.Create(&s)
	cfg := store.AlertSettings{SustainedSeconds: 0, CooldownSeconds: 0, SpikePercent: 0.5}

	st := warmedState(100)
	e.checkRelative(context.Background(), s, "net_rx", 160, &st.netRxEMA, st, cfg)

	var count int64
	db.Model(&store.AlertHistory{}).Where("alert_type = ?", string(ClassRelativeSpike)).Count(&count)
	if count != 1 {
		t.Errorf("expected a relative_spike alert for a 60%% jump against 50%% spike_percent, got %d", count)
	}
}

func TestCheckRelativeFiresDropOnDeltaUnderNegativeSpikePercent(t *testing.T) {
	db := newTestDB(t)
	e := New(db, zerologNop())
	s := store.Server{Name: "srv"}
	db.Create(&s)
	cfg := store.AlertSettings{SustainedSeconds: 0, CooldownSeconds: 0, SpikePercent: 0.5}

	st := warmedState(100)
	e.checkRelative(context.Background(), s, "net_rx", 40, &st.netRxEMA, st, cfg)

	var count int64
	db.Model(&store.AlertHistory{}).Where("alert_type = ?", string(ClassRelativeDrop)).Count(&count)
	if count != 1 {
		t.Errorf("expected a relative_drop alert for a 60%% fall against 50%% spike_percent, got %d", count)
	}
}

func TestCheckRelativeSkipsBelowMinValue(t *testing.T) {
	db := newTestDB(t)
	e := New(db, zerologNop())
	s := store.Server{Name: "srv"}
	db.Create(&s)
	cfg := store.AlertSettings{SustainedSeconds: 0, CooldownSeconds: 0, SpikePercent: 0.5, MinValue: 1000}

	st := warmedState(100)
	e.checkRelative(context.Background(), s, "net_rx", 1000, &st.netRxEMA, st, cfg)

	var count int64
	db.Model(&store.AlertHistory{}).Count(&count)
	if count != 0 {
		t.Errorf("expected min_value gate to suppress the alert when baseline is below min_value, got %d alerts", count)
	}
}
