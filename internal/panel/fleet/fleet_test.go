package fleet

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	store "github.com/nodewatch/fleetctl/internal/store/panel"
)

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

func TestClassifyAuthStatusCodes(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		class, got := classify(nil, code)
		if class != ClassAuth || got != code {
			t.Errorf("classify(nil, %d) = %v/%d, want ClassAuth/%d", code, class, got, code)
		}
	}
}

func TestClassifyServerErrorStatusCodes(t *testing.T) {
	class, code := classify(nil, 503)
	if class != ClassServer || code != 503 {
		t.Errorf("classify(nil, 503) = %v/%d, want ClassServer/503", class, code)
	}
}

func TestClassifyTimeoutError(t *testing.T) {
	class, _ := classify(errors.New("context deadline exceeded"), 0)
	if class != ClassTimeout {
		t.Errorf("got %v, want ClassTimeout", class)
	}
}

func TestClassifyConnRefusedError(t *testing.T) {
	class, _ := classify(errors.New("dial tcp: connection refused"), 0)
	if class != ClassConnRefused {
		t.Errorf("got %v, want ClassConnRefused", class)
	}
}

func TestClassifyTLSError(t *testing.T) {
	class, _ := classify(errors.New("x509: certificate signed by unknown authority"), 0)
	if class != ClassSSL {
		t.Errorf("got %v, want ClassSSL", class)
	}
}

func TestClassifyUnknownFallback(t *testing.T) {
	class, code := classify(errors.New("something else"), 200)
	if class != ClassUnknown || code != 200 {
		t.Errorf("got %v/%d, want ClassUnknown/200", class, code)
	}
}

func TestContainsAnyNilErrorIsFalse(t *testing.T) {
	if containsAny(nil, "anything") {
		t.Error("expected containsAny(nil, ...) to be false")
	}
}

func TestIndexOfFindsSubstring(t *testing.T) {
	if got := indexOf("hello world", "world"); got != 6 {
		t.Errorf("indexOf = %d, want 6", got)
	}
	if got := indexOf("hello world", "xyz"); got != -1 {
		t.Errorf("indexOf = %d, want -1", got)
	}
}

func TestMaxFloat(t *testing.T) {
	if maxFloat(1.5, 2.5) != 2.5 {
		t.Error("expected maxFloat to return the larger value")
	}
	if maxFloat(3, 1) != 3 {
		t.Error("expected maxFloat to return the larger value")
	}
}

func TestIsDeadlockDetectsKnownMessages(t *testing.T) {
	if !isDeadlock(errors.New("database is locked")) {
		t.Error("expected 'database is locked' to be classified as a deadlock")
	}
	if isDeadlock(errors.New("no such table")) {
		t.Error("expected an unrelated error to not be classified as a deadlock")
	}
}

func TestSetTickIntervalClampsToBounds(t *testing.T) {
	c := New(nil, zerolog.Nop(), nil)
	c.SetTickInterval(1 * time.Second)
	if c.tickInterval != minTickInterval {
		t.Errorf("got %v, want clamped to min %v", c.tickInterval, minTickInterval)
	}
	c.SetTickInterval(time.Hour)
	if c.tickInterval != maxTickInterval {
		t.Errorf("got %v, want clamped to max %v", c.tickInterval, maxTickInterval)
	}
	c.SetTickInterval(30 * time.Second)
	if c.tickInterval != 30*time.Second {
		t.Errorf("got %v, want 30s unclamped", c.tickInterval)
	}
}

func TestWithRetrySucceedsOnFirstTry(t *testing.T) {
	c := New(nil, zerolog.Nop(), nil)
	calls := 0
	err := c.withRetry(func() error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Errorf("expected a single successful call, got err=%v calls=%d", err, calls)
	}
}

func TestWithRetryGivesUpOnNonDeadlockError(t *testing.T) {
	c := New(nil, zerolog.Nop(), nil)
	calls := 0
	wantErr := errors.New("not a deadlock")
	err := c.withRetry(func() error {
		calls++
		return wantErr
	})
	if err != wantErr || calls != 1 {
		t.Errorf("expected immediate failure for a non-deadlock error, got err=%v calls=%d", err, calls)
	}
}

func TestWithRetryRetriesDeadlocksUpToLimit(t *testing.T) {
	c := New(nil, zerolog.Nop(), nil)
	calls := 0
	err := c.withRetry(func() error {
		calls++
		return errors.New("database is locked")
	})
	if err == nil {
		t.Error("expected withRetry to eventually return the deadlock error")
	}
	if calls != deadlockMaxRetries {
		t.Errorf("got %d attempts, want %d", calls, deadlockMaxRetries)
	}
}

func TestActiveServersReturnsOnlyActiveRows(t *testing.T) {
	db := newTestDB(t)
	db.Create(&store.Server{Name: "a", BaseURL: "http://a", Active: true})
	db.Create(&store.Server{Name: "b", BaseURL: "http://b", Active: false})

	c := New(db, zerolog.Nop(), nil)
	got := c.activeServers()
	if len(got) != 1 || got[0].Name != "a" {
		t.Errorf("expected only the active server, got %+v", got)
	}
}

func TestCleanupDeletesOldSnapshotsAndAggregates(t *testing.T) {
	db := newTestDB(t)
	db.Create(&store.MetricsSnapshot{ServerID: 1, At: time.Now().Add(-48 * time.Hour)})
	db.Create(&store.MetricsSnapshot{ServerID: 1, At: time.Now()})
	db.Create(&store.AggregatedMetrics{ServerID: 1, Period: "hour", At: time.Now().Add(-31 * 24 * time.Hour)})

	c := New(db, zerolog.Nop(), nil)
	c.cleanup()

	var snaps []store.MetricsSnapshot
	db.Find(&snaps)
	if len(snaps) != 1 {
		t.Errorf("expected 1 surviving snapshot, got %d", len(snaps))
	}

	var aggs []store.AggregatedMetrics
	db.Find(&aggs)
	if len(aggs) != 0 {
		t.Errorf("expected the stale hourly aggregate to be pruned, got %d rows", len(aggs))
	}
}

func TestRollupComputesAveragesAndMaxima(t *testing.T) {
	db := newTestDB(t)
	db.Create(&store.Server{Name: "a", BaseURL: "http://a", Active: true})
	var srv store.Server
	db.Where("name = ?", "a").First(&srv)

	from := time.Now().Add(-2 * time.Hour)
	to := time.Now()
	db.Create(&store.MetricsSnapshot{ServerID: srv.ID, At: from.Add(time.Minute), CPUPercent: 10, RAMPercent: 20})
	db.Create(&store.MetricsSnapshot{ServerID: srv.ID, At: from.Add(2 * time.Minute), CPUPercent: 30, RAMPercent: 40})

	c := New(db, zerolog.Nop(), nil)
	c.rollup("hour", from, to)

	var aggs []store.AggregatedMetrics
	db.Where("server_id = ? AND period = ?", srv.ID, "hour").Find(&aggs)
	if len(aggs) != 1 {
		t.Fatalf("expected 1 rollup row, got %d", len(aggs))
	}
	if aggs[0].CPUAvg != 20 {
		t.Errorf("got CPUAvg=%v, want 20", aggs[0].CPUAvg)
	}
	if aggs[0].CPUMax != 30 {
		t.Errorf("got CPUMax=%v, want 30", aggs[0].CPUMax)
	}
}
