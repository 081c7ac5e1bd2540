package node

import (
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestMigrateCreatesAllTables(t *testing.T) {
	db := newTestDB(t)
	for _, model := range []any{
		&InterfaceTraffic{}, &PortTraffic{}, &HourlyTraffic{}, &DailyTraffic{}, &MonthlyTraffic{}, &TorrentEvent{},
	} {
		if !db.Migrator().HasTable(model) {
			t.Errorf("expected table for %T to exist after Migrate", model)
		}
	}
}

func TestPruneInterfaceTrafficDeletesOlderRows(t *testing.T) {
	db := newTestDB(t)
	old := InterfaceTraffic{Interface: "eth0", At: time.Now().Add(-48 * time.Hour), RxBytes: 1}
	fresh := InterfaceTraffic{Interface: "eth0", At: time.Now(), RxBytes: 2}
	if err := db.Create(&old).Error; err != nil {
		t.Fatalf("create old: %v", err)
	}
	if err := db.Create(&fresh).Error; err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	cutoff := time.Now().Add(-24 * time.Hour)
	if err := PruneInterfaceTraffic(db, cutoff); err != nil {
		t.Fatalf("prune: %v", err)
	}

	var remaining []InterfaceTraffic
	db.Find(&remaining)
	if len(remaining) != 1 || remaining[0].RxBytes != 2 {
		t.Errorf("expected only the fresh row to survive, got %+v", remaining)
	}
}

func TestPrunePortTrafficDeletesOlderRows(t *testing.T) {
	db := newTestDB(t)
	old := PortTraffic{Port: 443, Proto: "tcp", At: time.Now().Add(-48 * time.Hour)}
	fresh := PortTraffic{Port: 443, Proto: "tcp", At: time.Now()}
	db.Create(&old)
	db.Create(&fresh)

	if err := PrunePortTraffic(db, time.Now().Add(-24*time.Hour)); err != nil {
		t.Fatalf("prune: %v", err)
	}
	var remaining []PortTraffic
	db.Find(&remaining)
	if len(remaining) != 1 {
		t.Errorf("expected 1 row after prune, got %d", len(remaining))
	}
}

func TestPruneHourlyAndDailyTraffic(t *testing.T) {
	db := newTestDB(t)
	db.Create(&HourlyTraffic{Interface: "eth0", Hour: time.Now().Add(-72 * time.Hour)})
	db.Create(&HourlyTraffic{Interface: "eth0", Hour: time.Now()})
	db.Create(&DailyTraffic{Interface: "eth0", Day: time.Now().Add(-72 * time.Hour)})
	db.Create(&DailyTraffic{Interface: "eth0", Day: time.Now()})

	cutoff := time.Now().Add(-24 * time.Hour)
	if err := PruneHourlyTraffic(db, cutoff); err != nil {
		t.Fatalf("prune hourly: %v", err)
	}
	if err := PruneDailyTraffic(db, cutoff); err != nil {
		t.Fatalf("prune daily: %v", err)
	}

	var hourly []HourlyTraffic
	var daily []DailyTraffic
	db.Find(&hourly)
	db.Find(&daily)
	if len(hourly) != 1 {
		t.Errorf("expected 1 hourly row remaining, got %d", len(hourly))
	}
	if len(daily) != 1 {
		t.Errorf("expected 1 daily row remaining, got %d", len(daily))
	}
}
