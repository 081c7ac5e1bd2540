package panel

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Open opens (creating if absent) the panel's sqlite database and runs
// Migrate. Grounded on the gorm.Open + AutoMigrate sequence in the
// 3x-ui-agents database/model package referenced in SPEC_FULL.md.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate is the idempotent schema-ensure routine: AutoMigrate is safe to
// call on every startup, adding missing tables/columns without touching
// existing data (spec §9 "DB schema evolution: idempotent ensure schema").
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Server{},
		&MetricsSnapshot{},
		&AggregatedMetrics{},
		&BlocklistRule{},
		&BlocklistSource{},
		&XrayStats{},
		&XrayHourlyStats{},
		&XrayGlobalSummary{},
		&XrayDestinationSummary{},
		&XrayUserSummary{},
		&RemnawaveUserCache{},
		&ASNCache{},
		&UserTrafficSnapshot{},
		&TrafficAnomalyLog{},
		&AlertHistory{},
		&AlertSettings{},
		&TrafficAnalyzerSettings{},
	)
}

// UpsertXrayStats increments the visit counter for (email, sourceIP, host),
// creating the row on first sight. This is the single write path for the
// xray fact table (spec §4.10 "process-wide write lock merge").
func UpsertXrayStats(db *gorm.DB, row *XrayStats) error {
	return db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "email"}, {Name: "source_ip"}, {Name: "host"}},
		DoUpdates: clause.Assignments(map[string]any{
			"count":     gorm.Expr("xray_stats.count + ?", row.Count),
			"last_seen": row.LastSeen,
		}),
	}).Create(row).Error
}

// UpsertServer inserts or updates a Server by unique Name.
func UpsertServer(db *gorm.DB, s *Server) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"base_url", "api_key", "position", "active", "folder"}),
	}).Create(s).Error
}

// GetOrInitAlertSettings returns the singleton row, creating defaults if
// the table is empty.
func GetOrInitAlertSettings(db *gorm.DB) (*AlertSettings, error) {
	var s AlertSettings
	err := db.FirstOrCreate(&s, AlertSettings{ID: 1}).Error
	return &s, err
}

// GetOrInitTrafficAnalyzerSettings returns the singleton row, creating
// defaults if the table is empty.
func GetOrInitTrafficAnalyzerSettings(db *gorm.DB) (*TrafficAnalyzerSettings, error) {
	var s TrafficAnalyzerSettings
	err := db.FirstOrCreate(&s, TrafficAnalyzerSettings{ID: 1}).Error
	return &s, err
}
