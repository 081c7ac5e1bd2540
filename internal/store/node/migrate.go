package node

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open opens the node's local traffic database and runs Migrate.
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

// Migrate is the idempotent schema-ensure routine for the node store.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&InterfaceTraffic{},
		&PortTraffic{},
		&HourlyTraffic{},
		&DailyTraffic{},
		&MonthlyTraffic{},
		&TorrentEvent{},
	)
}

// PruneInterfaceTraffic, PrunePortTraffic, PruneHourlyTraffic and
// PruneDailyTraffic each delete the rows of one table older than cutoff;
// MonthlyTraffic has no prune function. The retention loop in
// internal/node/traffic calls the interface and port variants.
func PruneInterfaceTraffic(db *gorm.DB, cutoff any) error {
	return db.Where("at < ?", cutoff).Delete(&InterfaceTraffic{}).Error
}

func PrunePortTraffic(db *gorm.DB, cutoff any) error {
	return db.Where("at < ?", cutoff).Delete(&PortTraffic{}).Error
}

func PruneHourlyTraffic(db *gorm.DB, cutoff any) error {
	return db.Where("hour < ?", cutoff).Delete(&HourlyTraffic{}).Error
}

func PruneDailyTraffic(db *gorm.DB, cutoff any) error {
	return db.Where("day < ?", cutoff).Delete(&DailyTraffic{}).Error
}
