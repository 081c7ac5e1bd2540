// Package node holds the node agent's local relational store: the
// traffic-accounting tables written by internal/node/traffic (spec §4.5).
// Same gorm+sqlite shape as internal/store/panel, kept as a separate
// package/database since a node's traffic history never needs to leave
// the host it was collected on.
package node

import "time"

// InterfaceTraffic is one tick's byte counters for a network interface.
type InterfaceTraffic struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Interface string    `gorm:"index:idx_iface_traffic_lookup,priority:1;not null"`
	At        time.Time `gorm:"index:idx_iface_traffic_lookup,priority:2;not null"`
	RxBytes   int64
	TxBytes   int64
}

// PortTraffic is one tick's accounted bytes for a single tracked port,
// read from the iptables accounting chain (spec §4.5).
type PortTraffic struct {
	ID      uint      `gorm:"primaryKey;autoIncrement"`
	Port    int       `gorm:"index:idx_port_traffic_lookup,priority:1;not null"`
	Proto   string    `gorm:"index:idx_port_traffic_lookup,priority:2;not null"` // "tcp"|"udp"
	At      time.Time `gorm:"index:idx_port_traffic_lookup,priority:3;not null"`
	RxBytes int64
	TxBytes int64
}

// HourlyTraffic, DailyTraffic, MonthlyTraffic are roll-ups of
// InterfaceTraffic, bucketed by period start. Kept as three tables
// (rather than one with a period discriminator) to match the fixed,
// independently-pruned retention windows each period uses in §4.5.
type HourlyTraffic struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Interface string    `gorm:"index:idx_hourly_lookup,priority:1;not null"`
	Hour      time.Time `gorm:"index:idx_hourly_lookup,priority:2;not null"`
	RxBytes   int64
	TxBytes   int64
}

type DailyTraffic struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Interface string    `gorm:"index:idx_daily_lookup,priority:1;not null"`
	Day       time.Time `gorm:"index:idx_daily_lookup,priority:2;not null"`
	RxBytes   int64
	TxBytes   int64
}

type MonthlyTraffic struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Interface string    `gorm:"index:idx_monthly_lookup,priority:1;not null"`
	Month     time.Time `gorm:"index:idx_monthly_lookup,priority:2;not null"`
	RxBytes   int64
	TxBytes   int64
}

// TorrentEvent records one torrent-behavior detection, used for the
// dedup window in internal/node/torrent (spec §4.7).
type TorrentEvent struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	SourceIP  string    `gorm:"index;not null"`
	Reason    string    `gorm:"not null"` // "tag"|"behavior"
	DetailRaw string    `gorm:"type:text"`
	At        time.Time `gorm:"index;not null"`
}
