// Package panel holds the panel's relational store: gorm models and an
// idempotent migration routine. Grounded on the gorm+sqlite model shape
// used by the 3x-ui-agents panel (see DESIGN.md) — primary keys,
// uniqueness, and JSON-text columns are expressed the same way here.
package panel

import "time"

// Server is an operator-managed node agent registration.
type Server struct {
	ID       uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Name     string `gorm:"uniqueIndex;not null" json:"name"`
	BaseURL  string `gorm:"not null" json:"base_url"`
	APIKey   string `json:"-"`
	Position int    `json:"position"`
	Active   bool   `gorm:"default:true;index" json:"active"`
	Folder   string `json:"folder,omitempty"`

	LastSeen  *time.Time `json:"last_seen,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	ErrorCode int        `json:"error_code,omitempty"`

	// Cached JSON blobs from the node's haproxy/traffic endpoints, per
	// the cache-loop cadence in spec §4.9.
	LastHaproxyData string `gorm:"type:text" json:"-"`
	LastTrafficData string `gorm:"type:text" json:"-"`

	HasXrayNode bool `gorm:"default:false" json:"has_xray_node"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MetricsSnapshot is one raw poll of a server's composite metrics,
// including the panel-derived speed columns (spec §3 invariant: every
// rate column is max(0, current-prev)/Δt, or current on counter reset).
type MetricsSnapshot struct {
	ID       uint      `gorm:"primaryKey;autoIncrement"`
	ServerID uint      `gorm:"index:idx_snapshot_server_ts,priority:1;not null"`
	At       time.Time `gorm:"index:idx_snapshot_server_ts,priority:2;not null"`

	CPUPercent   float64
	RAMPercent   float64
	SwapPercent  float64
	RxBytes      int64
	TxBytes      int64
	RxBytesRate  float64
	TxBytesRate  float64
	DiskUsedPct  float64
	TCPEstab     int
	TCPListen    int
	TCPTimeWait  int
	TCPCloseWait int
	TCPSynSent   int
	TCPSynRecv   int
	TCPFinWait   int
	TCPOther     int

	// RawJSON carries the full node payload for fields the panel does not
	// model individually (per-CPU, temperatures, per-process, certs).
	RawJSON string `gorm:"type:text"`
}

// AggregatedMetrics is an hourly or daily roll-up of MetricsSnapshot rows.
type AggregatedMetrics struct {
	ID       uint      `gorm:"primaryKey;autoIncrement"`
	ServerID uint      `gorm:"index:idx_agg_server_period_ts,priority:1;not null"`
	Period   string    `gorm:"index:idx_agg_server_period_ts,priority:2;not null"` // "hour"|"day"
	At       time.Time `gorm:"index:idx_agg_server_period_ts,priority:3;not null"` // bucket start

	CPUAvg, CPUMax       float64
	RAMAvg, RAMMax       float64
	RxBytesAvg, RxBytesMax, RxBytesTotal float64
	TxBytesAvg, TxBytesMax, TxBytesTotal float64
}

// BlocklistRule is a single IP/CIDR entry. Server == nil means global.
type BlocklistRule struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	IPCIDR    string `gorm:"not null;index:idx_blocklist_rule_lookup,priority:1"`
	ServerID  *uint  `gorm:"index:idx_blocklist_rule_lookup,priority:2"`
	Direction string `gorm:"not null;index:idx_blocklist_rule_lookup,priority:3"` // "in"|"out"
	Permanent bool   `gorm:"default:true"`
	Source    string `gorm:"not null;default:manual"` // "manual"|"auto_list"
	SourceID  *uint  // set when Source == auto_list; cascades on source delete
	CreatedAt time.Time
}

// BlocklistSource is an externally fetched list of IPs/CIDRs.
type BlocklistSource struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"uniqueIndex;not null"`
	URL       string `gorm:"not null"`
	Enabled   bool   `gorm:"default:true"`
	Direction string `gorm:"not null"` // "in"|"out"
	LastHash  string
	IPCount   int
	UpdatedAt time.Time
}

// XrayStats is the single dimensional fact table: the sole table holding
// per-(user,ip,host) visit counts (spec §3, §GLOSSARY "fact table").
type XrayStats struct {
	Email     int64     `gorm:"primaryKey;autoIncrement:false"`
	SourceIP  string    `gorm:"primaryKey;size:64"`
	Host      string    `gorm:"primaryKey;size:255"`
	Count     int64     `gorm:"not null;default:0"`
	FirstSeen time.Time `gorm:"not null"`
	LastSeen  time.Time `gorm:"not null;index"`
}

func (XrayStats) TableName() string { return "xray_stats" }

// XrayHourlyStats rolls visits up per hour. ServerID == 0 is the
// fleet-wide sentinel bucket (spec Open Questions flags this as
// historical; kept as-is per "decide and record", see DESIGN.md).
type XrayHourlyStats struct {
	ServerID    uint      `gorm:"primaryKey;autoIncrement:false"`
	Hour        time.Time `gorm:"primaryKey"`
	Visits      int64
	UniqueUsers int64
	UniqueHosts int64
}

// XrayGlobalSummary is a single-row projection over XrayStats.
type XrayGlobalSummary struct {
	ID           uint `gorm:"primaryKey;autoIncrement:false"` // always 1
	TotalVisits  int64
	UniqueEmails int64
	UniqueHosts  int64
	RebuiltAt    time.Time
}

// XrayDestinationSummary is one row per destination host.
type XrayDestinationSummary struct {
	Host         string `gorm:"primaryKey;size:255"`
	TotalVisits  int64
	UniqueEmails int64
	LastSeen     time.Time
}

// XrayUserSummary is one row per user email.
type XrayUserSummary struct {
	Email             int64 `gorm:"primaryKey;autoIncrement:false"`
	TotalVisits       int64
	UniqueSites       int64
	UniqueClientIPs   int64
	InfrastructureIPs int64
	FirstSeen         time.Time
	LastSeen          time.Time
}

// RemnawaveUserCache mirrors the upstream VPN panel's users.
type RemnawaveUserCache struct {
	Email           int64 `gorm:"primaryKey;autoIncrement:false"`
	UUID            string `gorm:"index"`
	UsedTrafficByte int64
	TrafficLimitGB  float64
	Status          string
	UpdatedAt       time.Time
}

// ASNCache memoizes a 7-day IP → ASN/prefix resolution.
type ASNCache struct {
	IP       string `gorm:"primaryKey;size:64"`
	ASN      string
	Prefix   string
	CachedAt time.Time
}

// UserTrafficSnapshot is the baseline used for delta-based traffic
// anomaly detection.
type UserTrafficSnapshot struct {
	Email        int64 `gorm:"primaryKey;autoIncrement:false"`
	UsedBytes    int64
	ObservedAt   time.Time
}

// TrafficAnomalyLog, AlertHistory — audit trails.
type TrafficAnomalyLog struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	Email      int64     `gorm:"index"`
	Kind       string    `gorm:"not null"` // "traffic"|"ip_count"|"hwid"
	Severity   string    `gorm:"not null"` // "warning"|"critical"
	DetailsRaw string    `gorm:"type:text"`
	Notified   bool      `gorm:"default:false"`
	CreatedAt  time.Time `gorm:"index"`
}

type AlertHistory struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	ServerID  uint      `gorm:"index"`
	AlertType string    `gorm:"not null;index"`
	Severity  string    `gorm:"not null"`
	Message   string    `gorm:"type:text"`
	SentOK    bool      `gorm:"default:false"`
	CreatedAt time.Time `gorm:"index"`
}

// AlertSettings and TrafficAnalyzerSettings are singleton configuration
// rows (id always 1), matching the 3x-UI `Setting` key/value idiom but
// kept as typed singleton rows since the field set here is small and
// fixed, not an arbitrary growing key/value bag.
type AlertSettings struct {
	ID                  uint `gorm:"primaryKey;autoIncrement:false"` // always 1
	TelegramBotToken    string
	TelegramChatID      string
	Language            string  `gorm:"default:en"` // "en"|"ru"
	SustainedSeconds    int     `gorm:"default:300"`
	CooldownSeconds     int     `gorm:"default:1800"`
	OfflineFailThreshold int    `gorm:"default:3"`
	CPUCritical         float64 `gorm:"default:90"`
	RAMCritical         float64 `gorm:"default:90"`
	SpikePercent        float64 `gorm:"default:2.0"`
	MinValue            float64 `gorm:"default:0"` // spike/drop checks are skipped below this baseline
}

type TrafficAnalyzerSettings struct {
	ID                    uint    `gorm:"primaryKey;autoIncrement:false"` // always 1
	Enabled               bool    `gorm:"default:true"`
	IntervalMinutes       int     `gorm:"default:30"`
	HWIDDeviceLimit       int     `gorm:"default:3"`
	IPLimitMultiplier     float64 `gorm:"default:2.0"`
	MinASNVisitCount      int64   `gorm:"default:1000"`
	IgnoredUsersJSON      string  `gorm:"type:text"` // see Open Questions: promote to a table if it grows
}
