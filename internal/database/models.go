package database

import "time"

// Device is the fleet-side registry row for one edge device, including
// its rollout-facing state. RolloutState transitions are guarded (see
// the rollout package) so repeated reports of the same terminal state
// never double-count in aggregates.
type Device struct {
	ID                uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	DeviceID          string `gorm:"uniqueIndex;not null;size:128" json:"device_id"`
	// The column is named device_group because "group" is a SQL keyword.
	Group             string `gorm:"column:device_group;not null;default:general;index" json:"group"`
	Region            string `json:"region"`
	HardwareRev       string `gorm:"not null" json:"hardware_rev"`
	BootloaderVersion string `json:"bootloader_version"`
	CurrentVersion    string `json:"current_version"`

	RolloutID         string     `gorm:"index" json:"rollout_id"`
	RolloutState      string     `gorm:"not null;default:pending" json:"rollout_state"`
	HealthFailed      bool       `gorm:"not null;default:false" json:"health_failed"`
	RolledBack        bool       `gorm:"not null;default:false" json:"rolled_back"`
	RollbackRequested bool       `gorm:"not null;default:false" json:"rollback_requested"`
	StartedAt         *time.Time `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at"`
	LastError         string     `json:"last_error"`

	LastSeen  *time.Time `json:"last_seen"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Attributes returns the device's declared attributes for cohort
// predicate matching.
func (d *Device) Attributes() map[string]string {
	return map[string]string{
		"group":  d.Group,
		"region": d.Region,
		"hw":     d.HardwareRev,
	}
}

// Release stores a published release manifest plus the cohort predicate
// scoping which devices may see it.
type Release struct {
	ID       uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Version  string `gorm:"uniqueIndex;not null" json:"version"`
	BuildID  string `gorm:"not null" json:"build_id"`
	Manifest string `gorm:"type:text;not null" json:"-"` // manifest JSON as published
	Cohort   string `json:"cohort"`                      // serialized cohort predicate
	Active   bool   `gorm:"not null;default:true" json:"active"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Rollout is a staged-delivery plan plus its execution status. The plan
// fields are immutable once execution begins; only Status, PausedGroup
// and PauseDetail change afterwards.
type Rollout struct {
	ID      uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID    string `gorm:"uniqueIndex;not null;size:36" json:"uuid"`
	Version string `gorm:"not null" json:"version"`
	Groups  string `gorm:"not null" json:"groups"` // comma-separated, in rollout order

	BatchPercent               int     `gorm:"not null;default:5" json:"batch_percent"`
	FailureRateThreshold       float64 `gorm:"not null;default:0.01" json:"failure_rate_threshold"`
	RollbackRateThreshold      float64 `gorm:"not null;default:0.01" json:"rollback_rate_threshold"`
	HealthFailureRateThreshold float64 `gorm:"not null;default:0.10" json:"health_failure_rate_threshold"`
	MinDevicesInBatch          int     `gorm:"not null;default:10" json:"min_devices_in_batch"`
	ObserveWaitSecs            int     `gorm:"not null;default:300" json:"observe_wait_secs"`

	// Maintenance window: cron expression for window start plus a
	// duration. Empty cron means batches may dispatch at any time.
	WindowCron         string `json:"window_cron"`
	WindowDurationSecs int    `json:"window_duration_secs"`

	Status      string `gorm:"not null;default:created" json:"status"`
	PausedGroup string `json:"paused_group"`
	PauseDetail string `gorm:"type:text" json:"pause_detail"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// HealthReport is one health push from a device, kept for audit and for
// fleet-level aggregation.
type HealthReport struct {
	ID              uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	DeviceID        string     `gorm:"index;not null" json:"device_id"`
	FirmwareVersion string     `json:"firmware_version"`
	Status          string     `gorm:"not null" json:"status"`
	BootCount       int        `json:"boot_count"`
	WatchdogResets  int        `json:"watchdog_resets"`
	CanReachBroker  bool       `json:"can_reach_broker"`
	LastHeartbeat   *time.Time `json:"last_heartbeat"`
	CPUPercent      float64    `json:"cpu_percent"`
	RAMPercent      float64    `json:"ram_percent"`
	AvgLatencyMS    float64    `json:"avg_latency_ms"`
	ErrorRate       float64    `json:"error_rate"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Setting is a key/value row for server-managed secrets and defaults
// (e.g. the fernet key used for device enrollment tokens).
type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
