package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gluk-w/otaplane/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := Migrate(DB); err != nil {
		return err
	}

	return nil
}

// Migrate runs the schema migration on the given DB handle. Tests use
// this against in-memory sqlite.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Device{}, &Release{}, &Rollout{}, &HealthReport{}, &Setting{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// Device helpers

func GetDeviceByDeviceID(deviceID string) (*Device, error) {
	var d Device
	if err := DB.Where("device_id = ?", deviceID).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

func UpsertDevice(d *Device) error {
	var existing Device
	err := DB.Where("device_id = ?", d.DeviceID).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		return DB.Create(d).Error
	}
	if err != nil {
		return err
	}
	// Re-registration refreshes identity fields only. Rollout lifecycle
	// state, aggregate flags and queued commands belong to the control
	// plane and must survive a device restart.
	d.ID = existing.ID
	d.RolloutID = existing.RolloutID
	d.RolloutState = existing.RolloutState
	d.HealthFailed = existing.HealthFailed
	d.RolledBack = existing.RolledBack
	d.RollbackRequested = existing.RollbackRequested
	d.StartedAt = existing.StartedAt
	d.CompletedAt = existing.CompletedAt
	d.LastError = existing.LastError
	d.CreatedAt = existing.CreatedAt
	return DB.Save(d).Error
}

func TouchDeviceLastSeen(deviceID string) error {
	now := time.Now()
	return DB.Model(&Device{}).Where("device_id = ?", deviceID).Update("last_seen", &now).Error
}

func ListDevices() ([]Device, error) {
	var devices []Device
	if err := DB.Order("device_id").Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

// Release helpers

func CreateRelease(r *Release) error {
	return DB.Create(r).Error
}

func GetReleaseByVersion(version string) (*Release, error) {
	var r Release
	if err := DB.Where("version = ?", version).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

func ListActiveReleases() ([]Release, error) {
	var releases []Release
	if err := DB.Where("active = ?", true).Order("created_at desc").Find(&releases).Error; err != nil {
		return nil, err
	}
	return releases, nil
}

// Rollout helpers

func GetRolloutByUUID(uuid string) (*Rollout, error) {
	var r Rollout
	if err := DB.Where("uuid = ?", uuid).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}
