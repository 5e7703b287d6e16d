package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gluk-w/otaplane/internal/database"
	"github.com/gluk-w/otaplane/internal/devicetoken"
	"github.com/gluk-w/otaplane/internal/events"
	"github.com/gluk-w/otaplane/internal/rollout"
	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

type registerRequest struct {
	DeviceID          string `json:"device_id"`
	Group             string `json:"group"`
	Region            string `json:"region"`
	HardwareRev       string `json:"hardware_rev"`
	BootloaderVersion string `json:"bootloader_version"`
	CurrentVersion    string `json:"current_version"`
}

// RegisterDevice enrolls a device (or refreshes its registration) and
// returns the bearer token it uses on every subsequent request.
func RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.DeviceID == "" || req.HardwareRev == "" {
		writeError(w, http.StatusBadRequest, "device_id and hardware_rev are required")
		return
	}
	if req.Group == "" {
		req.Group = "general"
	}

	now := time.Now()
	d := &database.Device{
		DeviceID:          req.DeviceID,
		Group:             req.Group,
		Region:            req.Region,
		HardwareRev:       req.HardwareRev,
		BootloaderVersion: req.BootloaderVersion,
		CurrentVersion:    req.CurrentVersion,
		LastSeen:          &now,
	}
	if err := database.UpsertDevice(d); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to register device")
		return
	}

	token, err := devicetoken.Issue(req.DeviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "device_id": req.DeviceID})
}

// ListDevices returns the whole registry.
func ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := database.ListDevices()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

// GetDevice returns one device row.
func GetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := database.GetDeviceByDeviceID(chi.URLParam(r, "deviceID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Device not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type healthReportRequest struct {
	FirmwareVersion string  `json:"firmware_version"`
	Status          string  `json:"status"`
	BootCount       int     `json:"boot_count"`
	WatchdogResets  int     `json:"watchdog_resets"`
	CanReachBroker  bool    `json:"can_reach_broker"`
	HeartbeatOK     bool    `json:"heartbeat_ok"`
	CPUPercent      float64 `json:"cpu_percent"`
	RAMPercent      float64 `json:"ram_percent"`
	AvgLatencyMS    float64 `json:"avg_latency_ms"`
	ErrorRate       float64 `json:"error_rate"`
}

// ReportHealth ingests one health push from a device. Reports are kept
// for audit; the device's own monitor drives rollback decisions.
func ReportHealth(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	var req healthReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Status == "" {
		req.Status = "ok"
	}

	report := &database.HealthReport{
		DeviceID:        deviceID,
		FirmwareVersion: req.FirmwareVersion,
		Status:          req.Status,
		BootCount:       req.BootCount,
		WatchdogResets:  req.WatchdogResets,
		CanReachBroker:  req.CanReachBroker,
		CPUPercent:      req.CPUPercent,
		RAMPercent:      req.RAMPercent,
		AvgLatencyMS:    req.AvgLatencyMS,
		ErrorRate:       req.ErrorRate,
	}
	if req.HeartbeatOK {
		now := time.Now()
		report.LastHeartbeat = &now
	}
	if err := database.DB.Create(report).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store health report")
		return
	}
	if err := database.TouchDeviceLastSeen(deviceID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update device")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

type progressRequest struct {
	State   string `json:"state"`
	Detail  string `json:"detail"`
	Version string `json:"version"`
}

// ReportProgress applies a device's rollout progress report. Reports
// are idempotent and guarded; stale or repeated reports never corrupt
// the rollout aggregates.
func ReportProgress(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	d, err := database.GetDeviceByDeviceID(deviceID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Device not found")
		return
	}
	if err := rollout.ReportProgress(deviceID, req.State, req.Detail); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	updates := map[string]any{}
	if req.State == rollout.StateHealthOK && req.Version != "" {
		updates["current_version"] = req.Version
	}
	if req.State == rollout.StateRolledBack {
		// The rollback command, if any, has been served.
		updates["rollback_requested"] = false
	}
	if len(updates) > 0 {
		if err := database.DB.Model(&database.Device{}).Where("id = ?", d.ID).Updates(updates).Error; err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to update device")
			return
		}
	}

	if d.RolloutID != "" && eventBus != nil {
		eventBus.Record(d.RolloutID, events.Type("device_"+req.State),
			fmt.Sprintf("%s: %s", deviceID, req.Detail))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// GetCommands returns pending commands for a device. Today the only
// command is a rollback request queued by an aborted rollout or an
// operator.
func GetCommands(w http.ResponseWriter, r *http.Request) {
	d, err := database.GetDeviceByDeviceID(chi.URLParam(r, "deviceID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Device not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"rollback_requested": d.RollbackRequested})
}

// RequestDeviceRollback queues a rollback command for one device
// (operator action).
func RequestDeviceRollback(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	res := database.DB.Model(&database.Device{}).Where("device_id = ?", deviceID).
		Update("rollback_requested", true)
	if res.Error != nil {
		writeError(w, http.StatusInternalServerError, "Failed to queue rollback")
		return
	}
	if res.RowsAffected == 0 {
		writeError(w, http.StatusNotFound, "Device not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

// DeleteDevice removes a device from the registry.
func DeleteDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	res := database.DB.Where("device_id = ?", deviceID).Delete(&database.Device{})
	if res.Error != nil && res.Error != gorm.ErrRecordNotFound {
		writeError(w, http.StatusInternalServerError, "Failed to delete device")
		return
	}
	if res.RowsAffected == 0 {
		writeError(w, http.StatusNotFound, "Device not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
