package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gluk-w/otaplane/internal/cohort"
	"github.com/gluk-w/otaplane/internal/database"
	"github.com/gluk-w/otaplane/internal/events"
	"github.com/gluk-w/otaplane/internal/rollout"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// rolloutPlan is the operator-facing plan document, accepted as JSON or
// YAML. Threshold fields are pointers so an explicit zero survives the
// defaulting pass.
type rolloutPlan struct {
	Version                    string   `json:"version" yaml:"version"`
	Groups                     []string `json:"groups" yaml:"groups"`
	BatchPercent               int      `json:"batch_percent" yaml:"batch_percent"`
	FailureRateThreshold       *float64 `json:"failure_rate_threshold" yaml:"failure_rate_threshold"`
	RollbackRateThreshold      *float64 `json:"rollback_rate_threshold" yaml:"rollback_rate_threshold"`
	HealthFailureRateThreshold *float64 `json:"health_failure_rate_threshold" yaml:"health_failure_rate_threshold"`
	MinDevicesInBatch          int      `json:"min_devices_in_batch" yaml:"min_devices_in_batch"`
	ObserveWaitSecs            int      `json:"observe_wait_secs" yaml:"observe_wait_secs"`
	WindowCron                 string   `json:"window_cron" yaml:"window_cron"`
	WindowDurationSecs         int      `json:"window_duration_secs" yaml:"window_duration_secs"`
}

func (p *rolloutPlan) applyDefaults() {
	if p.BatchPercent <= 0 {
		p.BatchPercent = 5
	}
	if p.FailureRateThreshold == nil {
		v := 0.01
		p.FailureRateThreshold = &v
	}
	if p.RollbackRateThreshold == nil {
		v := 0.01
		p.RollbackRateThreshold = &v
	}
	if p.HealthFailureRateThreshold == nil {
		v := 0.10
		p.HealthFailureRateThreshold = &v
	}
	if p.MinDevicesInBatch <= 0 {
		p.MinDevicesInBatch = 10
	}
	if p.ObserveWaitSecs <= 0 {
		p.ObserveWaitSecs = 300
	}
}

// CreateRollout records a new rollout plan. The plan does not execute
// until it is started.
func CreateRollout(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	var plan rolloutPlan
	if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		err = yaml.Unmarshal(body, &plan)
	} else {
		err = json.Unmarshal(body, &plan)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rollout plan: "+err.Error())
		return
	}
	plan.applyDefaults()

	if plan.Version == "" || len(plan.Groups) == 0 {
		writeError(w, http.StatusBadRequest, "version and groups are required")
		return
	}
	if _, err := database.GetReleaseByVersion(plan.Version); err != nil {
		writeError(w, http.StatusBadRequest, "Unknown release version "+plan.Version)
		return
	}
	if _, err := rollout.ParseWindow(plan.WindowCron, time.Duration(plan.WindowDurationSecs)*time.Second); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ro := &database.Rollout{
		UUID:                       uuid.NewString(),
		Version:                    plan.Version,
		Groups:                     strings.Join(plan.Groups, ","),
		BatchPercent:               plan.BatchPercent,
		FailureRateThreshold:       *plan.FailureRateThreshold,
		RollbackRateThreshold:      *plan.RollbackRateThreshold,
		HealthFailureRateThreshold: *plan.HealthFailureRateThreshold,
		MinDevicesInBatch:          plan.MinDevicesInBatch,
		ObserveWaitSecs:            plan.ObserveWaitSecs,
		WindowCron:                 plan.WindowCron,
		WindowDurationSecs:         plan.WindowDurationSecs,
		Status:                     rollout.StatusCreated,
	}
	if err := database.DB.Create(ro).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create rollout")
		return
	}
	writeJSON(w, http.StatusCreated, ro)
}

// ListRollouts returns all rollouts, newest first.
func ListRollouts(w http.ResponseWriter, r *http.Request) {
	var rollouts []database.Rollout
	if err := database.DB.Order("created_at desc").Find(&rollouts).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list rollouts")
		return
	}
	writeJSON(w, http.StatusOK, rollouts)
}

type groupProgress struct {
	Group  string           `json:"group"`
	Total  int64            `json:"total"`
	States map[string]int64 `json:"states"`
}

// GetRollout returns the rollout, its aggregates and a per-group state
// breakdown.
func GetRollout(w http.ResponseWriter, r *http.Request) {
	ro, err := database.GetRolloutByUUID(chi.URLParam(r, "rolloutID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Rollout not found")
		return
	}

	counts, err := rollout.CountsFor(ro.UUID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute aggregates")
		return
	}
	groups, err := groupBreakdown(ro)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute group breakdown")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rollout": ro,
		"counts":  counts,
		"groups":  groups,
	})
}

func groupBreakdown(ro *database.Rollout) ([]groupProgress, error) {
	var rows []struct {
		DeviceGroup  string
		RolloutState string
		N            int64
	}
	err := database.DB.Model(&database.Device{}).
		Select("device_group, rollout_state, count(*) as n").
		Where("rollout_id = ?", ro.UUID).
		Group("device_group").Group("rollout_state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	var names []string
	for _, g := range strings.Split(ro.Groups, ",") {
		if g = strings.TrimSpace(g); g != "" {
			names = append(names, g)
		}
	}
	byGroup := make(map[string]*groupProgress, len(names))
	out := make([]groupProgress, len(names))
	for i, g := range names {
		out[i] = groupProgress{Group: g, States: make(map[string]int64)}
		byGroup[g] = &out[i]
	}
	for _, row := range rows {
		gp, ok := byGroup[row.DeviceGroup]
		if !ok {
			continue
		}
		gp.States[row.RolloutState] = row.N
		gp.Total += row.N
	}
	return out, nil
}

// StartRollout claims target devices and launches execution.
func StartRollout(w http.ResponseWriter, r *http.Request) {
	ro, err := database.GetRolloutByUUID(chi.URLParam(r, "rolloutID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Rollout not found")
		return
	}
	if ro.Status != rollout.StatusCreated {
		writeError(w, http.StatusConflict, "Rollout already "+ro.Status)
		return
	}

	release, err := database.GetReleaseByVersion(ro.Version)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Release no longer exists")
		return
	}
	pred, err := cohort.Parse(release.Cohort)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Stored cohort is invalid")
		return
	}

	claimed, err := rollout.ClaimDevices(ro, pred)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to claim devices")
		return
	}
	if claimed == 0 {
		writeError(w, http.StatusBadRequest, "No devices match the rollout's groups and cohort")
		return
	}

	err = database.DB.Model(&database.Rollout{}).Where("uuid = ?", ro.UUID).
		Update("status", rollout.StatusRunning).Error
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to start rollout")
		return
	}
	if eventBus != nil {
		eventBus.Record(ro.UUID, events.EventRolloutStarted,
			fmt.Sprintf("version %s: claimed %d devices", ro.Version, claimed))
	}
	if err := rolloutRunner.Start(context.Background(), ro.UUID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": rollout.StatusRunning, "claimed": claimed})
}

// PauseRollout pauses a running rollout (operator action).
func PauseRollout(w http.ResponseWriter, r *http.Request) {
	ro, err := database.GetRolloutByUUID(chi.URLParam(r, "rolloutID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Rollout not found")
		return
	}
	if ro.Status != rollout.StatusRunning {
		writeError(w, http.StatusConflict, "Rollout is "+ro.Status)
		return
	}

	err = database.DB.Model(&database.Rollout{}).Where("uuid = ?", ro.UUID).Updates(map[string]any{
		"status":       rollout.StatusPaused,
		"pause_detail": "paused by operator",
	}).Error
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to pause rollout")
		return
	}
	rolloutRunner.Cancel(ro.UUID)
	if eventBus != nil {
		eventBus.Record(ro.UUID, events.EventRolloutPaused, "paused by operator")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": rollout.StatusPaused})
}

// ResumeRollout resumes a paused rollout from where it stopped.
func ResumeRollout(w http.ResponseWriter, r *http.Request) {
	ro, err := database.GetRolloutByUUID(chi.URLParam(r, "rolloutID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Rollout not found")
		return
	}
	if ro.Status != rollout.StatusPaused {
		writeError(w, http.StatusConflict, "Rollout is "+ro.Status)
		return
	}

	err = database.DB.Model(&database.Rollout{}).Where("uuid = ?", ro.UUID).Updates(map[string]any{
		"status":       rollout.StatusRunning,
		"paused_group": "",
		"pause_detail": "",
	}).Error
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to resume rollout")
		return
	}
	if eventBus != nil {
		eventBus.Record(ro.UUID, events.EventRolloutResumed, "resumed by operator")
	}
	if err := rolloutRunner.Start(context.Background(), ro.UUID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": rollout.StatusRunning})
}

// AbortRollout stops a rollout permanently and queues rollback commands
// for devices that already activated the release.
func AbortRollout(w http.ResponseWriter, r *http.Request) {
	ro, err := database.GetRolloutByUUID(chi.URLParam(r, "rolloutID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Rollout not found")
		return
	}
	switch ro.Status {
	case rollout.StatusCompleted, rollout.StatusAborted:
		writeError(w, http.StatusConflict, "Rollout is "+ro.Status)
		return
	}

	rolloutRunner.Cancel(ro.UUID)
	if err := rollout.Abort(ro.UUID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to abort rollout")
		return
	}
	if eventBus != nil {
		eventBus.Record(ro.UUID, events.EventRolloutAborted, "aborted by operator")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": rollout.StatusAborted})
}

// GetRolloutEvents returns the recent audit events of a rollout.
func GetRolloutEvents(w http.ResponseWriter, r *http.Request) {
	rolloutID := chi.URLParam(r, "rolloutID")
	if _, err := database.GetRolloutByUUID(rolloutID); err != nil {
		writeError(w, http.StatusNotFound, "Rollout not found")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if eventBus == nil {
		writeJSON(w, http.StatusOK, []events.Event{})
		return
	}
	writeJSON(w, http.StatusOK, eventBus.Recent(rolloutID, limit))
}
