package rollout

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/gluk-w/otaplane/internal/cohort"
	"github.com/gluk-w/otaplane/internal/database"
)

// Device rollout states, in pipeline order. health_ok is the success
// terminal; health_failed, rolled_back and failed are failure terminals.
const (
	StatePending      = "pending"
	StateDownloading  = "downloading"
	StateDownloaded   = "downloaded"
	StateInstalled    = "installed"
	StateRebooted     = "rebooted"
	StateHealthOK     = "health_ok"
	StateHealthFailed = "health_failed"
	StateRolledBack   = "rolled_back"
	StateFailed       = "failed"
)

// Rollout statuses.
const (
	StatusCreated   = "created"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
)

// stateRank orders device states so a report can never move a device
// backwards through the pipeline. failed is reachable from anywhere
// non-terminal; rolled_back only follows health_failed or an activated
// state.
var stateRank = map[string]int{
	StatePending:     0,
	StateDownloading: 1,
	StateDownloaded:  2,
	StateInstalled:   3,
	StateRebooted:    4,
	StateHealthOK:    5,
}

func isTerminal(state string) bool {
	switch state {
	case StateHealthOK, StateHealthFailed, StateRolledBack, StateFailed:
		return true
	default:
		return false
	}
}

func validState(state string) bool {
	if isTerminal(state) {
		return true
	}
	_, ok := stateRank[state]
	return ok
}

// ReportProgress applies a device's progress report to its rollout row.
// Reports are idempotent: repeating the current state, or any report
// after a terminal state, is a no-op. Terminal failure states also set
// the sticky flags the aggregates count, so a device that fails, rolls
// back and later re-reports is still counted exactly once per category.
func ReportProgress(deviceID, state, detail string) error {
	if !validState(state) {
		return fmt.Errorf("unknown rollout state %q", state)
	}

	d, err := database.GetDeviceByDeviceID(deviceID)
	if err != nil {
		return err
	}
	if d.RolloutID == "" {
		return fmt.Errorf("device %s is not part of a rollout", deviceID)
	}
	if d.RolloutState == state || isTerminal(d.RolloutState) {
		return nil
	}

	// Forward-only within the pipeline. Terminal states may be reported
	// from any non-terminal state (a download can fail, a rebooted
	// device can report health_failed).
	if !isTerminal(state) && stateRank[state] < stateRank[d.RolloutState] {
		return fmt.Errorf("device %s cannot move from %s back to %s", deviceID, d.RolloutState, state)
	}

	updates := map[string]any{"rollout_state": state}
	switch state {
	case StateHealthFailed:
		updates["health_failed"] = true
	case StateRolledBack:
		updates["rolled_back"] = true
	case StateFailed:
		updates["last_error"] = detail
	}
	if isTerminal(state) {
		now := time.Now()
		updates["completed_at"] = &now
	}
	return database.DB.Model(&database.Device{}).Where("id = ?", d.ID).Updates(updates).Error
}

// ClaimDevices assigns every device in the rollout's target groups that
// matches the release cohort predicate to the rollout, resetting its
// per-rollout state. Devices already claimed by another unfinished
// rollout are skipped. Returns the number of devices claimed.
func ClaimDevices(r *database.Rollout, pred cohort.Predicate) (int, error) {
	var candidates []database.Device
	err := database.DB.
		Where("device_group IN ?", splitGroups(r.Groups)).
		Where("rollout_id = ? OR rollout_id = ?", "", r.UUID).
		Order("device_id").
		Find(&candidates).Error
	if err != nil {
		return 0, err
	}

	claimed := 0
	for i := range candidates {
		d := &candidates[i]
		if !pred.Matches(d.Attributes()) {
			continue
		}
		err := database.DB.Model(&database.Device{}).Where("id = ?", d.ID).Updates(map[string]any{
			"rollout_id":         r.UUID,
			"rollout_state":      StatePending,
			"health_failed":      false,
			"rolled_back":        false,
			"rollback_requested": false,
			"started_at":         nil,
			"completed_at":       nil,
			"last_error":         "",
		}).Error
		if err != nil {
			return claimed, err
		}
		claimed++
	}
	return claimed, nil
}

// splitGroups parses the plan's comma-separated group list, preserving
// rollout order.
func splitGroups(groups string) []string {
	var out []string
	for _, g := range strings.Split(groups, ",") {
		g = strings.TrimSpace(g)
		if g != "" {
			out = append(out, g)
		}
	}
	return out
}

// Counts is the aggregate view of a rollout, computed from sticky flags
// and guarded states so it is stable under repeated reports.
type Counts struct {
	Total         int64 `json:"total"`
	Dispatched    int64 `json:"dispatched"`
	Succeeded     int64 `json:"succeeded"`
	Failed        int64 `json:"failed"`
	RolledBack    int64 `json:"rolled_back"`
	HealthChecked int64 `json:"health_checked"`
	HealthFailed  int64 `json:"health_failed"`
}

// CountsFor computes the aggregates for one rollout in a single pass
// over its device rows.
func CountsFor(rolloutUUID string) (Counts, error) {
	var devices []database.Device
	if err := database.DB.Where("rollout_id = ?", rolloutUUID).Find(&devices).Error; err != nil {
		return Counts{}, err
	}

	var c Counts
	for i := range devices {
		d := &devices[i]
		c.Total++
		if d.StartedAt != nil {
			c.Dispatched++
		}
		if d.RolloutState == StateHealthOK {
			c.Succeeded++
			c.HealthChecked++
		}
		if d.RolloutState == StateFailed || d.HealthFailed {
			c.Failed++
		}
		if d.HealthFailed {
			c.HealthChecked++
			c.HealthFailed++
		}
		if d.RolledBack {
			c.RolledBack++
		}
	}
	return c, nil
}

// Thresholds are the pause predicates, expressed as rates over
// dispatched devices.
type Thresholds struct {
	Failure       float64
	Rollback      float64
	HealthFailure float64
}

// ThresholdsOf extracts the pause thresholds from a rollout plan.
func ThresholdsOf(r *database.Rollout) Thresholds {
	return Thresholds{
		Failure:       r.FailureRateThreshold,
		Rollback:      r.RollbackRateThreshold,
		HealthFailure: r.HealthFailureRateThreshold,
	}
}

// Breach reports whether any pause threshold is exceeded, with a
// human-readable detail naming the first breached rate. Rates are
// computed over dispatched devices. Failures with nothing dispatched
// mean the dispatch step itself is broken, which breaches outright
// rather than dividing by zero.
func (c Counts) Breach(t Thresholds) (string, bool) {
	if c.Dispatched == 0 {
		if c.Failed > 0 {
			return fmt.Sprintf("%d device(s) failed before any dispatch succeeded", c.Failed), true
		}
		return "", false
	}
	n := float64(c.Dispatched)
	if rate := float64(c.Failed) / n; rate > t.Failure {
		return fmt.Sprintf("failure rate %.4f exceeds threshold %.4f", rate, t.Failure), true
	}
	if rate := float64(c.RolledBack) / n; rate > t.Rollback {
		return fmt.Sprintf("rollback rate %.4f exceeds threshold %.4f", rate, t.Rollback), true
	}
	if c.HealthChecked > 0 {
		if rate := float64(c.HealthFailed) / float64(c.HealthChecked); rate > t.HealthFailure {
			return fmt.Sprintf("health failure rate %.4f exceeds threshold %.4f", rate, t.HealthFailure), true
		}
	}
	return "", false
}

// InPercentage reports whether a device falls inside a percentage gate.
// The decision hashes the device id, so it is deterministic per device
// and monotone: a device inside the 10% gate stays inside when the gate
// widens to 25%.
func InPercentage(deviceID string, pct int) bool {
	if pct >= 100 {
		return true
	}
	if pct <= 0 {
		return false
	}
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return int(h.Sum32()%100) < pct
}
