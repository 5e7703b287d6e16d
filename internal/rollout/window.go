package rollout

import (
	"fmt"
	"time"

	"github.com/gluk-w/otaplane/internal/database"
	"github.com/robfig/cron/v3"
)

// Window is a recurring maintenance window: a cron expression naming
// when windows open, plus how long each stays open. A nil *Window means
// dispatching is allowed at any time.
type Window struct {
	sched    cron.Schedule
	duration time.Duration
}

// ParseWindow builds a Window from a standard five-field cron spec and a
// duration. An empty spec returns nil (no window restriction).
func ParseWindow(spec string, duration time.Duration) (*Window, error) {
	if spec == "" {
		return nil, nil
	}
	if duration <= 0 {
		return nil, fmt.Errorf("maintenance window needs a positive duration")
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse window cron %q: %w", spec, err)
	}
	return &Window{sched: sched, duration: duration}, nil
}

// WindowOf extracts the maintenance window from a rollout plan.
func WindowOf(r *database.Rollout) (*Window, error) {
	return ParseWindow(r.WindowCron, time.Duration(r.WindowDurationSecs)*time.Second)
}

// Contains reports whether now falls inside an open window. The check
// is a pure function of the schedule and the given time: the most
// recent window start is found by asking the schedule for the first
// activation after now minus the window length.
func (w *Window) Contains(now time.Time) bool {
	if w == nil {
		return true
	}
	start := w.sched.Next(now.Add(-w.duration))
	return !start.After(now) && now.Before(start.Add(w.duration))
}

// NextOpen returns when the next window opens at or after now. If a
// window is already open, now itself is returned.
func (w *Window) NextOpen(now time.Time) time.Time {
	if w == nil || w.Contains(now) {
		return now
	}
	return w.sched.Next(now)
}
