// Package health tracks per-device health signals and decides whether a
// freshly activated version should be kept or rolled back.
//
// The rollback predicate is deliberately trigger-happy: update failures
// on constrained devices show up heterogeneously (crash loops, silent
// connectivity loss, repeated transient errors), so any single trigger is
// sufficient cause. The agent's probation window bounds the blast radius
// of a false positive to one rollback of one device.
package health

import (
	"sync"
	"time"
)

// Status is the coarse health classification of a running version.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// RollbackReason names which trigger fired, for audit.
type RollbackReason string

const (
	ReasonNone             RollbackReason = ""
	ReasonBootLoop         RollbackReason = "boot_loop"
	ReasonWatchdog         RollbackReason = "watchdog_resets"
	ReasonConnectivityLost RollbackReason = "connectivity_timeout"
	ReasonSustainedFailure RollbackReason = "sustained_failure"
)

// Metrics is one health report delta. Pointer fields are optional; nil
// means "no new sample for this signal".
type Metrics struct {
	BootCount      *int
	WatchdogResets *int
	CanReachBroker *bool
	HeartbeatOK    *bool
	CPUPercent     *float64
	RAMPercent     *float64
	AvgLatencyMS   *float64
	ErrorRate      *float64
	Status         Status
}

// Limits configures the rollback triggers.
type Limits struct {
	MaxBootCount      int
	MaxWatchdogResets int
	HeartbeatTimeout  time.Duration
	HistorySize       int
}

// DefaultLimits mirrors typical constrained-device ceilings: three boots,
// five watchdog resets, five minutes without a heartbeat.
func DefaultLimits() Limits {
	return Limits{
		MaxBootCount:      3,
		MaxWatchdogResets: 5,
		HeartbeatTimeout:  5 * time.Minute,
		HistorySize:       100,
	}
}

// sustainedFailureCount is how many consecutive failed statuses trigger
// a rollback.
const sustainedFailureCount = 3

// Snapshot is the current merged view of a device's health signals.
type Snapshot struct {
	BootCount      int        `json:"boot_count"`
	WatchdogResets int        `json:"watchdog_resets"`
	CanReachBroker bool       `json:"can_reach_broker"`
	LastHeartbeat  time.Time  `json:"last_heartbeat"`
	CPUPercent     float64    `json:"cpu_percent"`
	RAMPercent     float64    `json:"ram_percent"`
	AvgLatencyMS   float64    `json:"avg_latency_ms"`
	ErrorRate      float64    `json:"error_rate"`
}

// Monitor maintains the rolling health window for one device. The
// rollback decision is a pure function of recorded metrics and the
// injected clock; there is no randomness anywhere in the predicate.
type Monitor struct {
	mu      sync.Mutex
	limits  Limits
	now     func() time.Time
	current Snapshot
	history []Status
}

// NewMonitor creates a Monitor with the given limits.
func NewMonitor(limits Limits) *Monitor {
	if limits.HistorySize <= 0 {
		limits.HistorySize = DefaultLimits().HistorySize
	}
	return &Monitor{limits: limits, now: time.Now}
}

// SetClock overrides the monitor's time source. Tests use this to step
// through heartbeat timeouts deterministically.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Report merges a metrics delta into the rolling window and appends the
// report's coarse status to the bounded history, evicting the oldest
// entry once the cap is exceeded.
func (m *Monitor) Report(delta Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if delta.BootCount != nil {
		m.current.BootCount = *delta.BootCount
	}
	if delta.WatchdogResets != nil {
		m.current.WatchdogResets = *delta.WatchdogResets
	}
	if delta.CanReachBroker != nil {
		m.current.CanReachBroker = *delta.CanReachBroker
	}
	if delta.HeartbeatOK != nil && *delta.HeartbeatOK {
		m.current.LastHeartbeat = m.now()
	}
	if delta.CPUPercent != nil {
		m.current.CPUPercent = *delta.CPUPercent
	}
	if delta.RAMPercent != nil {
		m.current.RAMPercent = *delta.RAMPercent
	}
	if delta.AvgLatencyMS != nil {
		m.current.AvgLatencyMS = *delta.AvgLatencyMS
	}
	if delta.ErrorRate != nil {
		m.current.ErrorRate = *delta.ErrorRate
	}

	status := delta.Status
	if status == "" {
		status = StatusOK
	}
	m.history = append(m.history, status)
	if len(m.history) > m.limits.HistorySize {
		m.history = m.history[len(m.history)-m.limits.HistorySize:]
	}
}

// Snapshot returns a copy of the merged signals.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// ShouldRollback reports whether any rollback trigger has fired. The
// triggers are independent and OR-combined.
func (m *Monitor) ShouldRollback() bool {
	return m.RollbackReason() != ReasonNone
}

// RollbackReason returns the first trigger that fired, or ReasonNone.
func (m *Monitor) RollbackReason() RollbackReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rollbackReasonLocked()
}

func (m *Monitor) rollbackReasonLocked() RollbackReason {
	if m.current.BootCount > m.limits.MaxBootCount {
		return ReasonBootLoop
	}
	if m.current.WatchdogResets > m.limits.MaxWatchdogResets {
		return ReasonWatchdog
	}
	if !m.current.CanReachBroker && !m.current.LastHeartbeat.IsZero() {
		if m.now().Sub(m.current.LastHeartbeat) > m.limits.HeartbeatTimeout {
			return ReasonConnectivityLost
		}
	}
	if len(m.history) >= sustainedFailureCount {
		recent := m.history[len(m.history)-sustainedFailureCount:]
		all := true
		for _, s := range recent {
			if s != StatusFailed {
				all = false
				break
			}
		}
		if all {
			return ReasonSustainedFailure
		}
	}
	return ReasonNone
}

// Status derives the coarse current status: failed if a rollback trigger
// has fired, degraded if connectivity is down or boot/watchdog counters
// are non-zero but below ceiling, otherwise ok.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rollbackReasonLocked() != ReasonNone {
		return StatusFailed
	}
	if !m.current.CanReachBroker {
		return StatusDegraded
	}
	if m.current.BootCount > 0 || m.current.WatchdogResets > 0 {
		return StatusDegraded
	}
	return StatusOK
}

// History returns a copy of the recorded status history.
func (m *Monitor) History() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, len(m.history))
	copy(out, m.history)
	return out
}
