package health

import (
	"testing"
	"time"
)

func intp(v int) *int             { return &v }
func boolp(v bool) *bool          { return &v }
func floatp(v float64) *float64   { return &v }

func healthyMonitor() *Monitor {
	m := NewMonitor(DefaultLimits())
	m.Report(Metrics{
		BootCount:      intp(0),
		WatchdogResets: intp(0),
		CanReachBroker: boolp(true),
		HeartbeatOK:    boolp(true),
		Status:         StatusOK,
	})
	return m
}

func TestBootCountBoundary(t *testing.T) {
	// max_boot_count = 3: reporting 4 triggers, reporting 3 does not.
	m := healthyMonitor()

	m.Report(Metrics{BootCount: intp(3), Status: StatusOK})
	if m.ShouldRollback() {
		t.Error("boot_count = 3 at ceiling should not trigger rollback")
	}

	m.Report(Metrics{BootCount: intp(4), Status: StatusOK})
	if !m.ShouldRollback() {
		t.Error("boot_count = 4 above ceiling should trigger rollback")
	}
	if got := m.RollbackReason(); got != ReasonBootLoop {
		t.Errorf("expected boot_loop reason, got %q", got)
	}
}

func TestWatchdogResetBoundary(t *testing.T) {
	m := healthyMonitor()

	m.Report(Metrics{WatchdogResets: intp(5), Status: StatusOK})
	if m.ShouldRollback() {
		t.Error("watchdog_resets = 5 at ceiling should not trigger rollback")
	}

	m.Report(Metrics{WatchdogResets: intp(6), Status: StatusOK})
	if got := m.RollbackReason(); got != ReasonWatchdog {
		t.Errorf("expected watchdog_resets reason, got %q", got)
	}
}

func TestConnectivityTimeout(t *testing.T) {
	m := NewMonitor(Limits{
		MaxBootCount:      3,
		MaxWatchdogResets: 5,
		HeartbeatTimeout:  5 * time.Minute,
		HistorySize:       10,
	})

	base := time.Date(2025, 11, 24, 12, 0, 0, 0, time.UTC)
	now := base
	m.SetClock(func() time.Time { return now })

	m.Report(Metrics{CanReachBroker: boolp(true), HeartbeatOK: boolp(true), Status: StatusOK})

	// Broker goes away; within the timeout there is no trigger yet.
	now = base.Add(4 * time.Minute)
	m.Report(Metrics{CanReachBroker: boolp(false), Status: StatusDegraded})
	if m.ShouldRollback() {
		t.Error("should not trigger before heartbeat timeout elapses")
	}

	now = base.Add(6 * time.Minute)
	if got := m.RollbackReason(); got != ReasonConnectivityLost {
		t.Errorf("expected connectivity_timeout reason, got %q", got)
	}

	// A fresh heartbeat clears the trigger.
	m.Report(Metrics{CanReachBroker: boolp(true), HeartbeatOK: boolp(true), Status: StatusOK})
	if m.ShouldRollback() {
		t.Error("trigger should clear after successful heartbeat")
	}
}

func TestConnectivityTimeoutRequiresPriorHeartbeat(t *testing.T) {
	// A device that never heartbeated has nothing to time out against.
	m := NewMonitor(DefaultLimits())
	m.Report(Metrics{CanReachBroker: boolp(false), Status: StatusDegraded})
	if m.ShouldRollback() {
		t.Error("no heartbeat ever recorded: timeout trigger should not fire")
	}
}

func TestSustainedFailure(t *testing.T) {
	m := healthyMonitor()

	m.Report(Metrics{Status: StatusFailed})
	m.Report(Metrics{Status: StatusFailed})
	if m.ShouldRollback() {
		t.Error("two consecutive failures should not trigger")
	}

	m.Report(Metrics{Status: StatusFailed})
	if got := m.RollbackReason(); got != ReasonSustainedFailure {
		t.Errorf("expected sustained_failure reason, got %q", got)
	}
}

func TestSustainedFailureInterrupted(t *testing.T) {
	m := healthyMonitor()

	m.Report(Metrics{Status: StatusFailed})
	m.Report(Metrics{Status: StatusFailed})
	m.Report(Metrics{Status: StatusOK})
	m.Report(Metrics{Status: StatusFailed})
	if m.ShouldRollback() {
		t.Error("non-consecutive failures should not trigger")
	}
}

func TestStatusDerivation(t *testing.T) {
	m := healthyMonitor()
	if got := m.Status(); got != StatusOK {
		t.Errorf("healthy device: expected ok, got %q", got)
	}

	m.Report(Metrics{BootCount: intp(1), Status: StatusOK})
	if got := m.Status(); got != StatusDegraded {
		t.Errorf("non-zero boot count below ceiling: expected degraded, got %q", got)
	}

	m.Report(Metrics{BootCount: intp(0), CanReachBroker: boolp(false), Status: StatusOK})
	if got := m.Status(); got != StatusDegraded {
		t.Errorf("broker unreachable: expected degraded, got %q", got)
	}

	m.Report(Metrics{BootCount: intp(10), Status: StatusOK})
	if got := m.Status(); got != StatusFailed {
		t.Errorf("rollback trigger fired: expected failed, got %q", got)
	}
}

func TestHistoryBounded(t *testing.T) {
	m := NewMonitor(Limits{MaxBootCount: 3, MaxWatchdogResets: 5, HeartbeatTimeout: time.Minute, HistorySize: 5})
	for i := 0; i < 20; i++ {
		m.Report(Metrics{Status: StatusOK})
	}
	if got := len(m.History()); got != 5 {
		t.Errorf("expected history capped at 5, got %d", got)
	}
}

func TestResourceSamplesMerged(t *testing.T) {
	m := healthyMonitor()
	m.Report(Metrics{CPUPercent: floatp(42.5), RAMPercent: floatp(61.0), AvgLatencyMS: floatp(12.0), ErrorRate: floatp(0.02), Status: StatusOK})

	snap := m.Snapshot()
	if snap.CPUPercent != 42.5 || snap.RAMPercent != 61.0 || snap.AvgLatencyMS != 12.0 || snap.ErrorRate != 0.02 {
		t.Errorf("resource samples not merged: %+v", snap)
	}

	// A delta with no resource samples leaves the previous values.
	m.Report(Metrics{Status: StatusOK})
	snap = m.Snapshot()
	if snap.CPUPercent != 42.5 {
		t.Errorf("nil sample overwrote previous value: %+v", snap)
	}
}
