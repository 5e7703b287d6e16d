// Package agent implements the on-device update loop: poll for a
// manifest, stage the artifact into the inactive slot, verify, activate
// with an atomic pointer flip, then hold the new version under probation
// and either commit or roll back to the previous slot.
//
// The agent never retries a failed attempt on its own. A failed or
// rolled-back attempt parks in its terminal phase until the next Tick,
// so the polling cadence (and with it, retry policy) stays with the
// caller.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gluk-w/otaplane/internal/events"
	"github.com/gluk-w/otaplane/internal/health"
	"github.com/gluk-w/otaplane/internal/manifest"
	"github.com/gluk-w/otaplane/internal/slot"
)

// ErrNoUpdate is returned by a ManifestSource when the control plane has
// nothing for this device.
var ErrNoUpdate = errors.New("no update available")

// ErrBusy is returned by Tick when an update attempt is already running.
var ErrBusy = errors.New("update already in progress")

// ManifestSource fetches the manifest the control plane currently
// offers this device, or ErrNoUpdate.
type ManifestSource interface {
	Fetch(ctx context.Context, deviceID string) (*manifest.Manifest, error)
}

// Outcome summarizes how a Tick ended.
type Outcome string

const (
	OutcomeNoUpdate   Outcome = "no_update"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeCommitted  Outcome = "committed"
	OutcomeRolledBack Outcome = "rolled_back"
)

// Config carries the device identity and probation tuning.
type Config struct {
	DeviceID          string
	HardwareRev       string
	BootloaderVersion string

	// CurrentVersion seeds the running version when the active slot has
	// no ready marker (factory image).
	CurrentVersion string

	ProbationWindow time.Duration
	ProbeInterval   time.Duration
}

// Agent drives updates for one device.
type Agent struct {
	cfg        Config
	store      *slot.Store
	source     ManifestSource
	downloader *Downloader
	verifier   *manifest.Verifier
	monitor    *health.Monitor
	recorder   events.Recorder
	tracker    *PhaseTracker

	mu              sync.Mutex
	currentVersion  string
	lastError       string
	pendingReason   string
	pendingRollback bool
}

// New creates an agent. The running version is recovered from the
// active slot's ready marker when present, so a committed update
// survives a process restart.
func New(cfg Config, store *slot.Store, source ManifestSource, downloader *Downloader, verifier *manifest.Verifier, monitor *health.Monitor, recorder events.Recorder) (*Agent, error) {
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if cfg.ProbationWindow <= 0 {
		cfg.ProbationWindow = 2 * time.Minute
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 5 * time.Second
	}
	if recorder == nil {
		recorder = events.Discard{}
	}

	a := &Agent{
		cfg:            cfg,
		store:          store,
		source:         source,
		downloader:     downloader,
		verifier:       verifier,
		monitor:        monitor,
		recorder:       recorder,
		tracker:        NewPhaseTracker(),
		currentVersion: cfg.CurrentVersion,
	}

	active, err := store.ActiveSlot()
	if err != nil {
		return nil, err
	}
	if marker, err := store.ReadReadyMarker(active); err == nil {
		a.currentVersion = marker.Version
	} else if !errors.Is(err, slot.ErrNoMarker) {
		return nil, err
	}
	return a, nil
}

// Phase returns the current update phase.
func (a *Agent) Phase() Phase {
	return a.tracker.Phase()
}

// Tracker exposes the phase tracker for callbacks and history.
func (a *Agent) Tracker() *PhaseTracker {
	return a.tracker
}

// CurrentVersion returns the committed running version.
func (a *Agent) CurrentVersion() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentVersion
}

// LastError returns the detail of the most recent failure, if any.
func (a *Agent) LastError() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastError
}

// RequestRollback asks the agent to abandon the version currently under
// probation. Outside probation the request is remembered and consumed
// by the next probation window.
func (a *Agent) RequestRollback(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingRollback = true
	a.pendingReason = reason
}

// Tick runs one full update attempt. It returns ErrBusy if an attempt
// is already in flight on another goroutine. A terminal phase from a
// previous attempt is reset to idle first, so the caller's poll loop is
// the retry policy.
func (a *Agent) Tick(ctx context.Context) (Outcome, error) {
	if p := a.tracker.Phase(); p.IsTerminal() {
		if err := a.tracker.Transition(PhaseIdle); err != nil {
			return "", err
		}
	}
	if err := a.tracker.Transition(PhaseChecking); err != nil {
		return "", ErrBusy
	}

	m, err := a.source.Fetch(ctx, a.cfg.DeviceID)
	if err != nil {
		// A failed check is transient; park in idle for the next poll.
		a.toIdle()
		if errors.Is(err, ErrNoUpdate) {
			return OutcomeNoUpdate, nil
		}
		return "", fmt.Errorf("fetch manifest: %w", err)
	}

	if skip := a.skipReason(m); skip != "" {
		log.Printf("[agent] %s: skipping version %s: %s", a.cfg.DeviceID, m.Version, skip)
		a.toIdle()
		if strings.HasPrefix(skip, "already") {
			return OutcomeNoUpdate, nil
		}
		return OutcomeSkipped, nil
	}

	a.recorder.Record(a.cfg.DeviceID, events.EventUpdateStarted, fmt.Sprintf("version %s build %s", m.Version, m.BuildID))

	if err := a.tracker.Transition(PhaseDownloading); err != nil {
		return "", err
	}
	dest, err := a.store.InactiveImagePath()
	if err != nil {
		return a.fail(fmt.Sprintf("resolve staging path: %v", err), err)
	}
	if err := a.prepareStaging(dest, m.Version); err != nil {
		return a.fail(fmt.Sprintf("prepare staging: %v", err), err)
	}

	if err := a.downloader.Download(ctx, m.Artifact.URL, dest, m.Artifact.Size, a.progressReporter(m)); err != nil {
		if ctx.Err() != nil {
			// Cancelled mid-download: keep the partial file so the next
			// attempt resumes from where this one stopped.
			a.toIdle()
			return "", ctx.Err()
		}
		a.discardStaging(dest)
		return a.fail(fmt.Sprintf("download: %v", err), err)
	}

	if err := a.tracker.Transition(PhaseVerifying); err != nil {
		return "", err
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		a.discardStaging(dest)
		return a.fail(fmt.Sprintf("read staged image: %v", err), err)
	}
	if err := a.verifier.Verify(data, m); err != nil {
		a.discardStaging(dest)
		return a.fail(fmt.Sprintf("verify: %v", err), err)
	}
	a.recorder.Record(a.cfg.DeviceID, events.EventUpdateVerified, fmt.Sprintf("version %s, %d bytes", m.Version, len(data)))

	if err := a.tracker.Transition(PhaseInstalling); err != nil {
		return "", err
	}
	previous, err := a.store.ActiveSlot()
	if err != nil {
		return a.fail(fmt.Sprintf("read active slot: %v", err), err)
	}
	target := previous.Other()
	if err := a.store.WriteReadyMarker(target, slot.ReadyMarker{
		Version:     m.Version,
		BuildID:     m.BuildID,
		InstalledAt: time.Now(),
	}); err != nil {
		return a.fail(fmt.Sprintf("write ready marker: %v", err), err)
	}
	a.recorder.Record(a.cfg.DeviceID, events.EventUpdateInstalled, fmt.Sprintf("version %s staged in slot %s", m.Version, target))

	if err := a.store.SetActive(target); err != nil {
		return a.fail(fmt.Sprintf("activate slot %s: %v", target, err), err)
	}
	if err := a.tracker.Transition(PhaseActivated); err != nil {
		return "", err
	}
	a.recorder.Record(a.cfg.DeviceID, events.EventUpdateActivated, fmt.Sprintf("version %s active in slot %s, probation %s", m.Version, target, a.cfg.ProbationWindow))

	return a.probation(ctx, previous, m)
}

// skipReason returns a human-readable reason the manifest does not apply
// to this device, or "" if the update should proceed.
func (a *Agent) skipReason(m *manifest.Manifest) string {
	if m.Version == a.CurrentVersion() {
		return "already running this version"
	}
	if !m.CompatibleWithHardware(a.cfg.HardwareRev) {
		return fmt.Sprintf("hardware %s not targeted", a.cfg.HardwareRev)
	}
	ok, err := m.CompatibleWithBootloader(a.cfg.BootloaderVersion)
	if err != nil {
		return fmt.Sprintf("bootloader check: %v", err)
	}
	if !ok {
		return fmt.Sprintf("bootloader %s below minimum %s", a.cfg.BootloaderVersion, m.MinBootloaderVersion)
	}
	return ""
}

// prepareStaging clears a stale partial download left by a different
// version, so a resume never appends new bytes to an old image. The
// staged version is tracked in a sidecar next to the image.
func (a *Agent) prepareStaging(dest, version string) error {
	sidecar := dest + ".version"
	prev, err := os.ReadFile(sidecar)
	if err == nil && string(prev) != version {
		if err := a.store.DiscardInactive(); err != nil {
			return err
		}
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.WriteFile(sidecar, []byte(version), 0644)
}

func (a *Agent) discardStaging(dest string) {
	if err := a.store.DiscardInactive(); err != nil {
		log.Printf("[agent] %s: discard staged image: %v", a.cfg.DeviceID, err)
	}
	os.Remove(dest + ".version")
}

// progressReporter returns a ProgressFunc that records an event roughly
// every ten percent instead of once per chunk.
func (a *Agent) progressReporter(m *manifest.Manifest) ProgressFunc {
	lastStep := -1
	return func(downloaded, total int64) {
		if total <= 0 {
			return
		}
		step := int(downloaded * 10 / total)
		if step == lastStep {
			return
		}
		lastStep = step
		a.recorder.Record(a.cfg.DeviceID, events.EventDownloadProgress,
			fmt.Sprintf("version %s: %d/%d bytes", m.Version, downloaded, total))
	}
}

// probation holds the freshly activated version under observation.
// Rollback triggers are checked on every probe tick; reaching the end
// of the window without one commits the version.
func (a *Agent) probation(ctx context.Context, previous slot.Slot, m *manifest.Manifest) (Outcome, error) {
	deadline := time.NewTimer(a.cfg.ProbationWindow)
	defer deadline.Stop()
	probe := time.NewTicker(a.cfg.ProbeInterval)
	defer probe.Stop()

	for {
		if reason, triggered := a.rollbackTrigger(); triggered {
			return a.rollback(previous, m, reason)
		}
		select {
		case <-ctx.Done():
			// Shutting down mid-probation. The health of the new version
			// is unproven, so revert rather than leave it active.
			out, rbErr := a.rollback(previous, m, "probation interrupted")
			if rbErr != nil {
				return "", rbErr
			}
			return out, ctx.Err()
		case <-deadline.C:
			return a.commit(m)
		case <-probe.C:
		}
	}
}

func (a *Agent) rollbackTrigger() (string, bool) {
	a.mu.Lock()
	if a.pendingRollback {
		reason := a.pendingReason
		if reason == "" {
			reason = "operator request"
		}
		a.mu.Unlock()
		return reason, true
	}
	a.mu.Unlock()

	if a.monitor != nil && a.monitor.ShouldRollback() {
		return string(a.monitor.RollbackReason()), true
	}
	return "", false
}

// rollback flips the active pointer back to the previous slot and
// discards the rejected image so a later attempt starts clean.
func (a *Agent) rollback(previous slot.Slot, m *manifest.Manifest, reason string) (Outcome, error) {
	if err := a.store.SetActive(previous); err != nil {
		return a.fail(fmt.Sprintf("rollback to slot %s: %v", previous, err), err)
	}
	if err := a.tracker.Transition(PhaseRolledBack); err != nil {
		return "", err
	}

	a.mu.Lock()
	a.pendingRollback = false
	a.pendingReason = ""
	a.mu.Unlock()

	a.recorder.Record(a.cfg.DeviceID, events.EventRollback, fmt.Sprintf("version %s: %s", m.Version, reason))

	if dest, err := a.store.InactiveImagePath(); err == nil {
		a.discardStaging(dest)
	}
	return OutcomeRolledBack, nil
}

func (a *Agent) commit(m *manifest.Manifest) (Outcome, error) {
	if err := a.tracker.Transition(PhaseCommitted); err != nil {
		return "", err
	}
	a.mu.Lock()
	a.currentVersion = m.Version
	a.lastError = ""
	a.mu.Unlock()

	if path, err := a.store.InactiveImagePath(); err == nil {
		os.Remove(path + ".version")
	}
	a.recorder.Record(a.cfg.DeviceID, events.EventUpdateCommitted, "version "+m.Version)
	return OutcomeCommitted, nil
}

func (a *Agent) toIdle() {
	if err := a.tracker.Transition(PhaseIdle); err != nil {
		log.Printf("[agent] %s: %v", a.cfg.DeviceID, err)
	}
}

func (a *Agent) fail(detail string, cause error) (Outcome, error) {
	a.mu.Lock()
	a.lastError = detail
	a.mu.Unlock()

	if err := a.tracker.Transition(PhaseFailed); err != nil {
		log.Printf("[agent] %s: %v", a.cfg.DeviceID, err)
	}
	a.recorder.Record(a.cfg.DeviceID, events.EventUpdateFailed, detail)
	return "", cause
}
