// deviced is the on-device update daemon: it enrolls with the control
// plane, polls for manifests, stages updates into the inactive slot and
// reports progress and health back.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/otaplane/internal/agent"
	"github.com/gluk-w/otaplane/internal/health"
	"github.com/gluk-w/otaplane/internal/manifest"
	"github.com/gluk-w/otaplane/internal/rollout"
	"github.com/gluk-w/otaplane/internal/slot"
	"github.com/kelseyhightower/envconfig"
	"github.com/sethvargo/go-retry"
)

// settings holds the daemon configuration, loaded from the environment
// with the OTADEVICE prefix.
type settings struct {
	ServerURL string `envconfig:"SERVER_URL" required:"true"`
	DataDir   string `envconfig:"DATA_DIR" default:"/var/lib/deviced"`

	DeviceID          string `envconfig:"DEVICE_ID" required:"true"`
	Group             string `envconfig:"GROUP" default:"general"`
	Region            string `envconfig:"REGION" default:""`
	HardwareRev       string `envconfig:"HARDWARE_REV" required:"true"`
	BootloaderVersion string `envconfig:"BOOTLOADER_VERSION" default:"1.0.0"`
	CurrentVersion    string `envconfig:"CURRENT_VERSION" default:""`

	// Ed25519 public key (base64) releases must be signed with.
	ReleasePublicKey string `envconfig:"RELEASE_PUBLIC_KEY" required:"true"`

	PollInterval    time.Duration `envconfig:"POLL_INTERVAL" default:"30s"`
	HealthInterval  time.Duration `envconfig:"HEALTH_INTERVAL" default:"1m"`
	ProbationWindow time.Duration `envconfig:"PROBATION_WINDOW" default:"2m"`
	ProbeInterval   time.Duration `envconfig:"PROBE_INTERVAL" default:"5s"`
}

func main() {
	var cfg settings
	if err := envconfig.Process("OTADEVICE", &cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := slot.NewStore(cfg.DataDir)
	if err != nil {
		log.Fatalf("Slot store init: %v", err)
	}
	verifier, err := manifest.NewVerifierFromBase64(cfg.ReleasePublicKey)
	if err != nil {
		log.Fatalf("Release public key: %v", err)
	}
	monitor := health.NewMonitor(health.DefaultLimits())

	cp := newClient(cfg.ServerURL)
	ag, err := agent.New(agent.Config{
		DeviceID:          cfg.DeviceID,
		HardwareRev:       cfg.HardwareRev,
		BootloaderVersion: cfg.BootloaderVersion,
		CurrentVersion:    cfg.CurrentVersion,
		ProbationWindow:   cfg.ProbationWindow,
		ProbeInterval:     cfg.ProbeInterval,
	}, store, cp, agent.NewDownloader(nil), verifier, monitor, nil)
	if err != nil {
		log.Fatalf("Agent init: %v", err)
	}

	if err := enroll(ctx, cp, ag, cfg); err != nil {
		log.Fatalf("Registration: %v", err)
	}
	log.Printf("[deviced] %s enrolled with %s running %s", cfg.DeviceID, cfg.ServerURL, ag.CurrentVersion())

	// Non-terminal phase changes map onto the rollout pipeline as they
	// happen. Terminal outcomes are reported from the poll loop, where
	// the committed version is known.
	ag.Tracker().OnChange(func(from, to agent.Phase) {
		var state string
		switch to {
		case agent.PhaseDownloading:
			state = rollout.StateDownloading
		case agent.PhaseVerifying:
			state = rollout.StateDownloaded
		case agent.PhaseActivated:
			state = rollout.StateInstalled
		default:
			return
		}
		reportProgress(ctx, cp, cfg.DeviceID, state, "", "")
		if to == agent.PhaseActivated {
			// The slot flip stands in for the reboot on this platform.
			reportProgress(ctx, cp, cfg.DeviceID, rollout.StateRebooted, "", "")
		}
	})

	go commandLoop(ctx, cp, ag, cfg)
	go healthLoop(ctx, cp, ag, monitor, cfg)

	log.Printf("[deviced] polling every %s (probation %s)", cfg.PollInterval, cfg.ProbationWindow)
	pollLoop(ctx, cp, ag, cfg)
	log.Println("[deviced] stopped")
}

// enroll registers with the version the device is actually running, as
// recovered from the active slot's ready marker. Registering the
// configured seed version would regress the registry after a committed
// update and make the control plane re-offer the same release.
func enroll(ctx context.Context, cp *client, ag *agent.Agent, cfg settings) error {
	cfg.CurrentVersion = ag.CurrentVersion()
	return registerWithBackoff(ctx, cp, cfg)
}

// registerWithBackoff retries enrollment until it succeeds or the
// context is cancelled. The control plane may simply not be up yet.
func registerWithBackoff(ctx context.Context, cp *client, cfg settings) error {
	backoff := retry.WithCappedDuration(time.Minute, retry.NewExponential(time.Second))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := cp.register(ctx, cfg); err != nil {
			log.Printf("[deviced] registration failed, retrying: %v", err)
			return retry.RetryableError(err)
		}
		return nil
	})
}

// pollLoop runs one update attempt per tick. The agent itself never
// retries; this cadence is the retry policy.
func pollLoop(ctx context.Context, cp *client, ag *agent.Agent, cfg settings) {
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		runTick(ctx, cp, ag, cfg)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runTick(ctx context.Context, cp *client, ag *agent.Agent, cfg settings) {
	outcome, err := ag.Tick(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Printf("[deviced] update attempt: %v", err)
		if ag.Phase() == agent.PhaseFailed {
			reportProgress(ctx, cp, cfg.DeviceID, rollout.StateFailed, ag.LastError(), "")
		}
		return
	}
	switch outcome {
	case agent.OutcomeCommitted:
		log.Printf("[deviced] committed version %s", ag.CurrentVersion())
		reportProgress(ctx, cp, cfg.DeviceID, rollout.StateHealthOK, "probation passed", ag.CurrentVersion())
	case agent.OutcomeRolledBack:
		log.Printf("[deviced] rolled back to version %s", ag.CurrentVersion())
		reportProgress(ctx, cp, cfg.DeviceID, rollout.StateRolledBack, "", "")
	}
}

// commandLoop polls for pending control plane commands.
func commandLoop(ctx context.Context, cp *client, ag *agent.Agent, cfg settings) {
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		requested, err := cp.rollbackRequested(ctx, cfg.DeviceID)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[deviced] poll commands: %v", err)
			}
			continue
		}
		if requested {
			log.Printf("[deviced] rollback commanded by control plane")
			ag.RequestRollback("commanded by control plane")
		}
	}
}

// healthLoop pushes periodic health reports. Reachability of the control
// plane doubles as the broker-connectivity signal: a push that fails
// marks the link down, which the heartbeat timeout turns into a rollback
// trigger during probation.
func healthLoop(ctx context.Context, cp *client, ag *agent.Agent, monitor *health.Monitor, cfg settings) {
	ticker := time.NewTicker(cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := cp.reportHealth(ctx, cfg.DeviceID, ag.CurrentVersion(), monitor.Snapshot(), monitor.Status())
		reachable := err == nil
		monitor.Report(health.Metrics{
			CanReachBroker: &reachable,
			HeartbeatOK:    &reachable,
		})
		if err != nil && ctx.Err() == nil {
			log.Printf("[deviced] push health report: %v", err)
		}
	}
}

func reportProgress(ctx context.Context, cp *client, deviceID, state, detail, version string) {
	if ctx.Err() != nil {
		return
	}
	if err := cp.reportProgress(ctx, deviceID, state, detail, version); err != nil {
		log.Printf("[deviced] report %s: %v", state, err)
	}
}
