package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gluk-w/otaplane/internal/agent"
	"github.com/gluk-w/otaplane/internal/health"
	"github.com/gluk-w/otaplane/internal/manifest"
)

// client talks to the control plane API on behalf of one device. It
// implements agent.ManifestSource.
type client struct {
	base string
	http *http.Client

	mu    sync.RWMutex
	token string
}

func newClient(base string) *client {
	return &client{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *client) do(ctx context.Context, method, path string, payload, out interface{}) (int, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := c.bearer(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(b))
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

// register enrolls the device and stores the returned bearer token.
func (c *client) register(ctx context.Context, cfg settings) error {
	var resp struct {
		Token string `json:"token"`
	}
	_, err := c.do(ctx, http.MethodPost, "/api/v1/devices/register", map[string]string{
		"device_id":          cfg.DeviceID,
		"group":              cfg.Group,
		"region":             cfg.Region,
		"hardware_rev":       cfg.HardwareRev,
		"bootloader_version": cfg.BootloaderVersion,
		"current_version":    cfg.CurrentVersion,
	}, &resp)
	if err != nil {
		return err
	}
	if resp.Token == "" {
		return fmt.Errorf("registration returned no token")
	}
	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()
	return nil
}

// Fetch asks the control plane for the manifest currently offered to
// this device. A 204 means there is nothing to install.
func (c *client) Fetch(ctx context.Context, deviceID string) (*manifest.Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/api/v1/devices/"+deviceID+"/manifest", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.bearer())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, agent.ErrNoUpdate
	case http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read manifest: %w", err)
		}
		return manifest.Parse(data)
	default:
		return nil, fmt.Errorf("fetch manifest: %s", resp.Status)
	}
}

// reportProgress pushes one rollout state transition. The control plane
// treats repeats and stale reports as no-ops, so this is safe to call
// optimistically.
func (c *client) reportProgress(ctx context.Context, deviceID, state, detail, version string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v1/devices/"+deviceID+"/progress", map[string]string{
		"state":   state,
		"detail":  detail,
		"version": version,
	}, nil)
	return err
}

// reportHealth pushes the current health snapshot.
func (c *client) reportHealth(ctx context.Context, deviceID, firmwareVersion string, snap health.Snapshot, status health.Status) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v1/devices/"+deviceID+"/health", map[string]interface{}{
		"firmware_version": firmwareVersion,
		"status":           string(status),
		"boot_count":       snap.BootCount,
		"watchdog_resets":  snap.WatchdogResets,
		"can_reach_broker": snap.CanReachBroker,
		"heartbeat_ok":     true,
		"cpu_percent":      snap.CPUPercent,
		"ram_percent":      snap.RAMPercent,
		"avg_latency_ms":   snap.AvgLatencyMS,
		"error_rate":       snap.ErrorRate,
	}, nil)
	return err
}

// rollbackRequested polls the pending-command endpoint.
func (c *client) rollbackRequested(ctx context.Context, deviceID string) (bool, error) {
	var resp struct {
		RollbackRequested bool `json:"rollback_requested"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/devices/"+deviceID+"/commands", nil, &resp); err != nil {
		return false, err
	}
	return resp.RollbackRequested, nil
}
