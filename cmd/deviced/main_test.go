package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gluk-w/otaplane/internal/agent"
	"github.com/gluk-w/otaplane/internal/health"
	"github.com/gluk-w/otaplane/internal/manifest"
	"github.com/gluk-w/otaplane/internal/slot"
)

func TestEnrollReportsCommittedVersion(t *testing.T) {
	// The slot store says 2.0.0 was committed before the last restart;
	// the environment still carries the factory seed.
	store, err := slot.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("slot store: %v", err)
	}
	if err := store.WriteReadyMarker(slot.SlotB, slot.ReadyMarker{
		Version:     "2.0.0",
		BuildID:     "build-2",
		InstalledAt: time.Now(),
	}); err != nil {
		t.Fatalf("write marker: %v", err)
	}
	if err := store.SetActive(slot.SlotB); err != nil {
		t.Fatalf("set active: %v", err)
	}

	var registered map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/devices/register" {
			t.Errorf("unexpected request %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&registered); err != nil {
			t.Errorf("decode registration: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"token": "tok-1", "device_id": registered["device_id"]})
	}))
	defer srv.Close()

	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	verifier, err := manifest.NewVerifier(pub)
	if err != nil {
		t.Fatal(err)
	}

	cfg := settings{
		ServerURL:         srv.URL,
		DeviceID:          "dev-1",
		Group:             "canary",
		HardwareRev:       "esp32-v2",
		BootloaderVersion: "2.1.0",
		CurrentVersion:    "1.0.0",
	}
	cp := newClient(cfg.ServerURL)
	ag, err := agent.New(agent.Config{
		DeviceID:          cfg.DeviceID,
		HardwareRev:       cfg.HardwareRev,
		BootloaderVersion: cfg.BootloaderVersion,
		CurrentVersion:    cfg.CurrentVersion,
	}, store, cp, agent.NewDownloader(nil), verifier, health.NewMonitor(health.DefaultLimits()), nil)
	if err != nil {
		t.Fatalf("agent: %v", err)
	}

	if err := enroll(context.Background(), cp, ag, cfg); err != nil {
		t.Fatalf("enroll: %v", err)
	}

	if registered["current_version"] != "2.0.0" {
		t.Errorf("registered version %q, want the committed 2.0.0", registered["current_version"])
	}
	if cp.bearer() != "tok-1" {
		t.Errorf("token not stored, got %q", cp.bearer())
	}
}
