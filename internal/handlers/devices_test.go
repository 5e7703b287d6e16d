package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gluk-w/otaplane/internal/database"
	"github.com/gluk-w/otaplane/internal/devicetoken"
	"github.com/gluk-w/otaplane/internal/events"
	"github.com/gluk-w/otaplane/internal/middleware"
	"github.com/gluk-w/otaplane/internal/rollout"
	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB creates a fresh in-memory SQLite database for each test
// and wires the handler collaborators.
func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql.DB: %v", err)
	}
	// ":memory:" is per-connection; one connection keeps one schema.
	sqlDB.SetMaxOpenConns(1)
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	database.DB = db

	// The test commander simulates whole device outcomes and the sleep
	// override skips observe waits, so rollouts finish instantly.
	orch := rollout.NewOrchestrator(healthyCommander{}, events.Discard{})
	orch.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	Configure(events.NewBus(), rollout.NewRunner(orch))
}

// testRouter mirrors the production route layout for the endpoints
// under test.
func testRouter() chi.Router {
	r := chi.NewRouter()
	r.Post("/api/v1/devices/register", RegisterDevice)
	r.Get("/api/v1/devices", ListDevices)
	r.Route("/api/v1/devices/{deviceID}", func(r chi.Router) {
		r.Get("/", GetDevice)
		r.Delete("/", DeleteDevice)
		r.Post("/health", ReportHealth)
		r.Post("/progress", ReportProgress)
		r.Get("/commands", GetCommands)
		r.Post("/rollback", RequestDeviceRollback)
		r.Get("/manifest", GetManifestForDevice)
	})
	return r
}

func doJSON(t *testing.T, router chi.Router, method, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func registerTestDevice(t *testing.T, router chi.Router, deviceID, group string) string {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/v1/devices/register", map[string]string{
		"device_id":          deviceID,
		"group":              group,
		"region":             "eu",
		"hardware_rev":       "esp32-v2",
		"bootloader_version": "2.1.0",
		"current_version":    "1.0.0",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("register: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal register response: %v", err)
	}
	return resp["token"]
}

func TestRegisterDevice(t *testing.T) {
	setupTestDB(t)
	router := testRouter()

	token := registerTestDevice(t, router, "dev-1", "canary")

	got, err := devicetoken.Verify(token)
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if got != "dev-1" {
		t.Errorf("token is for %q, want dev-1", got)
	}

	d, err := database.GetDeviceByDeviceID("dev-1")
	if err != nil {
		t.Fatalf("device not stored: %v", err)
	}
	if d.Group != "canary" || d.HardwareRev != "esp32-v2" {
		t.Errorf("stored device: %+v", d)
	}
	if d.LastSeen == nil {
		t.Error("registration should stamp last_seen")
	}
}

func TestRegisterPreservesRolloutAssignment(t *testing.T) {
	setupTestDB(t)
	router := testRouter()
	registerTestDevice(t, router, "dev-1", "canary")

	// Device gets claimed by a rollout, then re-registers after a reboot.
	err := database.DB.Model(&database.Device{}).Where("device_id = ?", "dev-1").Updates(map[string]any{
		"rollout_id":    "ro-1",
		"rollout_state": rollout.StateDownloading,
	}).Error
	if err != nil {
		t.Fatal(err)
	}

	registerTestDevice(t, router, "dev-1", "canary")

	d, _ := database.GetDeviceByDeviceID("dev-1")
	if d.RolloutID != "ro-1" || d.RolloutState != rollout.StateDownloading {
		t.Errorf("re-registration lost rollout assignment: %s/%s", d.RolloutID, d.RolloutState)
	}
}

func TestRegisterPreservesRolloutProgress(t *testing.T) {
	setupTestDB(t)
	router := testRouter()
	registerTestDevice(t, router, "dev-1", "canary")

	// Device was dispatched, rolled back and has a rollback command
	// queued, then power-cycles after the bad update.
	started := time.Now().Add(-time.Hour)
	completed := time.Now().Add(-30 * time.Minute)
	err := database.DB.Model(&database.Device{}).Where("device_id = ?", "dev-1").Updates(map[string]any{
		"rollout_id":         "ro-1",
		"rollout_state":      rollout.StateRolledBack,
		"rolled_back":        true,
		"health_failed":      true,
		"rollback_requested": true,
		"started_at":         &started,
		"completed_at":       &completed,
		"last_error":         "watchdog reset storm",
	}).Error
	if err != nil {
		t.Fatal(err)
	}
	before, err := rollout.CountsFor("ro-1")
	if err != nil {
		t.Fatal(err)
	}

	registerTestDevice(t, router, "dev-1", "canary")

	d, _ := database.GetDeviceByDeviceID("dev-1")
	if !d.RolledBack || !d.HealthFailed || !d.RollbackRequested {
		t.Errorf("re-registration cleared sticky flags: %+v", d)
	}
	if d.StartedAt == nil || d.CompletedAt == nil {
		t.Error("re-registration cleared dispatch timestamps")
	}
	if d.LastError != "watchdog reset storm" {
		t.Errorf("re-registration cleared last_error, got %q", d.LastError)
	}

	after, err := rollout.CountsFor("ro-1")
	if err != nil {
		t.Fatal(err)
	}
	if after != before {
		t.Errorf("re-registration changed aggregates: %+v -> %+v", before, after)
	}
	if after.Dispatched != 1 || after.RolledBack != 1 {
		t.Errorf("dispatched/rolled_back = %d/%d, want 1/1", after.Dispatched, after.RolledBack)
	}
}

func TestRegisterValidation(t *testing.T) {
	setupTestDB(t)
	router := testRouter()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/devices/register", map[string]string{
		"device_id": "dev-1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing hardware_rev: expected 400, got %d", rec.Code)
	}
}

func TestRequireDeviceMiddleware(t *testing.T) {
	setupTestDB(t)
	plain := testRouter()
	token := registerTestDevice(t, plain, "dev-1", "general")
	registerTestDevice(t, plain, "dev-2", "general")

	router := chi.NewRouter()
	router.With(middleware.RequireDevice).Get("/api/v1/devices/{deviceID}/commands", GetCommands)

	call := func(path, auth string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := call("/api/v1/devices/dev-1/commands", ""); code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", code)
	}
	if code := call("/api/v1/devices/dev-1/commands", "Bearer garbage"); code != http.StatusUnauthorized {
		t.Errorf("bad token: expected 401, got %d", code)
	}
	if code := call("/api/v1/devices/dev-2/commands", "Bearer "+token); code != http.StatusForbidden {
		t.Errorf("token for another device: expected 403, got %d", code)
	}
	if code := call("/api/v1/devices/dev-1/commands", "Bearer "+token); code != http.StatusOK {
		t.Errorf("valid token: expected 200, got %d", code)
	}
}

func TestReportHealthStoresReport(t *testing.T) {
	setupTestDB(t)
	router := testRouter()
	registerTestDevice(t, router, "dev-1", "general")

	rec := doJSON(t, router, http.MethodPost, "/api/v1/devices/dev-1/health", map[string]interface{}{
		"firmware_version": "1.0.0",
		"status":           "degraded",
		"boot_count":       2,
		"can_reach_broker": true,
		"heartbeat_ok":     true,
		"cpu_percent":      41.5,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var report database.HealthReport
	if err := database.DB.Where("device_id = ?", "dev-1").First(&report).Error; err != nil {
		t.Fatalf("report not stored: %v", err)
	}
	if report.Status != "degraded" || report.BootCount != 2 {
		t.Errorf("stored report: %+v", report)
	}
	if report.LastHeartbeat == nil {
		t.Error("heartbeat_ok should stamp last_heartbeat")
	}
}

func TestReportProgressUpdatesDevice(t *testing.T) {
	setupTestDB(t)
	router := testRouter()
	registerTestDevice(t, router, "dev-1", "canary")
	now := time.Now()
	database.DB.Model(&database.Device{}).Where("device_id = ?", "dev-1").Updates(map[string]any{
		"rollout_id": "ro-1",
		"started_at": &now,
	})

	for _, state := range []string{
		rollout.StateDownloading, rollout.StateDownloaded,
		rollout.StateInstalled, rollout.StateRebooted,
	} {
		rec := doJSON(t, router, http.MethodPost, "/api/v1/devices/dev-1/progress", map[string]string{
			"state": state,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("progress %s: expected 200, got %d: %s", state, rec.Code, rec.Body.String())
		}
	}

	rec := doJSON(t, router, http.MethodPost, "/api/v1/devices/dev-1/progress", map[string]string{
		"state":   rollout.StateHealthOK,
		"version": "2.0.0",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("health_ok: expected 200, got %d", rec.Code)
	}

	d, _ := database.GetDeviceByDeviceID("dev-1")
	if d.RolloutState != rollout.StateHealthOK {
		t.Errorf("state = %s", d.RolloutState)
	}
	if d.CurrentVersion != "2.0.0" {
		t.Errorf("health_ok should update current_version, got %s", d.CurrentVersion)
	}
}

func TestReportProgressRejectsBackwardMove(t *testing.T) {
	setupTestDB(t)
	router := testRouter()
	registerTestDevice(t, router, "dev-1", "canary")
	database.DB.Model(&database.Device{}).Where("device_id = ?", "dev-1").Updates(map[string]any{
		"rollout_id":    "ro-1",
		"rollout_state": rollout.StateInstalled,
	})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/devices/dev-1/progress", map[string]string{
		"state": rollout.StateDownloading,
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("backward move: expected 409, got %d", rec.Code)
	}
}

func TestRollbackCommandRoundTrip(t *testing.T) {
	setupTestDB(t)
	router := testRouter()
	registerTestDevice(t, router, "dev-1", "canary")
	database.DB.Model(&database.Device{}).Where("device_id = ?", "dev-1").Updates(map[string]any{
		"rollout_id":    "ro-1",
		"rollout_state": rollout.StateInstalled,
	})

	// Operator queues a rollback.
	if rec := doJSON(t, router, http.MethodPost, "/api/v1/devices/dev-1/rollback", nil); rec.Code != http.StatusOK {
		t.Fatalf("queue rollback: expected 200, got %d", rec.Code)
	}

	rec := doJSON(t, router, http.MethodGet, "/api/v1/devices/dev-1/commands", nil)
	var cmds map[string]bool
	json.Unmarshal(rec.Body.Bytes(), &cmds)
	if !cmds["rollback_requested"] {
		t.Fatal("commands should carry the rollback request")
	}

	// The device reports the rollback done; the command clears.
	if rec := doJSON(t, router, http.MethodPost, "/api/v1/devices/dev-1/progress", map[string]string{
		"state":  rollout.StateRolledBack,
		"detail": "rolled back on command",
	}); rec.Code != http.StatusOK {
		t.Fatalf("report rolled_back: got %d", rec.Code)
	}

	d, _ := database.GetDeviceByDeviceID("dev-1")
	if d.RollbackRequested {
		t.Error("served rollback command should be cleared")
	}
	if !d.RolledBack {
		t.Error("rolled_back sticky flag should be set")
	}
}

func TestDeleteDevice(t *testing.T) {
	setupTestDB(t)
	router := testRouter()
	registerTestDevice(t, router, "dev-1", "general")

	if rec := doJSON(t, router, http.MethodDelete, "/api/v1/devices/dev-1", nil); rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rec.Code)
	}
	if rec := doJSON(t, router, http.MethodDelete, "/api/v1/devices/dev-1", nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", rec.Code)
	}
}
