package handlers

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gluk-w/otaplane/internal/cohort"
	"github.com/gluk-w/otaplane/internal/database"
	"github.com/gluk-w/otaplane/internal/manifest"
	"github.com/gluk-w/otaplane/internal/rollout"
	"github.com/go-chi/chi/v5"
)

type createReleaseRequest struct {
	Manifest json.RawMessage `json:"manifest"`
	Cohort   string          `json:"cohort"`
}

// CreateRelease publishes a signed release manifest, optionally scoped
// by a cohort predicate. The manifest is validated on the way in; a
// malformed manifest never reaches a device.
func CreateRelease(w http.ResponseWriter, r *http.Request) {
	var req createReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	m, err := manifest.Parse(req.Manifest)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := checkArtifactEncoding(m); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pred, err := cohort.Parse(req.Cohort)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid cohort: "+err.Error())
		return
	}

	encoded, err := m.Encode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encode manifest")
		return
	}
	release := &database.Release{
		Version:  m.Version,
		BuildID:  m.BuildID,
		Manifest: string(encoded),
		Cohort:   pred.String(),
		Active:   true,
	}
	if err := database.CreateRelease(release); err != nil {
		writeError(w, http.StatusConflict, "Release version already exists")
		return
	}
	writeJSON(w, http.StatusCreated, release)
}

// checkArtifactEncoding rejects manifests whose hash or signature could
// never verify on a device. Devices still verify the actual bytes; this
// only keeps an operator typo from reaching the fleet.
func checkArtifactEncoding(m *manifest.Manifest) error {
	const prefix = "sha256:"
	hexPart := strings.TrimPrefix(m.Artifact.Hash, prefix)
	if hexPart == m.Artifact.Hash || len(hexPart) != sha256.Size*2 {
		return fmt.Errorf("artifact hash must be %q followed by %d hex characters", prefix, sha256.Size*2)
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return fmt.Errorf("artifact hash is not valid hex: %v", err)
	}
	sig, err := base64.StdEncoding.DecodeString(m.Artifact.Signature)
	if err != nil {
		return fmt.Errorf("artifact signature is not valid base64: %v", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("artifact signature must be %d bytes, got %d", ed25519.SignatureSize, len(sig))
	}
	return nil
}

// ListReleases returns all active releases, newest first.
func ListReleases(w http.ResponseWriter, r *http.Request) {
	releases, err := database.ListActiveReleases()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list releases")
		return
	}
	writeJSON(w, http.StatusOK, releases)
}

// DeactivateRelease withdraws a release so no further devices see it.
// Devices that already committed it are untouched.
func DeactivateRelease(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")
	res := database.DB.Model(&database.Release{}).Where("version = ?", version).
		Update("active", false)
	if res.Error != nil {
		writeError(w, http.StatusInternalServerError, "Failed to deactivate release")
		return
	}
	if res.RowsAffected == 0 {
		writeError(w, http.StatusNotFound, "Release not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// GetManifestForDevice is the device poll endpoint. A device assigned
// to a dispatched, running rollout gets that rollout's manifest;
// otherwise the newest active release whose cohort, hardware target and
// percentage gate all admit the device. 204 means nothing to do.
func GetManifestForDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	d, err := database.GetDeviceByDeviceID(deviceID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Device not found")
		return
	}
	database.TouchDeviceLastSeen(deviceID)

	if m := rolloutManifestFor(d); m != nil {
		writeJSON(w, http.StatusOK, m)
		return
	}

	releases, err := database.ListActiveReleases()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list releases")
		return
	}
	for i := range releases {
		m := releaseManifestFor(d, &releases[i])
		if m != nil {
			writeJSON(w, http.StatusOK, m)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// rolloutManifestFor returns the manifest of the device's assigned
// rollout, if the device has been dispatched and the rollout is still
// delivering.
func rolloutManifestFor(d *database.Device) *manifest.Manifest {
	if d.RolloutID == "" || d.StartedAt == nil {
		return nil
	}
	switch d.RolloutState {
	case rollout.StatePending, rollout.StateDownloading, rollout.StateDownloaded:
	default:
		return nil
	}

	ro, err := database.GetRolloutByUUID(d.RolloutID)
	if err != nil {
		return nil
	}
	// A paused rollout stops serving; devices mid-download finish on
	// their own but nothing new starts.
	if ro.Status != rollout.StatusRunning && ro.Status != rollout.StatusCompleted {
		return nil
	}

	release, err := database.GetReleaseByVersion(ro.Version)
	if err != nil {
		return nil
	}
	m, err := manifest.Parse([]byte(release.Manifest))
	if err != nil {
		return nil
	}
	if !m.CompatibleWithHardware(d.HardwareRev) || m.Version == d.CurrentVersion {
		return nil
	}
	return m
}

// releaseManifestFor checks one active release against the device's
// cohort, hardware and the deterministic percentage gate.
func releaseManifestFor(d *database.Device, release *database.Release) *manifest.Manifest {
	pred, err := cohort.Parse(release.Cohort)
	if err != nil || !pred.Matches(d.Attributes()) {
		return nil
	}
	m, err := manifest.Parse([]byte(release.Manifest))
	if err != nil {
		return nil
	}
	if m.Version == d.CurrentVersion {
		return nil
	}
	if !m.CompatibleWithHardware(d.HardwareRev) {
		return nil
	}
	pct := m.RolloutPercentage
	if pct == 0 {
		pct = 100
	}
	if !rollout.InPercentage(d.DeviceID, pct) {
		return nil
	}
	return m
}
