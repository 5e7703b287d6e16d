// Package manifest defines the signed release descriptor that drives an
// over-the-air update, and the verification of downloaded artifacts
// against it.
//
// A manifest names a release (version, build id), its compatibility
// constraints (hardware revisions, minimum bootloader version) and the
// artifact to install (url, size, content hash, detached signature).
// Parsing is strict: a manifest missing any of the mandatory fields is
// rejected outright rather than handled leniently downstream.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrManifestInvalid is returned for malformed manifests or manifests
// missing required fields. It is fatal for the manifest: there is no
// point retrying a parse.
var ErrManifestInvalid = errors.New("manifest invalid")

// UpdateType classifies what a release delivers. The update pipeline
// treats all types identically (opaque signed blobs); the type exists
// for audit and operator display.
type UpdateType string

const (
	UpdateFirmware      UpdateType = "firmware"
	UpdateConfig        UpdateType = "config"
	UpdateFeatureFlag   UpdateType = "feature_flag"
	UpdateSecurityPatch UpdateType = "security_patch"
)

// Artifact describes the downloadable payload of a release.
type Artifact struct {
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	Hash        string `json:"hash"`      // "sha256:<hex>"
	Signature   string `json:"signature"` // base64 ed25519 detached signature
	Compression string `json:"compression,omitempty"`
}

// Manifest is the immutable release descriptor.
type Manifest struct {
	Version              string     `json:"version"`
	BuildID              string     `json:"build_id"`
	TargetHardware       []string   `json:"target_hardware"`
	MinBootloaderVersion string     `json:"min_bootloader_version,omitempty"`
	Artifact             *Artifact  `json:"artifact"`
	UpdateType           UpdateType `json:"update_type,omitempty"`
	ReleaseNotes         string     `json:"release_notes,omitempty"`
	RolloutPercentage    int        `json:"rollout_percentage,omitempty"`
	Required             bool       `json:"required,omitempty"`
}

// Parse decodes and validates a manifest. Unknown fields are rejected so
// a typo in a release pipeline surfaces as an error instead of a silently
// ignored constraint.
func Parse(data []byte) (*Manifest, error) {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.UpdateType == "" {
		m.UpdateType = UpdateFirmware
	}
	return &m, nil
}

// Encode serializes the manifest to JSON. Parse(Encode(m)) round-trips.
func (m *Manifest) Encode() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// Validate checks that all mandatory fields are populated. A manifest
// without a complete artifact block is invalid.
func (m *Manifest) Validate() error {
	switch {
	case m.Version == "":
		return fmt.Errorf("%w: missing version", ErrManifestInvalid)
	case m.BuildID == "":
		return fmt.Errorf("%w: missing build_id", ErrManifestInvalid)
	case len(m.TargetHardware) == 0:
		return fmt.Errorf("%w: missing target_hardware", ErrManifestInvalid)
	case m.Artifact == nil:
		return fmt.Errorf("%w: missing artifact", ErrManifestInvalid)
	case m.Artifact.URL == "":
		return fmt.Errorf("%w: artifact missing url", ErrManifestInvalid)
	case m.Artifact.Size <= 0:
		return fmt.Errorf("%w: artifact missing size", ErrManifestInvalid)
	case m.Artifact.Hash == "":
		return fmt.Errorf("%w: artifact missing hash", ErrManifestInvalid)
	case m.Artifact.Signature == "":
		return fmt.Errorf("%w: artifact missing signature", ErrManifestInvalid)
	}
	if m.RolloutPercentage < 0 || m.RolloutPercentage > 100 {
		return fmt.Errorf("%w: rollout_percentage %d out of range", ErrManifestInvalid, m.RolloutPercentage)
	}
	return nil
}

// CompatibleWithHardware reports whether the given hardware revision is
// listed in the manifest's target set. The test is exact membership; no
// wildcarding.
func (m *Manifest) CompatibleWithHardware(rev string) bool {
	for _, hw := range m.TargetHardware {
		if hw == rev {
			return true
		}
	}
	return false
}

// CompatibleWithBootloader reports whether the device bootloader version
// satisfies the manifest's minimum. A manifest with no minimum accepts
// any bootloader.
func (m *Manifest) CompatibleWithBootloader(version string) (bool, error) {
	if m.MinBootloaderVersion == "" {
		return true, nil
	}
	have, err := parseSemver(version)
	if err != nil {
		return false, fmt.Errorf("bootloader version %q: %w", version, err)
	}
	want, err := parseSemver(m.MinBootloaderVersion)
	if err != nil {
		return false, fmt.Errorf("min_bootloader_version %q: %w", m.MinBootloaderVersion, err)
	}
	return compareSemver(have, want) >= 0, nil
}

type semver [3]int

func parseSemver(s string) (semver, error) {
	var v semver
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return v, fmt.Errorf("expected major.minor.patch, got %d components", len(parts))
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return v, fmt.Errorf("component %q is not a non-negative integer", p)
		}
		v[i] = n
	}
	return v, nil
}

func compareSemver(a, b semver) int {
	for i := 0; i < 3; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
