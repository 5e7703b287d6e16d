// Package slot manages the two partition slots a device boots from and
// the pointer record naming which one is active.
//
// Exactly one slot is active at any observable instant. The pointer is a
// small file updated only through write-to-temp, fsync and rename, so a
// crash mid-update cannot leave the device with an ambiguous active slot.
// All writes (staged image, ready marker) go to the inactive slot; the
// active slot is never touched.
package slot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Slot identifies one of the two partition slots.
type Slot string

const (
	SlotA Slot = "A"
	SlotB Slot = "B"
)

// Other returns the opposite slot.
func (s Slot) Other() Slot {
	if s == SlotA {
		return SlotB
	}
	return SlotA
}

// IsValid reports whether the slot is A or B.
func (s Slot) IsValid() bool {
	return s == SlotA || s == SlotB
}

// ReadyMarker records what was staged into a slot, persisted alongside
// the image so a later boot can confirm what is there.
type ReadyMarker struct {
	Version     string    `json:"version"`
	BuildID     string    `json:"build_id"`
	InstalledAt time.Time `json:"installed_at"`
}

const (
	pointerFile = "active"
	imageFile   = "image.bin"
	markerFile  = "ready.json"
)

// ErrNoMarker is returned when a slot has no ready marker.
var ErrNoMarker = errors.New("no ready marker")

// Store lays out the two slots and the active pointer under a root
// directory:
//
//	root/active        pointer file, "A" or "B"
//	root/slot-A/...    image.bin + ready.json
//	root/slot-B/...
type Store struct {
	root string
}

// NewStore opens (creating if necessary) a slot store rooted at dir. A
// store with no pointer file starts with slot A active.
func NewStore(dir string) (*Store, error) {
	for _, s := range []Slot{SlotA, SlotB} {
		if err := os.MkdirAll(filepath.Join(dir, slotDir(s)), 0755); err != nil {
			return nil, fmt.Errorf("create slot directory: %w", err)
		}
	}
	return &Store{root: dir}, nil
}

func slotDir(s Slot) string {
	return "slot-" + string(s)
}

// ActiveSlot returns the currently active slot. A missing pointer file
// means the device is still on its factory slot, A.
func (st *Store) ActiveSlot() (Slot, error) {
	data, err := os.ReadFile(filepath.Join(st.root, pointerFile))
	if err != nil {
		if os.IsNotExist(err) {
			return SlotA, nil
		}
		return "", fmt.Errorf("read active pointer: %w", err)
	}
	s := Slot(strings.TrimSpace(string(data)))
	if !s.IsValid() {
		return "", fmt.Errorf("active pointer names invalid slot %q", s)
	}
	return s, nil
}

// SetActive atomically flips the active pointer to the given slot. The
// pointer is written to a temp file, synced and renamed into place, so
// the update is a single atomic replace: at no point can a reader observe
// a half-written pointer.
func (st *Store) SetActive(s Slot) error {
	if !s.IsValid() {
		return fmt.Errorf("invalid slot %q", s)
	}

	tmp, err := os.CreateTemp(st.root, pointerFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp pointer: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(string(s)); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp pointer: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp pointer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp pointer: %w", err)
	}

	if err := os.Rename(tmpName, filepath.Join(st.root, pointerFile)); err != nil {
		return fmt.Errorf("replace active pointer: %w", err)
	}
	return nil
}

// ImagePath returns the path of the image file for the given slot.
func (st *Store) ImagePath(s Slot) string {
	return filepath.Join(st.root, slotDir(s), imageFile)
}

// InactiveImagePath returns the path of the inactive slot's image, the
// only legal download and install target.
func (st *Store) InactiveImagePath() (string, error) {
	active, err := st.ActiveSlot()
	if err != nil {
		return "", err
	}
	return st.ImagePath(active.Other()), nil
}

// WriteReadyMarker persists the ready marker for the given slot.
func (st *Store) WriteReadyMarker(s Slot, m ReadyMarker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal ready marker: %w", err)
	}
	path := filepath.Join(st.root, slotDir(s), markerFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write ready marker: %w", err)
	}
	return nil
}

// ReadReadyMarker loads the ready marker of the given slot, or ErrNoMarker
// if nothing has been staged there.
func (st *Store) ReadReadyMarker(s Slot) (ReadyMarker, error) {
	var m ReadyMarker
	data, err := os.ReadFile(filepath.Join(st.root, slotDir(s), markerFile))
	if err != nil {
		if os.IsNotExist(err) {
			return m, ErrNoMarker
		}
		return m, fmt.Errorf("read ready marker: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("unmarshal ready marker: %w", err)
	}
	return m, nil
}

// DiscardInactive removes any staged image and ready marker from the
// inactive slot, returning it to an empty state. Used after a failed
// download or verification so a future attempt starts clean.
func (st *Store) DiscardInactive() error {
	active, err := st.ActiveSlot()
	if err != nil {
		return err
	}
	dir := filepath.Join(st.root, slotDir(active.Other()))
	for _, name := range []string{imageFile, markerFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("discard %s: %w", name, err)
		}
	}
	return nil
}
