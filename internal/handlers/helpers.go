package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gluk-w/otaplane/internal/events"
	"github.com/gluk-w/otaplane/internal/rollout"
)

// Package-level collaborators, wired once at startup.
var (
	eventBus      *events.Bus
	rolloutRunner *rollout.Runner
)

// Configure wires the handlers to the shared event bus and rollout
// runner. Must be called before the router is mounted.
func Configure(bus *events.Bus, runner *rollout.Runner) {
	eventBus = bus
	rolloutRunner = runner
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
