package handlers

import (
	"log"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gluk-w/otaplane/internal/database"
	"github.com/go-chi/chi/v5"
)

// StreamRolloutEvents streams a rollout's audit events over a
// websocket: a replay of recent history first, then live events as the
// orchestrator and devices report. The connection closes when the
// client goes away.
func StreamRolloutEvents(w http.ResponseWriter, r *http.Request) {
	rolloutID := chi.URLParam(r, "rolloutID")
	if _, err := database.GetRolloutByUUID(rolloutID); err != nil {
		writeError(w, http.StatusNotFound, "Rollout not found")
		return
	}
	if eventBus == nil {
		writeError(w, http.StatusServiceUnavailable, "Event stream unavailable")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[events] Failed to accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	// Subscribe before replaying so no event falls in the gap.
	live, cancel := eventBus.Subscribe(rolloutID)
	defer cancel()

	for _, e := range eventBus.Recent(rolloutID, 50) {
		if err := wsjson.Write(ctx, conn, e); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case e := <-live:
			if err := wsjson.Write(ctx, conn, e); err != nil {
				return
			}
		}
	}
}
