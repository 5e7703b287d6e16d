// Package events provides the typed audit event recorder used by the
// update agent and the rollout orchestrator.
//
// Core logic emits typed event records through the Recorder interface;
// whether they end up on the console, in a ring buffer for the API, or
// streamed over a websocket is an adapter concern. The Bus implementation
// keeps a bounded ring per scope (device id or rollout id) and fans out
// to live subscribers.
package events

import (
	"log"
	"sync"
	"time"

	"github.com/gluk-w/otaplane/internal/logutil"
)

// Type identifies the kind of event.
type Type string

const (
	EventUpdateStarted    Type = "update_started"
	EventDownloadProgress Type = "download_progress"
	EventUpdateVerified   Type = "update_verified"
	EventUpdateInstalled  Type = "update_installed"
	EventUpdateActivated  Type = "update_activated"
	EventUpdateCommitted  Type = "update_committed"
	EventUpdateFailed     Type = "update_failed"
	EventRollback         Type = "rollback"
	EventRolloutStarted   Type = "rollout_started"
	EventBatchDispatched  Type = "batch_dispatched"
	EventRolloutPaused    Type = "rollout_paused"
	EventRolloutResumed   Type = "rollout_resumed"
	EventRolloutAborted   Type = "rollout_aborted"
	EventRolloutCompleted Type = "rollout_completed"
)

// Event is one audit record. Scope is the device id or rollout id the
// event belongs to.
type Event struct {
	Scope     string    `json:"scope"`
	Type      Type      `json:"type"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// Recorder is the sink interface core logic emits through.
type Recorder interface {
	Record(scope string, eventType Type, detail string)
}

// maxEventsPerScope limits the number of stored events per scope.
const maxEventsPerScope = 200

// Bus is a Recorder that keeps a bounded per-scope ring buffer, mirrors
// every event to the standard logger, and fans out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	events map[string][]Event
	subs   map[string]map[chan Event]struct{}
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		events: make(map[string][]Event),
		subs:   make(map[string]map[chan Event]struct{}),
	}
}

// Record stores the event, logs it and notifies subscribers. Slow
// subscribers are skipped rather than blocking the emitter.
func (b *Bus) Record(scope string, eventType Type, detail string) {
	event := Event{
		Scope:     scope,
		Type:      eventType,
		Detail:    detail,
		Timestamp: time.Now(),
	}

	b.mu.Lock()
	events := b.events[scope]
	events = append(events, event)
	if len(events) > maxEventsPerScope {
		events = events[len(events)-maxEventsPerScope:]
	}
	b.events[scope] = events

	for ch := range b.subs[scope] {
		select {
		case ch <- event:
		default:
		}
	}
	b.mu.Unlock()

	log.Printf("[event] %s/%s: %s", logutil.SanitizeForLog(scope), eventType, logutil.SanitizeForLog(detail))
}

// Recent returns the most recent n events for the scope, oldest first.
func (b *Bus) Recent(scope string, n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.events[scope]
	if len(events) <= n {
		result := make([]Event, len(events))
		copy(result, events)
		return result
	}
	result := make([]Event, n)
	copy(result, events[len(events)-n:])
	return result
}

// Subscribe returns a channel receiving future events for the scope.
// The channel is buffered; events are dropped for subscribers that fall
// behind. Call the returned cancel function when done.
func (b *Bus) Subscribe(scope string) (<-chan Event, func()) {
	ch := make(chan Event, 64)

	b.mu.Lock()
	if b.subs[scope] == nil {
		b.subs[scope] = make(map[chan Event]struct{})
	}
	b.subs[scope][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[scope]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, scope)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Discard is a Recorder that drops everything. Useful in tests.
type Discard struct{}

func (Discard) Record(string, Type, string) {}
