package agent

import (
	"fmt"
	"sync"
	"time"
)

// Phase represents the lifecycle phase of an update attempt.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseChecking    Phase = "checking"
	PhaseDownloading Phase = "downloading"
	PhaseVerifying   Phase = "verifying"
	PhaseInstalling  Phase = "installing"
	PhaseActivated   Phase = "activated"
	PhaseCommitted   Phase = "committed"
	PhaseRolledBack  Phase = "rolled_back"
	PhaseFailed      Phase = "failed"
)

// String returns the string representation of a Phase.
func (p Phase) String() string {
	return string(p)
}

// IsTerminal reports whether the phase ends an update attempt.
func (p Phase) IsTerminal() bool {
	switch p {
	case PhaseCommitted, PhaseRolledBack, PhaseFailed:
		return true
	default:
		return false
	}
}

// allowedTransitions encodes the state machine. Failed is reachable from
// every non-terminal phase; the only reversal is Activated → RolledBack.
// Downloading → Idle covers a cancelled download whose partial file is
// kept for a later resume.
var allowedTransitions = map[Phase][]Phase{
	PhaseIdle:        {PhaseChecking},
	PhaseChecking:    {PhaseIdle, PhaseDownloading, PhaseFailed},
	PhaseDownloading: {PhaseIdle, PhaseVerifying, PhaseFailed},
	PhaseVerifying:   {PhaseInstalling, PhaseFailed},
	PhaseInstalling:  {PhaseActivated, PhaseFailed},
	PhaseActivated:   {PhaseCommitted, PhaseRolledBack, PhaseFailed},
	PhaseCommitted:   {PhaseIdle},
	PhaseRolledBack:  {PhaseIdle},
	PhaseFailed:      {PhaseIdle},
}

// PhaseTransition records a phase change for debugging and audit.
type PhaseTransition struct {
	From      Phase     `json:"from"`
	To        Phase     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// PhaseCallback is called after each phase change.
type PhaseCallback func(from, to Phase)

// maxTransitions limits the stored transition history.
const maxTransitions = 50

// PhaseTracker holds the single current phase of one device's agent and
// enforces the legal transition set: phases are totally ordered within
// an attempt, nothing is skipped, and the only reversal is the
// activation rollback.
type PhaseTracker struct {
	mu          sync.RWMutex
	phase       Phase
	transitions []PhaseTransition
	callbacks   []PhaseCallback
}

// NewPhaseTracker creates a tracker starting at Idle.
func NewPhaseTracker() *PhaseTracker {
	return &PhaseTracker{phase: PhaseIdle}
}

// Phase returns the current phase.
func (t *PhaseTracker) Phase() Phase {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.phase
}

// Transition moves to the next phase, or returns an error if the move is
// not in the legal transition set. Callbacks fire outside the lock.
func (t *PhaseTracker) Transition(to Phase) error {
	t.mu.Lock()
	from := t.phase

	legal := false
	for _, next := range allowedTransitions[from] {
		if next == to {
			legal = true
			break
		}
	}
	if !legal {
		t.mu.Unlock()
		return fmt.Errorf("illegal phase transition %s -> %s", from, to)
	}

	t.phase = to
	t.transitions = append(t.transitions, PhaseTransition{From: from, To: to, Timestamp: time.Now()})
	if len(t.transitions) > maxTransitions {
		t.transitions = t.transitions[len(t.transitions)-maxTransitions:]
	}

	cbs := make([]PhaseCallback, len(t.callbacks))
	copy(cbs, t.callbacks)
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(from, to)
	}
	return nil
}

// Transitions returns a copy of the recorded transition history.
func (t *PhaseTracker) Transitions() []PhaseTransition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	result := make([]PhaseTransition, len(t.transitions))
	copy(result, t.transitions)
	return result
}

// OnChange registers a callback fired after every phase change.
func (t *PhaseTracker) OnChange(cb PhaseCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}
