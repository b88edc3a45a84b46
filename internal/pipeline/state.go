package pipeline

import (
	"fmt"
	"sync"
)

// State is a stage of one inbound event's life.
type State string

const (
	StateReceived             State = "received"
	StateAuthenticated        State = "authenticated"
	StateAdmitted             State = "admitted"
	StateDeduplicated         State = "deduplicated"
	StateConversationResolved State = "conversation-resolved"
	StateContextAssembled     State = "context-assembled"
	StateResponded            State = "responded"
	StateDispatched           State = "dispatched"

	// Terminal short-circuits.
	StateRejectedAuth    State = "rejected-auth"
	StateInvalid         State = "invalid"
	StateRateLimited     State = "rate-limited"
	StateDuplicate       State = "duplicate"
	StateDispatchPartial State = "dispatch-partial"
	StateDispatchFailed  State = "dispatch-failed"
	StateFailed          State = "failed" // storage abort
)

var transitions = map[State][]State{
	StateReceived:             {StateAuthenticated, StateRejectedAuth},
	StateAuthenticated:        {StateAdmitted, StateRateLimited, StateInvalid},
	StateAdmitted:             {StateDeduplicated, StateDuplicate},
	StateDeduplicated:         {StateConversationResolved, StateDuplicate, StateFailed},
	StateConversationResolved: {StateContextAssembled},
	StateContextAssembled:     {StateResponded},
	StateResponded:            {StateDispatched, StateFailed},
	StateDispatched:           {StateDispatchPartial, StateDispatchFailed},
}

// CanTransition reports whether from → to is a legal step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition leaves s.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// Trace records the states one event passed through.
type Trace struct {
	mu      sync.Mutex
	EventID string
	history []State
}

func newTrace(eventID string) *Trace {
	return &Trace{EventID: eventID, history: []State{StateReceived}}
}

// State returns the current state.
func (t *Trace) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.history[len(t.history)-1]
}

// History returns every state visited, in order.
func (t *Trace) History() []State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]State(nil), t.history...)
}

// Advance moves to next, rejecting illegal transitions.
func (t *Trace) Advance(next State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.history[len(t.history)-1]
	if !CanTransition(cur, next) {
		return fmt.Errorf("pipeline: illegal transition %s -> %s", cur, next)
	}
	t.history = append(t.history, next)
	return nil
}

// Final reports whether an event in s has finished, successfully or not.
func (s State) Final() bool {
	return s == StateDispatched || s.Terminal()
}
