package protocol

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrIllegalPhaseTransition is returned when a requested phase change is
// not permitted from the current phase.
var ErrIllegalPhaseTransition = errors.New("illegal phase transition")

// IllegalPhaseTransitionError records a rejected transition.
type IllegalPhaseTransitionError struct {
	From Phase
	To   Phase
}

func (e *IllegalPhaseTransitionError) Error() string {
	return fmt.Sprintf("illegal phase transition %s -> %s", e.From, e.To)
}

func (e *IllegalPhaseTransitionError) Unwrap() error {
	return ErrIllegalPhaseTransition
}

// transitions is the complete set of legal phase changes. Play has no
// outgoing transitions.
var transitions = map[Phase][]Phase{
	PhaseHandshake: {PhaseStatus, PhaseLogin},
	PhaseLogin:     {PhaseLogin, PhasePlay},
}

// PhaseMachine tracks the negotiation phase of one stream direction.
//
// Check and Switch must be called from the goroutine that owns the stream;
// Current may be called from anywhere.
type PhaseMachine struct {
	phase atomic.Int32
}

// NewPhaseMachine returns a machine in the Handshake phase.
func NewPhaseMachine() *PhaseMachine {
	return &PhaseMachine{}
}

// Current returns the current phase.
func (m *PhaseMachine) Current() Phase {
	return Phase(m.phase.Load())
}

// Check reports whether switching to target is legal. It never changes state.
func (m *PhaseMachine) Check(target Phase) error {
	from := m.Current()
	for _, to := range transitions[from] {
		if to == target {
			return nil
		}
	}
	return &IllegalPhaseTransitionError{From: from, To: target}
}

// Switch validates and commits a transition to target. On error the phase
// is left unchanged.
func (m *PhaseMachine) Switch(target Phase) error {
	if err := m.Check(target); err != nil {
		return err
	}
	m.phase.Store(int32(target))
	return nil
}
