// Package head implements the settlement head lifecycle state machine.
//
// Transitions are monotonic and one-directional:
//
//	OPEN → COMMITTED → PROOF_ATTACHED → FINALIZED → CLOSED
//
// A transition may move forward past intermediate states (a COMMITTED head
// with no proofs finalizes directly), but never backward. ERROR is reachable
// from any non-terminal state on unrecoverable failure. CLOSED and ERROR are
// terminal; a closed head can never be reopened.
package head

import (
	"time"

	"github.com/forkshield/settle/pkg/contracts"
)

// rank orders the forward chain. ERROR sits outside the chain.
var rank = map[contracts.HeadStatus]int{
	contracts.HeadOpen:          0,
	contracts.HeadCommitted:     1,
	contracts.HeadProofAttached: 2,
	contracts.HeadFinalized:     3,
	contracts.HeadClosed:        4,
}

// CanTransition reports whether target is reachable from current: any
// strictly forward move along the chain, or ERROR from a non-terminal state.
func CanTransition(current, target contracts.HeadStatus) bool {
	if current.Terminal() {
		return false
	}
	if target == contracts.HeadError {
		return true
	}
	cr, okC := rank[current]
	tr, okT := rank[target]
	return okC && okT && tr > cr
}

// Machine applies validated transitions to head records. It holds no state of
// its own; the coordinator serializes calls per head.
type Machine struct {
	clock func() time.Time
}

// NewMachine builds a state machine using the wall clock.
func NewMachine() *Machine {
	return &Machine{clock: time.Now}
}

// WithClock overrides the clock for testing.
func (m *Machine) WithClock(clock func() time.Time) *Machine {
	m.clock = clock
	return m
}

// Transition moves h to target, fixing FinalizedAt when the head passes
// FINALIZED. Transitioning to the current state is a no-op. Fails with
// INVALID_TRANSITION if target is not reachable (for example, reopening a
// CLOSED head).
func (m *Machine) Transition(h *contracts.Head, target contracts.HeadStatus) error {
	if h.Status == target {
		return nil
	}
	if !CanTransition(h.Status, target) {
		return contracts.Errf(contracts.KindInvalidTransition, h.HeadID, "",
			"cannot transition %s -> %s", h.Status, target)
	}
	if rank[target] >= rank[contracts.HeadFinalized] && h.FinalizedAt == nil {
		t := m.clock().UTC()
		h.FinalizedAt = &t
	}
	h.Status = target
	return nil
}
