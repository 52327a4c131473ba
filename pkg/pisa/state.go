package pisa

import (
	"fmt"

	"github.com/LexatoBR/lexato-extension-sub002/pkg/chain"
)

// Stage and StageRecord are the chain types; the orchestrator produces them.
type (
	Stage       = chain.Stage
	StageRecord = chain.Record
)

const (
	StagePreReload     = chain.StagePreReload
	StagePostReload    = chain.StagePostReload
	StageLoaded        = chain.StageLoaded
	StageSecureChannel = chain.StageSecureChannel
	StageLockdown      = chain.StageLockdown
)

// StageOrder is the fixed execution order.
var StageOrder = chain.Order

// State is the orchestrator's position in the run.
type State string

const (
	StateNotStarted State = "NOT_STARTED"
	StateIsolating  State = "ISOLATING"
	StateStage0     State = "STAGE_0"
	StateStage1     State = "STAGE_1"
	StateStage2     State = "STAGE_2"
	StateStage3     State = "STAGE_3"
	StateStage4     State = "STAGE_4"
	StateSealed     State = "SEALED"
	StateFailed     State = "FAILED"
	StateAborted    State = "ABORTED"
)

var stageStates = [...]State{StateStage0, StateStage1, StateStage2, StateStage3, StateStage4}

// next holds the single forward successor of each non-terminal state.
var next = map[State]State{
	StateNotStarted: StateIsolating,
	StateIsolating:  StateStage0,
	StateStage0:     StateStage1,
	StateStage1:     StateStage2,
	StateStage2:     StateStage3,
	StateStage3:     StateStage4,
	StateStage4:     StateSealed,
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSealed || s == StateFailed || s == StateAborted
}

// CanTransition reports whether from -> to is legal. Any non-terminal state
// may fail or abort; otherwise only the forward successor is allowed.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed || to == StateAborted {
		return true
	}
	return next[from] == to
}

func stageState(i int) State {
	return stageStates[i]
}

func (p *Process) transition(to State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !CanTransition(p.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, p.state, to)
	}
	p.state = to
	return nil
}
