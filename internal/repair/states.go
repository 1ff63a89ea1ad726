package repair

// State is a step of the repair state machine
type State string

const (
	StateStart    State = "START"
	StateRunCI    State = "RUN_CI"
	StateExtract  State = "EXTRACT"
	StateRequest  State = "REQUEST"
	StateClassify State = "CLASSIFY"
	StateGuard    State = "GUARD"
	StateApply    State = "APPLY"
	StateFinalize State = "FINALIZE"
	StateDone     State = "DONE"
	StateAbort    State = "ABORT"
)

// Transitions is the allowed-transition table, checked on every move.
var Transitions = map[State][]State{
	StateStart: {StateRunCI},

	// pass finalizes; fail extracts; an exhausted budget aborts
	StateRunCI: {StateExtract, StateFinalize, StateAbort},

	// a manual hint aborts before asking the agent
	StateExtract: {StateRequest, StateAbort},

	StateRequest: {StateClassify, StateAbort},

	// a usable diff is guarded; an unusable one narrows (REQUEST), moves to
	// the next unit (REQUEST), ends the attempt (RUN_CI) or aborts
	StateClassify: {StateGuard, StateRequest, StateRunCI, StateAbort},

	// a rejected candidate consumes the attempt
	StateGuard: {StateApply, StateRequest, StateRunCI, StateAbort},

	// patch retries and further units go back to REQUEST
	StateApply: {StateRunCI, StateRequest, StateAbort},

	StateFinalize: {StateDone},
}

// IsValidTransition checks a move against Transitions
func IsValidTransition(from, to State) bool {
	for _, s := range Transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidNextStates returns the states reachable from a state
func ValidNextStates(from State) []State {
	return Transitions[from]
}

// IsTerminal reports DONE and ABORT
func IsTerminal(s State) bool {
	return s == StateDone || s == StateAbort
}
