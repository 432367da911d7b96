package engine

// transitions lists the states reachable from each state. Re-applying a
// terminal state onto itself is handled by CanTransition.
var transitions = map[ServiceState][]ServiceState{
	"":                         {StateDeploying},
	StateDeploying:             {StateDeploySuccess, StateDeployFailed},
	StateDeploySuccess:         {StateDestroying},
	StateDeployFailed:          {StateDestroying},
	StateDestroying:            {StateDestroySuccess, StateDestroyFailed},
	StateDestroySuccess:        {StateDestroying},
	StateDestroyFailed:         {StateDestroying, StateManualCleanupRequired},
	StateManualCleanupRequired: {StateDestroying},
}

// CanTransition reports whether a record in state from may move to state to.
func CanTransition(from, to ServiceState) bool {
	if from == to && from.IsTerminal() {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTransitional reports whether an operation is in flight for the record.
func (s ServiceState) IsTransitional() bool {
	return s == StateDeploying || s == StateDestroying
}

// IsTerminal reports whether the state is the outcome of a completed operation.
func (s ServiceState) IsTerminal() bool {
	switch s {
	case StateDeploySuccess, StateDeployFailed,
		StateDestroySuccess, StateDestroyFailed, StateManualCleanupRequired:
		return true
	}
	return false
}

// IsPurgeable reports whether the record may be deleted.
func (s ServiceState) IsPurgeable() bool {
	switch s {
	case StateDeployFailed, StateDestroySuccess, StateManualCleanupRequired:
		return true
	}
	return false
}

// Valid reports whether s is a known record state.
func (s ServiceState) Valid() bool {
	_, ok := transitions[s]
	return ok && s != ""
}
