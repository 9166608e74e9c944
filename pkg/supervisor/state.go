package supervisor

// State is the lifecycle state of the backend as seen by the controller
type State int

const (
	// StateNotStarted - Start has not been called
	StateNotStarted State = iota
	// StateLaunching - resolving the invocation, provisioning secrets, spawning
	StateLaunching
	// StateAwaitingPort - process running, waiting for the port announcement
	StateAwaitingPort
	// StatePolling - polling the health endpoint on the resolved port
	StatePolling
	// StateReady - backend healthy, endpoint broadcast to the UI
	StateReady
	// StateFailed - startup aborted or backend crashed; terminal
	StateFailed
	// StateStopped - shut down on request; terminal
	StateStopped
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateLaunching:
		return "Launching"
	case StateAwaitingPort:
		return "AwaitingPort"
	case StatePolling:
		return "Polling"
	case StateReady:
		return "Ready"
	case StateFailed:
		return "Failed"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transitions are possible
func (s State) Terminal() bool {
	return s == StateFailed || s == StateStopped
}

var transitions = map[State][]State{
	StateNotStarted:   {StateLaunching, StateStopped},
	StateLaunching:    {StateAwaitingPort, StateFailed, StateStopped},
	StateAwaitingPort: {StatePolling, StateFailed, StateStopped},
	StatePolling:      {StateReady, StateFailed, StateStopped},
	StateReady:        {StateFailed, StateStopped},
}

func canTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
