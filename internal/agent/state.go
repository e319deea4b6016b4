package agent

import "fmt"

// State is a step of one request's pipeline.
type State string

const (
	StateReceived          State = "RECEIVED"
	StateGuardrailChecking State = "GUARDRAIL_CHECKING"
	StateRejected          State = "REJECTED"
	StateRouted            State = "ROUTED"
	StateExecuting         State = "EXECUTING"
	StateResponding        State = "RESPONDING"
	StateFailed            State = "FAILED"
)

var allowedTransitions = map[State]map[State]struct{}{
	StateReceived: {
		StateGuardrailChecking: {},
		StateFailed:            {},
	},
	StateGuardrailChecking: {
		StateRejected: {},
		StateRouted:   {},
		StateFailed:   {},
	},
	StateRouted: {
		StateExecuting: {},
		StateFailed:    {},
	},
	StateExecuting: {
		StateResponding: {},
		StateFailed:     {},
	},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	_, ok := allowedTransitions[s]
	return !ok
}

func canTransition(from, to State) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// machine tracks a single request. Each Handle call owns its own machine.
type machine struct {
	state State
	route Route
	trail []State
}

func newMachine() *machine {
	return &machine{state: StateReceived, trail: []State{StateReceived}}
}

func (m *machine) advance(to State) error {
	if !canTransition(m.state, to) {
		return fmt.Errorf("invalid transition %s -> %s", m.state, to)
	}
	m.state = to
	m.trail = append(m.trail, to)
	return nil
}
