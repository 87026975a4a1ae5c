package gateway

import (
	"errors"
	"fmt"
)

type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticated   State = "authenticated"
	StateRefreshing      State = "refreshing"
	StateRefreshed       State = "refreshed"
	StateFailed          State = "failed"
)

type Event string

const (
	EventCredentialLoaded  Event = "credential_loaded"
	EventCredentialMissing Event = "credential_missing"
	EventUnauthorized      Event = "unauthorized"
	EventRefreshSucceeded  Event = "refresh_succeeded"
	EventRefreshFailed     Event = "refresh_failed"
)

var ErrIllegalTransition = errors.New("illegal gateway transition")

// transitions is the whole per-call lifecycle. Refreshed has no outgoing
// Unauthorized edge, so a call can refresh at most once.
var transitions = map[State]map[Event]State{
	StateUnauthenticated: {
		EventCredentialLoaded:  StateAuthenticated,
		EventCredentialMissing: StateFailed,
	},
	StateAuthenticated: {
		EventUnauthorized: StateRefreshing,
	},
	StateRefreshing: {
		EventRefreshSucceeded: StateRefreshed,
		EventRefreshFailed:    StateFailed,
	},
	StateRefreshed: {},
	StateFailed:    {},
}

// Next returns the state reached from s on ev.
func Next(s State, ev Event) (State, error) {
	next, ok := transitions[s][ev]
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, s, ev)
	}
	return next, nil
}

type Transition struct {
	From  State
	Event Event
	To    State
}

type machine struct {
	state   State
	observe func(Transition)
}

func newMachine(observe func(Transition)) *machine {
	return &machine{state: StateUnauthenticated, observe: observe}
}

func (m *machine) fire(ev Event) error {
	next, err := Next(m.state, ev)
	if err != nil {
		return err
	}
	if m.observe != nil {
		m.observe(Transition{From: m.state, Event: ev, To: next})
	}
	m.state = next
	return nil
}
