package worker

import "fmt"

// State is the lifecycle state of a worker version.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled // waiting for activation
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventType names an event the runtime dispatches to its handlers.
type EventType int

const (
	EventInstall EventType = iota
	EventActivate
	EventFetch
	EventPush
	EventNotificationClick
	EventMessage
)

func (e EventType) String() string {
	switch e {
	case EventInstall:
		return "install"
	case EventActivate:
		return "activate"
	case EventFetch:
		return "fetch"
	case EventPush:
		return "push"
	case EventNotificationClick:
		return "notificationclick"
	case EventMessage:
		return "message"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// transition describes how a lifecycle event moves the worker: the state held
// while the handler runs, the state on success and the state on failure.
type transition struct {
	during    State
	onSuccess State
	onFailure State
}

type transitionKey struct {
	from  State
	event EventType
}

// transitions is the complete lifecycle. Any (state, event) pair that is not
// listed is rejected with ErrInvalidTransition. A failed activation still
// leaves the worker activated, as browsers do.
var transitions = map[transitionKey]transition{
	{StateParsed, EventInstall}:     {during: StateInstalling, onSuccess: StateInstalled, onFailure: StateRedundant},
	{StateInstalled, EventActivate}: {during: StateActivating, onSuccess: StateActivated, onFailure: StateActivated},
}

func lookupTransition(from State, event EventType) (transition, bool) {
	t, ok := transitions[transitionKey{from: from, event: event}]
	return t, ok
}

// handlesFunctionalEvents reports whether fetch, push and click events reach
// the handlers in state s.
func handlesFunctionalEvents(s State) bool {
	return s == StateActivated
}
