package session

// State is the connection state of one session.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateLinking       State = "linking"
	StateAuthenticated State = "authenticated"
	StateReady         State = "ready"
	StateDisconnected  State = "disconnected"
	StateError         State = "error"
)

// Terminal states absorb every later event.
func (s State) Terminal() bool { return s == StateDisconnected || s == StateError }

type EventKind string

const (
	EventInitStarted   EventKind = "init_started"
	EventLinkChallenge EventKind = "link_challenge"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventDisconnected  EventKind = "disconnected"
	EventAuthFailed    EventKind = "auth_failed"
	EventInitFailed    EventKind = "init_failed"
)

// Event is a lifecycle signal. Data carries the link challenge payload or a
// disconnect/failure reason.
type Event struct {
	Kind EventKind
	Data string
}

func LinkChallenge(data string) Event  { return Event{Kind: EventLinkChallenge, Data: data} }
func Authenticated() Event             { return Event{Kind: EventAuthenticated} }
func Ready() Event                     { return Event{Kind: EventReady} }
func Disconnected(reason string) Event { return Event{Kind: EventDisconnected, Data: reason} }
func AuthFailed(reason string) Event   { return Event{Kind: EventAuthFailed, Data: reason} }

// Transition returns the state reached from s on event k. It is pure.
//
//	uninitialized -> linking -> authenticated -> ready
//	any non-terminal -> disconnected | error
func Transition(s State, k EventKind) State {
	if s.Terminal() {
		return s
	}
	switch k {
	case EventInitStarted:
		if s == StateUninitialized {
			return StateLinking
		}
	case EventLinkChallenge:
		if s == StateUninitialized {
			return StateLinking
		}
	case EventAuthenticated:
		if s == StateUninitialized || s == StateLinking {
			return StateAuthenticated
		}
	case EventReady:
		return StateReady
	case EventDisconnected:
		return StateDisconnected
	case EventAuthFailed, EventInitFailed:
		return StateError
	}
	return s
}
