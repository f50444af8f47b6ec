package loader

import "fmt"

// State is the lifecycle stage of a Session.
type State int

const (
	// StateIdle means Start has not been called.
	StateIdle State = iota
	// StateAwaitingResponse means the request is in flight without headers.
	StateAwaitingResponse
	// StateActive means headers were accepted and the body is streaming.
	StateActive
	// StateFinished means the transfer completed, was cancelled or stopped.
	StateFinished
	// StateFailed means the transfer or the response verification failed.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateActive:
		return "active"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type event int

const (
	eventStart event = iota
	eventResponse
	eventFinish
	eventFail
	eventCancel
	eventStop
)

func (e event) String() string {
	return [...]string{"start", "response", "finish", "fail", "cancel", "stop"}[e]
}

// transition returns the state reached from s on e, and false if e is not
// valid in s. Invalid events leave the state unchanged.
func transition(s State, e event) (State, bool) {
	switch s {
	case StateIdle:
		switch e {
		case eventStart:
			return StateAwaitingResponse, true
		case eventStop:
			return StateFinished, true
		}
	case StateAwaitingResponse:
		switch e {
		case eventResponse:
			return StateActive, true
		case eventFail:
			return StateFailed, true
		case eventFinish, eventCancel, eventStop:
			return StateFinished, true
		}
	case StateActive:
		switch e {
		case eventFail:
			return StateFailed, true
		case eventFinish, eventCancel, eventStop:
			return StateFinished, true
		}
	case StateFinished:
		if e == eventStop {
			return StateFinished, true
		}
	case StateFailed:
		if e == eventStop {
			return StateFailed, true
		}
	}
	return s, false
}
