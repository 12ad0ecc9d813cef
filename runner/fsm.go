package runner

import (
	"fmt"

	"github.com/felixgeelhaar/statekit"
)

// Session events.
const (
	eventStart    = "start"
	eventPause    = "pause"
	eventResume   = "resume"
	eventStop     = "stop"
	eventComplete = "complete"
	eventFail     = "fail"
	eventTimeout  = "timeout"
	eventStall    = "stall"
	eventRestart  = "restart"
)

type fsmContext struct {
	SessionID string
}

// sessionFSM guards the session lifecycle:
//
//	idle -> running <-> paused
//	running -> completed | error | timeout | stalled
//	paused -> timeout
//	stalled -> running
//	any state but completed and stopped -> stopped
//
// It is not safe for concurrent use; callers hold the session lock.
type sessionFSM struct {
	interp *statekit.Interpreter[fsmContext]
}

func newSessionFSM(sessionID string, initial Status) (*sessionFSM, error) {
	b := statekit.NewMachine[fsmContext]("session").
		WithInitial(statekit.StateID(initial)).
		WithContext(fsmContext{SessionID: sessionID})

	b.State(sid(StatusIdle)).
		On(eventStart).Target(sid(StatusRunning)).
		On(eventStop).Target(sid(StatusStopped)).
		Done()

	b.State(sid(StatusRunning)).
		On(eventPause).Target(sid(StatusPaused)).
		On(eventComplete).Target(sid(StatusCompleted)).
		On(eventFail).Target(sid(StatusError)).
		On(eventTimeout).Target(sid(StatusTimeout)).
		On(eventStall).Target(sid(StatusStalled)).
		On(eventStop).Target(sid(StatusStopped)).
		Done()

	b.State(sid(StatusPaused)).
		On(eventResume).Target(sid(StatusRunning)).
		On(eventTimeout).Target(sid(StatusTimeout)).
		On(eventStop).Target(sid(StatusStopped)).
		Done()

	b.State(sid(StatusStalled)).
		On(eventRestart).Target(sid(StatusRunning)).
		On(eventStop).Target(sid(StatusStopped)).
		Done()

	b.State(sid(StatusTimeout)).
		On(eventStop).Target(sid(StatusStopped)).
		Done()

	b.State(sid(StatusError)).
		On(eventStop).Target(sid(StatusStopped)).
		Done()

	// Terminal states only loop back to themselves, which Fire reports as
	// an invalid transition.
	b.State(sid(StatusCompleted)).
		On(eventComplete).Target(sid(StatusCompleted)).
		Done()

	b.State(sid(StatusStopped)).
		On(eventStop).Target(sid(StatusStopped)).
		Done()

	machine, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("build session state machine: %w", err)
	}
	interp := statekit.NewInterpreter(machine)
	interp.Start()
	return &sessionFSM{interp: interp}, nil
}

func (f *sessionFSM) Current() Status {
	return Status(f.interp.State().Value)
}

// Fire sends event and reports ErrInvalidTransition when the state did not
// change.
func (f *sessionFSM) Fire(event string) error {
	before := f.Current()
	f.interp.Send(statekit.Event{Type: statekit.EventType(event)})
	if f.Current() == before {
		return fmt.Errorf("%w: cannot %s a %s session", ErrInvalidTransition, event, before)
	}
	return nil
}

func sid(s Status) statekit.StateID { return statekit.StateID(s) }
