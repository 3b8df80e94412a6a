package rule

import (
	"time"

	"github.com/nikiv/ghost/internal/change"
)

// EventType names a rule event.
type EventType string

const (
	EventCreate  EventType = "create"
	EventChange  EventType = "change"
	EventDelete  EventType = "delete"
	EventAll     EventType = "all"
	EventExec    EventType = "exec"
	EventExit    EventType = "exit"
	EventCrash   EventType = "crash"
	EventKill    EventType = "kill"
	EventError   EventType = "error"
	EventRestart EventType = "restart"
)

// EventTypes lists every event type.
var EventTypes = []EventType{
	EventCreate, EventChange, EventDelete, EventAll,
	EventExec, EventExit, EventCrash, EventKill, EventError, EventRestart,
}

// Event is one observable occurrence on a rule.
//
// File events carry Path and Action in separate mode, Paths in combined
// mode. Process events carry PID and Command; exit and crash add ExitCode.
// Error events carry Err.
type Event struct {
	Type EventType

	// Rule is the rule id, Name its display name.
	Rule string
	Name string

	Path     string
	Paths    []string
	Action   change.Action
	PID      int
	ExitCode int
	Command  string
	Err      error
	Time     time.Time
}

// Files returns every path the event refers to.
func (e Event) Files() []string {
	if e.Path != "" {
		return []string{e.Path}
	}
	return e.Paths
}

// Handler receives events on the rule loop and must not block.
type Handler func(Event)

func actionEvent(action change.Action) EventType {
	return EventType(action)
}
