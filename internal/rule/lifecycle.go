package rule

import (
	"fmt"

	"github.com/felixgeelhaar/statekit"
)

// Lifecycle states.
const (
	StateStopped  = "stopped"
	StateRunning  = "running"
	StateStopping = "stopping"
)

const (
	eventStart   = "start"
	eventStop    = "stop"
	eventStopped = "stopped"
)

type lifecycleContext struct {
	Rule string
}

// lifecycle is the stopped -> running -> stopping -> stopped machine.
type lifecycle struct {
	interpreter *statekit.Interpreter[lifecycleContext]
}

func newLifecycle(name string) (*lifecycle, error) {
	builder := statekit.NewMachine[lifecycleContext]("rule-lifecycle").
		WithInitial(statekit.StateID(StateStopped)).
		WithContext(lifecycleContext{Rule: name})

	builder.State(StateStopped).
		On(eventStart).Target(StateRunning).
		Done()

	builder.State(StateRunning).
		On(eventStop).Target(StateStopping).
		Done()

	builder.State(StateStopping).
		On(eventStopped).Target(StateStopped).
		Done()

	machine, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build lifecycle: %w", err)
	}

	interpreter := statekit.NewInterpreter(machine)
	interpreter.Start()
	return &lifecycle{interpreter: interpreter}, nil
}

// send fires event and reports whether the state changed.
func (l *lifecycle) send(event string) bool {
	before := l.current()
	l.interpreter.Send(statekit.Event{Type: statekit.EventType(event)})
	return l.current() != before
}

func (l *lifecycle) current() string {
	return string(l.interpreter.State().Value)
}
