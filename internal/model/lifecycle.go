package model

import (
	"fmt"

	"github.com/felixgeelhaar/statekit"
)

// ExecutionState is the stored lifecycle state of an execution context
type ExecutionState string

// Lifecycle state values. The untyped constants feed statekit.StateID and
// must stay equal to the typed ExecutionState values below.
const (
	stateIDPending  = "pending"
	stateIDLaunched = "launched"
	stateIDConsumed = "consumed"

	StatePending  ExecutionState = stateIDPending
	StateLaunched ExecutionState = stateIDLaunched
	StateConsumed ExecutionState = stateIDConsumed
)

// Lifecycle events
const (
	EventLaunch  = "launch"
	EventConsume = "consume"
)

type lifecycleContext struct {
	ExecutionID string
}

// NextState applies event to current and returns the resulting state.
// Pending may launch or be consumed; launched may only be consumed;
// consumed is final.
func NextState(executionID string, current ExecutionState, event string) (ExecutionState, error) {
	if current == "" {
		current = StatePending
	}

	builder := statekit.NewMachine[lifecycleContext]("execution-lifecycle").
		WithInitial(statekit.StateID(current)).
		WithContext(lifecycleContext{ExecutionID: executionID})

	builder.State(stateIDPending).
		On(EventLaunch).Target(stateIDLaunched).
		On(EventConsume).Target(stateIDConsumed).
		Done()

	builder.State(stateIDLaunched).
		On(EventConsume).Target(stateIDConsumed).
		Done()

	builder.State(stateIDConsumed).
		Done()

	machine, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("failed to build lifecycle machine: %w", err)
	}

	interpreter := statekit.NewInterpreter(machine)
	interpreter.Start()
	interpreter.Send(statekit.Event{Type: statekit.EventType(event)})

	next := ExecutionState(interpreter.State().Value)
	if next == current {
		return current, fmt.Errorf("execution %s: event %q is not allowed in state %q", executionID, event, current)
	}
	return next, nil
}
