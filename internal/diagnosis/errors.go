package diagnosis

import (
	"errors"
	"fmt"
)

// ErrExecutionNotFound is returned by repositories for unknown execution ids.
var ErrExecutionNotFound = errors.New("execution not found")

// ErrDeadLetterNotFound is returned by repositories for unknown entry ids.
var ErrDeadLetterNotFound = errors.New("dead letter entry not found")

// InvalidMatrixError rejects a matrix spec at submission. Executions that
// fail validation never enter the state machine.
type InvalidMatrixError struct {
	Reason string
}

func (e *InvalidMatrixError) Error() string {
	return fmt.Sprintf("invalid matrix: %s", e.Reason)
}

// InvalidTransitionError reports a transition outside the whitelist. The
// state is left unchanged; callers racing toward a terminal state treat it as
// "someone else got there first".
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}
