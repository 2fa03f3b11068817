package sequencer

import (
	"errors"
	"fmt"
)

var (
	ErrDeploymentStep = errors.New("deployment step failed")
	ErrMissingInput   = errors.New("step input not resolved")
	ErrInvalidInput   = errors.New("invalid sequencer input")

	// ErrProgressMismatch is returned by Resume when saved progress belongs to another run.
	ErrProgressMismatch = errors.New("saved progress does not match this run")
)

// StepError is a fatal failure in one state. Nothing after State has run.
type StepError struct {
	State State
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrDeploymentStep, e.State, e.Err)
}

func (e *StepError) Unwrap() []error {
	return []error{ErrDeploymentStep, e.Err}
}

func missing(what string) error {
	return fmt.Errorf("%w: %s", ErrMissingInput, what)
}
