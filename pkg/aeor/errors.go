package aeor

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why an orchestration did not commit.
type ErrorKind string

const (
	KindNone      ErrorKind = ""
	KindInput     ErrorKind = "input"
	KindLockState ErrorKind = "lock_state"
	KindExecution ErrorKind = "execution"
	KindPolicy    ErrorKind = "policy"
	KindIntegrity ErrorKind = "integrity"
)

// Sentinel errors matched by OrchestrationError.Is, one per ErrorKind.
var (
	ErrInvalidInput = errors.New("aeor: invalid input")
	ErrLockState    = errors.New("aeor: commitment registrar rejected the operation")
	ErrExecution    = errors.New("aeor: isolated execution failed")
	ErrPolicy       = errors.New("aeor: policy mandated rollback")
	ErrIntegrity    = errors.New("aeor: integrity violation")
)

var kindSentinels = map[ErrorKind]error{
	KindInput:     ErrInvalidInput,
	KindLockState: ErrLockState,
	KindExecution: ErrExecution,
	KindPolicy:    ErrPolicy,
	KindIntegrity: ErrIntegrity,
}

// OrchestrationError is the error form of a non-committed result.
type OrchestrationError struct {
	Status Status
	Kind   ErrorKind
	Stage  Stage
	Reason string
}

func (e *OrchestrationError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("aeor: %s at %s (%s): %s", e.Status, e.Stage, e.Kind, e.Reason)
	}
	return fmt.Sprintf("aeor: %s (%s): %s", e.Status, e.Kind, e.Reason)
}

// Is matches the sentinel error of the error's kind.
func (e *OrchestrationError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// panicError wraps a recovered collaborator panic.
type panicError struct {
	op    string
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.op, e.value)
}
