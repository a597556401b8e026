package engine

import (
	"errors"
	"fmt"
	"strings"

	"innoflow/internal/domain"
	"innoflow/internal/store"
)

// PermissionError indicates the acting role may not perform the step or gate.
type PermissionError struct {
	Action   string
	Required domain.RoleID
	Actual   domain.RoleID
}

func (e PermissionError) Error() string {
	actual := string(e.Actual)
	if actual == "" {
		actual = "none"
	}
	return fmt.Sprintf("role %s required to %s (actor role: %s)", e.Required, e.Action, actual)
}

// InvalidStepError indicates an operation against a state that cannot accept it.
type InvalidStepError struct {
	Ref    domain.Ref
	Step   int
	Reason string
}

func (e InvalidStepError) Error() string {
	if e.Step > 0 {
		return fmt.Sprintf("%s step %d: %s", e.Ref, e.Step, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Ref, e.Reason)
}

// AlreadyCompletedError is returned when re-applying a transition that already happened.
type AlreadyCompletedError struct {
	Ref  domain.Ref
	What string
}

func (e AlreadyCompletedError) Error() string {
	return fmt.Sprintf("%s: %s already completed", e.Ref, e.What)
}

// ValidationError lists missing or invalid inputs.
type ValidationError struct {
	Fields  []string
	Message string
}

func (e ValidationError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "validation failed"
	}
	if len(e.Fields) == 0 {
		return msg
	}
	return fmt.Sprintf("%s: %s", msg, strings.Join(e.Fields, ", "))
}

// GateError is a numeric or state precondition that was not met.
type GateError struct {
	Gate      string
	Threshold string
	Actual    string
	Message   string
}

func (e GateError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s gate not met: requires %s, current %s", e.Gate, e.Threshold, e.Actual)
}

// ErrorCode classifies err for API envelopes and metrics.
func ErrorCode(err error) string {
	var perm PermissionError
	var step InvalidStepError
	var done AlreadyCompletedError
	var val ValidationError
	var gate GateError
	var stale *store.StaleVersionError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &perm):
		return "forbidden"
	case errors.As(err, &step):
		return "invalid_step"
	case errors.As(err, &done):
		return "already_completed"
	case errors.As(err, &val):
		return "validation_failed"
	case errors.As(err, &gate):
		return "gate_failed"
	case errors.As(err, &stale):
		return "stale_version"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrAlreadyExists):
		return "already_exists"
	}
	return "internal"
}
