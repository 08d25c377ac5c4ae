package engine

import (
	"errors"
	"fmt"

	"fellcore/internal/domain"
)

// Reason classifies an expected business-rule failure. Unexpected internal
// faults are plain wrapped errors, not RuleErrors.
type Reason string

const (
	ReasonInvalidStateTransition Reason = "invalid_state_transition"
	ReasonInvalidStatus          Reason = "invalid_status"
	ReasonTasksIncomplete        Reason = "tasks_incomplete"
	ReasonDependencyNotSatisfied Reason = "dependency_not_satisfied"
	ReasonNotUnique              Reason = "not_unique"
	ReasonValidationFailure      Reason = "validation_failure"
)

// RuleError is an expected business outcome carrying a machine-readable
// reason and context. Not-found surfaces as repo.ErrNotFound; actor and
// assignee failures surface as the auth package's typed errors.
type RuleError struct {
	Reason  Reason
	Message string
	Details map[string]any
}

func (e RuleError) Error() string {
	return e.Message
}

// Is lets errors.Is match a RuleError by reason.
func (e RuleError) Is(target error) bool {
	var re RuleError
	if errors.As(target, &re) {
		return re.Reason == e.Reason
	}
	return false
}

// IsReason reports whether err is a RuleError with the given reason.
func IsReason(err error, r Reason) bool {
	var re RuleError
	return errors.As(err, &re) && re.Reason == r
}

func invalidTransition(from, to domain.Status) error {
	return RuleError{
		Reason:  ReasonInvalidStateTransition,
		Message: fmt.Sprintf("transition %s -> %s not allowed", from, to),
		Details: map[string]any{"from": string(from), "to": string(to)},
	}
}

func invalidStatus(want, got domain.Status) error {
	return RuleError{
		Reason:  ReasonInvalidStatus,
		Message: fmt.Sprintf("application is %s, expected %s", got, want),
		Details: map[string]any{"expected": string(want), "actual": string(got)},
	}
}

func tasksIncomplete(missing []string) error {
	return RuleError{
		Reason:  ReasonTasksIncomplete,
		Message: fmt.Sprintf("review tasks incomplete: %v", missing),
		Details: map[string]any{"missing": missing},
	}
}

func dependencyNotSatisfied(msg string) error {
	return RuleError{Reason: ReasonDependencyNotSatisfied, Message: msg}
}

func validationFailure(msg string) error {
	return RuleError{Reason: ReasonValidationFailure, Message: msg}
}
