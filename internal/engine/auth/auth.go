package auth

import (
	"fmt"

	"fellcore/internal/domain"
)

// NotAssignedError indicates the actor does not currently hold the role the
// operation requires.
type NotAssignedError struct {
	Role    domain.Role
	ActorID string
}

func (e NotAssignedError) Error() string {
	return fmt.Sprintf("actor %s is not the assigned %s", e.ActorID, e.Role)
}

// AssigneeMissingError indicates a role the workflow needs next has no
// current holder.
type AssigneeMissingError struct {
	Role domain.Role
}

func (e AssigneeMissingError) Error() string {
	return fmt.Sprintf("no %s currently assigned", e.Role)
}

// RequireHolder checks the actor against the current holder of a role,
// using the assignee history as it stands at the moment of the call.
func RequireHolder(a domain.Application, role domain.Role, actorID string) error {
	holder, ok := a.CurrentHolder(role)
	if !ok || holder.UserID != actorID {
		return NotAssignedError{Role: role, ActorID: actorID}
	}
	return nil
}

// HolderID returns the current holder's user id or an AssigneeMissingError.
func HolderID(a domain.Application, role domain.Role) (string, error) {
	holder, ok := a.CurrentHolder(role)
	if !ok {
		return "", AssigneeMissingError{Role: role}
	}
	return holder.UserID, nil
}
