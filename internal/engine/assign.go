package engine

import (
	"context"
	"errors"

	"fellcore/internal/domain"
	"fellcore/internal/events"
	"fellcore/internal/repo"
)

// AssignUser makes userID the current holder of a role on an application,
// closing any previous holder's interval. Returns the previous holder's id
// ("" when the role was vacant).
func (e Engine) AssignUser(ctx context.Context, applicationID string, role domain.Role, userID, actorID string) (string, error) {
	if userID == "" {
		return "", validationFailure("user id is required")
	}
	a, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return "", err
	}
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	previous, err := e.Repo.CloseAssignee(ctx, tx, a.ID, role, now)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	if previous == userID {
		// reassigning the same person is a no-op
		return previous, nil
	}
	if err := e.Repo.AppendAssigneeHistory(ctx, tx, domain.AssigneeHistoryEntry{
		ApplicationID: a.ID,
		Role:          role,
		UserID:        userID,
		AssignedAt:    now,
	}); err != nil {
		return "", err
	}
	if err := e.Events.Append(ctx, tx, events.ApplicationAssigned, a.ID, a.ID, actorID, events.EventPayload{
		"role":     string(role),
		"user_id":  userID,
		"previous": previous,
	}); err != nil {
		return "", err
	}
	if err := e.notify(ctx, tx, "application.assigned", a.ID, []string{userID}, map[string]any{
		"reference": a.Reference,
		"role":      string(role),
	}); err != nil {
		return "", err
	}
	if previous != "" {
		if err := e.notify(ctx, tx, "application.reassigned", a.ID, []string{previous}, map[string]any{
			"reference": a.Reference,
			"role":      string(role),
			"user_id":   userID,
		}); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return previous, nil
}
