package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fellcore/internal/domain"
	"fellcore/internal/engine/auth"
	"fellcore/internal/events"
	"fellcore/internal/repo"
)

var decisionEvents = map[domain.Status]string{
	domain.StatusApproved:                 events.DecisionApproved,
	domain.StatusRefused:                  events.DecisionRefused,
	domain.StatusReferredToLocalAuthority: events.DecisionReferred,
}

// Decide records the field manager's decision on an application sent for
// approval: approved, refused or referred to the local authority. When the
// woodland officer stage ran, its review must be complete.
func (e Engine) Decide(ctx context.Context, applicationID, actorID string, decision domain.Status, remarks string) (domain.Application, error) {
	evtType, ok := decisionEvents[decision]
	if !ok {
		return domain.Application{}, validationFailure(fmt.Sprintf("%s is not a decision outcome", decision))
	}
	a, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return a, err
	}
	if cur := a.CurrentStatus(); cur != domain.StatusSentForApproval {
		return a, invalidStatus(domain.StatusSentForApproval, cur)
	}
	if err := auth.RequireHolder(a, domain.RoleFieldManager, actorID); err != nil {
		return a, err
	}
	if a.WoodlandOfficerReview != nil && !a.WoodlandOfficerReview.Complete {
		return a, tasksIncomplete(missingWoodlandSteps(*a.WoodlandOfficerReview))
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertApproverReview(ctx, tx, domain.ApproverReview{
		ApplicationID: a.ID,
		Decision:      decision,
		Remarks:       remarks,
		DecidedAt:     e.nowString(),
		DecidedBy:     actorID,
	}); err != nil {
		return a, err
	}
	if err := e.transitionTo(ctx, tx, a, decision, actorID); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, evtType, a.ID, a.ID, actorID, events.EventPayload{
		"remarks": remarks,
	}); err != nil {
		return a, err
	}
	recipients := rolesToRecipients(a, domain.RoleApplicant, domain.RoleAdminOfficer, domain.RoleWoodlandOfficer)
	if err := e.notify(ctx, tx, "decision.issued", a.ID, recipients, map[string]any{
		"reference": a.Reference,
		"decision":  string(decision),
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return e.Repo.GetApplication(ctx, a.ID)
}

// RevertToWoodlandOfficerReview moves an approved or sent-for-approval
// application back to the woodland officer stage. The woodland review's
// complete flag is cleared so the stage must be redone; forward history
// stays intact.
func (e Engine) RevertToWoodlandOfficerReview(ctx context.Context, applicationID, actorID string) (domain.Application, error) {
	return e.revert(ctx, applicationID, actorID, domain.StatusWoodlandOfficerReview)
}

// RevertToAdminOfficerReview moves an approved or sent-for-approval
// application back to the admin officer stage. Both downstream stage
// complete flags are cleared.
func (e Engine) RevertToAdminOfficerReview(ctx context.Context, applicationID, actorID string) (domain.Application, error) {
	return e.revert(ctx, applicationID, actorID, domain.StatusAdminOfficerReview)
}

func (e Engine) revert(ctx context.Context, applicationID, actorID string, target domain.Status) (domain.Application, error) {
	a, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return a, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.transitionTo(ctx, tx, a, target, actorID); err != nil {
		return a, err
	}
	now := e.nowString()
	if a.WoodlandOfficerReview != nil && a.WoodlandOfficerReview.Complete {
		rev := *a.WoodlandOfficerReview
		rev.Complete = false
		rev.UpdatedAt = now
		rev.UpdatedBy = actorID
		if err := e.Repo.UpdateWoodlandOfficerReview(ctx, tx, rev); err != nil {
			return a, err
		}
	}
	if target == domain.StatusAdminOfficerReview && a.AdminOfficerReview != nil && a.AdminOfficerReview.Complete {
		rev := *a.AdminOfficerReview
		rev.Complete = false
		rev.UpdatedAt = now
		rev.UpdatedBy = actorID
		if err := e.Repo.UpdateAdminOfficerReview(ctx, tx, rev); err != nil {
			return a, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.DecisionReverted, a.ID, a.ID, actorID, events.EventPayload{
		"from": string(a.CurrentStatus()),
		"to":   string(target),
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return e.Repo.GetApplication(ctx, a.ID)
}

// MarkApprovedInError corrects an approval issued by mistake. The
// application moves to approved_in_error and is given a freshly allocated
// reference from the current year so it can be reprocessed; only
// uniqueness of the new reference is guaranteed.
func (e Engine) MarkApprovedInError(ctx context.Context, applicationID, actorID, reason string) (domain.Application, error) {
	a, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return a, err
	}
	if cur := a.CurrentStatus(); cur != domain.StatusApproved {
		return a, invalidStatus(domain.StatusApproved, cur)
	}
	parsed, err := ParseReference(a.Reference)
	if err != nil {
		return a, err
	}
	year := e.now().UTC().Year()
	attempts := e.Config.Review.ReferenceRetryAttempts
	var lastErr error
	for offset := 0; offset < attempts; offset++ {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return a, err
		}
		counter, err := e.Repo.NextReferenceCounter(ctx, tx, year)
		if err != nil {
			tx.Rollback()
			return a, err
		}
		newRef := FormatReference(parsed.Prefix, counter+offset, year, parsed.Postfix)
		err = e.markApprovedInErrorTx(ctx, tx, a, actorID, reason, newRef)
		if err == nil {
			if err := tx.Commit(); err != nil {
				return a, err
			}
			return e.Repo.GetApplication(ctx, a.ID)
		}
		tx.Rollback()
		if !errors.Is(err, repo.ErrNotUnique) {
			return a, err
		}
		lastErr = err
	}
	return a, RuleError{
		Reason:  ReasonNotUnique,
		Message: fmt.Sprintf("could not allocate unique reference after %d attempts", attempts),
		Details: map[string]any{"cause": lastErr.Error()},
	}
}

func (e Engine) markApprovedInErrorTx(ctx context.Context, tx *sql.Tx, a domain.Application, actorID, reason, newRef string) error {
	if err := e.Repo.UpdateApplicationReference(ctx, tx, a.ID, newRef); err != nil {
		return err
	}
	if err := e.appendStatus(ctx, tx, a.ID, domain.StatusApprovedInError, actorID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.DecisionApprovedInError, a.ID, a.ID, actorID, events.EventPayload{
		"reason":             reason,
		"previous_reference": a.Reference,
		"current_reference":  newRef,
	}); err != nil {
		return err
	}
	recipients := rolesToRecipients(a, domain.RoleApplicant, domain.RoleAdminOfficer, domain.RoleWoodlandOfficer, domain.RoleFieldManager)
	return e.notify(ctx, tx, "decision.issued", a.ID, recipients, map[string]any{
		"decision":           string(domain.StatusApprovedInError),
		"previous_reference": a.Reference,
		"current_reference":  newRef,
		"reason":             reason,
	})
}
