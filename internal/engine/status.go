package engine

import (
	"context"
	"database/sql"
	"errors"

	"fellcore/internal/domain"
	"fellcore/internal/engine/auth"
	"fellcore/internal/events"
)

// transitions is the fixed legal-successor table. Back-edges out of
// approved and sent_for_approval are the designated reverts; withdrawn has
// no entries here because reinstatement derives its target from history.
var transitions = map[domain.Status][]domain.Status{
	domain.StatusDraft:     {domain.StatusSubmitted, domain.StatusWithdrawn},
	domain.StatusSubmitted: {domain.StatusReceived, domain.StatusWithdrawn},
	domain.StatusReceived: {
		domain.StatusAdminOfficerReview, domain.StatusReturnedToApplicant, domain.StatusWithdrawn,
	},
	domain.StatusAdminOfficerReview: {
		domain.StatusWoodlandOfficerReview, domain.StatusSentForApproval,
		domain.StatusReturnedToApplicant, domain.StatusWithApplicant, domain.StatusWithdrawn,
	},
	domain.StatusWoodlandOfficerReview: {
		domain.StatusSentForApproval, domain.StatusAdminOfficerReview,
		domain.StatusReturnedToApplicant, domain.StatusWithApplicant, domain.StatusWithdrawn,
	},
	domain.StatusSentForApproval: {
		domain.StatusApproved, domain.StatusRefused, domain.StatusReferredToLocalAuthority,
		domain.StatusWoodlandOfficerReview, domain.StatusAdminOfficerReview, domain.StatusWithdrawn,
	},
	domain.StatusApproved: {
		domain.StatusWoodlandOfficerReview, domain.StatusAdminOfficerReview, domain.StatusApprovedInError,
	},
	domain.StatusReturnedToApplicant: {domain.StatusSubmitted, domain.StatusWithdrawn},
	domain.StatusWithApplicant:       {domain.StatusSubmitted, domain.StatusWithdrawn},
}

// CanTransition reports whether the table allows from -> to.
func CanTransition(from, to domain.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transitionTo appends a status entry after validating the edge against the
// table. Prior entries are never touched.
func (e Engine) transitionTo(ctx context.Context, tx *sql.Tx, a domain.Application, newStatus domain.Status, actorID string) error {
	current := a.CurrentStatus()
	if !CanTransition(current, newStatus) {
		return invalidTransition(current, newStatus)
	}
	return e.appendStatus(ctx, tx, a.ID, newStatus, actorID)
}

func (e Engine) appendStatus(ctx context.Context, tx *sql.Tx, applicationID string, status domain.Status, actorID string) error {
	return e.Repo.AppendStatusHistory(ctx, tx, domain.StatusHistoryEntry{
		ApplicationID: applicationID,
		Status:        status,
		CreatedAt:     e.nowString(),
		CreatedBy:     actorID,
	})
}

// SubmitApplication freezes the applicant's proposed felling/restocking
// baseline (first submission only) and moves the application to submitted.
func (e Engine) SubmitApplication(ctx context.Context, applicationID, actorID string, felling []domain.ProposedFellingDetail, restocking []domain.ProposedRestockingDetail) (domain.Application, error) {
	a, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return a, err
	}
	if err := auth.RequireHolder(a, domain.RoleApplicant, actorID); err != nil {
		return a, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()

	if err := e.transitionTo(ctx, tx, a, domain.StatusSubmitted, actorID); err != nil {
		return a, err
	}
	// The baseline is immutable once captured; resubmissions keep it.
	if len(a.ProposedFelling) == 0 && len(a.ProposedRestocking) == 0 {
		now := e.nowString()
		for _, d := range felling {
			d.ID = newDetailID(d.ID)
			d.ApplicationID = a.ID
			d.CreatedAt = now
			if err := e.Repo.InsertProposedFelling(ctx, tx, d); err != nil {
				return a, err
			}
		}
		for _, d := range restocking {
			d.ID = newDetailID(d.ID)
			d.ApplicationID = a.ID
			d.CreatedAt = now
			if err := e.Repo.InsertProposedRestocking(ctx, tx, d); err != nil {
				return a, err
			}
		}
	}
	if err := e.Events.Append(ctx, tx, events.ApplicationSubmitted, a.ID, a.ID, actorID, events.EventPayload{
		"reference": a.Reference,
	}); err != nil {
		return a, err
	}
	if err := e.notify(ctx, tx, "application.submitted", a.ID, []string{actorID}, map[string]any{
		"reference": a.Reference,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return e.Repo.GetApplication(ctx, a.ID)
}

// ReceiveApplication acknowledges a submitted application into the office.
func (e Engine) ReceiveApplication(ctx context.Context, applicationID, actorID string) (domain.Application, error) {
	return e.simpleTransition(ctx, applicationID, actorID, domain.StatusReceived, events.ApplicationReceived)
}

// ReturnToApplicant hands the application back for correction.
func (e Engine) ReturnToApplicant(ctx context.Context, applicationID, actorID string) (domain.Application, error) {
	return e.simpleTransition(ctx, applicationID, actorID, domain.StatusReturnedToApplicant, events.ApplicationReturned)
}

// MarkWithApplicant records that the application is informally back with
// the applicant while a review stage waits on them.
func (e Engine) MarkWithApplicant(ctx context.Context, applicationID, actorID string) (domain.Application, error) {
	return e.simpleTransition(ctx, applicationID, actorID, domain.StatusWithApplicant, events.ApplicationReturned)
}

func (e Engine) simpleTransition(ctx context.Context, applicationID, actorID string, to domain.Status, evtType string) (domain.Application, error) {
	a, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return a, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.transitionTo(ctx, tx, a, to, actorID); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, evtType, a.ID, a.ID, actorID, events.EventPayload{
		"status": string(to),
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return e.Repo.GetApplication(ctx, a.ID)
}

// WithdrawApplication withdraws the application from whatever reviewable
// state it is in. Scheduled callers hitting an already-moved application
// fail cleanly on the transition check.
func (e Engine) WithdrawApplication(ctx context.Context, applicationID, actorID, reason string) (domain.Application, error) {
	a, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return a, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.transitionTo(ctx, tx, a, domain.StatusWithdrawn, actorID); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, events.ApplicationWithdrawn, a.ID, a.ID, actorID, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return a, err
	}
	recipients := rolesToRecipients(a, domain.RoleApplicant, domain.RoleAdminOfficer, domain.RoleWoodlandOfficer)
	if err := e.notify(ctx, tx, "application.withdrawn", a.ID, recipients, map[string]any{
		"reference": a.Reference,
		"reason":    reason,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return e.Repo.GetApplication(ctx, a.ID)
}

// RevertApplicationFromWithdrawn reinstates a withdrawn application to the
// status it held before withdrawal, derived from the ledger. The withdrawn
// entry stays in history.
func (e Engine) RevertApplicationFromWithdrawn(ctx context.Context, applicationID, actorID string) (domain.Application, error) {
	a, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return a, err
	}
	if a.CurrentStatus() != domain.StatusWithdrawn {
		return a, invalidStatus(domain.StatusWithdrawn, a.CurrentStatus())
	}
	prior, ok := statusBeforeWithdrawal(a.StatusHistory)
	if !ok {
		return a, errors.New("withdrawn application has no prior status")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.appendStatus(ctx, tx, a.ID, prior, actorID); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, events.ApplicationReinstated, a.ID, a.ID, actorID, events.EventPayload{
		"restored_status": string(prior),
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return e.Repo.GetApplication(ctx, a.ID)
}

// statusBeforeWithdrawal walks the ordered history back past the trailing
// withdrawn entry.
func statusBeforeWithdrawal(history []domain.StatusHistoryEntry) (domain.Status, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Status != domain.StatusWithdrawn {
			return history[i].Status, true
		}
	}
	return "", false
}

func rolesToRecipients(a domain.Application, roles ...domain.Role) []string {
	var recipients []string
	seen := map[string]bool{}
	for _, role := range roles {
		if holder, ok := a.CurrentHolder(role); ok && !seen[holder.UserID] {
			seen[holder.UserID] = true
			recipients = append(recipients, holder.UserID)
		}
	}
	return recipients
}
