package engine

import (
	"context"
	"fmt"

	"fellcore/internal/domain"
	"fellcore/internal/engine/auth"
	"fellcore/internal/events"
)

// woodlandSteps is the fixed ordering used for task lists and gating.
var woodlandSteps = []domain.WoodlandStep{
	domain.StepPublicRegister,
	domain.StepSiteVisit,
	domain.StepPw14Checks,
	domain.StepFellingAndRestocking,
	domain.StepConditions,
	domain.StepConsultation,
	domain.StepLarchApplication,
	domain.StepLarchFlyover,
	domain.StepEIAScreening,
	domain.StepFinalChecks,
}

// WoodlandSteps returns the fixed step ordering used for task lists.
func WoodlandSteps() []domain.WoodlandStep {
	return woodlandSteps
}

// mustComplete are the steps that have to reach completed; the remainder
// (aside from final checks) may also be marked not required.
var mustComplete = map[domain.WoodlandStep]bool{
	domain.StepPublicRegister:       true,
	domain.StepSiteVisit:            true,
	domain.StepPw14Checks:           true,
	domain.StepFellingAndRestocking: true,
	domain.StepConditions:           true,
}

func newWoodlandOfficerReview(applicationID, now, actorID string) domain.WoodlandOfficerReview {
	return domain.WoodlandOfficerReview{
		ApplicationID:        applicationID,
		PublicRegister:       domain.StepNotStarted,
		SiteVisit:            domain.StepNotStarted,
		Pw14Checks:           domain.StepNotStarted,
		FellingAndRestocking: domain.StepNotStarted,
		Conditions:           domain.StepNotStarted,
		Consultation:         domain.StepNotStarted,
		LarchApplication:     domain.StepNotStarted,
		LarchFlyover:         domain.StepNotStarted,
		EIAScreening:         domain.StepNotStarted,
		FinalChecks:          domain.StepNotStarted,
		UpdatedAt:            now,
		UpdatedBy:            actorID,
	}
}

func setWoodlandStep(rev *domain.WoodlandOfficerReview, step domain.WoodlandStep, status domain.StepStatus) error {
	switch step {
	case domain.StepPublicRegister:
		rev.PublicRegister = status
	case domain.StepSiteVisit:
		rev.SiteVisit = status
	case domain.StepPw14Checks:
		rev.Pw14Checks = status
	case domain.StepFellingAndRestocking:
		rev.FellingAndRestocking = status
	case domain.StepConditions:
		rev.Conditions = status
	case domain.StepConsultation:
		rev.Consultation = status
	case domain.StepLarchApplication:
		rev.LarchApplication = status
	case domain.StepLarchFlyover:
		rev.LarchFlyover = status
	case domain.StepEIAScreening:
		rev.EIAScreening = status
	case domain.StepFinalChecks:
		rev.FinalChecks = status
	default:
		return validationFailure(fmt.Sprintf("unknown woodland review step %q", step))
	}
	return nil
}

var validStepStatuses = map[domain.StepStatus]bool{
	domain.StepNotStarted:     true,
	domain.StepInProgress:     true,
	domain.StepCompleted:      true,
	domain.StepNotRequired:    true,
	domain.StepCannotStartYet: true,
}

// IsCompletable reports whether the woodland officer review can be closed:
// the core steps completed, the conditional steps completed or not
// required. Final checks are tracked on the record but do not gate here.
func IsCompletable(rev domain.WoodlandOfficerReview) bool {
	for step, required := range mustComplete {
		if required && rev.Step(step) != domain.StepCompleted {
			return false
		}
	}
	for _, step := range []domain.WoodlandStep{
		domain.StepConsultation, domain.StepLarchApplication,
		domain.StepLarchFlyover, domain.StepEIAScreening,
	} {
		if s := rev.Step(step); s != domain.StepCompleted && s != domain.StepNotRequired {
			return false
		}
	}
	return true
}

// missingWoodlandSteps lists the steps blocking completion, for error detail.
func missingWoodlandSteps(rev domain.WoodlandOfficerReview) []string {
	var missing []string
	for _, step := range woodlandSteps {
		if step == domain.StepFinalChecks {
			continue
		}
		s := rev.Step(step)
		if mustComplete[step] {
			if s != domain.StepCompleted {
				missing = append(missing, string(step))
			}
			continue
		}
		if s != domain.StepCompleted && s != domain.StepNotRequired {
			missing = append(missing, string(step))
		}
	}
	return missing
}

func (e Engine) woodlandReviewForUpdate(a domain.Application, actorID string) (domain.WoodlandOfficerReview, error) {
	if cur := a.CurrentStatus(); cur != domain.StatusWoodlandOfficerReview {
		return domain.WoodlandOfficerReview{}, invalidStatus(domain.StatusWoodlandOfficerReview, cur)
	}
	if err := auth.RequireHolder(a, domain.RoleWoodlandOfficer, actorID); err != nil {
		return domain.WoodlandOfficerReview{}, err
	}
	if a.WoodlandOfficerReview == nil {
		return domain.WoodlandOfficerReview{}, fmt.Errorf("application %s in woodland officer review has no review record", a.ID)
	}
	if a.WoodlandOfficerReview.Complete {
		return domain.WoodlandOfficerReview{}, invalidStatus(domain.StatusWoodlandOfficerReview, a.CurrentStatus())
	}
	return *a.WoodlandOfficerReview, nil
}

// SetWoodlandStepStatus records progress on one woodland officer review step.
func (e Engine) SetWoodlandStepStatus(ctx context.Context, applicationID, actorID string, step domain.WoodlandStep, status domain.StepStatus) (domain.Application, error) {
	if !validStepStatuses[status] {
		return domain.Application{}, validationFailure(fmt.Sprintf("unknown step status %q", status))
	}
	a, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return a, err
	}
	rev, err := e.woodlandReviewForUpdate(a, actorID)
	if err != nil {
		return a, err
	}
	if err := setWoodlandStep(&rev, step, status); err != nil {
		return a, err
	}
	rev.UpdatedAt = e.nowString()
	rev.UpdatedBy = actorID

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateWoodlandOfficerReview(ctx, tx, rev); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, events.WoodlandStepUpdated, a.ID, a.ID, actorID, events.EventPayload{
		"step":   string(step),
		"status": string(status),
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return e.Repo.GetApplication(ctx, a.ID)
}

// SetWoodlandRecommendations records the recommended licence duration and
// the decision-public-register recommendation on the review.
func (e Engine) SetWoodlandRecommendations(ctx context.Context, applicationID, actorID string, durationYears *int, publicRegister *bool) (domain.Application, error) {
	a, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return a, err
	}
	rev, err := e.woodlandReviewForUpdate(a, actorID)
	if err != nil {
		return a, err
	}
	if durationYears != nil {
		min := e.Config.Review.MinLicenceDurationYrs
		max := e.Config.Review.MaxLicenceDurationYrs
		if *durationYears < min || *durationYears > max {
			return a, validationFailure(fmt.Sprintf("licence duration %d outside %d-%d years", *durationYears, min, max))
		}
		rev.RecommendedLicenceDuration = durationYears
	}
	if publicRegister != nil {
		rev.RecommendToDecisionPublicRegister = publicRegister
	}
	rev.UpdatedAt = e.nowString()
	rev.UpdatedBy = actorID

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateWoodlandOfficerReview(ctx, tx, rev); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, events.WoodlandStepUpdated, a.ID, a.ID, actorID, events.EventPayload{
		"recommendations": true,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return e.Repo.GetApplication(ctx, a.ID)
}

// CompleteWoodlandOfficerReview closes the woodland stage and sends the
// application to the assigned field manager for approval. Returns the
// field manager's user id.
func (e Engine) CompleteWoodlandOfficerReview(ctx context.Context, applicationID, actorID string) (string, error) {
	a, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return "", err
	}
	rev, err := e.woodlandReviewForUpdate(a, actorID)
	if err != nil {
		return "", err
	}
	if !IsCompletable(rev) {
		return "", tasksIncomplete(missingWoodlandSteps(rev))
	}
	fieldManager, err := auth.HolderID(a, domain.RoleFieldManager)
	if err != nil {
		return "", err
	}
	rev.Complete = true
	rev.UpdatedAt = e.nowString()
	rev.UpdatedBy = actorID

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateWoodlandOfficerReview(ctx, tx, rev); err != nil {
		return "", err
	}
	if err := e.transitionTo(ctx, tx, a, domain.StatusSentForApproval, actorID); err != nil {
		return "", err
	}
	if err := e.Events.Append(ctx, tx, events.WoodlandReviewCompleted, a.ID, a.ID, actorID, events.EventPayload{
		"receiving_officer": fieldManager,
	}); err != nil {
		return "", err
	}
	if err := e.notify(ctx, tx, "review.woodland.completed", a.ID, []string{fieldManager}, map[string]any{
		"reference": a.Reference,
	}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return fieldManager, nil
}
