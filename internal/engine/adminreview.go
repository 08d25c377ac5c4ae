package engine

import (
	"context"
	"fmt"

	"fellcore/internal/domain"
	"fellcore/internal/engine/auth"
	"fellcore/internal/events"
)

// adminChecks is the fixed ordering used for task lists and gating.
var adminChecks = []domain.AdminCheck{
	domain.CheckAgentAuthority,
	domain.CheckMapping,
	domain.CheckConstraints,
	domain.CheckTreeHealth,
	domain.CheckLarch,
	domain.CheckCBW,
	domain.CheckEIA,
}

// AdminCheckApplies reports whether a check applies given the application
// flags. Agent authority only matters for agency-linked applications and
// the tree health check only for flagged ones.
func AdminCheckApplies(a domain.Application, check domain.AdminCheck) bool {
	switch check {
	case domain.CheckAgentAuthority:
		return a.AgencyLinked
	case domain.CheckTreeHealth:
		return a.TreeHealthIssue
	default:
		return true
	}
}

func adminCheckValue(rev domain.AdminOfficerReview, check domain.AdminCheck) *bool {
	switch check {
	case domain.CheckAgentAuthority:
		return rev.AgentAuthorityChecked
	case domain.CheckMapping:
		return rev.MappingChecked
	case domain.CheckConstraints:
		return rev.ConstraintsChecked
	case domain.CheckTreeHealth:
		return rev.TreeHealthChecked
	case domain.CheckLarch:
		return rev.LarchChecked
	case domain.CheckCBW:
		return rev.CBWChecked
	case domain.CheckEIA:
		return rev.EIAChecked
	}
	return nil
}

func setAdminCheckValue(rev *domain.AdminOfficerReview, check domain.AdminCheck, passed bool) error {
	v := &passed
	switch check {
	case domain.CheckAgentAuthority:
		rev.AgentAuthorityChecked = v
	case domain.CheckMapping:
		rev.MappingChecked = v
	case domain.CheckConstraints:
		rev.ConstraintsChecked = v
	case domain.CheckTreeHealth:
		rev.TreeHealthChecked = v
	case domain.CheckLarch:
		rev.LarchChecked = v
	case domain.CheckCBW:
		rev.CBWChecked = v
	case domain.CheckEIA:
		rev.EIAChecked = v
	default:
		return validationFailure(fmt.Sprintf("unknown admin check %q", check))
	}
	return nil
}

// AdminCheckStep maps one tri-state check to the shared step status domain.
// Pure; also applied by the API layer to render the task list.
func AdminCheckStep(a domain.Application, rev domain.AdminOfficerReview, check domain.AdminCheck) domain.StepStatus {
	if !AdminCheckApplies(a, check) {
		return domain.StepNotRequired
	}
	if check == domain.CheckConstraints && !constraintsPrereqsPassed(a, rev) {
		if rev.ConstraintsChecked == nil {
			return domain.StepCannotStartYet
		}
	}
	v := adminCheckValue(rev, check)
	switch {
	case v == nil:
		return domain.StepNotStarted
	case *v:
		return domain.StepCompleted
	default:
		return domain.StepInProgress
	}
}

// constraintsPrereqsPassed: mapping must have passed, and for agency-linked
// applications agent authority too.
func constraintsPrereqsPassed(a domain.Application, rev domain.AdminOfficerReview) bool {
	if rev.MappingChecked == nil || !*rev.MappingChecked {
		return false
	}
	if a.AgencyLinked && (rev.AgentAuthorityChecked == nil || !*rev.AgentAuthorityChecked) {
		return false
	}
	return true
}

// AdminTaskList renders every admin check as a step status, in fixed order.
func AdminTaskList(a domain.Application, rev domain.AdminOfficerReview) map[domain.AdminCheck]domain.StepStatus {
	out := make(map[domain.AdminCheck]domain.StepStatus, len(adminChecks))
	for _, c := range adminChecks {
		out[c] = AdminCheckStep(a, rev, c)
	}
	return out
}

// missingAdminSteps lists the applicable checks not yet completed.
func missingAdminSteps(a domain.Application, rev domain.AdminOfficerReview) []string {
	var missing []string
	for _, c := range adminChecks {
		if !AdminCheckApplies(a, c) {
			continue
		}
		if v := adminCheckValue(rev, c); v == nil || !*v {
			missing = append(missing, string(c))
		}
	}
	return missing
}

// StartAdminOfficerReview moves a received application into admin officer
// review and creates the stage record. The actor must already hold the
// admin officer role.
func (e Engine) StartAdminOfficerReview(ctx context.Context, applicationID, actorID string) (domain.Application, error) {
	a, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return a, err
	}
	if err := auth.RequireHolder(a, domain.RoleAdminOfficer, actorID); err != nil {
		return a, err
	}
	if a.AdminOfficerReview != nil {
		return a, invalidStatus(domain.StatusReceived, a.CurrentStatus())
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.transitionTo(ctx, tx, a, domain.StatusAdminOfficerReview, actorID); err != nil {
		return a, err
	}
	if err := e.Repo.InsertAdminOfficerReview(ctx, tx, domain.AdminOfficerReview{
		ApplicationID: a.ID,
		UpdatedAt:     e.nowString(),
		UpdatedBy:     actorID,
	}); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, events.AdminReviewStarted, a.ID, a.ID, actorID, nil); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return e.Repo.GetApplication(ctx, a.ID)
}

// SetAdminCheck records the outcome of one admin review check. Completing
// the constraints check requires its prerequisite checks to have passed.
func (e Engine) SetAdminCheck(ctx context.Context, applicationID, actorID string, check domain.AdminCheck, passed bool) (domain.Application, error) {
	a, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return a, err
	}
	if err := auth.RequireHolder(a, domain.RoleAdminOfficer, actorID); err != nil {
		return a, err
	}
	if cur := a.CurrentStatus(); cur != domain.StatusAdminOfficerReview {
		return a, invalidStatus(domain.StatusAdminOfficerReview, cur)
	}
	if a.AdminOfficerReview == nil {
		return a, fmt.Errorf("application %s in admin officer review has no review record", a.ID)
	}
	if a.AdminOfficerReview.Complete {
		return a, invalidStatus(domain.StatusAdminOfficerReview, a.CurrentStatus())
	}
	if !AdminCheckApplies(a, check) {
		return a, validationFailure(fmt.Sprintf("check %s does not apply to this application", check))
	}
	rev := *a.AdminOfficerReview
	if check == domain.CheckConstraints && passed && !constraintsPrereqsPassed(a, rev) {
		return a, dependencyNotSatisfied("constraints check requires mapping (and agent authority, when agency-linked) to have passed")
	}
	if err := setAdminCheckValue(&rev, check, passed); err != nil {
		return a, err
	}
	rev.UpdatedAt = e.nowString()
	rev.UpdatedBy = actorID

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAdminOfficerReview(ctx, tx, rev); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, events.AdminCheckUpdated, a.ID, a.ID, actorID, events.EventPayload{
		"check":  string(check),
		"passed": passed,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return e.Repo.GetApplication(ctx, a.ID)
}

// CompleteAdminOfficerReview closes the admin stage. With
// skipWoodlandOfficerStage the application goes straight to the assigned
// field manager for approval; otherwise it moves to the assigned woodland
// officer. Returns the receiving officer's user id.
func (e Engine) CompleteAdminOfficerReview(ctx context.Context, applicationID, actorID string, skipWoodlandOfficerStage bool) (string, error) {
	a, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return "", err
	}
	if cur := a.CurrentStatus(); cur != domain.StatusAdminOfficerReview {
		return "", invalidStatus(domain.StatusAdminOfficerReview, cur)
	}
	if err := auth.RequireHolder(a, domain.RoleAdminOfficer, actorID); err != nil {
		return "", err
	}
	if a.AdminOfficerReview == nil {
		return "", fmt.Errorf("application %s in admin officer review has no review record", a.ID)
	}
	if a.AdminOfficerReview.Complete {
		return "", invalidStatus(domain.StatusAdminOfficerReview, a.CurrentStatus())
	}
	if missing := missingAdminSteps(a, *a.AdminOfficerReview); len(missing) > 0 {
		return "", tasksIncomplete(missing)
	}

	nextStatus := domain.StatusWoodlandOfficerReview
	receivingRole := domain.RoleWoodlandOfficer
	if skipWoodlandOfficerStage {
		nextStatus = domain.StatusSentForApproval
		receivingRole = domain.RoleFieldManager
	}
	receivingOfficer, err := auth.HolderID(a, receivingRole)
	if err != nil {
		return "", err
	}

	rev := *a.AdminOfficerReview
	rev.Complete = true
	rev.UpdatedAt = e.nowString()
	rev.UpdatedBy = actorID

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAdminOfficerReview(ctx, tx, rev); err != nil {
		return "", err
	}
	if err := e.transitionTo(ctx, tx, a, nextStatus, actorID); err != nil {
		return "", err
	}
	if nextStatus == domain.StatusWoodlandOfficerReview && a.WoodlandOfficerReview == nil {
		if err := e.Repo.InsertWoodlandOfficerReview(ctx, tx, newWoodlandOfficerReview(a.ID, e.nowString(), actorID)); err != nil {
			return "", err
		}
	}
	if err := e.Events.Append(ctx, tx, events.AdminReviewCompleted, a.ID, a.ID, actorID, events.EventPayload{
		"next_status":       string(nextStatus),
		"receiving_officer": receivingOfficer,
	}); err != nil {
		return "", err
	}
	if err := e.notify(ctx, tx, "review.admin.completed", a.ID, []string{receivingOfficer}, map[string]any{
		"reference":   a.Reference,
		"next_status": string(nextStatus),
	}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return receivingOfficer, nil
}
