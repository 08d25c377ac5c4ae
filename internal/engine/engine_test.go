package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"fellcore/internal/app"
	"fellcore/internal/config"
	"fellcore/internal/db"
	"fellcore/internal/domain"
	"fellcore/internal/engine"
	"fellcore/internal/engine/auth"
	"fellcore/internal/migrate"
	"fellcore/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

// newStaffedApplication creates a draft with all four roles assigned:
// applicant-1, ao-1, wo-1, fm-1.
func newStaffedApplication(t *testing.T, env testEnv) domain.Application {
	t.Helper()
	a, err := env.Engine.CreateApplication(env.Ctx, engine.CreateApplicationOptions{
		PropertyName: "Oak Bank Wood",
		ActorID:      "applicant-1",
	})
	if err != nil {
		t.Fatalf("create application: %v", err)
	}
	for role, user := range map[domain.Role]string{
		domain.RoleAdminOfficer:    "ao-1",
		domain.RoleWoodlandOfficer: "wo-1",
		domain.RoleFieldManager:    "fm-1",
	} {
		if _, err := env.Engine.AssignUser(env.Ctx, a.ID, role, user, "manager-1"); err != nil {
			t.Fatalf("assign %s: %v", role, err)
		}
	}
	a, err = env.Engine.Repo.GetApplication(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	return a
}

func submitAndReceive(t *testing.T, env testEnv, id string) {
	t.Helper()
	trees := 40
	felling := []domain.ProposedFellingDetail{{
		CompartmentID: "cpt-1",
		FellingSpec: domain.FellingSpec{
			OperationType:     "clear_fell",
			AreaHa:            1.5,
			NumberOfTrees:     &trees,
			Species:           "oak",
			EstimatedVolumeM3: 120,
		},
	}}
	restocking := []domain.ProposedRestockingDetail{{
		CompartmentID: "cpt-1",
		RestockingSpec: domain.RestockingSpec{
			Proposal:           "replant",
			AreaHa:             1.5,
			SpeciesComposition: "oak 60, birch 40",
		},
	}}
	if _, err := env.Engine.SubmitApplication(env.Ctx, id, "applicant-1", felling, restocking); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.ReceiveApplication(env.Ctx, id, "ao-1"); err != nil {
		t.Fatalf("receive: %v", err)
	}
}

func startAdminReview(t *testing.T, env testEnv, id string) {
	t.Helper()
	if _, err := env.Engine.StartAdminOfficerReview(env.Ctx, id, "ao-1"); err != nil {
		t.Fatalf("start admin review: %v", err)
	}
}

// passAdminChecks marks every check applicable to a plain application
// (no agency link, no tree health issue), prerequisites first.
func passAdminChecks(t *testing.T, env testEnv, id string) {
	t.Helper()
	for _, check := range []domain.AdminCheck{
		domain.CheckMapping, domain.CheckConstraints,
		domain.CheckLarch, domain.CheckCBW, domain.CheckEIA,
	} {
		if _, err := env.Engine.SetAdminCheck(env.Ctx, id, "ao-1", check, true); err != nil {
			t.Fatalf("set check %s: %v", check, err)
		}
	}
}

func completeWoodlandSteps(t *testing.T, env testEnv, id string) {
	t.Helper()
	for _, step := range []domain.WoodlandStep{
		domain.StepPublicRegister, domain.StepSiteVisit, domain.StepPw14Checks,
		domain.StepFellingAndRestocking, domain.StepConditions,
	} {
		if _, err := env.Engine.SetWoodlandStepStatus(env.Ctx, id, "wo-1", step, domain.StepCompleted); err != nil {
			t.Fatalf("set step %s: %v", step, err)
		}
	}
	for _, step := range []domain.WoodlandStep{
		domain.StepConsultation, domain.StepLarchApplication,
		domain.StepLarchFlyover, domain.StepEIAScreening,
	} {
		if _, err := env.Engine.SetWoodlandStepStatus(env.Ctx, id, "wo-1", step, domain.StepNotRequired); err != nil {
			t.Fatalf("set step %s: %v", step, err)
		}
	}
}

func TestReferenceFormatting(t *testing.T) {
	if got := engine.FormatReference("", 7, 2024, ""); got != "---/007/2024" {
		t.Fatalf("empty prefix: got %q", got)
	}
	if got := engine.FormatReference("ABC", 7, 2024, ""); got != "ABC/007/2024" {
		t.Fatalf("plain: got %q", got)
	}
	if got := engine.FormatReference("ABC", 1234, 2024, "TH"); got != "ABC/1234/2024/TH" {
		t.Fatalf("postfix and wide counter: got %q", got)
	}
	parsed, err := engine.ParseReference("---/007/2024")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Prefix != "" || parsed.Counter != 7 || parsed.Year != 2024 {
		t.Fatalf("parse fields: %+v", parsed)
	}
	if _, err := engine.ParseReference("not-a-reference"); !engine.IsReason(err, engine.ReasonValidationFailure) {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

func TestCreateApplicationAllocatesReference(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.CreateApplication(env.Ctx, engine.CreateApplicationOptions{ActorID: "applicant-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.Reference != "FLA/001/2024" {
		t.Fatalf("first reference: got %q", a.Reference)
	}
	b, err := env.Engine.CreateApplication(env.Ctx, engine.CreateApplicationOptions{ActorID: "applicant-2"})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if b.Reference != "FLA/002/2024" {
		t.Fatalf("second reference: got %q", b.Reference)
	}
	if holder, ok := a.CurrentHolder(domain.RoleApplicant); !ok || holder.UserID != "applicant-1" {
		t.Fatalf("creator not assigned as applicant: %+v", a.AssigneeHistory)
	}
}

func TestCreateApplicationRetriesOnReferenceCollision(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateApplication(env.Ctx, engine.CreateApplicationOptions{ActorID: "applicant-1"}); err != nil {
		t.Fatal(err)
	}
	// occupy the reference the next allocation would pick
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	squatter := domain.Application{
		ID:        "squatter",
		Reference: "FLA/002/2024",
		CreatedAt: "2024-03-01T10:00:00Z",
	}
	if err := env.Engine.Repo.InsertApplication(env.Ctx, tx, squatter); err != nil {
		t.Fatalf("seed conflicting reference: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	a, err := env.Engine.CreateApplication(env.Ctx, engine.CreateApplicationOptions{ActorID: "applicant-2"})
	if err != nil {
		t.Fatalf("expected retry to find a free reference: %v", err)
	}
	if a.Reference == "FLA/002/2024" {
		t.Fatalf("allocated the occupied reference")
	}
}

func TestResolveApplicationByIDOrReference(t *testing.T) {
	env := newTestEnv(t)
	a := newStaffedApplication(t, env)
	byID, err := app.ResolveApplication(env.Ctx, env.Engine.Repo, a.ID)
	if err != nil || byID.ID != a.ID {
		t.Fatalf("resolve by id: %v", err)
	}
	byRef, err := app.ResolveApplication(env.Ctx, env.Engine.Repo, a.Reference)
	if err != nil || byRef.ID != a.ID {
		t.Fatalf("resolve by reference: %v", err)
	}
	_, err = app.ResolveApplication(env.Ctx, env.Engine.Repo, "nope")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateReferencePrefix(t *testing.T) {
	env := newTestEnv(t)
	a := newStaffedApplication(t, env)
	ref, err := env.Engine.UpdateReferenceNumber(env.Ctx, a.ID, "ao-1", "XYZ")
	if err != nil {
		t.Fatalf("update reference: %v", err)
	}
	if ref != "XYZ/001/2024" {
		t.Fatalf("got %q", ref)
	}
	// unchanged prefix is a no-op
	ref2, err := env.Engine.UpdateReferenceNumber(env.Ctx, a.ID, "ao-1", "XYZ")
	if err != nil || ref2 != ref {
		t.Fatalf("no-op update: %q %v", ref2, err)
	}
}

func TestStatusTransitionTable(t *testing.T) {
	env := newTestEnv(t)
	a := newStaffedApplication(t, env)
	// receive before submit violates the table
	_, err := env.Engine.ReceiveApplication(env.Ctx, a.ID, "ao-1")
	if !engine.IsReason(err, engine.ReasonInvalidStateTransition) {
		t.Fatalf("expected transition error, got %v", err)
	}
	submitAndReceive(t, env, a.ID)
	a, _ = env.Engine.Repo.GetApplication(env.Ctx, a.ID)
	if got := a.CurrentStatus(); got != domain.StatusReceived {
		t.Fatalf("status after receive: %s", got)
	}
	// a decision out of sent_for_approval only
	_, err = env.Engine.Decide(env.Ctx, a.ID, "fm-1", domain.StatusApproved, "")
	if !engine.IsReason(err, engine.ReasonInvalidStatus) {
		t.Fatalf("expected invalid status, got %v", err)
	}
}

func TestSubmitRequiresApplicant(t *testing.T) {
	env := newTestEnv(t)
	a := newStaffedApplication(t, env)
	_, err := env.Engine.SubmitApplication(env.Ctx, a.ID, "stranger", nil, nil)
	var notAssigned auth.NotAssignedError
	if !errors.As(err, &notAssigned) || notAssigned.Role != domain.RoleApplicant {
		t.Fatalf("expected not-assigned error, got %v", err)
	}
}

func TestSubmitFreezesBaseline(t *testing.T) {
	env := newTestEnv(t)
	a := newStaffedApplication(t, env)
	submitAndReceive(t, env, a.ID)
	if _, err := env.Engine.ReturnToApplicant(env.Ctx, a.ID, "ao-1"); err != nil {
		t.Fatalf("return: %v", err)
	}
	// resubmission with different details must not touch the baseline
	replacement := []domain.ProposedFellingDetail{
		{CompartmentID: "cpt-2", FellingSpec: domain.FellingSpec{OperationType: "thinning", AreaHa: 9}},
		{CompartmentID: "cpt-3", FellingSpec: domain.FellingSpec{OperationType: "coppice", AreaHa: 2}},
	}
	if _, err := env.Engine.SubmitApplication(env.Ctx, a.ID, "applicant-1", replacement, nil); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	a, _ = env.Engine.Repo.GetApplication(env.Ctx, a.ID)
	if len(a.ProposedFelling) != 1 || a.ProposedFelling[0].CompartmentID != "cpt-1" {
		t.Fatalf("baseline changed: %+v", a.ProposedFelling)
	}
}

func TestAdminCheckGating(t *testing.T) {
	env := newTestEnv(t)
	a := newStaffedApplication(t, env)
	submitAndReceive(t, env, a.ID)
	startAdminReview(t, env, a.ID)
	// constraints cannot pass before mapping
	_, err := env.Engine.SetAdminCheck(env.Ctx, a.ID, "ao-1", domain.CheckConstraints, true)
	if !engine.IsReason(err, engine.ReasonDependencyNotSatisfied) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	// tree health does not apply without a tree health issue
	_, err = env.Engine.SetAdminCheck(env.Ctx, a.ID, "ao-1", domain.CheckTreeHealth, true)
	if !engine.IsReason(err, engine.ReasonValidationFailure) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if _, err := env.Engine.SetAdminCheck(env.Ctx, a.ID, "ao-1", domain.CheckMapping, true); err != nil {
		t.Fatalf("mapping: %v", err)
	}
	if _, err := env.Engine.SetAdminCheck(env.Ctx, a.ID, "ao-1", domain.CheckConstraints, true); err != nil {
		t.Fatalf("constraints after mapping: %v", err)
	}
}

func TestAdminCheckAgencyPrerequisite(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.CreateApplication(env.Ctx, engine.CreateApplicationOptions{
		ActorID:      "applicant-1",
		AgencyLinked: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AssignUser(env.Ctx, a.ID, domain.RoleAdminOfficer, "ao-1", "manager-1"); err != nil {
		t.Fatal(err)
	}
	submitAndReceive(t, env, a.ID)
	startAdminReview(t, env, a.ID)
	if _, err := env.Engine.SetAdminCheck(env.Ctx, a.ID, "ao-1", domain.CheckMapping, true); err != nil {
		t.Fatal(err)
	}
	// agency-linked applications also need agent authority before constraints
	_, err = env.Engine.SetAdminCheck(env.Ctx, a.ID, "ao-1", domain.CheckConstraints, true)
	if !engine.IsReason(err, engine.ReasonDependencyNotSatisfied) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if _, err := env.Engine.SetAdminCheck(env.Ctx, a.ID, "ao-1", domain.CheckAgentAuthority, true); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetAdminCheck(env.Ctx, a.ID, "ao-1", domain.CheckConstraints, true); err != nil {
		t.Fatalf("constraints after prerequisites: %v", err)
	}
}

func TestCompleteAdminReviewHandsOverToWoodlandOfficer(t *testing.T) {
	env := newTestEnv(t)
	a := newStaffedApplication(t, env)
	submitAndReceive(t, env, a.ID)
	startAdminReview(t, env, a.ID)
	passAdminChecks(t, env, a.ID)
	officer, err := env.Engine.CompleteAdminOfficerReview(env.Ctx, a.ID, "ao-1", false)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if officer != "wo-1" {
		t.Fatalf("receiving officer: got %q", officer)
	}
	a, _ = env.Engine.Repo.GetApplication(env.Ctx, a.ID)
	if got := a.CurrentStatus(); got != domain.StatusWoodlandOfficerReview {
		t.Fatalf("status: %s", got)
	}
	if a.WoodlandOfficerReview == nil {
		t.Fatalf("expected woodland review record")
	}
	if a.WoodlandOfficerReview.SiteVisit != domain.StepNotStarted {
		t.Fatalf("fresh record steps: %+v", a.WoodlandOfficerReview)
	}
}

func TestCompleteAdminReviewSkipsToApproval(t *testing.T) {
	env := newTestEnv(t)
	a := newStaffedApplication(t, env)
	submitAndReceive(t, env, a.ID)
	startAdminReview(t, env, a.ID)
	passAdminChecks(t, env, a.ID)
	officer, err := env.Engine.CompleteAdminOfficerReview(env.Ctx, a.ID, "ao-1", true)
	if err != nil {
		t.Fatalf("complete with skip: %v", err)
	}
	if officer != "fm-1" {
		t.Fatalf("receiving officer: got %q", officer)
	}
	a, _ = env.Engine.Repo.GetApplication(env.Ctx, a.ID)
	if got := a.CurrentStatus(); got != domain.StatusSentForApproval {
		t.Fatalf("status: %s", got)
	}
	if a.WoodlandOfficerReview != nil {
		t.Fatalf("skip must not create a woodland review record")
	}
}

func TestCompleteAdminReviewWrongActor(t *testing.T) {
	env := newTestEnv(t)
	a := newStaffedApplication(t, env)
	submitAndReceive(t, env, a.ID)
	startAdminReview(t, env, a.ID)
	passAdminChecks(t, env, a.ID)
	_, err := env.Engine.CompleteAdminOfficerReview(env.Ctx, a.ID, "wo-1", false)
	var notAssigned auth.NotAssignedError
	if !errors.As(err, &notAssigned) {
		t.Fatalf("expected not-assigned error, got %v", err)
	}
}

func TestCompleteAdminReviewTasksIncomplete(t *testing.T) {
	env := newTestEnv(t)
	a := newStaffedApplication(t, env)
	submitAndReceive(t, env, a.ID)
	startAdminReview(t, env, a.ID)
	if _, err := env.Engine.SetAdminCheck(env.Ctx, a.ID, "ao-1", domain.CheckMapping, true); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.CompleteAdminOfficerReview(env.Ctx, a.ID, "ao-1", false)
	if !engine.IsReason(err, engine.ReasonTasksIncomplete) {
		t.Fatalf("expected incomplete tasks, got %v", err)
	}
}

func TestCompleteAdminReviewNoAssigneeForNextStage(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.CreateApplication(env.Ctx, engine.CreateApplicationOptions{ActorID: "applicant-1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AssignUser(env.Ctx, a.ID, domain.RoleAdminOfficer, "ao-1", "manager-1"); err != nil {
		t.Fatal(err)
	}
	submitAndReceive(t, env, a.ID)
	startAdminReview(t, env, a.ID)
	passAdminChecks(t, env, a.ID)
	_, err = env.Engine.CompleteAdminOfficerReview(env.Ctx, a.ID, "ao-1", false)
	var missing auth.AssigneeMissingError
	if !errors.As(err, &missing) || missing.Role != domain.RoleWoodlandOfficer {
		t.Fatalf("expected missing woodland officer, got %v", err)
	}
}

func TestWoodlandReviewCompletion(t *testing.T) {
	env := newTestEnv(t)
	a := newStaffedApplication(t, env)
	submitAndReceive(t, env, a.ID)
	startAdminReview(t, env, a.ID)
	passAdminChecks(t, env, a.ID)
	if _, err := env.Engine.CompleteAdminOfficerReview(env.Ctx, a.ID, "ao-1", false); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.CompleteWoodlandOfficerReview(env.Ctx, a.ID, "wo-1")
	if !engine.IsReason(err, engine.ReasonTasksIncomplete) {
		t.Fatalf("expected incomplete steps, got %v", err)
	}
	completeWoodlandSteps(t, env, a.ID)
	officer, err := env.Engine.CompleteWoodlandOfficerReview(env.Ctx, a.ID, "wo-1")
	if err != nil {
		t.Fatalf("complete woodland: %v", err)
	}
	if officer != "fm-1" {
		t.Fatalf("receiving officer: got %q", officer)
	}
	a, _ = env.Engine.Repo.GetApplication(env.Ctx, a.ID)
	if got := a.CurrentStatus(); got != domain.StatusSentForApproval {
		t.Fatalf("status: %s", got)
	}
	if !a.WoodlandOfficerReview.Complete {
		t.Fatalf("review not flagged complete")
	}
}

func TestWoodlandRecommendationBounds(t *testing.T) {
	env := newTestEnv(t)
	a := newStaffedApplication(t, env)
	submitAndReceive(t, env, a.ID)
	startAdminReview(t, env, a.ID)
	passAdminChecks(t, env, a.ID)
	if _, err := env.Engine.CompleteAdminOfficerReview(env.Ctx, a.ID, "ao-1", false); err != nil {
		t.Fatal(err)
	}
	tooLong := 99
	_, err := env.Engine.SetWoodlandRecommendations(env.Ctx, a.ID, "wo-1", &tooLong, nil)
	if !engine.IsReason(err, engine.ReasonValidationFailure) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	ok := 5
	register := true
	updated, err := env.Engine.SetWoodlandRecommendations(env.Ctx, a.ID, "wo-1", &ok, &register)
	if err != nil {
		t.Fatalf("recommendations: %v", err)
	}
	if updated.WoodlandOfficerReview.RecommendedLicenceDuration == nil ||
		*updated.WoodlandOfficerReview.RecommendedLicenceDuration != 5 {
		t.Fatalf("duration not stored: %+v", updated.WoodlandOfficerReview)
	}
}

func TestIsCompletable(t *testing.T) {
	rev := domain.WoodlandOfficerReview{
		PublicRegister:       domain.StepCompleted,
		SiteVisit:            domain.StepCompleted,
		Pw14Checks:           domain.StepCompleted,
		FellingAndRestocking: domain.StepCompleted,
		Conditions:           domain.StepCompleted,
		Consultation:         domain.StepNotRequired,
		LarchApplication:     domain.StepNotRequired,
		LarchFlyover:         domain.StepNotRequired,
		EIAScreening:         domain.StepCompleted,
		FinalChecks:          domain.StepNotStarted,
	}
	if !engine.IsCompletable(rev) {
		t.Fatalf("expected completable with final checks outstanding")
	}
	rev.SiteVisit = domain.StepInProgress
	if engine.IsCompletable(rev) {
		t.Fatalf("site visit must be completed, not in progress")
	}
	rev.SiteVisit = domain.StepCompleted
	rev.Consultation = domain.StepInProgress
	if engine.IsCompletable(rev) {
		t.Fatalf("consultation in progress must block completion")
	}
}

func decideApplication(t *testing.T, env testEnv, id string, decision domain.Status) {
	t.Helper()
	startAdminReview(t, env, id)
	passAdminChecks(t, env, id)
	if _, err := env.Engine.CompleteAdminOfficerReview(env.Ctx, id, "ao-1", false); err != nil {
		t.Fatal(err)
	}
	completeWoodlandSteps(t, env, id)
	if _, err := env.Engine.CompleteWoodlandOfficerReview(env.Ctx, id, "wo-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Decide(env.Ctx, id, "fm-1", decision, "signed off"); err != nil {
		t.Fatalf("decide %s: %v", decision, err)
	}
}

func TestDecisionOutcomes(t *testing.T) {
	env := newTestEnv(t)
	a := newStaffedApplication(t, env)
	submitAndReceive(t, env, a.ID)
	decideApplication(t, env, a.ID, domain.StatusApproved)
	a, _ = env.Engine.Repo.GetApplication(env.Ctx, a.ID)
	if got := a.CurrentStatus(); got != domain.StatusApproved {
		t.Fatalf("status: %s", got)
	}
	if a.ApproverReview == nil || a.ApproverReview.Decision != domain.StatusApproved {
		t.Fatalf("approver review: %+v", a.ApproverReview)
	}
	// approved is terminal except for the designated back-edges
	_, err := env.Engine.Decide(env.Ctx, a.ID, "fm-1", domain.StatusRefused, "")
	if !engine.IsReason(err, engine.ReasonInvalidStatus) {
		t.Fatalf("expected invalid status, got %v", err)
	}
}

func TestDecisionRejectsNonDecisionStatus(t *testing.T) {
	env := newTestEnv(t)
	a := newStaffedApplication(t, env)
	submitAndReceive(t, env, a.ID)
	_, err := env.Engine.Decide(env.Ctx, a.ID, "fm-1", domain.StatusSubmitted, "")
	if !engine.IsReason(err, engine.ReasonValidationFailure) {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

func TestRevertFromApprovedPreservesHistory(t *testing.T) {
	env := newTestEnv(t)
	a := newStaffedApplication(t, env)
	submitAndReceive(t, env, a.ID)
	decideApplication(t, env, a.ID, domain.StatusApproved)
	reverted, err := env.Engine.RevertToWoodlandOfficerReview(env.Ctx, a.ID, "fm-1")
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if got := reverted.CurrentStatus(); got != domain.StatusWoodlandOfficerReview {
		t.Fatalf("status after revert: %s", got)
	}
	if reverted.WoodlandOfficerReview.Complete {
		t.Fatalf("woodland review must be reopened")
	}
	approvedSeen := false
	for _, e := range reverted.StatusHistory {
		if e.Status == domain.StatusApproved {
			approvedSeen = true
		}
	}
	if !approvedSeen {
		t.Fatalf("approved entry missing from history")
	}
	// the reopened review can be driven to a fresh decision
	if _, err := env.Engine.CompleteWoodlandOfficerReview(env.Ctx, a.ID, "wo-1"); err != nil {
		t.Fatalf("re-complete: %v", err)
	}
	if _, err := env.Engine.Decide(env.Ctx, a.ID, "fm-1", domain.StatusRefused, "on review"); err != nil {
		t.Fatalf("second decision: %v", err)
	}
}

func TestApprovedInErrorReissuesReference(t *testing.T) {
	env := newTestEnv(t)
	a := newStaffedApplication(t, env)
	submitAndReceive(t, env, a.ID)
	decideApplication(t, env, a.ID, domain.StatusApproved)
	before, _ := env.Engine.Repo.GetApplication(env.Ctx, a.ID)
	updated, err := env.Engine.MarkApprovedInError(env.Ctx, a.ID, "fm-1", "issued against the wrong compartment")
	if err != nil {
		t.Fatalf("approved in error: %v", err)
	}
	if got := updated.CurrentStatus(); got != domain.StatusApprovedInError {
		t.Fatalf("status: %s", got)
	}
	if updated.Reference == before.Reference {
		t.Fatalf("reference must change, still %q", updated.Reference)
	}
	if !strings.HasPrefix(updated.Reference, "FLA/") {
		t.Fatalf("prefix must be preserved: %q", updated.Reference)
	}
}

func TestWithdrawAndReinstate(t *testing.T) {
	env := newTestEnv(t)
	a := newStaffedApplication(t, env)
	submitAndReceive(t, env, a.ID)
	startAdminReview(t, env, a.ID)
	if _, err := env.Engine.WithdrawApplication(env.Ctx, a.ID, "applicant-1", "changed plans"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	// reviews are frozen while withdrawn
	_, err := env.Engine.SetAdminCheck(env.Ctx, a.ID, "ao-1", domain.CheckMapping, true)
	if !engine.IsReason(err, engine.ReasonInvalidStatus) {
		t.Fatalf("expected invalid status, got %v", err)
	}
	restored, err := env.Engine.RevertApplicationFromWithdrawn(env.Ctx, a.ID, "ao-1")
	if err != nil {
		t.Fatalf("reinstate: %v", err)
	}
	if got := restored.CurrentStatus(); got != domain.StatusAdminOfficerReview {
		t.Fatalf("restored status: %s", got)
	}
	// reinstating a non-withdrawn application fails
	_, err = env.Engine.RevertApplicationFromWithdrawn(env.Ctx, a.ID, "ao-1")
	if !engine.IsReason(err, engine.ReasonInvalidStatus) {
		t.Fatalf("expected invalid status, got %v", err)
	}
}

func TestAssignReplacesHolder(t *testing.T) {
	env := newTestEnv(t)
	a := newStaffedApplication(t, env)
	previous, err := env.Engine.AssignUser(env.Ctx, a.ID, domain.RoleAdminOfficer, "ao-2", "manager-1")
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if previous != "ao-1" {
		t.Fatalf("previous holder: got %q", previous)
	}
	a, _ = env.Engine.Repo.GetApplication(env.Ctx, a.ID)
	holder, ok := a.CurrentHolder(domain.RoleAdminOfficer)
	if !ok || holder.UserID != "ao-2" {
		t.Fatalf("holder after reassign: %+v", holder)
	}
	open := 0
	for _, e := range a.AssigneeHistory {
		if e.Role == domain.RoleAdminOfficer && e.UnassignedAt == nil {
			open++
		}
	}
	if open != 1 {
		t.Fatalf("expected exactly one open admin officer entry, got %d", open)
	}
}

func TestConfirmedDetailLifecycle(t *testing.T) {
	env := newTestEnv(t)
	a := newStaffedApplication(t, env)
	submitAndReceive(t, env, a.ID)
	startAdminReview(t, env, a.ID)
	passAdminChecks(t, env, a.ID)
	if _, err := env.Engine.CompleteAdminOfficerReview(env.Ctx, a.ID, "ao-1", false); err != nil {
		t.Fatal(err)
	}
	detail := domain.ConfirmedFellingDetail{
		CompartmentID: "cpt-1",
		FellingSpec: domain.FellingSpec{
			OperationType:     "clear_fell",
			AreaHa:            1.2,
			Species:           "oak",
			EstimatedVolumeM3: 100,
		},
	}
	diff, err := env.Engine.ConfirmFellingDetail(env.Ctx, a.ID, "wo-1", detail)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	// a new detail is diffed against the zero spec
	for _, field := range []string{"area_ha", "species", "estimated_volume_m3"} {
		if _, ok := diff[field]; !ok {
			t.Fatalf("expected %s in new-detail diff, got %v", field, diff)
		}
	}
	// identical resubmission is a no-op
	diff, err = env.Engine.ConfirmFellingDetail(env.Ctx, a.ID, "wo-1", detail)
	if err != nil || len(diff) != 0 {
		t.Fatalf("no-op confirm: diff=%v err=%v", diff, err)
	}
	detail.AreaHa = 1.0
	diff, err = env.Engine.ConfirmFellingDetail(env.Ctx, a.ID, "wo-1", detail)
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	if _, ok := diff["area_ha"]; !ok {
		t.Fatalf("expected area_ha change, got %v", diff)
	}
	if err := env.Engine.DeleteConfirmedFellingDetail(env.Ctx, a.ID, "wo-1", "cpt-1", "clear_fell"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	a, _ = env.Engine.Repo.GetApplication(env.Ctx, a.ID)
	if len(a.ConfirmedFelling) != 0 {
		t.Fatalf("detail not deleted: %+v", a.ConfirmedFelling)
	}
}

func TestConfirmedRestockingLifecycle(t *testing.T) {
	env := newTestEnv(t)
	a := newStaffedApplication(t, env)
	submitAndReceive(t, env, a.ID)
	startAdminReview(t, env, a.ID)
	passAdminChecks(t, env, a.ID)
	if _, err := env.Engine.CompleteAdminOfficerReview(env.Ctx, a.ID, "ao-1", false); err != nil {
		t.Fatal(err)
	}
	density := 1100
	detail := domain.ConfirmedRestockingDetail{
		CompartmentID: "cpt-1",
		RestockingSpec: domain.RestockingSpec{
			Proposal:           "replant",
			AreaHa:             0.8,
			SpeciesComposition: "oak 60%, birch 40%",
			DensityPerHa:       &density,
		},
	}
	diff, err := env.Engine.ConfirmRestockingDetail(env.Ctx, a.ID, "wo-1", detail)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	for _, field := range []string{"area_ha", "species_composition", "density_per_ha"} {
		if _, ok := diff[field]; !ok {
			t.Fatalf("expected %s in new-detail diff, got %v", field, diff)
		}
	}
	// identical resubmission is a no-op
	diff, err = env.Engine.ConfirmRestockingDetail(env.Ctx, a.ID, "wo-1", detail)
	if err != nil || len(diff) != 0 {
		t.Fatalf("no-op confirm: diff=%v err=%v", diff, err)
	}
	amended := 1600
	detail.DensityPerHa = &amended
	diff, err = env.Engine.ConfirmRestockingDetail(env.Ctx, a.ID, "wo-1", detail)
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	if got := diff["density_per_ha"]; got != "1100 -> 1600" {
		t.Fatalf("density diff: got %q want %q", got, "1100 -> 1600")
	}
	if err := env.Engine.DeleteConfirmedRestockingDetail(env.Ctx, a.ID, "wo-1", "cpt-1", "replant"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	a, _ = env.Engine.Repo.GetApplication(env.Ctx, a.ID)
	if len(a.ConfirmedRestocking) != 0 {
		t.Fatalf("detail not deleted: %+v", a.ConfirmedRestocking)
	}
}

func TestAmendmentRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	a := newStaffedApplication(t, env)
	submitAndReceive(t, env, a.ID)
	startAdminReview(t, env, a.ID)
	passAdminChecks(t, env, a.ID)
	if _, err := env.Engine.CompleteAdminOfficerReview(env.Ctx, a.ID, "ao-1", false); err != nil {
		t.Fatal(err)
	}
	ar, err := env.Engine.SendAmendments(env.Ctx, a.ID, "wo-1")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	wantDeadline := env.Engine.Now().UTC().AddDate(0, 0, 28).Format(time.RFC3339)
	if ar.ResponseDeadline != wantDeadline {
		t.Fatalf("deadline: got %s want %s", ar.ResponseDeadline, wantDeadline)
	}
	// a second round cannot open while the first is unanswered
	_, err = env.Engine.SendAmendments(env.Ctx, a.ID, "wo-1")
	if !engine.IsReason(err, engine.ReasonValidationFailure) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	// disagreement needs a reason
	_, err = env.Engine.RecordAmendmentResponse(env.Ctx, a.ID, "applicant-1", false, "")
	if !engine.IsReason(err, engine.ReasonValidationFailure) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	answered, err := env.Engine.RecordAmendmentResponse(env.Ctx, a.ID, "applicant-1", false, "area too small")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if answered.ApplicantAgreed == nil || *answered.ApplicantAgreed {
		t.Fatalf("agreement recorded wrongly: %+v", answered)
	}
	// answered rounds allow a new one
	if _, err := env.Engine.SendAmendments(env.Ctx, a.ID, "wo-1"); err != nil {
		t.Fatalf("second round: %v", err)
	}
}

func TestOverdueAmendmentReviews(t *testing.T) {
	env := newTestEnv(t)
	a := newStaffedApplication(t, env)
	submitAndReceive(t, env, a.ID)
	startAdminReview(t, env, a.ID)
	passAdminChecks(t, env, a.ID)
	if _, err := env.Engine.CompleteAdminOfficerReview(env.Ctx, a.ID, "ao-1", false); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SendAmendments(env.Ctx, a.ID, "wo-1"); err != nil {
		t.Fatal(err)
	}
	overdue, err := env.Engine.OverdueAmendmentReviews(env.Ctx)
	if err != nil || len(overdue) != 0 {
		t.Fatalf("nothing should be overdue yet: %v %v", overdue, err)
	}
	env.Engine.Now = func() time.Time { return time.Date(2024, 4, 15, 10, 0, 0, 0, time.UTC) }
	overdue, err = env.Engine.OverdueAmendmentReviews(env.Ctx)
	if err != nil {
		t.Fatalf("overdue: %v", err)
	}
	if len(overdue) != 1 || overdue[0].ApplicationID != a.ID {
		t.Fatalf("expected one overdue review, got %v", overdue)
	}
}

func TestReconcilePairsProposedAndConfirmed(t *testing.T) {
	trees := 10
	a := domain.Application{
		ProposedFelling: []domain.ProposedFellingDetail{
			{CompartmentID: "cpt-1", FellingSpec: domain.FellingSpec{OperationType: "clear_fell", AreaHa: 2}},
			{CompartmentID: "cpt-2", FellingSpec: domain.FellingSpec{OperationType: "thinning", AreaHa: 1}},
		},
		ConfirmedFelling: []domain.ConfirmedFellingDetail{
			{CompartmentID: "cpt-1", FellingSpec: domain.FellingSpec{OperationType: "clear_fell", AreaHa: 1.5, NumberOfTrees: &trees}},
			{CompartmentID: "cpt-9", FellingSpec: domain.FellingSpec{OperationType: "coppice", AreaHa: 3}},
		},
	}
	view := engine.Reconcile(a)
	if len(view.Felling) != 3 {
		t.Fatalf("expected 3 felling rows, got %d", len(view.Felling))
	}
	var matched, deleted, added int
	for _, row := range view.Felling {
		switch {
		case row.Proposed != nil && row.Confirmed != nil:
			matched++
		case row.Proposed != nil:
			deleted++
		default:
			added++
		}
	}
	if matched != 1 || deleted != 1 || added != 1 {
		t.Fatalf("pairing: matched=%d deleted=%d added=%d", matched, deleted, added)
	}
}

func TestEventAppendOnWorkflowChanges(t *testing.T) {
	env := newTestEnv(t)
	a := newStaffedApplication(t, env)
	submitAndReceive(t, env, a.ID)
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE application_id=?`, a.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	types := map[string]bool{}
	for rows.Next() {
		var typ string
		if err := rows.Scan(&typ); err != nil {
			t.Fatal(err)
		}
		types[typ] = true
	}
	for _, want := range []string{"application.created", "application.assigned", "application.submitted", "application.received"} {
		if !types[want] {
			t.Fatalf("missing event %q in %v", want, types)
		}
	}
}
