package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fellcore/internal/domain"
	"fellcore/internal/engine/auth"
	"fellcore/internal/events"
	"fellcore/internal/repo"
)

// FellingReconciliationEntry pairs a proposed felling detail with its
// confirmed counterpart for one (compartment, operation) key. Either side
// may be nil: nil confirmed means officer deletion, nil proposed means
// officer addition.
type FellingReconciliationEntry struct {
	CompartmentID string                         `json:"compartment_id"`
	OperationType string                         `json:"operation_type"`
	Proposed      *domain.ProposedFellingDetail  `json:"proposed,omitempty"`
	Confirmed     *domain.ConfirmedFellingDetail `json:"confirmed,omitempty"`
}

// RestockingReconciliationEntry is the restocking counterpart, keyed by
// (compartment, proposal).
type RestockingReconciliationEntry struct {
	CompartmentID string                            `json:"compartment_id"`
	Proposal      string                            `json:"proposal"`
	Proposed      *domain.ProposedRestockingDetail  `json:"proposed,omitempty"`
	Confirmed     *domain.ConfirmedRestockingDetail `json:"confirmed,omitempty"`
}

// ReconciliationView is the combined proposed-vs-confirmed picture of an
// application's felling and restocking details.
type ReconciliationView struct {
	Felling    []FellingReconciliationEntry    `json:"felling"`
	Restocking []RestockingReconciliationEntry `json:"restocking"`
}

// Reconcile pairs an application's proposed baseline against its confirmed
// details. Pure; order follows the proposed baseline, then officer
// additions in confirmed order.
func Reconcile(a domain.Application) ReconciliationView {
	var view ReconciliationView

	confirmedFelling := map[string]*domain.ConfirmedFellingDetail{}
	for i := range a.ConfirmedFelling {
		d := a.ConfirmedFelling[i]
		confirmedFelling[d.CompartmentID+"\x00"+d.OperationType] = &a.ConfirmedFelling[i]
	}
	seen := map[string]bool{}
	for i := range a.ProposedFelling {
		p := &a.ProposedFelling[i]
		key := p.CompartmentID + "\x00" + p.OperationType
		seen[key] = true
		view.Felling = append(view.Felling, FellingReconciliationEntry{
			CompartmentID: p.CompartmentID,
			OperationType: p.OperationType,
			Proposed:      p,
			Confirmed:     confirmedFelling[key],
		})
	}
	for i := range a.ConfirmedFelling {
		c := &a.ConfirmedFelling[i]
		if seen[c.CompartmentID+"\x00"+c.OperationType] {
			continue
		}
		view.Felling = append(view.Felling, FellingReconciliationEntry{
			CompartmentID: c.CompartmentID,
			OperationType: c.OperationType,
			Confirmed:     c,
		})
	}

	confirmedRestocking := map[string]*domain.ConfirmedRestockingDetail{}
	for i := range a.ConfirmedRestocking {
		d := a.ConfirmedRestocking[i]
		confirmedRestocking[d.CompartmentID+"\x00"+d.Proposal] = &a.ConfirmedRestocking[i]
	}
	seenRestocking := map[string]bool{}
	for i := range a.ProposedRestocking {
		p := &a.ProposedRestocking[i]
		key := p.CompartmentID + "\x00" + p.Proposal
		seenRestocking[key] = true
		view.Restocking = append(view.Restocking, RestockingReconciliationEntry{
			CompartmentID: p.CompartmentID,
			Proposal:      p.Proposal,
			Proposed:      p,
			Confirmed:     confirmedRestocking[key],
		})
	}
	for i := range a.ConfirmedRestocking {
		c := &a.ConfirmedRestocking[i]
		if seenRestocking[c.CompartmentID+"\x00"+c.Proposal] {
			continue
		}
		view.Restocking = append(view.Restocking, RestockingReconciliationEntry{
			CompartmentID: c.CompartmentID,
			Proposal:      c.Proposal,
			Confirmed:     c,
		})
	}
	return view
}

// FellingDiff computes the field-level change map between two felling
// specs: field name -> "old -> new" description.
func FellingDiff(prev, next domain.FellingSpec) map[string]string {
	diff := map[string]string{}
	if prev.AreaHa != next.AreaHa {
		diff["area_ha"] = fmt.Sprintf("%g -> %g", prev.AreaHa, next.AreaHa)
	}
	if prev.Species != next.Species {
		diff["species"] = fmt.Sprintf("%s -> %s", prev.Species, next.Species)
	}
	if prev.EstimatedVolumeM3 != next.EstimatedVolumeM3 {
		diff["estimated_volume_m3"] = fmt.Sprintf("%g -> %g", prev.EstimatedVolumeM3, next.EstimatedVolumeM3)
	}
	if d := intPtrDiff(prev.NumberOfTrees, next.NumberOfTrees); d != "" {
		diff["number_of_trees"] = d
	}
	if prev.TreeMarking != next.TreeMarking {
		diff["tree_marking"] = fmt.Sprintf("%t -> %t", prev.TreeMarking, next.TreeMarking)
	}
	if prev.TreeMarkingDetails != next.TreeMarkingDetails {
		diff["tree_marking_details"] = fmt.Sprintf("%s -> %s", prev.TreeMarkingDetails, next.TreeMarkingDetails)
	}
	return diff
}

// RestockingDiff computes the field-level change map between two restocking
// specs.
func RestockingDiff(prev, next domain.RestockingSpec) map[string]string {
	diff := map[string]string{}
	if prev.AreaHa != next.AreaHa {
		diff["area_ha"] = fmt.Sprintf("%g -> %g", prev.AreaHa, next.AreaHa)
	}
	if prev.SpeciesComposition != next.SpeciesComposition {
		diff["species_composition"] = fmt.Sprintf("%s -> %s", prev.SpeciesComposition, next.SpeciesComposition)
	}
	if d := intPtrDiff(prev.DensityPerHa, next.DensityPerHa); d != "" {
		diff["density_per_ha"] = d
	}
	if d := intPtrDiff(prev.NumberOfTrees, next.NumberOfTrees); d != "" {
		diff["number_of_trees"] = d
	}
	return diff
}

func intPtrDiff(prev, next *int) string {
	format := func(v *int) string {
		if v == nil {
			return "unset"
		}
		return fmt.Sprintf("%d", *v)
	}
	if prev == nil && next == nil {
		return ""
	}
	if prev != nil && next != nil && *prev == *next {
		return ""
	}
	return format(prev) + " -> " + format(next)
}

// ConfirmFellingDetail creates or updates a confirmed felling detail during
// woodland officer review and returns the field-level diff against the
// previously persisted values. A new entry is diffed against the zero spec
// so the audit payload records every field the officer set.
func (e Engine) ConfirmFellingDetail(ctx context.Context, applicationID, actorID string, d domain.ConfirmedFellingDetail) (map[string]string, error) {
	a, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if _, err := e.woodlandReviewForUpdate(a, actorID); err != nil {
		return nil, err
	}
	if d.CompartmentID == "" || d.OperationType == "" {
		return nil, validationFailure("compartment id and operation type are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	diff := map[string]string{}
	prev, err := e.Repo.GetConfirmedFelling(ctx, tx, a.ID, d.CompartmentID, d.OperationType)
	switch {
	case err == nil:
		d.ID = prev.ID
		diff = FellingDiff(prev.FellingSpec, d.FellingSpec)
		if len(diff) == 0 {
			return diff, nil
		}
	case errors.Is(err, repo.ErrNotFound):
		d.ID = newDetailID(d.ID)
		diff = FellingDiff(domain.FellingSpec{}, d.FellingSpec)
	default:
		return nil, err
	}
	d.ApplicationID = a.ID
	d.UpdatedAt = e.nowString()
	d.UpdatedBy = actorID
	if err := e.Repo.UpsertConfirmedFelling(ctx, tx, d); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, events.ConfirmedDetailUpdated, a.ID, d.ID, actorID, events.EventPayload{
		"kind":           "felling",
		"compartment_id": d.CompartmentID,
		"operation_type": d.OperationType,
		"changes":        diff,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return diff, nil
}

// ConfirmRestockingDetail is the restocking counterpart of
// ConfirmFellingDetail.
func (e Engine) ConfirmRestockingDetail(ctx context.Context, applicationID, actorID string, d domain.ConfirmedRestockingDetail) (map[string]string, error) {
	a, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if _, err := e.woodlandReviewForUpdate(a, actorID); err != nil {
		return nil, err
	}
	if d.CompartmentID == "" || d.Proposal == "" {
		return nil, validationFailure("compartment id and proposal are required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	diff := map[string]string{}
	prev, err := e.Repo.GetConfirmedRestocking(ctx, tx, a.ID, d.CompartmentID, d.Proposal)
	switch {
	case err == nil:
		d.ID = prev.ID
		diff = RestockingDiff(prev.RestockingSpec, d.RestockingSpec)
		if len(diff) == 0 {
			return diff, nil
		}
	case errors.Is(err, repo.ErrNotFound):
		d.ID = newDetailID(d.ID)
		diff = RestockingDiff(domain.RestockingSpec{}, d.RestockingSpec)
	default:
		return nil, err
	}
	d.ApplicationID = a.ID
	d.UpdatedAt = e.nowString()
	d.UpdatedBy = actorID
	if err := e.Repo.UpsertConfirmedRestocking(ctx, tx, d); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, events.ConfirmedDetailUpdated, a.ID, d.ID, actorID, events.EventPayload{
		"kind":           "restocking",
		"compartment_id": d.CompartmentID,
		"proposal":       d.Proposal,
		"changes":        diff,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return diff, nil
}

// DeleteConfirmedFellingDetail removes a confirmed felling detail; the
// proposed baseline entry, if one exists, then reads as officer-deleted.
func (e Engine) DeleteConfirmedFellingDetail(ctx context.Context, applicationID, actorID, compartmentID, operationType string) error {
	a, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return err
	}
	if _, err := e.woodlandReviewForUpdate(a, actorID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	prev, err := e.Repo.GetConfirmedFelling(ctx, tx, a.ID, compartmentID, operationType)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteConfirmedFelling(ctx, tx, a.ID, compartmentID, operationType); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.ConfirmedDetailDeleted, a.ID, prev.ID, actorID, events.EventPayload{
		"kind":           "felling",
		"compartment_id": compartmentID,
		"operation_type": operationType,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteConfirmedRestockingDetail removes a confirmed restocking detail.
func (e Engine) DeleteConfirmedRestockingDetail(ctx context.Context, applicationID, actorID, compartmentID, proposal string) error {
	a, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return err
	}
	if _, err := e.woodlandReviewForUpdate(a, actorID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	prev, err := e.Repo.GetConfirmedRestocking(ctx, tx, a.ID, compartmentID, proposal)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteConfirmedRestocking(ctx, tx, a.ID, compartmentID, proposal); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.ConfirmedDetailDeleted, a.ID, prev.ID, actorID, events.EventPayload{
		"kind":           "restocking",
		"compartment_id": compartmentID,
		"proposal":       proposal,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// SendAmendments opens an amendment review asking the applicant to agree to
// the confirmed-detail changes, with a response deadline computed from
// configuration.
func (e Engine) SendAmendments(ctx context.Context, applicationID, actorID string) (domain.AmendmentReview, error) {
	a, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return domain.AmendmentReview{}, err
	}
	if _, err := e.woodlandReviewForUpdate(a, actorID); err != nil {
		return domain.AmendmentReview{}, err
	}
	if latest, err := e.Repo.LatestAmendmentReview(ctx, a.ID); err == nil && latest.RespondedAt == nil {
		return domain.AmendmentReview{}, validationFailure("an amendment review is already awaiting the applicant's response")
	} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.AmendmentReview{}, err
	}
	applicant, err := auth.HolderID(a, domain.RoleApplicant)
	if err != nil {
		return domain.AmendmentReview{}, err
	}

	now := e.now().UTC()
	ar := domain.AmendmentReview{
		ID:               uuid.New().String(),
		ApplicationID:    a.ID,
		SentAt:           now.Format(time.RFC3339),
		ResponseDeadline: now.AddDate(0, 0, e.Config.Review.AmendmentResponseDays).Format(time.RFC3339),
		CreatedBy:        actorID,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AmendmentReview{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAmendmentReview(ctx, tx, ar); err != nil {
		return domain.AmendmentReview{}, err
	}
	if err := e.Events.Append(ctx, tx, events.AmendmentsSent, a.ID, ar.ID, actorID, events.EventPayload{
		"response_deadline": ar.ResponseDeadline,
	}); err != nil {
		return domain.AmendmentReview{}, err
	}
	if err := e.notify(ctx, tx, "amendments.sent", a.ID, []string{applicant}, map[string]any{
		"reference":         a.Reference,
		"response_deadline": ar.ResponseDeadline,
	}); err != nil {
		return domain.AmendmentReview{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AmendmentReview{}, err
	}
	return ar, nil
}

// RecordAmendmentResponse records the applicant's agreement or disagreement
// on the open amendment review. A disagreement must carry a reason.
func (e Engine) RecordAmendmentResponse(ctx context.Context, applicationID, actorID string, agreed bool, reason string) (domain.AmendmentReview, error) {
	a, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return domain.AmendmentReview{}, err
	}
	if err := auth.RequireHolder(a, domain.RoleApplicant, actorID); err != nil {
		return domain.AmendmentReview{}, err
	}
	if !agreed && reason == "" {
		return domain.AmendmentReview{}, validationFailure("disagreement requires a reason")
	}
	ar, err := e.Repo.LatestAmendmentReview(ctx, a.ID)
	if err != nil {
		return domain.AmendmentReview{}, err
	}
	if ar.RespondedAt != nil {
		return domain.AmendmentReview{}, validationFailure("amendment review already responded to")
	}

	respondedAt := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AmendmentReview{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAmendmentReviewResponse(ctx, tx, ar.ID, respondedAt, agreed, reason); err != nil {
		return domain.AmendmentReview{}, err
	}
	if err := e.Events.Append(ctx, tx, events.AmendmentsResponded, a.ID, ar.ID, actorID, events.EventPayload{
		"agreed": agreed,
		"reason": reason,
	}); err != nil {
		return domain.AmendmentReview{}, err
	}
	if officer, ok := a.CurrentHolder(domain.RoleWoodlandOfficer); ok {
		if err := e.notify(ctx, tx, "amendments.responded", a.ID, []string{officer.UserID}, map[string]any{
			"reference": a.Reference,
			"agreed":    agreed,
			"reason":    reason,
		}); err != nil {
			return domain.AmendmentReview{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.AmendmentReview{}, err
	}
	ar.RespondedAt = &respondedAt
	ar.ApplicantAgreed = &agreed
	ar.DisagreementReason = reason
	return ar, nil
}

// OverdueAmendmentReviews lists unanswered amendment reviews whose deadline
// has passed. The scheduled withdrawal caller consumes this and invokes
// WithdrawApplication per application; an application that has already
// moved on fails the transition check harmlessly.
func (e Engine) OverdueAmendmentReviews(ctx context.Context) ([]domain.AmendmentReview, error) {
	return e.Repo.ListAmendmentReviewsPastDeadline(ctx, e.nowString())
}
