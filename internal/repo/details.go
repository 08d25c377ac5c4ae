package repo

import (
	"context"
	"database/sql"

	"fellcore/internal/domain"
)

func (r Repo) InsertProposedFelling(ctx context.Context, tx *sql.Tx, d domain.ProposedFellingDetail) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proposed_felling_details(id,application_id,compartment_id,operation_type,area_ha,number_of_trees,species,estimated_volume_m3,tree_marking,tree_marking_details,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ApplicationID, d.CompartmentID, d.OperationType, d.AreaHa, nullableIntPtr(d.NumberOfTrees), d.Species,
		d.EstimatedVolumeM3, boolInt(d.TreeMarking), nullable(d.TreeMarkingDetails), d.CreatedAt)
	return asRepoError(err)
}

func (r Repo) ListProposedFelling(ctx context.Context, applicationID string) ([]domain.ProposedFellingDetail, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,application_id,compartment_id,operation_type,area_ha,number_of_trees,species,estimated_volume_m3,tree_marking,tree_marking_details,created_at FROM proposed_felling_details WHERE application_id=? ORDER BY compartment_id, operation_type`, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProposedFellingDetail
	for rows.Next() {
		var d domain.ProposedFellingDetail
		var trees sql.NullInt64
		var marking int
		var markingDetails sql.NullString
		if err := rows.Scan(&d.ID, &d.ApplicationID, &d.CompartmentID, &d.OperationType, &d.AreaHa, &trees, &d.Species, &d.EstimatedVolumeM3, &marking, &markingDetails, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.NumberOfTrees = intPtr(trees)
		d.TreeMarking = marking != 0
		if markingDetails.Valid {
			d.TreeMarkingDetails = markingDetails.String
		}
		res = append(res, d)
	}
	return res, nil
}

func (r Repo) InsertProposedRestocking(ctx context.Context, tx *sql.Tx, d domain.ProposedRestockingDetail) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proposed_restocking_details(id,application_id,compartment_id,proposal,area_ha,species_composition,density_per_ha,number_of_trees,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ApplicationID, d.CompartmentID, d.Proposal, d.AreaHa, d.SpeciesComposition,
		nullableIntPtr(d.DensityPerHa), nullableIntPtr(d.NumberOfTrees), d.CreatedAt)
	return asRepoError(err)
}

func (r Repo) ListProposedRestocking(ctx context.Context, applicationID string) ([]domain.ProposedRestockingDetail, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,application_id,compartment_id,proposal,area_ha,species_composition,density_per_ha,number_of_trees,created_at FROM proposed_restocking_details WHERE application_id=? ORDER BY compartment_id, proposal`, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProposedRestockingDetail
	for rows.Next() {
		var d domain.ProposedRestockingDetail
		var density, trees sql.NullInt64
		if err := rows.Scan(&d.ID, &d.ApplicationID, &d.CompartmentID, &d.Proposal, &d.AreaHa, &d.SpeciesComposition, &density, &trees, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.DensityPerHa = intPtr(density)
		d.NumberOfTrees = intPtr(trees)
		res = append(res, d)
	}
	return res, nil
}

// GetConfirmedFelling fetches the confirmed record for a compartment and
// operation, within the caller's transaction so diffs see settled values.
func (r Repo) GetConfirmedFelling(ctx context.Context, tx *sql.Tx, applicationID, compartmentID, operationType string) (domain.ConfirmedFellingDetail, error) {
	var d domain.ConfirmedFellingDetail
	var trees sql.NullInt64
	var marking int
	var markingDetails, updatedBy sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT id,application_id,compartment_id,operation_type,area_ha,number_of_trees,species,estimated_volume_m3,tree_marking,tree_marking_details,updated_at,updated_by FROM confirmed_felling_details WHERE application_id=? AND compartment_id=? AND operation_type=?`,
		applicationID, compartmentID, operationType).
		Scan(&d.ID, &d.ApplicationID, &d.CompartmentID, &d.OperationType, &d.AreaHa, &trees, &d.Species, &d.EstimatedVolumeM3, &marking, &markingDetails, &d.UpdatedAt, &updatedBy)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.NumberOfTrees = intPtr(trees)
	d.TreeMarking = marking != 0
	if markingDetails.Valid {
		d.TreeMarkingDetails = markingDetails.String
	}
	if updatedBy.Valid {
		d.UpdatedBy = updatedBy.String
	}
	return d, nil
}

func (r Repo) UpsertConfirmedFelling(ctx context.Context, tx *sql.Tx, d domain.ConfirmedFellingDetail) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO confirmed_felling_details(id,application_id,compartment_id,operation_type,area_ha,number_of_trees,species,estimated_volume_m3,tree_marking,tree_marking_details,updated_at,updated_by)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(application_id,compartment_id,operation_type) DO UPDATE SET area_ha=excluded.area_ha, number_of_trees=excluded.number_of_trees, species=excluded.species, estimated_volume_m3=excluded.estimated_volume_m3, tree_marking=excluded.tree_marking, tree_marking_details=excluded.tree_marking_details, updated_at=excluded.updated_at, updated_by=excluded.updated_by`,
		d.ID, d.ApplicationID, d.CompartmentID, d.OperationType, d.AreaHa, nullableIntPtr(d.NumberOfTrees), d.Species,
		d.EstimatedVolumeM3, boolInt(d.TreeMarking), nullable(d.TreeMarkingDetails), d.UpdatedAt, nullable(d.UpdatedBy))
	return err
}

func (r Repo) DeleteConfirmedFelling(ctx context.Context, tx *sql.Tx, applicationID, compartmentID, operationType string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM confirmed_felling_details WHERE application_id=? AND compartment_id=? AND operation_type=?`, applicationID, compartmentID, operationType)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListConfirmedFelling(ctx context.Context, applicationID string) ([]domain.ConfirmedFellingDetail, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,application_id,compartment_id,operation_type,area_ha,number_of_trees,species,estimated_volume_m3,tree_marking,tree_marking_details,updated_at,updated_by FROM confirmed_felling_details WHERE application_id=? ORDER BY compartment_id, operation_type`, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ConfirmedFellingDetail
	for rows.Next() {
		var d domain.ConfirmedFellingDetail
		var trees sql.NullInt64
		var marking int
		var markingDetails, updatedBy sql.NullString
		if err := rows.Scan(&d.ID, &d.ApplicationID, &d.CompartmentID, &d.OperationType, &d.AreaHa, &trees, &d.Species, &d.EstimatedVolumeM3, &marking, &markingDetails, &d.UpdatedAt, &updatedBy); err != nil {
			return nil, err
		}
		d.NumberOfTrees = intPtr(trees)
		d.TreeMarking = marking != 0
		if markingDetails.Valid {
			d.TreeMarkingDetails = markingDetails.String
		}
		if updatedBy.Valid {
			d.UpdatedBy = updatedBy.String
		}
		res = append(res, d)
	}
	return res, nil
}

func (r Repo) GetConfirmedRestocking(ctx context.Context, tx *sql.Tx, applicationID, compartmentID, proposal string) (domain.ConfirmedRestockingDetail, error) {
	var d domain.ConfirmedRestockingDetail
	var density, trees sql.NullInt64
	var updatedBy sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT id,application_id,compartment_id,proposal,area_ha,species_composition,density_per_ha,number_of_trees,updated_at,updated_by FROM confirmed_restocking_details WHERE application_id=? AND compartment_id=? AND proposal=?`,
		applicationID, compartmentID, proposal).
		Scan(&d.ID, &d.ApplicationID, &d.CompartmentID, &d.Proposal, &d.AreaHa, &d.SpeciesComposition, &density, &trees, &d.UpdatedAt, &updatedBy)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.DensityPerHa = intPtr(density)
	d.NumberOfTrees = intPtr(trees)
	if updatedBy.Valid {
		d.UpdatedBy = updatedBy.String
	}
	return d, nil
}

func (r Repo) UpsertConfirmedRestocking(ctx context.Context, tx *sql.Tx, d domain.ConfirmedRestockingDetail) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO confirmed_restocking_details(id,application_id,compartment_id,proposal,area_ha,species_composition,density_per_ha,number_of_trees,updated_at,updated_by)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(application_id,compartment_id,proposal) DO UPDATE SET area_ha=excluded.area_ha, species_composition=excluded.species_composition, density_per_ha=excluded.density_per_ha, number_of_trees=excluded.number_of_trees, updated_at=excluded.updated_at, updated_by=excluded.updated_by`,
		d.ID, d.ApplicationID, d.CompartmentID, d.Proposal, d.AreaHa, d.SpeciesComposition,
		nullableIntPtr(d.DensityPerHa), nullableIntPtr(d.NumberOfTrees), d.UpdatedAt, nullable(d.UpdatedBy))
	return err
}

func (r Repo) DeleteConfirmedRestocking(ctx context.Context, tx *sql.Tx, applicationID, compartmentID, proposal string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM confirmed_restocking_details WHERE application_id=? AND compartment_id=? AND proposal=?`, applicationID, compartmentID, proposal)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListConfirmedRestocking(ctx context.Context, applicationID string) ([]domain.ConfirmedRestockingDetail, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,application_id,compartment_id,proposal,area_ha,species_composition,density_per_ha,number_of_trees,updated_at,updated_by FROM confirmed_restocking_details WHERE application_id=? ORDER BY compartment_id, proposal`, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ConfirmedRestockingDetail
	for rows.Next() {
		var d domain.ConfirmedRestockingDetail
		var density, trees sql.NullInt64
		var updatedBy sql.NullString
		if err := rows.Scan(&d.ID, &d.ApplicationID, &d.CompartmentID, &d.Proposal, &d.AreaHa, &d.SpeciesComposition, &density, &trees, &d.UpdatedAt, &updatedBy); err != nil {
			return nil, err
		}
		d.DensityPerHa = intPtr(density)
		d.NumberOfTrees = intPtr(trees)
		if updatedBy.Valid {
			d.UpdatedBy = updatedBy.String
		}
		res = append(res, d)
	}
	return res, nil
}

func (r Repo) InsertAmendmentReview(ctx context.Context, tx *sql.Tx, ar domain.AmendmentReview) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO amendment_reviews(id,application_id,sent_at,response_deadline,responded_at,applicant_agreed,disagreement_reason,created_by)
VALUES (?,?,?,?,?,?,?,?)`,
		ar.ID, ar.ApplicationID, ar.SentAt, ar.ResponseDeadline, nullableStringPtr(ar.RespondedAt),
		nullableBoolPtr(ar.ApplicantAgreed), nullable(ar.DisagreementReason), ar.CreatedBy)
	return asRepoError(err)
}

func (r Repo) UpdateAmendmentReviewResponse(ctx context.Context, tx *sql.Tx, id, respondedAt string, agreed bool, reason string) error {
	res, err := tx.ExecContext(ctx, `UPDATE amendment_reviews SET responded_at=?, applicant_agreed=?, disagreement_reason=? WHERE id=? AND responded_at IS NULL`,
		respondedAt, boolInt(agreed), nullable(reason), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAmendmentReview(rows interface {
	Scan(dest ...any) error
}) (domain.AmendmentReview, error) {
	var ar domain.AmendmentReview
	var responded sql.NullString
	var agreed sql.NullInt64
	var reason sql.NullString
	err := rows.Scan(&ar.ID, &ar.ApplicationID, &ar.SentAt, &ar.ResponseDeadline, &responded, &agreed, &reason, &ar.CreatedBy)
	if err != nil {
		return ar, err
	}
	if responded.Valid {
		ar.RespondedAt = &responded.String
	}
	ar.ApplicantAgreed = boolPtr(agreed)
	if reason.Valid {
		ar.DisagreementReason = reason.String
	}
	return ar, nil
}

const amendmentColumns = `id,application_id,sent_at,response_deadline,responded_at,applicant_agreed,disagreement_reason,created_by`

// LatestAmendmentReview returns the most recently sent review, or NotFound.
func (r Repo) LatestAmendmentReview(ctx context.Context, applicationID string) (domain.AmendmentReview, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+amendmentColumns+` FROM amendment_reviews WHERE application_id=? ORDER BY sent_at DESC, id DESC LIMIT 1`, applicationID)
	ar, err := scanAmendmentReview(row)
	if err == sql.ErrNoRows {
		return ar, ErrNotFound
	}
	return ar, err
}

func (r Repo) GetAmendmentReview(ctx context.Context, id string) (domain.AmendmentReview, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+amendmentColumns+` FROM amendment_reviews WHERE id=?`, id)
	ar, err := scanAmendmentReview(row)
	if err == sql.ErrNoRows {
		return ar, ErrNotFound
	}
	return ar, err
}

// ListAmendmentReviewsPastDeadline returns unanswered reviews whose deadline
// has passed, for the scheduled-withdrawal collaborator.
func (r Repo) ListAmendmentReviewsPastDeadline(ctx context.Context, now string) ([]domain.AmendmentReview, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+amendmentColumns+` FROM amendment_reviews WHERE responded_at IS NULL AND response_deadline < ? ORDER BY response_deadline ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AmendmentReview
	for rows.Next() {
		ar, err := scanAmendmentReview(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ar)
	}
	return res, nil
}
