package repo

import (
	"context"
	"database/sql"

	"fellcore/internal/domain"
)

func (r Repo) InsertAdminOfficerReview(ctx context.Context, tx *sql.Tx, rev domain.AdminOfficerReview) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO admin_officer_reviews(application_id,agent_authority_checked,mapping_checked,constraints_checked,tree_health_checked,larch_checked,cbw_checked,eia_checked,complete,updated_at,updated_by)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		rev.ApplicationID, nullableBoolPtr(rev.AgentAuthorityChecked), nullableBoolPtr(rev.MappingChecked), nullableBoolPtr(rev.ConstraintsChecked),
		nullableBoolPtr(rev.TreeHealthChecked), nullableBoolPtr(rev.LarchChecked), nullableBoolPtr(rev.CBWChecked), nullableBoolPtr(rev.EIAChecked),
		boolInt(rev.Complete), rev.UpdatedAt, nullable(rev.UpdatedBy))
	return asRepoError(err)
}

func (r Repo) UpdateAdminOfficerReview(ctx context.Context, tx *sql.Tx, rev domain.AdminOfficerReview) error {
	res, err := tx.ExecContext(ctx, `UPDATE admin_officer_reviews SET agent_authority_checked=?, mapping_checked=?, constraints_checked=?, tree_health_checked=?, larch_checked=?, cbw_checked=?, eia_checked=?, complete=?, updated_at=?, updated_by=? WHERE application_id=?`,
		nullableBoolPtr(rev.AgentAuthorityChecked), nullableBoolPtr(rev.MappingChecked), nullableBoolPtr(rev.ConstraintsChecked),
		nullableBoolPtr(rev.TreeHealthChecked), nullableBoolPtr(rev.LarchChecked), nullableBoolPtr(rev.CBWChecked), nullableBoolPtr(rev.EIAChecked),
		boolInt(rev.Complete), rev.UpdatedAt, nullable(rev.UpdatedBy), rev.ApplicationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAdminOfficerReview returns nil when the stage has not started.
func (r Repo) GetAdminOfficerReview(ctx context.Context, applicationID string) (*domain.AdminOfficerReview, error) {
	var rev domain.AdminOfficerReview
	var agent, mapping, constraints, treeHealth, larch, cbw, eia sql.NullInt64
	var complete int
	var updatedBy sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT application_id,agent_authority_checked,mapping_checked,constraints_checked,tree_health_checked,larch_checked,cbw_checked,eia_checked,complete,updated_at,updated_by FROM admin_officer_reviews WHERE application_id=?`, applicationID).
		Scan(&rev.ApplicationID, &agent, &mapping, &constraints, &treeHealth, &larch, &cbw, &eia, &complete, &rev.UpdatedAt, &updatedBy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rev.AgentAuthorityChecked = boolPtr(agent)
	rev.MappingChecked = boolPtr(mapping)
	rev.ConstraintsChecked = boolPtr(constraints)
	rev.TreeHealthChecked = boolPtr(treeHealth)
	rev.LarchChecked = boolPtr(larch)
	rev.CBWChecked = boolPtr(cbw)
	rev.EIAChecked = boolPtr(eia)
	rev.Complete = complete != 0
	if updatedBy.Valid {
		rev.UpdatedBy = updatedBy.String
	}
	return &rev, nil
}

func (r Repo) InsertWoodlandOfficerReview(ctx context.Context, tx *sql.Tx, rev domain.WoodlandOfficerReview) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO woodland_officer_reviews(application_id,public_register,site_visit,pw14_checks,felling_and_restocking,conditions,consultation,larch_application,larch_flyover,eia_screening,final_checks,recommended_licence_duration,recommend_to_decision_public_register,complete,updated_at,updated_by)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rev.ApplicationID, string(rev.PublicRegister), string(rev.SiteVisit), string(rev.Pw14Checks), string(rev.FellingAndRestocking),
		string(rev.Conditions), string(rev.Consultation), string(rev.LarchApplication), string(rev.LarchFlyover), string(rev.EIAScreening),
		string(rev.FinalChecks), nullableIntPtr(rev.RecommendedLicenceDuration), nullableBoolPtr(rev.RecommendToDecisionPublicRegister),
		boolInt(rev.Complete), rev.UpdatedAt, nullable(rev.UpdatedBy))
	return asRepoError(err)
}

func (r Repo) UpdateWoodlandOfficerReview(ctx context.Context, tx *sql.Tx, rev domain.WoodlandOfficerReview) error {
	res, err := tx.ExecContext(ctx, `UPDATE woodland_officer_reviews SET public_register=?, site_visit=?, pw14_checks=?, felling_and_restocking=?, conditions=?, consultation=?, larch_application=?, larch_flyover=?, eia_screening=?, final_checks=?, recommended_licence_duration=?, recommend_to_decision_public_register=?, complete=?, updated_at=?, updated_by=? WHERE application_id=?`,
		string(rev.PublicRegister), string(rev.SiteVisit), string(rev.Pw14Checks), string(rev.FellingAndRestocking),
		string(rev.Conditions), string(rev.Consultation), string(rev.LarchApplication), string(rev.LarchFlyover), string(rev.EIAScreening),
		string(rev.FinalChecks), nullableIntPtr(rev.RecommendedLicenceDuration), nullableBoolPtr(rev.RecommendToDecisionPublicRegister),
		boolInt(rev.Complete), rev.UpdatedAt, nullable(rev.UpdatedBy), rev.ApplicationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetWoodlandOfficerReview returns nil when the stage has not started.
func (r Repo) GetWoodlandOfficerReview(ctx context.Context, applicationID string) (*domain.WoodlandOfficerReview, error) {
	var rev domain.WoodlandOfficerReview
	var steps [10]string
	var duration sql.NullInt64
	var recommend sql.NullInt64
	var complete int
	var updatedBy sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT application_id,public_register,site_visit,pw14_checks,felling_and_restocking,conditions,consultation,larch_application,larch_flyover,eia_screening,final_checks,recommended_licence_duration,recommend_to_decision_public_register,complete,updated_at,updated_by FROM woodland_officer_reviews WHERE application_id=?`, applicationID).
		Scan(&rev.ApplicationID, &steps[0], &steps[1], &steps[2], &steps[3], &steps[4], &steps[5], &steps[6], &steps[7], &steps[8], &steps[9],
			&duration, &recommend, &complete, &rev.UpdatedAt, &updatedBy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rev.PublicRegister = domain.StepStatus(steps[0])
	rev.SiteVisit = domain.StepStatus(steps[1])
	rev.Pw14Checks = domain.StepStatus(steps[2])
	rev.FellingAndRestocking = domain.StepStatus(steps[3])
	rev.Conditions = domain.StepStatus(steps[4])
	rev.Consultation = domain.StepStatus(steps[5])
	rev.LarchApplication = domain.StepStatus(steps[6])
	rev.LarchFlyover = domain.StepStatus(steps[7])
	rev.EIAScreening = domain.StepStatus(steps[8])
	rev.FinalChecks = domain.StepStatus(steps[9])
	rev.RecommendedLicenceDuration = intPtr(duration)
	rev.RecommendToDecisionPublicRegister = boolPtr(recommend)
	rev.Complete = complete != 0
	if updatedBy.Valid {
		rev.UpdatedBy = updatedBy.String
	}
	return &rev, nil
}

func (r Repo) InsertApproverReview(ctx context.Context, tx *sql.Tx, rev domain.ApproverReview) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approver_reviews(application_id,decision,remarks,decided_at,decided_by) VALUES (?,?,?,?,?)
ON CONFLICT(application_id) DO UPDATE SET decision=excluded.decision, remarks=excluded.remarks, decided_at=excluded.decided_at, decided_by=excluded.decided_by`,
		rev.ApplicationID, string(rev.Decision), nullable(rev.Remarks), rev.DecidedAt, rev.DecidedBy)
	return err
}

// GetApproverReview returns nil when no decision has been recorded.
func (r Repo) GetApproverReview(ctx context.Context, applicationID string) (*domain.ApproverReview, error) {
	var rev domain.ApproverReview
	var decision string
	var remarks sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT application_id,decision,remarks,decided_at,decided_by FROM approver_reviews WHERE application_id=?`, applicationID).
		Scan(&rev.ApplicationID, &decision, &remarks, &rev.DecidedAt, &rev.DecidedBy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rev.Decision = domain.Status(decision)
	if remarks.Valid {
		rev.Remarks = remarks.String
	}
	return &rev, nil
}
