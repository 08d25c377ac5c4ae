package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"fellcore/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrNotUnique surfaces a unique-constraint violation so callers can
// regenerate identifiers and retry.
var ErrNotUnique = errors.New("not unique")

// asRepoError converts driver errors into the repo taxonomy.
func asRepoError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrNotUnique
	}
	return err
}

func (r Repo) InsertApplication(ctx context.Context, tx *sql.Tx, a domain.Application) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO applications(id,reference,property_name,agency_linked,tree_health_issue,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.Reference, nullable(a.PropertyName), boolInt(a.AgencyLinked), boolInt(a.TreeHealthIssue), a.CreatedAt)
	return asRepoError(err)
}

// UpdateApplicationReference replaces the stored reference.
func (r Repo) UpdateApplicationReference(ctx context.Context, tx *sql.Tx, id, reference string) error {
	res, err := tx.ExecContext(ctx, `UPDATE applications SET reference=? WHERE id=?`, reference, id)
	if err != nil {
		return asRepoError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanApplication(row *sql.Row) (domain.Application, error) {
	var a domain.Application
	var property sql.NullString
	var agency, treeHealth int
	err := row.Scan(&a.ID, &a.Reference, &property, &agency, &treeHealth, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if property.Valid {
		a.PropertyName = property.String
	}
	a.AgencyLinked = agency != 0
	a.TreeHealthIssue = treeHealth != 0
	return a, nil
}

const applicationColumns = `id,reference,property_name,agency_linked,tree_health_issue,created_at`

// GetApplication loads the full aggregate: the application row, both
// histories, the optional review sub-entities and all detail collections.
func (r Repo) GetApplication(ctx context.Context, id string) (domain.Application, error) {
	a, err := scanApplication(r.DB.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id=?`, id))
	if err != nil {
		return a, err
	}
	return r.loadAggregate(ctx, a)
}

// GetApplicationByReference loads the aggregate by its human reference.
func (r Repo) GetApplicationByReference(ctx context.Context, reference string) (domain.Application, error) {
	a, err := scanApplication(r.DB.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE reference=?`, reference))
	if err != nil {
		return a, err
	}
	return r.loadAggregate(ctx, a)
}

func (r Repo) loadAggregate(ctx context.Context, a domain.Application) (domain.Application, error) {
	var err error
	if a.StatusHistory, err = r.ListStatusHistory(ctx, a.ID); err != nil {
		return a, err
	}
	if a.AssigneeHistory, err = r.ListAssigneeHistory(ctx, a.ID); err != nil {
		return a, err
	}
	if a.AdminOfficerReview, err = r.GetAdminOfficerReview(ctx, a.ID); err != nil {
		return a, err
	}
	if a.WoodlandOfficerReview, err = r.GetWoodlandOfficerReview(ctx, a.ID); err != nil {
		return a, err
	}
	if a.ApproverReview, err = r.GetApproverReview(ctx, a.ID); err != nil {
		return a, err
	}
	if a.ProposedFelling, err = r.ListProposedFelling(ctx, a.ID); err != nil {
		return a, err
	}
	if a.ProposedRestocking, err = r.ListProposedRestocking(ctx, a.ID); err != nil {
		return a, err
	}
	if a.ConfirmedFelling, err = r.ListConfirmedFelling(ctx, a.ID); err != nil {
		return a, err
	}
	if a.ConfirmedRestocking, err = r.ListConfirmedRestocking(ctx, a.ID); err != nil {
		return a, err
	}
	return a, nil
}

type ApplicationFilters struct {
	Status          domain.Status
	AssignedUserID  string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListApplications returns application rows (without sub-entities), newest
// first, filtered by derived current status and/or an open assignee.
func (r Repo) ListApplications(ctx context.Context, f ApplicationFilters) ([]domain.Application, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, `(SELECT sh.status FROM status_history sh WHERE sh.application_id=applications.id ORDER BY sh.created_at DESC, sh.id DESC LIMIT 1)=?`)
		args = append(args, string(f.Status))
	}
	if f.AssignedUserID != "" {
		clauses = append(clauses, `EXISTS (SELECT 1 FROM assignee_history ah WHERE ah.application_id=applications.id AND ah.user_id=? AND ah.unassigned_at IS NULL)`)
		args = append(args, f.AssignedUserID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Application
	for rows.Next() {
		var a domain.Application
		var property sql.NullString
		var agency, treeHealth int
		if err := rows.Scan(&a.ID, &a.Reference, &property, &agency, &treeHealth, &a.CreatedAt); err != nil {
			return nil, err
		}
		if property.Valid {
			a.PropertyName = property.String
		}
		a.AgencyLinked = agency != 0
		a.TreeHealthIssue = treeHealth != 0
		res = append(res, a)
	}
	return res, nil
}

// AppendStatusHistory writes one immutable status entry.
func (r Repo) AppendStatusHistory(ctx context.Context, tx *sql.Tx, e domain.StatusHistoryEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO status_history(application_id,status,created_at,created_by) VALUES (?,?,?,?)`,
		e.ApplicationID, string(e.Status), e.CreatedAt, e.CreatedBy)
	return err
}

func (r Repo) ListStatusHistory(ctx context.Context, applicationID string) ([]domain.StatusHistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,application_id,status,created_at,created_by FROM status_history WHERE application_id=? ORDER BY created_at ASC, id ASC`, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusHistoryEntry
	for rows.Next() {
		var e domain.StatusHistoryEntry
		var status string
		if err := rows.Scan(&e.ID, &e.ApplicationID, &status, &e.CreatedAt, &e.CreatedBy); err != nil {
			return nil, err
		}
		e.Status = domain.Status(status)
		res = append(res, e)
	}
	return res, nil
}

// CloseAssignee sets unassigned_at on the open entry for a role, returning
// the user that held it, or "" when the role was vacant.
func (r Repo) CloseAssignee(ctx context.Context, tx *sql.Tx, applicationID string, role domain.Role, at string) (string, error) {
	var prev string
	err := tx.QueryRowContext(ctx, `SELECT user_id FROM assignee_history WHERE application_id=? AND role=? AND unassigned_at IS NULL`, applicationID, string(role)).Scan(&prev)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	_, err = tx.ExecContext(ctx, `UPDATE assignee_history SET unassigned_at=? WHERE application_id=? AND role=? AND unassigned_at IS NULL`, at, applicationID, string(role))
	return prev, err
}

func (r Repo) AppendAssigneeHistory(ctx context.Context, tx *sql.Tx, e domain.AssigneeHistoryEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assignee_history(application_id,role,user_id,assigned_at,unassigned_at) VALUES (?,?,?,?,?)`,
		e.ApplicationID, string(e.Role), e.UserID, e.AssignedAt, nullableStringPtr(e.UnassignedAt))
	return err
}

func (r Repo) ListAssigneeHistory(ctx context.Context, applicationID string) ([]domain.AssigneeHistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,application_id,role,user_id,assigned_at,unassigned_at FROM assignee_history WHERE application_id=? ORDER BY assigned_at ASC, id ASC`, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AssigneeHistoryEntry
	for rows.Next() {
		var e domain.AssigneeHistoryEntry
		var role string
		var unassigned sql.NullString
		if err := rows.Scan(&e.ID, &e.ApplicationID, &role, &e.UserID, &e.AssignedAt, &unassigned); err != nil {
			return nil, err
		}
		e.Role = domain.Role(role)
		if unassigned.Valid {
			e.UnassignedAt = &unassigned.String
		}
		res = append(res, e)
	}
	return res, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableBoolPtr(v *bool) any {
	if v == nil {
		return nil
	}
	return boolInt(*v)
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func boolPtr(v sql.NullInt64) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Int64 != 0
	return &b
}
