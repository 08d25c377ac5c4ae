package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"fellcore/internal/domain"
)

// LatestEvents returns recent audit events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, applicationID, evtType, entityKind string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, applicationID, evtType, entityKind)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, applicationID, evtType, entityKind string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if applicationID != "" {
		clauses = append(clauses, "application_id=?")
		args = append(args, applicationID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,application_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, applicationID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if applicationID != "" {
		clauses = append(clauses, "application_id=?")
		args = append(args, applicationID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,application_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var appID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &appID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if appID.Valid {
			e.ApplicationID = appID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, nil
}

// LatestEventID returns the most recent event ID, or 0 when none exist.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// InsertNotification writes an outbox row inside the caller's transaction.
func (r Repo) InsertNotification(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	recipients, err := json.Marshal(n.Recipients)
	if err != nil {
		return fmt.Errorf("marshal recipients: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO notifications(template_id,recipients_json,payload_json,application_id,created_at) VALUES (?,?,?,?,?)`,
		n.TemplateID, string(recipients), n.Payload, nullable(n.ApplicationID), n.CreatedAt)
	return err
}

// NotificationsAfter returns outbox rows with IDs greater than the cursor.
func (r Repo) NotificationsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,template_id,recipients_json,payload_json,application_id,created_at FROM notifications WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var recipients string
		var appID sql.NullString
		if err := rows.Scan(&n.ID, &n.TemplateID, &recipients, &n.Payload, &appID, &n.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(recipients), &n.Recipients); err != nil {
			return nil, fmt.Errorf("unmarshal recipients: %w", err)
		}
		if appID.Valid {
			n.ApplicationID = appID.String
		}
		res = append(res, n)
	}
	return res, nil
}

// LatestNotificationID returns the most recent outbox ID, or 0.
func (r Repo) LatestNotificationID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM notifications`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
