package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event type constants. Every workflow mutation appends exactly one.
const (
	ApplicationCreated    = "application.created"
	ApplicationSubmitted  = "application.submitted"
	ApplicationReceived   = "application.received"
	ApplicationReturned   = "application.returned"
	ApplicationWithdrawn  = "application.withdrawn"
	ApplicationReinstated = "application.reinstated"
	ApplicationAssigned   = "application.assigned"
	ReferenceUpdated      = "reference.updated"

	AdminReviewStarted      = "review.admin.started"
	AdminCheckUpdated       = "review.admin.check.updated"
	AdminReviewCompleted    = "review.admin.completed"
	WoodlandStepUpdated     = "review.woodland.step.updated"
	WoodlandReviewCompleted = "review.woodland.completed"

	ConfirmedDetailUpdated = "details.confirmed.updated"
	ConfirmedDetailDeleted = "details.confirmed.deleted"
	AmendmentsSent         = "amendments.sent"
	AmendmentsResponded    = "amendments.responded"

	DecisionApproved        = "decision.approved"
	DecisionRefused         = "decision.refused"
	DecisionReferred        = "decision.referred"
	DecisionReverted        = "decision.reverted"
	DecisionApprovedInError = "decision.approved_in_error"
)

// All lists every defined event type; the entity table test iterates it.
var All = []string{
	ApplicationCreated, ApplicationSubmitted, ApplicationReceived,
	ApplicationReturned, ApplicationWithdrawn, ApplicationReinstated,
	ApplicationAssigned, ReferenceUpdated,
	AdminReviewStarted, AdminCheckUpdated, AdminReviewCompleted,
	WoodlandStepUpdated, WoodlandReviewCompleted,
	ConfirmedDetailUpdated, ConfirmedDetailDeleted,
	AmendmentsSent, AmendmentsResponded,
	DecisionApproved, DecisionRefused, DecisionReferred,
	DecisionReverted, DecisionApprovedInError,
}

// entityKinds maps each event type to the entity kind it concerns. Built
// once; Append refuses event types without an entry.
var entityKinds = map[string]string{
	ApplicationCreated:    "application",
	ApplicationSubmitted:  "application",
	ApplicationReceived:   "application",
	ApplicationReturned:   "application",
	ApplicationWithdrawn:  "application",
	ApplicationReinstated: "application",
	ApplicationAssigned:   "assignee",
	ReferenceUpdated:      "application",

	AdminReviewStarted:      "admin_officer_review",
	AdminCheckUpdated:       "admin_officer_review",
	AdminReviewCompleted:    "admin_officer_review",
	WoodlandStepUpdated:     "woodland_officer_review",
	WoodlandReviewCompleted: "woodland_officer_review",

	ConfirmedDetailUpdated: "confirmed_detail",
	ConfirmedDetailDeleted: "confirmed_detail",
	AmendmentsSent:         "amendment_review",
	AmendmentsResponded:    "amendment_review",

	DecisionApproved:        "approver_review",
	DecisionRefused:         "approver_review",
	DecisionReferred:        "approver_review",
	DecisionReverted:        "application",
	DecisionApprovedInError: "application",
}

// EntityKind resolves the entity kind for an event type.
func EntityKind(evtType string) (string, bool) {
	kind, ok := entityKinds[evtType]
	return kind, ok
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one audit event inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, applicationID, entityID, actorID string, payload EventPayload) error {
	kind, ok := EntityKind(evtType)
	if !ok {
		return fmt.Errorf("event type %s has no entity kind", evtType)
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,application_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(applicationID), kind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
