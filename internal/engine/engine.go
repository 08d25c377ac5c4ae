package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fellcore/internal/config"
	"fellcore/internal/domain"
	"fellcore/internal/events"
	"fellcore/internal/repo"
)

// Engine drives the felling licence application workflow. One logical unit
// of work per operation: preconditions are re-checked inside the tx and the
// whole effect commits or nothing does.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// CreateApplicationOptions are parameters for creating a draft application.
type CreateApplicationOptions struct {
	ID              string
	PropertyName    string
	AgencyLinked    bool
	TreeHealthIssue bool
	ActorID         string
}

// CreateApplication creates a draft application with a freshly allocated
// reference and assigns the creating actor as applicant.
func (e Engine) CreateApplication(ctx context.Context, opts CreateApplicationOptions) (domain.Application, error) {
	if e.Config == nil {
		return domain.Application{}, errors.New("config not loaded")
	}
	if opts.ActorID == "" {
		return domain.Application{}, errors.New("actor is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowString()
	year := e.now().UTC().Year()

	attempts := e.Config.Review.ReferenceRetryAttempts
	var lastErr error
	for offset := 0; offset < attempts; offset++ {
		a := domain.Application{
			ID:              id,
			PropertyName:    opts.PropertyName,
			AgencyLinked:    opts.AgencyLinked,
			TreeHealthIssue: opts.TreeHealthIssue,
			CreatedAt:       now,
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return domain.Application{}, err
		}
		counter, err := e.Repo.NextReferenceCounter(ctx, tx, year)
		if err != nil {
			tx.Rollback()
			return domain.Application{}, err
		}
		a.Reference = FormatReference(e.Config.Service.ReferencePrefix, counter+offset, year, "")
		err = e.createApplicationTx(ctx, tx, a, opts.ActorID, now)
		if err == nil {
			if err := tx.Commit(); err != nil {
				return domain.Application{}, err
			}
			return e.Repo.GetApplication(ctx, a.ID)
		}
		tx.Rollback()
		if !errors.Is(err, repo.ErrNotUnique) {
			return domain.Application{}, err
		}
		lastErr = err
	}
	return domain.Application{}, RuleError{
		Reason:  ReasonNotUnique,
		Message: fmt.Sprintf("could not allocate unique reference after %d attempts", attempts),
		Details: map[string]any{"cause": lastErr.Error()},
	}
}

func (e Engine) createApplicationTx(ctx context.Context, tx *sql.Tx, a domain.Application, actorID, now string) error {
	if err := e.Repo.InsertApplication(ctx, tx, a); err != nil {
		return err
	}
	if err := e.Repo.AppendStatusHistory(ctx, tx, domain.StatusHistoryEntry{
		ApplicationID: a.ID, Status: domain.StatusDraft, CreatedAt: now, CreatedBy: actorID,
	}); err != nil {
		return err
	}
	if err := e.Repo.AppendAssigneeHistory(ctx, tx, domain.AssigneeHistoryEntry{
		ApplicationID: a.ID, Role: domain.RoleApplicant, UserID: actorID, AssignedAt: now,
	}); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, events.ApplicationCreated, a.ID, a.ID, actorID, events.EventPayload{
		"reference": a.Reference,
	})
}

// notify records an outbox row inside the tx; the dispatcher delivers it
// after commit.
func (e Engine) notify(ctx context.Context, tx *sql.Tx, templateID, applicationID string, recipients []string, payload map[string]any) error {
	if len(recipients) == 0 {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	return e.Repo.InsertNotification(ctx, tx, domain.Notification{
		TemplateID:    templateID,
		Recipients:    recipients,
		Payload:       string(data),
		ApplicationID: applicationID,
		CreatedAt:     e.nowString(),
	})
}
