package fellcoresdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Fellcore HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Application represents the API application model (partial).
type Application struct {
	ID            string `json:"id"`
	Reference     string `json:"reference"`
	PropertyName  string `json:"property_name"`
	CurrentStatus string `json:"current_status"`
	CreatedAt     string `json:"created_at"`
}

// Event represents an audit log entry.
type Event struct {
	ID            int64          `json:"id"`
	CreatedAt     string         `json:"created_at"`
	Type          string         `json:"type"`
	ApplicationID string         `json:"application_id"`
	EntityID      string         `json:"entity_id"`
	EntityKind    string         `json:"entity_kind"`
	ActorID       string         `json:"actor_id"`
	Payload       map[string]any `json:"payload"`
}

// TaskList represents the per-stage review checklists.
type TaskList struct {
	Admin    map[string]string `json:"admin"`
	Woodland map[string]string `json:"woodland"`
}

// HandOver is the result of completing a review stage.
type HandOver struct {
	ReceivingOfficer string `json:"receiving_officer"`
	Status           string `json:"status"`
}

// Diff reports field-level changes to a confirmed detail.
type Diff struct {
	Changes map[string]string `json:"changes"`
}

// AmendmentReview represents one amendment round.
type AmendmentReview struct {
	ID               string  `json:"id"`
	ApplicationID    string  `json:"application_id"`
	SentAt           string  `json:"sent_at"`
	ResponseDeadline string  `json:"response_deadline"`
	RespondedAt      *string `json:"responded_at,omitempty"`
	ApplicantAgreed  *bool   `json:"applicant_agreed,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateApplication creates a draft application.
func (c *Client) CreateApplication(ctx context.Context, propertyName string, agencyLinked, treeHealthIssue bool) (Application, error) {
	body := map[string]any{
		"property_name":     propertyName,
		"agency_linked":     agencyLinked,
		"tree_health_issue": treeHealthIssue,
	}
	var resp Application
	err := c.do(ctx, http.MethodPost, "v0/applications", body, &resp)
	return resp, err
}

// ListApplications returns applications, optionally filtered by status.
func (c *Client) ListApplications(ctx context.Context, status string, limit int) ([]Application, error) {
	endpoint := "v0/applications"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Application
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetApplication fetches an application by id or reference.
func (c *Client) GetApplication(ctx context.Context, idOrReference string) (Application, error) {
	var resp Application
	err := c.do(ctx, http.MethodGet, c.appPath(idOrReference, ""), nil, &resp)
	return resp, err
}

// Submit submits an application with its proposed details.
func (c *Client) Submit(ctx context.Context, id string, felling, restocking []map[string]any) (Application, error) {
	body := map[string]any{"felling": felling, "restocking": restocking}
	var resp Application
	err := c.do(ctx, http.MethodPost, c.appPath(id, "submit"), body, &resp)
	return resp, err
}

// Receive marks a submitted application as received.
func (c *Client) Receive(ctx context.Context, id string) (Application, error) {
	return c.post(ctx, id, "receive", nil)
}

// Withdraw withdraws an application.
func (c *Client) Withdraw(ctx context.Context, id, reason string) (Application, error) {
	return c.post(ctx, id, "withdraw", map[string]any{"reason": reason})
}

// Reinstate moves a withdrawn application back to its prior status.
func (c *Client) Reinstate(ctx context.Context, id string) (Application, error) {
	return c.post(ctx, id, "reinstate", nil)
}

// Assign sets the holder of a role.
func (c *Client) Assign(ctx context.Context, id, role, userID string) error {
	body := map[string]any{"role": role, "user_id": userID}
	return c.do(ctx, http.MethodPost, c.appPath(id, "assign"), body, nil)
}

// UpdateReference changes the reference prefix.
func (c *Client) UpdateReference(ctx context.Context, id, prefix string) (string, error) {
	var resp struct {
		Reference string `json:"reference"`
	}
	err := c.do(ctx, http.MethodPatch, c.appPath(id, "reference"), map[string]any{"prefix": prefix}, &resp)
	return resp.Reference, err
}

// TaskList returns the review checklists.
func (c *Client) TaskList(ctx context.Context, id string) (TaskList, error) {
	var resp TaskList
	err := c.do(ctx, http.MethodGet, c.appPath(id, "tasklist"), nil, &resp)
	return resp, err
}

// StartAdminReview begins the admin officer review.
func (c *Client) StartAdminReview(ctx context.Context, id string) (Application, error) {
	return c.post(ctx, id, "admin-review/start", nil)
}

// SetAdminCheck records one admin review check.
func (c *Client) SetAdminCheck(ctx context.Context, id, check string, passed bool) (Application, error) {
	return c.post(ctx, id, "admin-review/checks", map[string]any{"check": check, "passed": passed})
}

// CompleteAdminReview completes the admin stage and hands over.
func (c *Client) CompleteAdminReview(ctx context.Context, id string, skipWoodland bool) (HandOver, error) {
	var resp HandOver
	body := map[string]any{"skip_woodland_officer_stage": skipWoodland}
	err := c.do(ctx, http.MethodPost, c.appPath(id, "admin-review/complete"), body, &resp)
	return resp, err
}

// SetWoodlandStep records one woodland review step status.
func (c *Client) SetWoodlandStep(ctx context.Context, id, step, status string) (Application, error) {
	return c.post(ctx, id, "woodland-review/steps", map[string]any{"step": step, "status": status})
}

// CompleteWoodlandReview completes the woodland stage and hands over.
func (c *Client) CompleteWoodlandReview(ctx context.Context, id string) (HandOver, error) {
	var resp HandOver
	err := c.do(ctx, http.MethodPost, c.appPath(id, "woodland-review/complete"), nil, &resp)
	return resp, err
}

// ConfirmFelling upserts a confirmed felling detail and returns the diff.
func (c *Client) ConfirmFelling(ctx context.Context, id string, detail map[string]any) (Diff, error) {
	var resp Diff
	err := c.do(ctx, http.MethodPut, c.appPath(id, "confirmed/felling"), detail, &resp)
	return resp, err
}

// ConfirmRestocking upserts a confirmed restocking detail and returns the diff.
func (c *Client) ConfirmRestocking(ctx context.Context, id string, detail map[string]any) (Diff, error) {
	var resp Diff
	err := c.do(ctx, http.MethodPut, c.appPath(id, "confirmed/restocking"), detail, &resp)
	return resp, err
}

// SendAmendments opens an amendment round with the applicant.
func (c *Client) SendAmendments(ctx context.Context, id string) (AmendmentReview, error) {
	var resp AmendmentReview
	err := c.do(ctx, http.MethodPost, c.appPath(id, "amendments/send"), nil, &resp)
	return resp, err
}

// RespondToAmendments records the applicant's answer.
func (c *Client) RespondToAmendments(ctx context.Context, id string, agreed bool, reason string) (AmendmentReview, error) {
	var resp AmendmentReview
	body := map[string]any{"agreed": agreed, "reason": reason}
	err := c.do(ctx, http.MethodPost, c.appPath(id, "amendments/respond"), body, &resp)
	return resp, err
}

// Decide records the approval decision.
func (c *Client) Decide(ctx context.Context, id, decision, remarks string) (Application, error) {
	return c.post(ctx, id, "decision", map[string]any{"decision": decision, "remarks": remarks})
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, applicationID string, limit int) ([]Event, error) {
	endpoint := "v0/events"
	q := url.Values{}
	if applicationID != "" {
		q.Set("application_id", applicationID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) post(ctx context.Context, id, suffix string, body any) (Application, error) {
	var resp Application
	err := c.do(ctx, http.MethodPost, c.appPath(id, suffix), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) appPath(id, suffix string) string {
	p := fmt.Sprintf("v0/applications/%s", url.PathEscape(id))
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
