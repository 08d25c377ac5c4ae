package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"fellcore/internal/app"
	"fellcore/internal/domain"
	"fellcore/internal/engine"
	"fellcore/internal/engine/auth"
	"fellcore/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"tasks_incomplete"`
	Message string         `json:"message" example:"review tasks incomplete"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Fellcore API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Fellcore API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerApplications(group, cfg.Engine)
	registerLifecycle(group, cfg.Engine)
	registerAdminReview(group, cfg.Engine)
	registerWoodlandReview(group, cfg.Engine)
	registerConfirmedDetails(group, cfg.Engine)
	registerAmendments(group, cfg.Engine)
	registerDecisions(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var na auth.NotAssignedError
	if errors.As(err, &na) {
		return newAPIError(http.StatusForbidden, "not_assigned_to_role", err.Error(), map[string]any{"role": string(na.Role)})
	}
	var am auth.AssigneeMissingError
	if errors.As(err, &am) {
		return newAPIError(http.StatusUnprocessableEntity, "assignee_missing", err.Error(), map[string]any{"role": string(am.Role)})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotUnique) {
		return newAPIError(http.StatusConflict, "not_unique", err.Error(), nil)
	}
	var re engine.RuleError
	if errors.As(err, &re) {
		status := http.StatusUnprocessableEntity
		switch re.Reason {
		case engine.ReasonInvalidStateTransition, engine.ReasonInvalidStatus, engine.ReasonNotUnique:
			status = http.StatusConflict
		case engine.ReasonValidationFailure:
			status = http.StatusBadRequest
		}
		return newAPIError(status, string(re.Reason), re.Message, re.Details)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

// resolveApplication turns an id-or-reference path segment into the loaded
// aggregate.
func resolveApplication(ctx context.Context, e engine.Engine, idOrRef string) (domain.Application, huma.StatusError) {
	a, err := app.ResolveApplication(ctx, e.Repo, idOrRef)
	if err != nil {
		return domain.Application{}, handleError(err)
	}
	return a, nil
}

type applicationPath struct {
	ApplicationID string `path:"application_id" doc:"Application id or reference"`
}

type applicationBody struct {
	Body ApplicationResponse `json:"body"`
}

func appResult(a domain.Application, err error) (*applicationBody, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &applicationBody{Body: applicationResponse(a)}, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Fellcore API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerApplications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-application",
		Method:        http.MethodPost,
		Path:          "/applications",
		Summary:       "Create application",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateApplicationRequest `json:"body"`
	}) (*applicationBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CreateApplicationOptions{
			PropertyName:    input.Body.PropertyName,
			AgencyLinked:    input.Body.AgencyLinked,
			TreeHealthIssue: input.Body.TreeHealthIssue,
			ActorID:         actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		return appResult(e.CreateApplication(ctx, opts))
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-applications",
		Method:      http.MethodGet,
		Path:        "/applications",
		Summary:     "List applications",
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status"`
		Assigned string `query:"assigned"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []ApplicationResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListApplications(ctx, repo.ApplicationFilters{
			Status:         domain.Status(input.Status),
			AssignedUserID: input.Assigned,
			Limit:          input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ApplicationResponse `json:"body"`
		}{Body: mapApplications(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-application",
		Method:      http.MethodGet,
		Path:        "/applications/{application_id}",
		Summary:     "Get application",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *applicationPath) (*applicationBody, error) {
		a, authErr := resolveApplication(ctx, e, input.ApplicationID)
		if authErr != nil {
			return nil, authErr
		}
		return appResult(a, nil)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-application-tasklist",
		Method:      http.MethodGet,
		Path:        "/applications/{application_id}/tasklist",
		Summary:     "Review task lists",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *applicationPath) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		a, authErr := resolveApplication(ctx, e, input.ApplicationID)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: taskListResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-application-reconciliation",
		Method:      http.MethodGet,
		Path:        "/applications/{application_id}/reconciliation",
		Summary:     "Proposed vs confirmed details",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *applicationPath) (*struct {
		Body engine.ReconciliationView `json:"body"`
	}, error) {
		a, authErr := resolveApplication(ctx, e, input.ApplicationID)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body engine.ReconciliationView `json:"body"`
		}{Body: engine.Reconcile(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-application",
		Method:      http.MethodPost,
		Path:        "/applications/{application_id}/assign",
		Summary:     "Assign a role holder",
	}, func(ctx context.Context, input *struct {
		ApplicationID string        `path:"application_id"`
		Body          AssignRequest `json:"body"`
	}) (*applicationBody, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, resolveErr := resolveApplication(ctx, e, input.ApplicationID)
		if resolveErr != nil {
			return nil, resolveErr
		}
		if _, err := e.AssignUser(ctx, a.ID, domain.Role(input.Body.Role), input.Body.UserID, actorID); err != nil {
			return nil, handleError(err)
		}
		return appResult(e.Repo.GetApplication(ctx, a.ID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-application-reference",
		Method:      http.MethodPatch,
		Path:        "/applications/{application_id}/reference",
		Summary:     "Update reference prefix",
	}, func(ctx context.Context, input *struct {
		ApplicationID string                 `path:"application_id"`
		Body          UpdateReferenceRequest `json:"body"`
	}) (*struct {
		Body ReferenceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, resolveErr := resolveApplication(ctx, e, input.ApplicationID)
		if resolveErr != nil {
			return nil, resolveErr
		}
		ref, err := e.UpdateReferenceNumber(ctx, a.ID, actorID, input.Body.Prefix)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReferenceResponse `json:"body"`
		}{Body: ReferenceResponse{Reference: ref}}, nil
	})
}

func registerLifecycle(api huma.API, e engine.Engine) {
	type actOnApplication func(ctx context.Context, applicationID, actorID string) (domain.Application, error)
	simple := func(operationID, pathSuffix, summary string, act actOnApplication) {
		huma.Register(api, huma.Operation{
			OperationID: operationID,
			Method:      http.MethodPost,
			Path:        "/applications/{application_id}/" + pathSuffix,
			Summary:     summary,
		}, func(ctx context.Context, input *applicationPath) (*applicationBody, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			a, resolveErr := resolveApplication(ctx, e, input.ApplicationID)
			if resolveErr != nil {
				return nil, resolveErr
			}
			return appResult(act(ctx, a.ID, actorID))
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "submit-application",
		Method:      http.MethodPost,
		Path:        "/applications/{application_id}/submit",
		Summary:     "Submit application",
	}, func(ctx context.Context, input *struct {
		ApplicationID string                   `path:"application_id"`
		Body          SubmitApplicationRequest `json:"body"`
	}) (*applicationBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, resolveErr := resolveApplication(ctx, e, input.ApplicationID)
		if resolveErr != nil {
			return nil, resolveErr
		}
		return appResult(e.SubmitApplication(ctx, a.ID, actorID, mapFelling(input.Body.Felling), mapRestocking(input.Body.Restocking)))
	})

	simple("receive-application", "receive", "Receive application", e.ReceiveApplication)
	simple("return-application", "return", "Return to applicant", e.ReturnToApplicant)
	simple("mark-with-applicant", "with-applicant", "Mark with applicant", e.MarkWithApplicant)
	simple("reinstate-application", "reinstate", "Reinstate withdrawn application", e.RevertApplicationFromWithdrawn)

	huma.Register(api, huma.Operation{
		OperationID: "withdraw-application",
		Method:      http.MethodPost,
		Path:        "/applications/{application_id}/withdraw",
		Summary:     "Withdraw application",
	}, func(ctx context.Context, input *struct {
		ApplicationID string          `path:"application_id"`
		Body          WithdrawRequest `json:"body"`
	}) (*applicationBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, resolveErr := resolveApplication(ctx, e, input.ApplicationID)
		if resolveErr != nil {
			return nil, resolveErr
		}
		return appResult(e.WithdrawApplication(ctx, a.ID, actorID, input.Body.Reason))
	})
}

func registerAdminReview(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "start-admin-review",
		Method:      http.MethodPost,
		Path:        "/applications/{application_id}/admin-review/start",
		Summary:     "Start admin officer review",
	}, func(ctx context.Context, input *applicationPath) (*applicationBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, resolveErr := resolveApplication(ctx, e, input.ApplicationID)
		if resolveErr != nil {
			return nil, resolveErr
		}
		return appResult(e.StartAdminOfficerReview(ctx, a.ID, actorID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-admin-check",
		Method:      http.MethodPost,
		Path:        "/applications/{application_id}/admin-review/checks",
		Summary:     "Record an admin review check",
	}, func(ctx context.Context, input *struct {
		ApplicationID string            `path:"application_id"`
		Body          AdminCheckRequest `json:"body"`
	}) (*applicationBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, resolveErr := resolveApplication(ctx, e, input.ApplicationID)
		if resolveErr != nil {
			return nil, resolveErr
		}
		return appResult(e.SetAdminCheck(ctx, a.ID, actorID, domain.AdminCheck(input.Body.Check), input.Body.Passed))
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-admin-review",
		Method:      http.MethodPost,
		Path:        "/applications/{application_id}/admin-review/complete",
		Summary:     "Complete admin officer review",
	}, func(ctx context.Context, input *struct {
		ApplicationID string                     `path:"application_id"`
		Body          CompleteAdminReviewRequest `json:"body"`
	}) (*struct {
		Body ReceivingOfficerResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, resolveErr := resolveApplication(ctx, e, input.ApplicationID)
		if resolveErr != nil {
			return nil, resolveErr
		}
		officer, err := e.CompleteAdminOfficerReview(ctx, a.ID, actorID, input.Body.SkipWoodlandOfficerStage)
		if err != nil {
			return nil, handleError(err)
		}
		updated, err := e.Repo.GetApplication(ctx, a.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReceivingOfficerResponse `json:"body"`
		}{Body: ReceivingOfficerResponse{
			ReceivingOfficer: officer,
			Status:           string(updated.CurrentStatus()),
		}}, nil
	})
}

func registerWoodlandReview(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "set-woodland-step",
		Method:      http.MethodPost,
		Path:        "/applications/{application_id}/woodland-review/steps",
		Summary:     "Record a woodland review step",
	}, func(ctx context.Context, input *struct {
		ApplicationID string              `path:"application_id"`
		Body          WoodlandStepRequest `json:"body"`
	}) (*applicationBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, resolveErr := resolveApplication(ctx, e, input.ApplicationID)
		if resolveErr != nil {
			return nil, resolveErr
		}
		return appResult(e.SetWoodlandStepStatus(ctx, a.ID, actorID, domain.WoodlandStep(input.Body.Step), domain.StepStatus(input.Body.Status)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-woodland-recommendations",
		Method:      http.MethodPost,
		Path:        "/applications/{application_id}/woodland-review/recommendations",
		Summary:     "Record woodland review recommendations",
	}, func(ctx context.Context, input *struct {
		ApplicationID string                         `path:"application_id"`
		Body          WoodlandRecommendationsRequest `json:"body"`
	}) (*applicationBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, resolveErr := resolveApplication(ctx, e, input.ApplicationID)
		if resolveErr != nil {
			return nil, resolveErr
		}
		return appResult(e.SetWoodlandRecommendations(ctx, a.ID, actorID, input.Body.RecommendedLicenceDuration, input.Body.RecommendToDecisionPublicRegister))
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-woodland-review",
		Method:      http.MethodPost,
		Path:        "/applications/{application_id}/woodland-review/complete",
		Summary:     "Complete woodland officer review",
	}, func(ctx context.Context, input *applicationPath) (*struct {
		Body ReceivingOfficerResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, resolveErr := resolveApplication(ctx, e, input.ApplicationID)
		if resolveErr != nil {
			return nil, resolveErr
		}
		officer, err := e.CompleteWoodlandOfficerReview(ctx, a.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReceivingOfficerResponse `json:"body"`
		}{Body: ReceivingOfficerResponse{
			ReceivingOfficer: officer,
			Status:           string(domain.StatusSentForApproval),
		}}, nil
	})
}

func registerConfirmedDetails(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "confirm-felling-detail",
		Method:      http.MethodPut,
		Path:        "/applications/{application_id}/confirmed/felling",
		Summary:     "Create or update a confirmed felling detail",
	}, func(ctx context.Context, input *struct {
		ApplicationID string               `path:"application_id"`
		Body          FellingDetailRequest `json:"body"`
	}) (*struct {
		Body DiffResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, resolveErr := resolveApplication(ctx, e, input.ApplicationID)
		if resolveErr != nil {
			return nil, resolveErr
		}
		diff, err := e.ConfirmFellingDetail(ctx, a.ID, actorID, confirmedFellingFromRequest(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DiffResponse `json:"body"`
		}{Body: DiffResponse{Changes: diff}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-confirmed-felling-detail",
		Method:      http.MethodDelete,
		Path:        "/applications/{application_id}/confirmed/felling/{compartment_id}/{operation_type}",
		Summary:     "Delete a confirmed felling detail",
	}, func(ctx context.Context, input *struct {
		ApplicationID string `path:"application_id"`
		CompartmentID string `path:"compartment_id"`
		OperationType string `path:"operation_type"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, resolveErr := resolveApplication(ctx, e, input.ApplicationID)
		if resolveErr != nil {
			return nil, resolveErr
		}
		if err := e.DeleteConfirmedFellingDetail(ctx, a.ID, actorID, input.CompartmentID, input.OperationType); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-restocking-detail",
		Method:      http.MethodPut,
		Path:        "/applications/{application_id}/confirmed/restocking",
		Summary:     "Create or update a confirmed restocking detail",
	}, func(ctx context.Context, input *struct {
		ApplicationID string                  `path:"application_id"`
		Body          RestockingDetailRequest `json:"body"`
	}) (*struct {
		Body DiffResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, resolveErr := resolveApplication(ctx, e, input.ApplicationID)
		if resolveErr != nil {
			return nil, resolveErr
		}
		diff, err := e.ConfirmRestockingDetail(ctx, a.ID, actorID, confirmedRestockingFromRequest(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DiffResponse `json:"body"`
		}{Body: DiffResponse{Changes: diff}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-confirmed-restocking-detail",
		Method:      http.MethodDelete,
		Path:        "/applications/{application_id}/confirmed/restocking/{compartment_id}/{proposal}",
		Summary:     "Delete a confirmed restocking detail",
	}, func(ctx context.Context, input *struct {
		ApplicationID string `path:"application_id"`
		CompartmentID string `path:"compartment_id"`
		Proposal      string `path:"proposal"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, resolveErr := resolveApplication(ctx, e, input.ApplicationID)
		if resolveErr != nil {
			return nil, resolveErr
		}
		if err := e.DeleteConfirmedRestockingDetail(ctx, a.ID, actorID, input.CompartmentID, input.Proposal); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAmendments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "send-amendments",
		Method:        http.MethodPost,
		Path:          "/applications/{application_id}/amendments/send",
		Summary:       "Send confirmed-detail amendments to the applicant",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *applicationPath) (*struct {
		Body domain.AmendmentReview `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, resolveErr := resolveApplication(ctx, e, input.ApplicationID)
		if resolveErr != nil {
			return nil, resolveErr
		}
		ar, err := e.SendAmendments(ctx, a.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AmendmentReview `json:"body"`
		}{Body: ar}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "respond-to-amendments",
		Method:      http.MethodPost,
		Path:        "/applications/{application_id}/amendments/respond",
		Summary:     "Record the applicant's amendment response",
	}, func(ctx context.Context, input *struct {
		ApplicationID string                   `path:"application_id"`
		Body          AmendmentResponseRequest `json:"body"`
	}) (*struct {
		Body domain.AmendmentReview `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, resolveErr := resolveApplication(ctx, e, input.ApplicationID)
		if resolveErr != nil {
			return nil, resolveErr
		}
		ar, err := e.RecordAmendmentResponse(ctx, a.ID, actorID, input.Body.Agreed, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AmendmentReview `json:"body"`
		}{Body: ar}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-overdue-amendments",
		Method:      http.MethodGet,
		Path:        "/amendments/overdue",
		Summary:     "Unanswered amendment reviews past their deadline",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.AmendmentReview `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.OverdueAmendmentReviews(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AmendmentReview `json:"body"`
		}{Body: items}, nil
	})
}

func registerDecisions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "decide-application",
		Method:      http.MethodPost,
		Path:        "/applications/{application_id}/decision",
		Summary:     "Record the approval decision",
	}, func(ctx context.Context, input *struct {
		ApplicationID string          `path:"application_id"`
		Body          DecisionRequest `json:"body"`
	}) (*applicationBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, resolveErr := resolveApplication(ctx, e, input.ApplicationID)
		if resolveErr != nil {
			return nil, resolveErr
		}
		return appResult(e.Decide(ctx, a.ID, actorID, domain.Status(input.Body.Decision), input.Body.Remarks))
	})

	huma.Register(api, huma.Operation{
		OperationID: "revert-to-woodland-review",
		Method:      http.MethodPost,
		Path:        "/applications/{application_id}/revert/woodland-review",
		Summary:     "Revert to woodland officer review",
	}, func(ctx context.Context, input *applicationPath) (*applicationBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, resolveErr := resolveApplication(ctx, e, input.ApplicationID)
		if resolveErr != nil {
			return nil, resolveErr
		}
		return appResult(e.RevertToWoodlandOfficerReview(ctx, a.ID, actorID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "revert-to-admin-review",
		Method:      http.MethodPost,
		Path:        "/applications/{application_id}/revert/admin-review",
		Summary:     "Revert to admin officer review",
	}, func(ctx context.Context, input *applicationPath) (*applicationBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, resolveErr := resolveApplication(ctx, e, input.ApplicationID)
		if resolveErr != nil {
			return nil, resolveErr
		}
		return appResult(e.RevertToAdminOfficerReview(ctx, a.ID, actorID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-approved-in-error",
		Method:      http.MethodPost,
		Path:        "/applications/{application_id}/approved-in-error",
		Summary:     "Correct an approval issued in error",
	}, func(ctx context.Context, input *struct {
		ApplicationID string          `path:"application_id"`
		Body          WithdrawRequest `json:"body"`
	}) (*applicationBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, resolveErr := resolveApplication(ctx, e, input.ApplicationID)
		if resolveErr != nil {
			return nil, resolveErr
		}
		return appResult(e.MarkApprovedInError(ctx, a.ID, actorID, input.Body.Reason))
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *struct {
		ApplicationID string `query:"application_id"`
		Type          string `query:"type"`
		EntityKind    string `query:"entity_kind"`
		Limit         int    `query:"limit"`
		Cursor        int64  `query:"cursor"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit, input.Cursor, input.ApplicationID, input.Type, input.EntityKind)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		secret := uuid.New().String() + uuid.New().String()
		key := domain.APIKey{
			ID:        uuid.New().String(),
			ActorID:   input.Body.ActorID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(secret),
			CreatedAt: e.Now().UTC().Format(time.RFC3339),
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			Key:       secret,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(items))
		for _, k := range items {
			out = append(out, APIKeyResponse{
				ID:        k.ID,
				ActorID:   k.ActorID,
				Name:      k.Name,
				CreatedAt: k.CreatedAt,
			})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/keys/{key_id}",
		Summary:     "Delete API key",
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
