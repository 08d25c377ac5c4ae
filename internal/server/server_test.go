package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fellcore/internal/config"
	"fellcore/internal/db"
	"fellcore/internal/domain"
	"fellcore/internal/engine"
	"fellcore/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(actorID string) map[string]string {
	return map[string]string{"X-Actor-Id": actorID}
}

func createStaffedApplication(t *testing.T, srv *testServer) ApplicationResponse {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/applications", map[string]any{
		"property_name": "Oak Bank Wood",
	}, asActor("applicant-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create application: %d %s", res.StatusCode, string(data))
	}
	var created ApplicationResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal application: %v", err)
	}
	for role, user := range map[string]string{
		"admin_officer":    "ao-1",
		"woodland_officer": "wo-1",
		"field_manager":    "fm-1",
	} {
		res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/applications/"+created.ID+"/assign", map[string]any{
			"role":    role,
			"user_id": user,
		}, asActor("manager-1"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("assign %s: %d %s", role, res.StatusCode, string(body))
		}
	}
	return created
}

func TestApplicationWorkflowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	created := createStaffedApplication(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/applications/"+created.ID+"/submit", map[string]any{
		"felling": []map[string]any{{
			"compartment_id":      "cpt-1",
			"operation_type":      "clear_fell",
			"area_ha":             1.5,
			"species":             "oak",
			"estimated_volume_m3": 120,
		}},
	}, asActor("applicant-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/applications/"+created.ID+"/receive", nil, asActor("ao-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("receive: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/applications/"+created.ID+"/admin-review/start", nil, asActor("ao-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start admin review: %d %s", res.StatusCode, string(data))
	}

	for _, check := range []string{"mapping", "constraints", "larch", "cbw", "eia"} {
		res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/applications/"+created.ID+"/admin-review/checks", map[string]any{
			"check":  check,
			"passed": true,
		}, asActor("ao-1"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("check %s: %d %s", check, res.StatusCode, string(body))
		}
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/applications/"+created.ID+"/admin-review/complete", map[string]any{}, asActor("ao-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete admin review: %d %s", res.StatusCode, string(data))
	}
	var handover ReceivingOfficerResponse
	if err := json.Unmarshal(data, &handover); err != nil {
		t.Fatalf("unmarshal handover: %v", err)
	}
	if handover.ReceivingOfficer != "wo-1" {
		t.Fatalf("receiving officer: %q", handover.ReceivingOfficer)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/applications/"+created.ID, nil, asActor("ao-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get application: %d %s", res.StatusCode, string(data))
	}
	var fetched ApplicationResponse
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatalf("unmarshal fetched: %v", err)
	}
	if fetched.CurrentStatus != string(domain.StatusWoodlandOfficerReview) {
		t.Fatalf("status: %q", fetched.CurrentStatus)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/applications", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/applications", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad bearer token, got %d", res.StatusCode)
	}

	// health stays open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}
}

func TestJWTAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "applicant-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{"applicant"},
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/applications", map[string]any{
		"property_name": "Token Wood",
	}, map[string]string{"Authorization": "Bearer " + signed})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create with jwt: %d %s", res.StatusCode, string(data))
	}
	var created ApplicationResponse
	_ = json.Unmarshal(data, &created)
	holderFound := false
	for _, e := range created.AssigneeHistory {
		if e.Role == domain.RoleApplicant && e.UserID == "applicant-1" {
			holderFound = true
		}
	}
	if !holderFound {
		t.Fatalf("token subject not assigned as applicant: %+v", created.AssigneeHistory)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/keys", map[string]any{
		"actor_id": "robot-1",
		"name":     "ci",
	}, asActor("manager-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if key.Key == "" {
		t.Fatalf("secret must be returned on create")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/applications", map[string]any{
		"property_name": "Robot Wood",
	}, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create with api key: %d %s", res.StatusCode, string(data))
	}
	var created ApplicationResponse
	_ = json.Unmarshal(data, &created)
	var holder string
	for _, e := range created.AssigneeHistory {
		if e.Role == domain.RoleApplicant && e.UnassignedAt == nil {
			holder = e.UserID
		}
	}
	if holder != "robot-1" {
		t.Fatalf("api key actor not applied: %+v", created.AssigneeHistory)
	}

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/applications", nil, map[string]string{"X-Api-Key": "bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", res.StatusCode)
	}
}

func TestErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	created := createStaffedApplication(t, srv)

	// wrong actor on submit is a 403
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/applications/"+created.ID+"/submit", map[string]any{}, asActor("stranger"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}

	// receive before submit violates the transition table, a 409
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/applications/"+created.ID+"/receive", nil, asActor("ao-1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_state_transition" {
		t.Fatalf("error code: %q", envelope.Error.Code)
	}

	// unknown application is a 404
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/applications/does-not-exist", nil, asActor("ao-1"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}

	// assign with an empty body is a 400
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/applications/"+created.ID+"/assign", nil, asActor("manager-1"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing body, got %d", res.StatusCode)
	}
}

func TestTaskListEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	created := createStaffedApplication(t, srv)

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/applications/"+created.ID+"/submit", map[string]any{}, asActor("applicant-1"))
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/applications/"+created.ID+"/receive", nil, asActor("ao-1"))
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/applications/"+created.ID+"/admin-review/start", nil, asActor("ao-1"))

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/applications/"+created.ID+"/tasklist", nil, asActor("ao-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tasklist: %d %s", res.StatusCode, string(data))
	}
	var tl TaskListResponse
	if err := json.Unmarshal(data, &tl); err != nil {
		t.Fatalf("unmarshal tasklist: %v", err)
	}
	if tl.Admin["mapping"] != string(domain.StepNotStarted) {
		t.Fatalf("mapping step: %q", tl.Admin["mapping"])
	}
	// no agency link, so agent authority is not required
	if tl.Admin["agent_authority"] != string(domain.StepNotRequired) {
		t.Fatalf("agent authority step: %q", tl.Admin["agent_authority"])
	}
	if tl.Admin["constraints"] != string(domain.StepCannotStartYet) {
		t.Fatalf("constraints step: %q", tl.Admin["constraints"])
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := createStaffedApplication(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?application_id="+created.ID, nil, asActor("ao-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var items []domain.Event
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	seen := map[string]bool{}
	for _, ev := range items {
		seen[ev.Type] = true
	}
	if !seen["application.created"] || !seen["application.assigned"] {
		t.Fatalf("expected lifecycle events, got %v", seen)
	}
}
