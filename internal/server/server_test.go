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

	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/engine"
	"steward/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("acme")
	e := engine.New(conn, cfg)
	if err := e.Repo.InsertOrg(context.Background(), domain.Organization{
		ID: "acme", Name: "Acme", Region: "emea", Sector: "finance",
		AccountableRole: "sector_manager",
		CreatedAt:       time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("seed org: %v", err)
	}
	if err := e.Repo.UpsertEngineConfig(context.Background(), "acme", cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, AllowLegacyUserHeader: true},
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
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
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
	if headers == nil {
		req.Header.Set("X-User-Id", "tester")
	}
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

func seedUser(t *testing.T, srv *testServer, id, role string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/users", map[string]any{
		"id": id, "role": role, "org_id": "acme", "region": "emea",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create user %s: %d %s", id, res.StatusCode, string(data))
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/health", nil)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/items", nil, map[string]string{})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no credentials should fail: %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/items", nil, map[string]string{
		"Authorization": "Bearer bogus",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token should fail: %d", res.StatusCode)
	}
}

func TestJWTAuth(t *testing.T) {
	srv := newTestServer(t)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "auditor-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{"compliance_auditor"},
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/items", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt auth failed: %d %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t)
	seedUser(t, srv, "auditor-1", "compliance_auditor")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/apikeys", map[string]any{
		"user_id": "auditor-1", "name": "ci",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, string(data))
	}
	var created CreateAPIKeyResponse
	if err := json.Unmarshal(data, &created); err != nil || created.Key == "" {
		t.Fatalf("key missing from response: %v %s", err, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/items", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth failed: %d %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/apikeys/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("delete key: %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/items", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("deleted key must stop working: %d", res.StatusCode)
	}
}

func TestItemLifecycleWithAutoAssign(t *testing.T) {
	srv := newTestServer(t)
	seedUser(t, srv, "auditor-1", "compliance_auditor")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/items", map[string]any{
		"kind":           "task",
		"category":       "audit",
		"org_id":         "acme",
		"required_roles": []string{"compliance_auditor"},
		"auto_assign":    true,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create item: %d %s", res.StatusCode, string(data))
	}
	var created struct {
		Item   domain.WorkItem      `json:"item"`
		Assign *engine.AssignResult `json:"assign"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.Item.Status != "assigned" {
		t.Fatalf("item should come back assigned: %+v", created.Item)
	}
	if created.Assign == nil || len(created.Assign.Assignments) != 1 ||
		created.Assign.Assignments[0].UserID != "auditor-1" {
		t.Fatalf("assignment missing: %+v", created.Assign)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/sla/task/"+created.Item.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get sla: %d %s", res.StatusCode, string(data))
	}
	var sla SLAResponse
	if err := json.Unmarshal(data, &sla); err != nil || len(sla.Records) != 1 {
		t.Fatalf("one SLA record expected: %v %s", err, string(data))
	}
	if sla.Records[0].Status != domain.SLAOnTrack || sla.Records[0].TargetHours != 8 {
		t.Fatalf("fresh task SLA off: %+v", sla.Records[0])
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/items/"+created.Item.ID+"/complete", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}
	var completed domain.WorkItem
	if err := json.Unmarshal(data, &completed); err != nil || completed.Status != "completed" {
		t.Fatalf("completed item expected: %v %s", err, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/sla/task/"+created.Item.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get sla after complete: %d", res.StatusCode)
	}
	if err := json.Unmarshal(data, &sla); err != nil || len(sla.Records) != 1 {
		t.Fatalf("sla after complete: %v %s", err, string(data))
	}
	if sla.Records[0].Status != domain.SLACompleted || sla.Records[0].CompliancePct != 100 {
		t.Fatalf("on-time completion scores 100: %+v", sla.Records[0])
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events?type=item.completed", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/items/ghost", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "not_found" {
		t.Fatalf("error envelope off: %v %s", err, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/orgs", map[string]any{
		"id": "acme", "name": "Duplicate",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate org should 409, got %d", res.StatusCode)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/items", map[string]any{
		"kind": "task", "org_id": "acme",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing category should 400, got %d %s", res.StatusCode, string(data))
	}
}

func TestOptimizeEndpointAndBottlenecks(t *testing.T) {
	srv := newTestServer(t)
	seedUser(t, srv, "analyst-1", "analyst")

	for _, body := range []map[string]any{
		{"kind": "task", "category": "remediation", "org_id": "acme"},
		{"kind": "task", "category": "audit", "org_id": "acme", "required_roles": []string{"approver"}},
	} {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/items", body, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create item: %d %s", res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/scheduling/optimize", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("optimize: %d %s", res.StatusCode, string(data))
	}
	var report engine.OptimizeReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if report.Considered != 2 || report.Assigned != 1 || report.Bottlenecks != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/scheduling/bottlenecks", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bottlenecks: %d %s", res.StatusCode, string(data))
	}
	var bn BottleneckReport
	if err := json.Unmarshal(data, &bn); err != nil || len(bn.Bottlenecks) != 1 {
		t.Fatalf("one bottleneck expected: %v %s", err, string(data))
	}
}

func TestRoleActionsEndpoints(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/role-actions", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("role query is required: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/role-actions", map[string]any{
		"role": "compliance_auditor", "action": "approve_remediation", "sector": "finance", "priority": 10,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("upsert: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet,
		srv.URL+"/v1/role-actions?role=compliance_auditor&sector=finance", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	var actions []domain.RoleAction
	if err := json.Unmarshal(data, &actions); err != nil || len(actions) != 1 {
		t.Fatalf("one action expected: %v %s", err, string(data))
	}
	if actions[0].Action != "approve_remediation" {
		t.Fatalf("wrong action: %+v", actions[0])
	}
}

func TestProfilesEndpoints(t *testing.T) {
	srv := newTestServer(t)
	seedUser(t, srv, "auditor-1", "compliance_auditor")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/profiles/rebuild", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rebuild: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/profiles", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("profiles: %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/profiles/ghost", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing profile should 404, got %d", res.StatusCode)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/patterns", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patterns: %d %s", res.StatusCode, string(data))
	}
}
