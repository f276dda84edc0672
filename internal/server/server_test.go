package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"roofline/internal/cache"
	"roofline/internal/config"
	"roofline/internal/db"
	"roofline/internal/engine"
	"roofline/internal/migrate"
)

const testProject = "roofline"

type testServer struct {
	URL    string
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
	cfg := config.Default(testProject)
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
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

func asOwner() map[string]string {
	return map[string]string{"X-Actor-Id": "tester"}
}

func createTestJob(t *testing.T, srv *testServer) JobResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/jobs", map[string]any{
		"title": "Maple St reroof",
	}, asOwner())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create job status %d: %s", res.StatusCode, string(data))
	}
	var created JobResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	return created
}

func satisfyWorkStartedGate(t *testing.T, srv *testServer, jobID string) {
	t.Helper()
	client := srv.Client()
	base := srv.URL + "/v0/projects/" + testProject + "/jobs/" + jobID
	for _, kind := range []string{"contract", "permit"} {
		res, body := doJSON(t, client, http.MethodPost, base+"/documents", map[string]any{"kind": kind}, asOwner())
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("attach document %s: %d %s", kind, res.StatusCode, string(body))
		}
	}
	res, body := doJSON(t, client, http.MethodPost, base+"/photos", map[string]any{"kind": "pre_work"}, asOwner())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("attach photo: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPut, base+"/checklist", map[string]any{"kind": "safety_briefing", "done": true}, asOwner())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set checklist: %d %s", res.StatusCode, string(body))
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+testProject, nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("expected code unauthorized, got %q", envelope.Error.Code)
	}
}

func TestAdvanceBlockedReturnsMissingItems(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	job := createTestJob(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/projects/"+testProject+"/jobs/"+job.ID+"/advance", map[string]any{}, asOwner())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Details struct {
				GateKey string `json:"gate_key"`
				Missing struct {
					Documents []string `json:"documents"`
				} `json:"missing"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "gate_blocked" {
		t.Fatalf("expected code gate_blocked, got %q", envelope.Error.Code)
	}
	if envelope.Error.Details.GateKey != "pre_work" {
		t.Fatalf("expected gate pre_work, got %q", envelope.Error.Details.GateKey)
	}
	if len(envelope.Error.Details.Missing.Documents) != 2 {
		t.Fatalf("expected 2 missing documents, got %v", envelope.Error.Details.Missing.Documents)
	}

	getRes, getBody := doJSON(t, srv.Client(), http.MethodGet,
		srv.URL+"/v0/projects/"+testProject+"/jobs/"+job.ID, nil, asOwner())
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get job: %d %s", getRes.StatusCode, string(getBody))
	}
	var fetched JobResponse
	_ = json.Unmarshal(getBody, &fetched)
	if fetched.Stage != "in_progress" {
		t.Fatalf("blocked advance must not move the stage, got %s", fetched.Stage)
	}
}

func TestAdvanceAllowedWhenGateSatisfied(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	job := createTestJob(t, srv)
	satisfyWorkStartedGate(t, srv, job.ID)

	gateRes, gateBody := doJSON(t, srv.Client(), http.MethodGet,
		srv.URL+"/v0/projects/"+testProject+"/jobs/"+job.ID+"/gate", nil, asOwner())
	if gateRes.StatusCode != http.StatusOK {
		t.Fatalf("gate status: %d %s", gateRes.StatusCode, string(gateBody))
	}
	var gate GateStatusResponse
	if err := json.Unmarshal(gateBody, &gate); err != nil {
		t.Fatalf("unmarshal gate: %v", err)
	}
	if !gate.Satisfied {
		t.Fatalf("expected satisfied gate, missing %+v", gate.Missing)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/projects/"+testProject+"/jobs/"+job.ID+"/advance", map[string]any{}, asOwner())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance: %d %s", res.StatusCode, string(data))
	}
	var advanced AdvanceJobResponse
	if err := json.Unmarshal(data, &advanced); err != nil {
		t.Fatalf("unmarshal advance: %v", err)
	}
	if advanced.Decision != "allowed" {
		t.Fatalf("expected decision allowed, got %s", advanced.Decision)
	}
	if advanced.Job.Stage != "work_started" {
		t.Fatalf("expected stage work_started, got %s", advanced.Job.Stage)
	}
	if advanced.Bypass != nil {
		t.Fatalf("clean advance must not record a bypass")
	}
}

func TestBypassWithReasonRecordsAudit(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	job := createTestJob(t, srv)

	// Blank reason from an override-capable actor is an explicit mistake.
	res, data := doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/projects/"+testProject+"/jobs/"+job.ID+"/advance",
		map[string]any{"bypass_reason": "   "}, asOwner())
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for blank reason, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "empty_bypass_reason" {
		t.Fatalf("expected code empty_bypass_reason, got %q", envelope.Error.Code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/projects/"+testProject+"/jobs/"+job.ID+"/advance",
		map[string]any{"bypass_reason": "customer closing Friday"}, asOwner())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bypass advance: %d %s", res.StatusCode, string(data))
	}
	var advanced AdvanceJobResponse
	if err := json.Unmarshal(data, &advanced); err != nil {
		t.Fatalf("unmarshal advance: %v", err)
	}
	if advanced.Decision != "bypassed" {
		t.Fatalf("expected decision bypassed, got %s", advanced.Decision)
	}
	if advanced.Bypass == nil || advanced.Bypass.Reason != "customer closing Friday" {
		t.Fatalf("expected bypass record with reason, got %+v", advanced.Bypass)
	}

	listRes, listBody := doJSON(t, srv.Client(), http.MethodGet,
		srv.URL+"/v0/projects/"+testProject+"/bypasses?job_id="+job.ID, nil, asOwner())
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list bypasses: %d %s", listRes.StatusCode, string(listBody))
	}
	var bypasses []BypassResponse
	if err := json.Unmarshal(listBody, &bypasses); err != nil {
		t.Fatalf("unmarshal bypasses: %v", err)
	}
	if len(bypasses) != 1 {
		t.Fatalf("expected 1 bypass record, got %d", len(bypasses))
	}
	if bypasses[0].GateKey != "pre_work" || bypasses[0].RecordedBy != "tester" {
		t.Fatalf("unexpected bypass record: %+v", bypasses[0])
	}
}

func TestBypassDeniedWithoutOverridePermission(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	job := createTestJob(t, srv)

	grantRes, grantBody := doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/projects/"+testProject+"/rbac/roles/grant",
		map[string]any{"actor_id": "crew-9", "role_id": "crew_lead"}, asOwner())
	if grantRes.StatusCode != http.StatusOK && grantRes.StatusCode != http.StatusNoContent {
		t.Fatalf("grant role: %d %s", grantRes.StatusCode, string(grantBody))
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/projects/"+testProject+"/jobs/"+job.ID+"/advance",
		map[string]any{"bypass_reason": "trust me"}, map[string]string{"X-Actor-Id": "crew-9"})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for non-override bypass, got %d %s", res.StatusCode, string(data))
	}
}

func TestApprovalProgressOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	job := createTestJob(t, srv)
	base := srv.URL + "/v0/projects/" + testProject + "/jobs/" + job.ID

	// Approving with an incomplete checklist is refused.
	res, data := doJSON(t, srv.Client(), http.MethodPost, base+"/approve", nil, asOwner())
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 approving incomplete checklist, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPatch, base+"/approval",
		map[string]any{"flag": "contract", "value": true}, asOwner())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set flag: %d %s", res.StatusCode, string(data))
	}
	var approval ApprovalResponse
	if err := json.Unmarshal(data, &approval); err != nil {
		t.Fatalf("unmarshal approval: %v", err)
	}
	if approval.Count != 1 || approval.Total != 4 || approval.Percent != 25 || approval.AllComplete {
		t.Fatalf("expected 1/4 = 25%%, got %+v", approval)
	}

	for _, flag := range []string{"estimate", "materials", "labor"} {
		res, data = doJSON(t, srv.Client(), http.MethodPatch, base+"/approval",
			map[string]any{"flag": flag, "value": true}, asOwner())
		if res.StatusCode != http.StatusOK {
			t.Fatalf("set flag %s: %d %s", flag, res.StatusCode, string(data))
		}
	}
	if err := json.Unmarshal(data, &approval); err != nil {
		t.Fatalf("unmarshal approval: %v", err)
	}
	if approval.Count != 4 || approval.Percent != 100 || !approval.AllComplete {
		t.Fatalf("expected 4/4 = 100%%, got %+v", approval)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, base+"/approve", nil, asOwner())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	var approved JobResponse
	_ = json.Unmarshal(data, &approved)
	if !approved.Approved || approved.ApprovedBy == nil || *approved.ApprovedBy != "tester" {
		t.Fatalf("expected approved job, got %+v", approved)
	}
}

func TestUpdateJobRejectsDirectStageChange(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	job := createTestJob(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPatch,
		srv.URL+"/v0/projects/"+testProject+"/jobs/"+job.ID,
		map[string]any{"stage": "invoiced"}, asOwner())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 setting stage directly, got %d %s", res.StatusCode, string(data))
	}
}

func TestListJobsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	for _, title := range []string{"Job A", "Job B", "Job C"} {
		res, data := doJSON(t, srv.Client(), http.MethodPost,
			srv.URL+"/v0/projects/"+testProject+"/jobs", map[string]any{"title": title}, asOwner())
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create %s: %d %s", title, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet,
		srv.URL+"/v0/projects/"+testProject+"/jobs?limit=2", nil, asOwner())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list jobs: %d %s", res.StatusCode, string(data))
	}
	var page paginatedJobs
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(page.Items))
	}
	if page.NextCursor == "" {
		t.Fatalf("expected next cursor")
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet,
		srv.URL+"/v0/projects/"+testProject+"/jobs?limit=2&cursor="+url.QueryEscape(page.NextCursor), nil, asOwner())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list jobs page 2: %d %s", res.StatusCode, string(data))
	}
	var page2 paginatedJobs
	if err := json.Unmarshal(data, &page2); err != nil {
		t.Fatalf("unmarshal page 2: %v", err)
	}
	if len(page2.Items) != 1 || page2.NextCursor != "" {
		t.Fatalf("expected final page with 1 item, got %d items cursor %q", len(page2.Items), page2.NextCursor)
	}
}

func TestEventsPaginationWalkCoversEveryEvent(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	for _, title := range []string{"Job A", "Job B", "Job C", "Job D", "Job E"} {
		res, data := doJSON(t, srv.Client(), http.MethodPost,
			srv.URL+"/v0/projects/"+testProject+"/jobs", map[string]any{"title": title}, asOwner())
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create %s: %d %s", title, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet,
		srv.URL+"/v0/projects/"+testProject+"/events?limit=100", nil, asOwner())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list events: %d %s", res.StatusCode, string(data))
	}
	var all paginatedEvents
	if err := json.Unmarshal(data, &all); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(all.Items) < 5 {
		t.Fatalf("expected at least 5 events, got %d", len(all.Items))
	}

	var walked []int64
	cursor := ""
	for {
		u := srv.URL + "/v0/projects/" + testProject + "/events?limit=2"
		if cursor != "" {
			u += "&cursor=" + url.QueryEscape(cursor)
		}
		res, data := doJSON(t, srv.Client(), http.MethodGet, u, nil, asOwner())
		if res.StatusCode != http.StatusOK {
			t.Fatalf("walk events: %d %s", res.StatusCode, string(data))
		}
		var page paginatedEvents
		if err := json.Unmarshal(data, &page); err != nil {
			t.Fatalf("unmarshal page: %v", err)
		}
		for _, item := range page.Items {
			walked = append(walked, item.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	if len(walked) != len(all.Items) {
		t.Fatalf("paged walk saw %d events, single fetch saw %d", len(walked), len(all.Items))
	}
	seen := make(map[int64]bool, len(walked))
	for i, id := range walked {
		if seen[id] {
			t.Fatalf("event %d returned on more than one page", id)
		}
		seen[id] = true
		if all.Items[i].ID != id {
			t.Fatalf("page walk out of order at %d: got %d, want %d", i, id, all.Items[i].ID)
		}
	}
}

func TestDevLoginAndJWTAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	// Rebuild with a JWT secret; the default test server has none.
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login",
		map[string]any{"actor_id": "dev-1"}, nil)
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 without jwt secret, got %d %s", res.StatusCode, string(data))
	}
}

func TestJWTPrincipalCacheNeverOutlivesToken(t *testing.T) {
	const secret = "test-secret"
	token, err := signDevToken(secret, "dev-1", nil, nil, 10*time.Second)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	principal, expiry, err := authenticateJWT(token, secret)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.ActorID != "dev-1" {
		t.Fatalf("expected actor dev-1, got %s", principal.ActorID)
	}
	if until := time.Until(expiry); until <= 0 || until > 11*time.Second {
		t.Fatalf("expiry %v not near the token's 10s lifetime", expiry)
	}

	// A long cache TTL must not keep the principal alive past the token.
	now := time.Now()
	principals := cache.New[Principal](time.Minute)
	principals.Now = func() time.Time { return now }
	principals.SetUntil("jwt:abc", principal, expiry)

	if _, ok := principals.Get("jwt:abc"); !ok {
		t.Fatal("fresh principal should be cached")
	}
	now = expiry.Add(time.Second)
	if _, ok := principals.Get("jwt:abc"); ok {
		t.Fatal("cached principal honored after token expiry")
	}
}

func TestAPIKeyAuthRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/apikeys",
		map[string]any{"name": "laptop"}, asOwner())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key: %d %s", res.StatusCode, string(data))
	}
	var created APIKeyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if created.Key == "" {
		t.Fatalf("expected raw key on create")
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil,
		map[string]string{"X-Api-Key": created.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with api key: %d %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal whoami: %v", err)
	}
	if who.ActorID != "tester" {
		t.Fatalf("expected actor tester, got %s", who.ActorID)
	}

	// Second call hits the principal cache, same identity.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil,
		map[string]string{"X-Api-Key": created.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cached me with api key: %d %s", res.StatusCode, string(data))
	}
}
