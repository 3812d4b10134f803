package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"shipline/internal/check"
	"shipline/internal/config"
	"shipline/internal/db"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, mutate func(*Config)) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("shipline")
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
	if err := e.Repo.UpsertProjectConfig(context.Background(), cfg.Project.ID, cfg); err != nil {
		t.Fatalf("seed project config: %v", err)
	}
	srvCfg := Config{
		Engine:    e,
		BasePath:  "/v0",
		Workspace: workspace,
		Executor:  &check.StaticExecutor{},
	}
	if mutate != nil {
		mutate(&srvCfg)
	}
	handler, err := New(srvCfg)
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

func passingChecklist() map[string]string {
	return map[string]string{
		"build_artifacts_present": "passed",
		"smoke_tests_passed":      "passed",
		"domain_configured":       "passed",
		"credentials_issued":      "passed",
		"docs_published":          "passed",
		"changelog_written":       "passed",
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	var body map[string]string
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("health body = %v", body)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/shipline"

	res, data := doJSON(t, client, http.MethodPost, base+"/sessions", map[string]any{
		"product_url": "https://demo.example.com",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create session status %d: %s", res.StatusCode, string(data))
	}
	var s domain.DeliverySession
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if s.CurrentStage != domain.StageQueued || s.Status != domain.SessionActive {
		t.Fatalf("fresh session = %s/%s", s.CurrentStage, s.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/sessions/"+s.ID+"/complete", map[string]any{}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete stage status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if s.CurrentStage != domain.StagePreparing {
		t.Fatalf("stage after complete = %s", s.CurrentStage)
	}
	if s.OverallProgress != 5 {
		t.Fatalf("progress = %d, want 5", s.OverallProgress)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/sessions/"+s.ID+"/fail", map[string]any{
		"error": "build host unreachable",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fail stage status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if s.Status != domain.SessionFailed {
		t.Fatalf("session status after non-skippable failure = %s", s.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/sessions/"+s.ID+"/retry", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("retry stage status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if s.Status != domain.SessionActive {
		t.Fatalf("session status after retry = %s", s.Status)
	}
	info := s.StageNamed(domain.StagePreparing)
	if info == nil || info.RetryCount != 1 {
		t.Fatalf("preparing retry count = %+v", info)
	}
}

func TestDeliveryRunOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/shipline"

	res, data := doJSON(t, client, http.MethodPost, base+"/deliveries", map[string]any{
		"product_url": "https://demo.example.com",
		"checklist":   passingChecklist(),
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("run delivery status %d: %s", res.StatusCode, string(data))
	}
	var rep DeliverResponse
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if rep.Blocked {
		t.Fatalf("delivery blocked: %s", rep.BlockReason)
	}
	if rep.Session == nil {
		t.Fatal("report has no session")
	}
	if rep.Session.Status != domain.SessionCompleted {
		t.Fatalf("session verdict = %s", rep.Session.Status)
	}
	if rep.Session.OverallProgress != 100 {
		t.Fatalf("progress = %d, want 100", rep.Session.OverallProgress)
	}
	if rep.AcceptanceID == "" {
		t.Fatal("no acceptance session opened")
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/acceptance/"+rep.AcceptanceID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get acceptance status %d: %s", res.StatusCode, string(data))
	}
	var a domain.AcceptanceSession
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatalf("unmarshal acceptance: %v", err)
	}
	if a.Status != domain.AcceptanceActive {
		t.Fatalf("acceptance status = %s", a.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/acceptance/"+rep.AcceptanceID+"/sign", map[string]any{
		"signed_by":          "customer@example.com",
		"satisfaction_score": 5,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sign acceptance status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatalf("unmarshal acceptance: %v", err)
	}
	if a.Status != domain.AcceptancePassed {
		t.Fatalf("acceptance after sign = %s", a.Status)
	}
}

func TestDeliveryBlockedByGateOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, func(cfg *Config) {
		cfg.Executor = &check.StaticExecutor{Results: map[string]check.Result{
			"health": {Status: domain.CheckCritical, Observation: "probe failed"},
		}}
	})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/shipline/deliveries", map[string]any{
		"product_url": "https://demo.example.com",
		"checklist":   passingChecklist(),
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("run delivery status %d: %s", res.StatusCode, string(data))
	}
	var rep DeliverResponse
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if !rep.Blocked {
		t.Fatal("expected blocked delivery")
	}
	if rep.Session != nil {
		t.Fatal("no session should open on a blocked delivery")
	}
	if rep.Gate.CanDeliver {
		t.Fatal("gate should not pass with a failed blocker")
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/shipline/sessions/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
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
	if envelope.Error.Code != "not_found" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}
}

func TestAuthRequiredWhenConfigured(t *testing.T) {
	srv, cleanup := newTestServer(t, func(cfg *Config) {
		cfg.Auth = AuthConfig{APIKey: "secret-key"}
	})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"X-Api-Key": "secret-key"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status %d: %s", res.StatusCode, string(data))
	}

	// Health stays open for probes.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestAcceptanceSweepOverHTTP(t *testing.T) {
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	var offset atomic.Int64
	srv, cleanup := newTestServer(t, func(cfg *Config) {
		cfg.Engine.Now = func() time.Time { return start.Add(time.Duration(offset.Load())) }
	})
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/projects/shipline"

	res, data := doJSON(t, client, http.MethodPost, base+"/deliveries", map[string]any{
		"product_url": "https://demo.example.com",
		"checklist":   passingChecklist(),
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("run delivery status %d: %s", res.StatusCode, string(data))
	}
	var rep DeliverResponse
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if rep.AcceptanceID == "" {
		t.Fatal("no acceptance session opened")
	}

	// Past the three-day default timeout the sweep auto-passes the
	// unanswered session.
	offset.Store(int64(5 * 24 * time.Hour))
	res, data = doJSON(t, client, http.MethodPost, base+"/acceptance/sweep", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sweep status %d: %s", res.StatusCode, string(data))
	}
	var sweep AcceptanceSweepResponse
	if err := json.Unmarshal(data, &sweep); err != nil {
		t.Fatalf("unmarshal sweep: %v", err)
	}
	if len(sweep.AutoPassed) != 1 || sweep.AutoPassed[0] != rep.AcceptanceID {
		t.Fatalf("auto-passed = %v, want [%s]", sweep.AutoPassed, rep.AcceptanceID)
	}
}
