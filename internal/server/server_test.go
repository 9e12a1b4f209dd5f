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

	"relay/internal/config"
	"relay/internal/db"
	"relay/internal/domain"
	"relay/internal/engine"
	"relay/internal/migrate"
)

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
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
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

var asAlice = map[string]string{"X-Actor-Id": "alice"}

func TestIssueLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/issues", map[string]any{
		"title": "Ship the widget",
	}, asAlice)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create issue: %d %s", res.StatusCode, string(data))
	}
	var issue IssueResponse
	if err := json.Unmarshal(data, &issue); err != nil {
		t.Fatalf("unmarshal issue: %v", err)
	}
	if issue.Status != "triage" {
		t.Fatalf("expected triage, got %s", issue.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/issues/"+issue.ID+"/link", map[string]any{
		"repo":         "acme/widgets",
		"issue_number": 42,
	}, asAlice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("link github: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/issues/"+issue.ID+"/draft", map[string]any{
		"validation":   "valid",
		"content_hash": "abc123",
	}, asAlice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put draft: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/issues/"+issue.ID+"/draft/commit", nil, asAlice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("commit draft: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/issues/"+issue.ID+"/next-step", map[string]any{}, asAlice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("next-step: %d %s", res.StatusCode, string(data))
	}
	var run engine.RunResponse
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("unmarshal run response: %v", err)
	}
	if run.LoopStatus != engine.LoopAdvanced || run.StateAfter != domain.StatusSpecReady {
		t.Fatalf("expected advance to spec_ready, got %+v", run)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/issues/"+issue.ID+"/runs", nil, asAlice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list runs: %d %s", res.StatusCode, string(data))
	}
	var runs []RunRecordResponse
	if err := json.Unmarshal(data, &runs); err != nil {
		t.Fatalf("unmarshal runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != "completed" {
		t.Fatalf("expected one completed run, got %+v", runs)
	}
}

func TestNextStepBlockedResponse(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/issues", map[string]any{
		"title": "No link yet",
	}, asAlice)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create issue: %d %s", res.StatusCode, string(data))
	}
	var issue IssueResponse
	_ = json.Unmarshal(data, &issue)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/issues/"+issue.ID+"/next-step", map[string]any{}, asAlice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("next-step: %d %s", res.StatusCode, string(data))
	}
	var run engine.RunResponse
	_ = json.Unmarshal(data, &run)
	if run.LoopStatus != engine.LoopBlocked || run.BlockerCode != domain.BlockerNoGitHubLink {
		t.Fatalf("expected NO_GITHUB_LINK block, got %+v", run)
	}
}

func TestNextStepLockConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/issues", map[string]any{
		"id":    stringPtr("iss-locked"),
		"title": "Contended",
	}, asAlice)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create issue: %d %s", res.StatusCode, string(data))
	}
	acq, err := srv.Engine.Locks.Acquire(context.Background(), "iss-locked", "", domain.ModeExecute, "alice", "req-0", time.Minute)
	if err != nil || !acq.Acquired {
		t.Fatalf("pre-acquire: %v %+v", err, acq)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/issues/iss-locked/next-step", map[string]any{}, asAlice)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "lock_conflict" {
		t.Fatalf("expected lock_conflict code, got %+v", envelope.Error)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/issues", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must be open, got %d", res.StatusCode)
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"actor_id": "alice",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("unmarshal login: %v %s", err, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me MeResponse
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "alice" || me.Source != "jwt" {
		t.Fatalf("unexpected identity %+v", me)
	}
}

func stringPtr(s string) *string { return &s }
