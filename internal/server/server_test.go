package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"waveline/internal/config"
	"waveline/internal/domain"
	"waveline/internal/engine"
	"waveline/internal/loop"
	"waveline/internal/store"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	e := engine.New(store.New(t.TempDir()), config.Default())
	handler := New(Config{
		Engine:     e,
		Controller: loop.New(e),
		BasePath:   "/v0",
		Auth:       auth,
	})
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

func seedProject(t *testing.T, srv *testServer) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"project": "shop",
		"team":    "alpha",
		"goal":    "ship it",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	seedProject(t, srv)
	base := srv.URL + "/v0/projects/shop/alpha"

	res, data := doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{
		"id":    "t1",
		"title": "Build the cart",
		"role":  "backend",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var created domain.Task
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if created.ID != "t1" || created.Status != domain.StatusOpen {
		t.Fatalf("created = %+v", created)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/tasks/t1/claim", map[string]any{"owner": "worker-1"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", res.StatusCode, string(data))
	}
	var claimed domain.Task
	_ = json.Unmarshal(data, &claimed)
	if claimed.Status != domain.StatusInProgress || claimed.ClaimedBy == nil || *claimed.ClaimedBy != "worker-1" {
		t.Fatalf("claimed = %+v", claimed)
	}

	res, data = doJSON(t, client, http.MethodPatch, base+"/tasks/t1", map[string]any{
		"status": "resolved",
		"add_evidence": []map[string]any{
			{"type": "command", "command": "make test", "output": "ok"},
			{"type": "note", "note": "reviewed"},
		},
	}, map[string]string{"X-Worker-ID": "worker-1"})
	if res.StatusCode != http.StatusConflict {
		// Without the header feature enabled the actor falls back to
		// anonymous, which does not hold the claim.
		t.Fatalf("resolve by non-owner: %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "not_owner" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}
}

func TestClaimConflict(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowWorkerIDHeader: true})
	defer cleanup()
	client := srv.Client()
	seedProject(t, srv)
	base := srv.URL + "/v0/projects/shop/alpha"

	res, data := doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{"id": "t1", "title": "Claim me"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/tasks/t1/claim", nil, map[string]string{"X-Worker-ID": "w1"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first claim: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base+"/tasks/t1/claim", nil, map[string]string{"X-Worker-ID": "w2"})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "already_claimed" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}
}

func TestWorkerDrivenRunOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowWorkerIDHeader: true})
	defer cleanup()
	client := srv.Client()
	seedProject(t, srv)
	base := srv.URL + "/v0/projects/shop/alpha"
	hdr := map[string]string{"X-Worker-ID": "w1"}

	for _, body := range []map[string]any{
		{"id": "a", "title": "task a"},
		{"id": "b", "title": "task b", "blocked_by": []string{"a"}},
	} {
		if res, data := doJSON(t, client, http.MethodPost, base+"/tasks", body, hdr); res.StatusCode != http.StatusCreated {
			t.Fatalf("create: %d %s", res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodPost, base+"/waves/calculate", nil, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("calculate: %d %s", res.StatusCode, string(data))
	}
	var waves WavesResponse
	if err := json.Unmarshal(data, &waves); err != nil {
		t.Fatalf("unmarshal waves: %v", err)
	}
	if len(waves.Waves) != 2 {
		t.Fatalf("waves = %+v", waves.Waves)
	}

	// Claiming b before a resolves is blocked.
	res, data = doJSON(t, client, http.MethodPost, base+"/tasks/b/claim", nil, hdr)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("blocked claim: %d %s", res.StatusCode, string(data))
	}

	for _, id := range []string{"a", "b"} {
		if res, data := doJSON(t, client, http.MethodPost, base+"/tasks/"+id+"/claim", nil, hdr); res.StatusCode != http.StatusOK {
			t.Fatalf("claim %s: %d %s", id, res.StatusCode, string(data))
		}
		res, data = doJSON(t, client, http.MethodPatch, base+"/tasks/"+id, map[string]any{
			"status": "resolved",
			"add_evidence": []map[string]any{
				{"type": "command", "command": "make test", "output": "ok"},
				{"type": "note", "note": "reviewed"},
			},
		}, hdr)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("resolve %s: %d %s", id, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/waves/status?wave=1", nil, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("wave status: %d %s", res.StatusCode, string(data))
	}
	var status WaveStatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if !status.Complete || status.Resolved != 1 {
		t.Fatalf("wave 1 status = %+v", status)
	}
}

func TestUnknownTaskIs404(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	seedProject(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/shop/alpha/tasks/ghost", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestJWTAuth(t *testing.T) {
	const secret = "test-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated request passed: %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token passed: %d", res.StatusCode)
	}

	token, err := MintWorkerToken("worker-9", secret)
	if err != nil {
		t.Fatal(err)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("minted token rejected: %d %s", res.StatusCode, string(data))
	}
}

func TestCIWebhookAppendsEvidence(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	seedProject(t, srv)
	base := srv.URL + "/v0/projects/shop/alpha"

	if res, data := doJSON(t, client, http.MethodPost, base+"/tasks", map[string]any{"id": "t1", "title": "Under CI"}, nil); res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/webhooks/ci", map[string]any{
		"project":   "shop",
		"team":      "alpha",
		"task_id":   "t1",
		"command":   "go test ./...",
		"exit_code": 0,
		"output":    "PASS",
	}, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("webhook: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/tasks/t1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task: %d %s", res.StatusCode, string(data))
	}
	var fetched domain.Task
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if len(fetched.Evidence) != 1 || fetched.Evidence[0].Type != domain.EvidenceTest {
		t.Fatalf("evidence = %+v", fetched.Evidence)
	}
	if fetched.Evidence[0].ExitCode == nil || *fetched.Evidence[0].ExitCode != 0 {
		t.Fatalf("exit code = %v", fetched.Evidence[0].ExitCode)
	}
}

func TestAdvanceOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowWorkerIDHeader: true})
	defer cleanup()
	client := srv.Client()
	seedProject(t, srv)
	base := srv.URL + "/v0/projects/shop/alpha"
	hdr := map[string]string{"X-Worker-ID": "w1"}

	// Before execution starts the controller declines to continue.
	res, data := doJSON(t, client, http.MethodPost, base+"/advance", nil, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance: %d %s", res.StatusCode, string(data))
	}
	var adv AdvanceResponse
	if err := json.Unmarshal(data, &adv); err != nil {
		t.Fatalf("unmarshal advance: %v", err)
	}
	if adv.Continue {
		t.Fatalf("planning project must not continue: %+v", adv)
	}
}
