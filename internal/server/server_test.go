package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vibetunnel/vibetunnel/internal/buffers"
	"github.com/vibetunnel/vibetunnel/internal/config"
	"github.com/vibetunnel/vibetunnel/internal/dedup"
	"github.com/vibetunnel/vibetunnel/internal/hq"
	"github.com/vibetunnel/vibetunnel/internal/protocol"
	"github.com/vibetunnel/vibetunnel/internal/session"
	"github.com/vibetunnel/vibetunnel/internal/stream"
	"github.com/vibetunnel/vibetunnel/internal/term"
)

func newTestServer(t *testing.T, configure func(*Options)) (*httptest.Server, *session.Manager) {
	t.Helper()
	errs := dedup.NewSink(zerolog.Nop())
	manager, err := session.NewManager(t.TempDir(), errs)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { manager.Shutdown(2 * time.Second) })

	streams := stream.NewHub(zerolog.Nop(), errs)
	terms := term.NewHub(manager.ControlDir(), streams, zerolog.Nop(), errs)
	t.Cleanup(func() {
		terms.Close()
		streams.Close()
	})

	store, err := config.NewStore(filepath.Join(t.TempDir(), "config.json"), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	agg := buffers.NewAggregator(buffers.Options{
		Hub: terms,
		Exists: func(id string) bool {
			_, err := manager.Info(id)
			return err == nil
		},
	})
	t.Cleanup(agg.Close)

	opts := Options{Manager: manager, Terms: terms, Buffers: agg, Store: store}
	if configure != nil {
		configure(&opts)
	}
	ts := httptest.NewServer(New(opts).Router())
	t.Cleanup(ts.Close)
	return ts, manager
}

func doJSON(t *testing.T, method, url string, body any, with func(*http.Request)) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if with != nil {
		with(req)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	cwd := t.TempDir()

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/sessions", map[string]any{
		"argv": []string{"cat"},
		"cwd":  cwd,
		"name": "demo",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d, want 201", resp.StatusCode)
	}
	var created sessionInfo
	decodeBody(t, resp, &created)
	if created.ID == "" {
		t.Fatal("created session has no id")
	}
	if created.Status != session.StatusRunning {
		t.Errorf("status = %s, want running", created.Status)
	}
	if created.Name != "demo" || created.Cols != 80 || created.Rows != 24 {
		t.Errorf("created = %q %dx%d, want demo 80x24", created.Name, created.Cols, created.Rows)
	}

	var list []sessionInfo
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/sessions", nil, nil)
	decodeBody(t, resp, &list)
	if len(list) != 1 || list[0].ID != created.ID {
		t.Fatalf("list = %d entries, want the created session", len(list))
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/sessions/"+created.ID+"/input", map[string]string{
		"text": "hello\n",
	}, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("input = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()

	// PTY echo lands the input in the recorded stream.
	deadline := time.Now().Add(5 * time.Second)
	seen := false
	for time.Now().Before(deadline) {
		resp = doJSON(t, http.MethodGet, ts.URL+"/api/sessions/"+created.ID+"/stream", nil, nil)
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatal(err)
		}
		if strings.Contains(string(data), "hello") {
			seen = true
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !seen {
		t.Error("stream never contained the echoed input")
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/sessions/"+created.ID+"/resize", map[string]int{
		"cols": 100, "rows": 30,
	}, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("resize = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()

	var got sessionInfo
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/sessions/"+created.ID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get = %d, want 200", resp.StatusCode)
	}
	decodeBody(t, resp, &got)
	if got.Cols != 100 || got.Rows != 30 {
		t.Errorf("dims after resize = %dx%d, want 100x30", got.Cols, got.Rows)
	}

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/sessions/"+created.ID, nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/sessions/"+created.ID, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCreateSessionValidation(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	cwd := t.TempDir()

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/sessions", map[string]any{"cwd": cwd}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("create without argv = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/sessions", map[string]any{
		"argv": []string{"cat"}, "cwd": cwd, "titleMode": "bogus",
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("create with bad titleMode = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/sessions", map[string]any{
		"argv": []string{"cat"}, "cwd": cwd, "titleMode": "filter", "sessionId": "dup-check",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d, want 201", resp.StatusCode)
	}
	var created sessionInfo
	decodeBody(t, resp, &created)
	if created.TitleMode != "filter" {
		t.Errorf("titleMode = %q, want filter", created.TitleMode)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/sessions", map[string]any{
		"argv": []string{"cat"}, "cwd": cwd, "sessionId": "dup-check",
	}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate id = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSessionErrorStatus(t *testing.T) {
	ts, manager := newTestServer(t, nil)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/sessions/ghost/input", map[string]string{"text": "x"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("input to unknown session = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/sessions/ghost/resize", map[string]int{"cols": 80, "rows": 24}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("resize of unknown session = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/sessions/ghost", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("delete of unknown session = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	s, err := manager.Create(session.Spec{Argv: []string{"sh", "-c", "exit 0"}, Cwd: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not exit in time")
	}
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/sessions/"+s.ID+"/input", map[string]string{"text": "x"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("input to exited session = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestGitEventEndpoint(t *testing.T) {
	var seen protocol.GitEventNotify
	ts, _ := newTestServer(t, func(o *Options) {
		o.Events = func(ctx context.Context, ev protocol.GitEventNotify) bool {
			seen = ev
			return true
		}
	})

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/git/event", map[string]string{
		"repoPath": "/work/repo", "type": "checkout",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("git event = %d, want 200", resp.StatusCode)
	}
	var ack map[string]bool
	decodeBody(t, resp, &ack)
	if !ack["handled"] {
		t.Error("handled = false, want true from the sink")
	}
	if seen.RepoPath != "/work/repo" || seen.Type != "checkout" {
		t.Errorf("sink saw %+v, want /work/repo checkout", seen)
	}

	for _, body := range []map[string]string{
		{"repoPath": "", "type": "checkout"},
		{"repoPath": "/work/repo", "type": "gc"},
	} {
		resp = doJSON(t, http.MethodPost, ts.URL+"/api/git/event", body, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("git event %v = %d, want 400", body, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestGitEventWithoutSink(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/git/event", map[string]string{
		"repoPath": "/work/repo", "type": "commit",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("git event = %d, want 200", resp.StatusCode)
	}
	var ack map[string]bool
	decodeBody(t, resp, &ack)
	if ack["handled"] {
		t.Error("handled = true without a sink")
	}
}

func TestQuickStartAPI(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	var got quickStartPayload
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/config/quick-start", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get quick start = %d, want 200", resp.StatusCode)
	}
	decodeBody(t, resp, &got)
	if len(got.Commands) == 0 || got.Commands[0].Command != "claude" {
		t.Fatalf("defaults = %+v, want claude first", got.Commands)
	}

	resp = doJSON(t, http.MethodPut, ts.URL+"/api/config/quick-start", quickStartPayload{
		Commands: []config.QuickStartCommand{
			{Name: "Python", Command: "python3"},
			{Command: "htop"},
		},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put quick start = %d, want 200", resp.StatusCode)
	}
	decodeBody(t, resp, &got)
	if len(got.Commands) != 2 || got.Commands[1].Command != "htop" {
		t.Errorf("after put = %+v, want the replaced list", got.Commands)
	}

	resp = doJSON(t, http.MethodPut, ts.URL+"/api/config/quick-start", quickStartPayload{
		Commands: []config.QuickStartCommand{{Command: "  "}},
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("put invalid quick start = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/config/quick-start", nil, nil)
	decodeBody(t, resp, &got)
	if len(got.Commands) != 2 {
		t.Errorf("rejected put changed the config: %+v", got.Commands)
	}
}

func withBasic(user, pass string) func(*http.Request) {
	return func(r *http.Request) { r.SetBasicAuth(user, pass) }
}

func TestRemotesAPI(t *testing.T) {
	registry := hq.NewRegistry()
	ts, _ := newTestServer(t, func(o *Options) {
		o.Registry = registry
		o.HQAuth = &BasicCreds{Username: "hq", Password: "s3cret"}
	})

	reg := map[string]string{"id": "r1", "name": "alpha", "url": "http://a.example", "token": "tok-1"}

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/remotes", reg, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("register without auth = %d, want 401", resp.StatusCode)
	}
	if got := resp.Header.Get("WWW-Authenticate"); !strings.Contains(got, "Basic") {
		t.Errorf("WWW-Authenticate = %q, want a Basic challenge", got)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/remotes", reg, withBasic("hq", "wrong"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("register with bad password = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/remotes", reg, withBasic("hq", "s3cret"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register = %d, want 201", resp.StatusCode)
	}
	var registered hq.Remote
	decodeBody(t, resp, &registered)
	if registered.ID != "r1" || registered.Name != "alpha" {
		t.Errorf("registered = %s/%s, want r1/alpha", registered.ID, registered.Name)
	}

	// Same id re-registering is a reconnect, not a conflict.
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/remotes/register", reg, withBasic("hq", "s3cret"))
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("re-register = %d, want 201", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/remotes", map[string]string{
		"id": "r2", "name": "alpha", "url": "http://b.example", "token": "tok-2",
	}, withBasic("hq", "s3cret"))
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("register with taken name = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	registry.SetSessions("r1", []string{"s1", "s2"})
	var list []remoteInfo
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/remotes", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list remotes = %d, want 200", resp.StatusCode)
	}
	decodeBody(t, resp, &list)
	if len(list) != 1 || len(list[0].Sessions) != 2 {
		t.Errorf("list = %+v, want r1 claiming two sessions", list)
	}

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/remotes/r1", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("delete without auth = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/remotes/r1", nil, withBasic("hq", "s3cret"))
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/remotes/r1", nil, withBasic("hq", "s3cret"))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRemotesRouteAbsentWithoutRegistry(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/remotes", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("remotes on standalone server = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRegistrationRateLimit(t *testing.T) {
	ts, _ := newTestServer(t, func(o *Options) {
		o.Registry = hq.NewRegistry()
		o.HQAuth = &BasicCreds{Username: "hq", Password: "s3cret"}
	})

	for i := 0; i < 10; i++ {
		resp := doJSON(t, http.MethodPost, ts.URL+"/api/remotes", map[string]string{
			"id":    "r" + string(rune('a'+i)),
			"name":  "remote-" + string(rune('a'+i)),
			"url":   "http://x.example",
			"token": "tok",
		}, withBasic("hq", "s3cret"))
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("register %d = %d, want 201", i, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/remotes", map[string]string{
		"id": "overflow", "name": "overflow", "url": "http://x.example", "token": "tok",
	}, withBasic("hq", "s3cret"))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("11th registration = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After")
	}
	resp.Body.Close()
}

func TestBearerMiddleware(t *testing.T) {
	secret, err := hq.GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	ts, _ := newTestServer(t, func(o *Options) {
		o.Bearer = &BearerAuth{Secret: secret, RemoteID: "remote-1"}
	})

	// Local requests carry no Authorization header and pass through.
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/sessions", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("request without token = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	token, err := hq.MintToken(secret, "remote-1")
	if err != nil {
		t.Fatal(err)
	}
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/sessions", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("request with valid token = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	foreign, err := hq.MintToken(secret, "someone-else")
	if err != nil {
		t.Fatal(err)
	}
	for name, header := range map[string]string{
		"garbage token":   "Bearer not-a-jwt",
		"foreign subject": "Bearer " + foreign,
		"wrong scheme":    "Basic abc",
	} {
		resp = doJSON(t, http.MethodGet, ts.URL+"/api/sessions", nil, func(r *http.Request) {
			r.Header.Set("Authorization", header)
		})
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s = %d, want 401", name, resp.StatusCode)
		}
		resp.Body.Close()
	}
}
