package hq

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestClientRegistersWithRetry(t *testing.T) {
	var attempts atomic.Int32
	regs := make(chan registration, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost || req.URL.Path != "/api/remotes" {
			t.Errorf("unexpected request %s %s", req.Method, req.URL.Path)
		}
		if user, pass, ok := req.BasicAuth(); !ok || user != "hq" || pass == "" {
			t.Errorf("basic auth = %q/%q/%v", user, pass, ok)
		}
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var reg registration
		if err := json.NewDecoder(req.Body).Decode(&reg); err != nil {
			t.Errorf("decode body: %v", err)
		}
		regs <- reg
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	secret, _ := GenerateSecret()
	c, err := NewClient(ClientOptions{
		HQURL:  srv.URL,
		User:   "hq",
		Pass:   "swordfish",
		Name:   "alpha",
		URL:    "http://remote.example:4021",
		Secret: secret,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := attempts.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}

	reg := <-regs
	if reg.ID != c.Remote().ID || reg.Name != "alpha" || reg.URL != "http://remote.example:4021" {
		t.Errorf("registration = %+v", reg)
	}
	// The token HQ received must verify under this remote's secret and
	// name this remote.
	id, err := VerifyToken(secret, reg.Token)
	if err != nil || id != c.Remote().ID {
		t.Errorf("token subject = %q, %v; want %q", id, err, c.Remote().ID)
	}
}

func TestClientAuthRejected(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	secret, _ := GenerateSecret()
	c, err := NewClient(ClientOptions{HQURL: srv.URL, User: "hq", Pass: "wrong", Name: "alpha", URL: "http://r", Secret: secret})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Run(context.Background()); !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("Run = %v, want ErrAuthRejected", err)
	}
	if n := attempts.Load(); n != 1 {
		t.Errorf("attempts = %d, want 1; bad credentials are not retryable", n)
	}
}

func TestClientRunStopsOnContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	secret, _ := GenerateSecret()
	c, err := NewClient(ClientOptions{HQURL: srv.URL, User: "hq", Pass: "p", Name: "alpha", URL: "http://r", Secret: secret})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := c.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v, want deadline exceeded", err)
	}
}

func TestClientDetach(t *testing.T) {
	calls := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if user, _, ok := req.BasicAuth(); !ok || user != "hq" {
			t.Errorf("detach missing basic auth")
		}
		calls <- req.Method + " " + req.URL.Path
	}))
	defer srv.Close()

	secret, _ := GenerateSecret()
	c, err := NewClient(ClientOptions{HQURL: srv.URL, User: "hq", Pass: "p", Name: "alpha", URL: "http://r", Secret: secret})
	if err != nil {
		t.Fatal(err)
	}
	c.Detach()

	select {
	case got := <-calls:
		want := "DELETE /api/remotes/" + c.Remote().ID
		if got != want {
			t.Errorf("detach call = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("detach never reached hq")
	}
}
