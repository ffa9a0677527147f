package submission

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/killkrill/killkrill/internal/model"
)

type fakeRPCTransport struct {
	submitErr error
	calls     int
	closed    bool
}

func (f *fakeRPCTransport) SubmitLogs(_ context.Context, _ []map[string]string) error {
	f.calls++
	return f.submitErr
}

func (f *fakeRPCTransport) SubmitMetrics(_ context.Context, _ []map[string]string) error {
	f.calls++
	return f.submitErr
}

func (f *fakeRPCTransport) Close() error {
	f.closed = true
	return nil
}

func loginServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login", "/auth/refresh":
			_ = json.NewEncoder(w).Encode(loginResponse{AccessToken: "tok-a", RefreshToken: "tok-r", ExpiresIn: 3600})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestLoginStoresTokenAndFallsBackToHTTPWithNoRPCAddr(t *testing.T) {
	srv := loginServer(t)
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, ClientID: "id", ClientSecret: "secret"})
	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if c.tokens.get().Access != "tok-a" {
		t.Errorf("access token = %q, want tok-a", c.tokens.get().Access)
	}
	if c.usingRPC {
		t.Error("expected HTTP transport when RPCAddr is empty")
	}
}

func TestLoginFailsOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	if err := c.Login(context.Background()); err == nil {
		t.Fatal("expected an authentication error")
	}
}

func TestInitTransportFallsBackToHTTPOnDialFailure(t *testing.T) {
	srv := loginServer(t)
	defer srv.Close()

	dialErr := errTransient("channel not ready")
	c := NewClient(Config{BaseURL: srv.URL, RPCAddr: "backend:9090"})
	c.cfg.dialRPC = func(ctx context.Context, addr string) (Transport, error) {
		return nil, dialErr
	}

	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if c.usingRPC {
		t.Error("expected fallback to HTTP after dial failure")
	}
}

func TestSubmitDowngradesFromRPCToHTTPOnFailure(t *testing.T) {
	var httpCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			_ = json.NewEncoder(w).Encode(loginResponse{AccessToken: "tok-a", RefreshToken: "tok-r", ExpiresIn: 3600})
		case "/api/v1/logs":
			httpCalls++
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	rpc := &fakeRPCTransport{submitErr: errTransient("stream reset")}
	c := NewClient(Config{BaseURL: srv.URL, RPCAddr: "backend:9090", BackoffBase: time.Millisecond})
	c.cfg.dialRPC = func(ctx context.Context, addr string) (Transport, error) {
		return rpc, nil
	}

	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !c.usingRPC {
		t.Fatal("expected RPC transport to be active after successful dial")
	}

	if err := c.Submit(context.Background(), "logs", []map[string]string{{"message": "x"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rpc.calls != 1 {
		t.Errorf("rpc calls = %d, want exactly 1 before downgrade", rpc.calls)
	}
	if httpCalls == 0 {
		t.Error("expected at least one HTTP submit after downgrade")
	}
	if c.usingRPC {
		t.Error("expected client to remain on HTTP after an RPC failure")
	}
}

func TestSubmitExhaustsRetriesAndReturnsResourceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			_ = json.NewEncoder(w).Encode(loginResponse{AccessToken: "tok-a", RefreshToken: "tok-r", ExpiresIn: 3600})
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, MaxRetries: 2, BackoffBase: time.Millisecond})
	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}

	err := c.Submit(context.Background(), "logs", []map[string]string{{"message": "x"}})
	if err == nil {
		t.Fatal("expected Submit to fail after exhausting retries")
	}
	var unavailable model.ErrResourceUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("Submit error = %v, want model.ErrResourceUnavailable", err)
	}
}

func TestSubmitRefreshesExpiredToken(t *testing.T) {
	var refreshCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			_ = json.NewEncoder(w).Encode(loginResponse{AccessToken: "tok-a", RefreshToken: "tok-r", ExpiresIn: 0})
		case "/auth/refresh":
			refreshCalls++
			_ = json.NewEncoder(w).Encode(loginResponse{AccessToken: "tok-b", RefreshToken: "tok-r2", ExpiresIn: 3600})
		case "/api/v1/logs":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	// ExpiresIn: 0 means the token is immediately within the refresh-ahead window.
	if err := c.Submit(context.Background(), "logs", []map[string]string{{"message": "x"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if refreshCalls != 1 {
		t.Errorf("refresh calls = %d, want 1", refreshCalls)
	}
	if c.tokens.get().Access != "tok-b" {
		t.Errorf("access token after refresh = %q, want tok-b", c.tokens.get().Access)
	}
}

type errTransient string

func (e errTransient) Error() string { return string(e) }
