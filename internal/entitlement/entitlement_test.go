package entitlement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func validateServer(t *testing.T, validateCalls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if validateCalls != nil {
			atomic.AddInt32(validateCalls, 1)
		}
		_ = json.NewEncoder(w).Encode(validateResponse{
			Tier:      "pro",
			Features:  map[string]bool{"cel_rules": true, "ai_analysis": false},
			Limits:    map[string]int{"sources": 100},
			ExpiresAt: time.Now().Add(24 * time.Hour),
		})
	}))
}

func TestCheckFeatureValidatesOnFirstCall(t *testing.T) {
	var calls int32
	srv := validateServer(t, &calls)
	defer srv.Close()

	g := NewGate(Config{ValidationURL: srv.URL, LicenseKey: "k", Product: "killkrill"})

	ok, err := g.CheckFeature(context.Background(), "cel_rules")
	if err != nil {
		t.Fatalf("CheckFeature: %v", err)
	}
	if !ok {
		t.Error("expected cel_rules enabled")
	}
	if calls != 1 {
		t.Errorf("validate calls = %d, want 1", calls)
	}

	ok, err = g.CheckFeature(context.Background(), "ai_analysis")
	if err != nil {
		t.Fatalf("CheckFeature: %v", err)
	}
	if ok {
		t.Error("expected ai_analysis disabled")
	}
	if calls != 1 {
		t.Errorf("second check_feature within TTL should not re-validate, calls = %d", calls)
	}
}

func TestCheckFeatureRefreshesOnStaleCache(t *testing.T) {
	var calls int32
	srv := validateServer(t, &calls)
	defer srv.Close()

	g := NewGate(Config{ValidationURL: srv.URL, LicenseKey: "k", Product: "killkrill"})
	if _, err := g.CheckFeature(context.Background(), "cel_rules"); err != nil {
		t.Fatalf("CheckFeature: %v", err)
	}

	// Force staleness directly rather than sleeping 5 real minutes.
	g.mu.Lock()
	g.cachedAt = time.Now().Add(-cacheTTL - time.Second)
	g.mu.Unlock()

	if _, err := g.CheckFeature(context.Background(), "cel_rules"); err != nil {
		t.Fatalf("CheckFeature: %v", err)
	}
	if calls != 2 {
		t.Errorf("validate calls = %d, want 2 after forced staleness", calls)
	}
}

func TestValidateFailsOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	g := NewGate(Config{ValidationURL: srv.URL})
	if err := g.Validate(context.Background()); err == nil {
		t.Fatal("expected an authentication error for an invalid license")
	}
}

func TestSendKeepaliveSendsUsageStats(t *testing.T) {
	received := make(chan keepaliveRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req keepaliveRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		received <- req
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := NewGate(Config{KeepaliveURL: srv.URL, LicenseKey: "k"})

	// Exercise sendKeepalive directly; RunKeepalive's ticker cadence is a 60s constant
	// not worth sleeping through in a test.
	usage := UsageStats{LogsProcessed: 10, MetricsProcessed: 5, ActiveSources: 2}
	if err := g.sendKeepalive(context.Background(), usage); err != nil {
		t.Fatalf("sendKeepalive: %v", err)
	}

	select {
	case req := <-received:
		if req.UsageStats != usage {
			t.Errorf("usage stats = %+v, want %+v", req.UsageStats, usage)
		}
	case <-time.After(time.Second):
		t.Fatal("keepalive request never reached the server")
	}
}
