package logs

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"k8s.io/klog/v2"

	"github.com/killkrill/killkrill/internal/admission"
	"github.com/killkrill/killkrill/internal/model"
	"github.com/killkrill/killkrill/internal/streambus"
)

type fakeSources struct {
	byID     map[string]model.LogSource
	received map[string]uint64
	dropped  map[string]uint64
}

func newFakeSources(sources ...model.LogSource) *fakeSources {
	f := &fakeSources{byID: map[string]model.LogSource{}, received: map[string]uint64{}, dropped: map[string]uint64{}}
	for _, s := range sources {
		f.byID[s.ID] = s
	}

	return f
}

func (f *fakeSources) LookupByID(_ context.Context, id string) (model.LogSource, bool, error) {
	s, ok := f.byID[id]

	return s, ok, nil
}
func (f *fakeSources) RecordReceived(_ context.Context, id string, n uint64) { f.received[id] += n }
func (f *fakeSources) RecordDropped(_ context.Context, id string, n uint64)  { f.dropped[id] += n }

func mustPrefixes(t *testing.T, cidrs ...string) []netip.Prefix {
	t.Helper()
	out := make([]netip.Prefix, len(cidrs))
	for i, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			t.Fatalf("ParsePrefix(%q): %v", c, err)
		}
		out[i] = p
	}

	return out
}

func newTestFilter(port int) *admission.Filter {
	f := admission.New()
	f.Reload(admission.NewSnapshotWithSources(
		map[int]admission.Rule{port: {SourceID: "s1"}},
		map[string]admission.Rule{"s1": {SourceID: "s1"}},
	))

	return f
}

func TestHandlerSingleLog(t *testing.T) {
	bus := streambus.NewMemBus()
	h := &Handler{
		Filter:   newTestFilter(8080),
		Bus:      bus,
		Sources:  newFakeSources(model.LogSource{ID: "s1", Enabled: true}),
		Logger:   klog.Background(),
		PortHTTP: 8080,
	}

	body := `{"source":"s1","application":"a","logs":[{"log_level":"info","message":"hello","service_name":"svc","timestamp":"2025-01-01T00:00:00Z"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/logs", bytes.NewBufferString(body))
	req.RemoteAddr = "10.0.0.1:12345"
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp batchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "success" || resp.Processed != 1 {
		t.Errorf("resp = %+v, want success/1", resp)
	}

	n, err := bus.StreamLength(context.Background(), "logs:raw")
	if err != nil || n != 1 {
		t.Fatalf("StreamLength = %d, %v, want 1", n, err)
	}
}

func TestHandlerRejectsOversizedBatch(t *testing.T) {
	bus := streambus.NewMemBus()
	h := &Handler{
		Filter:   newTestFilter(8080),
		Bus:      bus,
		Sources:  newFakeSources(model.LogSource{ID: "s1", Enabled: true}),
		Logger:   klog.Background(),
		PortHTTP: 8080,
	}

	logs := make([]Entry, MaxEntriesPerBatch+1)
	for i := range logs {
		logs[i] = Entry{Message: "m", ServiceName: "svc"}
	}
	payload, _ := json.Marshal(batchRequest{Source: "s1", Logs: logs})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/logs", bytes.NewReader(payload))
	req.RemoteAddr = "10.0.0.1:1"
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandlerCIDRDenial(t *testing.T) {
	bus := streambus.NewMemBus()
	f := admission.New()
	f.Reload(admission.NewSnapshot(map[int]admission.Rule{
		8080: {SourceID: "s1", Networks: mustPrefixes(t, "10.0.0.0/8")},
	}))
	h := &Handler{
		Filter:   f,
		Bus:      bus,
		Sources:  newFakeSources(model.LogSource{ID: "s1", Enabled: true}),
		Logger:   klog.Background(),
		PortHTTP: 8080,
	}

	body := `{"source":"s1","logs":[{"message":"m","service_name":"svc"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/logs", bytes.NewBufferString(body))
	req.RemoteAddr = "192.168.1.1:1"
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	n, _ := bus.StreamLength(context.Background(), "logs:raw")
	if n != 0 {
		t.Fatalf("StreamLength = %d, want 0", n)
	}
}

// TestHandlerRejectsCrossSourceSubmission exercises spec.md's per-source CIDR
// isolation: a peer allow-listed for source A (and thus admitted under the shared HTTP
// port's union rule) must not be able to submit a batch under source B's name if the
// peer doesn't also match source B's own allowlist.
func TestHandlerRejectsCrossSourceSubmission(t *testing.T) {
	bus := streambus.NewMemBus()
	f := admission.New()
	f.Reload(admission.NewSnapshotWithSources(
		map[int]admission.Rule{8080: {SourceID: "http", Networks: mustPrefixes(t, "10.0.0.0/8", "192.168.0.0/16")}},
		map[string]admission.Rule{
			"a": {SourceID: "a", Networks: mustPrefixes(t, "10.0.0.0/8")},
			"b": {SourceID: "b", Networks: mustPrefixes(t, "192.168.0.0/16")},
		},
	))
	h := &Handler{
		Filter:   f,
		Bus:      bus,
		Sources:  newFakeSources(model.LogSource{ID: "a", Enabled: true}, model.LogSource{ID: "b", Enabled: true}),
		Logger:   klog.Background(),
		PortHTTP: 8080,
	}

	// Peer is allow-listed for source "a" (and so passes the shared port's union
	// check) but submits under source "b", which it is not allow-listed for.
	body := `{"source":"b","logs":[{"message":"m","service_name":"svc"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/logs", bytes.NewBufferString(body))
	req.RemoteAddr = "10.0.0.1:1"
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	n, _ := bus.StreamLength(context.Background(), "logs:raw")
	if n != 0 {
		t.Fatalf("StreamLength = %d, want 0", n)
	}
}

func TestHandlerUnknownSource(t *testing.T) {
	bus := streambus.NewMemBus()
	h := &Handler{
		Filter:   newTestFilter(8080),
		Bus:      bus,
		Sources:  newFakeSources(),
		Logger:   klog.Background(),
		PortHTTP: 8080,
	}

	body := `{"source":"missing","logs":[{"message":"m","service_name":"svc"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/logs", bytes.NewBufferString(body))
	req.RemoteAddr = "10.0.0.1:1"
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
