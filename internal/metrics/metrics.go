// Package metrics implements the Metrics Receiver (spec.md §4.3): validates submitted
// samples and appends them to the Stream Bus metrics:raw stream.
package metrics

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/killkrill/killkrill/internal/admission"
	"github.com/killkrill/killkrill/internal/httpauth"
	"github.com/killkrill/killkrill/internal/model"
	"github.com/killkrill/killkrill/internal/streambus"
)

// nameRe is the MetricSample.Name invariant from spec.md §3.
var nameRe = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)

// Sample is one metric observation as accepted on the wire (spec.md §6).
type Sample struct {
	Name      string            `json:"name"`
	Type      string            `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp string            `json:"timestamp,omitempty"`
}

// Validate enforces the name-regex, finite-value, and kind-enum invariants.
func (s Sample) Validate() error {
	if !nameRe.MatchString(s.Name) {
		return model.ErrValidation{Reason: "name must match [a-zA-Z_:][a-zA-Z0-9_:]*"}
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return model.ErrValidation{Reason: "value must be finite"}
	}
	switch model.MetricKind(s.Type) {
	case model.MetricKindCounter, model.MetricKindGauge, model.MetricKindHistogram, model.MetricKindSummary:
	default:
		return model.ErrValidation{Reason: "unknown metric type"}
	}

	return nil
}

// StreamFields builds the field map appended to metrics:raw per spec.md §4.3.
func (s Sample) StreamFields(sourceApplication, sourceIP string) map[string]string {
	ts := s.Timestamp
	if ts == "" {
		ts = time.Now().UTC().Format(time.RFC3339)
	}
	fields := map[string]string{
		"metric_name":  s.Name,
		"metric_type":  s.Type,
		"metric_value": strconv.FormatFloat(s.Value, 'g', -1, 64),
		"timestamp":    ts,
		"source_ip":    sourceIP,
		"source":       sourceApplication,
	}
	if len(s.Labels) > 0 {
		if b, err := json.Marshal(s.Labels); err == nil {
			fields["labels"] = string(b)
		}
	}

	return fields
}

// batchRequest is the body of POST /api/v1/metrics: either {metrics:[...]} or a single
// Sample inlined at the top level.
type batchRequest struct {
	Name      string            `json:"name"`
	Type      string            `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp string            `json:"timestamp,omitempty"`
	Metrics   []Sample          `json:"metrics,omitempty"`
}

func (b batchRequest) samples() []Sample {
	if len(b.Metrics) > 0 {
		return b.Metrics
	}

	return []Sample{{Name: b.Name, Type: b.Type, Value: b.Value, Labels: b.Labels, Timestamp: b.Timestamp}}
}

type response struct {
	Status    string `json:"status"`
	Processed int    `json:"processed"`
}

// Handler implements the HTTP metrics ingest surface.
type Handler struct {
	Filter   *admission.Filter
	Bus      streambus.Bus
	PortHTTP int

	// RateLimiter sheds load from a single noisy source after admission but before any
	// parsing cost; nil disables limiting.
	RateLimiter *admission.RateLimiter

	// DropReason, if non-nil, is called once per admission-denied request with a fixed
	// reason string (spec.md §8 scenario 3's packets_dropped{reason="ip_not_allowed"}).
	DropReason func(reason string)

	// Processed, if non-nil, is called once per successfully appended batch with the
	// number of samples it contained, feeding the Entitlement Gate's keepalive counters
	// (SPEC_FULL.md's Supplemented Features §4).
	Processed func(n int)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	peer, err := admission.AddrFromString(r.RemoteAddr)
	if err != nil {
		http.Error(w, model.ErrValidation{Reason: "unparseable peer address"}.Error(), http.StatusBadRequest)
		return
	}
	sourceID, ok := h.Filter.Current().Allow(peer, h.PortHTTP)
	if !ok {
		if h.DropReason != nil {
			h.DropReason("ip_not_allowed")
		}
		http.Error(w, model.ErrAdmissionDenied{Reason: "peer not allowed"}.Error(), http.StatusForbidden)
		return
	}
	identity, _ := httpauth.FromContext(ctx)
	limitKey := sourceID
	if identity.SourceID != "" {
		limitKey = identity.SourceID
	}
	if !h.RateLimiter.Allow(limitKey) {
		http.Error(w, model.ErrResourceUnavailable{Reason: "source rate limit exceeded"}.Error(), http.StatusTooManyRequests)
		return
	}

	var req batchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, model.ErrValidation{Reason: "malformed body: " + err.Error()}.Error(), http.StatusBadRequest)
		return
	}

	samples := req.samples()
	processed := 0
	for _, s := range samples {
		if err := s.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fields := s.StreamFields(identity.Subject, peer.String())
		if _, err := h.Bus.Append(ctx, "metrics:raw", fields); err != nil {
			writePartial(w, processed)
			return
		}
		processed++
	}
	if h.Processed != nil && processed > 0 {
		h.Processed(processed)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response{Status: "success", Processed: processed})
}

func writePartial(w http.ResponseWriter, processed int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(response{Status: "partial", Processed: processed})
}

// RegisterRoutes wires h behind the Multi-Auth middleware onto mux.
func RegisterRoutes(mux *http.ServeMux, h *Handler, lookup httpauth.SourceLookup, jwtSecret []byte) {
	mux.Handle("/api/v1/metrics", httpauth.Middleware(lookup, jwtSecret, h))
}
