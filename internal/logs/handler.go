package logs

import (
	"context"
	"encoding/json"
	"net/http"

	"k8s.io/klog/v2"

	"github.com/killkrill/killkrill/internal/admission"
	"github.com/killkrill/killkrill/internal/httpauth"
	"github.com/killkrill/killkrill/internal/model"
	"github.com/killkrill/killkrill/internal/streambus"
)

// SourceResolver looks up a registered LogSource by id, used to validate the source
// named in a batch and to record audit/counter updates.
type SourceResolver interface {
	LookupByID(ctx context.Context, id string) (model.LogSource, bool, error)
	RecordReceived(ctx context.Context, id string, n uint64)
	RecordDropped(ctx context.Context, id string, n uint64)
}

// AuditWriter persists a best-effort audit copy of accepted log entries; failures here
// never fail the request (spec.md §4.2 point iii: "best-effort, used for audit only").
type AuditWriter interface {
	WriteRecord(ctx context.Context, r model.LogRecord) error
}

// batchRequest is the body of POST /api/v1/logs.
type batchRequest struct {
	Source      string  `json:"source"`
	Application string  `json:"application"`
	Logs        []Entry `json:"logs"`
}

type batchResponse struct {
	Status    string `json:"status"`
	Processed int    `json:"processed"`
}

// Handler implements the HTTP log ingest surface described in spec.md §4.2 and §6.
type Handler struct {
	Filter   *admission.Filter
	Bus      streambus.Bus
	Sources  SourceResolver
	Audit    AuditWriter
	Logger   klog.Logger
	PortHTTP int

	// RateLimiter sheds load from a single noisy source after admission but before any
	// parsing cost; nil disables limiting.
	RateLimiter *admission.RateLimiter

	// DropReason, if non-nil, is called once per admission-denied request with a fixed
	// reason string (spec.md §8 scenario 3's packets_dropped{reason="ip_not_allowed"}).
	DropReason func(reason string)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	peer, err := admission.AddrFromString(r.RemoteAddr)
	if err != nil {
		http.Error(w, model.ErrValidation{Reason: "unparseable peer address"}.Error(), http.StatusBadRequest)
		return
	}
	if _, ok := h.Filter.Current().Allow(peer, h.PortHTTP); !ok {
		h.reportDrop("ip_not_allowed")
		http.Error(w, model.ErrAdmissionDenied{Reason: "peer not allowed"}.Error(), http.StatusForbidden)
		return
	}

	var req batchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 2<<20)).Decode(&req); err != nil {
		http.Error(w, model.ErrValidation{Reason: "malformed body: " + err.Error()}.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Logs) == 0 || len(req.Logs) > MaxEntriesPerBatch {
		http.Error(w, model.ErrValidation{Reason: "logs must contain 1..1000 entries"}.Error(), http.StatusBadRequest)
		return
	}

	source, found, err := h.Sources.LookupByID(ctx, req.Source)
	if err != nil {
		http.Error(w, model.ErrResourceUnavailable{Reason: err.Error()}.Error(), http.StatusServiceUnavailable)
		return
	}
	if !found || !source.Enabled {
		http.Error(w, model.ErrValidation{Reason: "unknown source"}.Error(), http.StatusNotFound)
		return
	}
	// The shared HTTP port's Allow check above only proved the peer matches *some*
	// enabled source's CIDRs (the port rule is a union across all sources). Now that
	// the batch has named a specific source, re-check the peer against that source's
	// own allowlist — otherwise a peer allow-listed for source A could submit under
	// source B's name and pass admission (spec.md §4.1/§3 per-source CIDR isolation).
	if !h.Filter.Current().AllowSource(peer, source.ID) {
		h.reportDrop("ip_not_allowed")
		http.Error(w, model.ErrAdmissionDenied{Reason: "peer not allowed for source"}.Error(), http.StatusForbidden)
		return
	}
	if !h.RateLimiter.Allow(source.ID) {
		h.Sources.RecordDropped(ctx, source.ID, uint64(len(req.Logs)))
		http.Error(w, model.ErrResourceUnavailable{Reason: "source rate limit exceeded"}.Error(), http.StatusTooManyRequests)
		return
	}

	processed := 0
	for _, entry := range req.Logs {
		if err := entry.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		h.writeAudit(ctx, source.ID, req.Source, peer.String(), entry)

		fields := entry.StreamFields(source.ID, peer.String(), "http")
		if _, err := h.Bus.Append(ctx, "logs:raw", fields); err != nil {
			h.Sources.RecordDropped(ctx, source.ID, 1)
			writePartial(w, processed)
			return
		}
		processed++
	}
	h.Sources.RecordReceived(ctx, source.ID, uint64(processed))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(batchResponse{Status: "success", Processed: processed})
}

func (h *Handler) reportDrop(reason string) {
	if h.DropReason != nil {
		h.DropReason(reason)
	}
}

func (h *Handler) writeAudit(ctx context.Context, sourceID, sourceLabel, peer string, e Entry) {
	if h.Audit == nil {
		return
	}
	record := model.LogRecord{
		Severity: e.LogLevel,
		Host:     e.Hostname,
		Program:  e.LoggerName,
		Message:  e.Message,
		SourceID: sourceID,
		SourceIP: peer,
	}
	if err := h.Audit.WriteRecord(ctx, record); err != nil {
		h.Logger.V(1).Info("audit write failed, continuing", "source", sourceLabel, "err", err)
	}
}

func writePartial(w http.ResponseWriter, processed int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(batchResponse{Status: "partial", Processed: processed})
}

// RegisterRoutes wires h behind the Multi-Auth middleware onto mux.
func RegisterRoutes(mux *http.ServeMux, h *Handler, lookup httpauth.SourceLookup, jwtSecret []byte) {
	mux.Handle("/api/v1/logs", httpauth.Middleware(lookup, jwtSecret, h))
}
