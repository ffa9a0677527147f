package control

import (
	"context"
	"net/http"

	"k8s.io/klog/v2"

	"github.com/killkrill/killkrill/internal/admission"
)

// SnapshotBuilder rebuilds the Admission Filter's ruleset from durable storage. The
// Control Surface never constructs the snapshot itself; it only triggers a rebuild and
// swaps it in, keeping the query logic in internal/store.
type SnapshotBuilder interface {
	BuildAdmissionSnapshot(ctx context.Context, httpPort int) (*admission.Snapshot, error)
}

// AdmissionReloadHandler serves the admission-rule reload endpoint (spec.md §4.9(a)):
// POST triggers an atomic snapshot swap; the old snapshot remains valid for any request
// already in flight, per the Admission Filter's copy-on-write contract.
func AdmissionReloadHandler(filter *admission.Filter, builder SnapshotBuilder, httpPort int, logger klog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		snap, err := builder.BuildAdmissionSnapshot(r.Context(), httpPort)
		if err != nil {
			logger.Error(err, "admission reload failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		filter.Reload(snap)
		w.WriteHeader(http.StatusOK)
	}
}
