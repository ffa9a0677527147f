package control

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/killkrill/killkrill/internal/checkassert"
	"github.com/killkrill/killkrill/internal/model"
)

func hashAPIKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// SensorDeps bundles the persistence operations the sensor endpoints need, satisfied by
// *store.Store without this package importing it directly (the same interface-at-the-
// consumer convention internal/logs uses for SourceResolver/AuditWriter).
type SensorDeps struct {
	Lookup       func(ctx context.Context, hash string) (model.SensorAgent, bool, error)
	ActiveChecks func(ctx context.Context, agentID string) ([]model.Check, error)
	WriteResult  func(ctx context.Context, result model.CheckResult) error
	Heartbeat    func(ctx context.Context, agentID string) error
	CheckByID    func(ctx context.Context, id string) (model.Check, bool, error)
	CreateAgent  func(ctx context.Context, name, location, apiKeyHash string) (model.SensorAgent, error)
	Logger       klog.Logger

	// Assert evaluates a Check's optional CEL assertion against a submitted result. A
	// nil Assert skips assertion evaluation entirely (status-code-only checking).
	Assert *checkassert.Evaluator
}

func authenticateSensor(r *http.Request, lookup func(ctx context.Context, hash string) (model.SensorAgent, bool, error)) (model.SensorAgent, error) {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		return model.SensorAgent{}, model.ErrAuthentication{Reason: "missing X-API-Key"}
	}

	agent, found, err := lookup(r.Context(), hashAPIKey(key))
	if err != nil {
		return model.SensorAgent{}, model.ErrResourceUnavailable{Reason: err.Error()}
	}
	if !found || !agent.Active {
		return model.SensorAgent{}, model.ErrAuthentication{Reason: "unknown or inactive sensor"}
	}

	return agent, nil
}

// HeartbeatHandler serves POST /sensors/{agent_id}/heartbeat.
func HeartbeatHandler(deps SensorDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, err := authenticateSensor(r, deps.Lookup)
		if err != nil {
			writeSensorError(w, err)
			return
		}

		agentID := agentIDFromPath(r.URL.Path, "/sensors/", "/heartbeat")
		if agentID != "" && agentID != agent.ID {
			http.Error(w, model.ErrAuthentication{Reason: "agent id mismatch"}.Error(), http.StatusForbidden)
			return
		}

		if err := deps.Heartbeat(r.Context(), agent.ID); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// SensorConfigHandler serves GET /sensors/config/{agent_id}: the currently-active Check
// set for an agent.
func SensorConfigHandler(deps SensorDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, err := authenticateSensor(r, deps.Lookup)
		if err != nil {
			writeSensorError(w, err)
			return
		}

		checks, err := deps.ActiveChecks(r.Context(), agent.ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"checks": checks})
	}
}

// sensorResult mirrors CheckResult's wire shape for JSON decoding.
type sensorResult struct {
	CheckID      string     `json:"check_id"`
	Status       string     `json:"status"`
	LatencyMS    float64    `json:"latency_ms"`
	StatusCode   int        `json:"status_code"`
	ErrorMessage string     `json:"error_message"`
	TLSExpiry    *time.Time `json:"tls_expiry"`
	TLSValid     *bool      `json:"tls_valid"`
}

// resultsBatch is the only accepted body shape for POST /sensors/results. A bare single
// result is rejected per the Open Question resolution recorded in DESIGN.md: accepting
// two incompatible shapes on one endpoint is worse than requiring callers to always wrap.
type resultsBatch struct {
	Results []sensorResult `json:"results"`
}

// SensorResultsHandler serves POST /sensors/results.
func SensorResultsHandler(deps SensorDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, err := authenticateSensor(r, deps.Lookup)
		if err != nil {
			writeSensorError(w, err)
			return
		}

		var body resultsBatch
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
			http.Error(w, model.ErrValidation{Reason: "malformed body: " + err.Error()}.Error(), http.StatusBadRequest)
			return
		}
		if len(body.Results) == 0 {
			http.Error(w, model.ErrValidation{Reason: "results must be a non-empty {results:[...]} array"}.Error(), http.StatusBadRequest)
			return
		}

		now := time.Now().UTC()
		for _, sr := range body.Results {
			result := model.CheckResult{
				AgentID:      agent.ID,
				CheckID:      sr.CheckID,
				Status:       model.CheckStatus(sr.Status),
				LatencyMS:    sr.LatencyMS,
				StatusCode:   sr.StatusCode,
				ErrorMessage: sr.ErrorMessage,
				TLSExpiry:    sr.TLSExpiry,
				TLSValid:     sr.TLSValid,
				Timestamp:    now,
			}
			applyAssertion(r.Context(), deps, &result)

			if err := deps.WriteResult(r.Context(), result); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
	}
}

// applyAssertion populates result.AssertionPassed when the submitting Check carries a
// non-empty Assertion, per Check.Assertion's own doc comment: the verdict is a derived
// field, never a rewrite of the agent-submitted Status. It only runs against results
// already reporting up, since a down/timeout/error result has nothing left to assert.
// A missing Check, an unset Assert evaluator, or a CEL evaluation error all leave
// AssertionPassed nil rather than guessing a verdict.
func applyAssertion(ctx context.Context, deps SensorDeps, result *model.CheckResult) {
	if deps.Assert == nil || deps.CheckByID == nil {
		return
	}
	if result.Status != model.CheckStatusUp {
		return
	}

	check, found, err := deps.CheckByID(ctx, result.CheckID)
	if err != nil || !found || check.Assertion == "" {
		return
	}

	passed, err := deps.Assert.Evaluate(check.Assertion, *result)
	if err != nil {
		deps.Logger.V(1).Info("assertion evaluation failed, leaving verdict unset", "check", check.ID, "err", err)
		return
	}
	result.AssertionPassed = &passed
}

func writeSensorError(w http.ResponseWriter, err error) {
	switch err.(type) {
	case model.ErrAuthentication:
		http.Error(w, err.Error(), http.StatusUnauthorized)
	default:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	}
}

// generateAPIKeyPlaintext returns a random 32-byte key, hex-encoded, for a newly
// provisioned credential. It is shown to the caller exactly once; only its hash (via
// hashAPIKey) is ever persisted.
func generateAPIKeyPlaintext() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// registerSensorRequest is the body accepted by POST /sensors/register.
type registerSensorRequest struct {
	Name     string `json:"name"`
	Location string `json:"location"`
}

// SensorRegisterHandler serves POST /sensors/register: provisions a new SensorAgent
// and returns its generated id alongside the plaintext API key, the one time it is ever
// visible (Supplemented Features §1's "returned exactly once at creation" shape).
func SensorRegisterHandler(deps SensorDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerSensorRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			http.Error(w, model.ErrValidation{Reason: "malformed body: " + err.Error()}.Error(), http.StatusBadRequest)
			return
		}
		if req.Name == "" {
			http.Error(w, model.ErrValidation{Reason: "name is required"}.Error(), http.StatusBadRequest)
			return
		}

		plaintext, err := generateAPIKeyPlaintext()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		agent, err := deps.CreateAgent(r.Context(), req.Name, req.Location, hashAPIKey(plaintext))
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":         agent.ID,
			"api_key":    plaintext,
			"created_at": time.Now().UTC(),
		})
	}
}

// agentIDFromPath extracts the {agent_id} path segment between prefix and suffix.
func agentIDFromPath(path, prefix, suffix string) string {
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
}
