// Package control implements the Control Surface (spec.md §4.9): health and metrics
// export, the admission-rule reload endpoint, and the sensor config/heartbeat/results
// surface.
package control

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// DependencyProbe checks one external dependency (database, Redis, search index,
// license server). It generalizes the teacher's probe interface
// (getSource/getAsString/probe) from a single Kubernetes readiness delegate into one
// function per named dependency, composed by HealthHandler into the aggregate response
// SPEC_FULL.md's Supplemented Features §2 calls for.
type DependencyProbe interface {
	Name() string
	Check(ctx context.Context) error
}

// FuncProbe adapts a plain function into a DependencyProbe.
type FuncProbe struct {
	ProbeName string
	CheckFn   func(ctx context.Context) error
}

func (p FuncProbe) Name() string                   { return p.ProbeName }
func (p FuncProbe) Check(ctx context.Context) error { return p.CheckFn(ctx) }

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Timestamp  string            `json:"timestamp"`
}

// HealthHandler serves GET /healthz per spec.md §6: each dependency reports
// "ok"|"error:<detail>" individually, and the aggregate status is "healthy" when every
// component is ok, "unhealthy" when every component fails, "degraded" otherwise.
func HealthHandler(probes []DependencyProbe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		components := make(map[string]string, len(probes))
		okCount := 0

		for _, p := range probes {
			if err := p.Check(r.Context()); err != nil {
				components[p.Name()] = "error:" + err.Error()
			} else {
				components[p.Name()] = "ok"
				okCount++
			}
		}

		status := "healthy"
		switch {
		case len(probes) == 0:
			status = "healthy"
		case okCount == 0:
			status = "unhealthy"
		case okCount < len(probes):
			status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		if status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(healthResponse{
			Status:     status,
			Components: components,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		})
	}
}
