// Package entitlement implements the Entitlement Gate (spec.md §4.8): license
// validation against an external licensing server, a short-lived feature cache, and a
// background keepalive loop reporting usage counters.
package entitlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/killkrill/killkrill/internal/model"
)

// cacheTTL is how long a validated feature set is trusted before check_feature forces a
// refresh, per spec.md §4.8.
const cacheTTL = 5 * time.Minute

// keepaliveInterval is how often the background unit reports usage, per spec.md §4.8.
const keepaliveInterval = 60 * time.Second

// Features is the cached response from the validation endpoint: tier, enabled feature
// set, numeric limits, and the license's own expiry.
type Features struct {
	Tier     string
	Enabled  map[string]bool
	Limits   map[string]int
	ExpireAt time.Time
}

// UsageStats is the counters payload sent on each keepalive, mirroring the original
// licensing client's keepalive shape (SPEC_FULL.md's Supplemented Features §4).
type UsageStats struct {
	LogsProcessed    uint64 `json:"logs_processed"`
	MetricsProcessed uint64 `json:"metrics_processed"`
	ActiveSources    int    `json:"active_sources"`
}

// Config holds the parameters for contacting the licensing server.
type Config struct {
	ValidationURL string
	KeepaliveURL  string
	LicenseKey    string
	Product       string
	HTTPClient    *http.Client
}

// Gate is the Entitlement Gate. Daemons call Validate at startup, and a background unit
// started by RunKeepalive reports usage every 60 s. CheckFeature and Tier answer from a
// 5-minute cache; no receiver or worker request path in this module calls CheckFeature.
type Gate struct {
	cfg    Config
	logger klog.Logger

	mu        sync.RWMutex
	cached    Features
	cachedAt  time.Time
	validated bool
}

// NewGate constructs a Gate. The first CheckFeature or Validate call performs the
// initial license check.
func NewGate(cfg Config) *Gate {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Gate{cfg: cfg, logger: klog.Background()}
}

// Validate calls the validation endpoint with {license_key, product} and caches the
// response. A non-200 response or malformed body is a fatal init error per spec.md §6
// (exit code 1, "license invalid").
func (g *Gate) Validate(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"license_key": g.cfg.LicenseKey,
		"product":     g.cfg.Product,
	})
	if err != nil {
		return fmt.Errorf("encode validate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.ValidationURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.cfg.HTTPClient.Do(req)
	if err != nil {
		return model.ErrResourceUnavailable{Reason: fmt.Sprintf("license validation: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.ErrAuthentication{Reason: fmt.Sprintf("license invalid: status %d", resp.StatusCode)}
	}

	var out validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return model.ErrAuthentication{Reason: fmt.Sprintf("decode license response: %v", err)}
	}

	g.mu.Lock()
	g.cached = Features{Tier: out.Tier, Enabled: out.Features, Limits: out.Limits, ExpireAt: out.ExpiresAt}
	g.cachedAt = time.Now()
	g.validated = true
	g.mu.Unlock()

	return nil
}

// CheckFeature reports whether name is enabled under the cached feature set, refreshing
// first if the cache is stale (older than cacheTTL) or has never been populated.
func (g *Gate) CheckFeature(ctx context.Context, name string) (bool, error) {
	if g.stale() {
		if err := g.Validate(ctx); err != nil {
			return false, err
		}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cached.Enabled[name], nil
}

// Tier returns the cached license tier, refreshing first if stale.
func (g *Gate) Tier(ctx context.Context) (string, error) {
	if g.stale() {
		if err := g.Validate(ctx); err != nil {
			return "", err
		}
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cached.Tier, nil
}

func (g *Gate) stale() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return !g.validated || time.Since(g.cachedAt) >= cacheTTL
}

// RunKeepalive sends {usage_stats} every 60 s until ctx is canceled, calling usageFn to
// snapshot current counters immediately before each send.
func (g *Gate) RunKeepalive(ctx context.Context, usageFn func() UsageStats) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.sendKeepalive(ctx, usageFn()); err != nil {
				g.logger.Error(err, "keepalive failed")
			}
		}
	}
}

func (g *Gate) sendKeepalive(ctx context.Context, usage UsageStats) error {
	body, err := json.Marshal(keepaliveRequest{
		LicenseKey: g.cfg.LicenseKey,
		UsageStats: usage,
	})
	if err != nil {
		return fmt.Errorf("encode keepalive body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.KeepaliveURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.cfg.HTTPClient.Do(req)
	if err != nil {
		return model.ErrResourceUnavailable{Reason: fmt.Sprintf("keepalive: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return model.ErrResourceUnavailable{Reason: fmt.Sprintf("keepalive: status %d", resp.StatusCode)}
	}

	return nil
}

type validateResponse struct {
	Tier      string          `json:"tier"`
	Features  map[string]bool `json:"features"`
	Limits    map[string]int  `json:"limits"`
	ExpiresAt time.Time       `json:"expires_at"`
}

type keepaliveRequest struct {
	LicenseKey string     `json:"license_key"`
	UsageStats UsageStats `json:"usage_stats"`
}
