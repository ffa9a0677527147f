// Package submission implements the Authenticated Submission Client (spec.md §4.7):
// JWT-based login/refresh against an upstream backend, a binary-RPC-preferred transport
// that falls back to HTTP, and submit-with-retry for forwarded log and metric batches.
package submission

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

const (
	defaultMaxRetries  = 3
	defaultBackoffBase = 1 * time.Second
)

// Config holds everything needed to construct a Client.
type Config struct {
	// BaseURL is the backend's HTTP origin, used for login/refresh and the HTTP
	// fallback transport (e.g. "https://backend.example.com").
	BaseURL string

	// RPCAddr is the backend's gRPC address. Empty disables the RPC attempt
	// entirely and the client goes straight to HTTP.
	RPCAddr string

	ClientID     string
	ClientSecret string

	MaxRetries  int
	BackoffBase time.Duration

	HTTPClient *http.Client

	// dialRPC is overridable in tests to avoid a real network dial.
	dialRPC func(ctx context.Context, addr string) (Transport, error)
}

// Client is the Submission Client described by spec.md §4.7. It is safe for concurrent
// Submit calls; transport selection and token refresh are each guarded independently.
type Client struct {
	cfg    Config
	tokens tokenStore
	logger klog.Logger

	transportMu sync.Mutex
	transport   Transport
	usingRPC    bool

	httpT *httpTransport
}

// NewClient constructs a Client. Call Login before the first Submit.
func NewClient(cfg Config) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}

	c := &Client{cfg: cfg, logger: klog.Background()}
	c.httpT = &httpTransport{client: cfg.HTTPClient, baseURL: cfg.BaseURL, tokenFn: c.tokens.accessToken}
	c.transport = c.httpT

	return c
}

// Login authenticates via client credentials, stores the returned tokens, and then
// attempts to open the RPC transport — falling back to HTTP on any channel-ready
// failure or handshake timeout, per spec.md §4.7.
func (c *Client) Login(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
	})
	if err != nil {
		return fmt.Errorf("encode login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return model.ErrAuthentication{Reason: fmt.Sprintf("login request: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.ErrAuthentication{Reason: fmt.Sprintf("login: status %d", resp.StatusCode)}
	}

	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return model.ErrAuthentication{Reason: fmt.Sprintf("decode login response: %v", err)}
	}

	c.tokens.set(model.Token{
		Access:   out.AccessToken,
		Refresh:  out.RefreshToken,
		NotAfter: time.Now().Add(time.Duration(out.ExpiresIn) * time.Second),
	})

	c.initTransport(ctx)

	return nil
}

// initTransport attempts the RPC channel first; any failure (dial error or handshake
// timeout) leaves the client on its HTTP transport instead.
func (c *Client) initTransport(ctx context.Context) {
	c.transportMu.Lock()
	defer c.transportMu.Unlock()

	if c.cfg.RPCAddr == "" {
		c.transport = c.httpT
		c.usingRPC = false
		return
	}

	dial := c.cfg.dialRPC
	if dial == nil {
		dial = func(ctx context.Context, addr string) (Transport, error) {
			return dialRPC(ctx, addr, nil)
		}
	}

	rt, err := dial(ctx, c.cfg.RPCAddr)
	if err != nil {
		c.logger.Info("RPC channel unavailable, using HTTP transport", "err", err)
		c.transport = c.httpT
		c.usingRPC = false
		return
	}

	c.transport = rt
	c.usingRPC = true
}

// downgradeToHTTP switches the active transport to HTTP after an RPC submit failure, so
// the remaining retries (and all subsequent submits) use HTTP for the rest of this
// Client's lifetime — matching spec.md §4.7 point 3 ("if currently on RPC, switch to
// HTTP").
func (c *Client) downgradeToHTTP() {
	c.transportMu.Lock()
	defer c.transportMu.Unlock()
	if !c.usingRPC {
		return
	}
	if closer, ok := c.transport.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	c.transport = c.httpT
	c.usingRPC = false
}

func (c *Client) activeTransport() Transport {
	c.transportMu.Lock()
	defer c.transportMu.Unlock()
	return c.transport
}

// Refresh exchanges the refresh token for a new access token when the current one is at
// or past its refresh-ahead window. Any non-200 response falls back to a full Login.
func (c *Client) Refresh(ctx context.Context) error {
	tok := c.tokens.get()

	body, err := json.Marshal(map[string]string{"refresh_token": tok.Refresh})
	if err != nil {
		return fmt.Errorf("encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/auth/refresh", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return c.Login(ctx)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.Login(ctx)
	}

	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return c.Login(ctx)
	}

	c.tokens.set(model.Token{
		Access:   out.AccessToken,
		Refresh:  firstNonEmpty(out.RefreshToken, tok.Refresh),
		NotAfter: time.Now().Add(time.Duration(out.ExpiresIn) * time.Second),
	})

	return nil
}

func (c *Client) ensureAuthenticated(ctx context.Context) error {
	if c.tokens.needsAuth(time.Now()) {
		if c.tokens.get().Access == "" {
			return c.Login(ctx)
		}
		return c.Refresh(ctx)
	}
	return nil
}

// Submit forwards a batch of records of the given kind ("logs" or "metrics"), retrying
// with exponential backoff (base cfg.BackoffBase, doubling) up to cfg.MaxRetries times.
// An in-flight attempt is canceled by ctx; cancellation never invalidates the token
// store. A failure on the RPC transport permanently downgrades this client to HTTP for
// the remainder of its lifetime before the next retry is attempted.
func (c *Client) Submit(ctx context.Context, kind string, records []map[string]string) error {
	if err := c.ensureAuthenticated(ctx); err != nil {
		return err
	}

	var lastErr error
	wait := c.cfg.BackoffBase

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		var err error
		switch kind {
		case "logs":
			err = c.activeTransport().SubmitLogs(ctx, records)
		case "metrics":
			err = c.activeTransport().SubmitMetrics(ctx, records)
		default:
			return model.ErrValidation{Reason: "unknown submission kind " + kind}
		}

		if err == nil {
			return nil
		}
		lastErr = err

		c.downgradeToHTTP()

		if attempt == c.cfg.MaxRetries {
			break
		}
		if !sleepOrDone(ctx, wait) {
			return ctx.Err()
		}
		wait *= 2
	}

	return model.ErrResourceUnavailable{Reason: fmt.Sprintf("submission failed after %d attempts: %v", c.cfg.MaxRetries+1, lastErr)}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

type loginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}
