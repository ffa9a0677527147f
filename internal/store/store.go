// Package store is the control-plane's Postgres-backed persistence layer for
// LogSource, Check, CheckResult, SensorAgent, and ApiKey (spec.md §3), built on
// jackc/pgx/v5's connection pool.
package store

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/killkrill/killkrill/internal/admission"
	"github.com/killkrill/killkrill/internal/model"
)

// Store wraps a pgx connection pool with the queries every daemon needs.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres at connString and verifies connectivity with a ping.
func Open(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, model.ErrResourceUnavailable{Reason: fmt.Sprintf("database unreachable: %v", err)}
	}
	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates every table this store needs if it doesn't already exist. There is no
// schema-migration framework here; six small, append-mostly tables don't earn one.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS log_sources (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		application TEXT NOT NULL,
		api_key_hash TEXT NOT NULL UNIQUE,
		cidrs TEXT[] NOT NULL DEFAULT '{}',
		syslog_port INT NOT NULL DEFAULT 0,
		format TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		received BIGINT NOT NULL DEFAULT 0,
		dropped BIGINT NOT NULL DEFAULT 0,
		last_seen TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS log_records_audit (
		ts TIMESTAMPTZ NOT NULL,
		severity TEXT NOT NULL DEFAULT '',
		facility TEXT NOT NULL DEFAULT '',
		host TEXT NOT NULL DEFAULT '',
		program TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		raw TEXT NOT NULL DEFAULT '',
		source_id TEXT NOT NULL,
		source_ip TEXT NOT NULL DEFAULT '',
		ecs_version TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS checks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		target_host TEXT NOT NULL,
		port INT NOT NULL,
		path TEXT NOT NULL DEFAULT '',
		expected_status INT NOT NULL DEFAULT 200,
		timeout_ms INT NOT NULL,
		interval_s INT NOT NULL,
		headers JSONB NOT NULL DEFAULT '{}',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		assertion TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS check_results (
		agent_id TEXT NOT NULL,
		check_id TEXT NOT NULL,
		status TEXT NOT NULL,
		latency_ms DOUBLE PRECISION NOT NULL,
		status_code INT NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		tls_expiry TIMESTAMPTZ,
		tls_valid BOOLEAN,
		"timestamp" TIMESTAMPTZ NOT NULL,
		assertion_passed BOOLEAN
	)`,
	`CREATE TABLE IF NOT EXISTS sensor_agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		api_key_hash TEXT NOT NULL UNIQUE,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		last_seen TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		key_hash TEXT PRIMARY KEY,
		permissions TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ,
		last_used_at TIMESTAMPTZ,
		active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
}

// --- LogSource ---

// LookupByID implements logs.SourceResolver.
func (s *Store) LookupByID(ctx context.Context, id string) (model.LogSource, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, name, application, api_key_hash, cidrs, syslog_port, format, enabled,
		received, dropped, last_seen FROM log_sources WHERE id = $1`, id)
	return scanLogSource(row)
}

// LookupByAPIKeyHash implements httpauth.SourceLookup.
func (s *Store) LookupByAPIKeyHash(ctx context.Context, hash string) (model.LogSource, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, name, application, api_key_hash, cidrs, syslog_port, format, enabled,
		received, dropped, last_seen FROM log_sources WHERE api_key_hash = $1`, hash)
	return scanLogSource(row)
}

func scanLogSource(row pgx.Row) (model.LogSource, bool, error) {
	var src model.LogSource
	var cidrs []string
	var format string
	var lastSeen *time.Time

	err := row.Scan(&src.ID, &src.Name, &src.Application, &src.APIKeyHash, &cidrs, &src.SyslogPort,
		&format, &src.Enabled, &src.Received, &src.Dropped, &lastSeen)
	if err == pgx.ErrNoRows {
		return model.LogSource{}, false, nil
	}
	if err != nil {
		return model.LogSource{}, false, model.ErrResourceUnavailable{Reason: fmt.Sprintf("query log source: %v", err)}
	}

	src.Format = model.LogFormat(format)
	if lastSeen != nil {
		src.LastSeen = *lastSeen
	}
	src.CIDRs = parseCIDRs(cidrs)

	return src, true, nil
}

// parseCIDRs converts stored CIDR text back into net.IPNet values, silently skipping any
// entry that no longer parses (defensive against a hand-edited row, not expected in
// normal operation).
func parseCIDRs(ss []string) []*net.IPNet {
	var out []*net.IPNet
	for _, c := range ss {
		if _, ipnet, err := net.ParseCIDR(c); err == nil {
			out = append(out, ipnet)
		}
	}
	return out
}

// cidrsToStrings is the inverse of parseCIDRs, used when persisting a LogSource.
func cidrsToStrings(cidrs []*net.IPNet) []string {
	out := make([]string, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, c.String())
	}
	return out
}

// RecordReceived implements logs.SourceResolver.
func (s *Store) RecordReceived(ctx context.Context, id string, n uint64) {
	_, _ = s.pool.Exec(ctx, `UPDATE log_sources SET received = received + $1, last_seen = now() WHERE id = $2`, n, id)
}

// RecordDropped implements logs.SourceResolver.
func (s *Store) RecordDropped(ctx context.Context, id string, n uint64) {
	_, _ = s.pool.Exec(ctx, `UPDATE log_sources SET dropped = dropped + $1 WHERE id = $2`, n, id)
}

// CreateLogSource inserts a new source. CIDRs are stored as their string form.
func (s *Store) CreateLogSource(ctx context.Context, src model.LogSource) error {
	// Only RFC3164 has a parser; RFC5424 and JSON sources are rejected at creation.
	if src.Format != model.LogFormatRFC3164 {
		return model.ErrValidation{Reason: "unsupported log format " + string(src.Format) + ": only RFC3164 is accepted"}
	}
	cidrs := cidrsToStrings(src.CIDRs)
	_, err := s.pool.Exec(ctx, `INSERT INTO log_sources
		(id, name, application, api_key_hash, cidrs, syslog_port, format, enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		src.ID, src.Name, src.Application, src.APIKeyHash, cidrs, src.SyslogPort, string(src.Format), src.Enabled)
	if err != nil {
		return model.ErrResourceUnavailable{Reason: fmt.Sprintf("create log source: %v", err)}
	}
	return nil
}

// ListEnabledSyslogSources returns every enabled source with a dedicated UDP port, for
// the Log Receiver's startup listener enumeration (spec.md §4.2).
func (s *Store) ListEnabledSyslogSources(ctx context.Context) ([]model.LogSource, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, application, api_key_hash, cidrs, syslog_port, format, enabled,
		received, dropped, last_seen FROM log_sources WHERE enabled AND syslog_port > 0`)
	if err != nil {
		return nil, model.ErrResourceUnavailable{Reason: fmt.Sprintf("list syslog sources: %v", err)}
	}
	defer rows.Close()

	var out []model.LogSource
	for rows.Next() {
		src, ok, err := scanLogSource(rows)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, src)
		}
	}
	return out, rows.Err()
}

// ListSources returns every LogSource regardless of enabled/syslog_port, for the
// Control Surface's read-only stats endpoint (SPEC_FULL.md's Supplemented Features §3).
func (s *Store) ListSources(ctx context.Context) ([]model.LogSource, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, application, api_key_hash, cidrs, syslog_port, format, enabled,
		received, dropped, last_seen FROM log_sources`)
	if err != nil {
		return nil, model.ErrResourceUnavailable{Reason: fmt.Sprintf("list sources: %v", err)}
	}
	defer rows.Close()

	var out []model.LogSource
	for rows.Next() {
		src, ok, err := scanLogSource(rows)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, src)
		}
	}
	return out, rows.Err()
}

// BuildAdmissionSnapshot rebuilds the Admission Filter's ruleset from every enabled
// LogSource, for the Control Surface's admission-rule reload endpoint (spec.md §4.9(a)).
// Each source's dedicated syslog_port gets its own rule; httpPort gets one merged rule
// covering the union of every enabled source's CIDRs, since all sources share the one
// HTTP ingress port.
func (s *Store) BuildAdmissionSnapshot(ctx context.Context, httpPort int) (*admission.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, application, api_key_hash, cidrs, syslog_port, format, enabled,
		received, dropped, last_seen FROM log_sources WHERE enabled`)
	if err != nil {
		return nil, model.ErrResourceUnavailable{Reason: fmt.Sprintf("list sources for admission reload: %v", err)}
	}
	defer rows.Close()

	rules := make(map[int]admission.Rule)
	bySource := make(map[string]admission.Rule)
	var httpNetworks []netip.Prefix

	for rows.Next() {
		src, ok, err := scanLogSource(rows)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		prefixes := make([]netip.Prefix, 0, len(src.CIDRs))
		for _, n := range src.CIDRs {
			ones, _ := n.Mask.Size()
			addr, ok := netip.AddrFromSlice(n.IP)
			if !ok {
				continue
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr.Unmap(), ones))
		}

		// bySource carries this source's own rule regardless of port, so the HTTP
		// handler can re-check a request's named source against its own allowlist
		// instead of only the shared HTTP port's union rule below.
		bySource[src.ID] = admission.Rule{SourceID: src.ID, Networks: prefixes}

		if src.SyslogPort > 0 {
			rules[src.SyslogPort] = admission.Rule{SourceID: src.ID, Networks: prefixes}
		}
		httpNetworks = append(httpNetworks, prefixes...)
	}
	if err := rows.Err(); err != nil {
		return nil, model.ErrResourceUnavailable{Reason: fmt.Sprintf("scan sources for admission reload: %v", err)}
	}

	if httpPort > 0 {
		rules[httpPort] = admission.Rule{SourceID: "http", Networks: httpNetworks}
	}

	return admission.NewSnapshotWithSources(rules, bySource), nil
}

// --- audit record ---

// WriteRecord implements logs.AuditWriter.
func (s *Store) WriteRecord(ctx context.Context, r model.LogRecord) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO log_records_audit
		(ts, severity, facility, host, program, message, raw, source_id, source_ip, ecs_version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.Timestamp, r.Severity, r.Facility, r.Host, r.Program, r.Message, r.Raw, r.SourceID, r.SourceIP, r.ECSVersion)
	if err != nil {
		return model.ErrResourceUnavailable{Reason: fmt.Sprintf("write audit record: %v", err)}
	}
	return nil
}

// --- Check / CheckResult / SensorAgent ---

// ActiveChecksForAgent returns the enabled Check set, for the sensor config endpoint
// (spec.md §4.9(b)). Every agent gets the same global enabled Check set; agentID is not
// used to select checks.
func (s *Store) ActiveChecksForAgent(ctx context.Context, agentID string) ([]model.Check, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, type, target_host, port, path, expected_status,
		timeout_ms, interval_s, headers, enabled, assertion FROM checks WHERE enabled`)
	if err != nil {
		return nil, model.ErrResourceUnavailable{Reason: fmt.Sprintf("list checks: %v", err)}
	}
	defer rows.Close()

	var out []model.Check
	for rows.Next() {
		var c model.Check
		var typ string
		var headers map[string]string
		if err := rows.Scan(&c.ID, &c.Name, &typ, &c.TargetHost, &c.Port, &c.Path, &c.ExpectedStatus,
			&c.TimeoutMS, &c.IntervalS, &headers, &c.Enabled, &c.Assertion); err != nil {
			return nil, model.ErrResourceUnavailable{Reason: fmt.Sprintf("scan check: %v", err)}
		}
		c.Type = model.CheckType(typ)
		c.Headers = headers
		out = append(out, c)
	}
	return out, rows.Err()
}

// CheckByID looks up a single Check by id, for assertion evaluation on result submission.
func (s *Store) CheckByID(ctx context.Context, id string) (model.Check, bool, error) {
	var c model.Check
	var typ string
	var headers map[string]string
	err := s.pool.QueryRow(ctx, `SELECT id, name, type, target_host, port, path, expected_status,
		timeout_ms, interval_s, headers, enabled, assertion FROM checks WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &typ, &c.TargetHost, &c.Port, &c.Path, &c.ExpectedStatus,
			&c.TimeoutMS, &c.IntervalS, &headers, &c.Enabled, &c.Assertion)
	if err == pgx.ErrNoRows {
		return model.Check{}, false, nil
	}
	if err != nil {
		return model.Check{}, false, model.ErrResourceUnavailable{Reason: fmt.Sprintf("query check: %v", err)}
	}
	c.Type = model.CheckType(typ)
	c.Headers = headers

	return c, true, nil
}

// CreateCheck inserts a new Check after Validate() passes.
func (s *Store) CreateCheck(ctx context.Context, c model.Check) error {
	if err := c.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO checks
		(id, name, type, target_host, port, path, expected_status, timeout_ms, interval_s, headers, enabled, assertion)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		c.ID, c.Name, string(c.Type), c.TargetHost, c.Port, c.Path, c.ExpectedStatus,
		c.TimeoutMS, c.IntervalS, c.Headers, c.Enabled, c.Assertion)
	if err != nil {
		return model.ErrResourceUnavailable{Reason: fmt.Sprintf("create check: %v", err)}
	}
	return nil
}

// WriteCheckResult persists one sensor submission (spec.md §4.9(c)).
func (s *Store) WriteCheckResult(ctx context.Context, r model.CheckResult) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO check_results
		(agent_id, check_id, status, latency_ms, status_code, error_message, tls_expiry, tls_valid, "timestamp", assertion_passed)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.AgentID, r.CheckID, string(r.Status), r.LatencyMS, r.StatusCode, r.ErrorMessage, r.TLSExpiry, r.TLSValid, r.Timestamp, r.AssertionPassed)
	if err != nil {
		return model.ErrResourceUnavailable{Reason: fmt.Sprintf("write check result: %v", err)}
	}
	return nil
}

// CreateSensorAgent provisions a new SensorAgent, assigning it a generated ID (spec.md
// §3's SensorAgent has no caller-supplied identity the way LogSource/Check do — an
// uptime prober registers itself rather than being named up front). apiKeyHash is the
// hashed form of the plaintext key the caller already generated and is about to hand
// back to the operator exactly once.
func (s *Store) CreateSensorAgent(ctx context.Context, name, location, apiKeyHash string) (model.SensorAgent, error) {
	a := model.SensorAgent{
		ID:         uuid.New().String(),
		Name:       name,
		Location:   location,
		APIKeyHash: apiKeyHash,
		Active:     true,
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO sensor_agents
		(id, name, location, api_key_hash, active)
		VALUES ($1,$2,$3,$4,$5)`,
		a.ID, a.Name, a.Location, a.APIKeyHash, a.Active)
	if err != nil {
		return model.SensorAgent{}, model.ErrResourceUnavailable{Reason: fmt.Sprintf("create sensor agent: %v", err)}
	}
	return a, nil
}

// LookupSensorByAPIKeyHash authenticates a sensor-agent request by its hashed key
// (spec.md §6's sensor agent interfaces).
func (s *Store) LookupSensorByAPIKeyHash(ctx context.Context, hash string) (model.SensorAgent, bool, error) {
	var a model.SensorAgent
	var lastSeen *time.Time
	err := s.pool.QueryRow(ctx, `SELECT id, name, location, api_key_hash, active, last_seen
		FROM sensor_agents WHERE api_key_hash = $1`, hash).
		Scan(&a.ID, &a.Name, &a.Location, &a.APIKeyHash, &a.Active, &lastSeen)
	if err == pgx.ErrNoRows {
		return model.SensorAgent{}, false, nil
	}
	if err != nil {
		return model.SensorAgent{}, false, model.ErrResourceUnavailable{Reason: fmt.Sprintf("query sensor agent: %v", err)}
	}
	if lastSeen != nil {
		a.LastSeen = *lastSeen
	}
	return a, true, nil
}

// Heartbeat updates a SensorAgent's last-seen timestamp.
func (s *Store) Heartbeat(ctx context.Context, agentID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE sensor_agents SET last_seen = now() WHERE id = $1`, agentID)
	if err != nil {
		return model.ErrResourceUnavailable{Reason: fmt.Sprintf("heartbeat: %v", err)}
	}
	return nil
}

