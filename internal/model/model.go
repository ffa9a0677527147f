// Package model holds the data-model types shared across every KillKrill daemon.
package model

import (
	"net"
	"time"
)

// LogFormat is the wire format a LogSource's UDP/HTTP traffic is expected in.
type LogFormat string

const (
	LogFormatRFC3164 LogFormat = "RFC3164"
	LogFormatRFC5424 LogFormat = "RFC5424"
	LogFormatJSON    LogFormat = "JSON"
)

// LogSource is a registered origin of logs.
type LogSource struct {
	ID           string
	Name         string
	Application  string
	APIKeyHash   string // hex SHA-256 digest; plaintext key is never persisted.
	CIDRs        []*net.IPNet
	SyslogPort   int // 0 means no dedicated UDP listener.
	Format       LogFormat
	Enabled      bool
	Received     uint64
	Dropped      uint64
	LastSeen     time.Time
}

// MetricKind is the Prometheus-compatible kind of a MetricSample.
type MetricKind string

const (
	MetricKindCounter   MetricKind = "counter"
	MetricKindGauge     MetricKind = "gauge"
	MetricKindHistogram MetricKind = "histogram"
	MetricKindSummary   MetricKind = "summary"
)

// MetricSample is one metric observation.
type MetricSample struct {
	Name      string
	Kind      MetricKind
	Value     float64
	Labels    map[string]string
	Timestamp time.Time
	Source    string // origin application/source tag.
	Help      string
}

// LogRecord is one normalized log entry, persisted best-effort for audit.
type LogRecord struct {
	Timestamp   time.Time
	Severity    string
	Facility    string
	Host        string
	Program     string
	Message     string
	Raw         string
	SourceID    string
	SourceIP    string
	ECSVersion  string
}

// StreamEntryID is a monotonic composite of wall-time milliseconds and a sequence
// number, formatted "<ms>-<seq>", matching the Stream Bus's total order contract.
type StreamEntryID string

// StreamEntry is one record appended to the Stream Bus.
type StreamEntry struct {
	Stream string
	ID     StreamEntryID
	Fields map[string]string
}

// PendingEntry describes one entry outstanding in a consumer group's PEL (pending
// entries list).
type PendingEntry struct {
	ID         StreamEntryID
	Consumer   string
	IdleTime   time.Duration
	Deliveries int64
}

// CheckType enumerates the kind of probe a Check runs.
type CheckType string

const (
	CheckTypeTCP   CheckType = "tcp"
	CheckTypeHTTP  CheckType = "http"
	CheckTypeHTTPS CheckType = "https"
	CheckTypeDNS   CheckType = "dns"
)

// Check is a probe definition run by a SensorAgent.
type Check struct {
	ID             string
	Name           string
	Type           CheckType
	TargetHost     string
	Port           int
	Path           string
	ExpectedStatus int
	TimeoutMS      int
	IntervalS      int
	Headers        map[string]string
	Enabled        bool
	// Assertion is an optional CEL expression evaluated against a submitted
	// CheckResult's fields to compute a derived pass/fail beyond a bare status-code
	// match (e.g. "o.latency_ms < 250 && o.status_code == 200"). The verdict is
	// recorded on CheckResult.AssertionPassed; it never changes the result's own
	// reported Status.
	Assertion string
}

// Validate enforces the Check invariants from the data model: interval >= 1s and
// timeout strictly less than interval.
func (c Check) Validate() error {
	if c.IntervalS < 1 {
		return ErrValidation{Reason: "interval must be at least 1s"}
	}
	if c.TimeoutMS >= c.IntervalS*1000 {
		return ErrValidation{Reason: "timeout must be strictly less than interval"}
	}
	switch c.Type {
	case CheckTypeTCP, CheckTypeHTTP, CheckTypeHTTPS, CheckTypeDNS:
	default:
		return ErrValidation{Reason: "unknown check type"}
	}

	return nil
}

// CheckStatus is the outcome classification of a single probe run.
type CheckStatus string

const (
	CheckStatusUp      CheckStatus = "up"
	CheckStatusDown    CheckStatus = "down"
	CheckStatusTimeout CheckStatus = "timeout"
	CheckStatusError   CheckStatus = "error"
	CheckStatusUnknown CheckStatus = "unknown"
)

// CheckResult is the immutable outcome of one probe run.
type CheckResult struct {
	AgentID       string
	CheckID       string
	Status        CheckStatus
	LatencyMS     float64
	StatusCode    int
	ErrorMessage  string
	TLSExpiry     *time.Time
	TLSValid      *bool
	Timestamp     time.Time
	// AssertionPassed is a derived verdict, not part of the submitted result: nil when
	// Status is not up, when the Check carries no Assertion, or when it couldn't be
	// evaluated; otherwise the
	// outcome of running Check.Assertion against this result's own fields. Status
	// itself always reflects exactly what the agent submitted.
	AssertionPassed *bool
}

// SensorAgent is an external uptime prober.
type SensorAgent struct {
	ID          string
	Name        string
	Location    string
	APIKeyHash  string
	Active      bool
	LastSeen    time.Time
}

// APIKey is a named credential for a user or sensor.
type APIKey struct {
	OwnerID     string
	Name        string
	KeyHash     string
	Permissions []string
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
	Active      bool
}

// Token is the authentication artifact held by the Submission Client.
type Token struct {
	Access   string
	Refresh  string
	NotAfter time.Time
}

// refreshAheadWindow is how far before expiry a Token is considered expired, so callers
// refresh ahead of the deadline rather than racing it.
const refreshAheadWindow = 5 * time.Minute

// IsExpired reports whether now is at or past the refresh-ahead window before NotAfter.
func (t Token) IsExpired(now time.Time) bool {
	return !now.Before(t.NotAfter.Add(-refreshAheadWindow))
}
