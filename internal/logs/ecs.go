// Package logs implements the Log Receiver (spec.md §4.2) and the ECS document shape
// shared with the Log Worker (spec.md §4.5): HTTP/UDP ingest, admission filtering,
// RFC3164 parsing, and the stream-entry field map appended to the Stream Bus.
package logs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/killkrill/killkrill/internal/model"
)

// MaxEntriesPerBatch and MaxMessageChars bound one HTTP log submission per spec.md §6.
const (
	MaxEntriesPerBatch = 1000
	MaxMessageChars    = 10000
)

// Entry is one log line as accepted on the HTTP ingest surface (POST /api/v1/logs).
type Entry struct {
	Timestamp        string            `json:"timestamp"`
	LogLevel         string            `json:"log_level"`
	Message          string            `json:"message"`
	ServiceName      string            `json:"service_name"`
	Hostname         string            `json:"hostname,omitempty"`
	LoggerName       string            `json:"logger_name,omitempty"`
	ThreadName       string            `json:"thread_name,omitempty"`
	ECSVersion       string            `json:"ecs_version,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	TraceID          string            `json:"trace_id,omitempty"`
	SpanID           string            `json:"span_id,omitempty"`
	TransactionID    string            `json:"transaction_id,omitempty"`
	ErrorType        string            `json:"error_type,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	ErrorStackTrace  string            `json:"error_stack_trace,omitempty"`
}

// Validate enforces the per-entry boundary rules from spec.md §8: message length and
// required fields.
func (e Entry) Validate() error {
	if utf8.RuneCountInString(e.Message) > MaxMessageChars {
		return model.ErrValidation{Reason: "message exceeds 10000 characters"}
	}
	if e.ServiceName == "" {
		return model.ErrValidation{Reason: "service_name is required"}
	}

	return nil
}

// StreamFields builds the field map appended to logs:raw, preserving ECS-ready keys
// verbatim as spec.md §4.2 requires (message, log_level, service_name, hostname,
// trace_id, span_id, error_*, labels, tags), plus the bookkeeping the Log Worker needs
// (source id, source ip, protocol, a per-entry message id).
func (e Entry) StreamFields(sourceID, sourceIP, protocol string) map[string]string {
	fields := map[string]string{
		"message":      e.Message,
		"log_level":    e.LogLevel,
		"service_name": e.ServiceName,
		"timestamp":    e.Timestamp,
		"source_id":    sourceID,
		"source_ip":    sourceIP,
		"protocol":     protocol,
		"message_id":   messageID(sourceID, e.Message, e.Timestamp),
	}
	if e.Hostname != "" {
		fields["hostname"] = e.Hostname
	}
	if e.LoggerName != "" {
		fields["logger_name"] = e.LoggerName
	}
	if e.ECSVersion != "" {
		fields["ecs_version"] = e.ECSVersion
	}
	if e.TraceID != "" {
		fields["trace_id"] = e.TraceID
	}
	if e.SpanID != "" {
		fields["span_id"] = e.SpanID
	}
	if e.TransactionID != "" {
		fields["transaction_id"] = e.TransactionID
	}
	if e.ErrorType != "" {
		fields["error_type"] = e.ErrorType
	}
	if e.ErrorMessage != "" {
		fields["error_message"] = e.ErrorMessage
	}
	if e.ErrorStackTrace != "" {
		fields["error_stack_trace"] = e.ErrorStackTrace
	}
	if len(e.Labels) > 0 {
		if b, err := json.Marshal(e.Labels); err == nil {
			fields["labels"] = string(b)
		}
	}
	if len(e.Tags) > 0 {
		if b, err := json.Marshal(e.Tags); err == nil {
			fields["tags"] = string(b)
		}
	}

	return fields
}

func messageID(sourceID, message, timestamp string) string {
	h := sha256.Sum256([]byte(sourceID + "|" + message + "|" + timestamp))

	return hex.EncodeToString(h[:8])
}

// ECSDocument builds one Elasticsearch/OpenSearch document from a Stream Bus entry,
// following the field-by-field shape in spec.md §4.5. now is the ingest time used as a
// fallback for an unparseable/missing @timestamp and for event.created/event.ingested.
func ECSDocument(entry model.StreamEntry, now time.Time) map[string]interface{} {
	f := entry.Fields
	ts := now
	if raw, ok := f["timestamp"]; ok && raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			ts = parsed
		}
	}

	ecsVersion := f["ecs_version"]
	if ecsVersion == "" {
		ecsVersion = "8.0"
	}

	nowISO := now.UTC().Format(time.RFC3339)
	doc := map[string]interface{}{
		"@timestamp":  ts.UTC().Format(time.RFC3339),
		"ecs.version": ecsVersion,
		"event": map[string]interface{}{
			"created":  nowISO,
			"dataset":  "killkrill.logs",
			"ingested": nowISO,
			"kind":     "event",
			"module":   "killkrill",
			"type":     []string{"info"},
		},
		"message": f["message"],
	}

	logLevel := firstNonEmpty(f["log_level"], f["severity"])
	logLogger := firstNonEmpty(f["logger_name"], f["program"])
	logBlock := map[string]interface{}{}
	if logLevel != "" {
		logBlock["level"] = logLevel
	}
	if logLogger != "" {
		logBlock["logger"] = logLogger
	}
	if len(logBlock) > 0 {
		doc["log"] = logBlock
	}

	serviceName := firstNonEmpty(f["service_name"], f["application"])
	if serviceName != "" {
		doc["service"] = map[string]interface{}{"name": serviceName}
	}

	hostBlock := map[string]interface{}{}
	if v := f["hostname"]; v != "" {
		hostBlock["name"] = v
	}
	if v := f["host_ip"]; v != "" {
		hostBlock["ip"] = v
	}
	if len(hostBlock) > 0 {
		doc["host"] = hostBlock
	}

	if v := f["source_ip"]; v != "" {
		doc["source"] = map[string]interface{}{"ip": v}
	}

	traceBlock := map[string]interface{}{}
	if v := f["trace_id"]; v != "" {
		traceBlock["id"] = v
	}
	span := map[string]interface{}{}
	if v := f["span_id"]; v != "" {
		span["id"] = v
	}
	if v := f["transaction_id"]; v != "" {
		traceBlock["transaction"] = map[string]interface{}{"id": v}
	}
	if len(span) > 0 {
		traceBlock["span"] = span
	}
	if len(traceBlock) > 0 {
		doc["trace"] = traceBlock
	}

	errBlock := map[string]interface{}{}
	if v := f["error_type"]; v != "" {
		errBlock["type"] = v
	}
	if v := f["error_message"]; v != "" {
		errBlock["message"] = v
	}
	if v := f["error_stack_trace"]; v != "" {
		errBlock["stack_trace"] = v
	}
	if len(errBlock) > 0 {
		doc["error"] = errBlock
	}

	if raw, ok := f["labels"]; ok && raw != "" {
		var labels map[string]string
		if err := json.Unmarshal([]byte(raw), &labels); err == nil {
			doc["labels"] = labels
		}
	}
	if raw, ok := f["tags"]; ok && raw != "" {
		var tags []string
		if err := json.Unmarshal([]byte(raw), &tags); err == nil {
			doc["tags"] = tags
		}
	}

	doc["killkrill"] = map[string]interface{}{
		"source_id":  f["source_id"],
		"protocol":   f["protocol"],
		"message_id": f["message_id"],
		"facility":   f["facility"],
		"raw_log":    f["raw_log"],
	}

	return doc
}

// IndexName returns the daily-rolling index name "{prefix}-logs-YYYY.MM.DD" for ts.
func IndexName(prefix string, ts time.Time) string {
	return prefix + "-logs-" + ts.UTC().Format("2006.01.02")
}

// DocumentID returns the hex SHA-256 of entryID, giving idempotent bulk writes across
// retries of the same stream entry (spec.md §4.5 point 4).
func DocumentID(entryID model.StreamEntryID) string {
	h := sha256.Sum256([]byte(entryID))

	return hex.EncodeToString(h[:])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}

// truncateDatagram caps a raw UDP payload at maxBytes, reporting whether it was
// truncated.
func truncateDatagram(b []byte, maxBytes int) ([]byte, bool) {
	if len(b) <= maxBytes {
		return b, false
	}

	return b[:maxBytes], true
}
