package logs

import "strings"

// facilityNames maps a syslog facility code (PRI>>3) to its conventional name, per
// RFC3164 §4.1.1's facility table.
var facilityNames = [...]string{
	"kern", "user", "mail", "daemon", "auth", "syslog", "lpr", "news",
	"uucp", "cron", "authpriv", "ftp", "ntp", "security", "console", "solaris-cron",
	"local0", "local1", "local2", "local3", "local4", "local5", "local6", "local7",
}

// severityNames maps a syslog severity code (PRI&7) to its conventional name.
var severityNames = [...]string{
	"emerg", "alert", "crit", "err", "warning", "notice", "info", "debug",
}

// Parsed3164 holds the fields extracted from one RFC3164 payload.
type Parsed3164 struct {
	Facility string
	Severity string
	Hostname string
	Program  string
	Message  string
}

// ParseRFC3164 parses payload as a classic BSD syslog line: "<PRI>DATE HOST PROG: MSG".
// If the payload does not begin with a well-formed "<PRI>" tag, or any sub-parse after
// the PRI fails, ok is false and callers should retain the full, untouched payload as
// the message per spec.md §4.2.
func ParseRFC3164(payload string) (p Parsed3164, ok bool) {
	if len(payload) == 0 || payload[0] != '<' {
		return Parsed3164{}, false
	}
	end := strings.IndexByte(payload, '>')
	if end <= 1 {
		return Parsed3164{}, false
	}
	pri, err := parsePRI(payload[1:end])
	if err != nil {
		return Parsed3164{}, false
	}
	p.Facility = facilityName(pri >> 3)
	p.Severity = severityName(pri & 7)

	rest := payload[end+1:]
	// Classic syslog timestamps are fixed-width "Mon  2 15:04:05 " (16 bytes, with a
	// space-padded day). Skip it positionally rather than parsing it into a time.Time:
	// only hostname/program/message matter downstream, the timestamp itself is replaced
	// by ingest time per the LogRecord invariant in spec.md §3.
	const tsLen = 16
	if len(rest) <= tsLen {
		return Parsed3164{}, false
	}
	rest = rest[tsLen:]

	sp := strings.IndexByte(rest, ' ')
	if sp < 0 {
		return Parsed3164{}, false
	}
	p.Hostname = rest[:sp]
	rest = strings.TrimPrefix(rest[sp+1:], "")

	if colon := strings.Index(rest, ": "); colon >= 0 {
		p.Program = strings.TrimRight(rest[:colon], "[0123456789]")
		p.Message = rest[colon+2:]
	} else {
		p.Message = rest
	}

	return p, true
}

func parsePRI(s string) (int, error) {
	if s == "" || len(s) > 3 {
		return 0, errInvalidPRI
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errInvalidPRI
		}
		n = n*10 + int(r-'0')
	}
	if n < 0 || n > 191 {
		return 0, errInvalidPRI
	}

	return n, nil
}

var errInvalidPRI = rfc3164Error("invalid PRI")

type rfc3164Error string

func (e rfc3164Error) Error() string { return string(e) }

func facilityName(code int) string {
	if code >= 0 && code < len(facilityNames) {
		return facilityNames[code]
	}

	return "unknown"
}

func severityName(code int) string {
	if code >= 0 && code < len(severityNames) {
		return severityNames[code]
	}

	return "unknown"
}
