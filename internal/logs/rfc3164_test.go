package logs

import "testing"

func TestParseRFC3164(t *testing.T) {
	p, ok := ParseRFC3164("<134>Jan  1 00:00:00 host prog: payload")
	if !ok {
		t.Fatal("expected ok=true")
	}
	if p.Facility != "local0" || p.Severity != "info" {
		t.Errorf("facility/severity = %q/%q, want local0/info", p.Facility, p.Severity)
	}
	if p.Hostname != "host" || p.Program != "prog" || p.Message != "payload" {
		t.Errorf("parsed = %+v, want host=host program=prog message=payload", p)
	}
}

func TestParseRFC3164FacilitySeverityFormula(t *testing.T) {
	// For all payloads of the form <P>REST, facility = P>>3, severity = P&7.
	cases := []int{0, 13, 14, 134, 165, 191}
	for _, pri := range cases {
		payload := "<" + itoa(pri) + ">Jan  1 00:00:00 h p: m"
		p, ok := ParseRFC3164(payload)
		if !ok {
			t.Fatalf("pri=%d: expected ok=true", pri)
		}
		wantFacility := facilityName(pri >> 3)
		wantSeverity := severityName(pri & 7)
		if p.Facility != wantFacility || p.Severity != wantSeverity {
			t.Errorf("pri=%d: got %s/%s, want %s/%s", pri, p.Facility, p.Severity, wantFacility, wantSeverity)
		}
	}
}

func TestParseRFC3164FallsBackOnMalformedInput(t *testing.T) {
	cases := []string{"", "no pri here", "<>bad", "<999>too big", "<12"}
	for _, in := range cases {
		if _, ok := ParseRFC3164(in); ok {
			t.Errorf("ParseRFC3164(%q) = ok, want not ok", in)
		}
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [4]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}

	return string(buf[i:])
}
