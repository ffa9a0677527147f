package store

import (
	"net"
	"strings"
	"testing"
)

// TestCIDRRoundTrip exercises the marshal/unmarshal helpers the LogSource queries rely
// on. A real Postgres instance is required for the query methods themselves (see
// DESIGN.md); these helpers are the part of this package that's pure enough to unit
// test without one.
func TestCIDRRoundTrip(t *testing.T) {
	_, net1, _ := net.ParseCIDR("10.0.0.0/8")
	_, net2, _ := net.ParseCIDR("2001:db8::/32")
	want := []*net.IPNet{net1, net2}

	strs := cidrsToStrings(want)
	if len(strs) != 2 {
		t.Fatalf("cidrsToStrings len = %d, want 2", len(strs))
	}

	got := parseCIDRs(strs)
	if len(got) != 2 {
		t.Fatalf("parseCIDRs len = %d, want 2", len(got))
	}
	for i := range want {
		if got[i].String() != want[i].String() {
			t.Errorf("cidr[%d] = %q, want %q", i, got[i].String(), want[i].String())
		}
	}
}

func TestParseCIDRsSkipsUnparseableEntries(t *testing.T) {
	got := parseCIDRs([]string{"10.0.0.0/8", "not-a-cidr", "192.168.0.0/24"})
	if len(got) != 2 {
		t.Fatalf("parseCIDRs len = %d, want 2 (malformed entry skipped)", len(got))
	}
}

func TestSchemaStatementsCreateEveryTable(t *testing.T) {
	wantTables := []string{"log_sources", "log_records_audit", "checks", "check_results", "sensor_agents", "api_keys"}
	for _, table := range wantTables {
		found := false
		for _, stmt := range schemaStatements {
			if strings.Contains(stmt, "CREATE TABLE IF NOT EXISTS "+table) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("no CREATE TABLE statement for %q", table)
		}
	}
}
