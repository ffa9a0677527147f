package admission

import (
	"net/netip"
	"testing"
)

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	if err != nil {
		t.Fatalf("ParsePrefix(%q): %v", s, err)
	}

	return p
}

func TestFilterAllowDeny(t *testing.T) {
	f := New()
	f.Reload(NewSnapshot(map[int]Rule{
		5514: {SourceID: "s1", Networks: []netip.Prefix{mustPrefix(t, "10.0.0.0/8")}},
		5515: {SourceID: "s2"}, // open allowlist
	}))

	cases := []struct {
		name     string
		peer     string
		port     int
		wantOK   bool
		wantSrc  string
	}{
		{"allowed_in_cidr", "10.1.2.3", 5514, true, "s1"},
		{"denied_outside_cidr", "192.168.1.1", 5514, false, ""},
		{"no_rule_for_port", "10.1.2.3", 9999, false, ""},
		{"open_allowlist", "8.8.8.8", 5515, true, "s2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			addr, err := netip.ParseAddr(tc.peer)
			if err != nil {
				t.Fatalf("ParseAddr: %v", err)
			}
			src, ok := f.Current().Allow(addr, tc.port)
			if ok != tc.wantOK || src != tc.wantSrc {
				t.Errorf("Allow(%s, %d) = (%q, %v), want (%q, %v)", tc.peer, tc.port, src, ok, tc.wantSrc, tc.wantOK)
			}
		})
	}
}

func TestAllowSourceIsolatesPerSourceCIDRs(t *testing.T) {
	snap := NewSnapshotWithSources(
		map[int]Rule{8080: {SourceID: "http", Networks: []netip.Prefix{
			mustPrefix(t, "10.0.0.0/8"), mustPrefix(t, "192.168.0.0/16"),
		}}},
		map[string]Rule{
			"a": {SourceID: "a", Networks: []netip.Prefix{mustPrefix(t, "10.0.0.0/8")}},
			"b": {SourceID: "b", Networks: []netip.Prefix{mustPrefix(t, "192.168.0.0/16")}},
		},
	)

	peerA := mustAddr(t, "10.1.2.3")
	if !snap.AllowSource(peerA, "a") {
		t.Errorf("peer in a's own CIDR should be allowed for a")
	}
	if snap.AllowSource(peerA, "b") {
		t.Errorf("peer outside b's CIDR must not be allowed for b, even though it passes the shared port's union rule")
	}
	if snap.AllowSource(peerA, "unknown") {
		t.Errorf("a source absent from the snapshot's source index must fail closed")
	}
}

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("ParseAddr(%q): %v", s, err)
	}

	return a
}

func TestReloadSwapIsAtomic(t *testing.T) {
	f := New()
	first := NewSnapshot(map[int]Rule{1: {SourceID: "a"}})
	second := NewSnapshot(map[int]Rule{1: {SourceID: "b"}})
	f.Reload(first)
	if f.Current() != first {
		t.Fatalf("expected first snapshot")
	}
	f.Reload(second)
	if f.Current() != second {
		t.Fatalf("expected second snapshot after reload")
	}
}

func TestRateLimiterPerSourceBurst(t *testing.T) {
	rl := NewRateLimiter(1, 2)

	if !rl.Allow("s1") || !rl.Allow("s1") {
		t.Fatalf("expected burst of 2 to be allowed")
	}
	if rl.Allow("s1") {
		t.Fatalf("expected third immediate request to be denied")
	}
	// A different source has its own independent bucket.
	if !rl.Allow("s2") {
		t.Fatalf("expected s2's bucket to be unaffected by s1's consumption")
	}
}

func TestRateLimiterDisabledWhenNonPositive(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !rl.Allow("s1") {
			t.Fatalf("rate limiting should be disabled when rps <= 0")
		}
	}
}

func TestAddrFromString(t *testing.T) {
	if a, err := AddrFromString("10.0.0.1:5514"); err != nil || a.String() != "10.0.0.1" {
		t.Errorf("AddrFromString with port: got %v, %v", a, err)
	}
	if a, err := AddrFromString("10.0.0.1"); err != nil || a.String() != "10.0.0.1" {
		t.Errorf("AddrFromString without port: got %v, %v", a, err)
	}
}
