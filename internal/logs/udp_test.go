package logs

import (
	"context"
	"net"
	"testing"
	"time"

	"k8s.io/klog/v2"

	"github.com/killkrill/killkrill/internal/admission"
	"github.com/killkrill/killkrill/internal/model"
	"github.com/killkrill/killkrill/internal/streambus"
)

func TestHandleDatagramRFC3164(t *testing.T) {
	bus := streambus.NewMemBus()
	f := admission.New()
	f.Reload(admission.NewSnapshot(map[int]admission.Rule{5514: {SourceID: "s1"}}))
	src := &model.LogSource{ID: "s1", SyslogPort: 5514}
	l := &UDPListener{Source: src, Filter: f, Bus: bus, Logger: klog.Background()}

	peer := mustUDPAddr(t, "10.1.2.3:5555")
	l.handleDatagram(context.Background(), peer, []byte("<134>Jan  1 00:00:00 host prog: payload"))

	if src.Received != 1 || src.Dropped != 0 {
		t.Fatalf("Received=%d Dropped=%d, want 1/0", src.Received, src.Dropped)
	}
	if err := bus.CreateGroup(context.Background(), "logs:raw", "g", "0"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	entries, err := bus.ReadGroup(context.Background(), "logs:raw", "g", "c", 10, 0)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(entries) != 1 || entries[0].Fields["message"] != "payload" {
		t.Errorf("entries = %+v, want one entry with message=payload", entries)
	}
	n, _ := bus.StreamLength(context.Background(), "logs:raw")
	if n != 1 {
		t.Fatalf("StreamLength = %d, want 1", n)
	}
}

func TestHandleDatagramDeniedByAdmission(t *testing.T) {
	bus := streambus.NewMemBus()
	f := admission.New()
	f.Reload(admission.NewSnapshot(map[int]admission.Rule{
		5514: {SourceID: "s1", Networks: mustPrefixes(t, "10.0.0.0/8")},
	}))
	src := &model.LogSource{ID: "s1", SyslogPort: 5514}
	l := &UDPListener{Source: src, Filter: f, Bus: bus, Logger: klog.Background()}

	peer := mustUDPAddr(t, "192.168.1.1:5555")
	l.handleDatagram(context.Background(), peer, []byte("payload"))

	if src.Dropped != 1 || src.Received != 0 {
		t.Fatalf("Received=%d Dropped=%d, want 0/1", src.Received, src.Dropped)
	}
	n, _ := bus.StreamLength(context.Background(), "logs:raw")
	if n != 0 {
		t.Fatalf("StreamLength = %d, want 0", n)
	}
}

func TestNextBackoffCapsAt30s(t *testing.T) {
	d := initialRetryWait
	for i := 0; i < 20; i++ {
		d = nextBackoff(d)
	}
	if d != maxRetryBackoff {
		t.Errorf("nextBackoff converged to %v, want %v", d, maxRetryBackoff)
	}
}

func mustUDPAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		t.Fatalf("ResolveUDPAddr(%q): %v", s, err)
	}

	return addr
}
