package logs

import (
	"context"
	"fmt"
	"net"
	"time"

	"k8s.io/klog/v2"

	"github.com/killkrill/killkrill/internal/admission"
	"github.com/killkrill/killkrill/internal/model"
	"github.com/killkrill/killkrill/internal/streambus"
)

// listenerState is the UDP listener lifecycle from spec.md §4.2: Unbound -> Binding ->
// Ready -> (Shutdown|Failed).
type listenerState int

const (
	stateUnbound listenerState = iota
	stateBinding
	stateReady
	stateShutdown
	stateFailed
)

func (s listenerState) String() string {
	switch s {
	case stateUnbound:
		return "unbound"
	case stateBinding:
		return "binding"
	case stateReady:
		return "ready"
	case stateShutdown:
		return "shutdown"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	maxDatagramSize  = 64 * 1024
	maxRetryBackoff  = 30 * time.Second
	initialRetryWait = 500 * time.Millisecond
)

// UDPListener runs one bound UDP socket for exactly one LogSource's syslog port,
// per spec.md §4.2 ("one listener per port in its own scheduled work unit").
type UDPListener struct {
	Source *model.LogSource
	Filter *admission.Filter
	Bus    streambus.Bus
	Logger klog.Logger

	// RateLimiter sheds load from a single noisy source after admission but before any
	// parsing cost; nil disables limiting.
	RateLimiter *admission.RateLimiter

	// DropReason, if non-nil, is called once per admission-denied datagram with a fixed
	// reason string (spec.md §8 scenario 3's packets_dropped{reason="ip_not_allowed"}).
	DropReason func(reason string)

	state listenerState
	conn  *net.UDPConn
}

// Run binds the listener and serves until ctx is canceled, retrying a post-Ready
// failure with exponential backoff capped at 30s, per the listener state machine.
func (l *UDPListener) Run(ctx context.Context) {
	logger := l.Logger.WithValues("source", l.Source.ID, "port", l.Source.SyslogPort)
	wait := initialRetryWait

	for {
		if ctx.Err() != nil {
			l.state = stateShutdown
			return
		}

		l.state = stateBinding
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: l.Source.SyslogPort})
		if err != nil {
			l.state = stateFailed
			logger.Error(err, "bind failed, retrying", "wait", wait)
			if !sleepOrDone(ctx, wait) {
				return
			}
			wait = nextBackoff(wait)
			continue
		}

		l.conn = conn
		l.state = stateReady
		wait = initialRetryWait
		logger.V(1).Info("listener ready")

		err = l.serve(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			l.state = stateShutdown
			return
		}
		l.state = stateFailed
		logger.Error(err, "listener failed after ready, retrying", "wait", wait)
		if !sleepOrDone(ctx, wait) {
			return
		}
		wait = nextBackoff(wait)
	}
}

func (l *UDPListener) serve(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, maxDatagramSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, peerAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}

			return err
		}
		l.handleDatagram(ctx, peerAddr, buf[:n])
	}
}

func (l *UDPListener) handleDatagram(ctx context.Context, peerAddr *net.UDPAddr, payload []byte) {
	peer := peerAddr.AddrPort().Addr().Unmap()
	if _, allowed := l.Filter.Current().Allow(peer, l.Source.SyslogPort); !allowed {
		// Admission drops are counted, never logged per-packet (spec.md §4.1).
		l.Source.Dropped++
		if l.DropReason != nil {
			l.DropReason("ip_not_allowed")
		}
		return
	}
	if !l.RateLimiter.Allow(l.Source.ID) {
		l.Source.Dropped++
		return
	}

	truncated, wasTruncated := truncateDatagram(payload, maxDatagramSize)
	message := string(truncated)

	fields := map[string]string{
		"source_id":  l.Source.ID,
		"source_ip":  peer.String(),
		"protocol":   "udp",
		"message_id": messageID(l.Source.ID, message, fmt.Sprint(time.Now().UnixNano())),
	}
	if wasTruncated {
		fields["truncated"] = "true"
	}

	if parsed, ok := ParseRFC3164(message); ok {
		fields["facility"] = parsed.Facility
		fields["log_level"] = parsed.Severity
		fields["hostname"] = parsed.Hostname
		fields["program"] = parsed.Program
		fields["message"] = parsed.Message
		fields["raw_log"] = message
	} else {
		fields["message"] = message
	}

	if _, err := l.Bus.Append(ctx, "logs:raw", fields); err != nil {
		// Retried once in-line; a second failure marks the source and is dropped,
		// per spec.md §4.2's failure semantics for repeated append failures.
		if _, err2 := l.Bus.Append(ctx, "logs:raw", fields); err2 != nil {
			l.Source.Dropped++
			return
		}
	}
	l.Source.Received++
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

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxRetryBackoff {
		return maxRetryBackoff
	}

	return next
}
