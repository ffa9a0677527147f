package metricsworker

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/killkrill/killkrill/internal/model"
)

// Pusher POSTs a rendered push body to the Prometheus push gateway job endpoint.
type Pusher interface {
	Push(ctx context.Context, jobPath string, body string) error
}

// HTTPPusher is the real Pusher, POSTing to {gateway}/metrics/job/killkrill-metrics.
type HTTPPusher struct {
	Client  *http.Client
	Gateway string
}

func (p *HTTPPusher) Push(ctx context.Context, jobPath string, body string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Gateway+jobPath, bytes.NewBufferString(body))
	if err != nil {
		return fmt.Errorf("building push request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; version=0.0.4")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway returned %d", resp.StatusCode)
	}

	return nil
}

// GatewayBuffer coalesces bursts of samples before pushing, per spec.md §4.6 point 4:
// flush at 100 samples or 15s since the last push, whichever comes first. Both
// thresholds are checked only inside Enqueue; there is no timer, so buffered samples
// are not pushed until a later Enqueue crosses a threshold or Flush is called. The mutex
// guards only the enqueue/drain step; the HTTP POST itself runs outside the lock, per
// the concurrency model in spec.md §5.
//
// It also tracks, alongside the rendered body, which Stream Bus entry ids contributed
// to the currently-buffered-but-not-yet-pushed content. An entry is only safe to ack
// once its body has actually been POSTed to the gateway with a 2xx — so Enqueue hands
// back exactly the entry ids that were flushed (and thus pushed) by that call, which
// may span several prior Enqueue calls that landed in the same buffered body. Entries
// whose samples are merely buffered, not yet flushed, are reported to no one and stay
// in the Stream Bus's pending set until a later call actually flushes them.
type GatewayBuffer struct {
	Pusher   Pusher
	JobPath  string
	MaxBatch int
	MaxAge   time.Duration

	mu          sync.Mutex
	pendingBody strings.Builder
	sampleCount int
	lastFlush   time.Time
	pendingIDs  []model.StreamEntryID
}

// NewGatewayBuffer returns a GatewayBuffer with spec-default thresholds.
func NewGatewayBuffer(pusher Pusher) *GatewayBuffer {
	return &GatewayBuffer{
		Pusher:   pusher,
		JobPath:  "/metrics/job/killkrill-metrics",
		MaxBatch: 100,
		MaxAge:   15 * time.Second,
	}
}

// Enqueue appends one rendered group body (covering sampleCount samples, sourced from
// entryIDs) to the buffer, flushing immediately if either threshold is crossed. It
// returns the entry ids actually pushed to the gateway this call — nil if the buffer
// only accumulated without flushing, or if the flush attempt failed.
func (b *GatewayBuffer) Enqueue(ctx context.Context, body string, sampleCount int, entryIDs []model.StreamEntryID) ([]model.StreamEntryID, error) {
	b.mu.Lock()
	if b.lastFlush.IsZero() {
		b.lastFlush = time.Now()
	}
	b.pendingBody.WriteString(body)
	b.sampleCount += sampleCount
	b.pendingIDs = append(b.pendingIDs, entryIDs...)
	shouldFlush := b.sampleCount >= b.MaxBatch || time.Since(b.lastFlush) >= b.MaxAge
	var toFlush string
	var flushedIDs []model.StreamEntryID
	if shouldFlush {
		toFlush, flushedIDs = b.drainLocked()
	}
	b.mu.Unlock()

	if toFlush == "" {
		return nil, nil
	}

	if err := b.Pusher.Push(ctx, b.JobPath, toFlush); err != nil {
		return nil, err
	}

	return flushedIDs, nil
}

// Flush forces an immediate push of whatever is currently buffered, returning the
// entry ids it pushed.
func (b *GatewayBuffer) Flush(ctx context.Context) ([]model.StreamEntryID, error) {
	b.mu.Lock()
	toFlush, flushedIDs := b.drainLocked()
	b.mu.Unlock()

	if toFlush == "" {
		return nil, nil
	}

	if err := b.Pusher.Push(ctx, b.JobPath, toFlush); err != nil {
		return nil, err
	}

	return flushedIDs, nil
}

func (b *GatewayBuffer) drainLocked() (string, []model.StreamEntryID) {
	body := b.pendingBody.String()
	ids := b.pendingIDs
	b.pendingBody.Reset()
	b.sampleCount = 0
	b.lastFlush = time.Now()
	b.pendingIDs = nil

	return body, ids
}
