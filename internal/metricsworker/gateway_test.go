package metricsworker

import (
	"context"
	"testing"
	"time"

	"github.com/killkrill/killkrill/internal/model"
)

type fakePusher struct {
	pushes []string
	err    error
}

func (f *fakePusher) Push(_ context.Context, _ string, body string) error {
	if f.err != nil {
		return f.err
	}
	f.pushes = append(f.pushes, body)

	return nil
}

func TestGatewayBufferFlushesAtMaxBatch(t *testing.T) {
	pusher := &fakePusher{}
	buf := NewGatewayBuffer(pusher)
	buf.MaxBatch = 10
	buf.MaxAge = time.Hour

	idsA := []model.StreamEntryID{"1-0", "2-0"}
	flushed, err := buf.Enqueue(context.Background(), "body-a", 5, idsA)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(pusher.pushes) != 0 {
		t.Fatalf("should not have flushed yet, pushes=%d", len(pusher.pushes))
	}
	if flushed != nil {
		t.Fatalf("flushed = %v, want nil before threshold", flushed)
	}

	idsB := []model.StreamEntryID{"3-0"}
	flushed, err = buf.Enqueue(context.Background(), "body-b", 5, idsB)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(pusher.pushes) != 1 {
		t.Fatalf("expected one flush at threshold, got %d", len(pusher.pushes))
	}
	if pusher.pushes[0] != "body-abody-b" {
		t.Errorf("pushed body = %q, want concatenation of both enqueued bodies", pusher.pushes[0])
	}
	want := []model.StreamEntryID{"1-0", "2-0", "3-0"}
	if len(flushed) != len(want) {
		t.Fatalf("flushed = %v, want entry ids from both enqueue calls %v", flushed, want)
	}
	for i, id := range want {
		if flushed[i] != id {
			t.Errorf("flushed[%d] = %q, want %q", i, flushed[i], id)
		}
	}
}

func TestGatewayBufferFlushesOnAge(t *testing.T) {
	pusher := &fakePusher{}
	buf := NewGatewayBuffer(pusher)
	buf.MaxBatch = 1000
	buf.MaxAge = 0 // always stale, so the very next enqueue flushes

	flushed, err := buf.Enqueue(context.Background(), "body", 1, []model.StreamEntryID{"1-0"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(pusher.pushes) != 1 {
		t.Fatalf("expected a flush due to age threshold, got %d pushes", len(pusher.pushes))
	}
	if len(flushed) != 1 || flushed[0] != "1-0" {
		t.Errorf("flushed = %v, want [1-0]", flushed)
	}
}

func TestGatewayBufferEnqueueBelowThresholdReturnsNoFlushedIDs(t *testing.T) {
	pusher := &fakePusher{}
	buf := NewGatewayBuffer(pusher)
	buf.MaxBatch = 1000
	buf.MaxAge = time.Hour

	flushed, err := buf.Enqueue(context.Background(), "body", 1, []model.StreamEntryID{"1-0"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(pusher.pushes) != 0 {
		t.Fatalf("should not have auto-flushed, pushes=%d", len(pusher.pushes))
	}
	if flushed != nil {
		t.Fatalf("flushed = %v, want nil when below threshold, so the caller leaves the entry pending", flushed)
	}
}

func TestGatewayBufferExplicitFlush(t *testing.T) {
	pusher := &fakePusher{}
	buf := NewGatewayBuffer(pusher)
	buf.MaxBatch = 1000
	buf.MaxAge = time.Hour

	if _, err := buf.Enqueue(context.Background(), "body", 1, []model.StreamEntryID{"1-0"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(pusher.pushes) != 0 {
		t.Fatalf("should not have auto-flushed, pushes=%d", len(pusher.pushes))
	}
	flushed, err := buf.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(pusher.pushes) != 1 {
		t.Fatalf("expected one push after explicit Flush, got %d", len(pusher.pushes))
	}
	if len(flushed) != 1 || flushed[0] != "1-0" {
		t.Errorf("flushed = %v, want [1-0]", flushed)
	}
}

func TestGatewayBufferEnqueueFailedPushReturnsNoFlushedIDs(t *testing.T) {
	pusher := &fakePusher{err: errPush}
	buf := NewGatewayBuffer(pusher)
	buf.MaxBatch = 1

	flushed, err := buf.Enqueue(context.Background(), "body", 1, []model.StreamEntryID{"1-0"})
	if err == nil {
		t.Fatal("expected push error")
	}
	if flushed != nil {
		t.Fatalf("flushed = %v, want nil on push failure so the entry stays pending", flushed)
	}
}
