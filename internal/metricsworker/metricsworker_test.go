package metricsworker

import (
	"context"
	"testing"
	"time"

	"k8s.io/klog/v2"

	"github.com/killkrill/killkrill/internal/model"
	"github.com/killkrill/killkrill/internal/streambus"
)

type fakeSink struct {
	name  string
	calls []model.MetricSample
	ok    bool
}

func (f *fakeSink) Name() string { return f.name }
func (f *fakeSink) AddMetric(_ context.Context, s model.MetricSample) bool {
	f.calls = append(f.calls, s)

	return f.ok
}

func TestWorkerPushesAndAcksOnSuccess(t *testing.T) {
	ctx := context.Background()
	bus := streambus.NewMemBus()
	if err := bus.CreateGroup(ctx, Stream, Group, "0"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if _, err := bus.Append(ctx, Stream, map[string]string{
		"metric_name": "http_requests_total", "metric_type": "counter", "metric_value": "1", "source": "svc",
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	pusher := &fakePusher{}
	buf := NewGatewayBuffer(pusher)
	buf.MaxBatch = 1 // flush immediately for the test

	sink := &fakeSink{name: "hdfs", ok: true}
	w := &Worker{Consumer: "w1", Bus: bus, Buffer: buf, Sinks: []SecondarySink{sink}, Logger: klog.Background()}

	if err := w.runOnce(ctx); err != nil {
		t.Fatalf("runOnce: %v", err)
	}

	pending, err := bus.PendingRange(ctx, Stream, Group)
	if err != nil {
		t.Fatalf("PendingRange: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %+v, want none", pending)
	}
	if len(pusher.pushes) != 1 {
		t.Fatalf("pushes = %d, want 1", len(pusher.pushes))
	}
	if len(sink.calls) != 1 {
		t.Errorf("sink calls = %d, want 1", len(sink.calls))
	}
}

func TestWorkerDoesNotAckOnPushFailure(t *testing.T) {
	ctx := context.Background()
	bus := streambus.NewMemBus()
	if err := bus.CreateGroup(ctx, Stream, Group, "0"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if _, err := bus.Append(ctx, Stream, map[string]string{
		"metric_name": "m", "metric_type": "gauge", "metric_value": "1", "source": "svc",
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	pusher := &fakePusher{err: errPush}
	buf := NewGatewayBuffer(pusher)
	buf.MaxBatch = 1

	w := &Worker{Consumer: "w1", Bus: bus, Buffer: buf, Logger: klog.Background()}

	if err := w.runOnce(ctx); err == nil {
		t.Fatal("expected runOnce to return the push error")
	}

	pending, _ := bus.PendingRange(ctx, Stream, Group)
	if len(pending) != 1 {
		t.Errorf("pending = %+v, want the one entry to remain unacked", pending)
	}
}

func TestWorkerDoesNotAckBelowFlushThreshold(t *testing.T) {
	ctx := context.Background()
	bus := streambus.NewMemBus()
	if err := bus.CreateGroup(ctx, Stream, Group, "0"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if _, err := bus.Append(ctx, Stream, map[string]string{
		"metric_name": "m", "metric_type": "gauge", "metric_value": "1", "source": "svc",
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	pusher := &fakePusher{}
	buf := NewGatewayBuffer(pusher)
	buf.MaxBatch = 1000
	buf.MaxAge = time.Hour // nowhere near flushing on this single sample

	w := &Worker{Consumer: "w1", Bus: bus, Buffer: buf, Logger: klog.Background()}

	if err := w.runOnce(ctx); err != nil {
		t.Fatalf("runOnce: %v", err)
	}

	if len(pusher.pushes) != 0 {
		t.Fatalf("pushes = %d, want 0 (buffered, not flushed)", len(pusher.pushes))
	}

	pending, err := bus.PendingRange(ctx, Stream, Group)
	if err != nil {
		t.Fatalf("PendingRange: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %+v, want the one buffered-but-unpushed entry to remain unacked", pending)
	}
}

type pushErr string

func (e pushErr) Error() string { return string(e) }

const errPush = pushErr("push failed")
