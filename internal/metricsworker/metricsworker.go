package metricsworker

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"k8s.io/klog/v2"

	"github.com/killkrill/killkrill/internal/model"
	"github.com/killkrill/killkrill/internal/streambus"
)

const (
	// Stream and Group are the fixed names from spec.md §6.
	Stream = "metrics:raw"
	Group  = "prometheus-writers"

	maxReadCount = 500
	blockMS      = 1000
	backoffBase  = 1 * time.Second
	backoffCeil  = 30 * time.Second
)

// SecondarySink is the `add_metric(sample) -> bool` contract HDFS/Spark/Bigtable
// destinations implement (spec.md §4.6). Its success is independent of the Prometheus
// ack decision; failures are counted by the caller, never escalated.
type SecondarySink interface {
	Name() string
	AddMetric(ctx context.Context, sample model.MetricSample) bool
}

// Worker is one unit of the prometheus-writers consumer group.
type Worker struct {
	Consumer  string
	Bus       streambus.Bus
	Buffer    *GatewayBuffer
	Sinks     []SecondarySink
	Logger    klog.Logger
	SinkFail  func(sinkName string) // optional counter hook
}

// Run executes the read-group-push-ack loop until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	if err := w.Bus.CreateGroup(ctx, Stream, Group, "0"); err != nil {
		w.Logger.Error(err, "failed to create consumer group")
		return
	}

	wait := backoffBase
	for ctx.Err() == nil {
		if err := w.runOnce(ctx); err != nil {
			w.Logger.Error(err, "loop iteration failed, backing off", "wait", wait)
			if !sleepOrDone(ctx, wait) {
				return
			}
			wait = nextBackoff(wait)
			continue
		}
		wait = backoffBase
	}
}

func (w *Worker) runOnce(ctx context.Context) error {
	entries, err := w.Bus.ReadGroup(ctx, Stream, Group, w.Consumer, maxReadCount, blockMS)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	// toAck accumulates only entry ids that are safe to remove from the pending set:
	// ones whose sample could never parse, and ones whose group body has actually been
	// pushed to the gateway with a 2xx. Entries that were merely buffered (not yet over
	// the flush threshold) are left off this list and stay pending in the Stream Bus
	// until a later Enqueue flushes the buffer and hands their ids back for acking
	// (spec.md §4.6 point 3's "on 2xx, ack… on non-2xx, do not ack").
	var toAck []model.StreamEntryID

	type bucket struct {
		g       group
		entries []model.StreamEntryID
	}
	buckets := make(map[string]*bucket)
	var order []string

	for _, entry := range entries {
		sample, err := parseSample(entry)
		if err != nil {
			// Conversion failure: skip, but still ack — it will never parse.
			toAck = append(toAck, entry.ID)
			continue
		}
		w.forwardToSinks(ctx, sample)

		key := groupKey(sample.Source, sample.Kind)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{g: group{source: sample.Source, metricType: sample.Kind}}
			buckets[key] = b
			order = append(order, key)
		}
		b.g.samples = append(b.g.samples, sample)
		b.entries = append(b.entries, entry.ID)
	}

	var pushErr error
	for _, key := range order {
		b := buckets[key]
		body := buildPushBody(b.g)
		flushedIDs, err := w.Buffer.Enqueue(ctx, body, len(b.g.samples), b.entries)
		if err != nil {
			// Per-group push failure: don't ack this group's entries, letting future
			// delivery retry them (spec.md §4.6 point 3); keep draining the remaining
			// groups so their entries, if already flushed successfully, still get acked.
			pushErr = err
			continue
		}
		toAck = append(toAck, flushedIDs...)
	}

	if len(toAck) > 0 {
		if _, err := w.Bus.Ack(ctx, Stream, Group, toAck...); err != nil {
			return err
		}
	}

	return pushErr
}

func (w *Worker) forwardToSinks(ctx context.Context, sample model.MetricSample) {
	for _, sink := range w.Sinks {
		if !sink.AddMetric(ctx, sample) && w.SinkFail != nil {
			w.SinkFail(sink.Name())
		}
	}
}

func parseSample(entry model.StreamEntry) (model.MetricSample, error) {
	f := entry.Fields
	value, err := strconv.ParseFloat(f["metric_value"], 64)
	if err != nil {
		return model.MetricSample{}, model.ErrTransform{Reason: "unparseable metric_value: " + err.Error()}
	}

	sample := model.MetricSample{
		Name:   f["metric_name"],
		Kind:   model.MetricKind(f["metric_type"]),
		Value:  value,
		Source: f["source"],
	}
	if raw, ok := f["timestamp"]; ok && raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			sample.Timestamp = ts
		}
	}
	if raw, ok := f["labels"]; ok && raw != "" {
		var labels map[string]string
		if err := json.Unmarshal([]byte(raw), &labels); err == nil {
			sample.Labels = labels
		}
	}

	return sample, nil
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
	if next > backoffCeil {
		return backoffCeil
	}

	return next
}
