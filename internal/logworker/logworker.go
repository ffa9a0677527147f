// Package logworker implements the Log Worker (spec.md §4.5): reliably forwards
// logs:raw to a search index with ECS structure, with idempotent writes and idle-claim
// recovery from crashed consumers.
package logworker

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/killkrill/killkrill/internal/logs"
	"github.com/killkrill/killkrill/internal/model"
	"github.com/killkrill/killkrill/internal/streambus"
)

const (
	// Stream and Group are the fixed names from spec.md §6.
	Stream = "logs:raw"
	Group  = "elk-writers"

	maxReadCount  = 500
	blockMS       = 1000
	idleThreshold = 60 * time.Second
	maxClaimBatch = 100

	maxBulkRetries  = 3
	backoffBase     = 2 * time.Second
	backoffCeiling  = 600 * time.Second
)

// Indexer writes ECS documents to a search index in bulk, returning the set of
// document ids that failed to index. A nil error with no failed ids means every
// document in the batch was written.
type Indexer interface {
	BulkIndex(ctx context.Context, index string, docs []IndexedDoc) (failed map[string]struct{}, err error)
}

// IndexedDoc pairs one ECS document with its destination index and idempotent id.
type IndexedDoc struct {
	Index string
	ID    string
	Body  map[string]interface{}
}

// Worker is one unit of the elk-writers consumer group.
type Worker struct {
	Consumer     string
	Bus          streambus.Bus
	Index        Indexer
	Logger       klog.Logger
	IndexPrefix  string
	TransformErr func(err error) // optional hook, counters in the real daemon

	// BackoffBase overrides the bulk-write retry backoff's starting value (default
	// backoffBase, 2s per spec.md §4.5). Tests shrink this to avoid slow wall-clock waits.
	BackoffBase time.Duration
}

func (w *Worker) backoffBase() time.Duration {
	if w.BackoffBase > 0 {
		return w.BackoffBase
	}

	return backoffBase
}

// Run executes the read-transform-bulk-write-ack loop until ctx is canceled.
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
	w.reclaimIdle(ctx)

	entries, err := w.Bus.ReadGroup(ctx, Stream, Group, w.Consumer, maxReadCount, blockMS)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	return w.processBatch(ctx, entries)
}

func (w *Worker) reclaimIdle(ctx context.Context) {
	pending, err := w.Bus.PendingRange(ctx, Stream, Group)
	if err != nil {
		w.Logger.V(1).Info("pending_range failed", "err", err)
		return
	}

	var idle []model.StreamEntryID
	for _, p := range pending {
		if p.IdleTime >= idleThreshold {
			idle = append(idle, p.ID)
		}
		if len(idle) >= maxClaimBatch {
			break
		}
	}
	if len(idle) == 0 {
		return
	}

	entries, err := w.Bus.Claim(ctx, Stream, Group, w.Consumer, idleThreshold, idle...)
	if err != nil {
		w.Logger.V(1).Info("claim failed", "err", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	if err := w.processBatch(ctx, entries); err != nil {
		w.Logger.V(1).Info("processing claimed entries failed", "err", err)
	}
}

func (w *Worker) processBatch(ctx context.Context, entries []model.StreamEntry) error {
	now := time.Now()
	docsByIndex := make(map[string][]IndexedDoc)
	entryByDocID := make(map[string]model.StreamEntryID)

	var toAck []model.StreamEntryID
	for _, entry := range entries {
		body, err := buildDocument(entry, now)
		if err != nil {
			// Poisonous-record policy: count and ack, never block the stream.
			if w.TransformErr != nil {
				w.TransformErr(err)
			}
			toAck = append(toAck, entry.ID)
			continue
		}
		docID := logs.DocumentID(entry.ID)
		index := logs.IndexName(w.IndexPrefix, extractTimestamp(body, now))
		docsByIndex[index] = append(docsByIndex[index], IndexedDoc{Index: index, ID: docID, Body: body})
		entryByDocID[docID] = entry.ID
	}

	for index, docs := range docsByIndex {
		acked, err := w.bulkWriteWithRetry(ctx, index, docs)
		if err != nil {
			// Systemic failure: back off without acking any entry in this index group.
			continue
		}
		for docID := range acked {
			toAck = append(toAck, entryByDocID[docID])
		}
	}

	if len(toAck) == 0 {
		return nil
	}
	_, err := w.Bus.Ack(ctx, Stream, Group, toAck...)

	return err
}

func (w *Worker) bulkWriteWithRetry(ctx context.Context, index string, docs []IndexedDoc) (succeeded map[string]struct{}, err error) {
	wait := w.backoffBase()
	for attempt := 0; attempt <= maxBulkRetries; attempt++ {
		failed, bulkErr := w.Index.BulkIndex(ctx, index, docs)
		if bulkErr == nil {
			succeeded = make(map[string]struct{}, len(docs))
			for _, d := range docs {
				if _, isFailed := failed[d.ID]; !isFailed {
					succeeded[d.ID] = struct{}{}
				}
			}

			return succeeded, nil
		}
		err = bulkErr
		if attempt == maxBulkRetries {
			break
		}
		if !sleepOrDone(ctx, wait) {
			return nil, ctx.Err()
		}
		wait = nextBackoff(wait)
	}

	return nil, err
}

func buildDocument(entry model.StreamEntry, now time.Time) (map[string]interface{}, error) {
	if entry.Fields["message"] == "" && entry.Fields["raw_log"] == "" {
		return nil, model.ErrTransform{Reason: "entry has no message content"}
	}

	return logs.ECSDocument(entry, now), nil
}

func extractTimestamp(doc map[string]interface{}, fallback time.Time) time.Time {
	raw, ok := doc["@timestamp"].(string)
	if !ok {
		return fallback
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return fallback
	}

	return ts
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
	if next > backoffCeiling {
		return backoffCeiling
	}

	return next
}
