package streambus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/killkrill/killkrill/internal/model"
)

// MemBus is an in-memory Bus used by package tests in place of a live Redis server,
// mirroring the fake broker pattern the brokle telemetry consumer tests build around
// an interface rather than a concrete client.
type MemBus struct {
	mu       sync.Mutex
	seq      int64
	entries  map[string][]model.StreamEntry
	groups   map[string]map[string]bool // stream -> group -> exists
	pending  map[string]map[string]map[model.StreamEntryID]*pendingState
}

type pendingState struct {
	consumer   string
	deliveries int64
	lastDelivery time.Time
}

// NewMemBus returns an empty in-memory Bus.
func NewMemBus() *MemBus {
	return &MemBus{
		entries: make(map[string][]model.StreamEntry),
		groups:  make(map[string]map[string]bool),
		pending: make(map[string]map[string]map[model.StreamEntryID]*pendingState),
	}
}

func (b *MemBus) Append(_ context.Context, stream string, fields map[string]string) (model.StreamEntryID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := model.StreamEntryID(fmt.Sprintf("%d-0", b.seq))
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	b.entries[stream] = append(b.entries[stream], model.StreamEntry{Stream: stream, ID: id, Fields: cp})

	return id, nil
}

func (b *MemBus) CreateGroup(_ context.Context, stream, group, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.groups[stream] == nil {
		b.groups[stream] = make(map[string]bool)
	}
	b.groups[stream][group] = true
	if b.pending[stream] == nil {
		b.pending[stream] = make(map[string]map[model.StreamEntryID]*pendingState)
	}
	if b.pending[stream][group] == nil {
		b.pending[stream][group] = make(map[model.StreamEntryID]*pendingState)
	}

	return nil
}

func (b *MemBus) ReadGroup(_ context.Context, stream, group, consumer string, count int64, _ int64) ([]model.StreamEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delivered := b.pending[stream][group]
	var out []model.StreamEntry
	for _, e := range b.entries[stream] {
		if _, seen := delivered[e.ID]; seen {
			continue
		}
		delivered[e.ID] = &pendingState{consumer: consumer, deliveries: 1, lastDelivery: time.Now()}
		out = append(out, e)
		if int64(len(out)) >= count && count > 0 {
			break
		}
	}

	return out, nil
}

func (b *MemBus) Ack(_ context.Context, stream, group string, entryIDs ...model.StreamEntryID) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delivered := b.pending[stream][group]
	var n int64
	for _, id := range entryIDs {
		if _, ok := delivered[id]; ok {
			delete(delivered, id)
			n++
		}
	}

	return n, nil
}

func (b *MemBus) PendingRange(_ context.Context, stream, group string) ([]model.PendingEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delivered := b.pending[stream][group]
	out := make([]model.PendingEntry, 0, len(delivered))
	for id, st := range delivered {
		out = append(out, model.PendingEntry{
			ID:         id,
			Consumer:   st.consumer,
			IdleTime:   time.Since(st.lastDelivery),
			Deliveries: st.deliveries,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

func (b *MemBus) Claim(_ context.Context, stream, group, newConsumer string, minIdle time.Duration, entryIDs ...model.StreamEntryID) ([]model.StreamEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delivered := b.pending[stream][group]
	byID := make(map[model.StreamEntryID]model.StreamEntry, len(b.entries[stream]))
	for _, e := range b.entries[stream] {
		byID[e.ID] = e
	}
	var out []model.StreamEntry
	for _, id := range entryIDs {
		st, ok := delivered[id]
		if !ok || time.Since(st.lastDelivery) < minIdle {
			continue
		}
		st.consumer = newConsumer
		st.deliveries++
		out = append(out, byID[id])
	}

	return out, nil
}

func (b *MemBus) StreamLength(_ context.Context, stream string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return int64(len(b.entries[stream])), nil
}

var _ Bus = (*MemBus)(nil)
