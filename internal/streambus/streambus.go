// Package streambus implements the Stream Bus (spec.md §4.4): an append-only,
// partitioned, ordered stream with consumer groups, acks, and idle-based pending claim,
// giving at-least-once delivery. The contract is backed by Redis Streams, following the
// XReadGroup/XAck/XGroupCreateMkStream usage shown by the brokle telemetry consumer and
// the kubernaut gateway server (both wire *redis.Client into a small domain-specific
// wrapper rather than using the client directly throughout).
package streambus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/killkrill/killkrill/internal/model"
)

// Bus is the Stream Bus contract every producer/consumer in this system talks to.
type Bus interface {
	// Append atomically appends fields to stream, returning the assigned entry id.
	Append(ctx context.Context, stream string, fields map[string]string) (model.StreamEntryID, error)

	// CreateGroup idempotently creates group on stream. start is "0" to replay the full
	// stream or "$" to only deliver entries appended after creation.
	CreateGroup(ctx context.Context, stream, group, start string) error

	// ReadGroup returns up to count entries not yet delivered to group, blocking up to
	// blockMS for new entries if none are immediately available.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, blockMS int64) ([]model.StreamEntry, error)

	// Ack removes entryIDs from group's pending list, returning the number acked.
	Ack(ctx context.Context, stream, group string, entryIDs ...model.StreamEntryID) (int64, error)

	// PendingRange returns the current pending-entries list for group on stream.
	PendingRange(ctx context.Context, stream, group string) ([]model.PendingEntry, error)

	// Claim reassigns entries from stream/group idle longer than minIdle to newConsumer.
	Claim(ctx context.Context, stream, group, newConsumer string, minIdle time.Duration, entryIDs ...model.StreamEntryID) ([]model.StreamEntry, error)

	// StreamLength returns the number of entries currently in stream.
	StreamLength(ctx context.Context, stream string) (int64, error)
}

// RedisBus implements Bus on top of Redis Streams.
type RedisBus struct {
	client *redis.Client
	logger *logrus.Logger
}

// NewRedisBus returns a Bus backed by client.
func NewRedisBus(client *redis.Client, logger *logrus.Logger) *RedisBus {
	return &RedisBus{client: client, logger: logger}
}

// Dial connects to a Redis server at the given URL (redis://[:password@]host:port/db).
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, model.ErrResourceUnavailable{Reason: fmt.Sprintf("redis ping: %v", err)}
	}

	return client, nil
}

func (b *RedisBus) Append(ctx context.Context, stream string, fields map[string]string) (model.StreamEntryID, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", model.ErrResourceUnavailable{Reason: fmt.Sprintf("xadd %s: %v", stream, err)}
	}

	return model.StreamEntryID(id), nil
}

func (b *RedisBus) CreateGroup(ctx context.Context, stream, group, start string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil {
		// BUSYGROUP means the group already exists: idempotent no-op, not an error,
		// matching the brokle consumer's own handling of XGroupCreateMkStream.
		if isBusyGroupErr(err) {
			return nil
		}

		return model.ErrResourceUnavailable{Reason: fmt.Sprintf("xgroup create %s/%s: %v", stream, group, err)}
	}

	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && containsBusyGroup(err.Error())
}

func containsBusyGroup(s string) bool {
	const needle = "BUSYGROUP"
	for i := 0; i+len(needle) <= len(s); i++ {
		if s[i:i+len(needle)] == needle {
			return true
		}
	}

	return false
}

func (b *RedisBus) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, blockMS int64) ([]model.StreamEntry, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    time.Duration(blockMS) * time.Millisecond,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}

		return nil, model.ErrResourceUnavailable{Reason: fmt.Sprintf("xreadgroup %s/%s: %v", stream, group, err)}
	}

	var out []model.StreamEntry
	for _, s := range res {
		for _, msg := range s.Messages {
			out = append(out, toStreamEntry(stream, msg))
		}
	}

	return out, nil
}

func (b *RedisBus) Ack(ctx context.Context, stream, group string, entryIDs ...model.StreamEntryID) (int64, error) {
	if len(entryIDs) == 0 {
		return 0, nil
	}
	ids := make([]string, len(entryIDs))
	for i, id := range entryIDs {
		ids[i] = string(id)
	}
	n, err := b.client.XAck(ctx, stream, group, ids...).Result()
	if err != nil {
		return 0, model.ErrResourceUnavailable{Reason: fmt.Sprintf("xack %s/%s: %v", stream, group, err)}
	}

	return n, nil
}

func (b *RedisBus) PendingRange(ctx context.Context, stream, group string) ([]model.PendingEntry, error) {
	res, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  1000,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}

		return nil, model.ErrResourceUnavailable{Reason: fmt.Sprintf("xpending %s/%s: %v", stream, group, err)}
	}

	out := make([]model.PendingEntry, len(res))
	for i, p := range res {
		out[i] = model.PendingEntry{
			ID:         model.StreamEntryID(p.ID),
			Consumer:   p.Consumer,
			IdleTime:   p.Idle,
			Deliveries: p.RetryCount,
		}
	}

	return out, nil
}

func (b *RedisBus) Claim(ctx context.Context, stream, group, newConsumer string, minIdle time.Duration, entryIDs ...model.StreamEntryID) ([]model.StreamEntry, error) {
	if len(entryIDs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(entryIDs))
	for i, id := range entryIDs {
		ids[i] = string(id)
	}
	msgs, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: newConsumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}

		return nil, model.ErrResourceUnavailable{Reason: fmt.Sprintf("xclaim %s/%s: %v", stream, group, err)}
	}

	out := make([]model.StreamEntry, len(msgs))
	for i, msg := range msgs {
		out[i] = toStreamEntry(stream, msg)
	}

	return out, nil
}

func (b *RedisBus) StreamLength(ctx context.Context, stream string) (int64, error) {
	n, err := b.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, model.ErrResourceUnavailable{Reason: fmt.Sprintf("xlen %s: %v", stream, err)}
	}

	return n, nil
}

func toStreamEntry(stream string, msg redis.XMessage) model.StreamEntry {
	fields := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		if s, ok := v.(string); ok {
			fields[k] = s
			continue
		}
		fields[k] = fmt.Sprintf("%v", v)
	}

	return model.StreamEntry{
		Stream: stream,
		ID:     model.StreamEntryID(msg.ID),
		Fields: fields,
	}
}
