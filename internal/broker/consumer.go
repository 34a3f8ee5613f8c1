package broker

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/archivist/tgarchiver/internal/infra/logger"
)

const (
	autoClaimMinIdle   = 5 * time.Minute
	forceRemoveIdle    = 50 * time.Minute
	realtimeBlockTime  = time.Second
	autoClaimBatchSize = 10
)

// ConsumedEntry is one delivered stream message, with the source stream
// name tracked so acknowledgement and DLQ routing hit the right stream.
type ConsumedEntry struct {
	Stream        string
	ID            string
	Fields        map[string]string
	DeliveryCount int64
}

// Consumer reads from the three priority streams under one consumer
// group, implementing the starvation guarantee in spec.md §4.4: a
// backfill entry is only read when realtime and legacy are both empty,
// and only one at a time.
type Consumer struct {
	b            *Broker
	consumerName string
	batchSize    int64
}

// NewConsumer builds a consumer named worker-{hostname}-{pid}, matching
// the reference implementation's naming so operators can correlate
// consumers across a deployment's history.
func NewConsumer(b *Broker, batchSize int) *Consumer {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	name := fmt.Sprintf("worker-%s-%d", hostname, os.Getpid())
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Consumer{b: b, consumerName: name, batchSize: int64(batchSize)}
}

// Name returns this consumer's registered name.
func (c *Consumer) Name() string { return c.consumerName }

// CleanupStaleConsumers scans xinfo_consumers on every priority stream
// and removes consumers idle past autoClaimMinIdle with zero pending
// entries, force-removing any idle past forceRemoveIdle regardless of
// pending. Called once at startup.
func (c *Consumer) CleanupStaleConsumers(ctx context.Context) {
	removed := 0
	for _, stream := range PriorityStreams {
		consumers, err := c.b.rdb.XInfoConsumers(ctx, stream, ConsumerGroup).Result()
		if err != nil {
			logger.Warnf("broker: xinfo_consumers %s: %v", stream, err)
			continue
		}
		for _, info := range consumers {
			if info.Name == c.consumerName {
				continue
			}
			idle := info.Idle
			switch {
			case idle > forceRemoveIdle:
				if err := c.b.rdb.XGroupDelConsumer(ctx, stream, ConsumerGroup, info.Name).Err(); err != nil {
					logger.Warnf("broker: force-remove consumer %s/%s: %v", stream, info.Name, err)
					continue
				}
				removed++
			case idle > autoClaimMinIdle && info.Pending == 0:
				if err := c.b.rdb.XGroupDelConsumer(ctx, stream, ConsumerGroup, info.Name).Err(); err != nil {
					logger.Warnf("broker: remove stale consumer %s/%s: %v", stream, info.Name, err)
					continue
				}
				removed++
			}
		}
	}
	if removed > 0 {
		logger.Infof("broker: cleaned up %d stale consumers", removed)
	}
}

// Next returns the next batch of entries to process, applying the
// priority order: auto-claim, then realtime (blocking), then legacy
// (non-blocking), then exactly one backfill entry. Returns an empty
// slice (not an error) when every stream is currently drained.
func (c *Consumer) Next(ctx context.Context) ([]ConsumedEntry, error) {
	if claimed := c.autoClaimPending(ctx); len(claimed) > 0 {
		return claimed, nil
	}

	if entries, err := c.readStream(ctx, StreamRealtime, realtimeBlockTime, c.batchSize); err != nil {
		return nil, err
	} else if len(entries) > 0 {
		return entries, nil
	}

	if entries, err := c.readStream(ctx, StreamLegacy, 0, c.batchSize); err != nil {
		return nil, err
	} else if len(entries) > 0 {
		return entries, nil
	}

	if entries, err := c.readStream(ctx, StreamBackfill, 0, 1); err != nil {
		return nil, err
	} else if len(entries) > 0 {
		return entries, nil
	}

	return nil, nil
}

func (c *Consumer) readStream(ctx context.Context, stream string, block time.Duration, count int64) ([]ConsumedEntry, error) {
	res, err := c.b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: c.consumerName,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("broker: xreadgroup %s: %w", stream, err)
	}

	var out []ConsumedEntry
	for _, s := range res {
		for _, msg := range s.Messages {
			out = append(out, ConsumedEntry{
				Stream: s.Stream,
				ID:     msg.ID,
				Fields: stringifyFields(msg.Values),
			})
		}
	}
	return out, nil
}

func (c *Consumer) autoClaimPending(ctx context.Context) []ConsumedEntry {
	var claimed []ConsumedEntry
	for _, stream := range PriorityStreams {
		pending, err := c.b.rdb.XPending(ctx, stream, ConsumerGroup).Result()
		if err != nil || pending == nil || pending.Count == 0 {
			continue
		}

		msgs, _, err := c.b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    ConsumerGroup,
			Consumer: c.consumerName,
			MinIdle:  autoClaimMinIdle,
			Start:    "0-0",
			Count:    autoClaimBatchSize,
		}).Result()
		if err != nil {
			logger.Warnf("broker: xautoclaim %s: %v", stream, err)
			continue
		}
		for _, msg := range msgs {
			claimed = append(claimed, ConsumedEntry{
				Stream: stream,
				ID:     msg.ID,
				Fields: stringifyFields(msg.Values),
			})
		}
		if len(claimed) > 0 {
			logger.Infof("broker: auto-claimed %d entries from %s", len(claimed), stream)
		}
	}
	return claimed
}

// DeliveryCount looks up how many times this entry has been delivered,
// by scanning XPENDING details on the stream it was read from.
func (c *Consumer) DeliveryCount(ctx context.Context, stream, id string) (int64, error) {
	details, err := c.b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  ConsumerGroup,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 1, fmt.Errorf("broker: xpending_range %s/%s: %w", stream, id, err)
	}
	if len(details) == 0 {
		return 1, nil
	}
	return details[0].RetryCount, nil
}

// Ack acknowledges an entry on its source stream.
func (c *Consumer) Ack(ctx context.Context, stream, id string) error {
	if err := c.b.rdb.XAck(ctx, stream, ConsumerGroup, id).Err(); err != nil {
		return fmt.Errorf("broker: xack %s/%s: %w", stream, id, err)
	}
	return nil
}

func stringifyFields(values map[string]any) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		switch val := v.(type) {
		case string:
			out[k] = val
		case []byte:
			out[k] = string(val)
		default:
			out[k] = strconv.FormatInt(toInt64(v), 10)
		}
	}
	return out
}

func toInt64(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	default:
		n, _ := strconv.ParseInt(strings.TrimSpace(fmt.Sprint(val)), 10, 64)
		return n
	}
}
