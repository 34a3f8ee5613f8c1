package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DLQEntry is one row of the bounded dead-letter stream.
type DLQEntry struct {
	OriginalStreamID string
	OriginalStream   string
	MessagePayload   map[string]string
	Error            string
	RetryCount       int64
	FailedAt         time.Time
}

// SendToDLQ copies a failed entry to the bounded dead-letter stream,
// matching the field layout of the reference implementation's
// dead_letter_queue.py exactly (original_stream_id, original_stream,
// message_payload_json, error, retry_count, failed_at).
func (b *Broker) SendToDLQ(ctx context.Context, entry DLQEntry) error {
	payload, err := json.Marshal(entry.MessagePayload)
	if err != nil {
		return fmt.Errorf("broker: marshal dlq payload: %w", err)
	}

	if entry.FailedAt.IsZero() {
		entry.FailedAt = time.Now().UTC()
	}

	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamDLQ,
		MaxLen: maxDLQLength,
		Approx: true,
		Values: map[string]any{
			"original_stream_id": entry.OriginalStreamID,
			"original_stream":    entry.OriginalStream,
			"message_payload_json": string(payload),
			"error":              entry.Error,
			"retry_count":        fmt.Sprint(entry.RetryCount),
			"failed_at":          entry.FailedAt.Format(time.RFC3339),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("broker: xadd dlq: %w", err)
	}
	return nil
}

// DLQDepth returns the current length of the dead-letter stream, exposed
// as a metric per spec.md §7's "User-visible failures" clause.
func (b *Broker) DLQDepth(ctx context.Context) (int64, error) {
	n, err := b.rdb.XLen(ctx, StreamDLQ).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: xlen dlq: %w", err)
	}
	return n, nil
}

// StreamDepths returns XLEN for each priority stream, for operator
// visibility into queue backlog.
func (b *Broker) StreamDepths(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(PriorityStreams))
	for _, stream := range PriorityStreams {
		n, err := b.rdb.XLen(ctx, stream).Result()
		if err != nil {
			return nil, fmt.Errorf("broker: xlen %s: %w", stream, err)
		}
		out[stream] = n
	}
	return out, nil
}
