// Package broker wraps Redis Streams as the priority message broker: three
// priority streams (realtime, legacy, backfill) plus a bounded dead-letter
// stream, all sharing one consumer group. Wire semantics are ported from
// the reference implementation's redis_queue.py/redis_consumer.py so the
// on-wire stream names, field layout, and starvation guarantees match
// exactly what the processor pipeline documents.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/archivist/tgarchiver/internal/infra/logger"
)

const (
	StreamRealtime = "telegram:messages:realtime"
	StreamBackfill = "telegram:messages:backfill"
	StreamLegacy   = "telegram:messages"
	StreamDLQ      = "telegram:messages:dlq"

	ConsumerGroup = "processor-workers"

	maxStreamLength = 100000
	maxDLQLength    = 10000
)

// PriorityStreams lists the three message streams in consumption priority
// order: realtime first, legacy drained next, backfill last.
var PriorityStreams = []string{StreamRealtime, StreamLegacy, StreamBackfill}

// Broker owns the Redis connection used by both the enqueue side
// (listener, backfill) and the consume side (processor workers).
type Broker struct {
	rdb *redis.Client
}

// New wraps an already-configured *redis.Client. The caller owns the
// client's lifecycle (built from a DSN by internal/infra/config).
func New(rdb *redis.Client) *Broker {
	return &Broker{rdb: rdb}
}

// Ping verifies connectivity.
func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (b *Broker) Close() error {
	return b.rdb.Close()
}

// EnsureConsumerGroups creates the processor-workers consumer group on
// every priority stream (idempotent — BUSYGROUP is not an error).
func (b *Broker) EnsureConsumerGroups(ctx context.Context) error {
	for _, stream := range []string{StreamRealtime, StreamBackfill, StreamLegacy} {
		err := b.rdb.XGroupCreateMkStream(ctx, stream, ConsumerGroup, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("broker: create consumer group for %s: %w", stream, err)
		}
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// StreamEntry is the flat string-map payload pushed to and read from a
// stream, matching spec.md §6's field list exactly.
type StreamEntry struct {
	MessageID            int64
	ChannelID            int64
	Content              string
	MediaType            string
	MediaURL             string
	TelegramDate         time.Time
	IngestedAt           time.Time
	GroupedID            *int64
	MediaCount           int
	AlbumMessageIDs      []int64
	Views                *int64
	Forwards             *int64
	AuthorUserID         *int64
	RepliedToMessageID   *int64
	ForwardFromChannelID *int64
	ForwardFromMessageID *int64
	ForwardDate          *time.Time
	HasComments          bool
	CommentsCount        int64
	LinkedChatID         *int64
	SourceAccount        string
	IsBackfilled         bool
	TraceID              string
}

// NewTraceID generates a fresh opaque trace id for cross-service log
// correlation, attached to every enqueued StreamEntry.
func NewTraceID() string {
	return uuid.NewString()
}

// Push enqueues an entry, routing to the backfill stream when
// entry.IsBackfilled is set and to realtime otherwise. Returns the
// Redis-assigned stream id.
func (b *Broker) Push(ctx context.Context, entry StreamEntry) (string, error) {
	if entry.TraceID == "" {
		entry.TraceID = NewTraceID()
	}
	if entry.IngestedAt.IsZero() {
		entry.IngestedAt = time.Now().UTC()
	}

	stream := StreamRealtime
	if entry.IsBackfilled {
		stream = StreamBackfill
	}

	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream:     stream,
		MaxLen:     maxStreamLength,
		Approx:     true,
		Values:     entryToFields(entry),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("broker: xadd %s: %w", stream, err)
	}

	logger.Debugf("broker: pushed stream=%s id=%s message_id=%d channel_id=%d trace_id=%s",
		stream, id, entry.MessageID, entry.ChannelID, entry.TraceID)
	return id, nil
}

func entryToFields(e StreamEntry) map[string]any {
	fields := map[string]any{
		"message_id":     fmt.Sprint(e.MessageID),
		"channel_id":     fmt.Sprint(e.ChannelID),
		"content":        e.Content,
		"media_type":     e.MediaType,
		"media_url":      e.MediaURL,
		"telegram_date":  e.TelegramDate.UTC().Format(time.RFC3339),
		"ingested_at":    e.IngestedAt.UTC().Format(time.RFC3339),
		"source_account": e.SourceAccount,
		"is_backfilled":  fmt.Sprint(e.IsBackfilled),
		"trace_id":       e.TraceID,
		"has_comments":   fmt.Sprint(e.HasComments),
		"comments_count": fmt.Sprint(e.CommentsCount),
		"media_count":    fmt.Sprint(e.MediaCount),
	}

	if e.GroupedID != nil {
		fields["grouped_id"] = fmt.Sprint(*e.GroupedID)
	}
	if len(e.AlbumMessageIDs) > 0 {
		if raw, err := json.Marshal(e.AlbumMessageIDs); err == nil {
			fields["album_message_ids"] = string(raw)
		}
	}
	if e.Views != nil {
		fields["views"] = fmt.Sprint(*e.Views)
	}
	if e.Forwards != nil {
		fields["forwards"] = fmt.Sprint(*e.Forwards)
	}
	if e.AuthorUserID != nil {
		fields["author_user_id"] = fmt.Sprint(*e.AuthorUserID)
	}
	if e.RepliedToMessageID != nil {
		fields["replied_to_message_id"] = fmt.Sprint(*e.RepliedToMessageID)
	}
	if e.ForwardFromChannelID != nil {
		fields["forward_from_channel_id"] = fmt.Sprint(*e.ForwardFromChannelID)
	}
	if e.ForwardFromMessageID != nil {
		fields["forward_from_message_id"] = fmt.Sprint(*e.ForwardFromMessageID)
	}
	if e.ForwardDate != nil {
		fields["forward_date"] = e.ForwardDate.UTC().Format(time.RFC3339)
	}
	if e.LinkedChatID != nil {
		fields["linked_chat_id"] = fmt.Sprint(*e.LinkedChatID)
	}
	return fields
}
