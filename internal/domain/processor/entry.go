package processor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/archivist/tgarchiver/internal/broker"
)

// parseEntry decodes the flat string map read off a stream back into a
// typed broker.StreamEntry. A payload missing its natural key or carrying
// unparseable numbers is a permanent per-message error — redelivery can
// never fix it, so the caller routes it straight to the DLQ.
func parseEntry(fields map[string]string) (broker.StreamEntry, error) {
	var e broker.StreamEntry
	var err error

	if e.MessageID, err = requiredInt(fields, "message_id"); err != nil {
		return e, err
	}
	if e.ChannelID, err = requiredInt(fields, "channel_id"); err != nil {
		return e, err
	}
	if e.TelegramDate, err = requiredDate(fields, "telegram_date"); err != nil {
		return e, err
	}

	e.Content = fields["content"]
	e.MediaType = fields["media_type"]
	e.MediaURL = fields["media_url"]
	e.SourceAccount = fields["source_account"]
	e.TraceID = fields["trace_id"]
	e.IsBackfilled = fields["is_backfilled"] == "true"
	e.HasComments = fields["has_comments"] == "true"

	if raw := fields["ingested_at"]; raw != "" {
		if t, perr := time.Parse(time.RFC3339, raw); perr == nil {
			e.IngestedAt = t
		}
	}

	e.GroupedID = optionalInt(fields, "grouped_id")
	e.Views = optionalInt(fields, "views")
	e.Forwards = optionalInt(fields, "forwards")
	e.AuthorUserID = optionalInt(fields, "author_user_id")
	e.RepliedToMessageID = optionalInt(fields, "replied_to_message_id")
	e.ForwardFromChannelID = optionalInt(fields, "forward_from_channel_id")
	e.ForwardFromMessageID = optionalInt(fields, "forward_from_message_id")
	e.LinkedChatID = optionalInt(fields, "linked_chat_id")

	if raw := fields["forward_date"]; raw != "" {
		if t, perr := time.Parse(time.RFC3339, raw); perr == nil {
			e.ForwardDate = &t
		}
	}
	if raw := fields["comments_count"]; raw != "" {
		e.CommentsCount, _ = strconv.ParseInt(raw, 10, 64)
	}
	if raw := fields["media_count"]; raw != "" {
		n, perr := strconv.Atoi(raw)
		if perr != nil {
			return e, fmt.Errorf("field media_count=%q: %w", raw, perr)
		}
		e.MediaCount = n
	}
	if raw := fields["album_message_ids"]; raw != "" {
		if perr := json.Unmarshal([]byte(raw), &e.AlbumMessageIDs); perr != nil {
			return e, fmt.Errorf("field album_message_ids=%q: %w", raw, perr)
		}
	}

	return e, nil
}

func requiredInt(fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, fmt.Errorf("field %s is missing", name)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s=%q: %w", name, raw, err)
	}
	return v, nil
}

func requiredDate(fields map[string]string, name string) (time.Time, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return time.Time{}, fmt.Errorf("field %s is missing", name)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("field %s=%q: %w", name, raw, err)
	}
	return t, nil
}

func optionalInt(fields map[string]string, name string) *int64 {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}
