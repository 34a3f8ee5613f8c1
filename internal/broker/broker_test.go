package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryToFields_RequiredFields(t *testing.T) {
	date := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	entry := StreamEntry{
		MessageID:    101,
		ChannelID:    -1001234567890,
		Content:      "hello world",
		TelegramDate: date,
		IngestedAt:   date,
		TraceID:      "abc-123",
	}

	fields := entryToFields(entry)

	assert.Equal(t, "101", fields["message_id"])
	assert.Equal(t, "-1001234567890", fields["channel_id"])
	assert.Equal(t, "hello world", fields["content"])
	assert.Equal(t, "false", fields["is_backfilled"])
	assert.Equal(t, "abc-123", fields["trace_id"])
	assert.NotContains(t, fields, "grouped_id")
	assert.NotContains(t, fields, "album_message_ids")
}

func TestEntryToFields_AlbumFields(t *testing.T) {
	grouped := int64(555)
	views := int64(10)

	entry := StreamEntry{
		MessageID:       102,
		ChannelID:       -100999,
		GroupedID:       &grouped,
		MediaCount:      3,
		AlbumMessageIDs: []int64{101, 102, 103},
		Views:           &views,
	}

	fields := entryToFields(entry)

	assert.Equal(t, "555", fields["grouped_id"])
	assert.Equal(t, "3", fields["media_count"])
	assert.Equal(t, "10", fields["views"])
	assert.JSONEq(t, `[101,102,103]`, fields["album_message_ids"].(string))
}

func TestStringifyFields_MixedTypes(t *testing.T) {
	values := map[string]any{
		"message_id": "42",
		"views":      int64(7),
		"raw":        []byte("bytes-value"),
	}

	out := stringifyFields(values)

	require.Equal(t, "42", out["message_id"])
	require.Equal(t, "7", out["views"])
	require.Equal(t, "bytes-value", out["raw"])
}

func TestIsBusyGroup(t *testing.T) {
	assert.False(t, isBusyGroup(nil))
	assert.True(t, isBusyGroup(errBusy{}))
}

type errBusy struct{}

func (errBusy) Error() string { return "BUSYGROUP Consumer Group name already exists" }
