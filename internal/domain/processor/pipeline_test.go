package processor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archivist/tgarchiver/internal/domain/channel"
	"github.com/archivist/tgarchiver/internal/domain/message"
)

// fakeChannels serves a fixed channel set keyed by Telegram id.
type fakeChannels struct {
	channel.Repository
	byTelegram map[int64]*channel.Channel
	advanced   map[int64]time.Time
}

func (f *fakeChannels) GetByTelegramID(_ context.Context, telegramID int64) (*channel.Channel, error) {
	ch, ok := f.byTelegram[telegramID]
	if !ok {
		return nil, channel.ErrNotFound
	}
	return ch, nil
}

func (f *fakeChannels) AdvanceLastMessageAt(_ context.Context, id int64, at time.Time) error {
	if f.advanced == nil {
		f.advanced = make(map[int64]time.Time)
	}
	if prev, ok := f.advanced[id]; !ok || prev.Before(at) {
		f.advanced[id] = at
	}
	return nil
}

// fakeMessages implements insert-if-absent on (channel_id, telegram_message_id).
type fakeMessages struct {
	message.Repository
	rows     map[string]message.Message
	links    map[string][]message.MediaRef
	persists int
}

func key(channelID, messageID int64) string { return fmt.Sprintf("%d:%d", channelID, messageID) }

func (f *fakeMessages) Persist(_ context.Context, input message.PersistInput) (message.PersistOutcome, error) {
	if f.rows == nil {
		f.rows = make(map[string]message.Message)
		f.links = make(map[string][]message.MediaRef)
	}
	f.persists++
	k := key(input.Message.ChannelID, input.Message.TelegramMessageID)
	if _, exists := f.rows[k]; exists {
		return message.PersistOutcome{MessageID: 1, WasNewInsert: false}, nil
	}
	f.rows[k] = input.Message
	f.links[k] = input.MediaBlobs
	return message.PersistOutcome{MessageID: int64(len(f.rows)), WasNewInsert: true, MediaLinksAdded: len(input.MediaBlobs)}, nil
}

type fakeFetcher struct {
	msgs []*tg.Message
	err  error
}

func (f *fakeFetcher) FetchMessages(_ context.Context, _, _ int64, _ []int64) ([]*tg.Message, error) {
	return f.msgs, f.err
}

type fakeArchiver struct {
	ids  map[int]int64 // tg message id -> blob id
	errs map[int]error
}

func (f *fakeArchiver) ArchiveOne(_ context.Context, msg *tg.Message) (int64, error) {
	if err := f.errs[msg.ID]; err != nil {
		return 0, err
	}
	return f.ids[msg.ID], nil
}

func (f *fakeArchiver) ArchiveAlbum(ctx context.Context, fetch func(ctx context.Context, index int) (*tg.Message, error), count int) []message.MediaRef {
	refs := make([]message.MediaRef, 0, count)
	for i := 0; i < count; i++ {
		msg, err := fetch(ctx, i)
		if err != nil {
			continue
		}
		blobID, err := f.ArchiveOne(ctx, msg)
		if err != nil || blobID == 0 {
			continue
		}
		refs = append(refs, message.MediaRef{MediaBlobID: blobID, Position: i})
	}
	return refs
}

func testChannel() *channel.Channel {
	return &channel.Channel{
		ID:       7,
		Telegram: -1001234567890,
		Username: "mychannel",
		Rule:     channel.RuleArchiveAll,
		Active:   true,
	}
}

func entryFields(overrides map[string]string) map[string]string {
	fields := map[string]string{
		"message_id":    "101",
		"channel_id":    "-1001234567890",
		"content":       "hello world",
		"telegram_date": "2024-06-01T12:00:00Z",
		"ingested_at":   "2024-06-01T12:00:01Z",
		"is_backfilled": "false",
		"trace_id":      "t-1",
	}
	for k, v := range overrides {
		fields[k] = v
	}
	return fields
}

func TestProcess_SingleMessage(t *testing.T) {
	channels := &fakeChannels{byTelegram: map[int64]*channel.Channel{-1001234567890: testChannel()}}
	messages := &fakeMessages{}
	p := NewPipeline(channels, messages, nil, nil, nil, Config{})

	out := p.Process(context.Background(), entryFields(nil))

	require.Equal(t, OutcomeOK, out.Kind)
	row, ok := messages.rows[key(7, 101)]
	require.True(t, ok)
	assert.Equal(t, "hello world", row.Content)
	assert.Equal(t, ContentHash(7, 101, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), "hello world"), row.ContentHash)
	assert.Equal(t, HashAlgorithm, row.HashAlgorithm)
	assert.Empty(t, messages.links[key(7, 101)])
	assert.Equal(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), channels.advanced[7])
}

func TestProcess_PhantomEntrySkipped(t *testing.T) {
	channels := &fakeChannels{byTelegram: map[int64]*channel.Channel{-1001234567890: testChannel()}}
	messages := &fakeMessages{}
	p := NewPipeline(channels, messages, nil, nil, nil, Config{})

	out := p.Process(context.Background(), entryFields(map[string]string{"content": "   \n\t"}))

	assert.Equal(t, OutcomeSkipped, out.Kind)
	assert.Zero(t, messages.persists)
}

func TestProcess_MissingChannelPermanent(t *testing.T) {
	channels := &fakeChannels{byTelegram: map[int64]*channel.Channel{}}
	p := NewPipeline(channels, &fakeMessages{}, nil, nil, nil, Config{})

	out := p.Process(context.Background(), entryFields(nil))

	assert.Equal(t, OutcomePermanent, out.Kind)
}

func TestProcess_UndecodablePayloadPermanent(t *testing.T) {
	p := NewPipeline(&fakeChannels{}, &fakeMessages{}, nil, nil, nil, Config{})

	out := p.Process(context.Background(), map[string]string{"content": "no ids at all"})

	assert.Equal(t, OutcomePermanent, out.Kind)
}

func TestProcess_DuplicateDeliveryIdempotent(t *testing.T) {
	channels := &fakeChannels{byTelegram: map[int64]*channel.Channel{-1001234567890: testChannel()}}
	messages := &fakeMessages{}
	p := NewPipeline(channels, messages, nil, nil, nil, Config{})

	first := p.Process(context.Background(), entryFields(nil))
	second := p.Process(context.Background(), entryFields(nil))

	assert.Equal(t, OutcomeOK, first.Kind)
	assert.Equal(t, OutcomeOK, second.Kind)
	assert.Len(t, messages.rows, 1)
	assert.Equal(t, 2, messages.persists)
}

func TestProcess_AlbumArchivesMembersInOrder(t *testing.T) {
	channels := &fakeChannels{byTelegram: map[int64]*channel.Channel{-1001234567890: testChannel()}}
	messages := &fakeMessages{}
	fetcher := &fakeFetcher{msgs: []*tg.Message{{ID: 101}, {ID: 102}, {ID: 103}}}
	archiver := &fakeArchiver{ids: map[int]int64{101: 11, 102: 22, 103: 33}}
	p := NewPipeline(channels, messages, nil, fetcher, archiver, Config{})

	fields := entryFields(map[string]string{
		"message_id":        "102",
		"content":           "trio",
		"grouped_id":        "555",
		"media_count":       "3",
		"media_type":        "photo",
		"album_message_ids": "[101,102,103]",
	})
	out := p.Process(context.Background(), fields)

	require.Equal(t, OutcomeOK, out.Kind)
	links := messages.links[key(7, 102)]
	require.Len(t, links, 3)
	assert.Equal(t, []message.MediaRef{
		{MediaBlobID: 11, Position: 0},
		{MediaBlobID: 22, Position: 1},
		{MediaBlobID: 33, Position: 2},
	}, links)
}

func TestProcess_AlbumMemberDownloadFailureOmitted(t *testing.T) {
	channels := &fakeChannels{byTelegram: map[int64]*channel.Channel{-1001234567890: testChannel()}}
	messages := &fakeMessages{}
	fetcher := &fakeFetcher{msgs: []*tg.Message{{ID: 101}, {ID: 102}}}
	archiver := &fakeArchiver{
		ids:  map[int]int64{101: 11},
		errs: map[int]error{102: fmt.Errorf("download timed out")},
	}
	p := NewPipeline(channels, messages, nil, fetcher, archiver, Config{})

	fields := entryFields(map[string]string{
		"media_count":       "2",
		"media_type":        "photo",
		"album_message_ids": "[101,102]",
	})
	out := p.Process(context.Background(), fields)

	require.Equal(t, OutcomeOK, out.Kind)
	links := messages.links[key(7, 101)]
	require.Len(t, links, 1)
	assert.Equal(t, int64(11), links[0].MediaBlobID)
}

func TestParseEntry_OptionalFields(t *testing.T) {
	fields := entryFields(map[string]string{
		"views":                 "42",
		"forwards":              "7",
		"author_user_id":        "900",
		"replied_to_message_id": "55",
		"forward_date":          "2024-05-30T08:00:00Z",
		"has_comments":          "true",
		"comments_count":        "3",
	})

	e, err := parseEntry(fields)

	require.NoError(t, err)
	require.NotNil(t, e.Views)
	assert.Equal(t, int64(42), *e.Views)
	require.NotNil(t, e.AuthorUserID)
	assert.Equal(t, int64(900), *e.AuthorUserID)
	require.NotNil(t, e.ForwardDate)
	assert.True(t, e.HasComments)
	assert.Equal(t, int64(3), e.CommentsCount)
}

func TestContentHash_Deterministic(t *testing.T) {
	date := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	a := ContentHash(7, 101, date, "hello world")
	b := ContentHash(7, 101, date.In(time.FixedZone("EET", 2*3600)), "  hello world\r\n")

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, ContentHash(7, 102, date, "hello world"))
}

func TestMetadataHash_NilRefsStable(t *testing.T) {
	a := MetadataHash(nil, nil, nil, nil)
	b := MetadataHash(nil, nil, nil, nil)
	author := int64(1)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, MetadataHash(&author, nil, nil, nil))
}
