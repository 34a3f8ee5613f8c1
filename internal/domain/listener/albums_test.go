package listener

import (
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archivist/tgarchiver/internal/infra/logger"
)

func groupedMessage(id int, groupedID int64, text string) *tg.Message {
	m := &tg.Message{ID: id, Message: text, Date: 1717243200}
	m.SetGroupedID(groupedID)
	return m
}

func TestAlbumCaption_AnyMemberMayCarryIt(t *testing.T) {
	members := []*tg.Message{
		groupedMessage(101, 5, ""),
		groupedMessage(102, 5, "trio"),
		groupedMessage(103, 5, ""),
	}

	assert.Equal(t, "trio", albumCaption(members))
}

func TestPickPrimary_PrefersCaptionBearer(t *testing.T) {
	members := []*tg.Message{
		groupedMessage(101, 5, ""),
		groupedMessage(102, 5, "trio"),
		groupedMessage(103, 5, ""),
	}

	assert.Equal(t, 102, pickPrimary(members).ID)
}

func TestPickPrimary_FallsBackToFirst(t *testing.T) {
	members := []*tg.Message{
		groupedMessage(201, 6, ""),
		groupedMessage(202, 6, ""),
	}

	assert.Equal(t, 201, pickPrimary(members).ID)
}

func TestSortedMembers_OrdersByIDAndDedupes(t *testing.T) {
	g := &albumGroup{members: []*tg.Message{
		groupedMessage(103, 5, ""),
		groupedMessage(101, 5, "cap"),
		groupedMessage(103, 5, ""),
		groupedMessage(102, 5, ""),
	}}

	members := sortedMembers(g)

	require.Len(t, members, 3)
	assert.Equal(t, []int64{101, 102, 103}, memberIDs(members))
}

func TestLooksComplete(t *testing.T) {
	single := &albumGroup{members: []*tg.Message{groupedMessage(1, 9, "cap")}}
	noCaption := &albumGroup{members: []*tg.Message{
		groupedMessage(1, 9, ""), groupedMessage(2, 9, ""),
	}}
	complete := &albumGroup{members: []*tg.Message{
		groupedMessage(1, 9, ""), groupedMessage(2, 9, "cap"),
	}}

	assert.False(t, single.looksComplete())
	assert.False(t, noCaption.looksComplete())
	assert.True(t, complete.looksComplete())
}

func TestAlbumTable_TakeStale(t *testing.T) {
	var emitted []*albumGroup
	table := newAlbumTable(func(g *albumGroup) { emitted = append(emitted, g) }, logger.Component("test"))

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	table.now = func() time.Time { return base }

	require.True(t, table.add(groupedMessage(101, 7, ""), -100123, 42))
	require.True(t, table.add(groupedMessage(301, 8, "fresh"), -100123, 42))

	// Only group 7 crosses the stale cutoff.
	table.mu.Lock()
	if g, ok := table.groups.Get(7); ok {
		g.lastSeen = base.Add(-2 * staleTimeout)
	}
	table.mu.Unlock()

	stale := table.takeStale()

	require.Len(t, stale, 1)
	assert.Equal(t, int64(7), stale[0].groupedID)
	assert.Empty(t, emitted, "takeStale returns groups, emission is the sweeper's job")

	// A straggler for the flushed group is rejected.
	assert.False(t, table.add(groupedMessage(102, 7, ""), -100123, 42))
}

func TestAlbumTable_DrainReturnsEverything(t *testing.T) {
	table := newAlbumTable(func(*albumGroup) {}, logger.Component("test"))

	require.True(t, table.add(groupedMessage(1, 11, ""), -100123, 42))
	require.True(t, table.add(groupedMessage(2, 12, ""), -100123, 42))

	drained := table.drain()

	assert.Len(t, drained, 2)
	assert.Empty(t, table.takeStale())
}

func TestRemoteFetchIDs_SurroundsKnownMembers(t *testing.T) {
	members := []*tg.Message{groupedMessage(10, 3, ""), groupedMessage(11, 3, "")}

	ids := remoteFetchIDs(members)

	assert.Equal(t, int64(5), ids[0])
	assert.Equal(t, int64(16), ids[len(ids)-1])
}

func TestRemoteFetchIDs_ClampsAtOne(t *testing.T) {
	members := []*tg.Message{groupedMessage(2, 3, "")}

	ids := remoteFetchIDs(members)

	assert.Equal(t, int64(1), ids[0])
}

func TestEntryFromMessage_SingleWithMedia(t *testing.T) {
	m := &tg.Message{ID: 55, Message: "hello", Date: 1717243200}
	m.Media = &tg.MessageMediaPhoto{Photo: &tg.Photo{ID: 1}}
	m.SetViews(12)
	m.SetForwards(3)

	entry := EntryFromMessage(m, -1001234567890, "acct-1")

	assert.Equal(t, int64(55), entry.MessageID)
	assert.Equal(t, int64(-1001234567890), entry.ChannelID)
	assert.Equal(t, "hello", entry.Content)
	assert.Equal(t, "photo", entry.MediaType)
	assert.Equal(t, 1, entry.MediaCount)
	require.NotNil(t, entry.Views)
	assert.Equal(t, int64(12), *entry.Views)
	assert.Equal(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), entry.TelegramDate)
	assert.False(t, entry.IsBackfilled)
	assert.NotEmpty(t, entry.TraceID)
}

func TestExtractSocialMetadata_ForwardAndReply(t *testing.T) {
	m := &tg.Message{ID: 1}
	fwd := tg.MessageFwdHeader{Date: 1717000000}
	fwd.SetFromID(&tg.PeerChannel{ChannelID: 777})
	fwd.SetChannelPost(4242)
	m.SetFwdFrom(fwd)
	m.SetReplyTo(&tg.MessageReplyHeader{})

	replies := tg.MessageReplies{Comments: true, Replies: 9, ChannelID: 888}
	m.SetReplies(replies)

	meta := extractSocialMetadata(m)

	require.NotNil(t, meta.ForwardFromChannelID)
	assert.Equal(t, int64(777), *meta.ForwardFromChannelID)
	require.NotNil(t, meta.ForwardFromMessageID)
	assert.Equal(t, int64(4242), *meta.ForwardFromMessageID)
	require.NotNil(t, meta.ForwardDate)
	assert.True(t, meta.HasComments)
	assert.Equal(t, int64(9), meta.CommentsCount)
	require.NotNil(t, meta.LinkedChatID)
	assert.Equal(t, int64(888), *meta.LinkedChatID)
}
