// Package listener owns the live side of ingestion: it watches the single
// authenticated Telegram session for new channel messages, reassembles
// grouped media into logical album posts, and enqueues one StreamEntry per
// post on the realtime priority stream.
package listener

import (
	"context"
	"sync"
	"time"

	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"github.com/archivist/tgarchiver/internal/broker"
	"github.com/archivist/tgarchiver/internal/domain/channel"
	"github.com/archivist/tgarchiver/internal/infra/concurrency"
	"github.com/archivist/tgarchiver/internal/infra/logger"
	"github.com/archivist/tgarchiver/internal/media"
	"github.com/archivist/tgarchiver/internal/telegram"
)

// dedupWindowSec suppresses Telegram's occasional duplicate delivery of
// the same update across reconnects.
const dedupWindowSec = 120

// MessageFetcher is the remote range-read used to repair album buffers
// that look incomplete at sweep time. Implemented by telegram.Fetcher.
type MessageFetcher interface {
	FetchMessages(ctx context.Context, telegramChannelID, accessHash int64, ids []int64) ([]*tg.Message, error)
}

// EntityCache absorbs the user/chat entities attached to each update
// batch, keeping cached access hashes warm. Implemented by
// telegram/peersmgr.
type EntityCache interface {
	ApplyEntities(ctx context.Context, entities tg.Entities) error
}

// monitoredChannel is the slice of Channel state the listener needs per
// monitored peer.
type monitoredChannel struct {
	accessHash int64
}

// Service is the live listener. Exactly one instance runs per deployment —
// it shares the process's single MTProto session.
type Service struct {
	dispatcher *tg.UpdateDispatcher
	fetcher    MessageFetcher
	brk        *broker.Broker
	dedup      *concurrency.Deduplicator
	entities   EntityCache

	sourceAccount string

	mu        sync.RWMutex
	monitored map[int64]monitoredChannel // marked telegram id -> state

	albums *albumTable

	runCtx context.Context
	wg     sync.WaitGroup
	log    *zap.SugaredLogger
}

// New builds the listener. Call UpdateChannelSet before or after Start;
// events for channels outside the current set are ignored.
func New(dispatcher *tg.UpdateDispatcher, fetcher MessageFetcher, brk *broker.Broker, entities EntityCache, sourceAccount string) *Service {
	s := &Service{
		dispatcher:    dispatcher,
		fetcher:       fetcher,
		brk:           brk,
		dedup:         concurrency.NewDeduplicator(dedupWindowSec),
		entities:      entities,
		sourceAccount: sourceAccount,
		monitored:     make(map[int64]monitoredChannel),
		log:           logger.Component("listener"),
	}
	s.albums = newAlbumTable(s.emitAlbum, s.log)
	return s
}

// Start installs the update handlers and launches the album sweeper. The
// dispatcher keeps a single handler per update kind; channel-set changes
// swap the set the handler consults (under s.mu) rather than reinstalling
// handlers, so a resync can never cause duplicate deliveries.
func (s *Service) Start(ctx context.Context) {
	s.runCtx = ctx
	s.dedup.Start(ctx)

	s.dispatcher.OnNewChannelMessage(func(handlerCtx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		if s.entities != nil {
			if err := s.entities.ApplyEntities(handlerCtx, e); err != nil {
				s.log.Debugf("apply entities: %v", err)
			}
		}
		s.onNewMessage(u.Message)
		return nil
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSweeper(ctx)
	}()
}

// Stop flushes the album buffers and waits for the sweeper to exit. Part
// of the graceful-shutdown contract: buffered albums are emitted (possibly
// incomplete) rather than lost.
func (s *Service) Stop() {
	for _, g := range s.albums.drain() {
		s.emitAlbum(g)
	}
	s.wg.Wait()
	s.dedup.Stop()
}

// UpdateChannelSet replaces the monitored set. Called by discovery after
// every reconciliation pass.
func (s *Service) UpdateChannelSet(channels []*channel.Channel) {
	next := make(map[int64]monitoredChannel, len(channels))
	for _, ch := range channels {
		if !ch.Active {
			continue
		}
		next[ch.Telegram] = monitoredChannel{accessHash: ch.AccessHash}
	}

	s.mu.Lock()
	prev := len(s.monitored)
	s.monitored = next
	s.mu.Unlock()

	if prev != len(next) {
		s.log.Infof("monitored channel set updated: %d -> %d", prev, len(next))
	}
}

// onNewMessage is the single entry point for live channel messages. A
// grouped message goes to the album buffer; anything else is emitted
// directly.
func (s *Service) onNewMessage(msg tg.MessageClass) {
	m, ok := msg.(*tg.Message)
	if !ok {
		return
	}

	peer, ok := m.PeerID.(*tg.PeerChannel)
	if !ok {
		return
	}
	markedID := telegram.MarkedChannelID(peer.ChannelID)

	s.mu.RLock()
	mon, watched := s.monitored[markedID]
	s.mu.RUnlock()
	if !watched {
		return
	}

	if s.dedup.Seen(markedID, m.ID, m.EditDate) {
		return
	}

	if _, grouped := m.GetGroupedID(); grouped {
		s.albums.add(m, markedID, mon.accessHash)
		return
	}

	s.push(EntryFromMessage(m, markedID, s.sourceAccount))
}

// emitAlbum publishes one StreamEntry for a complete (or best-effort)
// album group.
func (s *Service) emitAlbum(g *albumGroup) {
	members := sortedMembers(g)
	if len(members) == 0 {
		return
	}

	entry, ok := BuildAlbumEntry(members, g.channelID, s.sourceAccount)
	if !ok {
		return
	}
	s.push(entry)
}

// push enqueues with a bounded retry: the realtime stream is the system's
// sole durability point for live events, so a transient broker error is
// retried a few times before the event is dropped with an error log.
func (s *Service) push(entry broker.StreamEntry) {
	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if _, err = s.brk.Push(ctx, entry); err == nil {
			return
		}
		if ctx.Err() != nil {
			break
		}
		time.Sleep(time.Duration(attempt+1) * 200 * time.Millisecond)
	}
	s.log.Errorf("enqueue message_id=%d channel_id=%d failed: %v", entry.MessageID, entry.ChannelID, err)
}

// EntryFromMessage maps one tg.Message onto the wire StreamEntry layout,
// including the social-graph metadata read off the already-populated
// message fields (no extra API calls). Shared with the backfill service,
// which sets the backfill flag on the result.
func EntryFromMessage(m *tg.Message, markedChannelID int64, sourceAccount string) broker.StreamEntry {
	social := extractSocialMetadata(m)

	entry := broker.StreamEntry{
		MessageID:     int64(m.ID),
		ChannelID:     markedChannelID,
		Content:       m.Message,
		TelegramDate:  time.Unix(int64(m.Date), 0).UTC(),
		IngestedAt:    time.Now().UTC(),
		SourceAccount: sourceAccount,
		TraceID:       broker.NewTraceID(),

		AuthorUserID:         social.AuthorUserID,
		RepliedToMessageID:   social.RepliedToMessageID,
		ForwardFromChannelID: social.ForwardFromChannelID,
		ForwardFromMessageID: social.ForwardFromMessageID,
		ForwardDate:          social.ForwardDate,
		HasComments:          social.HasComments,
		CommentsCount:        social.CommentsCount,
		LinkedChatID:         social.LinkedChatID,
	}

	if groupedID, ok := m.GetGroupedID(); ok {
		entry.GroupedID = &groupedID
	}
	if mediaType := media.NormalizedType(m); mediaType != "" {
		entry.MediaType = mediaType
		entry.MediaCount = 1
	}
	if views, ok := m.GetViews(); ok {
		v := int64(views)
		entry.Views = &v
	}
	if forwards, ok := m.GetForwards(); ok {
		v := int64(forwards)
		entry.Forwards = &v
	}
	return entry
}

// BuildAlbumEntry folds a set of album members (already filtered to one
// grouped id) into the single StreamEntry representing the logical post.
// Returns false for an empty member list.
func BuildAlbumEntry(members []*tg.Message, markedChannelID int64, sourceAccount string) (broker.StreamEntry, bool) {
	if len(members) == 0 {
		return broker.StreamEntry{}, false
	}
	primary := pickPrimary(members)
	entry := EntryFromMessage(primary, markedChannelID, sourceAccount)
	entry.Content = albumCaption(members)
	entry.AlbumMessageIDs = memberIDs(members)
	entry.MediaCount = len(members)
	return entry, true
}
