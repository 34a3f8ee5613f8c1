// Package backfill walks a channel's history forward from a start date,
// converting each historical message (or album) into a StreamEntry on the
// backfill priority stream. Progress is checkpointed into the channel row
// so a flood-wait pause or a crash resumes where it left off.
package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"

	"github.com/archivist/tgarchiver/internal/broker"
	"github.com/archivist/tgarchiver/internal/domain/channel"
	"github.com/archivist/tgarchiver/internal/domain/listener"
	"github.com/archivist/tgarchiver/internal/domain/message"
	"github.com/archivist/tgarchiver/internal/infra/logger"
	"github.com/archivist/tgarchiver/internal/telegram"
	"github.com/archivist/tgarchiver/internal/telegram/connection"
)

// checkpointEvery is how many fetched messages pass between progress
// checkpoints into the channel row.
const checkpointEvery = 100

// Config holds backfill's tunables, sourced from internal/infra/config.
type Config struct {
	Enabled      bool
	StartDate    time.Time
	BatchSize    int
	BatchDelay   time.Duration
	PollInterval time.Duration
}

// PeerResolver resolves a bare channel id to a cached input peer.
// Implemented by internal/telegram/peersmgr.
type PeerResolver interface {
	InputPeerChannel(ctx context.Context, channelID int64) (*tg.InputPeerChannel, error)
}

// Service scans for channels in the pending state and runs their backfill
// one at a time — the single Telegram session is the bottleneck, and
// sequential scans keep the API pacing predictable.
type Service struct {
	api      *tg.Client
	brk      *broker.Broker
	channels channel.Repository
	messages message.Repository
	peers    PeerResolver
	monitor  *connection.Monitor
	cfg      Config
	source   string
	log      *zap.SugaredLogger
}

// New builds the backfill service. peers may be nil; the channel row's
// stored access hash is then the only peer source.
func New(api *tg.Client, brk *broker.Broker, channels channel.Repository, messages message.Repository, peers PeerResolver, monitor *connection.Monitor, cfg Config, sourceAccount string) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &Service{
		api:      api,
		brk:      brk,
		channels: channels,
		messages: messages,
		peers:    peers,
		monitor:  monitor,
		cfg:      cfg,
		source:   sourceAccount,
		log:      logger.Component("backfill"),
	}
}

// Run polls for pending channels until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Infof("backfill disabled")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pending, err := s.channels.ListBackfillPending(ctx, 1)
			if err != nil {
				s.log.Warnf("list pending: %v", err)
				continue
			}
			for _, ch := range pending {
				s.RunChannel(ctx, ch)
			}
		}
	}
}

// RunChannel executes one channel's backfill: pending -> in_progress ->
// {completed | paused | failed}. Exported so an operator-driven resume can
// invoke it directly.
func (s *Service) RunChannel(ctx context.Context, ch *channel.Channel) {
	// A dead link mid-walk would burn the retry budget for nothing.
	s.monitor.WaitOnline(ctx)

	from := s.resolveFrom(ctx, ch)

	if err := s.channels.SetBackfillStatus(ctx, ch.ID, channel.BackfillInProgress, &from); err != nil {
		s.log.Warnf("channel id=%d: mark in_progress: %v", ch.ID, err)
		return
	}
	s.log.Infof("channel id=%d telegram_id=%d backfill from %s", ch.ID, ch.Telegram, from)

	fetched, err := s.walkHistory(ctx, ch, from)
	switch {
	case err == nil:
		if cerr := s.channels.CompleteBackfill(ctx, ch.ID, fetched, time.Now().UTC()); cerr != nil {
			s.log.Warnf("channel id=%d: mark completed: %v", ch.ID, cerr)
		}
		s.log.Infof("channel id=%d backfill completed, %d messages", ch.ID, fetched)

	case ctx.Err() != nil:
		// Shutdown mid-walk: leave the channel pending so the next start
		// resumes from the last persisted message.
		if serr := s.channels.SetBackfillStatus(context.WithoutCancel(ctx), ch.ID, channel.BackfillPending, nil); serr != nil {
			s.log.Warnf("channel id=%d: repend on shutdown: %v", ch.ID, serr)
		}

	default:
		if wait, isFlood := tgerr.AsFloodWait(err); isFlood {
			s.log.Warnf("channel id=%d flood wait %s, pausing backfill", ch.ID, wait)
			if serr := s.channels.SetBackfillFailure(ctx, ch.ID, channel.BackfillPaused, err.Error()); serr != nil {
				s.log.Warnf("channel id=%d: mark paused: %v", ch.ID, serr)
			}
			return
		}
		s.log.Errorf("channel id=%d backfill failed: %v", ch.ID, err)
		if serr := s.channels.SetBackfillFailure(ctx, ch.ID, channel.BackfillFailed, err.Error()); serr != nil {
			s.log.Warnf("channel id=%d: mark failed: %v", ch.ID, serr)
		}
	}
}

// Resume re-pends a paused or failed channel, restarting iteration from
// the most recently backfilled message's date (overridden onto the row's
// backfill_from_date by resolveFrom on the next run).
func (s *Service) Resume(ctx context.Context, ch *channel.Channel) error {
	if ch.BackfillStatus != channel.BackfillPaused && ch.BackfillStatus != channel.BackfillFailed {
		return fmt.Errorf("backfill: channel id=%d is %s, not resumable", ch.ID, ch.BackfillStatus)
	}
	return s.channels.SetBackfillStatus(ctx, ch.ID, channel.BackfillPending, nil)
}

// resolveFrom picks the iteration start: the row's requested from-date,
// else the configured global start date, moved forward to the newest
// already-backfilled message's date when one exists and is later (resume).
func (s *Service) resolveFrom(ctx context.Context, ch *channel.Channel) time.Time {
	from := s.cfg.StartDate
	if ch.BackfillFromDate != nil {
		from = *ch.BackfillFromDate
	}

	latest, err := s.messages.LatestBackfilledTelegramDate(ctx, ch.ID)
	if err != nil {
		s.log.Warnf("channel id=%d: latest backfilled date: %v", ch.ID, err)
		return from
	}
	if latest != nil && latest.After(from) {
		return *latest
	}
	return from
}

// walkHistory iterates the channel's messages oldest-first from `from`,
// buffering album members by grouped id and emitting one entry per
// logical post. Returns the fetched count and the first hard error.
func (s *Service) walkHistory(ctx context.Context, ch *channel.Channel, from time.Time) (int64, error) {
	// Prefer the peer cache's access hash — it tracks live updates and
	// outlives the snapshot taken when the row was reconciled.
	var peer tg.InputPeerClass = &tg.InputPeerChannel{
		ChannelID:  telegram.BareChannelID(ch.Telegram),
		AccessHash: ch.AccessHash,
	}
	if s.peers != nil {
		if cached, err := s.peers.InputPeerChannel(ctx, telegram.BareChannelID(ch.Telegram)); err == nil {
			peer = cached
		}
	}

	var (
		fetched        int64
		withMedia      int64
		sinceDelay     int
		currentGroup   int64
		groupBuf       []*tg.Message
		lastCheckpoint int64
	)

	flushGroup := func() error {
		if len(groupBuf) == 0 {
			return nil
		}
		entry, ok := listener.BuildAlbumEntry(groupBuf, ch.Telegram, s.source)
		groupBuf = nil
		currentGroup = 0
		if !ok {
			return nil
		}
		return s.enqueue(ctx, entry)
	}

	iter := newHistoryIterator(s.api, peer, from, s.cfg.BatchSize)
	for {
		if err := ctx.Err(); err != nil {
			return fetched, err
		}

		m, err := iter.next(ctx)
		if err != nil {
			return fetched, err
		}
		if m == nil {
			break
		}

		if m.Media != nil {
			// Media availability is only known at download time (old
			// attachments expire server-side); the processor logs each
			// member outcome, this counter sizes the exposure.
			withMedia++
		}

		if groupedID, grouped := m.GetGroupedID(); grouped {
			if currentGroup != 0 && groupedID != currentGroup {
				if err := flushGroup(); err != nil {
					return fetched, err
				}
			}
			currentGroup = groupedID
			groupBuf = append(groupBuf, m)
		} else {
			if err := flushGroup(); err != nil {
				return fetched, err
			}
			entry := listener.EntryFromMessage(m, ch.Telegram, s.source)
			if err := s.enqueue(ctx, entry); err != nil {
				return fetched, err
			}
		}

		fetched++
		sinceDelay++

		if fetched-lastCheckpoint >= checkpointEvery {
			lastCheckpoint = fetched
			if err := s.channels.SetBackfillProgress(ctx, ch.ID, fetched); err != nil {
				s.log.Warnf("channel id=%d: checkpoint at %d: %v", ch.ID, fetched, err)
			}
		}

		if sinceDelay >= s.cfg.BatchSize {
			sinceDelay = 0
			if s.cfg.BatchDelay > 0 {
				select {
				case <-ctx.Done():
					return fetched, ctx.Err()
				case <-time.After(s.cfg.BatchDelay):
				}
			}
		}
	}

	if err := flushGroup(); err != nil {
		return fetched, err
	}
	s.log.Infof("channel id=%d history walk done: %d messages, %d with media", ch.ID, fetched, withMedia)
	return fetched, nil
}

// enqueue pushes one entry to the backfill stream.
func (s *Service) enqueue(ctx context.Context, entry broker.StreamEntry) error {
	entry.IsBackfilled = true
	if _, err := s.brk.Push(ctx, entry); err != nil {
		return fmt.Errorf("enqueue message_id=%d: %w", entry.MessageID, err)
	}
	return nil
}
