// Package discovery owns the monitored-channel set: it reads the single
// Telegram folder whose title matches the configured pattern, reconciles
// its membership into the relational store, and periodically checks
// archive-oriented channels for message gaps. Ported from
// original_source/services/listener/src/channel_discovery.py.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/archivist/tgarchiver/internal/domain/channel"
	"github.com/archivist/tgarchiver/internal/infra/logger"
	"github.com/archivist/tgarchiver/internal/telegram"
	"github.com/archivist/tgarchiver/internal/telegram/connection"
	"github.com/archivist/tgarchiver/internal/telegram/peersmgr"

	"go.uber.org/zap"
)

// Config holds discovery's tunables, sourced from internal/infra/config.
type Config struct {
	FolderName           string
	DiscoveryInterval    time.Duration
	GapDetectionEnabled  bool
	GapThreshold         time.Duration
	GapCheckInterval     time.Duration
	GapMaxChannelsPerRun int
	BackfillOnDiscovery  bool
}

// overlapBuffer is subtracted from last_message_at when a gap promotes a
// channel to pending backfill, so the resumed scan re-covers a small
// window in case the last-seen message itself was missed.
const overlapBuffer = 5 * time.Minute

// Service implements discover_once/run_forever.
type Service struct {
	api     *tg.Client
	peers   *peersmgr.Service
	repo    channel.Repository
	monitor *connection.Monitor
	cfg     Config
	source  string
	notify  func([]*channel.Channel)
	log     *zap.SugaredLogger
}

// New builds a discovery Service. monitor may be nil (tests).
func New(api *tg.Client, peers *peersmgr.Service, repo channel.Repository, monitor *connection.Monitor, cfg Config, sourceAccount string) *Service {
	return &Service{
		api:     api,
		peers:   peers,
		repo:    repo,
		monitor: monitor,
		cfg:     cfg,
		source:  sourceAccount,
		log:     logger.Component("discovery"),
	}
}

// RunForever loops DiscoverOnce on cfg.DiscoveryInterval and interleaves
// gap detection on cfg.GapCheckInterval, until ctx is cancelled.
func (s *Service) RunForever(ctx context.Context) error {
	discoveryTicker := time.NewTicker(s.cfg.DiscoveryInterval)
	defer discoveryTicker.Stop()

	gapInterval := s.cfg.GapCheckInterval
	if gapInterval <= 0 {
		gapInterval = time.Hour
	}
	gapTicker := time.NewTicker(gapInterval)
	defer gapTicker.Stop()

	if _, err := s.DiscoverOnce(ctx); err != nil {
		s.log.Warnf("initial discover_once: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-discoveryTicker.C:
			if _, err := s.DiscoverOnce(ctx); err != nil {
				s.log.Warnf("discover_once: %v", err)
			}
		case <-gapTicker.C:
			if s.cfg.GapDetectionEnabled {
				if err := s.GapDetect(ctx); err != nil {
					s.log.Warnf("gap_detect: %v", err)
				}
			}
		}
	}
}

// DiscoverOnce performs one reconciliation pass: read the configured
// folder, build candidates from its included peers, and reconcile them
// into the relational store.
func (s *Service) DiscoverOnce(ctx context.Context) (channel.ReconcileStats, error) {
	var stats channel.ReconcileStats

	s.monitor.WaitOnline(ctx)

	folder, ok, err := s.findFolder(ctx)
	if err != nil {
		if wait, isFlood := tgerr.AsFloodWait(err); isFlood {
			s.log.Warnf("discover_once: flood wait %s on folder list, aborting cycle", wait)
			return stats, nil
		}
		if isSchemaDrift(err) {
			s.log.Warnf("discover_once: folder list schema drift, preserving existing channel set: %v", err)
			return stats, nil
		}
		return stats, fmt.Errorf("discovery: list folders: %w", err)
	}
	if !ok {
		s.log.Debugf("discover_once: no folder matches %q", s.cfg.FolderName)
		return stats, nil
	}

	candidates, err := s.buildCandidates(ctx, folder)
	if err != nil {
		return stats, fmt.Errorf("discovery: build candidates: %w", err)
	}
	candidates = dedupeByTelegramID(candidates)

	stats, insertedIDs, err := s.repo.Reconcile(ctx, s.cfg.FolderName, candidates)
	if err != nil {
		return stats, fmt.Errorf("discovery: reconcile: %w", err)
	}

	if s.cfg.BackfillOnDiscovery {
		for _, id := range insertedIDs {
			if err := s.repo.SetBackfillStatus(ctx, id, channel.BackfillPending, nil); err != nil {
				s.log.Warnf("discover_once: set backfill pending for channel id=%d: %v", id, err)
			}
		}
	}

	// Drop cached peer state for every reconciled channel so metadata
	// refreshes (renamed channels, new access hashes) take effect on the
	// next lookup rather than after a cache TTL.
	if s.peers != nil {
		for _, c := range candidates {
			s.peers.InvalidateChannel(c.Telegram)
		}
	}

	if s.notify != nil {
		active, err := s.repo.ListActive(ctx)
		if err != nil {
			s.log.Warnf("discover_once: list active for notification: %v", err)
		} else {
			s.notify(active)
		}
	}

	s.log.Infof("discover_once: folder=%q added=%d updated=%d removed=%d total_active=%d",
		s.cfg.FolderName, stats.Added, stats.Updated, stats.Removed, stats.TotalActive)

	return stats, nil
}

// OnChannelSetChanged registers fn, invoked with the full active channel
// set after every successful reconciliation. The listener uses it to swap
// its monitored set without restarting.
func (s *Service) OnChannelSetChanged(fn func([]*channel.Channel)) {
	s.notify = fn
}

// GapDetect scans archive-oriented channels whose last_message_at is
// stale and schedules them for backfill from a small overlap window.
func (s *Service) GapDetect(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.cfg.GapThreshold)
	due, err := s.repo.ListArchiveOrientedDue(ctx, cutoff, s.cfg.GapMaxChannelsPerRun)
	if err != nil {
		return fmt.Errorf("discovery: list gap candidates: %w", err)
	}

	for _, ch := range due {
		from := cutoff
		if ch.LastMessageAt != nil {
			from = ch.LastMessageAt.Add(-overlapBuffer)
		}
		if err := s.repo.SetBackfillStatus(ctx, ch.ID, channel.BackfillPending, &from); err != nil {
			s.log.Warnf("gap_detect: channel id=%d: %v", ch.ID, err)
			continue
		}
		s.log.Infof("gap_detect: channel id=%d telegram_id=%d scheduled for backfill from %s", ch.ID, ch.Telegram, from)
	}
	return nil
}

// findFolder reads every Telegram dialog filter and returns the one
// whose title matches cfg.FolderName, case-insensitive exact match.
func (s *Service) findFolder(ctx context.Context) (*tg.DialogFilter, bool, error) {
	resp, err := s.api.MessagesGetDialogFilters(ctx, &tg.MessagesGetDialogFiltersRequest{})
	if err != nil {
		return nil, false, err
	}

	target := strings.ToLower(strings.TrimSpace(s.cfg.FolderName))
	for _, f := range resp.Filters {
		filter, ok := f.(*tg.DialogFilter)
		if !ok {
			// DialogFilterDefault / DialogFilterChatlist carry no
			// user-chosen title; they can never match a configured name.
			continue
		}
		if strings.ToLower(strings.TrimSpace(folderTitle(filter))) == target {
			return filter, true, nil
		}
	}
	return nil, false, nil
}

// folderTitle extracts the display text of a folder's title. Telegram's
// "folder tags" feature (layer 194+) widened DialogFilter.Title from a
// bare string to a TextWithEntities wrapper; gotd/td v0.133.0 generates
// the wrapper form, so the plain .Text field is read here.
func folderTitle(f *tg.DialogFilter) string {
	return f.Title.Text
}

// buildCandidates resolves every included peer of folder into a
// channel.Candidate, skipping peers that are not channels (plain users
// and basic group chats are not in scope for archival).
func (s *Service) buildCandidates(ctx context.Context, folder *tg.DialogFilter) ([]channel.Candidate, error) {
	var inputs []tg.InputChannelClass
	var hashes = make(map[int64]int64)

	for _, peer := range folder.IncludePeers {
		ch, ok := peer.(*tg.InputPeerChannel)
		if !ok {
			continue
		}
		hashes[ch.ChannelID] = ch.AccessHash
		inputs = append(inputs, &tg.InputChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash})
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	resp, err := s.api.ChannelsGetChannels(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("channels.getChannels: %w", err)
	}

	chats := resp.GetChats()
	candidates := make([]channel.Candidate, 0, len(chats))
	for _, c := range chats {
		tgChan, ok := c.(*tg.Channel)
		if !ok {
			continue
		}
		candidates = append(candidates, channel.Candidate{
			Telegram:   telegram.MarkedChannelID(tgChan.ID),
			AccessHash: tgChan.AccessHash,
			Username:   strings.TrimPrefix(tgChan.Username, "@"),
			Name:       strings.TrimSpace(tgChan.Title),
			Folder:     s.cfg.FolderName,
		})
	}
	return candidates, nil
}

// dedupeByTelegramID keeps the last occurrence of each Telegram id,
// matching channel_discovery.py's "last wins for metadata" rule.
func dedupeByTelegramID(candidates []channel.Candidate) []channel.Candidate {
	byID := make(map[int64]channel.Candidate, len(candidates))
	order := make([]int64, 0, len(candidates))
	for _, c := range candidates {
		if _, seen := byID[c.Telegram]; !seen {
			order = append(order, c.Telegram)
		}
		byID[c.Telegram] = c
	}
	out := make([]channel.Candidate, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

// isSchemaDrift reports whether err looks like a Telegram API response
// whose shape no longer matches what this client expects (a type
// assertion/decode failure), the condition spec.md §4.1's failure
// semantics calls out as "swallow with a warning, no-op the cycle".
func isSchemaDrift(err error) bool {
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "unexpected") && (strings.Contains(text, "type") || strings.Contains(text, "response"))
}
