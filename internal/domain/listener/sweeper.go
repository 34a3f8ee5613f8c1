package listener

import (
	"context"
	"time"

	"github.com/gotd/td/tg"
)

// sweepInterval is how often buffered album groups are checked for
// staleness.
const sweepInterval = 30 * time.Second

// runSweeper periodically flushes album groups whose delivery went quiet
// without ever looking complete. Before flushing, an incomplete-looking
// group (a single member, or no caption anywhere) is repaired with a
// remote range-read around the known ids — this is what rescues the
// 1-image-plus-1-video anomaly where Telegram delivers the members as
// independent events and the settle heuristic never fires.
func (s *Service) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, g := range s.albums.takeStale() {
				if !g.looksComplete() {
					s.repairGroup(ctx, g)
				}
				s.emitAlbum(g)
			}
		}
	}
}

// repairGroup replaces the group's buffered members with whatever Telegram
// returns for the grouped id within the surrounding id window. On any
// fetch failure the buffered members are kept as-is — a partial album is
// still worth archiving.
func (s *Service) repairGroup(ctx context.Context, g *albumGroup) {
	if s.fetcher == nil || len(g.members) == 0 {
		return
	}

	fetched, err := s.fetcher.FetchMessages(ctx, g.channelID, g.accessHash, remoteFetchIDs(g.members))
	if err != nil {
		s.log.Warnf("album repair fetch grouped_id=%d: %v", g.groupedID, err)
		return
	}

	var members []*tg.Message
	for _, m := range fetched {
		if id, ok := m.GetGroupedID(); ok && id == g.groupedID {
			members = append(members, m)
		}
	}
	if len(members) < len(g.members) {
		s.log.Warnf("album repair grouped_id=%d returned %d members, keeping buffered %d",
			g.groupedID, len(members), len(g.members))
		return
	}

	s.log.Infof("album repair grouped_id=%d: %d buffered -> %d fetched members",
		g.groupedID, len(g.members), len(members))
	g.members = members
}
