package listener

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
)

const (
	// albumSettle is the quiet period after the last buffered member before
	// a group is considered fully delivered and emitted. Telegram sends
	// album members back-to-back, so a short window catches the common case.
	albumSettle = 1500 * time.Millisecond

	// staleTimeout is how old a still-buffered group must be before the
	// sweeper force-flushes it through the fallback path.
	staleTimeout = 60 * time.Second

	// maxBufferedGroups bounds the album buffer. Overflow evicts the
	// least-recently-touched group, which the eviction hook flushes rather
	// than drops.
	maxBufferedGroups = 2000

	// processedGroupMemory remembers recently emitted grouped ids so a
	// straggler member arriving after emission doesn't produce a second
	// entry for the same album.
	processedGroupMemory = 4096

	// remoteFetchPadding widens the range-read around the known member ids
	// when a group looks incomplete; album members have adjacent ids.
	remoteFetchPadding = 5
)

// albumGroup buffers the members of one grouped-id while delivery settles.
type albumGroup struct {
	groupedID  int64
	channelID  int64 // marked
	accessHash int64

	members  []*tg.Message
	lastSeen time.Time

	settle *time.Timer
}

// hasCaption reports whether any buffered member carries a non-empty text.
func (g *albumGroup) hasCaption() bool {
	for _, m := range g.members {
		if m.Message != "" {
			return true
		}
	}
	return false
}

// looksComplete is the heuristic for the primary emission path: at least
// two members and a caption somewhere. Known delivery anomalies (notably
// 1 image + 1 video) fail this and fall through to the sweeper's
// remote-fetch path.
func (g *albumGroup) looksComplete() bool {
	return len(g.members) >= 2 && g.hasCaption()
}

// albumTable is the bounded buffer of in-flight album groups plus the
// memory of recently emitted ones. All methods are safe for concurrent use.
type albumTable struct {
	mu        sync.Mutex
	groups    *lru.Cache[int64, *albumGroup]
	processed *lru.Cache[int64, struct{}]

	emit func(g *albumGroup)
	now  func() time.Time
	log  *zap.SugaredLogger
}

func newAlbumTable(emit func(g *albumGroup), log *zap.SugaredLogger) *albumTable {
	t := &albumTable{
		emit: emit,
		now:  time.Now,
		log:  log,
	}
	// Eviction under pressure flushes the group instead of losing it.
	t.groups, _ = lru.NewWithEvict[int64, *albumGroup](maxBufferedGroups, func(groupedID int64, g *albumGroup) {
		if g.settle != nil {
			g.settle.Stop()
		}
		if t.processed.Contains(groupedID) {
			return
		}
		t.log.Warnf("album buffer full, flushing grouped_id=%d with %d members", groupedID, len(g.members))
		t.markProcessed(groupedID)
		go t.emit(g)
	})
	t.processed, _ = lru.New[int64, struct{}](processedGroupMemory)
	return t
}

// add buffers one grouped message and (re)arms the group's settle timer.
// Returns false when the grouped id was already emitted — the caller drops
// the straggler instead of double-publishing the album.
func (t *albumTable) add(msg *tg.Message, channelID, accessHash int64) bool {
	groupedID, ok := msg.GetGroupedID()
	if !ok {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.processed.Contains(groupedID) {
		return false
	}

	g, exists := t.groups.Get(groupedID)
	if !exists {
		g = &albumGroup{groupedID: groupedID, channelID: channelID, accessHash: accessHash}
		t.groups.Add(groupedID, g)
	}
	g.members = append(g.members, msg)
	g.lastSeen = t.now()

	if g.settle != nil {
		g.settle.Stop()
	}
	g.settle = time.AfterFunc(albumSettle, func() { t.settled(groupedID) })
	return true
}

// settled fires after the quiet period. A complete-looking group is
// emitted immediately (the primary path); an incomplete one stays buffered
// for the sweeper, which may repair it with a remote fetch.
func (t *albumTable) settled(groupedID int64) {
	t.mu.Lock()
	g, exists := t.groups.Get(groupedID)
	if !exists || !g.looksComplete() {
		t.mu.Unlock()
		return
	}
	t.markProcessed(groupedID)
	t.groups.Remove(groupedID)
	t.mu.Unlock()

	t.emit(g)
}

// takeStale removes and returns every group idle past staleTimeout.
func (t *albumTable) takeStale() []*albumGroup {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-staleTimeout)
	var stale []*albumGroup
	for _, groupedID := range t.groups.Keys() {
		g, ok := t.groups.Get(groupedID)
		if !ok || g.lastSeen.After(cutoff) {
			continue
		}
		if g.settle != nil {
			g.settle.Stop()
		}
		t.markProcessed(groupedID)
		t.groups.Remove(groupedID)
		stale = append(stale, g)
	}
	return stale
}

// drain removes and returns every buffered group, for the shutdown flush.
func (t *albumTable) drain() []*albumGroup {
	t.mu.Lock()
	defer t.mu.Unlock()

	var all []*albumGroup
	for _, groupedID := range t.groups.Keys() {
		g, ok := t.groups.Get(groupedID)
		if !ok {
			continue
		}
		if g.settle != nil {
			g.settle.Stop()
		}
		t.markProcessed(groupedID)
		t.groups.Remove(groupedID)
		all = append(all, g)
	}
	return all
}

// markProcessed must be called with t.mu held (or from the eviction hook,
// which the LRU invokes under t.mu via Add/Remove).
func (t *albumTable) markProcessed(groupedID int64) {
	t.processed.Add(groupedID, struct{}{})
}

// sortedMembers returns the group's members ordered by message id with
// exact duplicates dropped, the iteration order both the caption rule and
// the primary-member rule are defined over.
func sortedMembers(g *albumGroup) []*tg.Message {
	seen := make(map[int]struct{}, len(g.members))
	out := make([]*tg.Message, 0, len(g.members))
	for _, m := range g.members {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// pickPrimary chooses the album member that will represent the album: the
// first member (in id order) carrying a non-empty caption, else the first.
func pickPrimary(members []*tg.Message) *tg.Message {
	for _, m := range members {
		if m.Message != "" {
			return m
		}
	}
	return members[0]
}

// albumCaption returns the first non-empty member text in iteration order;
// the caption may live on any member, not necessarily the first.
func albumCaption(members []*tg.Message) string {
	for _, m := range members {
		if m.Message != "" {
			return m.Message
		}
	}
	return ""
}

// memberIDs lists the member message ids in iteration order.
func memberIDs(members []*tg.Message) []int64 {
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		ids = append(ids, int64(m.ID))
	}
	return ids
}

// remoteFetchIDs computes the range-read window around a group's known
// member ids, for repairing an incomplete buffer from Telegram.
func remoteFetchIDs(members []*tg.Message) []int64 {
	minID, maxID := members[0].ID, members[0].ID
	for _, m := range members[1:] {
		if m.ID < minID {
			minID = m.ID
		}
		if m.ID > maxID {
			maxID = m.ID
		}
	}
	lo := minID - remoteFetchPadding
	if lo < 1 {
		lo = 1
	}
	hi := maxID + remoteFetchPadding
	ids := make([]int64, 0, hi-lo+1)
	for id := lo; id <= hi; id++ {
		ids = append(ids, int64(id))
	}
	return ids
}
