package backfill

import (
	"context"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
)

// historyIterator pages through a channel's history oldest-first, starting
// at a date. messages.getHistory natively walks newest-first; the forward
// scan is achieved with a negative add_offset (the window of messages
// immediately newer than the offset) and ascending sort within each page.
type historyIterator struct {
	api   *tg.Client
	peer  tg.InputPeerClass
	batch int

	offsetID   int
	offsetDate int
	lastID     int

	queue []*tg.Message
	done  bool
}

func newHistoryIterator(api *tg.Client, peer tg.InputPeerClass, from time.Time, batch int) *historyIterator {
	if batch <= 0 || batch > 100 {
		batch = 100
	}
	return &historyIterator{
		api:   api,
		peer:  peer,
		batch: batch,
		// offset_id=1 anchors the first window right after `from`.
		offsetID:   1,
		offsetDate: int(from.Unix()),
	}
}

// next returns the next message in ascending id order, or (nil, nil) once
// the history is exhausted.
func (it *historyIterator) next(ctx context.Context) (*tg.Message, error) {
	for len(it.queue) == 0 {
		if it.done {
			return nil, nil
		}
		if err := it.fetchPage(ctx); err != nil {
			return nil, err
		}
	}
	m := it.queue[0]
	it.queue = it.queue[1:]
	it.lastID = m.ID
	return m, nil
}

func (it *historyIterator) fetchPage(ctx context.Context) error {
	resp, err := it.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:       it.peer,
		OffsetID:   it.offsetID,
		OffsetDate: it.offsetDate,
		AddOffset:  -it.batch,
		Limit:      it.batch,
	})
	if err != nil {
		return errors.Wrap(err, "messages.getHistory")
	}

	container, ok := resp.(interface{ GetMessages() []tg.MessageClass })
	if !ok {
		return errors.Errorf("unexpected messages.getHistory response %T", resp)
	}

	var page []*tg.Message
	for _, mc := range container.GetMessages() {
		m, isFull := mc.(*tg.Message)
		if !isFull || m.ID <= it.lastID {
			continue
		}
		page = append(page, m)
	}
	if len(page) == 0 {
		it.done = true
		return nil
	}

	sort.Slice(page, func(i, j int) bool { return page[i].ID < page[j].ID })
	it.queue = page

	// Anchor the next window just past the newest message of this page.
	it.offsetID = page[len(page)-1].ID + 1
	it.offsetDate = 0
	return nil
}
