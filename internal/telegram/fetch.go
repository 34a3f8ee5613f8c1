package telegram

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"golang.org/x/time/rate"
)

// BareChannelID strips the -100 mark from a channel id persisted in its
// marked form, recovering the raw id MTProto requests expect.
func BareChannelID(markedID int64) int64 {
	if markedID >= 0 {
		return markedID
	}
	return channelMarkedIDOffset - markedID
}

// fetchRPS bounds channels.getMessages calls across every consumer of one
// Fetcher; the processor's media stage and the listener's album repair
// share the same session-level budget.
const fetchRPS = 5

// Fetcher retrieves channel messages by id, used by the processor's media
// archival stage and the listener's album remote-fetch fallback.
type Fetcher struct {
	api     *tg.Client
	limiter *rate.Limiter
}

// NewFetcher wraps the shared API client.
func NewFetcher(api *tg.Client) *Fetcher {
	return &Fetcher{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(fetchRPS), fetchRPS),
	}
}

// FetchMessages fetches the given message ids from a channel identified by
// its marked id and access hash. Ids Telegram no longer has (deleted or
// expired) are simply absent from the result, not an error.
func (f *Fetcher) FetchMessages(ctx context.Context, telegramChannelID, accessHash int64, ids []int64) ([]*tg.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	inputIDs := make([]tg.InputMessageClass, 0, len(ids))
	for _, id := range ids {
		inputIDs = append(inputIDs, &tg.InputMessageID{ID: int(id)})
	}

	resp, err := f.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
		Channel: &tg.InputChannel{ChannelID: BareChannelID(telegramChannelID), AccessHash: accessHash},
		ID:      inputIDs,
	})
	if err != nil {
		return nil, errors.Wrap(err, "channels.getMessages")
	}

	msgs, ok := resp.(interface{ GetMessages() []tg.MessageClass })
	if !ok {
		return nil, errors.Errorf("unexpected channels.getMessages response %T", resp)
	}

	out := make([]*tg.Message, 0, len(ids))
	for _, m := range msgs.GetMessages() {
		full, isFull := m.(*tg.Message)
		if !isFull {
			continue
		}
		out = append(out, full)
	}
	return out, nil
}
