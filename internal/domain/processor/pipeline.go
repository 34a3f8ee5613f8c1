package processor

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"

	"github.com/archivist/tgarchiver/internal/broker"
	"github.com/archivist/tgarchiver/internal/domain/channel"
	"github.com/archivist/tgarchiver/internal/domain/message"
	"github.com/archivist/tgarchiver/internal/extract"
	"github.com/archivist/tgarchiver/internal/infra/logger"
	"github.com/archivist/tgarchiver/internal/infra/pr"
	"github.com/archivist/tgarchiver/internal/translate"
)

// MessageFetcher fetches channel messages by id from Telegram, used for
// media archival of album members. Implemented by internal/telegram.
type MessageFetcher interface {
	FetchMessages(ctx context.Context, telegramChannelID, accessHash int64, ids []int64) ([]*tg.Message, error)
}

// MediaArchiver stores fetched messages' media content-addressed.
// Implemented by internal/media.Archiver.
type MediaArchiver interface {
	ArchiveOne(ctx context.Context, msg *tg.Message) (int64, error)
	ArchiveAlbum(ctx context.Context, fetch func(ctx context.Context, index int) (*tg.Message, error), count int) []message.MediaRef
}

// Config holds the pipeline's tunables.
type Config struct {
	TranslationEnabled bool
	TranslationTarget  string
}

// Pipeline turns one decoded StreamEntry into committed relational state,
// idempotently. Stateless: any number of workers may run pipelines
// concurrently; correctness rests on the (channel_id, telegram_message_id)
// unique index and insert-if-absent semantics.
type Pipeline struct {
	channels   channel.Repository
	messages   message.Repository
	translator translate.Translator
	fetcher    MessageFetcher
	archiver   MediaArchiver
	cfg        Config
	log        *zap.SugaredLogger
}

// NewPipeline builds a pipeline. translator, fetcher, and archiver may be
// nil — translation is then skipped and media entries are persisted without
// blobs (their downloads are treated as failed members).
func NewPipeline(channels channel.Repository, messages message.Repository, translator translate.Translator, fetcher MessageFetcher, archiver MediaArchiver, cfg Config) *Pipeline {
	return &Pipeline{
		channels:   channels,
		messages:   messages,
		translator: translator,
		fetcher:    fetcher,
		archiver:   archiver,
		cfg:        cfg,
		log:        logger.Component("processor"),
	}
}

// Process runs the ordered per-entry pipeline over one raw stream payload
// and reports the outcome the worker loop branches on.
func (p *Pipeline) Process(ctx context.Context, fields map[string]string) Outcome {
	entry, err := parseEntry(fields)
	if err != nil {
		return permanent("decode entry: %v", err)
	}

	log := p.log.With("trace_id", entry.TraceID, "channel_id", entry.ChannelID, "message_id", entry.MessageID)
	if logger.IsDebugEnabled() {
		log.Debugf("entry: %s", pr.Pf(entry))
	}

	// Phantom check: nothing to archive at all.
	if strings.TrimSpace(entry.Content) == "" && entry.MediaType == "" && entry.MediaCount == 0 {
		log.Debugf("phantom entry, skipping")
		return skipped()
	}

	ch, err := p.channels.GetByTelegramID(ctx, entry.ChannelID)
	if err != nil {
		if errors.Is(err, channel.ErrNotFound) {
			return permanent("channel %d not found", entry.ChannelID)
		}
		return transient("lookup channel %d: %v", entry.ChannelID, err)
	}

	entities := extract.Extract(entry.Content, ch.Username)

	msg := buildMessage(entry, ch, entities)

	p.translateInto(ctx, &msg, ch, log)

	refs, out := p.archiveMedia(ctx, entry, ch, log)
	if out != nil {
		return *out
	}

	msg.ContentHash, msg.MetadataHash = hashEntry(entry, ch.ID)
	msg.HashAlgorithm = HashAlgorithm
	msg.HashVersion = HashVersion
	msg.HashGeneratedAt = time.Now().UTC()

	result, err := p.messages.Persist(ctx, message.PersistInput{Message: msg, MediaBlobs: refs})
	if err != nil {
		return transient("persist: %v", err)
	}

	if !entry.IsBackfilled {
		if err := p.channels.AdvanceLastMessageAt(ctx, ch.ID, entry.TelegramDate); err != nil {
			log.Warnf("advance last_message_at: %v", err)
		}
	}

	if result.WasNewInsert {
		log.Infof("persisted message id=%d media_links=%d", result.MessageID, result.MediaLinksAdded)
	} else {
		log.Debugf("duplicate delivery, message id=%d already committed", result.MessageID)
	}
	return ok()
}

// buildMessage maps a decoded stream entry onto the Message entity.
func buildMessage(e broker.StreamEntry, ch *channel.Channel, entities message.Entities) message.Message {
	msg := message.Message{
		ChannelID:         ch.ID,
		TelegramMessageID: e.MessageID,
		Content:           e.Content,
		TelegramDate:      e.TelegramDate.UTC(),
		Entities:          entities,

		AuthorUserID:         e.AuthorUserID,
		RepliedToMessageID:   e.RepliedToMessageID,
		ForwardFromChannelID: e.ForwardFromChannelID,
		ForwardFromMessageID: e.ForwardFromMessageID,
		ForwardDate:          e.ForwardDate,
		HasComments:          e.HasComments,
		CommentsCount:        e.CommentsCount,
		LinkedChatID:         e.LinkedChatID,

		GroupedID:    e.GroupedID,
		IsBackfilled: e.IsBackfilled,
	}
	if e.MediaType != "" {
		mt := e.MediaType
		msg.MediaType = &mt
	}
	if e.Views != nil {
		msg.Views = *e.Views
	}
	if e.Forwards != nil {
		msg.Forwards = *e.Forwards
	}
	return msg
}

// translateInto fills msg's translation fields when the channel's rule and
// the global flag permit it. Any failure leaves the message untranslated —
// translation is strictly best-effort.
func (p *Pipeline) translateInto(ctx context.Context, msg *message.Message, ch *channel.Channel, log *zap.SugaredLogger) {
	if !p.cfg.TranslationEnabled || p.translator == nil || !ch.Rule.AllowsTranslation() {
		return
	}
	if strings.TrimSpace(msg.Content) == "" {
		return
	}

	lang, err := p.translator.DetectLanguage(ctx, msg.Content)
	if err != nil {
		log.Warnf("detect language: %v", err)
		return
	}
	if translate.IsUnknown(lang) || lang == p.cfg.TranslationTarget {
		msg.LanguageDetected = &lang
		return
	}

	res, err := p.translator.Translate(ctx, msg.Content, p.cfg.TranslationTarget)
	if err != nil {
		log.Warnf("translate: %v", err)
		msg.LanguageDetected = &lang
		return
	}

	now := time.Now().UTC()
	msg.ContentTranslated = &res.TranslatedText
	msg.LanguageDetected = &res.SourceLanguage
	msg.TranslationProvider = &res.Provider
	msg.TranslationCostUSD = &res.CostUSD
	msg.TranslationTime = &now
}

// archiveMedia downloads and stores the entry's media, returning the
// ordered blob references. A per-member failure is logged and the member
// omitted; only a flood-wait or a wholesale fetch failure aborts the entry
// (second return non-nil).
func (p *Pipeline) archiveMedia(ctx context.Context, entry broker.StreamEntry, ch *channel.Channel, log *zap.SugaredLogger) ([]message.MediaRef, *Outcome) {
	if entry.MediaCount == 0 || p.fetcher == nil || p.archiver == nil {
		return nil, nil
	}

	ids := entry.AlbumMessageIDs
	if len(ids) == 0 {
		ids = []int64{entry.MessageID}
	}

	msgs, err := p.fetcher.FetchMessages(ctx, ch.Telegram, ch.AccessHash, ids)
	if err != nil {
		if wait, isFlood := tgerr.AsFloodWait(err); isFlood {
			o := floodWait(wait)
			return nil, &o
		}
		o := transient("fetch media members: %v", err)
		return nil, &o
	}

	byID := make(map[int64]*tg.Message, len(msgs))
	for _, m := range msgs {
		byID[int64(m.ID)] = m
	}

	refs := p.archiver.ArchiveAlbum(ctx, func(_ context.Context, index int) (*tg.Message, error) {
		m, found := byID[ids[index]]
		if !found {
			return nil, errors.Errorf("member %d not returned by telegram", ids[index])
		}
		return m, nil
	}, len(ids))

	if len(refs) < len(ids) {
		log.Warnf("archived %d of %d album members, rest omitted", len(refs), len(ids))
	}
	return refs, nil
}
