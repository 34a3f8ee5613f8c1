// Package media downloads Telegram message media, hashes it, and stores it
// content-addressed in the object store, deduplicating against any
// MediaBlob row that already carries the same hash. Grounded in the
// reference implementation's media_utils.py for type normalization and in
// the teacher's gotd/td call shapes for location extraction and streaming
// download.
package media

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/archivist/tgarchiver/internal/domain/message"
	"github.com/archivist/tgarchiver/internal/infra/logger"
	"github.com/archivist/tgarchiver/internal/infra/throttle"
	"github.com/archivist/tgarchiver/internal/store/objectstore"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
)

// Archiver downloads media referenced by tg.Message values and persists it
// content-addressed, reusing existing blobs by hash.
type Archiver struct {
	api        *tg.Client
	downloader *downloader.Downloader
	store      *objectstore.Store
	repo       message.Repository
	throttle   *throttle.Throttler
	log        *zap.SugaredLogger
}

// New builds an Archiver. api is used only to drive the downloader; repo is
// the relational store's message.Repository implementation, used to look up
// and insert MediaBlob rows. th paces the download calls and retries
// transient failures; nil disables pacing (tests).
func New(api *tg.Client, store *objectstore.Store, repo message.Repository, th *throttle.Throttler) *Archiver {
	return &Archiver{
		api:        api,
		downloader: downloader.NewDownloader(),
		store:      store,
		repo:       repo,
		throttle:   th,
		log:        logger.Component("media"),
	}
}

// NormalizedType reports the normalized media type string for msg
// ("photo", "video", "audio", "image", "document", "geo", "contact",
// "venue", "webpage", "poll"), or "" when the message has no media or the
// media kind isn't one this archiver downloads. Ported from
// get_media_type in the reference implementation, refining "document" into
// "video"/"audio"/"image" by MIME type the same way.
func NormalizedType(msg *tg.Message) string {
	if msg == nil || msg.Media == nil {
		return ""
	}

	switch m := msg.Media.(type) {
	case *tg.MessageMediaPhoto:
		return "photo"
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.AsNotEmpty()
		if !ok {
			return "document"
		}
		switch {
		case strings.Contains(doc.MimeType, "video"):
			return "video"
		case strings.Contains(doc.MimeType, "audio"):
			return "audio"
		case strings.Contains(doc.MimeType, "image"):
			return "image"
		default:
			return "document"
		}
	case *tg.MessageMediaGeo:
		return "geo"
	case *tg.MessageMediaContact:
		return "contact"
	case *tg.MessageMediaVenue:
		return "venue"
	case *tg.MessageMediaWebPage:
		return "webpage"
	case *tg.MessageMediaPoll:
		return "poll"
	default:
		return ""
	}
}

// downloadable reports whether msg carries bytes worth fetching (photo or
// document); geo/contact/venue/webpage/poll carry no blob to archive.
func downloadable(msg *tg.Message) bool {
	switch msg.Media.(type) {
	case *tg.MessageMediaPhoto, *tg.MessageMediaDocument:
		return true
	default:
		return false
	}
}

// ArchiveOne downloads msg's media (if any and if of a downloadable kind),
// hashes the bytes, and inserts or reuses a MediaBlob row, returning its id.
// Returns (0, nil) when msg carries no downloadable media. Safe to call
// twice on a crash between upload and row insert: re-running recomputes
// the same content hash and object key, and InsertMediaBlobIfAbsent dedups
// the row.
func (a *Archiver) ArchiveOne(ctx context.Context, msg *tg.Message) (int64, error) {
	if msg == nil || msg.Media == nil || !downloadable(msg) {
		return 0, nil
	}

	loc, mimeType, err := locationFor(msg.Media)
	if err != nil {
		return 0, errors.Wrap(err, "locate media")
	}

	var buf bytes.Buffer
	download := func() error {
		buf.Reset()
		_, err := a.downloader.Download(a.api, loc).Stream(ctx, &buf)
		return err
	}
	if a.throttle != nil {
		err = a.throttle.Do(ctx, download)
	} else {
		err = download()
	}
	if err != nil {
		return 0, errors.Wrap(err, "download media")
	}
	data := buf.Bytes()

	contentHash := objectstore.ContentHash(data)

	existing, err := a.repo.FindMediaBlobByHash(ctx, contentHash)
	if err != nil && !errors.Is(err, message.ErrNotFound) {
		return 0, errors.Wrap(err, "lookup media blob")
	}
	if existing != nil {
		return existing.ID, nil
	}

	key := objectstore.KeyFor(contentHash, extensionFor(mimeType))
	exists, err := a.store.Exists(ctx, key)
	if err != nil {
		return 0, errors.Wrap(err, "check object existence")
	}
	if !exists {
		if err := a.store.Put(ctx, key, mimeType, data); err != nil {
			return 0, errors.Wrap(err, "upload media")
		}
	}

	blobID, err := a.repo.InsertMediaBlobIfAbsent(ctx, message.MediaBlob{
		ContentHash: contentHash,
		S3Key:       key,
		MimeType:    mimeType,
		FileSize:    int64(len(data)),
	})
	if err != nil {
		return 0, errors.Wrap(err, "insert media blob")
	}
	return blobID, nil
}

// ArchiveAlbum archives each of fetcher's messages in order, tolerating
// per-member failures: a failed member is logged and omitted from the
// returned list rather than aborting the whole album, matching spec.md
// §4.6 step 5's "partial archives are valid" rule.
func (a *Archiver) ArchiveAlbum(ctx context.Context, fetch func(ctx context.Context, index int) (*tg.Message, error), count int) []message.MediaRef {
	refs := make([]message.MediaRef, 0, count)
	for i := 0; i < count; i++ {
		msg, err := fetch(ctx, i)
		if err != nil {
			a.log.Warnf("fetch album member %d: %v", i, err)
			continue
		}
		blobID, err := a.ArchiveOne(ctx, msg)
		if err != nil {
			a.log.Warnf("archive album member %d: %v", i, err)
			continue
		}
		if blobID == 0 {
			continue
		}
		refs = append(refs, message.MediaRef{MediaBlobID: blobID, Position: i})
	}
	return refs
}

// locationFor extracts the download location and MIME type for a
// downloadable media class, preferring the largest available photo size.
func locationFor(media tg.MessageMediaClass) (tg.InputFileLocationClass, string, error) {
	switch m := media.(type) {
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.AsNotEmpty()
		if !ok {
			return nil, "", errors.New("document is empty")
		}
		return &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		}, doc.MimeType, nil

	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.AsNotEmpty()
		if !ok {
			return nil, "", errors.New("photo is empty")
		}
		if len(photo.Sizes) == 0 {
			return nil, "", errors.New("photo has no sizes")
		}
		largest := photo.Sizes[len(photo.Sizes)-1]
		size, ok := largest.AsNotEmpty()
		if !ok {
			return nil, "", errors.New("photo size is empty")
		}
		return &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     size.GetType(),
		}, "image/jpeg", nil

	default:
		return nil, "", fmt.Errorf("unsupported media class %T", media)
	}
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "video/mp4":
		return ".mp4"
	default:
		return ""
	}
}
