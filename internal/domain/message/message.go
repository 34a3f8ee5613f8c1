// Package message holds the Message, MediaBlob and MessageMedia entities
// and the repository contract the processor persists through.
package message

import (
	"context"
	"time"
)

// Message is one distinct (channel, telegram_message_id) pair. Content
// fields are immutable once set; engagement counters and translation
// fields may be updated on redelivery.
type Message struct {
	ID                int64
	ChannelID         int64
	TelegramMessageID int64

	Content string

	ContentTranslated  *string
	LanguageDetected    *string
	TranslationProvider *string
	TranslationCostUSD  *float64
	TranslationTime     *time.Time

	MediaType *string

	TelegramDate time.Time
	Views        int64
	Forwards     int64

	GroupedID *int64

	Entities Entities

	AuthorUserID         *int64
	RepliedToMessageID   *int64
	ForwardFromChannelID *int64
	ForwardFromMessageID *int64
	ForwardDate          *time.Time
	HasComments          bool
	CommentsCount        int64
	LinkedChatID         *int64

	ContentHash    string
	MetadataHash   string
	HashAlgorithm  string
	HashVersion    int
	HashGeneratedAt time.Time

	IsBackfilled bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Entities is the JSON-shaped output of entity extraction; empty slices
// are omitted from persisted JSON (see internal/extract).
type Entities struct {
	Hashtags        []string `json:"hashtags,omitempty"`
	Mentions        []string `json:"mentions,omitempty"`
	URLs            []string `json:"urls,omitempty"`
	TelegramLinks   []string `json:"telegram_links,omitempty"`
	Coordinates     []string `json:"coordinates,omitempty"`
	MilitaryUnits   []string `json:"military_units,omitempty"`
	Equipment       []string `json:"equipment,omitempty"`
}

// MediaBlob is a content-addressed object-store row. Never overwritten;
// two messages sharing identical bytes share one blob.
type MediaBlob struct {
	ID          int64
	ContentHash string // hex SHA-256, also the dedup key
	S3Key       string
	MimeType    string
	FileSize    int64
	CreatedAt   time.Time
}

// MessageMedia is the many-to-many link between Message and MediaBlob,
// ordered by position within an album.
type MessageMedia struct {
	ID          int64
	MessageID   int64
	MediaBlobID int64
	Position    int
}

// PersistInput is everything the processor gathers for one StreamEntry
// before the atomic persistence transaction.
type PersistInput struct {
	Message    Message
	MediaBlobs []MediaRef // ordered; already uploaded to the object store
}

// MediaRef is a media blob referenced by position within PersistInput,
// either newly archived or reused via content-hash dedup.
type MediaRef struct {
	MediaBlobID int64
	Position    int
}

// PersistOutcome reports what the atomic persistence transaction did.
type PersistOutcome struct {
	MessageID     int64
	WasNewInsert  bool // false when the row already existed (idempotent replay)
	MediaLinksAdded int
}

// ErrNotFound is returned by repository lookups that find nothing.
var ErrNotFound = repoNotFoundError{}

type repoNotFoundError struct{}

func (repoNotFoundError) Error() string { return "message: not found" }

// Repository is the persistence contract implemented by
// internal/store/relstore.
type Repository interface {
	// Persist performs the insert-if-absent Message insert plus, only
	// when newly inserted, the insert-if-absent MessageMedia rows, all
	// within one transaction. Safe to call twice with identical input.
	Persist(ctx context.Context, input PersistInput) (PersistOutcome, error)

	// FindMediaBlobByHash looks up an existing MediaBlob row by its
	// content hash, used by the media archiver to dedup before upload.
	FindMediaBlobByHash(ctx context.Context, contentHash string) (*MediaBlob, error)

	// InsertMediaBlobIfAbsent inserts a MediaBlob row if one with this
	// content hash does not already exist, returning the row id either
	// way (idempotent re-run after a crash between upload and insert).
	InsertMediaBlobIfAbsent(ctx context.Context, blob MediaBlob) (int64, error)

	// LatestBackfilledTelegramDate returns the telegram_date of the most
	// recently backfilled message for a channel, used by backfill resume.
	LatestBackfilledTelegramDate(ctx context.Context, channelID int64) (*time.Time, error)
}
