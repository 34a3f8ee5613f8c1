package relstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/archivist/tgarchiver/internal/domain/message"
)

// MessageStore implements message.Repository backed by Postgres.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

// Persist performs the insert-if-absent Message insert plus, only when
// newly inserted, the insert-if-absent MessageMedia link rows, all
// within one transaction. The (channel_id, telegram_message_id) unique
// constraint makes a duplicate redelivery a no-op update of engagement
// counters rather than a second row (spec.md §6, Message.Invariant 5).
func (s *MessageStore) Persist(ctx context.Context, input message.PersistInput) (message.PersistOutcome, error) {
	var out message.PersistOutcome
	m := input.Message

	entitiesJSON, err := json.Marshal(m.Entities)
	if err != nil {
		return out, fmt.Errorf("relstore: marshal entities: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return out, fmt.Errorf("relstore: persist begin: %w", err)
	}
	defer tx.Rollback()

	var messageID int64
	var wasInserted bool

	err = tx.QueryRowContext(ctx,
		`INSERT INTO messages (
			channel_id, telegram_message_id, content, content_translated, language_detected,
			translation_provider, translation_cost_usd, translation_timestamp, telegram_date,
			views, forwards, grouped_id, media_type, entities,
			author_user_id, replied_to_message_id, forward_from_channel_id, forward_from_message_id,
			forward_date, has_comments, comments_count, linked_chat_id,
			content_hash, metadata_hash, hash_algorithm, hash_version, hash_generated_at,
			is_backfilled, created_at, updated_at
		 ) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $29
		 )
		 ON CONFLICT (channel_id, telegram_message_id) DO UPDATE SET
		     views = EXCLUDED.views,
		     forwards = EXCLUDED.forwards,
		     has_comments = EXCLUDED.has_comments,
		     comments_count = EXCLUDED.comments_count,
		     updated_at = EXCLUDED.updated_at
		 RETURNING id, (xmax = 0) AS inserted`,
		m.ChannelID, m.TelegramMessageID, m.Content, m.ContentTranslated, m.LanguageDetected,
		m.TranslationProvider, m.TranslationCostUSD, m.TranslationTime, m.TelegramDate,
		m.Views, m.Forwards, m.GroupedID, m.MediaType, entitiesJSON,
		m.AuthorUserID, m.RepliedToMessageID, m.ForwardFromChannelID, m.ForwardFromMessageID,
		m.ForwardDate, m.HasComments, m.CommentsCount, m.LinkedChatID,
		m.ContentHash, m.MetadataHash, m.HashAlgorithm, m.HashVersion, m.HashGeneratedAt,
		m.IsBackfilled, time.Now().UTC(),
	).Scan(&messageID, &wasInserted)
	if err != nil {
		return out, fmt.Errorf("relstore: persist message upsert: %w", err)
	}

	out.MessageID = messageID
	out.WasNewInsert = wasInserted

	if wasInserted {
		for _, ref := range input.MediaBlobs {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO message_media (message_id, media_id, position)
				 VALUES ($1, $2, $3)
				 ON CONFLICT (message_id, media_id) DO NOTHING`,
				messageID, ref.MediaBlobID, ref.Position,
			)
			if err != nil {
				return out, fmt.Errorf("relstore: persist message_media: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				out.MediaLinksAdded++
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return out, fmt.Errorf("relstore: persist commit: %w", err)
	}
	return out, nil
}

func (s *MessageStore) FindMediaBlobByHash(ctx context.Context, contentHash string) (*message.MediaBlob, error) {
	var b message.MediaBlob
	err := s.db.QueryRowContext(ctx,
		`SELECT id, content_hash, s3_key, mime_type, file_size, created_at
		 FROM media_files WHERE content_hash = $1`, contentHash,
	).Scan(&b.ID, &b.ContentHash, &b.S3Key, &b.MimeType, &b.FileSize, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, message.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("relstore: find media blob: %w", err)
	}
	return &b, nil
}

// InsertMediaBlobIfAbsent inserts a media_files row if one with this
// content hash does not already exist, returning the row id either way.
// Idempotent across a crash between object-store upload and this insert.
func (s *MessageStore) InsertMediaBlobIfAbsent(ctx context.Context, blob message.MediaBlob) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO media_files (content_hash, s3_key, mime_type, file_size, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (content_hash) DO UPDATE SET content_hash = EXCLUDED.content_hash
		 RETURNING id`,
		blob.ContentHash, blob.S3Key, blob.MimeType, blob.FileSize, time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("relstore: insert media blob: %w", err)
	}
	return id, nil
}

// LatestBackfilledTelegramDate returns the telegram_date of the most
// recently backfilled message for a channel, used by backfill resume
// (resume_backfill() in the reference implementation).
func (s *MessageStore) LatestBackfilledTelegramDate(ctx context.Context, channelID int64) (*time.Time, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT telegram_date FROM messages
		 WHERE channel_id = $1 AND is_backfilled = TRUE
		 ORDER BY telegram_date DESC LIMIT 1`, channelID,
	).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("relstore: latest backfilled date: %w", err)
	}
	return &t, nil
}
