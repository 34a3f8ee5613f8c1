package relstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/archivist/tgarchiver/internal/domain/channel"
)

// ChannelStore implements channel.Repository backed by Postgres.
type ChannelStore struct {
	db *sql.DB
}

func NewChannelStore(db *sql.DB) *ChannelStore {
	return &ChannelStore{db: db}
}

const channelSelectCols = `id, telegram_id, access_hash, username, name, description, folder, rule, active,
	removed_at, source_account, backfill_status, backfill_from_date, backfill_messages_fetched,
	backfill_completed_at, backfill_error, last_message_at, created_at, updated_at`

// Reconcile performs the full folder-reconciliation transaction: flip
// every currently active channel under folder to inactive, upsert each
// candidate as active (inserting new rows, restoring previously-removed
// ones), then stamp removed_at on whatever is still inactive afterward.
// Matches the reconcile_channels() flow of channel_discovery.py.
func (s *ChannelStore) Reconcile(ctx context.Context, folder string, candidates []channel.Candidate) (channel.ReconcileStats, []int64, error) {
	var stats channel.ReconcileStats

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, nil, fmt.Errorf("relstore: reconcile begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE channels SET active = FALSE, updated_at = now() WHERE folder = $1 AND active = TRUE`,
		folder,
	); err != nil {
		return stats, nil, fmt.Errorf("relstore: reconcile deactivate: %w", err)
	}

	var insertedIDs []int64
	now := time.Now().UTC()

	for _, c := range candidates {
		var id int64
		var wasInserted bool

		err := tx.QueryRowContext(ctx,
			`INSERT INTO channels (telegram_id, access_hash, username, name, description, folder, rule, active, removed_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, NULL, $8, $8)
			 ON CONFLICT (telegram_id) DO UPDATE SET
			     access_hash = EXCLUDED.access_hash,
			     username    = EXCLUDED.username,
			     name        = EXCLUDED.name,
			     description = EXCLUDED.description,
			     folder      = EXCLUDED.folder,
			     active      = TRUE,
			     removed_at  = NULL,
			     updated_at  = $8
			 RETURNING id, (xmax = 0) AS inserted`,
			c.Telegram, c.AccessHash, c.Username, c.Name, c.Description, folder, channel.RuleArchiveAll, now,
		).Scan(&id, &wasInserted)
		if err != nil {
			return stats, nil, fmt.Errorf("relstore: reconcile upsert %d: %w", c.Telegram, err)
		}

		if wasInserted {
			stats.Added++
			insertedIDs = append(insertedIDs, id)
		} else {
			stats.Updated++
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE channels SET removed_at = $1, updated_at = $1 WHERE folder = $2 AND active = FALSE AND removed_at IS NULL`,
		now, folder,
	)
	if err != nil {
		return stats, nil, fmt.Errorf("relstore: reconcile mark removed: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return stats, nil, fmt.Errorf("relstore: reconcile rows affected: %w", err)
	}
	stats.Removed = int(removed)

	if err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM channels WHERE folder = $1 AND active = TRUE`, folder,
	).Scan(&stats.TotalActive); err != nil {
		return stats, nil, fmt.Errorf("relstore: reconcile count active: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return stats, nil, fmt.Errorf("relstore: reconcile commit: %w", err)
	}

	return stats, insertedIDs, nil
}

func (s *ChannelStore) GetByTelegramID(ctx context.Context, telegramID int64) (*channel.Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+channelSelectCols+` FROM channels WHERE telegram_id = $1`, telegramID)
	return scanChannel(row)
}

func (s *ChannelStore) GetByID(ctx context.Context, id int64) (*channel.Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+channelSelectCols+` FROM channels WHERE id = $1`, id)
	return scanChannel(row)
}

func (s *ChannelStore) ListActive(ctx context.Context) ([]*channel.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+channelSelectCols+` FROM channels WHERE active = TRUE ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("relstore: list active: %w", err)
	}
	defer rows.Close()
	return scanChannels(rows)
}

func (s *ChannelStore) ListArchiveOrientedDue(ctx context.Context, cutoff time.Time, limit int) ([]*channel.Channel, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+channelSelectCols+` FROM channels
		 WHERE active = TRUE
		   AND rule IN ($1, $2)
		   AND backfill_status IN ($3, $4)
		   AND (last_message_at IS NULL OR last_message_at < $5)
		 ORDER BY last_message_at NULLS FIRST
		 LIMIT $6`,
		channel.RuleArchiveAll, channel.RuleSelectiveArchive,
		channel.BackfillNone, channel.BackfillCompleted,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("relstore: list gap candidates: %w", err)
	}
	defer rows.Close()
	return scanChannels(rows)
}

func (s *ChannelStore) SetBackfillStatus(ctx context.Context, id int64, status channel.BackfillStatus, fromDate *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channels SET backfill_status = $1, backfill_from_date = COALESCE($2, backfill_from_date),
		        backfill_error = '', updated_at = now()
		 WHERE id = $3`,
		status, fromDate, id,
	)
	if err != nil {
		return fmt.Errorf("relstore: set backfill status: %w", err)
	}
	return nil
}

// SetBackfillFailure records a paused/failed transition together with the
// triggering error, surfaced on the channel row for operators.
func (s *ChannelStore) SetBackfillFailure(ctx context.Context, id int64, status channel.BackfillStatus, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channels SET backfill_status = $1, backfill_error = $2, updated_at = now() WHERE id = $3`,
		status, errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("relstore: set backfill failure: %w", err)
	}
	return nil
}

// ListBackfillPending returns active channels awaiting backfill, oldest
// transition first so no channel starves behind newer requests.
func (s *ChannelStore) ListBackfillPending(ctx context.Context, limit int) ([]*channel.Channel, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+channelSelectCols+` FROM channels
		 WHERE active = TRUE AND backfill_status = $1
		 ORDER BY updated_at ASC
		 LIMIT $2`,
		channel.BackfillPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("relstore: list backfill pending: %w", err)
	}
	defer rows.Close()
	return scanChannels(rows)
}

func (s *ChannelStore) SetBackfillProgress(ctx context.Context, id int64, fetched int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channels SET backfill_messages_fetched = $1, updated_at = now() WHERE id = $2`,
		fetched, id,
	)
	if err != nil {
		return fmt.Errorf("relstore: set backfill progress: %w", err)
	}
	return nil
}

func (s *ChannelStore) CompleteBackfill(ctx context.Context, id int64, fetched int64, completedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channels SET backfill_status = $1, backfill_messages_fetched = $2, backfill_completed_at = $3, updated_at = now()
		 WHERE id = $4`,
		channel.BackfillCompleted, fetched, completedAt, id,
	)
	if err != nil {
		return fmt.Errorf("relstore: complete backfill: %w", err)
	}
	return nil
}

// AdvanceLastMessageAt moves last_message_at forward only, so a
// redelivered or out-of-order entry can never regress it.
func (s *ChannelStore) AdvanceLastMessageAt(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channels SET last_message_at = $1, updated_at = now()
		 WHERE id = $2 AND (last_message_at IS NULL OR last_message_at < $1)`,
		at, id,
	)
	if err != nil {
		return fmt.Errorf("relstore: advance last_message_at: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (*channel.Channel, error) {
	var c channel.Channel
	var username, name, description, sourceAccount sql.NullString
	err := row.Scan(
		&c.ID, &c.Telegram, &c.AccessHash, &username, &name, &description, &c.Folder, &c.Rule, &c.Active,
		&c.RemovedAt, &sourceAccount, &c.BackfillStatus, &c.BackfillFromDate, &c.BackfillMessagesFetched,
		&c.BackfillCompletedAt, &c.BackfillError, &c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, channel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("relstore: scan channel: %w", err)
	}
	c.Username = username.String
	c.Name = name.String
	c.Description = description.String
	c.SourceAccount = sourceAccount.String
	return &c, nil
}

func scanChannels(rows *sql.Rows) ([]*channel.Channel, error) {
	var out []*channel.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
