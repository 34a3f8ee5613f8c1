// Package channel holds the Channel entity and its repository contract.
// A Channel is born when discovery first sees it inside the monitored
// folder and is never deleted afterward — only deactivated.
package channel

import (
	"context"
	"time"
)

// BackfillStatus is the per-channel backfill state machine value.
// none -> pending -> in_progress -> {completed | failed | paused}.
type BackfillStatus string

const (
	BackfillNone       BackfillStatus = "none"
	BackfillPending    BackfillStatus = "pending"
	BackfillInProgress BackfillStatus = "in_progress"
	BackfillCompleted  BackfillStatus = "completed"
	BackfillFailed     BackfillStatus = "failed"
	BackfillPaused     BackfillStatus = "paused"
)

// Rule is the per-channel archival policy applied by discovery and the
// processor (translation eligibility, backfill eligibility).
type Rule string

const (
	RuleArchiveAll       Rule = "archive_all"
	RuleSelectiveArchive Rule = "selective_archive"
)

// Channel is one Telegram broadcast/group under monitoring. Identified by
// the platform's marked id (see internal/telegram.MarkedChannelID).
type Channel struct {
	ID       int64 // internal relational id
	Telegram int64 // Telegram marked channel id (-100xxxxxxxxxx)

	AccessHash  int64
	Username    string
	Name        string
	Description string

	Folder string
	Rule   Rule
	Active bool

	RemovedAt *time.Time

	SourceAccount string

	BackfillStatus          BackfillStatus
	BackfillFromDate        *time.Time
	BackfillMessagesFetched int64
	BackfillCompletedAt     *time.Time
	BackfillError           string

	LastMessageAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsArchiveOriented reports whether this channel's rule makes it eligible
// for gap detection and backfill scheduling.
func (c *Channel) IsArchiveOriented() bool {
	return c.Rule == RuleArchiveAll || c.Rule == RuleSelectiveArchive
}

// AllowsTranslation reports whether the processor may translate this
// rule's messages (subject to the global translation flag).
func (r Rule) AllowsTranslation() bool {
	return r == RuleArchiveAll
}

// Candidate is a discovery-side descriptor built from a folder's included
// peer, before it is reconciled into a persisted Channel row.
type Candidate struct {
	Telegram    int64
	AccessHash  int64
	Username    string
	Name        string
	Description string
	Folder      string
}

// ReconcileStats is the outcome of one discover_once() pass.
type ReconcileStats struct {
	Added       int
	Updated     int
	Removed     int
	TotalActive int
}

// ErrNotFound is returned by repository lookups that find nothing.
var ErrNotFound = repoNotFoundError{}

type repoNotFoundError struct{}

func (repoNotFoundError) Error() string { return "channel: not found" }

// Repository is the persistence contract for Channel, implemented by
// internal/store/relstore.
type Repository interface {
	// Reconcile performs the full folder-reconciliation transaction:
	// flips every active channel to inactive, upserts each candidate
	// as active, then stamps removed_at on rows still inactive with a
	// null removed_at. Returns the stats and, for channels inserted for
	// the first time, their ids.
	Reconcile(ctx context.Context, folder string, candidates []Candidate) (ReconcileStats, []int64, error)

	// GetByTelegramID returns the channel row for a Telegram id, or
	// ErrNotFound.
	GetByTelegramID(ctx context.Context, telegramID int64) (*Channel, error)

	// GetByID returns the channel row for an internal id.
	GetByID(ctx context.Context, id int64) (*Channel, error)

	// ListActive returns every currently active channel.
	ListActive(ctx context.Context) ([]*Channel, error)

	// ListArchiveOrientedDue returns active, archive-oriented channels
	// whose backfill status is none or completed and whose
	// last_message_at is older than the supplied cutoff, capped at
	// limit rows, for gap detection.
	ListArchiveOrientedDue(ctx context.Context, cutoff time.Time, limit int) ([]*Channel, error)

	// SetBackfillStatus transitions the channel's backfill state,
	// optionally setting backfill_from_date, and clears any recorded
	// backfill error.
	SetBackfillStatus(ctx context.Context, id int64, status BackfillStatus, fromDate *time.Time) error

	// SetBackfillFailure transitions to paused or failed and records the
	// error message on the row, where operators can read it.
	SetBackfillFailure(ctx context.Context, id int64, status BackfillStatus, errMsg string) error

	// ListBackfillPending returns active channels whose backfill status
	// is pending, oldest first, capped at limit rows.
	ListBackfillPending(ctx context.Context, limit int) ([]*Channel, error)

	// SetBackfillProgress checkpoints the fetched-count counter.
	SetBackfillProgress(ctx context.Context, id int64, fetched int64) error

	// CompleteBackfill marks the channel's backfill as finished.
	CompleteBackfill(ctx context.Context, id int64, fetched int64, completedAt time.Time) error

	// AdvanceLastMessageAt moves Channel.last_message_at forward,
	// monotonically (never regresses).
	AdvanceLastMessageAt(ctx context.Context, id int64, at time.Time) error
}
