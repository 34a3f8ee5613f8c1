package relstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/archivist/tgarchiver/internal/importpipeline"
)

// ImportStore implements importpipeline.Repository backed by Postgres.
type ImportStore struct {
	db *sql.DB
}

func NewImportStore(db *sql.DB) *ImportStore {
	return &ImportStore{db: db}
}

// CreateJob inserts the job row and one candidate row per identifier in a
// single transaction, leaving the job in its supplied status.
func (s *ImportStore) CreateJob(ctx context.Context, job *importpipeline.Job, identifiers []string) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = importpipeline.JobUploading
	}
	job.TotalCandidates = len(identifiers)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("relstore: create job begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO import_jobs (id, folder_name, rule, source_file, status, total_candidates, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.FolderName, job.Rule, job.SourceFile, job.Status, job.TotalCandidates, job.CreatedBy,
	); err != nil {
		return fmt.Errorf("relstore: insert import job: %w", err)
	}

	for _, identifier := range identifiers {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO import_job_channels (import_job_id, identifier, status)
			 VALUES ($1, $2, $3)`,
			job.ID, identifier, importpipeline.CandidatePending,
		); err != nil {
			return fmt.Errorf("relstore: insert import candidate: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("relstore: create job commit: %w", err)
	}
	return nil
}

const importJobCols = `id, folder_name, rule, source_file, status, total_candidates, created_by,
	created_at, updated_at, completed_at`

func (s *ImportStore) GetJob(ctx context.Context, id uuid.UUID) (*importpipeline.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+importJobCols+` FROM import_jobs WHERE id = $1`, id)
	return scanImportJob(row)
}

func (s *ImportStore) ListJobsByStatus(ctx context.Context, status importpipeline.JobStatus) ([]*importpipeline.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+importJobCols+` FROM import_jobs WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("relstore: list import jobs: %w", err)
	}
	defer rows.Close()

	var out []*importpipeline.Job
	for rows.Next() {
		job, err := scanImportJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *ImportStore) SetJobStatus(ctx context.Context, id uuid.UUID, status importpipeline.JobStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE import_jobs SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("relstore: set import job status: %w", err)
	}
	return nil
}

func (s *ImportStore) CompleteJob(ctx context.Context, id uuid.UUID, completedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE import_jobs SET status = $1, completed_at = $2, updated_at = now() WHERE id = $3`,
		importpipeline.JobCompleted, completedAt, id)
	if err != nil {
		return fmt.Errorf("relstore: complete import job: %w", err)
	}
	return nil
}

func (s *ImportStore) ListCandidates(ctx context.Context, jobID uuid.UUID, statuses ...importpipeline.CandidateStatus) ([]*importpipeline.Candidate, error) {
	query := `SELECT id, import_job_id, identifier, telegram_id, access_hash, username, status, failure_reason
		 FROM import_job_channels WHERE import_job_id = $1`
	args := []any{jobID}
	if len(statuses) > 0 {
		query += ` AND status = ANY($2)`
		vals := make([]string, len(statuses))
		for i, st := range statuses {
			vals[i] = string(st)
		}
		args = append(args, pq.Array(vals))
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("relstore: list import candidates: %w", err)
	}
	defer rows.Close()

	var out []*importpipeline.Candidate
	for rows.Next() {
		var c importpipeline.Candidate
		var username sql.NullString
		if err := rows.Scan(&c.ID, &c.JobID, &c.Identifier, &c.TelegramID, &c.AccessHash,
			&username, &c.Status, &c.FailureReason); err != nil {
			return nil, fmt.Errorf("relstore: scan import candidate: %w", err)
		}
		c.Username = username.String
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *ImportStore) UpdateCandidate(ctx context.Context, c *importpipeline.Candidate) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE import_job_channels
		 SET telegram_id = $1, access_hash = $2, username = $3, status = $4, failure_reason = $5, updated_at = now()
		 WHERE id = $6`,
		c.TelegramID, c.AccessHash, c.Username, c.Status, c.FailureReason, c.ID)
	if err != nil {
		return fmt.Errorf("relstore: update import candidate: %w", err)
	}
	return nil
}

func (s *ImportStore) AppendLog(ctx context.Context, jobID uuid.UUID, level, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO import_job_logs (import_job_id, level, message) VALUES ($1, $2, $3)`,
		jobID, level, message)
	if err != nil {
		return fmt.Errorf("relstore: append import log: %w", err)
	}
	return nil
}

func scanImportJob(row rowScanner) (*importpipeline.Job, error) {
	var job importpipeline.Job
	err := row.Scan(&job.ID, &job.FolderName, &job.Rule, &job.SourceFile, &job.Status,
		&job.TotalCandidates, &job.CreatedBy, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("relstore: import job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("relstore: scan import job: %w", err)
	}
	return &job, nil
}
