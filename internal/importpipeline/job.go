// Package importpipeline implements the batch channel-joining pipeline: a
// CSV of channel URLs/usernames becomes an import job whose candidates are
// validated against Telegram, joined under strict rate limits, and added
// to a target folder for discovery to pick up on its next tick.
package importpipeline

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the import job lifecycle value.
type JobStatus string

const (
	JobUploading  JobStatus = "uploading"
	JobValidating JobStatus = "validating"
	JobReady      JobStatus = "ready"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobCancelled  JobStatus = "cancelled"
)

// CandidateStatus is the per-candidate state within a job.
type CandidateStatus string

const (
	CandidatePending          CandidateStatus = "pending"
	CandidateValidated        CandidateStatus = "validated"
	CandidateValidationFailed CandidateStatus = "validation_failed"
	CandidateAlreadyMember    CandidateStatus = "already_member"
	CandidateJoined           CandidateStatus = "joined"
	CandidateJoinFailed       CandidateStatus = "join_failed"
)

// Job is one CSV-sourced import run.
type Job struct {
	ID              uuid.UUID
	FolderName      string
	Rule            string
	SourceFile      string
	Status          JobStatus
	TotalCandidates int
	CreatedBy       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// Candidate is one channel reference inside a job.
type Candidate struct {
	ID            int64
	JobID         uuid.UUID
	Identifier    string // as supplied in the CSV
	TelegramID    *int64 // marked id, filled by validation
	AccessHash    *int64
	Username      string
	Status        CandidateStatus
	FailureReason string
}

// Repository persists jobs, their candidates, and the append-only audit
// log. Implemented by internal/store/relstore.
type Repository interface {
	CreateJob(ctx context.Context, job *Job, identifiers []string) error
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)
	ListJobsByStatus(ctx context.Context, status JobStatus) ([]*Job, error)
	SetJobStatus(ctx context.Context, id uuid.UUID, status JobStatus) error
	CompleteJob(ctx context.Context, id uuid.UUID, completedAt time.Time) error

	ListCandidates(ctx context.Context, jobID uuid.UUID, statuses ...CandidateStatus) ([]*Candidate, error)
	UpdateCandidate(ctx context.Context, c *Candidate) error

	AppendLog(ctx context.Context, jobID uuid.UUID, level, message string) error
}

// ReadIdentifiersCSV reads channel identifiers from a one-column CSV
// (optionally with extra columns, which are ignored). Blank rows and a
// header row named "channel"/"url"/"username" are skipped.
func ReadIdentifiersCSV(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readIdentifiers(csv.NewReader(f))
}

func readIdentifiers(r *csv.Reader) ([]string, error) {
	r.FieldsPerRecord = -1
	var out []string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) == 0 {
			continue
		}
		value := strings.TrimSpace(record[0])
		if value == "" {
			continue
		}
		switch strings.ToLower(value) {
		case "channel", "url", "username":
			continue
		}
		out = append(out, value)
	}
	return out, nil
}

// NormalizeIdentifier reduces any accepted channel reference (t.me URL,
// https link, @username, bare username) to the bare username Telegram's
// resolve call expects.
func NormalizeIdentifier(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "t.me/")
	s = strings.TrimPrefix(s, "telegram.me/")
	s = strings.TrimPrefix(s, "@")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[:i]
	}
	return s
}
