package importpipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/archivist/tgarchiver/internal/broker"
	"github.com/archivist/tgarchiver/internal/infra/logger"
)

const (
	// pollInterval is the database catch-up scan: jobs stuck in
	// validating/processing are picked up even when their broker signal
	// was lost (dropped connection, worker restart).
	pollInterval = 30 * time.Second

	signalBlock = 5 * time.Second
)

// Worker drives import jobs through their phases. One instance per
// deployment — joining is paced per account, so parallel workers would
// only trip flood limits faster.
type Worker struct {
	brk       *broker.Broker
	repo      Repository
	validator *Validator
	joiner    *Joiner
	log       *zap.SugaredLogger
}

func NewWorker(brk *broker.Broker, repo Repository, validator *Validator, joiner *Joiner) *Worker {
	return &Worker{
		brk:       brk,
		repo:      repo,
		validator: validator,
		joiner:    joiner,
		log:       logger.Component("import"),
	}
}

// Run alternates between waiting on the signal stream and the periodic
// database poll until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	lastSignalID := "$"
	nextPoll := time.Now()

	for {
		if ctx.Err() != nil {
			return nil
		}

		jobID, newLast, err := w.brk.WaitImportSignal(ctx, lastSignalID, signalBlock)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Warnf("wait import signal: %v", err)
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
		} else {
			lastSignalID = newLast
			if jobID != "" {
				w.dispatchByID(ctx, jobID)
				continue
			}
		}

		if time.Now().After(nextPoll) {
			nextPoll = time.Now().Add(pollInterval)
			w.pollDatabase(ctx)
		}
	}
}

// dispatchByID advances one signaled job.
func (w *Worker) dispatchByID(ctx context.Context, raw string) {
	id, err := uuid.Parse(raw)
	if err != nil {
		w.log.Warnf("signal carries invalid job id %q", raw)
		return
	}
	job, err := w.repo.GetJob(ctx, id)
	if err != nil {
		w.log.Warnf("load signaled job %s: %v", raw, err)
		return
	}
	w.dispatch(ctx, job)
}

// pollDatabase advances any job whose phase work is outstanding.
func (w *Worker) pollDatabase(ctx context.Context) {
	for _, status := range []JobStatus{JobValidating, JobProcessing} {
		jobs, err := w.repo.ListJobsByStatus(ctx, status)
		if err != nil {
			w.log.Warnf("poll jobs with status %s: %v", status, err)
			continue
		}
		for _, job := range jobs {
			w.dispatch(ctx, job)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// dispatch runs the phase matching the job's current status. Jobs in
// ready wait for the operator to flip them to processing; completed and
// cancelled jobs are left alone.
func (w *Worker) dispatch(ctx context.Context, job *Job) {
	switch job.Status {
	case JobValidating:
		if err := w.validator.ValidateJob(ctx, job); err != nil && ctx.Err() == nil {
			w.log.Warnf("job %s: validation: %v", job.ID, err)
		}
	case JobProcessing:
		if err := w.joiner.ProcessJob(ctx, job); err != nil && ctx.Err() == nil {
			w.log.Warnf("job %s: processing: %v", job.ID, err)
		}
	default:
		w.log.Debugf("job %s in status %s, nothing to do", job.ID, job.Status)
	}
}
