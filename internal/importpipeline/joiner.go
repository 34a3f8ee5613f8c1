package importpipeline

import (
	"context"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"

	"github.com/archivist/tgarchiver/internal/infra/logger"
	"github.com/archivist/tgarchiver/internal/telegram"
	tgruntime "github.com/archivist/tgarchiver/internal/telegram/runtime"
)

const (
	// interJoinDelayMinMs/MaxMs space out join calls: one at a time with a
	// uniform-random 30-60 second pause, the pacing Telegram tolerates for
	// account-level joins without tripping spam heuristics.
	interJoinDelayMinMs = 30000
	interJoinDelayMaxMs = 60000

	// floodRetryFactor scales a flood-wait before the single retry.
	floodRetryFactor = 1.5
)

// Joiner executes the processing phase of a job: join each validated
// candidate and wire it into the target folder.
type Joiner struct {
	api     *tg.Client
	repo    Repository
	folders *FolderManager
	log     *zap.SugaredLogger
}

func NewJoiner(api *tg.Client, repo Repository, folders *FolderManager) *Joiner {
	return &Joiner{api: api, repo: repo, folders: folders, log: logger.Component("import")}
}

// floodRetryDelay computes the pause before the single post-flood retry.
func floodRetryDelay(wait time.Duration) time.Duration {
	return time.Duration(float64(wait) * floodRetryFactor)
}

// ProcessJob joins every validated candidate of a job, one at a time, and
// completes the job. Candidates that were already members skip the join
// but are still added to the folder.
func (j *Joiner) ProcessJob(ctx context.Context, job *Job) error {
	candidates, err := j.repo.ListCandidates(ctx, job.ID, CandidateValidated, CandidateAlreadyMember)
	if err != nil {
		return err
	}

	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}

		j.processOne(ctx, job, c)

		if i+1 < len(candidates) {
			tgruntime.WaitRandomTimeMs(ctx, interJoinDelayMinMs, interJoinDelayMaxMs)
		}
	}

	if err := j.repo.CompleteJob(ctx, job.ID, time.Now().UTC()); err != nil {
		return err
	}
	return j.repo.AppendLog(ctx, job.ID, "info", "processing finished")
}

// processOne joins a single candidate (unless already a member) and adds
// its peer to the job's target folder.
func (j *Joiner) processOne(ctx context.Context, job *Job, c *Candidate) {
	if c.TelegramID == nil || c.AccessHash == nil {
		j.failJoin(ctx, job, c, "candidate has no resolved channel")
		return
	}

	input := &tg.InputChannel{
		ChannelID:  telegram.BareChannelID(*c.TelegramID),
		AccessHash: *c.AccessHash,
	}

	if c.Status != CandidateAlreadyMember {
		if err := j.joinWithRetry(ctx, job, input); err != nil {
			j.failJoin(ctx, job, c, "join failed: "+err.Error())
			return
		}
		c.Status = CandidateJoined
		if err := j.repo.UpdateCandidate(ctx, c); err != nil {
			j.log.Warnf("job %s: update candidate %q: %v", job.ID, c.Identifier, err)
		}
		_ = j.repo.AppendLog(ctx, job.ID, "info", "joined "+c.Identifier)
	}

	peer := &tg.InputPeerChannel{ChannelID: input.ChannelID, AccessHash: input.AccessHash}
	if err := j.folders.EnsureChannelInFolder(ctx, job.FolderName, peer); err != nil {
		j.log.Warnf("job %s: add %q to folder %q: %v", job.ID, c.Identifier, job.FolderName, err)
		_ = j.repo.AppendLog(ctx, job.ID, "warn", "folder wiring failed for "+c.Identifier+": "+err.Error())
	}
}

// joinWithRetry performs the join call, honoring a flood-wait with a
// single scaled retry (sleep wait x 1.5, try once more).
func (j *Joiner) joinWithRetry(ctx context.Context, job *Job, input *tg.InputChannel) error {
	_, err := j.api.ChannelsJoinChannel(ctx, input)
	if err == nil {
		return nil
	}

	wait, isFlood := tgerr.AsFloodWait(err)
	if !isFlood {
		return err
	}

	delay := floodRetryDelay(wait)
	j.log.Warnf("job %s: flood wait %s on join, sleeping %s and retrying once", job.ID, wait, delay)
	if !sleepCtx(ctx, delay) {
		return ctx.Err()
	}

	_, err = j.api.ChannelsJoinChannel(ctx, input)
	return err
}

func (j *Joiner) failJoin(ctx context.Context, job *Job, c *Candidate, reason string) {
	c.Status = CandidateJoinFailed
	c.FailureReason = reason
	if err := j.repo.UpdateCandidate(ctx, c); err != nil {
		j.log.Warnf("job %s: update candidate %q: %v", job.ID, c.Identifier, err)
		return
	}
	_ = j.repo.AppendLog(ctx, job.ID, "warn", reason+" ("+c.Identifier+")")
}
