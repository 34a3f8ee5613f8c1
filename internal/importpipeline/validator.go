package importpipeline

import (
	"context"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"

	"github.com/archivist/tgarchiver/internal/infra/logger"
	"github.com/archivist/tgarchiver/internal/telegram"
)

const (
	// validationBatchSize and validationBatchPause pace the resolve calls:
	// batches of ten with a five-second pause between batches.
	validationBatchSize  = 10
	validationBatchPause = 5 * time.Second
)

// Validator resolves each pending candidate against Telegram and records
// whether it is joinable, already joined, or unresolvable.
type Validator struct {
	api  *tg.Client
	repo Repository
	log  *zap.SugaredLogger
}

func NewValidator(api *tg.Client, repo Repository) *Validator {
	return &Validator{api: api, repo: repo, log: logger.Component("import")}
}

// ValidateJob runs the validating phase of one job and transitions it to
// ready. A flood-wait aborts the phase mid-batch; the job stays in
// validating and the worker's next poll resumes with the still-pending
// candidates.
func (v *Validator) ValidateJob(ctx context.Context, job *Job) error {
	pending, err := v.repo.ListCandidates(ctx, job.ID, CandidatePending)
	if err != nil {
		return err
	}

	for i, c := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}

		v.validateOne(ctx, job, c)
		if c.Status == CandidatePending {
			// Flood-wait: leave the job in validating for the next poll.
			return ctx.Err()
		}

		if (i+1)%validationBatchSize == 0 && i+1 < len(pending) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(validationBatchPause):
			}
		}
	}

	if err := v.repo.SetJobStatus(ctx, job.ID, JobReady); err != nil {
		return err
	}
	return v.repo.AppendLog(ctx, job.ID, "info", "validation finished, job ready")
}

// validateOne resolves a single candidate and persists the outcome.
func (v *Validator) validateOne(ctx context.Context, job *Job, c *Candidate) {
	username := NormalizeIdentifier(c.Identifier)
	if username == "" {
		v.fail(ctx, job, c, "empty identifier")
		return
	}

	resp, err := v.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
	if err != nil {
		if wait, isFlood := tgerr.AsFloodWait(err); isFlood {
			// Leave the candidate pending; the worker retries the job later.
			v.log.Warnf("job %s: flood wait %s while resolving %q", job.ID, wait, username)
			sleepCtx(ctx, wait)
			return
		}
		v.fail(ctx, job, c, "resolve failed: "+err.Error())
		return
	}

	ch := firstChannel(resp.Chats)
	if ch == nil {
		v.fail(ctx, job, c, "identifier does not resolve to a channel")
		return
	}

	marked := telegram.MarkedChannelID(ch.ID)
	c.TelegramID = &marked
	c.AccessHash = &ch.AccessHash
	c.Username = ch.Username

	if !ch.Left {
		c.Status = CandidateAlreadyMember
	} else {
		c.Status = CandidateValidated
	}
	if err := v.repo.UpdateCandidate(ctx, c); err != nil {
		v.log.Warnf("job %s: update candidate %q: %v", job.ID, c.Identifier, err)
		return
	}
	_ = v.repo.AppendLog(ctx, job.ID, "info", "validated "+c.Identifier+" as "+string(c.Status))
}

func (v *Validator) fail(ctx context.Context, job *Job, c *Candidate, reason string) {
	c.Status = CandidateValidationFailed
	c.FailureReason = reason
	if err := v.repo.UpdateCandidate(ctx, c); err != nil {
		v.log.Warnf("job %s: update candidate %q: %v", job.ID, c.Identifier, err)
		return
	}
	_ = v.repo.AppendLog(ctx, job.ID, "warn", "validation failed for "+c.Identifier+": "+reason)
}

// firstChannel picks the resolved broadcast/megagroup out of a resolve
// response's chat list; plain users and basic groups don't qualify.
func firstChannel(chats []tg.ChatClass) *tg.Channel {
	for _, chat := range chats {
		if ch, ok := chat.(*tg.Channel); ok {
			return ch
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
