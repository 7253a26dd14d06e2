package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"megaphone/internal/types"
)

// JobStore is the job persistence surface the runner needs. State
// transitions are conditional and report whether they applied.
type JobStore interface {
	GetByID(ctx context.Context, id string) (*types.CampaignJob, error)
	MarkProcessing(ctx context.Context, id string, totalRecipients int) (bool, error)
	AddCounts(ctx context.Context, id string, processed, success, failed int) error
	CompleteIfProcessing(ctx context.Context, id string) (bool, error)
}

// AudienceResolver expands a campaign target into durable recipient rows and
// returns the frozen audience size.
type AudienceResolver interface {
	FanOut(ctx context.Context, job *types.CampaignJob) (int, error)
}

// PendingCounter reports how many recipients of a job are still pending.
type PendingCounter interface {
	CountPending(ctx context.Context, jobID string) (int, error)
}

// StepScheduler re-enqueues the next processing step for a job after the
// configured inter-batch delay.
type StepScheduler interface {
	ScheduleStep(ctx context.Context, prior types.CampaignMessage, delay time.Duration, reason string) error
}

// Runner executes one queue-driven step of a campaign job: first-run fan-out,
// one batch of deliveries, a single aggregated counter write, and either a
// rescheduled next step or terminal completion.
type Runner struct {
	jobs      JobStore
	resolver  AudienceResolver
	processor *Processor
	pending   PendingCounter
	scheduler StepScheduler
	logger    *slog.Logger
}

// NewRunner creates a Runner from its collaborators.
func NewRunner(
	jobs JobStore,
	resolver AudienceResolver,
	processor *Processor,
	pending PendingCounter,
	scheduler StepScheduler,
	logger *slog.Logger,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		jobs:      jobs,
		resolver:  resolver,
		processor: processor,
		pending:   pending,
		scheduler: scheduler,
		logger:    logger,
	}
}

// Run processes one CampaignMessage. It is safe to invoke repeatedly and
// concurrently for the same job: terminal jobs are a no-op, fan-out happens
// at most once, and overlapping batch runs cannot double-count recipients.
//
// A returned error signals the queue layer to redeliver the message.
func (r *Runner) Run(ctx context.Context, msg types.CampaignMessage) (*types.BatchSummary, error) {
	logger := r.logger.With("job_id", msg.JobID, "trace_id", msg.TraceID, "attempt", msg.Attempt)

	job, err := r.jobs.GetByID(ctx, msg.JobID)
	if err != nil {
		return nil, err
	}

	// Terminal jobs absorb stray messages (late redeliveries, watchdog
	// re-triggers that raced completion) without touching state.
	if job.Status.Terminal() {
		logger.InfoContext(ctx, "skipping step for terminal job", "status", string(job.Status))
		return summarize(job, false), nil
	}

	fannedOut := false
	if job.Status == types.JobStatusPending {
		job, fannedOut, err = r.fanOut(ctx, logger, job)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			// Empty audience: completed without any batch work.
			return summarize(job, fannedOut), nil
		}
	}

	result, err := r.processor.ProcessBatch(ctx, job)
	if err != nil {
		return nil, err
	}

	if result.Attempted > 0 {
		if err := r.jobs.AddCounts(ctx, job.ID, result.Attempted, result.Sent, result.Failed); err != nil {
			return nil, err
		}
		job.ProcessedCount += result.Attempted
		job.SuccessCount += result.Sent
		job.FailedCount += result.Failed
	}

	rescheduled, err := r.advance(ctx, logger, job, msg)
	if err != nil {
		return nil, err
	}

	summary := summarize(job, fannedOut)
	summary.Rescheduled = rescheduled
	logger.InfoContext(ctx, "campaign step finished",
		"status", string(summary.Status),
		"processed", summary.Processed,
		"success", summary.SuccessCount,
		"failed", summary.FailedCount,
		"remaining", summary.Remaining,
		"rescheduled", summary.Rescheduled,
	)
	return summary, nil
}

// fanOut performs the one-time audience expansion. The processing transition
// doubles as the fan-out guard: only the run that wins it freezes the
// audience, and a losing run simply reloads the job and continues.
func (r *Runner) fanOut(ctx context.Context, logger *slog.Logger, job *types.CampaignJob) (*types.CampaignJob, bool, error) {
	total, err := r.resolver.FanOut(ctx, job)
	if err != nil {
		// The job stays pending: a redelivered message retries the
		// expansion, and partial rows are cleared on the next attempt.
		logger.ErrorContext(ctx, "audience fan-out failed", "error", err.Error())
		return nil, false, err
	}

	won, err := r.jobs.MarkProcessing(ctx, job.ID, total)
	if err != nil {
		return nil, false, err
	}
	if !won {
		logger.InfoContext(ctx, "fan-out already performed by a concurrent run")
		job, err = r.jobs.GetByID(ctx, job.ID)
		return job, false, err
	}

	logger.InfoContext(ctx, "audience fan-out complete", "total_recipients", total)
	job.Status = types.JobStatusProcessing
	job.TotalRecipients = total

	if total == 0 {
		if _, err := r.jobs.CompleteIfProcessing(ctx, job.ID); err != nil {
			return nil, true, err
		}
		logger.InfoContext(ctx, "campaign completed with empty audience")
		job.Status = types.JobStatusCompleted
	}
	return job, true, nil
}

// advance decides what happens after a batch: reschedule the next step when
// pending recipients remain, otherwise complete the job.
func (r *Runner) advance(ctx context.Context, logger *slog.Logger, job *types.CampaignJob, msg types.CampaignMessage) (bool, error) {
	remaining, err := r.pending.CountPending(ctx, job.ID)
	if err != nil {
		return false, err
	}

	if remaining > 0 {
		if err := r.scheduler.ScheduleStep(ctx, msg, job.BatchDelay(), "pending_recipients"); err != nil {
			return false, types.NewAppError(
				types.ErrCodeSchedulingFailed,
				"failed to schedule next campaign step",
				err,
			)
		}
		return true, nil
	}

	completed, err := r.jobs.CompleteIfProcessing(ctx, job.ID)
	if err != nil {
		return false, err
	}
	if completed {
		job.Status = types.JobStatusCompleted
		logger.InfoContext(ctx, "campaign completed",
			"total", job.TotalRecipients,
			"success", job.SuccessCount,
			"failed", job.FailedCount,
		)
	}
	return false, nil
}

func summarize(job *types.CampaignJob, fannedOut bool) *types.BatchSummary {
	return &types.BatchSummary{
		JobID:        job.ID,
		Status:       job.Status,
		FannedOut:    fannedOut,
		Processed:    job.ProcessedCount,
		SuccessCount: job.SuccessCount,
		FailedCount:  job.FailedCount,
		Remaining:    job.Remaining(),
	}
}

// IsNotFound reports whether err is the campaign-not-found condition.
func IsNotFound(err error) bool {
	var appErr *types.AppError
	return errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundCampaign
}
