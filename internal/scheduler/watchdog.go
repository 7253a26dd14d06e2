package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Fixed batch sizes keep each maintenance invocation bounded so a large
// backlog never outlives the Lambda timeout.
const (
	stuckJobBatchSize = 100
	cleanupBatchSize  = 500
)

// WatchdogDB defines the job-table operations needed by the Watchdog.
type WatchdogDB interface {
	// ListStuckProcessing returns IDs of processing jobs whose last update
	// is older than cutoff.
	ListStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	// DeleteTerminalBefore removes completed/failed jobs that reached their
	// terminal state before cutoff, with recipient rows cascading.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// Enqueuer re-enqueues a campaign processing step.
type Enqueuer interface {
	TriggerCampaign(ctx context.Context, jobID string, reason string) error
}

// Watchdog recovers campaign jobs whose queue message was lost: a job left in
// processing with pending recipients and no in-flight step would otherwise
// stall forever. It also prunes terminal jobs past the retention window.
type Watchdog struct {
	db       WatchdogDB
	enqueuer Enqueuer

	// StuckHorizon is how long a processing job may go without an update
	// before it is considered stalled.
	StuckHorizon time.Duration
	// Retention is how long terminal jobs are kept for reporting.
	Retention time.Duration

	logger *slog.Logger
}

// NewWatchdog creates a Watchdog.
func NewWatchdog(db WatchdogDB, enqueuer Enqueuer, stuckHorizon, retention time.Duration, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		db:           db,
		enqueuer:     enqueuer,
		StuckHorizon: stuckHorizon,
		Retention:    retention,
		logger:       logger,
	}
}

// RequeueStuckJobs finds processing jobs without recent progress and enqueues
// a fresh step for each. Requeueing a job that is actually alive is harmless:
// the runner's conditional transitions absorb the overlap.
func (w *Watchdog) RequeueStuckJobs(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-w.StuckHorizon)

	ids, err := w.db.ListStuckProcessing(ctx, cutoff, stuckJobBatchSize)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, id := range ids {
		if err := w.enqueuer.TriggerCampaign(ctx, id, "watchdog_requeue"); err != nil {
			w.logger.ErrorContext(ctx, "failed to requeue stuck job",
				"job_id", id,
				"error", err.Error(),
			)
			continue
		}
		requeued++
		w.logger.WarnContext(ctx, "requeued stuck campaign job",
			"job_id", id,
			"stuck_since", cutoff.Format(time.RFC3339),
		)
	}

	w.logger.InfoContext(ctx, "stuck job sweep finished",
		"found", len(ids),
		"requeued", requeued,
	)
	return requeued, nil
}

// CleanupTerminalJobs hard-deletes completed and failed jobs past the
// retention window.
func (w *Watchdog) CleanupTerminalJobs(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-w.Retention)

	deleted, err := w.db.DeleteTerminalBefore(ctx, cutoff, cleanupBatchSize)
	if err != nil {
		return 0, err
	}

	w.logger.InfoContext(ctx, "terminal job cleanup finished",
		"deleted", deleted,
		"cutoff", cutoff.Format(time.RFC3339),
	)
	return deleted, nil
}
