// Package engine implements the campaign delivery core: batch processing
// with per-recipient failure isolation, step resumption over the work queue,
// and the job trigger orchestration that ties fan-out, batches, and counters
// together.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"megaphone/internal/delivery"
	"megaphone/internal/types"
)

// RecipientStore is the recipient persistence surface the processor needs.
// The finalization methods are conditional: they report false when the row
// was already moved out of pending by a concurrent run, in which case the
// outcome must not be counted.
type RecipientStore interface {
	ClaimPending(ctx context.Context, jobID string, limit int) ([]*types.Recipient, error)
	MarkSent(ctx context.Context, id string, sentAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string, errorMessage string) (bool, error)
}

// BatchResult aggregates the outcome of one batch run. Attempted counts only
// finalized recipients, so Attempted == Sent + Failed even when a concurrent
// run raced on the same rows.
type BatchResult struct {
	Claimed   int
	Attempted int
	Sent      int
	Failed    int
}

// ProcessorConfig holds batch processing tunables.
type ProcessorConfig struct {
	// DeliveryTimeout bounds each individual adapter call.
	DeliveryTimeout time.Duration
	// Concurrency is the number of parallel delivery attempts within a
	// batch. 1 means strictly sequential processing.
	Concurrency int
}

// Processor runs one batch of a campaign job: claim the next slice of pending
// recipients, attempt delivery to each, and finalize every recipient
// individually. A failing recipient never aborts the batch.
type Processor struct {
	recipients RecipientStore
	adapters   map[types.CampaignKind]delivery.Adapter
	metrics    Metrics
	cfg        ProcessorConfig
	logger     *slog.Logger
}

// NewProcessor creates a Processor. The adapters map must contain an entry
// for every campaign kind the processor will encounter.
func NewProcessor(
	recipients RecipientStore,
	adapters map[types.CampaignKind]delivery.Adapter,
	metrics Metrics,
	cfg ProcessorConfig,
	logger *slog.Logger,
) *Processor {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 15 * time.Second
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		recipients: recipients,
		adapters:   adapters,
		metrics:    metrics,
		cfg:        cfg,
		logger:     logger,
	}
}

// ProcessBatch claims up to job.BatchSize pending recipients in creation
// order and attempts delivery to each one. Recipients are finalized
// one at a time with a conditional status transition, so two overlapping runs
// over the same rows cannot double-count: whichever run loses the transition
// race drops its outcome.
//
// The returned error is reserved for claim failures; delivery errors are
// absorbed into per-recipient failed outcomes.
func (p *Processor) ProcessBatch(ctx context.Context, job *types.CampaignJob) (*BatchResult, error) {
	adapter, ok := p.adapters[job.Kind]
	if !ok {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"no delivery adapter registered for campaign kind "+string(job.Kind),
			nil,
		)
	}

	claimed, err := p.recipients.ClaimPending(ctx, job.ID, job.BatchSize)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{Claimed: len(claimed)}
	if len(claimed) == 0 {
		return result, nil
	}

	p.metrics.RecordBatchSize(ctx, job.Kind, len(claimed))

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	for _, rcp := range claimed {
		rcp := rcp
		g.Go(func() error {
			outcome := p.deliverOne(gCtx, adapter, job, rcp)
			mu.Lock()
			switch outcome {
			case outcomeSent:
				result.Attempted++
				result.Sent++
			case outcomeFailed:
				result.Attempted++
				result.Failed++
			case outcomeDropped:
				// Lost the finalization race or left pending; not counted.
			}
			mu.Unlock()
			// Never propagate: one recipient must not cancel the others.
			return nil
		})
	}
	_ = g.Wait()

	p.logger.InfoContext(ctx, "batch processed",
		"job_id", job.ID,
		"kind", string(job.Kind),
		"claimed", result.Claimed,
		"attempted", result.Attempted,
		"sent", result.Sent,
		"failed", result.Failed,
	)

	return result, nil
}

type deliveryOutcome int

const (
	outcomeSent deliveryOutcome = iota
	outcomeFailed
	outcomeDropped
)

// deliverOne attempts delivery to a single recipient and finalizes the row.
// The adapter call is bounded by the delivery timeout so a hung transport
// becomes a failed recipient instead of a stalled batch.
func (p *Processor) deliverOne(ctx context.Context, adapter delivery.Adapter, job *types.CampaignJob, rcp *types.Recipient) deliveryOutcome {
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	res, err := adapter.Deliver(attemptCtx, job, rcp)
	p.metrics.RecordLatency(ctx, job.Kind, time.Since(start))

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = types.NewAppError(
				types.ErrCodeUpstreamTimeout,
				fmt.Sprintf("delivery timed out after %s", p.cfg.DeliveryTimeout),
				err,
			)
		}
		p.metrics.RecordDelivery(ctx, job.Kind, MetricResultFailure)
		return p.finalizeFailed(ctx, job, rcp, err)
	}

	p.metrics.RecordDelivery(ctx, job.Kind, MetricResultSuccess)
	if res != nil && res.Duplicate {
		p.logger.InfoContext(ctx, "duplicate delivery absorbed",
			"job_id", job.ID,
			"recipient_id", rcp.ID,
		)
	}

	finalized, markErr := p.recipients.MarkSent(ctx, rcp.ID, time.Now().UTC())
	if markErr != nil {
		// Delivery happened but the row is still pending. The next run will
		// retry and the adapter's idempotency guard absorbs the duplicate.
		p.logger.WarnContext(ctx, "failed to finalize sent recipient",
			"job_id", job.ID,
			"recipient_id", rcp.ID,
			"error", markErr.Error(),
		)
		return outcomeDropped
	}
	if !finalized {
		return outcomeDropped
	}
	return outcomeSent
}

// finalizeFailed records the delivery error on the recipient row. The stored
// message is bounded and never empty.
func (p *Processor) finalizeFailed(ctx context.Context, job *types.CampaignJob, rcp *types.Recipient, cause error) deliveryOutcome {
	p.logger.WarnContext(ctx, "recipient delivery failed",
		"job_id", job.ID,
		"recipient_id", rcp.ID,
		"dest", delivery.RedactEmail(rcp.ContactAddress),
		"error", cause.Error(),
	)

	finalized, err := p.recipients.MarkFailed(ctx, rcp.ID, types.TruncateError(cause))
	if err != nil {
		p.logger.WarnContext(ctx, "failed to finalize failed recipient",
			"job_id", job.ID,
			"recipient_id", rcp.ID,
			"error", err.Error(),
		)
		return outcomeDropped
	}
	if !finalized {
		return outcomeDropped
	}
	return outcomeFailed
}
