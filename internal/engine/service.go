package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"megaphone/internal/types"
)

// JobWriter is the persistence surface for creating and cancelling
// campaign jobs.
type JobWriter interface {
	Create(ctx context.Context, job *types.CampaignJob) error
	GetByID(ctx context.Context, id string) (*types.CampaignJob, error)
	MarkFailed(ctx context.Context, id string, reason string) (bool, error)
}

// RecipientLister pages through a job's recipient rows in insertion order.
type RecipientLister interface {
	ListByJob(ctx context.Context, jobID string, afterID string, limit int) ([]*types.Recipient, error)
}

// CampaignEnqueuer places the first processing step of a job on the work queue.
type CampaignEnqueuer interface {
	TriggerCampaign(ctx context.Context, jobID string, reason string) error
}

// CreateCampaignInput is the validated request to create a campaign job.
type CreateCampaignInput struct {
	Kind           types.CampaignKind    `json:"kind"`
	Target         types.TargetSpec      `json:"target"`
	Payload        types.CampaignPayload `json:"payload"`
	BatchSize      int                   `json:"batch_size,omitempty"`
	BatchDelaySecs int                   `json:"batch_delay_seconds,omitempty"`
}

// Service is the API-facing campaign surface: create, trigger, and read
// operations. Batch execution itself happens in the Runner.
type Service struct {
	jobs       JobWriter
	recipients RecipientLister
	enqueuer   CampaignEnqueuer
	logger     *slog.Logger
}

// NewService creates a Service from its collaborators.
func NewService(jobs JobWriter, recipients RecipientLister, enqueuer CampaignEnqueuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		jobs:       jobs,
		recipients: recipients,
		enqueuer:   enqueuer,
		logger:     logger,
	}
}

// Create validates the input, applies pacing defaults, and persists a new
// pending job. The job does no work until it is triggered.
func (s *Service) Create(ctx context.Context, input CreateCampaignInput) (*types.CampaignJob, error) {
	if err := validateCreate(input); err != nil {
		return nil, err
	}

	job := &types.CampaignJob{
		ID:             "cmp_" + uuid.New().String(),
		Kind:           input.Kind,
		Status:         types.JobStatusPending,
		Target:         input.Target,
		Payload:        input.Payload,
		BatchSize:      input.BatchSize,
		BatchDelaySecs: input.BatchDelaySecs,
	}
	if job.BatchSize == 0 {
		job.BatchSize = types.DefaultBatchSize
	}
	if job.BatchDelaySecs == 0 {
		job.BatchDelaySecs = types.DefaultBatchDelay
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "campaign job created",
		"job_id", job.ID,
		"kind", string(job.Kind),
		"batch_size", job.BatchSize,
		"batch_delay_seconds", job.BatchDelaySecs,
	)
	return job, nil
}

// Trigger enqueues the first processing step for a job. Triggering a
// terminal job is rejected; triggering a pending or processing job is
// idempotent because fan-out and recipient finalization are guarded
// downstream.
func (s *Service) Trigger(ctx context.Context, jobID string) (*types.CampaignJob, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, types.NewAppError(
			types.ErrCodeConflictTerminal,
			fmt.Sprintf("campaign job is already %s", job.Status),
			nil,
		)
	}

	if err := s.enqueuer.TriggerCampaign(ctx, job.ID, "api_trigger"); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeSchedulingFailed,
			"failed to enqueue campaign trigger",
			err,
		)
	}

	s.logger.InfoContext(ctx, "campaign trigger enqueued", "job_id", job.ID)
	return job, nil
}

// Cancel moves a pending or processing job to failed so the resumer stops
// rescheduling it. Recipients already finalized keep their terminal rows;
// pending recipients are simply never claimed again.
func (s *Service) Cancel(ctx context.Context, jobID string, reason string) (*types.CampaignJob, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, types.NewAppError(
			types.ErrCodeConflictTerminal,
			fmt.Sprintf("campaign job is already %s", job.Status),
			nil,
		)
	}

	if reason == "" {
		reason = "cancelled by operator"
	}
	cancelled, err := s.jobs.MarkFailed(ctx, jobID, reason)
	if err != nil {
		return nil, err
	}
	if !cancelled {
		return nil, types.NewAppError(
			types.ErrCodeConflictConcurrent,
			"campaign job reached a terminal status concurrently",
			nil,
		)
	}

	job.Status = types.JobStatusFailed
	s.logger.InfoContext(ctx, "campaign job cancelled", "job_id", job.ID, "reason", reason)
	return job, nil
}

// Get returns a job with its live counters.
func (s *Service) Get(ctx context.Context, jobID string) (*types.CampaignJob, error) {
	return s.jobs.GetByID(ctx, jobID)
}

// ListRecipients returns one page of the job's recipient records using
// keyset pagination. afterID is the last recipient ID of the previous page,
// empty for the first page.
func (s *Service) ListRecipients(ctx context.Context, jobID string, afterID string, limit int) ([]*types.Recipient, error) {
	if _, err := s.jobs.GetByID(ctx, jobID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.recipients.ListByJob(ctx, jobID, afterID, limit)
}

// validateCreate enforces the campaign creation contract: a known kind, a
// well-formed target, a payload matching the kind, and in-range pacing.
func validateCreate(input CreateCampaignInput) error {
	if !input.Kind.Valid() {
		return types.NewAppError(
			types.ErrCodeValidationInvalidKind,
			fmt.Sprintf("unknown campaign kind %q", input.Kind),
			nil,
		)
	}

	if err := validateTarget(input.Target); err != nil {
		return err
	}

	switch input.Kind {
	case types.KindNotification:
		if input.Payload.Notification == nil || input.Payload.Email != nil {
			return types.NewAppError(
				types.ErrCodeValidationPayloadShape,
				"notification campaigns require exactly the notification payload",
				nil,
			)
		}
		if len(input.Payload.Notification.Title) == 0 || len(input.Payload.Notification.Message) == 0 {
			return types.NewAppError(
				types.ErrCodeValidationMissingField,
				"notification payload requires title and message",
				nil,
			)
		}
	case types.KindEmail:
		if input.Payload.Email == nil || input.Payload.Notification != nil {
			return types.NewAppError(
				types.ErrCodeValidationPayloadShape,
				"email campaigns require exactly the email payload",
				nil,
			)
		}
		if len(input.Payload.Email.Subject) == 0 || len(input.Payload.Email.Body) == 0 {
			return types.NewAppError(
				types.ErrCodeValidationMissingField,
				"email payload requires subject and body",
				nil,
			)
		}
	}

	if input.BatchSize < 0 || input.BatchSize > types.MaxBatchSize {
		return types.NewAppError(
			types.ErrCodeValidationBatchSize,
			fmt.Sprintf("batch_size must be between 1 and %d", types.MaxBatchSize),
			nil,
		)
	}
	if input.BatchDelaySecs < 0 || input.BatchDelaySecs > types.MaxBatchDelay {
		return types.NewAppError(
			types.ErrCodeValidationBatchSize,
			fmt.Sprintf("batch_delay_seconds must be between 0 and %d", types.MaxBatchDelay),
			nil,
		)
	}
	return nil
}

func validateTarget(target types.TargetSpec) error {
	if target.AllUsers && len(target.Tiers) > 0 {
		return types.NewAppError(
			types.ErrCodeValidationInvalidTarget,
			"target cannot combine all_users with tiers",
			nil,
		)
	}
	if !target.AllUsers && len(target.Tiers) == 0 {
		return types.NewAppError(
			types.ErrCodeValidationInvalidTarget,
			"target requires all_users or at least one tier",
			nil,
		)
	}
	for _, tier := range target.Tiers {
		if !types.ValidPlanTier(tier) {
			return types.NewAppError(
				types.ErrCodeValidationInvalidTarget,
				fmt.Sprintf("unknown plan tier %q", tier),
				nil,
			)
		}
	}
	return nil
}
