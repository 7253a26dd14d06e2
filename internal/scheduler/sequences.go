package scheduler

import (
	"context"
	"log/slog"
	"time"

	"megaphone/internal/delivery"
	"megaphone/internal/types"
)

// dispatchBatchSize caps the number of due enrollments handled per sweep.
const dispatchBatchSize = 200

// EnrollmentDB defines the sequence and enrollment operations needed by the
// Dispatcher. Advance and Retire are conditional: they report false when a
// concurrent sweep already moved the enrollment.
type EnrollmentDB interface {
	GetSequence(ctx context.Context, id string) (*types.Sequence, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*types.Enrollment, error)
	Advance(ctx context.Context, id string, fromStep int, nextSendAt time.Time, lastError string) (bool, error)
	Retire(ctx context.Context, id string, status types.EnrollmentStatus, lastError string) (bool, error)
}

// PlanLookup resolves a user's current active paid plan. nil means no active
// paid subscription.
type PlanLookup interface {
	ActivePlan(ctx context.Context, userID string) (*types.PlanTier, error)
}

// EmailSender transmits one localized email. Satisfied by
// delivery.EmailAdapter.
type EmailSender interface {
	SendLocalized(ctx context.Context, req delivery.SendRequest) (string, error)
}

// Dispatcher walks enrollments through their email sequences. Each sweep
// picks up the enrollments whose next step is due, evaluates the step's skip
// rule against current account state, sends, and advances.
//
// Sends are best effort: a failed step is recorded on the enrollment but the
// enrollment still advances, so one bounced address cannot pin a nurture
// stream in place.
type Dispatcher struct {
	db     EnrollmentDB
	plans  PlanLookup
	sender EmailSender

	// SendTimeout bounds each individual transmission.
	SendTimeout time.Duration

	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(db EnrollmentDB, plans PlanLookup, sender EmailSender, sendTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	return &Dispatcher{
		db:          db,
		plans:       plans,
		sender:      sender,
		SendTimeout: sendTimeout,
		logger:      logger,
	}
}

// DispatchDue processes every enrollment whose next step is due at now.
// Returns the number of enrollments handled. Individual enrollment failures
// are logged and left for the next sweep; they never abort the run.
func (d *Dispatcher) DispatchDue(ctx context.Context, now time.Time) (int, error) {
	due, err := d.db.ListDue(ctx, now, dispatchBatchSize)
	if err != nil {
		return 0, err
	}

	// Sequences are typically shared by many enrollments; one sweep reloads
	// each at most once.
	sequences := make(map[string]*types.Sequence)

	handled := 0
	for _, enr := range due {
		seq, ok := sequences[enr.SequenceID]
		if !ok {
			seq, err = d.db.GetSequence(ctx, enr.SequenceID)
			if err != nil {
				d.logger.ErrorContext(ctx, "failed to load sequence for due enrollment",
					"enrollment_id", enr.ID,
					"sequence_id", enr.SequenceID,
					"error", err.Error(),
				)
				continue
			}
			sequences[enr.SequenceID] = seq
		}

		if d.dispatchOne(ctx, seq, enr, now) {
			handled++
		}
	}

	d.logger.InfoContext(ctx, "sequence sweep finished",
		"due", len(due),
		"handled", handled,
	)
	return handled, nil
}

// dispatchOne handles a single due enrollment and reports whether it was
// moved (advanced or retired).
func (d *Dispatcher) dispatchOne(ctx context.Context, seq *types.Sequence, enr *types.Enrollment, now time.Time) bool {
	logger := d.logger.With(
		"enrollment_id", enr.ID,
		"sequence_id", seq.ID,
		"step", enr.CurrentStep,
	)

	if enr.CurrentStep >= len(seq.Steps) {
		return d.retire(ctx, logger, enr, types.EnrollmentCompleted, "")
	}
	step := seq.Steps[enr.CurrentStep]

	plan, err := d.plans.ActivePlan(ctx, enr.UserID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to resolve plan for skip rule", "error", err.Error())
		return false
	}
	if ShouldSkip(step.Skip, plan) {
		logger.InfoContext(ctx, "enrollment converted by skip rule")
		return d.retire(ctx, logger, enr, types.EnrollmentConverted, "")
	}

	lastError := ""
	sendCtx, cancel := context.WithTimeout(ctx, d.SendTimeout)
	_, err = d.sender.SendLocalized(sendCtx, delivery.SendRequest{
		Address:     enr.ContactAddress,
		Locale:      enr.Locale,
		TemplateKey: "default",
		Subject:     step.Subject,
		Body:        step.Body,
		Data:        seq.TemplateData,
		ReferenceID: enr.ID,
	})
	cancel()
	if err != nil {
		lastError = types.TruncateError(err)
		logger.WarnContext(ctx, "sequence step send failed",
			"dest", delivery.RedactEmail(enr.ContactAddress),
			"error", err.Error(),
		)
	}

	next := enr.CurrentStep + 1
	if next >= len(seq.Steps) {
		return d.retire(ctx, logger, enr, types.EnrollmentCompleted, lastError)
	}

	nextSendAt := now.Add(seq.Steps[next].Wait)
	advanced, err := d.db.Advance(ctx, enr.ID, enr.CurrentStep, nextSendAt, lastError)
	if err != nil {
		logger.ErrorContext(ctx, "failed to advance enrollment", "error", err.Error())
		return false
	}
	if !advanced {
		logger.InfoContext(ctx, "enrollment already advanced by a concurrent sweep")
		return false
	}
	return true
}

func (d *Dispatcher) retire(ctx context.Context, logger *slog.Logger, enr *types.Enrollment, status types.EnrollmentStatus, lastError string) bool {
	retired, err := d.db.Retire(ctx, enr.ID, status, lastError)
	if err != nil {
		logger.ErrorContext(ctx, "failed to retire enrollment",
			"status", string(status),
			"error", err.Error(),
		)
		return false
	}
	return retired
}
