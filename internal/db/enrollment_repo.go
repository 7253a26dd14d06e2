package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"megaphone/internal/types"
)

// EnrollmentRepository provides data access for sequence_enrollments and the
// sequences they move through.
//
// Advance uses an optimistic guard on current_step so two overlapping
// dispatch runs cannot double-send a step: the second Advance for the same
// step sees RowsAffected = 0.
type EnrollmentRepository struct {
	db DBTX
}

// NewEnrollmentRepository creates a new EnrollmentRepository backed by the
// given database connection (pool or transaction).
func NewEnrollmentRepository(db DBTX) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// GetSequence loads a sequence definition with its ordered steps.
func (r *EnrollmentRepository) GetSequence(ctx context.Context, id string) (*types.Sequence, error) {
	var (
		seq      types.Sequence
		dataRaw  []byte
		stepsRaw []byte
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, name, template_data, steps FROM sequences WHERE id = $1`,
		id,
	).Scan(&seq.ID, &seq.Name, &dataRaw, &stepsRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSequence, "sequence not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get sequence", err)
	}

	if len(dataRaw) > 0 {
		if err := json.Unmarshal(dataRaw, &seq.TemplateData); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to decode sequence template data", err)
		}
	}
	if err := json.Unmarshal(stepsRaw, &seq.Steps); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to decode sequence steps", err)
	}
	return &seq, nil
}

// ListDue returns active enrollments whose next step is due, oldest first.
func (r *EnrollmentRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*types.Enrollment, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, sequence_id, user_id, contact_address, locale,
		        current_step, next_send_at, status, last_error, created_at, updated_at
		 FROM sequence_enrollments
		 WHERE status = $1 AND next_send_at <= $2
		 ORDER BY next_send_at
		 LIMIT $3`,
		string(types.EnrollmentActive),
		now,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list due enrollments", err)
	}
	defer rows.Close()

	var results []*types.Enrollment
	for rows.Next() {
		var (
			e       types.Enrollment
			status  string
			lastErr *string
		)
		if err := rows.Scan(
			&e.ID, &e.SequenceID, &e.UserID, &e.ContactAddress, &e.Locale,
			&e.CurrentStep, &e.NextSendAt, &status, &lastErr, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan enrollment row", err)
		}
		e.Status = types.EnrollmentStatus(status)
		if lastErr != nil {
			e.LastError = *lastErr
		}
		results = append(results, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating enrollment rows", err)
	}
	return results, nil
}

// Advance moves an enrollment from fromStep to the next step, recording when
// that step becomes due and the outcome text of the step just dispatched.
// Returns false when the enrollment was concurrently advanced or retired.
func (r *EnrollmentRepository) Advance(ctx context.Context, id string, fromStep int, nextSendAt time.Time, lastError string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE sequence_enrollments SET
			current_step = current_step + 1,
			next_send_at = $1,
			last_error = $2,
			updated_at = NOW()
		 WHERE id = $3 AND current_step = $4 AND status = $5`,
		nextSendAt,
		lastError,
		id,
		fromStep,
		string(types.EnrollmentActive),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to advance enrollment", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Retire moves an active enrollment to a terminal status (completed after the
// final step, or converted on a skip-rule match). A non-empty lastError
// records the outcome of the final step; an empty one keeps whatever was
// already stored. Returns false when the enrollment was no longer active.
func (r *EnrollmentRepository) Retire(ctx context.Context, id string, status types.EnrollmentStatus, lastError string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE sequence_enrollments SET
			status = $1,
			last_error = COALESCE(NULLIF($2, ''), last_error),
			updated_at = NOW()
		 WHERE id = $3 AND status = $4`,
		string(status),
		lastError,
		id,
		string(types.EnrollmentActive),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to retire enrollment", err)
	}
	return tag.RowsAffected() > 0, nil
}
