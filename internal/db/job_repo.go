package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"megaphone/internal/types"
)

// JobRepository provides data access for the campaign_jobs table.
//
// Status transitions are expressed as conditional UPDATEs so that concurrent
// invocations cannot move a job out of a terminal status or fan out twice:
// the WHERE clause carries the precondition and RowsAffected reports whether
// the transition actually happened.
type JobRepository struct {
	db DBTX
}

// NewJobRepository creates a new JobRepository backed by the given database
// connection (pool or transaction).
func NewJobRepository(db DBTX) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, kind, status, target, payload,
	total_recipients, processed_count, success_count, failed_count,
	batch_size, batch_delay_seconds, last_error,
	created_at, updated_at, started_at, completed_at`

// Create inserts a new campaign job in pending status. The caller must set
// the ID and pacing parameters before calling.
func (r *JobRepository) Create(ctx context.Context, job *types.CampaignJob) error {
	target, err := json.Marshal(job.Target)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal target spec", err)
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal payload", err)
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO campaign_jobs
		 (id, kind, status, target, payload, batch_size, batch_delay_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at, updated_at`,
		job.ID,
		string(job.Kind),
		string(types.JobStatusPending),
		target,
		payload,
		job.BatchSize,
		job.BatchDelaySecs,
	)
	if err := row.Scan(&job.CreatedAt, &job.UpdatedAt); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create campaign job", err)
	}
	job.Status = types.JobStatusPending
	return nil
}

// GetByID retrieves a campaign job by its identifier.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*types.CampaignJob, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM campaign_jobs WHERE id = $1`,
		id,
	)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundCampaign, "campaign job not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get campaign job", err)
	}
	return job, nil
}

// MarkProcessing performs the pending->processing transition after a
// successful fan-out, freezing the audience size. The guard requires the job
// to still be pending with total_recipients = 0, so fan-out is recorded at
// most once. Returns false when the guard did not match (already fanned out,
// cancelled, or concurrently transitioned).
func (r *JobRepository) MarkProcessing(ctx context.Context, id string, totalRecipients int) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE campaign_jobs SET
			status = $1,
			total_recipients = $2,
			started_at = NOW(),
			updated_at = NOW()
		 WHERE id = $3 AND status = $4 AND total_recipients = 0`,
		string(types.JobStatusProcessing),
		totalRecipients,
		id,
		string(types.JobStatusPending),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark job processing", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AddCounts applies one batch's aggregated outcome to the job counters in a
// single write. processed must equal success + failed; the batch processor
// accumulates outcomes in memory so the job row is written once per batch.
func (r *JobRepository) AddCounts(ctx context.Context, id string, processed, success, failed int) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE campaign_jobs SET
			processed_count = processed_count + $1,
			success_count = success_count + $2,
			failed_count = failed_count + $3,
			updated_at = NOW()
		 WHERE id = $4`,
		processed,
		success,
		failed,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update job counters", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundCampaign, "campaign job not found", nil)
	}
	return nil
}

// CompleteIfProcessing performs the processing->completed transition.
// Idempotent: returns false without error when the job is not in processing
// (already completed by a concurrent invocation, or cancelled).
func (r *JobRepository) CompleteIfProcessing(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE campaign_jobs SET
			status = $1,
			completed_at = NOW(),
			updated_at = NOW()
		 WHERE id = $2 AND status = $3`,
		string(types.JobStatusCompleted),
		id,
		string(types.JobStatusProcessing),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to complete job", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed moves a non-terminal job to failed with a cause. Used for
// unrecoverable errors and external cancellation. Returns false when the job
// was already terminal.
func (r *JobRepository) MarkFailed(ctx context.Context, id string, reason string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE campaign_jobs SET
			status = $1,
			last_error = $2,
			completed_at = NOW(),
			updated_at = NOW()
		 WHERE id = $3 AND status IN ($4, $5)`,
		string(types.JobStatusFailed),
		reason,
		id,
		string(types.JobStatusPending),
		string(types.JobStatusProcessing),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark job failed", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListStuckProcessing returns IDs of jobs sitting in processing with no
// counter progress since the cutoff. The watchdog re-triggers these to
// recover from lost schedule messages or dead workers.
func (r *JobRepository) ListStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id FROM campaign_jobs
		 WHERE status = $1 AND updated_at < $2
		 ORDER BY updated_at
		 LIMIT $3`,
		string(types.JobStatusProcessing),
		cutoff,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list stuck jobs", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan job id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating job rows", err)
	}
	return ids, nil
}

// DeleteTerminalBefore removes terminal jobs whose completion predates the
// cutoff. Recipient rows are removed by ON DELETE CASCADE. Returns the number
// of jobs deleted.
func (r *JobRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM campaign_jobs
		 WHERE id IN (
			SELECT id FROM campaign_jobs
			WHERE status IN ($1, $2) AND completed_at < $3
			ORDER BY completed_at
			LIMIT $4
		 )`,
		string(types.JobStatusCompleted),
		string(types.JobStatusFailed),
		cutoff,
		limit,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete terminal jobs", err)
	}
	return int(tag.RowsAffected()), nil
}

// scanJob reads one job row in jobColumns order.
func scanJob(row pgx.Row) (*types.CampaignJob, error) {
	var (
		job         types.CampaignJob
		kind        string
		status      string
		targetRaw   []byte
		payloadRaw  []byte
		lastError   *string
		startedAt   *time.Time
		completedAt *time.Time
	)

	err := row.Scan(
		&job.ID,
		&kind,
		&status,
		&targetRaw,
		&payloadRaw,
		&job.TotalRecipients,
		&job.ProcessedCount,
		&job.SuccessCount,
		&job.FailedCount,
		&job.BatchSize,
		&job.BatchDelaySecs,
		&lastError,
		&job.CreatedAt,
		&job.UpdatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Kind = types.CampaignKind(kind)
	job.Status = types.JobStatus(status)
	job.StartedAt = startedAt
	job.CompletedAt = completedAt
	if lastError != nil {
		job.LastError = *lastError
	}

	if err := json.Unmarshal(targetRaw, &job.Target); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payloadRaw, &job.Payload); err != nil {
		return nil, err
	}

	return &job, nil
}
