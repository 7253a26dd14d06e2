package db

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"megaphone/internal/types"
)

// insertChunkSize bounds a single recipient INSERT during fan-out so that a
// large audience never produces one oversized statement.
const insertChunkSize = 500

// RecipientRepository provides data access for the campaign_recipients table.
//
// Two properties carry the engine's delivery guarantees:
//
//   - (job_id, user_id) is UNIQUE, so a repeated fan-out cannot double-insert
//     a recipient.
//   - Finalization (MarkSent/MarkFailed/MarkConverted) is a conditional
//     UPDATE guarded on status = 'pending'. Overlapping invocations may both
//     attempt the same recipient, but only one write wins; the loser sees
//     RowsAffected = 0 and must not count the outcome.
type RecipientRepository struct {
	db DBTX
}

// NewRecipientRepository creates a new RecipientRepository backed by the given
// database connection (pool or transaction).
func NewRecipientRepository(db DBTX) *RecipientRepository {
	return &RecipientRepository{db: db}
}

const recipientColumns = `id, job_id, user_id, contact_address, locale,
	status, error_message, sent_at, created_at`

// BulkInsert persists recipient rows in bounded chunks. ON CONFLICT DO
// NOTHING on (job_id, user_id) keeps a retried fan-out idempotent. Returns
// the number of rows actually inserted.
func (r *RecipientRepository) BulkInsert(ctx context.Context, recipients []*types.Recipient) (int, error) {
	inserted := 0
	for start := 0; start < len(recipients); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(recipients) {
			end = len(recipients)
		}

		n, err := r.insertChunk(ctx, recipients[start:end])
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

func (r *RecipientRepository) insertChunk(ctx context.Context, chunk []*types.Recipient) (int, error) {
	rows := make([][]any, 0, len(chunk))
	for _, rec := range chunk {
		rows = append(rows, []any{
			rec.ID,
			rec.JobID,
			rec.UserID,
			rec.ContactAddress,
			rec.Locale,
			string(types.RecipientPending),
		})
	}

	// COPY has no conflict handling, so chunked multi-row INSERTs are used
	// instead: fan-out retries must tolerate rows from a partial prior run.
	tag, err := r.db.Exec(ctx,
		buildRecipientInsert(len(chunk)),
		flatten(rows)...,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to insert recipients", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteForJob removes all recipient rows of a job. Called before a fan-out
// retry so a partially failed expansion starts from scratch.
func (r *RecipientRepository) DeleteForJob(ctx context.Context, jobID string) (int, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM campaign_recipients WHERE job_id = $1`,
		jobID,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to clear recipients", err)
	}
	return int(tag.RowsAffected()), nil
}

// ClaimPending reads up to limit pending recipients of a job in insertion
// order (FIFO fairness: late rows never starve earlier ones).
func (r *RecipientRepository) ClaimPending(ctx context.Context, jobID string, limit int) ([]*types.Recipient, error) {
	if limit <= 0 {
		limit = types.DefaultBatchSize
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+recipientColumns+`
		 FROM campaign_recipients
		 WHERE job_id = $1 AND status = $2
		 ORDER BY created_at, id
		 LIMIT $3`,
		jobID,
		string(types.RecipientPending),
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to claim pending recipients", err)
	}
	defer rows.Close()

	return collectRecipients(rows)
}

// MarkSent finalizes a recipient as delivered. Returns false when the row was
// no longer pending (already finalized by an overlapping invocation).
func (r *RecipientRepository) MarkSent(ctx context.Context, id string, sentAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE campaign_recipients SET
			status = $1,
			sent_at = $2
		 WHERE id = $3 AND status = $4`,
		string(types.RecipientSent),
		sentAt,
		id,
		string(types.RecipientPending),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark recipient sent", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed finalizes a recipient as failed with a human-readable cause.
// Returns false when the row was no longer pending.
func (r *RecipientRepository) MarkFailed(ctx context.Context, id string, errorMessage string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE campaign_recipients SET
			status = $1,
			error_message = $2
		 WHERE id = $3 AND status = $4`,
		string(types.RecipientFailed),
		errorMessage,
		id,
		string(types.RecipientPending),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark recipient failed", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CountPending returns the number of recipients of a job still awaiting
// delivery. Drives the resumer's reschedule-or-complete decision.
func (r *RecipientRepository) CountPending(ctx context.Context, jobID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM campaign_recipients
		 WHERE job_id = $1 AND status = $2`,
		jobID,
		string(types.RecipientPending),
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count pending recipients", err)
	}
	return count, nil
}

// ListByJob returns a keyset-paginated page of a job's recipients for the
// itemized report, ordered by insertion. afterID is the last ID of the
// previous page; empty for the first page.
func (r *RecipientRepository) ListByJob(ctx context.Context, jobID string, afterID string, limit int) ([]*types.Recipient, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+recipientColumns+`
		 FROM campaign_recipients
		 WHERE job_id = $1 AND id > $2
		 ORDER BY id
		 LIMIT $3`,
		jobID,
		afterID,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list recipients", err)
	}
	defer rows.Close()

	return collectRecipients(rows)
}

func collectRecipients(rows pgx.Rows) ([]*types.Recipient, error) {
	var results []*types.Recipient
	for rows.Next() {
		var (
			rec    types.Recipient
			status string
			errMsg *string
			sentAt *time.Time
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.JobID,
			&rec.UserID,
			&rec.ContactAddress,
			&rec.Locale,
			&status,
			&errMsg,
			&sentAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan recipient row", err)
		}
		rec.Status = types.RecipientStatus(status)
		rec.SentAt = sentAt
		if errMsg != nil {
			rec.ErrorMessage = *errMsg
		}
		results = append(results, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating recipient rows", err)
	}
	return results, nil
}

// buildRecipientInsert renders the multi-row INSERT statement for n rows of
// six columns each.
func buildRecipientInsert(n int) string {
	const cols = 6
	var b strings.Builder
	b.WriteString(`INSERT INTO campaign_recipients
	 (id, job_id, user_id, contact_address, locale, status)
	 VALUES `)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(i*cols + c + 1))
		}
		b.WriteByte(')')
	}
	b.WriteString(` ON CONFLICT (job_id, user_id) DO NOTHING`)
	return b.String()
}

func flatten(rows [][]any) []any {
	out := make([]any, 0, len(rows)*6)
	for _, row := range rows {
		out = append(out, row...)
	}
	return out
}
