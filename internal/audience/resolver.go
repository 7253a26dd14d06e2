// Package audience computes the target population of a campaign. The
// resolver expands a declarative TargetSpec into frozen recipient rows at
// fan-out time; the audience never changes afterwards, even if accounts
// change plan or contact address.
package audience

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"megaphone/internal/types"
)

// directoryPageSize bounds each read of the account population.
const directoryPageSize = 1000

// Directory is the consumed account/plan lookup. Pages are keyed by account
// ID so the resolver walks the population without holding it all at once.
type Directory interface {
	ListActivePage(ctx context.Context, afterID string, limit int) ([]*types.Account, error)
}

// RecipientStore persists the expanded audience.
type RecipientStore interface {
	BulkInsert(ctx context.Context, recipients []*types.Recipient) (int, error)
	DeleteForJob(ctx context.Context, jobID string) (int, error)
}

// Resolver performs the one-time fan-out of a campaign's TargetSpec into
// recipient rows. It runs at most once per campaign; the caller guards the
// invocation with the job's "not yet fanned out" check and only records
// totalRecipients after FanOut returns successfully, so a failure here leaves
// the job retryable from pending.
type Resolver struct {
	dir    Directory
	store  RecipientStore
	logger *slog.Logger
}

// NewResolver creates a Resolver over the given directory and store.
func NewResolver(dir Directory, store RecipientStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{dir: dir, store: store, logger: logger}
}

// FanOut expands the job's target spec into recipient rows and returns the
// frozen audience size. Rows are inserted in bounded chunks; any rows left by
// a previously failed expansion are cleared first so the count reflects a
// single consistent run.
func (r *Resolver) FanOut(ctx context.Context, job *types.CampaignJob) (int, error) {
	cleared, err := r.store.DeleteForJob(ctx, job.ID)
	if err != nil {
		return 0, fmt.Errorf("audience: clearing partial fan-out: %w", err)
	}
	if cleared > 0 {
		r.logger.WarnContext(ctx, "cleared partial fan-out rows",
			"job_id", job.ID,
			"cleared", cleared,
		)
	}

	total := 0
	afterID := ""
	for {
		page, err := r.dir.ListActivePage(ctx, afterID, directoryPageSize)
		if err != nil {
			return 0, fmt.Errorf("audience: listing accounts: %w", err)
		}
		if len(page) == 0 {
			break
		}
		afterID = page[len(page)-1].ID

		batch := make([]*types.Recipient, 0, len(page))
		for _, acct := range page {
			if !Matches(job.Target, acct) {
				continue
			}
			batch = append(batch, &types.Recipient{
				ID:             "rcp_" + uuid.New().String(),
				JobID:          job.ID,
				UserID:         acct.ID,
				ContactAddress: acct.ContactAddress,
				Locale:         acct.Locale,
				Status:         types.RecipientPending,
			})
		}

		if len(batch) == 0 {
			continue
		}

		n, err := r.store.BulkInsert(ctx, batch)
		if err != nil {
			return 0, fmt.Errorf("audience: persisting recipients: %w", err)
		}
		total += n
	}

	r.logger.InfoContext(ctx, "fan-out complete",
		"job_id", job.ID,
		"kind", string(job.Kind),
		"total_recipients", total,
	)

	return total, nil
}

// Matches reports whether an account belongs to the target audience.
//
// Rules:
//   - AllUsers matches every active account.
//   - A tier set matches accounts whose active plan is in the set.
//   - A tier set containing the free tier additionally matches accounts with
//     no active paid subscription.
func Matches(spec types.TargetSpec, acct *types.Account) bool {
	if acct.Status != types.AccountActive {
		return false
	}
	if spec.AllUsers {
		return true
	}

	for _, tier := range spec.Tiers {
		if acct.Plan == nil {
			if tier == types.PlanFree {
				return true
			}
			continue
		}
		if *acct.Plan == tier {
			return true
		}
	}
	return false
}
