package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"megaphone/internal/types"
)

// AccountRepository provides the consumed view of the account population the
// engine targets. It joins accounts with their active subscription so the
// recipient resolver sees each account's current plan in one read.
//
// The engine only reads these tables; account and subscription lifecycle is
// owned elsewhere.
type AccountRepository struct {
	db DBTX
}

// NewAccountRepository creates a new AccountRepository backed by the given
// database connection (pool or transaction).
func NewAccountRepository(db DBTX) *AccountRepository {
	return &AccountRepository{db: db}
}

// ListActivePage returns a keyset page of active accounts ordered by ID,
// each hydrated with its active paid plan (NULL when the account has no
// active paid subscription). afterID is empty for the first page.
func (r *AccountRepository) ListActivePage(ctx context.Context, afterID string, limit int) ([]*types.Account, error) {
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}

	rows, err := r.db.Query(ctx,
		`SELECT a.id, a.contact_address, a.locale, a.status, s.plan
		 FROM accounts a
		 LEFT JOIN subscriptions s
		   ON s.account_id = a.id AND s.status IN ('active', 'trialing')
		 WHERE a.status = $1 AND a.id > $2
		 ORDER BY a.id
		 LIMIT $3`,
		string(types.AccountActive),
		afterID,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list active accounts", err)
	}
	defer rows.Close()

	var results []*types.Account
	for rows.Next() {
		var (
			acct   types.Account
			status string
			plan   *string
		)
		if err := rows.Scan(&acct.ID, &acct.ContactAddress, &acct.Locale, &status, &plan); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan account row", err)
		}
		acct.Status = types.AccountStatus(status)
		if plan != nil {
			tier := types.PlanTier(*plan)
			acct.Plan = &tier
		}
		results = append(results, &acct)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating account rows", err)
	}
	return results, nil
}

// ActivePlan returns the account's current active paid plan, or nil when the
// account has no active paid subscription. Used by sequence skip rules, which
// must see account state at send time rather than at fan-out.
func (r *AccountRepository) ActivePlan(ctx context.Context, userID string) (*types.PlanTier, error) {
	var plan string
	err := r.db.QueryRow(ctx,
		`SELECT plan FROM subscriptions
		 WHERE account_id = $1 AND status IN ('active', 'trialing')
		 ORDER BY started_at DESC
		 LIMIT 1`,
		userID,
	).Scan(&plan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to look up active plan", err)
	}

	tier := types.PlanTier(plan)
	return &tier, nil
}
