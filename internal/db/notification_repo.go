package db

import (
	"context"

	"megaphone/internal/types"
)

// NotificationRepository writes the user-visible notification rows produced
// by notification-kind campaigns. For that kind, the insert IS the delivery.
type NotificationRepository struct {
	db DBTX
}

// NewNotificationRepository creates a new NotificationRepository backed by
// the given database connection (pool or transaction).
func NewNotificationRepository(db DBTX) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Insert writes a notification row. Idempotent per (source_campaign_id,
// user_id) via ON CONFLICT DO NOTHING, so a reprocessed batch cannot show the
// same announcement twice. Returns whether a new row was created.
func (r *NotificationRepository) Insert(ctx context.Context, n *types.UserNotification) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO user_notifications
		 (id, user_id, title, message, action_url, source_campaign_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (source_campaign_id, user_id) DO NOTHING`,
		n.ID,
		n.UserID,
		n.Title,
		n.Message,
		n.ActionURL,
		n.SourceCampaignID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert notification", err)
	}
	return tag.RowsAffected() > 0, nil
}
