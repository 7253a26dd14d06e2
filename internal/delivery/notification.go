package delivery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"megaphone/internal/types"
)

// NotificationAdapter delivers notification-kind campaigns by writing a
// user-visible notification row. The write itself is the delivery; there is
// no external transport. The sink's uniqueness guard on (campaign, user)
// makes a reprocessed batch a harmless duplicate.
type NotificationAdapter struct {
	sink   NotificationSink
	logger *slog.Logger
}

// NewNotificationAdapter creates a NotificationAdapter over the given sink.
func NewNotificationAdapter(sink NotificationSink, logger *slog.Logger) *NotificationAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationAdapter{sink: sink, logger: logger}
}

// Deliver localizes the campaign's title and message to the recipient's
// locale (default-locale fallback) and inserts the notification row.
func (a *NotificationAdapter) Deliver(ctx context.Context, job *types.CampaignJob, rcp *types.Recipient) (*Result, error) {
	content := job.Payload.Notification
	if content == nil {
		return nil, fmt.Errorf("notification delivery: job %s has no notification payload", job.ID)
	}

	title, ok := localize(content.Title, rcp.Locale)
	if !ok {
		return nil, fmt.Errorf("notification delivery: no title for locale %q or default", rcp.Locale)
	}
	message, ok := localize(content.Message, rcp.Locale)
	if !ok {
		return nil, fmt.Errorf("notification delivery: no message for locale %q or default", rcp.Locale)
	}

	created, err := a.sink.Insert(ctx, &types.UserNotification{
		ID:               "ntf_" + uuid.New().String(),
		UserID:           rcp.UserID,
		Title:            title,
		Message:          message,
		ActionURL:        content.ActionURL,
		SourceCampaignID: job.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("notification delivery: %w", err)
	}

	if !created {
		a.logger.InfoContext(ctx, "notification already delivered, duplicate absorbed",
			"job_id", job.ID,
			"user_id", rcp.UserID,
		)
	}

	return &Result{Duplicate: !created}, nil
}
