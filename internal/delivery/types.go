// Package delivery implements the per-kind delivery adapters the batch
// processor calls for each recipient. The engine depends only on the
// success/failure contract of an Adapter; what "delivering" means (writing a
// notification row, or invoking the mail transport) lives here.
package delivery

import (
	"context"

	"megaphone/internal/types"
)

// Result is the outcome of one successful delivery attempt.
type Result struct {
	// ProviderMessageID identifies the transmission at the provider when one
	// exists (email). Empty for notification-kind deliveries.
	ProviderMessageID string
	// Duplicate is true when the delivery was already performed by an
	// earlier attempt and this one was absorbed by an idempotency guard.
	Duplicate bool
}

// Adapter attempts delivery to a single recipient. An error return means the
// recipient failed; the caller records the cause and moves on. One bad
// recipient must never block the rest of a batch.
type Adapter interface {
	Deliver(ctx context.Context, job *types.CampaignJob, rcp *types.Recipient) (*Result, error)
}

// EmailProvider is the external mail transport. Send transmits a pre-rendered
// message and returns the provider's message ID.
type EmailProvider interface {
	Send(ctx context.Context, input types.SendInput) (string, error)
}

// TemplateRenderer is the external templating collaborator: it substitutes a
// flat key-value map into a template body and returns final text. The engine
// never parses or validates template syntax itself.
type TemplateRenderer interface {
	Render(templateKey string, body string, data map[string]string) (string, error)
}

// NotificationSink persists a user-visible notification row. Created reports
// whether a new row was written; false means a duplicate-guarded replay.
type NotificationSink interface {
	Insert(ctx context.Context, n *types.UserNotification) (created bool, err error)
}
