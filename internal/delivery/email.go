package delivery

import (
	"context"
	"fmt"
	"log/slog"

	"megaphone/internal/types"
)

// EmailAdapter delivers email-kind campaigns: it resolves the recipient's
// locale, selects localized subject and body (default-locale fallback), hands
// the body to the external renderer, and invokes the mail transport.
type EmailAdapter struct {
	provider EmailProvider
	renderer TemplateRenderer

	fromName    string
	fromAddress string
	logger      *slog.Logger
}

// EmailAdapterConfig holds the dependencies needed to create an EmailAdapter.
type EmailAdapterConfig struct {
	Provider    EmailProvider
	Renderer    TemplateRenderer
	FromName    string
	FromAddress string
	Logger      *slog.Logger
}

// NewEmailAdapter creates an EmailAdapter with the given dependencies.
func NewEmailAdapter(cfg EmailAdapterConfig) *EmailAdapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailAdapter{
		provider:    cfg.Provider,
		renderer:    cfg.Renderer,
		fromName:    cfg.FromName,
		fromAddress: cfg.FromAddress,
		logger:      logger,
	}
}

// Deliver sends the campaign email to one recipient.
func (a *EmailAdapter) Deliver(ctx context.Context, job *types.CampaignJob, rcp *types.Recipient) (*Result, error) {
	content := job.Payload.Email
	if content == nil {
		return nil, fmt.Errorf("email delivery: job %s has no email payload", job.ID)
	}

	data := mergeData(content.TemplateData, rcp)
	msgID, err := a.SendLocalized(ctx, SendRequest{
		Address:     rcp.ContactAddress,
		Locale:      rcp.Locale,
		TemplateKey: content.TemplateKey,
		Subject:     content.Subject,
		Body:        content.Body,
		Data:        data,
		ReferenceID: rcp.ID,
	})
	if err != nil {
		return nil, err
	}

	a.logger.InfoContext(ctx, "email delivered",
		"job_id", job.ID,
		"dest", RedactEmail(rcp.ContactAddress),
		"provider_message_id", msgID,
	)

	return &Result{ProviderMessageID: msgID}, nil
}

// SendRequest is one localized email transmission. Subject and Body are
// per-locale maps; Data is the flat substitution map for the renderer.
type SendRequest struct {
	Address     string
	Locale      string
	TemplateKey string
	Subject     map[string]string
	Body        map[string]string
	Data        map[string]string
	ReferenceID string
}

// SendLocalized resolves locale, renders, and transmits a single email. It is
// shared by campaign delivery and the sequence dispatcher, which send the
// same shape of localized content outside any campaign job.
func (a *EmailAdapter) SendLocalized(ctx context.Context, req SendRequest) (string, error) {
	if req.Address == "" {
		return "", fmt.Errorf("email delivery: missing contact address")
	}

	subject, ok := localize(req.Subject, req.Locale)
	if !ok {
		return "", fmt.Errorf("email delivery: no subject for locale %q or default", req.Locale)
	}
	body, ok := localize(req.Body, req.Locale)
	if !ok {
		return "", fmt.Errorf("email delivery: no body for locale %q or default", req.Locale)
	}

	rendered, err := a.renderer.Render(req.TemplateKey, body, req.Data)
	if err != nil {
		return "", fmt.Errorf("email delivery: rendering body: %w", err)
	}

	msgID, err := a.provider.Send(ctx, types.SendInput{
		To:          req.Address,
		FromName:    a.fromName,
		FromAddress: a.fromAddress,
		Subject:     subject,
		Body:        rendered,
		ReferenceID: req.ReferenceID,
	})
	if err != nil {
		return "", fmt.Errorf("email delivery: %w", err)
	}
	return msgID, nil
}

// mergeData combines the campaign's template data with per-recipient fields.
// Recipient fields win on key collision.
func mergeData(base map[string]string, rcp *types.Recipient) map[string]string {
	merged := make(map[string]string, len(base)+2)
	for k, v := range base {
		merged[k] = v
	}
	merged["user_id"] = rcp.UserID
	merged["email"] = rcp.ContactAddress
	return merged
}
