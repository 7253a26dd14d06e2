// Package handlers contains the HTTP handler implementations for the
// campaign API: create, trigger, status, recipient listing, and the
// compressed recipient report export.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"

	"megaphone/internal/core"
	"megaphone/internal/engine"
	"megaphone/internal/types"
)

// reportPageSize is the page size used when streaming the recipient report.
const reportPageSize = 500

// CampaignService defines the campaign operations the handler depends on.
// Implemented by engine.Service.
type CampaignService interface {
	Create(ctx context.Context, input engine.CreateCampaignInput) (*types.CampaignJob, error)
	Trigger(ctx context.Context, jobID string) (*types.CampaignJob, error)
	Cancel(ctx context.Context, jobID string, reason string) (*types.CampaignJob, error)
	Get(ctx context.Context, jobID string) (*types.CampaignJob, error)
	ListRecipients(ctx context.Context, jobID string, afterID string, limit int) ([]*types.Recipient, error)
}

// CampaignHandler serves the /v1/campaigns endpoints.
type CampaignHandler struct {
	service CampaignService
	logger  *slog.Logger
}

// NewCampaignHandler creates a CampaignHandler.
func NewCampaignHandler(service CampaignService, logger *slog.Logger) *CampaignHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CampaignHandler{service: service, logger: logger}
}

// RegisterRoutes mounts the campaign routes on the provided chi.Router.
func (h *CampaignHandler) RegisterRoutes(r chi.Router) {
	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/{id}", h.Get)
		r.Post("/{id}/trigger", h.Trigger)
		r.Post("/{id}/cancel", h.Cancel)
		r.Get("/{id}/recipients", h.ListRecipients)
		r.Get("/{id}/report", h.Report)
	})
}

// Create handles POST /v1/campaigns.
func (h *CampaignHandler) Create(w http.ResponseWriter, r *http.Request) {
	var input engine.CreateCampaignInput
	if err := core.DecodeJSON(w, r, &input); err != nil {
		core.Error(w, r, err)
		return
	}

	job, err := h.service.Create(r.Context(), input)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: job})
}

// Get handles GET /v1/campaigns/{id}, returning the job with live counters.
func (h *CampaignHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: job})
}

// Trigger handles POST /v1/campaigns/{id}/trigger. It enqueues the first
// processing step and returns 202 with the job's current state; the work
// itself happens asynchronously on the queue.
func (h *CampaignHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.Trigger(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusAccepted, core.APIResponse{Data: job})
}

// Cancel handles POST /v1/campaigns/{id}/cancel. The body is optional; when
// present it may carry a reason recorded on the job.
func (h *CampaignHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		if err := core.DecodeJSON(w, r, &input); err != nil {
			core.Error(w, r, err)
			return
		}
	}

	job, err := h.service.Cancel(r.Context(), chi.URLParam(r, "id"), input.Reason)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: job})
}

// recipientPage is the response body for the recipient listing.
type recipientPage struct {
	Recipients []*types.Recipient `json:"recipients"`
	NextAfter  string             `json:"next_after,omitempty"`
}

// ListRecipients handles GET /v1/campaigns/{id}/recipients with keyset
// pagination via the `after` and `limit` query parameters.
func (h *CampaignHandler) ListRecipients(w http.ResponseWriter, r *http.Request) {
	afterID := r.URL.Query().Get("after")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	recipients, err := h.service.ListRecipients(r.Context(), chi.URLParam(r, "id"), afterID, limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	page := recipientPage{Recipients: recipients}
	if len(recipients) > 0 {
		page.NextAfter = recipients[len(recipients)-1].ID
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: page})
}

// Report handles GET /v1/campaigns/{id}/report. It streams the full
// recipient record set as gzip-compressed JSONL, one recipient per line, so
// large campaigns export without buffering the whole set in memory.
func (h *CampaignHandler) Report(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	// Resolve the job before committing to a streaming response; errors
	// after the first write cannot change the status code.
	if _, err := h.service.Get(r.Context(), jobID); err != nil {
		core.Error(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+jobID+`-recipients.jsonl.gz"`)
	w.WriteHeader(http.StatusOK)

	gz := gzip.NewWriter(w)
	enc := json.NewEncoder(gz)

	afterID := ""
	for {
		page, err := h.service.ListRecipients(r.Context(), jobID, afterID, reportPageSize)
		if err != nil {
			// Mid-stream failure: log and truncate the download.
			h.logger.ErrorContext(r.Context(), "recipient report stream aborted",
				"job_id", jobID,
				"error", err.Error(),
			)
			break
		}
		for _, rcp := range page {
			if err := enc.Encode(rcp); err != nil {
				h.logger.WarnContext(r.Context(), "recipient report write failed",
					"job_id", jobID,
					"error", err.Error(),
				)
				_ = gz.Close()
				return
			}
		}
		if len(page) < reportPageSize {
			break
		}
		afterID = page[len(page)-1].ID
	}

	if err := gz.Close(); err != nil {
		h.logger.WarnContext(r.Context(), "failed to finalize report stream",
			"job_id", jobID,
			"error", err.Error(),
		)
	}
}
