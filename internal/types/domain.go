package types

import (
	"time"
)

// TargetSpec declares the audience of a campaign. Either AllUsers is true, or
// Tiers carries the set of plan tiers to match. Immutable after job creation.
//
// Tier matching is evaluated against the account's active plan at fan-out
// time. When Tiers includes the free tier, accounts with no active paid
// subscription also match.
type TargetSpec struct {
	AllUsers bool       `json:"all_users,omitempty"`
	Tiers    []PlanTier `json:"tiers,omitempty"`
}

// NotificationContent is the payload for notification-kind campaigns.
// Title and Message are keyed by locale.
type NotificationContent struct {
	Title     map[string]string `json:"title"`
	Message   map[string]string `json:"message"`
	ActionURL string            `json:"action_url,omitempty"`
}

// EmailContent is the payload for email-kind campaigns. Subject and Body are
// keyed by locale; Body holds the raw template text handed to the external
// renderer together with TemplateData (a flat key-value map). The engine never
// parses template syntax itself.
type EmailContent struct {
	TemplateKey  string            `json:"template_key"`
	Subject      map[string]string `json:"subject"`
	Body         map[string]string `json:"body"`
	TemplateData map[string]string `json:"template_data,omitempty"`
}

// CampaignPayload is the kind-specific content reference of a job. Exactly one
// of the fields is set, matching the job's Kind. Owned by the caller and
// read-only to the engine.
type CampaignPayload struct {
	Notification *NotificationContent `json:"notification,omitempty"`
	Email        *EmailContent        `json:"email,omitempty"`
}

// CampaignJob is the aggregate state of one broadcast campaign. The engine
// drives it through the JobStatus state machine; counters are mutated only by
// the batch processor, once per batch.
//
// Invariants:
//   - ProcessedCount == SuccessCount + FailedCount
//   - ProcessedCount <= TotalRecipients
//   - TotalRecipients is written exactly once, when fan-out completes; the
//     audience is frozen from that point on.
type CampaignJob struct {
	ID      string          `json:"id" db:"id"`
	Kind    CampaignKind    `json:"kind" db:"kind"`
	Status  JobStatus       `json:"status" db:"status"`
	Target  TargetSpec      `json:"target" db:"target"`
	Payload CampaignPayload `json:"payload" db:"payload"`

	TotalRecipients int `json:"total_recipients" db:"total_recipients"`
	ProcessedCount  int `json:"processed_count" db:"processed_count"`
	SuccessCount    int `json:"success_count" db:"success_count"`
	FailedCount     int `json:"failed_count" db:"failed_count"`

	// Pacing parameters, immutable after creation.
	BatchSize      int `json:"batch_size" db:"batch_size"`
	BatchDelaySecs int `json:"batch_delay_seconds" db:"batch_delay_seconds"`

	LastError string `json:"last_error,omitempty" db:"last_error"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// BatchDelay returns the pacing delay as a duration.
func (j *CampaignJob) BatchDelay() time.Duration {
	return time.Duration(j.BatchDelaySecs) * time.Second
}

// FannedOut reports whether the one-time audience expansion has happened.
func (j *CampaignJob) FannedOut() bool {
	return j.TotalRecipients > 0 || j.Status != JobStatusPending
}

// Remaining returns the number of recipients not yet processed.
func (j *CampaignJob) Remaining() int {
	if n := j.TotalRecipients - j.ProcessedCount; n > 0 {
		return n
	}
	return 0
}

// Recipient is the durable per-recipient delivery record: one row per
// (campaign, user). ContactAddress and Locale are resolved at fan-out time and
// frozen even if the account's contact info later changes.
type Recipient struct {
	ID             string          `json:"id" db:"id"`
	JobID          string          `json:"job_id" db:"job_id"`
	UserID         string          `json:"user_id" db:"user_id"`
	ContactAddress string          `json:"contact_address" db:"contact_address"`
	Locale         string          `json:"locale" db:"locale"`
	Status         RecipientStatus `json:"status" db:"status"`
	ErrorMessage   string          `json:"error_message,omitempty" db:"error_message"`
	SentAt         *time.Time      `json:"sent_at,omitempty" db:"sent_at"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Account is the consumed view of a user account at fan-out time: identity,
// resolved contact address, locale, and the current active paid plan (nil when
// the account has no active paid subscription).
type Account struct {
	ID             string        `json:"id" db:"id"`
	ContactAddress string        `json:"contact_address" db:"contact_address"`
	Locale         string        `json:"locale" db:"locale"`
	Status         AccountStatus `json:"status" db:"status"`
	Plan           *PlanTier     `json:"plan,omitempty" db:"plan"`
}

// UserNotification is the user-visible notification row written by the
// notification delivery adapter. Uniqueness on (source_campaign_id, user_id)
// makes duplicate delivery attempts harmless.
type UserNotification struct {
	ID               string    `json:"id" db:"id"`
	UserID           string    `json:"user_id" db:"user_id"`
	Title            string    `json:"title" db:"title"`
	Message          string    `json:"message" db:"message"`
	ActionURL        string    `json:"action_url,omitempty" db:"action_url"`
	SourceCampaignID string    `json:"source_campaign_id" db:"source_campaign_id"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// SkipRule is a tagged-variant condition attached to a sequence step. It is
// evaluated against current account state immediately before each attempt,
// not at fan-out time, since the account can change between the two.
type SkipRule struct {
	Kind  SkipRuleKind `json:"kind"`
	Tiers []PlanTier   `json:"tiers,omitempty"`
}

// SequenceStep is one step of a multi-step nurture sequence. Wait is the
// delay between the previous step (or enrollment) and this step's send.
type SequenceStep struct {
	Subject map[string]string `json:"subject"`
	Body    map[string]string `json:"body"`
	Wait    time.Duration     `json:"wait"`
	Skip    *SkipRule         `json:"skip,omitempty"`
}

// Sequence is an ordered set of email steps recipients move through.
type Sequence struct {
	ID           string            `json:"id" db:"id"`
	Name         string            `json:"name" db:"name"`
	TemplateData map[string]string `json:"template_data,omitempty" db:"template_data"`
	Steps        []SequenceStep    `json:"steps" db:"steps"`
}

// Enrollment tracks one recipient's progress through a sequence.
// CurrentStep indexes the next step to send; NextSendAt is when it is due.
type Enrollment struct {
	ID             string           `json:"id" db:"id"`
	SequenceID     string           `json:"sequence_id" db:"sequence_id"`
	UserID         string           `json:"user_id" db:"user_id"`
	ContactAddress string           `json:"contact_address" db:"contact_address"`
	Locale         string           `json:"locale" db:"locale"`
	CurrentStep    int              `json:"current_step" db:"current_step"`
	NextSendAt     time.Time        `json:"next_send_at" db:"next_send_at"`
	Status         EnrollmentStatus `json:"status" db:"status"`
	LastError      string           `json:"last_error,omitempty" db:"last_error"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at" db:"updated_at"`
}

// BatchSummary is returned by a job trigger: the outcome of one
// fan-out-or-batch step plus the job's live counters.
type BatchSummary struct {
	JobID        string    `json:"job_id"`
	Status       JobStatus `json:"status"`
	FannedOut    bool      `json:"fanned_out,omitempty"`
	Processed    int       `json:"processed"`
	SuccessCount int       `json:"success_count"`
	FailedCount  int       `json:"failed_count"`
	Remaining    int       `json:"remaining"`
	Rescheduled  bool      `json:"rescheduled,omitempty"`
}

// SendInput defines the contract for a single email transmission. Body is
// pre-rendered; the provider transmits it verbatim.
type SendInput struct {
	To          string
	FromName    string
	FromAddress string
	Subject     string
	Body        string
	ReferenceID string
}
