package types

// CampaignKind identifies the delivery mechanism for a campaign.
type CampaignKind string

const (
	// KindNotification delivers by writing an in-app notification row per
	// recipient. The write itself is the delivery.
	KindNotification CampaignKind = "notification"
	// KindEmail delivers through the external mail transport.
	KindEmail CampaignKind = "email"
)

// Valid reports whether k is a known campaign kind.
func (k CampaignKind) Valid() bool {
	return k == KindNotification || k == KindEmail
}

// JobStatus represents the lifecycle state of a CampaignJob.
//
// State machine:
//
//	pending --(fan-out succeeds)--> processing
//	processing --(batch done, pending recipients remain)--> processing
//	processing --(no pending recipients remain)--> completed
//	pending/processing --(unrecoverable error or cancel)--> failed
//
// completed and failed are terminal; no transition leaves them.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// RecipientStatus represents the delivery state of a single recipient row.
// A recipient transitions exactly once, from pending to a terminal state.
type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
	// RecipientConverted marks a business-rule skip: a sequence step condition
	// short-circuited delivery (e.g. the account already upgraded). Distinct
	// from sent/failed so reports can separate skips from attempts.
	RecipientConverted RecipientStatus = "converted"
)

// PlanTier identifies the billing plan an account is subscribed to.
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanStarter    PlanTier = "starter"
	PlanPro        PlanTier = "pro"
	PlanBusiness   PlanTier = "business"
	PlanEnterprise PlanTier = "enterprise"
)

// KnownPlanTiers is the complete set of valid tier labels, used when
// validating campaign target specs.
var KnownPlanTiers = []PlanTier{PlanFree, PlanStarter, PlanPro, PlanBusiness, PlanEnterprise}

// ValidPlanTier reports whether t is a known tier label.
func ValidPlanTier(t PlanTier) bool {
	for _, k := range KnownPlanTiers {
		if t == k {
			return true
		}
	}
	return false
}

// AccountStatus represents the lifecycle state of an account.
type AccountStatus string

const (
	AccountActive      AccountStatus = "active"
	AccountDeactivated AccountStatus = "deactivated"
)

// EnrollmentStatus represents the state of a sequence enrollment.
type EnrollmentStatus string

const (
	EnrollmentActive EnrollmentStatus = "active"
	// EnrollmentCompleted means every step of the sequence was dispatched.
	EnrollmentCompleted EnrollmentStatus = "completed"
	// EnrollmentConverted means a step condition matched and the enrollment
	// was retired without sending the remaining steps.
	EnrollmentConverted EnrollmentStatus = "converted"
)

// SkipRuleKind tags the variant of a sequence step skip rule.
type SkipRuleKind string

const (
	// SkipIfSubscribedTo skips the step when the account's current active
	// plan is in the rule's tier set.
	SkipIfSubscribedTo SkipRuleKind = "skip_if_subscribed_to"
)

// DefaultLocale is the fallback locale when a recipient's locale has no
// translation in a campaign payload.
const DefaultLocale = "en"

// Batch pacing bounds. Values outside these ranges are clamped at job
// creation time.
const (
	DefaultBatchSize = 50
	MaxBatchSize     = 500

	DefaultBatchDelay = 1 // seconds
	MaxBatchDelay     = 900
)

// ErrorMessageMaxLen bounds the recipient error text stored per failure.
const ErrorMessageMaxLen = 512
