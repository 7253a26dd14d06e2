package types

import "time"

// CampaignMessage is the SQS payload that drives one fan-out-or-batch step of
// a campaign. The worker that consumes it performs the step and, when pending
// recipients remain, the resumer enqueues the next CampaignMessage with the
// job's batch delay.
//
// TraceID is generated once per campaign trigger chain and propagated into
// every subsequent message for traceability.
type CampaignMessage struct {
	JobID       string    `json:"job_id"`
	TraceID     string    `json:"trace_id"`
	Attempt     int       `json:"attempt"`
	ScheduledAt time.Time `json:"scheduled_at"`
}
