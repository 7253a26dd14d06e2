// Package scheduler implements the periodic maintenance services behind the
// sequencer Lambda: re-triggering stuck campaign jobs, dispatching due
// sequence steps, and cleaning up terminal jobs past retention.
//
// The MaintenancePayload is the JSON structure sent by EventBridge rules. The
// TaskType constant determines which service method handles the request. All
// services accept a `now` parameter for deterministic testing and manual
// backfill via MaintenancePayload.ReferenceTime.
package scheduler

import "time"

// TaskType identifies which maintenance service should handle an EventBridge
// event.
type TaskType string

const (
	TaskRequeueStuckJobs    TaskType = "requeue_stuck_jobs"
	TaskDispatchSequences   TaskType = "dispatch_sequences"
	TaskCleanupTerminalJobs TaskType = "cleanup_terminal_jobs"
)

// MaintenancePayload is the JSON payload sent by EventBridge to the sequencer
// Lambda. It identifies the task to execute and optionally overrides the
// reference time:
//
//	{
//	  "task": "requeue_stuck_jobs",
//	  "reference_time": "2026-08-31T03:00:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime allows manual invocation to specify a different "now"
	// for deterministic execution and backfilling. If nil, time.Now().UTC()
	// is used.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// Now resolves the effective reference time of the payload.
func (p MaintenancePayload) Now() time.Time {
	if p.ReferenceTime != nil {
		return p.ReferenceTime.UTC()
	}
	return time.Now().UTC()
}
