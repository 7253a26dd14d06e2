// Package queue provides the SQS-based message producer for dispatching
// campaign batch work to the delivery worker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"megaphone/internal/config"
	"megaphone/internal/types"
)

// maxDelay is the SQS SendMessage DelaySeconds ceiling (15 minutes).
const maxDelay = 900 * time.Second

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// CampaignTrigger serializes CampaignMessages and sends them to the campaign
// work queue. Batch pacing between runs is expressed through the message
// delay, so a rescheduled step becomes visible to workers only after the
// campaign's configured inter-batch pause.
type CampaignTrigger struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewCampaignTrigger creates a CampaignTrigger with the given SQS client and
// configuration. It reads the queue URL from the AWSConfig.
func NewCampaignTrigger(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *CampaignTrigger {
	return &CampaignTrigger{
		client:   client,
		queueURL: awsCfg.CampaignQueue,
		logger:   logger,
	}
}

// TriggerCampaign enqueues the first processing step for a campaign job with
// no delivery delay. It mints a fresh trace ID that follows the job through
// every subsequent batch.
func (t *CampaignTrigger) TriggerCampaign(ctx context.Context, jobID string, reason string) error {
	msg := types.CampaignMessage{
		JobID:       jobID,
		TraceID:     uuid.New().String(),
		Attempt:     1,
		ScheduledAt: time.Now().UTC(),
	}
	return t.sendMessage(ctx, msg, 0, reason)
}

// ScheduleStep enqueues the next processing step for a job, delayed by the
// given duration. The trace ID of the prior step is carried forward and the
// attempt counter incremented.
func (t *CampaignTrigger) ScheduleStep(ctx context.Context, prior types.CampaignMessage, delay time.Duration, reason string) error {
	msg := types.CampaignMessage{
		JobID:       prior.JobID,
		TraceID:     prior.TraceID,
		Attempt:     prior.Attempt + 1,
		ScheduledAt: time.Now().UTC().Add(delay),
	}
	return t.sendMessage(ctx, msg, delay, reason)
}

// sendMessage serializes the CampaignMessage to JSON and dispatches it to the
// campaign queue with the given delay clamped to SQS limits.
func (t *CampaignTrigger) sendMessage(ctx context.Context, msg types.CampaignMessage, delay time.Duration, reason string) error {
	if msg.TraceID == "" {
		msg.TraceID = uuid.New().String()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal CampaignMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(t.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: clampDelaySeconds(delay),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"reason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(reason),
			},
		},
	}

	_, err = t.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("queue: failed to send CampaignMessage to %s: %w", t.queueURL, err)
	}

	t.logger.InfoContext(ctx, "campaign message sent",
		"queue_url", t.queueURL,
		"job_id", msg.JobID,
		"trace_id", msg.TraceID,
		"attempt", msg.Attempt,
		"delay_seconds", clampDelaySeconds(delay),
		"reason", reason,
	)

	return nil
}

// clampDelaySeconds converts a duration to whole SQS delay seconds, bounded
// to [0, 900].
func clampDelaySeconds(delay time.Duration) int32 {
	if delay <= 0 {
		return 0
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return int32(delay / time.Second)
}
