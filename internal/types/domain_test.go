package types

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, JobStatusPending.Terminal())
	assert.False(t, JobStatusProcessing.Terminal())
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
}

func TestCampaignKindValid(t *testing.T) {
	assert.True(t, KindNotification.Valid())
	assert.True(t, KindEmail.Valid())
	assert.False(t, CampaignKind("sms").Valid())
	assert.False(t, CampaignKind("").Valid())
}

func TestValidPlanTier(t *testing.T) {
	for _, tier := range KnownPlanTiers {
		assert.True(t, ValidPlanTier(tier), "tier %s", tier)
	}
	assert.False(t, ValidPlanTier("platinum"))
}

func TestCampaignJobHelpers(t *testing.T) {
	job := &CampaignJob{
		Status:          JobStatusProcessing,
		TotalRecipients: 100,
		ProcessedCount:  40,
		BatchDelaySecs:  5,
	}

	assert.Equal(t, 5*time.Second, job.BatchDelay())
	assert.Equal(t, 60, job.Remaining())
	assert.True(t, job.FannedOut())

	job.ProcessedCount = 120
	assert.Equal(t, 0, job.Remaining())

	fresh := &CampaignJob{Status: JobStatusPending}
	assert.False(t, fresh.FannedOut())
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	assert.Equal(t, "req-1", GetRequestID(ctx))
	assert.Empty(t, GetRequestID(context.Background()))
}
