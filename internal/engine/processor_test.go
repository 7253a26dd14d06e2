package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"megaphone/internal/delivery"
	"megaphone/internal/types"
)

// --- Test Doubles ---

// fakeRecipientStore is an in-memory recipient table with conditional
// finalization semantics matching the real repository.
type fakeRecipientStore struct {
	mu         sync.Mutex
	recipients []*types.Recipient

	claimErr    error
	markSentErr error
	// alreadyFinal simulates a concurrent run that finalized these IDs
	// between claim and finalize.
	alreadyFinal map[string]bool
}

func (s *fakeRecipientStore) ClaimPending(ctx context.Context, jobID string, limit int) ([]*types.Recipient, error) {
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Recipient
	for _, r := range s.recipients {
		if r.JobID == jobID && r.Status == types.RecipientPending {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *fakeRecipientStore) MarkSent(ctx context.Context, id string, sentAt time.Time) (bool, error) {
	if s.markSentErr != nil {
		return false, s.markSentErr
	}
	return s.finalize(id, types.RecipientSent, "")
}

func (s *fakeRecipientStore) MarkFailed(ctx context.Context, id string, errorMessage string) (bool, error) {
	return s.finalize(id, types.RecipientFailed, errorMessage)
}

func (s *fakeRecipientStore) finalize(id string, status types.RecipientStatus, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alreadyFinal[id] {
		return false, nil
	}
	for _, r := range s.recipients {
		if r.ID == id && r.Status == types.RecipientPending {
			r.Status = status
			r.ErrorMessage = errMsg
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeRecipientStore) countByStatus(status types.RecipientStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.recipients {
		if r.Status == status {
			n++
		}
	}
	return n
}

// adapterFunc adapts a function to the delivery.Adapter interface.
type adapterFunc func(ctx context.Context, job *types.CampaignJob, rcp *types.Recipient) (*delivery.Result, error)

func (f adapterFunc) Deliver(ctx context.Context, job *types.CampaignJob, rcp *types.Recipient) (*delivery.Result, error) {
	return f(ctx, job, rcp)
}

func seedRecipients(jobID string, n int) []*types.Recipient {
	out := make([]*types.Recipient, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &types.Recipient{
			ID:             fmt.Sprintf("rcp_%03d", i),
			JobID:          jobID,
			UserID:         fmt.Sprintf("user_%03d", i),
			ContactAddress: fmt.Sprintf("user%03d@example.com", i),
			Locale:         "en",
			Status:         types.RecipientPending,
		})
	}
	return out
}

func newTestProcessor(store *fakeRecipientStore, adapter delivery.Adapter, concurrency int) *Processor {
	return NewProcessor(
		store,
		map[types.CampaignKind]delivery.Adapter{types.KindNotification: adapter},
		NopMetrics{},
		ProcessorConfig{DeliveryTimeout: time.Second, Concurrency: concurrency},
		nil,
	)
}

func testJob(id string, batchSize int) *types.CampaignJob {
	return &types.CampaignJob{
		ID:        id,
		Kind:      types.KindNotification,
		Status:    types.JobStatusProcessing,
		BatchSize: batchSize,
	}
}

// --- Tests ---

func TestProcessBatch_AllSucceed(t *testing.T) {
	store := &fakeRecipientStore{recipients: seedRecipients("cmp_1", 5)}
	proc := newTestProcessor(store, adapterFunc(func(ctx context.Context, job *types.CampaignJob, rcp *types.Recipient) (*delivery.Result, error) {
		return &delivery.Result{}, nil
	}), 4)

	result, err := proc.ProcessBatch(context.Background(), testJob("cmp_1", 10))
	require.NoError(t, err)
	assert.Equal(t, 5, result.Claimed)
	assert.Equal(t, 5, result.Attempted)
	assert.Equal(t, 5, result.Sent)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 5, store.countByStatus(types.RecipientSent))
}

func TestProcessBatch_FailureIsolation(t *testing.T) {
	// One bad recipient in the middle of the batch must not block the rest.
	store := &fakeRecipientStore{recipients: seedRecipients("cmp_1", 10)}
	proc := newTestProcessor(store, adapterFunc(func(ctx context.Context, job *types.CampaignJob, rcp *types.Recipient) (*delivery.Result, error) {
		if rcp.ID == "rcp_007" {
			return nil, errors.New("mailbox unavailable")
		}
		return &delivery.Result{}, nil
	}), 1)

	result, err := proc.ProcessBatch(context.Background(), testJob("cmp_1", 10))
	require.NoError(t, err)
	assert.Equal(t, 10, result.Attempted)
	assert.Equal(t, 9, result.Sent)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, result.Attempted, result.Sent+result.Failed)

	var failed *types.Recipient
	for _, r := range store.recipients {
		if r.ID == "rcp_007" {
			failed = r
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, types.RecipientFailed, failed.Status)
	assert.NotEmpty(t, failed.ErrorMessage)
	assert.Contains(t, failed.ErrorMessage, "mailbox unavailable")
}

func TestProcessBatch_RespectsBatchSize(t *testing.T) {
	store := &fakeRecipientStore{recipients: seedRecipients("cmp_1", 7)}
	proc := newTestProcessor(store, adapterFunc(func(ctx context.Context, job *types.CampaignJob, rcp *types.Recipient) (*delivery.Result, error) {
		return &delivery.Result{}, nil
	}), 4)

	result, err := proc.ProcessBatch(context.Background(), testJob("cmp_1", 3))
	require.NoError(t, err)
	assert.Equal(t, 3, result.Claimed)
	assert.Equal(t, 3, result.Sent)
	assert.Equal(t, 4, store.countByStatus(types.RecipientPending))
}

func TestProcessBatch_HungAdapterBecomesFailure(t *testing.T) {
	store := &fakeRecipientStore{recipients: seedRecipients("cmp_1", 1)}
	adapter := adapterFunc(func(ctx context.Context, job *types.CampaignJob, rcp *types.Recipient) (*delivery.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	proc := NewProcessor(
		store,
		map[types.CampaignKind]delivery.Adapter{types.KindNotification: adapter},
		NopMetrics{},
		ProcessorConfig{DeliveryTimeout: 10 * time.Millisecond, Concurrency: 1},
		nil,
	)

	result, err := proc.ProcessBatch(context.Background(), testJob("cmp_1", 1))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, store.countByStatus(types.RecipientFailed))
	assert.Contains(t, store.recipients[0].ErrorMessage, string(types.ErrCodeUpstreamTimeout))
	assert.Contains(t, store.recipients[0].ErrorMessage, "timed out after")
}

func TestProcessBatch_LostFinalizationRaceNotCounted(t *testing.T) {
	store := &fakeRecipientStore{
		recipients:   seedRecipients("cmp_1", 3),
		alreadyFinal: map[string]bool{"rcp_001": true},
	}
	proc := newTestProcessor(store, adapterFunc(func(ctx context.Context, job *types.CampaignJob, rcp *types.Recipient) (*delivery.Result, error) {
		return &delivery.Result{}, nil
	}), 1)

	result, err := proc.ProcessBatch(context.Background(), testJob("cmp_1", 3))
	require.NoError(t, err)
	assert.Equal(t, 3, result.Claimed)
	assert.Equal(t, 2, result.Attempted)
	assert.Equal(t, 2, result.Sent)
	assert.Equal(t, result.Attempted, result.Sent+result.Failed)
}

func TestProcessBatch_MarkSentErrorLeavesRecipientPending(t *testing.T) {
	store := &fakeRecipientStore{
		recipients:  seedRecipients("cmp_1", 1),
		markSentErr: errors.New("connection reset"),
	}
	proc := newTestProcessor(store, adapterFunc(func(ctx context.Context, job *types.CampaignJob, rcp *types.Recipient) (*delivery.Result, error) {
		return &delivery.Result{}, nil
	}), 1)

	result, err := proc.ProcessBatch(context.Background(), testJob("cmp_1", 1))
	require.NoError(t, err)
	assert.Equal(t, 0, result.Attempted)
	assert.Equal(t, 1, store.countByStatus(types.RecipientPending))
}

func TestProcessBatch_EmptyClaim(t *testing.T) {
	store := &fakeRecipientStore{}
	proc := newTestProcessor(store, adapterFunc(func(ctx context.Context, job *types.CampaignJob, rcp *types.Recipient) (*delivery.Result, error) {
		t.Fatal("adapter should not be called")
		return nil, nil
	}), 1)

	result, err := proc.ProcessBatch(context.Background(), testJob("cmp_1", 10))
	require.NoError(t, err)
	assert.Equal(t, 0, result.Claimed)
}

func TestProcessBatch_UnknownKind(t *testing.T) {
	store := &fakeRecipientStore{recipients: seedRecipients("cmp_1", 1)}
	proc := newTestProcessor(store, adapterFunc(func(ctx context.Context, job *types.CampaignJob, rcp *types.Recipient) (*delivery.Result, error) {
		return &delivery.Result{}, nil
	}), 1)

	job := testJob("cmp_1", 1)
	job.Kind = types.KindEmail // no adapter registered in the test map

	_, err := proc.ProcessBatch(context.Background(), job)
	require.Error(t, err)
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalUnexpected, appErr.Code)
}

func TestProcessBatch_ClaimError(t *testing.T) {
	store := &fakeRecipientStore{claimErr: errors.New("db down")}
	proc := newTestProcessor(store, adapterFunc(func(ctx context.Context, job *types.CampaignJob, rcp *types.Recipient) (*delivery.Result, error) {
		return &delivery.Result{}, nil
	}), 1)

	_, err := proc.ProcessBatch(context.Background(), testJob("cmp_1", 10))
	require.Error(t, err)
}
