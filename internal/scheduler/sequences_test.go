package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"megaphone/internal/delivery"
	"megaphone/internal/types"
)

type fakeEnrollmentDB struct {
	sequences      map[string]*types.Sequence
	due            []*types.Enrollment
	listErr        error
	sequenceLoads  int
	advanceResult  bool
	advanceErr     error
	advanced       []string
	lastNextSendAt time.Time
	lastAdvanceErr string
	retired        map[string]types.EnrollmentStatus
	lastRetireErr  string
}

func newFakeEnrollmentDB() *fakeEnrollmentDB {
	return &fakeEnrollmentDB{
		sequences:     make(map[string]*types.Sequence),
		advanceResult: true,
		retired:       make(map[string]types.EnrollmentStatus),
	}
}

func (f *fakeEnrollmentDB) GetSequence(ctx context.Context, id string) (*types.Sequence, error) {
	f.sequenceLoads++
	seq, ok := f.sequences[id]
	if !ok {
		return nil, errors.New("sequence not found")
	}
	return seq, nil
}

func (f *fakeEnrollmentDB) ListDue(ctx context.Context, now time.Time, limit int) ([]*types.Enrollment, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.due, nil
}

func (f *fakeEnrollmentDB) Advance(ctx context.Context, id string, fromStep int, nextSendAt time.Time, lastError string) (bool, error) {
	if f.advanceErr != nil {
		return false, f.advanceErr
	}
	if !f.advanceResult {
		return false, nil
	}
	f.advanced = append(f.advanced, id)
	f.lastNextSendAt = nextSendAt
	f.lastAdvanceErr = lastError
	return true, nil
}

func (f *fakeEnrollmentDB) Retire(ctx context.Context, id string, status types.EnrollmentStatus, lastError string) (bool, error) {
	f.retired[id] = status
	f.lastRetireErr = lastError
	return true, nil
}

type fakePlans struct {
	plans map[string]*types.PlanTier
	err   error
}

func (f *fakePlans) ActivePlan(ctx context.Context, userID string) (*types.PlanTier, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.plans[userID], nil
}

type fakeSender struct {
	sent []delivery.SendRequest
	err  error
}

func (f *fakeSender) SendLocalized(ctx context.Context, req delivery.SendRequest) (string, error) {
	f.sent = append(f.sent, req)
	if f.err != nil {
		return "", f.err
	}
	return "msg-1", nil
}

func twoStepSequence() *types.Sequence {
	return &types.Sequence{
		ID:           "seq_1",
		Name:         "onboarding",
		TemplateData: map[string]string{"product": "Megaphone"},
		Steps: []types.SequenceStep{
			{
				Subject: map[string]string{"en": "Welcome"},
				Body:    map[string]string{"en": "Hello {{.product}}"},
				Wait:    0,
			},
			{
				Subject: map[string]string{"en": "Tips"},
				Body:    map[string]string{"en": "Try this"},
				Wait:    48 * time.Hour,
				Skip: &types.SkipRule{
					Kind:  types.SkipIfSubscribedTo,
					Tiers: []types.PlanTier{types.PlanPro},
				},
			},
		},
	}
}

func dueEnrollment(id string, step int) *types.Enrollment {
	return &types.Enrollment{
		ID:             id,
		SequenceID:     "seq_1",
		UserID:         "user_" + id,
		ContactAddress: id + "@example.com",
		Locale:         "en",
		CurrentStep:    step,
		Status:         types.EnrollmentActive,
	}
}

func newDispatcherFixture() (*Dispatcher, *fakeEnrollmentDB, *fakePlans, *fakeSender) {
	db := newFakeEnrollmentDB()
	db.sequences["seq_1"] = twoStepSequence()
	plans := &fakePlans{plans: make(map[string]*types.PlanTier)}
	sender := &fakeSender{}
	d := NewDispatcher(db, plans, sender, time.Second, slog.Default())
	return d, db, plans, sender
}

func TestDispatchDue_SendsAndAdvances(t *testing.T) {
	d, db, _, sender := newDispatcherFixture()
	db.due = []*types.Enrollment{dueEnrollment("enr_1", 0)}

	now := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	handled, err := d.DispatchDue(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	require.Len(t, sender.sent, 1)
	req := sender.sent[0]
	assert.Equal(t, "enr_1@example.com", req.Address)
	assert.Equal(t, map[string]string{"en": "Welcome"}, req.Subject)
	assert.Equal(t, "Megaphone", req.Data["product"])
	assert.Equal(t, "enr_1", req.ReferenceID)

	assert.Equal(t, []string{"enr_1"}, db.advanced)
	assert.Equal(t, now.Add(48*time.Hour), db.lastNextSendAt)
	assert.Empty(t, db.lastAdvanceErr)
}

func TestDispatchDue_SkipRuleRetiresAsConverted(t *testing.T) {
	d, db, plans, sender := newDispatcherFixture()
	db.due = []*types.Enrollment{dueEnrollment("enr_1", 1)}
	plans.plans["user_enr_1"] = planPtr(types.PlanPro)

	handled, err := d.DispatchDue(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.Empty(t, sender.sent)
	assert.Equal(t, types.EnrollmentConverted, db.retired["enr_1"])
}

func TestDispatchDue_SendFailureStillAdvances(t *testing.T) {
	d, db, _, sender := newDispatcherFixture()
	db.due = []*types.Enrollment{dueEnrollment("enr_1", 0)}
	sender.err = errors.New("mailbox unavailable")

	handled, err := d.DispatchDue(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.Equal(t, []string{"enr_1"}, db.advanced)
	assert.Contains(t, db.lastAdvanceErr, "mailbox unavailable")
}

func TestDispatchDue_LastStepRetiresAsCompleted(t *testing.T) {
	d, db, _, sender := newDispatcherFixture()
	db.due = []*types.Enrollment{dueEnrollment("enr_1", 1)}

	handled, err := d.DispatchDue(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.Len(t, sender.sent, 1)
	assert.Empty(t, db.advanced)
	assert.Equal(t, types.EnrollmentCompleted, db.retired["enr_1"])
	assert.Empty(t, db.lastRetireErr)
}

func TestDispatchDue_LastStepFailureRecordsError(t *testing.T) {
	d, db, _, sender := newDispatcherFixture()
	db.due = []*types.Enrollment{dueEnrollment("enr_1", 1)}
	sender.err = errors.New("mailbox unavailable")

	handled, err := d.DispatchDue(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.Equal(t, types.EnrollmentCompleted, db.retired["enr_1"])
	assert.Contains(t, db.lastRetireErr, "mailbox unavailable")
}

func TestDispatchDue_StepOverflowRetiresWithoutSending(t *testing.T) {
	d, db, _, sender := newDispatcherFixture()
	db.due = []*types.Enrollment{dueEnrollment("enr_1", 7)}

	handled, err := d.DispatchDue(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.Empty(t, sender.sent)
	assert.Equal(t, types.EnrollmentCompleted, db.retired["enr_1"])
}

func TestDispatchDue_ConcurrentSweepLosesRace(t *testing.T) {
	d, db, _, _ := newDispatcherFixture()
	db.due = []*types.Enrollment{dueEnrollment("enr_1", 0)}
	db.advanceResult = false

	handled, err := d.DispatchDue(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 0, handled)
}

func TestDispatchDue_PlanLookupFailureSkipsEnrollment(t *testing.T) {
	d, db, plans, sender := newDispatcherFixture()
	db.due = []*types.Enrollment{dueEnrollment("enr_1", 1)}
	plans.err = errors.New("billing service down")

	handled, err := d.DispatchDue(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 0, handled)
	assert.Empty(t, sender.sent)
	assert.Empty(t, db.retired)
}

func TestDispatchDue_SequenceLoadedOncePerSweep(t *testing.T) {
	d, db, _, _ := newDispatcherFixture()
	db.due = []*types.Enrollment{
		dueEnrollment("enr_1", 0),
		dueEnrollment("enr_2", 0),
		dueEnrollment("enr_3", 0),
	}

	handled, err := d.DispatchDue(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 3, handled)
	assert.Equal(t, 1, db.sequenceLoads)
}

func TestDispatchDue_ListError(t *testing.T) {
	d, db, _, _ := newDispatcherFixture()
	db.listErr = errors.New("db down")

	_, err := d.DispatchDue(context.Background(), time.Now().UTC())
	require.Error(t, err)
}
