package topup

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suspectuso/bidwin-topup/internal/backend"
	"github.com/suspectuso/bidwin-topup/internal/catalog"
	"github.com/suspectuso/bidwin-topup/internal/realtime"
	"github.com/suspectuso/bidwin-topup/internal/storage"
)

const testUser = 42

type fakeBackend struct {
	mu            sync.Mutex
	purchaseCalls int
	submitCalls   int
	purchaseErr   error
	submitErr     error
	submitStatus  string
	// gate, when set, blocks Purchase until it is closed
	gate chan struct{}
	// onSubmit runs while SubmitHash is in flight
	onSubmit func()
}

func (f *fakeBackend) Purchase(ctx context.Context, packageID int64, paymentMethod string) (*backend.PurchaseResult, error) {
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.purchaseCalls++
	if f.purchaseErr != nil {
		return nil, f.purchaseErr
	}

	return &backend.PurchaseResult{
		TopupRequest: backend.TopupRequest{
			Reference:     "REF123",
			WalletAddress: "0xABC0000000000000000000000000000000000001",
			Status:        "pending",
			Currency:      "USDT",
			ExpireTS:      backend.Timestamp{Time: time.Now().Add(30 * time.Minute)},
		},
	}, nil
}

func (f *fakeBackend) SubmitHash(ctx context.Context, reference, txnHash string) (*backend.SubmitHashResult, error) {
	if f.onSubmit != nil {
		f.onSubmit()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &backend.SubmitHashResult{Reference: reference, Status: f.submitStatus, TxnHash: txnHash}, nil
}

type memRefs struct {
	mu        sync.Mutex
	rec       *storage.ReferenceRecord
	completed string
}

func (m *memRefs) Save(reference string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = &storage.ReferenceRecord{UserID: testUser, Reference: reference, CreatedAt: at}
	return nil
}

func (m *memRefs) Load() (*storage.ReferenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		return nil, nil
	}
	rec := *m.rec
	return &rec, nil
}

func (m *memRefs) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = nil
	return nil
}

func (m *memRefs) SaveCompleted(reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = reference
	return nil
}

func (m *memRefs) LastCompleted() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed, nil
}

func (m *memRefs) reference() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		return ""
	}
	return m.rec.Reference
}

type callbacks struct {
	mu        sync.Mutex
	credits   []Credit
	completes []int64
	updates   []Session
}

func (cb *callbacks) options() Options {
	return Options{
		OnCredit: func(ctx context.Context, c Credit) {
			cb.mu.Lock()
			defer cb.mu.Unlock()
			cb.credits = append(cb.credits, c)
		},
		OnComplete: func(ctx context.Context, userID, points int64) {
			cb.mu.Lock()
			defer cb.mu.Unlock()
			cb.completes = append(cb.completes, points)
		},
		OnUpdate: func(ctx context.Context, userID int64, s Session) {
			cb.mu.Lock()
			defer cb.mu.Unlock()
			cb.updates = append(cb.updates, s)
		},
	}
}

var goldPackage = catalog.Package{
	ID:     7,
	Name:   "Gold",
	Points: 250,
	Price:  decimal.NewFromInt(20),
	Bonus:  decimal.NewFromInt(10),
}

func newTestController(t *testing.T, b *fakeBackend, refs *memRefs) (*Controller, *callbacks) {
	t.Helper()
	cb := &callbacks{}
	return NewController(testUser, b, refs, cb.options(), slogt.New(t)), cb
}

func statusEvent(t *testing.T, fields map[string]any) realtime.Event {
	t.Helper()
	data, err := json.Marshal(fields)
	require.NoError(t, err)
	return realtime.Event{Channel: "staging.user.42", Name: "topup.status.update", Data: data}
}

// advance drives a fresh session to AwaitingConfirmation
func advance(t *testing.T, c *Controller) {
	t.Helper()
	ctx := context.Background()

	_, err := c.Open(goldPackage)
	require.NoError(t, err)
	_, err = c.Continue(ctx)
	require.NoError(t, err)
	_, err = c.ConfirmSent()
	require.NoError(t, err)
	s, err := c.SubmitHash(ctx, "0xdeadbeef")
	require.NoError(t, err)
	require.Equal(t, StepAwaitingConfirmation, s.Step)
}

func TestPaymentFlow(t *testing.T) {
	ctx := context.Background()
	b := &fakeBackend{submitStatus: "confirming"}
	refs := &memRefs{}
	c, cb := newTestController(t, b, refs)

	s, err := c.Open(goldPackage)
	require.NoError(t, err)
	assert.Equal(t, StepSelectingPackage, s.Step)
	assert.EqualValues(t, 275, s.Package.TotalPoints())

	s, err = c.Continue(ctx)
	require.NoError(t, err)
	assert.Equal(t, StepAwaitingPayment, s.Step)
	assert.Equal(t, "REF123", s.Reference)
	assert.Equal(t, "0xABC0000000000000000000000000000000000001", s.DepositAddress)
	assert.False(t, s.ExpiresAt.IsZero())
	assert.Equal(t, "REF123", refs.reference())

	s, err = c.ConfirmSent()
	require.NoError(t, err)
	assert.Equal(t, StepEnteringHash, s.Step)

	s, err = c.SubmitHash(ctx, "0xdeadbeef")
	require.NoError(t, err)
	assert.Equal(t, StepAwaitingConfirmation, s.Step)
	assert.Equal(t, StatusConfirming, s.Status)
	assert.Equal(t, "0xdeadbeef", s.TransactionHash)

	c.HandleEvent(ctx, statusEvent(t, map[string]any{"reference": "REF123", "status": "completed", "points": 275}))

	s, ok := c.Session()
	require.True(t, ok)
	assert.Equal(t, StepCompleted, s.Step)
	assert.Equal(t, StatusCompleted, s.Status)
	require.Len(t, cb.credits, 1)
	assert.Equal(t, Credit{UserID: testUser, Reference: "REF123", Points: 275, PackageName: "Gold"}, cb.credits[0])
	assert.Empty(t, refs.reference())
	assert.Equal(t, "REF123", refs.completed)

	require.NoError(t, c.Finish(ctx))
	assert.Equal(t, []int64{275}, cb.completes)
	_, ok = c.Session()
	assert.False(t, ok)
	assert.Len(t, cb.credits, 1)
}

func TestUnrelatedEventIgnored(t *testing.T) {
	b := &fakeBackend{}
	c, cb := newTestController(t, b, &memRefs{})
	advance(t, c)

	c.HandleEvent(context.Background(), statusEvent(t, map[string]any{"reference": "REF999", "status": "completed", "points": 1000}))

	s, _ := c.Session()
	assert.Equal(t, StepAwaitingConfirmation, s.Step)
	assert.Equal(t, StatusConfirming, s.Status)
	assert.Empty(t, cb.credits)
	assert.Empty(t, cb.updates)
}

func TestDuplicateCompletionCreditsOnce(t *testing.T) {
	ctx := context.Background()
	c, cb := newTestController(t, &fakeBackend{}, &memRefs{})
	advance(t, c)

	done := statusEvent(t, map[string]any{"referenceCode": "REF123", "status": "success", "credits": 275})
	c.HandleEvent(ctx, done)
	c.HandleEvent(ctx, done)
	c.HandleEvent(ctx, statusEvent(t, map[string]any{"reference": "REF123", "status": "confirming"}))

	s, _ := c.Session()
	assert.Equal(t, StepCompleted, s.Step)
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Len(t, cb.credits, 1)

	require.NoError(t, c.Finish(ctx))
	c.HandleEvent(ctx, done)
	assert.Len(t, cb.credits, 1)
}

func TestCompletedSubmitResponseCreditsOnce(t *testing.T) {
	ctx := context.Background()
	b := &fakeBackend{submitStatus: "success"}
	c, cb := newTestController(t, b, &memRefs{})

	_, err := c.Open(goldPackage)
	require.NoError(t, err)
	_, err = c.Continue(ctx)
	require.NoError(t, err)
	_, err = c.ConfirmSent()
	require.NoError(t, err)

	s, err := c.SubmitHash(ctx, "0xdeadbeef")
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, s.Step)
	assert.EqualValues(t, 275, s.CreditedPoints)

	c.HandleEvent(ctx, statusEvent(t, map[string]any{"reference": "REF123", "status": "completed", "points": 275}))

	require.Len(t, cb.credits, 1)
	assert.EqualValues(t, 275, cb.credits[0].Points)
}

func TestCompletionDuringSubmitStaysCompleted(t *testing.T) {
	ctx := context.Background()
	b := &fakeBackend{submitStatus: "confirming"}
	refs := &memRefs{}
	c, cb := newTestController(t, b, refs)

	done := statusEvent(t, map[string]any{"reference": "REF123", "status": "completed", "points": 275})
	b.onSubmit = func() { c.HandleEvent(ctx, done) }

	_, err := c.Open(goldPackage)
	require.NoError(t, err)
	_, err = c.Continue(ctx)
	require.NoError(t, err)
	_, err = c.ConfirmSent()
	require.NoError(t, err)

	s, err := c.SubmitHash(ctx, "0xdeadbeef")
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, s.Step)
	assert.Equal(t, StatusCompleted, s.Status)
	assert.False(t, s.Busy)
	assert.Empty(t, refs.reference())

	c.HandleEvent(ctx, done)
	s, _ = c.Session()
	assert.Equal(t, StepCompleted, s.Step)
	require.Len(t, cb.credits, 1)

	require.NoError(t, c.Finish(ctx))
	assert.Equal(t, []int64{275}, cb.completes)
}

func TestRepeatedStatusEventsDoNotUpdate(t *testing.T) {
	ctx := context.Background()
	c, cb := newTestController(t, &fakeBackend{}, &memRefs{})
	advance(t, c)

	confirming := statusEvent(t, map[string]any{"reference": "REF123", "status": "confirming"})
	c.HandleEvent(ctx, confirming)
	c.HandleEvent(ctx, confirming)
	assert.Empty(t, cb.updates)

	failed := statusEvent(t, map[string]any{"reference": "REF123", "status": "failed"})
	c.HandleEvent(ctx, failed)
	c.HandleEvent(ctx, failed)
	require.Len(t, cb.updates, 1)
	assert.Equal(t, StatusFailed, cb.updates[0].Status)
}

func TestEmptyHashMakesNoCall(t *testing.T) {
	ctx := context.Background()
	b := &fakeBackend{}
	c, _ := newTestController(t, b, &memRefs{})

	_, err := c.Open(goldPackage)
	require.NoError(t, err)
	_, err = c.Continue(ctx)
	require.NoError(t, err)
	_, err = c.ConfirmSent()
	require.NoError(t, err)

	s, err := c.SubmitHash(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyHash)
	assert.Equal(t, StepEnteringHash, s.Step)
	assert.Zero(t, b.submitCalls)
}

func TestBackNavigation(t *testing.T) {
	ctx := context.Background()
	b := &fakeBackend{}
	c, _ := newTestController(t, b, &memRefs{})

	_, err := c.Open(goldPackage)
	require.NoError(t, err)

	_, err = c.Back()
	assert.ErrorIs(t, err, ErrWrongStep)

	_, err = c.Continue(ctx)
	require.NoError(t, err)
	_, err = c.ConfirmSent()
	require.NoError(t, err)

	s, err := c.Back()
	require.NoError(t, err)
	assert.Equal(t, StepAwaitingPayment, s.Step)

	s, err = c.Back()
	require.NoError(t, err)
	assert.Equal(t, StepSelectingPackage, s.Step)

	// the issued reference is kept, no second purchase
	s, err = c.Continue(ctx)
	require.NoError(t, err)
	assert.Equal(t, StepAwaitingPayment, s.Step)
	assert.Equal(t, "REF123", s.Reference)
	assert.Equal(t, 1, b.purchaseCalls)
}

func TestNoBackOnceAwaitingConfirmation(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t, &fakeBackend{}, &memRefs{})
	advance(t, c)

	s, err := c.Back()
	assert.ErrorIs(t, err, ErrIrreversible)
	assert.Equal(t, StepAwaitingConfirmation, s.Step)

	_, err = c.ConfirmSent()
	assert.ErrorIs(t, err, ErrWrongStep)

	c.HandleEvent(ctx, statusEvent(t, map[string]any{"reference": "REF123", "status": "completed"}))

	s, err = c.Back()
	assert.ErrorIs(t, err, ErrIrreversible)
	assert.Equal(t, StepCompleted, s.Step)
}

func TestPurchaseFailureStaysAtFirstStep(t *testing.T) {
	ctx := context.Background()
	b := &fakeBackend{purchaseErr: &backend.APIError{Op: "purchase", Status: 200, Code: 1001, Message: "Package unavailable"}}
	refs := &memRefs{}
	c, _ := newTestController(t, b, refs)

	_, err := c.Open(goldPackage)
	require.NoError(t, err)

	s, err := c.Continue(ctx)
	require.Error(t, err)
	assert.Equal(t, "Package unavailable", backend.UserMessage(err))
	assert.Equal(t, StepSelectingPackage, s.Step)
	assert.False(t, s.Busy)
	assert.Empty(t, refs.reference())

	b.purchaseErr = nil
	s, err = c.Continue(ctx)
	require.NoError(t, err)
	assert.Equal(t, StepAwaitingPayment, s.Step)
}

func TestSubmitFailureStaysAtHashStep(t *testing.T) {
	ctx := context.Background()
	b := &fakeBackend{submitErr: errors.New("connection reset")}
	c, _ := newTestController(t, b, &memRefs{})

	_, err := c.Open(goldPackage)
	require.NoError(t, err)
	_, err = c.Continue(ctx)
	require.NoError(t, err)
	_, err = c.ConfirmSent()
	require.NoError(t, err)

	s, err := c.SubmitHash(ctx, "0xdeadbeef")
	require.Error(t, err)
	assert.Equal(t, StepEnteringHash, s.Step)
	assert.Empty(t, s.TransactionHash)
}

func TestFailedEventAllowsResubmission(t *testing.T) {
	ctx := context.Background()
	b := &fakeBackend{}
	c, cb := newTestController(t, b, &memRefs{})
	advance(t, c)

	c.HandleEvent(ctx, statusEvent(t, map[string]any{"reference": "REF123", "status": "error"}))

	s, _ := c.Session()
	assert.Equal(t, StepAwaitingConfirmation, s.Step)
	assert.Equal(t, StatusFailed, s.Status)
	require.Len(t, cb.updates, 1)
	assert.Equal(t, StatusFailed, cb.updates[0].Status)

	s, err := c.SubmitHash(ctx, "0xfeedface")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirming, s.Status)
	assert.Equal(t, "0xfeedface", s.TransactionHash)
	assert.Equal(t, 2, b.submitCalls)

	// resubmission is only offered after a failure
	_, err = c.SubmitHash(ctx, "0xfeedface")
	assert.ErrorIs(t, err, ErrWrongStep)
}

func TestCloseClearsOwnReferenceBeforeConfirmation(t *testing.T) {
	ctx := context.Background()
	refs := &memRefs{}
	c, _ := newTestController(t, &fakeBackend{}, refs)

	_, err := c.Open(goldPackage)
	require.NoError(t, err)
	_, err = c.Continue(ctx)
	require.NoError(t, err)
	require.Equal(t, "REF123", refs.reference())

	c.Close()
	assert.Empty(t, refs.reference())
	assert.Empty(t, c.Pending())

	s, err := c.Open(goldPackage)
	require.NoError(t, err)
	assert.Equal(t, StepSelectingPackage, s.Step)
	assert.Empty(t, s.Reference)
}

func TestCloseWithoutReferenceKeepsStore(t *testing.T) {
	refs := &memRefs{}
	require.NoError(t, refs.Save("REFOLD", time.Now().Add(-10*time.Minute)))
	c, _ := newTestController(t, &fakeBackend{}, refs)

	_, err := c.Open(goldPackage)
	require.NoError(t, err)
	c.Close()

	assert.Equal(t, "REFOLD", refs.reference())
	assert.Equal(t, "REFOLD", c.Pending())
}

func TestCloseWhileAwaitingConfirmationKeepsReference(t *testing.T) {
	ctx := context.Background()
	refs := &memRefs{}
	c, cb := newTestController(t, &fakeBackend{}, refs)
	advance(t, c)

	c.Close()
	assert.Equal(t, "REF123", refs.reference())
	assert.Equal(t, "REF123", c.Pending())

	// the payment still completes and credits the package total
	c.HandleEvent(ctx, statusEvent(t, map[string]any{"reference": "REF123", "status": "completed"}))
	require.Len(t, cb.credits, 1)
	assert.EqualValues(t, 275, cb.credits[0].Points)
	assert.Equal(t, "Gold", cb.credits[0].PackageName)
	assert.Empty(t, refs.reference())
	assert.Empty(t, c.Pending())
}

func TestOpenWhilePaymentInProgress(t *testing.T) {
	c, _ := newTestController(t, &fakeBackend{}, &memRefs{})
	advance(t, c)

	s, err := c.Open(catalog.Package{ID: 1, Name: "Starter", Points: 100})
	assert.ErrorIs(t, err, ErrSessionOpen)
	assert.Equal(t, "Gold", s.Package.Name)
}

func TestResumeFreshReference(t *testing.T) {
	ctx := context.Background()
	refs := &memRefs{}
	require.NoError(t, refs.Save("REF123", time.Now().Add(-time.Hour)))

	c, cb := newTestController(t, &fakeBackend{}, refs)
	assert.Equal(t, "REF123", c.Pending())

	c.HandleEvent(ctx, statusEvent(t, map[string]any{"reference": "REF123", "status": "completed", "points": 275, "package_name": "Gold"}))
	require.Len(t, cb.credits, 1)
	assert.EqualValues(t, 275, cb.credits[0].Points)

	// reconstructing after completion does not resume or credit again
	c, cb = newTestController(t, &fakeBackend{}, refs)
	assert.Empty(t, c.Pending())
	c.HandleEvent(ctx, statusEvent(t, map[string]any{"reference": "REF123", "status": "completed", "points": 275}))
	assert.Empty(t, cb.credits)
}

func TestResumeDiscardsExpiredReference(t *testing.T) {
	refs := &memRefs{}
	require.NoError(t, refs.Save("REF123", time.Now().Add(-3*time.Hour)))

	c, cb := newTestController(t, &fakeBackend{}, refs)
	assert.Empty(t, c.Pending())
	assert.Empty(t, refs.reference())

	c.HandleEvent(context.Background(), statusEvent(t, map[string]any{"reference": "REF123", "status": "completed", "points": 275}))
	assert.Empty(t, cb.credits)
}

func TestResumeSkipsCompletedReference(t *testing.T) {
	refs := &memRefs{completed: "REF123"}
	require.NoError(t, refs.Save("REF123", time.Now()))

	c, _ := newTestController(t, &fakeBackend{}, refs)
	assert.Empty(t, c.Pending())
	assert.Empty(t, refs.reference())
}

func TestLateResponseDropped(t *testing.T) {
	ctx := context.Background()
	b := &fakeBackend{gate: make(chan struct{})}
	refs := &memRefs{}
	c, _ := newTestController(t, b, refs)

	_, err := c.Open(goldPackage)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Continue(ctx)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		s, ok := c.Session()
		return ok && s.Busy
	}, time.Second, time.Millisecond)

	_, err = c.Continue(ctx)
	assert.ErrorIs(t, err, ErrBusy)

	c.Close()
	close(b.gate)

	assert.ErrorIs(t, <-errCh, ErrSessionClosed)
	assert.Empty(t, refs.reference())
	_, ok := c.Session()
	assert.False(t, ok)
}

func TestCountdown(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, "", Countdown(time.Time{}, now))
	assert.Equal(t, "Expired", Countdown(now, now))
	assert.Equal(t, "Expired", Countdown(now.Add(-time.Second), now))
	assert.Equal(t, "05:00", Countdown(now.Add(5*time.Minute), now))
	assert.Equal(t, "29:59", Countdown(now.Add(29*time.Minute+59*time.Second+500*time.Millisecond), now))
}

func TestStepString(t *testing.T) {
	assert.Equal(t, "awaiting_confirmation", StepAwaitingConfirmation.String())
	assert.Equal(t, "step(9)", Step(9).String())
}
