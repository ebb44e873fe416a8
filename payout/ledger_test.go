package payout

import (
	"context"
	"testing"
	"time"

	"github.com/agrishield/payout-engine/audit"
	"github.com/agrishield/payout-engine/domain"
	"github.com/agrishield/payout-engine/metrics"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var m = metrics.NewMetrics("test")
var ErrMock = errors.New("mock error")

type payoutKey struct {
	policyID string
	epoch    uint64
}

type FakeStore struct {
	records map[payoutKey]domain.PayoutRecord
	byID    map[string]payoutKey
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		records: make(map[payoutKey]domain.PayoutRecord),
		byID:    make(map[string]payoutKey),
	}
}

func (f *FakeStore) GetPayout(policyID string, epoch uint64) (domain.PayoutRecord, error) {
	record, ok := f.records[payoutKey{policyID: policyID, epoch: epoch}]
	if !ok {
		return domain.PayoutRecord{}, domain.ErrStoreEntityNotFound
	}
	return record, nil
}

func (f *FakeStore) SetPayout(record domain.PayoutRecord) error {
	key := payoutKey{policyID: record.PolicyID, epoch: record.Epoch}
	f.records[key] = record
	f.byID[record.PayoutID] = key
	return nil
}

func (f *FakeStore) GetPayoutByID(payoutID string) (domain.PayoutRecord, error) {
	key, ok := f.byID[payoutID]
	if !ok {
		return domain.PayoutRecord{}, domain.ErrStoreEntityNotFound
	}
	return f.records[key], nil
}

func (f *FakeStore) GetPayoutsInStatus(statuses ...domain.PayoutStatus) ([]domain.PayoutRecord, error) {
	var matching []domain.PayoutRecord
	for _, record := range f.records {
		for _, status := range statuses {
			if record.Status == status {
				matching = append(matching, record)
				break
			}
		}
	}
	return matching, nil
}

type FakeAdapter struct {
	submitResult    SubmitResult
	submitErr       error
	submissions     []SubmitRequest
	reconcileResult ReconcileResult
	reconcileErr    error
	reconciled      []string
}

func (f *FakeAdapter) SubmitPayout(_ context.Context, req SubmitRequest) (SubmitResult, error) {
	f.submissions = append(f.submissions, req)
	return f.submitResult, f.submitErr
}

func (f *FakeAdapter) Reconcile(_ context.Context, idempotencyKey string) (ReconcileResult, error) {
	f.reconciled = append(f.reconciled, idempotencyKey)
	return f.reconcileResult, f.reconcileErr
}

type FakeRecorder struct {
	events []audit.EventType
}

func (f *FakeRecorder) Record(_ context.Context, _ string, _ uint64, eventType audit.EventType, _ map[string]interface{}) error {
	f.events = append(f.events, eventType)
	return nil
}

var testConfig = Config{
	RetryBudget:    3,
	RetryBackoff:   30 * time.Second,
	ConfirmTimeout: 5 * time.Minute,
}

var testPolicy = domain.Policy{
	PolicyID:        "pol-1",
	FarmerWalletRef: "wallet-1",
	CoverageAmount:  10000,
}

func decision(severity domain.Severity, fraction float64) domain.TriggerDecision {
	return domain.TriggerDecision{
		PolicyID:       "pol-1",
		Epoch:          42,
		Severity:       severity,
		PayoutFraction: fraction,
	}
}

func canonical(confidence float64) domain.CanonicalAttestation {
	return domain.CanonicalAttestation{PolicyID: "pol-1", Epoch: 42, Confidence: confidence}
}

func newTestLedger(store Store, adapter ExecutionAdapter, recorder audit.Recorder, cfg Config) *Ledger {
	return NewLedger(store, adapter, recorder, cfg, zap.NewNop().Sugar(), m)
}

func TestLedger_HandleDecision_submitsScaledAmount(t *testing.T) {
	store := NewFakeStore()
	adapter := &FakeAdapter{submitResult: SubmitResult{Status: StatusPending}}
	ledger := newTestLedger(store, adapter, &FakeRecorder{}, testConfig)

	err := ledger.HandleDecision(context.Background(), testPolicy, decision(domain.SeverityMedium, 0.4), canonical(0.8))
	require.NoError(t, err)

	require.Len(t, adapter.submissions, 1)
	// 10000 * 0.4 * 0.8, truncated
	assert.Equal(t, int64(3200), adapter.submissions[0].Amount)
	assert.Equal(t, "wallet-1", adapter.submissions[0].FarmerWalletRef)
	assert.Equal(t, domain.IdempotencyKey("pol-1", 42), adapter.submissions[0].IdempotencyKey)

	record, err := store.GetPayout("pol-1", 42)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutSubmitted, record.Status)
	assert.Equal(t, 1, record.Attempts)
}

func TestLedger_HandleDecision_givenSeverityNone_thenNoRecord(t *testing.T) {
	store := NewFakeStore()
	adapter := &FakeAdapter{}
	ledger := newTestLedger(store, adapter, &FakeRecorder{}, testConfig)

	err := ledger.HandleDecision(context.Background(), testPolicy, decision(domain.SeverityNone, 0), canonical(0.9))
	require.NoError(t, err)
	assert.Empty(t, adapter.submissions)
	_, err = store.GetPayout("pol-1", 42)
	assert.ErrorIs(t, err, domain.ErrStoreEntityNotFound)
}

func TestLedger_HandleDecision_givenZeroConfidence_thenNoRecord(t *testing.T) {
	store := NewFakeStore()
	adapter := &FakeAdapter{}
	ledger := newTestLedger(store, adapter, &FakeRecorder{}, testConfig)

	err := ledger.HandleDecision(context.Background(), testPolicy, decision(domain.SeverityHigh, 1.0), canonical(0))
	require.NoError(t, err)
	assert.Empty(t, adapter.submissions)
	_, err = store.GetPayout("pol-1", 42)
	assert.ErrorIs(t, err, domain.ErrStoreEntityNotFound)
}

func TestLedger_HandleDecision_replayIsNoop(t *testing.T) {
	store := NewFakeStore()
	adapter := &FakeAdapter{submitResult: SubmitResult{Status: StatusConfirmed, TxRef: "tx-1"}}
	ledger := newTestLedger(store, adapter, &FakeRecorder{}, testConfig)

	err := ledger.HandleDecision(context.Background(), testPolicy, decision(domain.SeverityMedium, 0.4), canonical(0.8))
	require.NoError(t, err)
	err = ledger.HandleDecision(context.Background(), testPolicy, decision(domain.SeverityMedium, 0.4), canonical(0.8))
	require.NoError(t, err)

	assert.Len(t, adapter.submissions, 1, "replaying a decision must not submit twice")
	record, err := store.GetPayout("pol-1", 42)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutConfirmed, record.Status)
	assert.Equal(t, "tx-1", record.LedgerTxRef)
}

func TestLedger_HandleDecision_givenAmountMismatch_thenInvariantViolation(t *testing.T) {
	store := NewFakeStore()
	ledger := newTestLedger(store, &FakeAdapter{}, &FakeRecorder{}, testConfig)

	err := store.SetPayout(domain.PayoutRecord{
		PayoutID: "po-x",
		PolicyID: "pol-1",
		Epoch:    42,
		Amount:   9999,
		Status:   domain.PayoutConfirmed,
	})
	require.NoError(t, err)

	err = ledger.HandleDecision(context.Background(), testPolicy, decision(domain.SeverityMedium, 0.4), canonical(0.8))
	assert.True(t, domain.IsInvariantViolation(err))
}

func TestLedger_submit_givenSynchronousFailure_thenSchedulesRetry(t *testing.T) {
	store := NewFakeStore()
	adapter := &FakeAdapter{submitResult: SubmitResult{Status: StatusFailed, Reason: "insufficient funds"}}
	ledger := newTestLedger(store, adapter, &FakeRecorder{}, testConfig)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return now }

	err := ledger.HandleDecision(context.Background(), testPolicy, decision(domain.SeverityMedium, 0.4), canonical(0.8))
	require.NoError(t, err)

	record, err := store.GetPayout("pol-1", 42)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutFailed, record.Status)
	assert.Equal(t, "insufficient funds", record.FailureReason)
	assert.Equal(t, now.Add(30*time.Second), record.NextAttemptAt, "first retry uses the base backoff")
}

func TestLedger_ProcessDue_retriesWithExponentialBackoff(t *testing.T) {
	store := NewFakeStore()
	adapter := &FakeAdapter{submitResult: SubmitResult{Status: StatusFailed, Reason: "mock failure"}}
	recorder := &FakeRecorder{}
	ledger := newTestLedger(store, adapter, recorder, testConfig)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return now }

	err := ledger.HandleDecision(context.Background(), testPolicy, decision(domain.SeverityMedium, 0.4), canonical(0.8))
	require.NoError(t, err)

	// second attempt fails, backoff doubles
	now = now.Add(time.Minute)
	require.NoError(t, ledger.ProcessDue(context.Background(), "pol-1", 42))
	record, err := store.GetPayout("pol-1", 42)
	require.NoError(t, err)
	assert.Equal(t, 2, record.Attempts)
	assert.Equal(t, now.Add(60*time.Second), record.NextAttemptAt)

	// third attempt exhausts the budget
	now = now.Add(2 * time.Minute)
	require.NoError(t, ledger.ProcessDue(context.Background(), "pol-1", 42))
	record, err = store.GetPayout("pol-1", 42)
	require.NoError(t, err)
	assert.Equal(t, 3, record.Attempts)
	assert.True(t, record.Terminal(testConfig.RetryBudget))

	// terminal records are never retried again
	now = now.Add(time.Hour)
	due, err := ledger.Due(now)
	require.NoError(t, err)
	assert.Empty(t, due)
	require.NoError(t, ledger.ProcessDue(context.Background(), "pol-1", 42))
	assert.Len(t, adapter.submissions, 3)
}

func TestLedger_ProcessDue_givenConfirmationTimeout_thenReconcilesNotResubmits(t *testing.T) {
	store := NewFakeStore()
	adapter := &FakeAdapter{
		submitErr:       ErrMock, // ambiguous outcome, record stays submitted
		reconcileResult: ReconcileResult{Found: true, Status: StatusConfirmed, TxRef: "tx-99"},
	}
	ledger := newTestLedger(store, adapter, &FakeRecorder{}, testConfig)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return now }

	err := ledger.HandleDecision(context.Background(), testPolicy, decision(domain.SeverityMedium, 0.4), canonical(0.8))
	require.NoError(t, err)
	record, err := store.GetPayout("pol-1", 42)
	require.NoError(t, err)
	require.Equal(t, domain.PayoutSubmitted, record.Status)

	now = now.Add(10 * time.Minute)
	require.NoError(t, ledger.ProcessDue(context.Background(), "pol-1", 42))

	assert.Len(t, adapter.submissions, 1, "a timed out submission is reconciled, never blindly resubmitted")
	require.Len(t, adapter.reconciled, 1)
	record, err = store.GetPayout("pol-1", 42)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutConfirmed, record.Status)
	assert.Equal(t, "tx-99", record.LedgerTxRef)

	// a late confirmation for the same execution is a duplicate, not a
	// second payout
	err = ledger.HandleConfirmation(context.Background(), Confirmation{
		IdempotencyKey: record.IdempotencyKey,
		Status:         StatusConfirmed,
		TxRef:          "tx-99",
	})
	require.NoError(t, err)
	assert.Len(t, adapter.submissions, 1)
}

func TestLedger_reconcile_givenSubmissionNeverArrived_thenFailed(t *testing.T) {
	store := NewFakeStore()
	adapter := &FakeAdapter{
		submitErr:       ErrMock,
		reconcileResult: ReconcileResult{Found: false},
	}
	ledger := newTestLedger(store, adapter, &FakeRecorder{}, testConfig)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return now }

	err := ledger.HandleDecision(context.Background(), testPolicy, decision(domain.SeverityMedium, 0.4), canonical(0.8))
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	require.NoError(t, ledger.ProcessDue(context.Background(), "pol-1", 42))

	record, err := store.GetPayout("pol-1", 42)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutFailed, record.Status)
	assert.Equal(t, "submission not found on reconciliation", record.FailureReason)
	assert.False(t, record.Terminal(testConfig.RetryBudget), "a lost submission is retried")
}

func TestLedger_HandleConfirmation_givenUnknownKey_thenIgnored(t *testing.T) {
	ledger := newTestLedger(NewFakeStore(), &FakeAdapter{}, &FakeRecorder{}, testConfig)
	err := ledger.HandleConfirmation(context.Background(), Confirmation{IdempotencyKey: "deadbeef", Status: StatusConfirmed})
	assert.NoError(t, err)
}

func TestLedger_HandleConfirmation_givenFailureAfterConfirmed_thenInvariantViolation(t *testing.T) {
	store := NewFakeStore()
	adapter := &FakeAdapter{submitResult: SubmitResult{Status: StatusConfirmed, TxRef: "tx-1"}}
	ledger := newTestLedger(store, adapter, &FakeRecorder{}, testConfig)

	err := ledger.HandleDecision(context.Background(), testPolicy, decision(domain.SeverityMedium, 0.4), canonical(0.8))
	require.NoError(t, err)

	err = ledger.HandleConfirmation(context.Background(), Confirmation{
		IdempotencyKey: domain.IdempotencyKey("pol-1", 42),
		Status:         StatusFailed,
		Reason:         "mock failure",
	})
	assert.True(t, domain.IsInvariantViolation(err))
}

func TestLedger_HandleDecision_givenHighValueAmount_thenHeldForApproval(t *testing.T) {
	store := NewFakeStore()
	adapter := &FakeAdapter{submitResult: SubmitResult{Status: StatusConfirmed, TxRef: "tx-1"}}
	recorder := &FakeRecorder{}
	cfg := testConfig
	cfg.HighValueThreshold = 3000
	ledger := newTestLedger(store, adapter, recorder, cfg)

	err := ledger.HandleDecision(context.Background(), testPolicy, decision(domain.SeverityMedium, 0.4), canonical(0.8))
	require.NoError(t, err)
	assert.Empty(t, adapter.submissions, "high value payouts wait for a second approval")

	record, err := store.GetPayout("pol-1", 42)
	require.NoError(t, err)
	require.Equal(t, domain.PayoutPending, record.Status)

	approved, err := ledger.Approve(context.Background(), record.PayoutID, "ops-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutConfirmed, approved.Status)
	assert.Equal(t, "ops-1", approved.ApprovedBy)
	assert.Len(t, adapter.submissions, 1)
	assert.Contains(t, recorder.events, audit.PayoutApproved)
}

func TestLedger_Approve_givenNonPendingPayout_thenError(t *testing.T) {
	store := NewFakeStore()
	adapter := &FakeAdapter{submitResult: SubmitResult{Status: StatusConfirmed, TxRef: "tx-1"}}
	ledger := newTestLedger(store, adapter, &FakeRecorder{}, testConfig)

	err := ledger.HandleDecision(context.Background(), testPolicy, decision(domain.SeverityMedium, 0.4), canonical(0.8))
	require.NoError(t, err)
	record, err := store.GetPayout("pol-1", 42)
	require.NoError(t, err)

	_, err = ledger.Approve(context.Background(), record.PayoutID, "ops-1")
	assert.Error(t, err)
}

func TestLedger_Void_onlyTerminallyFailedPayouts(t *testing.T) {
	store := NewFakeStore()
	adapter := &FakeAdapter{submitResult: SubmitResult{Status: StatusFailed, Reason: "mock failure"}}
	recorder := &FakeRecorder{}
	ledger := newTestLedger(store, adapter, recorder, testConfig)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return now }

	err := ledger.HandleDecision(context.Background(), testPolicy, decision(domain.SeverityMedium, 0.4), canonical(0.8))
	require.NoError(t, err)
	record, err := store.GetPayout("pol-1", 42)
	require.NoError(t, err)

	_, err = ledger.Void(context.Background(), record.PayoutID, "duplicate claim", "ops-1")
	assert.Error(t, err, "a payout with remaining retries cannot be voided")

	for i := 0; i < 2; i++ {
		now = now.Add(time.Hour)
		require.NoError(t, ledger.ProcessDue(context.Background(), "pol-1", 42))
	}
	record, err = store.GetPayout("pol-1", 42)
	require.NoError(t, err)
	require.True(t, record.Terminal(testConfig.RetryBudget))

	voided, err := ledger.Void(context.Background(), record.PayoutID, "duplicate claim", "ops-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutVoided, voided.Status)
	assert.Equal(t, "ops-1", voided.VoidedBy)
	assert.Contains(t, recorder.events, audit.PayoutVoided)

	// confirmations arriving after a void are ignored
	err = ledger.HandleConfirmation(context.Background(), Confirmation{
		IdempotencyKey: record.IdempotencyKey,
		Status:         StatusConfirmed,
		TxRef:          "tx-late",
	})
	require.NoError(t, err)
	current, err := store.GetPayout("pol-1", 42)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutVoided, current.Status)
}

func TestComputeAmount(t *testing.T) {
	assert.Equal(t, int64(3200), computeAmount(10000, 0.4, 0.8))
	assert.Equal(t, int64(10000), computeAmount(10000, 1.0, 1.0))
	assert.Equal(t, int64(0), computeAmount(10000, 0.4, 0))
	assert.Equal(t, int64(10000), computeAmount(10000, 1.0, 5.0), "confidence above 1 is clamped")
	assert.Equal(t, int64(0), computeAmount(10000, 1.0, -1.0), "negative confidence is clamped")
}
