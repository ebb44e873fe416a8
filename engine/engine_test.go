package engine

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/agrishield/payout-engine/audit"
	"github.com/agrishield/payout-engine/consensus"
	"github.com/agrishield/payout-engine/domain"
	"github.com/agrishield/payout-engine/infrastructure/store/pebbledb"
	"github.com/agrishield/payout-engine/ingress"
	"github.com/agrishield/payout-engine/metrics"
	"github.com/agrishield/payout-engine/payout"
	"github.com/agrishield/payout-engine/trigger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var m = metrics.NewMetrics("test")

type FakePolicyProvider struct {
	policies map[string]domain.Policy
}

func (f *FakePolicyProvider) GetPolicy(_ context.Context, policyID string) (domain.Policy, error) {
	policy, ok := f.policies[policyID]
	if !ok {
		return domain.Policy{}, domain.ErrPolicyNotFound
	}
	return policy, nil
}

type FakeAdapter struct {
	submitResult payout.SubmitResult
	submissions  []payout.SubmitRequest
}

func (f *FakeAdapter) SubmitPayout(_ context.Context, req payout.SubmitRequest) (payout.SubmitResult, error) {
	f.submissions = append(f.submissions, req)
	return f.submitResult, nil
}

func (f *FakeAdapter) Reconcile(context.Context, string) (payout.ReconcileResult, error) {
	return payout.ReconcileResult{}, nil
}

type FakeRecorder struct{}

func (FakeRecorder) Record(context.Context, string, uint64, audit.EventType, map[string]interface{}) error {
	return nil
}

type FakeConfirmationSource struct {
	confirmations []payout.Confirmation
	committed     bool
}

func (f *FakeConfirmationSource) PollMessages(context.Context) ([]payout.Confirmation, error) {
	pending := f.confirmations
	f.confirmations = nil
	return pending, nil
}

func (f *FakeConfirmationSource) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *FakeConfirmationSource) AllowRebalance() {}

type testFixture struct {
	engine        *Engine
	store         *pebbledb.Store
	adapter       *FakeAdapter
	confirmations *FakeConfirmationSource
	privateKey    ed25519.PrivateKey
}

func newFixture(t *testing.T, submitResult payout.SubmitResult) *testFixture {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	policy := domain.Policy{
		PolicyID:        "pol-1",
		FarmerWalletRef: "wallet-1",
		CoverageAmount:  10000,
		YieldThreshold:  1000,
		Weights:         domain.RiskWeights{Disease: 0.5, Yield: 0.3, Weather: 0.2},
		SeverityTiers: []domain.SeverityTier{
			{Bound: 0.3, PayoutFraction: 0.1},
			{Bound: 0.6, PayoutFraction: 0.4},
			{Bound: 0.8, PayoutFraction: 1.0},
		},
		Reporters: []domain.Reporter{
			{ReporterID: "rep-a", PublicKey: publicKey},
			{ReporterID: "rep-b", PublicKey: publicKey},
			{ReporterID: "rep-c", PublicKey: publicKey},
		},
		ActiveFrom:  time.Now().Add(-time.Hour),
		ActiveUntil: time.Now().Add(time.Hour),
	}
	policies := &FakePolicyProvider{policies: map[string]domain.Policy{"pol-1": policy}}

	store, err := pebbledb.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := zap.NewNop().Sugar()
	recorder := FakeRecorder{}
	params := consensus.Params{
		Quorum: 3,
		Tolerance: consensus.Tolerance{
			Disease:       0.05,
			YieldFraction: 0.03,
			Weather:       0.05,
		},
	}
	adapter := &FakeAdapter{submitResult: submitResult}
	confirmations := &FakeConfirmationSource{}

	in := ingress.NewIngress(store, policies, ingress.NewEd25519Verifier(),
		ingress.NoopRateLimiter{}, recorder, ingress.Config{MaxSubmissionAge: 15 * time.Minute}, logger, m)
	aggregator := consensus.NewAggregator(store, recorder, params, time.Hour, logger, m)
	evaluator := trigger.NewEvaluator(store, recorder, logger, m)
	ledger := payout.NewLedger(store, adapter, recorder, payout.Config{
		RetryBudget:    3,
		RetryBackoff:   30 * time.Second,
		ConfirmTimeout: 5 * time.Minute,
	}, logger, m)

	return &testFixture{
		engine: NewEngine(in, aggregator, evaluator, ledger, policies, store,
			confirmations, 10*time.Millisecond, logger, m),
		store:         store,
		adapter:       adapter,
		confirmations: confirmations,
		privateKey:    privateKey,
	}
}

func (f *testFixture) signedAttestation(reporterID string, yield, disease float64) domain.Attestation {
	att := domain.Attestation{
		PolicyID:       "pol-1",
		Epoch:          42,
		ReporterID:     reporterID,
		PredictedYield: yield,
		DiseaseScore:   disease,
		WeatherAnomaly: 0.1,
		Confidence:     0.8,
		SubmittedAt:    time.Now(),
	}
	att.Signature = ed25519.Sign(f.privateKey, att.SigningPayload())
	return att
}

func TestEngine_Submit_quorumDrivesPayoutEndToEnd(t *testing.T) {
	fixture := newFixture(t, payout.SubmitResult{Status: payout.StatusConfirmed, TxRef: "tx-1"})

	receipt, err := fixture.engine.Submit(context.Background(), fixture.signedAttestation("rep-a", 500, 0.62))
	require.NoError(t, err)
	require.True(t, receipt.Accepted)
	receipt, err = fixture.engine.Submit(context.Background(), fixture.signedAttestation("rep-b", 500, 0.59))
	require.NoError(t, err)
	require.True(t, receipt.Accepted)
	receipt, err = fixture.engine.Submit(context.Background(), fixture.signedAttestation("rep-c", 500, 0.60))
	require.NoError(t, err)
	require.True(t, receipt.Accepted)

	require.Len(t, fixture.adapter.submissions, 1)
	// score 0.5*0.6 + 0.3*0.5 + 0.2*0.1 = 0.47, low tier, 10000 * 0.1 * 0.8
	assert.Equal(t, int64(800), fixture.adapter.submissions[0].Amount)

	record, err := fixture.engine.GetPayout("po-" + domain.IdempotencyKey("pol-1", 42))
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutConfirmed, record.Status)
	assert.Equal(t, "tx-1", record.LedgerTxRef)

	// a fourth submission for the closed epoch is stale
	receipt, err = fixture.engine.Submit(context.Background(), fixture.signedAttestation("rep-a", 500, 0.60))
	require.NoError(t, err)
	assert.False(t, receipt.Accepted)
	assert.Equal(t, domain.RejectStaleEpoch, receipt.Reason)
}

func TestEngine_tick_resumesInterruptedPipeline(t *testing.T) {
	fixture := newFixture(t, payout.SubmitResult{Status: payout.StatusConfirmed, TxRef: "tx-1"})

	// a resolved round without decision or payout simulates a crash right
	// after consensus
	round := domain.ConsensusRound{
		PolicyID: "pol-1",
		Epoch:    42,
		Status:   domain.RoundResolved,
		Canonical: &domain.CanonicalAttestation{
			PolicyID:       "pol-1",
			Epoch:          42,
			PredictedYield: 500,
			DiseaseScore:   0.6,
			WeatherAnomaly: 0.1,
			Confidence:     0.8,
			ResolvedAt:     time.Now().UTC(),
		},
	}
	require.NoError(t, fixture.store.SetRound(round))

	fixture.engine.tick(context.Background())

	record, err := fixture.store.GetPayout("pol-1", 42)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutConfirmed, record.Status)
	require.Len(t, fixture.adapter.submissions, 1)

	// a second tick replays nothing
	fixture.engine.tick(context.Background())
	assert.Len(t, fixture.adapter.submissions, 1)
}

func TestEngine_consumeConfirmationBatch_appliesAndCommits(t *testing.T) {
	fixture := newFixture(t, payout.SubmitResult{Status: payout.StatusPending})

	for _, att := range []domain.Attestation{
		fixture.signedAttestation("rep-a", 500, 0.62),
		fixture.signedAttestation("rep-b", 500, 0.59),
		fixture.signedAttestation("rep-c", 500, 0.60),
	} {
		_, err := fixture.engine.Submit(context.Background(), att)
		require.NoError(t, err)
	}
	record, err := fixture.engine.GetPayout("po-" + domain.IdempotencyKey("pol-1", 42))
	require.NoError(t, err)
	require.Equal(t, domain.PayoutSubmitted, record.Status)

	fixture.confirmations.confirmations = []payout.Confirmation{
		{IdempotencyKey: record.IdempotencyKey, Status: payout.StatusConfirmed, TxRef: "tx-async"},
	}
	require.NoError(t, fixture.engine.consumeConfirmationBatch(context.Background()))
	assert.True(t, fixture.confirmations.committed)

	record, err = fixture.engine.GetPayout(record.PayoutID)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutConfirmed, record.Status)
	assert.Equal(t, "tx-async", record.LedgerTxRef)
}

func TestEngine_closeDueRounds_expiresStalledRound(t *testing.T) {
	fixture := newFixture(t, payout.SubmitResult{Status: payout.StatusConfirmed})

	round := domain.ConsensusRound{
		PolicyID: "pol-1",
		Epoch:    42,
		Status:   domain.RoundOpen,
		Attestations: []domain.Attestation{
			fixture.signedAttestation("rep-a", 500, 0.6),
		},
		OpenedAt: time.Now().Add(-2 * time.Hour).UTC(),
		Deadline: time.Now().Add(-time.Hour).UTC(),
	}
	require.NoError(t, fixture.store.SetRound(round))

	fixture.engine.tick(context.Background())

	closed, err := fixture.store.GetRound("pol-1", 42)
	require.NoError(t, err)
	assert.Equal(t, domain.RoundExpired, closed.Status)
	assert.Empty(t, fixture.adapter.submissions)
}
