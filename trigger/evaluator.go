package trigger

import (
	"context"
	"time"

	"github.com/agrishield/payout-engine/audit"
	"github.com/agrishield/payout-engine/domain"
	"github.com/agrishield/payout-engine/metrics"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Score computes the risk score and the matching severity tier. Pure
// function of its inputs; any replica reproduces the same decision from the
// same ledger-recorded policy and canonical attestation.
func Score(policy domain.Policy, canonical domain.CanonicalAttestation) (riskScore float64, severity domain.Severity, payoutFraction float64) {
	yieldDeviation := 0.0
	if policy.YieldThreshold > 0 {
		yieldDeviation = (policy.YieldThreshold - canonical.PredictedYield) / policy.YieldThreshold
	}
	riskScore = policy.Weights.Disease*clamp01(canonical.DiseaseScore) +
		policy.Weights.Yield*clamp01(yieldDeviation) +
		policy.Weights.Weather*clamp01(canonical.WeatherAnomaly)

	// highest tier whose lower bound the score meets or exceeds,
	// bound matching is inclusive
	for i := len(policy.SeverityTiers) - 1; i >= 0; i-- {
		if riskScore >= policy.SeverityTiers[i].Bound {
			return riskScore, domain.Severity(i + 1), policy.SeverityTiers[i].PayoutFraction
		}
	}
	return riskScore, domain.SeverityNone, 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

type Store interface {
	GetDecision(policyID string, epoch uint64) (domain.TriggerDecision, error)
	SetDecision(decision domain.TriggerDecision) error
}

// Evaluator computes trigger decisions and records each one exactly once per
// (policyId, epoch). Repeated evaluation requests return the stored decision
// instead of recomputing, which makes retries idempotent.
type Evaluator struct {
	store    Store
	auditLog audit.Recorder
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewEvaluator(store Store, auditLog audit.Recorder, logger *zap.SugaredLogger, m *metrics.Metrics) *Evaluator {
	return &Evaluator{
		store:    store,
		auditLog: auditLog,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Evaluate returns the trigger decision for a canonical attestation,
// computing and persisting it on first call.
func (e *Evaluator) Evaluate(ctx context.Context, policy domain.Policy, canonical domain.CanonicalAttestation) (domain.TriggerDecision, error) {
	stored, err := e.store.GetDecision(canonical.PolicyID, canonical.Epoch)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, domain.ErrStoreEntityNotFound) {
		return domain.TriggerDecision{}, errors.Wrap(err, "loading decision")
	}

	riskScore, severity, payoutFraction := Score(policy, canonical)
	decision := domain.TriggerDecision{
		PolicyID:        canonical.PolicyID,
		Epoch:           canonical.Epoch,
		Severity:        severity,
		RiskScore:       riskScore,
		PayoutFraction:  payoutFraction,
		AttestationHash: canonical.Hash(),
		ComputedAt:      e.now().UTC(),
	}
	if err := e.store.SetDecision(decision); err != nil {
		return domain.TriggerDecision{}, errors.Wrap(err, "saving decision")
	}
	e.metrics.IncDecisions(severity.String())
	err = e.auditLog.Record(ctx, decision.PolicyID, decision.Epoch, audit.DecisionComputed, map[string]interface{}{
		"severity":        severity.String(),
		"riskScore":       riskScore,
		"payoutFraction":  payoutFraction,
		"attestationHash": decision.AttestationHash,
	})
	if err != nil {
		e.logger.Errorw("recording audit event", "type", audit.DecisionComputed, "error", err)
	}
	return decision, nil
}
