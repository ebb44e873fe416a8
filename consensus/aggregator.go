package consensus

import (
	"context"
	"time"

	"github.com/agrishield/payout-engine/audit"
	"github.com/agrishield/payout-engine/domain"
	"github.com/agrishield/payout-engine/metrics"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type RoundKey struct {
	PolicyID string
	Epoch    uint64
}

type Store interface {
	GetRound(policyID string, epoch uint64) (domain.ConsensusRound, error)
	SetRound(round domain.ConsensusRound) error
	GetOpenRounds() ([]domain.ConsensusRound, error)
	SetHighWaterEpoch(policyID string, epoch uint64) error
}

// Aggregator owns the consensus rounds. Callers serialize operations per
// (policyId, epoch) key; unrelated keys may be processed in parallel.
type Aggregator struct {
	store        Store
	auditLog     audit.Recorder
	params       Params
	roundTimeout time.Duration
	logger       *zap.SugaredLogger
	metrics      *metrics.Metrics
	now          func() time.Time
}

func NewAggregator(store Store, auditLog audit.Recorder, params Params, roundTimeout time.Duration,
	logger *zap.SugaredLogger, m *metrics.Metrics) *Aggregator {

	return &Aggregator{
		store:        store,
		auditLog:     auditLog,
		params:       params,
		roundTimeout: roundTimeout,
		logger:       logger,
		metrics:      m,
		now:          time.Now,
	}
}

// OnAttestation applies one accepted attestation to its round, creating the
// round if absent. It returns the canonical attestation when the attestation
// completes a quorum, nil otherwise.
func (a *Aggregator) OnAttestation(ctx context.Context, att domain.Attestation) (*domain.CanonicalAttestation, error) {
	now := a.now()

	round, err := a.store.GetRound(att.PolicyID, att.Epoch)
	if errors.Is(err, domain.ErrStoreEntityNotFound) {
		round = domain.ConsensusRound{
			PolicyID: att.PolicyID,
			Epoch:    att.Epoch,
			Status:   domain.RoundOpen,
			OpenedAt: now.UTC(),
			Deadline: now.Add(a.roundTimeout).UTC(),
		}
	} else if err != nil {
		return nil, errors.Wrap(err, "loading round")
	}
	if round.Closed() {
		// ingress rejects epochs at or below the high water mark, so a
		// closed round can only be reached through a bookkeeping bug
		return nil, domain.Invariantf(att.PolicyID, att.Epoch, "attestation applied to %s round", round.Status)
	}

	round.Attestations = append(round.Attestations, att)

	canonical, resolved := Resolve(round.Attestations, a.params, now)
	if !resolved {
		if err := a.store.SetRound(round); err != nil {
			return nil, errors.Wrap(err, "saving round")
		}
		return nil, nil
	}
	if err := a.closeRound(ctx, round, &canonical); err != nil {
		return nil, err
	}
	return &canonical, nil
}

// DueRounds returns the keys of open rounds whose deadline has passed.
func (a *Aggregator) DueRounds(now time.Time) ([]RoundKey, error) {
	open, err := a.store.GetOpenRounds()
	if err != nil {
		return nil, errors.Wrap(err, "listing open rounds")
	}
	var due []RoundKey
	for _, round := range open {
		if !now.Before(round.Deadline) {
			due = append(due, RoundKey{PolicyID: round.PolicyID, Epoch: round.Epoch})
		}
	}
	return due, nil
}

// CloseDue closes one round whose deadline elapsed. A quorum that formed
// while waiting still resolves; otherwise the round ends Unresolved (enough
// attestations, no agreement) or Expired (too few attestations). Expired
// rounds are a data availability failure and are reported, never defaulted
// to "no trigger".
func (a *Aggregator) CloseDue(ctx context.Context, key RoundKey) (*domain.CanonicalAttestation, error) {
	round, err := a.store.GetRound(key.PolicyID, key.Epoch)
	if errors.Is(err, domain.ErrStoreEntityNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading round")
	}
	if round.Closed() || a.now().Before(round.Deadline) {
		return nil, nil
	}

	canonical, resolved := Resolve(round.Attestations, a.params, a.now())
	if resolved {
		if err := a.closeRound(ctx, round, &canonical); err != nil {
			return nil, err
		}
		return &canonical, nil
	}
	return nil, a.closeRound(ctx, round, nil)
}

func (a *Aggregator) closeRound(ctx context.Context, round domain.ConsensusRound, canonical *domain.CanonicalAttestation) error {
	detail := map[string]interface{}{"attestations": len(round.Attestations)}

	var eventType audit.EventType
	switch {
	case canonical != nil:
		round.Status = domain.RoundResolved
		round.Canonical = canonical
		eventType = audit.RoundResolved
		detail["canonicalHash"] = canonical.Hash()
		detail["predictedYield"] = canonical.PredictedYield
		detail["diseaseScore"] = canonical.DiseaseScore
		detail["confidence"] = canonical.Confidence
		a.metrics.IncRoundsResolved()
	case len(round.Attestations) >= a.params.Quorum:
		round.Status = domain.RoundUnresolved
		eventType = audit.RoundUnresolved
		a.metrics.IncRoundsUnresolved()
		a.logger.Warnw("round unresolved, attestations disagree",
			"policy", round.PolicyID, "epoch", round.Epoch, "attestations", len(round.Attestations))
	default:
		round.Status = domain.RoundExpired
		eventType = audit.RoundExpired
		a.metrics.IncRoundsExpired()
		a.logger.Warnw("round expired, not enough attestations",
			"policy", round.PolicyID, "epoch", round.Epoch,
			"attestations", len(round.Attestations), "quorum", a.params.Quorum)
	}
	round.ClosedAt = a.now().UTC()

	if err := a.store.SetRound(round); err != nil {
		return errors.Wrap(err, "saving round")
	}
	if err := a.store.SetHighWaterEpoch(round.PolicyID, round.Epoch); err != nil {
		return errors.Wrap(err, "advancing high water epoch")
	}
	if err := a.auditLog.Record(ctx, round.PolicyID, round.Epoch, eventType, detail); err != nil {
		a.logger.Errorw("recording audit event", "type", eventType, "error", err)
	}
	return nil
}
