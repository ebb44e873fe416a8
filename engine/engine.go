package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/agrishield/payout-engine/consensus"
	"github.com/agrishield/payout-engine/domain"
	"github.com/agrishield/payout-engine/ingress"
	"github.com/agrishield/payout-engine/metrics"
	"github.com/agrishield/payout-engine/payout"
	"github.com/agrishield/payout-engine/trigger"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Store interface {
	GetOpenRounds() ([]domain.ConsensusRound, error)
	GetResolvedRounds() ([]domain.ConsensusRound, error)
	GetDecision(policyID string, epoch uint64) (domain.TriggerDecision, error)
	GetPayout(policyID string, epoch uint64) (domain.PayoutRecord, error)
}

// ConfirmationSource delivers asynchronous execution results, typically the
// Kafka confirmation topic.
type ConfirmationSource interface {
	PollMessages(ctx context.Context) ([]payout.Confirmation, error)
	Commit(ctx context.Context) error
	AllowRebalance()
}

// Engine wires the pipeline: ingress feeds the consensus aggregator, a
// resolved round feeds the trigger evaluator, a trigger decision feeds the
// payout ledger. For one (policyId, epoch) the steps never run concurrently
// or out of order; distinct keys proceed in parallel.
type Engine struct {
	ingress       *ingress.Ingress
	aggregator    *consensus.Aggregator
	evaluator     *trigger.Evaluator
	ledger        *payout.Ledger
	policies      ingress.PolicyProvider
	store         Store
	confirmations ConfirmationSource
	tickInterval  time.Duration
	logger        *zap.SugaredLogger
	metrics       *metrics.Metrics
	locks         *keyedMutex
	now           func() time.Time
}

func NewEngine(in *ingress.Ingress, aggregator *consensus.Aggregator, evaluator *trigger.Evaluator,
	ledger *payout.Ledger, policies ingress.PolicyProvider, store Store, confirmations ConfirmationSource,
	tickInterval time.Duration, logger *zap.SugaredLogger, m *metrics.Metrics) *Engine {

	return &Engine{
		ingress:       in,
		aggregator:    aggregator,
		evaluator:     evaluator,
		ledger:        ledger,
		policies:      policies,
		store:         store,
		confirmations: confirmations,
		tickInterval:  tickInterval,
		logger:        logger,
		metrics:       m,
		locks:         newKeyedMutex(),
		now:           time.Now,
	}
}

func lockKey(policyID string, epoch uint64) string {
	return fmt.Sprintf("%s/%d", policyID, epoch)
}

// Submit runs one attestation through ingress and, when it completes a
// quorum, through the rest of the pipeline.
func (e *Engine) Submit(ctx context.Context, att domain.Attestation) (ingress.Receipt, error) {
	unlock := e.locks.Lock(lockKey(att.PolicyID, att.Epoch))
	defer unlock()

	receipt, policy, err := e.ingress.Submit(ctx, att)
	if err != nil || !receipt.Accepted {
		return receipt, err
	}
	canonical, err := e.aggregator.OnAttestation(ctx, att)
	if err != nil {
		return receipt, err
	}
	if canonical != nil {
		if err := e.runPipeline(ctx, policy, *canonical); err != nil {
			return receipt, err
		}
	}
	return receipt, nil
}

func (e *Engine) runPipeline(ctx context.Context, policy domain.Policy, canonical domain.CanonicalAttestation) error {
	decision, err := e.evaluator.Evaluate(ctx, policy, canonical)
	if err != nil {
		return errors.Wrap(err, "evaluating trigger")
	}
	if err := e.ledger.HandleDecision(ctx, policy, decision, canonical); err != nil {
		return errors.Wrap(err, "handling decision")
	}
	return nil
}

// ApprovePayout records the second approval for a high value payout.
func (e *Engine) ApprovePayout(ctx context.Context, payoutID, approverID string) (domain.PayoutRecord, error) {
	record, err := e.ledger.Get(payoutID)
	if err != nil {
		return domain.PayoutRecord{}, err
	}
	unlock := e.locks.Lock(lockKey(record.PolicyID, record.Epoch))
	defer unlock()
	return e.ledger.Approve(ctx, payoutID, approverID)
}

// VoidPayout voids a terminally failed payout.
func (e *Engine) VoidPayout(ctx context.Context, payoutID, reason, approverID string) (domain.PayoutRecord, error) {
	record, err := e.ledger.Get(payoutID)
	if err != nil {
		return domain.PayoutRecord{}, err
	}
	unlock := e.locks.Lock(lockKey(record.PolicyID, record.Epoch))
	defer unlock()
	return e.ledger.Void(ctx, payoutID, reason, approverID)
}

// GetPayout returns one payout record by id.
func (e *Engine) GetPayout(payoutID string) (domain.PayoutRecord, error) {
	return e.ledger.Get(payoutID)
}

// RunTicker drives the scheduled re-checks: round deadlines, payout retries
// and reconciliations, interrupted pipeline resumption.
func (e *Engine) RunTicker(ctx context.Context) error {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	e.closeDueRounds(ctx)
	e.resumeResolvedRounds(ctx)
	e.processDuePayouts(ctx)

	if open, err := e.store.GetOpenRounds(); err == nil {
		e.metrics.SetOpenRounds(len(open))
	}
}

func (e *Engine) closeDueRounds(ctx context.Context) {
	due, err := e.aggregator.DueRounds(e.now())
	if err != nil {
		e.logger.Errorw("listing due rounds", "error", err)
		return
	}
	for _, key := range due {
		e.withKey(key.PolicyID, key.Epoch, func() error {
			canonical, err := e.aggregator.CloseDue(ctx, key)
			if err != nil || canonical == nil {
				return err
			}
			policy, err := e.policies.GetPolicy(ctx, key.PolicyID)
			if err != nil {
				// the round stays resolved, the resume pass retries
				return errors.Wrap(err, "fetching policy")
			}
			return e.runPipeline(ctx, policy, *canonical)
		})
	}
}

// resumeResolvedRounds re-runs the pipeline for resolved rounds whose
// decision or payout handling did not complete, e.g. after a crash between
// resolution and decision persistence. Both downstream steps are idempotent,
// so replaying a completed round is a no-op.
func (e *Engine) resumeResolvedRounds(ctx context.Context) {
	resolved, err := e.store.GetResolvedRounds()
	if err != nil {
		e.logger.Errorw("listing resolved rounds", "error", err)
		return
	}
	for _, round := range resolved {
		decision, err := e.store.GetDecision(round.PolicyID, round.Epoch)
		if err == nil && decision.Severity == domain.SeverityNone {
			continue
		}
		if err == nil {
			if _, payoutErr := e.store.GetPayout(round.PolicyID, round.Epoch); payoutErr == nil {
				continue
			}
		} else if !errors.Is(err, domain.ErrStoreEntityNotFound) {
			e.logger.Errorw("loading decision", "policy", round.PolicyID, "epoch", round.Epoch, "error", err)
			continue
		}

		e.withKey(round.PolicyID, round.Epoch, func() error {
			policy, err := e.policies.GetPolicy(ctx, round.PolicyID)
			if err != nil {
				return errors.Wrap(err, "fetching policy")
			}
			return e.runPipeline(ctx, policy, *round.Canonical)
		})
	}
}

func (e *Engine) processDuePayouts(ctx context.Context) {
	due, err := e.ledger.Due(e.now())
	if err != nil {
		e.logger.Errorw("listing due payouts", "error", err)
		return
	}
	for _, record := range due {
		e.withKey(record.PolicyID, record.Epoch, func() error {
			return e.ledger.ProcessDue(ctx, record.PolicyID, record.Epoch)
		})
	}
}

// withKey runs fn inside the key's exclusive section. Errors halt only the
// affected key, never the engine.
func (e *Engine) withKey(policyID string, epoch uint64, fn func() error) {
	unlock := e.locks.Lock(lockKey(policyID, epoch))
	defer unlock()
	if err := fn(); err != nil {
		if domain.IsInvariantViolation(err) {
			e.logger.Errorw("invariant violation", "policy", policyID, "epoch", epoch, "error", err)
			return
		}
		e.logger.Errorw("processing key", "policy", policyID, "epoch", epoch, "error", err)
	}
}

// RunConfirmations consumes asynchronous execution results until the context
// ends.
func (e *Engine) RunConfirmations(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := e.consumeConfirmationBatch(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// if there is an error consuming we abort. We need to fix the error before trying again.
			return errors.Wrap(err, "consuming confirmation batch")
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (e *Engine) consumeConfirmationBatch(ctx context.Context) error {
	defer e.confirmations.AllowRebalance()
	confirmations, err := e.confirmations.PollMessages(ctx)
	if err != nil {
		return errors.Wrap(err, "poll messages")
	}
	for _, confirmation := range confirmations {
		e.applyConfirmation(ctx, confirmation)
	}
	if err := e.confirmations.Commit(ctx); err != nil {
		return errors.Wrap(err, "committing batch")
	}
	return nil
}

func (e *Engine) applyConfirmation(ctx context.Context, confirmation payout.Confirmation) {
	record, err := e.ledger.Get("po-" + confirmation.IdempotencyKey)
	if err != nil {
		// unknown payout, let the ledger log it
		if err := e.ledger.HandleConfirmation(ctx, confirmation); err != nil {
			e.logger.Errorw("handling confirmation", "idempotencyKey", confirmation.IdempotencyKey, "error", err)
		}
		return
	}
	e.withKey(record.PolicyID, record.Epoch, func() error {
		return e.ledger.HandleConfirmation(ctx, confirmation)
	})
}
