package payout

import (
	"context"
	"time"

	"github.com/agrishield/payout-engine/audit"
	"github.com/agrishield/payout-engine/domain"
	"github.com/agrishield/payout-engine/metrics"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SubmitStatus is the execution adapter's view of one payout submission.
type SubmitStatus string

const (
	StatusPending   SubmitStatus = "PENDING"
	StatusConfirmed SubmitStatus = "CONFIRMED"
	StatusFailed    SubmitStatus = "FAILED"
)

type SubmitRequest struct {
	IdempotencyKey  string `json:"idempotencyKey"`
	FarmerWalletRef string `json:"farmerWalletRef"`
	Amount          int64  `json:"amount"`
	PolicyID        string `json:"policyId"`
}

type SubmitResult struct {
	Status SubmitStatus `json:"status"`
	TxRef  string       `json:"txRef,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

type ReconcileResult struct {
	Found  bool
	Status SubmitStatus
	TxRef  string
	Reason string
}

// ExecutionAdapter is the only component that moves funds. Submissions carry
// an idempotency key so a repeated call after a crash cannot duplicate a
// transfer.
type ExecutionAdapter interface {
	SubmitPayout(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	Reconcile(ctx context.Context, idempotencyKey string) (ReconcileResult, error)
}

// Confirmation is an asynchronous execution result, delivered through the
// confirmation topic.
type Confirmation struct {
	IdempotencyKey string       `json:"idempotencyKey"`
	Status         SubmitStatus `json:"status"`
	TxRef          string       `json:"txRef,omitempty"`
	Reason         string       `json:"reason,omitempty"`
}

type Store interface {
	GetPayout(policyID string, epoch uint64) (domain.PayoutRecord, error)
	SetPayout(record domain.PayoutRecord) error
	GetPayoutByID(payoutID string) (domain.PayoutRecord, error)
	GetPayoutsInStatus(statuses ...domain.PayoutStatus) ([]domain.PayoutRecord, error)
}

type Config struct {
	RetryBudget        int           // total submission attempts before terminal failure
	RetryBackoff       time.Duration // base backoff, doubled per attempt
	ConfirmTimeout     time.Duration // Submitted payouts older than this are reconciled
	HighValueThreshold int64         // amounts at or above require a second approval, 0 disables
}

// Ledger owns the payout records and is the sole writer of their status.
// Callers serialize operations per (policyId, epoch).
type Ledger struct {
	store    Store
	adapter  ExecutionAdapter
	auditLog audit.Recorder
	cfg      Config
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewLedger(store Store, adapter ExecutionAdapter, auditLog audit.Recorder, cfg Config,
	logger *zap.SugaredLogger, m *metrics.Metrics) *Ledger {

	return &Ledger{
		store:    store,
		adapter:  adapter,
		auditLog: auditLog,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// HandleDecision turns a non-None trigger decision into a payout record and
// drives it towards submission. Replaying the same decision is a no-op.
func (l *Ledger) HandleDecision(ctx context.Context, policy domain.Policy, decision domain.TriggerDecision, canonical domain.CanonicalAttestation) error {
	if decision.Severity == domain.SeverityNone {
		return nil
	}

	amount := computeAmount(policy.CoverageAmount, decision.PayoutFraction, canonical.Confidence)

	existing, err := l.store.GetPayout(decision.PolicyID, decision.Epoch)
	if err == nil {
		if existing.Status != domain.PayoutVoided && existing.Amount != amount {
			return domain.Invariantf(decision.PolicyID, decision.Epoch,
				"existing payout amount [%d] does not match decision amount [%d]", existing.Amount, amount)
		}
		return nil
	}
	if !errors.Is(err, domain.ErrStoreEntityNotFound) {
		return errors.Wrap(err, "loading payout record")
	}

	if amount == 0 {
		l.logger.Debugw("decision yields zero payout, no record created",
			"policy", decision.PolicyID, "epoch", decision.Epoch, "confidence", canonical.Confidence)
		return nil
	}

	key := domain.IdempotencyKey(decision.PolicyID, decision.Epoch)
	record := domain.PayoutRecord{
		PayoutID:        "po-" + key,
		PolicyID:        decision.PolicyID,
		Epoch:           decision.Epoch,
		FarmerWalletRef: policy.FarmerWalletRef,
		Amount:          amount,
		Status:          domain.PayoutPending,
		IdempotencyKey:  key,
		CreatedAt:       l.now().UTC(),
	}
	if err := l.store.SetPayout(record); err != nil {
		return errors.Wrap(err, "saving payout record")
	}
	l.metrics.IncPayoutTransitions(string(domain.PayoutPending))
	l.recordAudit(ctx, record, audit.PayoutCreated, map[string]interface{}{
		"amount":   amount,
		"severity": decision.Severity.String(),
	})

	if l.requiresApproval(record) {
		l.logger.Infow("high value payout awaiting approval",
			"payout", record.PayoutID, "amount", record.Amount)
		return nil
	}
	return l.submit(ctx, record)
}

// computeAmount scales the tier payout by the canonical confidence,
// truncating towards zero. Confidence is clamped to [0,1] so it can only
// scale a payout down.
func computeAmount(coverage int64, payoutFraction, confidence float64) int64 {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return int64(float64(coverage) * payoutFraction * confidence)
}

func (l *Ledger) requiresApproval(record domain.PayoutRecord) bool {
	return l.cfg.HighValueThreshold > 0 && record.Amount >= l.cfg.HighValueThreshold && record.ApprovedBy == ""
}

// Approve records the second approval signal for a high value payout and
// submits it.
func (l *Ledger) Approve(ctx context.Context, payoutID, approverID string) (domain.PayoutRecord, error) {
	if approverID == "" {
		return domain.PayoutRecord{}, errors.New("approver id is required")
	}
	record, err := l.store.GetPayoutByID(payoutID)
	if err != nil {
		return domain.PayoutRecord{}, err
	}
	if record.Status != domain.PayoutPending {
		return domain.PayoutRecord{}, errors.Errorf("payout [%s] is %s, only pending payouts can be approved", payoutID, record.Status)
	}
	if !l.requiresApproval(record) {
		return domain.PayoutRecord{}, errors.Errorf("payout [%s] does not require approval", payoutID)
	}
	record.ApprovedBy = approverID
	if err := l.store.SetPayout(record); err != nil {
		return domain.PayoutRecord{}, errors.Wrap(err, "saving payout record")
	}
	l.recordAudit(ctx, record, audit.PayoutApproved, map[string]interface{}{"approverId": approverID})
	if err := l.submit(ctx, record); err != nil {
		return domain.PayoutRecord{}, err
	}
	return l.store.GetPayoutByID(payoutID)
}

// submit transitions a record into Submitted and invokes the execution
// adapter. The transition is persisted before the call so a crash in between
// is recovered through reconciliation, never through a blind resubmit.
func (l *Ledger) submit(ctx context.Context, record domain.PayoutRecord) error {
	record.Status = domain.PayoutSubmitted
	record.Attempts++
	record.SubmittedAt = l.now().UTC()
	record.NextAttemptAt = time.Time{}
	if err := l.store.SetPayout(record); err != nil {
		return errors.Wrap(err, "saving payout record")
	}
	l.metrics.IncPayoutTransitions(string(domain.PayoutSubmitted))
	l.recordAudit(ctx, record, audit.PayoutSubmitted, map[string]interface{}{
		"attempt":    record.Attempts,
		"approvedBy": record.ApprovedBy,
	})

	result, err := l.adapter.SubmitPayout(ctx, SubmitRequest{
		IdempotencyKey:  record.IdempotencyKey,
		FarmerWalletRef: record.FarmerWalletRef,
		Amount:          record.Amount,
		PolicyID:        record.PolicyID,
	})
	if err != nil {
		// ambiguous outcome, funds may or may not have moved. wait for
		// the confirmation topic or the reconciliation timeout.
		l.logger.Warnw("payout submission outcome unknown", "payout", record.PayoutID, "error", err)
		return nil
	}
	switch result.Status {
	case StatusConfirmed:
		return l.confirm(ctx, record, result.TxRef)
	case StatusFailed:
		return l.fail(ctx, record, result.Reason)
	default:
		return nil
	}
}

func (l *Ledger) confirm(ctx context.Context, record domain.PayoutRecord, txRef string) error {
	if record.Status == domain.PayoutConfirmed {
		if record.LedgerTxRef != txRef {
			return domain.Invariantf(record.PolicyID, record.Epoch,
				"confirmed payout has tx ref [%s], adapter reports [%s]", record.LedgerTxRef, txRef)
		}
		return nil
	}
	record.Status = domain.PayoutConfirmed
	record.LedgerTxRef = txRef
	record.FinalizedAt = l.now().UTC()
	if err := l.store.SetPayout(record); err != nil {
		return errors.Wrap(err, "saving payout record")
	}
	l.metrics.IncPayoutTransitions(string(domain.PayoutConfirmed))
	l.metrics.AddConfirmedAmount(record.Amount)
	l.recordAudit(ctx, record, audit.PayoutConfirmed, map[string]interface{}{
		"txRef":  txRef,
		"amount": record.Amount,
	})
	return nil
}

func (l *Ledger) fail(ctx context.Context, record domain.PayoutRecord, reason string) error {
	record.Status = domain.PayoutFailed
	record.FailureReason = reason
	terminal := record.Attempts >= l.cfg.RetryBudget
	if terminal {
		record.NextAttemptAt = time.Time{}
		l.logger.Errorw("payout failed terminally, operator review required",
			"payout", record.PayoutID, "attempts", record.Attempts, "reason", reason)
	} else {
		backoff := l.cfg.RetryBackoff << (record.Attempts - 1)
		record.NextAttemptAt = l.now().Add(backoff).UTC()
	}
	if err := l.store.SetPayout(record); err != nil {
		return errors.Wrap(err, "saving payout record")
	}
	l.metrics.IncPayoutTransitions(string(domain.PayoutFailed))
	l.recordAudit(ctx, record, audit.PayoutFailed, map[string]interface{}{
		"reason":   reason,
		"attempt":  record.Attempts,
		"terminal": terminal,
	})
	return nil
}

// HandleConfirmation applies an asynchronous execution result. Late and
// duplicate confirmations are tolerated; a result that contradicts a
// confirmed record is an invariant violation.
func (l *Ledger) HandleConfirmation(ctx context.Context, conf Confirmation) error {
	record, err := l.store.GetPayoutByID("po-" + conf.IdempotencyKey)
	if errors.Is(err, domain.ErrStoreEntityNotFound) {
		l.logger.Warnw("confirmation for unknown payout", "idempotencyKey", conf.IdempotencyKey)
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "loading payout record")
	}
	if record.Status == domain.PayoutVoided {
		l.logger.Warnw("confirmation for voided payout ignored", "payout", record.PayoutID)
		return nil
	}
	switch conf.Status {
	case StatusConfirmed:
		return l.confirm(ctx, record, conf.TxRef)
	case StatusFailed:
		if record.Status == domain.PayoutConfirmed {
			return domain.Invariantf(record.PolicyID, record.Epoch,
				"adapter reports failure for confirmed payout [%s]", record.PayoutID)
		}
		if record.Status != domain.PayoutSubmitted {
			return nil
		}
		return l.fail(ctx, record, conf.Reason)
	default:
		return nil
	}
}

// Due returns the records with scheduled work: submitted payouts past the
// confirmation timeout and failed payouts due for a retry.
func (l *Ledger) Due(now time.Time) ([]domain.PayoutRecord, error) {
	candidates, err := l.store.GetPayoutsInStatus(domain.PayoutSubmitted, domain.PayoutFailed)
	if err != nil {
		return nil, errors.Wrap(err, "listing payout records")
	}
	var due []domain.PayoutRecord
	for _, record := range candidates {
		switch record.Status {
		case domain.PayoutSubmitted:
			if !now.Before(record.SubmittedAt.Add(l.cfg.ConfirmTimeout)) {
				due = append(due, record)
			}
		case domain.PayoutFailed:
			if record.Attempts < l.cfg.RetryBudget && !now.Before(record.NextAttemptAt) {
				due = append(due, record)
			}
		}
	}
	return due, nil
}

// ProcessDue performs the scheduled work for one (policyId, epoch) under the
// caller's key lock. Submitted records are reconciled against the adapter
// before anything else: funds are never assumed lost on a timeout.
func (l *Ledger) ProcessDue(ctx context.Context, policyID string, epoch uint64) error {
	record, err := l.store.GetPayout(policyID, epoch)
	if errors.Is(err, domain.ErrStoreEntityNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "loading payout record")
	}
	now := l.now()

	switch record.Status {
	case domain.PayoutSubmitted:
		if now.Before(record.SubmittedAt.Add(l.cfg.ConfirmTimeout)) {
			return nil
		}
		return l.reconcile(ctx, record)
	case domain.PayoutFailed:
		if record.Attempts >= l.cfg.RetryBudget || now.Before(record.NextAttemptAt) {
			return nil
		}
		return l.submit(ctx, record)
	default:
		return nil
	}
}

func (l *Ledger) reconcile(ctx context.Context, record domain.PayoutRecord) error {
	result, err := l.adapter.Reconcile(ctx, record.IdempotencyKey)
	if err != nil {
		l.logger.Warnw("reconciliation failed, will retry",
			"payout", record.PayoutID, "error", err)
		return nil
	}
	if !result.Found {
		// the adapter never saw the submission, funds did not move
		return l.fail(ctx, record, "submission not found on reconciliation")
	}
	switch result.Status {
	case StatusConfirmed:
		return l.confirm(ctx, record, result.TxRef)
	case StatusFailed:
		return l.fail(ctx, record, result.Reason)
	default:
		// still pending on the adapter side, push the check forward
		record.SubmittedAt = l.now().UTC()
		return errors.Wrap(l.store.SetPayout(record), "saving payout record")
	}
}

// Void marks a terminally failed payout as voided. Manual override only,
// always audited.
func (l *Ledger) Void(ctx context.Context, payoutID, reason, approverID string) (domain.PayoutRecord, error) {
	if approverID == "" {
		return domain.PayoutRecord{}, errors.New("approver id is required")
	}
	record, err := l.store.GetPayoutByID(payoutID)
	if err != nil {
		return domain.PayoutRecord{}, err
	}
	if record.Status != domain.PayoutFailed || record.Attempts < l.cfg.RetryBudget {
		return domain.PayoutRecord{}, errors.Errorf(
			"payout [%s] is %s with %d attempts, only terminally failed payouts can be voided",
			payoutID, record.Status, record.Attempts)
	}
	record.Status = domain.PayoutVoided
	record.VoidReason = reason
	record.VoidedBy = approverID
	record.FinalizedAt = l.now().UTC()
	if err := l.store.SetPayout(record); err != nil {
		return domain.PayoutRecord{}, errors.Wrap(err, "saving payout record")
	}
	l.metrics.IncPayoutTransitions(string(domain.PayoutVoided))
	l.recordAudit(ctx, record, audit.PayoutVoided, map[string]interface{}{
		"reason":     reason,
		"approverId": approverID,
	})
	return record, nil
}

// Get returns a payout record by id.
func (l *Ledger) Get(payoutID string) (domain.PayoutRecord, error) {
	return l.store.GetPayoutByID(payoutID)
}

func (l *Ledger) recordAudit(ctx context.Context, record domain.PayoutRecord, eventType audit.EventType, detail map[string]interface{}) {
	detail["payoutId"] = record.PayoutID
	if err := l.auditLog.Record(ctx, record.PolicyID, record.Epoch, eventType, detail); err != nil {
		l.logger.Errorw("recording audit event", "type", eventType, "error", err)
	}
}
