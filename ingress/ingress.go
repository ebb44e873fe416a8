package ingress

import (
	"context"
	"time"

	"github.com/agrishield/payout-engine/audit"
	"github.com/agrishield/payout-engine/domain"
	"github.com/agrishield/payout-engine/metrics"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Receipt is the synchronous answer to one submission attempt.
type Receipt struct {
	Accepted bool                `json:"accepted"`
	Reason   domain.RejectReason `json:"reason,omitempty"`
}

type PolicyProvider interface {
	GetPolicy(ctx context.Context, policyID string) (domain.Policy, error)
}

type Store interface {
	HasReporterSubmission(policyID string, epoch uint64, reporterID string) (bool, error)
	MarkReporterSubmission(policyID string, epoch uint64, reporterID string, attestationHash string) error
	GetHighWaterEpoch(policyID string) (uint64, error)
}

type Config struct {
	MaxSubmissionAge time.Duration // freshness bound on submittedAt
}

// Ingress validates submitted attestations. Every accepted or rejected
// attempt is written to the audit trail; rejections are reported to the
// submitter and never retried by the engine.
type Ingress struct {
	store    Store
	policies PolicyProvider
	verifier SignatureVerifier
	limiter  RateLimiter
	auditLog audit.Recorder
	cfg      Config
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewIngress(store Store, policies PolicyProvider, verifier SignatureVerifier, limiter RateLimiter,
	auditLog audit.Recorder, cfg Config, logger *zap.SugaredLogger, m *metrics.Metrics) *Ingress {

	return &Ingress{
		store:    store,
		policies: policies,
		verifier: verifier,
		limiter:  limiter,
		auditLog: auditLog,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Submit validates one attestation. On acceptance the submission is marked
// so the same reporter cannot submit twice for the same (policy, epoch);
// duplicates are rejected, not overwritten. The policy snapshot used for
// validation is returned so the caller can reuse it downstream.
func (i *Ingress) Submit(ctx context.Context, att domain.Attestation) (Receipt, domain.Policy, error) {
	policy, err := i.policies.GetPolicy(ctx, att.PolicyID)
	if errors.Is(err, domain.ErrPolicyNotFound) {
		return i.reject(ctx, att, domain.RejectUnknownPolicy), domain.Policy{}, nil
	}
	if err != nil {
		return Receipt{}, domain.Policy{}, errors.Wrap(err, "fetching policy")
	}
	if !policy.IsActive(i.now()) {
		return i.reject(ctx, att, domain.RejectPolicyInactive), policy, nil
	}

	allowed, err := i.limiter.Allow(ctx, att.ReporterID)
	if err != nil {
		return Receipt{}, policy, errors.Wrap(err, "checking rate limit")
	}
	if !allowed {
		return i.reject(ctx, att, domain.RejectRateLimited), policy, nil
	}

	publicKey, authorized := policy.ReporterKey(att.ReporterID)
	if !authorized {
		return i.reject(ctx, att, domain.RejectUnauthorizedReporter), policy, nil
	}
	if err := i.verifier.Verify(att, publicKey); err != nil {
		i.logger.Warnw("attestation signature rejected",
			"policy", att.PolicyID, "epoch", att.Epoch, "reporter", att.ReporterID, "error", err)
		return i.reject(ctx, att, domain.RejectBadSignature), policy, nil
	}

	if i.cfg.MaxSubmissionAge > 0 {
		age := i.now().Sub(att.SubmittedAt)
		if age > i.cfg.MaxSubmissionAge || age < -i.cfg.MaxSubmissionAge {
			return i.reject(ctx, att, domain.RejectStaleSubmission), policy, nil
		}
	}

	highWater, err := i.store.GetHighWaterEpoch(att.PolicyID)
	if err != nil && !errors.Is(err, domain.ErrStoreEntityNotFound) {
		return Receipt{}, policy, errors.Wrap(err, "getting high water epoch")
	}
	if err == nil && att.Epoch <= highWater {
		return i.reject(ctx, att, domain.RejectStaleEpoch), policy, nil
	}

	duplicate, err := i.store.HasReporterSubmission(att.PolicyID, att.Epoch, att.ReporterID)
	if err != nil {
		return Receipt{}, policy, errors.Wrap(err, "checking for duplicate submission")
	}
	if duplicate {
		return i.reject(ctx, att, domain.RejectDuplicate), policy, nil
	}

	if err := i.store.MarkReporterSubmission(att.PolicyID, att.Epoch, att.ReporterID, att.Hash()); err != nil {
		return Receipt{}, policy, errors.Wrap(err, "marking reporter submission")
	}
	i.metrics.IncAcceptedAttestations()
	i.recordAudit(ctx, att, audit.AttestationAccepted, map[string]interface{}{
		"reporter": att.ReporterID,
		"hash":     att.Hash(),
	})
	return Receipt{Accepted: true}, policy, nil
}

func (i *Ingress) reject(ctx context.Context, att domain.Attestation, reason domain.RejectReason) Receipt {
	i.metrics.IncRejectedAttestations(string(reason))
	i.recordAudit(ctx, att, audit.AttestationRejected, map[string]interface{}{
		"reporter": att.ReporterID,
		"reason":   string(reason),
	})
	return Receipt{Accepted: false, Reason: reason}
}

func (i *Ingress) recordAudit(ctx context.Context, att domain.Attestation, eventType audit.EventType, detail map[string]interface{}) {
	if err := i.auditLog.Record(ctx, att.PolicyID, att.Epoch, eventType, detail); err != nil {
		i.logger.Errorw("recording audit event", "type", eventType, "error", err)
	}
}
