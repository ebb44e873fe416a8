package pebbledb

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"path/filepath"

	"github.com/agrishield/payout-engine/domain"
	"github.com/cockroachdb/pebble/v2"
	"github.com/pkg/errors"
)

// Key prefixes. One keyspace per entity, keys are prefix|policyId|0x00|epoch
// with big endian epochs so iteration order matches epoch order.
const (
	roundPrefix     = 0x01
	decisionPrefix  = 0x02
	payoutPrefix    = 0x03
	payoutIDPrefix  = 0x04 // payoutId -> (policyId, epoch) back reference
	reporterPrefix  = 0x05 // submission dedup markers
	highWaterPrefix = 0x06 // per policy last closed epoch
	auditSeqPrefix  = 0x07 // per (policyId, epoch) audit sequence counter
)

type Store struct {
	db *pebble.DB
}

func NewStore(storeDir string) (*Store, error) {
	db, err := pebble.Open(filepath.Join(storeDir, "payout-engine-store"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble db: %v", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func scopedKey(prefix byte, policyID string, epoch uint64) []byte {
	key := []byte{prefix}
	key = append(key, policyID...)
	key = append(key, 0x00)
	key = binary.BigEndian.AppendUint64(key, epoch)
	return key
}

func (s *Store) set(key []byte, entity interface{}) error {
	buffer := new(bytes.Buffer)
	if err := gob.NewEncoder(buffer).Encode(entity); err != nil {
		return errors.Wrap(err, "encoding entity")
	}
	// sync to prevent data loss. performance not important.
	if err := s.db.Set(key, buffer.Bytes(), pebble.Sync); err != nil {
		return errors.Wrap(err, "saving entity")
	}
	return nil
}

func (s *Store) get(key []byte, entity interface{}) error {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return domain.ErrStoreEntityNotFound
	}
	if err != nil {
		return errors.Wrapf(err, "getting value for key [%x]", key)
	}
	defer closer.Close()

	if err := gob.NewDecoder(bytes.NewBuffer(value)).Decode(entity); err != nil {
		return errors.Wrap(err, "decoding entity")
	}
	return nil
}

// SetRound persists a consensus round.
func (s *Store) SetRound(round domain.ConsensusRound) error {
	return s.set(scopedKey(roundPrefix, round.PolicyID, round.Epoch), round)
}

// GetRound loads a consensus round or domain.ErrStoreEntityNotFound.
func (s *Store) GetRound(policyID string, epoch uint64) (domain.ConsensusRound, error) {
	var round domain.ConsensusRound
	err := s.get(scopedKey(roundPrefix, policyID, epoch), &round)
	return round, err
}

// GetOpenRounds returns all rounds that have not reached a terminal status.
func (s *Store) GetOpenRounds() ([]domain.ConsensusRound, error) {
	var open []domain.ConsensusRound
	err := s.iterate(roundPrefix, func(value []byte) error {
		var round domain.ConsensusRound
		if err := gob.NewDecoder(bytes.NewBuffer(value)).Decode(&round); err != nil {
			return errors.Wrap(err, "decoding round")
		}
		if !round.Closed() {
			open = append(open, round)
		}
		return nil
	})
	return open, err
}

// GetResolvedRounds returns all resolved rounds. Used on tick to resume
// pipelines interrupted between resolution and payout handling.
// TODO: prune closed rounds once a retention policy is agreed.
func (s *Store) GetResolvedRounds() ([]domain.ConsensusRound, error) {
	var resolved []domain.ConsensusRound
	err := s.iterate(roundPrefix, func(value []byte) error {
		var round domain.ConsensusRound
		if err := gob.NewDecoder(bytes.NewBuffer(value)).Decode(&round); err != nil {
			return errors.Wrap(err, "decoding round")
		}
		if round.Status == domain.RoundResolved {
			resolved = append(resolved, round)
		}
		return nil
	})
	return resolved, err
}

// SetDecision persists a trigger decision.
func (s *Store) SetDecision(decision domain.TriggerDecision) error {
	return s.set(scopedKey(decisionPrefix, decision.PolicyID, decision.Epoch), decision)
}

// GetDecision loads a trigger decision or domain.ErrStoreEntityNotFound.
func (s *Store) GetDecision(policyID string, epoch uint64) (domain.TriggerDecision, error) {
	var decision domain.TriggerDecision
	err := s.get(scopedKey(decisionPrefix, policyID, epoch), &decision)
	return decision, err
}

type payoutRef struct {
	PolicyID string
	Epoch    uint64
}

// SetPayout persists a payout record and its payoutId back reference.
func (s *Store) SetPayout(record domain.PayoutRecord) error {
	if err := s.set(scopedKey(payoutPrefix, record.PolicyID, record.Epoch), record); err != nil {
		return err
	}
	idKey := append([]byte{payoutIDPrefix}, record.PayoutID...)
	return s.set(idKey, payoutRef{PolicyID: record.PolicyID, Epoch: record.Epoch})
}

// GetPayout loads the payout record for a (policy, epoch) or
// domain.ErrStoreEntityNotFound.
func (s *Store) GetPayout(policyID string, epoch uint64) (domain.PayoutRecord, error) {
	var record domain.PayoutRecord
	err := s.get(scopedKey(payoutPrefix, policyID, epoch), &record)
	return record, err
}

// GetPayoutByID loads a payout record via its payoutId back reference.
func (s *Store) GetPayoutByID(payoutID string) (domain.PayoutRecord, error) {
	var ref payoutRef
	idKey := append([]byte{payoutIDPrefix}, payoutID...)
	if err := s.get(idKey, &ref); err != nil {
		return domain.PayoutRecord{}, err
	}
	return s.GetPayout(ref.PolicyID, ref.Epoch)
}

// GetPayoutsInStatus returns all payout records currently in one of the given
// statuses.
func (s *Store) GetPayoutsInStatus(statuses ...domain.PayoutStatus) ([]domain.PayoutRecord, error) {
	var records []domain.PayoutRecord
	err := s.iterate(payoutPrefix, func(value []byte) error {
		var record domain.PayoutRecord
		if err := gob.NewDecoder(bytes.NewBuffer(value)).Decode(&record); err != nil {
			return errors.Wrap(err, "decoding payout record")
		}
		for _, status := range statuses {
			if record.Status == status {
				records = append(records, record)
				break
			}
		}
		return nil
	})
	return records, err
}

// MarkReporterSubmission records that a reporter already submitted for a
// (policy, epoch). Write-once, used for duplicate rejection.
func (s *Store) MarkReporterSubmission(policyID string, epoch uint64, reporterID string, attestationHash string) error {
	key := scopedKey(reporterPrefix, policyID, epoch)
	key = append(key, reporterID...)
	return s.set(key, attestationHash)
}

// HasReporterSubmission reports whether a submission marker exists.
func (s *Store) HasReporterSubmission(policyID string, epoch uint64, reporterID string) (bool, error) {
	key := scopedKey(reporterPrefix, policyID, epoch)
	key = append(key, reporterID...)
	var hash string
	err := s.get(key, &hash)
	if errors.Is(err, domain.ErrStoreEntityNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetHighWaterEpoch records the last closed (resolved, unresolved or expired)
// epoch for a policy. Older epochs are rejected at ingress.
func (s *Store) SetHighWaterEpoch(policyID string, epoch uint64) error {
	key := append([]byte{highWaterPrefix}, policyID...)
	var value []byte
	value = binary.BigEndian.AppendUint64(value, epoch)
	if err := s.db.Set(key, value, pebble.Sync); err != nil {
		return errors.Wrapf(err, "setting high water epoch for policy [%s]", policyID)
	}
	return nil
}

// GetHighWaterEpoch returns the last closed epoch for a policy or
// domain.ErrStoreEntityNotFound when no round closed yet.
func (s *Store) GetHighWaterEpoch(policyID string) (uint64, error) {
	key := append([]byte{highWaterPrefix}, policyID...)
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, domain.ErrStoreEntityNotFound
	}
	if err != nil {
		return 0, errors.Wrapf(err, "getting high water epoch for policy [%s]", policyID)
	}
	defer closer.Close()
	return binary.BigEndian.Uint64(value), nil
}

// NextAuditSeq allocates the next audit sequence number for a (policy,
// epoch). Callers serialize per key, so read-increment-write is safe.
func (s *Store) NextAuditSeq(policyID string, epoch uint64) (uint64, error) {
	key := scopedKey(auditSeqPrefix, policyID, epoch)
	var next uint64 = 1
	value, closer, err := s.db.Get(key)
	if err == nil {
		next = binary.BigEndian.Uint64(value) + 1
		closer.Close()
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return 0, errors.Wrap(err, "getting audit sequence")
	}
	var encoded []byte
	encoded = binary.BigEndian.AppendUint64(encoded, next)
	if err := s.db.Set(key, encoded, pebble.Sync); err != nil {
		return 0, errors.Wrap(err, "setting audit sequence")
	}
	return next, nil
}

func (s *Store) iterate(prefix byte, visit func(value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefix},
		UpperBound: []byte{prefix + 1},
	})
	if err != nil {
		return errors.Wrap(err, "creating iterator")
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return errors.Wrap(err, "reading iterator value")
		}
		if err := visit(value); err != nil {
			return err
		}
	}
	return iter.Error()
}
