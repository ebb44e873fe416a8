package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kgo"
)

type KafkaClient interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// SequenceStore allocates gapless per-key sequence numbers. Backed by the
// pebble store in production.
type SequenceStore interface {
	NextAuditSeq(policyID string, epoch uint64) (uint64, error)
}

// Publisher records audit events by producing them to a Kafka topic. Records
// are keyed by (policyId, epoch) so one key lands on one partition and the
// per-key ordering survives transport.
type Publisher struct {
	kcl  KafkaClient
	seqs SequenceStore
	now  func() time.Time
}

func NewPublisher(kafkaClient KafkaClient, seqs SequenceStore) *Publisher {
	return &Publisher{
		kcl:  kafkaClient,
		seqs: seqs,
		now:  time.Now,
	}
}

func (p *Publisher) Record(ctx context.Context, policyID string, epoch uint64, eventType EventType, detail map[string]interface{}) error {
	seq, err := p.seqs.NextAuditSeq(policyID, epoch)
	if err != nil {
		return errors.Wrap(err, "allocating audit sequence")
	}
	event := Event{
		PolicyID:   policyID,
		Epoch:      epoch,
		Seq:        seq,
		Type:       eventType,
		OccurredAt: p.now().UTC(),
		Detail:     detail,
	}
	record, err := createEventRecord(event)
	if err != nil {
		return err
	}
	if err := p.kcl.ProduceSync(ctx, record).FirstErr(); err != nil {
		return errors.Wrap(err, "producing audit event")
	}
	return nil
}

func createEventRecord(event Event) (*kgo.Record, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling audit event to json")
	}
	key := []byte(event.PolicyID)
	key = append(key, 0x00)
	key = binary.BigEndian.AppendUint64(key, event.Epoch)
	return &kgo.Record{
		Key:   key,
		Value: payload,
	}, nil
}
