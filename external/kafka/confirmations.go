package kafka

import (
	"context"
	"encoding/json"
	"log"

	"github.com/agrishield/payout-engine/payout"
	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kgo"
)

// ConfirmationsClient consumes asynchronous execution results from the
// confirmation topic.
type ConfirmationsClient struct {
	kcl *kgo.Client
}

func NewConfirmationsClient(kafkaClient *kgo.Client) *ConfirmationsClient {
	return &ConfirmationsClient{
		kcl: kafkaClient,
	}
}

func (c *ConfirmationsClient) PollMessages(ctx context.Context) ([]payout.Confirmation, error) {
	fetches := c.kcl.PollRecords(ctx, 1000) // batch process max x messages in one run
	if fetches.IsClientClosed() {
		return nil, errors.New("kafka client closed")
	}
	if errs := fetches.Errors(); len(errs) > 0 {
		// Only non-retryable errors are returned.
		// Errors are typically per partition.
		for _, err := range errs {
			log.Printf("Error: %v", err)
		}
		return nil, errors.New("fetching records")
	}

	var confirmations []payout.Confirmation
	iter := fetches.RecordIter()
	for !iter.Done() {
		record := iter.Next()
		confirmation, err := unmarshalConfirmation(record)
		if err != nil {
			return nil, errors.Wrapf(err, "unmarshalling record %s", string(record.Value))
		}
		confirmations = append(confirmations, confirmation)
	}
	return confirmations, nil
}

// AllowRebalance needs to be called after polling in case option BlockRebalanceOnPoll is set
func (c *ConfirmationsClient) AllowRebalance() {
	c.kcl.AllowRebalance()
}

func (c *ConfirmationsClient) Commit(ctx context.Context) error {
	err := c.kcl.CommitUncommittedOffsets(ctx)
	if err != nil {
		return errors.Wrap(err, "committing offsets")
	}
	return nil
}

func unmarshalConfirmation(record *kgo.Record) (payout.Confirmation, error) {
	var confirmation payout.Confirmation
	if err := json.Unmarshal(record.Value, &confirmation); err != nil {
		return payout.Confirmation{}, err
	}
	if confirmation.IdempotencyKey == "" || confirmation.Status == "" {
		return payout.Confirmation{}, errors.Errorf("confirmation with missing information: %+v", confirmation)
	}
	return confirmation, nil
}
