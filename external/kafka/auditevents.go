package kafka

import (
	"context"
	"encoding/json"
	"log"

	"github.com/agrishield/payout-engine/audit"
	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kgo"
)

// AuditEventsClient consumes the audit event topic, used by the audit
// indexer.
type AuditEventsClient struct {
	kcl *kgo.Client
}

func NewAuditEventsClient(kafkaClient *kgo.Client) *AuditEventsClient {
	return &AuditEventsClient{
		kcl: kafkaClient,
	}
}

func (c *AuditEventsClient) PollMessages(ctx context.Context) ([]audit.Event, error) {
	fetches := c.kcl.PollRecords(ctx, 1000)
	if fetches.IsClientClosed() {
		return nil, errors.New("kafka client closed")
	}
	if errs := fetches.Errors(); len(errs) > 0 {
		for _, err := range errs {
			log.Printf("Error: %v", err)
		}
		return nil, errors.New("fetching records")
	}

	var events []audit.Event
	iter := fetches.RecordIter()
	for !iter.Done() {
		record := iter.Next()
		var event audit.Event
		if err := json.Unmarshal(record.Value, &event); err != nil {
			return nil, errors.Wrapf(err, "unmarshalling record %s", string(record.Value))
		}
		if event.PolicyID == "" || event.Seq == 0 {
			return nil, errors.Errorf("audit event with missing information: %+v", event)
		}
		events = append(events, event)
	}
	return events, nil
}

// AllowRebalance needs to be called after polling in case option BlockRebalanceOnPoll is set
func (c *AuditEventsClient) AllowRebalance() {
	c.kcl.AllowRebalance()
}

func (c *AuditEventsClient) Commit(ctx context.Context) error {
	err := c.kcl.CommitUncommittedOffsets(ctx)
	if err != nil {
		return errors.Wrap(err, "committing offsets")
	}
	return nil
}
