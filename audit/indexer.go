package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/agrishield/payout-engine/external/elastic"
	"github.com/pkg/errors"
)

type EventSource interface {
	PollMessages(ctx context.Context) ([]Event, error)
	Commit(ctx context.Context) error
	AllowRebalance()
}

type ElasticClient interface {
	BulkIndex(ctx context.Context, data []*elastic.EsDocument) error
}

// Indexer consumes audit events from the topic and indexes them into
// Elasticsearch for search and operator review.
type Indexer struct {
	source  EventSource
	elastic ElasticClient
}

func NewIndexer(source EventSource, elasticClient ElasticClient) *Indexer {
	return &Indexer{
		source:  source,
		elastic: elasticClient,
	}
}

func (i *Indexer) Consume() error {
	for {
		count, err := i.consumeBatch(context.Background())
		if err != nil {
			// if there is an error consuming we abort. We need to fix the error before trying again.
			log.Printf("Error consuming batch: %v", err)
			return errors.Wrap(err, "consuming batch")
		}
		if count > 0 {
			log.Printf("Indexed [%d] audit events.", count)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (i *Indexer) consumeBatch(ctx context.Context) (int, error) {
	defer i.source.AllowRebalance()
	events, err := i.source.PollMessages(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "poll messages")
	}
	if len(events) > 0 {
		documents := make([]*elastic.EsDocument, 0, len(events))
		for _, event := range events {
			document, err := convertToDocument(event)
			if err != nil {
				return 0, err
			}
			documents = append(documents, document)
		}
		if err := i.elastic.BulkIndex(ctx, documents); err != nil {
			return 0, errors.Wrap(err, "elastic indexing")
		}
	}
	if err := i.source.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "committing batch")
	}
	return len(events), nil
}

func convertToDocument(event Event) (*elastic.EsDocument, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, errors.Wrapf(err, "marshalling audit event %+v", event)
	}
	return &elastic.EsDocument{
		Id:      fmt.Sprintf("%s-%d-%d", event.PolicyID, event.Epoch, event.Seq),
		Payload: payload,
	}, nil
}
