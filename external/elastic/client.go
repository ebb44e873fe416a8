package elastic

import (
	"bytes"
	"context"
	"log"
	"runtime"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
	"github.com/pkg/errors"
)

type Client struct {
	esClient  *elasticsearch.Client
	indexName string
}

func NewClient(esClient *elasticsearch.Client, indexName string) *Client {
	return &Client{
		esClient:  esClient,
		indexName: indexName,
	}
}

type EsDocument struct {
	Id      string
	Payload []byte
}

// BulkIndex indexes audit event documents. Document ids are deterministic
// (policy, epoch, seq), so re-consuming a batch after a crash replaces the
// same documents instead of duplicating them.
func (c *Client) BulkIndex(ctx context.Context, data []*EsDocument) error {
	start := time.Now().UnixMilli()
	bi, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Index:      c.indexName,
		Client:     c.esClient,
		NumWorkers: min(runtime.NumCPU(), 8), // 8 parallel connections are enough
	})
	if err != nil {
		return errors.Wrap(err, "creating bulk indexer")
	}

	for _, d := range data {
		item := esutil.BulkIndexerItem{
			Action:     "index", // creates or replaces
			DocumentID: d.Id,
			Body:       bytes.NewReader(d.Payload),
			OnFailure: func(ctx context.Context, item esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
				if err != nil {
					log.Printf("Error indexing document [%s]: %s: [%s]", d.Id, string(d.Payload), err)
				} else {
					log.Printf("Error indexing document [%s]: %s: [%s: %s]", d.Id, string(d.Payload), res.Error.Type, res.Error.Reason)
				}
			},
		}
		if err := bi.Add(ctx, item); err != nil {
			return errors.Wrap(err, "adding item to bulk indexer")
		}
	}

	if err := bi.Close(ctx); err != nil {
		return errors.Wrap(err, "closing bulk indexer")
	}

	biStats := bi.Stats()
	end := time.Now().UnixMilli()
	if biStats.NumFailed > 0 {
		return errors.Errorf("%d errors indexing [%d] documents", biStats.NumFailed, biStats.NumFlushed)
	}
	log.Printf("Indexed %d documents (%d bytes, %d requests) in %dms.",
		biStats.NumFlushed, biStats.FlushedBytes, biStats.NumRequests, end-start)
	return nil
}
