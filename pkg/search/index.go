package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"github.com/pulsewire/platform/pkg/common/config"
	"github.com/pulsewire/platform/pkg/common/logger"
	"github.com/pulsewire/platform/pkg/observability/metrics"
)

// BulkResult summarizes one bulk upsert call; failures are per-document.
type BulkResult struct {
	Total      int
	Successful int
	Failed     int
	TookMs     int
}

// Indexer performs idempotent bulk upserts into the search engine.
type Indexer struct {
	client *opensearch.Client
	prefix string
}

func NewIndexer(cfg *config.Config) (*Indexer, error) {
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: cfg.OpenSearchAddresses,
		Username:  cfg.OpenSearchUser,
		Password:  cfg.OpenSearchPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("creating search client: %w", err)
	}
	return &Indexer{client: client, prefix: cfg.IndexPrefix}, nil
}

// Prefix returns the index name prefix documents are routed under.
func (ix *Indexer) Prefix() string {
	return ix.prefix
}

// BulkUpsert applies the documents with update/doc_as_upsert actions keyed
// by record id. Re-application converges; per-document errors are counted,
// never fatal to the batch.
func (ix *Indexer) BulkUpsert(ctx context.Context, docs []Document) (BulkResult, error) {
	if len(docs) == 0 {
		return BulkResult{}, nil
	}

	body, err := buildBulkBody(docs)
	if err != nil {
		return BulkResult{}, err
	}

	req := opensearchapi.BulkRequest{Body: bytes.NewReader(body)}
	resp, err := req.Do(ctx, ix.client)
	if err != nil {
		return BulkResult{}, fmt.Errorf("bulk request: %w", err)
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return BulkResult{}, fmt.Errorf("bulk request returned status %s", resp.Status())
	}

	var parsed struct {
		Took   int  `json:"took"`
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return BulkResult{}, fmt.Errorf("decoding bulk response: %w", err)
	}

	result := BulkResult{Total: len(docs), TookMs: parsed.Took}
	for _, item := range parsed.Items {
		for _, op := range item {
			if op.Error != nil || op.Status >= 300 {
				result.Failed++
				if op.Error != nil {
					logger.Log.WithFields(map[string]interface{}{
						"doc_id": op.ID,
						"type":   op.Error.Type,
						"reason": op.Error.Reason,
					}).Warn("Document upsert failed")
				}
			} else {
				result.Successful++
			}
		}
	}

	metrics.AddIndexedDocs(result.Successful)
	metrics.AddIndexFailures(result.Failed)
	return result, nil
}

// buildBulkBody renders the NDJSON action/source pairs for a bulk call.
func buildBulkBody(docs []Document) ([]byte, error) {
	var buf bytes.Buffer
	for _, doc := range docs {
		action := map[string]map[string]string{
			"update": {"_index": doc.Index, "_id": doc.ID},
		}
		actionLine, err := json.Marshal(action)
		if err != nil {
			return nil, fmt.Errorf("marshaling bulk action: %w", err)
		}
		source := map[string]interface{}{
			"doc":           doc,
			"doc_as_upsert": true,
		}
		sourceLine, err := json.Marshal(source)
		if err != nil {
			return nil, fmt.Errorf("marshaling bulk source for %s: %w", doc.ID, err)
		}
		buf.Write(actionLine)
		buf.WriteByte('\n')
		buf.Write(sourceLine)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
