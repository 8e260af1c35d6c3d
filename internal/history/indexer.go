// Package history mirrors committed application events into Elasticsearch so
// owners can browse a listing's activity without touching the queue tables.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"rental-queue/internal/common/logger"
	"rental-queue/internal/models"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

const DefaultIndex = "application-history"

const defaultSearchSize = 100

var (
	ErrIndexFailed  = errors.New("HISTORY_INDEX_FAILED")
	ErrSearchFailed = errors.New("HISTORY_SEARCH_FAILED")
)

const indexMapping = `{
  "mappings": {
    "properties": {
      "id":            {"type": "keyword"},
      "applicationId": {"type": "keyword"},
      "listingId":     {"type": "keyword"},
      "applicantId":   {"type": "keyword"},
      "actorId":       {"type": "keyword"},
      "type":          {"type": "keyword"},
      "fromStatus":    {"type": "keyword"},
      "toStatus":      {"type": "keyword"},
      "position":      {"type": "integer"},
      "occurredAt":    {"type": "date"}
    }
  }
}`

// Indexer writes events with their id as document id, so replays overwrite
// rather than duplicate.
type Indexer struct {
	client *elasticsearch.Client
	index  string
	logger logger.Logger
}

func NewIndexer(client *elasticsearch.Client, index string, log logger.Logger) *Indexer {
	if index == "" {
		index = DefaultIndex
	}
	return &Indexer{
		client: client,
		index:  index,
		logger: log.WithFields(map[string]interface{}{"component": "history-indexer", "index": index}),
	}
}

// EnsureIndex creates the index with its mapping when it does not exist yet.
func (i *Indexer) EnsureIndex(ctx context.Context) error {
	res, err := esapi.IndicesExistsRequest{Index: []string{i.index}}.Do(ctx, i.client)
	if err != nil {
		return fmt.Errorf("%w: exists: %v", ErrIndexFailed, err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}

	res, err = esapi.IndicesCreateRequest{
		Index: i.index,
		Body:  strings.NewReader(indexMapping),
	}.Do(ctx, i.client)
	if err != nil {
		return fmt.Errorf("%w: create: %v", ErrIndexFailed, err)
	}
	defer res.Body.Close()
	// a concurrent creator may have won
	if res.IsError() && !strings.Contains(readBody(res.Body), "resource_already_exists_exception") {
		return fmt.Errorf("%w: create: %s", ErrIndexFailed, res.Status())
	}

	i.logger.Info("history index created", nil)
	return nil
}

// Publish bulk-indexes events. It satisfies the queue's post-commit sink contract.
func (i *Indexer) Publish(ctx context.Context, events []*models.Event) error {
	if len(events) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		meta := map[string]interface{}{
			"index": map[string]interface{}{"_index": i.index, "_id": ev.ID},
		}
		if err := enc.Encode(meta); err != nil {
			return fmt.Errorf("%w: encode meta: %v", ErrIndexFailed, err)
		}
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("%w: encode event: %v", ErrIndexFailed, err)
		}
	}

	res, err := esapi.BulkRequest{Body: &buf}.Do(ctx, i.client)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexFailed, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("%w: bulk: %s", ErrIndexFailed, res.Status())
	}

	var out bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return fmt.Errorf("%w: decode bulk response: %v", ErrIndexFailed, err)
	}
	if out.Errors {
		for _, item := range out.Items {
			for _, r := range item {
				if r.Error != nil {
					return fmt.Errorf("%w: %s: %s", ErrIndexFailed, r.Error.Type, r.Error.Reason)
				}
			}
		}
		return fmt.Errorf("%w: bulk reported errors", ErrIndexFailed)
	}

	i.logger.Debug("events indexed", map[string]interface{}{"count": len(events)})
	return nil
}

// Search returns a listing's events, oldest first.
func (i *Indexer) Search(ctx context.Context, listingID string, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = defaultSearchSize
	}

	query := map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{"listingId": listingID},
		},
		"sort": []interface{}{
			map[string]interface{}{"occurredAt": "asc"},
			map[string]interface{}{"id": "asc"},
		},
	}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSearchFailed, err)
	}

	res, err := esapi.SearchRequest{
		Index: []string{i.index},
		Body:  bytes.NewReader(body),
		Size:  &limit,
	}.Do(ctx, i.client)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSearchFailed, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("%w: %s", ErrSearchFailed, res.Status())
	}

	var out searchResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrSearchFailed, err)
	}

	events := make([]*models.Event, 0, len(out.Hits.Hits))
	for _, hit := range out.Hits.Hits {
		events = append(events, hit.Source)
	}
	return events, nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error,omitempty"`
	} `json:"items"`
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source *models.Event `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func readBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	return string(b)
}
