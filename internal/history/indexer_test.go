package history

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"rental-queue/internal/common/logger"
	"rental-queue/internal/models"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeES answers the handful of endpoints the indexer uses.
type fakeES struct {
	mu          sync.Mutex
	indexExists bool
	created     bool
	bulkLines   []string
	bulkErrors  bool
	lastSearch  map[string]interface{}
	hits        []*models.Event
}

func (f *fakeES) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodHead && r.URL.Path == "/events":
		if f.indexExists {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	case r.Method == http.MethodPut && r.URL.Path == "/events":
		f.created = true
		f.indexExists = true
		_, _ = w.Write([]byte(`{"acknowledged":true}`))
	case r.URL.Path == "/_bulk":
		sc := bufio.NewScanner(r.Body)
		for sc.Scan() {
			f.bulkLines = append(f.bulkLines, sc.Text())
		}
		if f.bulkErrors {
			_, _ = w.Write([]byte(`{"errors":true,"items":[{"index":{"status":400,"error":{"type":"mapper_parsing_exception","reason":"bad position"}}}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"errors":false,"items":[{"index":{"status":201}}]}`))
	case r.URL.Path == "/events/_search":
		_ = json.NewDecoder(r.Body).Decode(&f.lastSearch)
		hits := make([]map[string]interface{}, 0, len(f.hits))
		for _, ev := range f.hits {
			hits = append(hits, map[string]interface{}{"_id": ev.ID, "_source": ev})
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"hits": map[string]interface{}{"hits": hits},
		})
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{}`))
	}
}

func newTestIndexer(t *testing.T, fake *fakeES) *Indexer {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return NewIndexer(client, "events", logger.NewZapAdapter(zaptest.NewLogger(t)))
}

func TestEnsureIndex(t *testing.T) {
	fake := &fakeES{}
	idx := newTestIndexer(t, fake)

	require.NoError(t, idx.EnsureIndex(context.Background()))
	assert.True(t, fake.created)

	fake.created = false
	require.NoError(t, idx.EnsureIndex(context.Background()))
	assert.False(t, fake.created, "existing index is left alone")
}

func TestPublish_BulkIndexesByEventID(t *testing.T) {
	fake := &fakeES{}
	idx := newTestIndexer(t, fake)
	at := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	err := idx.Publish(context.Background(), []*models.Event{
		{ID: "ev-1", ApplicationID: "app-1", ListingID: "L1", Type: models.EventSubmitted, ToStatus: models.StatusPending, Position: 1, OccurredAt: at},
		{ID: "ev-2", ApplicationID: "app-1", ListingID: "L1", Type: models.EventAccepted, FromStatus: models.StatusPending, ToStatus: models.StatusAccepted, OccurredAt: at},
	})
	require.NoError(t, err)

	require.Len(t, fake.bulkLines, 4)
	assert.JSONEq(t, `{"index":{"_index":"events","_id":"ev-1"}}`, fake.bulkLines[0])
	assert.Contains(t, fake.bulkLines[1], `"type":"submitted"`)
	assert.JSONEq(t, `{"index":{"_index":"events","_id":"ev-2"}}`, fake.bulkLines[2])
}

func TestPublish_ReportsItemErrors(t *testing.T) {
	fake := &fakeES{bulkErrors: true}
	idx := newTestIndexer(t, fake)

	err := idx.Publish(context.Background(), []*models.Event{{ID: "ev-1", ListingID: "L1"}})

	require.ErrorIs(t, err, ErrIndexFailed)
	assert.True(t, strings.Contains(err.Error(), "bad position"))
}

func TestPublish_NothingToSend(t *testing.T) {
	fake := &fakeES{}
	idx := newTestIndexer(t, fake)

	require.NoError(t, idx.Publish(context.Background(), nil))
	assert.Empty(t, fake.bulkLines)
}

func TestSearch(t *testing.T) {
	at := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	fake := &fakeES{hits: []*models.Event{
		{ID: "ev-1", ListingID: "L1", Type: models.EventSubmitted, OccurredAt: at},
		{ID: "ev-2", ListingID: "L1", Type: models.EventWithdrawn, OccurredAt: at.Add(time.Minute)},
	}}
	idx := newTestIndexer(t, fake)

	events, err := idx.Search(context.Background(), "L1", 25)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventWithdrawn, events[1].Type)
	assert.True(t, at.Equal(events[0].OccurredAt))

	term := fake.lastSearch["query"].(map[string]interface{})["term"].(map[string]interface{})
	assert.Equal(t, "L1", term["listingId"])
}
