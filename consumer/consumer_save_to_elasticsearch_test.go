package consumer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/withObsrvr/pareto-event-router/pkg/common/types"
)

func TestNewSaveToElasticsearchRequiresConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  ElasticsearchConfig
		missing string
	}{
		{"url", ElasticsearchConfig{Index: "i", Type: "t"}, "ELASTICSEARCH_URL"},
		{"index", ElasticsearchConfig{URL: "http://es", Type: "t"}, "ELASTICSEARCH_INDEX"},
		{"type", ElasticsearchConfig{URL: "http://es", Index: "i"}, "ELASTICSEARCH_TYPE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSaveToElasticsearch(tt.config, nil)
			assert.ErrorContains(t, err, tt.missing)
		})
	}
}

type bulkServer struct {
	*httptest.Server

	mu       sync.Mutex
	bodies   []string
	response string
	status   int
}

func newBulkServer(t *testing.T) *bulkServer {
	s := &bulkServer{response: `{"took":1,"errors":false,"items":[]}`, status: http.StatusOK}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/_bulk") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.bodies = append(s.bodies, string(body))
		status, response := s.status, s.response
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(response))
	}))
	t.Cleanup(s.Close)
	return s
}

func TestSaveToElasticsearchBulkBody(t *testing.T) {
	srv := newBulkServer(t)
	sink, err := NewSaveToElasticsearch(ElasticsearchConfig{URL: srv.URL, Index: "rtls", Type: "event"}, discardLogger())
	require.NoError(t, err)

	events := []types.Event{
		rtlsEvent("t1", "d1", "r1", 1700000000000),
		rtlsEvent("t1", "d2", "r1", 1700000000001),
	}
	require.NoError(t, sink.Process(context.Background(), events))

	require.Len(t, srv.bodies, 1)
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(srv.bodies[0]))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 4)

	assert.Equal(t, "rtls", gjson.Get(lines[0], "index._index").String())
	assert.Equal(t, "event", gjson.Get(lines[0], "index._type").String())
	assert.Equal(t, DocumentID(events[0]), gjson.Get(lines[0], "index._id").String())
	assert.Equal(t, "d1", gjson.Get(lines[1], "deviceId").String())
	assert.Equal(t, int64(1700000000000), gjson.Get(lines[1], "time").Int())
	assert.Equal(t, DocumentID(events[1]), gjson.Get(lines[2], "index._id").String())
}

func TestSaveToElasticsearchItemErrors(t *testing.T) {
	srv := newBulkServer(t)
	srv.response = `{"errors":true,"items":[{"index":{"status":400,"error":{"type":"mapper_parsing_exception","reason":"failed to parse"}}}]}`

	sink, err := NewSaveToElasticsearch(ElasticsearchConfig{URL: srv.URL, Index: "rtls", Type: "event"}, discardLogger())
	require.NoError(t, err)

	err = sink.Process(context.Background(), []types.Event{rtlsEvent("t1", "d1", "r1", 1)})
	assert.ErrorContains(t, err, "failed to parse")
}

func TestSaveToElasticsearchHTTPError(t *testing.T) {
	srv := newBulkServer(t)
	srv.status = http.StatusInternalServerError
	srv.response = `{"error":{"reason":"cluster unavailable"}}`

	sink, err := NewSaveToElasticsearch(ElasticsearchConfig{URL: srv.URL, Index: "rtls", Type: "event"}, discardLogger())
	require.NoError(t, err)

	err = sink.Process(context.Background(), []types.Event{rtlsEvent("t1", "d1", "r1", 1)})
	assert.ErrorContains(t, err, "cluster unavailable")
}

type fakeIndexer struct {
	err    error
	bodies [][]byte
}

func (f *fakeIndexer) Bulk(_ context.Context, body []byte) error {
	f.bodies = append(f.bodies, bytes.Clone(body))
	return f.err
}

func TestSaveToElasticsearchResetRedials(t *testing.T) {
	sink, err := NewSaveToElasticsearch(ElasticsearchConfig{URL: "http://es", Index: "rtls", Type: "event"}, discardLogger())
	require.NoError(t, err)

	dials := 0
	indexer := &fakeIndexer{err: errors.New("connection reset")}
	sink.dial = func(ElasticsearchConfig) (BulkIndexer, error) {
		dials++
		return indexer, nil
	}

	events := []types.Event{rtlsEvent("t1", "d1", "r1", 1)}
	assert.Error(t, sink.Process(context.Background(), events))
	assert.Error(t, sink.Process(context.Background(), events))
	assert.Equal(t, 1, dials, "client is reused until reset")

	sink.Reset()
	indexer.err = nil
	assert.NoError(t, sink.Process(context.Background(), events))
	assert.Equal(t, 2, dials)
}

func TestSaveToElasticsearchDialError(t *testing.T) {
	sink, err := NewSaveToElasticsearch(ElasticsearchConfig{URL: "http://es", Index: "rtls", Type: "event"}, discardLogger())
	require.NoError(t, err)
	sink.dial = func(ElasticsearchConfig) (BulkIndexer, error) {
		return nil, errors.New("no route to host")
	}

	assert.ErrorContains(t, sink.Process(context.Background(), []types.Event{{"tenantId": "t"}}), "no route to host")
}
