package consumer

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/tidwall/gjson"

	"github.com/withObsrvr/pareto-event-router/pkg/common/types"
)

// ElasticsearchConfig selects the index documents are written to. Type is
// sent as the legacy _type of each bulk action.
type ElasticsearchConfig struct {
	URL   string
	Index string
	Type  string
}

// BulkIndexer is the narrow search-index capability the sink needs.
type BulkIndexer interface {
	Bulk(ctx context.Context, body []byte) error
}

// SaveToElasticsearch bulk indexes every batch.
type SaveToElasticsearch struct {
	config ElasticsearchConfig
	logger *slog.Logger
	dial   func(ElasticsearchConfig) (BulkIndexer, error)

	mu     sync.Mutex
	client BulkIndexer
}

// NewSaveToElasticsearch validates the configuration. The client is created
// on first use.
func NewSaveToElasticsearch(config ElasticsearchConfig, logger *slog.Logger) (*SaveToElasticsearch, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("missing environment ELASTICSEARCH_URL")
	}
	if config.Index == "" {
		return nil, fmt.Errorf("missing environment ELASTICSEARCH_INDEX")
	}
	if config.Type == "" {
		return nil, fmt.Errorf("missing environment ELASTICSEARCH_TYPE")
	}
	return &SaveToElasticsearch{
		config: config,
		logger: loggerOrDefault(logger),
		dial:   newOpenSearchIndexer,
	}, nil
}

func (s *SaveToElasticsearch) Name() string { return NameElasticsearch }

func (s *SaveToElasticsearch) Process(ctx context.Context, events []types.Event) error {
	client, err := s.connection()
	if err != nil {
		return err
	}

	body, err := s.bulkBody(events)
	if err != nil {
		return err
	}

	s.logger.Info(fmt.Sprintf("Processing %d messages", len(events)))
	if err := client.Bulk(ctx, body); err != nil {
		return err
	}
	s.logger.Info(fmt.Sprintf("Indexed %d messages for [%s]", len(events), strings.Join(deviceIDs(events), ",")))
	return nil
}

func (s *SaveToElasticsearch) bulkBody(events []types.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, event := range events {
		action := map[string]map[string]string{
			"index": {
				"_index": s.config.Index,
				"_type":  s.config.Type,
				"_id":    DocumentID(event),
			},
		}
		if err := enc.Encode(action); err != nil {
			return nil, fmt.Errorf("error encoding bulk action: %w", err)
		}
		if err := enc.Encode(event); err != nil {
			return nil, fmt.Errorf("error encoding event: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func (s *SaveToElasticsearch) connection() (BulkIndexer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		client, err := s.dial(s.config)
		if err != nil {
			return nil, err
		}
		s.client = client
	}
	return s.client, nil
}

func (s *SaveToElasticsearch) Reset() {
	s.mu.Lock()
	s.client = nil
	s.mu.Unlock()
}

func (s *SaveToElasticsearch) Close() error {
	s.Reset()
	return nil
}

type openSearchIndexer struct {
	client *opensearch.Client
}

// newOpenSearchIndexer builds a client that skips certificate verification;
// the index is commonly fronted by a self-signed proxy.
func newOpenSearchIndexer(config ElasticsearchConfig) (BulkIndexer, error) {
	u, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid ELASTICSEARCH_URL: %w", err)
	}

	osCfg := opensearch.Config{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	if u.User != nil {
		osCfg.Username = u.User.Username()
		osCfg.Password, _ = u.User.Password()
		u.User = nil
	}
	osCfg.Addresses = []string{u.String()}

	client, err := opensearch.NewClient(osCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}
	return &openSearchIndexer{client: client}, nil
}

func (o *openSearchIndexer) Bulk(ctx context.Context, body []byte) error {
	resp, err := o.client.Bulk(bytes.NewReader(body), o.client.Bulk.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading bulk response: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("bulk request returned %s: %s", resp.Status(), gjson.GetBytes(raw, "error.reason").String())
	}
	if gjson.GetBytes(raw, "errors").Bool() {
		var reason string
		gjson.GetBytes(raw, "items").ForEach(func(_, item gjson.Result) bool {
			reason = item.Get("index.error.reason").String()
			return reason == ""
		})
		return fmt.Errorf("bulk request had item errors: %s", reason)
	}
	return nil
}
