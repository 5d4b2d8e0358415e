package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	elasticsearch "github.com/elastic/go-elasticsearch/v9"

	"github.com/flowlens/gateway/internal/config"
	"github.com/flowlens/gateway/internal/core"
)

// ElasticSink indexes batches through the Elasticsearch bulk API.
type ElasticSink struct {
	client *elasticsearch.Client
	index  string
}

// NewElastic builds a bulk sink from config.
func NewElastic(cfg config.ElasticSink) (*ElasticSink, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}
	return &ElasticSink{client: client, index: cfg.Index}, nil
}

func (s *ElasticSink) Name() string { return "elastic" }

// Deliver writes the batch as one bulk request, one index action per record.
// Record ids double as document ids so replays overwrite instead of duplicate.
func (s *ElasticSink) Deliver(ctx context.Context, batch core.Batch) error {
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, rec := range batch.Records {
		action := map[string]map[string]string{
			"index": {"_index": s.index, "_id": rec.ID},
		}
		if err := enc.Encode(action); err != nil {
			return fmt.Errorf("encode bulk action: %w", err)
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode bulk document: %w", err)
		}
	}

	res, err := s.client.Bulk(bytes.NewReader(body.Bytes()),
		s.client.Bulk.WithContext(ctx),
		s.client.Bulk.WithIndex(s.index))
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		io.Copy(io.Discard, res.Body)
		return fmt.Errorf("HTTP %d", res.StatusCode)
	}

	var report struct {
		Errors bool `json:"errors"`
	}
	if err := json.NewDecoder(res.Body).Decode(&report); err != nil {
		return fmt.Errorf("decode bulk response: %w", err)
	}
	if report.Errors {
		return fmt.Errorf("bulk indexing reported item errors")
	}
	return nil
}

// Probe pings the cluster.
func (s *ElasticSink) Probe(ctx context.Context) error {
	res, err := s.client.Ping(s.client.Ping.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	if res.IsError() {
		return fmt.Errorf("HTTP %d", res.StatusCode)
	}
	return nil
}
