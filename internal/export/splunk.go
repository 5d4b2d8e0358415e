package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flowlens/gateway/internal/config"
	"github.com/flowlens/gateway/internal/core"
)

const (
	splunkEventPath  = "/services/collector/event"
	splunkHealthPath = "/services/collector/health"
)

// SplunkSink posts batches to a Splunk HTTP Event Collector endpoint.
type SplunkSink struct {
	url    string
	token  string
	index  string
	client *http.Client
}

// NewSplunk builds a HEC sink from config. The URL is the collector base,
// without the event path.
func NewSplunk(cfg config.SplunkSink) *SplunkSink {
	return &SplunkSink{
		url:    strings.TrimSuffix(cfg.URL, "/"),
		token:  cfg.Token,
		index:  cfg.Index,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *SplunkSink) Name() string { return "splunk" }

// hecEvent is the HEC envelope around one enriched record.
type hecEvent struct {
	Time       float64 `json:"time"`
	SourceType string  `json:"sourcetype"`
	Index      string  `json:"index,omitempty"`
	Event      any     `json:"event"`
}

// Deliver posts the batch as newline-delimited HEC events.
func (s *SplunkSink) Deliver(ctx context.Context, batch core.Batch) error {
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, rec := range batch.Records {
		ev := hecEvent{
			Time:       rec.Timestamp,
			SourceType: "flowlens:flow",
			Index:      s.index,
			Event:      rec,
		}
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encode hec event: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+splunkEventPath, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Splunk "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// Probe checks the collector health endpoint.
func (s *SplunkSink) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url+splunkHealthPath, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Splunk "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}
