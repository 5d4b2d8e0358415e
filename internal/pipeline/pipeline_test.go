package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowlens/gateway/internal/core"
	"github.com/flowlens/gateway/internal/metrics"
	"github.com/flowlens/gateway/internal/threatintel"
)

func matcherWith(t *testing.T, lines string) *threatintel.Matcher {
	t.Helper()
	path := filepath.Join(t.TempDir(), "threats.csv")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o600))
	return threatintel.NewMatcher(path)
}

type memorySink struct {
	mu      sync.Mutex
	batches []core.Batch
}

func (s *memorySink) Submit(batch core.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
}

func (s *memorySink) last(t *testing.T) core.Batch {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.batches)
	return s.batches[len(s.batches)-1]
}

type memoryTimeline struct {
	events []string
}

func (tl *memoryTimeline) Event(name string, _ map[string]any) {
	tl.events = append(tl.events, name)
}

func TestIngestEnrichesAndScores(t *testing.T) {
	ti := matcherWith(t, "45.149.3.0/24\n")
	sink := &memorySink{}
	agg := metrics.NewAggregator(nil)
	p := New(nil, ti, agg, sink)

	raw := rawBatch(`{"ts":1723351200.4,"src_ip":"45.149.3.10","dst_ip":"8.8.8.8","src_port":51514,"dst_port":445,"bytes":2000000,"protocol":"tcp"}`)

	tl := &memoryTimeline{}
	res, err := p.Ingest(context.Background(), "s1", FormatFlows, raw, tl)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)
	assert.Zero(t, res.Rejected)
	assert.NotEmpty(t, res.BatchID)
	assert.Equal(t, []string{"validated", "enriched"}, tl.events)

	batch := sink.last(t)
	assert.Equal(t, res.BatchID, batch.ID)
	assert.Equal(t, "s1", batch.SourceID)
	require.Len(t, batch.Records, 1)

	e := batch.Records[0]
	assert.Equal(t, "s1", e.SourceID)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, []string{"45.149.3.0/24"}, e.TI.Matches)
	// Base 10, TI 60, risky destination port 10, ephemeral source moving
	// over 1 MB 10. Every rule fires.
	assert.Equal(t, 90, e.RiskScore)

	totals := agg.Totals()
	assert.Equal(t, int64(1), totals.RecordsProcessed)
	assert.Equal(t, int64(1), totals.BatchesTotal)
	assert.Equal(t, int64(1), totals.ThreatMatchesTotal)
}

func TestIngestPartialBatchKeepsGoodRecords(t *testing.T) {
	sink := &memorySink{}
	p := New(nil, matcherWith(t, ""), metrics.NewAggregator(nil), sink)

	raw := rawBatch(
		`{"src_ip":"10.0.0.1","dst_ip":"10.0.0.2","bytes":1,"packets":1}`,
		`{"src_ip":"garbage","dst_ip":"10.0.0.2"}`,
		`{"src_ip":"10.0.0.3","dst_ip":"10.0.0.4","bytes":1,"packets":1}`,
	)
	res, err := p.Ingest(context.Background(), "s1", FormatFlows, raw, NopTimeline{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, 1, res.Rejected)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 1, res.Errors[0].Index)

	assert.Len(t, sink.last(t).Records, 2)
}

func TestIngestUnknownFormatFailsEnvelope(t *testing.T) {
	p := New(nil, nil, nil, nil)
	_, err := p.Ingest(context.Background(), "s1", "csv", rawBatch(`{}`), NopTimeline{})
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestEnrichMatchesBothAddressesAndHints(t *testing.T) {
	ti := matcherWith(t, "45.149.3.0/24\n198.51.100.0/24\ndomain:evil.example\n")
	p := New(nil, ti, nil, nil)

	e := p.Enrich(core.Record{
		SrcIP:    "45.149.3.10",
		DstIP:    "198.51.100.7",
		AppHints: []string{"evil.example", "fine.example"},
	})
	assert.Equal(t, []string{"45.149.3.0/24", "198.51.100.0/24", "evil.example"}, e.TI.Matches)
	assert.Equal(t, 70, e.RiskScore)
}

func TestEnrichDeduplicatesMatches(t *testing.T) {
	ti := matcherWith(t, "10.0.0.0/8\n")
	p := New(nil, ti, nil, nil)

	e := p.Enrich(core.Record{SrcIP: "10.1.1.1", DstIP: "10.2.2.2"})
	assert.Equal(t, []string{"10.0.0.0/8"}, e.TI.Matches)
}

func TestEnrichIsIdempotentByField(t *testing.T) {
	ti := matcherWith(t, "45.149.3.0/24\n")
	p := New(nil, ti, nil, nil)

	rec := core.Record{
		SrcIP: "45.149.3.10", DstIP: "8.8.8.8",
		SrcPort: 51514, DstPort: 445, Bytes: 2_000_000,
		Protocol: core.ProtoTCP, Timestamp: 1723351200.4,
	}
	first := p.Enrich(rec)
	second := p.Enrich(first.Record)

	assert.Equal(t, first.Geo, second.Geo)
	assert.Equal(t, first.ASN, second.ASN)
	assert.Equal(t, first.TI, second.TI)
	assert.Equal(t, first.RiskScore, second.RiskScore)
	assert.Equal(t, first.Record, second.Record)
}

func TestEnrichCleanRecord(t *testing.T) {
	p := New(nil, matcherWith(t, "45.149.3.0/24\n"), nil, nil)

	e := p.Enrich(core.Record{SrcIP: "192.0.2.1", DstIP: "192.0.2.2", DstPort: 80})
	assert.NotNil(t, e.TI.Matches)
	assert.Empty(t, e.TI.Matches)
	assert.Equal(t, 10, e.RiskScore)
	assert.Nil(t, e.Geo)
	assert.Nil(t, e.ASN)
}

func TestIngestUDPStampsSource(t *testing.T) {
	sink := &memorySink{}
	agg := metrics.NewAggregator(nil)
	p := New(nil, matcherWith(t, ""), agg, sink)

	p.IngestUDP(context.Background(), []core.Record{
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", Bytes: 100, Packets: 1},
		{SrcIP: "10.0.0.3", DstIP: "10.0.0.4", Bytes: 200, Packets: 2},
	})

	batch := sink.last(t)
	assert.Equal(t, UDPSourceID, batch.SourceID)
	for _, r := range batch.Records {
		assert.Equal(t, UDPSourceID, r.SourceID)
	}
	assert.Equal(t, int64(2), agg.Totals().RecordsProcessed)
}

func TestEmptyBatchProducesNothing(t *testing.T) {
	sink := &memorySink{}
	p := New(nil, nil, metrics.NewAggregator(nil), sink)

	res, err := p.Ingest(context.Background(), "s1", FormatFlows, nil, NopTimeline{})
	require.NoError(t, err)
	assert.Zero(t, res.Accepted)
	assert.Empty(t, sink.batches)
}

func TestLookup(t *testing.T) {
	ti := matcherWith(t, "45.149.3.0/24\n")
	p := New(nil, ti, nil, nil)

	hit := p.Lookup("45.149.3.10")
	assert.Equal(t, []string{"45.149.3.0/24"}, hit.TI.Matches)
	assert.Equal(t, 70, hit.RiskScore)

	miss := p.Lookup("8.8.8.8")
	assert.Empty(t, miss.TI.Matches)
	assert.Equal(t, 10, miss.RiskScore)

	var body map[string]any
	b, err := json.Marshal(miss)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &body))
	assert.Contains(t, body, "geo")
	assert.Contains(t, body, "asn")
}
