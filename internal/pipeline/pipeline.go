// Package pipeline validates inbound batches, enriches each record with
// geo/ASN/threat-intel context and a risk score, and hands the result to the
// export layer. One bad record never fails a batch; errors are collected per
// record and reported alongside the accepted ones.
package pipeline

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/flowlens/gateway/internal/core"
	"github.com/flowlens/gateway/internal/geoip"
	"github.com/flowlens/gateway/internal/metrics"
	"github.com/flowlens/gateway/internal/risk"
	"github.com/flowlens/gateway/internal/threatintel"
)

// Payload guards enforced at the HTTP edge.
const (
	MaxBatchRecords = 10000
	MaxPayloadBytes = 5 << 20 // post-decompression

	// UDPSourceID stamps records arriving through the collector.
	UDPSourceID = "udp"
)

// Timeline receives per-stage events for the in-flight request audit entry.
type Timeline interface {
	Event(name string, meta map[string]any)
}

// NopTimeline discards events. The UDP path has no request entry.
type NopTimeline struct{}

func (NopTimeline) Event(string, map[string]any) {}

// ExportSink accepts enriched batches for asynchronous delivery. Submit never
// blocks; overflow handling is the sink's concern.
type ExportSink interface {
	Submit(batch core.Batch)
}

// Pipeline is the enrichment core shared by HTTP ingest and the UDP mapper.
type Pipeline struct {
	geo  *geoip.Resolver
	ti   *threatintel.Matcher
	agg  *metrics.Aggregator
	sink ExportSink
}

// New wires the pipeline. agg and sink may be nil in tests.
func New(geo *geoip.Resolver, ti *threatintel.Matcher, agg *metrics.Aggregator, sink ExportSink) *Pipeline {
	return &Pipeline{geo: geo, ti: ti, agg: agg, sink: sink}
}

// Result summarizes one processed batch for the HTTP response.
type Result struct {
	BatchID  string        `json:"batch_id,omitempty"`
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Errors   []RecordError `json:"errors,omitempty"`
}

// Ingest normalizes one wire batch, enriches the valid records, and hands
// them off. An unknown format fails the whole envelope; per-record failures
// are reported in the result.
func (p *Pipeline) Ingest(ctx context.Context, sourceID, format string, raw []json.RawMessage, tl Timeline) (Result, error) {
	records, recordErrs, err := Normalize(format, raw)
	if err != nil {
		return Result{}, err
	}
	tl.Event("validated", map[string]any{
		"accepted": len(records),
		"rejected": len(recordErrs),
	})

	res := p.process(ctx, sourceID, records, tl)
	res.Rejected = len(recordErrs)
	res.Errors = recordErrs
	return res, nil
}

// IngestUDP implements the collector's sink. Records are already canonical.
func (p *Pipeline) IngestUDP(ctx context.Context, records []core.Record) {
	p.process(ctx, UDPSourceID, records, NopTimeline{})
}

func (p *Pipeline) process(_ context.Context, sourceID string, records []core.Record, tl Timeline) Result {
	if len(records) == 0 {
		return Result{}
	}

	enriched := make([]core.EnrichedRecord, 0, len(records))
	var riskSum int64
	threats := 0
	for _, rec := range records {
		e := p.Enrich(rec)
		e.SourceID = sourceID
		if len(e.TI.Matches) > 0 {
			threats++
		}
		riskSum += int64(e.RiskScore)
		enriched = append(enriched, e)
	}

	tl.Event("enriched", map[string]any{
		"records":        len(enriched),
		"threat_matches": threats,
	})

	batch := core.Batch{ID: uuid.NewString(), SourceID: sourceID, Records: enriched}
	if p.sink != nil {
		p.sink.Submit(batch)
	}
	if p.agg != nil {
		p.agg.RecordBatch(len(enriched), threats, riskSum)
	}
	return Result{BatchID: batch.ID, Accepted: len(enriched)}
}

// Enrich attaches geo/ASN context for the primary address (destination
// preferred), threat-intel matches across both addresses and any application
// hints, and the risk score. Re-enriching yields the same context fields.
func (p *Pipeline) Enrich(rec core.Record) core.EnrichedRecord {
	e := core.EnrichedRecord{
		Record: rec,
		ID:     uuid.NewString(),
		TI:     core.ThreatInfo{Matches: []string{}},
	}

	primary := rec.DstIP
	if primary == "" {
		primary = rec.SrcIP
	}
	if p.geo != nil {
		e.Geo, e.ASN = p.geo.Lookup(primary)
	}

	if p.ti != nil {
		seen := make(map[string]struct{})
		add := func(matches []string) {
			for _, m := range matches {
				if _, dup := seen[m]; dup {
					continue
				}
				seen[m] = struct{}{}
				e.TI.Matches = append(e.TI.Matches, m)
			}
		}
		add(p.ti.MatchIP(rec.SrcIP))
		add(p.ti.MatchIP(rec.DstIP))
		for _, hint := range rec.AppHints {
			add(p.ti.MatchDomain(hint))
		}
	}

	e.RiskScore = risk.Score(rec, e.TI.Matches)
	return e
}

// LookupResult is the single-address enrichment returned by the lookup API.
type LookupResult struct {
	IP        string          `json:"ip"`
	Geo       *core.GeoInfo   `json:"geo"`
	ASN       *core.ASNInfo   `json:"asn"`
	TI        core.ThreatInfo `json:"ti"`
	RiskScore int             `json:"risk_score"`
}

// Lookup enriches a single address outside any flow context.
func (p *Pipeline) Lookup(ip string) LookupResult {
	res := LookupResult{IP: ip, TI: core.ThreatInfo{Matches: []string{}}}
	if p.geo != nil {
		res.Geo, res.ASN = p.geo.Lookup(ip)
	}
	if p.ti != nil {
		res.TI.Matches = p.ti.MatchIP(ip)
	}
	res.RiskScore = risk.Score(core.Record{DstIP: ip}, res.TI.Matches)
	return res
}
