// Package metrics maintains the gateway's counters, per-second sliding
// windows, and latency percentiles. One ticker goroutine rolls the windows
// once per wall-clock second; readers take a consistent snapshot under a lock.
package metrics

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// WindowSlots is the per-second ring length: 5 minutes of history.
	WindowSlots = 300
	// ReservoirSize is the number of recent latency samples kept for
	// percentile estimation.
	ReservoirSize = 1024
)

// Totals are the monotonic counters, readable without a lock.
type Totals struct {
	RequestsTotal      int64 `json:"requests_total"`
	RequestsFailed     int64 `json:"requests_failed"`
	RecordsProcessed   int64 `json:"records_processed"`
	BatchesTotal       int64 `json:"batches_total"`
	ThreatMatchesTotal int64 `json:"threat_matches_total"`
	OutputsTestSuccess int64 `json:"outputs_test_success_total"`
	OutputsTestFail    int64 `json:"outputs_test_fail_total"`
	UDPHeadPackets     int64 `json:"udp_head_packets_total"`
	UDPHeadBytes       int64 `json:"udp_head_bytes_total"`
	DropsTotal         int64 `json:"drops_total"`
}

// ring is one fixed-length per-second window.
type ring struct {
	slots [WindowSlots]int64
	epoch [WindowSlots]int64 // unix second of each slot
	head  int                // most recently written slot
}

func (r *ring) push(sec, v int64) {
	r.head = (r.head + 1) % WindowSlots
	r.slots[r.head] = v
	r.epoch[r.head] = sec
}

// series renders the ring as [[epoch_ms, value], ...], oldest first, skipping
// slots never written.
func (r *ring) series() [][2]int64 {
	out := make([][2]int64, 0, WindowSlots)
	for i := 1; i <= WindowSlots; i++ {
		idx := (r.head + i) % WindowSlots
		if r.epoch[idx] == 0 {
			continue
		}
		out = append(out, [2]int64{r.epoch[idx] * 1000, r.slots[idx]})
	}
	return out
}

// sumLast adds the most recent n slots.
func (r *ring) sumLast(n int) int64 {
	if n > WindowSlots {
		n = WindowSlots
	}
	var sum int64
	for i := 0; i < n; i++ {
		idx := (r.head - i + WindowSlots) % WindowSlots
		if r.epoch[idx] == 0 {
			break
		}
		sum += r.slots[idx]
	}
	return sum
}

// Aggregator is the process-wide metrics handle.
type Aggregator struct {
	requestsTotal      atomic.Int64
	requestsFailed     atomic.Int64
	recordsProcessed   atomic.Int64
	batchesTotal       atomic.Int64
	threatMatchesTotal atomic.Int64
	outputsTestSuccess atomic.Int64
	outputsTestFail    atomic.Int64
	udpHeadPackets     atomic.Int64
	udpHeadBytes       atomic.Int64
	dropsTotal         atomic.Int64

	mu sync.Mutex
	// accumulators for the in-progress second
	curEvents, curBatches, curThreats int64
	curRiskSum, curRiskCount          int64
	lastRollSec                       int64

	events, batches, threats, riskSum, riskCount ring

	latency [ReservoirSize]float64 // milliseconds, ring of most recent samples
	latIdx  int
	latN    int

	// injected gauges, read at snapshot time
	activeSources func() int
	queueFill     func() (used, capacity int)

	prom *PromMetrics
}

// NewAggregator builds an aggregator. activeSources and queueFill may be nil
// until wired (e.g. in tests).
func NewAggregator(prom *PromMetrics) *Aggregator {
	return &Aggregator{
		lastRollSec: time.Now().Unix(),
		prom:        prom,
	}
}

// SetActiveSourcesFn wires the registry's active-source gauge.
func (a *Aggregator) SetActiveSourcesFn(fn func() int) { a.activeSources = fn }

// SetQueueFillFn wires the export back-pressure gauge.
func (a *Aggregator) SetQueueFillFn(fn func() (int, int)) { a.queueFill = fn }

// Run rolls the windows once per second until the context ends.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.roll(time.Now().Unix())
		case <-ctx.Done():
			return
		}
	}
}

// roll closes out the in-progress second. Seconds skipped by scheduling
// delays become zero-valued slots rather than merged counts.
func (a *Aggregator) roll(nowSec int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	elapsed := nowSec - a.lastRollSec
	if elapsed <= 0 {
		return
	}

	a.events.push(a.lastRollSec, a.curEvents)
	a.batches.push(a.lastRollSec, a.curBatches)
	a.threats.push(a.lastRollSec, a.curThreats)
	a.riskSum.push(a.lastRollSec, a.curRiskSum)
	a.riskCount.push(a.lastRollSec, a.curRiskCount)
	a.curEvents, a.curBatches, a.curThreats, a.curRiskSum, a.curRiskCount = 0, 0, 0, 0, 0

	for sec := a.lastRollSec + 1; sec < nowSec; sec++ {
		a.events.push(sec, 0)
		a.batches.push(sec, 0)
		a.threats.push(sec, 0)
		a.riskSum.push(sec, 0)
		a.riskCount.push(sec, 0)
	}
	a.lastRollSec = nowSec
}

// RecordBatch accounts one processed batch.
func (a *Aggregator) RecordBatch(records, threatMatches int, riskSum int64) {
	a.recordsProcessed.Add(int64(records))
	a.batchesTotal.Add(1)
	a.threatMatchesTotal.Add(int64(threatMatches))

	a.mu.Lock()
	a.curEvents += int64(records)
	a.curBatches++
	a.curThreats += int64(threatMatches)
	a.curRiskSum += riskSum
	a.curRiskCount += int64(records)
	a.mu.Unlock()

	if a.prom != nil {
		a.prom.RecordsProcessed.Add(float64(records))
		a.prom.BatchesTotal.Inc()
		a.prom.ThreatMatches.Add(float64(threatMatches))
	}
}

// RecordRequest accounts one completed HTTP request.
func (a *Aggregator) RecordRequest(failed bool, d time.Duration) {
	a.requestsTotal.Add(1)
	if failed {
		a.requestsFailed.Add(1)
	}

	ms := float64(d.Microseconds()) / 1000.0
	a.mu.Lock()
	a.latency[a.latIdx] = ms
	a.latIdx = (a.latIdx + 1) % ReservoirSize
	if a.latN < ReservoirSize {
		a.latN++
	}
	a.mu.Unlock()

	if a.prom != nil {
		result := "ok"
		if failed {
			result = "failed"
		}
		a.prom.RequestsTotal.WithLabelValues(result).Inc()
		a.prom.RequestLatency.Observe(ms / 1000.0)
	}
}

// RecordOutputsTest accounts a synthetic sink probe.
func (a *Aggregator) RecordOutputsTest(ok bool) {
	if ok {
		a.outputsTestSuccess.Add(1)
	} else {
		a.outputsTestFail.Add(1)
	}
}

// RecordUDPPacket accounts a datagram hitting the collector head.
func (a *Aggregator) RecordUDPPacket(bytes int) {
	a.udpHeadPackets.Add(1)
	a.udpHeadBytes.Add(int64(bytes))
	if a.prom != nil {
		a.prom.UDPPackets.Inc()
		a.prom.UDPBytes.Add(float64(bytes))
	}
}

// RecordDrop accounts a record or batch shed under pressure.
func (a *Aggregator) RecordDrop(n int) {
	a.dropsTotal.Add(int64(n))
	if a.prom != nil {
		a.prom.DropsTotal.Add(float64(n))
	}
}

// RecordExport accounts one export batch reaching its terminal state.
func (a *Aggregator) RecordExport(sink string, delivered bool) {
	if a.prom != nil {
		outcome := "delivered"
		if !delivered {
			outcome = "dlq"
		}
		a.prom.ExportBatches.WithLabelValues(sink, outcome).Inc()
	}
}

// SetDLQDepth publishes the current dead-letter depth.
func (a *Aggregator) SetDLQDepth(n int) {
	if a.prom != nil {
		a.prom.DLQDepth.Set(float64(n))
	}
}

// Totals snapshots the monotonic counters.
func (a *Aggregator) Totals() Totals {
	return Totals{
		RequestsTotal:      a.requestsTotal.Load(),
		RequestsFailed:     a.requestsFailed.Load(),
		RecordsProcessed:   a.recordsProcessed.Load(),
		BatchesTotal:       a.batchesTotal.Load(),
		ThreatMatchesTotal: a.threatMatchesTotal.Load(),
		OutputsTestSuccess: a.outputsTestSuccess.Load(),
		OutputsTestFail:    a.outputsTestFail.Load(),
		UDPHeadPackets:     a.udpHeadPackets.Load(),
		UDPHeadBytes:       a.udpHeadBytes.Load(),
		DropsTotal:         a.dropsTotal.Load(),
	}
}

// Snapshot is the structured read returned by the metrics endpoint.
type Snapshot struct {
	Totals        Totals     `json:"totals"`
	EPS1m         float64    `json:"eps_1m"`
	BPM1m         float64    `json:"bpm_1m"`
	AvgRisk1m     float64    `json:"avg_risk_1m"`
	LatencyP50Ms  float64    `json:"latency_p50_ms"`
	LatencyP95Ms  float64    `json:"latency_p95_ms"`
	LatencyP99Ms  float64    `json:"latency_p99_ms"`
	ActiveSources int        `json:"active_sources"`
	QueueUsed     int        `json:"queue_used"`
	QueueCapacity int        `json:"queue_capacity"`
	Backpressure  bool       `json:"backpressure"`
	Series        SeriesView `json:"series"`
	GeneratedAt   time.Time  `json:"generated_at"`
}

// SeriesView holds the 5-minute chart arrays.
type SeriesView struct {
	Events  [][2]int64   `json:"events"`
	Batches [][2]int64   `json:"batches"`
	Threats [][2]int64   `json:"threats"`
	AvgRisk [][2]float64 `json:"avg_risk"`
}

// Snapshot builds the full structured read.
func (a *Aggregator) Snapshot() Snapshot {
	snap := Snapshot{
		Totals:      a.Totals(),
		GeneratedAt: time.Now(),
	}

	a.mu.Lock()
	snap.EPS1m = float64(a.events.sumLast(60)) / 60.0
	snap.BPM1m = float64(a.batches.sumLast(60))
	if rc := a.riskCount.sumLast(60); rc > 0 {
		snap.AvgRisk1m = float64(a.riskSum.sumLast(60)) / float64(rc)
	}
	snap.LatencyP50Ms, snap.LatencyP95Ms, snap.LatencyP99Ms = a.percentilesLocked()
	snap.Series.Events = a.events.series()
	snap.Series.Batches = a.batches.series()
	snap.Series.Threats = a.threats.series()
	snap.Series.AvgRisk = avgSeries(a.riskSum.series(), a.riskCount.series())
	a.mu.Unlock()

	if a.activeSources != nil {
		snap.ActiveSources = a.activeSources()
	}
	if a.queueFill != nil {
		used, capacity := a.queueFill()
		snap.QueueUsed, snap.QueueCapacity = used, capacity
		snap.Backpressure = capacity > 0 && used*100 > capacity*80
	}
	return snap
}

// percentilesLocked sorts a copy of the reservoir and indexes into it.
func (a *Aggregator) percentilesLocked() (p50, p95, p99 float64) {
	if a.latN == 0 {
		return 0, 0, 0
	}
	samples := make([]float64, a.latN)
	copy(samples, a.latency[:a.latN])
	sort.Float64s(samples)
	at := func(q float64) float64 {
		idx := int(q * float64(len(samples)-1))
		return samples[idx]
	}
	return at(0.50), at(0.95), at(0.99)
}

func avgSeries(sums, counts [][2]int64) [][2]float64 {
	out := make([][2]float64, 0, len(sums))
	for i := range sums {
		if i >= len(counts) {
			break
		}
		avg := 0.0
		if counts[i][1] > 0 {
			avg = float64(sums[i][1]) / float64(counts[i][1])
		}
		out = append(out, [2]float64{float64(sums[i][0]), avg})
	}
	return out
}
