package export

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/flowlens/gateway/internal/config"
	"github.com/flowlens/gateway/internal/core"
	"github.com/flowlens/gateway/internal/metrics"
)

// Manager fans submitted batches out to one worker per configured sink and
// runs the DLQ replay and retention loops.
type Manager struct {
	dlq        DLQStore
	agg        *metrics.Aggregator
	batchMax   int
	flushEvery time.Duration
	replayWait time.Duration
	retention  time.Duration

	mu      sync.RWMutex
	workers map[string]*worker
	runCtx  context.Context
	wg      sync.WaitGroup
}

// NewManager builds a manager with workers for every sink the config names.
// Sinks can also be added later through SetSink (the outputs API).
func NewManager(cfg *config.Config, dlq DLQStore, agg *metrics.Aggregator) *Manager {
	m := &Manager{
		dlq:        dlq,
		agg:        agg,
		batchMax:   cfg.ExportBatchMax,
		flushEvery: cfg.ExportFlush,
		replayWait: cfg.DLQReplay,
		retention:  cfg.DLQRetention,
		workers:    make(map[string]*worker),
	}
	if cfg.Sinks.Splunk.URL != "" {
		m.addWorker(NewSplunk(cfg.Sinks.Splunk))
	}
	if cfg.Sinks.Elastic.URL != "" {
		if sink, err := NewElastic(cfg.Sinks.Elastic); err != nil {
			slog.Error("elastic sink disabled", "error", err)
		} else {
			m.addWorker(sink)
		}
	}
	return m
}

func (m *Manager) addWorker(sink Sink) *worker {
	w := newWorker(sink, m.dlq, m.agg, m.batchMax, m.flushEvery, m.replayWait)
	m.workers[sink.Name()] = w
	return w
}

// Run starts the workers and the replay loop, then blocks until the context
// ends and every worker has drained.
func (m *Manager) Run(ctx context.Context) {
	m.mu.Lock()
	m.runCtx = ctx
	for _, w := range m.workers {
		m.startWorker(w)
	}
	m.mu.Unlock()

	wait := m.replayWait
	if wait <= 0 {
		wait = time.Minute
	}
	ticker := time.NewTicker(wait)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.replayOnce(ctx, time.Now())
		case <-ctx.Done():
			m.wg.Wait()
			return
		}
	}
}

// startWorker launches w under the run context. Caller holds the lock.
func (m *Manager) startWorker(w *worker) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		w.run(m.runCtx)
	}()
}

// Submit hands one enriched batch to every worker. A full worker channel
// sheds its oldest queued batch so operators keep seeing recent traffic.
func (m *Manager) Submit(batch core.Batch) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.workers {
		select {
		case w.input <- batch:
			continue
		default:
		}

		select {
		case old := <-w.input:
			if m.agg != nil {
				m.agg.RecordDrop(len(old.Records))
			}
		default:
		}
		select {
		case w.input <- batch:
		default:
			if m.agg != nil {
				m.agg.RecordDrop(len(batch.Records))
			}
		}
	}
}

// ChannelFill reports the fullest worker channel, for back-pressure signaling.
func (m *Manager) ChannelFill() (int, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	used, capacity := 0, 0
	for _, w := range m.workers {
		u, c := w.fill()
		if capacity == 0 || u*capacity > used*c {
			used, capacity = u, c
		}
	}
	return used, capacity
}

// SetSink installs or replaces a sink at runtime. A new sink gets a worker
// started under the run context when the manager is running.
func (m *Manager) SetSink(sink Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workers[sink.Name()]; ok {
		w.setSink(sink)
		return
	}
	w := m.addWorker(sink)
	if m.runCtx != nil {
		m.startWorker(w)
	}
}

// ProbeResult is the outputs-test response body.
type ProbeResult struct {
	Target    string  `json:"target"`
	OK        bool    `json:"ok"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// Test runs a synthetic probe against one configured sink.
func (m *Manager) Test(ctx context.Context, target string) ProbeResult {
	m.mu.RLock()
	w, ok := m.workers[target]
	m.mu.RUnlock()

	res := ProbeResult{Target: target}
	if !ok {
		res.Error = "sink not configured"
		if m.agg != nil {
			m.agg.RecordOutputsTest(false)
		}
		return res
	}

	start := time.Now()
	err := w.getSink().Probe(ctx)
	res.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		res.Error = err.Error()
	} else {
		res.OK = true
	}
	if m.agg != nil {
		m.agg.RecordOutputsTest(res.OK)
	}
	return res
}

// Targets lists the configured sink names.
func (m *Manager) Targets() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.workers))
	for name := range m.workers {
		names = append(names, name)
	}
	return names
}

// replayOnce attempts redelivery of due DLQ entries, purges entries past the
// retention horizon, and refreshes the depth gauge.
func (m *Manager) replayOnce(ctx context.Context, now time.Time) {
	if removed, err := m.dlq.PurgeBefore(ctx, now.Add(-m.retention)); err != nil {
		slog.Warn("dlq purge failed", "error", err)
	} else if removed > 0 {
		slog.Info("dlq retention purge", "removed", removed)
	}

	entries, err := m.dlq.Eligible(ctx, now, 100)
	if err != nil {
		slog.Warn("dlq read failed", "error", err)
		return
	}

	for _, entry := range entries {
		m.mu.RLock()
		w, ok := m.workers[entry.Target]
		m.mu.RUnlock()
		if !ok {
			continue
		}

		var batch core.Batch
		if err := json.Unmarshal(entry.Payload, &batch); err != nil {
			slog.Error("dropping corrupt dlq entry", "id", entry.ID, "error", err)
			m.dlq.Delete(ctx, entry.ID)
			continue
		}

		if err := w.getSink().Deliver(ctx, batch); err != nil {
			entry.Attempts++
			entry.LastAttempt = now
			entry.NextEligible = now.Add(m.replayWait)
			entry.LastError = err.Error()
			if uerr := m.dlq.Update(ctx, entry); uerr != nil {
				slog.Warn("dlq update failed", "id", entry.ID, "error", uerr)
			}
			continue
		}

		if err := m.dlq.Delete(ctx, entry.ID); err != nil {
			slog.Warn("dlq delete failed", "id", entry.ID, "error", err)
		}
		slog.Info("dlq entry redelivered", "sink", entry.Target, "records", len(batch.Records))
	}

	if m.agg != nil {
		if depth, err := m.dlq.Depth(ctx); err == nil {
			m.agg.SetDLQDepth(depth)
		}
	}
}
