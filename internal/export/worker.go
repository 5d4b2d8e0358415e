package export

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowlens/gateway/internal/core"
	"github.com/flowlens/gateway/internal/metrics"
)

const (
	inputChanCap = 100
	maxAttempts  = 3
	drainWindow  = 10 * time.Second
)

// worker owns one sink: it coalesces incoming batches, delivers with bounded
// retries, and parks exhausted batches in the DLQ.
type worker struct {
	input      chan core.Batch
	batchMax   int
	flushEvery time.Duration
	replayWait time.Duration

	mu   sync.RWMutex
	sink Sink

	dlq DLQStore
	agg *metrics.Aggregator

	// overridden in tests
	backoffFn func(int) time.Duration

	pending []core.EnrichedRecord
}

func newWorker(sink Sink, dlq DLQStore, agg *metrics.Aggregator, batchMax int, flushEvery, replayWait time.Duration) *worker {
	if batchMax <= 0 {
		batchMax = 2000
	}
	if flushEvery <= 0 {
		flushEvery = 1500 * time.Millisecond
	}
	return &worker{
		input:      make(chan core.Batch, inputChanCap),
		batchMax:   batchMax,
		flushEvery: flushEvery,
		replayWait: replayWait,
		sink:       sink,
		dlq:        dlq,
		agg:        agg,
		backoffFn:  backoff,
	}
}

func (w *worker) getSink() Sink {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.sink
}

func (w *worker) setSink(s Sink) {
	w.mu.Lock()
	w.sink = s
	w.mu.Unlock()
}

func (w *worker) name() string { return w.getSink().Name() }

// fill reports channel occupancy for back-pressure signaling.
func (w *worker) fill() (int, int) {
	return len(w.input), cap(w.input)
}

// run consumes until the context ends, then drains what remains under a
// bounded grace window.
func (w *worker) run(ctx context.Context) {
	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case batch := <-w.input:
			w.pending = append(w.pending, batch.Records...)
			for len(w.pending) >= w.batchMax {
				w.flushChunk(ctx, w.batchMax)
			}
		case <-ticker.C:
			for len(w.pending) > 0 {
				w.flushChunk(ctx, w.batchMax)
			}
		case <-ctx.Done():
			w.drain()
			return
		}
	}
}

// flushChunk delivers up to n pending records as one export batch.
func (w *worker) flushChunk(ctx context.Context, n int) {
	if len(w.pending) == 0 {
		return
	}
	if n > len(w.pending) {
		n = len(w.pending)
	}
	records := make([]core.EnrichedRecord, n)
	copy(records, w.pending[:n])
	w.pending = w.pending[n:]

	batch := core.Batch{ID: uuid.NewString(), Records: records}
	w.deliver(ctx, batch)
}

// deliver retries up to maxAttempts, then hands the batch to the DLQ.
func (w *worker) deliver(ctx context.Context, batch core.Batch) {
	sink := w.getSink()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = sink.Deliver(ctx, batch)
		if lastErr == nil {
			if w.agg != nil {
				w.agg.RecordExport(sink.Name(), true)
			}
			return
		}
		if attempt < maxAttempts && !sleep(ctx, w.backoffFn(attempt)) {
			break
		}
	}
	w.park(batch, maxAttempts, lastErr)
}

// park appends one exhausted batch to the DLQ.
func (w *worker) park(batch core.Batch, attempts int, cause error) {
	payload, err := json.Marshal(batch)
	if err != nil {
		slog.Error("dropping unmarshalable export batch", "sink", w.name(), "error", err)
		return
	}
	now := time.Now()
	entry := core.DLQEntry{
		ID:           uuid.NewString(),
		Target:       w.name(),
		Payload:      payload,
		Attempts:     attempts,
		FirstAttempt: now,
		LastAttempt:  now,
		NextEligible: now.Add(w.replayWait),
		LastError:    cause.Error(),
	}
	if err := w.dlq.Append(context.Background(), entry); err != nil {
		slog.Error("dlq append failed", "sink", w.name(), "error", err)
		return
	}
	if w.agg != nil {
		w.agg.RecordExport(w.name(), false)
	}
	slog.Warn("export batch parked in dlq",
		"sink", w.name(), "records", len(batch.Records), "error", cause.Error())
}

// drain makes one delivery attempt per remaining chunk; failures go straight
// to the DLQ so shutdown never loses a batch.
func (w *worker) drain() {
	for {
		select {
		case batch := <-w.input:
			w.pending = append(w.pending, batch.Records...)
		default:
			goto flush
		}
	}
flush:
	ctx, cancel := context.WithTimeout(context.Background(), drainWindow)
	defer cancel()

	sink := w.getSink()
	for len(w.pending) > 0 {
		n := w.batchMax
		if n > len(w.pending) {
			n = len(w.pending)
		}
		batch := core.Batch{ID: uuid.NewString(), Records: w.pending[:n]}
		w.pending = w.pending[n:]

		if err := sink.Deliver(ctx, batch); err != nil {
			w.park(batch, 1, err)
			continue
		}
		if w.agg != nil {
			w.agg.RecordExport(sink.Name(), true)
		}
	}
}
