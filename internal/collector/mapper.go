package collector

import (
	"context"
	"time"

	"github.com/flowlens/gateway/internal/core"
)

// BatchSink accepts mapped record batches from the collector. The ingest
// pipeline implements it; its enrichment path is shared with HTTP ingest.
type BatchSink interface {
	IngestUDP(ctx context.Context, records []core.Record)
}

const (
	mapperBatchMax   = 500
	mapperFlushEvery = time.Second
)

// Mapper drains the queue into the sink, batching by count or age so a slow
// trickle of datagrams still flushes within a second.
type Mapper struct {
	queue *Queue
	sink  BatchSink
}

// NewMapper builds a mapper over the given queue and sink.
func NewMapper(queue *Queue, sink BatchSink) *Mapper {
	return &Mapper{queue: queue, sink: sink}
}

// Run consumes until the queue closes or the context ends. Records already
// popped when the context ends are still handed to the sink.
func (m *Mapper) Run(ctx context.Context) {
	for {
		records, open := m.queue.PopBatch(mapperBatchMax, mapperFlushEvery)
		if len(records) > 0 {
			m.sink.IngestUDP(ctx, records)
		}
		if !open || ctx.Err() != nil {
			return
		}
	}
}
