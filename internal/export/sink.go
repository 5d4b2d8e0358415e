// Package export delivers enriched batches to the configured sinks. Each sink
// gets its own worker with a coalescing buffer, bounded retries, and a
// dead-letter queue for batches that exhaust them. Delivery is at-least-once;
// batches carry stable ids so sink-side duplicates are tolerable.
package export

import (
	"context"
	"math/rand"
	"time"

	"github.com/flowlens/gateway/internal/core"
)

// Sink is one downstream destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, batch core.Batch) error
	Probe(ctx context.Context) error
}

const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 30 * time.Second
)

// backoff returns the wait before retry attempt n (1-based): exponential with
// ±20% jitter, never above the cap.
func backoff(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	jitter := 0.8 + 0.4*rand.Float64()
	d = time.Duration(float64(d) * jitter)
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

// sleep waits for d or until ctx ends, reporting whether the full wait ran.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
