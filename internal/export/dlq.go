package export

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flowlens/gateway/internal/core"
)

// DLQStore holds failed export batches until replay succeeds or retention
// expires. The database layer provides the durable implementation; MemoryDLQ
// serves deployments without one.
type DLQStore interface {
	Append(ctx context.Context, e core.DLQEntry) error
	Eligible(ctx context.Context, now time.Time, limit int) ([]core.DLQEntry, error)
	Update(ctx context.Context, e core.DLQEntry) error
	Delete(ctx context.Context, id string) error
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)
	Depth(ctx context.Context) (int, error)
}

// MemoryDLQ is the in-process fallback store.
type MemoryDLQ struct {
	mu      sync.Mutex
	entries map[string]core.DLQEntry
}

// NewMemoryDLQ builds an empty store.
func NewMemoryDLQ() *MemoryDLQ {
	return &MemoryDLQ{entries: make(map[string]core.DLQEntry)}
}

func (d *MemoryDLQ) Append(_ context.Context, e core.DLQEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[e.ID] = e
	return nil
}

// Eligible returns entries due for replay, oldest next-eligible first.
func (d *MemoryDLQ) Eligible(_ context.Context, now time.Time, limit int) ([]core.DLQEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var due []core.DLQEntry
	for _, e := range d.entries {
		if !e.NextEligible.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextEligible.Before(due[j].NextEligible) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (d *MemoryDLQ) Update(_ context.Context, e core.DLQEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[e.ID]; ok {
		d.entries[e.ID] = e
	}
	return nil
}

func (d *MemoryDLQ) Delete(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, id)
	return nil
}

// PurgeBefore drops entries whose first attempt predates the cutoff.
func (d *MemoryDLQ) PurgeBefore(_ context.Context, cutoff time.Time) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for id, e := range d.entries {
		if e.FirstAttempt.Before(cutoff) {
			delete(d.entries, id)
			removed++
		}
	}
	return removed, nil
}

func (d *MemoryDLQ) Depth(_ context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries), nil
}
