package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTotalsAreMonotonic(t *testing.T) {
	a := NewAggregator(nil)

	var prev Totals
	for i := 0; i < 20; i++ {
		a.RecordBatch(10, 2, 500)
		a.RecordRequest(i%5 == 0, 3*time.Millisecond)
		cur := a.Totals()
		assert.GreaterOrEqual(t, cur.RecordsProcessed, prev.RecordsProcessed)
		assert.GreaterOrEqual(t, cur.RequestsTotal, prev.RequestsTotal)
		assert.GreaterOrEqual(t, cur.ThreatMatchesTotal, prev.ThreatMatchesTotal)
		prev = cur
	}
	assert.Equal(t, int64(200), prev.RecordsProcessed)
	assert.Equal(t, int64(20), prev.BatchesTotal)
	assert.Equal(t, int64(40), prev.ThreatMatchesTotal)
}

func TestRollProducesOneSlotPerSecond(t *testing.T) {
	a := NewAggregator(nil)
	base := a.lastRollSec

	a.RecordBatch(100, 5, 3000)
	a.roll(base + 1)

	a.RecordBatch(50, 0, 1000)
	a.roll(base + 2)

	snap := a.Snapshot()
	events := snap.Series.Events
	assert.Len(t, events, 2)
	assert.Equal(t, base*1000, events[0][0])
	assert.Equal(t, int64(100), events[0][1])
	assert.Equal(t, int64(50), events[1][1])
}

func TestSkippedSecondsBecomeZeroSlots(t *testing.T) {
	a := NewAggregator(nil)
	base := a.lastRollSec

	a.RecordBatch(10, 0, 100)
	// A 4-second stall: the stalled seconds appear as zeros, not merged.
	a.roll(base + 4)

	events := a.Snapshot().Series.Events
	assert.Len(t, events, 4)
	assert.Equal(t, int64(10), events[0][1])
	for _, slot := range events[1:] {
		assert.Zero(t, slot[1])
	}
}

func TestRollIgnoresClockGoingBackwards(t *testing.T) {
	a := NewAggregator(nil)
	base := a.lastRollSec
	a.roll(base - 5)
	assert.Empty(t, a.Snapshot().Series.Events)
}

func TestPercentiles(t *testing.T) {
	a := NewAggregator(nil)
	for i := 1; i <= 100; i++ {
		a.RecordRequest(false, time.Duration(i)*time.Millisecond)
	}

	snap := a.Snapshot()
	assert.InDelta(t, 50, snap.LatencyP50Ms, 2)
	assert.InDelta(t, 95, snap.LatencyP95Ms, 2)
	assert.InDelta(t, 99, snap.LatencyP99Ms, 2)
}

func TestAvgRiskWindow(t *testing.T) {
	a := NewAggregator(nil)
	base := a.lastRollSec

	a.RecordBatch(2, 0, 160) // two records, total risk 160
	a.roll(base + 1)

	snap := a.Snapshot()
	assert.InDelta(t, 80.0, snap.AvgRisk1m, 0.01)
}

func TestBackpressureFlag(t *testing.T) {
	a := NewAggregator(nil)

	fill := 0
	a.SetQueueFillFn(func() (int, int) { return fill, 100 })

	assert.False(t, a.Snapshot().Backpressure)
	fill = 81
	assert.True(t, a.Snapshot().Backpressure)
}
