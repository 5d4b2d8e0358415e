package audit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(id, method, path string, status int, at time.Time) *Entry {
	e := &Entry{
		ID:        id,
		Method:    method,
		Path:      path,
		Timestamp: at,
	}
	e.Finalize(status, time.Millisecond)
	return e
}

func TestAppendAndGet(t *testing.T) {
	r := NewRing(10, time.Hour, nil)
	r.Append(entry("a", "POST", "/v1/ingest", 200, time.Now()))

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.Seq)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestCapacityEvictsOldest(t *testing.T) {
	r := NewRing(3, time.Hour, nil)
	for i := 0; i < 5; i++ {
		r.Append(entry(fmt.Sprintf("e%d", i), "GET", "/v1/metrics", 200, time.Now()))
	}

	assert.Equal(t, 3, r.Len())
	_, ok := r.Get("e0")
	assert.False(t, ok)
	_, ok = r.Get("e1")
	assert.False(t, ok)
	_, ok = r.Get("e4")
	assert.True(t, ok)
}

func TestListFilters(t *testing.T) {
	r := NewRing(100, time.Hour, nil)
	now := time.Now()
	r.Append(entry("a", "POST", "/v1/ingest", 200, now.Add(-10*time.Minute)))
	r.Append(entry("b", "POST", "/v1/ingest", 429, now.Add(-5*time.Minute)))
	r.Append(entry("c", "GET", "/v1/health", 200, now.Add(-time.Minute)))
	r.Append(entry("d", "GET", "/v1/admin/requests", 500, now))

	byMethod, total, _ := r.List(Filter{Method: "post"})
	assert.Equal(t, 2, total)
	assert.Equal(t, "b", byMethod[0].ID) // newest first

	_, total, _ = r.List(Filter{StatusClass: 4})
	assert.Equal(t, 1, total)

	_, total, _ = r.List(Filter{PathContains: "ingest"})
	assert.Equal(t, 2, total)

	_, total, _ = r.List(Filter{ExcludeMonitoring: true})
	assert.Equal(t, 3, total)

	_, total, _ = r.List(Filter{Since: now.Add(-6 * time.Minute)})
	assert.Equal(t, 3, total)

	_, total, _ = r.List(Filter{Until: now.Add(-6 * time.Minute)})
	assert.Equal(t, 1, total)
}

func TestListPagination(t *testing.T) {
	r := NewRing(100, time.Hour, nil)
	for i := 0; i < 10; i++ {
		r.Append(entry(fmt.Sprintf("e%d", i), "GET", "/v1/x", 200, time.Now().Add(time.Duration(i)*time.Millisecond)))
	}

	page, total, _ := r.List(Filter{Limit: 3, Offset: 2})
	assert.Equal(t, 10, total)
	require.Len(t, page, 3)
	assert.Equal(t, "e7", page[0].ID)
	assert.Equal(t, "e5", page[2].ID)

	page, _, _ = r.List(Filter{Offset: 50})
	assert.Empty(t, page)
}

func TestETagStableUntilNewEntry(t *testing.T) {
	r := NewRing(100, time.Hour, nil)
	now := time.Now()
	r.Append(entry("a", "POST", "/v1/ingest", 200, now.Add(-time.Minute)))
	r.Append(entry("b", "POST", "/v1/ingest", 200, now))

	f := Filter{Limit: 50, Since: now.Add(-15 * time.Minute)}
	_, _, first := r.List(f)
	_, _, second := r.List(f)
	assert.Equal(t, first, second)

	r.Append(entry("c", "POST", "/v1/ingest", 200, now.Add(time.Second)))
	_, _, third := r.List(f)
	assert.NotEqual(t, first, third)
}

func TestPruneDropsExpired(t *testing.T) {
	r := NewRing(100, time.Minute, nil)
	now := time.Now()
	r.Append(entry("old", "GET", "/v1/x", 200, now.Add(-2*time.Minute)))
	r.Append(entry("fresh", "GET", "/v1/x", 200, now))

	removed := r.Prune(now)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, r.Len())

	_, ok := r.Get("old")
	assert.False(t, ok)
	_, ok = r.Get("fresh")
	assert.True(t, ok)
}

func TestSubscribeBacklogAndLiveTail(t *testing.T) {
	r := NewRing(100, time.Hour, nil)
	r.Append(entry("a", "GET", "/v1/x", 200, time.Now()))
	r.Append(entry("b", "GET", "/v1/x", 200, time.Now()))

	ch, backlog, cancel := r.Subscribe(1)
	defer cancel()

	require.Len(t, backlog, 1)
	assert.Equal(t, "b", backlog[0].ID)

	r.Append(entry("c", "GET", "/v1/x", 200, time.Now()))
	select {
	case e := <-ch:
		assert.Equal(t, "c", e.ID)
	case <-time.After(time.Second):
		t.Fatal("live entry never arrived")
	}
}

func TestSubscribeCancelStopsDelivery(t *testing.T) {
	r := NewRing(100, time.Hour, nil)
	ch, _, cancel := r.Subscribe(0)
	cancel()

	r.Append(entry("a", "GET", "/v1/x", 200, time.Now()))
	select {
	case _, open := <-ch:
		if open {
			t.Fatal("canceled subscriber received an entry")
		}
	default:
	}
}

func TestAppendRedactsMetaFields(t *testing.T) {
	r := NewRing(10, time.Hour, NewRedactor([]string{"Authorization"}, []string{"api_key"}))

	e := &Entry{ID: "a"}
	e.Event("received", map[string]any{"api_key": "secret", "collector": "edge-1"})
	e.Finalize(200, time.Millisecond)
	r.Append(e)

	got, ok := r.Get("a")
	require.True(t, ok)
	require.Len(t, got.Timeline, 1)
	assert.Equal(t, Placeholder, got.Timeline[0].Meta["api_key"])
	assert.Equal(t, "edge-1", got.Timeline[0].Meta["collector"])
}

func TestRedactorHeaders(t *testing.T) {
	red := NewRedactor([]string{"Authorization", "X-API-Key"}, nil)
	h := map[string][]string{
		"Authorization": {"Bearer secret"},
		"X-Api-Key":     {"secret"},
		"Content-Type":  {"application/json"},
	}
	out := red.Headers(h)
	assert.Equal(t, Placeholder, out["Authorization"])
	assert.Equal(t, Placeholder, out["X-Api-Key"])
	assert.Equal(t, "application/json", out["Content-Type"])
}
