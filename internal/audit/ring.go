package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const pruneInterval = 60 * time.Second

// Ring is the bounded request log. Entries are appended once at request
// completion, evicted by capacity and TTL, and fanned out to stream
// subscribers.
type Ring struct {
	mu       sync.RWMutex
	entries  []*Entry // ring buffer, oldest at head
	head, n  int
	capacity int
	ttl      time.Duration

	byID map[string]*Entry
	seq  uint64

	redactor *Redactor

	subs map[chan *Entry]struct{}
}

// NewRing builds a ring of the given capacity and per-entry TTL.
func NewRing(capacity int, ttl time.Duration, redactor *Redactor) *Ring {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if redactor == nil {
		redactor = NewRedactor(nil, nil)
	}
	return &Ring{
		entries:  make([]*Entry, capacity),
		capacity: capacity,
		ttl:      ttl,
		byID:     make(map[string]*Entry),
		redactor: redactor,
		subs:     make(map[chan *Entry]struct{}),
	}
}

// Append stores one completed entry, assigns its sequence number, and wakes
// stream subscribers. The caller must not touch the entry afterwards.
func (r *Ring) Append(e *Entry) {
	for i, ev := range e.Timeline {
		e.Timeline[i].Meta = r.redactor.Fields(ev.Meta)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	r.mu.Lock()
	r.seq++
	e.Seq = r.seq

	if r.n == r.capacity {
		evicted := r.entries[r.head]
		delete(r.byID, evicted.ID)
		r.head = (r.head + 1) % r.capacity
		r.n--
	}
	r.entries[(r.head+r.n)%r.capacity] = e
	r.n++
	r.byID[e.ID] = e

	for ch := range r.subs {
		select {
		case ch <- e:
		default: // slow subscriber loses this event
		}
	}
	r.mu.Unlock()
}

// Get returns one entry by id.
func (r *Ring) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	return e, ok
}

// Len reports the current entry count.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.n
}

// Filter selects entries for a listing.
type Filter struct {
	Method            string
	StatusClass       int // 2, 4, 5; 0 matches all
	PathContains      string
	ClientAddr        string
	TenantID          string
	Since, Until      time.Time
	ExcludeMonitoring bool
	Limit, Offset     int
}

func (f Filter) matches(e *Entry) bool {
	if f.Method != "" && !strings.EqualFold(f.Method, e.Method) {
		return false
	}
	if f.StatusClass != 0 && e.Status/100 != f.StatusClass {
		return false
	}
	if f.PathContains != "" && !strings.Contains(e.Path, f.PathContains) {
		return false
	}
	if f.ClientAddr != "" && e.ClientAddr != f.ClientAddr {
		return false
	}
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.ExcludeMonitoring && isMonitoringPath(e.Path) {
		return false
	}
	return true
}

// List returns the filtered page, newest first, with the total match count
// and an ETag stable for an unchanged window.
func (r *Ring) List(f Filter) ([]*Entry, int, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Entry
	var lastModified time.Time
	for i := r.n - 1; i >= 0; i-- {
		e := r.entries[(r.head+i)%r.capacity]
		if !f.matches(e) {
			continue
		}
		matched = append(matched, e)
		if e.Timestamp.After(lastModified) {
			lastModified = e.Timestamp
		}
	}

	total := len(matched)
	etag := fmt.Sprintf("W/\"%x-%d\"", lastModified.UnixNano(), total)

	if f.Offset > 0 {
		if f.Offset >= total {
			matched = nil
		} else {
			matched = matched[f.Offset:]
		}
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, etag
}

// Subscribe registers a tail consumer. Entries appended after lastSeq that
// are still in the ring come back as backlog; new appends arrive on the
// channel. The cancel func must be called exactly once.
func (r *Ring) Subscribe(lastSeq uint64) (<-chan *Entry, []*Entry, func()) {
	ch := make(chan *Entry, 64)

	r.mu.Lock()
	var backlog []*Entry
	for i := 0; i < r.n; i++ {
		e := r.entries[(r.head+i)%r.capacity]
		if e.Seq > lastSeq {
			backlog = append(backlog, e)
		}
	}
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		delete(r.subs, ch)
		r.mu.Unlock()
	}
	return ch, backlog, cancel
}

// Prune drops entries older than the TTL.
func (r *Ring) Prune(now time.Time) int {
	cutoff := now.Add(-r.ttl)
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for r.n > 0 {
		oldest := r.entries[r.head]
		if !oldest.Timestamp.Before(cutoff) {
			break
		}
		delete(r.byID, oldest.ID)
		r.entries[r.head] = nil
		r.head = (r.head + 1) % r.capacity
		r.n--
		removed++
	}
	return removed
}

// Run prunes on a fixed schedule until the context ends.
func (r *Ring) Run(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Prune(time.Now())
		case <-ctx.Done():
			return
		}
	}
}
