// Package idempotency replays stored responses for retried requests. Keys are
// scoped by tenant and endpoint; concurrent retries of an in-flight request
// block on a per-key waiter until the primary commits.
package idempotency

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default retention. Failed primaries keep a short negative entry so rapid
// retries do not stampede; canceled primaries leave nothing behind.
const (
	DefaultTTL     = 24 * time.Hour
	NegativeTTL    = time.Minute
	DefaultMaxKeys = 100_000
)

// Response is the replayable outcome of a completed request.
type Response struct {
	Status    int       `json:"status"`
	Body      []byte    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Backing is an optional durable tier consulted on memory misses and written
// behind on commit. Both the Redis cache and the postgres table satisfy it.
type Backing interface {
	GetResponse(ctx context.Context, key string) (*Response, error) // nil, nil on miss
	PutResponse(ctx context.Context, key string, resp Response, ttl time.Duration) error
}

// Purger is implemented by backings that cannot expire rows natively (the
// postgres table); the prune loop deletes past-TTL rows through it.
type Purger interface {
	PurgeIdempotencyBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type entryState int

const (
	statePending entryState = iota
	stateDone
)

type entry struct {
	state   entryState
	resp    Response
	expires time.Time
	done    chan struct{} // closed on commit, fail, or cancel
	elem    *list.Element // position in insertion order
}

// Store is the in-memory idempotency map with TTL and capacity bounds.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // insertion order, oldest at front; values are keys
	maxKeys int
	ttl     time.Duration
	backing []Backing

	stop chan struct{}
	once sync.Once
}

// NewStore builds a store and starts its prune loop. Backings are consulted
// in order on miss (put a fast cache first).
func NewStore(maxKeys int, ttl time.Duration, backing ...Backing) *Store {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		entries: make(map[string]*entry),
		order:   list.New(),
		maxKeys: maxKeys,
		ttl:     ttl,
		backing: backing,
		stop:    make(chan struct{}),
	}
	go s.pruneLoop()
	return s
}

// Key builds the scoped lookup key.
func Key(tenantID, endpoint, clientKey string) string {
	return tenantID + "\x00" + endpoint + "\x00" + clientKey
}

// BeginResult tells the caller whether to replay or to proceed as primary.
type BeginResult struct {
	Hit      bool
	Response Response
}

// Begin resolves a key: a stored response replays immediately, an in-flight
// primary blocks us until it completes, and a miss registers the caller as
// the new primary (who must call Commit, Fail, or Cancel).
func (s *Store) Begin(ctx context.Context, key string) (BeginResult, error) {
	for {
		s.mu.Lock()
		e, ok := s.entries[key]
		now := time.Now()

		if ok && e.state == stateDone && now.Before(e.expires) {
			resp := e.resp
			s.mu.Unlock()
			return BeginResult{Hit: true, Response: resp}, nil
		}
		if ok && e.state == statePending {
			done := e.done
			s.mu.Unlock()
			select {
			case <-done:
				// Primary finished or canceled; loop to observe the outcome.
				continue
			case <-ctx.Done():
				// Waiter cancellation frees the slot without touching the
				// pending primary.
				return BeginResult{}, ctx.Err()
			}
		}

		// Expired or absent: claim the slot first, then consult the durable
		// tiers outside the lock. A slow backing read must not stall Begin
		// calls for unrelated keys, and the pending claim keeps concurrent
		// retries of this key single-flight meanwhile.
		e = &entry{state: statePending, done: make(chan struct{}), expires: now.Add(s.ttl)}
		s.install(key, e)
		s.mu.Unlock()

		if resp := s.lookupBacking(ctx, key); resp != nil {
			s.mu.Lock()
			if cur, ok := s.entries[key]; ok && cur == e {
				cur.state = stateDone
				cur.resp = *resp
				cur.expires = resp.CreatedAt.Add(s.ttl)
				close(cur.done)
			}
			s.mu.Unlock()
			return BeginResult{Hit: true, Response: *resp}, nil
		}
		return BeginResult{}, nil
	}
}

// Commit stores the primary's response and wakes every waiter.
func (s *Store) Commit(key string, resp Response) {
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = time.Now()
	}
	s.finish(key, resp, s.ttl)
	for _, b := range s.backing {
		go func(b Backing) {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := b.PutResponse(ctx, key, resp, s.ttl); err != nil {
				slog.Warn("idempotency write-behind failed", "error", err)
			}
		}(b)
	}
}

// Fail stores a short-lived negative result so immediate retries replay the
// failure instead of re-entering the pipeline.
func (s *Store) Fail(key string, resp Response) {
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = time.Now()
	}
	s.finish(key, resp, NegativeTTL)
}

// Cancel removes a pending entry without caching anything; waiters wake and
// re-resolve (the first becomes the new primary).
func (s *Store) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.state != statePending {
		return
	}
	s.remove(key, e)
	close(e.done)
}

// Len reports the number of resident keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the prune loop.
func (s *Store) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *Store) finish(key string, resp Response, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.state != statePending {
		return
	}
	e.state = stateDone
	e.resp = resp
	e.expires = time.Now().Add(ttl)
	close(e.done)
}

// install adds an entry under the lock, evicting to stay under the cap.
// TTL eviction runs first; capacity eviction drops oldest-inserted after.
func (s *Store) install(key string, e *entry) {
	s.evictExpiredLocked(time.Now())
	for len(s.entries) >= s.maxKeys {
		front := s.order.Front()
		if front == nil {
			break
		}
		oldKey := front.Value.(string)
		old := s.entries[oldKey]
		if old.state == statePending {
			close(old.done)
		}
		s.remove(oldKey, old)
	}
	e.elem = s.order.PushBack(key)
	s.entries[key] = e
}

func (s *Store) remove(key string, e *entry) {
	delete(s.entries, key)
	if e.elem != nil {
		s.order.Remove(e.elem)
	}
}

func (s *Store) evictExpiredLocked(now time.Time) {
	for el := s.order.Front(); el != nil; {
		next := el.Next()
		key := el.Value.(string)
		e := s.entries[key]
		if e.state == stateDone && now.After(e.expires) {
			s.remove(key, e)
		}
		el = next
	}
}

func (s *Store) lookupBacking(ctx context.Context, key string) *Response {
	for _, b := range s.backing {
		resp, err := b.GetResponse(ctx, key)
		if err != nil {
			slog.Warn("idempotency backing read failed", "error", err)
			continue
		}
		if resp != nil && time.Since(resp.CreatedAt) < s.ttl {
			return resp
		}
	}
	return nil
}

func (s *Store) pruneLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			s.evictExpiredLocked(time.Now())
			s.mu.Unlock()
			s.purgeBackings()
		case <-s.stop:
			return
		}
	}
}

// purgeBackings deletes past-TTL rows from every backing that supports it,
// keeping the durable tier bounded the same way the memory tier is.
func (s *Store) purgeBackings() {
	cutoff := time.Now().Add(-s.ttl)
	for _, b := range s.backing {
		p, ok := b.(Purger)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := p.PurgeIdempotencyBefore(ctx, cutoff); err != nil {
			slog.Warn("idempotency backing purge failed", "error", err)
		}
		cancel()
	}
}
