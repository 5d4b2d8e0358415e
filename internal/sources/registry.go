// Package sources keeps the registered telemetry senders and decides whether
// an inbound request is admitted: allowlist first, then the per-source EPS cap.
package sources

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowlens/gateway/internal/core"
)

// Store is the persistence surface the registry writes through to.
type Store interface {
	ListSources(ctx context.Context) ([]core.Source, error)
	UpsertSource(ctx context.Context, s core.Source) error
	DeleteSource(ctx context.Context, id string) error
	TouchSource(ctx context.Context, id string, seen time.Time) error
}

// Registry holds all sources in memory, hydrated from the store at boot.
// Reads are per-request, writes come from the admin API only.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*core.Source
	allow   map[string][]netip.Prefix // parsed allowlists, same lifetime as sources

	buckets sync.Map // source id -> *tokenBucket
	store   Store    // nil in tests

	lastTouch sync.Map // source id -> int64 unix sec of last persisted last_seen

	nowSec func() int64 // bucket clock, swapped in tests
}

// NewRegistry builds an empty registry. Call Hydrate to load persisted sources.
func NewRegistry(store Store) *Registry {
	return &Registry{
		sources: make(map[string]*core.Source),
		allow:   make(map[string][]netip.Prefix),
		store:   store,
		nowSec:  func() int64 { return time.Now().Unix() },
	}
}

// Hydrate loads every persisted source into memory.
func (r *Registry) Hydrate(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	list, err := r.store.ListSources(ctx)
	if err != nil {
		return fmt.Errorf("hydrate sources: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range list {
		s := list[i]
		r.sources[s.ID] = &s
		r.allow[s.ID] = parseAllowlist(s.AllowedIPs)
	}
	slog.Info("source registry hydrated", "count", len(list))
	return nil
}

// Get returns a copy of a source.
func (r *Registry) Get(id string) (core.Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[id]
	if !ok {
		return core.Source{}, false
	}
	return *s, true
}

// List returns copies of all sources ordered by id.
func (r *Registry) List() []core.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveCount reports sources seen within the window, for metrics.
func (r *Registry) ActiveCount(window time.Duration) int {
	cutoff := time.Now().Add(-window)
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sources {
		if s.LastSeen.After(cutoff) {
			n++
		}
	}
	return n
}

// Upsert creates or replaces a source and writes it through to the store.
func (r *Registry) Upsert(ctx context.Context, s core.Source) (core.Source, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = core.SourceEnabled
	}
	if s.OriginType == "" {
		s.OriginType = "unknown"
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	prefixes := parseAllowlist(s.AllowedIPs)

	if r.store != nil {
		if err := r.store.UpsertSource(ctx, s); err != nil {
			return core.Source{}, err
		}
	}

	r.mu.Lock()
	r.sources[s.ID] = &s
	r.allow[s.ID] = prefixes
	r.mu.Unlock()

	// Cap change invalidates the bucket; it is rebuilt on next admission.
	r.buckets.Delete(s.ID)
	return s, nil
}

// Delete removes a source everywhere.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if r.store != nil {
		if err := r.store.DeleteSource(ctx, id); err != nil {
			return err
		}
	}
	r.mu.Lock()
	delete(r.sources, id)
	delete(r.allow, id)
	r.mu.Unlock()
	r.buckets.Delete(id)
	return nil
}

// UnionAllowlist returns the deduplicated union of every enabled source's
// allowlist, for the firewall sync endpoint.
func (r *Registry) UnionAllowlist() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for id, s := range r.sources {
		if s.Status != core.SourceEnabled {
			continue
		}
		for _, p := range r.allow[id] {
			key := p.String()
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				out = append(out, key)
			}
		}
	}
	sort.Strings(out)
	return out
}

// markSeen records activity on a source: in-memory immediately, persisted at
// most once per 10 seconds per source.
func (r *Registry) markSeen(id, originType string) {
	now := time.Now()
	r.mu.Lock()
	if s, ok := r.sources[id]; ok {
		s.LastSeen = now
		if originType != "" {
			s.OriginType = originType
		}
	}
	r.mu.Unlock()

	if r.store == nil {
		return
	}
	if last, ok := r.lastTouch.Load(id); ok && now.Unix()-last.(int64) < 10 {
		return
	}
	r.lastTouch.Store(id, now.Unix())
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := r.store.TouchSource(ctx, id, now); err != nil {
			slog.Warn("persisting last_seen failed", "source", id, "error", err)
		}
	}()
}

func parseAllowlist(cidrs []string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		pfx, err := netip.ParsePrefix(c)
		if err != nil {
			// Bare addresses act as host prefixes.
			addr, aerr := netip.ParseAddr(c)
			if aerr != nil {
				slog.Warn("skipping malformed allowlist entry", "cidr", c)
				continue
			}
			pfx = netip.PrefixFrom(addr, addr.BitLen())
		}
		out = append(out, pfx)
	}
	// Longest prefixes first so match reporting is deterministic.
	sort.Slice(out, func(i, j int) bool { return out[i].Bits() > out[j].Bits() })
	return out
}
