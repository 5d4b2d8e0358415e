package sources

import (
	"net/netip"
	"sync/atomic"

	"github.com/flowlens/gateway/internal/core"
)

// Admission reasons surfaced in 429 responses and counters.
const (
	ReasonOK             = "ok"
	ReasonUnknownSource  = "blocked:unknown_source"
	ReasonDisabled       = "blocked:disabled"
	ReasonNoAllowlist    = "blocked:no_allowlist"
	ReasonNotInAllowlist = "blocked:not_in_allowlist"
	ReasonRateLimited    = "rate_limited"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed  bool   `json:"allowed"`
	Reason   string `json:"reason"`
	TenantID string `json:"tenant_id,omitempty"`
	OverCap  bool   `json:"over_cap,omitempty"` // admitted above max_eps (block_on_exceed=false)
}

// Counters tracked by the registry for observability.
var (
	blockedTotal     atomic.Int64
	rateLimitedTotal atomic.Int64
	overCapTotal     atomic.Int64
)

// AdmissionCounters snapshots the package counters.
func AdmissionCounters() (blocked, rateLimited, overCap int64) {
	return blockedTotal.Load(), rateLimitedTotal.Load(), overCapTotal.Load()
}

// Admit runs the full admission algorithm for an inbound request carrying
// recordCount records: resolve, status, allowlist, token bucket, last_seen.
func (r *Registry) Admit(sourceID, clientAddr, originType string, recordCount int) Decision {
	r.mu.RLock()
	s, ok := r.sources[sourceID]
	if !ok {
		r.mu.RUnlock()
		blockedTotal.Add(1)
		return Decision{Reason: ReasonUnknownSource}
	}
	src := *s
	prefixes := r.allow[sourceID]
	r.mu.RUnlock()

	if src.Status != core.SourceEnabled {
		blockedTotal.Add(1)
		return Decision{Reason: ReasonDisabled, TenantID: src.TenantID}
	}
	if len(prefixes) == 0 {
		blockedTotal.Add(1)
		return Decision{Reason: ReasonNoAllowlist, TenantID: src.TenantID}
	}
	if !matchAllowlist(prefixes, clientAddr) {
		blockedTotal.Add(1)
		return Decision{Reason: ReasonNotInAllowlist, TenantID: src.TenantID}
	}

	dec := Decision{Allowed: true, Reason: ReasonOK, TenantID: src.TenantID}
	if src.MaxEPS > 0 {
		now := r.nowSec()
		bv, _ := r.buckets.LoadOrStore(sourceID, newTokenBucket(src.MaxEPS, now))
		if !bv.(*tokenBucket).take(recordCount, now) {
			if src.BlockOnExceed {
				rateLimitedTotal.Add(1)
				return Decision{Reason: ReasonRateLimited, TenantID: src.TenantID}
			}
			overCapTotal.Add(1)
			dec.OverCap = true
		}
	}

	r.markSeen(sourceID, originType)
	return dec
}

// AdmissionTest is the dry-run used by the admin UI: same resolution and
// allowlist checks as Admit, but no token consumption and no state change.
func (r *Registry) AdmissionTest(sourceID, clientIP string) Decision {
	r.mu.RLock()
	s, ok := r.sources[sourceID]
	if !ok {
		r.mu.RUnlock()
		return Decision{Reason: ReasonUnknownSource}
	}
	src := *s
	prefixes := r.allow[sourceID]
	r.mu.RUnlock()

	switch {
	case src.Status != core.SourceEnabled:
		return Decision{Reason: ReasonDisabled, TenantID: src.TenantID}
	case len(prefixes) == 0:
		return Decision{Reason: ReasonNoAllowlist, TenantID: src.TenantID}
	case !matchAllowlist(prefixes, clientIP):
		return Decision{Reason: ReasonNotInAllowlist, TenantID: src.TenantID}
	}
	return Decision{Allowed: true, Reason: ReasonOK, TenantID: src.TenantID}
}

// matchAllowlist reports whether the client address falls inside any prefix.
// Prefixes are ordered longest-first; any match suffices.
func matchAllowlist(prefixes []netip.Prefix, clientAddr string) bool {
	addr, err := netip.ParseAddr(clientAddr)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
