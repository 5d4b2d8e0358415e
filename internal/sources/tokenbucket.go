package sources

import "sync/atomic"

// tokenBucket is a per-source rate limiter packed into a single uint64:
// high 32 bits hold the token count, low 32 bits the unix second of the last
// refill. All updates go through compare-and-swap, so admission never takes
// a lock on the hot path.
type tokenBucket struct {
	state atomic.Uint64
	rate  uint32 // tokens per second; burst equals rate
}

func newTokenBucket(rate int, nowSec int64) *tokenBucket {
	b := &tokenBucket{rate: uint32(rate)}
	b.state.Store(uint64(rate)<<32 | uint64(uint32(nowSec)))
	return b
}

// take attempts to remove n tokens. Elapsed whole seconds refill rate tokens
// each, capped at burst. Returns false without consuming when fewer than n
// tokens are available.
func (b *tokenBucket) take(n int, nowSec int64) bool {
	if n <= 0 {
		return true
	}
	for {
		cur := b.state.Load()
		tokens := uint32(cur >> 32)
		last := uint32(cur)
		now := uint32(nowSec)

		if now > last {
			refill := uint64(tokens) + uint64(now-last)*uint64(b.rate)
			if refill > uint64(b.rate) {
				refill = uint64(b.rate)
			}
			tokens = uint32(refill)
			last = now
		}

		if uint64(tokens) < uint64(n) {
			// Persist the refill so the shortfall is observed consistently,
			// then report exhaustion.
			b.state.CompareAndSwap(cur, uint64(tokens)<<32|uint64(last))
			return false
		}

		next := uint64(tokens-uint32(n))<<32 | uint64(last)
		if b.state.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// available reports the current token count after a virtual refill, for
// observability only.
func (b *tokenBucket) available(nowSec int64) int {
	cur := b.state.Load()
	tokens := uint32(cur >> 32)
	last := uint32(cur)
	now := uint32(nowSec)
	if now > last {
		refill := uint64(tokens) + uint64(now-last)*uint64(b.rate)
		if refill > uint64(b.rate) {
			refill = uint64(b.rate)
		}
		return int(refill)
	}
	return int(tokens)
}
