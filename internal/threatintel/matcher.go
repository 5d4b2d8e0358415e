// Package threatintel matches addresses and domains against a loaded set of
// indicators. CIDRs live in per-family longest-prefix tries, domains in an
// exact-match set; both are swapped atomically on reload so lookups never block.
package threatintel

import (
	"bufio"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const domainPrefix = "domain:"

// tables is the immutable lookup state built by a load and swapped in whole.
type tables struct {
	v4      *trieNode
	v6      *trieNode
	domains map[string]struct{}
	count   int
	builtAt time.Time
}

// Matcher is the process-wide threat-intel handle. The indicator set is the
// union of the configured file and any admin-managed extra indicators.
type Matcher struct {
	path string

	mu    sync.Mutex // guards extra + rebuild; lookups go through handle
	extra []string

	handle atomic.Pointer[tables]
}

// NewMatcher loads the indicator file at path. An empty path or unreadable
// file leaves the matcher empty; ingest proceeds with zero matches.
func NewMatcher(path string) *Matcher {
	m := &Matcher{path: path}
	m.handle.Store(build(nil))
	if err := m.Reload(); err != nil {
		slog.Warn("threat list not loaded", "path", path, "error", err)
	}
	return m
}

// Reload re-reads the indicator file, merges admin extras, and swaps the
// lookup tables atomically.
func (m *Matcher) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var values []string
	if m.path != "" {
		fileValues, err := parseFile(m.path)
		if err != nil {
			return err
		}
		values = fileValues
	}
	values = append(values, m.extra...)
	m.handle.Store(build(values))
	return nil
}

// SetExtra replaces the admin-managed indicator set and rebuilds. Used by the
// indicators API after a database write.
func (m *Matcher) SetExtra(values []string) error {
	m.mu.Lock()
	m.extra = append([]string(nil), values...)
	m.mu.Unlock()
	return m.Reload()
}

// MatchIP returns every CIDR indicator covering the address, longest-prefix
// first. Bad input yields an empty (non-nil) slice.
func (m *Matcher) MatchIP(ip string) []string {
	t := m.handle.Load()
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return []string{}
	}
	addr = addr.Unmap()
	var found []string
	if addr.Is4() {
		found = t.v4.matchAll(addr)
	} else {
		found = t.v6.matchAll(addr)
	}
	if found == nil {
		found = []string{}
	}
	return found
}

// MatchDomain returns the matched domain indicators for an exact name.
func (m *Matcher) MatchDomain(name string) []string {
	t := m.handle.Load()
	name = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "."))
	if _, ok := t.domains[name]; ok {
		return []string{name}
	}
	return []string{}
}

// Count reports the number of loaded indicators, for /system.
func (m *Matcher) Count() int {
	return m.handle.Load().count
}

// LoadedAt reports when the current tables were built.
func (m *Matcher) LoadedAt() time.Time {
	return m.handle.Load().builtAt
}

func parseFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open threat list: %w", err)
	}
	defer f.Close()

	var values []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		values = append(values, line)
	}
	return values, sc.Err()
}

// build compiles indicator values into lookup tables. Invalid lines are
// skipped with a log line; a partial list is better than no list.
func build(values []string) *tables {
	t := &tables{
		v4:      newTrie(),
		v6:      newTrie(),
		domains: make(map[string]struct{}),
		builtAt: time.Now(),
	}
	for _, v := range values {
		if strings.HasPrefix(v, domainPrefix) {
			name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(v, domainPrefix)))
			if name == "" {
				continue
			}
			t.domains[name] = struct{}{}
			t.count++
			continue
		}

		pfx, err := netip.ParsePrefix(v)
		if err != nil {
			// Bare address lines become host prefixes.
			addr, aerr := netip.ParseAddr(v)
			if aerr != nil {
				slog.Warn("skipping malformed indicator", "value", v)
				continue
			}
			pfx = netip.PrefixFrom(addr, addr.BitLen())
		}
		if pfx.Addr().Is4In6() {
			// Mapped prefixes live in the v4 trie under their 4-byte form.
			// Anything wider than the mapped /96 has no v4 equivalent and
			// would otherwise collapse to a match-everything prefix.
			if pfx.Bits() < 96 {
				slog.Warn("skipping unrepresentable mapped prefix", "value", v)
				continue
			}
			pfx = netip.PrefixFrom(pfx.Addr().Unmap(), pfx.Bits()-96)
		}
		if pfx.Addr().Is4() {
			t.v4.insert(pfx, pfx.String())
		} else {
			t.v6.insert(pfx, pfx.String())
		}
		t.count++
	}
	return t
}
