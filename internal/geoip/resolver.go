// Package geoip resolves IP addresses to geographic and autonomous-system
// context using MaxMind mmdb files mounted read-only. Lookups never fail:
// missing databases or unparseable input yield nil results.
package geoip

import (
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/oschwald/geoip2-golang"

	"github.com/flowlens/gateway/internal/core"
)

// readers is the immutable pair swapped atomically on reload. Readers observe
// either the old pair or the new pair, never a mix.
type readers struct {
	city *geoip2.Reader
	asn  *geoip2.Reader
}

func (h *readers) close() {
	if h.city != nil {
		h.city.Close()
	}
	if h.asn != nil {
		h.asn.Close()
	}
}

// closeGrace is how long a replaced reader pair stays open after a swap.
// Closing unmaps the mmdb, so a lookup that loaded the old pair must be
// given time to finish before the pair goes away.
const closeGrace = time.Minute

// Status reports which databases are loaded, for /system.
type Status struct {
	CityLoaded bool      `json:"city_loaded"`
	ASNLoaded  bool      `json:"asn_loaded"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// Resolver is the process-wide geo/ASN lookup handle. Safe for many
// concurrent readers; Reload swaps the underlying readers without blocking.
type Resolver struct {
	cityPath string
	asnPath  string
	handles  atomic.Pointer[readers]
	loadedAt atomic.Pointer[time.Time]

	retire func(h *readers) // swapped in tests
}

// NewResolver opens the configured databases. A missing or unreadable file
// leaves that half of the resolver in degraded mode rather than failing boot.
func NewResolver(cityPath, asnPath string) *Resolver {
	r := &Resolver{cityPath: cityPath, asnPath: asnPath}
	r.retire = func(h *readers) { time.AfterFunc(closeGrace, h.close) }
	if err := r.Reload(); err != nil {
		slog.Warn("geoip running degraded", "error", err)
	}
	return r
}

// Reload re-opens both databases and atomically swaps them in. The previous
// readers are retired and closed after a grace period so in-flight lookups
// never touch an unmapped database.
func (r *Resolver) Reload() error {
	next := &readers{}
	var firstErr error

	if r.cityPath != "" {
		db, err := geoip2.Open(r.cityPath)
		if err != nil {
			firstErr = err
		} else {
			next.city = db
		}
	}
	if r.asnPath != "" {
		db, err := geoip2.Open(r.asnPath)
		if err != nil && firstErr == nil {
			firstErr = err
		} else if err == nil {
			next.asn = db
		}
	}

	prev := r.handles.Swap(next)
	now := time.Now()
	r.loadedAt.Store(&now)
	if prev != nil {
		r.retire(prev)
	}
	return firstErr
}

// Lookup resolves an address to geo and ASN context. Either or both results
// are nil when the databases are missing, the input is not an IP, or the
// address is simply unknown.
func (r *Resolver) Lookup(ip string) (*core.GeoInfo, *core.ASNInfo) {
	h := r.handles.Load()
	if h == nil {
		return nil, nil
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, nil
	}

	var geo *core.GeoInfo
	if h.city != nil {
		if rec, err := h.city.City(parsed); err == nil && rec.Country.IsoCode != "" {
			geo = &core.GeoInfo{
				Country: rec.Country.IsoCode,
				City:    rec.City.Names["en"],
				Lat:     rec.Location.Latitude,
				Lon:     rec.Location.Longitude,
			}
		}
	}

	var asn *core.ASNInfo
	if h.asn != nil {
		if rec, err := h.asn.ASN(parsed); err == nil && rec.AutonomousSystemNumber != 0 {
			asn = &core.ASNInfo{
				Number: rec.AutonomousSystemNumber,
				Org:    rec.AutonomousSystemOrganization,
			}
		}
	}
	return geo, asn
}

// Status reports the loaded state for the system endpoint.
func (r *Resolver) Status() Status {
	h := r.handles.Load()
	st := Status{}
	if h != nil {
		st.CityLoaded = h.city != nil
		st.ASNLoaded = h.asn != nil
	}
	if t := r.loadedAt.Load(); t != nil {
		st.LoadedAt = *t
	}
	return st
}

// Close releases the current readers. Only called at process shutdown, after
// the HTTP surface has drained.
func (r *Resolver) Close() {
	if h := r.handles.Swap(&readers{}); h != nil {
		h.close()
	}
}
