// Package api is the HTTP surface of the gateway: routing, authentication,
// rate limits, the request audit recorder, and every /v1 handler.
package api

import (
	"context"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/flowlens/gateway/internal/audit"
	"github.com/flowlens/gateway/internal/collector"
	"github.com/flowlens/gateway/internal/config"
	"github.com/flowlens/gateway/internal/core"
	"github.com/flowlens/gateway/internal/export"
	"github.com/flowlens/gateway/internal/geoip"
	"github.com/flowlens/gateway/internal/idempotency"
	"github.com/flowlens/gateway/internal/logstream"
	"github.com/flowlens/gateway/internal/metrics"
	"github.com/flowlens/gateway/internal/pipeline"
	"github.com/flowlens/gateway/internal/sources"
	"github.com/flowlens/gateway/internal/threatintel"
)

// handlerTimeout bounds every non-stream handler.
const handlerTimeout = 30 * time.Second

// IndicatorStore is the persistence surface for admin-managed indicators.
type IndicatorStore interface {
	ListIndicators(ctx context.Context) ([]core.Indicator, error)
	UpsertIndicator(ctx context.Context, ind core.Indicator) error
	DeleteIndicator(ctx context.Context, id string) error
}

// Deps carries everything the server needs. Optional fields may be nil; the
// affected endpoints degrade rather than panic.
type Deps struct {
	Config     *config.Config
	Version    string
	Ring       *audit.Ring
	Agg        *metrics.Aggregator
	Registry   *sources.Registry
	Idem       *idempotency.Store
	Pipe       *pipeline.Pipeline
	Exporter   *export.Manager
	Geo        *geoip.Resolver
	TI         *threatintel.Matcher
	Head       *collector.Head
	Hub        *logstream.Hub
	Indicators IndicatorStore
	Firewall   AllowlistApplier
	Warming    func() bool
}

// Server routes and serves the /v1 API.
type Server struct {
	cfg      *config.Config
	version  string
	keyring  *Keyring
	ring     *audit.Ring
	agg      *metrics.Aggregator
	reg      *sources.Registry
	idem     *idempotency.Store
	pipe     *pipeline.Pipeline
	exporter *export.Manager
	geo      *geoip.Resolver
	ti       *threatintel.Matcher
	head     *collector.Head
	hub      *logstream.Hub
	store    IndicatorStore
	firewall AllowlistApplier
	warming  func() bool

	limIngest  *rate.Limiter
	limDefault *rate.Limiter

	trustedProxies []netip.Prefix

	indMu      sync.Mutex
	indicators map[string]core.Indicator

	upgrader websocket.Upgrader
}

// NewServer wires the server from its dependencies.
func NewServer(d Deps) *Server {
	s := &Server{
		cfg:        d.Config,
		version:    d.Version,
		keyring:    NewKeyring(d.Config),
		ring:       d.Ring,
		agg:        d.Agg,
		reg:        d.Registry,
		idem:       d.Idem,
		pipe:       d.Pipe,
		exporter:   d.Exporter,
		geo:        d.Geo,
		ti:         d.TI,
		head:       d.Head,
		hub:        d.Hub,
		store:      d.Indicators,
		firewall:   d.Firewall,
		warming:    d.Warming,
		limIngest:  rpmLimiter(d.Config.RateLimitIngestRPM),
		limDefault: rpmLimiter(d.Config.RateLimitDefaultRPM),
		indicators: make(map[string]core.Indicator),
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	if s.firewall == nil {
		s.firewall = LogApplier{}
	}
	for _, v := range d.Config.TrustedProxies {
		if p, err := netip.ParsePrefix(v); err == nil {
			s.trustedProxies = append(s.trustedProxies, p)
		} else if a, err := netip.ParseAddr(v); err == nil {
			s.trustedProxies = append(s.trustedProxies, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return s
}

// HydrateIndicators loads persisted indicators into memory and rebuilds the
// matcher's extra set. Called once at startup when a store is configured.
func (s *Server) HydrateIndicators(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	list, err := s.store.ListIndicators(ctx)
	if err != nil {
		return err
	}
	s.indMu.Lock()
	for _, ind := range list {
		s.indicators[ind.ID] = ind
	}
	s.indMu.Unlock()
	return s.rebuildMatcher()
}

// Router builds the /v1 route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()

	// Public probes: no auth, no warming gate.
	v1.Handle("/health", s.public(s.handleHealth)).Methods(http.MethodGet)
	v1.Handle("/version", s.public(s.handleVersion)).Methods(http.MethodGet)

	// Ingest.
	v1.Handle("/ingest", s.ingestRoute(s.handleIngestMixed)).Methods(http.MethodPost)
	v1.Handle("/ingest/zeek", s.ingestRoute(s.handleIngestZeek)).Methods(http.MethodPost)
	v1.Handle("/ingest/netflow", s.ingestRoute(s.handleIngestNetflow)).Methods(http.MethodPost)
	v1.Handle("/ingest/bulk", s.ingestRoute(s.handleIngestBulk)).Methods(http.MethodPost)

	// Reads.
	v1.Handle("/lookup", s.guarded(ScopeReadMetrics, s.handleLookup)).Methods(http.MethodPost)
	v1.Handle("/metrics", s.guarded(ScopeReadMetrics, s.handleMetrics)).Methods(http.MethodGet)
	v1.Handle("/metrics/prometheus",
		s.guardedHandler(ScopeReadMetrics, promhttp.Handler())).Methods(http.MethodGet)

	// Admin.
	v1.Handle("/system", s.guarded(ScopeAdmin, s.handleSystem)).Methods(http.MethodGet)
	v1.Handle("/system/reload", s.guarded(ScopeAdmin, s.handleReload)).Methods(http.MethodPost)
	v1.Handle("/sources", s.guarded(ScopeAdmin, s.handleSourceList)).Methods(http.MethodGet)
	v1.Handle("/sources", s.guarded(ScopeAdmin, s.handleSourceUpsert)).Methods(http.MethodPost)
	v1.Handle("/sources/{id}", s.guarded(ScopeAdmin, s.handleSourceGet)).Methods(http.MethodGet)
	v1.Handle("/sources/{id}", s.guarded(ScopeAdmin, s.handleSourceUpsert)).Methods(http.MethodPut)
	v1.Handle("/sources/{id}", s.guarded(ScopeAdmin, s.handleSourceDelete)).Methods(http.MethodDelete)
	v1.Handle("/sources/{id}/admission/test",
		s.guarded(ScopeAdmin, s.handleAdmissionTest)).Methods(http.MethodPost)
	v1.Handle("/admin/security/sync-allowlist",
		s.guarded(ScopeAdmin, s.handleSyncAllowlist)).Methods(http.MethodPost)

	// Threat intel.
	v1.Handle("/indicators", s.guarded(ScopeManageIndicators, s.handleIndicatorPut)).Methods(http.MethodPut)
	v1.Handle("/indicators/{id}", s.guarded(ScopeManageIndicators, s.handleIndicatorPut)).Methods(http.MethodPut)
	v1.Handle("/indicators/{id}", s.guarded(ScopeManageIndicators, s.handleIndicatorDelete)).Methods(http.MethodDelete)

	// Export sinks.
	v1.Handle("/outputs/test", s.guarded(ScopeExport, s.handleOutputsTest)).Methods(http.MethodPost)
	v1.Handle("/outputs/{target}", s.guarded(ScopeExport, s.handleOutputsConfig)).Methods(http.MethodPost)

	// Audit reads and streams.
	v1.Handle("/admin/requests", s.guarded(ScopeReadRequests, s.handleRequestList)).Methods(http.MethodGet)
	v1.Handle("/admin/requests/stream", s.streamRoute(ScopeReadRequests, s.handleRequestStream)).Methods(http.MethodGet)
	v1.Handle("/admin/requests/{id}", s.guarded(ScopeReadRequests, s.handleRequestGet)).Methods(http.MethodGet)
	v1.Handle("/logs/stream", s.streamRoute(ScopeReadRequests, s.handleLogStream)).Methods(http.MethodGet)

	return r
}

// public routes skip auth and the warming gate but still get an audit entry.
func (s *Server) public(h http.HandlerFunc) http.Handler {
	return s.audited(h)
}

// guarded is the standard chain: audit, warming gate, auth, global rate
// limit, handler deadline.
func (s *Server) guarded(scope Scope, h http.HandlerFunc) http.Handler {
	return s.guardedHandler(scope, h)
}

func (s *Server) guardedHandler(scope Scope, h http.Handler) http.Handler {
	return s.audited(s.warmed(s.requireScope(scope, false,
		limited(s.limDefault, withDeadline(handlerTimeout, h)))))
}

// ingestRoute uses the ingest rate budget.
func (s *Server) ingestRoute(h http.HandlerFunc) http.Handler {
	return s.audited(s.warmed(s.requireScope(ScopeIngest, false,
		limited(s.limIngest, withDeadline(handlerTimeout, http.Handler(h))))))
}

// streamRoute accepts the key query parameter and carries no deadline.
func (s *Server) streamRoute(scope Scope, h http.HandlerFunc) http.Handler {
	return s.audited(s.warmed(s.requireScope(scope, true,
		limited(s.limDefault, http.Handler(h)))))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
