// Command gateway runs the telemetry enrichment gateway: HTTP ingest on
// APP_PORT, a NetFlow/IPFIX collector on UDP_PORT, enrichment, and export to
// the configured sinks.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowlens/gateway/internal/api"
	"github.com/flowlens/gateway/internal/audit"
	"github.com/flowlens/gateway/internal/collector"
	"github.com/flowlens/gateway/internal/config"
	"github.com/flowlens/gateway/internal/database"
	"github.com/flowlens/gateway/internal/export"
	"github.com/flowlens/gateway/internal/geoip"
	"github.com/flowlens/gateway/internal/idempotency"
	"github.com/flowlens/gateway/internal/logstream"
	"github.com/flowlens/gateway/internal/metrics"
	"github.com/flowlens/gateway/internal/pipeline"
	"github.com/flowlens/gateway/internal/sources"
	"github.com/flowlens/gateway/internal/threatintel"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownGrace = 10 * time.Second

func main() {
	godotenv.Load()

	cfg := config.Load()
	if err := cfg.LoadFile("config.yaml"); err != nil {
		slog.Warn("config file not loaded", "error", err)
	}

	if err := run(cfg); err != nil {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Log stream hub first so every later component logs through it.
	hub := logstream.NewHub()
	redactor := audit.NewRedactor(cfg.RedactHeaders, cfg.RedactFields)
	base := slog.NewJSONHandler(os.Stdout, nil)
	slog.SetDefault(slog.New(logstream.NewHandler(base, hub, redactor)))

	var db *database.Store
	if cfg.DatabaseURL != "" {
		var err error
		db, err = database.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		// The HTTP surface serves 503 warming_up until this completes.
		go func() {
			if err := db.Migrate(ctx); err != nil {
				slog.Error("migrations failed", "error", err)
				stop()
			}
		}()
	}

	geo := geoip.NewResolver(cfg.GeoCityDB, cfg.GeoASNDB)
	defer geo.Close()
	ti := threatintel.NewMatcher(cfg.ThreatCSV)

	var registryStore sources.Store
	if db != nil {
		registryStore = db
	}
	registry := sources.NewRegistry(registryStore)
	if db != nil {
		// Hydration waits on migrations; the HTTP surface answers 503 until
		// then, so this runs off the startup path.
		go func() {
			hydrate, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := waitReady(hydrate, db); err != nil {
				return
			}
			if err := registry.Hydrate(hydrate); err != nil {
				slog.Warn("source hydration failed", "error", err)
			}
		}()
	}

	var backings []idempotency.Backing
	if cfg.RedisAddr != "" {
		if rb, err := idempotency.NewRedisBacking(cfg.RedisAddr); err != nil {
			slog.Warn("redis idempotency cache disabled", "error", err)
		} else {
			backings = append(backings, rb)
		}
	}
	if db != nil {
		backings = append(backings, db)
	}
	idem := idempotency.NewStore(0, 0, backings...)
	defer idem.Close()

	prom := metrics.NewPromMetrics(prometheus.DefaultRegisterer)
	agg := metrics.NewAggregator(prom)
	go agg.Run(ctx)

	var dlq export.DLQStore = export.NewMemoryDLQ()
	if db != nil {
		dlq = db
	}
	exporter := export.NewManager(cfg, dlq, agg)
	go exporter.Run(ctx)

	pipe := pipeline.New(geo, ti, agg, exporter)

	agg.SetQueueFillFn(exporter.ChannelFill)
	agg.SetActiveSourcesFn(func() int { return registry.ActiveCount(5 * time.Minute) })

	var head *collector.Head
	if cfg.FeatureUDPHead {
		queue := collector.NewQueue(cfg.UDPQueueCap, collector.ParsePolicy(cfg.UDPQueuePolicy))
		head = collector.NewHead(cfg.UDPPort, queue, agg)
		mapper := collector.NewMapper(queue, pipe)
		go func() {
			if err := head.Run(ctx); err != nil {
				slog.Error("udp collector stopped", "error", err)
			}
			queue.Close()
		}()
		go mapper.Run(ctx)
	}

	ring := audit.NewRing(cfg.AuditRingSize, cfg.AuditTTL, redactor)
	go ring.Run(ctx)

	deps := api.Deps{
		Config:   cfg,
		Version:  version,
		Ring:     ring,
		Agg:      agg,
		Registry: registry,
		Idem:     idem,
		Pipe:     pipe,
		Exporter: exporter,
		Geo:      geo,
		TI:       ti,
		Head:     head,
		Hub:      hub,
	}
	if db != nil {
		deps.Indicators = db
		deps.Warming = func() bool { return !db.Ready() }
	}
	server := api.NewServer(deps)
	if db != nil {
		go func() {
			hydrate, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := waitReady(hydrate, db); err != nil {
				return
			}
			if err := server.HydrateIndicators(hydrate); err != nil {
				slog.Warn("indicator hydration failed", "error", err)
			}
		}()
	}

	// SIGHUP reloads the geo databases and the threat list in place.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := geo.Reload(); err != nil {
				slog.Warn("geo reload failed", "error", err)
			}
			if err := ti.Reload(); err != nil {
				slog.Warn("threat list reload failed", "error", err)
			}
			slog.Info("reload complete")
		}
	}()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.AppPort),
		Handler: server.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", httpServer.Addr, "version", version)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down", "grace", shutdownGrace.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// waitReady polls until migrations finish or the context ends.
func waitReady(ctx context.Context, db *database.Store) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if db.Ready() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
