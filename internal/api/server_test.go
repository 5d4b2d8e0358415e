package api

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowlens/gateway/internal/audit"
	"github.com/flowlens/gateway/internal/config"
	"github.com/flowlens/gateway/internal/core"
	"github.com/flowlens/gateway/internal/export"
	"github.com/flowlens/gateway/internal/idempotency"
	"github.com/flowlens/gateway/internal/metrics"
	"github.com/flowlens/gateway/internal/pipeline"
	"github.com/flowlens/gateway/internal/sources"
	"github.com/flowlens/gateway/internal/threatintel"
)

type captureSink struct {
	mu      sync.Mutex
	batches []core.Batch
}

func (c *captureSink) Submit(b core.Batch) {
	c.mu.Lock()
	c.batches = append(c.batches, b)
	c.mu.Unlock()
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func (c *captureSink) last() core.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches[len(c.batches)-1]
}

type harness struct {
	srv  *httptest.Server
	ring *audit.Ring
	agg  *metrics.Aggregator
	reg  *sources.Registry
	sink *captureSink
	api  *Server
}

func newHarness(t *testing.T, threatLines string, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := &config.Config{
		AllowDevKeys:   true,
		FeatureSources: true,
		AuditRingSize:  1000,
		AuditTTL:       time.Hour,
		TrustedProxies: []string{"127.0.0.0/8", "::1/128"},
	}
	if mutate != nil {
		mutate(cfg)
	}

	tiPath := filepath.Join(t.TempDir(), "threats.csv")
	require.NoError(t, os.WriteFile(tiPath, []byte(threatLines), 0o600))
	ti := threatintel.NewMatcher(tiPath)

	h := &harness{
		ring: audit.NewRing(cfg.AuditRingSize, cfg.AuditTTL, nil),
		agg:  metrics.NewAggregator(nil),
		reg:  sources.NewRegistry(nil),
		sink: &captureSink{},
	}

	pipe := pipeline.New(nil, ti, h.agg, h.sink)
	idem := idempotency.NewStore(1000, time.Minute)
	t.Cleanup(idem.Close)

	h.api = NewServer(Deps{
		Config:   cfg,
		Version:  "test",
		Ring:     h.ring,
		Agg:      h.agg,
		Registry: h.reg,
		Idem:     idem,
		Pipe:     pipe,
		Exporter: export.NewManager(cfg, export.NewMemoryDLQ(), h.agg),
		TI:       ti,
	})
	h.srv = httptest.NewServer(h.api.Router())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path, key string, body any, hdrs map[string]string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	for k, v := range hdrs {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func scenarioRecord() map[string]any {
	return map[string]any{
		"ts": 1723351200.4, "src_ip": "45.149.3.10", "dst_ip": "8.8.8.8",
		"src_port": 51514, "dst_port": 445, "bytes": 2000000, "protocol": "tcp",
	}
}

func TestAuthRejectsMissingAndInvalidKeys(t *testing.T) {
	h := newHarness(t, "", nil)

	resp := h.do(t, http.MethodGet, "/v1/metrics", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = h.do(t, http.MethodGet, "/v1/metrics", "nope", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestAuthScopeEnforcement(t *testing.T) {
	h := newHarness(t, "", nil)

	// dev-ingest-key lacks admin.
	resp := h.do(t, http.MethodGet, "/v1/system", "dev-ingest-key", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = h.do(t, http.MethodGet, "/v1/system", "dev-admin-key", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestAuthHeaderForms(t *testing.T) {
	h := newHarness(t, "", nil)

	for _, hdrs := range []map[string]string{
		{"Authorization": "Bearer dev-ingest-key"},
		{"Authorization": "dev-ingest-key"},
		{"X-API-Key": "dev-ingest-key"},
	} {
		req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/v1/metrics", nil)
		require.NoError(t, err)
		for k, v := range hdrs {
			req.Header.Set(k, v)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}
}

func TestPublicRoutesNeedNoKey(t *testing.T) {
	h := newHarness(t, "", nil)

	resp := h.do(t, http.MethodGet, "/v1/health", "", nil, nil)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp = h.do(t, http.MethodGet, "/v1/version", "", nil, nil)
	ver := decode[map[string]string](t, resp)
	assert.Equal(t, "test", ver["version"])
}

func TestIngestEnrichesAndPinsRisk(t *testing.T) {
	h := newHarness(t, "45.149.3.0/24\n", nil)

	resp := h.do(t, http.MethodPost, "/v1/ingest", "dev-ingest-key", map[string]any{
		"collector_id": "t",
		"format":       "flows.v1",
		"records":      []any{scenarioRecord()},
	}, nil)
	res := decode[pipeline.Result](t, resp)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, res.Accepted)
	assert.Zero(t, res.Rejected)

	require.Equal(t, 1, h.sink.count())
	rec := h.sink.last().Records[0]
	assert.Equal(t, []string{"45.149.3.0/24"}, rec.TI.Matches)
	assert.Equal(t, 90, rec.RiskScore)
}

func TestIngestPartialBatchIs207(t *testing.T) {
	h := newHarness(t, "", nil)

	resp := h.do(t, http.MethodPost, "/v1/ingest", "dev-ingest-key", map[string]any{
		"format": "flows.v1",
		"records": []any{
			scenarioRecord(),
			map[string]any{"src_ip": "not-an-ip", "dst_ip": "8.8.8.8"},
		},
	}, nil)
	res := decode[pipeline.Result](t, resp)

	assert.Equal(t, http.StatusMultiStatus, resp.StatusCode)
	assert.Equal(t, 1, res.Accepted)
	assert.Equal(t, 1, res.Rejected)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 1, res.Errors[0].Index)
}

func TestIngestUnknownFormat(t *testing.T) {
	h := newHarness(t, "", nil)

	resp := h.do(t, http.MethodPost, "/v1/ingest", "dev-ingest-key", map[string]any{
		"format":  "sflow.v1",
		"records": []any{scenarioRecord()},
	}, nil)
	body := decode[errorBody](t, resp)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "unknown_format", body.Error)
}

func TestIngestBulkRequiresFormat(t *testing.T) {
	h := newHarness(t, "", nil)

	resp := h.do(t, http.MethodPost, "/v1/ingest/bulk", "dev-ingest-key", map[string]any{
		"records": []any{scenarioRecord()},
	}, nil)
	body := decode[errorBody](t, resp)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "format_required", body.Error)
}

func TestIngestOversizedBatchIs413(t *testing.T) {
	h := newHarness(t, "", nil)

	records := make([]any, pipeline.MaxBatchRecords+1)
	for i := range records {
		records[i] = scenarioRecord()
	}
	resp := h.do(t, http.MethodPost, "/v1/ingest", "dev-ingest-key", map[string]any{
		"format":  "flows.v1",
		"records": records,
	}, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	resp.Body.Close()
	assert.Zero(t, h.sink.count())
}

func TestIngestGzipBody(t *testing.T) {
	h := newHarness(t, "", nil)

	payload, err := json.Marshal(map[string]any{
		"format":  "flows.v1",
		"records": []any{scenarioRecord()},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err = gz.Write(payload)
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/v1/ingest", &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer dev-ingest-key")
	req.Header.Set("Content-Encoding", "gzip")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, h.sink.count())
}

func TestAdmissionDenyNotInAllowlist(t *testing.T) {
	h := newHarness(t, "", nil)

	_, err := h.reg.Upsert(t.Context(), core.Source{
		ID:         "s1",
		Name:       "edge",
		Status:     core.SourceEnabled,
		AllowedIPs: []string{"10.0.0.0/24"},
	})
	require.NoError(t, err)

	resp := h.do(t, http.MethodPost, "/v1/ingest", "dev-ingest-key", map[string]any{
		"collector_id": "s1",
		"format":       "flows.v1",
		"records":      []any{scenarioRecord()},
	}, map[string]string{"X-Forwarded-For": "192.0.2.5"})
	body := decode[errorBody](t, resp)

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", body.Error)
	assert.Equal(t, "blocked:not_in_allowlist", body.Reason)
	assert.Zero(t, h.sink.count())

	// A blocked request is not a server failure.
	assert.Eventually(t, func() bool {
		return h.agg.Totals().RequestsTotal >= 1
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, h.agg.Totals().RequestsFailed)
}

func TestAdmissionAllowsListedClient(t *testing.T) {
	h := newHarness(t, "", nil)

	_, err := h.reg.Upsert(t.Context(), core.Source{
		ID:         "s1",
		Status:     core.SourceEnabled,
		AllowedIPs: []string{"10.0.0.0/24"},
	})
	require.NoError(t, err)

	resp := h.do(t, http.MethodPost, "/v1/ingest", "dev-ingest-key", map[string]any{
		"collector_id": "s1",
		"format":       "flows.v1",
		"records":      []any{scenarioRecord()},
	}, map[string]string{"X-Forwarded-For": "10.0.0.7"})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, h.sink.count())
}

func TestForwardedForFromUntrustedPeerIgnored(t *testing.T) {
	h := newHarness(t, "", func(cfg *config.Config) {
		cfg.TrustedProxies = nil
	})

	_, err := h.reg.Upsert(t.Context(), core.Source{
		ID:         "s1",
		Status:     core.SourceEnabled,
		AllowedIPs: []string{"10.0.0.0/24"},
	})
	require.NoError(t, err)

	// With no trusted proxies, the header cannot vouch for an allowlisted
	// address; admission sees the socket peer (loopback) and denies.
	resp := h.do(t, http.MethodPost, "/v1/ingest", "dev-ingest-key", map[string]any{
		"collector_id": "s1",
		"format":       "flows.v1",
		"records":      []any{scenarioRecord()},
	}, map[string]string{"X-Forwarded-For": "10.0.0.7"})
	body := decode[errorBody](t, resp)

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "blocked:not_in_allowlist", body.Reason)
	assert.Zero(t, h.sink.count())
}

func TestIdempotencyReplayIsByteIdentical(t *testing.T) {
	h := newHarness(t, "", nil)

	body := map[string]any{
		"format":  "flows.v1",
		"records": []any{scenarioRecord()},
	}
	hdrs := map[string]string{"Idempotency-Key": "abc"}

	first := h.do(t, http.MethodPost, "/v1/ingest", "dev-ingest-key", body, hdrs)
	firstBody, err := io.ReadAll(first.Body)
	require.NoError(t, err)
	first.Body.Close()

	second := h.do(t, http.MethodPost, "/v1/ingest", "dev-ingest-key", body, hdrs)
	secondBody, err := io.ReadAll(second.Body)
	require.NoError(t, err)
	second.Body.Close()

	assert.Equal(t, first.StatusCode, second.StatusCode)
	assert.Equal(t, firstBody, secondBody)

	// The pipeline ran exactly once.
	assert.Equal(t, 1, h.sink.count())
	assert.Equal(t, int64(1), h.agg.Totals().RecordsProcessed)
}

func TestRequestListETagStability(t *testing.T) {
	h := newHarness(t, "", nil)

	ingest := func() {
		resp := h.do(t, http.MethodPost, "/v1/ingest", "dev-ingest-key", map[string]any{
			"format":  "flows.v1",
			"records": []any{scenarioRecord()},
		}, nil)
		resp.Body.Close()
	}
	list := func() (string, int) {
		resp := h.do(t, http.MethodGet,
			"/v1/admin/requests?limit=50&window=15m&path=/ingest", "dev-admin-key", nil, nil)
		etag := resp.Header.Get("ETag")
		resp.Body.Close()
		return etag, resp.StatusCode
	}

	ingest()
	// The ingest entry lands in the ring after the response; wait for it.
	require.Eventually(t, func() bool { return h.ring.Len() >= 1 }, time.Second, 10*time.Millisecond)

	etag1, status1 := list()
	etag2, status2 := list()
	assert.Equal(t, http.StatusOK, status1)
	assert.Equal(t, http.StatusOK, status2)
	assert.NotEmpty(t, etag1)
	assert.Equal(t, etag1, etag2)

	before := h.ring.Len()
	ingest()
	require.Eventually(t, func() bool { return h.ring.Len() > before }, time.Second, 10*time.Millisecond)

	etag3, _ := list()
	assert.NotEqual(t, etag1, etag3)
}

func TestRequestListIfNoneMatch(t *testing.T) {
	h := newHarness(t, "", nil)

	resp := h.do(t, http.MethodGet, "/v1/admin/requests?path=/ingest", "dev-admin-key", nil, nil)
	etag := resp.Header.Get("ETag")
	resp.Body.Close()
	require.NotEmpty(t, etag)

	resp = h.do(t, http.MethodGet, "/v1/admin/requests?path=/ingest", "dev-admin-key", nil,
		map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
	resp.Body.Close()
}

func TestEveryRequestLeavesOneAuditEntry(t *testing.T) {
	h := newHarness(t, "", nil)

	resp := h.do(t, http.MethodGet, "/v1/health", "", nil, nil)
	resp.Body.Close()

	require.Eventually(t, func() bool { return h.ring.Len() == 1 }, time.Second, 10*time.Millisecond)

	entries, total, _ := h.ring.List(audit.Filter{})
	require.Equal(t, 1, total)
	e := entries[0]
	assert.Equal(t, "/v1/health", e.Path)
	assert.Equal(t, http.StatusOK, e.Status)
	assert.Equal(t, audit.ResultOK, e.Result)
	assert.NotEmpty(t, e.ID)
}

func TestWarmingGateReturns503(t *testing.T) {
	h := newHarness(t, "", nil)
	h.api.warming = func() bool { return true }

	resp := h.do(t, http.MethodGet, "/v1/metrics", "dev-ingest-key", nil, nil)
	body := decode[errorBody](t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "warming_up", body.Error)

	// Public probes stay up while warming.
	resp = h.do(t, http.MethodGet, "/v1/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestSourceCRUDAndAdmissionTest(t *testing.T) {
	h := newHarness(t, "", nil)

	resp := h.do(t, http.MethodPost, "/v1/sources", "dev-admin-key", map[string]any{
		"name":        "edge-1",
		"type":        "http",
		"allowed_ips": []string{"10.0.0.0/24"},
	}, nil)
	created := decode[core.Source](t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, core.SourceEnabled, created.Status)

	resp = h.do(t, http.MethodPost,
		fmt.Sprintf("/v1/sources/%s/admission/test", created.ID), "dev-admin-key",
		map[string]any{"client_ip": "10.0.0.9"}, nil)
	dec := decode[sources.Decision](t, resp)
	assert.True(t, dec.Allowed)

	resp = h.do(t, http.MethodPost,
		fmt.Sprintf("/v1/sources/%s/admission/test", created.ID), "dev-admin-key",
		map[string]any{"client_ip": "192.0.2.5"}, nil)
	dec = decode[sources.Decision](t, resp)
	assert.False(t, dec.Allowed)
	assert.Equal(t, "blocked:not_in_allowlist", dec.Reason)

	resp = h.do(t, http.MethodDelete, "/v1/sources/"+created.ID, "dev-admin-key", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = h.do(t, http.MethodGet, "/v1/sources/"+created.ID, "dev-admin-key", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestIndicatorMutationRebuildsMatcher(t *testing.T) {
	h := newHarness(t, "", nil)

	resp := h.do(t, http.MethodPut, "/v1/indicators", "dev-admin-key", map[string]any{
		"value": "198.51.100.0/24",
		"kind":  "cidr",
	}, nil)
	ind := decode[core.Indicator](t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, ind.ID)

	resp = h.do(t, http.MethodPost, "/v1/lookup", "dev-ingest-key",
		map[string]any{"ip": "198.51.100.7"}, nil)
	look := decode[pipeline.LookupResult](t, resp)
	assert.Equal(t, []string{"198.51.100.0/24"}, look.TI.Matches)

	resp = h.do(t, http.MethodDelete, "/v1/indicators/"+ind.ID, "dev-admin-key", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = h.do(t, http.MethodPost, "/v1/lookup", "dev-ingest-key",
		map[string]any{"ip": "198.51.100.7"}, nil)
	look = decode[pipeline.LookupResult](t, resp)
	assert.Empty(t, look.TI.Matches)
}

func TestOutputsConfigureAndProbe(t *testing.T) {
	hec := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer hec.Close()

	h := newHarness(t, "", nil)

	resp := h.do(t, http.MethodPost, "/v1/outputs/test", "dev-admin-key",
		map[string]any{"target": "splunk"}, nil)
	probe := decode[export.ProbeResult](t, resp)
	assert.False(t, probe.OK)
	assert.Equal(t, "sink not configured", probe.Error)

	resp = h.do(t, http.MethodPost, "/v1/outputs/splunk", "dev-admin-key", map[string]any{
		"url":   hec.URL,
		"token": "tok",
		"index": "netflows",
	}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = h.do(t, http.MethodPost, "/v1/outputs/test", "dev-admin-key",
		map[string]any{"target": "splunk"}, nil)
	probe = decode[export.ProbeResult](t, resp)
	assert.True(t, probe.OK)

	resp = h.do(t, http.MethodPost, "/v1/outputs/bogus", "dev-admin-key",
		map[string]any{"url": "http://example.invalid"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestFailedOutputsProbeLowersFitness(t *testing.T) {
	h := newHarness(t, "", nil)

	resp := h.do(t, http.MethodPost, "/v1/outputs/test", "dev-admin-key",
		map[string]any{"target": "splunk"}, nil)
	probe := decode[export.ProbeResult](t, resp)
	require.False(t, probe.OK)

	var entry *audit.Entry
	require.Eventually(t, func() bool {
		entries, _, _ := h.ring.List(audit.Filter{PathContains: "/v1/outputs/test", Limit: 1})
		if len(entries) == 0 {
			return false
		}
		entry = entries[0]
		return true
	}, time.Second, 10*time.Millisecond)

	assert.InDelta(t, 0.7, entry.Fitness, 0.001)
	names := make([]string, 0, len(entry.Timeline))
	for _, ev := range entry.Timeline {
		names = append(names, ev.Name)
	}
	assert.Contains(t, names, "export_failed")
}

func TestSyncAllowlistCounts(t *testing.T) {
	h := newHarness(t, "", nil)

	for i, cidrs := range [][]string{{"10.0.0.0/24"}, {"10.0.1.0/24", "10.0.0.0/24"}} {
		_, err := h.reg.Upsert(t.Context(), core.Source{
			ID:         fmt.Sprintf("s%d", i),
			Status:     core.SourceEnabled,
			AllowedIPs: cidrs,
		})
		require.NoError(t, err)
	}

	resp := h.do(t, http.MethodPost, "/v1/admin/security/sync-allowlist", "dev-admin-key", nil, nil)
	counts := decode[map[string]int](t, resp)
	assert.Equal(t, 2, counts["sources"])
	assert.Equal(t, 2, counts["cidrs"]) // union deduplicates the shared prefix
}

func TestSystemReportsFeatureState(t *testing.T) {
	h := newHarness(t, "198.51.100.0/24\n", nil)

	resp := h.do(t, http.MethodGet, "/v1/system", "dev-admin-key", nil, nil)
	info := decode[systemInfo](t, resp)

	assert.Equal(t, "test", info.Version)
	assert.True(t, info.Features.Sources)
	assert.Equal(t, 1, info.ThreatIntel.Indicators)
	assert.True(t, info.Database.Ready)
	assert.False(t, info.Geo.CityLoaded)
}
