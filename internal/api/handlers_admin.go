package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/flowlens/gateway/internal/collector"
	"github.com/flowlens/gateway/internal/config"
	"github.com/flowlens/gateway/internal/core"
	"github.com/flowlens/gateway/internal/export"
	"github.com/flowlens/gateway/internal/geoip"
	"github.com/flowlens/gateway/internal/sources"
)

// systemInfo is the /system response body.
type systemInfo struct {
	Version  string `json:"version"`
	Features struct {
		Sources bool `json:"sources"`
		UDPHead bool `json:"udp_head"`
	} `json:"features"`
	Geo         geoip.Status `json:"geo"`
	ThreatIntel struct {
		Indicators int       `json:"indicators"`
		LoadedAt   time.Time `json:"loaded_at"`
	} `json:"threat_intel"`
	UDP      *collector.Stats `json:"udp,omitempty"`
	Database struct {
		Configured bool `json:"configured"`
		Ready      bool `json:"ready"`
	} `json:"database"`
	Backpressure bool `json:"backpressure"`
	Admission    struct {
		Blocked     int64 `json:"blocked_total"`
		RateLimited int64 `json:"rate_limited_total"`
		OverCap     int64 `json:"over_cap_total"`
	} `json:"admission"`
	Sinks []string `json:"sinks"`
}

func (s *Server) handleSystem(w http.ResponseWriter, _ *http.Request) {
	info := systemInfo{Version: s.version}
	info.Features.Sources = s.cfg.FeatureSources
	info.Features.UDPHead = s.cfg.FeatureUDPHead

	if s.geo != nil {
		info.Geo = s.geo.Status()
	}
	if s.ti != nil {
		info.ThreatIntel.Indicators = s.ti.Count()
		info.ThreatIntel.LoadedAt = s.ti.LoadedAt()
	}
	if s.head != nil {
		stats := s.head.Stats()
		info.UDP = &stats
	}
	info.Database.Configured = s.cfg.DatabaseURL != ""
	info.Database.Ready = s.warming == nil || !s.warming()

	if s.agg != nil {
		info.Backpressure = s.agg.Snapshot().Backpressure
	}
	info.Admission.Blocked, info.Admission.RateLimited, info.Admission.OverCap = sources.AdmissionCounters()
	if s.exporter != nil {
		info.Sinks = s.exporter.Targets()
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]string{"geo": "ok", "threat_intel": "ok"}
	if s.geo != nil {
		if err := s.geo.Reload(); err != nil {
			resp["geo"] = err.Error()
		}
	}
	if s.ti != nil {
		if err := s.ti.Reload(); err != nil {
			resp["threat_intel"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSourceList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sources": s.reg.List()})
}

func (s *Server) handleSourceGet(w http.ResponseWriter, r *http.Request) {
	src, ok := s.reg.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "source_not_found")
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (s *Server) handleSourceUpsert(w http.ResponseWriter, r *http.Request) {
	var src core.Source
	if err := json.NewDecoder(r.Body).Decode(&src); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_source")
		return
	}
	if id := mux.Vars(r)["id"]; id != "" {
		src.ID = id
	}
	if src.TenantID == "" {
		src.TenantID = principalFrom(r.Context()).TenantID
	}
	saved, err := s.reg.Upsert(r.Context(), src)
	if err != nil {
		writeInternal(w, entryFrom(r.Context()).ID)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleSourceDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.reg.Get(id); !ok {
		writeError(w, http.StatusNotFound, "source_not_found")
		return
	}
	if err := s.reg.Delete(r.Context(), id); err != nil {
		writeInternal(w, entryFrom(r.Context()).ID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleAdmissionTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientIP string `json:"client_ip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientIP == "" {
		writeError(w, http.StatusBadRequest, "client_ip_required")
		return
	}
	writeJSON(w, http.StatusOK, s.reg.AdmissionTest(mux.Vars(r)["id"], req.ClientIP))
}

func (s *Server) handleSyncAllowlist(w http.ResponseWriter, r *http.Request) {
	cidrs := s.reg.UnionAllowlist()
	if err := s.firewall.Apply(r.Context(), cidrs); err != nil {
		writeInternal(w, entryFrom(r.Context()).ID)
		return
	}

	enabled := 0
	for _, src := range s.reg.List() {
		if src.Status == core.SourceEnabled {
			enabled++
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"sources": enabled, "cidrs": len(cidrs)})
}

func (s *Server) handleIndicatorPut(w http.ResponseWriter, r *http.Request) {
	var ind core.Indicator
	if err := json.NewDecoder(r.Body).Decode(&ind); err != nil || ind.Value == "" {
		writeError(w, http.StatusBadRequest, "malformed_indicator")
		return
	}
	if id := mux.Vars(r)["id"]; id != "" {
		ind.ID = id
	}
	if ind.ID == "" {
		ind.ID = uuid.NewString()
	}
	if ind.Kind == "" {
		ind.Kind = "cidr"
	}
	if ind.CreatedAt.IsZero() {
		ind.CreatedAt = time.Now()
	}

	if s.store != nil {
		if err := s.store.UpsertIndicator(r.Context(), ind); err != nil {
			writeInternal(w, entryFrom(r.Context()).ID)
			return
		}
	}
	s.indMu.Lock()
	s.indicators[ind.ID] = ind
	s.indMu.Unlock()
	if err := s.rebuildMatcher(); err != nil {
		writeInternal(w, entryFrom(r.Context()).ID)
		return
	}
	writeJSON(w, http.StatusOK, ind)
}

func (s *Server) handleIndicatorDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.indMu.Lock()
	_, ok := s.indicators[id]
	delete(s.indicators, id)
	s.indMu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "indicator_not_found")
		return
	}

	if s.store != nil {
		if err := s.store.DeleteIndicator(r.Context(), id); err != nil {
			writeInternal(w, entryFrom(r.Context()).ID)
			return
		}
	}
	if err := s.rebuildMatcher(); err != nil {
		writeInternal(w, entryFrom(r.Context()).ID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// rebuildMatcher pushes the current indicator set into the matcher as extras.
func (s *Server) rebuildMatcher() error {
	if s.ti == nil {
		return nil
	}
	s.indMu.Lock()
	values := make([]string, 0, len(s.indicators))
	for _, ind := range s.indicators {
		values = append(values, ind.Value)
	}
	s.indMu.Unlock()
	return s.ti.SetExtra(values)
}

func (s *Server) handleOutputsConfig(w http.ResponseWriter, r *http.Request) {
	target := mux.Vars(r)["target"]
	switch target {
	case "splunk":
		var cfg struct {
			URL   string `json:"url"`
			Token string `json:"token"`
			Index string `json:"index"`
		}
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil || cfg.URL == "" {
			writeError(w, http.StatusBadRequest, "url_required")
			return
		}
		s.exporter.SetSink(export.NewSplunk(config.SplunkSink{
			URL: cfg.URL, Token: cfg.Token, Index: cfg.Index,
		}))
	case "elastic":
		var cfg struct {
			URL      string `json:"url"`
			Username string `json:"username"`
			Password string `json:"password"`
			Index    string `json:"index"`
		}
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil || cfg.URL == "" {
			writeError(w, http.StatusBadRequest, "url_required")
			return
		}
		sink, err := export.NewElastic(config.ElasticSink{
			URL: cfg.URL, Username: cfg.Username, Password: cfg.Password, Index: cfg.Index,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, "sink_rejected")
			return
		}
		s.exporter.SetSink(sink)
	default:
		writeError(w, http.StatusNotFound, "unknown_target")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"target": target, "configured": true})
}

func (s *Server) handleOutputsTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == "" {
		writeError(w, http.StatusBadRequest, "target_required")
		return
	}
	res := s.exporter.Test(r.Context(), req.Target)
	if !res.OK {
		// The probe is the one delivery attempt that happens inside a
		// request, so its failure lands on this entry's fitness.
		entryFrom(r.Context()).Event("export_failed", map[string]any{
			"target": req.Target,
			"error":  res.Error,
		})
	}
	writeJSON(w, http.StatusOK, res)
}
