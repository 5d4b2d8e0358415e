package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/flowlens/gateway/internal/audit"
	"github.com/flowlens/gateway/internal/idempotency"
	"github.com/flowlens/gateway/internal/pipeline"
	"github.com/flowlens/gateway/internal/sources"
)

// ingestEnvelope is the wire shape of every ingest POST.
type ingestEnvelope struct {
	CollectorID string            `json:"collector_id"`
	Format      string            `json:"format"`
	Records     []json.RawMessage `json:"records"`
}

func (s *Server) handleIngestMixed(w http.ResponseWriter, r *http.Request) {
	s.ingest(w, r, "", false)
}

func (s *Server) handleIngestZeek(w http.ResponseWriter, r *http.Request) {
	s.ingest(w, r, pipeline.FormatZeek, false)
}

func (s *Server) handleIngestNetflow(w http.ResponseWriter, r *http.Request) {
	s.ingest(w, r, pipeline.FormatNetflow, false)
}

func (s *Server) handleIngestBulk(w http.ResponseWriter, r *http.Request) {
	s.ingest(w, r, "", true)
}

// ingest is the shared handler body. forcedFormat overrides the envelope;
// requireFormat makes an absent format a 400 instead of a default.
func (s *Server) ingest(w http.ResponseWriter, r *http.Request, forcedFormat string, requireFormat bool) {
	entry := entryFrom(r.Context())

	body, err := requestBody(r, pipeline.MaxPayloadBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_body")
		return
	}
	data, err := io.ReadAll(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_body")
		return
	}
	if len(data) > pipeline.MaxPayloadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large")
		return
	}

	var env ingestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_envelope")
		return
	}

	format := env.Format
	if forcedFormat != "" {
		format = forcedFormat
	}
	if format == "" {
		if requireFormat {
			writeError(w, http.StatusBadRequest, "format_required")
			return
		}
		format = pipeline.FormatFlows
	}
	if len(env.Records) > pipeline.MaxBatchRecords {
		writeError(w, http.StatusRequestEntityTooLarge, "batch_too_large")
		return
	}

	if s.cfg.FeatureSources && env.CollectorID != "" && s.reg != nil {
		dec := s.reg.Admit(env.CollectorID, s.clientIP(r), "http", len(env.Records))
		if !dec.Allowed {
			if dec.Reason == sources.ReasonRateLimited {
				entry.Result = audit.ResultRateLimited
			} else {
				entry.Result = audit.ResultBlocked
			}
			entry.Error = dec.Reason
			writeBlocked(w, dec.Reason)
			return
		}
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" || s.idem == nil {
		status, respBody := s.runIngest(r, entry, env.CollectorID, format, env.Records)
		writeRaw(w, status, respBody)
		return
	}

	p := principalFrom(r.Context())
	key := idempotency.Key(p.TenantID, r.URL.Path, idemKey)
	begin, err := s.idem.Begin(r.Context(), key)
	if err != nil {
		// Client went away while waiting on the in-flight primary.
		writeError(w, http.StatusServiceUnavailable, "canceled")
		return
	}
	if begin.Hit {
		entry.Event("idempotent_replay", nil)
		writeRaw(w, begin.Response.Status, begin.Response.Body)
		return
	}

	committed := false
	defer func() {
		if !committed {
			s.idem.Cancel(key)
		}
	}()

	status, respBody := s.runIngest(r, entry, env.CollectorID, format, env.Records)
	resp := idempotency.Response{Status: status, Body: respBody}
	if status < 500 {
		s.idem.Commit(key, resp)
	} else {
		s.idem.Fail(key, resp)
	}
	committed = true
	writeRaw(w, status, respBody)
}

// runIngest pushes the batch through the pipeline and renders the response
// body once, so idempotent replays are byte-identical.
func (s *Server) runIngest(r *http.Request, entry *audit.Entry, collectorID, format string, records []json.RawMessage) (int, []byte) {
	sourceID := collectorID
	if sourceID == "" {
		sourceID = "http"
	}

	res, err := s.pipe.Ingest(r.Context(), sourceID, format, records, entry)
	if err != nil {
		body, _ := json.Marshal(errorBody{Error: "unknown_format"})
		return http.StatusBadRequest, body
	}
	entry.Event("posthook", nil)

	status := http.StatusOK
	switch {
	case res.Rejected > 0 && res.Accepted == 0:
		status = http.StatusUnprocessableEntity
	case res.Rejected > 0:
		status = http.StatusMultiStatus
	}
	body, _ := json.Marshal(res)
	return status, body
}

// writeRaw emits a pre-rendered JSON body.
func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IP == "" {
		writeError(w, http.StatusBadRequest, "ip_required")
		return
	}
	writeJSON(w, http.StatusOK, s.pipe.Lookup(req.IP))
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.agg.Snapshot())
}
