package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/flowlens/gateway/internal/audit"
)

// streamHeartbeat keeps idle SSE connections from being reaped by proxies.
const streamHeartbeat = 15 * time.Second

// parseRequestFilter maps the query string onto an audit filter.
func parseRequestFilter(r *http.Request) audit.Filter {
	q := r.URL.Query()
	f := audit.Filter{
		Method:       q.Get("method"),
		PathContains: q.Get("path"),
		ClientAddr:   q.Get("client"),
		TenantID:     q.Get("tenant"),
		Limit:        50,
	}

	if status := strings.TrimSuffix(q.Get("status"), "xx"); status != "" {
		if class, err := strconv.Atoi(status); err == nil {
			f.StatusClass = class
		}
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			f.Since = t
		}
	}
	if until := q.Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			f.Until = t
		}
	}
	if window := q.Get("window"); window != "" {
		if d, err := time.ParseDuration(window); err == nil && d > 0 {
			f.Since = time.Now().Add(-d)
		}
	}
	if v := q.Get("exclude_monitoring"); v != "" {
		f.ExcludeMonitoring, _ = strconv.ParseBool(v)
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			f.Offset = n
		}
	}
	return f
}

func (s *Server) handleRequestList(w http.ResponseWriter, r *http.Request) {
	entries, total, etag := s.ring.List(parseRequestFilter(r))
	if r.Header.Get("If-None-Match") == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("ETag", etag)
	if entries == nil {
		entries = []*audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests": entries,
		"total":    total,
	})
}

func (s *Server) handleRequestGet(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.ring.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "request_not_found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleRequestStream tails the audit ring: SSE by default, websocket when
// the client asks for an upgrade. Last-Event-ID resumes from a sequence.
func (s *Server) handleRequestStream(w http.ResponseWriter, r *http.Request) {
	var lastSeq uint64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		lastSeq, _ = strconv.ParseUint(v, 10, 64)
	} else if v := r.URL.Query().Get("last_event_id"); v != "" {
		lastSeq, _ = strconv.ParseUint(v, 10, 64)
	}

	ch, backlog, cancel := s.ring.Subscribe(lastSeq)
	defer cancel()

	if websocket.IsWebSocketUpgrade(r) {
		s.streamRequestsWS(w, r, ch, backlog)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported")
		return
	}
	sseHeaders(w)

	for _, e := range backlog {
		writeSSE(w, e.Seq, e)
	}
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case e := <-ch:
			writeSSE(w, e.Seq, e)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) streamRequestsWS(w http.ResponseWriter, r *http.Request, ch <-chan *audit.Entry, backlog []*audit.Entry) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for _, e := range backlog {
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}
	for {
		select {
		case e := <-ch:
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// handleLogStream tails the structured process log over SSE.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusNotFound, "log_stream_disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported")
		return
	}

	ch, cancel := s.hub.Subscribe()
	defer cancel()
	sseHeaders(w)
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case ev := <-ch:
			writeSSE(w, ev.Seq, ev)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeSSE(w http.ResponseWriter, id uint64, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\ndata: %s\n\n", id, data)
}
