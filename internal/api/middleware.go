package api

import (
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/flowlens/gateway/internal/audit"
)

type contextKey int

const (
	ctxEntry contextKey = iota
	ctxPrincipal
)

// entryFrom returns the in-flight audit entry, or a detached one so handlers
// never nil-check.
func entryFrom(ctx context.Context) *audit.Entry {
	if e, ok := ctx.Value(ctxEntry).(*audit.Entry); ok {
		return e
	}
	return &audit.Entry{}
}

func principalFrom(ctx context.Context) *Principal {
	if p, ok := ctx.Value(ctxPrincipal).(*Principal); ok {
		return p
	}
	return &Principal{}
}

// responseRecorder captures status and byte counts for the audit entry while
// passing streaming interfaces through.
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijack not supported")
}

// clientIP resolves the address admission and audit act on. The first
// X-Forwarded-For hop counts only when the socket peer is a trusted proxy;
// otherwise a key holder could spoof the header to slip an allowlist.
func (s *Server) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" && s.trustedPeer(host) {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return host
}

func (s *Server) trustedPeer(host string) bool {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.trustedProxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// audited wraps every route: it opens the audit entry, recovers panics into
// 500s, and appends exactly one entry at completion.
func (s *Server) audited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		entry := &audit.Entry{
			ID:         uuid.NewString(),
			Timestamp:  start,
			Method:     r.Method,
			Path:       r.URL.Path,
			ClientAddr: s.clientIP(r),
			BytesIn:    r.ContentLength,
		}
		entry.Event("received", nil)

		rec := &responseRecorder{ResponseWriter: w}
		ctx := context.WithValue(r.Context(), ctxEntry, entry)

		defer func() {
			if p := recover(); p != nil {
				slog.Error("handler panic", "trace_id", entry.ID, "panic", p,
					"stack", string(debug.Stack()))
				if rec.status == 0 {
					writeInternal(rec, entry.ID)
				}
			}

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			entry.BytesOut = rec.bytes
			entry.Event("completed", nil)
			entry.Finalize(status, time.Since(start))
			s.ring.Append(entry)
			if s.agg != nil {
				s.agg.RecordRequest(status >= 500, time.Since(start))
			}
		}()

		next.ServeHTTP(rec, r.WithContext(ctx))
	})
}

// withDeadline bounds one handler invocation. Stream routes skip it.
func withDeadline(d time.Duration, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireScope authenticates the request and checks the scope. Stream routes
// also accept the key query parameter.
func (s *Server) requireScope(scope Scope, allowQuery bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := extractKey(r, allowQuery)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing_api_key")
			return
		}
		p, ok := s.keyring.Resolve(key)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid_api_key")
			return
		}
		if !p.Has(scope) {
			writeError(w, http.StatusForbidden, "insufficient_scope")
			return
		}

		entry := entryFrom(r.Context())
		entry.TenantID = p.TenantID
		entry.KeyFingerprint = audit.Fingerprint(key)

		ctx := context.WithValue(r.Context(), ctxPrincipal, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// warmed answers 503 until migrations have finished.
func (s *Server) warmed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.warming != nil && s.warming() {
			writeError(w, http.StatusServiceUnavailable, "warming_up")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limited applies one of the global RPM limiters.
func limited(l *rate.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow() {
			writeBlocked(w, "rate_limited:global")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rpmLimiter builds a limiter for a requests-per-minute budget.
func rpmLimiter(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := rpm / 6 // tolerate short spikes of a tenth of the budget
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
}

// requestBody returns the decoded request body reader, inflating gzip when
// the wire says so, capped at the payload guard.
func requestBody(r *http.Request, maxBytes int64) (io.ReadCloser, error) {
	var body io.Reader = r.Body
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, fmt.Errorf("bad gzip body: %w", err)
		}
		body = gz
	}
	return io.NopCloser(io.LimitReader(body, maxBytes+1)), nil
}
