// Package audit keeps a bounded in-memory log of completed HTTP requests,
// queryable with filters and a stable ETag, and streamable as an append-only
// tail.
package audit

import (
	"strings"
	"time"
)

// Result classifies how a request ended.
type Result string

const (
	ResultOK          Result = "ok"
	ResultClientError Result = "client_error"
	ResultServerError Result = "server_error"
	ResultBlocked     Result = "blocked"
	ResultRateLimited Result = "rate_limited"
)

// TimelineEvent is one per-stage marker inside a request.
type TimelineEvent struct {
	Name string         `json:"name"`
	At   time.Time      `json:"at"`
	Meta map[string]any `json:"meta,omitempty"`
}

// Entry is the immutable record of one completed request. The handler builds
// it during the request and hands it to the ring exactly once at completion.
type Entry struct {
	ID             string          `json:"id"`
	Seq            uint64          `json:"seq"`
	Timestamp      time.Time       `json:"ts"`
	Method         string          `json:"method"`
	Path           string          `json:"path"`
	Status         int             `json:"status"`
	DurationMs     float64         `json:"duration_ms"`
	ClientAddr     string          `json:"client_addr"`
	TenantID       string          `json:"tenant_id,omitempty"`
	KeyFingerprint string          `json:"api_key_fingerprint,omitempty"`
	BytesIn        int64           `json:"bytes_in"`
	BytesOut       int64           `json:"bytes_out"`
	Result         Result          `json:"result"`
	Timeline       []TimelineEvent `json:"timeline,omitempty"`
	Error          string          `json:"error,omitempty"`
	Fitness        float64         `json:"fitness"`
}

// Event appends a timeline marker. Satisfies the pipeline's Timeline sink.
func (e *Entry) Event(name string, meta map[string]any) {
	e.Timeline = append(e.Timeline, TimelineEvent{Name: name, At: time.Now(), Meta: meta})
}

// Finalize stamps the result class and fitness from the final status code.
func (e *Entry) Finalize(status int, duration time.Duration) {
	e.Status = status
	e.DurationMs = float64(duration.Microseconds()) / 1000.0
	if e.Result == "" {
		e.Result = classify(status)
	}
	e.Fitness = fitness(e)
}

func classify(status int) Result {
	switch {
	case status == 429:
		return ResultRateLimited
	case status >= 500:
		return ResultServerError
	case status >= 400:
		return ResultClientError
	default:
		return ResultOK
	}
}

// fitness starts at 1.0 and subtracts 0.3 for a validation failure, 0.3 per
// failed sink, and 0.4 for any error status. Penalties accumulate first and
// the sum is clamped once at the end.
func fitness(e *Entry) float64 {
	f := 1.0
	for _, ev := range e.Timeline {
		switch ev.Name {
		case "validated":
			if metaInt(ev.Meta, "rejected") > 0 {
				f -= 0.3
			}
		case "export_failed":
			f -= 0.3
		}
	}
	if e.Status >= 400 {
		f -= 0.4
	}
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	return f
}

func metaInt(meta map[string]any, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Fingerprint reduces an API key to its first and last three characters.
func Fingerprint(key string) string {
	if len(key) < 8 {
		return "***"
	}
	return key[:3] + "..." + key[len(key)-3:]
}

// monitoringPaths are excluded from listings when the filter asks for it.
var monitoringPaths = []string{"/health", "/version", "/metrics"}

func isMonitoringPath(path string) bool {
	for _, p := range monitoringPaths {
		if strings.HasSuffix(path, p) {
			return true
		}
	}
	return false
}
