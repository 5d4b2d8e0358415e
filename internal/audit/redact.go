package audit

import (
	"net/http"
	"strings"
)

// Placeholder replaces redacted values wherever they would be stored or
// streamed.
const Placeholder = "[REDACTED]"

// Redactor removes configured header and field values before anything is
// persisted to the ring or the log stream. The lists are fixed at startup;
// no runtime introspection.
type Redactor struct {
	headers map[string]struct{}
	fields  map[string]struct{}
}

// NewRedactor builds a redactor from the configured name lists. Names are
// matched case-insensitively.
func NewRedactor(headers, fields []string) *Redactor {
	r := &Redactor{
		headers: make(map[string]struct{}, len(headers)),
		fields:  make(map[string]struct{}, len(fields)),
	}
	for _, h := range headers {
		r.headers[strings.ToLower(h)] = struct{}{}
	}
	for _, f := range fields {
		r.fields[strings.ToLower(f)] = struct{}{}
	}
	return r
}

// Headers returns a copy of h with redacted headers replaced.
func (r *Redactor) Headers(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if _, hit := r.headers[strings.ToLower(name)]; hit {
			out[name] = Placeholder
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

// Fields replaces redacted keys in a meta map, in place on a copy.
func (r *Redactor) Fields(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if _, hit := r.fields[strings.ToLower(k)]; hit {
			out[k] = Placeholder
			continue
		}
		out[k] = v
	}
	return out
}

// FieldRedacted reports whether a key is on the field list.
func (r *Redactor) FieldRedacted(key string) bool {
	_, hit := r.fields[strings.ToLower(key)]
	return hit
}
