package api

import (
	"net/http"
	"strings"

	"github.com/flowlens/gateway/internal/config"
)

// Scope is one grant attached to an API key.
type Scope string

const (
	ScopeIngest           Scope = "ingest"
	ScopeManageIndicators Scope = "manage_indicators"
	ScopeExport           Scope = "export"
	ScopeReadRequests     Scope = "read_requests"
	ScopeReadMetrics      Scope = "read_metrics"
	ScopeAdmin            Scope = "admin"
)

var allScopes = []Scope{
	ScopeIngest, ScopeManageIndicators, ScopeExport,
	ScopeReadRequests, ScopeReadMetrics, ScopeAdmin,
}

var userScopes = []Scope{
	ScopeIngest, ScopeManageIndicators, ScopeExport,
	ScopeReadRequests, ScopeReadMetrics,
}

// Built-in keys for local development, active only with ALLOW_DEV_KEYS.
const (
	devAdminKey  = "dev-admin-key"
	devIngestKey = "dev-ingest-key"
)

// Principal is a resolved API key.
type Principal struct {
	Key      string
	TenantID string
	scopes   map[Scope]struct{}
}

// Has reports whether the principal carries the scope. Admin implies all.
func (p *Principal) Has(scope Scope) bool {
	if _, ok := p.scopes[ScopeAdmin]; ok {
		return true
	}
	_, ok := p.scopes[scope]
	return ok
}

// Keyring resolves API keys to principals.
type Keyring struct {
	keys map[string]*Principal
}

// NewKeyring builds the keyring from config. Admin keys get every scope;
// user keys get everything except admin.
func NewKeyring(cfg *config.Config) *Keyring {
	k := &Keyring{keys: make(map[string]*Principal)}
	for _, key := range cfg.AdminKeys {
		k.add(key, "admin", allScopes)
	}
	for _, key := range cfg.UserKeys {
		k.add(key, "default", userScopes)
	}
	if cfg.AllowDevKeys {
		k.add(devAdminKey, "dev", allScopes)
		k.add(devIngestKey, "dev", []Scope{ScopeIngest, ScopeReadMetrics})
	}
	return k
}

func (k *Keyring) add(key, tenant string, scopes []Scope) {
	if key == "" {
		return
	}
	p := &Principal{Key: key, TenantID: tenant, scopes: make(map[Scope]struct{}, len(scopes))}
	for _, s := range scopes {
		p.scopes[s] = struct{}{}
	}
	k.keys[key] = p
}

// Resolve looks a raw key up.
func (k *Keyring) Resolve(key string) (*Principal, bool) {
	p, ok := k.keys[key]
	return p, ok
}

// extractKey pulls the API key from the lenient header forms; event-stream
// routes additionally accept a key query parameter.
func extractKey(r *http.Request, allowQuery bool) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
		return strings.TrimSpace(auth)
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	if allowQuery {
		return r.URL.Query().Get("key")
	}
	return ""
}
