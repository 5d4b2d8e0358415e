package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config carries every runtime option the gateway recognizes. Values come from
// environment variables (see Load); sink endpoints may additionally be seeded
// from an optional YAML file (see LoadFile).
type Config struct {
	AppPort int
	UDPPort int

	GeoCityDB string
	GeoASNDB  string
	ThreatCSV string

	DatabaseURL string
	RedisAddr   string

	AdminKeys    []string
	UserKeys     []string
	AllowDevKeys bool

	RedactHeaders []string
	RedactFields  []string

	// TrustedProxies lists the peers (CIDRs or bare addresses) whose
	// X-Forwarded-For header is believed. Anyone else is identified by the
	// socket address alone.
	TrustedProxies []string

	RateLimitIngestRPM  int
	RateLimitDefaultRPM int

	AuditRingSize int
	AuditTTL      time.Duration

	ExportBatchMax int
	ExportFlush    time.Duration
	DLQRetention   time.Duration
	DLQReplay      time.Duration

	UDPQueueCap    int
	UDPQueuePolicy string // drop-newest, drop-oldest, block

	FeatureSources bool
	FeatureUDPHead bool

	Sinks SinkConfig
}

// SinkConfig holds the downstream sink endpoints. Mutable at runtime via the
// outputs API; env and the YAML file only provide initial values.
type SinkConfig struct {
	Splunk  SplunkSink  `yaml:"splunk"`
	Elastic ElasticSink `yaml:"elastic"`
}

type SplunkSink struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	Index string `yaml:"index"`
}

type ElasticSink struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Index    string `yaml:"index"`
}

// Load builds a Config from the process environment, applying defaults for
// anything unset. It never fails: bad numeric values fall back to defaults.
func Load() *Config {
	cfg := &Config{
		AppPort:             envInt("APP_PORT", 8080),
		UDPPort:             envInt("UDP_PORT", 2055),
		GeoCityDB:           os.Getenv("GEOIP_DB_CITY"),
		GeoASNDB:            os.Getenv("GEOIP_DB_ASN"),
		ThreatCSV:           os.Getenv("THREATLIST_CSV"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		AdminKeys:           envList("ADMIN_KEYS"),
		UserKeys:            envList("USER_KEYS"),
		AllowDevKeys:        envBool("ALLOW_DEV_KEYS", false),
		RedactHeaders:       envList("REDACT_HEADERS"),
		RedactFields:        envList("REDACT_FIELDS"),
		TrustedProxies:      envList("TRUSTED_PROXIES"),
		RateLimitIngestRPM:  envInt("RATE_LIMIT_INGEST_RPM", 6000),
		RateLimitDefaultRPM: envInt("RATE_LIMIT_DEFAULT_RPM", 600),
		AuditRingSize:       envInt("AUDIT_RING_SIZE", 10000),
		AuditTTL:            envSeconds("AUDIT_TTL_SEC", 24*time.Hour),
		ExportBatchMax:      envInt("EXPORT_BATCH_MAX", 2000),
		ExportFlush:         envMillis("EXPORT_FLUSH_MS", 1500*time.Millisecond),
		DLQRetention:        envSeconds("DLQ_RETENTION_SEC", 7*24*time.Hour),
		DLQReplay:           envMillis("DLQ_REPLAY_MS", 60*time.Second),
		UDPQueueCap:         envInt("UDP_QUEUE_CAP", 10000),
		UDPQueuePolicy:      envString("UDP_QUEUE_POLICY", "drop-newest"),
		FeatureSources:      envBool("FEATURE_SOURCES", true),
		FeatureUDPHead:      envBool("FEATURE_UDP_HEAD", true),
	}

	// Authorization is always redacted in audit output.
	cfg.RedactHeaders = append(cfg.RedactHeaders, "Authorization")

	// Forwarding headers from loopback (a local reverse proxy) are honored
	// unless an explicit proxy list overrides it.
	if len(cfg.TrustedProxies) == 0 {
		cfg.TrustedProxies = []string{"127.0.0.0/8", "::1/128"}
	}

	cfg.Sinks.Splunk.URL = os.Getenv("SPLUNK_HEC_URL")
	cfg.Sinks.Splunk.Token = os.Getenv("SPLUNK_HEC_TOKEN")
	cfg.Sinks.Elastic.URL = os.Getenv("ELASTIC_URL")
	cfg.Sinks.Elastic.Index = envString("ELASTIC_INDEX", "flowlens")

	return cfg
}

// LoadFile overlays sink settings from a YAML file onto cfg. A missing file is
// not an error; the env-derived values stand.
func (cfg *Config) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	var overlay struct {
		Sinks SinkConfig `yaml:"sinks"`
	}
	if err := yaml.NewDecoder(f).Decode(&overlay); err != nil {
		return err
	}
	if overlay.Sinks.Splunk.URL != "" {
		cfg.Sinks.Splunk = overlay.Sinks.Splunk
	}
	if overlay.Sinks.Elastic.URL != "" {
		cfg.Sinks.Elastic = overlay.Sinks.Elastic
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envSeconds(key string, def time.Duration) time.Duration {
	if n := envInt(key, -1); n >= 0 {
		return time.Duration(n) * time.Second
	}
	return def
}

func envMillis(key string, def time.Duration) time.Duration {
	if n := envInt(key, -1); n >= 0 {
		return time.Duration(n) * time.Millisecond
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
