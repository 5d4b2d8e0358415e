package core

import "time"

// Protocol identifies the transport protocol of a flow record.
type Protocol string

const (
	ProtoTCP   Protocol = "tcp"
	ProtoUDP   Protocol = "udp"
	ProtoICMP  Protocol = "icmp"
	ProtoOther Protocol = "other"
)

// Record is the canonical flow record all enrichment and scoring operates on.
// Source-format adapters (Zeek, flows, NetFlow/IPFIX) normalize into this shape.
type Record struct {
	Timestamp float64  `json:"ts"` // epoch seconds, sub-second precision
	SrcIP     string   `json:"src_ip"`
	DstIP     string   `json:"dst_ip"`
	SrcPort   int      `json:"src_port"`
	DstPort   int      `json:"dst_port"`
	Protocol  Protocol `json:"protocol"`
	Bytes     int64    `json:"bytes"`
	Packets   int64    `json:"packets"`
	Service   string   `json:"service,omitempty"`
	AppHints  []string `json:"app_hints,omitempty"` // application-layer hints (SNI, query names)
}

// GeoInfo is the geographic context attached to an enriched record.
// Any field may be empty when the database has no answer.
type GeoInfo struct {
	Country string  `json:"country,omitempty"` // ISO-2
	City    string  `json:"city,omitempty"`
	Lat     float64 `json:"lat,omitempty"`
	Lon     float64 `json:"lon,omitempty"`
}

// ASNInfo is the autonomous-system context attached to an enriched record.
type ASNInfo struct {
	Number uint   `json:"number"`
	Org    string `json:"org,omitempty"`
}

// ThreatInfo carries the ordered indicator matches for a record.
type ThreatInfo struct {
	Matches []string `json:"matches"`
}

// EnrichedRecord is a canonical record plus geo/ASN/TI context and a risk score.
// Geo and ASN are nil when lookup produced nothing; TI.Matches is never nil.
type EnrichedRecord struct {
	Record
	ID        string     `json:"id"`
	SourceID  string     `json:"source_id,omitempty"`
	Geo       *GeoInfo   `json:"geo"`
	ASN       *ASNInfo   `json:"asn"`
	TI        ThreatInfo `json:"ti"`
	RiskScore int        `json:"risk_score"`
}

// SourceStatus is the admin-controlled state of a telemetry source.
type SourceStatus string

const (
	SourceEnabled  SourceStatus = "enabled"
	SourceDisabled SourceStatus = "disabled"
)

// Source is a registered telemetry sender. Its allowlist is authoritative for
// admission regardless of declared type.
type Source struct {
	ID            string       `json:"id"`
	TenantID      string       `json:"tenant_id"`
	Name          string       `json:"name"`
	Type          string       `json:"type"`        // declared: http, udp
	OriginType    string       `json:"origin_type"` // observed: http, udp, unknown
	Collector     string       `json:"collector"`
	Status        SourceStatus `json:"status"`
	AllowedIPs    []string     `json:"allowed_ips"` // CIDRs; empty set denies all
	MaxEPS        int          `json:"max_eps"`     // 0 = unlimited
	BlockOnExceed bool         `json:"block_on_exceed"`
	LastSeen      time.Time    `json:"last_seen"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Indicator is a single threat-intel entry: an IPv4/IPv6 CIDR or a domain.
type Indicator struct {
	ID         string    `json:"id"`
	Value      string    `json:"value"` // "45.149.3.0/24" or "domain:evil.example"
	Kind       string    `json:"kind"`  // "cidr" or "domain"
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// DLQEntry is a failed export batch awaiting redelivery.
type DLQEntry struct {
	ID           string    `json:"id"`
	Target       string    `json:"target"` // sink descriptor: splunk, elastic
	Payload      []byte    `json:"payload"`
	Attempts     int       `json:"attempts"`
	FirstAttempt time.Time `json:"first_attempt"`
	LastAttempt  time.Time `json:"last_attempt"`
	NextEligible time.Time `json:"next_eligible"`
	LastError    string    `json:"last_error"`
}

// Batch is a group of enriched records bound for the export workers.
// Each batch carries a stable id so sink-side duplicates can be tolerated.
type Batch struct {
	ID       string           `json:"id"`
	SourceID string           `json:"source_id"`
	Records  []EnrichedRecord `json:"records"`
}
