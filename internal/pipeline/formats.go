package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/flowlens/gateway/internal/core"
)

// Wire formats accepted on the ingest endpoints.
const (
	FormatFlows   = "flows.v1"
	FormatZeek    = "zeek.conn.v1"
	FormatNetflow = "netflow.v1"
)

// ErrUnknownFormat rejects the whole envelope with 400.
var ErrUnknownFormat = errors.New("unknown format")

// RecordError reports one rejected record by its position in the batch.
type RecordError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// Normalize converts raw wire records of the given format into canonical
// records. Malformed records land in the error list; the rest proceed.
func Normalize(format string, raw []json.RawMessage) ([]core.Record, []RecordError, error) {
	var adapt func(json.RawMessage) (core.Record, error)
	switch format {
	case FormatFlows:
		adapt = adaptFlow
	case FormatZeek:
		adapt = adaptZeek
	case FormatNetflow:
		adapt = adaptNetflow
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	records := make([]core.Record, 0, len(raw))
	var errs []RecordError
	for i, r := range raw {
		rec, err := adapt(r)
		if err != nil {
			errs = append(errs, RecordError{Index: i, Error: err.Error()})
			continue
		}
		records = append(records, rec)
	}
	return records, errs, nil
}

// adaptFlow handles the canonical JSON shape directly.
func adaptFlow(raw json.RawMessage) (core.Record, error) {
	var rec core.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return core.Record{}, fmt.Errorf("invalid json: %v", err)
	}
	return finishRecord(rec)
}

// zeekConn is the subset of a Zeek conn.log line we map. Byte and packet
// counts are summed across both directions.
type zeekConn struct {
	TS        float64 `json:"ts"`
	OrigH     string  `json:"id.orig_h"`
	OrigP     int     `json:"id.orig_p"`
	RespH     string  `json:"id.resp_h"`
	RespP     int     `json:"id.resp_p"`
	Proto     string  `json:"proto"`
	Service   string  `json:"service"`
	OrigBytes int64   `json:"orig_bytes"`
	RespBytes int64   `json:"resp_bytes"`
	OrigPkts  int64   `json:"orig_pkts"`
	RespPkts  int64   `json:"resp_pkts"`
}

func adaptZeek(raw json.RawMessage) (core.Record, error) {
	var z zeekConn
	if err := json.Unmarshal(raw, &z); err != nil {
		return core.Record{}, fmt.Errorf("invalid json: %v", err)
	}
	return finishRecord(core.Record{
		Timestamp: z.TS,
		SrcIP:     z.OrigH,
		DstIP:     z.RespH,
		SrcPort:   z.OrigP,
		DstPort:   z.RespP,
		Protocol:  normalizeProto(z.Proto),
		Bytes:     z.OrigBytes + z.RespBytes,
		Packets:   z.OrigPkts + z.RespPkts,
		Service:   z.Service,
	})
}

// netflowWire is the JSON rendering of a NetFlow record as exporters commonly
// emit it, with the v5 field names.
type netflowWire struct {
	UnixSecs float64         `json:"unix_secs"`
	SrcAddr  string          `json:"srcaddr"`
	DstAddr  string          `json:"dstaddr"`
	SrcPort  int             `json:"srcport"`
	DstPort  int             `json:"dstport"`
	Prot     json.RawMessage `json:"prot"` // number or name
	Octets   int64           `json:"dOctets"`
	Pkts     int64           `json:"dPkts"`
}

func adaptNetflow(raw json.RawMessage) (core.Record, error) {
	var n netflowWire
	if err := json.Unmarshal(raw, &n); err != nil {
		return core.Record{}, fmt.Errorf("invalid json: %v", err)
	}
	return finishRecord(core.Record{
		Timestamp: n.UnixSecs,
		SrcIP:     n.SrcAddr,
		DstIP:     n.DstAddr,
		SrcPort:   n.SrcPort,
		DstPort:   n.DstPort,
		Protocol:  netflowProto(n.Prot),
		Bytes:     n.Octets,
		Packets:   n.Pkts,
	})
}

// finishRecord validates the normalized shape and fills defaults.
func finishRecord(rec core.Record) (core.Record, error) {
	if rec.SrcIP == "" || rec.DstIP == "" {
		return core.Record{}, errors.New("missing src_ip or dst_ip")
	}
	if _, err := netip.ParseAddr(rec.SrcIP); err != nil {
		return core.Record{}, fmt.Errorf("bad src_ip %q", rec.SrcIP)
	}
	if _, err := netip.ParseAddr(rec.DstIP); err != nil {
		return core.Record{}, fmt.Errorf("bad dst_ip %q", rec.DstIP)
	}
	if rec.SrcPort < 0 || rec.SrcPort > 65535 || rec.DstPort < 0 || rec.DstPort > 65535 {
		return core.Record{}, errors.New("port out of range")
	}
	if rec.Bytes < 0 || rec.Packets < 0 {
		return core.Record{}, errors.New("negative byte or packet count")
	}
	if rec.Timestamp <= 0 {
		rec.Timestamp = float64(time.Now().UnixNano()) / 1e9
	}
	rec.Protocol = normalizeProto(string(rec.Protocol))
	return rec, nil
}

func normalizeProto(s string) core.Protocol {
	switch core.Protocol(strings.ToLower(strings.TrimSpace(s))) {
	case core.ProtoTCP:
		return core.ProtoTCP
	case core.ProtoUDP:
		return core.ProtoUDP
	case core.ProtoICMP, "icmpv6", "icmp6":
		return core.ProtoICMP
	default:
		return core.ProtoOther
	}
}

// netflowProto accepts the protocol as an IANA number or a name.
func netflowProto(raw json.RawMessage) core.Protocol {
	var num int
	if err := json.Unmarshal(raw, &num); err == nil {
		switch num {
		case 1, 58:
			return core.ProtoICMP
		case 6:
			return core.ProtoTCP
		case 17:
			return core.ProtoUDP
		default:
			return core.ProtoOther
		}
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return normalizeProto(name)
	}
	return core.ProtoOther
}
