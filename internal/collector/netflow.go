package collector

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/flowlens/gateway/internal/core"
)

// Wire versions the recognizer accepts.
const (
	versionV5    = 5
	versionV9    = 9
	versionIPFIX = 10
)

// NetFlow v9 / IPFIX information elements we map into canonical records.
const (
	ieInBytes   = 1
	ieInPkts    = 2
	ieProtocol  = 4
	ieSrcPort   = 7
	ieSrcAddr4  = 8
	ieDstPort   = 11
	ieDstAddr4  = 12
	ieSrcAddr6  = 27
	ieDstAddr6  = 28
)

type templateField struct {
	fieldType uint16
	length    uint16
}

type templateKey struct {
	peer       string
	domain     uint32
	templateID uint16
}

// Decoder turns NetFlow v5/v9/IPFIX datagrams into canonical records.
// v9/IPFIX data sets need a previously seen template from the same exporter;
// records arriving before their template are counted, not decoded.
type Decoder struct {
	mu        sync.RWMutex
	templates map[templateKey][]templateField
}

// NewDecoder builds a decoder with an empty template cache.
func NewDecoder() *Decoder {
	return &Decoder{templates: make(map[templateKey][]templateField)}
}

// Decode parses one datagram from peer. It returns the canonical records it
// could extract; an error means the datagram was not a recognized format.
// A valid datagram that only carries templates yields zero records, nil error.
func (d *Decoder) Decode(peer string, data []byte) ([]core.Record, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("short datagram: %d bytes", len(data))
	}
	switch binary.BigEndian.Uint16(data[0:2]) {
	case versionV5:
		return decodeV5(data)
	case versionV9:
		return d.decodeV9(peer, data)
	case versionIPFIX:
		return d.decodeIPFIX(peer, data)
	default:
		return nil, fmt.Errorf("unknown flow version %d", binary.BigEndian.Uint16(data[0:2]))
	}
}

// ---------------------------------------------------------------------------
// NetFlow v5: fixed 24-byte header, 48-byte records.
// ---------------------------------------------------------------------------

const (
	v5HeaderLen = 24
	v5RecordLen = 48
)

func decodeV5(data []byte) ([]core.Record, error) {
	if len(data) < v5HeaderLen {
		return nil, fmt.Errorf("v5 header truncated")
	}
	count := int(binary.BigEndian.Uint16(data[2:4]))
	unixSecs := binary.BigEndian.Uint32(data[8:12])
	unixNsecs := binary.BigEndian.Uint32(data[12:16])
	ts := float64(unixSecs) + float64(unixNsecs)/1e9

	if len(data) < v5HeaderLen+count*v5RecordLen {
		return nil, fmt.Errorf("v5 payload truncated: want %d records", count)
	}

	records := make([]core.Record, 0, count)
	for i := 0; i < count; i++ {
		r := data[v5HeaderLen+i*v5RecordLen:]
		records = append(records, core.Record{
			Timestamp: ts,
			SrcIP:     netip.AddrFrom4([4]byte(r[0:4])).String(),
			DstIP:     netip.AddrFrom4([4]byte(r[4:8])).String(),
			Packets:   int64(binary.BigEndian.Uint32(r[16:20])),
			Bytes:     int64(binary.BigEndian.Uint32(r[20:24])),
			SrcPort:   int(binary.BigEndian.Uint16(r[32:34])),
			DstPort:   int(binary.BigEndian.Uint16(r[34:36])),
			Protocol:  protocolName(r[38]),
		})
	}
	return records, nil
}

// ---------------------------------------------------------------------------
// NetFlow v9: 20-byte header, then flowsets (template id 0, data id >= 256).
// ---------------------------------------------------------------------------

func (d *Decoder) decodeV9(peer string, data []byte) ([]core.Record, error) {
	if len(data) < 20 {
		return nil, fmt.Errorf("v9 header truncated")
	}
	ts := udpTimestamp(float64(binary.BigEndian.Uint32(data[8:12])))
	domain := binary.BigEndian.Uint32(data[16:20])
	return d.walkSets(peer, domain, ts, data[20:], 0)
}

// ---------------------------------------------------------------------------
// IPFIX: 16-byte header, template set id 2, data sets id >= 256.
// ---------------------------------------------------------------------------

func (d *Decoder) decodeIPFIX(peer string, data []byte) ([]core.Record, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("ipfix header truncated")
	}
	msgLen := int(binary.BigEndian.Uint16(data[2:4]))
	if msgLen > len(data) {
		return nil, fmt.Errorf("ipfix length %d exceeds datagram", msgLen)
	}
	ts := udpTimestamp(float64(binary.BigEndian.Uint32(data[4:8])))
	domain := binary.BigEndian.Uint32(data[12:16])
	return d.walkSets(peer, domain, ts, data[16:msgLen], 2)
}

// walkSets iterates flowsets/sets. templateSetID differs between v9 (0) and
// IPFIX (2); data set ids start at 256 for both.
func (d *Decoder) walkSets(peer string, domain uint32, ts float64, body []byte, templateSetID uint16) ([]core.Record, error) {
	var records []core.Record
	for len(body) >= 4 {
		setID := binary.BigEndian.Uint16(body[0:2])
		setLen := int(binary.BigEndian.Uint16(body[2:4]))
		if setLen < 4 || setLen > len(body) {
			return records, fmt.Errorf("bad set length %d", setLen)
		}
		content := body[4:setLen]

		switch {
		case setID == templateSetID:
			d.parseTemplates(peer, domain, content)
		case setID >= 256:
			records = append(records, d.parseData(peer, domain, setID, ts, content)...)
		}
		// Options templates and unknown low ids are skipped silently.
		body = body[setLen:]
	}
	return records, nil
}

func (d *Decoder) parseTemplates(peer string, domain uint32, content []byte) {
	for len(content) >= 4 {
		templateID := binary.BigEndian.Uint16(content[0:2])
		fieldCount := int(binary.BigEndian.Uint16(content[2:4]))
		content = content[4:]
		if len(content) < fieldCount*4 {
			return
		}
		fields := make([]templateField, 0, fieldCount)
		for i := 0; i < fieldCount; i++ {
			ft := binary.BigEndian.Uint16(content[i*4 : i*4+2])
			ln := binary.BigEndian.Uint16(content[i*4+2 : i*4+4])
			// Enterprise-specific IPFIX elements carry 4 extra bytes we do
			// not model; bail on this template rather than misparse.
			if ft&0x8000 != 0 {
				return
			}
			fields = append(fields, templateField{fieldType: ft, length: ln})
		}
		content = content[fieldCount*4:]

		d.mu.Lock()
		d.templates[templateKey{peer, domain, templateID}] = fields
		d.mu.Unlock()
	}
}

func (d *Decoder) parseData(peer string, domain uint32, setID uint16, ts float64, content []byte) []core.Record {
	d.mu.RLock()
	fields, ok := d.templates[templateKey{peer, domain, setID}]
	d.mu.RUnlock()
	if !ok {
		return nil // template not yet seen from this exporter
	}

	recordLen := 0
	for _, f := range fields {
		recordLen += int(f.length)
	}
	if recordLen == 0 {
		return nil
	}

	var records []core.Record
	for len(content) >= recordLen {
		rec := core.Record{Timestamp: ts, Protocol: core.ProtoOther}
		off := 0
		for _, f := range fields {
			val := content[off : off+int(f.length)]
			off += int(f.length)
			switch f.fieldType {
			case ieSrcAddr4:
				if len(val) == 4 {
					rec.SrcIP = netip.AddrFrom4([4]byte(val)).String()
				}
			case ieDstAddr4:
				if len(val) == 4 {
					rec.DstIP = netip.AddrFrom4([4]byte(val)).String()
				}
			case ieSrcAddr6:
				if len(val) == 16 {
					rec.SrcIP = netip.AddrFrom16([16]byte(val)).String()
				}
			case ieDstAddr6:
				if len(val) == 16 {
					rec.DstIP = netip.AddrFrom16([16]byte(val)).String()
				}
			case ieSrcPort:
				rec.SrcPort = int(beUint(val))
			case ieDstPort:
				rec.DstPort = int(beUint(val))
			case ieProtocol:
				if len(val) > 0 {
					rec.Protocol = protocolName(val[len(val)-1])
				}
			case ieInBytes:
				rec.Bytes = int64(beUint(val))
			case ieInPkts:
				rec.Packets = int64(beUint(val))
			}
		}
		records = append(records, rec)
		content = content[recordLen:]
	}
	return records
}

// beUint reads a big-endian unsigned integer of 1-8 bytes.
func beUint(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

func protocolName(p byte) core.Protocol {
	switch p {
	case 1, 58: // ICMP, ICMPv6
		return core.ProtoICMP
	case 6:
		return core.ProtoTCP
	case 17:
		return core.ProtoUDP
	default:
		return core.ProtoOther
	}
}

// udpTimestamp fills a missing export time with the arrival clock.
func udpTimestamp(ts float64) float64 {
	if ts == 0 {
		return float64(time.Now().UnixNano()) / 1e9
	}
	return ts
}
