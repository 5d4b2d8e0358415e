package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/flowlens/gateway/internal/metrics"
)

// maxDatagram is the largest UDP payload we will read.
const maxDatagram = 65535

// Head is the UDP listener. It reads datagrams, decodes them into canonical
// records, and pushes them onto the bounded queue. The reader never does
// enrichment work; anything past decode happens downstream of the queue.
type Head struct {
	port    int
	queue   *Queue
	decoder *Decoder
	agg     *metrics.Aggregator

	packets      atomic.Int64
	bytes        atomic.Int64
	decodeErrors atomic.Int64
	lastPacket   atomic.Int64 // unix nanos, 0 until the first datagram
	running      atomic.Bool

	addr atomic.Pointer[net.UDPAddr]
}

// NewHead builds a UDP head bound to port on Run. A port of 0 picks an
// ephemeral port, which Addr reports once the socket is up.
func NewHead(port int, queue *Queue, agg *metrics.Aggregator) *Head {
	return &Head{
		port:    port,
		queue:   queue,
		decoder: NewDecoder(),
		agg:     agg,
	}
}

// Run binds the socket and reads until the context ends. Decode failures are
// counted and skipped; they never stop the reader.
func (h *Head) Run(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: h.port})
	if err != nil {
		return fmt.Errorf("udp listen on %d: %w", h.port, err)
	}
	h.addr.Store(conn.LocalAddr().(*net.UDPAddr))
	h.running.Store(true)
	defer h.running.Store(false)
	slog.Info("udp collector listening", "addr", conn.LocalAddr().String())

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			slog.Warn("udp read failed", "error", err)
			continue
		}

		h.packets.Add(1)
		h.bytes.Add(int64(n))
		h.lastPacket.Store(time.Now().UnixNano())
		if h.agg != nil {
			h.agg.RecordUDPPacket(n)
		}

		records, err := h.decoder.Decode(peer.IP.String(), buf[:n])
		if err != nil {
			h.decodeErrors.Add(1)
			continue
		}

		before := h.queue.Dropped()
		for _, rec := range records {
			h.queue.Push(rec)
		}
		if shed := h.queue.Dropped() - before; shed > 0 && h.agg != nil {
			h.agg.RecordDrop(int(shed))
		}
	}
}

// Addr reports the bound address, nil until Run has the socket up.
func (h *Head) Addr() *net.UDPAddr {
	return h.addr.Load()
}

// Stats is the collector's contribution to the system status endpoint.
type Stats struct {
	Running      bool      `json:"running"`
	Packets      int64     `json:"packets_total"`
	Bytes        int64     `json:"bytes_total"`
	DecodeErrors int64     `json:"decode_errors_total"`
	Dropped      int64     `json:"dropped_total"`
	QueueDepth   int       `json:"queue_depth"`
	QueueCap     int       `json:"queue_capacity"`
	LastPacket   time.Time `json:"last_packet,omitempty"`
}

// Stats snapshots the head's counters.
func (h *Head) Stats() Stats {
	s := Stats{
		Running:      h.running.Load(),
		Packets:      h.packets.Load(),
		Bytes:        h.bytes.Load(),
		DecodeErrors: h.decodeErrors.Load(),
		Dropped:      h.queue.Dropped(),
		QueueDepth:   h.queue.Len(),
		QueueCap:     h.queue.capacity,
	}
	if ns := h.lastPacket.Load(); ns > 0 {
		s.LastPacket = time.Unix(0, ns)
	}
	return s
}
