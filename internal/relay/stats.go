package relay

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petrf99/grfp-tech-utils/internal/monitoring"
)

// PacketStats tracks relay traffic counters. All methods are safe for
// concurrent use. When a Metrics instance is attached the Prometheus
// collectors are incremented alongside the atomic counters.
type PacketStats struct {
	received       atomic.Uint64
	receivedBytes  atomic.Uint64
	decodeDrops    atomic.Uint64
	forwarded      atomic.Uint64
	forwardedBytes atomic.Uint64
	rejected       atomic.Uint64
	sendErrors     atomic.Uint64

	metrics *Metrics
}

// NewPacketStats creates a stats tracker without Prometheus collectors.
func NewPacketStats() *PacketStats {
	return &PacketStats{}
}

// NewPacketStatsWithMetrics creates a stats tracker that also feeds the
// given Prometheus collectors.
func NewPacketStatsWithMetrics(m *Metrics) *PacketStats {
	return &PacketStats{metrics: m}
}

// AddPacket records one received datagram of the given size.
func (s *PacketStats) AddPacket(bytes int) {
	s.received.Add(1)
	s.receivedBytes.Add(uint64(bytes))
	if s.metrics != nil {
		s.metrics.PacketsReceived.Inc()
		s.metrics.BytesReceived.Add(float64(bytes))
	}
}

// AddDecodeDrop records one datagram discarded because it failed to decode.
func (s *PacketStats) AddDecodeDrop() {
	s.decodeDrops.Add(1)
	if s.metrics != nil {
		s.metrics.DecodeDrops.Inc()
	}
}

// AddForwarded records one retransmitted datagram of the given size.
func (s *PacketStats) AddForwarded(bytes int) {
	s.forwarded.Add(1)
	s.forwardedBytes.Add(uint64(bytes))
	if s.metrics != nil {
		s.metrics.PacketsForwarded.Inc()
		s.metrics.BytesForwarded.Add(float64(bytes))
	}
}

// AddRejected records one datagram discarded by the source whitelist.
func (s *PacketStats) AddRejected() {
	s.rejected.Add(1)
	if s.metrics != nil {
		s.metrics.PacketsRejected.Inc()
	}
}

// AddSendError records one failed transmit attempt.
func (s *PacketStats) AddSendError() {
	s.sendErrors.Add(1)
	if s.metrics != nil {
		s.metrics.SendErrors.Inc()
	}
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Received       uint64
	ReceivedBytes  uint64
	DecodeDrops    uint64
	Forwarded      uint64
	ForwardedBytes uint64
	Rejected       uint64
	SendErrors     uint64
}

// Snapshot returns the current counter values.
func (s *PacketStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Received:       s.received.Load(),
		ReceivedBytes:  s.receivedBytes.Load(),
		DecodeDrops:    s.decodeDrops.Load(),
		Forwarded:      s.forwarded.Load(),
		ForwardedBytes: s.forwardedBytes.Load(),
		Rejected:       s.rejected.Load(),
		SendErrors:     s.sendErrors.Load(),
	}
}

// LogStats emits a one-line traffic summary.
func (s *PacketStats) LogStats() {
	snap := s.Snapshot()
	monitoring.Infof("relay stats: received=%d (%d bytes) forwarded=%d (%d bytes) decode_drops=%d rejected=%d send_errors=%d",
		snap.Received, snap.ReceivedBytes, snap.Forwarded, snap.ForwardedBytes,
		snap.DecodeDrops, snap.Rejected, snap.SendErrors)
}

// Metrics contains the Prometheus collectors for the relay pipeline.
type Metrics struct {
	PacketsReceived  prometheus.Counter
	BytesReceived    prometheus.Counter
	DecodeDrops      prometheus.Counter
	PacketsForwarded prometheus.Counter
	BytesForwarded   prometheus.Counter
	PacketsRejected  prometheus.Counter
	SendErrors       prometheus.Counter
	BufferDepth      prometheus.GaugeFunc
	Evictions        prometheus.CounterFunc
}

// NewMetrics creates the relay collectors. Call ObserveRing before Register
// to also export buffer depth.
func NewMetrics() *Metrics {
	return &Metrics{
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grfp", Subsystem: "relay",
			Name: "packets_received_total",
			Help: "Total datagrams accepted by the listener",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grfp", Subsystem: "relay",
			Name: "bytes_received_total",
			Help: "Total payload bytes accepted by the listener",
		}),
		DecodeDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grfp", Subsystem: "relay",
			Name: "decode_drops_total",
			Help: "Datagrams discarded because JSON decoding failed",
		}),
		PacketsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grfp", Subsystem: "relay",
			Name: "packets_forwarded_total",
			Help: "Datagrams retransmitted to the target",
		}),
		BytesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grfp", Subsystem: "relay",
			Name: "bytes_forwarded_total",
			Help: "Payload bytes retransmitted to the target",
		}),
		PacketsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grfp", Subsystem: "relay",
			Name: "packets_rejected_total",
			Help: "Datagrams discarded by the source whitelist",
		}),
		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grfp", Subsystem: "relay",
			Name: "send_errors_total",
			Help: "Failed transmit attempts",
		}),
	}
}

// ObserveRing exports the ring's current depth and eviction count.
func (m *Metrics) ObserveRing(ring *Ring) {
	m.BufferDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "grfp", Subsystem: "relay",
		Name: "buffer_depth",
		Help: "Entries currently held in the ring buffer",
	}, func() float64 { return float64(ring.Len()) })
	m.Evictions = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "grfp", Subsystem: "relay",
		Name: "buffer_evictions_total",
		Help: "Entries dropped from the ring to make room for newer ones",
	}, func() float64 { return float64(ring.Evicted()) })
}

// Register registers all collectors with the given registerer.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.PacketsReceived, m.BytesReceived, m.DecodeDrops,
		m.PacketsForwarded, m.BytesForwarded, m.PacketsRejected, m.SendErrors,
	}
	if m.BufferDepth != nil {
		collectors = append(collectors, m.BufferDepth, m.Evictions)
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
