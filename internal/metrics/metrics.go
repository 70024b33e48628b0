// Package metrics exposes a Mux's per-stream ARQ state and datagram
// drop counters as a prometheus.Collector, in the same pull-based
// Describe/Collect shape used for exporting kernel socket stats.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource is satisfied by mux's adapter around *stream.Stream; kept
// as an interface here to avoid a dependency from internal/metrics back
// up to the stream package.
type StatsSource interface {
	Conv() uint32
	Stats() Stats
}

// Stats mirrors kcp.Stats without importing the kcp package, so this
// package stays a leaf with no dependency on the engine's types.
type Stats struct {
	SRTT        uint32
	RTO         uint32
	Cwnd        uint32
	RmtWnd      uint32
	Retransmits uint64
	Inflight    int
}

// Collector is a prometheus.Collector over the set of streams
// currently open on a Mux, plus counters for the whole Mux: datagrams
// dropped before a stream could be attributed, and bytes sent and
// received.
type Collector struct {
	mu      sync.Mutex
	streams map[uint32]StatsSource

	dropped     *prometheus.CounterVec
	bytesSent   prometheus.Counter
	bytesRecv   prometheus.Counter
	srtt        *prometheus.Desc
	rto         *prometheus.Desc
	cwnd        *prometheus.Desc
	rmtWnd      *prometheus.Desc
	retransmits *prometheus.Desc
	inflight    *prometheus.Desc
}

// NewCollector builds a Collector. namespace prefixes every metric
// name (e.g. "kcpflow"), letting multiple Muxes in one process
// register under distinct namespaces.
func NewCollector(namespace string) *Collector {
	constLabels := prometheus.Labels{}
	label := []string{"conv"}
	return &Collector{
		streams: make(map[uint32]StatsSource),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "datagrams_dropped_total",
			Help:        "Inbound datagrams dropped before or during decode, by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "bytes_sent_total",
			Help:        "Total bytes handed to the underlying transport.",
			ConstLabels: constLabels,
		}),
		bytesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "bytes_received_total",
			Help:        "Total bytes read from the underlying transport.",
			ConstLabels: constLabels,
		}),
		srtt:        prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "stream_srtt_milliseconds"), "Smoothed round-trip time estimate.", label, nil),
		rto:         prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "stream_rto_milliseconds"), "Current retransmission timeout.", label, nil),
		cwnd:        prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "stream_cwnd_segments"), "Congestion window, in segments.", label, nil),
		rmtWnd:      prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "stream_remote_window_segments"), "Peer-advertised receive window, in segments.", label, nil),
		retransmits: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "stream_retransmits_total"), "Segments retransmitted on this stream.", label, nil),
		inflight:    prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "stream_inflight_segments"), "Segments sent but not yet acknowledged.", label, nil),
	}
}

// Add registers a stream to be scraped. Called by the mux when a
// stream is created.
func (c *Collector) Add(conv uint32, s StatsSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streams[conv] = s
}

// Remove stops scraping a stream. Called by the mux once it is torn
// down.
func (c *Collector) Remove(conv uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streams, conv)
}

// Dropped increments the datagram-dropped counter for the given
// reason (e.g. "decrypt_failed", "malformed_segment", "unknown_conv").
func (c *Collector) Dropped(reason string) {
	c.dropped.WithLabelValues(reason).Inc()
}

// AddBytesSent accounts for n bytes handed to the transport.
func (c *Collector) AddBytesSent(n int) { c.bytesSent.Add(float64(n)) }

// AddBytesRecv accounts for n bytes read from the transport.
func (c *Collector) AddBytesRecv(n int) { c.bytesRecv.Add(float64(n)) }

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	c.dropped.Describe(descs)
	descs <- c.bytesSent.Desc()
	descs <- c.bytesRecv.Desc()
	descs <- c.srtt
	descs <- c.rto
	descs <- c.cwnd
	descs <- c.rmtWnd
	descs <- c.retransmits
	descs <- c.inflight
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.dropped.Collect(metrics)
	metrics <- c.bytesSent
	metrics <- c.bytesRecv

	c.mu.Lock()
	defer c.mu.Unlock()
	for conv, s := range c.streams {
		st := s.Stats()
		label := formatConv(conv)
		metrics <- prometheus.MustNewConstMetric(c.srtt, prometheus.GaugeValue, float64(st.SRTT), label)
		metrics <- prometheus.MustNewConstMetric(c.rto, prometheus.GaugeValue, float64(st.RTO), label)
		metrics <- prometheus.MustNewConstMetric(c.cwnd, prometheus.GaugeValue, float64(st.Cwnd), label)
		metrics <- prometheus.MustNewConstMetric(c.rmtWnd, prometheus.GaugeValue, float64(st.RmtWnd), label)
		metrics <- prometheus.MustNewConstMetric(c.retransmits, prometheus.CounterValue, float64(st.Retransmits), label)
		metrics <- prometheus.MustNewConstMetric(c.inflight, prometheus.GaugeValue, float64(st.Inflight), label)
	}
}

func formatConv(conv uint32) string {
	const hex = "0123456789abcdef"
	b := [8]byte{}
	for i := 7; i >= 0; i-- {
		b[i] = hex[conv&0xf]
		conv >>= 4
	}
	return string(b[:])
}

var _ prometheus.Collector = (*Collector)(nil)
