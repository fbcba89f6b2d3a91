package conn

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the ConnectionMetrics fields, mutated under a
// dedicated lock separate from the connection's state-machine lock so C3/C7/
// C8 readers never contend with the send/receive hot path.
type Metrics struct {
	mu                 sync.Mutex
	packetsSent        uint64
	packetsReceived    uint64
	bytesSent          uint64
	bytesReceived      uint64
	failedSendAttempts uint64
	averageRttMillis   float64
	lastMetricsUpdate  time.Time
}

// Snapshot is the structured value returned by Connection.stats().
type Snapshot struct {
	PacketsSent        uint64
	PacketsReceived    uint64
	BytesSent          uint64
	BytesReceived      uint64
	FailedSendAttempts uint64
	AverageRttMillis   float64
	LastMetricsUpdate  time.Time
}

func (m *Metrics) recordSent(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packetsSent++
	m.bytesSent += uint64(n)
}

func (m *Metrics) recordReceived(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packetsReceived++
	m.bytesReceived += uint64(n)
}

func (m *Metrics) recordFailure() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedSendAttempts++
	return m.failedSendAttempts
}

func (m *Metrics) resetFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedSendAttempts = 0
}

func (m *Metrics) updateRTT(sample time.Duration, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms := float64(sample) / float64(time.Millisecond)
	if m.averageRttMillis == 0 {
		m.averageRttMillis = ms
	} else {
		// exponential moving average, weight grounded on bken transport.go's
		// jitter/RTT smoothing (client/transport.go updateMetrics).
		const alpha = 0.2
		m.averageRttMillis = alpha*ms + (1-alpha)*m.averageRttMillis
	}
	m.lastMetricsUpdate = now
}

func (m *Metrics) snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		PacketsSent:        m.packetsSent,
		PacketsReceived:    m.packetsReceived,
		BytesSent:          m.bytesSent,
		BytesReceived:      m.bytesReceived,
		FailedSendAttempts: m.failedSendAttempts,
		AverageRttMillis:   m.averageRttMillis,
		LastMetricsUpdate:  m.lastMetricsUpdate,
	}
}

// idGen hands out small process-unique ids for collector labeling.
var idGen uint64

func nextConnID() uint64 { return atomic.AddUint64(&idGen, 1) }

// Collector is a custom prometheus.Collector exporting live Connection
// metrics, grounded on runZeroInc-sockstats's TCPInfoCollector shape
// (pkg/exporter/exporter.go): a registry of live objects walked on each
// Collect(), rather than pre-registered per-connection metric vectors that
// would leak on connection churn.
type Collector struct {
	mu    sync.Mutex
	conns map[uint64]*Connection

	descPacketsSent        *prometheus.Desc
	descPacketsReceived    *prometheus.Desc
	descBytesSent          *prometheus.Desc
	descBytesReceived      *prometheus.Desc
	descFailedSendAttempts *prometheus.Desc
	descAverageRtt         *prometheus.Desc
}

// NewCollector builds a Collector; register it once with a
// prometheus.Registerer at startup.
func NewCollector() *Collector {
	labels := []string{"connection_id", "variant"}
	return &Collector{
		conns:                  make(map[uint64]*Connection),
		descPacketsSent:        prometheus.NewDesc("dcf_connection_packets_sent_total", "Packets sent on this connection.", labels, nil),
		descPacketsReceived:    prometheus.NewDesc("dcf_connection_packets_received_total", "Packets received on this connection.", labels, nil),
		descBytesSent:          prometheus.NewDesc("dcf_connection_bytes_sent_total", "Bytes sent on this connection.", labels, nil),
		descBytesReceived:      prometheus.NewDesc("dcf_connection_bytes_received_total", "Bytes received on this connection.", labels, nil),
		descFailedSendAttempts: prometheus.NewDesc("dcf_connection_failed_send_attempts", "Consecutive failed send attempts.", labels, nil),
		descAverageRtt:         prometheus.NewDesc("dcf_connection_average_rtt_milliseconds", "Smoothed round-trip time.", labels, nil),
	}
}

func (c *Collector) Add(conn *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[conn.id] = conn
}

func (c *Collector) Remove(conn *Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, conn.id)
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.descPacketsSent
	descs <- c.descPacketsReceived
	descs <- c.descBytesSent
	descs <- c.descBytesReceived
	descs <- c.descFailedSendAttempts
	descs <- c.descAverageRtt
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, conn := range c.conns {
		s := conn.stats()
		labels := []string{idLabel(id), conn.variant}
		metrics <- prometheus.MustNewConstMetric(c.descPacketsSent, prometheus.CounterValue, float64(s.PacketsSent), labels...)
		metrics <- prometheus.MustNewConstMetric(c.descPacketsReceived, prometheus.CounterValue, float64(s.PacketsReceived), labels...)
		metrics <- prometheus.MustNewConstMetric(c.descBytesSent, prometheus.CounterValue, float64(s.BytesSent), labels...)
		metrics <- prometheus.MustNewConstMetric(c.descBytesReceived, prometheus.CounterValue, float64(s.BytesReceived), labels...)
		metrics <- prometheus.MustNewConstMetric(c.descFailedSendAttempts, prometheus.GaugeValue, float64(s.FailedSendAttempts), labels...)
		metrics <- prometheus.MustNewConstMetric(c.descAverageRtt, prometheus.GaugeValue, s.AverageRttMillis, labels...)
	}
}

func idLabel(id uint64) string {
	return "conn-" + strconv.FormatUint(id, 10)
}
