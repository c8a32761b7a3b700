// Package metrics exposes Prometheus instrumentation for the proxy:
// channel/client/chunk counters and gauges, ownership-transition and
// coordination-error counters, and system resource sampling.
//
// Grounded on go-server/internal/metrics/metrics.go's promauto
// construction pattern, adapted from WebSocket-connection-shaped metric
// names to the proxy's channel/chunk/ownership domain.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the proxy registers.
type Metrics struct {
	channelsActive    prometheus.Gauge
	channelsOwned     prometheus.Gauge
	ownershipAcquired prometheus.Counter
	ownershipLost     prometheus.Counter

	clientsActive    prometheus.Gauge
	clientsConnected prometheus.Counter
	clientsGhosted   prometheus.Counter

	chunksAppended prometheus.Counter
	chunkBytes     prometheus.Histogram
	chunkWriteErrs prometheus.Counter

	kvErrors    *prometheus.CounterVec
	eventErrors *prometheus.CounterVec

	keepAlivesSent prometheus.Counter

	goroutines prometheus.Gauge
	memoryMB   prometheus.Gauge
	cpuPercent prometheus.Gauge

	startTime time.Time
	mu        sync.RWMutex
}

// New constructs and registers every collector with the default registry.
func New() *Metrics {
	return &Metrics{
		startTime: time.Now(),

		channelsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "iptv_proxy_channels_active",
			Help: "Number of channels currently known to this worker",
		}),
		channelsOwned: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "iptv_proxy_channels_owned",
			Help: "Number of channels this worker currently owns",
		}),
		ownershipAcquired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "iptv_proxy_ownership_acquired_total",
			Help: "Total number of channel ownership acquisitions by this worker",
		}),
		ownershipLost: promauto.NewCounter(prometheus.CounterOpts{
			Name: "iptv_proxy_ownership_lost_total",
			Help: "Total number of channel ownership losses (demotions) on this worker",
		}),

		clientsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "iptv_proxy_clients_active",
			Help: "Number of HTTP streaming clients currently connected to this worker",
		}),
		clientsConnected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "iptv_proxy_clients_connected_total",
			Help: "Total number of HTTP streaming clients that have connected to this worker",
		}),
		clientsGhosted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "iptv_proxy_clients_ghosted_total",
			Help: "Total number of clients disconnected by the ghost-client heuristic",
		}),

		chunksAppended: promauto.NewCounter(prometheus.CounterOpts{
			Name: "iptv_proxy_chunks_appended_total",
			Help: "Total number of chunks appended across every owned channel",
		}),
		chunkBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "iptv_proxy_chunk_bytes",
			Help:    "Size in bytes of appended chunks",
			Buckets: []float64{4096, 16384, 32768, 65536, 131072},
		}),
		chunkWriteErrs: promauto.NewCounter(prometheus.CounterOpts{
			Name: "iptv_proxy_chunk_kv_write_errors_total",
			Help: "Total number of failed chunk write-throughs to the KV store",
		}),

		kvErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "iptv_proxy_kv_errors_total",
			Help: "Total number of KV store errors by operation",
		}, []string{"op"}),
		eventErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "iptv_proxy_event_bus_errors_total",
			Help: "Total number of event bus errors by operation",
		}, []string{"op"}),

		keepAlivesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "iptv_proxy_keepalives_sent_total",
			Help: "Total number of null TS keep-alive packets sent to stalled clients",
		}),

		goroutines: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "iptv_proxy_goroutines",
			Help: "Number of goroutines running in this worker",
		}),
		memoryMB: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "iptv_proxy_memory_heap_mb",
			Help: "Heap memory in use, in megabytes",
		}),
		cpuPercent: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "iptv_proxy_cpu_percent",
			Help: "System-wide CPU usage percentage",
		}),
	}
}

func (m *Metrics) SetChannelsActive(n int) { m.channelsActive.Set(float64(n)) }
func (m *Metrics) SetChannelsOwned(n int)  { m.channelsOwned.Set(float64(n)) }
func (m *Metrics) IncOwnershipAcquired()   { m.ownershipAcquired.Inc() }
func (m *Metrics) IncOwnershipLost()       { m.ownershipLost.Inc() }

func (m *Metrics) IncClientConnected() {
	m.clientsConnected.Inc()
	m.clientsActive.Inc()
}
func (m *Metrics) DecClientActive()  { m.clientsActive.Dec() }
func (m *Metrics) IncClientGhosted() { m.clientsGhosted.Inc() }

func (m *Metrics) RecordChunkAppended(size int) {
	m.chunksAppended.Inc()
	m.chunkBytes.Observe(float64(size))
}
func (m *Metrics) IncChunkWriteError() { m.chunkWriteErrs.Inc() }

func (m *Metrics) RecordKVError(op string)    { m.kvErrors.WithLabelValues(op).Inc() }
func (m *Metrics) RecordEventError(op string) { m.eventErrors.WithLabelValues(op).Inc() }

func (m *Metrics) IncKeepAliveSent() { m.keepAlivesSent.Inc() }

func (m *Metrics) SetGoroutines(n int)       { m.goroutines.Set(float64(n)) }
func (m *Metrics) SetMemoryMB(mb float64)    { m.memoryMB.Set(mb) }
func (m *Metrics) SetCPUPercent(pct float64) { m.cpuPercent.Set(pct) }

func (m *Metrics) Uptime() time.Duration { return time.Since(m.startTime) }
