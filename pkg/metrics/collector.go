// Package metrics implements the Prometheus collector for a replication
// connection, grounded directly on the teacher's pkg/exporter
// (TCPInfoCollector): a mutex-guarded struct implementing
// prometheus.Collector, with push-style counters/histograms updated as
// events happen and pull-style gauges sampled live at scrape time.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
)

// Collector reports checkpoint cadence, downtime, RDMA completions and
// keepalive health for one replication connection.
type Collector struct {
	mu sync.Mutex

	checkpoints       prometheus.Counter
	downtime          prometheus.Histogram
	ackLatency        prometheus.Histogram
	rdmaCompletions   *prometheus.CounterVec
	compressedChunks  prometheus.Counter
	keepaliveMisses   prometheus.Counter
	bufferingDisabled prometheus.Counter

	slabCountDesc      *prometheus.Desc
	slabBytesDesc      *prometheus.Desc
	inflightChunksDesc *prometheus.Desc

	slabCountFn      func() float64
	slabBytesFn      func() float64
	inflightChunksFn func() float64
}

// NewCollector builds a Collector with the given constant labels (e.g.
// {"role": "primary", "peer": "10.0.0.2"}), matching the teacher's
// exporter.NewTCPInfoCollector(prefix, labelNames, constLabels, logger)
// shape. If constLabels has no "id" entry, one is generated with xid, the
// same per-connection ID scheme the teacher's exporter_example2 tags onto
// each accepted connection.
func NewCollector(constLabels prometheus.Labels) *Collector {
	if constLabels == nil {
		constLabels = prometheus.Labels{}
	}
	if _, ok := constLabels["id"]; !ok {
		constLabels["id"] = xid.New().String()
	}
	return &Collector{
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "mccore",
			Name:        "checkpoints_total",
			Help:        "Micro-checkpoints committed and acknowledged.",
			ConstLabels: constLabels,
		}),
		downtime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "mccore",
			Name:        "checkpoint_downtime_seconds",
			Help:        "Guest downtime (pause to resume) per checkpoint.",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		ackLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "mccore",
			Name:        "checkpoint_ack_latency_seconds",
			Help:        "Time from COMMIT send to ACK receipt.",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		rdmaCompletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "mccore",
			Name:        "rdma_completions_total",
			Help:        "RDMA work-completions observed, by type.",
			ConstLabels: constLabels,
		}, []string{"type"}),
		compressedChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "mccore",
			Name:        "compressed_chunks_total",
			Help:        "All-zero chunks elided via COMPRESS instead of an RDMA WRITE.",
			ConstLabels: constLabels,
		}),
		keepaliveMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "mccore",
			Name:        "keepalive_misses_total",
			Help:        "Keepalive watcher ticks where the counter did not advance.",
			ConstLabels: constLabels,
		}),
		bufferingDisabled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "mccore",
			Name:        "traffic_buffer_disabled_total",
			Help:        "Times the traffic buffer downgraded to off at runtime.",
			ConstLabels: constLabels,
		}),
		slabCountDesc:      gaugeDescs.SlabCount(constLabels),
		slabBytesDesc:      gaugeDescs.SlabBytes(constLabels),
		inflightChunksDesc: gaugeDescs.InflightChunks(constLabels),
		slabCountFn:        func() float64 { return 0 },
		slabBytesFn:        func() float64 { return 0 },
		inflightChunksFn:   func() float64 { return 0 },
	}
}

var _ prometheus.Collector = (*Collector)(nil)

// SetSlabGaugeFuncs wires live gauge sampling to the staging ring.
func (c *Collector) SetSlabGaugeFuncs(count, bytes func() float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slabCountFn = count
	c.slabBytesFn = bytes
}

// SetInflightChunksFunc wires live gauge sampling to the write engine's
// transit bitmap population count.
func (c *Collector) SetInflightChunksFunc(fn func() float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflightChunksFn = fn
}

// ObserveCheckpoint records one committed-and-acknowledged checkpoint.
func (c *Collector) ObserveCheckpoint(downtime, ackLatency time.Duration) {
	c.checkpoints.Inc()
	c.downtime.Observe(downtime.Seconds())
	c.ackLatency.Observe(ackLatency.Seconds())
}

// ObserveRDMACompletion tags one work-completion by type ("write",
// "control-send", "control-recv", "keepalive").
func (c *Collector) ObserveRDMACompletion(kind string) {
	c.rdmaCompletions.WithLabelValues(kind).Inc()
}

// ObserveCompressedChunk records one all-zero chunk elided via COMPRESS.
func (c *Collector) ObserveCompressedChunk() {
	c.compressedChunks.Inc()
}

// ObserveKeepaliveMiss records one missed keepalive tick.
func (c *Collector) ObserveKeepaliveMiss() {
	c.keepaliveMisses.Inc()
}

// ObserveBufferingDisabled records a runtime downgrade of the traffic
// buffer to off.
func (c *Collector) ObserveBufferingDisabled() {
	c.bufferingDisabled.Inc()
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.checkpoints.Describe(ch)
	c.downtime.Describe(ch)
	c.ackLatency.Describe(ch)
	c.rdmaCompletions.Describe(ch)
	c.compressedChunks.Describe(ch)
	c.keepaliveMisses.Describe(ch)
	c.bufferingDisabled.Describe(ch)
	ch <- c.slabCountDesc
	ch <- c.slabBytesDesc
	ch <- c.inflightChunksDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.checkpoints.Collect(ch)
	c.downtime.Collect(ch)
	c.ackLatency.Collect(ch)
	c.rdmaCompletions.Collect(ch)
	c.compressedChunks.Collect(ch)
	c.keepaliveMisses.Collect(ch)
	c.bufferingDisabled.Collect(ch)

	c.mu.Lock()
	slabCountFn, slabBytesFn, inflightFn := c.slabCountFn, c.slabBytesFn, c.inflightChunksFn
	c.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(c.slabCountDesc, prometheus.GaugeValue, slabCountFn())
	ch <- prometheus.MustNewConstMetric(c.slabBytesDesc, prometheus.GaugeValue, slabBytesFn())
	ch <- prometheus.MustNewConstMetric(c.inflightChunksDesc, prometheus.GaugeValue, inflightFn())
}
