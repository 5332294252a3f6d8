package acute

// metrics.go contains a thin abstraction over Prometheus so that the
// checkpoint fabric can run with or without metrics. When the user passes a
// *prometheus.Registry via WithMetrics, labeled collectors are registered;
// otherwise a no-op sink is used and the per-chunk path pays nothing.
//
// ┌──────────────────────────────────────┬──────┬────────┐
// │ Metric                               │ Type │ Labels │
// ├──────────────────────────────────────┼──────┼────────┤
// │ acute_snapshots_serialized_total     │ Ctr  │        │
// │ acute_chunk_bytes_sent_total         │ Ctr  │        │
// │ acute_chunks_received_total          │ Ctr  │ shard  │
// │ acute_chunk_bytes_received_total     │ Ctr  │ shard  │
// │ acute_flushes_total                  │ Ctr  │        │
// │ acute_flush_bytes_total              │ Ctr  │        │
// │ acute_flush_duration_seconds         │ Hst  │        │
// │ acute_dirty_slots                    │ Gge  │        │
// └──────────────────────────────────────┴──────┴────────┘
//
// © 2025 ACUTE authors. MIT License.

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsSink is the internal interface abstracting the concrete backend.
// Trainer and Remote only know about these methods.
type metricsSink interface {
	incSerialized()
	addChunkBytesSent(n int)
	incChunkReceived(shard, n int)
	incFlush(n int, dur time.Duration)
	setDirtySlots(n int)
}

/*
   ---------------- No-op implementation ----------------
*/

type noopMetrics struct{}

func (noopMetrics) incSerialized()              {}
func (noopMetrics) addChunkBytesSent(int)       {}
func (noopMetrics) incChunkReceived(int, int)   {}
func (noopMetrics) incFlush(int, time.Duration) {}
func (noopMetrics) setDirtySlots(int)           {}

/*
   ---------------- Prometheus implementation ----------------
*/

type promMetrics struct {
	serialized    prometheus.Counter
	bytesSent     prometheus.Counter
	chunksRecv    *prometheus.CounterVec
	chunkBytes    *prometheus.CounterVec
	flushes       prometheus.Counter
	flushBytes    prometheus.Counter
	flushDuration prometheus.Histogram
	dirtySlots    prometheus.Gauge
}

func newPromMetrics(reg *prometheus.Registry) *promMetrics {
	label := []string{"shard"}

	pm := &promMetrics{
		serialized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "acute",
			Name:      "snapshots_serialized_total",
			Help:      "Number of snapshots serialized by the copier.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "acute",
			Name:      "chunk_bytes_sent_total",
			Help:      "Bytes of checkpoint chunks handed to the fabric.",
		}),
		chunksRecv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acute",
			Name:      "chunks_received_total",
			Help:      "Checkpoint chunks received on the remote sink.",
		}, label),
		chunkBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "acute",
			Name:      "chunk_bytes_received_total",
			Help:      "Bytes of checkpoint chunks received on the remote sink.",
		}, label),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "acute",
			Name:      "flushes_total",
			Help:      "Checkpoint files durably written.",
		}),
		flushBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "acute",
			Name:      "flush_bytes_total",
			Help:      "Bytes durably written to checkpoint files.",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "acute",
			Name:      "flush_duration_seconds",
			Help:      "Wall time of one write+fsync+close sequence.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		dirtySlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "acute",
			Name:      "dirty_slots",
			Help:      "Remote buffer slots currently claimed.",
		}),
	}

	reg.MustRegister(pm.serialized, pm.bytesSent, pm.chunksRecv, pm.chunkBytes,
		pm.flushes, pm.flushBytes, pm.flushDuration, pm.dirtySlots)
	return pm
}

/*
   -------- promMetrics implements metricsSink --------
*/

func (m *promMetrics) incSerialized() { m.serialized.Inc() }

func (m *promMetrics) addChunkBytesSent(n int) { m.bytesSent.Add(float64(n)) }

func (m *promMetrics) incChunkReceived(shard, n int) {
	s := strconv.Itoa(shard)
	m.chunksRecv.WithLabelValues(s).Inc()
	m.chunkBytes.WithLabelValues(s).Add(float64(n))
}

func (m *promMetrics) incFlush(n int, dur time.Duration) {
	m.flushes.Inc()
	m.flushBytes.Add(float64(n))
	m.flushDuration.Observe(dur.Seconds())
}

func (m *promMetrics) setDirtySlots(n int) { m.dirtySlots.Set(float64(n)) }

/*
   ---------------- Factory ----------------
*/

// newMetricsSink decides which implementation to use.
func newMetricsSink(reg *prometheus.Registry) metricsSink {
	if reg == nil {
		return noopMetrics{}
	}
	return newPromMetrics(reg)
}
