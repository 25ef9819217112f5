// Package metrics exposes Prometheus collectors for recording and playback.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nexusarchive"

type Metrics struct {
	RecordsRecorded   *prometheus.CounterVec
	BatchesAppended   *prometheus.CounterVec
	BytesWritten      *prometheus.CounterVec
	AppendRetries     *prometheus.CounterVec
	AppendDuration    *prometheus.HistogramVec
	Flushes           *prometheus.CounterVec
	TimestampsClamped *prometheus.CounterVec
	RecordingsActive  prometheus.Gauge

	CorruptBatches *prometheus.CounterVec
	IndexRebuilds  *prometheus.CounterVec

	RecordsPublished *prometheus.CounterVec
	PlaybackState    *prometheus.GaugeVec
	PlaybackPosition *prometheus.GaugeVec
}

// New creates the collectors and registers them with registerer.
// A nil registerer uses a fresh private registry, which keeps tests independent.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	f := promauto.With(registerer)
	return &Metrics{
		RecordsRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "recorder", Name: "records_total",
			Help: "Records accepted into batches.",
		}, []string{"segment"}),
		BatchesAppended: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "segment", Name: "batches_appended_total",
			Help: "Batches committed to a segment.",
		}, []string{"segment"}),
		BytesWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "segment", Name: "bytes_written_total",
			Help: "Frame bytes committed to a segment.",
		}, []string{"segment"}),
		AppendRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "recorder", Name: "append_retries_total",
			Help: "Batch append attempts that failed and were retried.",
		}, []string{"segment"}),
		AppendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "segment", Name: "append_duration_seconds",
			Help:    "Time to write and commit one batch frame.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 10),
		}, []string{"segment"}),
		Flushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "segment", Name: "flushes_total",
			Help: "Durable flushes (fsync and index rewrite).",
		}, []string{"segment"}),
		TimestampsClamped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "recorder", Name: "timestamps_clamped_total",
			Help: "Updates whose timestamp went backwards and was clamped.",
		}, []string{"segment"}),
		RecordingsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "recorder", Name: "recordings_active",
			Help: "Recordings currently running.",
		}),
		CorruptBatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "segment", Name: "corrupt_batches_total",
			Help: "Batches that failed checksum or framing validation.",
		}, []string{"segment"}),
		IndexRebuilds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "segment", Name: "index_rebuilds_total",
			Help: "Time index scans performed on open, by reason.",
		}, []string{"segment", "reason"}),
		RecordsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "playback", Name: "records_published_total",
			Help: "Records republished by a playback controller.",
		}, []string{"player"}),
		PlaybackState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "playback", Name: "state",
			Help: "Controller state: 0 stopped, 1 playing, 2 paused, 3 seeking.",
		}, []string{"player"}),
		PlaybackPosition: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "playback", Name: "position_seconds",
			Help: "Unix time of the last record published.",
		}, []string{"player"}),
	}
}

func (m *Metrics) ObserveRecord(segment string) {
	if m == nil {
		return
	}
	m.RecordsRecorded.WithLabelValues(segment).Inc()
}

func (m *Metrics) ObserveAppend(segment string, frameBytes int, took time.Duration) {
	if m == nil {
		return
	}
	m.BatchesAppended.WithLabelValues(segment).Inc()
	m.BytesWritten.WithLabelValues(segment).Add(float64(frameBytes))
	m.AppendDuration.WithLabelValues(segment).Observe(took.Seconds())
}

func (m *Metrics) ObserveRetry(segment string) {
	if m == nil {
		return
	}
	m.AppendRetries.WithLabelValues(segment).Inc()
}

func (m *Metrics) ObserveFlush(segment string) {
	if m == nil {
		return
	}
	m.Flushes.WithLabelValues(segment).Inc()
}

func (m *Metrics) ObserveClamp(segment string) {
	if m == nil {
		return
	}
	m.TimestampsClamped.WithLabelValues(segment).Inc()
}

func (m *Metrics) RecordingStarted() {
	if m == nil {
		return
	}
	m.RecordingsActive.Inc()
}

func (m *Metrics) RecordingStopped() {
	if m == nil {
		return
	}
	m.RecordingsActive.Dec()
}

func (m *Metrics) ObserveCorruptBatch(segment string) {
	if m == nil {
		return
	}
	m.CorruptBatches.WithLabelValues(segment).Inc()
}

func (m *Metrics) ObserveIndexRebuild(segment, reason string) {
	if m == nil {
		return
	}
	m.IndexRebuilds.WithLabelValues(segment, reason).Inc()
}

func (m *Metrics) ObservePublish(player string, ts int64) {
	if m == nil {
		return
	}
	m.RecordsPublished.WithLabelValues(player).Inc()
	m.PlaybackPosition.WithLabelValues(player).Set(float64(ts) / float64(time.Second))
}

func (m *Metrics) SetPlaybackState(player string, state int) {
	if m == nil {
		return
	}
	m.PlaybackState.WithLabelValues(player).Set(float64(state))
}
