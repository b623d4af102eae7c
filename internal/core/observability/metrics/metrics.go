// Package metrics exposes prometheus collectors for the sync engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "decksync"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	PersistBatches   *prometheus.CounterVec
	RecordsPosted    prometheus.Counter
	PersistLatency   prometheus.Histogram
	AssetUploads     *prometheus.CounterVec
	AssetBytes       prometheus.Counter
	RealtimeMessages *prometheus.CounterVec
	Reconnects       prometheus.Counter
	Refreshes        *prometheus.CounterVec
	CacheWrites      *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		PersistBatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "persist_batches_total", Help: "Persist cycles by result."},
			[]string{"result"},
		),
		RecordsPosted: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "records_posted_total", Help: "Sync records sent to the record service."},
		),
		PersistLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{Namespace: namespace, Name: "persist_duration_seconds", Help: "Wall time of a persist cycle.", Buckets: prometheus.DefBuckets},
		),
		AssetUploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "asset_uploads_total", Help: "Asset uploads by outcome (uploaded, skipped, opened, failed)."},
			[]string{"outcome"},
		),
		AssetBytes: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "asset_upload_bytes_total", Help: "Bytes sent while uploading assets."},
		),
		RealtimeMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "realtime_messages_total", Help: "Realtime messages by envelope type."},
			[]string{"type"},
		),
		Reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "realtime_reconnects_total", Help: "Realtime channel reconnect attempts."},
		),
		Refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "refreshes_total", Help: "Document list refreshes by result."},
			[]string{"result"},
		),
		CacheWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "cache_writes_total", Help: "Local cache writes by key."},
			[]string{"key"},
		),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.PersistBatches, m.RecordsPosted, m.PersistLatency,
		m.AssetUploads, m.AssetBytes,
		m.RealtimeMessages, m.Reconnects,
		m.Refreshes, m.CacheWrites,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObservePersist(ok bool, records int, took time.Duration) {
	if m == nil {
		return
	}
	m.PersistBatches.WithLabelValues(result(ok)).Inc()
	m.RecordsPosted.Add(float64(records))
	m.PersistLatency.Observe(took.Seconds())
}

func (m *Metrics) ObserveUpload(outcome string, bytes int) {
	if m == nil {
		return
	}
	m.AssetUploads.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		m.AssetBytes.Add(float64(bytes))
	}
}

func (m *Metrics) ObserveRealtime(messageType string) {
	if m == nil {
		return
	}
	m.RealtimeMessages.WithLabelValues(messageType).Inc()
}

func (m *Metrics) ObserveReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) ObserveRefresh(ok bool) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) ObserveCacheWrite(key string) {
	if m == nil {
		return
	}
	m.CacheWrites.WithLabelValues(key).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
