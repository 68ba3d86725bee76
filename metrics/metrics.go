// Package metrics exposes Prometheus collectors for split readers.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "shardreader"

// Reader holds the collectors updated by a split reader. A nil *Reader is
// valid and records nothing.
type Reader struct {
	fetchDuration      prometheus.Histogram
	recordsFetched     *prometheus.CounterVec
	finishedSplits     prometheus.Counter
	activeSplits       prometheus.Gauge
	proxyErrors        *prometheus.CounterVec
	millisBehindLatest *prometheus.GaugeVec
}

// NewReader creates the reader collectors and registers them with reg.
// A nil reg skips registration.
func NewReader(reg prometheus.Registerer) (*Reader, error) {
	m := &Reader{
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of one poll cycle over all active splits.",
			Buckets:   prometheus.DefBuckets,
		}),
		recordsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_fetched_total",
			Help:      "Records fetched per split.",
		}, []string{"split"}),
		finishedSplits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finished_splits_total",
			Help:      "Splits whose shard was reported closed.",
		}),
		activeSplits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_splits",
			Help:      "Splits currently polled by the reader.",
		}),
		proxyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_errors_total",
			Help:      "Stream proxy calls that returned an error.",
		}, []string{"op"}),
		millisBehindLatest: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "millis_behind_latest",
			Help:      "How far behind the tip of the shard the last read was.",
		}, []string{"split"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.fetchDuration, m.recordsFetched, m.finishedSplits,
			m.activeSplits, m.proxyErrors, m.millisBehindLatest,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// ObserveFetch records the duration of one poll cycle.
func (m *Reader) ObserveFetch(d time.Duration) {
	if m == nil {
		return
	}
	m.fetchDuration.Observe(d.Seconds())
}

// AddRecords counts n records fetched for a split.
func (m *Reader) AddRecords(split string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.recordsFetched.WithLabelValues(split).Add(float64(n))
}

// SetMillisBehindLatest records the lag reported for a split.
func (m *Reader) SetMillisBehindLatest(split string, ms int64) {
	if m == nil {
		return
	}
	m.millisBehindLatest.WithLabelValues(split).Set(float64(ms))
}

// SplitFinished counts a finished split and drops its per-split series.
func (m *Reader) SplitFinished(split string) {
	if m == nil {
		return
	}
	m.finishedSplits.Inc()
	m.millisBehindLatest.DeleteLabelValues(split)
}

// SplitRemoved drops the per-split series of a revoked split.
func (m *Reader) SplitRemoved(split string) {
	if m == nil {
		return
	}
	m.millisBehindLatest.DeleteLabelValues(split)
}

// SetActiveSplits records the size of the active split set.
func (m *Reader) SetActiveSplits(n int) {
	if m == nil {
		return
	}
	m.activeSplits.Set(float64(n))
}

// ProxyError counts a failed proxy call.
func (m *Reader) ProxyError(op string) {
	if m == nil {
		return
	}
	m.proxyErrors.WithLabelValues(op).Inc()
}
