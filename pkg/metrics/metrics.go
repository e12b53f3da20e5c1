package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the counters of one decryption run. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	gatherer       prometheus.Gatherer
	filesTotal     *prometheus.CounterVec
	pagesDecrypted prometheus.Counter
	walFrames      *prometheus.CounterVec
	hmacFailures   *prometheus.CounterVec
	bytesWritten   prometheus.Counter
	fileDuration   prometheus.Histogram
}

// NewMetrics creates a metrics instance on its own registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// NewMetricsWithRegistry creates a metrics instance on reg (for testing).
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		filesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wechat_files_total",
				Help: "Database files processed, by result",
			},
			[]string{"result"},
		),
		pagesDecrypted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wechat_pages_decrypted_total",
				Help: "Main database pages decrypted",
			},
		),
		walFrames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wechat_wal_frames_total",
				Help: "WAL frames decrypted, by checksum handling",
			},
			[]string{"checksum"},
		),
		hmacFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wechat_hmac_failures_total",
				Help: "Page authentication failures",
			},
			[]string{"kind"},
		),
		bytesWritten: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wechat_bytes_written_total",
				Help: "Bytes written to the output tree",
			},
		),
		fileDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wechat_file_decrypt_seconds",
				Help:    "Time spent on one database file including its WAL",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
	}
}

// RecordFile counts a finished file. result is one of decrypted, copied or
// failed.
func (m *Metrics) RecordFile(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.filesTotal.WithLabelValues(result).Inc()
	m.fileDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordPages(n int) {
	if m == nil {
		return
	}
	m.pagesDecrypted.Add(float64(n))
}

// RecordWALFrames counts frames whose checksum was recomputed and frames
// whose header was kept.
func (m *Metrics) RecordWALFrames(rewritten, kept int) {
	if m == nil {
		return
	}
	m.walFrames.WithLabelValues("rewritten").Add(float64(rewritten))
	m.walFrames.WithLabelValues("kept").Add(float64(kept))
}

// RecordHMACFailures counts authentication failures; kind is main or wal.
func (m *Metrics) RecordHMACFailures(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.hmacFailures.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) RecordBytes(n int64) {
	if m == nil {
		return
	}
	m.bytesWritten.Add(float64(n))
}

// WriteToTextfile writes every metric in the text exposition format, for
// node_exporter's textfile collector.
func (m *Metrics) WriteToTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.gatherer)
}
