// Package metrics exports the counters of a sync run in the Prometheus
// text format, for the node exporter textfile collector.
package metrics

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Results of a package sync, used as the "result" label.
const (
	ResultUploaded        = "uploaded"
	ResultPromoted        = "promoted"
	ResultAlreadyPromoted = "already_promoted"
	ResultSkipped         = "skipped"
	ResultChecksumFailed  = "checksum_failed"
)

// Metrics holds the counters of one run on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	KeysSynced       prometheus.Counter
	Packages         *prometheus.CounterVec
	BytesTransferred prometheus.Counter
	LastSuccess      prometheus.Gauge
}

// New creates Metrics with every result label initialized to zero.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		KeysSynced: factory.NewCounter(prometheus.CounterOpts{
			Name: "depotsync_keys_synced_total",
			Help: "Number of origin key revisions uploaded to the destination depot.",
		}),
		Packages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "depotsync_packages_total",
			Help: "Number of packages visited by the sync driver, by result.",
		}, []string{"result"}),
		BytesTransferred: factory.NewCounter(prometheus.CounterOpts{
			Name: "depotsync_bytes_transferred_total",
			Help: "Number of artifact bytes uploaded to the destination depot.",
		}),
		LastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "depotsync_last_success_timestamp_seconds",
			Help: "Unix time of the last run that completed without a fatal error.",
		}),
	}
	for _, r := range []string{ResultUploaded, ResultPromoted, ResultAlreadyPromoted, ResultSkipped, ResultChecksumFailed} {
		m.Packages.WithLabelValues(r)
	}
	return m
}

// Package counts one package with result.
func (m *Metrics) Package(result string) {
	m.Packages.WithLabelValues(result).Inc()
}

// Succeeded records the completion time of a run.
func (m *Metrics) Succeeded(t time.Time) {
	m.LastSuccess.Set(float64(t.Unix()))
}

// WriteTextfile writes the metrics to path in the text exposition format.
// The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return errors.Wrapf(err, "write metrics to %s", path)
	}
	return nil
}
