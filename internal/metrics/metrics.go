package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tanq16/voxpull/internal/state"
)

type Collector struct {
	registry *prometheus.Registry

	Attempts         *prometheus.CounterVec
	Installs         *prometheus.CounterVec
	Failures         *prometheus.CounterVec
	StateUpdates     *prometheus.CounterVec
	BytesTransferred prometheus.Counter
	InstallDuration  prometheus.Histogram
	ActiveInstalls   prometheus.Gauge
	QueueDepth       prometheus.Gauge
}

// New registers every collector on reg, or on a fresh registry when reg is
// nil.
func New(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,
		Attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxpull_install_attempts_total",
				Help: "Install attempts started, by asset kind",
			},
			[]string{"kind"},
		),
		Installs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxpull_installs_total",
				Help: "Finished install calls, by outcome",
			},
			[]string{"outcome"},
		),
		Failures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxpull_install_failures_total",
				Help: "Classified attempt failures",
			},
			[]string{"action", "category"},
		),
		StateUpdates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxpull_state_updates_total",
				Help: "State changes published on the state feed",
			},
			[]string{"status"},
		),
		BytesTransferred: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "voxpull_transferred_bytes_total",
				Help: "Payload bytes written by transfers",
			},
		),
		InstallDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "voxpull_install_duration_seconds",
				Help:    "Wall time of successful installs",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
		),
		ActiveInstalls: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "voxpull_active_installs",
				Help: "Installs currently running",
			},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "voxpull_queue_pending",
				Help: "Items waiting in the download queue",
			},
		),
	}
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) Attempt(isCore bool) {
	kind := "voice"
	if isCore {
		kind = "core"
	}
	c.Attempts.WithLabelValues(kind).Inc()
}

func (c *Collector) Transferred(n int64) {
	if n > 0 {
		c.BytesTransferred.Add(float64(n))
	}
}

func (c *Collector) Failure(action, category string) {
	c.Failures.WithLabelValues(action, category).Inc()
}

func (c *Collector) Finished(outcome string, d time.Duration) {
	c.Installs.WithLabelValues(outcome).Inc()
	if outcome == "installed" {
		c.InstallDuration.Observe(d.Seconds())
	}
}

func (c *Collector) InFlight(delta int) {
	c.ActiveInstalls.Add(float64(delta))
}

func (c *Collector) Pending(n int) {
	c.QueueDepth.Set(float64(n))
}

// Observe lets the collector sit on the state feed.
func (c *Collector) Observe(st state.DownloadState) {
	c.StateUpdates.WithLabelValues(string(st.Status)).Inc()
}

// WriteTextfile exports the registry in the node-exporter textfile format.
func (c *Collector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.registry)
}
