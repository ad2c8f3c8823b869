package backend

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus counters of the streaming sessions.
// It implements ffmpeg.Recorder.
type Metrics struct {
	registry         *prometheus.Registry
	streamsPrepared  prometheus.Counter
	streamsStarted   prometheus.Counter
	streamsStopped   prometheus.Counter
	streamsFailed    prometheus.Counter
	snapshotsFetched prometheus.Counter
	snapshotsSkipped prometheus.Counter
	activeStreams    prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		streamsPrepared: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hkcloudcam_streams_prepared_total",
			Help: "Total number of negotiated streams",
		}),
		streamsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hkcloudcam_streams_started_total",
			Help: "Total number of started ffmpeg processes",
		}),
		streamsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hkcloudcam_streams_stopped_total",
			Help: "Total number of streams stopped by the controller",
		}),
		streamsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hkcloudcam_streams_failed_total",
			Help: "Total number of streams which failed to start or exited abnormally",
		}),
		snapshotsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hkcloudcam_snapshots_fetched_total",
			Help: "Total number of snapshots downloaded from the device",
		}),
		snapshotsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hkcloudcam_snapshots_skipped_total",
			Help: "Total number of snapshot requests skipped by the cooldown",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hkcloudcam_active_streams",
			Help: "Number of running ffmpeg processes",
		}),
	}

	m.registry.MustRegister(
		m.streamsPrepared,
		m.streamsStarted,
		m.streamsStopped,
		m.streamsFailed,
		m.snapshotsFetched,
		m.snapshotsSkipped,
		m.activeStreams,
	)

	return m
}

func (m *Metrics) StreamPrepared()  { m.streamsPrepared.Inc() }
func (m *Metrics) StreamStarted()   { m.streamsStarted.Inc() }
func (m *Metrics) StreamStopped()   { m.streamsStopped.Inc() }
func (m *Metrics) StreamFailed()    { m.streamsFailed.Inc() }
func (m *Metrics) SnapshotFetched() { m.snapshotsFetched.Inc() }
func (m *Metrics) SnapshotSkipped() { m.snapshotsSkipped.Inc() }

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	m.activeStreams.Set(float64(n))
}

// Handler serves the metrics. updateGauges is called before each scrape.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
