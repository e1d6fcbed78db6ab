package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Frame counters
	FramesRead      atomic.Uint64
	FramesProcessed atomic.Uint64
	FramesDropped   atomic.Uint64
	FramesDegraded  atomic.Uint64

	// Zone cache
	ZoneRefreshes  atomic.Uint64
	ZoneCacheReuse atomic.Uint64

	// Errors
	ReadErrors     atomic.Uint64
	DetectorErrors atomic.Uint64
	RecorderErrors atomic.Uint64

	// Last processed frame
	Pedestrians       atomic.Uint64
	PedestriansOnZone atomic.Uint64
	ZonesTracked      atomic.Uint64

	// Latency tracking
	FrameLatencyMs   atomic.Uint64 // capture to result
	ProcessLatencyMs atomic.Uint64 // last ProcessFrame call

	// Viewers
	MJPEGClients atomic.Int64
	SSEClients   atomic.Int64

	// Recording state
	RecordingActive atomic.Uint64 // 0 = inactive, 1 = active
	RecordingBytes  atomic.Uint64
	RecordingFrames atomic.Uint64

	processSeconds prometheus.Histogram
	registry       *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		processSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crosswalk_process_duration_seconds",
			Help:    "Time spent in one ProcessFrame call",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) gauge(name, help string, value func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		value,
	))
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(m.processSeconds)

	m.counter("crosswalk_frames_read_total", "Total frames read from the source", &m.FramesRead)
	m.counter("crosswalk_frames_processed_total", "Total frames run through the pipeline", &m.FramesProcessed)
	m.counter("crosswalk_frames_dropped_total", "Total frames dropped because the pipeline was busy", &m.FramesDropped)
	m.counter("crosswalk_frames_degraded_total", "Total frames returned unannotated after a failure", &m.FramesDegraded)

	m.counter("crosswalk_zone_refreshes_total", "Total zone detector runs", &m.ZoneRefreshes)
	m.counter("crosswalk_zone_cache_reuses_total", "Total frames served from cached zones", &m.ZoneCacheReuse)

	m.counter("crosswalk_read_errors_total", "Total frame source read errors", &m.ReadErrors)
	m.counter("crosswalk_detector_errors_total", "Total detector failures and malformed outputs", &m.DetectorErrors)
	m.counter("crosswalk_recorder_errors_total", "Total recording write errors", &m.RecorderErrors)

	m.gauge("crosswalk_pedestrians", "Pedestrians detected in the last frame",
		func() float64 { return float64(m.Pedestrians.Load()) })
	m.gauge("crosswalk_pedestrians_on_zone", "Pedestrians on a crosswalk in the last frame",
		func() float64 { return float64(m.PedestriansOnZone.Load()) })
	m.gauge("crosswalk_zones", "Crosswalk zones used for the last frame",
		func() float64 { return float64(m.ZonesTracked.Load()) })

	m.gauge("crosswalk_frame_latency_ms", "Capture to result latency of the last frame in milliseconds",
		func() float64 { return float64(m.FrameLatencyMs.Load()) })
	m.gauge("crosswalk_process_latency_ms", "Processing time of the last frame in milliseconds",
		func() float64 { return float64(m.ProcessLatencyMs.Load()) })

	m.gauge("crosswalk_mjpeg_clients", "Connected MJPEG viewers",
		func() float64 { return float64(m.MJPEGClients.Load()) })
	m.gauge("crosswalk_sse_clients", "Connected server-sent event subscribers",
		func() float64 { return float64(m.SSEClients.Load()) })

	m.gauge("crosswalk_recording_active", "Recording active (0=inactive, 1=active)",
		func() float64 { return float64(m.RecordingActive.Load()) })
	m.gauge("crosswalk_recording_bytes", "Bytes written to the current recording",
		func() float64 { return float64(m.RecordingBytes.Load()) })
	m.gauge("crosswalk_recording_frames", "Frames written to the current recording",
		func() float64 { return float64(m.RecordingFrames.Load()) })
}

// ObserveFrame records the outcome of one processed frame.
func (m *Metrics) ObserveFrame(pedestrians, onZone, zones int, refreshed, degraded bool, took time.Duration) {
	m.FramesProcessed.Add(1)
	if degraded {
		m.FramesDegraded.Add(1)
	}
	if refreshed {
		m.ZoneRefreshes.Add(1)
	} else if !degraded {
		m.ZoneCacheReuse.Add(1)
	}
	m.Pedestrians.Store(uint64(pedestrians))
	m.PedestriansOnZone.Store(uint64(onZone))
	m.ZonesTracked.Store(uint64(zones))
	m.UpdateProcessLatency(took)
}

// UpdateFrameLatency updates the capture to result latency
func (m *Metrics) UpdateFrameLatency(captureTime time.Time) {
	m.FrameLatencyMs.Store(uint64(time.Since(captureTime).Milliseconds()))
}

// UpdateProcessLatency updates the processing latency
func (m *Metrics) UpdateProcessLatency(d time.Duration) {
	m.ProcessLatencyMs.Store(uint64(d.Milliseconds()))
	m.processSeconds.Observe(d.Seconds())
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until the listener fails.
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
