// Package metrics exposes per-camera engine gauges and event counters on
// a dedicated Prometheus registry.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/technosupport/ts-sentinel/internal/shm"
	"github.com/technosupport/ts-sentinel/internal/supervisor"
)

// scrapeInterval is how often the status feed is resampled into gauges.
const scrapeInterval = 2 * time.Second

// StatusSource is the supervisor's merged status feed.
type StatusSource interface {
	Status() []supervisor.Status
}

// Collector polls the status feed and republishes it as gauges. The event
// counter is pushed by the bus consumer as events arrive.
type Collector struct {
	source   StatusSource
	registry *prometheus.Registry

	workerUp        *prometheus.GaugeVec
	uptime          *prometheus.GaugeVec
	framesProcessed *prometheus.GaugeVec
	eventsDetected  *prometheus.GaugeVec
	reconnects      *prometheus.GaugeVec
	persistFailures *prometheus.GaugeVec
	restarts        *prometheus.GaugeVec

	events *prometheus.CounterVec
}

func NewCollector(source StatusSource) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{source: source, registry: reg}

	c.workerUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_worker_up",
		Help: "Whether the camera's worker process is running (1=yes, 0=no)",
	}, []string{"camera_id"})
	reg.MustRegister(c.workerUp)

	c.uptime = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_worker_uptime_seconds",
		Help: "Seconds since the worker process started",
	}, []string{"camera_id"})
	reg.MustRegister(c.uptime)

	c.framesProcessed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_worker_frames_processed",
		Help: "Frames read from the stream in the worker's current run",
	}, []string{"camera_id"})
	reg.MustRegister(c.framesProcessed)

	c.eventsDetected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_worker_events_detected",
		Help: "Events persisted in the worker's current run",
	}, []string{"camera_id"})
	reg.MustRegister(c.eventsDetected)

	c.reconnects = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_worker_reconnects",
		Help: "Stream reconnections in the worker's current run",
	}, []string{"camera_id"})
	reg.MustRegister(c.reconnects)

	c.persistFailures = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_worker_persist_failures",
		Help: "Event persistence failures in the worker's current run",
	}, []string{"camera_id"})
	reg.MustRegister(c.persistFailures)

	c.restarts = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_worker_restarts",
		Help: "Crash restarts the supervisor performed for this camera",
	}, []string{"camera_id"})
	reg.MustRegister(c.restarts)

	c.events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_events_total",
		Help: "Events persisted, by camera and type",
	}, []string{"camera_id", "event_type"})
	reg.MustRegister(c.events)

	return c
}

// IncEvent counts one persisted event.
func (c *Collector) IncEvent(cameraID int64, eventType string) {
	c.events.WithLabelValues(strconv.FormatInt(cameraID, 10), eventType).Inc()
}

func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(scrapeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) collect() {
	for _, st := range c.source.Status() {
		label := strconv.FormatInt(st.CameraID, 10)
		c.workerUp.WithLabelValues(label).Set(upValue(st))
		c.uptime.WithLabelValues(label).Set(st.UptimeSeconds)
		c.framesProcessed.WithLabelValues(label).Set(float64(st.FramesProcessed))
		c.eventsDetected.WithLabelValues(label).Set(float64(st.EventsDetected))
		c.reconnects.WithLabelValues(label).Set(float64(st.Reconnects))
		c.persistFailures.WithLabelValues(label).Set(float64(st.PersistFailures))
		c.restarts.WithLabelValues(label).Set(float64(st.Restarts))
	}
}

func upValue(st supervisor.Status) float64 {
	switch st.State {
	case shm.StateStopped.String(), shm.StateError.String():
		return 0
	}
	if st.RestartPending {
		return 0
	}
	return 1
}
