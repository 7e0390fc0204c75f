// Package metrics exposes relay pipeline counters on a private Prometheus
// registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector manages metric aggregation and exposure. A nil *Collector is
// valid and records nothing, so library code never needs a guard.
type Collector struct {
	registry *prometheus.Registry

	framesForwarded  *prometheus.CounterVec
	throttleSkips    *prometheus.CounterVec
	engineSends      *prometheus.CounterVec
	engineResponses  *prometheus.CounterVec
	engineReconnects prometheus.Counter
	workerRestarts   prometheus.Counter
	workerAbandoned  prometheus.Counter
	queueFlushes     *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	viewers          prometheus.Gauge
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{registry: reg}

	c.framesForwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_forwarded_total",
		Help: "Worker events forwarded to viewers, by kind",
	}, []string{"kind"})
	reg.MustRegister(c.framesForwarded)

	c.throttleSkips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_throttle_skips_total",
		Help: "Frames skipped by the per-stream throttle, by task",
	}, []string{"task"})
	reg.MustRegister(c.throttleSkips)

	c.engineSends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_engine_sends_total",
		Help: "Frames sent to the AI engine, by task",
	}, []string{"task"})
	reg.MustRegister(c.engineSends)

	c.engineResponses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_engine_responses_total",
		Help: "Responses received from the AI engine, by kind",
	}, []string{"kind"})
	reg.MustRegister(c.engineResponses)

	c.engineReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_engine_reconnects_total",
		Help: "Engine channel reconnect attempts",
	})
	reg.MustRegister(c.engineReconnects)

	c.workerRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_worker_restarts_total",
		Help: "Stream loop restarts after failure",
	})
	reg.MustRegister(c.workerRestarts)

	c.workerAbandoned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_worker_abandoned_total",
		Help: "Streams abandoned after exhausting restart budget",
	})
	reg.MustRegister(c.workerAbandoned)

	c.queueFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_write_queue_flushes_total",
		Help: "Write queue flushes, by outcome",
	}, []string{"outcome"})
	reg.MustRegister(c.queueFlushes)

	c.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_write_queue_depth",
		Help: "Rows written in the most recent flush",
	})
	reg.MustRegister(c.queueDepth)

	c.viewers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_viewers",
		Help: "Connected viewer sessions",
	})
	reg.MustRegister(c.viewers)

	return c
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) FrameForwarded(kind string) {
	if c == nil {
		return
	}
	c.framesForwarded.WithLabelValues(kind).Inc()
}

func (c *Collector) ThrottleSkip(task string) {
	if c == nil {
		return
	}
	c.throttleSkips.WithLabelValues(task).Inc()
}

func (c *Collector) EngineSend(task string) {
	if c == nil {
		return
	}
	c.engineSends.WithLabelValues(task).Inc()
}

func (c *Collector) EngineResponse(kind string) {
	if c == nil {
		return
	}
	c.engineResponses.WithLabelValues(kind).Inc()
}

func (c *Collector) EngineReconnect() {
	if c == nil {
		return
	}
	c.engineReconnects.Inc()
}

func (c *Collector) WorkerRestart() {
	if c == nil {
		return
	}
	c.workerRestarts.Inc()
}

func (c *Collector) WorkerAbandoned() {
	if c == nil {
		return
	}
	c.workerAbandoned.Inc()
}

func (c *Collector) QueueFlush(adds, updates int, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.queueFlushes.WithLabelValues(outcome).Inc()
	c.queueDepth.Set(float64(adds + updates))
}

func (c *Collector) SetViewers(n int) {
	if c == nil {
		return
	}
	c.viewers.Set(float64(n))
}
