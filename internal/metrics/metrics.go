// Package metrics exposes controller metrics in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/humidistat/internal/engine"
	"github.com/sweeney/humidistat/internal/logic"
)

// Recorder owns its own registry so tests and multiple instances never
// collide on the global one. All methods are safe on a nil Recorder.
type Recorder struct {
	registry *prometheus.Registry

	cycles           prometheus.Counter
	cycleDuration    prometheus.Histogram
	ticksSkipped     prometheus.Counter
	zoneOutcomes     *prometheus.CounterVec
	commands         *prometheus.CounterVec
	dispatchFailures prometheus.Counter
	readingsIngested prometheus.Counter
	zoneStatus       *prometheus.GaugeVec
	httpRequests     *prometheus.CounterVec
}

// New creates a Recorder with process and Go runtime collectors attached.
func New() *Recorder {
	m := &Recorder{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "humidistat_cycles_total",
			Help: "Control cycles completed.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "humidistat_cycle_duration_seconds",
			Help:    "Wall time of control cycles.",
			Buckets: prometheus.DefBuckets,
		}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "humidistat_ticks_skipped_total",
			Help: "Scheduler ticks skipped because a cycle was still running.",
		}),
		zoneOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "humidistat_zone_outcomes_total",
			Help: "Zone evaluations by outcome.",
		}, []string{"outcome"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "humidistat_commands_total",
			Help: "Status changes dispatched to actuators, by commanded status.",
		}, []string{"status"}),
		dispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "humidistat_dispatch_failures_total",
			Help: "Dispatches the actuator did not acknowledge.",
		}),
		readingsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "humidistat_readings_ingested_total",
			Help: "Sensor readings accepted by the ingestion endpoint.",
		}),
		zoneStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "humidistat_zone_status",
			Help: "Last committed status per zone (1 ON, 0 OFF).",
		}, []string{"zone"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "humidistat_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycles,
		m.cycleDuration,
		m.ticksSkipped,
		m.zoneOutcomes,
		m.commands,
		m.dispatchFailures,
		m.readingsIngested,
		m.zoneStatus,
		m.httpRequests,
	)

	for _, o := range engine.Outcomes {
		m.zoneOutcomes.WithLabelValues(string(o))
	}
	for _, s := range []logic.Status{logic.StatusOn, logic.StatusOff} {
		m.commands.WithLabelValues(string(s))
	}
	return m
}

// Registry exposes the underlying registry.
func (m *Recorder) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCycle records a finished cycle.
func (m *Recorder) ObserveCycle(rep engine.Report) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.cycleDuration.Observe(rep.Duration().Seconds())
	for _, z := range rep.Zones {
		m.zoneOutcomes.WithLabelValues(string(z.Outcome)).Inc()
		if z.Outcome != engine.OutcomeChanged {
			continue
		}
		m.commands.WithLabelValues(string(z.Status)).Inc()
		if z.DispatchErr != nil {
			m.dispatchFailures.Inc()
		}
		v := 0.0
		if z.Status == logic.StatusOn {
			v = 1
		}
		m.zoneStatus.WithLabelValues(strconv.Itoa(z.Zone)).Set(v)
	}
}

// TickSkipped records a tick that found a cycle in progress.
func (m *Recorder) TickSkipped() {
	if m == nil {
		return
	}
	m.ticksSkipped.Inc()
}

// ReadingIngested records an accepted sensor reading.
func (m *Recorder) ReadingIngested() {
	if m == nil {
		return
	}
	m.readingsIngested.Inc()
}

// WrapHandler counts requests to next under route, labelled by status code.
func (m *Recorder) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return promhttp.InstrumentHandlerCounter(m.httpRequests.MustCurryWith(prometheus.Labels{"route": route}), next)
}
