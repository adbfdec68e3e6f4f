package chatcore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the set of collectors updated by the Coordinator and the
// PushClient. A nil *Metrics is valid and records nothing.
type Metrics struct {
	eventsApplied   *prometheus.CounterVec
	eventsDuplicate prometheus.Counter
	eventsDropped   *prometheus.CounterVec
	eventsBuffered  prometheus.Counter
	rollbacks       *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	pushConnected   prometheus.Gauge
}

// NewMetrics builds the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatcore_events_applied_total",
				Help: "Total number of push events applied to the local view.",
			},
			[]string{"kind"},
		),
		eventsDuplicate: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatcore_events_duplicate_total",
				Help: "Total number of message events absorbed as duplicates.",
			},
		),
		eventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatcore_events_dropped_total",
				Help: "Total number of push events dropped.",
			},
			[]string{"reason"},
		),
		eventsBuffered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatcore_events_buffered_total",
				Help: "Total number of events buffered while a history fetch was in flight.",
			},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatcore_rollbacks_total",
				Help: "Total number of optimistic updates rolled back.",
			},
			[]string{"intent"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatcore_requests_total",
				Help: "Total number of REST calls issued by the coordinator.",
			},
			[]string{"op", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatcore_request_duration_seconds",
				Help:    "REST call latencies in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		pushConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatcore_push_connected",
				Help: "1 while the push channel is connected.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.eventsApplied,
			m.eventsDuplicate,
			m.eventsDropped,
			m.eventsBuffered,
			m.rollbacks,
			m.requests,
			m.requestDuration,
			m.pushConnected,
		)
	}
	return m
}

func (m *Metrics) incApplied(kind EventKind) {
	if m == nil {
		return
	}
	m.eventsApplied.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) incDuplicate() {
	if m == nil {
		return
	}
	m.eventsDuplicate.Inc()
}

func (m *Metrics) incDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) incBuffered() {
	if m == nil {
		return
	}
	m.eventsBuffered.Inc()
}

func (m *Metrics) incRollback(intent string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(intent).Inc()
}

func (m *Metrics) observeRequest(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.requestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) setConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.pushConnected.Set(1)
	} else {
		m.pushConnected.Set(0)
	}
}
