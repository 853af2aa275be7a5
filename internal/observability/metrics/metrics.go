// Package metrics exposes broadcast activity as Prometheus collectors fed by the event bus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rolecast/internal/broadcast"
	"rolecast/internal/eventbus"
)

const namespace = "rolecast"

// Sources are read at scrape time. Nil funcs report zero.
type Sources struct {
	Pending       func() int
	BusDropped    func() uint64
	UpdateDropped func() uint64
}

type Metrics struct {
	reg *prometheus.Registry

	broadcasts *prometheus.CounterVec   // group, outcome
	recipients *prometheus.CounterVec   // group, result
	duration   *prometheus.HistogramVec // group
	lifecycle  *prometheus.CounterVec   // event
}

func New(src Sources) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Broadcast passes by group and outcome.",
		}, []string{"group", "outcome"}),
		recipients: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recipients_total",
			Help:      "Direct messages attempted by group and result.",
		}, []string{"group", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_duration_seconds",
			Help:      "Wall time of a broadcast pass including message lookup.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"group"}),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_events_total",
			Help:      "Scheduled broadcast lifecycle events.",
		}, []string{"event"}),
	}

	m.reg.MustRegister(
		m.broadcasts, m.recipients, m.duration, m.lifecycle,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduled_pending",
			Help:      "Scheduled broadcasts waiting to fire.",
		}, func() float64 { return float64(call(src.Pending)) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_total",
			Help:      "Events dropped on full subscriber buffers.",
		}, func() float64 { return float64(call(src.BusDropped)) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "updates_dropped_pending",
			Help:      "Inbound chat updates dropped since the last adapter drop report.",
		}, func() float64 { return float64(call(src.UpdateDropped)) }),
	)
	return m
}

func call[T int | uint64](fn func() T) T {
	if fn == nil {
		return 0
	}
	return fn()
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Run records bus events until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256,
		broadcast.EventDelivered,
		broadcast.EventFailed,
		broadcast.EventScheduled,
		broadcast.EventFired,
		broadcast.EventCancelled,
	)
	defer unsub()
	eventbus.Consume(ctx, ch, m.Observe)
}

func (m *Metrics) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case broadcast.Outcome:
		g := d.Group.String()
		outcome := "delivered"
		if e.Type == broadcast.EventFailed {
			outcome = "failed"
		}
		m.broadcasts.WithLabelValues(g, outcome).Inc()
		m.recipients.WithLabelValues(g, "delivered").Add(float64(d.Tally.Delivered))
		m.recipients.WithLabelValues(g, "failed").Add(float64(d.Tally.Failed))
		m.duration.WithLabelValues(g).Observe(d.Took.Seconds())
	case broadcast.Job:
		m.lifecycle.WithLabelValues(e.Type).Inc()
	}
}
