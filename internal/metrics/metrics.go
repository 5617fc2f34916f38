// Package metrics turns event bus traffic into Prometheus series.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clockbot/internal/eventbus"
	"clockbot/internal/task/engine"
	logx "clockbot/pkg/logx"
)

const namespace = "clockbot"

type Metrics struct {
	reg *prometheus.Registry
	log logx.Logger

	ticks         *prometheus.CounterVec
	tasks         *prometheus.CounterVec
	taskDuration  prometheus.Histogram
	actionsFailed prometheus.Counter
	notifications *prometheus.CounterVec
	dueLastTick   prometheus.Gauge
}

// New builds a private registry with process and Go collectors plus the
// clockbot series. pending, when non-nil, is sampled on every scrape.
func New(log logx.Logger, pending func() int) *Metrics {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		log: log,
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Scheduler passes by result (started or skipped).",
		}, []string{"result"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Finished scheduled tasks by outcome.",
		}, []string{"outcome"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time spent running one scheduled task.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 90},
		}),
		actionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_failed_total",
			Help:      "Remote clock-in attempts that failed.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Outbound notifications by result.",
		}, []string{"result"}),
		dueLastTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "due_last_tick",
			Help:      "Tasks that were due in the most recent pass.",
		}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticks, m.tasks, m.taskDuration, m.actionsFailed, m.notifications, m.dueLastTick,
	)
	if pending != nil {
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_tasks",
			Help:      "Tasks waiting for their scheduled time.",
		}, func() float64 { return float64(pending()) }))
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}

// Observe folds one event into the series.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TickStarted:
		m.ticks.WithLabelValues("started").Inc()
		if te, ok := ev.Data.(engine.TickEvent); ok {
			m.dueLastTick.Set(float64(te.Due))
		}
	case eventbus.TickSkipped:
		m.ticks.WithLabelValues("skipped").Inc()
	case eventbus.TaskExecuted, eventbus.TaskFailed:
		outcome := "executed"
		if ev.Type == eventbus.TaskFailed {
			outcome = "failed"
		}
		m.tasks.WithLabelValues(outcome).Inc()
		if te, ok := ev.Data.(engine.TaskEvent); ok {
			m.taskDuration.Observe(te.Duration.Seconds())
		}
	case eventbus.ActionFailed:
		m.actionsFailed.Inc()
	case eventbus.NotifySent:
		m.notifications.WithLabelValues("sent").Inc()
	case eventbus.NotifyFailed:
		m.notifications.WithLabelValues("failed").Inc()
	case eventbus.NotifyDropped:
		m.notifications.WithLabelValues("dropped").Inc()
	case eventbus.NotifyDeduped:
		m.notifications.WithLabelValues("deduped").Inc()
	default:
		m.log.Debug("metrics: unhandled event", logx.String("type", ev.Type))
	}
}
