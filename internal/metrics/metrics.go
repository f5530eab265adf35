// Package metrics exposes Prometheus collectors for the HTTP API, the
// notification runs and the confirmation queue.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"labkeeper/internal/eventbus"
)

const namespace = "labkeeper"

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	reg *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	notifications *prometheus.CounterVec
	invalidItems  prometheus.Counter
	runs          *prometheus.CounterVec
	runDuration   prometheus.Histogram
	lastRun       prometheus.Gauge
	ledgerErrors  prometheus.Counter
	confirmations *prometheus.CounterVec
	triggers      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Expiration notifications by category and outcome",
		}, []string{"category", "outcome"}),
		invalidItems: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_invalid_items_total",
			Help:      "Items skipped by notification runs because they failed validation",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_runs_total",
			Help:      "Notification runs by result",
		}, []string{"result", "dry_run"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notify_run_duration_seconds",
			Help:      "Duration of notification runs",
			Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 300},
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notify_last_success_timestamp_seconds",
			Help:      "Unix time of the last notification run that completed without a fatal error",
		}),
		ledgerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_save_errors_total",
			Help:      "Notification ledger writes that failed",
		}),
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_total",
			Help:      "Confirmation mails by kind and outcome",
		}, []string{"kind", "outcome"}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_triggers_total",
			Help:      "Scheduled job triggers by outcome (ok, error, skipped)",
		}, []string{"job", "outcome"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpDuration,
		m.notifications, m.invalidItems, m.runs, m.runDuration, m.lastRun, m.ledgerErrors,
		m.confirmations, m.triggers,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ItemCounts registers gauges reading the item store on every scrape.
func (m *Metrics) ItemCounts(fn func(ctx context.Context) (active, archived int, err error)) {
	read := func(pick func(a, b int) int) func() float64 {
		return func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			a, b, err := fn(ctx)
			if err != nil {
				return -1
			}
			return float64(pick(a, b))
		}
	}
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "items_active", Help: "Items currently in storage",
		}, read(func(a, _ int) int { return a })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "items_archived", Help: "Items picked up",
		}, read(func(_, b int) int { return b })),
	)
}

// Middleware records request count and latency labelled by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		m.httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
	})
}

// Observe updates collectors from one bus event. Unknown events are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.NotifySent, eventbus.NotifyFailed, eventbus.NotifyPlanned:
		ev, ok := e.Data.(eventbus.NotifyEvent)
		if !ok {
			return
		}
		outcome := map[string]string{
			eventbus.NotifySent:    "sent",
			eventbus.NotifyFailed:  "failed",
			eventbus.NotifyPlanned: "planned",
		}[e.Type]
		m.notifications.WithLabelValues(ev.Category, outcome).Inc()
	case eventbus.NotifyInvalid:
		m.invalidItems.Inc()
	case eventbus.NotifyRun:
		ev, ok := e.Data.(eventbus.RunEvent)
		if !ok {
			return
		}
		result := "ok"
		if ev.Err != "" {
			result = "error"
		}
		m.runs.WithLabelValues(result, strconv.FormatBool(ev.DryRun)).Inc()
		m.runDuration.Observe(ev.Duration.Seconds())
		if ev.LedgerErrors > 0 {
			m.ledgerErrors.Add(float64(ev.LedgerErrors))
		}
		if ev.Err == "" && !ev.DryRun {
			m.lastRun.Set(float64(e.Time.Unix()))
		}
	case eventbus.ConfirmQueued, eventbus.ConfirmSent, eventbus.ConfirmFailed,
		eventbus.ConfirmDeduped, eventbus.ConfirmDropped:
		ev, ok := e.Data.(eventbus.ConfirmEvent)
		if !ok {
			return
		}
		m.confirmations.WithLabelValues(ev.Kind, strings.TrimPrefix(e.Type, "confirm.")).Inc()
	case eventbus.ScheduleFired, eventbus.ScheduleSkipped:
		ev, ok := e.Data.(eventbus.ScheduleEvent)
		if !ok {
			return
		}
		outcome := "ok"
		switch {
		case e.Type == eventbus.ScheduleSkipped:
			outcome = "skipped"
		case ev.Error != "":
			outcome = "error"
		}
		m.triggers.WithLabelValues(ev.Name, outcome).Inc()
	}
}

// Consume feeds bus events into Observe until ctx is done.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}
