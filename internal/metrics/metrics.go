// Package metrics exposes delivery and scheduler metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"lovebot/internal/delivery"
	"lovebot/internal/transport"
)

type PrometheusMetrics struct {
	sendsTotal     *prometheus.CounterVec
	sendDuration   *prometheus.HistogramVec
	resolvedTotal  *prometheus.CounterVec
	attempts       *prometheus.HistogramVec
	retriesTotal   prometheus.Counter
	storageRetries *prometheus.CounterVec
	skippedTotal   *prometheus.CounterVec
	suspended      prometheus.Gauge
	nextDue        prometheus.Gauge
}

func InitPrometheusMetrics(namespace string, reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &PrometheusMetrics{
		sendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sends_total",
				Help:      "Transport send calls by result (ok, transient, permanent)",
			},
			[]string{"result"},
		),
		sendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "send_duration_seconds",
				Help:      "Duration of transport send calls",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"result"},
		),
		resolvedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "slots_resolved_total",
				Help:      "Slots that reached a terminal state",
			},
			[]string{"status"},
		),
		attempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "slot_attempts",
				Help:      "Attempts used by a slot when it was resolved",
				Buckets:   []float64{1, 2, 3, 5, 8, 13},
			},
			[]string{"status"},
		),
		retriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_scheduled_total",
				Help:      "Failed attempts that were scheduled for retry",
			},
		),
		storageRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_retries_total",
				Help:      "Store operations retried after an I/O failure",
			},
			[]string{"op"},
		),
		skippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "slots_skipped_total",
				Help:      "Slots never attempted (missed while down, late wake-up)",
			},
			[]string{"reason"},
		),
		suspended: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "suspended_slots",
				Help:      "Slots waiting for a retry",
			},
		),
		nextDue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "next_due_timestamp_seconds",
				Help:      "Unix time of the next scheduled slot",
			},
		),
	}

	reg.MustRegister(
		m.sendsTotal,
		m.sendDuration,
		m.resolvedTotal,
		m.attempts,
		m.retriesTotal,
		m.storageRetries,
		m.skippedTotal,
		m.suspended,
		m.nextDue,
	)
	return m
}

func resultOf(err error) string {
	if err == nil {
		return "ok"
	}
	return transport.KindOf(err).String()
}

func (m *PrometheusMetrics) SendFinished(_ string, took time.Duration, err error) {
	r := resultOf(err)
	m.sendsTotal.WithLabelValues(r).Inc()
	m.sendDuration.WithLabelValues(r).Observe(took.Seconds())
}

func (m *PrometheusMetrics) RetryScheduled(*delivery.Attempt, time.Duration) {
	m.retriesTotal.Inc()
}

func (m *PrometheusMetrics) Resolved(a *delivery.Attempt) {
	st := a.State.String()
	m.resolvedTotal.WithLabelValues(st).Inc()
	m.attempts.WithLabelValues(st).Observe(float64(a.Attempts))
}

func (m *PrometheusMetrics) StorageRetried(op string, _ error) {
	m.storageRetries.WithLabelValues(op).Inc()
}

func (m *PrometheusMetrics) SlotSkipped(_ string, reason string) {
	m.skippedTotal.WithLabelValues(reason).Inc()
}

func (m *PrometheusMetrics) LoopState(nextDue time.Time, suspended int) {
	m.suspended.Set(float64(suspended))
	if nextDue.IsZero() {
		m.nextDue.Set(0)
		return
	}
	m.nextDue.Set(float64(nextDue.Unix()))
}
