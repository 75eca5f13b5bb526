// Package metrics exposes the billing engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the billing collectors. All methods are safe on a nil
// *Metrics.
type Metrics struct {
	RunsTotal         *prometheus.CounterVec
	RunDuration       prometheus.Histogram
	LastRunTimestamp  prometheus.Gauge
	ContractsTotal    *prometheus.CounterVec
	InvoicesTotal     *prometheus.CounterVec
	InvoicedYenTotal  prometheus.Counter
	UsersDeactivated  prometheus.Counter
	NotificationsSent *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors on registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitekit_billing_runs_total",
				Help: "Billing runs by result",
			},
			[]string{"result"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sitekit_billing_run_duration_seconds",
				Help:    "Billing run duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			},
		),
		LastRunTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitekit_billing_last_run_timestamp_seconds",
				Help: "Unix time the last billing run finished",
			},
		),
		ContractsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitekit_billing_contracts_total",
				Help: "Per-contract results by phase and outcome",
			},
			[]string{"phase", "outcome"},
		),
		InvoicesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitekit_billing_invoices_total",
				Help: "Invoices issued by payment method and status",
			},
			[]string{"payment_method", "status"},
		),
		InvoicedYenTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sitekit_billing_invoiced_yen_total",
				Help: "Sum of issued invoice totals including tax",
			},
		),
		UsersDeactivated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sitekit_billing_users_deactivated_total",
				Help: "Users deactivated by plan-change enforcement",
			},
		),
		NotificationsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitekit_billing_notifications_total",
				Help: "Plan-change notifications sent by kind",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.LastRunTimestamp,
		m.ContractsTotal,
		m.InvoicesTotal,
		m.InvoicedYenTotal,
		m.UsersDeactivated,
		m.NotificationsSent,
	)
	return m
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(ok bool, started, finished time.Time) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.RunsTotal.WithLabelValues(result).Inc()
	m.RunDuration.Observe(finished.Sub(started).Seconds())
	m.LastRunTimestamp.Set(float64(finished.Unix()))
}

func (m *Metrics) ObserveContract(phase, outcome string) {
	if m == nil {
		return
	}
	m.ContractsTotal.WithLabelValues(phase, outcome).Inc()
}

func (m *Metrics) ObserveInvoice(paymentMethod, status string, total int64) {
	if m == nil {
		return
	}
	m.InvoicesTotal.WithLabelValues(paymentMethod, status).Inc()
	m.InvoicedYenTotal.Add(float64(total))
}

func (m *Metrics) ObserveDeactivated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.UsersDeactivated.Add(float64(n))
}

func (m *Metrics) ObserveNotification(kind string) {
	if m == nil {
		return
	}
	m.NotificationsSent.WithLabelValues(kind).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
