package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config sets the constant labels attached to every collector.
type Config struct {
	ServiceName string
	Environment string
}

// Metrics implements rental.Recorder and billing.InvoiceRecorder.
type Metrics struct {
	reservationOutcomes *prometheus.CounterVec
	approvalConflicts   prometheus.Counter
	invoiceDuration     prometheus.Histogram
	invoiceLines        prometheus.Gauge
	invoiceExclusions   prometheus.Gauge
	excludedLines       *prometheus.CounterVec
	periodsClosed       prometheus.Counter
	gatherer            prometheus.Gatherer
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// Default returns the process-wide metrics registered on the default registry.
func Default() *Metrics {
	return WithConfig(Config{})
}

func WithConfig(cfg Config) *Metrics {
	metricsOnce.Do(func() {
		metrics = New(prometheus.DefaultRegisterer, prometheus.DefaultGatherer, cfg)
	})
	return metrics
}

func ResetForTest() {
	metricsOnce = sync.Once{}
	metrics = nil
}

// New registers the collectors on registerer. Tests pass a fresh
// prometheus.NewRegistry() for both arguments.
func New(registerer prometheus.Registerer, gatherer prometheus.Gatherer, cfg Config) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "noderental"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &Metrics{
		reservationOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "noderental_reservation_outcomes_total",
				Help:        "Reservation operations by action and outcome.",
				ConstLabels: constLabels,
			},
			[]string{"action", "outcome"},
		),
		approvalConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "noderental_approval_conflicts_total",
			Help:        "Approvals refused because an overlapping reservation was already approved.",
			ConstLabels: constLabels,
		}),
		invoiceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "noderental_invoice_compute_seconds",
			Help:        "Wall time of one invoice period computation.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			ConstLabels: constLabels,
		}),
		invoiceLines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "noderental_invoice_lines",
			Help:        "Lines produced by the last invoice computation.",
			ConstLabels: constLabels,
		}),
		invoiceExclusions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "noderental_invoice_exclusions",
			Help:        "Events excluded by the last invoice computation.",
			ConstLabels: constLabels,
		}),
		excludedLines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "noderental_invoice_excluded_events_total",
				Help:        "Billable events excluded from invoices, by reason.",
				ConstLabels: constLabels,
			},
			[]string{"reason"}, // no_rate_configured | missing_cost_allocation | invalid
		),
		periodsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "noderental_periods_closed_total",
			Help:        "Invoice periods closed by the scheduler.",
			ConstLabels: constLabels,
		}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.reservationOutcomes,
		m.approvalConflicts,
		m.invoiceDuration,
		m.invoiceLines,
		m.invoiceExclusions,
		m.excludedLines,
		m.periodsClosed,
	)
	return m
}

func (m *Metrics) ReservationOutcome(action, outcome string) {
	if m == nil {
		return
	}
	m.reservationOutcomes.WithLabelValues(action, outcome).Inc()
	if action == "approve" && outcome == "conflict" {
		m.approvalConflicts.Inc()
	}
}

func (m *Metrics) InvoiceComputed(elapsed time.Duration, lines, exclusions int) {
	if m == nil {
		return
	}
	m.invoiceDuration.Observe(elapsed.Seconds())
	m.invoiceLines.Set(float64(lines))
	m.invoiceExclusions.Set(float64(exclusions))
}

func (m *Metrics) LineExcluded(reason string) {
	if m == nil {
		return
	}
	m.excludedLines.WithLabelValues(reason).Inc()
}

func (m *Metrics) PeriodClosed() {
	if m == nil {
		return
	}
	m.periodsClosed.Inc()
}

// Handler serves the registry this Metrics was registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == prometheus.DefaultGatherer {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
