package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	return New(reg, reg, Config{ServiceName: "test", Environment: "test"})
}

// scrape returns the text exposition of m's registry.
func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestReservationOutcome_CountsConflicts(t *testing.T) {
	m := newTestMetrics()

	m.ReservationOutcome("request", "ok")
	m.ReservationOutcome("approve", "ok")
	m.ReservationOutcome("approve", "conflict")
	m.ReservationOutcome("approve", "conflict")

	out := scrape(t, m)
	assert.Contains(t, out, `noderental_reservation_outcomes_total{action="approve",env="test",outcome="conflict",service="test"} 2`)
	assert.Contains(t, out, `noderental_reservation_outcomes_total{action="request",env="test",outcome="ok",service="test"} 1`)
	assert.Contains(t, out, `noderental_approval_conflicts_total{env="test",service="test"} 2`)
}

func TestInvoiceRecorder(t *testing.T) {
	m := newTestMetrics()

	m.InvoiceComputed(250*time.Millisecond, 12, 2)
	m.LineExcluded("no_rate_configured")
	m.LineExcluded("no_rate_configured")
	m.LineExcluded("missing_cost_allocation")

	out := scrape(t, m)
	assert.Contains(t, out, `noderental_invoice_lines{env="test",service="test"} 12`)
	assert.Contains(t, out, `noderental_invoice_exclusions{env="test",service="test"} 2`)
	assert.Contains(t, out, `noderental_invoice_excluded_events_total{env="test",reason="no_rate_configured",service="test"} 2`)
	assert.Contains(t, out, `noderental_invoice_compute_seconds_count{env="test",service="test"} 1`)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ReservationOutcome("approve", "ok")
		m.InvoiceComputed(time.Second, 1, 0)
		m.LineExcluded("invalid")
		m.PeriodClosed()
	})
}

func TestPeriodClosed(t *testing.T) {
	m := newTestMetrics()
	m.PeriodClosed()
	assert.Contains(t, scrape(t, m), `noderental_periods_closed_total{env="test",service="test"} 1`)
}
