package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/noderental/billing"
)

type countingRecorder struct{ closed int }

func (c *countingRecorder) PeriodClosed() { c.closed++ }

func TestPeriodCloseScheduler_ClosesDuePeriods(t *testing.T) {
	// GIVEN: an OPEN February period and "today" in March
	h := setupTestHandler(t)
	ctx := context.Background()
	require.NoError(t, h.loadScenario(ctx, "monthly-invoice"))

	// And a March period that has not ended yet
	_, err := h.Periods.MonthPeriod(ctx, "fin", true, 2025, time.March)
	require.NoError(t, err)

	rec := &countingRecorder{}
	s := NewPeriodCloseScheduler(h)
	s.Metrics = rec

	// WHEN: the scheduler runs
	closed := s.RunNow(ctx)

	// THEN: only February is closed, by the system actor
	assert.Equal(t, 1, closed)
	assert.Equal(t, 1, rec.closed)

	periods, err := h.Periods.ListPeriods(ctx)
	require.NoError(t, err)
	status := map[string]billing.PeriodStatus{}
	for _, p := range periods {
		status[p.Name] = p.Status
	}
	assert.Equal(t, billing.PeriodClosed, status["2025-02"])
	assert.Equal(t, billing.PeriodOpen, status["2025-03"])

	// THEN: a second run has nothing to do
	assert.Equal(t, 0, s.RunNow(ctx))
	assert.Equal(t, 1, rec.closed)
}

func TestPeriodCloseScheduler_StartStop(t *testing.T) {
	h := setupTestHandler(t)

	disabled := NewPeriodCloseScheduler(h)
	disabled.Enabled = false
	disabled.Start()
	disabled.Stop()

	s := NewPeriodCloseScheduler(h)
	s.CheckInterval = time.Hour
	s.Start()
	s.Start() // second start is a no-op
	s.Stop()
	s.Stop() // second stop is a no-op
}
