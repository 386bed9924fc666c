package billing_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/warp/noderental/billing"
	"github.com/warp/noderental/rental"
)

func TestExportXLSX(t *testing.T) {
	f := newFixture(t)
	f.addRate(t, "sku-gpu", march(1), "10.00")
	f.approveSplit(t, "p1", t0, co("CO-A", "60"), co("CO-B", "40"))
	f.reservation(t, "r1", "p1", "n1", march(10), 4, rental.StatusApproved)
	f.reservation(t, "r2", "p2", "n1", march(20), 1, rental.StatusApproved)
	p := f.period(t, march(1), march(31))

	inv, err := f.computer.Compute(f.ctx, p.ID)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, billing.ExportXLSX(&buf, inv))

	wb, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer wb.Close()

	lines, err := wb.GetRows("Lines")
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, "Project", lines[0][0])
	assert.Equal(t, []string{"p1", "CO-A", "reservation", "r1", "2025-03-10"}, lines[1][:5])
	assert.Equal(t, "246.00", lines[1][12])

	exclusions, err := wb.GetRows("Exclusions")
	require.NoError(t, err)
	require.Len(t, exclusions, 2)
	assert.Equal(t, "missing_cost_allocation", exclusions[1][4])

	totals, err := wb.GetRows("Totals")
	require.NoError(t, err)
	require.Len(t, totals, 4)
	assert.Equal(t, []string{"TOTAL", "410.00", "1"}, totals[3])
}
