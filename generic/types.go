/*
Package generic provides the domain-agnostic temporal engine.

PURPOSE:
  Node reservations, effective-dated rates and cost-allocation snapshots all
  reduce to a handful of time questions: do two windows overlap, which record
  was in effect at an instant, how much of a window falls inside a period.
  This package answers them once so the rental and billing packages cannot
  drift into subtly different answers.

KEY CONCEPTS:
  - Interval: half-open [Start, End) with the single Overlaps predicate
  - EffectiveIndex: sorted arena for "latest <= t" and "window contains t"
  - Money: decimal amounts rounded to cents, apportioned by percentage
  - Clock: injectable now
  - Errors: the taxonomy every caller branches on (errors.go)
  - AuditEvent: what the core reports to an external activity log

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal for money, hours and percentages
  2. One predicate: every overlap test calls Interval.Overlaps
  3. History is data: lookups take an explicit instant, never "now"

SEE ALSO:
  - rental/: reservations and availability
  - billing/: rates, snapshots and invoices
*/
package generic

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Decimal currency amounts
// =============================================================================

// MoneyPlaces is the number of decimal places invoices are rounded to.
const MoneyPlaces = 2

var hundred = decimal.NewFromInt(100)

// Hundred is 100, the required percentage total of a cost allocation.
func Hundred() decimal.Decimal { return hundred }

// RoundMoney rounds half away from zero to cents.
func RoundMoney(d decimal.Decimal) decimal.Decimal { return d.Round(MoneyPlaces) }

// SumDecimals adds a slice of decimals.
func SumDecimals(values []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// =============================================================================
// APPORTIONMENT - Splitting one amount by percentage
// =============================================================================

// Apportion splits total by percentages that sum to 100. Each share is
// rounded to cents; whatever the rounding leaves over is added to the share
// with the largest percentage, the first listed one on ties. The returned
// shares always sum exactly to RoundMoney(total).
func Apportion(total decimal.Decimal, percentages []decimal.Decimal) ([]decimal.Decimal, error) {
	if len(percentages) == 0 {
		return nil, &ValidationError{Field: "percentages", Reason: "no cost objects to apportion across"}
	}
	if !SumDecimals(percentages).Equal(hundred) {
		return nil, &ValidationError{Field: "percentages", Reason: "percentages must sum to 100"}
	}

	total = RoundMoney(total)
	shares := make([]decimal.Decimal, len(percentages))
	largest := 0
	for i, pct := range percentages {
		shares[i] = RoundMoney(total.Mul(pct).Div(hundred))
		if pct.GreaterThan(percentages[largest]) {
			largest = i
		}
	}

	remainder := total.Sub(SumDecimals(shares))
	shares[largest] = shares[largest].Add(remainder)
	return shares, nil
}
