/*
duration.go - Booking request to concrete reservation window

RULES:
  - Every booking starts at 16:00 on the requested date.
  - A booking is 1-14 blocks of 12 hours.
  - Nodes must be free for the next occupant by 09:00. Because 12*n mod 24
    alternates between 12 and 0, the raw end lands either at 04:00 (odd n,
    already before the cutover, kept) or at 16:00 (even n, pulled back by
    the 7-hour turnover buffer to 09:00 the same day).

TABLE (start = D 16:00):
  n=1  -> D+1 04:00 (12h)     n=2  -> D+1 09:00 (17h)
  n=3  -> D+2 04:00 (36h)     n=4  -> D+2 09:00 (41h)
  ...
  n=13 -> D+7 04:00 (156h)    n=14 -> D+7 09:00 (161h)
*/
package rental

import (
	"fmt"
	"time"

	"github.com/warp/noderental/generic"
)

const (
	MinBlocks  = 1
	MaxBlocks  = 14
	BlockHours = 12

	StartHour      = 16
	TurnoverHour   = 9
	TurnoverBuffer = 7 * time.Hour
)

// Duration converts (date, blocks) into a reservation interval in Location.
type Duration struct {
	Location *time.Location
}

func NewDuration(loc *time.Location) Duration {
	if loc == nil {
		loc = time.UTC
	}
	return Duration{Location: loc}
}

// Compute returns [date 16:00, end) for n blocks. The end is computed on the
// wall clock (calendar day + hour) so DST changes never move it off 04:00/09:00.
func (d Duration) Compute(date time.Time, blocks int) (generic.Interval, error) {
	if blocks < MinBlocks || blocks > MaxBlocks {
		return generic.Interval{}, &generic.ValidationError{
			Field:  "blocks",
			Reason: fmt.Sprintf("must be between %d and %d, got %d", MinBlocks, MaxBlocks, blocks),
		}
	}

	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	start := generic.Combine(date, StartHour, loc)

	rawHours := BlockHours * blocks
	rawEnd := time.Date(start.Year(), start.Month(), start.Day()+rawHours/24,
		StartHour+rawHours%24, 0, 0, 0, loc)

	end := rawEnd
	if rawEnd.Hour() == StartHour {
		end = time.Date(rawEnd.Year(), rawEnd.Month(), rawEnd.Day(), StartHour-int(TurnoverBuffer/time.Hour), 0, 0, 0, loc)
	}

	return generic.NewInterval(start, end)
}
