package circle

import (
	"fmt"
	"sort"
	"time"

	"github.com/warp/circle-engine/generic"
)

// =============================================================================
// INSTALLMENT SCHEDULE
// =============================================================================

// Installment is one shared contribution due date of a circle.
type Installment struct {
	Index   int
	DueDate time.Time
}

// Schedule is ordered by Index (and therefore by DueDate).
type Schedule []Installment

// ComputeInstallments turns a policy and circle start into the ordered list
// of due dates. It is deterministic and never reads the clock.
//
//   - MONTHLY: one date per calendar month from start while date < start+duration.
//     A start on the 29th-31st is clamped to the last day of shorter months.
//   - INTERVAL_DAYS: every max(1, IntervalDays) days while date < start+duration.
//   - INSTALLMENTS_PER_CIRCLE: exactly max(1, n) dates spaced floor(duration/n)
//     days apart, so the last one may land before the nominal end.
func ComputeInstallments(p GroupPolicy, circleStart time.Time, circleDurationDays int) (Schedule, error) {
	if circleDurationDays <= 0 {
		return nil, &generic.PolicyError{Field: "circle_duration_days", Reason: "must be positive"}
	}
	end := generic.AddDays(circleStart, circleDurationDays)

	var dates []time.Time
	switch p.Strategy {
	case StrategyMonthly:
		for i := 0; ; i++ {
			d := addMonthsClamped(circleStart, i)
			if !d.Before(end) {
				break
			}
			dates = append(dates, d)
		}

	case StrategyIntervalDays:
		if p.IntervalDays < 0 {
			return nil, &generic.PolicyError{Field: "interval_days", Reason: "must not be negative"}
		}
		step := max(1, p.IntervalDays)
		for d := circleStart; d.Before(end); d = generic.AddDays(d, step) {
			dates = append(dates, d)
		}

	case StrategyInstallmentsPerCircle:
		if p.InstallmentsPerCircle < 0 {
			return nil, &generic.PolicyError{Field: "installments_per_circle", Reason: "must not be negative"}
		}
		n := max(1, p.InstallmentsPerCircle)
		spacing := circleDurationDays / n
		for i := 0; i < n; i++ {
			dates = append(dates, generic.AddDays(circleStart, i*spacing))
		}

	default:
		return nil, &generic.PolicyError{Field: "contribution_strategy", Reason: fmt.Sprintf("unknown strategy %q", p.Strategy)}
	}

	schedule := make(Schedule, len(dates))
	for i, d := range dates {
		schedule[i] = Installment{Index: i, DueDate: d}
	}
	return schedule, nil
}

// addMonthsClamped adds n calendar months to t, clamping the day to the last
// day of the target month instead of overflowing into the next one.
func addMonthsClamped(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	firstOfTarget := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := firstOfTarget.AddDate(0, 1, -1).Day()
	if d > lastDay {
		d = lastDay
	}
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// CurrentPeriodIndex returns the greatest index whose due date is <= asOf,
// or 0 when asOf precedes the first installment (or the schedule is empty).
func (s Schedule) CurrentPeriodIndex(asOf time.Time) int {
	// first installment strictly after asOf
	i := sort.Search(len(s), func(i int) bool { return s[i].DueDate.After(asOf) })
	if i == 0 {
		return 0
	}
	return i - 1
}

// NextDue returns the first installment strictly after asOf. ok is false
// when the schedule is exhausted.
func (s Schedule) NextDue(asOf time.Time) (inst Installment, ok bool) {
	i := sort.Search(len(s), func(i int) bool { return s[i].DueDate.After(asOf) })
	if i == len(s) {
		return Installment{}, false
	}
	return s[i], true
}

// Overdue returns the installments whose due date is strictly before asOf.
func (s Schedule) Overdue(asOf time.Time) Schedule {
	var out Schedule
	for _, inst := range s {
		if inst.DueDate.Before(asOf) {
			out = append(out, inst)
		}
	}
	return out
}

// Installment returns the installment at index.
func (s Schedule) Installment(index int) (Installment, error) {
	if index < 0 || index >= len(s) {
		return Installment{}, &generic.ValidationError{
			Field:  "period_index",
			Reason: fmt.Sprintf("%d is outside the schedule (0..%d)", index, len(s)-1),
			Err:    generic.ErrInvalidPeriod,
		}
	}
	return s[index], nil
}
