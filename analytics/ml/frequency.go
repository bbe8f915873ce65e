package ml

import (
	"fmt"
	"time"
)

// FrequencyUnit is the calendar unit of a sampling frequency
type FrequencyUnit string

const (
	UnitHour  FrequencyUnit = "hour"
	UnitDay   FrequencyUnit = "day"
	UnitMonth FrequencyUnit = "month"
)

// Frequency is a regular sampling step. Month steps are calendar aware;
// MonthEnd anchors every timestamp to the last day of its month.
type Frequency struct {
	Unit     FrequencyUnit `json:"unit"`
	Step     int           `json:"step"`
	MonthEnd bool          `json:"month_end,omitempty"`
}

// Monthly is the frequency assumed when none can be inferred
var Monthly = Frequency{Unit: UnitMonth, Step: 1}

// Name returns a human readable name such as "monthly" or "every 2 days"
func (f Frequency) Name() string {
	switch {
	case f.Unit == UnitMonth && f.Step == 1:
		return "monthly"
	case f.Unit == UnitMonth && f.Step == 3:
		return "quarterly"
	case f.Unit == UnitMonth && f.Step == 12:
		return "yearly"
	case f.Unit == UnitDay && f.Step == 1:
		return "daily"
	case f.Unit == UnitDay && f.Step == 7:
		return "weekly"
	case f.Unit == UnitHour && f.Step == 1:
		return "hourly"
	default:
		return fmt.Sprintf("every %d %ss", f.Step, f.Unit)
	}
}

// Add returns the timestamp i steps after anchor. Month steps clamp the day
// to the length of the target month.
func (f Frequency) Add(anchor time.Time, i int) time.Time {
	switch f.Unit {
	case UnitHour:
		return anchor.Add(time.Duration(i*f.Step) * time.Hour)
	case UnitDay:
		return anchor.AddDate(0, 0, i*f.Step)
	default:
		return addMonths(anchor, i*f.Step, f.MonthEnd)
	}
}

// Future returns horizon strictly increasing timestamps after last
func (f Frequency) Future(last time.Time, horizon int) []time.Time {
	out := make([]time.Time, horizon)
	for i := range out {
		out[i] = f.Add(last, i+1)
	}
	return out
}

// InferFrequency detects a regular step in the timestamps. It needs at
// least three points with identical spacing; otherwise it returns Monthly
// and false.
func InferFrequency(times []time.Time) (Frequency, bool) {
	if len(times) < 3 {
		return Monthly, false
	}
	if f, ok := monthlyStep(times); ok {
		return f, true
	}

	step := times[1].Sub(times[0])
	if step <= 0 {
		return Monthly, false
	}
	for i := 2; i < len(times); i++ {
		if times[i].Sub(times[i-1]) != step {
			return Monthly, false
		}
	}

	switch {
	case step%(24*time.Hour) == 0:
		return Frequency{Unit: UnitDay, Step: int(step / (24 * time.Hour))}, true
	case step%time.Hour == 0:
		return Frequency{Unit: UnitHour, Step: int(step / time.Hour)}, true
	default:
		return Monthly, false
	}
}

// monthlyStep recognises month, quarter and year spacing, either on a
// fixed day of month or on month ends
func monthlyStep(times []time.Time) (Frequency, bool) {
	monthEnd := true
	sameDay := true
	for _, t := range times {
		if !isMonthEnd(t) {
			monthEnd = false
		}
		if t.Day() != times[0].Day() || t.Hour() != times[0].Hour() || t.Minute() != times[0].Minute() {
			sameDay = false
		}
	}
	if !monthEnd && !sameDay {
		return Frequency{}, false
	}
	// a fixed day below 29 is also a fixed day-of-month, not a month end
	if sameDay && times[0].Day() < 29 {
		monthEnd = false
	}

	step := monthsBetween(times[0], times[1])
	if step <= 0 {
		return Frequency{}, false
	}
	for i := 2; i < len(times); i++ {
		if monthsBetween(times[i-1], times[i]) != step {
			return Frequency{}, false
		}
	}
	// one day apart at month ends is daily, not monthly
	if monthEnd && !sameDay && times[1].Sub(times[0]) < 28*24*time.Hour {
		return Frequency{}, false
	}
	return Frequency{Unit: UnitMonth, Step: step, MonthEnd: monthEnd}, true
}

func monthsBetween(a, b time.Time) int {
	return (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
}

func isMonthEnd(t time.Time) bool {
	return t.AddDate(0, 0, 1).Month() != t.Month()
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func addMonths(t time.Time, months int, monthEnd bool) time.Time {
	total := int(t.Month()) - 1 + months
	year := t.Year() + total/12
	month := total % 12
	if month < 0 {
		month += 12
		year--
	}
	m := time.Month(month + 1)

	day := t.Day()
	if monthEnd || day > daysIn(year, m) {
		day = daysIn(year, m)
	}
	return time.Date(year, m, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
