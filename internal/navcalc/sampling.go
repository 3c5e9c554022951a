// Package navcalc turns a basket's price histories into an ETF-style NAV
// performance series. Everything here is pure: the same instruments,
// timeframe and clock reading always give the same output.
package navcalc

import (
	"time"

	"navsync/internal/markethours"
	"navsync/internal/model"
)

// DayStep is the spacing of intraday samples for the D timeframe.
const DayStep = 3 * time.Minute

// Lookbacks, in calendar time, for the rolling timeframes.
const (
	DayLookback   = 24 * time.Hour
	WeekDays      = 7
	MonthDays     = 30
	MaxMonthlyDay = 30 // trading-day cap for M
)

type hm struct{ h, m int }

var (
	weekSlots  = []hm{{9, 30}, {12, 30}, {16, 0}}
	monthSlots = []hm{{9, 30}, {16, 0}}
	dailySlots = []hm{{16, 0}}
)

// Bounds is the observed time range of a basket's data.
type Bounds struct {
	Earliest time.Time
	Latest   time.Time
}

// ObservedBounds returns the earliest and latest points across instruments.
// ok is false when no instrument has any data.
func ObservedBounds(instruments []model.Instrument) (b Bounds, ok bool) {
	for i := range instruments {
		first, has := instruments[i].Earliest()
		if !has {
			continue
		}
		last, _ := instruments[i].Latest()
		if !ok || first.Timestamp.Before(b.Earliest) {
			b.Earliest = first.Timestamp
		}
		if !ok || last.Timestamp.After(b.Latest) {
			b.Latest = last.Timestamp
		}
		ok = true
	}
	return b, ok
}

// GenerateSamplingTimestamps returns the ascending sample instants for tf.
// Weekends are skipped and nothing after the latest observed point is
// emitted. now only matters for YTD, which starts on January 1 of now's year.
func GenerateSamplingTimestamps(instruments []model.Instrument, tf model.Timeframe, now time.Time) []time.Time {
	b, ok := ObservedBounds(instruments)
	if !ok {
		return nil
	}
	return samplingTimestamps(b, tf, now)
}

func samplingTimestamps(b Bounds, tf model.Timeframe, now time.Time) []time.Time {
	switch tf {
	case model.TimeframeDay:
		return intradayGrid(b.Latest.Add(-DayLookback), b.Latest)

	case model.TimeframeWeek:
		from := markethours.Local(b.Latest).AddDate(0, 0, -(WeekDays - 1))
		return dailySchedule(from, b.Latest, weekSlots, 0)

	case model.TimeframeMonth:
		from := markethours.Local(b.Latest).AddDate(0, 0, -(MonthDays - 1))
		return dailySchedule(from, b.Latest, monthSlots, MaxMonthlyDay)

	case model.TimeframeYTD:
		return dailySchedule(yearStart(now), b.Latest, dailySlots, 0)

	case model.TimeframeMax:
		return dailySchedule(b.Earliest, b.Latest, dailySlots, 0)
	}
	return nil
}

// intradayGrid walks a DayStep grid over [from, to], keeping weekday
// instants inside the extended session.
func intradayGrid(from, to time.Time) []time.Time {
	t := from.Truncate(DayStep)
	if t.Before(from) {
		t = t.Add(DayStep)
	}
	var out []time.Time
	for ; !t.After(to); t = t.Add(DayStep) {
		if markethours.InExtendedHours(t) {
			out = append(out, t)
		}
	}
	return out
}

// dailySchedule emits slots on every weekday from from's calendar day through
// to's, skipping instants after to. maxDays > 0 keeps only the last maxDays
// weekdays.
func dailySchedule(from, to time.Time, slots []hm, maxDays int) []time.Time {
	day := markethours.StartOfDay(from)
	last := markethours.StartOfDay(to)

	var days []time.Time
	for !day.After(last) {
		if markethours.IsWeekday(day) {
			days = append(days, day)
		}
		day = markethours.StartOfDay(day.AddDate(0, 0, 1))
	}
	if maxDays > 0 && len(days) > maxDays {
		days = days[len(days)-maxDays:]
	}

	out := make([]time.Time, 0, len(days)*len(slots))
	for _, d := range days {
		for _, s := range slots {
			ts := markethours.At(d, s.h, s.m)
			if ts.After(to) {
				break
			}
			out = append(out, ts)
		}
	}
	return out
}

func yearStart(now time.Time) time.Time {
	l := markethours.Local(now)
	return time.Date(l.Year(), time.January, 1, 0, 0, 0, 0, markethours.Exchange)
}
