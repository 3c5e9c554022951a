// Package markethours answers exchange-calendar questions in exchange-local
// time (America/New_York): the regular session, the extended window used for
// sync gating and intraday sampling, and the weekday calendar.
package markethours

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// Exchange is the exchange-local location. Falls back to a fixed EST zone
// when the tz database is unavailable.
var Exchange = loadExchange()

func loadExchange() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("EST", -5*3600)
	}
	return loc
}

// Session boundaries in exchange-local time.
const (
	OpenHour    = 9
	OpenMinute  = 30
	CloseHour   = 16
	CloseMinute = 0

	// Extended window: pre-market opens 04:00, after-hours ends 20:00.
	ExtendedOpenHour  = 4
	ExtendedCloseHour = 20
)

// Status values mirror model.MarketStatus without importing it.
const (
	StatusPreMarket  = "pre_market"
	StatusOpen       = "open"
	StatusAfterHours = "after_hours"
	StatusClosed     = "closed"
)

// Local converts t into exchange-local time.
func Local(t time.Time) time.Time {
	return t.In(Exchange)
}

// IsWeekday returns true if t is Mon–Fri in exchange-local time.
func IsWeekday(t time.Time) bool {
	wd := Local(t).Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// IsTradingDay returns true if t is a weekday and not an exchange holiday.
func IsTradingDay(t time.Time) bool {
	return IsWeekday(t) && !IsHoliday(t)
}

// IsMarketOpen returns true inside the regular session
// (09:30–16:00 exchange-local, Mon–Fri, excluding holidays).
func IsMarketOpen(t time.Time) bool {
	if !IsTradingDay(t) {
		return false
	}
	hm := minuteOfDay(t)
	return hm >= OpenHour*60+OpenMinute && hm < CloseHour*60+CloseMinute
}

// InExtendedHours returns true inside [04:00, 20:00) exchange-local on a weekday.
// Holidays are not consulted; callers decide whether that matters.
func InExtendedHours(t time.Time) bool {
	if !IsWeekday(t) {
		return false
	}
	h := Local(t).Hour()
	return h >= ExtendedOpenHour && h < ExtendedCloseHour
}

// IsSyncWindow is the scheduler's session gate: a trading day inside the
// extended window.
func IsSyncWindow(t time.Time) bool {
	return IsTradingDay(t) && InExtendedHours(t)
}

// Status classifies t as pre_market, open, after_hours or closed.
// Only weekends are closed; the calendar of holidays is not applied here.
func Status(t time.Time) string {
	if !IsWeekday(t) {
		return StatusClosed
	}
	hm := minuteOfDay(t)
	switch {
	case hm < OpenHour*60+OpenMinute:
		return StatusPreMarket
	case hm < CloseHour*60+CloseMinute:
		return StatusOpen
	default:
		return StatusAfterHours
	}
}

// At returns the exchange-local instant on t's calendar day at hour:minute.
func At(t time.Time, hour, minute int) time.Time {
	l := Local(t)
	return time.Date(l.Year(), l.Month(), l.Day(), hour, minute, 0, 0, Exchange)
}

// StartOfDay returns exchange-local midnight of t's calendar day.
func StartOfDay(t time.Time) time.Time {
	return At(t, 0, 0)
}

// NextSyncWindow returns the next instant the sync gate opens.
// If t is already inside the window, t is returned.
func NextSyncWindow(t time.Time) time.Time {
	if IsSyncWindow(t) {
		return t
	}
	l := Local(t)
	today := At(l, ExtendedOpenHour, 0)
	if l.Before(today) && IsTradingDay(l) {
		return today
	}
	d := l.AddDate(0, 0, 1)
	for i := 0; i < 10; i++ {
		if IsTradingDay(d) {
			return At(d, ExtendedOpenHour, 0)
		}
		d = d.AddDate(0, 0, 1)
	}
	return At(l.AddDate(0, 0, 1), ExtendedOpenHour, 0)
}

// StatusString returns a human-readable sync-window status.
func StatusString(t time.Time) string {
	if IsSyncWindow(t) {
		return fmt.Sprintf("Session %s", Status(t))
	}
	next := NextSyncWindow(t)
	l := Local(next)
	return fmt.Sprintf("Session closed, sync resumes %s %s (%s)",
		l.Weekday().String()[:3], l.Format("15:04"), fmtDur(next.Sub(t)))
}

func minuteOfDay(t time.Time) int {
	l := Local(t)
	return l.Hour()*60 + l.Minute()
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
