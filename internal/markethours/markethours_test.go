package markethours

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func et(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, Exchange)
}

func TestStatus(t *testing.T) {
	cases := []struct {
		name string
		at   time.Time
		want string
	}{
		{"saturday", et(2024, 3, 9, 11, 0), StatusClosed},
		{"sunday", et(2024, 3, 10, 11, 0), StatusClosed},
		{"early morning", et(2024, 3, 11, 3, 0), StatusPreMarket},
		{"pre-market", et(2024, 3, 11, 9, 29), StatusPreMarket},
		{"open bell", et(2024, 3, 11, 9, 30), StatusOpen},
		{"midday", et(2024, 3, 11, 12, 30), StatusOpen},
		{"close bell", et(2024, 3, 11, 16, 0), StatusAfterHours},
		{"evening", et(2024, 3, 11, 21, 0), StatusAfterHours},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Status(tc.at))
		})
	}
}

func TestStatus_UsesExchangeLocalTime(t *testing.T) {
	// 14:00 UTC on a March weekday after DST is 10:00 in New York.
	utc := time.Date(2024, 3, 12, 14, 0, 0, 0, time.UTC)
	assert.Equal(t, StatusOpen, Status(utc))
}

func TestIsSyncWindow(t *testing.T) {
	assert.True(t, IsSyncWindow(et(2026, 3, 2, 4, 0)))
	assert.True(t, IsSyncWindow(et(2026, 3, 2, 19, 59)))
	assert.False(t, IsSyncWindow(et(2026, 3, 2, 20, 0)))
	assert.False(t, IsSyncWindow(et(2026, 3, 2, 3, 59)))
	assert.False(t, IsSyncWindow(et(2026, 3, 7, 12, 0)), "saturday")
	assert.False(t, IsSyncWindow(et(2026, 1, 19, 12, 0)), "MLK day")
}

func TestIsMarketOpen(t *testing.T) {
	assert.True(t, IsMarketOpen(et(2026, 3, 2, 9, 30)))
	assert.False(t, IsMarketOpen(et(2026, 3, 2, 16, 0)))
	assert.False(t, IsMarketOpen(et(2026, 12, 25, 12, 0)))
}

func TestNextSyncWindow(t *testing.T) {
	// Friday evening rolls to Monday 04:00.
	next := NextSyncWindow(et(2026, 3, 6, 21, 0))
	assert.Equal(t, et(2026, 3, 9, 4, 0), next)

	// Before the window on a trading day returns today's opening.
	next = NextSyncWindow(et(2026, 3, 9, 2, 0))
	assert.Equal(t, et(2026, 3, 9, 4, 0), next)

	// Inside the window returns the input.
	in := et(2026, 3, 9, 10, 0)
	assert.Equal(t, in, NextSyncWindow(in))
}

func TestIsHoliday(t *testing.T) {
	assert.True(t, IsHoliday(et(2026, 11, 26, 10, 0)))
	assert.False(t, IsHoliday(et(2026, 11, 27, 10, 0)))
}
