package model

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe is the lookback window of a NAV series.
type Timeframe string

const (
	TimeframeDay   Timeframe = "D"
	TimeframeWeek  Timeframe = "W"
	TimeframeMonth Timeframe = "M"
	TimeframeYTD   Timeframe = "YTD"
	TimeframeMax   Timeframe = "MAX"
)

// Timeframes lists every supported timeframe, shortest first.
var Timeframes = []Timeframe{TimeframeDay, TimeframeWeek, TimeframeMonth, TimeframeYTD, TimeframeMax}

// ParseTimeframe accepts the canonical codes case-insensitively.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Timeframes {
		if tf == known {
			return tf, nil
		}
	}
	return "", fmt.Errorf("unknown timeframe %q", s)
}

// MarketStatus describes the exchange session at a point in time.
type MarketStatus string

const (
	MarketPreMarket  MarketStatus = "pre_market"
	MarketOpen       MarketStatus = "open"
	MarketAfterHours MarketStatus = "after_hours"
	MarketClosed     MarketStatus = "closed"
)

// NAVDataPoint is one sample of a basket's NAV performance series.
type NAVDataPoint struct {
	Timestamp         time.Time    `json:"timestamp"`
	ReturnPercent     float64      `json:"return_percent"`
	ConfidenceScore   float64      `json:"confidence_score"`
	ValidTickers      int          `json:"valid_tickers"`
	TotalTickers      int          `json:"total_tickers"`
	DataCoverage      float64      `json:"data_coverage"`
	FallbackTickers   int          `json:"fallback_tickers"`
	Anomaly           bool         `json:"anomaly"`
	MarketStatus      MarketStatus `json:"market_status"`
	UnweightedAverage float64      `json:"unweighted_average"`
	DriftWarning      bool         `json:"drift_warning"`
	DriftAmount       float64      `json:"drift_amount"`
	InactiveTickers   []string     `json:"inactive_tickers,omitempty"`
}
