package navcalc

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"navsync/internal/markethours"
	"navsync/internal/model"
)

const (
	// FallbackAge is how old a carried-forward price may be before it counts
	// as a fallback.
	FallbackAge = 24 * time.Hour

	// FallbackWeight is a fallback price's weight in ReturnPercent.
	FallbackWeight = 0.5

	// InactiveAfter flags an instrument whose newest point is this much older
	// than the sample.
	InactiveAfter = 24 * time.Hour

	// DriftThreshold is the weighted/unweighted gap, in percentage points,
	// above which DriftWarning is set.
	DriftThreshold = 1.5

	// AnomalyConfidence is the confidence below which a point is anomalous.
	AnomalyConfidence = 0.5

	confidenceBoost = 1.2
)

// baseline is an instrument's resolved buy price for one series.
type baseline struct {
	price float64
	ok    bool
}

// CalculateNAVPerformance computes the NAV series of instruments over tf.
// Every sampling timestamp yields a point; when no instrument qualifies the
// point carries a 0% return.
func CalculateNAVPerformance(instruments []model.Instrument, tf model.Timeframe, now time.Time) []model.NAVDataPoint {
	b, ok := ObservedBounds(instruments)
	if !ok {
		return nil
	}
	stamps := samplingTimestamps(b, tf, now)
	if len(stamps) == 0 {
		return nil
	}

	bases := make([]baseline, len(instruments))
	for i := range instruments {
		p, ok := CalculateDynamicBuyPrice(instruments[i], tf, b, now)
		bases[i] = baseline{price: p, ok: ok}
	}

	out := make([]model.NAVDataPoint, len(stamps))
	for i, ts := range stamps {
		out[i] = evaluate(ts, instruments, bases)
	}
	return out
}

// evaluate values the basket at a single instant.
func evaluate(ts time.Time, instruments []model.Instrument, bases []baseline) model.NAVDataPoint {
	var (
		returns  []float64
		weights  []float64
		fallback int
		inactive []string
	)

	for i := range instruments {
		inst := &instruments[i]

		if last, ok := inst.Latest(); ok && ts.Sub(last.Timestamp) > InactiveAfter {
			inactive = append(inactive, inst.Symbol)
		}

		p, ok := priceAt(inst.HistoricalData, ts)
		if !ok || p.Price <= 0 {
			continue
		}
		if !bases[i].ok || bases[i].price <= 0 {
			continue
		}
		if !inst.BuyDate.IsZero() && inst.BuyDate.After(ts) {
			continue
		}

		w := 1.0
		if ts.Sub(p.Timestamp) > FallbackAge {
			w = FallbackWeight
			fallback++
		}
		returns = append(returns, (p.Price-bases[i].price)/bases[i].price*100)
		weights = append(weights, w)
	}

	pt := model.NAVDataPoint{
		Timestamp:       ts,
		ValidTickers:    len(returns),
		TotalTickers:    len(instruments),
		FallbackTickers: fallback,
		MarketStatus:    GetMarketStatus(ts),
		InactiveTickers: inactive,
	}
	if len(returns) > 0 {
		pt.ReturnPercent = stat.Mean(returns, weights)
		pt.UnweightedAverage = stat.Mean(returns, nil)
	}
	pt.DriftAmount, pt.DriftWarning = DriftSignal(pt.ReturnPercent, pt.UnweightedAverage)

	if pt.TotalTickers > 0 {
		pt.DataCoverage = float64(pt.ValidTickers) / float64(pt.TotalTickers)
	}
	pt.ConfidenceScore = math.Min(1, pt.DataCoverage*confidenceBoost)
	pt.Anomaly = pt.ConfidenceScore < AnomalyConfidence
	return pt
}

// DriftSignal returns |weighted-unweighted| and whether it exceeds DriftThreshold.
func DriftSignal(weighted, unweighted float64) (float64, bool) {
	d := math.Abs(weighted - unweighted)
	return d, d > DriftThreshold
}

// GetMarketStatus classifies ts in exchange-local time.
func GetMarketStatus(ts time.Time) model.MarketStatus {
	return model.MarketStatus(markethours.Status(ts))
}
