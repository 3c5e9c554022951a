// Package quotes holds QuoteProvider implementations and decorators.
package quotes

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"navsync/internal/model"
)

// AlpacaConfig configures the Alpaca market-data adapter.
type AlpacaConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
	Timeout   time.Duration
}

// Alpaca fetches bars and latest trades from the Alpaca market-data API.
type Alpaca struct {
	client *marketdata.Client
}

// NewAlpaca builds an adapter. BaseURL may be empty for the production host.
func NewAlpaca(cfg AlpacaConfig) *Alpaca {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Alpaca{client: marketdata.NewClient(marketdata.ClientOpts{
		APIKey:     cfg.APIKey,
		APISecret:  cfg.APISecret,
		BaseURL:    cfg.BaseURL,
		HTTPClient: &http.Client{Timeout: timeout},
	})}
}

// FetchHistoricalData returns bar closes for req.Symbol in [Start, End],
// oldest first. With an OutputSize the newest bars are kept.
func (a *Alpaca) FetchHistoricalData(ctx context.Context, req model.HistoryRequest) (*model.HistoryResult, error) {
	tf, err := ParseInterval(req.Interval)
	if err != nil {
		return nil, err
	}
	bars, err := call(ctx, func() ([]marketdata.Bar, error) {
		return a.client.GetBars(req.Symbol, marketdata.GetBarsRequest{
			TimeFrame:  tf,
			Start:      req.Start,
			End:        req.End,
			TotalLimit: req.OutputSize,
			Sort:       marketdata.SortDesc,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca bars %s: %w", req.Symbol, err)
	}
	if len(bars) == 0 {
		return nil, nil
	}

	res := &model.HistoryResult{Symbol: req.Symbol, HistoricalData: make([]model.PricePoint, 0, len(bars))}
	for i := len(bars) - 1; i >= 0; i-- {
		res.HistoricalData = append(res.HistoricalData, model.PricePoint{Timestamp: bars[i].Timestamp, Price: bars[i].Close})
	}
	return res, nil
}

// FetchBatchQuotes returns the latest trade for each symbol. The latest-trade
// endpoint has no resolution, so tf is not consulted.
func (a *Alpaca) FetchBatchQuotes(ctx context.Context, symbols []string, _ model.Timeframe) ([]model.Quote, error) {
	trades, err := call(ctx, func() (map[string]marketdata.Trade, error) {
		return a.client.GetLatestTrades(symbols, marketdata.GetLatestTradeRequest{})
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca latest trades: %w", err)
	}

	out := make([]model.Quote, 0, len(trades))
	for _, sym := range symbols {
		t, ok := trades[sym]
		if !ok || t.Price <= 0 {
			continue
		}
		out = append(out, model.Quote{Symbol: sym, Price: t.Price, Timestamp: t.Timestamp})
	}
	return out, nil
}

// ParseInterval maps "1min", "5min", "15min", "1h", "1day" onto Alpaca timeframes.
func ParseInterval(s string) (marketdata.TimeFrame, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	var n int
	var unit string
	if _, err := fmt.Sscanf(s, "%d%s", &n, &unit); err != nil || n <= 0 {
		return marketdata.TimeFrame{}, fmt.Errorf("invalid interval %q", s)
	}
	switch unit {
	case "min", "m":
		return marketdata.NewTimeFrame(n, marketdata.Min), nil
	case "h", "hour":
		return marketdata.NewTimeFrame(n, marketdata.Hour), nil
	case "day", "d":
		return marketdata.NewTimeFrame(n, marketdata.Day), nil
	}
	return marketdata.TimeFrame{}, fmt.Errorf("invalid interval %q", s)
}

// call runs a blocking SDK call and gives up when ctx ends. The SDK call
// itself is bounded by the HTTP client timeout.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Nop is a provider that never returns data. Used when no provider is
// configured.
type Nop struct{}

func (Nop) FetchHistoricalData(context.Context, model.HistoryRequest) (*model.HistoryResult, error) {
	return nil, nil
}

func (Nop) FetchBatchQuotes(context.Context, []string, model.Timeframe) ([]model.Quote, error) {
	return nil, nil
}
