package quotes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"navsync/internal/model"
)

type fakeBar struct {
	T time.Time `json:"t"`
	O float64   `json:"o"`
	H float64   `json:"h"`
	L float64   `json:"l"`
	C float64   `json:"c"`
	V uint64    `json:"v"`
}

// barsServer serves 5-minute bars between start and end the way the
// market-data API does: ascending unless sort=desc, cut at limit.
func barsServer(t *testing.T, symbol string, gotQuery *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/stocks/bars" {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		*gotQuery = r.URL.RawQuery
		start, _ := time.Parse(time.RFC3339Nano, q.Get("start"))
		end, _ := time.Parse(time.RFC3339Nano, q.Get("end"))
		limit, _ := strconv.Atoi(q.Get("limit"))

		var bars []fakeBar
		price := 100.0
		for ts := start.Truncate(5 * time.Minute); !ts.After(end); ts = ts.Add(5 * time.Minute) {
			if ts.Before(start) {
				continue
			}
			bars = append(bars, fakeBar{T: ts, O: price, H: price, L: price, C: price, V: 10})
			price++
		}
		if q.Get("sort") == "desc" {
			for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
				bars[i], bars[j] = bars[j], bars[i]
			}
		}
		if limit > 0 && len(bars) > limit {
			bars = bars[:limit]
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"bars":            map[string][]fakeBar{symbol: bars},
			"next_page_token": nil,
		})
	}))
}

func TestAlpaca_FetchHistoricalDataKeepsNewestBars(t *testing.T) {
	var query string
	srv := barsServer(t, "AAA", &query)
	defer srv.Close()

	a := NewAlpaca(AlpacaConfig{APIKey: "k", APISecret: "s", BaseURL: srv.URL, Timeout: 5 * time.Second})
	end := time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)
	res, err := a.FetchHistoricalData(context.Background(), model.HistoryRequest{
		Symbol:     "AAA",
		Start:      end.Add(-24 * time.Hour),
		End:        end,
		Interval:   "5min",
		OutputSize: 78,
	})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Contains(t, query, "sort=desc")
	require.Len(t, res.HistoricalData, 78)
	first, last := res.HistoricalData[0], res.HistoricalData[77]
	assert.Equal(t, end, last.Timestamp, "newest bar is kept")
	assert.Equal(t, end.Add(-77*5*time.Minute), first.Timestamp)
	for i := 1; i < len(res.HistoricalData); i++ {
		assert.True(t, res.HistoricalData[i].Timestamp.After(res.HistoricalData[i-1].Timestamp), "ascending at %d", i)
	}
}

func TestAlpaca_FetchHistoricalDataEmpty(t *testing.T) {
	var query string
	srv := barsServer(t, "AAA", &query)
	defer srv.Close()

	a := NewAlpaca(AlpacaConfig{APIKey: "k", APISecret: "s", BaseURL: srv.URL})
	end := time.Date(2024, 3, 5, 15, 2, 0, 0, time.UTC)
	res, err := a.FetchHistoricalData(context.Background(), model.HistoryRequest{
		Symbol: "AAA", Start: end.Add(-time.Minute), End: end, Interval: "5min",
	})
	require.NoError(t, err)
	assert.Nil(t, res)
}
