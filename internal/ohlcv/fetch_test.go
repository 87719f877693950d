package ohlcv

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tickvault/internal/config"
	"tickvault/internal/domain"
	"tickvault/internal/registry"
	"tickvault/internal/store"
)

func seedBars(stock string, times ...time.Time) []domain.Bar {
	bars := make([]domain.Bar, 0, len(times))
	for _, ts := range times {
		bars = append(bars, domain.Bar{
			Stock: stock,
			Date:  domain.NaiveMillis(ts),
			Open:  10, High: 11, Low: 9, Close: 10.5,
			Volume: domain.Int64Ptr(1000),
		})
	}
	return bars
}

func TestFullHistoryPeriod(t *testing.T) {
	cases := map[string]string{
		"1d":  "10y",
		"1wk": "10y",
		"1h":  "729d",
		"60m": "729d",
		"90m": "729d",
		"1m":  "8d",
		"5m":  "8d",
		"30m": "8d",
	}
	for interval, want := range cases {
		if got := fullHistoryPeriod(interval); got != want {
			t.Errorf("fullHistoryPeriod(%s) = %s, want %s", interval, got, want)
		}
	}
}

func TestClampRangeHourly(t *testing.T) {
	today := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	start := today.AddDate(0, 0, -1000)
	end := today

	cs, ce, ok := clampRange("1h", start, end, today)
	require.True(t, ok)
	require.Equal(t, today.AddDate(0, 0, -729), cs)
	require.Equal(t, today, ce)
}

func TestClampRangeMinute(t *testing.T) {
	today := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	cs, _, ok := clampRange("5m", today.AddDate(0, 0, -30), today, today)
	require.True(t, ok)
	require.Equal(t, today.AddDate(0, 0, -7), cs)
}

func TestClampRangeDailyUntouched(t *testing.T) {
	today := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	start := today.AddDate(-10, 0, 0)
	cs, ce, ok := clampRange("1d", start, today, today)
	require.True(t, ok)
	require.Equal(t, start, cs)
	require.Equal(t, today, ce)
}

func TestCountBusinessDays(t *testing.T) {
	// Friday to Monday brackets exactly one business day (the Monday).
	fri := time.Date(2025, 6, 6, 16, 0, 0, 0, time.UTC)
	mon := time.Date(2025, 6, 9, 10, 0, 0, 0, time.UTC)
	require.Equal(t, 1, countBusinessDays(fri, mon))

	// Friday afternoon to Saturday: no business day.
	sat := time.Date(2025, 6, 7, 10, 0, 0, 0, time.UTC)
	require.Equal(t, 0, countBusinessDays(fri, sat))

	// Same day: nothing new.
	require.Equal(t, 0, countBusinessDays(fri, fri))

	// A full week has five.
	require.Equal(t, 5, countBusinessDays(fri, fri.AddDate(0, 0, 7)))
}

// chartHandler serves a minimal chart envelope for any ticker, recording the
// query parameters of each request.
func chartHandler(t *testing.T, timestamps []int64, queries *[]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if queries != nil {
			*queries = append(*queries, r.URL.RawQuery)
		}
		if strings.Contains(r.URL.Path, "/MISSING") {
			fmt.Fprint(w, `{"chart":{"result":[],"error":null}}`)
			return
		}
		var ts, opens, volumes []string
		for _, v := range timestamps {
			ts = append(ts, fmt.Sprint(v))
			opens = append(opens, "10.0")
			volumes = append(volumes, "1000")
		}
		fmt.Fprintf(w, `{"chart":{"result":[{"timestamp":[%s],
			"indicators":{"quote":[{"open":[%s],"high":[%s],"low":[%s],"close":[%s],"volume":[%s]}]}}],"error":null}}`,
			strings.Join(ts, ","), strings.Join(opens, ","), strings.Join(opens, ","),
			strings.Join(opens, ","), strings.Join(opens, ","), strings.Join(volumes, ","))
	}
}

func newTestFetchService(t *testing.T, baseURL string) (*FetchService, *config.Store) {
	t.Helper()
	root := t.TempDir()
	state := config.NewStore(root)
	reg, err := registry.Load(root)
	require.NoError(t, err)
	backend := store.NewRouter(state, store.DefaultOptions())
	return NewFetchService(NewChartClient(baseURL), backend, reg, "us", "yahoo", "stocks"), state
}

func TestHistoryFractionalVolume(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"chart":{"result":[{"timestamp":[1746106200],
			"indicators":{"quote":[{"open":[10.0],"high":[11.0],"low":[9.0],"close":[10.5],"volume":[1000.5]}]}}],"error":null}}`)
	}))
	defer srv.Close()

	bars, err := NewChartClient(srv.URL).HistoryPeriod(context.Background(), "AAPL", "1d", "5d")
	require.NoError(t, err)
	require.Len(t, bars, 1)
	require.NotNil(t, bars[0].Volume)
	require.Equal(t, int64(1000), *bars[0].Volume)
}

func TestUpdateTickerFullHistory(t *testing.T) {
	ts := time.Date(2025, 5, 1, 14, 30, 0, 0, time.UTC).Unix()
	var queries []string
	srv := httptest.NewServer(chartHandler(t, []int64{ts, ts + 60}, &queries))
	defer srv.Close()

	svc, _ := newTestFetchService(t, srv.URL)
	svc.WithClock(func() time.Time { return time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC) })
	svc.Registry.Add("AAPL")

	require.NoError(t, svc.UpdateTicker(context.Background(), "AAPL", "1d"))

	// Empty store: the full-history period shortcut is used.
	require.Len(t, queries, 1)
	require.Contains(t, queries[0], "range=10y")

	bars, err := svc.Store.Read(svc.request("AAPL", "1d"))
	require.NoError(t, err)
	require.Len(t, bars, 2)

	entry := svc.Registry.Get("AAPL")
	require.Equal(t, registry.StatusActive, entry.Intervals["1d"].Status)
	require.Equal(t, "2025-05-01", entry.Intervals["1d"].LastDataDate)
}

func TestUpdateTickerIncremental(t *testing.T) {
	old := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	fresh := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	var queries []string
	srv := httptest.NewServer(chartHandler(t, []int64{fresh.Unix()}, &queries))
	defer srv.Close()

	svc, _ := newTestFetchService(t, srv.URL)
	svc.WithClock(func() time.Time { return fresh.Add(20 * time.Hour) })

	// Seed the store so the incremental path runs.
	req := svc.request("AAPL", "1d")
	_, err := svc.Store.Save(req, seedBars("AAPL", old), nil)
	require.NoError(t, err)

	require.NoError(t, svc.UpdateTicker(context.Background(), "AAPL", "1d"))
	require.Len(t, queries, 1)
	require.Contains(t, queries[0], "period1=")

	bars, err := svc.Store.Read(req)
	require.NoError(t, err)
	require.Len(t, bars, 2)
}

func TestUpdateTickerSkipsWhenCurrent(t *testing.T) {
	now := time.Date(2025, 6, 7, 12, 0, 0, 0, time.UTC) // Saturday
	var queries []string
	srv := httptest.NewServer(chartHandler(t, nil, &queries))
	defer srv.Close()

	svc, _ := newTestFetchService(t, srv.URL)
	svc.WithClock(func() time.Time { return now })

	req := svc.request("AAPL", "1d")
	_, err := svc.Store.Save(req, seedBars("AAPL", now.AddDate(0, 0, -1)), nil)
	require.NoError(t, err)

	// Friday bar, Saturday clock: no business day has passed, no fetch.
	require.NoError(t, svc.UpdateTicker(context.Background(), "AAPL", "1d"))
	require.Empty(t, queries)
}

func TestUpdateTickerNotFound(t *testing.T) {
	srv := httptest.NewServer(chartHandler(t, nil, nil))
	defer srv.Close()

	svc, _ := newTestFetchService(t, srv.URL)
	svc.Registry.Add("MISSING")

	require.NoError(t, svc.UpdateTicker(context.Background(), "MISSING", "1d"))
	require.Equal(t, registry.StatusNotFound, svc.Registry.Get("MISSING").Intervals["1d"].Status)
}
