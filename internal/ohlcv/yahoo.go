// Package ohlcv pulls interval-bounded OHLCV bars from a ticker-centric
// chart API, normalizes them into the storage schema, and schedules fetches
// across the registry under the smoothed rate limit.
package ohlcv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"tickvault/internal/domain"
	"tickvault/internal/util"
)

// ErrRateLimited marks an HTTP 429 from the chart API.
var ErrRateLimited = errors.New("rate limited (HTTP 429)")

// ChartClient is a thin client for the chart endpoint:
// GET {base}/v8/finance/chart/{ticker}?interval=...&period1=...&period2=...
type ChartClient struct {
	BaseURL string

	httpc *http.Client
	log   *slog.Logger
}

// NewChartClient creates a ChartClient for the given base URL.
func NewChartClient(baseURL string) *ChartClient {
	return &ChartClient{
		BaseURL: baseURL,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		log:     slog.Default().With("component", "chart-client"),
	}
}

// chartEnvelope is the subset of the response envelope the core needs.
type chartEnvelope struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open []*float64 `json:"open"`
					High []*float64 `json:"high"`
					Low  []*float64 `json:"low"`
					// Decoded as float: the provider has been seen emitting
					// fractional volumes on adjusted rows.
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// History fetches bars for [start, end] at the given interval.
func (c *ChartClient) History(ctx context.Context, ticker, interval string, start, end time.Time) ([]domain.Bar, error) {
	q := url.Values{}
	q.Set("interval", interval)
	q.Set("period1", strconv.FormatInt(start.Unix(), 10))
	q.Set("period2", strconv.FormatInt(end.Unix(), 10))
	return c.fetch(ctx, ticker, q)
}

// HistoryPeriod fetches bars for a provider-relative period such as "10y",
// "729d", or "8d". Used for the full-history shortcut when nothing is
// stored yet.
func (c *ChartClient) HistoryPeriod(ctx context.Context, ticker, interval, period string) ([]domain.Bar, error) {
	q := url.Values{}
	q.Set("interval", interval)
	q.Set("range", period)
	return c.fetch(ctx, ticker, q)
}

func (c *ChartClient) fetch(ctx context.Context, ticker string, q url.Values) ([]domain.Bar, error) {
	var bars []domain.Bar
	attempt := func() error {
		var aerr error
		bars, aerr = c.fetchOnce(ctx, ticker, q)
		return aerr
	}

	// 429s get the bounded backoff policy; one extra try covers transient
	// network failures.
	err := util.RetryIf(ctx, 4, 2*time.Second,
		func(err error) bool { return errors.Is(err, ErrRateLimited) },
		attempt)
	if err != nil && !errors.Is(err, ErrRateLimited) && ctx.Err() == nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = util.Retry(ctx, 1, time.Second, attempt)
		}
	}
	return bars, err
}

func (c *ChartClient) fetchOnce(ctx context.Context, ticker string, q url.Values) ([]domain.Bar, error) {
	u := fmt.Sprintf("%s/v8/finance/chart/%s?%s", c.BaseURL, url.PathEscape(ticker), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", ticker, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("fetching %s: %w", ticker, ErrRateLimited)
	case resp.StatusCode == http.StatusNotFound:
		// Unknown symbol: an empty fetch, not a hard error.
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetching %s: HTTP %d", ticker, resp.StatusCode)
	}

	var env chartEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", ticker, err)
	}
	if env.Chart.Error != nil {
		return nil, fmt.Errorf("fetching %s: %s (%s)", ticker, env.Chart.Error.Description, env.Chart.Error.Code)
	}
	if len(env.Chart.Result) == 0 {
		return nil, nil
	}

	res := env.Chart.Result[0]
	if len(res.Indicators.Quote) == 0 {
		return nil, nil
	}
	quote := res.Indicators.Quote[0]

	bars := make([]domain.Bar, 0, len(res.Timestamp))
	for i, ts := range res.Timestamp {
		// The provider pads gaps with nulls; a bar without prices is noise.
		if i >= len(quote.Open) || quote.Open[i] == nil || quote.High[i] == nil ||
			quote.Low[i] == nil || quote.Close[i] == nil {
			continue
		}
		bar := domain.Bar{
			Stock: ticker,
			Date:  domain.NaiveMillis(time.Unix(ts, 0).UTC()),
			Open:  *quote.Open[i],
			High:  *quote.High[i],
			Low:   *quote.Low[i],
			Close: *quote.Close[i],
		}
		if i < len(quote.Volume) && quote.Volume[i] != nil {
			bar.Volume = domain.Int64Ptr(int64(*quote.Volume[i]))
		}
		bars = append(bars, bar)
	}
	return bars, nil
}
