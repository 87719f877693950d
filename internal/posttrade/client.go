// Package posttrade harvests the exchange posttrade drop: a rolling ~24 h
// window of gzipped JSONL files published per minute, listed and downloaded
// over HTTP under a strict pacing discipline.
package posttrade

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"tickvault/internal/domain"
	"tickvault/internal/hours"
	"tickvault/internal/util"
)

// FileType is the drop flavor this system consumes.
const FileType = "posttrade"

// fileTimeLayout is the timestamp embedded in drop filenames.
const fileTimeLayout = "2006-01-02T15_04"

var (
	// ErrRateLimited marks an HTTP 429 from the drop.
	ErrRateLimited = errors.New("rate limited (HTTP 429)")
	// ErrExpiredToken marks an HTTP 400 whose signed download URL has aged
	// out. The caller skips the filename and continues.
	ErrExpiredToken = errors.New("download token expired")
)

// listResponse is the provider's listing envelope.
type listResponse struct {
	SourcePrefix string   `json:"SourcePrefix"`
	CurrentFiles []string `json:"CurrentFiles"`
}

// venueWindows holds per-venue trading windows in Europe/Berlin local time.
// Files outside the window are skipped; venues not listed here are kept in
// full.
var venueWindows = map[string]hours.Window{
	"DETR": {StartHour: 9, StartMin: 0, EndHour: 17, EndMin: 45},  // Xetra
	"DFRA": {StartHour: 8, StartMin: 0, EndHour: 22, EndMin: 0},   // Boerse Frankfurt
	"DGAT": {StartHour: 9, StartMin: 0, EndHour: 17, EndMin: 45},  // Xetra ETFs
	"DEUR": {StartHour: 8, StartMin: 0, EndHour: 22, EndMin: 0},   // Eurex off-book
}

// Client talks to the posttrade drop. Every network call goes through the
// limiter first.
type Client struct {
	BaseURL string

	httpc   *http.Client
	limiter util.Limiter
	log     *slog.Logger
}

// NewClient creates a Client for the drop at baseURL, pacing requests
// through limiter.
func NewClient(baseURL string, limiter util.Limiter) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 30 * time.Second},
		limiter: limiter,
		log:     slog.Default().With("component", "posttrade-client"),
	}
}

// ListFiles returns the canonical names of every file currently retained for
// the venue: {venue}-posttrade-{YYYY-MM-DD}T{HH}_{MM}.json.gz. A 404 means
// the window is empty.
func (c *Client) ListFiles(ctx context.Context, venue string) ([]string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s-%s", c.BaseURL, venue, FileType)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing %s files: %w", venue, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing %s files: HTTP %d", venue, resp.StatusCode)
	}

	var listing listResponse
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("decoding %s listing: %w", venue, err)
	}

	files := make([]string, 0, len(listing.CurrentFiles))
	for _, name := range listing.CurrentFiles {
		rest := strings.TrimPrefix(name, listing.SourcePrefix+"-")
		files = append(files, fmt.Sprintf("%s-%s-%s", venue, FileType, rest))
	}
	return files, nil
}

// FileTime extracts the UTC timestamp embedded in a canonical drop filename.
func FileTime(name string) (time.Time, bool) {
	base := strings.TrimSuffix(name, ".json.gz")
	if base == name || len(base) < len(fileTimeLayout) {
		return time.Time{}, false
	}
	ts, err := time.Parse(fileTimeLayout, base[len(base)-len(fileTimeLayout):])
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

// FilterTradingHours keeps the files whose UTC timestamp falls inside the
// venue's local trading window, honoring DST. Unknown venues skip filtering;
// unparseable filenames are kept (fail-open).
func FilterTradingHours(files []string, venue string) []string {
	window, ok := venueWindows[venue]
	if !ok {
		return files
	}
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		return files
	}

	start := window.StartHour*60 + window.StartMin
	end := window.EndHour*60 + window.EndMin

	kept := files[:0:0]
	for _, f := range files {
		ts, ok := FileTime(f)
		if !ok {
			kept = append(kept, f)
			continue
		}
		local := ts.In(berlin)
		cur := local.Hour()*60 + local.Minute()
		within := cur >= start && cur <= end
		if start > end {
			within = cur >= start || cur <= end
		}
		if within {
			kept = append(kept, f)
		}
	}
	return kept
}

// Download fetches one file's raw gzipped bytes. HTTP 429 is retried with
// bounded exponential backoff (2 s base, 4 attempts) before surfacing.
func (c *Client) Download(ctx context.Context, filename string) ([]byte, error) {
	var body []byte
	err := util.RetryIf(ctx, 4, 2*time.Second,
		func(err error) bool { return errors.Is(err, ErrRateLimited) },
		func() error {
			var derr error
			body, derr = c.downloadOnce(ctx, filename)
			return derr
		})
	return body, err
}

func (c *Client) downloadOnce(ctx context.Context, filename string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/download/%s", c.BaseURL, filename)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", filename, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return io.ReadAll(resp.Body)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("downloading %s: %w", filename, ErrRateLimited)
	case resp.StatusCode == http.StatusBadRequest:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if bytes.Contains(msg, []byte("ExpiredToken")) {
			return nil, fmt.Errorf("downloading %s: %w", filename, ErrExpiredToken)
		}
		return nil, fmt.Errorf("downloading %s: HTTP 400: %s", filename, msg)
	default:
		return nil, fmt.Errorf("downloading %s: HTTP %d", filename, resp.StatusCode)
	}
}

// FetchTrades downloads, gunzips, and parses one drop file into the full
// canonical trade schema.
func (c *Client) FetchTrades(ctx context.Context, filename string) ([]domain.Trade, error) {
	raw, err := c.Download(ctx, filename)
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("gunzipping %s: %w", filename, err)
	}
	defer gz.Close()

	trades, err := ParseTrades(gz)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filename, err)
	}
	return trades, nil
}

// wireTrade mirrors the provider's JSONL field names.
type wireTrade struct {
	Isin                         *string  `json:"isin"`
	Mnemonic                     *string  `json:"mnemonic"`
	SecurityType                 *string  `json:"securityType"`
	Currency                     *string  `json:"currency"`
	LastPrice                    *float64 `json:"lastPrice"`
	LastQty                      *float64 `json:"lastQty"`
	LastTradeTime                *string  `json:"lastTradeTime"`
	DistributionDateTime         *string  `json:"distributionDateTime"`
	TransIDCode                  *string  `json:"transIdCode"`
	TickID                       *int64   `json:"tickId"`
	TradeType                    *string  `json:"tradeType"`
	AlgoIndicator                *string  `json:"algoIndicator"`
	MmtMarketMechanism           *string  `json:"mmtMarketMechanism"`
	MmtTradingMode               *string  `json:"mmtTradingMode"`
	MmtTransactionCategory       *string  `json:"mmtTransactionCategory"`
	MmtNegotiationIndicator      *string  `json:"mmtNegotiationIndicator"`
	MmtAgencyCrossIndicator      *string  `json:"mmtAgencyCrossIndicator"`
	MmtModificationIndicator     *string  `json:"mmtModificationIndicator"`
	MmtBenchmarkIndicator        *string  `json:"mmtBenchmarkIndicator"`
	MmtSpecialDividendIndicator  *string  `json:"mmtSpecialDividendIndicator"`
	MmtOffBookAutomatedIndicator *string  `json:"mmtOffBookAutomatedIndicator"`
	MmtPublicationMode           *string  `json:"mmtPublicationMode"`
}

// ParseTrades decodes JSON lines into trades. Every record must carry the
// seven required fields; missing optional fields become nulls so the column
// set is identical across files.
func ParseTrades(r io.Reader) ([]domain.Trade, error) {
	var trades []domain.Trade
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var w wireTrade
		if err := json.Unmarshal([]byte(text), &w); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		t, err := w.toTrade()
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		trades = append(trades, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return trades, nil
}

func (w wireTrade) toTrade() (domain.Trade, error) {
	var missing []string
	if w.Isin == nil {
		missing = append(missing, "isin")
	}
	if w.LastPrice == nil {
		missing = append(missing, "lastPrice")
	}
	if w.LastQty == nil {
		missing = append(missing, "lastQty")
	}
	if w.Currency == nil {
		missing = append(missing, "currency")
	}
	if w.LastTradeTime == nil {
		missing = append(missing, "lastTradeTime")
	}
	if w.TransIDCode == nil {
		missing = append(missing, "transIdCode")
	}
	if w.TickID == nil {
		missing = append(missing, "tickId")
	}
	if len(missing) > 0 {
		return domain.Trade{}, fmt.Errorf("missing required fields %v", missing)
	}

	tradeTime, err := parseNaiveNanos(*w.LastTradeTime)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("lastTradeTime: %w", err)
	}

	t := domain.Trade{
		Isin:                         *w.Isin,
		Mnemonic:                     w.Mnemonic,
		SecurityType:                 w.SecurityType,
		Currency:                     *w.Currency,
		Price:                        *w.LastPrice,
		Volume:                       *w.LastQty,
		TradeTime:                    tradeTime,
		TransID:                      *w.TransIDCode,
		TickID:                       *w.TickID,
		TradeType:                    w.TradeType,
		AlgoIndicator:                w.AlgoIndicator != nil && *w.AlgoIndicator == "H",
		MmtMarketMechanism:           w.MmtMarketMechanism,
		MmtTradingMode:               w.MmtTradingMode,
		MmtTransactionCategory:       w.MmtTransactionCategory,
		MmtNegotiationIndicator:      w.MmtNegotiationIndicator,
		MmtAgencyCrossIndicator:      w.MmtAgencyCrossIndicator,
		MmtModificationIndicator:     w.MmtModificationIndicator,
		MmtBenchmarkIndicator:        w.MmtBenchmarkIndicator,
		MmtSpecialDividendIndicator:  w.MmtSpecialDividendIndicator,
		MmtOffBookAutomatedIndicator: w.MmtOffBookAutomatedIndicator,
		MmtPublicationMode:           w.MmtPublicationMode,
	}

	if w.DistributionDateTime != nil {
		ns, err := parseNaiveNanos(*w.DistributionDateTime)
		if err != nil {
			return domain.Trade{}, fmt.Errorf("distributionDateTime: %w", err)
		}
		t.DistributionTime = domain.Int64Ptr(ns)
	}
	return t, nil
}

// parseNaiveNanos parses a nanosecond ISO-8601 timestamp with Z suffix into
// timezone-naive Unix nanoseconds.
func parseNaiveNanos(s string) (int64, error) {
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, err
	}
	return ts.UTC().UnixNano(), nil
}
