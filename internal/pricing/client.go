// Package pricing wraps the external market-data provider used as the
// last-resort source of a single historical closing price. The provider
// exposes a chart endpoint returning daily (timestamp, close) pairs for a
// date window; callers pick the point closest to their target date.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultBaseURL is the chart API host.
	DefaultBaseURL = "https://query1.finance.yahoo.com"

	chartEndpoint = "/v8/finance/chart/"

	// requestTimeout bounds every chart call. A slow provider degrades a
	// single timeframe to "absent", it must never stall a batch run.
	requestTimeout = 5 * time.Second

	userAgent = "stock-monitor-backend/1.0 (historical close fallback)"
)

// ChartPoint is one daily data point from the provider.
type ChartPoint struct {
	Timestamp time.Time
	Close     float64
}

// Client fetches historical closes from the chart API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a chart API client.
func NewClient(logger zerolog.Logger) *Client {
	return &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger.With().Str("component", "pricing-client").Logger(),
	}
}

// NewClientWithBaseURL creates a client against a non-default host,
// used by tests.
func NewClientWithBaseURL(baseURL string, logger zerolog.Logger) *Client {
	c := NewClient(logger)
	c.baseURL = baseURL
	return c
}

// chartResponse mirrors the provider's wire format. Close prices arrive
// as a nullable array parallel to the timestamp array.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// History fetches daily closes for a window around target. windowDays
// extends to both sides of the target date.
func (c *Client) History(ctx context.Context, symbol string, target time.Time, windowDays int) ([]ChartPoint, error) {
	period1 := target.AddDate(0, 0, -windowDays).Unix()
	period2 := target.AddDate(0, 0, windowDays).Unix()

	url := fmt.Sprintf("%s%s%s?period1=%d&period2=%d&interval=1d",
		c.baseURL, chartEndpoint, symbol, period1, period2)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	c.logger.Debug().Str("symbol", symbol).Str("url", url).Msg("fetching chart history")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var chart chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&chart); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if chart.Chart.Error != nil {
		return nil, fmt.Errorf("chart API error %s: %s",
			chart.Chart.Error.Code, chart.Chart.Error.Description)
	}
	if len(chart.Chart.Result) == 0 || len(chart.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, nil
	}

	result := chart.Chart.Result[0]
	closes := result.Indicators.Quote[0].Close

	var points []ChartPoint
	for i, ts := range result.Timestamp {
		if i >= len(closes) || closes[i] == nil {
			continue
		}
		points = append(points, ChartPoint{
			Timestamp: time.Unix(ts, 0).UTC(),
			Close:     *closes[i],
		})
	}
	return points, nil
}

// ClosingPriceAround returns the close nearest to the target date within
// ±windowDays. The second return reports whether the provider had any
// usable data point; errors are for transport or provider failures.
func (c *Client) ClosingPriceAround(ctx context.Context, symbol string, target time.Time, windowDays int) (ChartPoint, bool, error) {
	points, err := c.History(ctx, symbol, target, windowDays)
	if err != nil {
		return ChartPoint{}, false, err
	}
	if len(points) == 0 {
		return ChartPoint{}, false, nil
	}

	best := points[0]
	bestDist := absDuration(points[0].Timestamp.Sub(target))
	for _, p := range points[1:] {
		if d := absDuration(p.Timestamp.Sub(target)); d < bestDist {
			best, bestDist = p, d
		}
	}
	return best, true, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
