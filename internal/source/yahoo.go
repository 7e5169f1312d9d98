package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"halong/internal/config"
	"halong/internal/domain"
)

var _ Source = (*Yahoo)(nil)

const defaultYahooURL = "https://query1.finance.yahoo.com"

// Yahoo fetches daily bars from the Yahoo Finance chart API. Prices are
// rescaled by adjclose/close so the series is split and dividend adjusted.
type Yahoo struct {
	client *resty.Client
	suffix string
}

// NewYahoo creates a Yahoo source from cfg.
func NewYahoo(cfg config.Yahoo) *Yahoo {
	base := cfg.BaseURL
	if base == "" {
		base = defaultYahooURL
	}
	client := resty.New()
	client.SetTimeout(30 * time.Second)
	client.SetBaseURL(strings.TrimRight(base, "/"))
	client.SetHeader("User-Agent", "Mozilla/5.0")
	if cfg.Proxy != "" {
		client.SetProxy(cfg.Proxy)
	}
	return &Yahoo{client: client, suffix: cfg.Suffix}
}

// Name returns the provider identifier.
func (y *Yahoo) Name() string { return "yahoo" }

// yahooChart is the response structure from the chart API. Null cells decode
// as nil pointers.
type yahooChart struct {
	Chart struct {
		Result []struct {
			Meta struct {
				GMTOffset int64 `json:"gmtoffset"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
				AdjClose []struct {
					AdjClose []*float64 `json:"adjclose"`
				} `json:"adjclose"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// FetchBars fetches daily bars for symbol in [start, end].
func (y *Yahoo) FetchBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	resp, err := y.client.R().
		SetContext(ctx).
		SetPathParam("symbol", symbol+y.suffix).
		SetQueryParams(map[string]string{
			"interval": "1d",
			"period1":  strconv.FormatInt(domain.SessionDate(start).Unix(), 10),
			"period2":  strconv.FormatInt(domain.SessionDate(end).AddDate(0, 0, 1).Unix(), 10),
			"events":   "div,split",
		}).
		Get("/v8/finance/chart/{symbol}")
	if err != nil {
		return nil, fmt.Errorf("yahoo fetch %s: %w", symbol, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", symbol, ErrNoData)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("yahoo %s: status %d, body: %s", symbol, resp.StatusCode(), truncate(resp.String(), 200))
	}

	var chart yahooChart
	if err := json.Unmarshal(resp.Body(), &chart); err != nil {
		return nil, fmt.Errorf("yahoo decode %s: %w", symbol, err)
	}
	if chart.Chart.Error != nil {
		return nil, fmt.Errorf("yahoo api error %s: %s", symbol, chart.Chart.Error.Description)
	}
	if len(chart.Chart.Result) == 0 || len(chart.Chart.Result[0].Timestamp) == 0 ||
		len(chart.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, fmt.Errorf("%s: %w", symbol, ErrNoData)
	}

	result := chart.Chart.Result[0]
	quote := result.Indicators.Quote[0]
	var adj []*float64
	if len(result.Indicators.AdjClose) > 0 {
		adj = result.Indicators.AdjClose[0].AdjClose
	}

	bars := make([]domain.Bar, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		o, h, l, c := at(quote.Open, i), at(quote.High, i), at(quote.Low, i), at(quote.Close, i)
		if c == 0 {
			continue // null bar (holiday or halted session)
		}
		factor := 1.0
		if a := at(adj, i); a > 0 {
			factor = a / c
		}
		bars = append(bars, domain.Bar{
			Symbol: strings.ToUpper(symbol),
			Date:   domain.SessionDate(time.Unix(ts+result.Meta.GMTOffset, 0).UTC()),
			Open:   o * factor,
			High:   h * factor,
			Low:    l * factor,
			Close:  c * factor,
			Volume: int64(at(quote.Volume, i)),
		})
	}
	bars = filterRange(bars, start, end)
	if len(bars) == 0 {
		return nil, fmt.Errorf("%s: %w", symbol, ErrNoData)
	}
	return bars, nil
}

func at(vals []*float64, i int) float64 {
	if i >= len(vals) || vals[i] == nil {
		return 0
	}
	return *vals[i]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
