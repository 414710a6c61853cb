package environment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// EndpointMacroCollector reads macro indicators from a JSON endpoint, e.g.
// an internal data service. Expected payload:
// {"fed_rate": 4.5, "cpi": 3.1, "dxy": 104.2, "dxy_change_24h": -0.3}
type EndpointMacroCollector struct {
	URL        string
	HTTPClient *http.Client
}

// Collect implements MacroCollector.
func (c *EndpointMacroCollector) Collect(ctx context.Context) (*Macro, error) {
	if c.URL == "" {
		return nil, fmt.Errorf("macro endpoint not configured")
	}
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	body, err := httpGet(ctx, client, c.URL)
	if err != nil {
		return nil, err
	}

	var macro Macro
	if err := json.Unmarshal(body, &macro); err != nil {
		return nil, fmt.Errorf("unexpected macro payload: %w", err)
	}
	if macro.FedRate == nil && macro.CPI == nil && macro.DXY == nil {
		return nil, fmt.Errorf("macro payload carried no fields")
	}
	return &macro, nil
}

// StooqStocksCollector reads S&P 500 and NASDAQ levels from the free stooq
// CSV quote endpoint. No API key required.
type StooqStocksCollector struct {
	HTTPClient *http.Client
}

// Collect implements StocksCollector.
func (c *StooqStocksCollector) Collect(ctx context.Context) (*Stocks, error) {
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	stocks := &Stocks{}
	if level, change, err := c.quote(ctx, client, "^spx"); err == nil {
		stocks.SP500 = &level
		stocks.SP500Change24h = &change
	}
	if level, _, err := c.quote(ctx, client, "^ndq"); err == nil {
		stocks.Nasdaq = &level
	}

	if stocks.SP500 == nil && stocks.Nasdaq == nil {
		return nil, fmt.Errorf("no index quotes available")
	}
	return stocks, nil
}

// quote fetches one symbol's daily CSV row: Symbol,Date,Time,Open,High,Low,Close,Volume
func (c *StooqStocksCollector) quote(ctx context.Context, client *http.Client, symbol string) (level, change float64, err error) {
	url := fmt.Sprintf("https://stooq.com/q/l/?s=%s&f=sd2t2ohlcv&h&e=csv", symbol)
	body, err := httpGet(ctx, client, url)
	if err != nil {
		return 0, 0, err
	}

	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) < 2 {
		return 0, 0, fmt.Errorf("empty quote for %s", symbol)
	}
	fields := strings.Split(lines[1], ",")
	if len(fields) < 7 {
		return 0, 0, fmt.Errorf("malformed quote for %s", symbol)
	}

	open, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return 0, 0, err
	}
	closePrice, err := strconv.ParseFloat(fields[6], 64)
	if err != nil {
		return 0, 0, err
	}

	change = 0
	if open > 0 {
		change = (closePrice - open) / open * 100
	}
	return closePrice, change, nil
}
