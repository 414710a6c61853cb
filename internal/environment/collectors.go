package environment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"perp-trading-agent/internal/exchange"
	"perp-trading-agent/internal/llm"
)

// FearGreedCollector reads the alternative.me fear & greed index and venue
// funding/long-short data into the sentiment slot.
type FearGreedCollector struct {
	Client     exchange.Client
	HTTPClient *http.Client
}

// Collect implements SentimentCollector.
func (c *FearGreedCollector) Collect(ctx context.Context) (*Sentiment, error) {
	sentiment := &Sentiment{}

	if index, label, err := c.fetchFearGreed(ctx); err == nil {
		sentiment.FearGreed = &index
		sentiment.Label = label
	}

	if c.Client != nil {
		if funding, err := c.Client.FetchFundingRate(ctx, "BTC/USDT"); err == nil {
			sentiment.BTCFunding = &funding.Rate
		}
		if funding, err := c.Client.FetchFundingRate(ctx, "ETH/USDT"); err == nil {
			sentiment.ETHFunding = &funding.Rate
		}
		if ratio, err := c.Client.FetchLongShortRatio(ctx, "BTC/USDT"); err == nil {
			sentiment.BTCLongShortRatio = &ratio.Ratio
		}
	}

	if sentiment.FearGreed == nil && sentiment.BTCFunding == nil {
		return nil, fmt.Errorf("no sentiment data available")
	}
	return sentiment, nil
}

func (c *FearGreedCollector) fetchFearGreed(ctx context.Context) (int, string, error) {
	body, err := httpGet(ctx, c.httpClient(), "https://api.alternative.me/fng/?limit=1")
	if err != nil {
		return 0, "", err
	}

	var resp struct {
		Data []struct {
			Value          string `json:"value"`
			Classification string `json:"value_classification"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Data) == 0 {
		return 0, "", fmt.Errorf("unexpected fear-greed payload")
	}

	value, err := strconv.Atoi(resp.Data[0].Value)
	if err != nil {
		return 0, "", err
	}
	return value, resp.Data[0].Classification, nil
}

func (c *FearGreedCollector) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// GlobalOverviewCollector reads market-wide aggregates from the CoinGecko
// global endpoint.
type GlobalOverviewCollector struct {
	HTTPClient *http.Client
}

// Collect implements OverviewCollector.
func (c *GlobalOverviewCollector) Collect(ctx context.Context) (*CryptoOverview, error) {
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	body, err := httpGet(ctx, client, "https://api.coingecko.com/api/v3/global")
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			TotalMarketCap        map[string]float64 `json:"total_market_cap"`
			MarketCapPercentage   map[string]float64 `json:"market_cap_percentage"`
			MarketCapChange24hUSD float64            `json:"market_cap_change_percentage_24h_usd"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unexpected global payload: %w", err)
	}

	overview := &CryptoOverview{}
	if marketCap, ok := resp.Data.TotalMarketCap["usd"]; ok {
		overview.TotalMarketCap = &marketCap
	}
	if dominance, ok := resp.Data.MarketCapPercentage["btc"]; ok {
		overview.BTCDominance = &dominance
	}
	change := resp.Data.MarketCapChange24hUSD
	overview.TotalChange24h = &change
	return overview, nil
}

// FeedNewsCollector pulls headlines from a JSON feed and summarises each
// with a small model call. The whole path is optional: any provider error
// drops the slot.
type FeedNewsCollector struct {
	FeedURL    string
	Model      *llm.Client
	HTTPClient *http.Client
	MaxItems   int
}

// Collect implements NewsCollector.
func (c *FeedNewsCollector) Collect(ctx context.Context) ([]NewsEvent, error) {
	if c.FeedURL == "" || c.Model == nil || !c.Model.IsConfigured() {
		return nil, fmt.Errorf("news collection not configured")
	}
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	body, err := httpGet(ctx, client, c.FeedURL)
	if err != nil {
		return nil, err
	}

	var feed struct {
		Items []struct {
			Title string `json:"title"`
			Body  string `json:"body"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &feed); err != nil || len(feed.Items) == 0 {
		return nil, fmt.Errorf("empty news feed")
	}

	maxItems := c.MaxItems
	if maxItems == 0 {
		maxItems = 5
	}
	if len(feed.Items) > maxItems {
		feed.Items = feed.Items[:maxItems]
	}

	headlines, err := json.Marshal(feed.Items)
	if err != nil {
		return nil, err
	}

	system := "You summarise crypto market news. For each item return JSON: " +
		`[{"title":"...","summary":"one sentence","impact_level":"low|medium|high|critical",` +
		`"sentiment":"bullish|bearish|neutral","related_symbols":["BTC"]}]. Respond with JSON only.`

	raw, _, err := c.Model.Complete(ctx, system, string(headlines), true)
	if err != nil {
		return nil, err
	}

	var events []NewsEvent
	if err := llm.ParseInto(raw, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func httpGet(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
