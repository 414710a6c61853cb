// Package exchange implements the gateway to the trading venue: a uniform,
// rate-limited, retrying client over the venue's REST API, plus the symbol
// mapper and the optional user-data stream.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"perp-trading-agent/internal/logging"
)

// Client is the uniform venue interface consumed by the rest of the agent.
// Implementations must wrap every venue-native failure in the package's
// error taxonomy; callers never see raw transport errors.
type Client interface {
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	FetchOHLCV(ctx context.Context, symbol string, timeframe Timeframe, limit int) ([]Kline, error)
	FetchBalance(ctx context.Context) (*Balance, error)
	FetchPositions(ctx context.Context) ([]Position, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	FetchMyTrades(ctx context.Context, symbol string, since time.Time) ([]Trade, error)
	FetchFundingRate(ctx context.Context, symbol string) (*FundingRate, error)
	FetchLongShortRatio(ctx context.Context, symbol string) (*LongShortRatio, error)
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, id, symbol string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	HealthCheck(ctx context.Context) error
	Stats() Stats
}

const (
	futuresBaseURL    = "https://fapi.binance.com"
	futuresTestnetURL = "https://testnet.binancefuture.com"

	maxAttempts = 3
)

// backoff schedule for retryable failures
var retryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// endpointWeights is the venue's request cost table. Unlisted endpoints cost 1.
var endpointWeights = map[string]int{
	"/fapi/v2/account":         5,
	"/fapi/v2/positionRisk":    5,
	"/fapi/v1/klines":          5,
	"/fapi/v1/userTrades":      5,
	"/fapi/v1/allOpenOrders":   40,
	"/fapi/v1/ticker/24hr":     1,
	"/fapi/v1/premiumIndex":    1,
	"/fapi/v1/order":           1,
	"/fapi/v1/openOrders":      1,
	"/fapi/v1/leverage":        1,
}

// RestConfig configures the REST gateway.
type RestConfig struct {
	Venue             string
	APIKey            string
	SecretKey         string
	BaseURL           string
	TestNet           bool
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	BucketBurst       int
}

// RestClient is the production gateway implementation.
type RestClient struct {
	cfg        RestConfig
	baseURL    string
	httpClient *http.Client
	limiter    *RateLimiter
	mapper     *SymbolMapper
	readCache  *readCache
	log        *logging.Logger
}

var _ Client = (*RestClient)(nil)

// NewRestClient creates the gateway for the configured venue.
func NewRestClient(cfg RestConfig) *RestClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = futuresBaseURL
		if cfg.TestNet {
			baseURL = futuresTestnetURL
		}
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &RestClient{
		cfg:        cfg,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    NewRateLimiter(cfg.RequestsPerSecond, cfg.BucketBurst),
		mapper:     NewSymbolMapper(cfg.Venue, nil),
		readCache:  newReadCache(),
		log:        logging.New("exchange"),
	}
}

// Mapper exposes the symbol mapper for callers that translate notations.
func (c *RestClient) Mapper() *SymbolMapper { return c.mapper }

// Stats returns rate limiter statistics.
func (c *RestClient) Stats() Stats { return c.limiter.Stats() }

// HealthCheck pings the venue.
func (c *RestClient) HealthCheck(ctx context.Context) error {
	_, err := c.get(ctx, "/fapi/v1/ping", nil, false)
	return err
}

// FetchTicker returns the 24h ticker for a unified symbol. Served from a
// short TTL cache when a fresh copy exists.
func (c *RestClient) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	native, err := c.mapper.ToVenue(symbol)
	if err != nil {
		return nil, err
	}

	cacheKey := "ticker:" + native
	if cached, ok := c.readCache.get(cacheKey); ok {
		t := cached.(Ticker)
		return &t, nil
	}

	body, err := c.get(ctx, "/fapi/v1/ticker/24hr", map[string]string{"symbol": native}, false)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Symbol             string `json:"symbol"`
		LastPrice          string `json:"lastPrice"`
		BidPrice           string `json:"bidPrice"`
		AskPrice           string `json:"askPrice"`
		HighPrice          string `json:"highPrice"`
		LowPrice           string `json:"lowPrice"`
		Volume             string `json:"volume"`
		QuoteVolume        string `json:"quoteVolume"`
		PriceChangePercent string `json:"priceChangePercent"`
		CloseTime          int64  `json:"closeTime"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &NetworkError{Op: "fetch_ticker", Err: err}
	}

	ticker := Ticker{
		Symbol:           symbol,
		Timestamp:        time.UnixMilli(raw.CloseTime),
		Last:             parseFloat(raw.LastPrice),
		Bid:              parseFloat(raw.BidPrice),
		Ask:              parseFloat(raw.AskPrice),
		High24h:          parseFloat(raw.HighPrice),
		Low24h:           parseFloat(raw.LowPrice),
		BaseVolume:       parseFloat(raw.Volume),
		QuoteVolume:      parseFloat(raw.QuoteVolume),
		PercentChange24h: parseFloat(raw.PriceChangePercent),
	}
	c.readCache.put(cacheKey, ticker, 5*time.Second)
	return &ticker, nil
}

// FetchOHLCV returns up to limit recent candles.
func (c *RestClient) FetchOHLCV(ctx context.Context, symbol string, timeframe Timeframe, limit int) ([]Kline, error) {
	native, err := c.mapper.ToVenue(symbol)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	body, err := c.get(ctx, "/fapi/v1/klines", map[string]string{
		"symbol":   native,
		"interval": string(timeframe),
		"limit":    strconv.Itoa(limit),
	}, false)
	if err != nil {
		return nil, err
	}

	var rows [][]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, &NetworkError{Op: "fetch_ohlcv", Err: err}
	}

	klines := make([]Kline, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		openTime, _ := row[0].(float64)
		klines = append(klines, Kline{
			Symbol:    symbol,
			Timeframe: timeframe,
			OpenTime:  time.UnixMilli(int64(openTime)),
			Open:      parseFloatField(row[1]),
			High:      parseFloatField(row[2]),
			Low:       parseFloatField(row[3]),
			Close:     parseFloatField(row[4]),
			Volume:    parseFloatField(row[5]),
		})
	}
	return klines, nil
}

// FetchBalance returns the settlement-currency account balance.
func (c *RestClient) FetchBalance(ctx context.Context) (*Balance, error) {
	body, err := c.get(ctx, "/fapi/v2/account", nil, true)
	if err != nil {
		return nil, err
	}

	var raw struct {
		TotalWalletBalance string `json:"totalWalletBalance"`
		AvailableBalance   string `json:"availableBalance"`
		TotalMarginBalance string `json:"totalMarginBalance"`
		TotalUnrealized    string `json:"totalUnrealizedProfit"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &NetworkError{Op: "fetch_balance", Err: err}
	}

	return &Balance{
		WalletBalance:    parseFloat(raw.TotalWalletBalance),
		AvailableBalance: parseFloat(raw.AvailableBalance),
		MarginBalance:    parseFloat(raw.TotalMarginBalance),
		UnrealizedPnl:    parseFloat(raw.TotalUnrealized),
		Currency:         "USDT",
	}, nil
}

// FetchPositions returns all non-zero positions, one row per (symbol, side).
func (c *RestClient) FetchPositions(ctx context.Context) ([]Position, error) {
	body, err := c.get(ctx, "/fapi/v2/positionRisk", nil, true)
	if err != nil {
		return nil, err
	}

	var raws []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		LiquidationPrice string `json:"liquidationPrice"`
		Leverage         string `json:"leverage"`
		MaintMargin      string `json:"maintMargin"`
		PositionSide     string `json:"positionSide"`
		UpdateTime       int64  `json:"updateTime"`
	}
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, &NetworkError{Op: "fetch_positions", Err: err}
	}

	positions := make([]Position, 0, len(raws))
	for _, raw := range raws {
		amt := parseFloat(raw.PositionAmt)
		if amt == 0 {
			continue
		}
		side := SideBuy
		if raw.PositionSide == "SHORT" || (raw.PositionSide == "BOTH" && amt < 0) {
			side = SideSell
		}
		if amt < 0 {
			amt = -amt
		}
		leverage, _ := strconv.Atoi(raw.Leverage)
		positions = append(positions, Position{
			Symbol:            c.mapper.FromVenue(raw.Symbol),
			Side:              side,
			Amount:            amt,
			EntryPrice:        parseFloat(raw.EntryPrice),
			MarkPrice:         parseFloat(raw.MarkPrice),
			UnrealizedPnl:     parseFloat(raw.UnRealizedProfit),
			Leverage:          leverage,
			LiquidationPrice:  parseFloat(raw.LiquidationPrice),
			MaintenanceMargin: parseFloat(raw.MaintMargin),
			UpdatedAt:         time.UnixMilli(raw.UpdateTime),
		})
	}
	return positions, nil
}

// FetchOpenOrders returns open orders, optionally filtered by symbol.
func (c *RestClient) FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	params := map[string]string{}
	endpoint := "/fapi/v1/allOpenOrders"
	if symbol != "" {
		native, err := c.mapper.ToVenue(symbol)
		if err != nil {
			return nil, err
		}
		params["symbol"] = native
		endpoint = "/fapi/v1/openOrders"
	}

	body, err := c.get(ctx, endpoint, params, true)
	if err != nil {
		return nil, err
	}

	var raws []rawOrder
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, &NetworkError{Op: "fetch_open_orders", Err: err}
	}

	orders := make([]Order, 0, len(raws))
	for _, raw := range raws {
		orders = append(orders, raw.toOrder(c.mapper))
	}
	return orders, nil
}

// FetchMyTrades returns account fills for a symbol since the given time.
func (c *RestClient) FetchMyTrades(ctx context.Context, symbol string, since time.Time) ([]Trade, error) {
	native, err := c.mapper.ToVenue(symbol)
	if err != nil {
		return nil, err
	}
	params := map[string]string{"symbol": native, "limit": "500"}
	if !since.IsZero() {
		params["startTime"] = strconv.FormatInt(since.UnixMilli(), 10)
	}

	body, err := c.get(ctx, "/fapi/v1/userTrades", params, true)
	if err != nil {
		return nil, err
	}

	var raws []struct {
		ID           int64  `json:"id"`
		OrderID      int64  `json:"orderId"`
		Symbol       string `json:"symbol"`
		Side         string `json:"side"`
		PositionSide string `json:"positionSide"`
		Price        string `json:"price"`
		Qty          string `json:"qty"`
		QuoteQty     string `json:"quoteQty"`
		Commission   string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
		RealizedPnl  string `json:"realizedPnl"`
		Buyer        bool   `json:"buyer"`
		Time         int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, &NetworkError{Op: "fetch_my_trades", Err: err}
	}

	trades := make([]Trade, 0, len(raws))
	for _, raw := range raws {
		side := SideSell
		if strings.EqualFold(raw.Side, "BUY") || raw.Buyer {
			side = SideBuy
		}
		posSide := SideBuy
		if raw.PositionSide == "SHORT" {
			posSide = SideSell
		}
		trades = append(trades, Trade{
			ID:           strconv.FormatInt(raw.ID, 10),
			OrderID:      strconv.FormatInt(raw.OrderID, 10),
			Symbol:       c.mapper.FromVenue(raw.Symbol),
			Side:         side,
			PositionSide: posSide,
			Price:        parseFloat(raw.Price),
			Amount:       parseFloat(raw.Qty),
			Cost:         parseFloat(raw.QuoteQty),
			Fee:          parseFloat(raw.Commission),
			FeeCurrency:  raw.CommissionAsset,
			RealizedPnl:  parseFloat(raw.RealizedPnl),
			Timestamp:    time.UnixMilli(raw.Time),
		})
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].Timestamp.Before(trades[j].Timestamp) })
	return trades, nil
}

// FetchFundingRate returns the current funding rate for a perpetual symbol.
func (c *RestClient) FetchFundingRate(ctx context.Context, symbol string) (*FundingRate, error) {
	native, err := c.mapper.ToVenue(symbol)
	if err != nil {
		return nil, err
	}

	cacheKey := "funding:" + native
	if cached, ok := c.readCache.get(cacheKey); ok {
		fr := cached.(FundingRate)
		return &fr, nil
	}

	body, err := c.get(ctx, "/fapi/v1/premiumIndex", map[string]string{"symbol": native}, false)
	if err != nil {
		return nil, err
	}

	var raw struct {
		LastFundingRate string `json:"lastFundingRate"`
		NextFundingTime int64  `json:"nextFundingTime"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &NetworkError{Op: "fetch_funding_rate", Err: err}
	}

	fr := FundingRate{
		Symbol:      symbol,
		Rate:        parseFloat(raw.LastFundingRate),
		NextFunding: time.UnixMilli(raw.NextFundingTime),
	}
	c.readCache.put(cacheKey, fr, 60*time.Second)
	return &fr, nil
}

// FetchLongShortRatio returns the venue's global account long/short ratio.
func (c *RestClient) FetchLongShortRatio(ctx context.Context, symbol string) (*LongShortRatio, error) {
	native, err := c.mapper.ToVenue(symbol)
	if err != nil {
		return nil, err
	}

	cacheKey := "lsr:" + native
	if cached, ok := c.readCache.get(cacheKey); ok {
		r := cached.(LongShortRatio)
		return &r, nil
	}

	body, err := c.get(ctx, "/futures/data/globalLongShortAccountRatio", map[string]string{
		"symbol": native, "period": "15m", "limit": "1",
	}, false)
	if err != nil {
		return nil, err
	}

	var raws []struct {
		LongShortRatio string `json:"longShortRatio"`
	}
	if err := json.Unmarshal(body, &raws); err != nil || len(raws) == 0 {
		return nil, &NetworkError{Op: "fetch_long_short_ratio", Err: fmt.Errorf("empty response")}
	}

	ratio := LongShortRatio{Symbol: symbol, Ratio: parseFloat(raws[0].LongShortRatio)}
	c.readCache.put(cacheKey, ratio, 60*time.Second)
	return &ratio, nil
}

// CreateOrder submits an order. Never cached, never retried past the
// taxonomy's rules; the clientOrderId makes venue-side retries safe.
func (c *RestClient) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	native, err := c.mapper.ToVenue(req.Symbol)
	if err != nil {
		return nil, err
	}

	params := map[string]string{
		"symbol":   native,
		"side":     strings.ToUpper(string(req.Side)),
		"type":     venueOrderType(req.Type),
		"quantity": strconv.FormatFloat(req.Amount, 'f', -1, 64),
	}
	if req.Price > 0 {
		params["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
		params["timeInForce"] = "GTC"
	}
	if req.StopPrice > 0 {
		params["stopPrice"] = strconv.FormatFloat(req.StopPrice, 'f', -1, 64)
	}
	if req.ReduceOnly {
		params["reduceOnly"] = "true"
	}
	if req.PositionSide != "" {
		if req.PositionSide == SideBuy {
			params["positionSide"] = "LONG"
		} else {
			params["positionSide"] = "SHORT"
		}
	}
	if req.ClientOrderID != "" {
		params["newClientOrderId"] = req.ClientOrderID
	}

	body, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return nil, err
	}

	var raw rawOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &NetworkError{Op: "create_order", Err: err}
	}
	order := raw.toOrder(c.mapper)
	order.Raw = string(body)
	return &order, nil
}

// CancelOrder cancels one order by venue id.
func (c *RestClient) CancelOrder(ctx context.Context, id, symbol string) error {
	native, err := c.mapper.ToVenue(symbol)
	if err != nil {
		return err
	}
	_, err = c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/order", map[string]string{
		"symbol":  native,
		"orderId": id,
	})
	if err != nil {
		var exErr *ExchangeError
		if errors.As(err, &exErr) && strings.Contains(strings.ToLower(exErr.Message), "unknown order") {
			return &OrderQueryError{OrderID: id, Symbol: symbol}
		}
	}
	return err
}

// SetLeverage sets leverage for a symbol. Idempotent at the venue.
func (c *RestClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	native, err := c.mapper.ToVenue(symbol)
	if err != nil {
		return err
	}
	_, err = c.signedRequest(ctx, http.MethodPost, "/fapi/v1/leverage", map[string]string{
		"symbol":   native,
		"leverage": strconv.Itoa(leverage),
	})
	return err
}

// ==================== TRANSPORT ====================

func (c *RestClient) get(ctx context.Context, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	if signed {
		return c.signedRequest(ctx, http.MethodGet, endpoint, params)
	}
	return c.request(ctx, http.MethodGet, endpoint, params, false)
}

func (c *RestClient) signedRequest(ctx context.Context, method, endpoint string, params map[string]string) ([]byte, error) {
	return c.request(ctx, method, endpoint, params, true)
}

func (c *RestClient) request(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	weight := endpointWeights[endpoint]
	if weight == 0 {
		weight = 1
	}

	// Orders are never retried at this level beyond the taxonomy rules;
	// writes are distinguished by method.
	isWrite := method != http.MethodGet

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := c.limiter.Acquire(ctx, weight); err != nil {
			return nil, &NetworkError{Op: endpoint, Err: err}
		}

		body, err := c.doOnce(ctx, method, endpoint, params, signed)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return nil, err
		}
		// A write that may have reached the venue is not replayed blindly;
		// the clientOrderId dedups it venue-side, so a retry is safe for
		// orders and harmless for everything else.
		if attempt == maxAttempts-1 {
			break
		}

		delay := retryDelays[attempt]
		var rlErr *RateLimitError
		if errors.As(err, &rlErr) {
			c.limiter.Penalize(delay)
			delay += 2 * time.Second
		}
		c.log.Warn().Str("endpoint", endpoint).Bool("write", isWrite).
			Int("attempt", attempt+1).Dur("delay", delay).Err(err).Msg("retrying venue call")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &NetworkError{Op: endpoint, Err: ctx.Err()}
		case <-timer.C:
		}
	}
	return nil, lastErr
}

func (c *RestClient) doOnce(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	if signed {
		values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		values.Set("recvWindow", "10000")
		values.Set("signature", c.sign(values.Encode()))
	}

	reqURL := c.baseURL + endpoint
	if encoded := values.Encode(); encoded != "" {
		reqURL += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, &NetworkError{Op: endpoint, Err: err}
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: endpoint, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418:
		return nil, &RateLimitError{Op: endpoint, RetryAfter: parseBanUntil(string(body))}
	case resp.StatusCode >= 500:
		// Some venues surface order rejections behind 5xx; those must not
		// be replayed.
		if isHardRejection(string(body)) {
			return nil, &ExchangeError{Op: endpoint, Code: resp.StatusCode, Message: string(body)}
		}
		return nil, &NetworkError{Op: endpoint, Err: fmt.Errorf("venue %d: %s", resp.StatusCode, string(body))}
	default:
		// 4xx and explicit hard rejections are never retried.
		return nil, &ExchangeError{Op: endpoint, Code: resp.StatusCode, Message: string(body)}
	}
}

func (c *RestClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(strings.TrimSpace(c.cfg.SecretKey)))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// ==================== HELPERS ====================

type rawOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	PositionSide  string `json:"positionSide"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	ReduceOnly    bool   `json:"reduceOnly"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

func (r rawOrder) toOrder(mapper *SymbolMapper) Order {
	side := SideBuy
	if strings.EqualFold(r.Side, "SELL") {
		side = SideSell
	}
	posSide := side
	if r.PositionSide == "SHORT" {
		posSide = SideSell
	} else if r.PositionSide == "LONG" {
		posSide = SideBuy
	}
	return Order{
		ID:            strconv.FormatInt(r.OrderID, 10),
		ClientOrderID: r.ClientOrderID,
		Symbol:        mapper.FromVenue(r.Symbol),
		Side:          side,
		PositionSide:  posSide,
		Type:          unifiedOrderType(r.Type),
		Status:        unifiedOrderStatus(r.Status),
		Price:         parseFloat(r.Price),
		StopPrice:     parseFloat(r.StopPrice),
		Amount:        parseFloat(r.OrigQty),
		Filled:        parseFloat(r.ExecutedQty),
		Average:       parseFloat(r.AvgPrice),
		ReduceOnly:    r.ReduceOnly,
		CreatedAt:     time.UnixMilli(r.Time),
		UpdatedAt:     time.UnixMilli(r.UpdateTime),
	}
}

func venueOrderType(t OrderType) string {
	switch t {
	case OrderTypeMarket:
		return "MARKET"
	case OrderTypeLimit:
		return "LIMIT"
	case OrderTypeStopMarket:
		return "STOP_MARKET"
	case OrderTypeTakeProfitMarket:
		return "TAKE_PROFIT_MARKET"
	default:
		return "MARKET"
	}
}

func unifiedOrderType(t string) OrderType {
	switch strings.ToUpper(t) {
	case "LIMIT":
		return OrderTypeLimit
	case "STOP_MARKET", "STOP":
		return OrderTypeStopMarket
	case "TAKE_PROFIT_MARKET", "TAKE_PROFIT":
		return OrderTypeTakeProfitMarket
	default:
		return OrderTypeMarket
	}
}

func unifiedOrderStatus(s string) OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return OrderStatusOpen
	case "PARTIALLY_FILLED":
		return OrderStatusPartial
	case "FILLED":
		return OrderStatusFilled
	case "CANCELED", "CANCELLED":
		return OrderStatusCancelled
	case "REJECTED":
		return OrderStatusRejected
	case "EXPIRED":
		return OrderStatusExpired
	default:
		return OrderStatusPending
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseFloatField(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		return parseFloat(t)
	case float64:
		return t
	default:
		return 0
	}
}

// parseBanUntil extracts the ban-lift timestamp from a venue rate-limit
// error body, 0 if absent.
func parseBanUntil(body string) int64 {
	idx := strings.Index(body, "banned until ")
	if idx < 0 {
		return 0
	}
	rest := body[idx+len("banned until "):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	ts, err := strconv.ParseInt(rest[:end], 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

