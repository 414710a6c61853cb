package environment

import "time"

// Macro holds macro-economic indicators. All fields optional.
type Macro struct {
	FedRate      *float64 `json:"fed_rate,omitempty"`
	CPI          *float64 `json:"cpi,omitempty"`
	DXY          *float64 `json:"dxy,omitempty"`
	DXYChange24h *float64 `json:"dxy_change_24h,omitempty"`
}

// Stocks holds equity index levels.
type Stocks struct {
	SP500          *float64 `json:"sp500,omitempty"`
	SP500Change24h *float64 `json:"sp500_change_24h,omitempty"`
	Nasdaq         *float64 `json:"nasdaq,omitempty"`
}

// Sentiment holds crypto sentiment gauges.
type Sentiment struct {
	FearGreed         *int     `json:"fear_greed,omitempty"` // 0-100
	Label             string   `json:"label,omitempty"`
	BTCFunding        *float64 `json:"btc_funding,omitempty"`
	ETHFunding        *float64 `json:"eth_funding,omitempty"`
	BTCLongShortRatio *float64 `json:"btc_long_short_ratio,omitempty"`
}

// CryptoOverview holds market-wide aggregates.
type CryptoOverview struct {
	TotalMarketCap *float64 `json:"total_market_cap,omitempty"`
	BTCDominance   *float64 `json:"btc_dominance,omitempty"`
	TotalChange24h *float64 `json:"total_change_24h,omitempty"`
}

// NewsEvent is a summarised news item.
type NewsEvent struct {
	Title          string   `json:"title"`
	Summary        string   `json:"summary"`
	ImpactLevel    string   `json:"impact_level"` // low | medium | high | critical
	Sentiment      string   `json:"sentiment"`
	RelatedSymbols []string `json:"related_symbols"`
}

// Environment is the multi-source aggregate the strategist reasons over.
type Environment struct {
	Timestamp         time.Time       `json:"timestamp"`
	Macro             *Macro          `json:"macro,omitempty"`
	Stocks            *Stocks         `json:"stocks,omitempty"`
	Sentiment         *Sentiment      `json:"sentiment,omitempty"`
	CryptoOverview    *CryptoOverview `json:"crypto_overview,omitempty"`
	NewsEvents        []NewsEvent     `json:"news_events,omitempty"`
	CompletenessScore float64         `json:"completeness_score"`
}

// Usable reports whether the environment carries enough signal for a
// strategist run: at least one of macro, sentiment, or crypto overview.
func (e *Environment) Usable() bool {
	return e != nil && (e.Macro != nil || e.Sentiment != nil || e.CryptoOverview != nil)
}
