package market

import (
	"math"

	"perp-trading-agent/internal/exchange"
)

// MACDResult holds MACD line, signal line, and histogram.
type MACDResult struct {
	Line      float64 `json:"line"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// BollingerResult holds Bollinger band values.
type BollingerResult struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

// IndicatorBundle is the fused indicator view attached to a snapshot.
type IndicatorBundle struct {
	RSI14     float64         `json:"rsi_14"`
	MACD      MACDResult      `json:"macd"`
	SMAFast   float64         `json:"sma_fast"`
	SMASlow   float64         `json:"sma_slow"`
	Bollinger BollingerResult `json:"bollinger"`
}

// minIndicatorCandles is the floor below which indicators are not computed
// and the snapshot is withheld from the trader.
const minIndicatorCandles = 30

// ComputeIndicators builds the indicator bundle from candles, oldest first.
// Returns nil when fewer than minIndicatorCandles are available.
func ComputeIndicators(klines []exchange.Kline) *IndicatorBundle {
	if len(klines) < minIndicatorCandles {
		return nil
	}

	closes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
	}

	return &IndicatorBundle{
		RSI14:     RSI(closes, 14),
		MACD:      MACD(closes, 12, 26, 9),
		SMAFast:   SMA(closes, 7),
		SMASlow:   SMA(closes, 25),
		Bollinger: Bollinger(closes, 20, 2.0),
	}
}

// SMA is the simple moving average of the final period values.
func SMA(closes []float64, period int) float64 {
	if len(closes) < period || period <= 0 {
		return 0
	}
	sum := 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		sum += closes[i]
	}
	return sum / float64(period)
}

// emaSeries computes the EMA over the whole series, seeded with the SMA of
// the first period values. Returns one value per input from index period-1.
func emaSeries(closes []float64, period int) []float64 {
	if len(closes) < period || period <= 0 {
		return nil
	}

	seed := 0.0
	for i := 0; i < period; i++ {
		seed += closes[i]
	}
	seed /= float64(period)

	multiplier := 2.0 / float64(period+1)
	out := make([]float64, 0, len(closes)-period+1)
	out = append(out, seed)
	ema := seed
	for i := period; i < len(closes); i++ {
		ema = (closes[i]-ema)*multiplier + ema
		out = append(out, ema)
	}
	return out
}

// EMA is the exponential moving average of the series at its last value.
func EMA(closes []float64, period int) float64 {
	series := emaSeries(closes, period)
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

// RSI is Wilder's relative strength index over the final period+1 closes.
func RSI(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 50.0
	}

	gains := 0.0
	losses := 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100.0
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// MACD computes the MACD line as fastEMA-slowEMA and the signal line as the
// EMA of the MACD series itself.
func MACD(closes []float64, fastPeriod, slowPeriod, signalPeriod int) MACDResult {
	if len(closes) < slowPeriod+signalPeriod {
		return MACDResult{}
	}

	fast := emaSeries(closes, fastPeriod)
	slow := emaSeries(closes, slowPeriod)

	// Align the two series on their tails.
	n := len(slow)
	if len(fast) < n {
		n = len(fast)
	}
	macdSeries := make([]float64, n)
	for i := 0; i < n; i++ {
		macdSeries[i] = fast[len(fast)-n+i] - slow[len(slow)-n+i]
	}

	signalSeries := emaSeries(macdSeries, signalPeriod)
	if len(signalSeries) == 0 {
		return MACDResult{Line: macdSeries[n-1]}
	}

	line := macdSeries[n-1]
	signal := signalSeries[len(signalSeries)-1]
	return MACDResult{Line: line, Signal: signal, Histogram: line - signal}
}

// Bollinger computes the bands as SMA ± multiplier × population stddev.
func Bollinger(closes []float64, period int, multiplier float64) BollingerResult {
	if len(closes) < period {
		return BollingerResult{}
	}

	middle := SMA(closes, period)
	variance := 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		diff := closes[i] - middle
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(period))

	return BollingerResult{
		Upper:  middle + multiplier*stdDev,
		Middle: middle,
		Lower:  middle - multiplier*stdDev,
	}
}
