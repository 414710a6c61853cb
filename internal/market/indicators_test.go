package market

import (
	"math"
	"testing"
	"time"

	"perp-trading-agent/internal/exchange"
)

func floatEquals(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

func klinesFromCloses(closes []float64) []exchange.Kline {
	out := make([]exchange.Kline, len(closes))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		out[i] = exchange.Kline{
			Symbol:    "BTC/USDT",
			Timeframe: exchange.Timeframe15m,
			OpenTime:  base.Add(time.Duration(i) * 15 * time.Minute),
			Open:      c, High: c, Low: c, Close: c,
			Volume: 1,
		}
	}
	return out
}

func TestSMA(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 5}
	if got := SMA(closes, 5); !floatEquals(got, 3, 1e-9) {
		t.Errorf("SMA = %v, want 3", got)
	}
	if got := SMA(closes, 2); !floatEquals(got, 4.5, 1e-9) {
		t.Errorf("SMA(2) = %v, want 4.5", got)
	}
	if got := SMA(closes, 10); got != 0 {
		t.Errorf("SMA with short input = %v, want 0", got)
	}
}

func TestRSI_Extremes(t *testing.T) {
	rising := make([]float64, 20)
	for i := range rising {
		rising[i] = 100 + float64(i)
	}
	if got := RSI(rising, 14); !floatEquals(got, 100, 1e-9) {
		t.Errorf("RSI of monotone rise = %v, want 100", got)
	}

	falling := make([]float64, 20)
	for i := range falling {
		falling[i] = 100 - float64(i)
	}
	if got := RSI(falling, 14); got > 1 {
		t.Errorf("RSI of monotone fall = %v, want near 0", got)
	}

	if got := RSI([]float64{1, 2}, 14); !floatEquals(got, 50, 1e-9) {
		t.Errorf("RSI with short input = %v, want neutral 50", got)
	}
}

func TestBollinger_FlatSeries(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 50
	}
	bands := Bollinger(closes, 20, 2)
	if !floatEquals(bands.Middle, 50, 1e-9) || !floatEquals(bands.Upper, 50, 1e-9) || !floatEquals(bands.Lower, 50, 1e-9) {
		t.Errorf("flat series bands = %+v, want all 50", bands)
	}
}

func TestBollinger_Ordering(t *testing.T) {
	closes := []float64{
		48, 52, 49, 53, 47, 51, 50, 54, 46, 52,
		49, 51, 48, 53, 50, 47, 52, 49, 51, 50,
		48, 53, 49, 52, 50,
	}
	bands := Bollinger(closes, 20, 2)
	if !(bands.Lower < bands.Middle && bands.Middle < bands.Upper) {
		t.Errorf("band ordering violated: %+v", bands)
	}
}

func TestMACD_TrendSign(t *testing.T) {
	rising := make([]float64, 60)
	for i := range rising {
		rising[i] = 100 + float64(i)*2
	}
	macd := MACD(rising, 12, 26, 9)
	if macd.Line <= 0 {
		t.Errorf("MACD line of an uptrend = %v, want positive", macd.Line)
	}

	falling := make([]float64, 60)
	for i := range falling {
		falling[i] = 300 - float64(i)*2
	}
	macd = MACD(falling, 12, 26, 9)
	if macd.Line >= 0 {
		t.Errorf("MACD line of a downtrend = %v, want negative", macd.Line)
	}
}

func TestMACD_HistogramConsistency(t *testing.T) {
	closes := make([]float64, 80)
	for i := range closes {
		closes[i] = 100 + 10*math.Sin(float64(i)/5)
	}
	macd := MACD(closes, 12, 26, 9)
	if !floatEquals(macd.Histogram, macd.Line-macd.Signal, 1e-9) {
		t.Errorf("histogram %v != line-signal %v", macd.Histogram, macd.Line-macd.Signal)
	}
}

func TestComputeIndicators_RequiresEnoughCandles(t *testing.T) {
	if bundle := ComputeIndicators(klinesFromCloses(make([]float64, 29))); bundle != nil {
		t.Error("expected nil bundle below the candle floor")
	}

	closes := make([]float64, 100)
	for i := range closes {
		closes[i] = 100 + float64(i%7)
	}
	bundle := ComputeIndicators(klinesFromCloses(closes))
	if bundle == nil {
		t.Fatal("expected a bundle with 100 candles")
	}
	if bundle.RSI14 < 0 || bundle.RSI14 > 100 {
		t.Errorf("RSI out of range: %v", bundle.RSI14)
	}
	if bundle.SMAFast == 0 || bundle.SMASlow == 0 {
		t.Error("SMA values missing")
	}
}
