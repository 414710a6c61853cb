package trader

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"perp-trading-agent/internal/exchange"
	"perp-trading-agent/internal/llm"
	"perp-trading-agent/internal/market"
	"perp-trading-agent/internal/portfolio"
	"perp-trading-agent/internal/regime"
)

type fakeModel struct {
	response string
	err      error
	calls    int
}

func (f *fakeModel) Complete(ctx context.Context, systemPrompt, userPrompt string, jsonOnly bool) (string, llm.Usage, error) {
	f.calls++
	return f.response, llm.Usage{Model: "fake"}, f.err
}

func testRegime(symbols ...string) *regime.Regime {
	now := time.Now().UTC()
	return &regime.Regime{
		Regime:                   regime.Bull,
		RiskLevel:                regime.RiskMedium,
		TradingMode:              regime.ModeNormal,
		RecommendedSymbols:       symbols,
		CashRatioTarget:          0.2,
		PositionSizingMultiplier: 1.0,
		Confidence:               0.8,
		CreatedAt:                now,
		ValidUntil:               now.Add(time.Hour),
	}
}

// buildMarkets creates a builder with fresh snapshots for the given symbols.
func buildMarkets(t *testing.T, symbols ...string) *market.Builder {
	t.Helper()
	mock := exchange.NewMockClient(10000)
	builder := market.NewBuilder(mock, nil, nil, market.BuilderConfig{})
	for i, symbol := range symbols {
		mock.SetMarkPrice(symbol, 100*float64(i+1))
		if _, err := builder.Build(context.Background(), symbol); err != nil {
			t.Fatalf("build snapshot for %s: %v", symbol, err)
		}
	}
	return builder
}

func newTestTrader(t *testing.T, model ModelClient, reg *regime.Regime, symbols ...string) *Trader {
	t.Helper()
	store := regime.NewStore()
	if reg != nil {
		store.Put(reg)
	}
	return New(model, store, buildMarkets(t, symbols...), portfolio.NewManager(nil, 0), nil)
}

func TestRun_SkipsWithoutValidRegime(t *testing.T) {
	model := &fakeModel{response: "[]"}
	trd := newTestTrader(t, model, nil, "BTC/USDT")

	batch, err := trd.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch != nil {
		t.Error("expected nil batch without a regime")
	}
	if model.calls != 0 {
		t.Error("model must not be called without a valid regime")
	}
}

func TestRun_SymbolMissingFromResponseBecomesHold(t *testing.T) {
	response := `[
		{"symbol": "BTC/USDT", "signal_type": "enter_long", "confidence": 0.8,
		 "suggested_price": 100, "stop_loss": 98, "take_profit": 105,
		 "leverage": 5, "reasoning": "breakout"},
		{"symbol": "ETH/USDT", "signal_type": "hold", "reasoning": "chop"}
	]`
	trd := newTestTrader(t, &fakeModel{response: response},
		testRegime("BTC", "ETH", "SOL"), "BTC/USDT", "ETH/USDT", "SOL/USDT")

	batch, err := trd.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch == nil {
		t.Fatal("expected a batch")
	}
	if len(batch.Signals) != 3 {
		t.Fatalf("expected 3 signals, got %d", len(batch.Signals))
	}

	sol := batch.Signals["SOL/USDT"]
	if sol == nil || sol.SignalType != SignalHold {
		t.Fatalf("SOL should be hold, got %+v", sol)
	}
	if sol.Reasoning != "no response" {
		t.Errorf("SOL reasoning = %q, want %q", sol.Reasoning, "no response")
	}

	if batch.Signals["BTC/USDT"].SignalType != SignalEnterLong {
		t.Error("BTC signal should pass through")
	}
	if batch.Signals["ETH/USDT"].SignalType != SignalHold {
		t.Error("ETH hold should pass through")
	}
}

func TestRun_ConfidenceGating(t *testing.T) {
	// normal mode threshold is 0.70
	response := `[{"symbol": "BTC/USDT", "signal_type": "enter_long", "confidence": 0.65,
		"suggested_price": 100, "stop_loss": 98, "take_profit": 105, "reasoning": "weak"}]`
	trd := newTestTrader(t, &fakeModel{response: response}, testRegime("BTC"), "BTC/USDT")

	batch, err := trd.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	signal := batch.Signals["BTC/USDT"]
	if signal.SignalType != SignalHold {
		t.Errorf("below-threshold entry should be hold, got %s", signal.SignalType)
	}
	if !strings.Contains(signal.Reasoning, "threshold") {
		t.Errorf("reasoning should mention threshold: %q", signal.Reasoning)
	}
}

func TestRun_BadJSONDegradesToHolds(t *testing.T) {
	trd := newTestTrader(t, &fakeModel{response: "not json"}, testRegime("BTC"), "BTC/USDT")

	batch, err := trd.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !batch.Degraded {
		t.Error("unparseable tick should be marked degraded")
	}
	for symbol, signal := range batch.Signals {
		if signal.SignalType != SignalHold {
			t.Errorf("%s should be hold on bad JSON", symbol)
		}
	}
}

func TestRun_RecommendationFilter(t *testing.T) {
	response := `[{"symbol": "ETH/USDT", "signal_type": "enter_long", "confidence": 0.9,
		"suggested_price": 200, "stop_loss": 196, "take_profit": 210, "reasoning": "x"}]`
	// ETH snapshot exists but the regime only recommends BTC.
	trd := newTestTrader(t, &fakeModel{response: response}, testRegime("BTC"), "BTC/USDT", "ETH/USDT")

	batch, err := trd.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, found := batch.Signals["ETH/USDT"]; found {
		t.Error("unrecommended symbol must not appear in the batch")
	}
	if _, found := batch.Signals["BTC/USDT"]; !found {
		t.Error("recommended symbol missing from batch")
	}
}

func TestSignalValidate(t *testing.T) {
	cases := []struct {
		name    string
		signal  Signal
		wantErr bool
	}{
		{"hold needs only reasoning", Signal{Symbol: "BTC/USDT", SignalType: SignalHold, Reasoning: "wait"}, false},
		{"valid long entry", Signal{Symbol: "BTC/USDT", SignalType: SignalEnterLong, Confidence: 0.8,
			SuggestedPrice: 100, StopLoss: 97, TakeProfit: 106, Reasoning: "x"}, false},
		{"long stop above entry", Signal{Symbol: "BTC/USDT", SignalType: SignalEnterLong, Confidence: 0.8,
			SuggestedPrice: 100, StopLoss: 101, Reasoning: "x"}, true},
		{"short stop below entry", Signal{Symbol: "BTC/USDT", SignalType: SignalEnterShort, Confidence: 0.8,
			SuggestedPrice: 100, StopLoss: 99, Reasoning: "x"}, true},
		{"short target above entry", Signal{Symbol: "BTC/USDT", SignalType: SignalEnterShort, Confidence: 0.8,
			SuggestedPrice: 100, StopLoss: 103, TakeProfit: 101, Reasoning: "x"}, true},
		{"bad close fraction", Signal{Symbol: "BTC/USDT", SignalType: SignalExitLong, Confidence: 0.9,
			CloseFraction: 0.33, Reasoning: "x"}, true},
		{"allowed close fraction", Signal{Symbol: "BTC/USDT", SignalType: SignalExitLong, Confidence: 0.9,
			CloseFraction: 0.7, Reasoning: "x"}, false},
		{"confidence above one", Signal{Symbol: "BTC/USDT", SignalType: SignalEnterLong, Confidence: 1.4,
			SuggestedPrice: 100, Reasoning: "x"}, true},
		{"unknown type", Signal{Symbol: "BTC/USDT", SignalType: "yolo", Reasoning: "x"}, true},
	}

	for _, tc := range cases {
		err := tc.signal.Validate()
		if tc.wantErr && err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
		}
	}
}

func TestSignal_JSONRoundTrip(t *testing.T) {
	signal := Signal{
		Symbol:            "BTC/USDT",
		SignalType:        SignalEnterShort,
		Confidence:        0.81,
		SuggestedPrice:    64000,
		SuggestedAmount:   0.05,
		Leverage:          10,
		StopLoss:          65500,
		TakeProfit:        61500,
		Reasoning:         "funding flip",
		SupportingFactors: []string{"rsi divergence"},
		RiskFactors:       []string{"cpi print"},
	}

	data, err := json.Marshal(&signal)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded Signal
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if fmt.Sprintf("%+v", decoded) != fmt.Sprintf("%+v", signal) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", decoded, signal)
	}
}
