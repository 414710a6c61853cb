package strategist

import (
	"context"
	"errors"
	"testing"
	"time"

	"perp-trading-agent/internal/environment"
	"perp-trading-agent/internal/exchange"
	"perp-trading-agent/internal/llm"
	"perp-trading-agent/internal/market"
	"perp-trading-agent/internal/portfolio"
	"perp-trading-agent/internal/regime"
)

type fakeModel struct {
	responses []string
	err       error
	calls     int
}

func (f *fakeModel) Complete(ctx context.Context, systemPrompt, userPrompt string, jsonOnly bool) (string, llm.Usage, error) {
	f.calls++
	if f.err != nil {
		return "", llm.Usage{}, f.err
	}
	response := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return response, llm.Usage{Model: "fake", TotalTokens: 100}, nil
}

type staticSentiment struct{}

func (staticSentiment) Collect(ctx context.Context) (*environment.Sentiment, error) {
	index := 40
	return &environment.Sentiment{FearGreed: &index, Label: "Fear"}, nil
}

func newTestStrategist(t *testing.T, model ModelClient) (*Strategist, *regime.Store) {
	t.Helper()

	envBuilder := environment.NewBuilder(environment.Collectors{
		Sentiment: staticSentiment{},
	}, nil, environment.BuilderConfig{})
	envBuilder.Refresh(context.Background())

	mock := exchange.NewMockClient(10000)
	markets := market.NewBuilder(mock, nil, nil, market.BuilderConfig{})
	store := regime.NewStore()
	strat := New(model, store, envBuilder, portfolio.NewManager(nil, 0), markets, nil, Config{
		PromptStyle: "balanced",
	})
	return strat, store
}

const goodRegimeJSON = `{
	"regime": "bull",
	"risk_level": "medium",
	"trading_mode": "normal",
	"recommended_symbols": ["BTC", "ETH"],
	"blacklist": [],
	"cash_ratio_target": 0.2,
	"position_sizing_multiplier": 1.0,
	"narrative": "steady uptrend",
	"key_drivers": ["etf inflows"],
	"confidence": 0.75
}`

func TestRun_PublishesValidRegime(t *testing.T) {
	strat, store := newTestStrategist(t, &fakeModel{responses: []string{goodRegimeJSON}})

	published, err := strat.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if published.Regime != regime.Bull {
		t.Errorf("regime = %s", published.Regime)
	}
	if !store.IsValid() {
		t.Error("published regime should be valid")
	}
	if published.ValidUntil.Sub(published.CreatedAt) != time.Hour {
		t.Errorf("default validity should be one hour, got %v", published.ValidUntil.Sub(published.CreatedAt))
	}
}

func TestRun_BadJSONKeepsPreviousRegime(t *testing.T) {
	strat, store := newTestStrategist(t, &fakeModel{responses: []string{goodRegimeJSON, "not json"}})

	first, err := strat.Run(context.Background())
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	second, err := strat.Run(context.Background())
	if err == nil {
		t.Fatal("expected a DecisionError on bad JSON")
	}
	var decisionErr *DecisionError
	if !errors.As(err, &decisionErr) || decisionErr.Stage != "parse" {
		t.Errorf("expected parse-stage DecisionError, got %v", err)
	}

	// The previous regime survives untouched.
	if second.Regime != first.Regime {
		t.Error("fallback should return the previous regime")
	}
	current := store.Get()
	if current == nil || current.Regime != regime.Bull {
		t.Error("store should still hold the previous bull regime")
	}
}

func TestRun_BadJSONWithoutPreviousPublishesConservativeDefault(t *testing.T) {
	strat, store := newTestStrategist(t, &fakeModel{responses: []string{"garbage output"}})

	fallback, err := strat.Run(context.Background())
	if err == nil {
		t.Fatal("expected a DecisionError")
	}
	if fallback == nil {
		t.Fatal("expected the conservative default")
	}
	if fallback.Regime != regime.Sideways || fallback.TradingMode != regime.ModeNormal {
		t.Errorf("default regime = %s/%s, want sideways/normal", fallback.Regime, fallback.TradingMode)
	}
	if fallback.CashRatioTarget != 0.4 {
		t.Errorf("default cash ratio = %v, want 0.4", fallback.CashRatioTarget)
	}
	if len(fallback.RecommendedSymbols) != 1 || fallback.RecommendedSymbols[0] != "BTC" {
		t.Errorf("default symbols = %v, want [BTC]", fallback.RecommendedSymbols)
	}
	if !store.IsValid() {
		t.Error("conservative default should be published to the store")
	}
}

func TestRun_InvariantViolationRejected(t *testing.T) {
	// panic with aggressive mode and low cash ratio violates consistency.
	inconsistent := `{
		"regime": "panic",
		"risk_level": "extreme",
		"trading_mode": "aggressive",
		"recommended_symbols": ["BTC"],
		"cash_ratio_target": 0.30,
		"position_sizing_multiplier": 1.0,
		"confidence": 0.9,
		"narrative": "x"
	}`
	strat, store := newTestStrategist(t, &fakeModel{responses: []string{inconsistent}})

	_, err := strat.Run(context.Background())
	var decisionErr *DecisionError
	if !errors.As(err, &decisionErr) || decisionErr.Stage != "invariant" {
		t.Fatalf("expected invariant-stage DecisionError, got %v", err)
	}

	current := store.Get()
	if current != nil && current.Regime == regime.Panic {
		t.Error("inconsistent regime must not be published")
	}
}

func TestRun_ModelFailureRetriesOnce(t *testing.T) {
	model := &fakeModel{err: errors.New("timeout")}
	strat, _ := newTestStrategist(t, model)

	_, err := strat.Run(context.Background())
	if err == nil {
		t.Fatal("expected a DecisionError")
	}
	if model.calls != 2 {
		t.Errorf("model calls = %d, want 2 (one retry)", model.calls)
	}
}

func TestRun_FencedJSONAccepted(t *testing.T) {
	fenced := "Analysis complete.\n```json\n" + goodRegimeJSON + "\n```"
	strat, _ := newTestStrategist(t, &fakeModel{responses: []string{fenced}})

	published, err := strat.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if published.Regime != regime.Bull {
		t.Errorf("regime = %s, want bull", published.Regime)
	}
}
