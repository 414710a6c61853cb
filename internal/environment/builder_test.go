package environment

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubSentiment struct{ fail bool }

func (s stubSentiment) Collect(ctx context.Context) (*Sentiment, error) {
	if s.fail {
		return nil, errors.New("provider down")
	}
	index := 25
	return &Sentiment{FearGreed: &index, Label: "Extreme Fear"}, nil
}

type stubOverview struct{ fail bool }

func (s stubOverview) Collect(ctx context.Context) (*CryptoOverview, error) {
	if s.fail {
		return nil, errors.New("provider down")
	}
	dominance := 54.2
	return &CryptoOverview{BTCDominance: &dominance}, nil
}

type slowMacro struct{ delay time.Duration }

func (s slowMacro) Collect(ctx context.Context) (*Macro, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.delay):
		rate := 4.5
		return &Macro{FedRate: &rate}, nil
	}
}

func TestRefresh_AllCollectorsSucceed(t *testing.T) {
	builder := NewBuilder(Collectors{
		Sentiment: stubSentiment{},
		Overview:  stubOverview{},
	}, nil, BuilderConfig{})

	env := builder.Refresh(context.Background())
	if env.CompletenessScore != 1.0 {
		t.Errorf("completeness = %v, want 1.0", env.CompletenessScore)
	}
	if env.Sentiment == nil || env.CryptoOverview == nil {
		t.Error("expected both slots filled")
	}
	if !env.Usable() {
		t.Error("environment should be usable")
	}
}

func TestRefresh_PartialFailureToleratedWithNilSlot(t *testing.T) {
	builder := NewBuilder(Collectors{
		Sentiment: stubSentiment{fail: true},
		Overview:  stubOverview{},
	}, nil, BuilderConfig{})

	env := builder.Refresh(context.Background())
	if env.Sentiment != nil {
		t.Error("failed collector should leave a nil slot")
	}
	if env.CryptoOverview == nil {
		t.Error("sibling collector should still fill its slot")
	}
	if env.CompletenessScore != 0.5 {
		t.Errorf("completeness = %v, want 0.5", env.CompletenessScore)
	}
	if !env.Usable() {
		t.Error("environment with overview should remain usable")
	}
}

func TestRefresh_CollectorTimeoutBecomesNilSlot(t *testing.T) {
	builder := NewBuilder(Collectors{
		Macro:    slowMacro{delay: time.Second},
		Overview: stubOverview{},
	}, nil, BuilderConfig{CollectorTimeout: 50 * time.Millisecond})

	env := builder.Refresh(context.Background())
	if env.Macro != nil {
		t.Error("timed-out collector should leave a nil slot")
	}
	if env.CryptoOverview == nil {
		t.Error("fast collector should not be cancelled by a slow sibling")
	}
}

func TestUsable_RequiresAtLeastOneCoreSlot(t *testing.T) {
	var nilEnv *Environment
	if nilEnv.Usable() {
		t.Error("nil environment must not be usable")
	}

	empty := &Environment{Timestamp: time.Now()}
	if empty.Usable() {
		t.Error("environment without macro/sentiment/overview must not be usable")
	}

	withStocksOnly := &Environment{Timestamp: time.Now(), Stocks: &Stocks{}}
	if withStocksOnly.Usable() {
		t.Error("stocks alone do not make the environment usable")
	}
}

func TestCurrent_RespectsTTL(t *testing.T) {
	builder := NewBuilder(Collectors{Overview: stubOverview{}}, nil, BuilderConfig{
		EnvironmentTTL: 50 * time.Millisecond,
	})

	if builder.Current() != nil {
		t.Error("no environment before the first refresh")
	}

	builder.Refresh(context.Background())
	if builder.Current() == nil {
		t.Error("fresh environment should be served")
	}

	time.Sleep(80 * time.Millisecond)
	if builder.Current() != nil {
		t.Error("expired environment must not be served")
	}
}
