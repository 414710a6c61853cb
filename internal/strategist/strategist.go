// Package strategist implements the slow decision layer: one model call per
// interval summarising the whole environment into a market regime.
package strategist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"perp-trading-agent/internal/database"
	"perp-trading-agent/internal/environment"
	"perp-trading-agent/internal/llm"
	"perp-trading-agent/internal/logging"
	"perp-trading-agent/internal/market"
	"perp-trading-agent/internal/portfolio"
	"perp-trading-agent/internal/regime"
)

// DecisionError wraps strategist-tick failures. It never propagates past
// the coordinator loop boundary.
type DecisionError struct {
	Stage string // "model" | "parse" | "invariant"
	Err   error
}

func (e *DecisionError) Error() string { return fmt.Sprintf("strategist %s failure: %v", e.Stage, e.Err) }
func (e *DecisionError) Unwrap() error { return e.Err }

// Config holds strategist settings.
type Config struct {
	PromptStyle       string
	MaxSymbolsToTrade int
}

// ModelClient is the completion surface the strategist needs; satisfied by
// llm.Client and fakeable in tests.
type ModelClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, jsonOnly bool) (string, llm.Usage, error)
}

// Strategist produces regimes from environments.
type Strategist struct {
	model     ModelClient
	store     *regime.Store
	env       *environment.Builder
	portfolio *portfolio.Manager
	markets   *market.Builder
	db        *database.DB
	cfg       Config
	log       *logging.Logger
}

// New creates a strategist. db may be nil in tests.
func New(model ModelClient, store *regime.Store, env *environment.Builder, pm *portfolio.Manager, markets *market.Builder, db *database.DB, cfg Config) *Strategist {
	if cfg.MaxSymbolsToTrade == 0 {
		cfg.MaxSymbolsToTrade = 6
	}
	return &Strategist{
		model:     model,
		store:     store,
		env:       env,
		portfolio: pm,
		markets:   markets,
		db:        db,
		cfg:       cfg,
		log:       logging.New("strategist"),
	}
}

// promptInput is the serialised user payload; also recorded as the decision
// row's input context.
type promptInput struct {
	Environment *environment.Environment `json:"environment"`
	Portfolio   portfolio.Summary        `json:"portfolio"`
	Symbols     []market.SymbolOverview  `json:"symbols"`
	Now         time.Time                `json:"now"`
}

// Run executes one strategist tick: prompt, model call, parse with
// fallbacks, invariant validation, publish, persist. On a model, parse or
// invariant failure the previous still-valid regime is kept, else the
// conservative default is published, and a DecisionError is returned for the
// caller's counters. An unusable environment skips the tick: Run returns a
// nil regime and a DecisionError, and publishes nothing.
func (s *Strategist) Run(ctx context.Context) (*regime.Regime, error) {
	env := s.env.Current()
	if !env.Usable() {
		s.log.Warn().Msg("environment unusable, skipping strategist tick")
		return nil, &DecisionError{Stage: "model", Err: fmt.Errorf("no usable environment")}
	}

	input := promptInput{
		Environment: env,
		Portfolio:   s.portfolio.Summarize(),
		Symbols:     s.markets.Overview(),
		Now:         time.Now().UTC(),
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, &DecisionError{Stage: "model", Err: err}
	}

	// One retry on model failure; parse/invariant failures are not retried
	// since the same prompt tends to reproduce them.
	raw, usage, err := s.model.Complete(ctx, systemPrompt(s.cfg.PromptStyle), string(payload), true)
	if err != nil {
		raw, usage, err = s.model.Complete(ctx, systemPrompt(s.cfg.PromptStyle), string(payload), true)
	}
	if err != nil {
		s.recordFailure(ctx, input, usage, "", "model_failure", err)
		return s.fallback(ctx), &DecisionError{Stage: "model", Err: err}
	}

	parsed, err := s.parse(raw)
	if err != nil {
		s.recordFailure(ctx, input, usage, raw, "parse_failure", err)
		return s.fallback(ctx), &DecisionError{Stage: "parse", Err: err}
	}

	if err := parsed.Validate(); err != nil {
		s.recordFailure(ctx, input, usage, raw, "invariant_violation", err)
		return s.fallback(ctx), &DecisionError{Stage: "invariant", Err: err}
	}

	if len(parsed.RecommendedSymbols) > s.cfg.MaxSymbolsToTrade {
		parsed.RecommendedSymbols = parsed.RecommendedSymbols[:s.cfg.MaxSymbolsToTrade]
	}

	s.store.Put(parsed)
	s.persist(ctx, input, usage, parsed)

	s.log.Info().Str("regime", string(parsed.Regime)).Str("mode", string(parsed.TradingMode)).
		Float64("cash_ratio", parsed.CashRatioTarget).Float64("confidence", parsed.Confidence).
		Strs("symbols", parsed.RecommendedSymbols).Msg("regime published")
	return parsed, nil
}

// parse decodes the model output and normalises the validity window.
func (s *Strategist) parse(raw string) (*regime.Regime, error) {
	var parsed regime.Regime
	if err := llm.ParseInto(raw, &parsed); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if parsed.CreatedAt.IsZero() {
		parsed.CreatedAt = now
	}
	if parsed.ValidUntil.IsZero() {
		parsed.ValidUntil = parsed.CreatedAt.Add(regime.DefaultValidity)
	}
	return &parsed, nil
}

// fallback reuses the previous still-valid regime or publishes the
// conservative default.
func (s *Strategist) fallback(ctx context.Context) *regime.Regime {
	if s.store.IsValid() {
		previous := s.store.Get()
		s.log.Warn().Str("regime", string(previous.Regime)).Msg("keeping previous valid regime")
		return previous
	}

	conservative := regime.DefaultConservative(time.Now().UTC())
	s.store.Put(conservative)
	s.log.Warn().Msg("published default conservative regime")
	if s.db != nil {
		if _, err := s.db.SaveRegime(ctx, "fallback", 0, 0,
			map[string]string{"source": "fallback"}, conservative); err != nil {
			s.log.Error().Err(err).Msg("failed to persist fallback regime")
		}
	}
	return conservative
}

func (s *Strategist) persist(ctx context.Context, input promptInput, usage llm.Usage, published *regime.Regime) {
	if s.db == nil {
		return
	}
	output := map[string]interface{}{"regime": published, "tag": "published"}
	if _, err := s.db.SaveRegime(ctx, usage.Model, usage.TotalTokens, usage.Latency.Milliseconds(), input, output); err != nil {
		s.log.Error().Err(err).Msg("failed to persist regime decision")
	}
}

func (s *Strategist) recordFailure(ctx context.Context, input promptInput, usage llm.Usage, raw, tag string, cause error) {
	s.log.Warn().Str("tag", tag).Err(cause).Msg("strategist tick failed")
	if s.db == nil {
		return
	}
	output := map[string]interface{}{"tag": tag, "error": cause.Error(), "raw": raw}
	if _, err := s.db.SaveDecision(ctx, database.LayerStrategic, usage.Model,
		usage.TotalTokens, usage.Latency.Milliseconds(), input, output); err != nil {
		s.log.Error().Err(err).Msg("failed to persist strategist failure")
	}
}
