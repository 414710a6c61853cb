// Package trader implements the fast decision layer: one batched model call
// per tick turning the regime plus per-symbol snapshots into signals.
package trader

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"perp-trading-agent/internal/database"
	"perp-trading-agent/internal/llm"
	"perp-trading-agent/internal/logging"
	"perp-trading-agent/internal/market"
	"perp-trading-agent/internal/portfolio"
	"perp-trading-agent/internal/regime"
)

// ModelClient is the completion surface the trader needs.
type ModelClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, jsonOnly bool) (string, llm.Usage, error)
}

// Trader produces per-symbol signals from the current regime and snapshots.
type Trader struct {
	model     ModelClient
	store     *regime.Store
	markets   *market.Builder
	portfolio *portfolio.Manager
	db        *database.DB
	log       *logging.Logger
}

// New creates a trader. db may be nil in tests.
func New(model ModelClient, store *regime.Store, markets *market.Builder, pm *portfolio.Manager, db *database.DB) *Trader {
	return &Trader{
		model:     model,
		store:     store,
		markets:   markets,
		portfolio: pm,
		db:        db,
		log:       logging.New("trader"),
	}
}

// Batch is the outcome of one trader tick: the frozen regime it ran under,
// the signal per symbol, and the decision row id orders will link to.
type Batch struct {
	Regime     *regime.Regime
	Signals    map[string]*Signal
	DecisionID int64
	// Degraded marks a tick whose signals were synthesised because the
	// model call failed or returned garbage; the coordinator treats it as a
	// tactical anomaly and asks the strategist for a forced refresh.
	Degraded bool
}

// promptInput mirrors the serialized user payload for the decision log.
type promptInput struct {
	Regime    *regime.Regime              `json:"regime"`
	Snapshots map[string]*market.Snapshot `json:"snapshots"`
	Portfolio portfolio.Summary           `json:"portfolio"`
	Now       time.Time                   `json:"now"`
}

// Run executes one tactical tick. The regime and snapshot map are cloned at
// the start and used unchanged for the whole tick. A nil Batch with no error
// means the tick was skipped (no valid regime or no tradeable symbols).
//
// Run never re-invokes the model for execution decisions: the returned
// signals are final and the execution path must consume them as-is.
func (t *Trader) Run(ctx context.Context) (*Batch, error) {
	now := time.Now().UTC()
	if !t.store.ValidAt(now) {
		t.log.Info().Msg("no valid regime, skipping trader tick")
		return nil, nil
	}
	frozen := t.store.Get()

	snapshots := t.filterSnapshots(frozen)
	if len(snapshots) == 0 {
		t.log.Info().Strs("recommended", frozen.RecommendedSymbols).
			Msg("no fresh snapshots for recommended symbols, skipping tick")
		return nil, nil
	}

	input := promptInput{
		Regime:    frozen,
		Snapshots: snapshots,
		Portfolio: t.portfolio.Summarize(),
		Now:       now,
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal trader payload: %w", err)
	}

	raw, usage, err := t.model.Complete(ctx, systemTemplate, string(payload), false)
	if err != nil {
		// Model failure degrades the whole tick to holds.
		t.log.Warn().Err(err).Msg("trader model call failed, holding all symbols")
		batch := t.holdAll(frozen, snapshots, "model failure")
		batch.Degraded = true
		batch.DecisionID = t.persist(ctx, input, usage, batch.Signals, "model_failure", raw)
		return batch, nil
	}

	signals, degraded := t.matchSignals(raw, frozen, snapshots)
	batch := &Batch{Regime: frozen, Signals: signals, Degraded: degraded}
	tag := "published"
	if degraded {
		tag = "parse_failure"
	}
	batch.DecisionID = t.persist(ctx, input, usage, signals, tag, raw)
	return batch, nil
}

// filterSnapshots keeps fresh snapshots whose base symbol the regime
// recommends; blacklisted bases are dropped. Both base and full-pair
// notations in the regime are tolerated.
func (t *Trader) filterSnapshots(r *regime.Regime) map[string]*market.Snapshot {
	all := t.markets.SnapshotMap()
	out := make(map[string]*market.Snapshot)
	for symbol, snapshot := range all {
		if r.Recommends(symbol) {
			out[symbol] = snapshot
		}
	}
	return out
}

// matchSignals parses the model response, post-matches entries to the exact
// input symbols, validates each, and applies the confidence gate. Any
// per-symbol problem degrades that symbol to hold.
func (t *Trader) matchSignals(raw string, r *regime.Regime, snapshots map[string]*market.Snapshot) (map[string]*Signal, bool) {
	out := make(map[string]*Signal, len(snapshots))

	var parsed []Signal
	if err := llm.ParseInto(raw, &parsed); err != nil {
		t.log.Warn().Err(err).Msg("trader response unparseable, holding all symbols")
		for symbol := range snapshots {
			out[symbol] = Hold(symbol, "model response unparseable")
		}
		return out, true
	}

	bySymbol := make(map[string]*Signal, len(parsed))
	for i := range parsed {
		signal := &parsed[i]
		if _, known := snapshots[signal.Symbol]; !known {
			t.log.Warn().Str("symbol", signal.Symbol).Msg("signal for symbol not in batch, dropped")
			continue
		}
		bySymbol[signal.Symbol] = signal
	}

	threshold := r.TradingMode.MinConfidence()
	for symbol := range snapshots {
		signal, ok := bySymbol[symbol]
		if !ok {
			// Symbols the model skipped are explicit holds.
			out[symbol] = Hold(symbol, "no response")
			continue
		}

		if err := signal.Validate(); err != nil {
			t.log.Warn().Str("symbol", symbol).Err(err).Msg("signal failed validation, degraded to hold")
			out[symbol] = Hold(symbol, fmt.Sprintf("validation failed: %v", err))
			continue
		}

		if signal.SignalType.IsEntry() && signal.Confidence < threshold {
			t.log.Info().Str("symbol", symbol).Float64("confidence", signal.Confidence).
				Float64("threshold", threshold).Msg("confidence below mode threshold, downgraded to hold")
			out[symbol] = Hold(symbol, fmt.Sprintf(
				"confidence %.2f below %s threshold %.2f", signal.Confidence, r.TradingMode, threshold))
			continue
		}

		out[symbol] = signal
	}
	return out, false
}

func (t *Trader) holdAll(r *regime.Regime, snapshots map[string]*market.Snapshot, reason string) *Batch {
	signals := make(map[string]*Signal, len(snapshots))
	for symbol := range snapshots {
		signals[symbol] = Hold(symbol, reason)
	}
	return &Batch{Regime: r, Signals: signals}
}

func (t *Trader) persist(ctx context.Context, input promptInput, usage llm.Usage, signals map[string]*Signal, tag, raw string) int64 {
	if t.db == nil {
		return 0
	}
	output := map[string]interface{}{"tag": tag, "signals": signals, "raw": raw}
	id, err := t.db.SaveDecision(ctx, database.LayerTactical, usage.Model,
		usage.TotalTokens, usage.Latency.Milliseconds(), input, output)
	if err != nil {
		t.log.Error().Err(err).Msg("failed to persist trader decision")
		return 0
	}
	return id
}

// ActionableSymbols returns the batch's non-hold symbols in stable order so
// execution is deterministic per tick.
func (b *Batch) ActionableSymbols() []string {
	symbols := make([]string, 0, len(b.Signals))
	for symbol, signal := range b.Signals {
		if signal.SignalType != SignalHold {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)
	return symbols
}
