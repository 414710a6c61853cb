// Package coordinator schedules the perception, strategist, trader, and
// sync loops and owns graceful startup and shutdown.
package coordinator

import (
	"context"
	"sync"
	"time"

	"perp-trading-agent/internal/database"
	"perp-trading-agent/internal/environment"
	"perp-trading-agent/internal/exchange"
	"perp-trading-agent/internal/executor"
	"perp-trading-agent/internal/logging"
	"perp-trading-agent/internal/market"
	"perp-trading-agent/internal/reconciler"
	"perp-trading-agent/internal/risk"
	"perp-trading-agent/internal/strategist"
	"perp-trading-agent/internal/trader"
)

// Config holds the loop intervals and execution bounds.
type Config struct {
	Symbols             []string
	PerceptionInterval  time.Duration
	EnvironmentInterval time.Duration
	StrategistInterval  time.Duration
	TraderInterval      time.Duration
	SyncInterval        time.Duration
	ShutdownGrace       time.Duration
	MaxConcurrentOrders int
}

// Coordinator wires the loops together.
type Coordinator struct {
	cfg        Config
	markets    *market.Builder
	envBuilder *environment.Builder
	strategist *strategist.Strategist
	trader     *trader.Trader
	riskMgr    *risk.Manager
	exec       *executor.Executor
	reconciler *reconciler.Reconciler
	db         *database.DB
	userEvents <-chan exchange.UserStreamEvent
	log        *logging.Logger

	forceRefresh chan struct{}

	mu                sync.Mutex
	lastStrategistRun time.Time
	errorCounts       map[string]int64
	inFlight          sync.WaitGroup
}

// New creates a coordinator. userEvents may be nil when the user-data
// stream is disabled.
func New(cfg Config, markets *market.Builder, envBuilder *environment.Builder, strat *strategist.Strategist, trd *trader.Trader, riskMgr *risk.Manager, exec *executor.Executor, rec *reconciler.Reconciler, db *database.DB, userEvents <-chan exchange.UserStreamEvent) *Coordinator {
	if cfg.MaxConcurrentOrders == 0 {
		cfg.MaxConcurrentOrders = 5
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	return &Coordinator{
		cfg:          cfg,
		markets:      markets,
		envBuilder:   envBuilder,
		strategist:   strat,
		trader:       trd,
		riskMgr:      riskMgr,
		exec:         exec,
		reconciler:   rec,
		db:           db,
		userEvents:   userEvents,
		log:          logging.New("coordinator"),
		forceRefresh: make(chan struct{}, 1),
	}
}

// ErrorCounts returns a copy of the per-loop error counters.
func (c *Coordinator) ErrorCounts() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.errorCounts))
	for k, v := range c.errorCounts {
		out[k] = v
	}
	return out
}

func (c *Coordinator) countError(loop string) {
	c.mu.Lock()
	if c.errorCounts == nil {
		c.errorCounts = make(map[string]int64)
	}
	c.errorCounts[loop]++
	c.mu.Unlock()
}

// Run starts all loops and blocks until ctx is cancelled, then shuts the
// loops down in reverse order: sync, trader, strategist, perception.
func (c *Coordinator) Run(ctx context.Context) {
	c.log.Info().Int("symbols", len(c.cfg.Symbols)).Msg("coordinator starting")

	// Prime perception and environment before the first decision tick.
	c.markets.RefreshAll(ctx, c.cfg.Symbols)
	c.envBuilder.Refresh(ctx)

	perceptionCtx, stopPerception := context.WithCancel(context.Background())
	strategistCtx, stopStrategist := context.WithCancel(context.Background())
	traderCtx, stopTrader := context.WithCancel(context.Background())
	syncCtx, stopSync := context.WithCancel(context.Background())

	var (
		perceptionDone = make(chan struct{})
		strategistDone = make(chan struct{})
		traderDone     = make(chan struct{})
		syncDone       = make(chan struct{})
	)

	go func() { defer close(perceptionDone); c.perceptionLoop(perceptionCtx) }()
	go func() { defer close(strategistDone); c.strategistLoop(strategistCtx) }()
	go func() { defer close(traderDone); c.traderLoop(traderCtx) }()
	go func() { defer close(syncDone); c.syncLoop(syncCtx) }()

	<-ctx.Done()
	c.log.Info().Msg("shutdown requested")

	stopSync()
	<-syncDone
	stopTrader()
	<-traderDone
	stopStrategist()
	<-strategistDone
	stopPerception()
	<-perceptionDone

	// Drain in-flight order submissions up to the grace period.
	drained := make(chan struct{})
	go func() { defer close(drained); c.inFlight.Wait() }()
	select {
	case <-drained:
	case <-time.After(c.cfg.ShutdownGrace):
		c.log.Warn().Dur("grace", c.cfg.ShutdownGrace).Msg("shutdown grace expired with orders in flight")
	}

	c.log.Info().Msg("coordinator stopped")
}

// perceptionLoop refreshes market snapshots every perception tick and the
// environment every environment tick.
func (c *Coordinator) perceptionLoop(ctx context.Context) {
	snapshotTicker := time.NewTicker(c.cfg.PerceptionInterval)
	environmentTicker := time.NewTicker(c.cfg.EnvironmentInterval)
	defer snapshotTicker.Stop()
	defer environmentTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-snapshotTicker.C:
			c.runSafely("perception", func() {
				c.markets.RefreshAll(ctx, c.cfg.Symbols)
			})
		case <-environmentTicker.C:
			c.runSafely("environment", func() {
				c.envBuilder.Refresh(ctx)
			})
		}
	}
}

// strategistLoop sleeps until the next strategist tick or a forced refresh.
func (c *Coordinator) strategistLoop(ctx context.Context) {
	// Run once at startup so the trader has a regime to work with.
	c.runStrategist(ctx)

	ticker := time.NewTicker(c.cfg.StrategistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runStrategist(ctx)
		case <-c.forceRefresh:
			c.mu.Lock()
			recent := time.Since(c.lastStrategistRun) < time.Minute
			c.mu.Unlock()
			if recent {
				continue
			}
			c.log.Warn().Msg("forced strategist refresh requested")
			c.runStrategist(ctx)
		}
	}
}

func (c *Coordinator) runStrategist(ctx context.Context) {
	c.runSafely("strategist", func() {
		c.mu.Lock()
		c.lastStrategistRun = time.Now()
		c.mu.Unlock()
		if _, err := c.strategist.Run(ctx); err != nil {
			c.countError("strategist")
			c.log.Warn().Err(err).Msg("strategist tick failed")
		}
	})
}

// traderLoop runs the decision batch and fans execution out per symbol.
func (c *Coordinator) traderLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.TraderInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runSafely("trader", func() { c.traderTick(ctx) })
		}
	}
}

func (c *Coordinator) traderTick(ctx context.Context) {
	batch, err := c.trader.Run(ctx)
	if err != nil {
		c.countError("trader")
		c.log.Warn().Err(err).Msg("trader tick failed")
		return
	}
	if batch == nil {
		return
	}

	if batch.Degraded {
		// Tactical anomaly: ask the strategist for a fresh look.
		select {
		case c.forceRefresh <- struct{}{}:
		default:
		}
	}

	symbols := batch.ActionableSymbols()
	if len(symbols) == 0 {
		return
	}

	// Per-symbol pipelines run concurrently, bounded by the semaphore. The
	// instrument locks inside the executor serialise same-instrument work.
	sem := make(chan struct{}, c.cfg.MaxConcurrentOrders)
	var wg sync.WaitGroup
	for _, symbol := range symbols {
		symbol := symbol
		signal := batch.Signals[symbol]
		wg.Add(1)
		sem <- struct{}{}
		c.inFlight.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer c.inFlight.Done()
			c.executeSignal(batch, signal)
		}()
	}
	wg.Wait()
}

// executeSignal runs the risk check and execution for one symbol. Failures
// are contained per symbol and never abort the batch.
func (c *Coordinator) executeSignal(batch *trader.Batch, signal *trader.Signal) {
	defer func() {
		if rec := recover(); rec != nil {
			c.countError("execution")
			c.log.Error().Str("symbol", signal.Symbol).Interface("panic", rec).
				Msg("execution pipeline panicked")
		}
	}()

	// Order pipelines run on their own context so a loop cancellation does
	// not abandon a half-submitted order; the shutdown path waits on the
	// in-flight group instead.
	execCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result := c.riskMgr.CheckSignal(execCtx, signal, batch.Regime)
	if !result.Passed {
		c.log.Info().Str("symbol", signal.Symbol).Str("signal", string(signal.SignalType)).
			Str("reason", result.Reason).Msg("signal blocked by risk checks")
		c.recordRiskBlock(execCtx, batch.DecisionID, signal, result)
		return
	}
	for _, warning := range result.Warnings {
		c.log.Warn().Str("symbol", signal.Symbol).Msg(warning)
	}

	if err := c.exec.Execute(execCtx, signal, result, batch.DecisionID); err != nil {
		c.countError("execution")
		c.log.Warn().Str("symbol", signal.Symbol).Err(err).Msg("order execution failed")
	}
}

// recordRiskBlock appends a risk-block event to the decision log.
func (c *Coordinator) recordRiskBlock(ctx context.Context, decisionID int64, signal *trader.Signal, result risk.CheckResult) {
	if c.db == nil {
		return
	}
	output := map[string]interface{}{
		"tag":         "risk_block",
		"decision_id": decisionID,
		"symbol":      signal.Symbol,
		"signal_type": signal.SignalType,
		"result":      result,
	}
	if _, err := c.db.SaveDecision(ctx, database.LayerTactical, "risk", 0, 0, signal, output); err != nil {
		c.log.Error().Err(err).Msg("failed to record risk block")
	}
}

// syncLoop reconciles account state every sync tick, waking early on
// user-data stream events.
func (c *Coordinator) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SyncInterval)
	defer ticker.Stop()

	sync := func() {
		c.runSafely("sync", func() {
			if err := c.reconciler.Sync(ctx); err != nil {
				c.countError("sync")
				c.log.Warn().Err(err).Msg("account sync failed")
			}
		})
	}

	sync()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sync()
		case event, ok := <-c.userEvents:
			if !ok {
				c.userEvents = nil
				continue
			}
			c.log.Debug().Str("type", event.Type).Str("symbol", event.Symbol).
				Msg("user stream event, syncing early")
			sync()
		}
	}
}

// runSafely wraps a loop body so a panic is logged and the loop continues.
func (c *Coordinator) runSafely(loop string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			c.countError(loop)
			c.log.Error().Str("loop", loop).Interface("panic", rec).Msg("loop iteration panicked")
		}
	}()
	fn()
}
