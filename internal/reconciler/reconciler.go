// Package reconciler diffs local position state against exchange truth,
// classifies closes with exact fills and fees, heals missing protective
// orders, and rebuilds the cached portfolio.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"perp-trading-agent/internal/database"
	"perp-trading-agent/internal/exchange"
	"perp-trading-agent/internal/executor"
	"perp-trading-agent/internal/logging"
	"perp-trading-agent/internal/orders"
	"perp-trading-agent/internal/portfolio"
	"perp-trading-agent/internal/risk"
)

// Store is the persistence surface the reconciler needs.
type Store interface {
	OpenPositions(ctx context.Context, exchangeID int64) ([]database.PositionRow, error)
	UpsertPosition(ctx context.Context, row *database.PositionRow) error
	ClosePosition(ctx context.Context, position *database.PositionRow, exitOrderID string, exitPrice float64, exitTime time.Time, fee float64, reason database.CloseReason) (*database.ClosedPositionRow, error)
	SavePortfolioSnapshot(ctx context.Context, row *database.PortfolioSnapshotRow) error
	SaveTrade(ctx context.Context, row *database.TradeRow) error
	GetOrderByVenueID(ctx context.Context, venueOrderID string) (*database.OrderRow, error)
}

// Reconciler runs the periodic account sync.
type Reconciler struct {
	client     exchange.Client
	store      Store
	portfolio  *portfolio.Manager
	risk       *risk.Manager
	exec       *executor.Executor
	locks      *orders.InstrumentLocks
	exchangeID int64
	log        *logging.Logger

	mu           sync.Mutex
	tradeCursor  map[string]time.Time // per symbol, last processed fill time
	lastSnapshot time.Time
}

// New creates a reconciler. exec may be nil to disable companion healing.
func New(client exchange.Client, store Store, pm *portfolio.Manager, rm *risk.Manager, exec *executor.Executor, locks *orders.InstrumentLocks, exchangeID int64) *Reconciler {
	return &Reconciler{
		client:      client,
		store:       store,
		portfolio:   pm,
		risk:        rm,
		exec:        exec,
		locks:       locks,
		exchangeID:  exchangeID,
		log:         logging.New("reconciler"),
		tradeCursor: make(map[string]time.Time),
	}
}

// Sync performs one reconciliation tick.
func (r *Reconciler) Sync(ctx context.Context) error {
	balance, venuePositions, openOrders, err := r.fetchAccount(ctx)
	if err != nil {
		return err
	}

	local, err := r.store.OpenPositions(ctx, r.exchangeID)
	if err != nil {
		return fmt.Errorf("load local positions: %w", err)
	}

	venueByKey := make(map[string]exchange.Position, len(venuePositions))
	for _, pos := range venuePositions {
		venueByKey[orders.Key(pos.Symbol, pos.Side)] = pos
	}
	localByKey := make(map[string]database.PositionRow, len(local))
	for _, row := range local {
		localByKey[orders.Key(row.Symbol, exchange.Side(row.Side))] = row
	}

	// Record live protective-order prices onto the local rows so the
	// healing pass knows what each position should carry.
	stopBy := make(map[string]float64)
	targetBy := make(map[string]float64)
	for _, order := range openOrders {
		key := orders.Key(order.Symbol, order.PositionSide)
		switch order.Type {
		case exchange.OrderTypeStopMarket:
			stopBy[key] = order.StopPrice
		case exchange.OrderTypeTakeProfitMarket:
			targetBy[key] = order.StopPrice
		}
	}

	closedAny := false

	// Pass 1: local rows against venue truth.
	for key, row := range localByKey {
		row := row
		venuePos, stillOpen := venueByKey[key]
		if !stillOpen {
			if err := r.handleClose(ctx, &row); err != nil {
				r.log.Error().Str("symbol", row.Symbol).Str("side", row.Side).Err(err).
					Msg("close reconciliation failed, will retry next tick")
				continue
			}
			closedAny = true
			continue
		}
		if stop, ok := stopBy[key]; ok {
			row.StopLoss = stop
		}
		if target, ok := targetBy[key]; ok {
			row.TakeProfit = target
		}
		r.reconcileAmounts(ctx, &row, venuePos)
		localByKey[key] = row
	}

	// Pass 2: venue positions with no local row.
	for key, venuePos := range venueByKey {
		if _, known := localByKey[key]; known {
			continue
		}
		r.adoptPosition(ctx, venuePos)
	}

	// Pass 3: heal missing protective orders.
	r.healCompanions(ctx, venueByKey, localByKey, openOrders)

	// Rebuild the cached portfolio and feed the risk baselines.
	r.rebuildPortfolio(balance, venuePositions, localByKey, len(openOrders))
	r.risk.ObserveEquity(balance.MarginBalance)

	// Snapshots: hourly auto, immediate after a close.
	r.maybeSnapshot(ctx, balance, closedAny)
	return nil
}

// fetchAccount loads balance, positions, and open orders in parallel.
func (r *Reconciler) fetchAccount(ctx context.Context) (*exchange.Balance, []exchange.Position, []exchange.Order, error) {
	var (
		balance    *exchange.Balance
		positions  []exchange.Position
		openOrders []exchange.Order

		balErr, posErr, ordErr error
		wg                     sync.WaitGroup
	)

	wg.Add(3)
	go func() { defer wg.Done(); balance, balErr = r.client.FetchBalance(ctx) }()
	go func() { defer wg.Done(); positions, posErr = r.client.FetchPositions(ctx) }()
	go func() { defer wg.Done(); openOrders, ordErr = r.client.FetchOpenOrders(ctx, "") }()
	wg.Wait()

	if balErr != nil {
		return nil, nil, nil, fmt.Errorf("fetch balance: %w", balErr)
	}
	if posErr != nil {
		return nil, nil, nil, fmt.Errorf("fetch positions: %w", posErr)
	}
	if ordErr != nil {
		return nil, nil, nil, fmt.Errorf("fetch open orders: %w", ordErr)
	}
	return balance, positions, openOrders, nil
}

// handleClose processes a position open locally but gone on the venue:
// gather the closing fills, compute the VWAP exit and total fee, classify
// the reason from the triggering order, and persist the closed row.
func (r *Reconciler) handleClose(ctx context.Context, row *database.PositionRow) error {
	side := exchange.Side(row.Side)
	unlock := r.locks.Lock(row.Symbol, side)
	defer unlock()

	since := r.cursor(row.Symbol, row.OpenedAt)
	trades, err := r.client.FetchMyTrades(ctx, row.Symbol, since)
	if err != nil {
		return fmt.Errorf("fetch trades: %w", err)
	}

	closeSide := side.Opposite()
	var closing []exchange.Trade
	for _, trade := range trades {
		// Closing fills trade on the opposite side against the same
		// position side.
		if trade.Side == closeSide && (trade.PositionSide == "" || trade.PositionSide == side) {
			closing = append(closing, trade)
		}
	}

	exitPrice := row.CurrentPrice
	exitTime := time.Now().UTC()
	totalFee := 0.0
	exitOrderID := ""
	sawLiquidation := false

	if len(closing) > 0 {
		var amountSum, costSum float64
		for _, trade := range closing {
			amountSum += trade.Amount
			costSum += trade.Price * trade.Amount
			totalFee += trade.Fee
			if trade.IsLiquidation {
				sawLiquidation = true
			}
			exitOrderID = trade.OrderID
			if trade.Timestamp.After(since) {
				r.setCursor(row.Symbol, trade.Timestamp)
			}
			exitTime = trade.Timestamp
			r.persistTrade(ctx, trade)
		}
		if amountSum > 0 {
			exitPrice = costSum / amountSum
		}
	} else {
		r.log.Warn().Str("symbol", row.Symbol).Str("side", row.Side).
			Msg("no closing fills found, using last known price")
	}

	reason := r.classifyClose(ctx, exitOrderID, sawLiquidation)

	closed, err := r.store.ClosePosition(ctx, row, exitOrderID, exitPrice, exitTime, totalFee, reason)
	if err != nil {
		return fmt.Errorf("persist closed position: %w", err)
	}

	r.log.Info().Str("symbol", row.Symbol).Str("side", row.Side).
		Str("reason", string(reason)).Float64("exit_price", exitPrice).
		Float64("realized_pnl", closed.RealizedPnl).
		Int64("holding_seconds", closed.HoldingDurationSeconds).
		Msg("position closed")
	return nil
}

// classifyClose derives the close reason from the triggering order.
func (r *Reconciler) classifyClose(ctx context.Context, exitOrderID string, sawLiquidation bool) database.CloseReason {
	if sawLiquidation {
		return database.CloseReasonLiquidation
	}
	if exitOrderID == "" {
		return database.CloseReasonUnknown
	}

	row, err := r.store.GetOrderByVenueID(ctx, exitOrderID)
	if err != nil {
		r.log.Warn().Err(err).Str("order_id", exitOrderID).Msg("order lookup failed during close classification")
		return database.CloseReasonUnknown
	}
	if row == nil {
		// An order we never placed closed the position.
		return database.CloseReasonManual
	}

	switch exchange.OrderType(row.Type) {
	case exchange.OrderTypeStopMarket:
		return database.CloseReasonStopLoss
	case exchange.OrderTypeTakeProfitMarket:
		return database.CloseReasonTakeProfit
	default:
		return database.CloseReasonSystem
	}
}

// reconcileAmounts handles reduced and increased positions.
func (r *Reconciler) reconcileAmounts(ctx context.Context, row *database.PositionRow, venuePos exchange.Position) {
	const epsilon = 1e-12
	diff := venuePos.Amount - row.Amount

	switch {
	case diff < -epsilon:
		// Reduced: remaining basis keeps its VWAP entry.
		r.log.Info().Str("symbol", row.Symbol).Str("side", row.Side).
			Float64("from", row.Amount).Float64("to", venuePos.Amount).
			Msg("position partially closed")
		row.Amount = venuePos.Amount
	case diff > epsilon:
		// Increased: venue entry price is the VWAP over all fills.
		r.log.Info().Str("symbol", row.Symbol).Str("side", row.Side).
			Float64("from", row.Amount).Float64("to", venuePos.Amount).
			Float64("entry", venuePos.EntryPrice).Msg("position increased")
		row.Amount = venuePos.Amount
		row.EntryPrice = venuePos.EntryPrice
	}

	row.CurrentPrice = venuePos.MarkPrice
	if venuePos.Leverage > 0 {
		row.Leverage = venuePos.Leverage
	}
	if err := r.store.UpsertPosition(ctx, row); err != nil {
		r.log.Error().Str("symbol", row.Symbol).Err(err).Msg("position upsert failed")
	}
}

// adoptPosition creates a local row for a venue position we did not know.
func (r *Reconciler) adoptPosition(ctx context.Context, venuePos exchange.Position) {
	row := &database.PositionRow{
		ExchangeID:   r.exchangeID,
		Symbol:       venuePos.Symbol,
		Side:         string(venuePos.Side),
		IsOpen:       true,
		Amount:       venuePos.Amount,
		EntryPrice:   venuePos.EntryPrice,
		CurrentPrice: venuePos.MarkPrice,
		Leverage:     venuePos.Leverage,
		OpenedAt:     time.Now().UTC(),
	}

	// Prefer the opening fill's timestamp when it is recent enough to find.
	if trades, err := r.client.FetchMyTrades(ctx, venuePos.Symbol, time.Now().Add(-24*time.Hour)); err == nil {
		for _, trade := range trades {
			if trade.Side == venuePos.Side && (trade.PositionSide == "" || trade.PositionSide == venuePos.Side) {
				row.OpenedAt = trade.Timestamp
				row.EntryFee = trade.Fee
				break
			}
		}
	}

	if err := r.store.UpsertPosition(ctx, row); err != nil {
		r.log.Error().Str("symbol", venuePos.Symbol).Err(err).Msg("failed to adopt venue position")
		return
	}
	r.log.Info().Str("symbol", venuePos.Symbol).Str("side", string(venuePos.Side)).
		Float64("amount", venuePos.Amount).Msg("adopted untracked venue position")
}

// healCompanions re-submits stop or take-profit orders missing on the venue
// while the local record claims them.
func (r *Reconciler) healCompanions(ctx context.Context, venueByKey map[string]exchange.Position, localByKey map[string]database.PositionRow, openOrders []exchange.Order) {
	if r.exec == nil {
		return
	}

	hasOrder := func(symbol string, side exchange.Side, orderType exchange.OrderType) bool {
		for _, order := range openOrders {
			if order.Symbol == symbol && order.Type == orderType && order.PositionSide == side {
				return true
			}
		}
		return false
	}

	for key, row := range localByKey {
		venuePos, open := venueByKey[key]
		if !open {
			continue
		}
		side := exchange.Side(row.Side)

		missingStop := row.StopLoss > 0 && !hasOrder(row.Symbol, side, exchange.OrderTypeStopMarket)
		missingTarget := row.TakeProfit > 0 && !hasOrder(row.Symbol, side, exchange.OrderTypeTakeProfitMarket)
		if !missingStop && !missingTarget {
			continue
		}

		stop := 0.0
		if missingStop {
			stop = row.StopLoss
		}
		target := 0.0
		if missingTarget {
			target = row.TakeProfit
		}
		r.log.Warn().Str("symbol", row.Symbol).Str("side", row.Side).
			Bool("stop", missingStop).Bool("take_profit", missingTarget).
			Msg("re-submitting missing protective orders")
		r.exec.PlaceCompanions(ctx, row.Symbol, side, venuePos.Amount, stop, target, 0)
	}
}

// rebuildPortfolio assembles the cached portfolio view from venue truth.
func (r *Reconciler) rebuildPortfolio(balance *exchange.Balance, venuePositions []exchange.Position, localByKey map[string]database.PositionRow, openOrderCount int) {
	p := portfolio.Portfolio{
		WalletBalance:    balance.WalletBalance,
		AvailableBalance: balance.AvailableBalance,
		MarginBalance:    balance.MarginBalance,
		UnrealizedPnl:    balance.UnrealizedPnl,
		OpenOrderCount:   openOrderCount,
	}

	for _, venuePos := range venuePositions {
		view := portfolio.Position{
			Symbol:           venuePos.Symbol,
			Side:             venuePos.Side,
			Amount:           venuePos.Amount,
			EntryPrice:       venuePos.EntryPrice,
			CurrentPrice:     venuePos.MarkPrice,
			UnrealizedPnl:    venuePos.UnrealizedPnl,
			Leverage:         venuePos.Leverage,
			LiquidationPrice: venuePos.LiquidationPrice,
			OpenedAt:         time.Now().UTC(),
		}
		notional := venuePos.EntryPrice * venuePos.Amount
		if notional > 0 {
			view.UnrealizedPnlPct = venuePos.UnrealizedPnl / notional * 100
		}
		if row, ok := localByKey[orders.Key(venuePos.Symbol, venuePos.Side)]; ok {
			view.StopLoss = row.StopLoss
			view.TakeProfit = row.TakeProfit
			view.EntryFee = row.EntryFee
			view.OpenedAt = row.OpenedAt
		}
		p.Positions = append(p.Positions, view)
	}

	r.portfolio.Update(p)
}

// maybeSnapshot archives the portfolio hourly, or immediately after a close.
func (r *Reconciler) maybeSnapshot(ctx context.Context, balance *exchange.Balance, closedAny bool) {
	r.mu.Lock()
	due := time.Since(r.lastSnapshot) >= time.Hour
	if due || closedAny {
		r.lastSnapshot = time.Now()
	}
	r.mu.Unlock()

	if !due && !closedAny {
		return
	}

	reason := "auto"
	if closedAny {
		reason = "close"
	}

	p := r.portfolio.GetPortfolio()
	positionsJSON, err := portfolioPositionsJSON(p)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to encode snapshot positions")
		return
	}

	row := &database.PortfolioSnapshotRow{
		ExchangeID:       r.exchangeID,
		SnapshotDate:     time.Now().UTC().Truncate(time.Minute),
		WalletBalance:    balance.WalletBalance,
		AvailableBalance: balance.AvailableBalance,
		MarginBalance:    balance.MarginBalance,
		UnrealizedPnl:    balance.UnrealizedPnl,
		Positions:        positionsJSON,
		PositionCount:    len(p.Positions),
		ArchiveReason:    reason,
		IsArchive:        true,
	}
	if err := r.store.SavePortfolioSnapshot(ctx, row); err != nil {
		r.log.Error().Err(err).Msg("failed to archive portfolio snapshot")
	}
}

func portfolioPositionsJSON(p portfolio.Portfolio) (json.RawMessage, error) {
	if len(p.Positions) == 0 {
		return json.RawMessage("[]"), nil
	}
	data, err := json.Marshal(p.Positions)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (r *Reconciler) persistTrade(ctx context.Context, trade exchange.Trade) {
	row := &database.TradeRow{
		VenueID:   trade.ID,
		OrderID:   trade.OrderID,
		Symbol:    trade.Symbol,
		Side:      string(trade.Side),
		Price:     trade.Price,
		Amount:    trade.Amount,
		Cost:      trade.Cost,
		Fee:       trade.Fee,
		Timestamp: trade.Timestamp,
	}
	if err := r.store.SaveTrade(ctx, row); err != nil {
		r.log.Warn().Err(err).Str("trade_id", trade.ID).Msg("failed to persist trade")
	}
}

func (r *Reconciler) cursor(symbol string, fallback time.Time) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tradeCursor[symbol]; ok && t.After(fallback) {
		return t
	}
	return fallback
}

func (r *Reconciler) setCursor(symbol string, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tradeCursor[symbol]; !ok || t.After(existing) {
		r.tradeCursor[symbol] = t
	}
}
