// Package executor converts approved signals into venue orders: primary
// entry/exit orders plus reduce-only stop and take-profit companions.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"perp-trading-agent/internal/database"
	"perp-trading-agent/internal/exchange"
	"perp-trading-agent/internal/logging"
	"perp-trading-agent/internal/orders"
	"perp-trading-agent/internal/risk"
	"perp-trading-agent/internal/trader"
)

// Store is the persistence surface the executor needs.
type Store interface {
	SaveOrder(ctx context.Context, row *database.OrderRow) error
	UpdateOrder(ctx context.Context, clientOrderID, venueOrderID, status string, filled, average, fee float64, raw string) error
}

// Executor submits orders for approved signals.
type Executor struct {
	client exchange.Client
	store  Store
	locks  *orders.InstrumentLocks
	log    *logging.Logger

	mu          sync.Mutex
	leverageSet map[string]int // symbol -> last leverage applied
}

// New creates an executor. The locks registry must be the same instance the
// reconciler uses.
func New(client exchange.Client, store Store, locks *orders.InstrumentLocks) *Executor {
	return &Executor{
		client:      client,
		store:       store,
		locks:       locks,
		log:         logging.New("executor"),
		leverageSet: make(map[string]int),
	}
}

// Execute places the orders for one approved signal. The signal is consumed
// exactly as handed over; no further model inference happens here.
func (e *Executor) Execute(ctx context.Context, signal *trader.Signal, check risk.CheckResult, decisionID int64) error {
	if !check.Passed {
		return fmt.Errorf("refusing to execute unapproved signal for %s", signal.Symbol)
	}

	positionSide := signal.SignalType.PositionSide()
	unlock := e.locks.Lock(signal.Symbol, positionSide)
	defer unlock()

	if signal.SignalType.IsEntry() {
		return e.executeEntry(ctx, signal, check, decisionID)
	}
	return e.executeExit(ctx, signal, check, decisionID)
}

func (e *Executor) executeEntry(ctx context.Context, signal *trader.Signal, check risk.CheckResult, decisionID int64) error {
	if err := e.ensureLeverage(ctx, signal.Symbol, check.Leverage); err != nil {
		return fmt.Errorf("set leverage for %s: %w", signal.Symbol, err)
	}

	side := exchange.SideBuy
	if signal.SignalType == trader.SignalEnterShort {
		side = exchange.SideSell
	}

	order, err := e.submit(ctx, exchange.OrderRequest{
		Symbol:       signal.Symbol,
		Type:         exchange.OrderTypeMarket,
		Side:         side,
		Amount:       check.Amount,
		PositionSide: signal.SignalType.PositionSide(),
	}, decisionID)
	if err != nil {
		return err
	}

	if order.Status != exchange.OrderStatusFilled {
		e.log.Info().Str("symbol", signal.Symbol).Str("status", string(order.Status)).
			Msg("primary order not yet filled, companions not placed")
		return nil
	}

	// Companion orders protect the filled position. A companion failure is
	// not fatal: the position stays open without that order. The reconciler
	// re-submits only protective orders whose price it has already seen on a
	// live venue order.
	e.placeCompanions(ctx, signal.Symbol, signal.SignalType.PositionSide(), order.Filled,
		check.StopLoss, check.TakeProfit, decisionID)
	return nil
}

// PlaceCompanions submits the reduce-only stop and take-profit orders for an
// open position. Exported for the reconciler's self-healing pass.
func (e *Executor) PlaceCompanions(ctx context.Context, symbol string, positionSide exchange.Side, amount, stopLoss, takeProfit float64, decisionID int64) {
	unlock := e.locks.Lock(symbol, positionSide)
	defer unlock()
	e.placeCompanions(ctx, symbol, positionSide, amount, stopLoss, takeProfit, decisionID)
}

func (e *Executor) placeCompanions(ctx context.Context, symbol string, positionSide exchange.Side, amount, stopLoss, takeProfit float64, decisionID int64) {
	closeSide := positionSide.Opposite()

	if stopLoss > 0 {
		if _, err := e.submit(ctx, exchange.OrderRequest{
			Symbol:       symbol,
			Type:         exchange.OrderTypeStopMarket,
			Side:         closeSide,
			Amount:       amount,
			StopPrice:    stopLoss,
			ReduceOnly:   true,
			PositionSide: positionSide,
		}, decisionID); err != nil {
			e.log.Error().Str("symbol", symbol).Err(err).Msg("stop-loss companion failed")
		}
	}

	if takeProfit > 0 {
		if _, err := e.submit(ctx, exchange.OrderRequest{
			Symbol:       symbol,
			Type:         exchange.OrderTypeTakeProfitMarket,
			Side:         closeSide,
			Amount:       amount,
			StopPrice:    takeProfit,
			ReduceOnly:   true,
			PositionSide: positionSide,
		}, decisionID); err != nil {
			e.log.Error().Str("symbol", symbol).Err(err).Msg("take-profit companion failed")
		}
	}
}

func (e *Executor) executeExit(ctx context.Context, signal *trader.Signal, check risk.CheckResult, decisionID int64) error {
	positionSide := signal.SignalType.PositionSide()
	side := positionSide.Opposite()

	_, err := e.submit(ctx, exchange.OrderRequest{
		Symbol:       signal.Symbol,
		Type:         exchange.OrderTypeMarket,
		Side:         side,
		Amount:       check.Amount,
		ReduceOnly:   true,
		PositionSide: positionSide,
	}, decisionID)
	return err
}

// submit persists a pending order row before calling the venue, then
// updates the row from the response. Duplicate clientOrderIds short-circuit:
// the venue call is skipped entirely.
func (e *Executor) submit(ctx context.Context, req exchange.OrderRequest, decisionID int64) (*exchange.Order, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}

	row := &database.OrderRow{
		ClientOrderID:    req.ClientOrderID,
		Symbol:           req.Symbol,
		Side:             string(req.Side),
		Type:             string(req.Type),
		Status:           string(exchange.OrderStatusPending),
		Price:            req.Price,
		Amount:           req.Amount,
		StopPrice:        req.StopPrice,
		LinkedDecisionID: decisionID,
		CreatedAt:        time.Now().UTC(),
	}
	if err := e.store.SaveOrder(ctx, row); err != nil {
		if errors.Is(err, database.ErrDuplicateClientOrderID) {
			e.log.Warn().Str("client_order_id", req.ClientOrderID).
				Msg("duplicate client order id, submission skipped")
			return nil, err
		}
		return nil, fmt.Errorf("persist pending order: %w", err)
	}

	order, err := e.client.CreateOrder(ctx, req)
	if err != nil {
		var exErr *exchange.ExchangeError
		status := string(exchange.OrderStatusRejected)
		reason := err.Error()
		if !errors.As(err, &exErr) {
			// Transport failure: the venue may or may not have the order.
			// Leave it pending for the reconciler to resolve.
			status = string(exchange.OrderStatusPending)
		}
		if updateErr := e.store.UpdateOrder(ctx, req.ClientOrderID, "", status, 0, 0, 0, reason); updateErr != nil {
			e.log.Error().Err(updateErr).Msg("failed to record order rejection")
		}
		return nil, err
	}

	if err := e.store.UpdateOrder(ctx, req.ClientOrderID, order.ID, string(order.Status),
		order.Filled, order.Average, order.Fee, order.Raw); err != nil {
		e.log.Error().Err(err).Str("order_id", order.ID).Msg("failed to update order row")
	}

	e.log.Info().Str("symbol", req.Symbol).Str("type", string(req.Type)).
		Str("side", string(req.Side)).Float64("amount", req.Amount).
		Str("order_id", order.ID).Str("status", string(order.Status)).Msg("order submitted")
	return order, nil
}

// ensureLeverage sets leverage once per symbol per target value.
func (e *Executor) ensureLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage <= 0 {
		return nil
	}
	e.mu.Lock()
	current := e.leverageSet[symbol]
	e.mu.Unlock()
	if current == leverage {
		return nil
	}

	if err := e.client.SetLeverage(ctx, symbol, leverage); err != nil {
		return err
	}
	e.mu.Lock()
	e.leverageSet[symbol] = leverage
	e.mu.Unlock()
	return nil
}
