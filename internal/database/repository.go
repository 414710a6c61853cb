package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"perp-trading-agent/internal/exchange"
)

// ErrDuplicateClientOrderID is returned when an order row with the same
// idempotency key already exists.
var ErrDuplicateClientOrderID = errors.New("duplicate client order id")

// uniqueViolation is the postgres error code for unique constraint conflicts.
const uniqueViolation = "23505"

// withTx runs fn inside a transaction with commit/rollback handling.
func (db *DB) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// EnsureExchange returns the id for a venue, creating the row if needed.
func (db *DB) EnsureExchange(ctx context.Context, name string) (int64, error) {
	var id int64
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO exchanges (name) VALUES ($1)
			ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			RETURNING id`, name).Scan(&id)
	})
	return id, err
}

// SaveOrder inserts a new order row. The unique index on client_order_id is
// the second line of idempotency defence after the venue's own dedup.
func (db *DB) SaveOrder(ctx context.Context, row *OrderRow) error {
	return db.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO orders (venue_order_id, client_order_id, symbol, side, type, status,
				price, amount, filled, average, fee, fee_currency, stop_price,
				linked_decision_id, raw_payload, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$16)
			RETURNING id`,
			nullStr(row.VenueOrderID), row.ClientOrderID, row.Symbol, row.Side, row.Type,
			row.Status, row.Price, row.Amount, row.Filled, row.Average, row.Fee,
			nullStr(row.FeeCurrency), row.StopPrice, nullInt(row.LinkedDecisionID),
			row.RawPayload, orNow(row.CreatedAt),
		).Scan(&row.ID)
		if isUniqueViolation(err) {
			return ErrDuplicateClientOrderID
		}
		return err
	})
}

// UpdateOrder updates a pending order row after the venue responded. Two
// monotonicity rules are enforced in SQL: filled never decreases, and a
// terminal status (filled, cancelled, rejected, expired) is never overwritten.
func (db *DB) UpdateOrder(ctx context.Context, clientOrderID string, venueOrderID, status string, filled, average, fee float64, raw string) error {
	return db.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE orders SET venue_order_id = COALESCE(NULLIF($2,''), venue_order_id),
				status = CASE WHEN orders.status IN ('filled','cancelled','rejected','expired')
					THEN orders.status ELSE $3 END,
				filled = GREATEST(orders.filled, $4),
				average = $5, fee = $6,
				raw_payload = CASE WHEN $7 <> '' THEN $7 ELSE raw_payload END,
				updated_at = NOW()
			WHERE client_order_id = $1`,
			clientOrderID, venueOrderID, status, filled, average, fee, raw)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("order %s not found", clientOrderID)
		}
		return nil
	})
}

// SaveTrade inserts one fill.
func (db *DB) SaveTrade(ctx context.Context, row *TradeRow) error {
	return db.withTx(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO trades (venue_id, order_id, symbol, side, price, amount, cost, fee, ts)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			RETURNING id`,
			nullStr(row.VenueID), row.OrderID, row.Symbol, row.Side, row.Price,
			row.Amount, row.Cost, row.Fee, row.Timestamp,
		).Scan(&row.ID)
	})
}

// GetOrderByVenueID looks an order row up by the venue's order id. Used by
// the reconciler to classify which order triggered a close.
func (db *DB) GetOrderByVenueID(ctx context.Context, venueOrderID string) (*OrderRow, error) {
	row := &OrderRow{}
	err := db.Pool.QueryRow(ctx, `
		SELECT id, COALESCE(venue_order_id,''), client_order_id, symbol, side, type, status,
			COALESCE(price,0), amount, filled, COALESCE(average,0), COALESCE(fee,0),
			COALESCE(fee_currency,''), COALESCE(stop_price,0),
			COALESCE(linked_decision_id,0), COALESCE(raw_payload,''), created_at, updated_at
		FROM orders WHERE venue_order_id = $1`, venueOrderID,
	).Scan(&row.ID, &row.VenueOrderID, &row.ClientOrderID, &row.Symbol, &row.Side,
		&row.Type, &row.Status, &row.Price, &row.Amount, &row.Filled, &row.Average,
		&row.Fee, &row.FeeCurrency, &row.StopPrice, &row.LinkedDecisionID,
		&row.RawPayload, &row.CreatedAt, &row.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

// UpsertPosition inserts or updates the open row for (exchange, symbol,
// side). On a uniqueness conflict the upsert is retried once; a second
// failure surfaces to the caller and the sync loop retries next tick.
func (db *DB) UpsertPosition(ctx context.Context, row *PositionRow) error {
	upsert := func() error {
		return db.withTx(ctx, func(tx pgx.Tx) error {
			return tx.QueryRow(ctx, `
				INSERT INTO positions (exchange_id, symbol, side, is_open, amount, entry_price,
					current_price, leverage, stop_loss, take_profit, entry_fee, opened_at)
				VALUES ($1,$2,$3,TRUE,$4,$5,$6,$7,$8,$9,$10,$11)
				ON CONFLICT (exchange_id, symbol, side) WHERE is_open DO UPDATE SET
					amount = EXCLUDED.amount,
					entry_price = EXCLUDED.entry_price,
					current_price = EXCLUDED.current_price,
					leverage = EXCLUDED.leverage,
					stop_loss = EXCLUDED.stop_loss,
					take_profit = EXCLUDED.take_profit
				RETURNING id`,
				row.ExchangeID, row.Symbol, row.Side, row.Amount, row.EntryPrice,
				row.CurrentPrice, row.Leverage, row.StopLoss, row.TakeProfit,
				row.EntryFee, orNow(row.OpenedAt),
			).Scan(&row.ID)
		})
	}

	err := upsert()
	if isUniqueViolation(err) {
		db.log.Warn().Str("symbol", row.Symbol).Str("side", row.Side).
			Msg("position uniqueness conflict, retrying upsert")
		err = upsert()
	}
	return err
}

// OpenPositions returns all open position rows for a venue.
func (db *DB) OpenPositions(ctx context.Context, exchangeID int64) ([]PositionRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, exchange_id, symbol, side, is_open, amount, entry_price,
			COALESCE(current_price,0), leverage, COALESCE(stop_loss,0),
			COALESCE(take_profit,0), entry_fee, opened_at, closed_at
		FROM positions WHERE exchange_id = $1 AND is_open`, exchangeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		var row PositionRow
		if err := rows.Scan(&row.ID, &row.ExchangeID, &row.Symbol, &row.Side, &row.IsOpen,
			&row.Amount, &row.EntryPrice, &row.CurrentPrice, &row.Leverage,
			&row.StopLoss, &row.TakeProfit, &row.EntryFee, &row.OpenedAt, &row.ClosedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ClosePosition atomically closes the open row and writes the closed-position
// record. A negative holding duration is written as its absolute value with
// an ERROR log; the table CHECK constraint rejects anything still negative.
func (db *DB) ClosePosition(ctx context.Context, position *PositionRow, exitOrderID string, exitPrice float64, exitTime time.Time, fee float64, reason CloseReason) (*ClosedPositionRow, error) {
	direction := 1.0
	if position.Side == "sell" {
		direction = -1.0
	}
	realized := direction*position.Amount*(exitPrice-position.EntryPrice) - fee

	notional := position.EntryPrice * position.Amount
	realizedPct := 0.0
	if notional > 0 {
		realizedPct = realized / notional * 100
	}

	holding := int64(exitTime.Sub(position.OpenedAt).Seconds())
	if holding < 0 {
		db.log.Error().Str("symbol", position.Symbol).Str("side", position.Side).
			Time("opened_at", position.OpenedAt).Time("exit_time", exitTime).
			Int64("holding_seconds", holding).
			Msg("negative holding duration from venue, writing absolute value")
		holding = -holding
	}

	closed := &ClosedPositionRow{
		ExchangeID:             position.ExchangeID,
		Symbol:                 position.Symbol,
		Side:                   position.Side,
		Amount:                 position.Amount,
		EntryPrice:             position.EntryPrice,
		EntryFee:               position.EntryFee,
		EntryTime:              position.OpenedAt,
		ExitPrice:              exitPrice,
		ExitTime:               exitTime,
		ExitOrderID:            exitOrderID,
		Fee:                    fee,
		Leverage:               position.Leverage,
		RealizedPnl:            realized,
		RealizedPnlPct:         realizedPct,
		HoldingDurationSeconds: holding,
		CloseReason:            reason,
	}

	err := db.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE positions SET is_open = FALSE, closed_at = $2, current_price = $3
			WHERE id = $1`, position.ID, exitTime, exitPrice); err != nil {
			return err
		}
		return tx.QueryRow(ctx, `
			INSERT INTO closed_positions (exchange_id, symbol, side, amount, entry_price,
				entry_fee, entry_time, exit_price, exit_time, exit_order_id, fee, leverage,
				realized_pnl, realized_pnl_pct, holding_duration_seconds, close_reason)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			RETURNING id`,
			closed.ExchangeID, closed.Symbol, closed.Side, closed.Amount, closed.EntryPrice,
			closed.EntryFee, closed.EntryTime, closed.ExitPrice, closed.ExitTime,
			nullStr(closed.ExitOrderID), closed.Fee, closed.Leverage, closed.RealizedPnl,
			closed.RealizedPnlPct, closed.HoldingDurationSeconds, string(closed.CloseReason),
		).Scan(&closed.ID)
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}

// ClosedPositionsSince returns closed positions exiting at or after the cutoff.
func (db *DB) ClosedPositionsSince(ctx context.Context, exchangeID int64, since time.Time) ([]ClosedPositionRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, exchange_id, symbol, side, amount, entry_price, entry_fee, entry_time,
			exit_price, exit_time, COALESCE(exit_order_id,''), fee, leverage,
			realized_pnl, realized_pnl_pct, holding_duration_seconds, close_reason
		FROM closed_positions
		WHERE exchange_id = $1 AND exit_time >= $2
		ORDER BY exit_time`, exchangeID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ClosedPositionRow
	for rows.Next() {
		var row ClosedPositionRow
		var reason string
		if err := rows.Scan(&row.ID, &row.ExchangeID, &row.Symbol, &row.Side, &row.Amount,
			&row.EntryPrice, &row.EntryFee, &row.EntryTime, &row.ExitPrice, &row.ExitTime,
			&row.ExitOrderID, &row.Fee, &row.Leverage, &row.RealizedPnl, &row.RealizedPnlPct,
			&row.HoldingDurationSeconds, &reason); err != nil {
			return nil, err
		}
		row.CloseReason = CloseReason(reason)
		out = append(out, row)
	}
	return out, rows.Err()
}

// SavePortfolioSnapshot upserts a snapshot for its (exchange, date) slot.
func (db *DB) SavePortfolioSnapshot(ctx context.Context, row *PortfolioSnapshotRow) error {
	if row.Positions == nil {
		row.Positions = json.RawMessage("[]")
	}
	return db.withTx(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO portfolio_snapshots (exchange_id, snapshot_date, wallet_balance,
				available_balance, margin_balance, unrealized_pnl, positions,
				position_count, archive_reason, is_archive)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (exchange_id, snapshot_date) DO UPDATE SET
				wallet_balance = EXCLUDED.wallet_balance,
				available_balance = EXCLUDED.available_balance,
				margin_balance = EXCLUDED.margin_balance,
				unrealized_pnl = EXCLUDED.unrealized_pnl,
				positions = EXCLUDED.positions,
				position_count = EXCLUDED.position_count,
				archive_reason = EXCLUDED.archive_reason
			RETURNING id`,
			row.ExchangeID, row.SnapshotDate, row.WalletBalance, row.AvailableBalance,
			row.MarginBalance, row.UnrealizedPnl, row.Positions, row.PositionCount,
			row.ArchiveReason, row.IsArchive,
		).Scan(&row.ID)
	})
}

// SaveDecision appends a decision row and returns its id.
func (db *DB) SaveDecision(ctx context.Context, layer DecisionLayer, modelUsed string, tokensUsed int, latencyMs int64, input, output interface{}) (int64, error) {
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return 0, fmt.Errorf("marshal decision input: %w", err)
	}
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return 0, fmt.Errorf("marshal decision output: %w", err)
	}

	var id int64
	err = db.withTx(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO decisions (layer, model_used, tokens_used, latency_ms, input, output)
			VALUES ($1,$2,$3,$4,$5,$6)
			RETURNING id`,
			string(layer), modelUsed, tokensUsed, latencyMs, inputJSON, outputJSON,
		).Scan(&id)
	})
	return id, err
}

// SaveRegime writes the published regime's durable copy into the decision log.
func (db *DB) SaveRegime(ctx context.Context, modelUsed string, tokensUsed int, latencyMs int64, input, regime interface{}) (int64, error) {
	return db.SaveDecision(ctx, LayerStrategic, modelUsed, tokensUsed, latencyMs, input, regime)
}

// SaveKlines batch-upserts candles on (exchange, symbol, timeframe, open time).
func (db *DB) SaveKlines(ctx context.Context, exchangeID int64, klines []exchange.Kline) error {
	if len(klines) == 0 {
		return nil
	}
	return db.withTx(ctx, func(tx pgx.Tx) error {
		for _, k := range klines {
			if _, err := tx.Exec(ctx, `
				INSERT INTO klines (exchange_id, symbol, timeframe, timestamp, open, high, low, close, volume)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
				ON CONFLICT (exchange_id, symbol, timeframe, timestamp) DO UPDATE SET
					open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
					close = EXCLUDED.close, volume = EXCLUDED.volume`,
				exchangeID, k.Symbol, string(k.Timeframe), k.OpenTime,
				k.Open, k.High, k.Low, k.Close, k.Volume); err != nil {
				return err
			}
		}
		return nil
	})
}

// BoundKlineArchiver is a DB handle pre-bound to one venue id, satisfying
// the market builder's archiver interface.
type BoundKlineArchiver struct {
	db         *DB
	exchangeID int64
}

// BindKlineArchiver returns an archiver writing under the given venue id.
func (db *DB) BindKlineArchiver(exchangeID int64) *BoundKlineArchiver {
	return &BoundKlineArchiver{db: db, exchangeID: exchangeID}
}

// SaveKlines archives candles for the bound venue.
func (a *BoundKlineArchiver) SaveKlines(ctx context.Context, klines []exchange.Kline) error {
	return a.db.SaveKlines(ctx, a.exchangeID, klines)
}

// GetOrInitAccountSettings returns the venue's account settings, seeding the
// row with the given starting capital on first call.
func (db *DB) GetOrInitAccountSettings(ctx context.Context, exchangeID int64, initialCapital float64, currency string) (*AccountSettingsRow, error) {
	row := &AccountSettingsRow{}
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO account_settings (exchange_id, initial_capital, capital_currency)
			VALUES ($1,$2,$3)
			ON CONFLICT (exchange_id) DO UPDATE SET exchange_id = EXCLUDED.exchange_id
			RETURNING id, exchange_id, initial_capital, capital_currency, set_at`,
			exchangeID, initialCapital, currency,
		).Scan(&row.ID, &row.ExchangeID, &row.InitialCapital, &row.CapitalCurrency, &row.SetAt)
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
