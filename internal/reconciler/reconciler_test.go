package reconciler

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"perp-trading-agent/internal/database"
	"perp-trading-agent/internal/exchange"
	"perp-trading-agent/internal/executor"
	"perp-trading-agent/internal/orders"
	"perp-trading-agent/internal/portfolio"
	"perp-trading-agent/internal/risk"
	"perp-trading-agent/internal/trader"
)

func floatEquals(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

// memStore is an in-memory stand-in for the DAO covering both the executor
// and reconciler surfaces, enforcing the open-position uniqueness rule.
type memStore struct {
	mu        sync.Mutex
	orders    map[string]*database.OrderRow // by clientOrderID
	positions map[string]*database.PositionRow
	closed    []database.ClosedPositionRow
	snapshots []database.PortfolioSnapshotRow
	trades    []database.TradeRow
	seq       int64
}

func newMemStore() *memStore {
	return &memStore{
		orders:    make(map[string]*database.OrderRow),
		positions: make(map[string]*database.PositionRow),
	}
}

func (s *memStore) SaveOrder(ctx context.Context, row *database.OrderRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[row.ClientOrderID]; exists {
		return database.ErrDuplicateClientOrderID
	}
	s.seq++
	row.ID = s.seq
	copied := *row
	s.orders[row.ClientOrderID] = &copied
	return nil
}

func (s *memStore) UpdateOrder(ctx context.Context, clientOrderID, venueOrderID, status string, filled, average, fee float64, raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.orders[clientOrderID]
	if !ok {
		return nil
	}
	if venueOrderID != "" {
		row.VenueOrderID = venueOrderID
	}
	row.Status = status
	row.Filled = filled
	row.Average = average
	row.Fee = fee
	return nil
}

func (s *memStore) GetOrderByVenueID(ctx context.Context, venueOrderID string) (*database.OrderRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.orders {
		if row.VenueOrderID == venueOrderID {
			copied := *row
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *memStore) OpenPositions(ctx context.Context, exchangeID int64) ([]database.PositionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []database.PositionRow
	for _, row := range s.positions {
		if row.IsOpen {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (s *memStore) UpsertPosition(ctx context.Context, row *database.PositionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := row.Symbol + "|" + row.Side
	if existing, ok := s.positions[key]; ok && existing.IsOpen {
		existing.Amount = row.Amount
		existing.EntryPrice = row.EntryPrice
		existing.CurrentPrice = row.CurrentPrice
		existing.Leverage = row.Leverage
		existing.StopLoss = row.StopLoss
		existing.TakeProfit = row.TakeProfit
		row.ID = existing.ID
		return nil
	}
	s.seq++
	row.ID = s.seq
	row.IsOpen = true
	copied := *row
	s.positions[key] = &copied
	return nil
}

func (s *memStore) ClosePosition(ctx context.Context, position *database.PositionRow, exitOrderID string, exitPrice float64, exitTime time.Time, fee float64, reason database.CloseReason) (*database.ClosedPositionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := position.Symbol + "|" + position.Side
	if row, ok := s.positions[key]; ok {
		row.IsOpen = false
	}

	direction := 1.0
	if position.Side == "sell" {
		direction = -1.0
	}
	realized := direction*position.Amount*(exitPrice-position.EntryPrice) - fee

	holding := int64(exitTime.Sub(position.OpenedAt).Seconds())
	if holding < 0 {
		holding = -holding
	}

	closed := database.ClosedPositionRow{
		Symbol:                 position.Symbol,
		Side:                   position.Side,
		Amount:                 position.Amount,
		EntryPrice:             position.EntryPrice,
		EntryTime:              position.OpenedAt,
		ExitPrice:              exitPrice,
		ExitTime:               exitTime,
		ExitOrderID:            exitOrderID,
		Fee:                    fee,
		RealizedPnl:            realized,
		HoldingDurationSeconds: holding,
		CloseReason:            reason,
	}
	s.closed = append(s.closed, closed)
	return &closed, nil
}

func (s *memStore) SavePortfolioSnapshot(ctx context.Context, row *database.PortfolioSnapshotRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, *row)
	return nil
}

func (s *memStore) SaveTrade(ctx context.Context, row *database.TradeRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, *row)
	return nil
}

func newHarness(t *testing.T) (*exchange.MockClient, *memStore, *Reconciler, *executor.Executor, *portfolio.Manager) {
	t.Helper()
	mock := exchange.NewMockClient(10000)
	store := newMemStore()
	locks := orders.NewInstrumentLocks()
	pm := portfolio.NewManager(nil, 0)
	riskMgr := risk.NewManager(risk.Config{
		MaxPositionSize: 0.2, MaxSingleTrade: 50000, MaxDailyLoss: 0.05,
		MaxDrawdown: 0.15, StopLossPct: 0.02, TakeProfitPct: 0.04,
		MinStopDistancePct: 0.003, MaxStopDistancePct: 0.10,
		MaxLeverageMajor: 50, MaxLeverageAltcoin: 20, HighLeverageWarning: 25,
		LiquidationBuffer: 0.05, HedgeMode: true,
	}, pm, nil)
	exec := executor.New(mock, store, locks)
	rec := New(mock, store, pm, riskMgr, exec, locks, 1)
	return mock, store, rec, exec, pm
}

func openLong(t *testing.T, exec *executor.Executor, symbol string, amount, price, stop, target float64) {
	t.Helper()
	signal := &trader.Signal{
		Symbol:         symbol,
		SignalType:     trader.SignalEnterLong,
		Confidence:     0.8,
		SuggestedPrice: price,
		Reasoning:      "test",
	}
	check := risk.CheckResult{Passed: true, Amount: amount, Leverage: 5, StopLoss: stop, TakeProfit: target}
	if err := exec.Execute(context.Background(), signal, check, 0); err != nil {
		t.Fatalf("open failed: %v", err)
	}
}

func TestSync_AdoptsVenuePosition(t *testing.T) {
	mock, store, rec, exec, pm := newHarness(t)
	mock.SetMarkPrice("ETH/USDT", 3000)
	openLong(t, exec, "ETH/USDT", 1.0, 3000, 2940, 3100)

	if err := rec.Sync(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	local, _ := store.OpenPositions(context.Background(), 1)
	if len(local) != 1 {
		t.Fatalf("local positions = %d, want 1", len(local))
	}
	if local[0].Symbol != "ETH/USDT" || local[0].Side != "buy" || local[0].Amount != 1.0 {
		t.Errorf("unexpected adopted row: %+v", local[0])
	}

	p := pm.GetPortfolio()
	if len(p.Positions) != 1 {
		t.Errorf("portfolio positions = %d, want 1", len(p.Positions))
	}
}

func TestSync_StopLossCloseClassification(t *testing.T) {
	mock, store, rec, exec, _ := newHarness(t)
	mock.SetMarkPrice("ETH/USDT", 3000)
	openLong(t, exec, "ETH/USDT", 1.0, 3000, 2940, 3100)

	// First sync adopts the position; second records the protective prices.
	if err := rec.Sync(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if err := rec.Sync(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	// Age the position so the holding duration is positive.
	store.mu.Lock()
	for _, row := range store.positions {
		row.OpenedAt = row.OpenedAt.Add(-2 * time.Hour)
	}
	store.mu.Unlock()

	// Price crashes through the stop; the venue fills the reduce-only stop.
	mock.SetMarkPrice("ETH/USDT", 2939.5)

	if err := rec.Sync(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.closed) != 1 {
		t.Fatalf("closed rows = %d, want 1", len(store.closed))
	}
	closed := store.closed[0]

	if closed.CloseReason != database.CloseReasonStopLoss {
		t.Errorf("close reason = %s, want stop_loss", closed.CloseReason)
	}
	if !floatEquals(closed.ExitPrice, 2939.5, 1e-9) {
		t.Errorf("exit price = %v, want 2939.5", closed.ExitPrice)
	}
	expectedPnl := (2939.5-3000.0)*1.0 - closed.Fee
	if !floatEquals(closed.RealizedPnl, expectedPnl, 1e-6) {
		t.Errorf("realized pnl = %v, want %v", closed.RealizedPnl, expectedPnl)
	}
	if closed.HoldingDurationSeconds <= 0 {
		t.Errorf("holding duration = %d, want > 0", closed.HoldingDurationSeconds)
	}
	if closed.ExitTime.Before(closed.EntryTime) {
		t.Error("exit time before entry time")
	}

	// A close-triggered snapshot was archived.
	found := false
	for _, snapshot := range store.snapshots {
		if snapshot.ArchiveReason == "close" {
			found = true
		}
	}
	if !found {
		t.Error("expected a close-triggered portfolio snapshot")
	}
}

func TestSync_ReducedPositionKeepsEntryVWAP(t *testing.T) {
	mock, store, rec, exec, _ := newHarness(t)
	mock.SetMarkPrice("BTC/USDT", 100)
	openLong(t, exec, "BTC/USDT", 1.0, 100, 95, 110)

	if err := rec.Sync(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	// Half the position closes on the venue (e.g. a manual reduce).
	if _, err := mock.CreateOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTC/USDT", Type: exchange.OrderTypeMarket, Side: exchange.SideSell,
		Amount: 0.5, ReduceOnly: true, PositionSide: exchange.SideBuy,
	}); err != nil {
		t.Fatalf("reduce failed: %v", err)
	}

	if err := rec.Sync(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	local, _ := store.OpenPositions(context.Background(), 1)
	if len(local) != 1 {
		t.Fatalf("local positions = %d, want 1", len(local))
	}
	if !floatEquals(local[0].Amount, 0.5, 1e-9) {
		t.Errorf("amount = %v, want 0.5", local[0].Amount)
	}
	if !floatEquals(local[0].EntryPrice, 100, 1e-9) {
		t.Errorf("entry price = %v, want unchanged 100", local[0].EntryPrice)
	}
}

func TestSync_HealsMissingStopOrder(t *testing.T) {
	mock, store, rec, exec, _ := newHarness(t)
	mock.SetMarkPrice("BTC/USDT", 100)
	openLong(t, exec, "BTC/USDT", 1.0, 100, 95, 110)

	// Adopt and record protective prices.
	if err := rec.Sync(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if err := rec.Sync(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	// Someone cancels the stop on the venue.
	open, _ := mock.FetchOpenOrders(context.Background(), "BTC/USDT")
	for _, order := range open {
		if order.Type == exchange.OrderTypeStopMarket {
			if err := mock.CancelOrder(context.Background(), order.ID, "BTC/USDT"); err != nil {
				t.Fatalf("cancel failed: %v", err)
			}
		}
	}

	if err := rec.Sync(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	open, _ = mock.FetchOpenOrders(context.Background(), "BTC/USDT")
	stops := 0
	for _, order := range open {
		if order.Type == exchange.OrderTypeStopMarket {
			stops++
		}
	}
	if stops != 1 {
		t.Errorf("stop orders after healing = %d, want 1", stops)
	}

	// Re-recorded order rows keep the unique index happy: count rows.
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.orders) < 3 {
		t.Errorf("expected at least 3 order rows (entry, companions, healed stop), got %d", len(store.orders))
	}
}

func TestSync_PositionUniquenessHeldAcrossCycles(t *testing.T) {
	mock, store, rec, exec, _ := newHarness(t)
	mock.SetMarkPrice("BTC/USDT", 100)
	openLong(t, exec, "BTC/USDT", 1.0, 100, 95, 112)

	for i := 0; i < 5; i++ {
		if err := rec.Sync(context.Background()); err != nil {
			t.Fatalf("sync %d failed: %v", i, err)
		}
	}

	local, _ := store.OpenPositions(context.Background(), 1)
	count := 0
	for _, row := range local {
		if row.Symbol == "BTC/USDT" && row.Side == "buy" && row.IsOpen {
			count++
		}
	}
	if count != 1 {
		t.Errorf("open rows for (BTC/USDT, buy) = %d, want exactly 1", count)
	}
}
