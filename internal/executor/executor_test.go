package executor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"perp-trading-agent/internal/database"
	"perp-trading-agent/internal/exchange"
	"perp-trading-agent/internal/orders"
	"perp-trading-agent/internal/risk"
	"perp-trading-agent/internal/trader"
)

// memStore is an in-memory Store enforcing the clientOrderId unique index.
type memStore struct {
	mu   sync.Mutex
	rows map[string]*database.OrderRow
	seq  int64
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*database.OrderRow)}
}

func (s *memStore) SaveOrder(ctx context.Context, row *database.OrderRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[row.ClientOrderID]; exists {
		return database.ErrDuplicateClientOrderID
	}
	s.seq++
	row.ID = s.seq
	copied := *row
	s.rows[row.ClientOrderID] = &copied
	return nil
}

func (s *memStore) UpdateOrder(ctx context.Context, clientOrderID, venueOrderID, status string, filled, average, fee float64, raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[clientOrderID]
	if !ok {
		return errors.New("order not found")
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

func (s *memStore) byType(orderType string) []*database.OrderRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*database.OrderRow
	for _, row := range s.rows {
		if row.Type == orderType {
			out = append(out, row)
		}
	}
	return out
}

func approvedEntry(symbol string) (*trader.Signal, risk.CheckResult) {
	signal := &trader.Signal{
		Symbol:         symbol,
		SignalType:     trader.SignalEnterLong,
		Confidence:     0.8,
		SuggestedPrice: 100,
		Reasoning:      "test",
	}
	check := risk.CheckResult{
		Passed:     true,
		Amount:     0.5,
		Leverage:   10,
		StopLoss:   98,
		TakeProfit: 104,
	}
	return signal, check
}

func TestExecute_EntryPlacesPrimaryAndCompanions(t *testing.T) {
	mock := exchange.NewMockClient(10000)
	mock.SetMarkPrice("BTC/USDT", 100)
	store := newMemStore()
	exec := New(mock, store, orders.NewInstrumentLocks())

	signal, check := approvedEntry("BTC/USDT")
	if err := exec.Execute(context.Background(), signal, check, 42); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if got := mock.Leverage("BTC/USDT"); got != 10 {
		t.Errorf("leverage = %d, want 10", got)
	}

	primaries := store.byType(string(exchange.OrderTypeMarket))
	if len(primaries) != 1 {
		t.Fatalf("market orders = %d, want 1", len(primaries))
	}
	if primaries[0].Status != string(exchange.OrderStatusFilled) {
		t.Errorf("primary status = %s, want filled", primaries[0].Status)
	}
	if primaries[0].LinkedDecisionID != 42 {
		t.Errorf("linked decision id = %d, want 42", primaries[0].LinkedDecisionID)
	}

	if stops := store.byType(string(exchange.OrderTypeStopMarket)); len(stops) != 1 {
		t.Errorf("stop companions = %d, want 1", len(stops))
	}
	if targets := store.byType(string(exchange.OrderTypeTakeProfitMarket)); len(targets) != 1 {
		t.Errorf("take-profit companions = %d, want 1", len(targets))
	}

	positions, _ := mock.FetchPositions(context.Background())
	if len(positions) != 1 || positions[0].Amount != 0.5 {
		t.Errorf("expected one 0.5 position, got %+v", positions)
	}
}

func TestExecute_DuplicateClientOrderIDBlocked(t *testing.T) {
	mock := exchange.NewMockClient(10000)
	mock.SetMarkPrice("BTC/USDT", 100)
	store := newMemStore()
	exec := New(mock, store, orders.NewInstrumentLocks())

	clientID := "11111111-2222-3333-4444-555555555555"
	req := exchange.OrderRequest{
		Symbol:        "BTC/USDT",
		Type:          exchange.OrderTypeMarket,
		Side:          exchange.SideBuy,
		Amount:        0.1,
		PositionSide:  exchange.SideBuy,
		ClientOrderID: clientID,
	}

	if _, err := exec.submit(context.Background(), req, 0); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	if _, err := exec.submit(context.Background(), req, 0); !errors.Is(err, database.ErrDuplicateClientOrderID) {
		t.Fatalf("second submit error = %v, want ErrDuplicateClientOrderID", err)
	}

	// Exactly one order row and one venue position, despite the replay.
	if len(store.rows) != 1 {
		t.Errorf("order rows = %d, want 1", len(store.rows))
	}
	positions, _ := mock.FetchPositions(context.Background())
	if len(positions) != 1 || positions[0].Amount != 0.1 {
		t.Errorf("expected one 0.1 position, got %+v", positions)
	}
}

func TestExecute_RejectionMarksRow(t *testing.T) {
	mock := exchange.NewMockClient(10000)
	mock.SetMarkPrice("BTC/USDT", 100)
	mock.FailNextOrder = "insufficient margin"
	store := newMemStore()
	exec := New(mock, store, orders.NewInstrumentLocks())

	signal, check := approvedEntry("BTC/USDT")
	if err := exec.Execute(context.Background(), signal, check, 0); err == nil {
		t.Fatal("expected an execution error")
	}

	rows := store.byType(string(exchange.OrderTypeMarket))
	if len(rows) != 1 {
		t.Fatalf("order rows = %d, want 1", len(rows))
	}
	if rows[0].Status != string(exchange.OrderStatusRejected) {
		t.Errorf("status = %s, want rejected", rows[0].Status)
	}
}

func TestExecute_ExitClosesFraction(t *testing.T) {
	mock := exchange.NewMockClient(10000)
	mock.SetMarkPrice("ETH/USDT", 3000)
	store := newMemStore()
	exec := New(mock, store, orders.NewInstrumentLocks())

	// Open 1.0 long first.
	entry, entryCheck := approvedEntry("ETH/USDT")
	entryCheck.Amount = 1.0
	if err := exec.Execute(context.Background(), entry, entryCheck, 0); err != nil {
		t.Fatalf("entry failed: %v", err)
	}

	exit := &trader.Signal{
		Symbol:        "ETH/USDT",
		SignalType:    trader.SignalExitLong,
		Confidence:    0.9,
		CloseFraction: 0.5,
		Reasoning:     "take profit",
	}
	if err := exec.Execute(context.Background(), exit, risk.CheckResult{Passed: true, Amount: 0.5}, 0); err != nil {
		t.Fatalf("exit failed: %v", err)
	}

	positions, _ := mock.FetchPositions(context.Background())
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(positions))
	}
	if positions[0].Amount != 0.5 {
		t.Errorf("remaining amount = %v, want 0.5", positions[0].Amount)
	}
}

func TestExecute_RefusesUnapprovedSignal(t *testing.T) {
	mock := exchange.NewMockClient(10000)
	exec := New(mock, newMemStore(), orders.NewInstrumentLocks())

	signal, _ := approvedEntry("BTC/USDT")
	if err := exec.Execute(context.Background(), signal, risk.CheckResult{Passed: false}, 0); err == nil {
		t.Error("unapproved signals must not execute")
	}
}
