package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotLadderBot/internal/domain"
	"spotLadderBot/internal/ports"
	"spotLadderBot/internal/retry"
	"spotLadderBot/internal/risk"
	"spotLadderBot/internal/wallet"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// mockLedger is an in-memory ports.Ledger for orchestration tests.
type mockLedger struct {
	mu     sync.Mutex
	trades map[string]*domain.TradeEntry

	// onUpdate runs once inside the next UpdateAtomically, before fn is
	// applied, to emulate a concurrent writer slipping in between a
	// caller's read and its write.
	onUpdate func(trades map[string]*domain.TradeEntry)
}

func newMockLedger() *mockLedger {
	return &mockLedger{trades: make(map[string]*domain.TradeEntry)}
}

func (l *mockLedger) Get(ctx context.Context, tradeID string) (*domain.TradeEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.trades[tradeID]; ok {
		return t.Clone(), nil
	}
	return nil, nil
}

func (l *mockLedger) GetBySymbol(ctx context.Context, symbol string) ([]*domain.TradeEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*domain.TradeEntry
	for _, t := range l.trades {
		if t.Symbol == symbol {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (l *mockLedger) Symbols(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, t := range l.trades {
		if !seen[t.Symbol] {
			seen[t.Symbol] = true
			out = append(out, t.Symbol)
		}
	}
	return out, nil
}

func (l *mockLedger) FindByOrderID(ctx context.Context, orderID string) (*domain.TradeEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.trades {
		if (t.EntryOrderID != nil && *t.EntryOrderID == orderID) ||
			(t.StopLossOrderID != nil && *t.StopLossOrderID == orderID) {
			return t.Clone(), nil
		}
	}
	return nil, nil
}

func (l *mockLedger) Write(ctx context.Context, entry *domain.TradeEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry.Version == 0 {
		entry.Version = 1
	}
	l.trades[entry.TradeID] = entry.Clone()
	return nil
}

func (l *mockLedger) Delete(ctx context.Context, tradeID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.trades, tradeID)
	return nil
}

func (l *mockLedger) UpdateAtomically(ctx context.Context, tradeID string, fn ports.UpdateFn) (*domain.TradeEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.onUpdate != nil {
		hook := l.onUpdate
		l.onUpdate = nil
		hook(l.trades)
	}
	cur, ok := l.trades[tradeID]
	if !ok {
		return nil, nil
	}
	updated := fn(cur.Clone())
	if updated == nil {
		return cur.Clone(), nil
	}
	updated.Version = cur.Version + 1
	l.trades[tradeID] = updated.Clone()
	return updated, nil
}

type amendCall struct {
	orderID  string
	newPrice float64
	newSize  float64
}

// mockExchange scripts exchange behavior per test.
type mockExchange struct {
	mu        sync.Mutex
	nextID    int64
	placed    []ports.OrderRequest
	amends    []amendCall
	canceled  []string
	placeErr  error
	amendErr  error
	cancelErr error
	ticker    float64
	open      []*domain.Order
	fillAll   bool // report every placed order as immediately FILLED
}

func (e *mockExchange) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.placeErr != nil {
		return nil, e.placeErr
	}
	e.nextID++
	e.placed = append(e.placed, req)
	status := "NEW"
	avg := 0.0
	if e.fillAll || req.Type == domain.OrderTypeMarket {
		status = "FILLED"
		avg = req.Price
		if avg == 0 {
			avg = e.ticker
		}
	}
	return &ports.OrderResponse{
		OrderID:       strconv.FormatInt(e.nextID, 10),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		AvgPrice:      avg,
		ExecutedQty:   req.Size,
		Status:        status,
		Timestamp:     time.Now(),
	}, nil
}

func (e *mockExchange) AmendOrder(ctx context.Context, symbol, orderID string, newPrice, newSize float64) (*ports.OrderResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.amendErr != nil {
		return nil, e.amendErr
	}
	e.amends = append(e.amends, amendCall{orderID: orderID, newPrice: newPrice, newSize: newSize})
	e.nextID++
	return &ports.OrderResponse{OrderID: strconv.FormatInt(e.nextID, 10), Symbol: symbol, Status: "NEW"}, nil
}

func (e *mockExchange) CancelOrder(ctx context.Context, symbol, orderID string) (*ports.OrderResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelErr != nil {
		return nil, e.cancelErr
	}
	e.canceled = append(e.canceled, orderID)
	return &ports.OrderResponse{OrderID: orderID, Symbol: symbol, Status: "CANCELED"}, nil
}

func (e *mockExchange) GetOpenOrders(ctx context.Context, symbol string) ([]*domain.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open, nil
}

func (e *mockExchange) GetTicker(ctx context.Context, symbol string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ticker, nil
}

func (e *mockExchange) GetAccountBalances(ctx context.Context) (map[string]float64, error) {
	return map[string]float64{}, nil
}

func (e *mockExchange) SubscribeOrderEvents(ctx context.Context, handler func(event *domain.OrderEvent), errHandler func(err error)) (chan struct{}, chan struct{}, error) {
	return make(chan struct{}), make(chan struct{}), nil
}

func (e *mockExchange) placedRequests() []ports.OrderRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ports.OrderRequest(nil), e.placed...)
}

// mockEvents is an in-memory ports.OrderEventStore.
type mockEvents struct {
	mu     sync.Mutex
	events map[string][]*domain.OrderEvent
}

func newMockEvents() *mockEvents {
	return &mockEvents{events: make(map[string][]*domain.OrderEvent)}
}

func (s *mockEvents) AppendOrderEvent(ctx context.Context, event *domain.OrderEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.OrderID] = append(s.events[event.OrderID], event)
	return nil
}

func (s *mockEvents) LatestOrderEvent(ctx context.Context, orderID string) (*domain.OrderEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.events[orderID]
	if len(evs) == 0 {
		return nil, nil
	}
	return evs[len(evs)-1], nil
}

func (s *mockEvents) OrderEvents(ctx context.Context, orderID string) ([]*domain.OrderEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[orderID], nil
}

type fixture struct {
	orch     *Orchestrator
	ledger   *mockLedger
	exchange *mockExchange
	events   *mockEvents
	wallet   *wallet.Wallet
}

// newFixture parks background monitors on an hour-long poll so tests can
// drive take-profit execution deterministically. Tests exercising the
// monitor loop itself use newFixtureWithPoll.
func newFixture(t *testing.T) *fixture {
	return newFixtureWithPoll(t, time.Hour)
}

func newFixtureWithPoll(t *testing.T, poll time.Duration) *fixture {
	t.Helper()
	ledger := newMockLedger()
	exchange := &mockExchange{ticker: 30000, fillAll: true}
	events := newMockEvents()
	w := wallet.New(map[string]float64{"USDT": 100000})
	riskMgr, err := risk.NewManager(risk.Config{
		MaxPositionNotional: 50000,
		MaxOpenTrades:       5,
		MinNotional:         10,
	}, &mockLogger{})
	require.NoError(t, err)

	orch, err := New(ledger, exchange, events, w, riskMgr, &mockLogger{}, Config{
		PollInterval:     poll,
		EntryFillTimeout: 100 * time.Millisecond,
		FeeRate:          0.001,
		Retry:            retry.Config{MaxAttempts: 2, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	require.NoError(t, err)
	orch.Start(context.Background())
	return &fixture{orch: orch, ledger: ledger, exchange: exchange, events: events, wallet: w}
}

func addCommand() *domain.AddCommand {
	return &domain.AddCommand{
		UserRef: 42,
		Plan: domain.TradePlan{
			Symbol:        "BTCUSDT",
			Side:          domain.Buy,
			EntryPrice:    30000,
			PositionSize:  1.0,
			StopLossPrice: 29000,
			TakeProfits: []domain.TakeProfit{
				{Price: 31000, PercentToSell: 50},
				{Price: 32000, PercentToSell: 50},
			},
		},
	}
}

func activeTrade(f *fixture, t *testing.T) *domain.TradeEntry {
	t.Helper()
	require.NoError(t, f.orch.handleAdd(context.Background(), 1, addCommand()))
	trades, err := f.ledger.GetBySymbol(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	return trades[0]
}

func TestHandleAdd_EntryToActive(t *testing.T) {
	f := newFixture(t)
	entry := activeTrade(f, t)

	assert.Equal(t, domain.StatusActive, entry.Status)
	require.NotNil(t, entry.EntryOrderID)
	require.NotNil(t, entry.StopLossOrderID)
	assert.InDelta(t, 1.0, entry.RemainingSize, 1e-9)

	reqs := f.exchange.placedRequests()
	require.Len(t, reqs, 2)
	assert.Equal(t, domain.OrderTypeLimit, reqs[0].Type)
	assert.Equal(t, domain.Buy, reqs[0].Side)
	assert.InDelta(t, 30000, reqs[0].Price, 1e-9)
	assert.Equal(t, domain.OrderTypeStop, reqs[1].Type)
	assert.Equal(t, domain.Sell, reqs[1].Side)
	assert.InDelta(t, 29000, reqs[1].TriggerPrice, 1e-9)
	assert.InDelta(t, 1.0, reqs[1].Size, 1e-9)

	// Entry fill settled into the wallet: 1 BTC held, quote debited.
	assert.InDelta(t, 1.0, f.wallet.Position("BTCUSDT").Size, 1e-9)
}

func TestHandleAdd_RejectsBadPlan(t *testing.T) {
	f := newFixture(t)
	cmd := addCommand()
	cmd.Plan.PositionSize = 10 // notional above the risk cap

	err := f.orch.handleAdd(context.Background(), 1, cmd)
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
	assert.Empty(t, f.exchange.placedRequests())
}

func TestHandleAdd_PlacementFailureForcesClosed(t *testing.T) {
	f := newFixture(t)
	f.exchange.placeErr = fmt.Errorf("rejected: %w", ports.ErrOrderPlacementFailed)

	// The delivery is acknowledged; the failure is reflected in trade state.
	require.NoError(t, f.orch.handleAdd(context.Background(), 1, addCommand()))

	trades, err := f.ledger.GetBySymbol(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, trades, "failed setup must not leave a ledger entry")
}

func TestHandleCommand_RedeliveredAddIsIdempotent(t *testing.T) {
	f := newFixture(t)
	qc := &ports.QueuedCommand{
		ID:       7,
		GroupKey: "slb42",
		Command:  domain.Command{Action: domain.ActionAdd, Add: addCommand()},
		Delivery: 1,
	}

	require.NoError(t, f.orch.HandleCommand(context.Background(), qc))
	qc.Delivery = 2
	require.NoError(t, f.orch.HandleCommand(context.Background(), qc))

	// One trade, one entry order, one stop: the redelivery bought nothing.
	trades, err := f.ledger.GetBySymbol(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.StatusActive, trades[0].Status)
	assert.Len(t, f.exchange.placedRequests(), 2)
	assert.InDelta(t, 1.0, f.wallet.Position("BTCUSDT").Size, 1e-9)
}

func TestHandleAdd_ResumesSetupWhenNothingWasPlaced(t *testing.T) {
	f := newFixture(t)
	cmd := addCommand()

	// A prior delivery wrote the ledger entry and died before any order
	// reached the exchange.
	require.NoError(t, f.ledger.Write(context.Background(), &domain.TradeEntry{
		TradeID:       addTradeID(7),
		Symbol:        cmd.Plan.Symbol,
		Side:          cmd.Plan.Side,
		Status:        domain.StatusPending,
		EntryPrice:    cmd.Plan.EntryPrice,
		PositionSize:  cmd.Plan.PositionSize,
		RemainingSize: cmd.Plan.PositionSize,
		StopLossPrice: cmd.Plan.StopLossPrice,
		TakeProfits:   cmd.Plan.TakeProfits,
		UserRef:       cmd.UserRef,
	}))

	require.NoError(t, f.orch.handleAdd(context.Background(), 7, cmd))

	got, err := f.ledger.Get(context.Background(), addTradeID(7))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusActive, got.Status)
	require.NotNil(t, got.EntryOrderID)
	require.NotNil(t, got.StopLossOrderID)
	assert.Len(t, f.exchange.placedRequests(), 2)
}

func TestResolveGroupKey_ConvergesIdentifiers(t *testing.T) {
	f := newFixture(t)
	entry := activeTrade(f, t)

	byTradeID := &ports.QueuedCommand{
		GroupKey: entry.TradeID,
		Command: domain.Command{
			Action: domain.ActionCancel,
			Cancel: &domain.CancelCommand{TradeID: entry.TradeID},
		},
	}
	byOrderID := &ports.QueuedCommand{
		GroupKey: *entry.StopLossOrderID,
		Command: domain.Command{
			Action: domain.ActionCancel,
			Cancel: &domain.CancelCommand{OrderID: *entry.StopLossOrderID},
		},
	}

	// Both identifiers serialize under the trade's own group key.
	assert.Equal(t, entry.GroupKey(), f.orch.ResolveGroupKey(context.Background(), byTradeID))
	assert.Equal(t, entry.GroupKey(), f.orch.ResolveGroupKey(context.Background(), byOrderID))

	// Unresolvable commands keep their enqueue-time key.
	ghost := &ports.QueuedCommand{
		GroupKey: "ghost",
		Command: domain.Command{
			Action: domain.ActionCancel,
			Cancel: &domain.CancelCommand{TradeID: "ghost"},
		},
	}
	assert.Equal(t, "ghost", f.orch.ResolveGroupKey(context.Background(), ghost))
}

func TestExecuteTakeProfit_PartialExit(t *testing.T) {
	f := newFixture(t)
	entry := activeTrade(f, t)
	oldStopID := *entry.StopLossOrderID
	f.exchange.ticker = 31050

	require.NoError(t, f.orch.executeTakeProfit(context.Background(), entry, 0, 31050))

	got, err := f.ledger.Get(context.Background(), entry.TradeID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusTP1Hit, got.Status)
	assert.InDelta(t, 0.5, got.RemainingSize, 1e-9)
	assert.True(t, got.TakeProfits[0].IsHit)
	assert.False(t, got.TakeProfits[1].IsHit)

	// Stop resized to the remainder and rebound to the replacement order.
	require.Len(t, f.exchange.amends, 1)
	assert.Equal(t, oldStopID, f.exchange.amends[0].orderID)
	assert.InDelta(t, 0.5, f.exchange.amends[0].newSize, 1e-9)
	require.NotNil(t, got.StopLossOrderID)
	assert.NotEqual(t, oldStopID, *got.StopLossOrderID)

	// The leg was sold at market.
	reqs := f.exchange.placedRequests()
	last := reqs[len(reqs)-1]
	assert.Equal(t, domain.OrderTypeMarket, last.Type)
	assert.Equal(t, domain.Sell, last.Side)
	assert.InDelta(t, 0.5, last.Size, 1e-9)
}

func TestExecuteTakeProfit_FinalTargetClosesTrade(t *testing.T) {
	f := newFixture(t)
	entry := activeTrade(f, t)
	f.exchange.ticker = 31050
	require.NoError(t, f.orch.executeTakeProfit(context.Background(), entry, 0, 31050))

	entry, err := f.ledger.Get(context.Background(), entry.TradeID)
	require.NoError(t, err)
	stopID := *entry.StopLossOrderID
	f.exchange.ticker = 32100

	require.NoError(t, f.orch.executeTakeProfit(context.Background(), entry, 1, 32100))

	// Stop canceled, remainder sold, ledger entry deleted.
	assert.Contains(t, f.exchange.canceled, stopID)
	got, err := f.ledger.Get(context.Background(), entry.TradeID)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.InDelta(t, 0, f.wallet.Position("BTCUSDT").Size, 1e-9)
}

func TestHandleAmend_PendingTouchesLedgerOnly(t *testing.T) {
	f := newFixture(t)
	entry := &domain.TradeEntry{
		TradeID:       "t-1",
		Symbol:        "BTCUSDT",
		Side:          domain.Buy,
		Status:        domain.StatusPending,
		EntryPrice:    30000,
		PositionSize:  1,
		RemainingSize: 1,
		StopLossPrice: 29000,
		TakeProfits:   []domain.TakeProfit{{Price: 31000, PercentToSell: 100}},
		UserRef:       42,
	}
	require.NoError(t, f.ledger.Write(context.Background(), entry))

	newStop := 28500.0
	require.NoError(t, f.orch.handleAmend(context.Background(), &domain.AmendCommand{
		TradeID:          "t-1",
		NewStopLossPrice: &newStop,
	}))

	got, err := f.ledger.Get(context.Background(), "t-1")
	require.NoError(t, err)
	assert.InDelta(t, 28500, got.StopLossPrice, 1e-9)
	assert.Empty(t, f.exchange.amends, "no live order exists yet")
	assert.Empty(t, f.exchange.placedRequests())
}

func TestHandleAmend_ActiveAmendsExchangeAndLedger(t *testing.T) {
	f := newFixture(t)
	entry := activeTrade(f, t)
	oldStopID := *entry.StopLossOrderID
	newStop := 28500.0

	cmd := &domain.AmendCommand{TradeID: entry.TradeID, NewStopLossPrice: &newStop}
	require.NoError(t, f.orch.handleAmend(context.Background(), cmd))

	got, err := f.ledger.Get(context.Background(), entry.TradeID)
	require.NoError(t, err)
	assert.InDelta(t, 28500, got.StopLossPrice, 1e-9)
	require.Len(t, f.exchange.amends, 1)
	assert.Equal(t, oldStopID, f.exchange.amends[0].orderID)
	assert.InDelta(t, 28500, f.exchange.amends[0].newPrice, 1e-9)
	require.NotNil(t, got.StopLossOrderID)
	assert.NotEqual(t, oldStopID, *got.StopLossOrderID)

	// Idempotence: replaying the same absolute amend converges to the
	// same ledger state.
	require.NoError(t, f.orch.handleAmend(context.Background(), cmd))
	again, err := f.ledger.Get(context.Background(), entry.TradeID)
	require.NoError(t, err)
	assert.InDelta(t, got.StopLossPrice, again.StopLossPrice, 1e-9)
	assert.Equal(t, got.TakeProfits, again.TakeProfits)
}

func TestHandleAmend_UnknownTradeIsAckedNoop(t *testing.T) {
	f := newFixture(t)
	newStop := 28500.0
	err := f.orch.handleAmend(context.Background(), &domain.AmendCommand{TradeID: "ghost", NewStopLossPrice: &newStop})
	assert.NoError(t, err)
}

func TestHandleCancel_ActiveTrade(t *testing.T) {
	f := newFixture(t)
	entry := activeTrade(f, t)
	stopID := *entry.StopLossOrderID

	require.NoError(t, f.orch.handleCancel(context.Background(), &domain.CancelCommand{TradeID: entry.TradeID}))

	assert.Contains(t, f.exchange.canceled, stopID)
	got, err := f.ledger.Get(context.Background(), entry.TradeID)
	require.NoError(t, err)
	assert.Nil(t, got, "cancelled trade must be deleted")
}

func TestHandleCancel_CancelsCurrentStopBinding(t *testing.T) {
	f := newFixture(t)
	entry := activeTrade(f, t)
	staleStopID := *entry.StopLossOrderID

	// A monitor amend swaps in a replacement stop between the cancel
	// handler's read and its CLOSING write.
	replacement := "S-replacement"
	f.ledger.onUpdate = func(trades map[string]*domain.TradeEntry) {
		trades[entry.TradeID].StopLossOrderID = &replacement
	}

	require.NoError(t, f.orch.handleCancel(context.Background(), &domain.CancelCommand{TradeID: entry.TradeID}))

	assert.Contains(t, f.exchange.canceled, replacement, "the live replacement stop must be cancelled")
	assert.NotContains(t, f.exchange.canceled, staleStopID)
	got, err := f.ledger.Get(context.Background(), entry.TradeID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestHandleCancel_FailureRevertsStatus(t *testing.T) {
	f := newFixture(t)
	entry := activeTrade(f, t)
	f.exchange.cancelErr = fmt.Errorf("venue busy: %w", ports.ErrExchangeUnavailable)

	err := f.orch.handleCancel(context.Background(), &domain.CancelCommand{TradeID: entry.TradeID})
	require.Error(t, err)

	got, lerr := f.ledger.Get(context.Background(), entry.TradeID)
	require.NoError(t, lerr)
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusActive, got.Status, "failed cancel must revert, not vanish")
}

func TestHandleCancel_UnknownTradeIsAckedNoop(t *testing.T) {
	f := newFixture(t)
	err := f.orch.handleCancel(context.Background(), &domain.CancelCommand{TradeID: "ghost"})
	assert.NoError(t, err)
}

func TestMonitor_StopsWhenTradeLeavesMonitorableState(t *testing.T) {
	f := newFixtureWithPoll(t, 5*time.Millisecond)
	entry := activeTrade(f, t)

	// Fixture ticker sits below TP1, so the loop only polls.
	f.orch.spawnMonitor(entry.TradeID)

	// A concurrent cancel flips the status; the loop must observe it at
	// the top of an iteration and exit.
	_, err := f.ledger.UpdateAtomically(context.Background(), entry.TradeID, func(cur *domain.TradeEntry) *domain.TradeEntry {
		cur.Status = domain.StatusClosing
		return cur
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() { f.orch.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after the trade left ACTIVE/TP1_HIT")
	}
}
