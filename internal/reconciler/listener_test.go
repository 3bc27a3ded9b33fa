package reconciler

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotLadderBot/internal/domain"
	"spotLadderBot/internal/ports"
	"spotLadderBot/internal/retry"
	"spotLadderBot/internal/wallet"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockLedger struct {
	mu     sync.Mutex
	trades map[string]*domain.TradeEntry
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
	return updated.Clone(), nil
}

type mockExchange struct {
	mu       sync.Mutex
	nextID   int64
	placed   []ports.OrderRequest
	amends   []string
	canceled []string
	amendErr error
}

func (e *mockExchange) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.placed = append(e.placed, req)
	return &ports.OrderResponse{
		OrderID: "N-" + strconv.FormatInt(e.nextID, 10),
		Symbol:  req.Symbol,
		Side:    req.Side,
		Type:    req.Type,
		Status:  "NEW",
	}, nil
}

func (e *mockExchange) AmendOrder(ctx context.Context, symbol, orderID string, newPrice, newSize float64) (*ports.OrderResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.amendErr != nil {
		return nil, e.amendErr
	}
	e.amends = append(e.amends, orderID)
	e.nextID++
	return &ports.OrderResponse{OrderID: "N-" + strconv.FormatInt(e.nextID, 10), Symbol: symbol, Status: "NEW"}, nil
}

func (e *mockExchange) CancelOrder(ctx context.Context, symbol, orderID string) (*ports.OrderResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.canceled = append(e.canceled, orderID)
	return &ports.OrderResponse{OrderID: orderID, Status: "CANCELED"}, nil
}

func (e *mockExchange) GetOpenOrders(ctx context.Context, symbol string) ([]*domain.Order, error) {
	return nil, nil
}

func (e *mockExchange) GetTicker(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}

func (e *mockExchange) GetAccountBalances(ctx context.Context) (map[string]float64, error) {
	return nil, nil
}

func (e *mockExchange) SubscribeOrderEvents(ctx context.Context, handler func(event *domain.OrderEvent), errHandler func(err error)) (chan struct{}, chan struct{}, error) {
	return make(chan struct{}), make(chan struct{}), nil
}

type mockEvents struct {
	mu       sync.Mutex
	appended []*domain.OrderEvent
}

func (s *mockEvents) AppendOrderEvent(ctx context.Context, event *domain.OrderEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = append(s.appended, event)
	return nil
}

func (s *mockEvents) LatestOrderEvent(ctx context.Context, orderID string) (*domain.OrderEvent, error) {
	return nil, nil
}

func (s *mockEvents) OrderEvents(ctx context.Context, orderID string) ([]*domain.OrderEvent, error) {
	return nil, nil
}

type mockAudit struct {
	mu      sync.Mutex
	records []*domain.Order
}

func (a *mockAudit) RecordForeignOrder(ctx context.Context, order *domain.Order, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, order)
	return nil
}

type fixture struct {
	listener *Listener
	ledger   *mockLedger
	exchange *mockExchange
	events   *mockEvents
	audit    *mockAudit
	wallet   *wallet.Wallet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledger := newMockLedger()
	exchange := &mockExchange{}
	events := &mockEvents{}
	audit := &mockAudit{}
	w := wallet.New(map[string]float64{"USDT": 100000, "BTC": 1})

	listener, err := New(ledger, exchange, events, audit, w, &mockLogger{}, Config{
		FeeRate: 0.001,
		Retry:   retry.Config{MaxAttempts: 2, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	require.NoError(t, err)
	return &fixture{listener: listener, ledger: ledger, exchange: exchange, events: events, audit: audit, wallet: w}
}

func strPtr(s string) *string { return &s }

func activeTrade(id string) *domain.TradeEntry {
	return &domain.TradeEntry{
		TradeID:         id,
		Symbol:          "BTCUSDT",
		Side:            domain.Buy,
		Status:          domain.StatusActive,
		EntryPrice:      30000,
		PositionSize:    1,
		RemainingSize:   1,
		StopLossPrice:   29000,
		EntryOrderID:    strPtr("E-" + id),
		StopLossOrderID: strPtr("S-" + id),
		TakeProfits: []domain.TakeProfit{
			{Price: 31000, PercentToSell: 50},
			{Price: 32000, PercentToSell: 50},
		},
		UserRef: 42,
	}
}

func stopEvent(orderID string, status domain.OrderStatus) *domain.OrderEvent {
	return &domain.OrderEvent{
		OrderID:   orderID,
		Symbol:    "BTCUSDT",
		Side:      domain.Sell,
		Type:      domain.OrderTypeStop,
		Status:    status,
		Size:      1,
		Price:     29000,
		Timestamp: time.Now(),
	}
}

func TestHandleEvent_AppendsEveryEvent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.listener.HandleEvent(context.Background(), stopEvent("ghost", domain.OrderStatusCanceled)))
	require.Len(t, f.events.appended, 1)
	assert.Equal(t, "ghost", f.events.appended[0].OrderID)
}

func TestHandleEvent_StopCanceledExternallyRearms(t *testing.T) {
	f := newFixture(t)
	trade := activeTrade("t1")
	trade.RemainingSize = 0.5
	require.NoError(t, f.ledger.Write(context.Background(), trade))

	require.NoError(t, f.listener.HandleEvent(context.Background(), stopEvent("S-t1", domain.OrderStatusCanceled)))

	// A replacement stop at the ledger's recorded price and size.
	require.Len(t, f.exchange.placed, 1)
	placed := f.exchange.placed[0]
	assert.Equal(t, domain.OrderTypeStop, placed.Type)
	assert.Equal(t, domain.Sell, placed.Side)
	assert.InDelta(t, 29000, placed.TriggerPrice, 1e-9)
	assert.InDelta(t, 0.5, placed.Size, 1e-9)

	got, err := f.ledger.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, got.StopLossOrderID)
	assert.NotEqual(t, "S-t1", *got.StopLossOrderID, "a fresh stop id must be bound")
	assert.Equal(t, domain.StatusActive, got.Status)
}

func TestHandleEvent_StopCancelSuppressedWhileClosing(t *testing.T) {
	f := newFixture(t)
	trade := activeTrade("t1")
	trade.Status = domain.StatusClosing
	require.NoError(t, f.ledger.Write(context.Background(), trade))

	require.NoError(t, f.listener.HandleEvent(context.Background(), stopEvent("S-t1", domain.OrderStatusCanceled)))

	assert.Empty(t, f.exchange.placed, "teardown cancels must not trigger re-arming")
}

func TestHandleEvent_StopFilledRetiresTrade(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.Write(context.Background(), activeTrade("t1")))

	ev := stopEvent("S-t1", domain.OrderStatusClosed)
	ev.Volume = 1
	ev.Price = 29000
	require.NoError(t, f.listener.HandleEvent(context.Background(), ev))

	got, err := f.ledger.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Nil(t, got, "stopped-out trade must be deleted")
	// The sale settled into the wallet.
	assert.InDelta(t, 0, f.wallet.Position("BTCUSDT").Size, 1e-9)
}

func TestHandleEvent_EntryCanceledClosesTrade(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.Write(context.Background(), activeTrade("t1")))

	ev := stopEvent("E-t1", domain.OrderStatusCanceled)
	ev.Type = domain.OrderTypeLimit
	ev.Side = domain.Buy
	require.NoError(t, f.listener.HandleEvent(context.Background(), ev))

	got, err := f.ledger.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, f.exchange.placed)
}

func TestHandleEvent_UnboundCanceledIgnored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.listener.HandleEvent(context.Background(), stopEvent("stale-1", domain.OrderStatusCanceled)))
	assert.Empty(t, f.audit.records)
	assert.Empty(t, f.exchange.placed)
}

func TestHandleEvent_ForeignOpenOrderAudited(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.Write(context.Background(), activeTrade("t1")))

	ev := &domain.OrderEvent{
		OrderID:   "X-999",
		Symbol:    "BTCUSDT",
		Side:      domain.Buy,
		Type:      domain.OrderTypeLimit,
		Status:    domain.OrderStatusOpen,
		Size:      3,
		Price:     25000,
		Timestamp: time.Now(),
	}
	require.NoError(t, f.listener.HandleEvent(context.Background(), ev))

	require.Len(t, f.audit.records, 1)
	assert.Equal(t, "X-999", f.audit.records[0].OrderID)
	got, err := f.ledger.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, got, "foreign orders must never touch trades")
}

func TestHandleEvent_OwnOrderMidSetupNotForeign(t *testing.T) {
	f := newFixture(t)
	trade := activeTrade("t1")
	require.NoError(t, f.ledger.Write(context.Background(), trade))

	ev := &domain.OrderEvent{
		OrderID:       "E-new",
		ClientOrderID: trade.GroupKey() + "-e-12345",
		Symbol:        "BTCUSDT",
		Side:          domain.Buy,
		Type:          domain.OrderTypeLimit,
		Status:        domain.OrderStatusOpen,
		Size:          1,
		Price:         30000,
		Timestamp:     time.Now(),
	}
	require.NoError(t, f.listener.HandleEvent(context.Background(), ev))
	assert.Empty(t, f.audit.records)
}

func TestHandleEvent_AdoptsStopForStoplessTrade(t *testing.T) {
	f := newFixture(t)
	trade := activeTrade("t1")
	trade.StopLossOrderID = nil
	require.NoError(t, f.ledger.Write(context.Background(), trade))

	ev := stopEvent("S-found", domain.OrderStatusOpen)
	ev.ClientOrderID = trade.GroupKey() + "-s-777"
	require.NoError(t, f.listener.HandleEvent(context.Background(), ev))

	got, err := f.ledger.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, got.StopLossOrderID)
	assert.Equal(t, "S-found", *got.StopLossOrderID)
	assert.Empty(t, f.exchange.amends, "price already in line, no amend needed")
	assert.Empty(t, f.audit.records)
}

func TestHandleEvent_AdoptedStopAmendedIntoLine(t *testing.T) {
	f := newFixture(t)
	trade := activeTrade("t1")
	trade.StopLossOrderID = nil
	require.NoError(t, f.ledger.Write(context.Background(), trade))

	ev := stopEvent("S-drifted", domain.OrderStatusOpen)
	ev.ClientOrderID = trade.GroupKey() + "-s-778"
	ev.Price = 28000 // ledger wants 29000
	require.NoError(t, f.listener.HandleEvent(context.Background(), ev))

	require.Len(t, f.exchange.amends, 1)
	assert.Equal(t, "S-drifted", f.exchange.amends[0])
	got, err := f.ledger.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, got.StopLossOrderID)
	assert.NotEqual(t, "S-drifted", *got.StopLossOrderID, "the amended replacement id must be bound")
}
