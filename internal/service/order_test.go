package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gearshare/marketengine/internal/domain"
	"github.com/gearshare/marketengine/internal/engine"
	"github.com/gearshare/marketengine/internal/ledger"
	"github.com/gearshare/marketengine/internal/store"
)

// capturedTrades implements TradePublisher for tests.
type capturedTrades struct {
	mu     sync.Mutex
	trades []*domain.Trade
}

func (c *capturedTrades) PublishTrade(t *domain.Trade) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trades = append(c.trades, t)
}

type testServices struct {
	account   *AccountService
	order     *OrderService
	market    *MarketService
	ledger    *ledger.Ledger
	published *capturedTrades
}

// newTestServices wires the full service layer memory-only: no journal,
// trades captured instead of streamed.
func newTestServices() *testServices {
	books := engine.NewBookManager()
	led := ledger.NewLedger()
	instruments := store.NewInstrumentStore()
	orderStore := store.NewOrderStore()
	tradeStore := store.NewTradeStore()
	matcher := engine.NewMatcher(books, led, instruments, orderStore, tradeStore, false, nil)
	expiry := engine.NewExpiryManager(time.Second, books, led, nil, nil)
	published := &capturedTrades{}

	orderSvc := NewOrderService(matcher, expiry, led, instruments, orderStore, nil, published, nil)
	expiry.SetRecorder(orderSvc)

	return &testServices{
		account:   NewAccountService(led, instruments, nil, nil),
		order:     orderSvc,
		market:    NewMarketService(instruments, tradeStore, books, matcher, nil, 5*time.Minute, nil),
		ledger:    led,
		published: published,
	}
}

func (ts *testServices) mustInstrument(t *testing.T, symbol string) *domain.Instrument {
	t.Helper()
	in, err := ts.market.CreateInstrument(CreateInstrumentRequest{
		Symbol:      symbol,
		Name:        symbol + " Offering",
		TotalShares: "1000",
	})
	if err != nil {
		t.Fatalf("create instrument: %v", err)
	}
	return in
}

func (ts *testServices) mustAccount(t *testing.T, userID, cash string, positions []PositionInput) {
	t.Helper()
	if _, err := ts.account.CreateAccount(CreateAccountRequest{
		UserID:           userID,
		InitialCash:      cash,
		InitialPositions: positions,
	}); err != nil {
		t.Fatalf("create account %s: %v", userID, err)
	}
}

func strPtr(s string) *string { return &s }

func TestSubmitOrder_Validation(t *testing.T) {
	ts := newTestServices()
	in := ts.mustInstrument(t, "GEAR")
	ts.mustAccount(t, "alice", "1000", nil)

	cases := []struct {
		name string
		req  SubmitOrderRequest
		want error
	}{
		{"bad user id", SubmitOrderRequest{InstrumentID: in.InstrumentID, UserID: "bad user!", Side: domain.OrderSideBuy, Quantity: "1"}, nil},
		{"bad side", SubmitOrderRequest{InstrumentID: in.InstrumentID, UserID: "alice", Side: "hold", Quantity: "1"}, nil},
		{"zero quantity", SubmitOrderRequest{InstrumentID: in.InstrumentID, UserID: "alice", Side: domain.OrderSideBuy, Quantity: "0"}, nil},
		{"too many decimals", SubmitOrderRequest{InstrumentID: in.InstrumentID, UserID: "alice", Side: domain.OrderSideBuy, Quantity: "0.000000001"}, nil},
		{"bad price", SubmitOrderRequest{InstrumentID: in.InstrumentID, UserID: "alice", Side: domain.OrderSideBuy, Quantity: "1", Price: strPtr("-1")}, nil},
		{"unknown instrument", SubmitOrderRequest{InstrumentID: "missing", UserID: "alice", Side: domain.OrderSideBuy, Quantity: "1"}, domain.ErrInstrumentNotFound},
		{"unknown account", SubmitOrderRequest{InstrumentID: in.InstrumentID, UserID: "nobody", Side: domain.OrderSideBuy, Quantity: "1"}, domain.ErrAccountNotFound},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ts.order.SubmitOrder(c.req)
			if err == nil {
				t.Fatal("expected error")
			}
			if c.want != nil {
				if !errors.Is(err, c.want) {
					t.Errorf("expected %v, got %v", c.want, err)
				}
				return
			}
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("expected ValidationError, got %T: %v", err, err)
			}
		})
	}
}

func TestSubmitOrder_PricePresenceSelectsKind(t *testing.T) {
	ts := newTestServices()
	in := ts.mustInstrument(t, "GEAR")
	ts.mustAccount(t, "alice", "1000", nil)

	res, err := ts.order.SubmitOrder(SubmitOrderRequest{
		InstrumentID: in.InstrumentID,
		UserID:       "alice",
		Side:         domain.OrderSideBuy,
		Quantity:     "2",
		Price:        strPtr("100"),
	})
	if err != nil {
		t.Fatalf("limit submit: %v", err)
	}
	if res.Order.Kind != domain.OrderKindLimit {
		t.Errorf("expected limit, got %s", res.Order.Kind)
	}

	res, err = ts.order.SubmitOrder(SubmitOrderRequest{
		InstrumentID: in.InstrumentID,
		UserID:       "alice",
		Side:         domain.OrderSideBuy,
		Quantity:     "2",
	})
	if err != nil {
		t.Fatalf("market submit: %v", err)
	}
	if res.Order.Kind != domain.OrderKindMarket {
		t.Errorf("expected market, got %s", res.Order.Kind)
	}
	// Empty book: terminal, zero fills, no error.
	if res.Order.Status != domain.OrderStatusCancelled {
		t.Errorf("expected cancelled, got %s", res.Order.Status)
	}
}

func TestSubmitOrder_ExpiresAtRules(t *testing.T) {
	ts := newTestServices()
	in := ts.mustInstrument(t, "GEAR")
	ts.mustAccount(t, "alice", "1000", nil)

	past := time.Now().Add(-time.Minute)
	_, err := ts.order.SubmitOrder(SubmitOrderRequest{
		InstrumentID: in.InstrumentID,
		UserID:       "alice",
		Side:         domain.OrderSideBuy,
		Quantity:     "1",
		Price:        strPtr("100"),
		ExpiresAt:    &past,
	})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("past expires_at: expected ValidationError, got %v", err)
	}

	future := time.Now().Add(time.Hour)
	_, err = ts.order.SubmitOrder(SubmitOrderRequest{
		InstrumentID: in.InstrumentID,
		UserID:       "alice",
		Side:         domain.OrderSideBuy,
		Quantity:     "1",
		ExpiresAt:    &future,
	})
	if !errors.As(err, &ve) {
		t.Errorf("market order with expires_at: expected ValidationError, got %v", err)
	}

	res, err := ts.order.SubmitOrder(SubmitOrderRequest{
		InstrumentID: in.InstrumentID,
		UserID:       "alice",
		Side:         domain.OrderSideBuy,
		Quantity:     "1",
		Price:        strPtr("100"),
		ExpiresAt:    &future,
	})
	if err != nil {
		t.Fatalf("valid expiring order: %v", err)
	}
	if res.Order.ExpiresAt == nil {
		t.Error("expires_at dropped")
	}
}

func TestSubmitOrder_MatchPublishesTrades(t *testing.T) {
	ts := newTestServices()
	in := ts.mustInstrument(t, "GEAR")
	ts.mustAccount(t, "seller", "0", []PositionInput{{InstrumentID: in.InstrumentID, Quantity: "10"}})
	ts.mustAccount(t, "buyer", "10000", nil)

	if _, err := ts.order.SubmitOrder(SubmitOrderRequest{
		InstrumentID: in.InstrumentID, UserID: "seller",
		Side: domain.OrderSideSell, Quantity: "5", Price: strPtr("100"),
	}); err != nil {
		t.Fatalf("ask: %v", err)
	}
	res, err := ts.order.SubmitOrder(SubmitOrderRequest{
		InstrumentID: in.InstrumentID, UserID: "buyer",
		Side: domain.OrderSideBuy, Quantity: "5", Price: strPtr("100"),
	})
	if err != nil {
		t.Fatalf("bid: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}

	ts.published.mu.Lock()
	defer ts.published.mu.Unlock()
	if len(ts.published.trades) != 1 || ts.published.trades[0].TradeID != res.Trades[0].TradeID {
		t.Errorf("trade not published to subscribers")
	}
}

func TestCancelOrder_OwnerOnly(t *testing.T) {
	ts := newTestServices()
	in := ts.mustInstrument(t, "GEAR")
	ts.mustAccount(t, "alice", "1000", nil)
	ts.mustAccount(t, "mallory", "1000", nil)

	res, err := ts.order.SubmitOrder(SubmitOrderRequest{
		InstrumentID: in.InstrumentID, UserID: "alice",
		Side: domain.OrderSideBuy, Quantity: "5", Price: strPtr("100"),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := ts.order.CancelOrder(res.Order.OrderID, "mallory"); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	cancelled, err := ts.order.CancelOrder(res.Order.OrderID, "alice")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}
	if _, err := ts.order.CancelOrder(res.Order.OrderID, "alice"); !errors.Is(err, domain.ErrAlreadyTerminal) {
		t.Errorf("expected ErrAlreadyTerminal, got %v", err)
	}
}

func TestListOrders_Validation(t *testing.T) {
	ts := newTestServices()
	ts.mustAccount(t, "alice", "1000", nil)

	if _, _, err := ts.order.ListOrders("nobody", nil, 1, 20); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
	bogus := domain.OrderStatus("bogus")
	if _, _, err := ts.order.ListOrders("alice", &bogus, 1, 20); err == nil {
		t.Error("expected error for invalid status filter")
	}
	if _, _, err := ts.order.ListOrders("alice", nil, 0, 20); err == nil {
		t.Error("expected error for page 0")
	}
	if _, _, err := ts.order.ListOrders("alice", nil, 1, 101); err == nil {
		t.Error("expected error for limit > 100")
	}
	orders, total, err := ts.order.ListOrders("alice", nil, 1, 20)
	if err != nil || total != 0 || len(orders) != 0 {
		t.Errorf("expected empty listing, got %d/%d err=%v", len(orders), total, err)
	}
}

func TestGetBalance_ReflectsTrading(t *testing.T) {
	ts := newTestServices()
	in := ts.mustInstrument(t, "GEAR")
	ts.mustAccount(t, "seller", "0", []PositionInput{{InstrumentID: in.InstrumentID, Quantity: "10"}})
	ts.mustAccount(t, "buyer", "1000", nil)

	if _, err := ts.order.SubmitOrder(SubmitOrderRequest{
		InstrumentID: in.InstrumentID, UserID: "seller",
		Side: domain.OrderSideSell, Quantity: "4", Price: strPtr("50"),
	}); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if _, err := ts.order.SubmitOrder(SubmitOrderRequest{
		InstrumentID: in.InstrumentID, UserID: "buyer",
		Side: domain.OrderSideBuy, Quantity: "4", Price: strPtr("50"),
	}); err != nil {
		t.Fatalf("bid: %v", err)
	}

	bal, err := ts.account.GetBalance("buyer")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.Cash.Equal(decimal.RequireFromString("800")) {
		t.Errorf("expected cash 800, got %s", bal.Cash)
	}
	if len(bal.Positions) != 1 || !bal.Positions[0].Shares.Equal(decimal.RequireFromString("4")) {
		t.Errorf("expected 4 shares, got %+v", bal.Positions)
	}
	if !bal.AvailableCash.Equal(bal.Cash) {
		t.Errorf("expected nothing reserved, got %s", bal.ReservedCash)
	}
}
