package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gearshare/marketengine/internal/engine"
	"github.com/gearshare/marketengine/internal/ledger"
	"github.com/gearshare/marketengine/internal/service"
	"github.com/gearshare/marketengine/internal/store"
)

// testEnv bundles all dependencies for handler integration tests.
type testEnv struct {
	router http.Handler
	hub    *TradeHub
}

func newTestEnv() *testEnv {
	books := engine.NewBookManager()
	led := ledger.NewLedger()
	instruments := store.NewInstrumentStore()
	orderStore := store.NewOrderStore()
	tradeStore := store.NewTradeStore()
	matcher := engine.NewMatcher(books, led, instruments, orderStore, tradeStore, false, nil)
	expiry := engine.NewExpiryManager(time.Hour, books, led, nil, nil) // long interval, no auto-expiry in tests

	logger := zap.NewNop()
	hub := NewTradeHub(logger)

	accountSvc := service.NewAccountService(led, instruments, nil, nil)
	orderSvc := service.NewOrderService(matcher, expiry, led, instruments, orderStore, nil, hub, nil)
	expiry.SetRecorder(orderSvc)
	marketSvc := service.NewMarketService(instruments, tradeStore, books, matcher, nil, 5*time.Minute, nil)

	router := NewRouter(accountSvc, orderSvc, marketSvc, hub, logger)
	return &testEnv{router: router, hub: hub}
}

// doJSON sends a JSON request and returns the recorder.
func (env *testEnv) doJSON(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

// createInstrument creates an instrument and returns its id.
func (env *testEnv) createInstrument(t *testing.T, symbol string) string {
	t.Helper()
	rr := env.doJSON(t, http.MethodPost, "/instruments", map[string]any{
		"symbol": symbol, "name": symbol + " Offering", "total_shares": "1000",
	}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create instrument: %d %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		InstrumentID string `json:"instrument_id"`
	}
	decode(t, rr, &resp)
	return resp.InstrumentID
}

func (env *testEnv) createAccount(t *testing.T, userID, cash string, positions []map[string]string) {
	t.Helper()
	body := map[string]any{"user_id": userID, "initial_cash": cash}
	if positions != nil {
		body["initial_positions"] = positions
	}
	rr := env.doJSON(t, http.MethodPost, "/accounts", body, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create account: %d %s", rr.Code, rr.Body.String())
	}
}

func (env *testEnv) submitOrder(t *testing.T, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	return env.doJSON(t, http.MethodPost, "/orders", body, nil)
}

type orderJSON struct {
	OrderID           string  `json:"order_id"`
	Kind              string  `json:"kind"`
	Status            string  `json:"status"`
	Price             *string `json:"price"`
	FilledQuantity    string  `json:"filled_quantity"`
	RemainingQuantity string  `json:"remaining_quantity"`
	CancelledQuantity string  `json:"cancelled_quantity"`
	CancelReason      string  `json:"cancel_reason"`
	AveragePrice      *string `json:"average_price"`
}

type submitJSON struct {
	Order  orderJSON `json:"order"`
	Trades []struct {
		TradeID     string `json:"trade_id"`
		BuyOrderID  string `json:"buy_order_id"`
		SellOrderID string `json:"sell_order_id"`
		Price       string `json:"price"`
		Quantity    string `json:"quantity"`
	} `json:"trades"`
}

func TestHealthz(t *testing.T) {
	env := newTestEnv()
	rr := env.doJSON(t, http.MethodGet, "/healthz", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestSubmitOrder_EndToEnd(t *testing.T) {
	env := newTestEnv()
	instrumentID := env.createInstrument(t, "GEAR")
	env.createAccount(t, "seller", "0", []map[string]string{
		{"instrument_id": instrumentID, "quantity": "15"},
	})
	env.createAccount(t, "buyer", "100000", nil)

	// Two resting asks at the same price, placed in order.
	for _, qty := range []string{"10", "5"} {
		rr := env.submitOrder(t, map[string]any{
			"instrument_id": instrumentID, "user_id": "seller",
			"side": "sell", "quantity": qty, "price": "100.00",
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("ask: %d %s", rr.Code, rr.Body.String())
		}
	}

	// Market buy for 12 sweeps the first ask and part of the second.
	rr := env.submitOrder(t, map[string]any{
		"instrument_id": instrumentID, "user_id": "buyer",
		"side": "buy", "quantity": "12",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("market buy: %d %s", rr.Code, rr.Body.String())
	}
	var res submitJSON
	decode(t, rr, &res)

	if res.Order.Kind != "market" {
		t.Errorf("expected market order, got %s", res.Order.Kind)
	}
	if res.Order.Status != "filled" {
		t.Errorf("expected filled, got %s", res.Order.Status)
	}
	if len(res.Trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(res.Trades))
	}
	if res.Trades[0].Quantity != "10" || res.Trades[1].Quantity != "2" {
		t.Errorf("expected fills 10 and 2, got %s and %s", res.Trades[0].Quantity, res.Trades[1].Quantity)
	}

	// Buyer paid 1200 and holds 12 shares.
	rr = env.doJSON(t, http.MethodGet, "/accounts/buyer/balance", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("balance: %d", rr.Code)
	}
	var bal struct {
		Cash      string `json:"cash"`
		Positions []struct {
			InstrumentID string `json:"instrument_id"`
			Shares       string `json:"shares"`
		} `json:"positions"`
	}
	decode(t, rr, &bal)
	if bal.Cash != "98800" {
		t.Errorf("expected cash 98800, got %s", bal.Cash)
	}
	if len(bal.Positions) != 1 || bal.Positions[0].Shares != "12" {
		t.Errorf("expected 12 shares, got %+v", bal.Positions)
	}

	// The remainder of the second ask is still on the book.
	rr = env.doJSON(t, http.MethodGet, "/instruments/"+instrumentID+"/book", nil, nil)
	var book struct {
		Asks []struct {
			Price         string `json:"price"`
			TotalQuantity string `json:"total_quantity"`
		} `json:"asks"`
		BestAsk *string `json:"best_ask"`
	}
	decode(t, rr, &book)
	if len(book.Asks) != 1 || book.Asks[0].TotalQuantity != "3" {
		t.Errorf("expected one level with quantity 3, got %+v", book.Asks)
	}
}

func TestSubmitOrder_ErrorStatusCodes(t *testing.T) {
	env := newTestEnv()
	instrumentID := env.createInstrument(t, "GEAR")
	env.createAccount(t, "alice", "50", nil)

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"malformed side", map[string]any{
			"instrument_id": instrumentID, "user_id": "alice", "side": "hold", "quantity": "1",
		}, http.StatusBadRequest},
		{"unknown instrument", map[string]any{
			"instrument_id": "missing", "user_id": "alice", "side": "buy", "quantity": "1",
		}, http.StatusNotFound},
		{"unknown account", map[string]any{
			"instrument_id": instrumentID, "user_id": "nobody", "side": "buy", "quantity": "1",
		}, http.StatusNotFound},
		{"insufficient funds", map[string]any{
			"instrument_id": instrumentID, "user_id": "alice", "side": "buy", "quantity": "10", "price": "100",
		}, http.StatusUnprocessableEntity},
		{"insufficient shares", map[string]any{
			"instrument_id": instrumentID, "user_id": "alice", "side": "sell", "quantity": "10", "price": "100",
		}, http.StatusUnprocessableEntity},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rr := env.submitOrder(t, c.body)
			if rr.Code != c.want {
				t.Errorf("expected %d, got %d: %s", c.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestSubmitOrder_RejectsUnknownFields(t *testing.T) {
	env := newTestEnv()
	req := httptest.NewRequest(http.MethodPost, "/orders",
		strings.NewReader(`{"instrument_id":"x","user_id":"u","side":"buy","quantity":"1","bogus":true}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown field, got %d", rr.Code)
	}
}

func TestSubmitOrder_RequiresJSONContentType(t *testing.T) {
	env := newTestEnv()
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestCancelOrder_HTTP(t *testing.T) {
	env := newTestEnv()
	instrumentID := env.createInstrument(t, "GEAR")
	env.createAccount(t, "alice", "1000", nil)
	env.createAccount(t, "mallory", "1000", nil)

	rr := env.submitOrder(t, map[string]any{
		"instrument_id": instrumentID, "user_id": "alice",
		"side": "buy", "quantity": "5", "price": "100",
	})
	var res submitJSON
	decode(t, rr, &res)
	orderID := res.Order.OrderID

	// Missing header.
	rr = env.doJSON(t, http.MethodDelete, "/orders/"+orderID, nil, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without X-User-ID, got %d", rr.Code)
	}
	// Wrong owner.
	rr = env.doJSON(t, http.MethodDelete, "/orders/"+orderID, nil, map[string]string{"X-User-ID": "mallory"})
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rr.Code)
	}
	// Owner cancels.
	rr = env.doJSON(t, http.MethodDelete, "/orders/"+orderID, nil, map[string]string{"X-User-ID": "alice"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var cancelled orderJSON
	decode(t, rr, &cancelled)
	if cancelled.Status != "cancelled" || cancelled.CancelReason != "requested" {
		t.Errorf("expected cancelled/requested, got %s/%s", cancelled.Status, cancelled.CancelReason)
	}
	// Second cancel conflicts.
	rr = env.doJSON(t, http.MethodDelete, "/orders/"+orderID, nil, map[string]string{"X-User-ID": "alice"})
	if rr.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rr.Code)
	}
	// Unknown order.
	rr = env.doJSON(t, http.MethodDelete, "/orders/missing", nil, map[string]string{"X-User-ID": "alice"})
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestGetOrder_IncludesTrades(t *testing.T) {
	env := newTestEnv()
	instrumentID := env.createInstrument(t, "GEAR")
	env.createAccount(t, "seller", "0", []map[string]string{
		{"instrument_id": instrumentID, "quantity": "10"},
	})
	env.createAccount(t, "buyer", "10000", nil)

	env.submitOrder(t, map[string]any{
		"instrument_id": instrumentID, "user_id": "seller",
		"side": "sell", "quantity": "5", "price": "100",
	})
	rr := env.submitOrder(t, map[string]any{
		"instrument_id": instrumentID, "user_id": "buyer",
		"side": "buy", "quantity": "5", "price": "100",
	})
	var res submitJSON
	decode(t, rr, &res)

	rr = env.doJSON(t, http.MethodGet, "/orders/"+res.Order.OrderID, nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get order: %d", rr.Code)
	}
	var got orderJSON
	decode(t, rr, &got)
	if got.Status != "filled" {
		t.Errorf("expected filled, got %s", got.Status)
	}
	if got.AveragePrice == nil || *got.AveragePrice != "100" {
		t.Errorf("expected average price 100, got %v", got.AveragePrice)
	}
}

func TestListOrders_HTTP(t *testing.T) {
	env := newTestEnv()
	instrumentID := env.createInstrument(t, "GEAR")
	env.createAccount(t, "alice", "100000", nil)

	for i := 0; i < 3; i++ {
		rr := env.submitOrder(t, map[string]any{
			"instrument_id": instrumentID, "user_id": "alice",
			"side": "buy", "quantity": "1", "price": fmt.Sprintf("%d", 90+i),
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("seed order %d: %d", i, rr.Code)
		}
	}

	rr := env.doJSON(t, http.MethodGet, "/accounts/alice/orders?page=1&limit=2", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list: %d %s", rr.Code, rr.Body.String())
	}
	var list struct {
		Orders []orderJSON `json:"orders"`
		Total  int         `json:"total"`
		Page   int         `json:"page"`
		Limit  int         `json:"limit"`
	}
	decode(t, rr, &list)
	if list.Total != 3 || len(list.Orders) != 2 {
		t.Errorf("expected 2 of 3 orders, got %d of %d", len(list.Orders), list.Total)
	}
	// Newest first: last submitted price was 92.
	if list.Orders[0].Price == nil || *list.Orders[0].Price != "92" {
		t.Errorf("expected newest order first, got %v", list.Orders[0].Price)
	}

	rr = env.doJSON(t, http.MethodGet, "/accounts/alice/orders?status=bogus", nil, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad status, got %d", rr.Code)
	}
	rr = env.doJSON(t, http.MethodGet, "/accounts/nobody/orders", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown user, got %d", rr.Code)
	}
}

func TestGetImpact_HTTP(t *testing.T) {
	env := newTestEnv()
	instrumentID := env.createInstrument(t, "GEAR")
	env.createAccount(t, "seller", "0", []map[string]string{
		{"instrument_id": instrumentID, "quantity": "20"},
	})

	env.submitOrder(t, map[string]any{
		"instrument_id": instrumentID, "user_id": "seller",
		"side": "sell", "quantity": "10", "price": "100",
	})

	rr := env.doJSON(t, http.MethodGet, "/instruments/"+instrumentID+"/impact?side=buy&quantity=4", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("impact: %d %s", rr.Code, rr.Body.String())
	}
	var est struct {
		QuantityFillable  string  `json:"quantity_fillable"`
		FullyFillable     bool    `json:"fully_fillable"`
		ProjectedAvgPrice *string `json:"projected_avg_price"`
		EstimatedTotal    *string `json:"estimated_total"`
		LevelsConsumed    int     `json:"levels_consumed"`
	}
	decode(t, rr, &est)
	if !est.FullyFillable || est.QuantityFillable != "4" {
		t.Errorf("expected fully fillable 4, got %+v", est)
	}
	if est.EstimatedTotal == nil || *est.EstimatedTotal != "400" {
		t.Errorf("expected total 400, got %v", est.EstimatedTotal)
	}

	rr = env.doJSON(t, http.MethodGet, "/instruments/"+instrumentID+"/impact?side=buy", nil, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing quantity, got %d", rr.Code)
	}
}

func TestInstrumentEndpoints(t *testing.T) {
	env := newTestEnv()
	id := env.createInstrument(t, "GEAR")

	// Duplicate symbol conflicts.
	rr := env.doJSON(t, http.MethodPost, "/instruments", map[string]any{
		"symbol": "GEAR", "name": "Again", "total_shares": "10",
	}, nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rr.Code)
	}

	rr = env.doJSON(t, http.MethodGet, "/instruments/"+id, nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get: %d", rr.Code)
	}
	var in struct {
		Symbol    string  `json:"symbol"`
		LastPrice *string `json:"last_price"`
	}
	decode(t, rr, &in)
	if in.Symbol != "GEAR" {
		t.Errorf("expected symbol GEAR, got %s", in.Symbol)
	}
	if in.LastPrice != nil {
		t.Errorf("expected null last price before first trade, got %v", in.LastPrice)
	}

	rr = env.doJSON(t, http.MethodGet, "/instruments", nil, nil)
	var list struct {
		Instruments []json.RawMessage `json:"instruments"`
	}
	decode(t, rr, &list)
	if len(list.Instruments) != 1 {
		t.Errorf("expected 1 instrument, got %d", len(list.Instruments))
	}

	rr = env.doJSON(t, http.MethodGet, "/instruments/missing", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}
