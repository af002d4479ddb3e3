package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/gearshare/marketengine/internal/domain"
	"github.com/gearshare/marketengine/internal/service"
)

// OrderHandler handles HTTP requests for order endpoints.
type OrderHandler struct {
	orderSvc *service.OrderService
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(orderSvc *service.OrderService) *OrderHandler {
	return &OrderHandler{orderSvc: orderSvc}
}

// submitOrderRequest is the JSON request body for POST /orders.
// A null or omitted price signals a market order. Decimal values travel
// as strings so precision survives the wire.
type submitOrderRequest struct {
	InstrumentID string  `json:"instrument_id"`
	UserID       string  `json:"user_id"`
	Side         string  `json:"side"`
	Quantity     string  `json:"quantity"`
	Price        *string `json:"price"`
	ExpiresAt    *string `json:"expires_at"`
}

// orderResponse is the JSON shape of an order. Nullable fields use
// pointers; decimals marshal as strings.
type orderResponse struct {
	OrderID           string           `json:"order_id"`
	InstrumentID      string           `json:"instrument_id"`
	UserID            string           `json:"user_id"`
	Kind              string           `json:"kind"`
	Side              string           `json:"side"`
	Price             *decimal.Decimal `json:"price,omitempty"`
	Quantity          decimal.Decimal  `json:"quantity"`
	FilledQuantity    decimal.Decimal  `json:"filled_quantity"`
	RemainingQuantity decimal.Decimal  `json:"remaining_quantity"`
	CancelledQuantity decimal.Decimal  `json:"cancelled_quantity"`
	Status            string           `json:"status"`
	CancelReason      string           `json:"cancel_reason,omitempty"`
	AveragePrice      *decimal.Decimal `json:"average_price"`
	ExpiresAt         *string          `json:"expires_at,omitempty"`
	CreatedAt         string           `json:"created_at"`
	CancelledAt       *string          `json:"cancelled_at,omitempty"`
	ExpiredAt         *string          `json:"expired_at,omitempty"`
}

// tradeResponse is a single trade in order and history responses.
type tradeResponse struct {
	TradeID      string          `json:"trade_id"`
	InstrumentID string          `json:"instrument_id"`
	BuyOrderID   string          `json:"buy_order_id"`
	SellOrderID  string          `json:"sell_order_id"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	ExecutedAt   string          `json:"executed_at"`
}

// submitOrderResponse is the JSON response for POST /orders.
type submitOrderResponse struct {
	Order  orderResponse   `json:"order"`
	Trades []tradeResponse `json:"trades"`
}

func buildOrderResponse(o *domain.Order) orderResponse {
	resp := orderResponse{
		OrderID:           o.OrderID,
		InstrumentID:      o.InstrumentID,
		UserID:            o.UserID,
		Kind:              string(o.Kind),
		Side:              string(o.Side),
		Quantity:          o.Quantity,
		FilledQuantity:    o.FilledQuantity,
		RemainingQuantity: o.RemainingQuantity,
		CancelledQuantity: o.CancelledQuantity,
		Status:            string(o.Status),
		CancelReason:      o.CancelReason,
		CreatedAt:         o.CreatedAt.Format(time.RFC3339Nano),
	}
	if o.Kind == domain.OrderKindLimit {
		price := o.Price
		resp.Price = &price
	}
	if avg, ok := o.AveragePrice(); ok {
		resp.AveragePrice = &avg
	}
	if o.ExpiresAt != nil {
		s := o.ExpiresAt.Format(time.RFC3339Nano)
		resp.ExpiresAt = &s
	}
	if o.CancelledAt != nil {
		s := o.CancelledAt.Format(time.RFC3339Nano)
		resp.CancelledAt = &s
	}
	if o.ExpiredAt != nil {
		s := o.ExpiredAt.Format(time.RFC3339Nano)
		resp.ExpiredAt = &s
	}
	return resp
}

func buildTradeResponse(t *domain.Trade) tradeResponse {
	return tradeResponse{
		TradeID:      t.TradeID,
		InstrumentID: t.InstrumentID,
		BuyOrderID:   t.BuyOrderID,
		SellOrderID:  t.SellOrderID,
		Price:        t.Price,
		Quantity:     t.Quantity,
		ExecutedAt:   t.ExecutedAt.Format(time.RFC3339Nano),
	}
}

// SubmitOrder handles POST /orders.
func (h *OrderHandler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "expires_at must be a valid RFC 3339 timestamp")
			return
		}
		expiresAt = &t
	}

	result, err := h.orderSvc.SubmitOrder(service.SubmitOrderRequest{
		InstrumentID: req.InstrumentID,
		UserID:       req.UserID,
		Side:         domain.OrderSide(req.Side),
		Quantity:     req.Quantity,
		Price:        req.Price,
		ExpiresAt:    expiresAt,
	})
	if err != nil {
		MapDomainError(w, err)
		return
	}

	trades := make([]tradeResponse, len(result.Trades))
	for i, t := range result.Trades {
		trades[i] = buildTradeResponse(t)
	}
	WriteJSON(w, http.StatusCreated, submitOrderResponse{
		Order:  buildOrderResponse(result.Order),
		Trades: trades,
	})
}

// GetOrder handles GET /orders/{order_id}.
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orderSvc.GetOrder(chi.URLParam(r, "order_id"))
	if err != nil {
		MapDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildOrderResponse(order))
}

// CancelOrder handles DELETE /orders/{order_id}. The requester is the
// authenticated user passed in the X-User-ID header; only the owner may
// cancel.
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	requesterID := r.Header.Get("X-User-ID")
	if requesterID == "" {
		WriteError(w, http.StatusBadRequest, "validation_error", "X-User-ID header is required")
		return
	}

	order, err := h.orderSvc.CancelOrder(chi.URLParam(r, "order_id"), requesterID)
	if err != nil {
		MapDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildOrderResponse(order))
}
