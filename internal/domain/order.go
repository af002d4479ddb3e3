package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderKind distinguishes limit orders from market orders.
type OrderKind string

const (
	OrderKindLimit  OrderKind = "limit"
	OrderKindMarket OrderKind = "market"
)

// OrderSide indicates whether an order is a buy (bid) or sell (ask).
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusActive          OrderStatus = "active"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusExpired         OrderStatus = "expired"
)

// Order represents a buy or sell instruction submitted by a user against
// a single instrument. Quantities are decimals: fractional shares are
// first-class.
type Order struct {
	OrderID           string          `json:"order_id"`
	InstrumentID      string          `json:"instrument_id"`
	UserID            string          `json:"user_id"`
	Kind              OrderKind       `json:"kind"`
	Side              OrderSide       `json:"side"`
	Price             decimal.Decimal `json:"price"` // zero for market orders
	Quantity          decimal.Decimal `json:"quantity"`
	FilledQuantity    decimal.Decimal `json:"filled_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	CancelledQuantity decimal.Decimal `json:"cancelled_quantity"`
	Status            OrderStatus     `json:"status"`
	CancelReason      string          `json:"cancel_reason,omitempty"`
	Seq               uint64          `json:"seq"` // book insertion sequence, tie-break after timestamp
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	CancelledAt       *time.Time      `json:"cancelled_at,omitempty"`
	ExpiredAt         *time.Time      `json:"expired_at,omitempty"`
	Trades            []*Trade        `json:"trades,omitempty"`
}

// Terminal reports whether the order can no longer change state.
func (o *Order) Terminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired:
		return true
	}
	return false
}

// Resting reports whether the order is eligible to sit on the book.
func (o *Order) Resting() bool {
	return o.Status == OrderStatusActive || o.Status == OrderStatusPartiallyFilled
}

// AveragePrice computes the volume-weighted average execution price over
// the order's trades. Returns (zero, false) when nothing has executed.
func (o *Order) AveragePrice() (decimal.Decimal, bool) {
	if len(o.Trades) == 0 || o.FilledQuantity.IsZero() {
		return decimal.Zero, false
	}
	total := decimal.Zero
	for _, t := range o.Trades {
		total = total.Add(t.Price.Mul(t.Quantity))
	}
	return total.Div(o.FilledQuantity), true
}
