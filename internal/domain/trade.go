package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade represents a matched execution between a buy and a sell order.
// Trades are immutable once created: a correction is a new compensating
// trade, never a mutation.
type Trade struct {
	TradeID      string          `json:"trade_id"`
	InstrumentID string          `json:"instrument_id"`
	BuyOrderID   string          `json:"buy_order_id"`
	SellOrderID  string          `json:"sell_order_id"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	Seq          uint64          `json:"seq"` // per-instrument append sequence
	ExecutedAt   time.Time       `json:"executed_at"`
}

// Notional returns price × quantity, the cash moved by this trade.
func (t *Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}
