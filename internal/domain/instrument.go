package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Instrument represents a tradable offering: static identity plus the
// slow-changing fields advanced by settlement. Version is a monotonically
// increasing sequence number for optimistic concurrency; it bumps every
// time LastPrice advances.
type Instrument struct {
	InstrumentID string          `json:"instrument_id"`
	Symbol       string          `json:"symbol"`
	Name         string          `json:"name"`
	TotalShares  decimal.Decimal `json:"total_shares"`
	LastPrice    decimal.Decimal `json:"last_price"` // zero until the first trade
	Version      uint64          `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
}
