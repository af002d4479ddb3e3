package engine

import (
	"github.com/shopspring/decimal"

	"github.com/gearshare/marketengine/internal/domain"
)

// ImpactEstimate is the projected outcome of executing a hypothetical
// order against the current book, produced without mutating anything.
type ImpactEstimate struct {
	InstrumentID      string
	Side              domain.OrderSide
	QuantityRequested decimal.Decimal
	QuantityFillable  decimal.Decimal
	FullyFillable     bool
	ProjectedAvgPrice *decimal.Decimal // nil when no crossing liquidity
	EstimatedTotal    *decimal.Decimal // nil when no crossing liquidity
	PriceChangePct    *decimal.Decimal // vs last trade price; nil without a reference
	LevelsConsumed    int
}

// EstimateImpact walks the opposing side of the book exactly as the match
// loop would (same crossing rule, same priority order, maker prices)
// and accumulates the volume-weighted execution price, discarding
// all mutations. limitPrice nil means a market order (unbounded in the
// order's favor).
//
// The walk runs under the book's read lock, so two estimates with no
// intervening mutation return identical results, and a real submission
// against an unchanged book cannot diverge from its estimate.
func (m *Matcher) EstimateImpact(instrumentID string, side domain.OrderSide, quantity decimal.Decimal, limitPrice *decimal.Decimal) (*ImpactEstimate, error) {
	instrument, err := m.instruments.Get(instrumentID)
	if err != nil {
		return nil, err
	}

	// Synthetic order reusing the matcher's crossing rule.
	probe := &domain.Order{
		InstrumentID: instrumentID,
		Side:         side,
		Kind:         domain.OrderKindMarket,
	}
	if limitPrice != nil {
		probe.Kind = domain.OrderKindLimit
		probe.Price = *limitPrice
	}

	book := m.books.GetOrCreate(instrumentID)
	book.mu.RLock()
	defer book.mu.RUnlock()

	est := &ImpactEstimate{
		InstrumentID:      instrumentID,
		Side:              side,
		QuantityRequested: quantity,
		QuantityFillable:  decimal.Zero,
	}

	remaining := quantity
	totalCost := decimal.Zero
	var lastLevel *decimal.Decimal

	walkOpposite(book, side, func(entry BookEntry) bool {
		if !remaining.IsPositive() || !crosses(probe, entry.Price) {
			return false
		}
		fillQty := domain.MinQuantity(remaining, entry.Order.RemainingQuantity)
		totalCost = totalCost.Add(entry.Price.Mul(fillQty))
		est.QuantityFillable = est.QuantityFillable.Add(fillQty)
		remaining = remaining.Sub(fillQty)

		if lastLevel == nil || !lastLevel.Equal(entry.Price) {
			price := entry.Price
			lastLevel = &price
			est.LevelsConsumed++
		}
		return remaining.IsPositive()
	})

	est.FullyFillable = est.QuantityFillable.GreaterThanOrEqual(quantity)

	if est.QuantityFillable.IsPositive() {
		avg := totalCost.Div(est.QuantityFillable)
		est.ProjectedAvgPrice = &avg
		est.EstimatedTotal = &totalCost

		if instrument.LastPrice.IsPositive() {
			pct := avg.Sub(instrument.LastPrice).
				Div(instrument.LastPrice).
				Mul(decimal.NewFromInt(100))
			est.PriceChangePct = &pct
		}
	}

	return est, nil
}
