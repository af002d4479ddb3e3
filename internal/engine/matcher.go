package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gearshare/marketengine/internal/domain"
	"github.com/gearshare/marketengine/internal/ledger"
	"github.com/gearshare/marketengine/internal/store"
)

// Cancel reasons recorded on orders that terminate without a user cancel.
const (
	CancelReasonNoLiquidity = "no_liquidity"
	CancelReasonIOC         = "ioc_unfilled"
	CancelReasonRequested   = "requested"
	CancelReasonSettlement  = "settlement_aborted"
)

// Matcher implements continuous double-auction matching with price-time
// priority. All mutating operations for one instrument run under that
// instrument's book write lock, held across validate → match → settle, so
// the decision to match and the resulting book and ledger mutations appear
// atomic to every observer.
type Matcher struct {
	books          *BookManager
	ledger         *ledger.Ledger
	instruments    *store.InstrumentStore
	orderStore     *store.OrderStore
	tradeStore     *store.TradeStore
	allowSelfTrade bool
	logger         *zap.Logger
}

// NewMatcher creates a new Matcher with the given dependencies.
func NewMatcher(
	books *BookManager,
	led *ledger.Ledger,
	instruments *store.InstrumentStore,
	orderStore *store.OrderStore,
	tradeStore *store.TradeStore,
	allowSelfTrade bool,
	logger *zap.Logger,
) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		books:          books,
		ledger:         led,
		instruments:    instruments,
		orderStore:     orderStore,
		tradeStore:     tradeStore,
		allowSelfTrade: allowSelfTrade,
		logger:         logger,
	}
}

// crosses reports whether the incoming order trades against a resting
// price. Market orders are unbounded in their own favor.
func crosses(incoming *domain.Order, restingPrice decimal.Decimal) bool {
	if incoming.Kind == domain.OrderKindMarket {
		return true
	}
	if incoming.Side == domain.OrderSideBuy {
		return incoming.Price.GreaterThanOrEqual(restingPrice)
	}
	return incoming.Price.LessThanOrEqual(restingPrice)
}

// walkOpposite iterates the side the incoming order would execute against,
// best first. The caller must hold the book lock.
func walkOpposite(book *OrderBook, side domain.OrderSide, fn func(BookEntry) bool) {
	if side == domain.OrderSideBuy {
		book.WalkAsks(fn)
	} else {
		book.WalkBids(fn)
	}
}

// MatchOrder processes an incoming order through the matching engine:
// reserve balances, run the price-time-priority match loop against the
// opposite side of the book, settle each trade atomically, then rest the
// remainder (limit) or cancel it (market, IOC semantics).
//
// The caller provides an Order with InstrumentID, UserID, Kind, Side,
// Price (limit only), Quantity, and optional ExpiresAt set. The matcher
// assigns OrderID, CreatedAt, Seq, and all status transitions.
//
// The per-instrument write lock is held for the entire pass. Validation
// failures (ErrInsufficientFunds, ErrInsufficientShares, ErrSelfTrade)
// reject the submission before the order record is created.
func (m *Matcher) MatchOrder(order *domain.Order) ([]*domain.Trade, error) {
	book := m.books.GetOrCreate(order.InstrumentID)

	book.mu.Lock()
	defer book.mu.Unlock()

	// Self-trade check: scan the liquidity this order would consume and
	// reject if any of it is the submitter's own. Rejecting before any
	// fill keeps the outcome all-or-nothing.
	if !m.allowSelfTrade && m.wouldSelfTrade(book, order) {
		return nil, domain.ErrSelfTrade
	}

	// Reserve for the full requested quantity at admission. Market buys
	// carry no price to reserve at; they reserve the sweep cost of the
	// current book, which the match loop below consumes exactly because
	// the book lock is already held. The reservation guards the cash
	// against the user's concurrent orders on other instruments, which
	// the book lock does not cover. reservedCash tracks the portion not
	// yet consumed by fills.
	var reservedCash decimal.Decimal
	reservedShares := false
	switch {
	case order.Side == domain.OrderSideBuy && order.Kind == domain.OrderKindLimit:
		reservedCash = order.Price.Mul(order.Quantity)
		if err := m.ledger.ReserveCash(order.UserID, reservedCash); err != nil {
			return nil, err
		}
	case order.Side == domain.OrderSideBuy:
		reservedCash = m.sweepCost(book, order.Quantity)
		if err := m.ledger.ReserveCash(order.UserID, reservedCash); err != nil {
			return nil, err
		}
	default:
		if err := m.ledger.ReserveShares(order.UserID, order.InstrumentID, order.Quantity); err != nil {
			return nil, err
		}
		reservedShares = true
	}

	order.OrderID = uuid.New().String()
	order.CreatedAt = time.Now()
	order.Seq = m.books.NextSeq()
	order.RemainingQuantity = order.Quantity
	order.FilledQuantity = decimal.Zero
	order.CancelledQuantity = decimal.Zero
	order.Status = domain.OrderStatusActive
	order.Trades = []*domain.Trade{}

	m.orderStore.Create(order)

	executedAt := time.Now()
	var trades []*domain.Trade

	for order.RemainingQuantity.IsPositive() {
		var bestEntry BookEntry
		var found bool
		if order.Side == domain.OrderSideBuy {
			bestEntry, found = book.BestAsk()
		} else {
			bestEntry, found = book.BestBid()
		}
		if !found || !crosses(order, bestEntry.Price) {
			break
		}

		resting := bestEntry.Order
		fillQty := domain.MinQuantity(order.RemainingQuantity, resting.RemainingQuantity)

		// Maker-price rule: execution at the resting order's price, so
		// price improvement always favors the earlier order.
		executionPrice := resting.Price

		var buyOrder, sellOrder *domain.Order
		if order.Side == domain.OrderSideBuy {
			buyOrder, sellOrder = order, resting
		} else {
			buyOrder, sellOrder = resting, order
		}

		trade := &domain.Trade{
			TradeID:      uuid.New().String(),
			InstrumentID: order.InstrumentID,
			BuyOrderID:   buyOrder.OrderID,
			SellOrderID:  sellOrder.OrderID,
			Price:        executionPrice,
			Quantity:     fillQty,
			ExecutedAt:   executedAt,
		}

		// The buyer's reservation is consumed fill by fill: at the buyer's
		// own limit price for limit buys, at the execution price for market
		// buys, which reserved the sweep cost of this same liquidity.
		buyerRelease := buyOrder.Price.Mul(fillQty)
		if buyOrder.Kind == domain.OrderKindMarket {
			buyerRelease = executionPrice.Mul(fillQty)
		}

		if err := m.ledger.ApplyTrade(trade, buyOrder.UserID, sellOrder.UserID, buyerRelease); err != nil {
			// Settlement refused the transfer: nothing was applied for this
			// fill. Abort the rest of the pass, cancel the remainder, and
			// surface the violation. Earlier fills in this pass settled
			// completely and stand.
			m.logger.Error("settlement aborted matching pass",
				zap.String("order_id", order.OrderID),
				zap.String("instrument_id", order.InstrumentID),
				zap.Error(err),
			)
			m.terminateRemainder(book, order, CancelReasonSettlement, reservedCash, reservedShares)
			m.finishPass(order, trades)
			return trades, err
		}

		if buyOrder == order {
			reservedCash = reservedCash.Sub(buyerRelease)
		}

		order.RemainingQuantity = order.RemainingQuantity.Sub(fillQty)
		order.FilledQuantity = order.FilledQuantity.Add(fillQty)
		resting.RemainingQuantity = resting.RemainingQuantity.Sub(fillQty)
		resting.FilledQuantity = resting.FilledQuantity.Add(fillQty)

		if order.RemainingQuantity.IsZero() {
			order.Status = domain.OrderStatusFilled
		} else {
			order.Status = domain.OrderStatusPartiallyFilled
		}
		if resting.RemainingQuantity.IsZero() {
			resting.Status = domain.OrderStatusFilled
			book.Remove(resting.OrderID)
		} else {
			resting.Status = domain.OrderStatusPartiallyFilled
		}

		order.Trades = append(order.Trades, trade)
		resting.Trades = append(resting.Trades, trade)
		trades = append(trades, trade)

		m.tradeStore.Append(trade)
	}

	if order.RemainingQuantity.IsPositive() {
		if order.Kind == domain.OrderKindLimit {
			if err := book.Insert(order); err != nil {
				// Unreachable: the order was built for this book with a
				// positive remainder.
				return trades, err
			}
		} else {
			// IOC: market orders never rest. No fills at all means the book
			// had no liquidity, a valid terminal outcome rather than an error.
			reason := CancelReasonIOC
			if order.FilledQuantity.IsZero() {
				reason = CancelReasonNoLiquidity
			}
			m.terminateRemainder(book, order, reason, reservedCash, reservedShares)
		}
	}

	m.finishPass(order, trades)
	return trades, nil
}

// finishPass advances the instrument's last trade price to the final trade
// of the pass, bumping the registry version.
func (m *Matcher) finishPass(order *domain.Order, trades []*domain.Trade) {
	if len(trades) == 0 {
		return
	}
	last := trades[len(trades)-1]
	if err := m.instruments.AdvanceLastPrice(order.InstrumentID, last.Price); err != nil {
		m.logger.Error("failed to advance last price",
			zap.String("instrument_id", order.InstrumentID),
			zap.Error(err),
		)
	}
}

// terminateRemainder cancels an order's unfilled remainder and releases the
// reservation covering it. reservedCash is the unconsumed portion of the
// admission-time reservation; for a market buy whose fills consumed the
// whole sweep cost it is zero. The caller must hold the book lock.
func (m *Matcher) terminateRemainder(book *OrderBook, order *domain.Order, reason string, reservedCash decimal.Decimal, reservedShares bool) {
	book.Remove(order.OrderID)

	remainder := order.RemainingQuantity
	order.CancelledQuantity = order.CancelledQuantity.Add(remainder)
	order.RemainingQuantity = decimal.Zero
	if order.FilledQuantity.Equal(order.Quantity) {
		order.Status = domain.OrderStatusFilled
	} else {
		now := time.Now()
		order.Status = domain.OrderStatusCancelled
		order.CancelledAt = &now
		order.CancelReason = reason
	}

	if !remainder.IsPositive() {
		return
	}
	if reservedShares {
		m.ledger.ReleaseShares(order.UserID, order.InstrumentID, remainder)
	} else if reservedCash.IsPositive() {
		m.ledger.ReleaseCash(order.UserID, reservedCash)
	}
}

// wouldSelfTrade reports whether matching the incoming order would cross
// any resting order owned by the same user. The scan covers exactly the
// liquidity the match loop would consume: it stops once prices no longer
// cross or the requested quantity is covered.
func (m *Matcher) wouldSelfTrade(book *OrderBook, order *domain.Order) bool {
	remaining := order.Quantity
	self := false
	walkOpposite(book, order.Side, func(entry BookEntry) bool {
		if !remaining.IsPositive() || !crosses(order, entry.Price) {
			return false
		}
		if entry.Order.UserID == order.UserID {
			self = true
			return false
		}
		remaining = remaining.Sub(entry.Order.RemainingQuantity)
		return true
	})
	return self
}

// sweepCost returns the cash needed to fill quantity against the current
// ask side, walking best-first. Market buys have no limit price to reserve
// at, so this is the amount reserved at admission.
func (m *Matcher) sweepCost(book *OrderBook, quantity decimal.Decimal) decimal.Decimal {
	cost := decimal.Zero
	remaining := quantity
	book.WalkAsks(func(entry BookEntry) bool {
		if !remaining.IsPositive() {
			return false
		}
		fillQty := domain.MinQuantity(remaining, entry.Order.RemainingQuantity)
		cost = cost.Add(entry.Price.Mul(fillQty))
		remaining = remaining.Sub(fillQty)
		return remaining.IsPositive()
	})
	return cost
}

// CancelOrder cancels an active or partially filled order on behalf of
// requesterID. It acquires the per-instrument write lock, re-checks the
// order's status under it, removes the order from the book, and releases
// the reservation for the unfilled remainder.
//
// Returns domain.ErrOrderNotFound if the order does not exist,
// domain.ErrForbidden if the requester is not the owner, and
// domain.ErrAlreadyTerminal if the order has already reached a terminal
// state, including a cancel that lost the race against an in-flight
// match, which observes the order's true post-match status.
func (m *Matcher) CancelOrder(orderID, requesterID string) (*domain.Order, error) {
	order, err := m.orderStore.Get(orderID)
	if err != nil {
		return nil, domain.ErrOrderNotFound
	}
	if order.UserID != requesterID {
		return nil, domain.ErrForbidden
	}

	book := m.books.GetOrCreate(order.InstrumentID)
	book.mu.Lock()
	defer book.mu.Unlock()

	// Status is only read and written under the book lock; a cancel that
	// raced an in-flight match sees the post-match status here.
	if order.Terminal() {
		return nil, domain.ErrAlreadyTerminal
	}

	book.Remove(order.OrderID)

	now := time.Now()
	remainder := order.RemainingQuantity
	order.CancelledQuantity = remainder
	order.RemainingQuantity = decimal.Zero
	order.Status = domain.OrderStatusCancelled
	order.CancelledAt = &now
	order.CancelReason = CancelReasonRequested

	if order.Side == domain.OrderSideBuy {
		m.ledger.ReleaseCash(order.UserID, order.Price.Mul(remainder))
	} else {
		m.ledger.ReleaseShares(order.UserID, order.InstrumentID, remainder)
	}

	return order, nil
}
