package service

import (
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/gearshare/marketengine/internal/domain"
	"github.com/gearshare/marketengine/internal/engine"
	"github.com/gearshare/marketengine/internal/journal"
	"github.com/gearshare/marketengine/internal/ledger"
	"github.com/gearshare/marketengine/internal/store"
)

var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidOrderStatuses lists all valid order status values for filtering.
var ValidOrderStatuses = map[domain.OrderStatus]bool{
	domain.OrderStatusActive:          true,
	domain.OrderStatusPartiallyFilled: true,
	domain.OrderStatusFilled:          true,
	domain.OrderStatusCancelled:       true,
	domain.OrderStatusExpired:         true,
}

// TradePublisher receives executed trades for fan-out to stream
// subscribers. Dispatch happens outside the matching critical section.
type TradePublisher interface {
	PublishTrade(t *domain.Trade)
}

// SubmitOrderRequest represents the input for order submission. A nil
// Price signals a market order.
type SubmitOrderRequest struct {
	InstrumentID string
	UserID       string
	Side         domain.OrderSide
	Quantity     string
	Price        *string
	ExpiresAt    *time.Time
}

// SubmitOrderResult carries the accepted order together with the trades
// its matching pass produced. Partial fills are results, never errors.
type SubmitOrderResult struct {
	Order  *domain.Order
	Trades []*domain.Trade
}

// OrderService is the order lifecycle manager: admission control and
// cancellation in front of the matching core.
type OrderService struct {
	matcher     *engine.Matcher
	expiry      *engine.ExpiryManager
	ledger      *ledger.Ledger
	instruments *store.InstrumentStore
	orderStore  *store.OrderStore
	journal     *journal.Journal // nil when running memory-only
	publisher   TradePublisher   // nil when streaming is disabled
	logger      *zap.Logger
}

// NewOrderService creates a new OrderService with the given dependencies.
// journal and publisher may be nil.
func NewOrderService(
	matcher *engine.Matcher,
	expiry *engine.ExpiryManager,
	led *ledger.Ledger,
	instruments *store.InstrumentStore,
	orderStore *store.OrderStore,
	jnl *journal.Journal,
	publisher TradePublisher,
	logger *zap.Logger,
) *OrderService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderService{
		matcher:     matcher,
		expiry:      expiry,
		ledger:      led,
		instruments: instruments,
		orderStore:  orderStore,
		journal:     jnl,
		publisher:   publisher,
		logger:      logger,
	}
}

// SubmitOrder validates the request, reserves balances, runs the matching
// engine, persists the outcome, and publishes executed trades.
func (s *OrderService) SubmitOrder(req SubmitOrderRequest) (*SubmitOrderResult, error) {
	if !userIDRegex.MatchString(req.UserID) {
		return nil, &domain.ValidationError{Message: "user_id must match ^[a-zA-Z0-9_-]{1,64}$"}
	}
	if req.Side != domain.OrderSideBuy && req.Side != domain.OrderSideSell {
		return nil, &domain.ValidationError{Message: "side must be 'buy' or 'sell'"}
	}
	quantity, err := domain.ParseQuantity(req.Quantity)
	if err != nil {
		return nil, err
	}
	if !s.instruments.Exists(req.InstrumentID) {
		return nil, domain.ErrInstrumentNotFound
	}
	if !s.ledger.Exists(req.UserID) {
		return nil, domain.ErrAccountNotFound
	}

	order := &domain.Order{
		InstrumentID: req.InstrumentID,
		UserID:       req.UserID,
		Side:         req.Side,
		Quantity:     quantity,
	}

	// A price makes it a limit order; its absence makes it a market order.
	if req.Price != nil {
		price, err := domain.ParsePrice(*req.Price)
		if err != nil {
			return nil, err
		}
		order.Kind = domain.OrderKindLimit
		order.Price = price
		if req.ExpiresAt != nil {
			if !req.ExpiresAt.After(time.Now()) {
				return nil, &domain.ValidationError{Message: "expires_at must be a future timestamp"}
			}
			order.ExpiresAt = req.ExpiresAt
		}
	} else {
		order.Kind = domain.OrderKindMarket
		if req.ExpiresAt != nil {
			return nil, &domain.ValidationError{Message: "market orders must not include expires_at"}
		}
	}

	trades, err := s.matcher.MatchOrder(order)
	if err != nil {
		// A settlement abort still produced an order record and possibly
		// trades; persist what actually happened before surfacing it.
		if order.OrderID != "" {
			s.persistMatchOutcome(order, trades)
		}
		return nil, err
	}

	if order.Resting() {
		s.expiry.Add(order)
	}

	s.persistMatchOutcome(order, trades)
	s.publishTrades(trades)

	return &SubmitOrderResult{Order: order, Trades: trades}, nil
}

// GetOrder retrieves an order by ID with all its trades.
func (s *OrderService) GetOrder(orderID string) (*domain.Order, error) {
	return s.orderStore.Get(orderID)
}

// CancelOrder cancels an active or partially filled order owned by
// requesterID.
func (s *OrderService) CancelOrder(orderID, requesterID string) (*domain.Order, error) {
	order, err := s.matcher.CancelOrder(orderID, requesterID)
	if err != nil {
		return nil, err
	}

	s.expiry.Remove(orderID)
	s.saveOrder(order)
	s.saveAccount(order.UserID)

	return order, nil
}

// ListOrders returns a paginated list of orders for a user with optional
// status filtering.
func (s *OrderService) ListOrders(userID string, status *domain.OrderStatus, page, limit int) ([]*domain.Order, int, error) {
	if !s.ledger.Exists(userID) {
		return nil, 0, domain.ErrAccountNotFound
	}
	if status != nil && !ValidOrderStatuses[*status] {
		return nil, 0, &domain.ValidationError{Message: "invalid status filter"}
	}
	if page < 1 {
		return nil, 0, &domain.ValidationError{Message: "page must be >= 1"}
	}
	if limit < 1 || limit > 100 {
		return nil, 0, &domain.ValidationError{Message: "limit must be between 1 and 100"}
	}

	orders, total := s.orderStore.ListByUser(userID, status, page, limit)
	return orders, total, nil
}

// persistMatchOutcome journals every record a matching pass touched: the
// incoming order, each trade with its counterparty order, both parties'
// account snapshots, and the instrument's advanced last price. Journal
// writes are write-behind: a failure is logged, not returned, since the
// in-memory state is already authoritative for this process.
func (s *OrderService) persistMatchOutcome(order *domain.Order, trades []*domain.Trade) {
	if s.journal == nil {
		return
	}

	s.saveOrder(order)

	touched := map[string]bool{order.UserID: true}
	for _, t := range trades {
		if err := s.journal.SaveTrade(t); err != nil {
			s.logger.Error("journal trade write failed", zap.String("trade_id", t.TradeID), zap.Error(err))
		}
		for _, counterID := range []string{t.BuyOrderID, t.SellOrderID} {
			if counterID == order.OrderID {
				continue
			}
			if counter, err := s.orderStore.Get(counterID); err == nil {
				s.saveOrder(counter)
				touched[counter.UserID] = true
			}
		}
	}
	for userID := range touched {
		s.saveAccount(userID)
	}

	if len(trades) > 0 {
		if in, err := s.instruments.Get(order.InstrumentID); err == nil {
			if err := s.journal.SaveInstrument(in); err != nil {
				s.logger.Error("journal instrument write failed", zap.String("instrument_id", in.InstrumentID), zap.Error(err))
			}
		}
	}
}

func (s *OrderService) saveOrder(order *domain.Order) {
	if s.journal == nil {
		return
	}
	if err := s.journal.SaveOrder(order); err != nil {
		s.logger.Error("journal order write failed", zap.String("order_id", order.OrderID), zap.Error(err))
	}
}

func (s *OrderService) saveAccount(userID string) {
	if s.journal == nil {
		return
	}
	acc, err := s.ledger.Snapshot(userID)
	if err != nil {
		return
	}
	if err := s.journal.SaveAccount(acc); err != nil {
		s.logger.Error("journal account write failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// RecordExpiry implements engine.ExpiryRecorder: journals the expired
// order and the released reservation.
func (s *OrderService) RecordExpiry(order *domain.Order) {
	s.saveOrder(order)
	s.saveAccount(order.UserID)
}

// publishTrades fans executed trades out to stream subscribers, outside
// the matching critical section.
func (s *OrderService) publishTrades(trades []*domain.Trade) {
	if s.publisher == nil {
		return
	}
	for _, t := range trades {
		s.publisher.PublishTrade(t)
	}
}
