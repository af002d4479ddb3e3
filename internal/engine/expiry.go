package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gearshare/marketengine/internal/domain"
	"github.com/gearshare/marketengine/internal/ledger"
)

// ExpiryRecorder persists the state transition of an expired order
// without the engine depending on the persistence layer directly.
type ExpiryRecorder interface {
	RecordExpiry(order *domain.Order)
}

// ExpiryManager tracks resting limit orders with a deadline, sorted by
// expires_at, and periodically expires those whose deadline has passed.
type ExpiryManager struct {
	interval     time.Duration
	books        *BookManager
	ledger       *ledger.Ledger
	recorder     ExpiryRecorder // may be nil
	logger       *zap.Logger
	activeOrders []*domain.Order // sorted by expires_at ASC
	mu           sync.Mutex      // protects activeOrders slice
}

// NewExpiryManager creates a new ExpiryManager with the given dependencies.
// recorder may be nil.
func NewExpiryManager(interval time.Duration, books *BookManager, led *ledger.Ledger, recorder ExpiryRecorder, logger *zap.Logger) *ExpiryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExpiryManager{
		interval:     interval,
		books:        books,
		ledger:       led,
		recorder:     recorder,
		logger:       logger,
		activeOrders: make([]*domain.Order, 0),
	}
}

// SetRecorder installs the expiry recorder after construction. The order
// service both owns persistence and depends on the expiry manager, so the
// hook is wired once both exist.
func (e *ExpiryManager) SetRecorder(r ExpiryRecorder) {
	e.recorder = r
}

// Add inserts an order into the sorted activeOrders slice, maintaining
// expires_at ASC order. Orders without a deadline are ignored.
func (e *ExpiryManager) Add(order *domain.Order) {
	if order.ExpiresAt == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	expiresAt := *order.ExpiresAt
	// Binary search for the insertion point.
	idx := sort.Search(len(e.activeOrders), func(i int) bool {
		return e.activeOrders[i].ExpiresAt.After(expiresAt)
	})
	e.activeOrders = append(e.activeOrders, nil)
	copy(e.activeOrders[idx+1:], e.activeOrders[idx:])
	e.activeOrders[idx] = order
}

// Remove deletes an order from the activeOrders slice by order ID.
func (e *ExpiryManager) Remove(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, o := range e.activeOrders {
		if o.OrderID == orderID {
			e.activeOrders = append(e.activeOrders[:i], e.activeOrders[i+1:]...)
			return
		}
	}
}

// Start launches a background goroutine that ticks at the configured
// interval and expires orders. It stops when ctx is cancelled.
func (e *ExpiryManager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				e.tick(t)
			}
		}
	}()
}

// tick pops every order from the front of the sorted slice whose deadline
// has passed and expires it.
func (e *ExpiryManager) tick(now time.Time) {
	e.mu.Lock()
	var toExpire []*domain.Order
	cutoff := 0
	for cutoff < len(e.activeOrders) {
		o := e.activeOrders[cutoff]
		if o.ExpiresAt == nil || o.ExpiresAt.After(now) {
			break
		}
		toExpire = append(toExpire, o)
		cutoff++
	}
	if cutoff > 0 {
		e.activeOrders = e.activeOrders[cutoff:]
	}
	e.mu.Unlock()

	for _, order := range toExpire {
		e.expireOrder(order)
	}
}

// expireOrder transitions a single order to expired: acquire the
// per-instrument write lock, re-check status (the order may have filled or
// been cancelled since the last tick), remove it from the book, and
// release the reservation on the unfilled remainder.
func (e *ExpiryManager) expireOrder(order *domain.Order) {
	book := e.books.GetOrCreate(order.InstrumentID)
	book.mu.Lock()

	if order.Terminal() {
		book.mu.Unlock()
		return
	}

	remainder := order.RemainingQuantity
	order.CancelledQuantity = remainder
	order.RemainingQuantity = decimal.Zero
	order.Status = domain.OrderStatusExpired
	order.ExpiredAt = order.ExpiresAt

	book.Remove(order.OrderID)

	if order.Side == domain.OrderSideBuy {
		e.ledger.ReleaseCash(order.UserID, order.Price.Mul(remainder))
	} else {
		e.ledger.ReleaseShares(order.UserID, order.InstrumentID, remainder)
	}

	// Release the book lock before persistence and logging.
	book.mu.Unlock()

	if e.recorder != nil {
		e.recorder.RecordExpiry(order)
	}

	e.logger.Info("order expired",
		zap.String("order_id", order.OrderID),
		zap.String("instrument_id", order.InstrumentID),
		zap.String("remainder", remainder.String()),
	)
}

// ActiveOrderCount returns the number of orders currently tracked for
// expiration. Useful for testing.
func (e *ExpiryManager) ActiveOrderCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.activeOrders)
}
