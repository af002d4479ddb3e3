package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/gearshare/marketengine/internal/domain"
)

// BookEntry represents a single order resting on the book.
type BookEntry struct {
	Price     decimal.Decimal
	CreatedAt time.Time
	Seq       uint64
	Order     *domain.Order
}

// PriceLevel represents an aggregated price level in the order book.
type PriceLevel struct {
	Price         decimal.Decimal
	TotalQuantity decimal.Decimal
	OrderCount    int
}

// bidLess defines ordering for the bid side: price descending, then
// created_at ascending, then insertion sequence ascending. Min() returns
// the best bid (highest price, earliest time). The sequence tie-break
// makes iteration deterministic even for same-millisecond submissions.
func bidLess(a, b BookEntry) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c > 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

// askLess defines ordering for the ask side: price ascending, then
// created_at ascending, then insertion sequence ascending. Min() returns
// the best ask (lowest price, earliest time).
func askLess(a, b BookEntry) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c < 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

// OrderBook maintains the bid and ask sides for a single instrument using
// B-trees with a secondary index for O(log n) removal by order ID. It is
// a materialized view over the order store: every entry is reconstructible
// from resting orders alone.
type OrderBook struct {
	instrumentID string
	mu           sync.RWMutex
	bids         *btree.BTreeG[BookEntry]
	asks         *btree.BTreeG[BookEntry]
	index        map[string]BookEntry // order_id → entry
}

// NewOrderBook creates an order book for the given instrument.
func NewOrderBook(instrumentID string) *OrderBook {
	const degree = 32
	return &OrderBook{
		instrumentID: instrumentID,
		bids:         btree.NewG[BookEntry](degree, bidLess),
		asks:         btree.NewG[BookEntry](degree, askLess),
		index:        make(map[string]BookEntry),
	}
}

// Lock acquires the write lock on the order book.
func (ob *OrderBook) Lock() {
	ob.mu.Lock()
}

// Unlock releases the write lock on the order book.
func (ob *OrderBook) Unlock() {
	ob.mu.Unlock()
}

// RLock acquires the read lock on the order book.
func (ob *OrderBook) RLock() {
	ob.mu.RLock()
}

// RUnlock releases the read lock on the order book.
func (ob *OrderBook) RUnlock() {
	ob.mu.RUnlock()
}

// Insert adds a resting order at its rank. It rejects orders for a
// different instrument or with non-positive remaining quantity.
// The caller must hold the book's write lock.
func (ob *OrderBook) Insert(o *domain.Order) error {
	if o.InstrumentID != ob.instrumentID {
		return &domain.ValidationError{Message: "order instrument does not match book"}
	}
	if !o.RemainingQuantity.IsPositive() {
		return &domain.ValidationError{Message: "resting quantity must be positive"}
	}

	entry := BookEntry{
		Price:     o.Price,
		CreatedAt: o.CreatedAt,
		Seq:       o.Seq,
		Order:     o,
	}
	if o.Side == domain.OrderSideBuy {
		ob.bids.ReplaceOrInsert(entry)
	} else {
		ob.asks.ReplaceOrInsert(entry)
	}
	ob.index[o.OrderID] = entry
	return nil
}

// Remove deletes an order from the book by order ID using the secondary
// index. Idempotent: removing an absent order is a no-op, not an error.
func (ob *OrderBook) Remove(orderID string) {
	entry, ok := ob.index[orderID]
	if !ok {
		return
	}
	delete(ob.index, orderID)
	// Try both sides; Delete is a no-op if the entry isn't found.
	ob.bids.Delete(entry)
	ob.asks.Delete(entry)
}

// BestBid returns the highest-priority bid (highest price, earliest time).
func (ob *OrderBook) BestBid() (BookEntry, bool) {
	return ob.bids.Min()
}

// BestAsk returns the highest-priority ask (lowest price, earliest time).
func (ob *OrderBook) BestAsk() (BookEntry, bool) {
	return ob.asks.Min()
}

// TopBids returns up to n aggregated price levels from the bid side,
// ordered by price descending.
func (ob *OrderBook) TopBids(n int) []PriceLevel {
	return topLevels(ob.bids, n)
}

// TopAsks returns up to n aggregated price levels from the ask side,
// ordered by price ascending.
func (ob *OrderBook) TopAsks(n int) []PriceLevel {
	return topLevels(ob.asks, n)
}

// topLevels iterates the B-tree in order and aggregates entries into
// at most n price levels.
func topLevels(tree *btree.BTreeG[BookEntry], n int) []PriceLevel {
	if n <= 0 {
		return nil
	}
	levels := make([]PriceLevel, 0, n)
	tree.Ascend(func(entry BookEntry) bool {
		if len(levels) > 0 && levels[len(levels)-1].Price.Equal(entry.Price) {
			levels[len(levels)-1].TotalQuantity = levels[len(levels)-1].TotalQuantity.Add(entry.Order.RemainingQuantity)
			levels[len(levels)-1].OrderCount++
			return true
		}
		if len(levels) >= n {
			return false
		}
		levels = append(levels, PriceLevel{
			Price:         entry.Price,
			TotalQuantity: entry.Order.RemainingQuantity,
			OrderCount:    1,
		})
		return true
	})
	return levels
}

// WalkAsks iterates asks in rank order (lowest price first). The callback
// returns true to continue, false to stop.
func (ob *OrderBook) WalkAsks(fn func(BookEntry) bool) {
	ob.asks.Ascend(fn)
}

// WalkBids iterates bids in rank order (highest price first). The callback
// returns true to continue, false to stop.
func (ob *OrderBook) WalkBids(fn func(BookEntry) bool) {
	ob.bids.Ascend(fn)
}

// BidCount returns the number of individual bid orders on the book.
func (ob *OrderBook) BidCount() int {
	return ob.bids.Len()
}

// AskCount returns the number of individual ask orders on the book.
func (ob *OrderBook) AskCount() int {
	return ob.asks.Len()
}

// BookManager is a thread-safe map of instrument_id → OrderBook. It also
// owns the global insertion-sequence counter stamped onto orders before
// they can rest, so tie-break order is assigned atomically.
type BookManager struct {
	mu      sync.RWMutex
	books   map[string]*OrderBook
	nextSeq atomic.Uint64
}

// NewBookManager creates a new BookManager.
func NewBookManager() *BookManager {
	return &BookManager{
		books: make(map[string]*OrderBook),
	}
}

// GetOrCreate returns the order book for the given instrument, creating
// one if it doesn't already exist.
func (bm *BookManager) GetOrCreate(instrumentID string) *OrderBook {
	bm.mu.RLock()
	book, ok := bm.books[instrumentID]
	bm.mu.RUnlock()
	if ok {
		return book
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()
	// Double-check after acquiring write lock.
	if book, ok = bm.books[instrumentID]; ok {
		return book
	}
	book = NewOrderBook(instrumentID)
	bm.books[instrumentID] = book
	return book
}

// NextSeq returns the next insertion sequence number.
func (bm *BookManager) NextSeq() uint64 {
	return bm.nextSeq.Add(1)
}

// EnsureSeq advances the sequence counter to at least seq. Used on journal
// replay so restored orders keep their original tie-break order.
func (bm *BookManager) EnsureSeq(seq uint64) {
	for {
		cur := bm.nextSeq.Load()
		if cur >= seq {
			return
		}
		if bm.nextSeq.CompareAndSwap(cur, seq) {
			return
		}
	}
}
