package service

import (
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gearshare/marketengine/internal/domain"
	"github.com/gearshare/marketengine/internal/engine"
	"github.com/gearshare/marketengine/internal/journal"
	"github.com/gearshare/marketengine/internal/store"
)

var symbolRegex = regexp.MustCompile(`^[A-Z]{1,10}$`)

// CreateInstrumentRequest represents the input for offering creation.
type CreateInstrumentRequest struct {
	Symbol      string
	Name        string
	TotalShares string
}

// BookLevel represents an aggregated price level in the book response.
type BookLevel struct {
	Price         decimal.Decimal
	TotalQuantity decimal.Decimal
	OrderCount    int
}

// BookResponse represents a depth snapshot of one instrument's book.
type BookResponse struct {
	InstrumentID string
	Bids         []BookLevel
	Asks         []BookLevel
	BestBid      *decimal.Decimal // nil when the side is empty
	BestAsk      *decimal.Decimal
	Spread       *decimal.Decimal // nil if either side empty
	SnapshotAt   time.Time
}

// PriceResponse represents the reference price for an instrument: VWAP
// over the configured window, falling back to the last trade price.
type PriceResponse struct {
	InstrumentID   string
	LastPrice      *decimal.Decimal // nil when no trades ever
	VWAP           *decimal.Decimal // nil when no trades in window and none ever
	Window         time.Duration
	TradesInWindow int
	LastTradeAt    *time.Time
}

// MarketService handles the instrument registry plus read-side market
// data: book snapshots, impact estimates, trade history, reference price.
type MarketService struct {
	instruments *store.InstrumentStore
	tradeStore  *store.TradeStore
	books       *engine.BookManager
	matcher     *engine.Matcher
	journal     *journal.Journal // nil when running memory-only
	vwapWindow  time.Duration
	logger      *zap.Logger
}

// NewMarketService creates a new MarketService. journal may be nil.
func NewMarketService(
	instruments *store.InstrumentStore,
	tradeStore *store.TradeStore,
	books *engine.BookManager,
	matcher *engine.Matcher,
	jnl *journal.Journal,
	vwapWindow time.Duration,
	logger *zap.Logger,
) *MarketService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MarketService{
		instruments: instruments,
		tradeStore:  tradeStore,
		books:       books,
		matcher:     matcher,
		journal:     jnl,
		vwapWindow:  vwapWindow,
		logger:      logger,
	}
}

// CreateInstrument registers a new offering. Total shares outstanding are
// fixed at creation; only settlement advances the last price afterwards.
func (s *MarketService) CreateInstrument(req CreateInstrumentRequest) (*domain.Instrument, error) {
	if !symbolRegex.MatchString(req.Symbol) {
		return nil, &domain.ValidationError{Message: "symbol must match ^[A-Z]{1,10}$"}
	}
	if req.Name == "" {
		return nil, &domain.ValidationError{Message: "name is required"}
	}
	totalShares, err := domain.ParseQuantity(req.TotalShares)
	if err != nil {
		return nil, &domain.ValidationError{Message: "total_shares must be a positive decimal with at most 8 decimal places"}
	}

	in := &domain.Instrument{
		InstrumentID: uuid.New().String(),
		Symbol:       req.Symbol,
		Name:         req.Name,
		TotalShares:  totalShares,
		LastPrice:    decimal.Zero,
		CreatedAt:    time.Now(),
	}
	if err := s.instruments.Create(in); err != nil {
		return nil, err
	}

	if s.journal != nil {
		if err := s.journal.SaveInstrument(in); err != nil {
			s.logger.Error("journal instrument write failed", zap.String("instrument_id", in.InstrumentID), zap.Error(err))
		}
	}
	return in, nil
}

// GetInstrument retrieves an instrument by ID.
func (s *MarketService) GetInstrument(id string) (*domain.Instrument, error) {
	return s.instruments.Get(id)
}

// ListInstruments returns all instruments ordered by symbol.
func (s *MarketService) ListInstruments() []*domain.Instrument {
	return s.instruments.List()
}

// GetBook returns the top N price levels of the order book for an
// instrument, with best bid/ask and spread. The snapshot is taken under
// the book's read lock so concurrent matching cannot tear it.
func (s *MarketService) GetBook(instrumentID string, depth int) (*BookResponse, error) {
	if !s.instruments.Exists(instrumentID) {
		return nil, domain.ErrInstrumentNotFound
	}
	if depth < 1 || depth > 50 {
		return nil, &domain.ValidationError{Message: "depth must be between 1 and 50"}
	}

	book := s.books.GetOrCreate(instrumentID)

	book.RLock()
	defer book.RUnlock()

	topBids := book.TopBids(depth)
	topAsks := book.TopAsks(depth)

	bids := make([]BookLevel, len(topBids))
	for i, pl := range topBids {
		bids[i] = BookLevel{Price: pl.Price, TotalQuantity: pl.TotalQuantity, OrderCount: pl.OrderCount}
	}
	asks := make([]BookLevel, len(topAsks))
	for i, pl := range topAsks {
		asks[i] = BookLevel{Price: pl.Price, TotalQuantity: pl.TotalQuantity, OrderCount: pl.OrderCount}
	}

	resp := &BookResponse{
		InstrumentID: instrumentID,
		Bids:         bids,
		Asks:         asks,
		SnapshotAt:   time.Now(),
	}
	if len(topBids) > 0 {
		resp.BestBid = &topBids[0].Price
	}
	if len(topAsks) > 0 {
		resp.BestAsk = &topAsks[0].Price
	}
	if resp.BestBid != nil && resp.BestAsk != nil {
		spread := resp.BestAsk.Sub(*resp.BestBid)
		resp.Spread = &spread
	}
	return resp, nil
}

// EstimateImpact projects the outcome of a hypothetical order against the
// current book without placing it. A nil price means a market order.
func (s *MarketService) EstimateImpact(instrumentID string, side domain.OrderSide, quantityStr string, priceStr *string) (*engine.ImpactEstimate, error) {
	if side != domain.OrderSideBuy && side != domain.OrderSideSell {
		return nil, &domain.ValidationError{Message: "side must be 'buy' or 'sell'"}
	}
	quantity, err := domain.ParseQuantity(quantityStr)
	if err != nil {
		return nil, err
	}
	var limitPrice *decimal.Decimal
	if priceStr != nil {
		price, err := domain.ParsePrice(*priceStr)
		if err != nil {
			return nil, err
		}
		limitPrice = &price
	}
	return s.matcher.EstimateImpact(instrumentID, side, quantity, limitPrice)
}

// GetTrades returns the append-only trade history for an instrument,
// optionally restricted to executions at or after since.
func (s *MarketService) GetTrades(instrumentID string, since *time.Time) ([]*domain.Trade, error) {
	if !s.instruments.Exists(instrumentID) {
		return nil, domain.ErrInstrumentNotFound
	}
	return s.tradeStore.ListByInstrument(instrumentID, since), nil
}

// GetPrice returns the instrument's reference price: VWAP over the
// configured window, falling back to the last trade's price when the
// window is empty. Both are nil if the instrument has never traded.
func (s *MarketService) GetPrice(instrumentID string) (*PriceResponse, error) {
	in, err := s.instruments.Get(instrumentID)
	if err != nil {
		return nil, err
	}

	trades := s.tradeStore.ListByInstrument(instrumentID, nil)
	resp := &PriceResponse{
		InstrumentID: instrumentID,
		Window:       s.vwapWindow,
	}
	if len(trades) == 0 {
		return resp, nil
	}

	last := trades[len(trades)-1]
	resp.LastTradeAt = &last.ExecutedAt
	lastPrice := in.LastPrice
	resp.LastPrice = &lastPrice

	windowStart := time.Now().Add(-s.vwapWindow)
	sumPriceQty := decimal.Zero
	sumQty := decimal.Zero
	for i := len(trades) - 1; i >= 0; i-- {
		t := trades[i]
		if t.ExecutedAt.Before(windowStart) {
			break
		}
		sumPriceQty = sumPriceQty.Add(t.Price.Mul(t.Quantity))
		sumQty = sumQty.Add(t.Quantity)
		resp.TradesInWindow++
	}

	if sumQty.IsPositive() {
		vwap := sumPriceQty.Div(sumQty)
		resp.VWAP = &vwap
	} else {
		resp.VWAP = &lastPrice
	}
	return resp, nil
}
