package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/gearshare/marketengine/internal/domain"
	"github.com/gearshare/marketengine/internal/service"
)

// MarketHandler handles HTTP requests for instrument and market-data
// endpoints.
type MarketHandler struct {
	marketSvc *service.MarketService
}

// NewMarketHandler creates a new MarketHandler.
func NewMarketHandler(marketSvc *service.MarketService) *MarketHandler {
	return &MarketHandler{marketSvc: marketSvc}
}

// createInstrumentRequest is the JSON request body for POST /instruments.
type createInstrumentRequest struct {
	Symbol      string `json:"symbol"`
	Name        string `json:"name"`
	TotalShares string `json:"total_shares"`
}

// instrumentResponse is the JSON shape of an instrument.
type instrumentResponse struct {
	InstrumentID string           `json:"instrument_id"`
	Symbol       string           `json:"symbol"`
	Name         string           `json:"name"`
	TotalShares  decimal.Decimal  `json:"total_shares"`
	LastPrice    *decimal.Decimal `json:"last_price"` // null until the first trade
	Version      uint64           `json:"version"`
	CreatedAt    string           `json:"created_at"`
}

func buildInstrumentResponse(in *domain.Instrument) instrumentResponse {
	resp := instrumentResponse{
		InstrumentID: in.InstrumentID,
		Symbol:       in.Symbol,
		Name:         in.Name,
		TotalShares:  in.TotalShares,
		Version:      in.Version,
		CreatedAt:    in.CreatedAt.Format(time.RFC3339Nano),
	}
	if in.LastPrice.IsPositive() {
		price := in.LastPrice
		resp.LastPrice = &price
	}
	return resp
}

// CreateInstrument handles POST /instruments.
func (h *MarketHandler) CreateInstrument(w http.ResponseWriter, r *http.Request) {
	var req createInstrumentRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	in, err := h.marketSvc.CreateInstrument(service.CreateInstrumentRequest{
		Symbol:      req.Symbol,
		Name:        req.Name,
		TotalShares: req.TotalShares,
	})
	if err != nil {
		MapDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, buildInstrumentResponse(in))
}

// GetInstrument handles GET /instruments/{instrument_id}.
func (h *MarketHandler) GetInstrument(w http.ResponseWriter, r *http.Request) {
	in, err := h.marketSvc.GetInstrument(chi.URLParam(r, "instrument_id"))
	if err != nil {
		MapDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildInstrumentResponse(in))
}

// ListInstruments handles GET /instruments.
func (h *MarketHandler) ListInstruments(w http.ResponseWriter, r *http.Request) {
	instruments := h.marketSvc.ListInstruments()
	out := make([]instrumentResponse, len(instruments))
	for i, in := range instruments {
		out[i] = buildInstrumentResponse(in)
	}
	WriteJSON(w, http.StatusOK, map[string]any{"instruments": out})
}

// bookLevelResponse is a single aggregated level in the book response.
type bookLevelResponse struct {
	Price         decimal.Decimal `json:"price"`
	TotalQuantity decimal.Decimal `json:"total_quantity"`
	OrderCount    int             `json:"order_count"`
}

// bookResponse is the JSON response for GET /instruments/{id}/book.
type bookResponse struct {
	InstrumentID string              `json:"instrument_id"`
	Bids         []bookLevelResponse `json:"bids"`
	Asks         []bookLevelResponse `json:"asks"`
	BestBid      *decimal.Decimal    `json:"best_bid"`
	BestAsk      *decimal.Decimal    `json:"best_ask"`
	Spread       *decimal.Decimal    `json:"spread"`
	SnapshotAt   string              `json:"snapshot_at"`
}

// GetBook handles GET /instruments/{instrument_id}/book?depth=N.
func (h *MarketHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	depth := 10
	if v := r.URL.Query().Get("depth"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "depth must be an integer")
			return
		}
		depth = parsed
	}

	book, err := h.marketSvc.GetBook(chi.URLParam(r, "instrument_id"), depth)
	if err != nil {
		MapDomainError(w, err)
		return
	}

	resp := bookResponse{
		InstrumentID: book.InstrumentID,
		Bids:         make([]bookLevelResponse, len(book.Bids)),
		Asks:         make([]bookLevelResponse, len(book.Asks)),
		BestBid:      book.BestBid,
		BestAsk:      book.BestAsk,
		Spread:       book.Spread,
		SnapshotAt:   book.SnapshotAt.Format(time.RFC3339Nano),
	}
	for i, l := range book.Bids {
		resp.Bids[i] = bookLevelResponse{Price: l.Price, TotalQuantity: l.TotalQuantity, OrderCount: l.OrderCount}
	}
	for i, l := range book.Asks {
		resp.Asks[i] = bookLevelResponse{Price: l.Price, TotalQuantity: l.TotalQuantity, OrderCount: l.OrderCount}
	}
	WriteJSON(w, http.StatusOK, resp)
}

// impactResponse is the JSON response for GET /instruments/{id}/impact.
type impactResponse struct {
	InstrumentID      string           `json:"instrument_id"`
	Side              string           `json:"side"`
	QuantityRequested decimal.Decimal  `json:"quantity_requested"`
	QuantityFillable  decimal.Decimal  `json:"quantity_fillable"`
	FullyFillable     bool             `json:"fully_fillable"`
	ProjectedAvgPrice *decimal.Decimal `json:"projected_avg_price"`
	EstimatedTotal    *decimal.Decimal `json:"estimated_total"`
	PriceChangePct    *decimal.Decimal `json:"price_change_pct"`
	LevelsConsumed    int              `json:"levels_consumed"`
}

// GetImpact handles GET /instruments/{instrument_id}/impact?side=&quantity=&price=.
// price omitted estimates a market order.
func (h *MarketHandler) GetImpact(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var price *string
	if v := q.Get("price"); v != "" {
		price = &v
	}

	est, err := h.marketSvc.EstimateImpact(
		chi.URLParam(r, "instrument_id"),
		domain.OrderSide(q.Get("side")),
		q.Get("quantity"),
		price,
	)
	if err != nil {
		MapDomainError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, impactResponse{
		InstrumentID:      est.InstrumentID,
		Side:              string(est.Side),
		QuantityRequested: est.QuantityRequested,
		QuantityFillable:  est.QuantityFillable,
		FullyFillable:     est.FullyFillable,
		ProjectedAvgPrice: est.ProjectedAvgPrice,
		EstimatedTotal:    est.EstimatedTotal,
		PriceChangePct:    est.PriceChangePct,
		LevelsConsumed:    est.LevelsConsumed,
	})
}

// GetTrades handles GET /instruments/{instrument_id}/trades?since=RFC3339.
func (h *MarketHandler) GetTrades(w http.ResponseWriter, r *http.Request) {
	var since *time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "since must be a valid RFC 3339 timestamp")
			return
		}
		since = &t
	}

	trades, err := h.marketSvc.GetTrades(chi.URLParam(r, "instrument_id"), since)
	if err != nil {
		MapDomainError(w, err)
		return
	}

	out := make([]tradeResponse, len(trades))
	for i, t := range trades {
		out[i] = buildTradeResponse(t)
	}
	WriteJSON(w, http.StatusOK, map[string]any{"trades": out})
}

// priceResponse is the JSON response for GET /instruments/{id}/price.
type priceResponse struct {
	InstrumentID   string           `json:"instrument_id"`
	LastPrice      *decimal.Decimal `json:"last_price"`
	VWAP           *decimal.Decimal `json:"vwap"`
	Window         string           `json:"window"`
	TradesInWindow int              `json:"trades_in_window"`
	LastTradeAt    *string          `json:"last_trade_at"`
}

// GetPrice handles GET /instruments/{instrument_id}/price.
func (h *MarketHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	price, err := h.marketSvc.GetPrice(chi.URLParam(r, "instrument_id"))
	if err != nil {
		MapDomainError(w, err)
		return
	}

	resp := priceResponse{
		InstrumentID:   price.InstrumentID,
		LastPrice:      price.LastPrice,
		VWAP:           price.VWAP,
		Window:         price.Window.String(),
		TradesInWindow: price.TradesInWindow,
	}
	if price.LastTradeAt != nil {
		s := price.LastTradeAt.Format(time.RFC3339Nano)
		resp.LastTradeAt = &s
	}
	WriteJSON(w, http.StatusOK, resp)
}
