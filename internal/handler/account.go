package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/gearshare/marketengine/internal/domain"
	"github.com/gearshare/marketengine/internal/service"
)

// AccountHandler handles HTTP requests for account endpoints.
type AccountHandler struct {
	accountSvc *service.AccountService
	orderSvc   *service.OrderService
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(accountSvc *service.AccountService, orderSvc *service.OrderService) *AccountHandler {
	return &AccountHandler{accountSvc: accountSvc, orderSvc: orderSvc}
}

// createAccountRequest is the JSON request body for POST /accounts.
type createAccountRequest struct {
	UserID           string                 `json:"user_id"`
	InitialCash      string                 `json:"initial_cash"`
	InitialPositions []positionInputRequest `json:"initial_positions"`
}

type positionInputRequest struct {
	InstrumentID string `json:"instrument_id"`
	Quantity     string `json:"quantity"`
}

// CreateAccount handles POST /accounts.
func (h *AccountHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	positions := make([]service.PositionInput, len(req.InitialPositions))
	for i, p := range req.InitialPositions {
		positions[i] = service.PositionInput{InstrumentID: p.InstrumentID, Quantity: p.Quantity}
	}

	acc, err := h.accountSvc.CreateAccount(service.CreateAccountRequest{
		UserID:           req.UserID,
		InitialCash:      req.InitialCash,
		InitialPositions: positions,
	})
	if err != nil {
		MapDomainError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, map[string]string{"user_id": acc.UserID})
}

// positionBalanceResponse is one position in the balance response.
type positionBalanceResponse struct {
	InstrumentID    string          `json:"instrument_id"`
	Shares          decimal.Decimal `json:"shares"`
	ReservedShares  decimal.Decimal `json:"reserved_shares"`
	AvailableShares decimal.Decimal `json:"available_shares"`
}

// balanceResponse is the JSON response for the balance endpoint.
type balanceResponse struct {
	UserID        string                    `json:"user_id"`
	Cash          decimal.Decimal           `json:"cash"`
	ReservedCash  decimal.Decimal           `json:"reserved_cash"`
	AvailableCash decimal.Decimal           `json:"available_cash"`
	Positions     []positionBalanceResponse `json:"positions"`
}

// GetBalance handles GET /accounts/{user_id}/balance.
func (h *AccountHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.accountSvc.GetBalance(chi.URLParam(r, "user_id"))
	if err != nil {
		MapDomainError(w, err)
		return
	}

	resp := balanceResponse{
		UserID:        balance.UserID,
		Cash:          balance.Cash,
		ReservedCash:  balance.ReservedCash,
		AvailableCash: balance.AvailableCash,
		Positions:     make([]positionBalanceResponse, len(balance.Positions)),
	}
	for i, p := range balance.Positions {
		resp.Positions[i] = positionBalanceResponse{
			InstrumentID:    p.InstrumentID,
			Shares:          p.Shares,
			ReservedShares:  p.ReservedShares,
			AvailableShares: p.AvailableShares,
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

// ListOrders handles GET /accounts/{user_id}/orders?status=&page=&limit=.
func (h *AccountHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	q := r.URL.Query()

	var status *domain.OrderStatus
	if v := q.Get("status"); v != "" {
		s := domain.OrderStatus(v)
		status = &s
	}

	page := 1
	if v := q.Get("page"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "page must be an integer")
			return
		}
		page = parsed
	}
	limit := 20
	if v := q.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "limit must be an integer")
			return
		}
		limit = parsed
	}

	orders, total, err := h.orderSvc.ListOrders(userID, status, page, limit)
	if err != nil {
		MapDomainError(w, err)
		return
	}

	out := make([]orderResponse, len(orders))
	for i, o := range orders {
		out[i] = buildOrderResponse(o)
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"orders": out,
		"total":  total,
		"page":   page,
		"limit":  limit,
	})
}
