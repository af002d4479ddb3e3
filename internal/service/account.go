package service

import (
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gearshare/marketengine/internal/domain"
	"github.com/gearshare/marketengine/internal/journal"
	"github.com/gearshare/marketengine/internal/ledger"
	"github.com/gearshare/marketengine/internal/store"
)

// CreateAccountRequest represents the input for account registration.
type CreateAccountRequest struct {
	UserID           string
	InitialCash      string
	InitialPositions []PositionInput
}

// PositionInput represents a single initial share position.
type PositionInput struct {
	InstrumentID string
	Quantity     string
}

// PositionBalance represents one instrument position in a balance response.
type PositionBalance struct {
	InstrumentID    string
	Shares          decimal.Decimal
	ReservedShares  decimal.Decimal
	AvailableShares decimal.Decimal
}

// BalanceResponse represents the response for the account balance endpoint.
type BalanceResponse struct {
	UserID        string
	Cash          decimal.Decimal
	ReservedCash  decimal.Decimal
	AvailableCash decimal.Decimal
	Positions     []PositionBalance
}

// AccountService handles account registration and balance queries.
type AccountService struct {
	ledger      *ledger.Ledger
	instruments *store.InstrumentStore
	journal     *journal.Journal // nil when running memory-only
	logger      *zap.Logger
}

// NewAccountService creates a new AccountService. journal may be nil.
func NewAccountService(led *ledger.Ledger, instruments *store.InstrumentStore, jnl *journal.Journal, logger *zap.Logger) *AccountService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountService{
		ledger:      led,
		instruments: instruments,
		journal:     jnl,
		logger:      logger,
	}
}

// CreateAccount registers a user with initial cash and share positions.
// Every referenced instrument must already exist.
func (s *AccountService) CreateAccount(req CreateAccountRequest) (*ledger.Account, error) {
	if !userIDRegex.MatchString(req.UserID) {
		return nil, &domain.ValidationError{Message: "user_id must match ^[a-zA-Z0-9_-]{1,64}$"}
	}

	cash := decimal.Zero
	if req.InitialCash != "" {
		parsed, err := decimal.NewFromString(req.InitialCash)
		if err != nil || parsed.IsNegative() {
			return nil, &domain.ValidationError{Message: "initial_cash must be a non-negative decimal"}
		}
		if !parsed.Equal(parsed.Truncate(domain.PriceScale)) {
			return nil, &domain.ValidationError{Message: "initial_cash must have at most 4 decimal places"}
		}
		cash = parsed
	}

	positions := make(map[string]decimal.Decimal, len(req.InitialPositions))
	for _, p := range req.InitialPositions {
		if !s.instruments.Exists(p.InstrumentID) {
			return nil, domain.ErrInstrumentNotFound
		}
		qty, err := domain.ParseQuantity(p.Quantity)
		if err != nil {
			return nil, err
		}
		positions[p.InstrumentID] = qty
	}

	acc, err := s.ledger.CreateAccount(req.UserID, cash, positions)
	if err != nil {
		return nil, err
	}

	if s.journal != nil {
		snapshot, snapErr := s.ledger.Snapshot(req.UserID)
		if snapErr == nil {
			if err := s.journal.SaveAccount(snapshot); err != nil {
				s.logger.Error("journal account write failed", zap.String("user_id", req.UserID), zap.Error(err))
			}
		}
	}
	return acc, nil
}

// GetBalance returns the user's cash and per-instrument share balances.
func (s *AccountService) GetBalance(userID string) (*BalanceResponse, error) {
	acc, err := s.ledger.Snapshot(userID)
	if err != nil {
		return nil, err
	}

	resp := &BalanceResponse{
		UserID:        acc.UserID,
		Cash:          acc.Cash,
		ReservedCash:  acc.ReservedCash,
		AvailableCash: acc.Cash.Sub(acc.ReservedCash),
		Positions:     make([]PositionBalance, 0, len(acc.Positions)),
	}
	for instrumentID, p := range acc.Positions {
		resp.Positions = append(resp.Positions, PositionBalance{
			InstrumentID:    instrumentID,
			Shares:          p.Shares,
			ReservedShares:  p.ReservedShares,
			AvailableShares: p.Shares.Sub(p.ReservedShares),
		})
	}
	sort.Slice(resp.Positions, func(i, j int) bool {
		return resp.Positions[i].InstrumentID < resp.Positions[j].InstrumentID
	})
	return resp, nil
}
