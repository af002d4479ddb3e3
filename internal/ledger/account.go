package ledger

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Position represents a user's share balance in a single instrument.
type Position struct {
	Shares         decimal.Decimal `json:"shares"`
	ReservedShares decimal.Decimal `json:"reserved_shares"`
}

// Available returns the unreserved share quantity.
func (p *Position) Available() decimal.Decimal {
	return p.Shares.Sub(p.ReservedShares)
}

// Account holds a user's cash balance and per-instrument positions.
// All mutation goes through the Ledger, which owns the locking discipline;
// nothing outside this package touches balances directly.
type Account struct {
	UserID       string               `json:"user_id"`
	Cash         decimal.Decimal      `json:"cash"`
	ReservedCash decimal.Decimal      `json:"reserved_cash"`
	Positions    map[string]*Position `json:"positions"`
	CreatedAt    time.Time            `json:"created_at"`

	mu sync.Mutex
}

// AvailableCash returns the unreserved cash balance.
// Caller must hold the account lock via the Ledger.
func (a *Account) AvailableCash() decimal.Decimal {
	return a.Cash.Sub(a.ReservedCash)
}

// position returns the account's position for an instrument, creating an
// empty one if absent. Caller must hold the account lock.
func (a *Account) position(instrumentID string) *Position {
	p, ok := a.Positions[instrumentID]
	if !ok {
		p = &Position{Shares: decimal.Zero, ReservedShares: decimal.Zero}
		a.Positions[instrumentID] = p
	}
	return p
}

// snapshot returns a deep copy safe to hand outside the package.
// Caller must hold the account lock.
func (a *Account) snapshot() *Account {
	cp := &Account{
		UserID:       a.UserID,
		Cash:         a.Cash,
		ReservedCash: a.ReservedCash,
		Positions:    make(map[string]*Position, len(a.Positions)),
		CreatedAt:    a.CreatedAt,
	}
	for id, p := range a.Positions {
		cp.Positions[id] = &Position{Shares: p.Shares, ReservedShares: p.ReservedShares}
	}
	return cp
}
