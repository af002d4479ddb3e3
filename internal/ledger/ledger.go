package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gearshare/marketengine/internal/domain"
)

// Ledger is the settlement authority: the only component allowed to change
// a user's cash or share balances. Each trade is applied as a single atomic
// transfer; both balances must remain non-negative after every step.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{
		accounts: make(map[string]*Account),
	}
}

// CreateAccount registers a user with initial cash and share positions.
// It returns domain.ErrAccountAlreadyExists if the user is already known.
func (l *Ledger) CreateAccount(userID string, cash decimal.Decimal, positions map[string]decimal.Decimal) (*Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.accounts[userID]; exists {
		return nil, domain.ErrAccountAlreadyExists
	}

	acc := &Account{
		UserID:    userID,
		Cash:      cash,
		Positions: make(map[string]*Position, len(positions)),
		CreatedAt: time.Now(),
	}
	for instrumentID, qty := range positions {
		acc.Positions[instrumentID] = &Position{Shares: qty}
	}
	l.accounts[userID] = acc
	return acc, nil
}

// Restore re-inserts an account snapshot during journal replay, replacing
// any existing entry.
func (l *Ledger) Restore(acc *Account) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if acc.Positions == nil {
		acc.Positions = make(map[string]*Position)
	}
	l.accounts[acc.UserID] = acc
}

// Exists returns true if an account with the given user ID exists.
func (l *Ledger) Exists(userID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, ok := l.accounts[userID]
	return ok
}

func (l *Ledger) get(userID string) (*Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	acc, ok := l.accounts[userID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return acc, nil
}

// Snapshot returns a deep copy of the account's current state.
func (l *Ledger) Snapshot(userID string) (*Account, error) {
	acc, err := l.get(userID)
	if err != nil {
		return nil, err
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.snapshot(), nil
}

// AvailableCash returns the account's unreserved cash.
func (l *Ledger) AvailableCash(userID string) (decimal.Decimal, error) {
	acc, err := l.get(userID)
	if err != nil {
		return decimal.Zero, err
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.AvailableCash(), nil
}

// ReserveCash locks amount of the user's cash against an open buy order.
// It returns domain.ErrInsufficientFunds if available cash is short.
func (l *Ledger) ReserveCash(userID string, amount decimal.Decimal) error {
	acc, err := l.get(userID)
	if err != nil {
		return err
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()

	if acc.AvailableCash().LessThan(amount) {
		return domain.ErrInsufficientFunds
	}
	acc.ReservedCash = acc.ReservedCash.Add(amount)
	return nil
}

// ReleaseCash frees a cash reservation (cancel, expiry, or the unfilled
// remainder of a market order).
func (l *Ledger) ReleaseCash(userID string, amount decimal.Decimal) {
	acc, err := l.get(userID)
	if err != nil {
		return
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()

	acc.ReservedCash = acc.ReservedCash.Sub(amount)
}

// ReserveShares locks quantity of the user's shares against an open sell
// order. It returns domain.ErrInsufficientShares if the unreserved position
// is short.
func (l *Ledger) ReserveShares(userID, instrumentID string, quantity decimal.Decimal) error {
	acc, err := l.get(userID)
	if err != nil {
		return err
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()

	p, ok := acc.Positions[instrumentID]
	if !ok || p.Available().LessThan(quantity) {
		return domain.ErrInsufficientShares
	}
	p.ReservedShares = p.ReservedShares.Add(quantity)
	return nil
}

// ReleaseShares frees a share reservation.
func (l *Ledger) ReleaseShares(userID, instrumentID string, quantity decimal.Decimal) {
	acc, err := l.get(userID)
	if err != nil {
		return
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()

	if p, ok := acc.Positions[instrumentID]; ok {
		p.ReservedShares = p.ReservedShares.Sub(quantity)
	}
}

// ApplyTrade settles one trade atomically: buyer cash decreases by
// price × quantity and shares increase by quantity; the seller mirrors it.
// buyerReservedRelease is the cash reservation consumed by this fill:
// limit price × quantity for limit buys, execution price × quantity for
// market buys, which reserve the sweep cost at admission.
//
// Both account locks are acquired in user-id order to avoid deadlock. If
// either side's balance would go negative the trade is not applied at all
// and an InvariantViolationError is returned: admission-time reservations
// make that unreachable in correct operation.
func (l *Ledger) ApplyTrade(t *domain.Trade, buyerID, sellerID string, buyerReservedRelease decimal.Decimal) error {
	buyer, err := l.get(buyerID)
	if err != nil {
		return &domain.InvariantViolationError{Op: "apply_trade", Detail: fmt.Sprintf("buyer %s missing", buyerID)}
	}
	seller, err := l.get(sellerID)
	if err != nil {
		return &domain.InvariantViolationError{Op: "apply_trade", Detail: fmt.Sprintf("seller %s missing", sellerID)}
	}

	first, second := buyer, seller
	if sellerID < buyerID {
		first, second = seller, buyer
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	if first != second {
		second.mu.Lock()
		defer second.mu.Unlock()
	}

	cost := t.Notional()

	// Pre-check both sides before touching anything: all-or-nothing.
	if buyer.Cash.LessThan(cost) {
		return &domain.InvariantViolationError{
			Op:     "apply_trade",
			Detail: fmt.Sprintf("buyer %s cash %s < cost %s", buyerID, buyer.Cash, cost),
		}
	}
	sellerPos, ok := seller.Positions[t.InstrumentID]
	if !ok || sellerPos.Shares.LessThan(t.Quantity) {
		return &domain.InvariantViolationError{
			Op:     "apply_trade",
			Detail: fmt.Sprintf("seller %s holds fewer than %s shares of %s", sellerID, t.Quantity, t.InstrumentID),
		}
	}

	buyer.Cash = buyer.Cash.Sub(cost)
	buyer.ReservedCash = buyer.ReservedCash.Sub(buyerReservedRelease)
	buyer.position(t.InstrumentID).Shares = buyer.position(t.InstrumentID).Shares.Add(t.Quantity)

	sellerPos.Shares = sellerPos.Shares.Sub(t.Quantity)
	sellerPos.ReservedShares = sellerPos.ReservedShares.Sub(t.Quantity)
	seller.Cash = seller.Cash.Add(cost)

	return nil
}

// ShareSum returns the total share quantity held across all accounts for
// one instrument. For a closed system this is constant and equal to the
// instrument's shares outstanding.
func (l *Ledger) ShareSum(instrumentID string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sum := decimal.Zero
	for _, acc := range l.accounts {
		acc.mu.Lock()
		if p, ok := acc.Positions[instrumentID]; ok {
			sum = sum.Add(p.Shares)
		}
		acc.mu.Unlock()
	}
	return sum
}

// CashSum returns total cash across all accounts. Constant under trading:
// every trade moves cash between parties, never creates or destroys it.
func (l *Ledger) CashSum() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sum := decimal.Zero
	for _, acc := range l.accounts {
		acc.mu.Lock()
		sum = sum.Add(acc.Cash)
		acc.mu.Unlock()
	}
	return sum
}

// Accounts returns a snapshot of every account, ordered by user ID at the
// caller's discretion. Used by the journal.
func (l *Ledger) Accounts() []*Account {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Account, 0, len(l.accounts))
	for _, acc := range l.accounts {
		acc.mu.Lock()
		out = append(out, acc.snapshot())
		acc.mu.Unlock()
	}
	return out
}
