package store

import (
	"sync"
	"time"

	"github.com/gearshare/marketengine/internal/domain"
)

// TradeStore is a thread-safe in-memory store for trades, keyed by
// instrument_id. Trades are append-only and chronological; Append assigns
// the per-instrument sequence number.
type TradeStore struct {
	mu     sync.RWMutex
	trades map[string][]*domain.Trade // instrument_id → trades (chronological)
}

// NewTradeStore creates an empty TradeStore.
func NewTradeStore() *TradeStore {
	return &TradeStore{
		trades: make(map[string][]*domain.Trade),
	}
}

// Append adds a trade to the instrument's chronological list and stamps
// its sequence number.
func (s *TradeStore) Append(t *domain.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.Seq = uint64(len(s.trades[t.InstrumentID]) + 1)
	s.trades[t.InstrumentID] = append(s.trades[t.InstrumentID], t)
}

// Restore re-inserts an already-sequenced trade during journal replay.
// Trades must arrive in sequence order.
func (s *TradeStore) Restore(t *domain.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades[t.InstrumentID] = append(s.trades[t.InstrumentID], t)
}

// ListByInstrument returns trades for an instrument in chronological order.
// If since is non-nil, only trades executed at or after it are included.
// Returns an empty slice if no trades match.
func (s *TradeStore) ListByInstrument(instrumentID string, since *time.Time) []*domain.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := s.trades[instrumentID]

	result := make([]*domain.Trade, 0, len(trades))
	for _, t := range trades {
		if since != nil && t.ExecutedAt.Before(*since) {
			continue
		}
		result = append(result, t)
	}
	return result
}
