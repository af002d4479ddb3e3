package store

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/gearshare/marketengine/internal/domain"
)

// InstrumentStore is the instrument registry: a thread-safe in-memory store
// keyed by instrument_id with a secondary index by symbol. Last-price
// advances go through AdvanceLastPrice so the version bump stays atomic.
type InstrumentStore struct {
	mu          sync.RWMutex
	instruments map[string]*domain.Instrument
	bySymbol    map[string]string // symbol → instrument_id
}

// NewInstrumentStore creates an empty InstrumentStore.
func NewInstrumentStore() *InstrumentStore {
	return &InstrumentStore{
		instruments: make(map[string]*domain.Instrument),
		bySymbol:    make(map[string]string),
	}
}

// Create adds an instrument to the registry. It returns
// domain.ErrInstrumentAlreadyExists if the ID or symbol is taken.
func (s *InstrumentStore) Create(in *domain.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instruments[in.InstrumentID]; exists {
		return domain.ErrInstrumentAlreadyExists
	}
	if _, exists := s.bySymbol[in.Symbol]; exists {
		return domain.ErrInstrumentAlreadyExists
	}
	s.instruments[in.InstrumentID] = in
	s.bySymbol[in.Symbol] = in.InstrumentID
	return nil
}

// Get retrieves an instrument by ID. It returns
// domain.ErrInstrumentNotFound if the instrument does not exist.
func (s *InstrumentStore) Get(id string) (*domain.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.instruments[id]
	if !ok {
		return nil, domain.ErrInstrumentNotFound
	}
	return in, nil
}

// Exists returns true if an instrument with the given ID exists.
func (s *InstrumentStore) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.instruments[id]
	return ok
}

// List returns all instruments ordered by symbol.
func (s *InstrumentStore) List() []*domain.Instrument {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Instrument, 0, len(s.instruments))
	for _, in := range s.instruments {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// AdvanceLastPrice sets the instrument's last trade price and bumps its
// version. Only settlement calls this, once per matching pass.
func (s *InstrumentStore) AdvanceLastPrice(id string, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.instruments[id]
	if !ok {
		return domain.ErrInstrumentNotFound
	}
	in.LastPrice = price
	in.Version++
	return nil
}
