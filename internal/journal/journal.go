// Package journal provides durable persistence for instruments, accounts,
// orders, and trades on top of Pebble, plus replay: rebuilding all
// in-memory state, order books included, from the journal before
// the service accepts traffic. The book carries no information of its own;
// it is always reconstructible from the persisted orders.
package journal

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/gearshare/marketengine/internal/domain"
	"github.com/gearshare/marketengine/internal/ledger"
)

const (
	prefixInstrument = "instrument/"
	prefixAccount    = "account/"
	prefixOrder      = "order/"
	prefixTrade      = "trade/"
)

// Journal is a Pebble-backed record store. Records are JSON-encoded and
// overwritten in place on every state transition; trades, being immutable,
// are written exactly once under a per-instrument sequence key.
type Journal struct {
	db *pebble.DB
}

// Open opens (or creates) a journal at the given directory.
func Open(path string) (*Journal, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(64 << 20), // 64MB
		MemTableSize: 32 << 20,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal at %s: %w", path, err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) set(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := j.db.Set([]byte(key), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// SaveInstrument persists an instrument record.
func (j *Journal) SaveInstrument(in *domain.Instrument) error {
	return j.set(prefixInstrument+in.InstrumentID, in)
}

// SaveAccount persists an account snapshot.
func (j *Journal) SaveAccount(acc *ledger.Account) error {
	return j.set(prefixAccount+acc.UserID, acc)
}

// SaveOrder persists an order's current state. The order's trade list is
// not embedded; trades are journaled separately and re-attached on replay.
func (j *Journal) SaveOrder(o *domain.Order) error {
	stripped := *o
	stripped.Trades = nil
	return j.set(prefixOrder+o.OrderID, &stripped)
}

// SaveTrade persists an immutable trade under its per-instrument sequence,
// so replay recovers trades in execution order.
func (j *Journal) SaveTrade(t *domain.Trade) error {
	key := fmt.Sprintf("%s%s/%020d", prefixTrade, t.InstrumentID, t.Seq)
	return j.set(key, t)
}

// each iterates every record under a prefix.
func (j *Journal) each(prefix string, fn func(value []byte) error) error {
	upper := prefix[:len(prefix)-1] + string(prefix[len(prefix)-1]+1)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(upper),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		v, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return iter.Error()
}
