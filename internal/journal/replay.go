package journal

import (
	"encoding/json"
	"fmt"

	"github.com/gearshare/marketengine/internal/domain"
	"github.com/gearshare/marketengine/internal/engine"
	"github.com/gearshare/marketengine/internal/ledger"
	"github.com/gearshare/marketengine/internal/store"
)

// Replay rebuilds all in-memory state from the journal. It must run before
// the engine accepts traffic: instruments and accounts are restored first,
// then orders, then trades (re-attached to their orders in execution
// order), and finally every open order is re-inserted into a freshly built
// book at its original timestamp and sequence rank.
func Replay(
	j *Journal,
	instruments *store.InstrumentStore,
	led *ledger.Ledger,
	orders *store.OrderStore,
	trades *store.TradeStore,
	books *engine.BookManager,
) error {
	err := j.each(prefixInstrument, func(v []byte) error {
		var in domain.Instrument
		if err := json.Unmarshal(v, &in); err != nil {
			return fmt.Errorf("corrupt instrument record: %w", err)
		}
		return instruments.Create(&in)
	})
	if err != nil {
		return err
	}

	err = j.each(prefixAccount, func(v []byte) error {
		var acc ledger.Account
		if err := json.Unmarshal(v, &acc); err != nil {
			return fmt.Errorf("corrupt account record: %w", err)
		}
		led.Restore(&acc)
		return nil
	})
	if err != nil {
		return err
	}

	var maxSeq uint64
	err = j.each(prefixOrder, func(v []byte) error {
		var o domain.Order
		if err := json.Unmarshal(v, &o); err != nil {
			return fmt.Errorf("corrupt order record: %w", err)
		}
		if o.Seq > maxSeq {
			maxSeq = o.Seq
		}
		orders.Create(&o)
		return nil
	})
	if err != nil {
		return err
	}

	err = j.each(prefixTrade, func(v []byte) error {
		var t domain.Trade
		if err := json.Unmarshal(v, &t); err != nil {
			return fmt.Errorf("corrupt trade record: %w", err)
		}
		trades.Restore(&t)
		if o, err := orders.Get(t.BuyOrderID); err == nil {
			o.Trades = append(o.Trades, &t)
		}
		if o, err := orders.Get(t.SellOrderID); err == nil {
			o.Trades = append(o.Trades, &t)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Rebuild the books from resting orders alone.
	books.EnsureSeq(maxSeq)
	for _, o := range orders.Open() {
		book := books.GetOrCreate(o.InstrumentID)
		if err := insertResting(book, o); err != nil {
			return err
		}
	}
	return nil
}

func insertResting(book *engine.OrderBook, o *domain.Order) error {
	book.Lock()
	defer book.Unlock()
	return book.Insert(o)
}
