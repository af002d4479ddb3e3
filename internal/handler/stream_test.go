package handler

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gearshare/marketengine/internal/domain"
)

func registerClient(hub *TradeHub, instrumentID string, buffer int) *streamClient {
	c := &streamClient{
		instrumentID: instrumentID,
		send:         make(chan tradeResponse, buffer),
	}
	hub.mu.Lock()
	hub.clients[c] = struct{}{}
	hub.mu.Unlock()
	return c
}

func publishedTrade(id string) *domain.Trade {
	return &domain.Trade{
		TradeID:      id,
		InstrumentID: "inst-1",
		BuyOrderID:   "bid-1",
		SellOrderID:  "ask-1",
		Price:        decimal.NewFromInt(100),
		Quantity:     decimal.NewFromInt(1),
		ExecutedAt:   time.Now(),
	}
}

func TestTradeHub_DropsSlowSubscriber(t *testing.T) {
	hub := NewTradeHub(nil)
	slow := registerClient(hub, "inst-1", 1)
	healthy := registerClient(hub, "inst-1", 64)
	other := registerClient(hub, "inst-2", 64)

	// First publish fills the slow client's buffer; the second finds it
	// full and must drop the client instead of blocking.
	hub.PublishTrade(publishedTrade("t-1"))
	hub.PublishTrade(publishedTrade("t-2"))

	if n := hub.SubscriberCount(); n != 2 {
		t.Fatalf("SubscriberCount = %d, want 2 after dropping the slow client", n)
	}

	// The slow client keeps what it buffered, then sees its channel closed.
	msg, ok := <-slow.send
	if !ok || msg.TradeID != "t-1" {
		t.Errorf("slow client buffered message = %v (ok=%v), want t-1", msg, ok)
	}
	if _, ok := <-slow.send; ok {
		t.Error("slow client channel should be closed after drop")
	}

	// The healthy client on the same instrument received both trades.
	if len(healthy.send) != 2 {
		t.Errorf("healthy client has %d messages, want 2", len(healthy.send))
	}
	first := <-healthy.send
	second := <-healthy.send
	if first.TradeID != "t-1" || second.TradeID != "t-2" {
		t.Errorf("healthy client got %s, %s, want t-1, t-2", first.TradeID, second.TradeID)
	}

	// A subscriber on another instrument sees nothing.
	if len(other.send) != 0 {
		t.Errorf("other-instrument client has %d messages, want 0", len(other.send))
	}
}

func TestTradeHub_DropIsIdempotent(t *testing.T) {
	hub := NewTradeHub(nil)
	c := registerClient(hub, "inst-1", 1)

	hub.drop(c)
	hub.drop(c)

	if n := hub.SubscriberCount(); n != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", n)
	}
}
