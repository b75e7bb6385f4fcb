package database

import (
	"testing"
	"time"
)

func TestOrderStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to string
		allowed  bool
	}{
		{OrderPending, OrderPartiallyFilled, true},
		{OrderPending, OrderFilled, true},
		{OrderPending, OrderCancelled, true},
		{OrderPending, OrderRejected, true},
		{OrderPartiallyFilled, OrderPartiallyFilled, true},
		{OrderPartiallyFilled, OrderFilled, true},
		{OrderPartiallyFilled, OrderCancelled, true},
		{OrderFilled, OrderPending, false},
		{OrderFilled, OrderPartiallyFilled, false},
		{OrderCancelled, OrderFilled, false},
		{OrderRejected, OrderPending, false},
		{OrderPartiallyFilled, OrderRejected, false},
	}

	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.allowed {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestNewPositionFromEntry(t *testing.T) {
	filledAt := time.Date(2026, 8, 26, 10, 15, 0, 0, time.UTC)
	o := &Order{
		Symbol:     "005930",
		Side:       SideBuy,
		QuantScore: 78,
		AIScore:    84,
		FinalScore: 81,
		EntryTraps: "fx_shock,sell_wall",
	}
	f := Fill{BrokerOrderID: "ORD0001", Qty: 20, Price: 71_000, Side: SideBuy, FilledAt: filledAt}

	p := newPositionFromEntry(o, f)

	if p.Symbol != "005930" || p.Quantity != 20 || p.AvgCost != 71_000 {
		t.Errorf("position = %+v, want 20 x 71000 of 005930", p)
	}
	if !p.FirstEntryAt.Equal(filledAt) || p.MaxPrice != 71_000 {
		t.Errorf("entry time/max = %v/%d, want fill time and fill price", p.FirstEntryAt, p.MaxPrice)
	}
	// The order's entry-time context must survive onto the position so
	// the exit feedback can grade the entry decision.
	if p.EntryQuantScore != 78 || p.EntryAIScore != 84 || p.EntryFinalScore != 81 {
		t.Errorf("entry scores = %d/%d/%d, want 78/84/81",
			p.EntryQuantScore, p.EntryAIScore, p.EntryFinalScore)
	}
	if p.EntryTraps != "fx_shock,sell_wall" {
		t.Errorf("entry traps = %q, want fx_shock,sell_wall", p.EntryTraps)
	}
}

func TestWeightedAvgCost(t *testing.T) {
	tests := []struct {
		name                       string
		heldQty, heldCost          int64
		addQty, addPrice, expected int64
	}{
		{"equal lots", 10, 10000, 10, 12000, 11000},
		{"small add", 90, 10000, 10, 20000, 11000},
		{"first lot dominates", 100, 50000, 1, 60000, 50099},
		{"zero held", 0, 0, 5, 7000, 7000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := weightedAvgCost(tt.heldQty, tt.heldCost, tt.addQty, tt.addPrice)
			if got != tt.expected {
				t.Errorf("weightedAvgCost = %d, want %d", got, tt.expected)
			}
		})
	}
}
