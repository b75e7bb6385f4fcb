package portfolio

import (
	"context"
	"testing"
	"time"

	"krx-trader/database"
)

func position(avg, max int64, qty int64, stage int) database.Position {
	return database.Position{
		Symbol:           "005930",
		Name:             "Samsung",
		Quantity:         qty,
		AvgCost:          avg,
		MaxPrice:         max,
		PartialExitStage: stage,
		FirstEntryAt:     time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
	}
}

func TestEvaluateExit(t *testing.T) {
	tests := []struct {
		name     string
		p        database.Position
		price    int64
		max      int64
		want     string // "" means hold
		wantQty  int64
	}{
		{
			// avg 100,000, price 96,900 → −3.1%
			"stop loss", position(100_000, 100_000, 10, 0), 96_900, 100_000,
			ExitStopLoss, 10,
		},
		{
			"just above stop", position(100_000, 100_000, 10, 0), 97_100, 100_000,
			"", 0,
		},
		{
			// +4.0% with stage 0 → half out
			"partial take profit", position(100_000, 104_000, 10, 0), 104_000, 104_000,
			ExitPartialTP, 5,
		},
		{
			// +4.0% but stage already taken → hold
			"partial already taken", position(100_000, 104_000, 5, 1), 104_000, 104_000,
			"", 0,
		},
		{
			// peaked +9%, now dropped 1.6% from high → strong trail
			"strong trailing", position(100_000, 109_000, 5, 1), 107_200, 109_000,
			ExitStrongTrail, 5,
		},
		{
			// peaked +6%, dropped 2.1% from high → trailing
			"trailing", position(100_000, 106_000, 5, 1), 103_700, 106_000,
			ExitTrailing, 5,
		},
		{
			// peaked +6%, only 1.0% off the high, +4.9% now → hold
			"trailing not triggered", position(100_000, 106_000, 5, 1), 104_900, 106_000,
			"", 0,
		},
		{
			// +5.6% flat at the high → final take profit
			"take profit", position(100_000, 105_600, 5, 1), 105_600, 105_600,
			ExitTakeProfit, 5,
		},
		{
			// stop loss wins even with a partial stage untaken
			"stop loss priority", position(100_000, 105_000, 10, 0), 96_000, 105_000,
			ExitStopLoss, 10,
		},
	}

	for _, tt := range tests {
		got := EvaluateExit(tt.p, tt.price, tt.max)
		if tt.want == "" {
			if got != nil {
				t.Errorf("%s: exit = %+v, want hold", tt.name, got)
			}
			continue
		}
		if got == nil {
			t.Errorf("%s: exit = nil, want %s", tt.name, tt.want)
			continue
		}
		if got.Reason != tt.want || got.Quantity != tt.wantQty {
			t.Errorf("%s: exit = (%s, %d), want (%s, %d)", tt.name, got.Reason, got.Quantity, tt.want, tt.wantQty)
		}
	}
}

type fakeStore struct {
	positions []database.Position
	maxPrices map[string]int64
	stages    map[string]int
}

func (f *fakeStore) GetPositions() ([]database.Position, error) { return f.positions, nil }
func (f *fakeStore) UpdateMaxPrice(symbol string, price int64) error {
	if f.maxPrices == nil {
		f.maxPrices = map[string]int64{}
	}
	f.maxPrices[symbol] = price
	return nil
}
func (f *fakeStore) SetPartialExitStage(symbol string, stage int) error {
	if f.stages == nil {
		f.stages = map[string]int{}
	}
	f.stages[symbol] = stage
	return nil
}

type fakeQuoter struct{ prices map[string]int64 }

func (f *fakeQuoter) CurrentPrice(ctx context.Context, symbol string) (int64, error) {
	return f.prices[symbol], nil
}

type sellCall struct {
	symbol string
	qty    int64
	reason string
}

type fakeSeller struct{ calls []sellCall }

func (f *fakeSeller) Sell(ctx context.Context, symbol string, qty int64, reason string) error {
	f.calls = append(f.calls, sellCall{symbol, qty, reason})
	return nil
}

func TestRecheckAllStopLoss(t *testing.T) {
	store := &fakeStore{positions: []database.Position{position(100_000, 100_000, 10, 0)}}
	quoter := &fakeQuoter{prices: map[string]int64{"005930": 96_900}}
	seller := &fakeSeller{}

	m := NewManager(store, quoter, seller)
	exits, err := m.RecheckAll(context.Background(), "test")
	if err != nil {
		t.Fatalf("RecheckAll: %v", err)
	}
	if exits != 1 {
		t.Errorf("exits = %d, want 1", exits)
	}

	if len(seller.calls) != 1 {
		t.Fatalf("sells = %d, want 1", len(seller.calls))
	}
	call := seller.calls[0]
	if call.reason != ExitStopLoss || call.qty != 10 {
		t.Errorf("sell = %+v, want full stop-loss of 10", call)
	}
}

func TestRecheckAllUpdatesHighWaterMark(t *testing.T) {
	store := &fakeStore{positions: []database.Position{position(100_000, 101_000, 10, 1)}}
	quoter := &fakeQuoter{prices: map[string]int64{"005930": 102_500}}
	seller := &fakeSeller{}

	m := NewManager(store, quoter, seller)
	exits, err := m.RecheckAll(context.Background(), "test")
	if err != nil {
		t.Fatalf("RecheckAll: %v", err)
	}
	if exits != 0 {
		t.Errorf("exits = %d, want 0", exits)
	}

	if store.maxPrices["005930"] != 102_500 {
		t.Errorf("max price = %d, want 102500", store.maxPrices["005930"])
	}
	if len(seller.calls) != 0 {
		t.Errorf("unexpected sells: %+v", seller.calls)
	}
}

func TestRecheckAllPartialSetsStage(t *testing.T) {
	store := &fakeStore{positions: []database.Position{position(100_000, 104_000, 10, 0)}}
	quoter := &fakeQuoter{prices: map[string]int64{"005930": 104_000}}
	seller := &fakeSeller{}

	m := NewManager(store, quoter, seller)
	if _, err := m.RecheckAll(context.Background(), "test"); err != nil {
		t.Fatalf("RecheckAll: %v", err)
	}

	if len(seller.calls) != 1 || seller.calls[0].qty != 5 {
		t.Fatalf("sells = %+v, want one half-sell of 5", seller.calls)
	}
	if store.stages["005930"] != 1 {
		t.Errorf("stage = %d, want 1", store.stages["005930"])
	}
}
