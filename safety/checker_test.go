package safety

import (
	"testing"
	"time"
)

func newTestChecker(t time.Time) *Checker {
	limits := Limits{MaxHoldings: 5, MaxDailyTrades: 4, MaxLossPct: -2.0, MaxPositionPct: 10.0}
	c := NewChecker(limits, time.UTC)
	c.now = func() time.Time { return t }
	return c
}

// Wednesday mid-session.
var midweek = time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)

func okAccount() AccountState {
	return AccountState{PnLPct: 0.5, TotalEquity: 10_000_000}
}

func smallBuy() Request {
	return Request{Symbol: "005930", Quantity: 10, Price: 70_000}
}

func TestEvaluateAllPass(t *testing.T) {
	c := newTestChecker(midweek)
	res := c.Evaluate(smallBuy(), 2, 1, okAccount())
	if !res.Approved {
		t.Fatalf("rejected: %s", res.FailedCheck())
	}
	if len(res.Checks) != 5 {
		t.Errorf("checks = %d, want 5", len(res.Checks))
	}
}

func TestEvaluateGates(t *testing.T) {
	tests := []struct {
		name        string
		held        int
		ordersToday int
		now         time.Time
		account     AccountState
		req         Request
		wantFailed  string
	}{
		{
			"position cap", 5, 0, midweek, okAccount(), smallBuy(),
			CheckPositionCount,
		},
		{
			"daily trade cap", 0, 4, midweek, okAccount(), smallBuy(),
			CheckDailyTrades,
		},
		{
			"late friday", 0, 0, time.Date(2026, 3, 6, 14, 30, 0, 0, time.UTC), okAccount(), smallBuy(),
			CheckTimeOfWeek,
		},
		{
			"account loss floor", 0, 0, midweek, AccountState{PnLPct: -2.5, TotalEquity: 10_000_000}, smallBuy(),
			CheckAccountLoss,
		},
		{
			"position size cap", 0, 0, midweek, okAccount(),
			Request{Symbol: "005930", Quantity: 20, Price: 70_000}, // 1.4M of 10M = 14%
			CheckPositionSize,
		},
	}

	for _, tt := range tests {
		c := newTestChecker(tt.now)
		res := c.Evaluate(tt.req, tt.held, tt.ordersToday, tt.account)
		if res.Approved {
			t.Errorf("%s: approved, want rejection", tt.name)
			continue
		}
		if got := res.FailedCheck(); got != tt.wantFailed {
			t.Errorf("%s: failed check = %s, want %s", tt.name, got, tt.wantFailed)
		}
	}
}

func TestEarlyFridayPasses(t *testing.T) {
	c := newTestChecker(time.Date(2026, 3, 6, 14, 29, 0, 0, time.UTC))
	res := c.Evaluate(smallBuy(), 0, 0, okAccount())
	if !res.Approved {
		t.Fatalf("rejected before the friday cutoff: %s", res.FailedCheck())
	}
}

func TestBrokerOutageDoesNoHarm(t *testing.T) {
	c := newTestChecker(midweek)
	res := c.Evaluate(smallBuy(), 0, 0, AccountState{Unavailable: true})
	if !res.Approved {
		t.Fatalf("broker outage must not block the order: %s", res.FailedCheck())
	}
}
