package analysis

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
)

type fakeBacktest struct {
	stats BacktestStats
	err   error
}

func (f *fakeBacktest) SimilarPatternStats(symbol string) (BacktestStats, error) {
	return f.stats, f.err
}

func goodStats() BacktestStats {
	return BacktestStats{TotalTrades: 50, WinRate: 64, AvgReturn: 6.5, MaxLoss: -4.5}
}

func buySignal() Signal {
	return Signal{
		Symbol:      "005930",
		Name:        "Samsung",
		Action:      ActionBuy,
		FinalScore:  82,
		Price:       100_000,
		TargetPrice: 108_000,
		StopPrice:   97_000,
	}
}

func newTestValidator(backtest BacktestSource, deep reasoner) *Validator {
	v := NewValidator(backtest, deep, DefaultThresholds(), 2_000_000)
	v.rng = rand.New(rand.NewSource(1))
	return v
}

func TestValidateApproves(t *testing.T) {
	v := newTestValidator(&fakeBacktest{stats: goodStats()}, nil)

	verdict := v.Validate(context.Background(), buySignal())
	if !verdict.Approved {
		t.Fatalf("rejected: %s", verdict.Reason)
	}
	if verdict.RecommendedQty < 1 {
		t.Errorf("RecommendedQty = %d, want >= 1", verdict.RecommendedQty)
	}
	if verdict.AdjustedTarget > 108_000 {
		t.Errorf("AdjustedTarget = %d, must not exceed the AI target", verdict.AdjustedTarget)
	}
	if verdict.AdjustedTarget <= 100_000 {
		t.Errorf("AdjustedTarget = %d, want above current price for an 8%% upside signal", verdict.AdjustedTarget)
	}
}

func TestValidateRejectsLowWinRate(t *testing.T) {
	stats := goodStats()
	stats.WinRate = 40
	v := newTestValidator(&fakeBacktest{stats: stats}, nil)

	verdict := v.Validate(context.Background(), buySignal())
	if verdict.Approved {
		t.Fatal("expected rejection on a 40% win rate")
	}
	if verdict.RecommendedQty != 0 {
		t.Errorf("RecommendedQty = %d, want 0 on rejection", verdict.RecommendedQty)
	}
}

func TestValidateRejectsOnBacktestError(t *testing.T) {
	v := newTestValidator(&fakeBacktest{err: fmt.Errorf("db down")}, nil)

	verdict := v.Validate(context.Background(), buySignal())
	if verdict.Approved {
		t.Fatal("expected rejection when backtest stats are unavailable")
	}
}

func TestValidateVeto(t *testing.T) {
	deep := &fakeReasoner{answer: `{"approved": false, "confidence": 85, "reason": "backtest looks overfit"}`}
	v := newTestValidator(&fakeBacktest{stats: goodStats()}, deep)

	verdict := v.Validate(context.Background(), buySignal())
	if verdict.Approved {
		t.Fatal("expected reasoner veto to reject")
	}
	if verdict.RecommendedQty != 0 {
		t.Errorf("RecommendedQty = %d, want 0 after veto", verdict.RecommendedQty)
	}
}

func TestValidateVetoFailureDefaultsToApprove(t *testing.T) {
	deep := &fakeReasoner{err: fmt.Errorf("timeout")}
	v := newTestValidator(&fakeBacktest{stats: goodStats()}, deep)

	verdict := v.Validate(context.Background(), buySignal())
	if !verdict.Approved {
		t.Fatalf("reasoner failure must not block the trade: %s", verdict.Reason)
	}
}

func TestRecommendedQtyShrinksWithVolatility(t *testing.T) {
	v := newTestValidator(&fakeBacktest{stats: goodStats()}, nil)

	calm := v.recommendedQty(100_000, 2.0, 75)
	wild := v.recommendedQty(100_000, 12.0, 75)
	if wild >= calm {
		t.Errorf("qty at stdev 12 (%d) should be below qty at stdev 2 (%d)", wild, calm)
	}
	if got := v.recommendedQty(10_000_000_000, 4.0, 70); got != 1 {
		t.Errorf("qty floor = %d, want 1", got)
	}
}
