// Package portfolio runs the exit side of the trading loop: on a
// 1-minute cadence (and on regime flips) every held position is
// evaluated against the stop-loss, partial take-profit, trailing and
// final take-profit rules, in that priority order.
package portfolio

import (
	"context"
	"fmt"
	"log"

	"krx-trader/database"
)

// Exit rule thresholds, in percent.
const (
	stopLossPct      = -3.0
	partialTPPct     = 3.5
	trailingArmPct   = 5.0 // max return that arms trailing
	strongTrailPct   = 8.0 // max return that arms the tighter trail
	strongDropPct    = 1.5
	trailingDropPct  = 2.0
	takeProfitPct    = 5.5
)

// Exit reasons, recorded on the order.
const (
	ExitStopLoss    = "stop-loss"
	ExitPartialTP   = "partial-tp"
	ExitStrongTrail = "strong-trail"
	ExitTrailing    = "trailing"
	ExitTakeProfit  = "take-profit"
)

// Exit is one triggered exit decision.
type Exit struct {
	Reason   string
	Quantity int64
	Partial  bool
}

// EvaluateExit applies the exit rules to one position at the current
// price. maxPrice must already include the current price. Returns nil
// when the position should be held.
func EvaluateExit(p database.Position, price, maxPrice int64) *Exit {
	if p.AvgCost <= 0 || p.Quantity <= 0 {
		return nil
	}
	returnPct := (float64(price)/float64(p.AvgCost) - 1) * 100
	maxReturnPct := (float64(maxPrice)/float64(p.AvgCost) - 1) * 100
	dropFromHigh := 0.0
	if maxPrice > 0 {
		dropFromHigh = (1 - float64(price)/float64(maxPrice)) * 100
	}

	// 1. Stop loss wins over everything.
	if returnPct <= stopLossPct {
		return &Exit{Reason: ExitStopLoss, Quantity: p.Quantity}
	}

	// 2. First partial take-profit, half out.
	if returnPct >= partialTPPct && p.PartialExitStage < 1 {
		half := p.Quantity / 2
		if half < 1 {
			half = 1
		}
		return &Exit{Reason: ExitPartialTP, Quantity: half, Partial: true}
	}

	// 3. Trailing exits once the run peaked high enough.
	if maxReturnPct >= trailingArmPct {
		if maxReturnPct >= strongTrailPct && dropFromHigh >= strongDropPct {
			return &Exit{Reason: ExitStrongTrail, Quantity: p.Quantity}
		}
		if dropFromHigh >= trailingDropPct {
			return &Exit{Reason: ExitTrailing, Quantity: p.Quantity}
		}
	}

	// 4. Final take-profit.
	if returnPct >= takeProfitPct {
		return &Exit{Reason: ExitTakeProfit, Quantity: p.Quantity}
	}
	return nil
}

// Store is the position slice of the repository the manager needs.
type Store interface {
	GetPositions() ([]database.Position, error)
	UpdateMaxPrice(symbol string, price int64) error
	SetPartialExitStage(symbol string, stage int) error
}

// Quoter supplies the current price, cache first then REST.
type Quoter interface {
	CurrentPrice(ctx context.Context, symbol string) (int64, error)
}

// Seller submits a sell order and records it.
type Seller interface {
	Sell(ctx context.Context, symbol string, qty int64, reason string) error
}

// Manager evaluates exits across all held positions.
type Manager struct {
	store  Store
	quoter Quoter
	seller Seller
}

// NewManager creates a portfolio manager.
func NewManager(store Store, quoter Quoter, seller Seller) *Manager {
	return &Manager{store: store, quoter: quoter, seller: seller}
}

// RecheckAll evaluates every held position once and returns how many
// sell orders it submitted. Trigger names the caller (scheduler tick,
// regime change) for the log line.
func (m *Manager) RecheckAll(ctx context.Context, trigger string) (int, error) {
	positions, err := m.store.GetPositions()
	if err != nil {
		return 0, fmt.Errorf("failed to load positions: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	log.Printf("🔍 Rechecking %d positions (%s)", len(positions), trigger)
	exits := 0
	for _, p := range positions {
		sold, err := m.checkPosition(ctx, p)
		if err != nil {
			log.Printf("⚠️  Recheck failed for %s: %v", p.Symbol, err)
			continue
		}
		if sold {
			exits++
		}
	}
	return exits, nil
}

func (m *Manager) checkPosition(ctx context.Context, p database.Position) (bool, error) {
	price, err := m.quoter.CurrentPrice(ctx, p.Symbol)
	if err != nil {
		return false, fmt.Errorf("price unavailable: %w", err)
	}

	// The high-water mark moves before evaluation so trailing drops
	// measure against today's peak, not yesterday's.
	if price > p.MaxPrice {
		if err := m.store.UpdateMaxPrice(p.Symbol, price); err != nil {
			log.Printf("⚠️  Max price update failed for %s: %v", p.Symbol, err)
		}
		p.MaxPrice = price
	}

	exit := EvaluateExit(p, price, p.MaxPrice)
	if exit == nil {
		return false, nil
	}

	returnPct := (float64(price)/float64(p.AvgCost) - 1) * 100
	log.Printf("📤 Exit %s: %s %d shares at %d won (%+.1f%%)", exit.Reason, p.Symbol, exit.Quantity, price, returnPct)

	if err := m.seller.Sell(ctx, p.Symbol, exit.Quantity, exit.Reason); err != nil {
		return false, fmt.Errorf("sell failed: %w", err)
	}
	if exit.Partial {
		if err := m.store.SetPartialExitStage(p.Symbol, 1); err != nil {
			log.Printf("⚠️  Stage update failed for %s: %v", p.Symbol, err)
		}
	}
	return true, nil
}
