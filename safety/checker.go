// Package safety is the pre-order hard-limit gate: five checks that
// must all pass before any buy order leaves the process. Checks that
// need broker data err on the side of approval when that data is
// unavailable; a dead balance endpoint must not freeze trading.
package safety

import (
	"fmt"
	"log"
	"time"
)

// No new entries from this time on Fridays; weekend gap risk.
const (
	fridayCutoffHr  = 14
	fridayCutoffMin = 30
)

// Check names, in evaluation order.
const (
	CheckPositionCount = "position-count"
	CheckDailyTrades   = "daily-trades"
	CheckTimeOfWeek    = "time-of-week"
	CheckAccountLoss   = "account-loss"
	CheckPositionSize  = "position-size"
)

// Limits are the hard caps, taken from config at startup.
type Limits struct {
	MaxHoldings    int
	MaxDailyTrades int
	MaxLossPct     float64 // account daily P&L floor, negative
	MaxPositionPct float64 // single order as % of total equity
}

// CheckResult is one gate's outcome.
type CheckResult struct {
	Name   string
	Passed bool
	Detail string
}

// Result is the combined gate outcome.
type Result struct {
	Approved bool
	Checks   []CheckResult
}

// FailedCheck returns the first failing check name, or "".
func (r Result) FailedCheck() string {
	for _, c := range r.Checks {
		if !c.Passed {
			return c.Name
		}
	}
	return ""
}

// AccountState is the broker-derived input for checks 4 and 5. When
// the broker call failed, set Unavailable and the checks pass.
type AccountState struct {
	Unavailable bool
	PnLPct      float64 // today's account P&L, %
	TotalEquity int64   // won
}

// Request is one prospective buy order.
type Request struct {
	Symbol   string
	Quantity int64
	Price    int64
}

// Checker evaluates the five gates.
type Checker struct {
	limits Limits
	loc    *time.Location
	now    func() time.Time
}

// NewChecker evaluates time-of-week in loc.
func NewChecker(limits Limits, loc *time.Location) *Checker {
	return &Checker{limits: limits, loc: loc, now: time.Now}
}

// Evaluate runs all five checks. heldCount and ordersToday come from
// the store; account from the broker (possibly unavailable).
func (c *Checker) Evaluate(req Request, heldCount int, ordersToday int, account AccountState) Result {
	checks := []CheckResult{
		c.positionCount(heldCount),
		c.dailyTrades(ordersToday),
		c.timeOfWeek(),
		c.accountLoss(account),
		c.positionSize(req, account),
	}

	result := Result{Approved: true, Checks: checks}
	for _, check := range checks {
		if !check.Passed {
			result.Approved = false
			log.Printf("🚫 Safety check failed for %s: %s (%s)", req.Symbol, check.Name, check.Detail)
		}
	}
	return result
}

func (c *Checker) positionCount(held int) CheckResult {
	return CheckResult{
		Name:   CheckPositionCount,
		Passed: held < c.limits.MaxHoldings,
		Detail: fmt.Sprintf("%d of %d positions held", held, c.limits.MaxHoldings),
	}
}

func (c *Checker) dailyTrades(ordersToday int) CheckResult {
	return CheckResult{
		Name:   CheckDailyTrades,
		Passed: ordersToday < c.limits.MaxDailyTrades,
		Detail: fmt.Sprintf("%d of %d orders today", ordersToday, c.limits.MaxDailyTrades),
	}
}

func (c *Checker) timeOfWeek() CheckResult {
	now := c.now().In(c.loc)
	lateFriday := now.Weekday() == time.Friday &&
		(now.Hour() > fridayCutoffHr || (now.Hour() == fridayCutoffHr && now.Minute() >= fridayCutoffMin))
	return CheckResult{
		Name:   CheckTimeOfWeek,
		Passed: !lateFriday,
		Detail: now.Format("Mon 15:04"),
	}
}

func (c *Checker) accountLoss(account AccountState) CheckResult {
	if account.Unavailable {
		return CheckResult{Name: CheckAccountLoss, Passed: true, Detail: "balance unavailable, passing"}
	}
	return CheckResult{
		Name:   CheckAccountLoss,
		Passed: account.PnLPct > c.limits.MaxLossPct,
		Detail: fmt.Sprintf("account P&L %.2f%% (floor %.1f%%)", account.PnLPct, c.limits.MaxLossPct),
	}
}

func (c *Checker) positionSize(req Request, account AccountState) CheckResult {
	if account.Unavailable || account.TotalEquity <= 0 {
		return CheckResult{Name: CheckPositionSize, Passed: true, Detail: "equity unavailable, passing"}
	}
	orderValue := req.Quantity * req.Price
	pct := float64(orderValue) / float64(account.TotalEquity) * 100
	return CheckResult{
		Name:   CheckPositionSize,
		Passed: pct <= c.limits.MaxPositionPct,
		Detail: fmt.Sprintf("order %.1f%% of equity (cap %.0f%%)", pct, c.limits.MaxPositionPct),
	}
}
