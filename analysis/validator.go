package analysis

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"krx-trader/llm"
)

// Method weights for the combined validation score.
const (
	weightScenario   = 0.3
	weightBacktest   = 0.4
	weightMonteCarlo = 0.3

	monteCarloRuns  = 1000
	monteCarloStdev = 4.0 // % daily return stdev assumption
)

// Thresholds are the three acceptance gates.
type Thresholds struct {
	MinCombined   float64 // combined validation score
	MinWinRate    float64 // backtest win rate, %
	MinProfitProb float64 // monte carlo profit probability, %
}

// DefaultThresholds matches the production gates.
func DefaultThresholds() Thresholds {
	return Thresholds{MinCombined: 65, MinWinRate: 55, MinProfitProb: 60}
}

// BacktestStats summarizes similar historical patterns for one symbol.
type BacktestStats struct {
	TotalTrades int
	WinRate     float64 // %
	AvgReturn   float64 // %
	MaxLoss     float64 // %
}

// BacktestSource supplies historical pattern stats.
type BacktestSource interface {
	SimilarPatternStats(symbol string) (BacktestStats, error)
}

// Verdict is the validator's decision for one buy signal.
type Verdict struct {
	Approved bool
	Reason   string

	ScenarioScore   float64
	BacktestScore   float64
	MonteCarloScore float64
	CombinedScore   float64

	WinRate    float64
	ProfitProb float64
	Volatility float64 // monte carlo stdev of simulated returns

	AdjustedTarget int64 // conservative target, never above the AI target
	RecommendedQty int64
}

// Validator is the three-method risk gate with an external reasoner
// veto. A reasoner failure never blocks the trade; threshold failures
// always do.
type Validator struct {
	backtest   BacktestSource
	deep       reasoner // may be nil
	thresholds Thresholds
	baseBudget int64 // won per position before adjustment

	mu  sync.Mutex
	rng *rand.Rand
}

// NewValidator creates a validator. deep may be nil to skip the veto.
func NewValidator(backtest BacktestSource, deep reasoner, thresholds Thresholds, baseBudget int64) *Validator {
	return &Validator{
		backtest:   backtest,
		deep:       deep,
		thresholds: thresholds,
		baseBudget: baseBudget,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Validate gates one buy signal. aiReturnPct is the predicted upside
// implied by the signal's target price.
func (v *Validator) Validate(ctx context.Context, sig Signal) Verdict {
	aiReturnPct := 0.0
	if sig.Price > 0 {
		aiReturnPct = (float64(sig.TargetPrice)/float64(sig.Price) - 1) * 100
	}

	scenario := scenarioAnalysis(aiReturnPct)

	stats, err := v.backtest.SimilarPatternStats(sig.Symbol)
	if err != nil {
		log.Printf("❌ Backtest stats unavailable for %s: %v", sig.Symbol, err)
		return Verdict{Approved: false, Reason: fmt.Sprintf("backtest unavailable: %v", err)}
	}
	backtestScore := math.Min(100, stats.WinRate+stats.AvgReturn*3)

	mc := v.monteCarlo(aiReturnPct)

	combined := scenario.score*weightScenario + backtestScore*weightBacktest + mc.score*weightMonteCarlo

	verdict := Verdict{
		ScenarioScore:   scenario.score,
		BacktestScore:   backtestScore,
		MonteCarloScore: mc.score,
		CombinedScore:   combined,
		WinRate:         stats.WinRate,
		ProfitProb:      mc.probProfit,
		Volatility:      mc.stdev,
		AdjustedTarget:  conservativeTarget(sig.Price, scenario.expected, stats.AvgReturn, mc.p50),
		RecommendedQty:  v.recommendedQty(sig.Price, mc.stdev, combined),
	}

	// The reasoner holds veto power; its failure defaults to approve so
	// a dead endpoint cannot block trading on its own.
	if vetoed, reason := v.vetoCheck(ctx, sig, verdict); vetoed {
		verdict.Approved = false
		verdict.Reason = "reasoner veto: " + reason
		verdict.RecommendedQty = 0
		log.Printf("🚨 Validator veto for %s: %s", sig.Symbol, reason)
		return verdict
	}

	switch {
	case combined < v.thresholds.MinCombined:
		verdict.Reason = fmt.Sprintf("combined score too low: %.1f < %.0f", combined, v.thresholds.MinCombined)
	case stats.WinRate < v.thresholds.MinWinRate:
		verdict.Reason = fmt.Sprintf("win rate too low: %.1f%% < %.0f%%", stats.WinRate, v.thresholds.MinWinRate)
	case mc.probProfit < v.thresholds.MinProfitProb:
		verdict.Reason = fmt.Sprintf("profit probability too low: %.1f%% < %.0f%%", mc.probProfit, v.thresholds.MinProfitProb)
	default:
		verdict.Approved = true
		verdict.Reason = fmt.Sprintf("all gates passed (score %.1f, win %.1f%%, profit %.1f%%)",
			combined, stats.WinRate, mc.probProfit)
	}
	if !verdict.Approved {
		verdict.RecommendedQty = 0
	}
	return verdict
}

type scenarioResult struct {
	best, expected, worst float64
	score                 float64
}

// scenarioAnalysis weighs best/expected/worst cases 20/60/20. The
// worst case is pinned at the stop band.
func scenarioAnalysis(aiReturnPct float64) scenarioResult {
	r := scenarioResult{
		best:     aiReturnPct * 1.5,
		expected: aiReturnPct * 0.8,
		worst:    -3.0,
	}
	ev := r.best*0.2 + r.expected*0.6 + r.worst*0.2
	r.score = clamp((ev+5)/20*100, 0, 100)
	return r
}

type monteCarloResult struct {
	mean, stdev    float64
	probProfit     float64
	p5, p50, p95   float64
	score          float64
}

// monteCarlo simulates 1000 normal returns around a discounted mean.
func (v *Validator) monteCarlo(aiReturnPct float64) monteCarloResult {
	mean := aiReturnPct * 0.7

	v.mu.Lock()
	returns := make([]float64, monteCarloRuns)
	for i := range returns {
		returns[i] = v.rng.NormFloat64()*monteCarloStdev + mean
	}
	v.mu.Unlock()

	var sum, profitable float64
	for _, r := range returns {
		sum += r
		if r > 0 {
			profitable++
		}
	}
	m := sum / monteCarloRuns

	var variance float64
	for _, r := range returns {
		variance += (r - m) * (r - m)
	}
	stdev := math.Sqrt(variance / monteCarloRuns)

	sort.Float64s(returns)
	res := monteCarloResult{
		mean:       m,
		stdev:      stdev,
		probProfit: profitable / monteCarloRuns * 100,
		p5:         returns[monteCarloRuns*5/100],
		p50:        returns[monteCarloRuns/2],
		p95:        returns[monteCarloRuns*95/100],
	}
	res.score = math.Min(100, res.probProfit+res.mean*2)
	return res
}

// conservativeTarget picks the lowest of the three method targets.
func conservativeTarget(price int64, expectedPct, backtestAvgPct, mcMedianPct float64) int64 {
	lowest := math.Min(expectedPct, math.Min(backtestAvgPct, mcMedianPct))
	return int64(float64(price) * (1 + lowest/100))
}

// recommendedQty sizes the position from conviction and volatility:
// the base budget scaled up past a combined score of 65 and shrunk as
// simulated volatility grows.
func (v *Validator) recommendedQty(price int64, volatility, combined float64) int64 {
	if price <= 0 {
		return 0
	}
	scoreFactor := 1.0 + (combined-65)/100
	volFactor := 1.0 / (1 + volatility/10)
	amount := float64(v.baseBudget) * scoreFactor * volFactor
	qty := int64(amount / float64(price))
	if qty < 1 {
		return 1
	}
	return qty
}

const vetoSystem = `You are a risk management red team with veto power
over equity buys. Find logical holes and hidden risks in the
validation summary. Respond with JSON only:
{"approved": true|false, "confidence": <0-100>, "reason": "<2-3 lines>"}`

// vetoCheck returns (true, reason) only on an explicit reasoner
// rejection.
func (v *Validator) vetoCheck(ctx context.Context, sig Signal, verdict Verdict) (bool, string) {
	if v.deep == nil {
		return false, ""
	}

	prompt := fmt.Sprintf(`## Candidate
%s (%s) at %d won, target %d won

## Validation
- Scenario score: %.1f/100
- Backtest score: %.1f/100 (win rate %.1f%%)
- Monte Carlo score: %.1f/100 (profit prob %.1f%%, stdev %.1f%%)
- Combined: %.1f/100

Approve this buy?`,
		sig.Name, sig.Symbol, sig.Price, sig.TargetPrice,
		verdict.ScenarioScore, verdict.BacktestScore, verdict.WinRate,
		verdict.MonteCarloScore, verdict.ProfitProb, verdict.Volatility,
		verdict.CombinedScore)

	resp, err := v.deep.Ask(ctx, vetoSystem, prompt)
	if err != nil {
		log.Printf("⚠️  Veto check failed for %s, defaulting to approve: %v", sig.Symbol, err)
		return false, ""
	}

	var out struct {
		Approved bool   `json:"approved"`
		Reason   string `json:"reason"`
	}
	if err := llm.ExtractJSON(resp.Answer, &out); err != nil {
		log.Printf("⚠️  Veto reply unparseable for %s, defaulting to approve: %v", sig.Symbol, err)
		return false, ""
	}
	if !out.Approved {
		return true, out.Reason
	}
	return false, ""
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
