// Package analysis holds the scoring stages of the decision flow: the
// analyzer combining quant and AI scores, the Korean-market trap
// detector, and the three-method scenario validator.
package analysis

import (
	"context"
	"fmt"
	"log"
	"math"

	"krx-trader/llm"
)

// Score combination and action thresholds.
const (
	quantWeight = 0.57
	aiWeight    = 0.43

	uncertaintyGap = 30 // |ai - quant| at or above this forces hold
	buyThreshold   = 75
	sellThreshold  = 40
)

// Actions.
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
	ActionHold = "HOLD"
)

// CombineScores blends the quant and AI scores 57/43.
func CombineScores(quant, ai int) int {
	return int(math.Round(float64(quant)*quantWeight + float64(ai)*aiWeight))
}

// Recommend maps scores to an action. A wide quant/AI disagreement is
// treated as uncertainty and held regardless of the combined score.
func Recommend(final, quant, ai int) string {
	if abs(ai-quant) >= uncertaintyGap {
		return ActionHold
	}
	switch {
	case final >= buyThreshold:
		return ActionBuy
	case final <= sellThreshold:
		return ActionSell
	default:
		return ActionHold
	}
}

// TargetPrice scales the upside band with conviction.
func TargetPrice(price int64, final int) int64 {
	var mult float64
	switch {
	case final >= 80:
		mult = 1.08
	case final >= 70:
		mult = 1.06
	case final >= 60:
		mult = 1.04
	default:
		mult = 1.02
	}
	return int64(float64(price) * mult)
}

// StopPrice tightens the stop as conviction rises.
func StopPrice(price int64, final int) int64 {
	var mult float64
	switch {
	case final >= 80:
		mult = 0.97
	case final >= 70:
		mult = 0.96
	case final >= 60:
		mult = 0.95
	default:
		mult = 0.94
	}
	return int64(float64(price) * mult)
}

// Candidate is one symbol entering analysis, with its quant score
// already computed by the collaborating strategy layer.
type Candidate struct {
	Symbol     string
	Name       string
	Price      int64
	QuantScore int
	Market     TrapInput
	Summary    string // market context handed to the reasoner
}

// Signal is the analyzer verdict for one candidate.
type Signal struct {
	Symbol      string
	Name        string
	Action      string
	QuantScore  int
	AIScore     int
	FinalScore  int
	Price       int64
	TargetPrice int64
	StopPrice   int64
	Traps       []Trap
}

// reasoner is the slice of llm.Reasoner the analyzer needs.
type reasoner interface {
	Ask(ctx context.Context, system, prompt string) (*llm.Completion, error)
}

// Analyzer produces one Signal per candidate: AI score from the fast
// reasoner, trap penalty, combined score and price bands.
type Analyzer struct {
	detector *TrapDetector
	fast     reasoner
}

// NewAnalyzer creates an analyzer. fast may be nil (AI score defaults
// to neutral).
func NewAnalyzer(detector *TrapDetector, fast reasoner) *Analyzer {
	return &Analyzer{detector: detector, fast: fast}
}

const scoringSystem = `You are a Korean equities intraday analyst.
Given the market snapshot, score the buy attractiveness 0-100.
Respond with JSON only: {"score": <0-100>, "reasoning": "<one line>"}`

// aiScore asks the fast reasoner; failure or nonsense degrades to a
// neutral 50.
func (a *Analyzer) aiScore(ctx context.Context, c Candidate) int {
	if a.fast == nil {
		return 50
	}
	prompt := fmt.Sprintf("Symbol: %s (%s)\nPrice: %d won (%+.2f%%)\n%s",
		c.Name, c.Symbol, c.Price, c.Market.ChangePct, c.Summary)

	resp, err := a.fast.Ask(ctx, scoringSystem, prompt)
	if err != nil {
		log.Printf("⚠️  AI scoring failed for %s, using neutral: %v", c.Symbol, err)
		return 50
	}
	var out struct {
		Score int `json:"score"`
	}
	if err := llm.ExtractJSON(resp.Answer, &out); err != nil {
		log.Printf("⚠️  AI score unparseable for %s, using neutral: %v", c.Symbol, err)
		return 50
	}
	if out.Score < 0 || out.Score > 100 {
		return 50
	}
	return out.Score
}

// Analyze scores one candidate.
func (a *Analyzer) Analyze(ctx context.Context, c Candidate) Signal {
	aiScore := a.aiScore(ctx, c)

	traps := a.detector.Detect(c.Market)
	if len(traps) > 0 {
		adjusted := ApplyTrapPenalty(aiScore, traps)
		log.Printf("⚠️  %s: %d traps detected, AI score %d → %d", c.Symbol, len(traps), aiScore, adjusted)
		aiScore = adjusted
	}

	final := CombineScores(c.QuantScore, aiScore)
	action := Recommend(final, c.QuantScore, aiScore)

	sig := Signal{
		Symbol:      c.Symbol,
		Name:        c.Name,
		Action:      action,
		QuantScore:  c.QuantScore,
		AIScore:     aiScore,
		FinalScore:  final,
		Price:       c.Price,
		TargetPrice: TargetPrice(c.Price, final),
		StopPrice:   StopPrice(c.Price, final),
		Traps:       traps,
	}
	log.Printf("✅ Analyzed %s: %s (quant %d, ai %d, final %d)", c.Symbol, action, c.QuantScore, aiScore, final)
	return sig
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
