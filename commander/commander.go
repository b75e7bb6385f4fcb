// Package commander is the final approval gate before order
// submission: an LLM decision with regime awareness, behind a set of
// code-level auto-rejects that never reach the model.
package commander

import (
	"context"
	"fmt"
	"log"

	"krx-trader/analysis"
	"krx-trader/feeds"
	"krx-trader/llm"
)

// Decisions.
const (
	DecisionBuy  = "buy"
	DecisionHold = "hold"
	DecisionSell = "sell"
)

// Regime tags as the commander sees them.
const (
	RegimeNormal     = "normal"
	RegimeRiskOn     = "risk-on"
	RegimeIronShield = "iron-shield"
)

// vetoGap is the quant/AI disagreement beyond which no model opinion
// is solicited.
const vetoGap = 30

// MapRegime reduces the macro regime to the commander's tag set.
func MapRegime(regime string) string {
	switch regime {
	case feeds.RegimeIronShield, feeds.RegimeStealth:
		return RegimeIronShield
	case feeds.RegimeVanguard:
		return RegimeRiskOn
	default:
		return RegimeNormal
	}
}

// Decision is the commander's verdict.
type Decision struct {
	Decision   string
	Confidence int
	Reasoning  string
	Risk       string // LOW | MEDIUM | HIGH
	Veto       bool
}

// Approved reports whether the pipeline may submit the buy.
func (d Decision) Approved() bool {
	return d.Decision == DecisionBuy && !d.Veto
}

// RiskState exposes the feedback engine's live thresholds. Reads are
// lock-free on the engine side; the commander only reads.
type RiskState interface {
	MinScore() int
	CircuitBreakerActive() bool
}

type reasoner interface {
	Ask(ctx context.Context, system, prompt string) (*llm.Completion, error)
}

// Commander is the LLM-backed gate.
type Commander struct {
	fast reasoner // may be nil; decisions then rest on the auto-checks
	risk RiskState
}

// NewCommander creates a commander.
func NewCommander(fast reasoner, risk RiskState) *Commander {
	return &Commander{fast: fast, risk: risk}
}

const commanderSystem = `You are the final gatekeeper of an automated
Korean equities trading system. You receive a fully validated buy
signal; your only job is the last sanity check under the current
market regime. Respond with JSON only:
{"decision": "buy"|"hold"|"sell", "confidence": <0-100>, "reasoning": "<2 lines>", "risk": "LOW"|"MEDIUM"|"HIGH"}`

// Decide gates one validated buy signal. The code-level rejects run
// first and never consult the model.
func (c *Commander) Decide(ctx context.Context, sig analysis.Signal, verdict analysis.Verdict, regime string) Decision {
	if c.risk != nil && c.risk.CircuitBreakerActive() {
		log.Printf("🚫 Circuit breaker active, refusing %s", sig.Symbol)
		return Decision{Decision: DecisionHold, Veto: true, Risk: "HIGH", Reasoning: "circuit-breaker"}
	}

	if gap := abs(sig.AIScore - sig.QuantScore); gap > vetoGap {
		return Decision{
			Decision:  DecisionHold,
			Risk:      "MEDIUM",
			Reasoning: fmt.Sprintf("quant/AI disagreement too wide (%d points)", gap),
		}
	}

	if sig.FinalScore > 80 && regime == RegimeIronShield {
		log.Printf("🛡️  Iron-shield veto: %s scored %d in a defensive regime", sig.Symbol, sig.FinalScore)
		return Decision{
			Decision:  DecisionHold,
			Veto:      true,
			Risk:      "HIGH",
			Reasoning: "high-conviction entries are suspect under iron-shield",
		}
	}

	if c.risk != nil && sig.FinalScore < c.risk.MinScore() {
		return Decision{
			Decision:  DecisionHold,
			Risk:      "MEDIUM",
			Reasoning: fmt.Sprintf("final score %d below acceptance threshold %d", sig.FinalScore, c.risk.MinScore()),
		}
	}

	return c.askModel(ctx, sig, verdict, regime)
}

func (c *Commander) askModel(ctx context.Context, sig analysis.Signal, verdict analysis.Verdict, regime string) Decision {
	if c.fast == nil {
		return Decision{Decision: DecisionBuy, Confidence: 60, Risk: "MEDIUM", Reasoning: "no commander model configured"}
	}

	prompt := fmt.Sprintf(`## Signal
%s (%s) at %d won
- Quant %d / AI %d / Final %d
- Target %d, Stop %d

## Validation
- Combined %.1f (scenario %.1f, backtest %.1f, monte carlo %.1f)
- Win rate %.1f%%, profit probability %.1f%%

## Regime
%s

Final decision?`,
		sig.Name, sig.Symbol, sig.Price,
		sig.QuantScore, sig.AIScore, sig.FinalScore,
		sig.TargetPrice, sig.StopPrice,
		verdict.CombinedScore, verdict.ScenarioScore, verdict.BacktestScore, verdict.MonteCarloScore,
		verdict.WinRate, verdict.ProfitProb,
		regime)

	resp, err := c.fast.Ask(ctx, commanderSystem, prompt)
	if err != nil {
		log.Printf("⚠️  Commander model failed for %s, holding: %v", sig.Symbol, err)
		return Decision{Decision: DecisionHold, Risk: "MEDIUM", Reasoning: "commander model unavailable"}
	}

	var out struct {
		Decision   string `json:"decision"`
		Confidence int    `json:"confidence"`
		Reasoning  string `json:"reasoning"`
		Risk       string `json:"risk"`
	}
	if err := llm.ExtractJSON(resp.Answer, &out); err != nil {
		log.Printf("⚠️  Commander reply unparseable for %s, holding: %v", sig.Symbol, err)
		return Decision{Decision: DecisionHold, Risk: "MEDIUM", Reasoning: "commander reply unparseable"}
	}

	switch out.Decision {
	case DecisionBuy, DecisionHold, DecisionSell:
	default:
		return Decision{Decision: DecisionHold, Risk: "MEDIUM", Reasoning: "commander returned unknown decision"}
	}

	log.Printf("⚔️  Commander: %s → %s (confidence %d, risk %s)", sig.Symbol, out.Decision, out.Confidence, out.Risk)
	return Decision{
		Decision:   out.Decision,
		Confidence: out.Confidence,
		Reasoning:  out.Reasoning,
		Risk:       out.Risk,
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
