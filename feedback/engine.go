// Package feedback closes the trading loop: every exit is classified
// and persisted, streaks move the acceptance threshold, five straight
// failures trip the circuit breaker, and trap detections are scored
// against the outcome they predicted.
package feedback

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"krx-trader/analysis"
	"krx-trader/database"
	"krx-trader/llm"
)

// Acceptance threshold bounds and adjustment steps.
const (
	MinScoreLower = 65
	MinScoreUpper = 80

	lossStreakForBump  = 3
	winStreakForEase   = 5
	bumpStep           = 3
	easeStep           = 2
	breakerLossStreak  = 5
	streakWindow       = 10
)

// Classify maps an exit return to (class, detail).
func Classify(returnPct float64) (string, string) {
	switch {
	case returnPct >= 5:
		return database.ResultSuccess, database.DetailPerfect
	case returnPct >= 3:
		return database.ResultSuccess, database.DetailGood
	case returnPct <= -3:
		return database.ResultFailure, database.DetailSevereLoss
	case returnPct <= -2:
		return database.ResultFailure, database.DetailStopLoss
	case returnPct <= -1:
		return database.ResultFailure, database.DetailMinorLoss
	default:
		return database.ResultNeutral, database.DetailBreakeven
	}
}

// CountStreaks returns the consecutive failure and success runs at the
// head of classes (most recent first). One of the two is always zero.
func CountStreaks(classes []string) (losses, wins int) {
	for _, c := range classes {
		if c != database.ResultFailure {
			break
		}
		losses++
	}
	if losses == 0 {
		for _, c := range classes {
			if c != database.ResultSuccess {
				break
			}
			wins++
		}
	}
	return losses, wins
}

// Store is the feedback slice of the repository.
type Store interface {
	SaveFeedback(fb *database.TradeFeedback) error
	RecentFeedback(limit int) ([]database.TradeFeedback, error)
	RecordPatternOutcome(kind string, weight float64, correct bool) error
	SetConfigValue(key, value string) error
}

type reasoner interface {
	Ask(ctx context.Context, system, prompt string) (*llm.Completion, error)
}

// TradeExit is the input to ProcessTradeExit.
type TradeExit struct {
	Symbol     string
	Name       string
	EntryPrice int64
	ExitPrice  int64
	EntryAt    time.Time
	ExitAt     time.Time
	ExitReason string

	QuantScore int
	AIScore    int
	FinalScore int

	// Traps flagged at entry time, scored against the outcome.
	EntryTraps []analysis.Trap
}

// Engine is the feedback engine. MinScore and the breaker flag are
// written only here and read lock-free by the commander.
type Engine struct {
	store    Store
	detector *analysis.TrapDetector
	deep     reasoner // may be nil

	minScore      atomic.Int64
	breakerActive atomic.Bool
}

// NewEngine starts at the default threshold of 70.
func NewEngine(store Store, detector *analysis.TrapDetector, deep reasoner) *Engine {
	e := &Engine{store: store, detector: detector, deep: deep}
	e.minScore.Store(70)
	return e
}

// RestoreMinScore seeds the threshold from persisted state, clamped.
func (e *Engine) RestoreMinScore(score int) {
	e.minScore.Store(int64(clampScore(score)))
}

// MinScore is the live acceptance threshold.
func (e *Engine) MinScore() int { return int(e.minScore.Load()) }

// CircuitBreakerActive reports whether buys are refused.
func (e *Engine) CircuitBreakerActive() bool { return e.breakerActive.Load() }

// ResetCircuitBreaker clears the latch; called by daily settlement.
func (e *Engine) ResetCircuitBreaker() {
	if e.breakerActive.Swap(false) {
		log.Println("✅ Circuit breaker reset")
	}
}

// ProcessTradeExit classifies and persists the exit, adjusts the
// threshold, arms the breaker and scores entry-time trap detections.
func (e *Engine) ProcessTradeExit(ctx context.Context, exit TradeExit) error {
	if exit.EntryPrice <= 0 {
		return fmt.Errorf("invalid entry price %d", exit.EntryPrice)
	}
	returnPct := (float64(exit.ExitPrice)/float64(exit.EntryPrice) - 1) * 100
	class, detail := Classify(returnPct)

	fb := &database.TradeFeedback{
		Symbol:       exit.Symbol,
		Name:         exit.Name,
		EntryPrice:   exit.EntryPrice,
		ExitPrice:    exit.ExitPrice,
		ReturnPct:    returnPct,
		HoldDays:     holdDays(exit.EntryAt, exit.ExitAt),
		ExitReason:   exit.ExitReason,
		QuantScore:   exit.QuantScore,
		AIScore:      exit.AIScore,
		FinalScore:   exit.FinalScore,
		ResultClass:  class,
		ResultDetail: detail,
	}

	if class == database.ResultFailure {
		fb.Lesson = e.lesson(ctx, exit, returnPct)
	}

	if err := e.store.SaveFeedback(fb); err != nil {
		return fmt.Errorf("failed to save feedback: %w", err)
	}
	log.Printf("📝 Trade exit %s: %+.2f%% → %s/%s", exit.Symbol, returnPct, class, detail)

	e.scoreTraps(exit.EntryTraps, class)
	e.adjustThreshold()
	return nil
}

// adjustThreshold recomputes streaks from the store and moves
// MIN_SCORE, arming the breaker on a deep loss streak.
func (e *Engine) adjustThreshold() {
	recent, err := e.store.RecentFeedback(streakWindow)
	if err != nil {
		log.Printf("⚠️  Streak recompute failed: %v", err)
		return
	}
	classes := make([]string, len(recent))
	for i, fb := range recent {
		classes[i] = fb.ResultClass
	}

	losses, wins := CountStreaks(classes)

	if losses >= breakerLossStreak {
		if !e.breakerActive.Swap(true) {
			log.Printf("🚨 Circuit breaker ARMED: %d consecutive failures", losses)
		}
	}

	// Adjust once per full streak, not on every exit past the boundary.
	switch {
	case losses >= lossStreakForBump && losses%lossStreakForBump == 0:
		e.moveMinScore(bumpStep)
	case wins >= winStreakForEase && wins%winStreakForEase == 0:
		e.moveMinScore(-easeStep)
	}
}

func (e *Engine) moveMinScore(delta int) {
	prev := int(e.minScore.Load())
	next := clampScore(prev + delta)
	if next == prev {
		return
	}
	e.minScore.Store(int64(next))
	log.Printf("🎚️  MIN_SCORE %d → %d", prev, next)
	if err := e.store.SetConfigValue("min_score", fmt.Sprintf("%d", next)); err != nil {
		log.Printf("⚠️  MIN_SCORE persist failed: %v", err)
	}
}

// scoreTraps reinforces patterns that called the failure and weakens
// patterns that flagged a winner.
func (e *Engine) scoreTraps(traps []analysis.Trap, class string) {
	if e.detector == nil || len(traps) == 0 || class == database.ResultNeutral {
		return
	}
	correct := class == database.ResultFailure
	for _, t := range traps {
		w, ok := e.detector.RecordOutcome(t.Kind, correct)
		if !ok {
			continue
		}
		if err := e.store.RecordPatternOutcome(t.Kind, w, correct); err != nil {
			log.Printf("⚠️  Pattern weight persist failed for %s: %v", t.Kind, err)
		}
	}
}

const lessonSystem = `You are a trading post-mortem analyst. In 2-3
sentences, state the most likely reason this trade lost money and the
one lesson to carry forward. Plain text, no preamble.`

// lesson asks the deep reasoner for a failure narrative; empty on any
// failure.
func (e *Engine) lesson(ctx context.Context, exit TradeExit, returnPct float64) string {
	if e.deep == nil {
		return ""
	}
	prompt := fmt.Sprintf("%s (%s): entered %d, exited %d (%+.2f%%), exit reason %s, scores quant %d / ai %d / final %d",
		exit.Name, exit.Symbol, exit.EntryPrice, exit.ExitPrice, returnPct, exit.ExitReason,
		exit.QuantScore, exit.AIScore, exit.FinalScore)

	resp, err := e.deep.Ask(ctx, lessonSystem, prompt)
	if err != nil {
		log.Printf("⚠️  Lesson generation failed for %s: %v", exit.Symbol, err)
		return ""
	}
	return resp.Answer
}

func holdDays(entry, exit time.Time) int {
	if entry.IsZero() || exit.Before(entry) {
		return 0
	}
	return int(exit.Sub(entry).Hours() / 24)
}

func clampScore(s int) int {
	if s < MinScoreLower {
		return MinScoreLower
	}
	if s > MinScoreUpper {
		return MinScoreUpper
	}
	return s
}
