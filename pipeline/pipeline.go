// Package pipeline runs the staged decision flow: Fetch → Persist →
// Analyze → Validate → Command → Execute, in strict order. A stage
// failure short-circuits the rest of the invocation; the next tick
// starts clean. Exits are processed before any buy.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"krx-trader/analysis"
	"krx-trader/broker"
	"krx-trader/commander"
	"krx-trader/database"
	"krx-trader/events"
	"krx-trader/safety"
)

// Stage names, in execution order.
const (
	StageFetch    = "fetch"
	StagePersist  = "persist"
	StageAnalyze  = "analyze"
	StageValidate = "validate"
	StageCommand  = "command"
	StageExecute  = "execute"
)

// StageResult is the timing and flow record for one stage.
type StageResult struct {
	Name     string
	Duration time.Duration
	In       int // items entering the stage
	Out      int // items surviving it
	Err      error
}

// Result is the structured outcome of one pipeline invocation.
type Result struct {
	Trigger   string
	StartedAt time.Time
	Duration  time.Duration

	Candidates int
	Signals    int // buy signals out of analyze
	Validated  int
	Approved   int
	BuyOrders  int
	SellOrders int

	Stages        []StageResult
	FailureReason string // non-empty when short-circuited
}

// CandidateSource supplies the symbols to analyze, with quant scores
// and market snapshots already attached.
type CandidateSource interface {
	Candidates(ctx context.Context) ([]analysis.Candidate, error)
}

// AccountSource is the broker balance slice.
type AccountSource interface {
	GetCombinedBalance(ctx context.Context) (*broker.CombinedBalance, error)
}

// Store is the repository slice the pipeline needs.
type Store interface {
	GetPositions() ([]database.Position, error)
	CountOrdersToday(now time.Time) (int64, error)
	AppendSnapshot(s *database.AccountSnapshot) error
	AppendDecision(d *database.DecisionLog) error
}

// QuoteSink receives the fetched quotes; the market cache in practice.
type QuoteSink interface {
	SetQuote(ctx context.Context, q *broker.Quote) error
}

// Validator gates buy signals.
type Validator interface {
	Validate(ctx context.Context, sig analysis.Signal) analysis.Verdict
}

// Gate is the final commander approval.
type Gate interface {
	Decide(ctx context.Context, sig analysis.Signal, verdict analysis.Verdict, regime string) commander.Decision
}

// SafetyGate runs the pre-order hard limits.
type SafetyGate interface {
	Evaluate(req safety.Request, heldCount, ordersToday int, account safety.AccountState) safety.Result
}

// ExitManager processes position exits; runs before any buy. Returns
// the number of sell orders submitted.
type ExitManager interface {
	RecheckAll(ctx context.Context, trigger string) (int, error)
}

// OrderService submits one buy and records it, returning the broker
// order id. The full signal travels with the order so its entry-time
// scores and trap detections survive to the exit feedback. Called at
// most once per symbol per invocation.
type OrderService interface {
	Buy(ctx context.Context, sig analysis.Signal, qty int64, reason string) (string, error)
}

// RegimeSource is the macro monitor's current regime tag.
type RegimeSource interface {
	Regime() string
}

// Pipeline wires the six stages.
type Pipeline struct {
	source    CandidateSource
	account   AccountSource
	store     Store
	quotes    QuoteSink
	analyzer  *analysis.Analyzer
	validator Validator
	gate      Gate
	safety    SafetyGate
	exits     ExitManager
	orders    OrderService
	regime    RegimeSource
	bus       *events.Bus

	budgetDivisor int64

	now func() time.Time
}

// Deps collects the pipeline collaborators.
type Deps struct {
	Source    CandidateSource
	Account   AccountSource
	Store     Store
	Quotes    QuoteSink
	Analyzer  *analysis.Analyzer
	Validator Validator
	Gate      Gate
	Safety    SafetyGate
	Exits     ExitManager
	Orders    OrderService
	Regime    RegimeSource
	Bus       *events.Bus

	BudgetDivisor int64 // available cash split across this many entries
}

// New creates a pipeline.
func New(d Deps) *Pipeline {
	if d.BudgetDivisor <= 0 {
		d.BudgetDivisor = 5
	}
	return &Pipeline{
		source:        d.Source,
		account:       d.Account,
		store:         d.Store,
		quotes:        d.Quotes,
		analyzer:      d.Analyzer,
		validator:     d.Validator,
		gate:          d.Gate,
		safety:        d.Safety,
		exits:         d.Exits,
		orders:        d.Orders,
		regime:        d.Regime,
		bus:           d.Bus,
		budgetDivisor: d.BudgetDivisor,
		now:           time.Now,
	}
}

// approvedSignal carries one signal through the back half of the run.
type approvedSignal struct {
	sig      analysis.Signal
	verdict  analysis.Verdict
	decision commander.Decision
}

// Run executes one full invocation. Trigger names the caller for logs
// and the completion event.
func (p *Pipeline) Run(ctx context.Context, trigger string) Result {
	res := Result{Trigger: trigger, StartedAt: p.now()}
	defer func() {
		res.Duration = p.now().Sub(res.StartedAt)
		p.publishComplete(&res)
	}()

	log.Printf("🚀 Pipeline run (%s)", trigger)

	// ── Stage 1: fetch ──
	var (
		candidates []analysis.Candidate
		balance    *broker.CombinedBalance
	)
	fail := p.stage(&res, StageFetch, func(sr *StageResult) error {
		var err error
		candidates, err = p.source.Candidates(ctx)
		if err != nil {
			return fmt.Errorf("candidate fetch: %w", err)
		}
		// A dead balance endpoint degrades sizing and the account
		// checks; it does not stop the run.
		balance, err = p.account.GetCombinedBalance(ctx)
		if err != nil {
			log.Printf("⚠️  Balance unavailable this run: %v", err)
			balance = nil
		}
		sr.In, sr.Out = len(candidates), len(candidates)
		return nil
	})
	res.Candidates = len(candidates)
	if fail {
		return res
	}

	// ── Stage 2: persist ──
	// The fence: analyze must read what fetch saw.
	fail = p.stage(&res, StagePersist, func(sr *StageResult) error {
		sr.In = len(candidates)
		if balance != nil {
			snap := &database.AccountSnapshot{
				Timestamp:   p.now(),
				CashBalance: balance.Summary.Cash,
				TotalEquity: balance.Summary.TotalEquity,
			}
			if err := p.store.AppendSnapshot(snap); err != nil {
				return fmt.Errorf("snapshot: %w", err)
			}
		}
		for _, c := range candidates {
			q := &broker.Quote{
				Symbol:    c.Symbol,
				Price:     c.Price,
				ChangePct: c.Market.ChangePct,
				Timestamp: p.now(),
			}
			if err := p.quotes.SetQuote(ctx, q); err != nil {
				log.Printf("⚠️  Quote cache write failed for %s: %v", c.Symbol, err)
			}
		}
		sr.Out = len(candidates)
		return nil
	})
	if fail {
		return res
	}

	// ── Stage 3: analyze ──
	var buys []analysis.Signal
	p.stage(&res, StageAnalyze, func(sr *StageResult) error {
		sr.In = len(candidates)
		for _, c := range candidates {
			sig := p.analyzer.Analyze(ctx, c)
			if sig.Action == analysis.ActionBuy {
				buys = append(buys, sig)
			}
		}
		sr.Out = len(buys)
		return nil
	})
	res.Signals = len(buys)

	// ── Stage 4: validate ──
	type validated struct {
		sig     analysis.Signal
		verdict analysis.Verdict
	}
	var passed []validated
	p.stage(&res, StageValidate, func(sr *StageResult) error {
		sr.In = len(buys)
		for _, sig := range buys {
			verdict := p.validator.Validate(ctx, sig)
			if verdict.Approved {
				passed = append(passed, validated{sig: sig, verdict: verdict})
			} else {
				log.Printf("🚫 Validation rejected %s: %s", sig.Symbol, verdict.Reason)
			}
		}
		sr.Out = len(passed)
		return nil
	})
	res.Validated = len(passed)

	// ── Stage 5: command ──
	regime := commander.MapRegime(p.regime.Regime())
	var approved []approvedSignal
	p.stage(&res, StageCommand, func(sr *StageResult) error {
		sr.In = len(passed)
		for _, v := range passed {
			d := p.gate.Decide(ctx, v.sig, v.verdict, regime)
			p.logDecision(v.sig, d)
			if d.Approved() {
				approved = append(approved, approvedSignal{sig: v.sig, verdict: v.verdict, decision: d})
			}
		}
		sr.Out = len(approved)
		return nil
	})
	res.Approved = len(approved)

	// ── Stage 6: execute ──
	p.stage(&res, StageExecute, func(sr *StageResult) error {
		sr.In = len(approved)
		sells, buysDone := p.execute(ctx, trigger, approved)
		res.SellOrders = sells
		res.BuyOrders = buysDone
		sr.Out = buysDone
		return nil
	})

	log.Printf("✅ Pipeline done (%s): %d candidates → %d signals → %d validated → %d approved → %d buys, %d sells",
		trigger, res.Candidates, res.Signals, res.Validated, res.Approved, res.BuyOrders, res.SellOrders)
	return res
}

// stage times one stage and records its result. Returns true when the
// run must short-circuit.
func (p *Pipeline) stage(res *Result, name string, fn func(*StageResult) error) bool {
	sr := StageResult{Name: name}
	start := p.now()
	sr.Err = fn(&sr)
	sr.Duration = p.now().Sub(start)
	res.Stages = append(res.Stages, sr)
	if sr.Err != nil {
		res.FailureReason = fmt.Sprintf("%s: %v", name, sr.Err)
		log.Printf("❌ Pipeline stage %s failed: %v", name, sr.Err)
		return true
	}
	return false
}

// execute runs exits first, then submits the approved buys. Duplicate
// logical orders within one run are prevented here, per symbol.
func (p *Pipeline) execute(ctx context.Context, trigger string, approved []approvedSignal) (sells, buys int) {
	sells, err := p.exits.RecheckAll(ctx, "pipeline:"+trigger)
	if err != nil {
		log.Printf("⚠️  Exit recheck failed: %v", err)
	}

	if len(approved) == 0 {
		return sells, 0
	}

	positions, err := p.store.GetPositions()
	if err != nil {
		log.Printf("❌ Positions unavailable, skipping buys: %v", err)
		return sells, 0
	}
	held := make(map[string]bool, len(positions))
	for _, pos := range positions {
		held[pos.Symbol] = true
	}

	ordersToday := 0
	if n, err := p.store.CountOrdersToday(p.now()); err == nil {
		ordersToday = int(n)
	} else {
		log.Printf("⚠️  Order count unavailable, assuming 0: %v", err)
	}

	account, cash := p.accountState(ctx)

	ordered := make(map[string]bool, len(approved))
	for _, a := range approved {
		sym := a.sig.Symbol
		if ordered[sym] {
			continue
		}
		if held[sym] {
			log.Printf("⏭️  Already holding %s, skipping entry", sym)
			continue
		}

		qty := p.sizeOrder(a, cash)
		if qty < 1 {
			log.Printf("⏭️  Budget too small for %s at %d won", sym, a.sig.Price)
			continue
		}

		req := safety.Request{Symbol: sym, Quantity: qty, Price: a.sig.Price}
		check := p.safety.Evaluate(req, len(held), ordersToday, account)
		if !check.Approved {
			log.Printf("🚫 Safety rejected %s: %s", sym, check.FailedCheck())
			continue
		}

		reason := fmt.Sprintf("entry final=%d conf=%d", a.sig.FinalScore, a.decision.Confidence)
		orderID, err := p.orders.Buy(ctx, a.sig, qty, reason)
		if err != nil {
			log.Printf("❌ Buy failed for %s: %v", sym, err)
			continue
		}

		ordered[sym] = true
		buys++
		ordersToday++
		p.bus.Publish(events.NewEvent(events.OrderSubmitted, sym, map[string]any{
			"broker_order_id": orderID,
			"side":            database.SideBuy,
			"quantity":        qty,
			"price":           a.sig.Price,
			"final_score":     a.sig.FinalScore,
		}))
	}
	return sells, buys
}

// sizeOrder computes the entry quantity from the per-candidate cash
// budget: orderable cash split budgetDivisor ways, floored by price.
// The validator's recommendation is only the fallback when the balance
// endpoint is down and no budget can be computed.
func (p *Pipeline) sizeOrder(a approvedSignal, cash int64) int64 {
	if a.sig.Price <= 0 {
		return 0
	}
	if cash > 0 {
		budget := cash / p.budgetDivisor
		return budget / a.sig.Price
	}
	if rec := a.verdict.RecommendedQty; rec > 0 {
		return rec
	}
	return 0
}

// accountState fetches the balance once for the safety checks; outage
// marks it unavailable so checks 4 and 5 pass.
func (p *Pipeline) accountState(ctx context.Context) (safety.AccountState, int64) {
	balance, err := p.account.GetCombinedBalance(ctx)
	if err != nil || balance == nil {
		if err != nil {
			log.Printf("⚠️  Balance unavailable for safety checks: %v", err)
		}
		return safety.AccountState{Unavailable: true}, 0
	}
	pnlPct := 0.0
	if balance.Summary.TotalEquity > 0 {
		pnlPct = float64(balance.Summary.PnLToday) / float64(balance.Summary.TotalEquity) * 100
	}
	return safety.AccountState{
		PnLPct:      pnlPct,
		TotalEquity: balance.Summary.TotalEquity,
	}, balance.Summary.OrderableCash
}

func (p *Pipeline) logDecision(sig analysis.Signal, d commander.Decision) {
	entry := &database.DecisionLog{
		Symbol:     sig.Symbol,
		Action:     d.Decision,
		QuantScore: sig.QuantScore,
		AIScore:    sig.AIScore,
		FinalScore: sig.FinalScore,
		Confidence: d.Confidence,
		RiskLevel:  d.Risk,
		Reason:     d.Reasoning,
		CreatedAt:  p.now(),
	}
	if err := p.store.AppendDecision(entry); err != nil {
		log.Printf("⚠️  Decision log append failed for %s: %v", sig.Symbol, err)
	}
}

func (p *Pipeline) publishComplete(res *Result) {
	p.bus.Publish(events.NewEvent(events.PipelineComplete, "", map[string]any{
		"trigger":     res.Trigger,
		"candidates":  res.Candidates,
		"validated":   res.Validated,
		"buy_orders":  res.BuyOrders,
		"sell_orders": res.SellOrders,
		"failure":     res.FailureReason,
		"duration":    res.Duration.String(),
	}))
}
