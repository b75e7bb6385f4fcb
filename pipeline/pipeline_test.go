package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"krx-trader/analysis"
	"krx-trader/broker"
	"krx-trader/commander"
	"krx-trader/database"
	"krx-trader/events"
	"krx-trader/llm"
	"krx-trader/safety"
)

// ── fakes ───────────────────────────────────────────────────────────

type fakeSource struct {
	candidates []analysis.Candidate
	err        error
}

func (f *fakeSource) Candidates(ctx context.Context) ([]analysis.Candidate, error) {
	return f.candidates, f.err
}

type fakeAccount struct {
	balance *broker.CombinedBalance
	err     error
}

func (f *fakeAccount) GetCombinedBalance(ctx context.Context) (*broker.CombinedBalance, error) {
	return f.balance, f.err
}

type fakeStore struct {
	positions   []database.Position
	ordersToday int64
	snapErr     error

	snapshots []database.AccountSnapshot
	decisions []database.DecisionLog
}

func (f *fakeStore) GetPositions() ([]database.Position, error) { return f.positions, nil }
func (f *fakeStore) CountOrdersToday(now time.Time) (int64, error) {
	return f.ordersToday, nil
}
func (f *fakeStore) AppendSnapshot(s *database.AccountSnapshot) error {
	if f.snapErr != nil {
		return f.snapErr
	}
	f.snapshots = append(f.snapshots, *s)
	return nil
}
func (f *fakeStore) AppendDecision(d *database.DecisionLog) error {
	f.decisions = append(f.decisions, *d)
	return nil
}

type fakeQuotes struct{ written []string }

func (f *fakeQuotes) SetQuote(ctx context.Context, q *broker.Quote) error {
	f.written = append(f.written, q.Symbol)
	return nil
}

type fakeValidator struct{ verdict analysis.Verdict }

func (f *fakeValidator) Validate(ctx context.Context, sig analysis.Signal) analysis.Verdict {
	return f.verdict
}

type fakeGate struct{ decision commander.Decision }

func (f *fakeGate) Decide(ctx context.Context, sig analysis.Signal, v analysis.Verdict, regime string) commander.Decision {
	return f.decision
}

type fakeSafety struct{ failCheck string }

func (f *fakeSafety) Evaluate(req safety.Request, held, orders int, account safety.AccountState) safety.Result {
	if f.failCheck != "" {
		return safety.Result{Checks: []safety.CheckResult{{Name: f.failCheck}}}
	}
	return safety.Result{Approved: true}
}

type fakeExits struct {
	exits int
	calls *[]string
}

func (f *fakeExits) RecheckAll(ctx context.Context, trigger string) (int, error) {
	if f.calls != nil {
		*f.calls = append(*f.calls, "exits")
	}
	return f.exits, nil
}

type buyCall struct {
	symbol     string
	qty        int64
	price      int64
	quantScore int
	finalScore int
	traps      string
}

type fakeOrders struct {
	buys  []buyCall
	err   error
	calls *[]string
}

func (f *fakeOrders) Buy(ctx context.Context, sig analysis.Signal, qty int64, reason string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.calls != nil {
		*f.calls = append(*f.calls, "buy")
	}
	f.buys = append(f.buys, buyCall{
		symbol:     sig.Symbol,
		qty:        qty,
		price:      sig.Price,
		quantScore: sig.QuantScore,
		finalScore: sig.FinalScore,
		traps:      analysis.JoinTrapKinds(sig.Traps),
	})
	return fmt.Sprintf("ORD%04d", len(f.buys)), nil
}

type fakeRegime struct{ regime string }

func (f *fakeRegime) Regime() string { return f.regime }

// scoreReasoner answers the analyzer's scoring prompt.
type scoreReasoner struct{ score int }

func (f *scoreReasoner) Ask(ctx context.Context, system, prompt string) (*llm.Completion, error) {
	return &llm.Completion{Answer: fmt.Sprintf(`{"score": %d}`, f.score)}, nil
}

// ── helpers ─────────────────────────────────────────────────────────

func cleanCandidate(symbol string) analysis.Candidate {
	return analysis.Candidate{
		Symbol:     symbol,
		Name:       "TestCo",
		Price:      100_000,
		QuantScore: 80,
		Market: analysis.TrapInput{
			Symbol:          symbol,
			Price:           100_000,
			OpenPrice:       100_000,
			PrevClose:       99_000,
			ChangePct:       1.0,
			VolumeRatio:     1.2,
			HasSectorData:   true,
			SectorChangePct: 0.5,
		},
	}
}

type testEnv struct {
	source  *fakeSource
	account *fakeAccount
	store   *fakeStore
	quotes  *fakeQuotes
	gate    *fakeGate
	safety  *fakeSafety
	exits   *fakeExits
	orders  *fakeOrders
	verdict analysis.Verdict
	bus     *events.Bus
}

func newTestEnv() *testEnv {
	return &testEnv{
		source: &fakeSource{candidates: []analysis.Candidate{cleanCandidate("005930")}},
		account: &fakeAccount{balance: &broker.CombinedBalance{
			Summary: broker.BalanceSummary{
				Cash:          10_000_000,
				OrderableCash: 10_000_000,
				TotalEquity:   12_000_000,
			},
		}},
		store:  &fakeStore{},
		quotes: &fakeQuotes{},
		gate:   &fakeGate{decision: commander.Decision{Decision: commander.DecisionBuy, Confidence: 80, Risk: "LOW"}},
		safety: &fakeSafety{},
		exits:  &fakeExits{},
		orders: &fakeOrders{},
		verdict: analysis.Verdict{
			Approved:       true,
			CombinedScore:  79,
			RecommendedQty: 15,
		},
		bus: events.NewBus(),
	}
}

func (e *testEnv) pipeline() *Pipeline {
	return New(Deps{
		Source:        e.source,
		Account:       e.account,
		Store:         e.store,
		Quotes:        e.quotes,
		Analyzer:      analysis.NewAnalyzer(analysis.NewTrapDetector(nil), &scoreReasoner{score: 85}),
		Validator:     &fakeValidator{verdict: e.verdict},
		Gate:          e.gate,
		Safety:        e.safety,
		Exits:         e.exits,
		Orders:        e.orders,
		Regime:        e.regimeSource(),
		Bus:           e.bus,
		BudgetDivisor: 5,
	})
}

func (e *testEnv) regimeSource() RegimeSource {
	return &fakeRegime{regime: "GUERRILLA"}
}

func stageNames(res Result) []string {
	names := make([]string, len(res.Stages))
	for i, s := range res.Stages {
		names[i] = s.Name
	}
	return names
}

// ── tests ───────────────────────────────────────────────────────────

func TestRunHappyPath(t *testing.T) {
	env := newTestEnv()

	var completes, submitted []events.Event
	env.bus.SubscribeFunc(events.PipelineComplete, "test", func(ev events.Event) {
		completes = append(completes, ev)
	})
	env.bus.SubscribeFunc(events.OrderSubmitted, "test", func(ev events.Event) {
		submitted = append(submitted, ev)
	})

	res := env.pipeline().Run(context.Background(), "test")

	want := []string{StageFetch, StagePersist, StageAnalyze, StageValidate, StageCommand, StageExecute}
	got := stageNames(res)
	if len(got) != len(want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stage %d = %s, want %s", i, got[i], want[i])
		}
	}

	if res.FailureReason != "" {
		t.Fatalf("unexpected failure: %s", res.FailureReason)
	}
	if res.Candidates != 1 || res.Signals != 1 || res.Validated != 1 || res.Approved != 1 || res.BuyOrders != 1 {
		t.Errorf("counts = %+v, want 1 through every stage", res)
	}

	// Cash 10M / divisor 5 = 2M budget → 20 shares at 100k. The
	// validator's recommendation of 15 does not cap the budget size.
	if len(env.orders.buys) != 1 {
		t.Fatalf("buys = %d, want 1", len(env.orders.buys))
	}
	buy := env.orders.buys[0]
	if buy.symbol != "005930" || buy.qty != 20 {
		t.Errorf("buy = %+v, want 20 shares of 005930", buy)
	}
	// The signal's entry-time scores travel with the order so the exit
	// feedback can grade them later.
	if buy.quantScore != 80 || buy.finalScore != 82 {
		t.Errorf("entry scores = %d/%d, want 80/82", buy.quantScore, buy.finalScore)
	}
	if buy.traps != "" {
		t.Errorf("entry traps = %q, want none for a clean candidate", buy.traps)
	}

	if len(env.store.snapshots) != 1 {
		t.Errorf("snapshots = %d, want 1", len(env.store.snapshots))
	}
	if len(env.store.decisions) != 1 || env.store.decisions[0].Action != commander.DecisionBuy {
		t.Errorf("decision log = %+v, want one buy entry", env.store.decisions)
	}
	if len(env.quotes.written) != 1 {
		t.Errorf("quotes cached = %v, want one", env.quotes.written)
	}
	if len(submitted) != 1 || submitted[0].Symbol != "005930" {
		t.Errorf("order events = %+v, want one for 005930", submitted)
	}
	if len(completes) != 1 {
		t.Errorf("completion events = %d, want 1", len(completes))
	}
}

func TestRunShortCircuitsOnFetchFailure(t *testing.T) {
	env := newTestEnv()
	env.source.err = fmt.Errorf("feed down")

	var completes []events.Event
	env.bus.SubscribeFunc(events.PipelineComplete, "test", func(ev events.Event) {
		completes = append(completes, ev)
	})

	res := env.pipeline().Run(context.Background(), "test")

	if res.FailureReason == "" {
		t.Fatal("expected a failure reason")
	}
	if got := stageNames(res); len(got) != 1 || got[0] != StageFetch {
		t.Errorf("stages = %v, want fetch only", got)
	}
	if len(env.orders.buys) != 0 {
		t.Errorf("buys = %d, want 0", len(env.orders.buys))
	}
	// The completion event still fires so operators see the failure.
	if len(completes) != 1 {
		t.Errorf("completion events = %d, want 1", len(completes))
	}
}

func TestRunShortCircuitsOnPersistFailure(t *testing.T) {
	env := newTestEnv()
	env.store.snapErr = fmt.Errorf("db gone")

	res := env.pipeline().Run(context.Background(), "test")

	if got := stageNames(res); len(got) != 2 || got[1] != StagePersist {
		t.Errorf("stages = %v, want fetch then persist", got)
	}
	if res.Signals != 0 || len(env.orders.buys) != 0 {
		t.Error("nothing past persist should have run")
	}
}

func TestRunDedupesWithinRun(t *testing.T) {
	env := newTestEnv()
	env.source.candidates = []analysis.Candidate{
		cleanCandidate("005930"),
		cleanCandidate("005930"),
	}

	res := env.pipeline().Run(context.Background(), "test")

	if res.Approved != 2 {
		t.Fatalf("approved = %d, want 2 (dedupe happens at execute)", res.Approved)
	}
	if len(env.orders.buys) != 1 {
		t.Errorf("buys = %d, want 1 after in-run dedupe", len(env.orders.buys))
	}
}

func TestRunSkipsHeldSymbol(t *testing.T) {
	env := newTestEnv()
	env.store.positions = []database.Position{{Symbol: "005930", Quantity: 10, AvgCost: 90_000}}

	env.pipeline().Run(context.Background(), "test")

	if len(env.orders.buys) != 0 {
		t.Errorf("buys = %+v, want none for an already-held symbol", env.orders.buys)
	}
}

func TestRunSafetyRejectionSkipsOrder(t *testing.T) {
	env := newTestEnv()
	env.safety.failCheck = safety.CheckPositionCount

	res := env.pipeline().Run(context.Background(), "test")

	if res.Approved != 1 {
		t.Fatalf("approved = %d, want 1", res.Approved)
	}
	if len(env.orders.buys) != 0 {
		t.Errorf("buys = %d, want 0 after safety rejection", len(env.orders.buys))
	}
}

func TestRunExitsBeforeBuys(t *testing.T) {
	env := newTestEnv()
	var order []string
	env.exits.calls = &order
	env.exits.exits = 1
	env.orders.calls = &order

	res := env.pipeline().Run(context.Background(), "test")

	if len(order) != 2 || order[0] != "exits" || order[1] != "buy" {
		t.Errorf("call order = %v, want exits before buy", order)
	}
	if res.SellOrders != 1 {
		t.Errorf("sell orders = %d, want 1", res.SellOrders)
	}
}

func TestRunVetoDropsSignal(t *testing.T) {
	env := newTestEnv()
	env.gate.decision = commander.Decision{Decision: commander.DecisionHold, Veto: true, Risk: "HIGH"}

	res := env.pipeline().Run(context.Background(), "test")

	if res.Validated != 1 || res.Approved != 0 {
		t.Errorf("validated/approved = %d/%d, want 1/0", res.Validated, res.Approved)
	}
	if len(env.orders.buys) != 0 {
		t.Errorf("buys = %d, want 0", len(env.orders.buys))
	}
	// The hold still lands in the decision log.
	if len(env.store.decisions) != 1 || env.store.decisions[0].Action != commander.DecisionHold {
		t.Errorf("decision log = %+v, want one hold entry", env.store.decisions)
	}
}

func TestRunBalanceOutageStillTrades(t *testing.T) {
	env := newTestEnv()
	env.account.err = fmt.Errorf("broker 500")

	res := env.pipeline().Run(context.Background(), "test")

	if res.FailureReason != "" {
		t.Fatalf("balance outage must not fail the run: %s", res.FailureReason)
	}
	// No cash figure, so sizing falls back to the validator's
	// recommendation.
	if len(env.orders.buys) != 1 || env.orders.buys[0].qty != 15 {
		t.Errorf("buys = %+v, want one order of 15", env.orders.buys)
	}
	if len(env.store.snapshots) != 0 {
		t.Errorf("snapshots = %d, want none without balance data", len(env.store.snapshots))
	}
}

func TestSizeOrder(t *testing.T) {
	p := New(Deps{BudgetDivisor: 5})
	sig := analysis.Signal{Price: 100_000}

	tests := []struct {
		name string
		cash int64
		rec  int64
		want int64
	}{
		{"budget only", 10_000_000, 0, 20},
		{"recommendation ignored when cash is known", 10_000_000, 15, 20},
		{"small budget", 5_000_000, 50, 10},
		{"no cash falls back to recommendation", 0, 7, 7},
		{"nothing to size", 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := approvedSignal{sig: sig, verdict: analysis.Verdict{RecommendedQty: tt.rec}}
			if got := p.sizeOrder(a, tt.cash); got != tt.want {
				t.Errorf("sizeOrder(cash=%d, rec=%d) = %d, want %d", tt.cash, tt.rec, got, tt.want)
			}
		})
	}
}
