// Package app wires the trading core together: store, cache, broker,
// stream, feeds, analysis stages, pipeline, scheduler and the feedback
// loop, with ordered startup and shutdown.
package app

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"krx-trader/analysis"
	"krx-trader/broker"
	"krx-trader/cache"
	"krx-trader/commander"
	"krx-trader/config"
	"krx-trader/database"
	"krx-trader/dispatcher"
	"krx-trader/events"
	"krx-trader/feedback"
	"krx-trader/feeds"
	"krx-trader/llm"
	"krx-trader/notifications"
	"krx-trader/pipeline"
	"krx-trader/portfolio"
	"krx-trader/safety"
	"krx-trader/scheduler"
	"krx-trader/stream"
)

// pipelineDrain bounds the wait for in-flight pipeline runs on stop.
const pipelineDrain = 30 * time.Second

// hotSymbolChangePct is the scanner's entry bar for mover events.
const hotSymbolChangePct = 5.0

// App owns every long-lived component.
type App struct {
	cfg *config.Config
	loc *time.Location

	bus      *events.Bus
	db       *database.Database
	repo     *database.Repository
	redis    *cache.RedisClient
	market   *cache.MarketCache
	broker   *broker.Client
	notifier *notifications.Notifier

	fast *llm.Reasoner
	deep *llm.Reasoner

	detector *analysis.TrapDetector
	analyzer *analysis.Analyzer

	stream     *stream.Manager
	dispatcher *dispatcher.Dispatcher
	disclosure *feeds.DisclosureFeed
	news       *feeds.NewsFeed
	macro      *feeds.MacroMonitor
	poller     *feeds.Poller

	portfolio *portfolio.Manager
	feedback  *feedback.Engine
	pipe      *pipeline.Pipeline
	sched     *scheduler.Scheduler

	quoter *quoter
	orders *orderService

	pipelineWG      sync.WaitGroup
	breakerNotified atomic.Bool
}

// New wires the application. Nothing talks to the network yet except
// the store, cache and clock checks.
func New(cfg *config.Config) (*App, error) {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}

	db, err := database.Connect(cfg.Database.Host, cfg.Database.Port, cfg.Database.Name, cfg.Database.User, cfg.Database.Password)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	if err := db.InitSchema(); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	repo := database.NewRepository(db)

	a := &App{
		cfg:      cfg,
		loc:      loc,
		bus:      events.NewBus(),
		db:       db,
		repo:     repo,
		redis:    cache.NewRedisClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password),
		broker:   broker.NewClient(cfg.Broker),
		notifier: notifications.New(cfg.Notify),
	}
	a.market = cache.NewMarketCache(a.redis)

	if cfg.LLM.Enabled {
		llmClient := llm.NewClient(cfg.LLM.Endpoint, cfg.LLM.APIKey)
		a.fast = llm.NewFastReasoner(llmClient, cfg.LLM.FastModel)
		a.deep = llm.NewDeepReasoner(llmClient, cfg.LLM.DeepModel)
	} else {
		log.Println("⚠️  LLM disabled; running on quant scores and auto-checks only")
	}

	a.disclosure = feeds.NewDisclosureFeed(a.bus)
	a.news = feeds.NewNewsFeed(a.bus)
	a.macro = feeds.NewMacroMonitor(a.bus)
	a.poller = feeds.NewPoller(cfg.Feeds, a.disclosure, a.news, a.macro)

	a.detector = analysis.NewTrapDetector(a.disclosure)
	a.analyzer = analysis.NewAnalyzer(a.detector, reasonerOrNil(a.fast))

	validator := analysis.NewValidator(
		&backtestSource{repo: repo},
		reasonerOrNil(a.deep),
		analysis.Thresholds{
			MinCombined:   cfg.Trading.ValidatorMinCombined,
			MinWinRate:    cfg.Trading.ValidatorMinWinRate,
			MinProfitProb: cfg.Trading.ValidatorMinProfitProb,
		},
		cfg.Trading.BaseBudget,
	)

	a.feedback = feedback.NewEngine(repo, a.detector, reasonerOrNil(a.deep))

	a.quoter = &quoter{market: a.market, broker: a.broker}
	a.orders = &orderService{broker: a.broker, repo: repo, notifier: a.notifier}
	a.portfolio = portfolio.NewManager(repo, a.quoter, a.orders)

	a.stream = stream.NewManager(
		cfg.Broker.StreamURL,
		cfg.Broker.AccountNo,
		&approvalSource{broker: a.broker},
		a.bus,
		a.market,
		repo,
		a.notifier,
	)

	checker := safety.NewChecker(safety.Limits{
		MaxHoldings:    cfg.Trading.MaxHoldings,
		MaxDailyTrades: cfg.Trading.MaxDailyTrades,
		MaxLossPct:     cfg.Trading.MaxAccountLossPct,
		MaxPositionPct: cfg.Trading.MaxPositionPct,
	}, loc)

	a.pipe = pipeline.New(pipeline.Deps{
		Source: &candidateSource{
			repo:   repo,
			market: a.market,
			quoter: a.quoter,
			broker: a.broker,
			macro:  a.macro,
			loc:    loc,
			now:    time.Now,
		},
		Account:       a.broker,
		Store:         repo,
		Quotes:        a.market,
		Analyzer:      a.analyzer,
		Validator:     validator,
		Gate:          commander.NewCommander(reasonerOrNil(a.fast), a.feedback),
		Safety:        checker,
		Exits:         a.portfolio,
		Orders:        a.orders,
		Regime:        a.macro,
		Bus:           a.bus,
		BudgetDivisor: cfg.Trading.BudgetDivisor,
	})

	a.dispatcher = dispatcher.New(a.fetchSymbol, recheckFunc(a.recheckPortfolio))
	a.sched = scheduler.New(loc)

	return a, nil
}

// reasoner is the Ask slice every consumer declares for itself.
type reasoner interface {
	Ask(ctx context.Context, system, prompt string) (*llm.Completion, error)
}

// reasonerOrNil keeps a typed-nil *llm.Reasoner from hiding inside a
// non-nil interface value when the LLM layer is disabled.
func reasonerOrNil(r *llm.Reasoner) reasoner {
	if r == nil {
		return nil
	}
	return r
}

// recheckFunc adapts a method to the dispatcher's rechecker contract.
type recheckFunc func(reason string)

func (f recheckFunc) RecheckAll(reason string) { f(reason) }

// Start brings the system up in dependency order: persisted state,
// event wiring, stream, scheduler.
func (a *App) Start(ctx context.Context) error {
	log.Println("🚀 Starting trading core...")

	a.restoreState()
	a.dispatcher.Register(a.bus)
	a.bus.SubscribeFunc(events.ExecutionFill, "fill-applier", a.onExecutionFill)

	if _, err := a.broker.GetAccessToken(ctx); err != nil {
		a.notifier.BrokerAuthFailure(err)
		return fmt.Errorf("broker auth: %w", err)
	}

	if err := a.stream.Start(); err != nil {
		// The REST path still works; degrade rather than die.
		log.Printf("⚠️  Stream unavailable, continuing on REST polling: %v", err)
	} else if err := a.stream.SyncWithPositions(); err != nil {
		log.Printf("⚠️  Position sync failed: %v", err)
	}

	a.poller.Start()

	if err := a.registerJobs(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	a.sched.Start()

	log.Println("✅ Trading core started")
	return nil
}

// Stop shuts down in reverse order: no new ticks, close the stream,
// drain running pipelines, close the stores.
func (a *App) Stop() {
	log.Println("🛑 Shutting down...")
	a.sched.Stop()
	a.poller.Stop()
	a.stream.Stop()

	done := make(chan struct{})
	go func() {
		a.pipelineWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(pipelineDrain):
		log.Println("⚠️  Pipeline drain timed out")
	}

	if a.redis != nil {
		a.redis.Close()
	}
	if err := a.db.Close(); err != nil {
		log.Printf("⚠️  Store close failed: %v", err)
	}
	log.Println("🛑 Shutdown complete")
}

// restoreState seeds the learned runtime state from the store: the
// acceptance threshold and the trap pattern weights.
func (a *App) restoreState() {
	if v, err := a.repo.GetConfigValue("min_score", strconv.Itoa(a.cfg.Trading.MinScore)); err == nil {
		if score, err := strconv.Atoi(v); err == nil {
			a.feedback.RestoreMinScore(score)
			log.Printf("✅ MIN_SCORE restored: %d", score)
		}
	}

	weights, err := a.repo.GetPatternWeights()
	if err != nil {
		log.Printf("⚠️  Pattern weights unavailable, using defaults: %v", err)
		return
	}
	if len(weights) > 0 {
		byKind := make(map[string]float64, len(weights))
		for kind, w := range weights {
			byKind[kind] = w.Weight
		}
		a.detector.LoadWeights(byKind)
		log.Printf("✅ Trap weights restored: %d patterns", len(byKind))
	}
}

// Init is the pre-market routine: refresh the balance snapshot, mirror
// broker holdings into the store, and verify there are no stray open
// orders from yesterday.
func (a *App) Init(ctx context.Context) error {
	balance, err := a.broker.GetCombinedBalance(ctx)
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}

	if err := a.repo.AppendSnapshot(&database.AccountSnapshot{
		Timestamp:   time.Now(),
		CashBalance: balance.Summary.Cash,
		TotalEquity: balance.Summary.TotalEquity,
	}); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	if err := a.mirrorHoldings(balance.Holdings); err != nil {
		return fmt.Errorf("holdings: %w", err)
	}

	open, err := a.broker.GetOpenOrders(ctx)
	if err != nil {
		log.Printf("⚠️  Open order check failed: %v", err)
	} else if len(open) > 0 {
		for _, o := range open {
			log.Printf("⚠️  Stray open order: %s %s x%d @ %d", o.Side, o.Symbol, o.Quantity, o.Price)
		}
		a.notifier.Alert("Stray open orders at init", fmt.Sprintf("%d unfilled orders at the broker", len(open)))
	}

	log.Printf("✅ Init complete: %d holdings, cash %d won, equity %d won",
		len(balance.Holdings), balance.Summary.Cash, balance.Summary.TotalEquity)
	return nil
}

// Status prints a one-shot operational summary from the store and the
// broker without starting the stream or the scheduler.
func (a *App) Status(ctx context.Context) error {
	now := time.Now().In(a.loc)

	positions, err := a.repo.GetPositions()
	if err != nil {
		return fmt.Errorf("positions: %w", err)
	}
	ordersToday, err := a.repo.CountOrdersToday(now)
	if err != nil {
		return fmt.Errorf("order count: %w", err)
	}
	minScore, _ := a.repo.GetConfigValue("min_score", strconv.Itoa(a.cfg.Trading.MinScore))
	picks, _ := a.repo.GetDailyPicks(now)

	fmt.Printf("Time:          %s\n", now.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("Positions:     %d / %d\n", len(positions), a.cfg.Trading.MaxHoldings)
	for _, p := range positions {
		fmt.Printf("  %s %s x%d @ %d (max %d, partial stage %d)\n",
			p.Symbol, p.Name, p.Quantity, p.AvgCost, p.MaxPrice, p.PartialExitStage)
	}
	fmt.Printf("Orders today:  %d / %d\n", ordersToday, a.cfg.Trading.MaxDailyTrades)
	fmt.Printf("MIN_SCORE:     %s\n", minScore)
	fmt.Printf("Daily picks:   %d\n", len(picks))

	if balance, err := a.broker.GetCombinedBalance(ctx); err != nil {
		fmt.Printf("Balance:       unavailable (%v)\n", err)
	} else {
		fmt.Printf("Cash:          %d won (orderable %d)\n", balance.Summary.Cash, balance.Summary.OrderableCash)
		fmt.Printf("Equity:        %d won (PnL today %d)\n", balance.Summary.TotalEquity, balance.Summary.PnLToday)
	}
	return nil
}

// mirrorHoldings upserts broker holdings into the position table and
// flags rows the broker no longer reports.
func (a *App) mirrorHoldings(holdings []broker.Holding) error {
	known, err := a.repo.GetPositions()
	if err != nil {
		return err
	}
	knownBy := make(map[string]database.Position, len(known))
	for _, p := range known {
		knownBy[p.Symbol] = p
	}

	for _, h := range holdings {
		p, ok := knownBy[h.Symbol]
		if !ok {
			p = database.Position{
				Symbol:       h.Symbol,
				FirstEntryAt: time.Now(),
				MaxPrice:     h.CurPrice,
			}
		}
		p.Name = h.Name
		p.Quantity = h.Quantity
		p.AvgCost = h.AvgCost
		if h.CurPrice > p.MaxPrice {
			p.MaxPrice = h.CurPrice
		}
		if err := a.repo.SavePosition(&p); err != nil {
			return err
		}
		delete(knownBy, h.Symbol)
	}

	for symbol := range knownBy {
		log.Printf("⚠️  Position %s in store but not at broker; manual check needed", symbol)
	}
	return nil
}

// fetchSymbol is the dispatcher's fetch target: refresh the quote and
// opportunistically take a mover slot on the stream.
func (a *App) fetchSymbol(symbol, reason, priority string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	quote, err := a.broker.GetCurrentPrice(ctx, symbol)
	if err != nil {
		log.Printf("⚠️  Fetch failed for %s (%s): %v", symbol, reason, err)
		return
	}
	if err := a.market.SetQuote(ctx, quote); err != nil {
		log.Printf("⚠️  Quote cache write failed for %s: %v", symbol, err)
	}

	// Movers and news-driven symbols earn an opportunistic stream slot.
	if reason == "hot_symbol" || reason == "breaking_news" {
		if err := a.stream.Subscribe(symbol, "", stream.PriorityMover); err != nil {
			log.Printf("⚠️  Mover subscribe failed for %s: %v", symbol, err)
		}
	}
}

func (a *App) recheckPortfolio(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := a.portfolio.RecheckAll(ctx, reason); err != nil {
		log.Printf("⚠️  Portfolio recheck failed (%s): %v", reason, err)
	}
}

// onExecutionFill applies a fill notice to the store and, when a sell
// closes a position, feeds the exit to the feedback engine.
func (a *App) onExecutionFill(ev events.Event) {
	orderID, _ := ev.Data["broker_order_id"].(string)
	side, _ := ev.Data["side"].(string)
	qty, _ := ev.Data["filled_qty"].(int64)
	price, _ := ev.Data["fill_price"].(int64)
	if orderID == "" || qty <= 0 || price <= 0 {
		log.Printf("⚠️  Malformed fill notice dropped: %v", ev.Data)
		return
	}

	var before *database.Position
	if side == database.SideSell && ev.Symbol != "" {
		before, _ = a.repo.GetPosition(ev.Symbol)
	}

	remaining, err := a.repo.ApplyExecutionFill(database.Fill{
		BrokerOrderID: orderID,
		Qty:           qty,
		Price:         price,
		Side:          side,
		FilledAt:      ev.Timestamp,
	})
	if err != nil {
		log.Printf("❌ Fill apply failed for %s: %v", orderID, err)
		return
	}
	log.Printf("✅ Fill applied: %s %s x%d @ %d", side, ev.Symbol, qty, price)

	if side == database.SideSell && remaining == nil && before != nil {
		a.processClosedPosition(ev, orderID, before, price)
	}

	if err := a.stream.SyncWithPositions(); err != nil {
		log.Printf("⚠️  Position sync after fill failed: %v", err)
	}
}

func (a *App) processClosedPosition(ev events.Event, orderID string, before *database.Position, exitPrice int64) {
	reason := "unknown"
	if order, err := a.repo.GetOrderByBrokerID(orderID); err == nil && order != nil {
		reason = order.Reason
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	err := a.feedback.ProcessTradeExit(ctx, feedback.TradeExit{
		Symbol:     before.Symbol,
		Name:       before.Name,
		EntryPrice: before.AvgCost,
		ExitPrice:  exitPrice,
		EntryAt:    before.FirstEntryAt,
		ExitAt:     ev.Timestamp,
		ExitReason: reason,
		QuantScore: before.EntryQuantScore,
		AIScore:    before.EntryAIScore,
		FinalScore: before.EntryFinalScore,
		EntryTraps: analysis.TrapsFromKinds(before.EntryTraps),
	})
	if err != nil {
		log.Printf("⚠️  Feedback processing failed for %s: %v", before.Symbol, err)
		return
	}

	if a.feedback.CircuitBreakerActive() && !a.breakerNotified.Swap(true) {
		a.notifier.CircuitBreaker(5)
	}
}

// runPipeline executes one invocation under the drain group.
func (a *App) runPipeline(trigger string) {
	a.pipelineWG.Add(1)
	defer a.pipelineWG.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	res := a.pipe.Run(ctx, trigger)
	a.notifier.PipelineSummary(res)
}
