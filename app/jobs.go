package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"krx-trader/broker"
	"krx-trader/database"
	"krx-trader/events"
	"krx-trader/llm"
	"krx-trader/scheduler"
)

// registerJobs binds the five recurring jobs to their cron specs.
func (a *App) registerJobs() error {
	jobs := []scheduler.Job{
		{Name: "daily-deep-analysis", Specs: scheduler.SpecDailyDeepAnalysis, Run: a.dailyDeepAnalysis},
		{Name: "market-scanner", Specs: scheduler.SpecMarketScanner, Run: a.marketScanner},
		{Name: "portfolio-recheck", Specs: scheduler.SpecPortfolioRecheck, Run: func() { a.recheckPortfolio("scheduled") }},
		{Name: "intraday-pipeline", Specs: scheduler.SpecIntradayPipeline, Run: func() { a.runPipeline("scheduled") }},
		{Name: "daily-settlement", Specs: scheduler.SpecDailySettlement, Run: a.dailySettlement},
	}
	for _, job := range jobs {
		name, run := job.Name, job.Run
		job.Run = func() {
			a.bus.Publish(events.NewEvent(events.ScheduleTick, "", map[string]any{"job": name}))
			run()
		}
		if err := a.sched.Register(job); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	return nil
}

const deepAnalysisSystem = `You are a Korean equities pre-market analyst.
From the mover list, select up to 20 symbols worth watching today and
score each 0-100 for buy attractiveness. Respond with JSON only:
{"picks": [{"symbol": "<code>", "name": "<name>", "score": <0-100>}]}`

// dailyDeepAnalysis runs at 07:20: rank today's watchlist, persist the
// picks and hand them to the stream's priority-2 tier.
func (a *App) dailyDeepAnalysis() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	movers, err := a.broker.GetTopMovers(ctx)
	if err != nil {
		log.Printf("❌ Deep analysis: mover board unavailable: %v", err)
		return
	}
	if len(movers) == 0 {
		log.Println("⚠️  Deep analysis: empty mover board")
		return
	}

	picks := a.rankCandidates(ctx, movers)
	if len(picks) == 0 {
		log.Println("⚠️  Deep analysis produced no picks")
		return
	}

	today := time.Now().In(a.loc)
	if err := a.repo.ReplaceDailyPicks(today, picks); err != nil {
		log.Printf("❌ Deep analysis: persist failed: %v", err)
		return
	}
	a.stream.UpdateDailyPicks(picks)
	log.Printf("✅ Deep analysis: %d picks for %s", len(picks), today.Format("2006-01-02"))
}

// rankCandidates asks the deep reasoner to rank the movers; without a
// reasoner the change-rate board itself is the ranking.
func (a *App) rankCandidates(ctx context.Context, movers []broker.Mover) []database.DailyPick {
	if a.deep == nil {
		return a.quantRank(movers)
	}

	var b strings.Builder
	limit := len(movers)
	if limit > 40 {
		limit = 40
	}
	for _, m := range movers[:limit] {
		fmt.Fprintf(&b, "%s %s: %d won, %+.2f%%, volume %d\n", m.Symbol, m.Name, m.Price, m.ChangePct, m.Volume)
	}

	resp, err := a.askDeepCached(ctx, deepAnalysisSystem, b.String())
	if err != nil {
		log.Printf("⚠️  Deep reasoner failed, ranking by change rate: %v", err)
		return a.quantRank(movers)
	}

	var out struct {
		Picks []struct {
			Symbol string `json:"symbol"`
			Name   string `json:"name"`
			Score  int    `json:"score"`
		} `json:"picks"`
	}
	if err := llm.ExtractJSON(resp.Answer, &out); err != nil || len(out.Picks) == 0 {
		log.Printf("⚠️  Deep reply unparseable, ranking by change rate: %v", err)
		return a.quantRank(movers)
	}

	prices := make(map[string]int64, len(movers))
	for _, m := range movers {
		prices[m.Symbol] = m.Price
	}

	var picks []database.DailyPick
	for i, p := range out.Picks {
		if i >= 20 {
			break
		}
		score := p.Score
		if score < 0 || score > 100 {
			score = 50
		}
		picks = append(picks, database.DailyPick{
			Symbol:        p.Symbol,
			Name:          p.Name,
			Rank:          i + 1,
			AIScore:       score,
			ExpectedEntry: prices[p.Symbol],
		})
	}
	return picks
}

// askDeepCached caches the morning analysis per day so a restart does
// not re-pay the reasoner call.
func (a *App) askDeepCached(ctx context.Context, system, prompt string) (*llm.Completion, error) {
	key := "deep-analysis:" + time.Now().In(a.loc).Format("2006-01-02")
	if cached := a.market.GetLLMResponse(ctx, key); cached != nil {
		log.Println("✅ Deep analysis served from cache")
		return cached, nil
	}
	resp, err := a.deep.Ask(ctx, system, prompt)
	if err != nil {
		return nil, err
	}
	a.market.SetLLMResponse(ctx, key, resp)
	return resp, nil
}

// quantRank falls back to the change-rate board: strongest movers win.
func (a *App) quantRank(movers []broker.Mover) []database.DailyPick {
	var picks []database.DailyPick
	for _, m := range movers {
		if len(picks) >= 20 {
			break
		}
		if m.ChangePct <= 0 || m.Volume <= 0 {
			continue
		}
		score := 55 + int(m.ChangePct*3)
		if score > 85 {
			score = 85
		}
		picks = append(picks, database.DailyPick{
			Symbol:        m.Symbol,
			Name:          m.Name,
			Rank:          len(picks) + 1,
			AIScore:       score,
			ExpectedEntry: m.Price,
		})
	}
	return picks
}

// marketScanner runs every minute during the session: strong movers
// become hot-symbol events and opportunistic priority-3 subscriptions.
func (a *App) marketScanner() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	movers, err := a.broker.GetTopMovers(ctx)
	if err != nil {
		log.Printf("⚠️  Scanner: mover board unavailable: %v", err)
		return
	}

	hot := 0
	for _, m := range movers {
		if m.ChangePct < hotSymbolChangePct || m.Volume <= 0 {
			continue
		}
		hot++
		a.bus.Publish(events.NewEvent(events.HotSymbol, m.Symbol, map[string]any{
			"name":       m.Name,
			"change_pct": m.ChangePct,
			"volume":     m.Volume,
		}))
	}
	if hot > 0 {
		log.Printf("🔥 Scanner: %d hot symbols", hot)
	}
}

// dailySettlement runs at 16:00: snapshot the account, summarize the
// day's exits, clear the circuit breaker and realign the stream.
func (a *App) dailySettlement() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	now := time.Now().In(a.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, a.loc)

	equity := int64(0)
	if balance, err := a.broker.GetCombinedBalance(ctx); err != nil {
		log.Printf("⚠️  Settlement: balance unavailable: %v", err)
	} else {
		equity = balance.Summary.TotalEquity
		if err := a.repo.AppendSnapshot(&database.AccountSnapshot{
			Timestamp:        now,
			CashBalance:      balance.Summary.Cash,
			TotalEquity:      equity,
			RealizedPnLToday: balance.Summary.PnLToday,
		}); err != nil {
			log.Printf("⚠️  Settlement: snapshot failed: %v", err)
		}
	}

	exits, err := a.repo.FeedbackSince(midnight)
	if err != nil {
		log.Printf("⚠️  Settlement: feedback query failed: %v", err)
	}
	a.notifier.SettlementSummary(now, exits, equity)

	a.feedback.ResetCircuitBreaker()
	a.breakerNotified.Store(false)

	if err := a.stream.SyncWithPositions(); err != nil {
		log.Printf("⚠️  Settlement: position sync failed: %v", err)
	}
	log.Printf("✅ Settlement complete: %d exits today", len(exits))
}
