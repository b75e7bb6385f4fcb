package app

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"krx-trader/analysis"
	"krx-trader/broker"
	"krx-trader/cache"
	"krx-trader/database"
	"krx-trader/feeds"
	"krx-trader/notifications"
)

// approvalSource adapts the broker client to the stream manager's
// handshake contract. Every connect fetches a fresh key.
type approvalSource struct {
	broker *broker.Client
}

func (a *approvalSource) GetApprovalKey() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.broker.GetApprovalKey(ctx)
}

// quoter answers price lookups cache-first, falling back to REST. The
// stream keeps the cache warm for every subscribed symbol.
type quoter struct {
	market *cache.MarketCache
	broker *broker.Client
}

func (q *quoter) CurrentPrice(ctx context.Context, symbol string) (int64, error) {
	if cached := q.market.GetQuote(ctx, symbol); cached != nil && cached.Price > 0 {
		return cached.Price, nil
	}
	quote, err := q.fetch(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return quote.Price, nil
}

// FullQuote returns the session quote with the REST-only fields (open,
// previous close, volume ratio, program net). A cached stream tick
// lacks those, so only REST-sourced cache entries count as hits.
func (q *quoter) FullQuote(ctx context.Context, symbol string) (*broker.Quote, error) {
	if cached := q.market.GetQuote(ctx, symbol); cached != nil && cached.PrevClose > 0 {
		return cached, nil
	}
	return q.fetch(ctx, symbol)
}

func (q *quoter) fetch(ctx context.Context, symbol string) (*broker.Quote, error) {
	quote, err := q.broker.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if err := q.market.SetQuote(ctx, quote); err != nil {
		log.Printf("⚠️  Quote cache write failed for %s: %v", symbol, err)
	}
	return quote, nil
}

// orderService submits market orders and records them. It serves both
// the pipeline's buy path and the portfolio manager's sell path.
type orderService struct {
	broker   *broker.Client
	repo     *database.Repository
	notifier *notifications.Notifier
}

// Buy records the signal's entry-time scores and trap kinds on the
// order row; the fill apply copies them onto the position so the exit
// feedback can grade the entry decision.
func (s *orderService) Buy(ctx context.Context, sig analysis.Signal, qty int64, reason string) (string, error) {
	return s.place(ctx, &database.Order{
		Symbol:     sig.Symbol,
		Side:       database.SideBuy,
		Quantity:   qty,
		Reason:     reason,
		QuantScore: sig.QuantScore,
		AIScore:    sig.AIScore,
		FinalScore: sig.FinalScore,
		EntryTraps: analysis.JoinTrapKinds(sig.Traps),
	})
}

func (s *orderService) Sell(ctx context.Context, symbol string, qty int64, reason string) error {
	_, err := s.place(ctx, &database.Order{
		Symbol:   symbol,
		Side:     database.SideSell,
		Quantity: qty,
		Reason:   reason,
	})
	return err
}

func (s *orderService) place(ctx context.Context, order *database.Order) (string, error) {
	symbol, qty := order.Symbol, order.Quantity
	result, err := s.broker.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:   symbol,
		Side:     order.Side,
		Venue:    database.VenuePrimary,
		Quantity: qty,
	})
	if err != nil {
		return "", err
	}

	order.BrokerOrderID = result.BrokerOrderID
	order.Venue = result.Venue
	order.PlacedAt = result.PlacedAt
	if err := s.repo.CreateOrder(order); err != nil {
		// The broker already has the order; losing the row would orphan
		// the fill notice.
		log.Printf("❌ Order row insert failed for %s (%s): %v", symbol, result.BrokerOrderID, err)
		return result.BrokerOrderID, fmt.Errorf("order placed but not recorded: %w", err)
	}

	s.notifier.OrderPlaced(order.Side, symbol, qty, result.Price, order.Reason)
	return result.BrokerOrderID, nil
}

// candidateSource builds the pipeline's analysis inputs from today's
// daily picks: session quote, order book top, investor flows and the
// long moving averages, so every trap pattern has its inputs.
type candidateSource struct {
	repo   *database.Repository
	market *cache.MarketCache
	quoter *quoter
	broker *broker.Client
	macro  *feeds.MacroMonitor
	loc    *time.Location
	now    func() time.Time

	mu       sync.Mutex
	maDay    string
	maCache  map[string][2]int64 // MA120, MA200 per symbol, refreshed daily
	prevProg map[string]int64    // last program net seen, for the slope
}

func (c *candidateSource) Candidates(ctx context.Context) ([]analysis.Candidate, error) {
	picks, err := c.repo.GetDailyPicks(c.now().In(c.loc))
	if err != nil {
		return nil, fmt.Errorf("daily picks unavailable: %w", err)
	}

	snap := c.macro.Snapshot()
	var out []analysis.Candidate
	for _, pick := range picks {
		q, err := c.quoter.FullQuote(ctx, pick.Symbol)
		if err != nil || q.Price <= 0 {
			log.Printf("⚠️  No quote for candidate %s, skipping: %v", pick.Symbol, err)
			continue
		}

		top := c.market.GetOrderBookTop(ctx, pick.Symbol)
		if top == nil {
			if top, err = c.broker.GetOrderBookTop(ctx, pick.Symbol); err != nil {
				log.Printf("⚠️  No order book for candidate %s: %v", pick.Symbol, err)
				top = nil
			}
		}

		flow, err := c.broker.GetInvestorFlows(ctx, pick.Symbol)
		if err != nil {
			log.Printf("⚠️  No investor flows for candidate %s: %v", pick.Symbol, err)
			flow = nil
		}

		ma120, ma200 := c.movingAverages(ctx, pick.Symbol)
		in := buildTrapInput(q, top, flow, c.programSlope(pick.Symbol, q.ProgramNet), ma120, ma200, snap.USDKRWChange)

		out = append(out, analysis.Candidate{
			Symbol:     pick.Symbol,
			Name:       pick.Name,
			Price:      q.Price,
			QuantScore: pick.AIScore,
			Market:     in,
			Summary:    fmt.Sprintf("Daily pick rank %d, pre-market score %d", pick.Rank, pick.AIScore),
		})
	}
	return out, nil
}

// movingAverages returns the 120/200-day closes means, computed once
// per symbol per day from the broker's daily chart. Zero when there is
// not enough history.
func (c *candidateSource) movingAverages(ctx context.Context, symbol string) (int64, int64) {
	day := c.now().In(c.loc).Format("2006-01-02")

	c.mu.Lock()
	if c.maDay != day {
		c.maDay = day
		c.maCache = make(map[string][2]int64)
	}
	if mas, ok := c.maCache[symbol]; ok {
		c.mu.Unlock()
		return mas[0], mas[1]
	}
	c.mu.Unlock()

	closes, err := c.broker.GetDailyCloses(ctx, symbol, 200)
	if err != nil {
		log.Printf("⚠️  No daily closes for %s: %v", symbol, err)
		return 0, 0
	}
	ma120, ma200 := movingAverage(closes, 120), movingAverage(closes, 200)

	c.mu.Lock()
	c.maCache[symbol] = [2]int64{ma120, ma200}
	c.mu.Unlock()
	return ma120, ma200
}

// programSlope tracks the program net between observations of one
// symbol: the normalized change, clamped to [-1, 1]. First sight is 0.
func (c *candidateSource) programSlope(symbol string, cur int64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prevProg == nil {
		c.prevProg = make(map[string]int64)
	}
	prev, seen := c.prevProg[symbol]
	c.prevProg[symbol] = cur
	if !seen {
		return 0
	}
	base := prev
	if base < 0 {
		base = -base
	}
	if base == 0 {
		base = 1
	}
	slope := float64(cur-prev) / float64(base)
	if slope > 1 {
		return 1
	}
	if slope < -1 {
		return -1
	}
	return slope
}

// movingAverage is the mean of the first n closes; zero when fewer
// than n are available.
func movingAverage(closes []int64, n int) int64 {
	if n <= 0 || len(closes) < n {
		return 0
	}
	sum := int64(0)
	for _, v := range closes[:n] {
		sum += v
	}
	return sum / int64(n)
}

// buildTrapInput assembles the detector's view of one candidate. top
// and flow may be nil; sector data has no feed and stays unset.
func buildTrapInput(q *broker.Quote, top *broker.OrderBookTop, flow *broker.InvestorFlow, slope float64, ma120, ma200 int64, fxChange float64) analysis.TrapInput {
	in := analysis.TrapInput{
		Symbol:      q.Symbol,
		Price:       q.Price,
		OpenPrice:   q.OpenPrice,
		PrevClose:   q.PrevClose,
		ChangePct:   q.ChangePct,
		VolumeRatio: q.VolumeRatio,
		FxChangePct: fxChange,
		MA120:       ma120,
		MA200:       ma200,
	}
	if q.VolumeRatio > 0 {
		// Yesterday's volume stands in for the average.
		in.AvgVolume = int64(float64(q.Volume) / q.VolumeRatio)
	}
	if top != nil {
		in.AskQty1 = top.AskQty
	}
	if flow != nil {
		in.HasRealtimeFlow = true
		in.ForeignNet = flow.ForeignNet
		in.InstNet = flow.InstNet
		in.ProgramNet = q.ProgramNet
		in.ProgramSlope = slope
	}
	return in
}

// backtestSource derives similar-pattern stats from recorded trade
// feedback: per-symbol history when there is enough of it, otherwise
// the whole book.
type backtestSource struct {
	repo *database.Repository
}

const backtestWindow = 100

func (b *backtestSource) SimilarPatternStats(symbol string) (analysis.BacktestStats, error) {
	rows, err := b.repo.RecentFeedback(backtestWindow)
	if err != nil {
		return analysis.BacktestStats{}, fmt.Errorf("feedback history unavailable: %w", err)
	}

	var mine []database.TradeFeedback
	for _, fb := range rows {
		if fb.Symbol == symbol {
			mine = append(mine, fb)
		}
	}
	if len(mine) >= 5 {
		rows = mine
	}
	if len(rows) == 0 {
		// A fresh book has no history; the conservative neutral prior
		// still clears the gates only on a strong signal.
		return analysis.BacktestStats{TotalTrades: 0, WinRate: 55, AvgReturn: 1.0}, nil
	}

	stats := analysis.BacktestStats{TotalTrades: len(rows)}
	wins := 0
	sum := 0.0
	for _, fb := range rows {
		if fb.ResultClass == database.ResultSuccess {
			wins++
		}
		sum += fb.ReturnPct
		if fb.ReturnPct < stats.MaxLoss {
			stats.MaxLoss = fb.ReturnPct
		}
	}
	stats.WinRate = float64(wins) / float64(len(rows)) * 100
	stats.AvgReturn = sum / float64(len(rows))
	return stats, nil
}
