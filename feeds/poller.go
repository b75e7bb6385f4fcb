package feeds

import (
	"log"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"krx-trader/config"
)

// Poll cadences. Disclosures and macro indicators move slowly; news is
// checked every scan interval.
const (
	disclosureInterval = 5 * time.Minute
	newsInterval       = time.Minute
	macroInterval      = 5 * time.Minute

	pollTimeout = 20 * time.Second
)

// Poller drives the three feeds from their HTTP sources. Feeds with no
// configured URL are skipped; the system runs fine without them, it
// just sees less.
type Poller struct {
	http       *resty.Client
	cfg        config.FeedsConfig
	disclosure *DisclosureFeed
	news       *NewsFeed
	macro      *MacroMonitor

	done chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time // items already forwarded, by key
}

// NewPoller creates a poller over the three feed consumers.
func NewPoller(cfg config.FeedsConfig, d *DisclosureFeed, n *NewsFeed, m *MacroMonitor) *Poller {
	return &Poller{
		http:       resty.New().SetTimeout(pollTimeout),
		cfg:        cfg,
		disclosure: d,
		news:       n,
		macro:      m,
		done:       make(chan struct{}),
		now:        time.Now,
		seen:       make(map[string]time.Time),
	}
}

// Start launches one polling loop per configured feed.
func (p *Poller) Start() {
	if p.cfg.DisclosureURL != "" && p.cfg.DisclosureKey != "" {
		p.loop("disclosures", disclosureInterval, p.pollDisclosures)
	}
	if p.cfg.NewsURL != "" {
		p.loop("news", newsInterval, p.pollNews)
	}
	if p.cfg.MacroURL != "" {
		p.loop("macro", macroInterval, p.pollMacro)
	}
}

// Stop halts all polling loops.
func (p *Poller) Stop() {
	close(p.done)
	p.wg.Wait()
}

func (p *Poller) loop(name string, interval time.Duration, poll func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Printf("📡 Feed poller started: %s (every %s)", name, interval)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		poll()
		for {
			select {
			case <-p.done:
				return
			case <-ticker.C:
				poll()
			}
		}
	}()
}

// pollDisclosures reads today's filing list from the DART-style API.
func (p *Poller) pollDisclosures() {
	var out struct {
		List []struct {
			StockCode string `json:"stock_code"`
			Title     string `json:"report_nm"`
			FiledDate string `json:"rcept_dt"` // YYYYMMDD
		} `json:"list"`
	}
	resp, err := p.http.R().
		SetQueryParams(map[string]string{
			"crtfc_key":  p.cfg.DisclosureKey,
			"bgn_de":     p.now().Format("20060102"),
			"page_count": "100",
		}).
		SetResult(&out).
		Get(p.cfg.DisclosureURL + "/list.json")
	if err != nil || resp.IsError() {
		log.Printf("⚠️  Disclosure poll failed: %v %s", err, resp.Status())
		return
	}

	var batch []Disclosure
	for _, row := range out.List {
		if row.StockCode == "" {
			continue
		}
		if p.alreadySeen("disc|" + row.StockCode + "|" + row.Title + "|" + row.FiledDate) {
			continue
		}
		filedAt, err := time.ParseInLocation("20060102", row.FiledDate, p.now().Location())
		if err != nil {
			filedAt = p.now()
		}
		batch = append(batch, Disclosure{
			Symbol:  row.StockCode,
			Title:   row.Title,
			FiledAt: filedAt,
		})
	}
	p.disclosure.Ingest(batch)
}

// pollNews reads the headline feed.
func (p *Poller) pollNews() {
	var out []struct {
		Symbol      string    `json:"symbol"`
		Title       string    `json:"title"`
		Category    string    `json:"category"`
		PublishedAt time.Time `json:"published_at"`
	}
	resp, err := p.http.R().SetResult(&out).Get(p.cfg.NewsURL)
	if err != nil || resp.IsError() {
		log.Printf("⚠️  News poll failed: %v %s", err, resp.Status())
		return
	}

	batch := make([]NewsItem, 0, len(out))
	for _, row := range out {
		if p.alreadySeen("news|" + row.Symbol + "|" + row.Title + "|" + row.PublishedAt.Format(time.RFC3339)) {
			continue
		}
		batch = append(batch, NewsItem{
			Symbol:      row.Symbol,
			Title:       row.Title,
			Category:    row.Category,
			PublishedAt: row.PublishedAt,
		})
	}
	p.news.Ingest(batch)
}

// alreadySeen reports whether an item key was forwarded before and
// records it when it was not. Entries older than a day are pruned so
// the set stays bounded across sessions.
func (p *Poller) alreadySeen(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.now().Add(-24 * time.Hour)
	for k, at := range p.seen {
		if at.Before(cutoff) {
			delete(p.seen, k)
		}
	}
	if _, ok := p.seen[key]; ok {
		return true
	}
	p.seen[key] = p.now()
	return false
}

// pollMacro reads the indicator snapshot and lets the monitor decide
// whether the regime flipped.
func (p *Poller) pollMacro() {
	var out struct {
		VIX            float64 `json:"vix"`
		KospiChangePct float64 `json:"kospi_change_pct"`
		ForeignNet     int64   `json:"foreign_net"`
		USDKRWChange   float64 `json:"usdkrw_change_pct"`
		DollarIndex    float64 `json:"dollar_index"`
	}
	resp, err := p.http.R().SetResult(&out).Get(p.cfg.MacroURL)
	if err != nil || resp.IsError() {
		log.Printf("⚠️  Macro poll failed: %v %s", err, resp.Status())
		return
	}

	p.macro.Update(MacroSnapshot{
		VIX:            out.VIX,
		KospiChangePct: out.KospiChangePct,
		ForeignNet:     out.ForeignNet,
		USDKRWChange:   out.USDKRWChange,
		DollarIndex:    out.DollarIndex,
	})
}
