// Package feeds consumes the external information feeds: corporate
// disclosures, news headlines and macro indicators. Each feed reduces
// its raw items to bus events and to the inputs the trap detector and
// commander read.
package feeds

import (
	"log"
	"strings"
	"sync"
	"time"

	"krx-trader/events"
)

// Disclosure categories.
const (
	DisclosureCriticalRisk = "critical-risk"
	DisclosureOverhangRisk = "overhang-risk"
	DisclosureGoodNews     = "good-news"
	DisclosureNeutral      = "neutral"
)

// Keyword sets for title classification. Risk first: a title matching
// both risk and good keywords is a risk.
var (
	riskKeywords     = []string{"부도", "횡령", "배임", "소송", "거래정지", "관리종목", "상장폐지"}
	overhangKeywords = []string{"전환사채", "신주인수권", "유상증자", "감자"}
	goodKeywords     = []string{"무상증자", "수주", "공급계약", "최대주주변경", "공개매수"}
)

// ClassifyDisclosure maps a filing title to a category and an impact
// score in [-100, 100].
func ClassifyDisclosure(title string) (category string, score int) {
	if containsAny(title, riskKeywords) {
		return DisclosureCriticalRisk, -100
	}
	if containsAny(title, overhangKeywords) {
		return DisclosureOverhangRisk, -50
	}
	if containsAny(title, goodKeywords) {
		switch {
		case strings.Contains(title, "무상증자"):
			return DisclosureGoodNews, 90
		case strings.Contains(title, "유상증자") && strings.Contains(title, "제3자"):
			return DisclosureGoodNews, 80
		case strings.Contains(title, "공급계약"):
			return DisclosureGoodNews, 70
		default:
			return DisclosureGoodNews, 60
		}
	}
	return DisclosureNeutral, 0
}

func containsAny(title string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(title, k) {
			return true
		}
	}
	return false
}

// Disclosure is one filing from the feed.
type Disclosure struct {
	Symbol   string
	Title    string
	FiledAt  time.Time
	Category string // set by Ingest
	Score    int    // set by Ingest
}

// DisclosureFeed classifies filings, publishes non-neutral ones and
// keeps the per-symbol dilution calendar read by the trap detector.
type DisclosureFeed struct {
	bus *events.Bus

	mu            sync.Mutex
	dilutionUntil map[string]time.Time
	now           func() time.Time
}

// NewDisclosureFeed creates a disclosure feed.
func NewDisclosureFeed(bus *events.Bus) *DisclosureFeed {
	return &DisclosureFeed{
		bus:           bus,
		dilutionUntil: make(map[string]time.Time),
		now:           time.Now,
	}
}

// Ingest classifies a batch and publishes one disclosure event per
// non-neutral filing. Overhang filings mark the symbol's dilution day.
func (f *DisclosureFeed) Ingest(batch []Disclosure) {
	for i := range batch {
		d := &batch[i]
		d.Category, d.Score = ClassifyDisclosure(d.Title)
		if d.Category == DisclosureNeutral {
			continue
		}

		if d.Category == DisclosureOverhangRisk {
			f.mu.Lock()
			f.dilutionUntil[d.Symbol] = endOfDay(d.FiledAt)
			f.mu.Unlock()
		}

		log.Printf("📰 Disclosure: %s [%s] %s", d.Symbol, d.Category, d.Title)
		f.bus.Publish(events.NewEvent(events.Disclosure, d.Symbol, map[string]any{
			"category": d.Category,
			"score":    d.Score,
			"title":    d.Title,
		}))
	}
}

// IsDilutionDay reports whether the symbol has an overhang filing
// effective today.
func (f *DisclosureFeed) IsDilutionDay(symbol string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	until, ok := f.dilutionUntil[symbol]
	return ok && f.now().Before(until)
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, t.Location())
}
