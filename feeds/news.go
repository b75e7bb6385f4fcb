package feeds

import (
	"log"
	"time"

	"krx-trader/events"
)

// breakingWindow is how fresh a headline must be to count as breaking.
const breakingWindow = 3 * time.Hour

// NewsItem is one headline from the feed. Symbol may be empty for
// market-wide items.
type NewsItem struct {
	Symbol      string
	Title       string
	Category    string
	PublishedAt time.Time
}

// NewsFeed turns fresh headlines into breaking-news events.
type NewsFeed struct {
	bus *events.Bus
	now func() time.Time
}

// NewNewsFeed creates a news feed.
func NewNewsFeed(bus *events.Bus) *NewsFeed {
	return &NewsFeed{bus: bus, now: time.Now}
}

// Ingest publishes one breaking-news event per item newer than 3 h;
// stale items are dropped.
func (f *NewsFeed) Ingest(batch []NewsItem) {
	cutoff := f.now().Add(-breakingWindow)
	published := 0
	for _, item := range batch {
		if item.PublishedAt.Before(cutoff) {
			continue
		}
		f.bus.Publish(events.NewEvent(events.BreakingNews, item.Symbol, map[string]any{
			"title":    item.Title,
			"category": item.Category,
		}))
		published++
	}
	if published > 0 {
		log.Printf("📰 Breaking news: %d of %d headlines published", published, len(batch))
	}
}
