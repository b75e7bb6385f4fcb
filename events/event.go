package events

import (
	"fmt"
	"time"
)

// EventKind identifies the closed set of bus event types.
type EventKind string

const (
	// ExecutionFill is emitted when the broker reports a fill on one of our orders.
	ExecutionFill EventKind = "execution_fill"
	// BreakingNews is emitted for news items younger than three hours.
	BreakingNews EventKind = "breaking_news"
	// Disclosure is emitted for classified regulatory filings.
	Disclosure EventKind = "disclosure"
	// HotSymbol is emitted by the market scanner for intraday movers.
	HotSymbol EventKind = "hot_symbol"
	// RegimeChange is emitted when the macro regime tag flips.
	RegimeChange EventKind = "regime_change"
	// ScheduleTick is emitted by the scheduler around job boundaries.
	ScheduleTick EventKind = "schedule_tick"
	// PipelineComplete is emitted after each pipeline invocation.
	PipelineComplete EventKind = "pipeline_complete"
	// OrderSubmitted is emitted right after an order hits the broker.
	OrderSubmitted EventKind = "order_submitted"
)

// Event is a single bus message. Symbol may be empty for market-wide
// events such as regime changes.
type Event struct {
	Kind      EventKind
	Symbol    string
	Data      map[string]any
	Timestamp time.Time
}

// NewEvent builds an event stamped with the current time.
func NewEvent(kind EventKind, symbol string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		Kind:      kind,
		Symbol:    symbol,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// String formats the event for log lines.
func (e Event) String() string {
	sym := e.Symbol
	if sym == "" {
		sym = "-"
	}
	return fmt.Sprintf("Event(%s, symbol=%s, %s)", e.Kind, sym, e.Timestamp.Format("15:04:05"))
}
