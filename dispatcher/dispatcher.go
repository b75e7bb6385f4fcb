package dispatcher

import (
	"log"
	"sync"
	"time"

	"krx-trader/events"
)

// minFetchInterval is the per-symbol debounce window. A second trigger
// for the same symbol inside this window is dropped.
const minFetchInterval = 10 * time.Second

// FetchFunc refreshes data for a single symbol. reason and priority are
// informational and flow into logs and the fetch implementation.
type FetchFunc func(symbol, reason, priority string)

// PortfolioRechecker is invoked on regime-change events instead of a
// per-symbol fetch.
type PortfolioRechecker interface {
	RecheckAll(reason string)
}

// Dispatcher translates bus events into targeted single-symbol fetches
// with deduplication and throttling. It is the minimum debounce layer
// the rest of the system relies on.
type Dispatcher struct {
	fetch     FetchFunc
	rechecker PortfolioRechecker

	mu        sync.Mutex
	inFlight  map[string]bool
	lastStart map[string]time.Time

	now func() time.Time
}

// New creates a dispatcher. rechecker may be nil; regime-change events
// are then logged and dropped.
func New(fetch FetchFunc, rechecker PortfolioRechecker) *Dispatcher {
	return &Dispatcher{
		fetch:     fetch,
		rechecker: rechecker,
		inFlight:  make(map[string]bool),
		lastStart: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Register subscribes the dispatcher to the event kinds it consumes.
func (d *Dispatcher) Register(bus *events.Bus) {
	bus.SubscribeFunc(events.ExecutionFill, "dispatcher", d.onExecutionFill)
	bus.SubscribeFunc(events.BreakingNews, "dispatcher", d.onBreakingNews)
	bus.SubscribeFunc(events.HotSymbol, "dispatcher", d.onHotSymbol)
	bus.SubscribeFunc(events.Disclosure, "dispatcher", d.onDisclosure)
	bus.SubscribeFunc(events.RegimeChange, "dispatcher", d.onRegimeChange)
	log.Println("📡 Dispatcher: event subscriptions completed")
}

func (d *Dispatcher) onExecutionFill(ev events.Event) {
	if ev.Symbol == "" {
		log.Println("⚠️  Dispatcher: execution fill without symbol")
		return
	}
	side, _ := ev.Data["side"].(string)
	d.Trigger(ev.Symbol, "execution_fill_"+side, "HIGH")
}

func (d *Dispatcher) onBreakingNews(ev events.Event) {
	if ev.Symbol == "" {
		log.Println("⚠️  Dispatcher: breaking news without symbol")
		return
	}
	d.Trigger(ev.Symbol, "breaking_news", "HIGH")
}

func (d *Dispatcher) onHotSymbol(ev events.Event) {
	if ev.Symbol == "" {
		log.Println("⚠️  Dispatcher: hot symbol event without symbol")
		return
	}
	d.Trigger(ev.Symbol, "hot_symbol", "MEDIUM")
}

func (d *Dispatcher) onDisclosure(ev events.Event) {
	if ev.Symbol == "" {
		log.Println("⚠️  Dispatcher: disclosure without symbol")
		return
	}
	d.Trigger(ev.Symbol, "disclosure", "MEDIUM")
}

func (d *Dispatcher) onRegimeChange(ev events.Event) {
	regime, _ := ev.Data["regime"].(string)
	log.Printf("🚨 Dispatcher: regime change (%s), requesting portfolio recheck", regime)
	if d.rechecker != nil {
		d.rechecker.RecheckAll("regime_change_" + regime)
	}
}

// Trigger runs the fetch for one symbol unless it is already in flight
// or was started less than minFetchInterval ago. The in-flight mark is
// released when the fetch returns, success or failure.
func (d *Dispatcher) Trigger(symbol, reason, priority string) {
	d.mu.Lock()
	if d.inFlight[symbol] {
		d.mu.Unlock()
		return
	}
	if last, ok := d.lastStart[symbol]; ok && d.now().Sub(last) < minFetchInterval {
		d.mu.Unlock()
		return
	}
	d.inFlight[symbol] = true
	d.lastStart[symbol] = d.now()
	d.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Dispatcher: fetch panicked for %s: %v", symbol, r)
		}
		d.mu.Lock()
		delete(d.inFlight, symbol)
		d.mu.Unlock()
	}()

	log.Printf("🔍 Dispatcher: fetch triggered for %s (reason=%s priority=%s)", symbol, reason, priority)
	d.fetch(symbol, reason, priority)
}

// Status reports the dispatcher state for the CLI status command.
func (d *Dispatcher) Status() (running int, totalTriggered int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight), len(d.lastStart)
}
