package dispatcher

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"krx-trader/events"
)

func TestDebounceWindow(t *testing.T) {
	var calls int64
	d := New(func(symbol, reason, priority string) {
		atomic.AddInt64(&calls, 1)
	}, nil)

	base := time.Now()
	clock := base
	d.now = func() time.Time { return clock }

	d.Trigger("005930", "test", "HIGH")
	d.Trigger("005930", "test", "HIGH") // inside 10 s window
	clock = base.Add(9 * time.Second)
	d.Trigger("005930", "test", "HIGH") // still inside

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("expected 1 fetch within debounce window, got %d", got)
	}

	clock = base.Add(11 * time.Second)
	d.Trigger("005930", "test", "HIGH")
	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Fatalf("expected second fetch after window elapsed, got %d", got)
	}
}

func TestInFlightSuppression(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls int64

	d := New(func(symbol, reason, priority string) {
		atomic.AddInt64(&calls, 1)
		close(started)
		<-release
	}, nil)

	// Make the throttle window irrelevant so only in-flight suppresses.
	base := time.Now()
	step := 0
	var mu sync.Mutex
	d.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}

	go d.Trigger("000660", "slow", "HIGH")
	<-started

	d.Trigger("000660", "duplicate", "HIGH")
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("expected in-flight duplicate to be suppressed, got %d calls", got)
	}
	close(release)
}

func TestDistinctSymbolsIndependent(t *testing.T) {
	var calls int64
	d := New(func(symbol, reason, priority string) {
		atomic.AddInt64(&calls, 1)
	}, nil)

	d.Trigger("005930", "test", "HIGH")
	d.Trigger("000660", "test", "HIGH")

	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Fatalf("expected independent symbols to both fetch, got %d", got)
	}
}

func TestFetchPanicReleasesInFlight(t *testing.T) {
	var calls int64
	d := New(func(symbol, reason, priority string) {
		atomic.AddInt64(&calls, 1)
		panic("fetch exploded")
	}, nil)

	base := time.Now()
	clock := base
	d.now = func() time.Time { return clock }

	d.Trigger("035720", "test", "HIGH")
	clock = base.Add(time.Minute)
	d.Trigger("035720", "test", "HIGH")

	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Fatalf("panicked fetch left symbol stuck in flight, calls=%d", got)
	}
}

type fakeRechecker struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeRechecker) RecheckAll(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
}

func TestRegimeChangeTriggersRecheckNotFetch(t *testing.T) {
	var calls int64
	rc := &fakeRechecker{}
	d := New(func(symbol, reason, priority string) {
		atomic.AddInt64(&calls, 1)
	}, rc)

	bus := events.NewBus()
	d.Register(bus)

	bus.Publish(events.NewEvent(events.RegimeChange, "", map[string]any{"regime": "IRON_SHIELD"}))

	rc.mu.Lock()
	n := len(rc.reasons)
	rc.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 portfolio recheck, got %d", n)
	}
	if got := atomic.LoadInt64(&calls); got != 0 {
		t.Fatalf("regime change must not trigger per-symbol fetch, got %d", got)
	}
}

func TestBusEventsRouteToFetch(t *testing.T) {
	var mu sync.Mutex
	var reasons []string
	d := New(func(symbol, reason, priority string) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	}, nil)

	bus := events.NewBus()
	d.Register(bus)

	bus.Publish(events.NewEvent(events.ExecutionFill, "005930", map[string]any{"side": "BUY"}))
	bus.Publish(events.NewEvent(events.BreakingNews, "000660", nil))
	bus.Publish(events.NewEvent(events.HotSymbol, "035720", nil))
	bus.Publish(events.NewEvent(events.Disclosure, "068270", nil))

	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 4 {
		t.Fatalf("expected 4 fetches, got %d (%v)", len(reasons), reasons)
	}
}
