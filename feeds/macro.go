package feeds

import (
	"log"
	"sync"

	"krx-trader/events"
)

// Market regimes, from defensive to opportunistic.
const (
	RegimeIronShield = "IRON_SHIELD" // defense, volatility spike
	RegimeVanguard   = "VANGUARD"    // offense, uptrend with foreign inflow
	RegimeGuerrilla  = "GUERRILLA"   // selective opportunity
	RegimeStealth    = "STEALTH"     // cash, broad selloff
)

// MacroSnapshot is one reading of the market-wide indicators.
type MacroSnapshot struct {
	VIX            float64
	KospiChangePct float64
	ForeignNet     int64 // foreign net buying, shares
	USDKRWChange   float64
	DollarIndex    float64
}

// DetectRegime maps macro indicators to a regime. Volatility wins over
// everything else.
func DetectRegime(s MacroSnapshot) string {
	if s.VIX > 25 {
		return RegimeIronShield
	}
	if s.KospiChangePct > 1.0 && s.ForeignNet > 0 {
		return RegimeVanguard
	}
	if s.KospiChangePct < -2.0 {
		return RegimeStealth
	}
	return RegimeGuerrilla
}

// MacroMonitor tracks the current regime and publishes a
// regime-change event whenever a new snapshot flips it.
type MacroMonitor struct {
	bus *events.Bus

	mu       sync.RWMutex
	regime   string
	snapshot MacroSnapshot
}

// NewMacroMonitor starts in the guerrilla regime.
func NewMacroMonitor(bus *events.Bus) *MacroMonitor {
	return &MacroMonitor{bus: bus, regime: RegimeGuerrilla}
}

// Update records a snapshot and publishes on a regime flip.
func (m *MacroMonitor) Update(s MacroSnapshot) {
	next := DetectRegime(s)

	m.mu.Lock()
	prev := m.regime
	m.regime = next
	m.snapshot = s
	m.mu.Unlock()

	if next != prev {
		log.Printf("🔄 Market regime: %s → %s (VIX %.1f, KOSPI %+.2f%%)", prev, next, s.VIX, s.KospiChangePct)
		m.bus.Publish(events.NewEvent(events.RegimeChange, "", map[string]any{
			"from": prev,
			"to":   next,
		}))
	}
}

// Regime returns the current regime.
func (m *MacroMonitor) Regime() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.regime
}

// Snapshot returns the latest macro reading.
func (m *MacroMonitor) Snapshot() MacroSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
