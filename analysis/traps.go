package analysis

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

// Trap pattern kinds. Weights are learned per kind and persisted.
const (
	TrapFakeRise       = "fake_rise"       // price up, foreign and institutional both selling
	TrapGapOverheat    = "gap_overheat"    // opening gap too hot
	TrapProgramDump    = "program_dump"    // accelerating program selling
	TrapSellOnNews     = "sell_on_news"    // good news, heavy volume, price below open
	TrapHollowRise     = "hollow_rise"     // rise without volume support
	TrapSellWall       = "sell_wall"       // ask stack dwarfs average volume
	TrapSectorDecouple = "sector_decouple" // rising alone against its sector
	TrapFxShock        = "fx_shock"        // won selling off hard
	TrapMaResistance   = "ma_resistance"   // long moving average overhead
	TrapDilutionDay    = "dilution_day"    // overhang filing effective today
)

// Severities and recommendations.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"

	RecommendAvoid      = "AVOID"
	RecommendWait       = "WAIT"
	RecommendReduceSize = "REDUCE_SIZE"
)

// Detection thresholds.
const (
	gapOverheatPct     = 3.5
	volumeSupportRatio = 0.5
	sectorDivergence   = 2.0
	fxShockPct         = 0.5
)

// Learned weight bounds.
const (
	minTrapWeight = 0.30
	maxTrapWeight = 0.99
)

// defaultTrapWeights are the starting confidences before any learning.
var defaultTrapWeights = map[string]float64{
	TrapFakeRise:       0.95,
	TrapGapOverheat:    0.90,
	TrapProgramDump:    0.85,
	TrapSellOnNews:     0.80,
	TrapHollowRise:     0.75,
	TrapSellWall:       0.70,
	TrapSectorDecouple: 0.65,
	TrapFxShock:        0.60,
	TrapMaResistance:   0.55,
	TrapDilutionDay:    0.90,
}

// Trap is one detected pattern.
type Trap struct {
	Kind           string
	Severity       string
	Confidence     float64
	Recommendation string
	Reason         string
}

// TrapInput bundles everything the pattern checks read. Flow fields
// are only meaningful when HasRealtimeFlow is set.
type TrapInput struct {
	Symbol    string
	Price     int64
	OpenPrice int64
	PrevClose int64
	ChangePct float64

	VolumeRatio float64 // today's volume over yesterday's
	AvgVolume   int64
	AskQty1     int64
	AskQty2     int64

	HasRealtimeFlow bool
	ForeignNet      int64
	InstNet         int64
	ProgramNet      int64
	ProgramSlope    float64

	HasPositiveNews bool
	HasSectorData   bool // SectorChangePct is only meaningful when set
	SectorChangePct float64
	FxChangePct     float64
	MA120           int64
	MA200           int64
}

// DilutionCalendar answers whether a symbol has an overhang filing
// effective today. May be nil.
type DilutionCalendar interface {
	IsDilutionDay(symbol string) bool
}

// TrapDetector runs the ten pattern checks with learned per-pattern
// weights.
type TrapDetector struct {
	dilution DilutionCalendar

	mu      sync.RWMutex
	weights map[string]float64
}

// NewTrapDetector starts from the default weights. dilution may be nil.
func NewTrapDetector(dilution DilutionCalendar) *TrapDetector {
	weights := make(map[string]float64, len(defaultTrapWeights))
	for k, v := range defaultTrapWeights {
		weights[k] = v
	}
	return &TrapDetector{dilution: dilution, weights: weights}
}

// LoadWeights overrides weights with persisted values, clipped to the
// legal range. Unknown kinds are ignored.
func (d *TrapDetector) LoadWeights(weights map[string]float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for kind, w := range weights {
		if _, ok := d.weights[kind]; ok {
			d.weights[kind] = clipWeight(w)
		}
	}
}

// Weight returns the current weight for a pattern kind.
func (d *TrapDetector) Weight(kind string) float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.weights[kind]
}

// RecordOutcome reinforces or weakens a pattern after the trade
// outcome is known: +0.01 when the detection was correct, −0.02 when
// wrong, clipped to [0.30, 0.99]. Returns the new weight.
func (d *TrapDetector) RecordOutcome(kind string, correct bool) (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.weights[kind]
	if !ok {
		return 0, false
	}
	if correct {
		w += 0.01
	} else {
		w -= 0.02
	}
	w = clipWeight(w)
	d.weights[kind] = w
	return w, true
}

func clipWeight(w float64) float64 {
	return math.Min(maxTrapWeight, math.Max(minTrapWeight, w))
}

// Detect runs every pattern check and returns the hits sorted by
// confidence, highest first.
func (d *TrapDetector) Detect(in TrapInput) []Trap {
	var traps []Trap
	add := func(t *Trap) {
		if t != nil {
			traps = append(traps, *t)
		}
	}

	add(d.fakeRise(in))
	add(d.gapOverheat(in))
	add(d.programDump(in))
	add(d.sellOnNews(in))
	add(d.hollowRise(in))
	add(d.sellWall(in))
	add(d.sectorDecouple(in))
	add(d.fxShock(in))
	add(d.maResistance(in))
	add(d.dilutionDay(in))

	sort.SliceStable(traps, func(i, j int) bool {
		return traps[i].Confidence > traps[j].Confidence
	})
	return traps
}

func (d *TrapDetector) trap(kind, severity, recommendation, reason string) *Trap {
	return &Trap{
		Kind:           kind,
		Severity:       severity,
		Confidence:     d.Weight(kind),
		Recommendation: recommendation,
		Reason:         reason,
	}
}

// fakeRise: price rising while both foreign and institutional money
// leave. The most dangerous pattern.
func (d *TrapDetector) fakeRise(in TrapInput) *Trap {
	if !in.HasRealtimeFlow || in.ChangePct < 1.0 {
		return nil
	}
	if in.ForeignNet < 0 && in.InstNet < 0 {
		return d.trap(TrapFakeRise, SeverityCritical, RecommendAvoid,
			fmt.Sprintf("price +%.1f%% while foreign (%d) and institutional (%d) both net sell",
				in.ChangePct, in.ForeignNet, in.InstNet))
	}
	return nil
}

func (d *TrapDetector) gapOverheat(in TrapInput) *Trap {
	if in.PrevClose <= 0 || in.OpenPrice <= 0 {
		return nil
	}
	gapPct := float64(in.OpenPrice-in.PrevClose) / float64(in.PrevClose) * 100
	if gapPct >= gapOverheatPct {
		return d.trap(TrapGapOverheat, SeverityHigh, RecommendWait,
			fmt.Sprintf("opening gap +%.1f%% exceeds %.1f%%", gapPct, gapOverheatPct))
	}
	return nil
}

func (d *TrapDetector) programDump(in TrapInput) *Trap {
	if !in.HasRealtimeFlow {
		return nil
	}
	if in.ProgramNet < 0 && in.ProgramSlope < -0.3 {
		return d.trap(TrapProgramDump, SeverityHigh, RecommendAvoid,
			fmt.Sprintf("program net %d accelerating (slope %.2f)", in.ProgramNet, in.ProgramSlope))
	}
	return nil
}

func (d *TrapDetector) sellOnNews(in TrapInput) *Trap {
	if in.HasPositiveNews && in.VolumeRatio > 2.0 && in.Price < in.OpenPrice {
		return d.trap(TrapSellOnNews, SeverityMedium, RecommendAvoid,
			fmt.Sprintf("good news with %.1fx volume but price below open", in.VolumeRatio))
	}
	return nil
}

func (d *TrapDetector) hollowRise(in TrapInput) *Trap {
	if in.ChangePct >= 3.0 && in.VolumeRatio < volumeSupportRatio {
		return d.trap(TrapHollowRise, SeverityMedium, RecommendReduceSize,
			fmt.Sprintf("price +%.1f%% on only %.0f%% of yesterday's volume", in.ChangePct, in.VolumeRatio*100))
	}
	return nil
}

func (d *TrapDetector) sellWall(in TrapInput) *Trap {
	totalAsk := in.AskQty1 + in.AskQty2
	if in.AvgVolume > 0 && totalAsk > in.AvgVolume*5 {
		return d.trap(TrapSellWall, SeverityMedium, RecommendWait,
			fmt.Sprintf("ask stack %d is over 5x average volume %d", totalAsk, in.AvgVolume))
	}
	return nil
}

func (d *TrapDetector) sectorDecouple(in TrapInput) *Trap {
	if !in.HasSectorData {
		return nil
	}
	divergence := in.ChangePct - in.SectorChangePct
	if in.ChangePct > 2.0 && divergence >= sectorDivergence {
		return d.trap(TrapSectorDecouple, SeverityMedium, RecommendWait,
			fmt.Sprintf("rising +%.1f%% alone, %.1fpt above its sector", in.ChangePct, divergence))
	}
	return nil
}

func (d *TrapDetector) fxShock(in TrapInput) *Trap {
	if in.FxChangePct >= fxShockPct {
		return d.trap(TrapFxShock, SeverityMedium, RecommendReduceSize,
			fmt.Sprintf("USD/KRW +%.2f%% intraday", in.FxChangePct))
	}
	return nil
}

func (d *TrapDetector) maResistance(in TrapInput) *Trap {
	within := func(ma int64) bool {
		if ma <= 0 {
			return false
		}
		diffPct := math.Abs(float64(in.Price-ma) / float64(ma) * 100)
		return diffPct <= 1.0
	}
	if within(in.MA120) || within(in.MA200) {
		return d.trap(TrapMaResistance, SeverityLow, RecommendWait,
			"price within 1% of a long moving average")
	}
	return nil
}

func (d *TrapDetector) dilutionDay(in TrapInput) *Trap {
	if d.dilution == nil || !d.dilution.IsDilutionDay(in.Symbol) {
		return nil
	}
	return d.trap(TrapDilutionDay, SeverityCritical, RecommendAvoid,
		"overhang filing effective today")
}

// JoinTrapKinds flattens detections into the comma-joined kind list
// stored on the entry order.
func JoinTrapKinds(traps []Trap) string {
	if len(traps) == 0 {
		return ""
	}
	kinds := make([]string, 0, len(traps))
	for _, t := range traps {
		kinds = append(kinds, t.Kind)
	}
	return strings.Join(kinds, ",")
}

// TrapsFromKinds rebuilds minimal detections from a stored kind list.
// Only the kind matters to outcome scoring; the rest is left zero.
func TrapsFromKinds(s string) []Trap {
	var traps []Trap
	for _, kind := range strings.Split(s, ",") {
		kind = strings.TrimSpace(kind)
		if kind == "" {
			continue
		}
		traps = append(traps, Trap{Kind: kind})
	}
	return traps
}

// ApplyTrapPenalty reduces the AI score for detected traps. Any
// critical trap zeroes it; otherwise each trap costs confidence x 20
// points.
func ApplyTrapPenalty(aiScore int, traps []Trap) int {
	if len(traps) == 0 {
		return aiScore
	}
	for _, t := range traps {
		if t.Severity == SeverityCritical {
			return 0
		}
	}
	penalty := 0.0
	for _, t := range traps {
		penalty += t.Confidence * 20
	}
	adjusted := aiScore - int(math.Round(penalty))
	if adjusted < 0 {
		return 0
	}
	return adjusted
}
