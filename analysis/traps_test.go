package analysis

import (
	"math"
	"testing"
)

type fakeDilution struct{ symbols map[string]bool }

func (f *fakeDilution) IsDilutionDay(symbol string) bool { return f.symbols[symbol] }

func TestDetectPatterns(t *testing.T) {
	tests := []struct {
		name string
		in   TrapInput
		want string
	}{
		{
			"fake rise",
			TrapInput{ChangePct: 2.0, HasRealtimeFlow: true, ForeignNet: -1000, InstNet: -500},
			TrapFakeRise,
		},
		{
			"gap overheat",
			TrapInput{PrevClose: 100_000, OpenPrice: 104_000},
			TrapGapOverheat,
		},
		{
			"program dump",
			TrapInput{HasRealtimeFlow: true, ProgramNet: -20_000, ProgramSlope: -0.5},
			TrapProgramDump,
		},
		{
			"sell on news",
			TrapInput{HasPositiveNews: true, VolumeRatio: 3.0, Price: 98_000, OpenPrice: 100_000},
			TrapSellOnNews,
		},
		{
			"hollow rise",
			TrapInput{ChangePct: 4.0, VolumeRatio: 0.3},
			TrapHollowRise,
		},
		{
			"sell wall",
			TrapInput{AvgVolume: 10_000, AskQty1: 40_000, AskQty2: 20_000},
			TrapSellWall,
		},
		{
			"sector decouple",
			TrapInput{ChangePct: 3.0, HasSectorData: true, SectorChangePct: 0.5},
			TrapSectorDecouple,
		},
		{
			"fx shock",
			TrapInput{FxChangePct: 0.8},
			TrapFxShock,
		},
		{
			"ma resistance",
			TrapInput{Price: 100_500, MA120: 100_000},
			TrapMaResistance,
		},
	}

	d := NewTrapDetector(nil)
	for _, tt := range tests {
		traps := d.Detect(tt.in)
		found := false
		for _, trap := range traps {
			if trap.Kind == tt.want {
				found = true
			}
		}
		if !found {
			t.Errorf("%s: Detect did not report %s (got %+v)", tt.name, tt.want, traps)
		}
	}
}

func TestSectorDecoupleNeedsSectorData(t *testing.T) {
	d := NewTrapDetector(nil)
	// Without a sector feed the change sits against a zero sector move;
	// the pattern must stay silent rather than fire on every riser.
	traps := d.Detect(TrapInput{ChangePct: 4.5, VolumeRatio: 1.5})
	for _, trap := range traps {
		if trap.Kind == TrapSectorDecouple {
			t.Fatalf("sector_decouple fired without sector data: %+v", trap)
		}
	}
}

func TestTrapKindsRoundTrip(t *testing.T) {
	traps := []Trap{
		{Kind: TrapFakeRise, Severity: SeverityCritical},
		{Kind: TrapFxShock, Severity: SeverityMedium},
	}
	joined := JoinTrapKinds(traps)
	if joined != "fake_rise,fx_shock" {
		t.Fatalf("joined = %q, want fake_rise,fx_shock", joined)
	}

	back := TrapsFromKinds(joined)
	if len(back) != 2 || back[0].Kind != TrapFakeRise || back[1].Kind != TrapFxShock {
		t.Errorf("restored = %+v, want the two kinds in order", back)
	}

	if JoinTrapKinds(nil) != "" {
		t.Error("no traps should join to an empty string")
	}
	if got := TrapsFromKinds(""); got != nil {
		t.Errorf("empty string should restore no traps, got %+v", got)
	}
}

func TestDetectDilutionDay(t *testing.T) {
	d := NewTrapDetector(&fakeDilution{symbols: map[string]bool{"005930": true}})

	traps := d.Detect(TrapInput{Symbol: "005930"})
	if len(traps) != 1 || traps[0].Kind != TrapDilutionDay {
		t.Fatalf("traps = %+v, want one dilution_day", traps)
	}
	if traps[0].Severity != SeverityCritical {
		t.Errorf("severity = %s, want CRITICAL", traps[0].Severity)
	}

	if traps := d.Detect(TrapInput{Symbol: "000660"}); len(traps) != 0 {
		t.Errorf("unexpected traps for clean symbol: %+v", traps)
	}
}

func TestDetectSortsByConfidence(t *testing.T) {
	d := NewTrapDetector(nil)
	// fx_shock (0.60) and hollow_rise (0.75) together.
	traps := d.Detect(TrapInput{ChangePct: 4.0, SectorChangePct: 3.5, VolumeRatio: 0.3, FxChangePct: 0.8})
	if len(traps) != 2 {
		t.Fatalf("traps = %d, want 2", len(traps))
	}
	if traps[0].Kind != TrapHollowRise || traps[1].Kind != TrapFxShock {
		t.Errorf("order = [%s %s], want hollow_rise first", traps[0].Kind, traps[1].Kind)
	}
}

func TestApplyTrapPenalty(t *testing.T) {
	critical := []Trap{{Kind: TrapFakeRise, Severity: SeverityCritical, Confidence: 0.95}}
	if got := ApplyTrapPenalty(90, critical); got != 0 {
		t.Errorf("critical trap: score = %d, want 0", got)
	}

	medium := []Trap{
		{Kind: TrapHollowRise, Severity: SeverityMedium, Confidence: 0.75},
		{Kind: TrapFxShock, Severity: SeverityMedium, Confidence: 0.60},
	}
	// penalty = 0.75*20 + 0.60*20 = 27
	if got := ApplyTrapPenalty(90, medium); got != 63 {
		t.Errorf("medium traps: score = %d, want 63", got)
	}

	// Never below zero.
	if got := ApplyTrapPenalty(10, medium); got != 0 {
		t.Errorf("floored score = %d, want 0", got)
	}

	if got := ApplyTrapPenalty(90, nil); got != 90 {
		t.Errorf("no traps: score = %d, want 90", got)
	}
}

func TestRecordOutcomeClipping(t *testing.T) {
	d := NewTrapDetector(nil)

	// Reinforcement saturates at 0.99.
	for i := 0; i < 20; i++ {
		d.RecordOutcome(TrapFakeRise, true)
	}
	if w := d.Weight(TrapFakeRise); math.Abs(w-0.99) > 1e-9 {
		t.Errorf("weight after reinforcement = %.2f, want 0.99", w)
	}

	// Weakening floors at 0.30.
	for i := 0; i < 60; i++ {
		d.RecordOutcome(TrapFakeRise, false)
	}
	if w := d.Weight(TrapFakeRise); math.Abs(w-0.30) > 1e-9 {
		t.Errorf("weight after weakening = %.2f, want 0.30", w)
	}

	if _, ok := d.RecordOutcome("no_such_pattern", true); ok {
		t.Error("unknown pattern should not be recordable")
	}
}

func TestLoadWeightsClips(t *testing.T) {
	d := NewTrapDetector(nil)
	d.LoadWeights(map[string]float64{
		TrapFxShock:  1.50,
		TrapSellWall: 0.10,
		"unknown":    0.80,
	})
	if w := d.Weight(TrapFxShock); w != 0.99 {
		t.Errorf("fx_shock weight = %.2f, want clipped 0.99", w)
	}
	if w := d.Weight(TrapSellWall); w != 0.30 {
		t.Errorf("sell_wall weight = %.2f, want clipped 0.30", w)
	}
	if w := d.Weight("unknown"); w != 0 {
		t.Errorf("unknown pattern weight = %.2f, want 0", w)
	}
}
