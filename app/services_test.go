package app

import (
	"testing"
	"time"

	"krx-trader/broker"
)

func TestBuildTrapInput(t *testing.T) {
	q := &broker.Quote{
		Symbol:      "005930",
		Price:       71_500,
		OpenPrice:   70_000,
		PrevClose:   69_000,
		ChangePct:   3.6,
		Volume:      1_200_000,
		VolumeRatio: 1.5,
		ProgramNet:  -12_000,
	}
	top := &broker.OrderBookTop{Symbol: "005930", AskQty: 42_000}
	flow := &broker.InvestorFlow{Symbol: "005930", ForeignNet: -35_000, InstNet: -8_000}

	in := buildTrapInput(q, top, flow, -0.4, 68_000, 65_000, 0.3)

	if in.OpenPrice != 70_000 || in.PrevClose != 69_000 || in.VolumeRatio != 1.5 {
		t.Errorf("session fields = %d/%d/%v, want the quote's values",
			in.OpenPrice, in.PrevClose, in.VolumeRatio)
	}
	// Yesterday's volume: 1.2M today at 1.5x ratio → 800k.
	if in.AvgVolume != 800_000 {
		t.Errorf("AvgVolume = %d, want 800000", in.AvgVolume)
	}
	if in.AskQty1 != 42_000 {
		t.Errorf("AskQty1 = %d, want 42000", in.AskQty1)
	}
	if !in.HasRealtimeFlow || in.ForeignNet != -35_000 || in.InstNet != -8_000 {
		t.Errorf("flow = %v/%d/%d, want realtime flow from the investor endpoint",
			in.HasRealtimeFlow, in.ForeignNet, in.InstNet)
	}
	if in.ProgramNet != -12_000 || in.ProgramSlope != -0.4 {
		t.Errorf("program = %d/%v, want -12000/-0.4", in.ProgramNet, in.ProgramSlope)
	}
	if in.MA120 != 68_000 || in.MA200 != 65_000 {
		t.Errorf("MAs = %d/%d, want 68000/65000", in.MA120, in.MA200)
	}
	// No sector feed is wired; the sector pattern must stay silent.
	if in.HasSectorData {
		t.Error("HasSectorData must be unset without a sector feed")
	}
}

func TestBuildTrapInputDegradesWithoutBookOrFlows(t *testing.T) {
	q := &broker.Quote{Symbol: "005930", Price: 71_500, Volume: 1_000_000}

	in := buildTrapInput(q, nil, nil, 0, 0, 0, 0)

	if in.AskQty1 != 0 || in.AvgVolume != 0 {
		t.Errorf("book fields = %d/%d, want zero without data", in.AskQty1, in.AvgVolume)
	}
	if in.HasRealtimeFlow {
		t.Error("HasRealtimeFlow must be unset when the investor endpoint fails")
	}
}

func TestMovingAverage(t *testing.T) {
	closes := []int64{100, 200, 300, 400}

	if got := movingAverage(closes, 2); got != 150 {
		t.Errorf("movingAverage(2) = %d, want 150", got)
	}
	if got := movingAverage(closes, 4); got != 250 {
		t.Errorf("movingAverage(4) = %d, want 250", got)
	}
	// Not enough history yields zero, which the detector treats as no
	// moving average.
	if got := movingAverage(closes, 5); got != 0 {
		t.Errorf("movingAverage(5) = %d, want 0", got)
	}
}

func TestProgramSlope(t *testing.T) {
	c := &candidateSource{now: time.Now}

	if got := c.programSlope("005930", -10_000); got != 0 {
		t.Errorf("first sight slope = %v, want 0", got)
	}
	// -10k → -15k against base 10k is -0.5.
	if got := c.programSlope("005930", -15_000); got != -0.5 {
		t.Errorf("slope = %v, want -0.5", got)
	}
	// A collapse clamps at -1.
	if got := c.programSlope("005930", -100_000); got != -1 {
		t.Errorf("clamped slope = %v, want -1", got)
	}
}
